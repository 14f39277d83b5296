package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// FileName is the manifest file kept next to the snapshot directories.
const FileName = "manifest.latest.json"

// DefaultKey is the record key of the manifest on a compacted topic.
const DefaultKey = "rfidgw-manifest-latest"

// ErrNoManifest is returned when no manifest has been published yet.
var ErrNoManifest = errors.New("manifest: none published")

// Manifest points at the newest snapshot and the changelog position it covers.
type Manifest struct {
	SnapshotID           string `json:"snapshotId"`
	LastChangelogOffset  int64  `json:"lastChangelogOffset"`
	EventCount           int    `json:"eventCount"`
	CreatedAtEpochSecond int64  `json:"createdAt"`
}

// Age is the time elapsed since the manifest was created.
func (m Manifest) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(m.CreatedAtEpochSecond, 0))
}

func newManifest(snapshotID string, lastChangelogOffset int64, eventCount int) Manifest {
	return Manifest{
		SnapshotID:           snapshotID,
		LastChangelogOffset:  lastChangelogOffset,
		EventCount:           eventCount,
		CreatedAtEpochSecond: time.Now().UTC().Unix(),
	}
}

type Publisher interface {
	PublishLatest(snapshotID string, lastChangelogOffset int64, eventCount int) error
}

type Reader interface {
	ReadLatest() (Manifest, error)
}

// MultiPublisher writes to multiple publishers sequentially.
type MultiPublisher []Publisher

func (m MultiPublisher) PublishLatest(snapshotID string, lastChangelogOffset int64, eventCount int) error {
	for _, p := range m {
		if err := p.PublishLatest(snapshotID, lastChangelogOffset, eventCount); err != nil {
			return err
		}
	}
	return nil
}

type FilesystemManifest struct {
	baseDir string
}

func NewFilesystemManifest(baseDir string) *FilesystemManifest {
	return &FilesystemManifest{baseDir: baseDir}
}

// PublishLatest replaces the manifest file atomically.
func (f *FilesystemManifest) PublishLatest(snapshotID string, lastChangelogOffset int64, eventCount int) error {
	if err := os.MkdirAll(f.baseDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	m := newManifest(snapshotID, lastChangelogOffset, eventCount)
	b, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	file := filepath.Join(f.baseDir, FileName)
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := os.Rename(tmp, file); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (f *FilesystemManifest) ReadLatest() (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(f.baseDir, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{}, ErrNoManifest
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// kafkaMessageReader abstracts kafka.Reader for testability.
type kafkaMessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func splitBrokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}

// KafkaManifest publishes the manifest as a compacted Kafka record and reads it back.
type KafkaManifest struct {
	writer    kafkaMessageWriter
	newReader func() kafkaMessageReader
	key       []byte
	// ReadTimeout bounds the scan performed by ReadLatest.
	ReadTimeout time.Duration
}

// NewKafkaManifest creates a Kafka manifest publisher/reader.
// bootstrap can be comma-separated brokers.
func NewKafkaManifest(bootstrap string, topic string, key string) *KafkaManifest {
	brokers := splitBrokers(bootstrap)
	return &KafkaManifest{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
		},
		newReader: func() kafkaMessageReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:   brokers,
				Topic:     topic,
				Partition: 0,
				MinBytes:  1,
				MaxBytes:  10e6,
			})
		},
		key:         []byte(key),
		ReadTimeout: 10 * time.Second,
	}
}

// NewKafkaManifestWith is only for tests to inject fakes.
func NewKafkaManifestWith(w kafkaMessageWriter, r kafkaMessageReader, key string) *KafkaManifest {
	return &KafkaManifest{writer: w, newReader: func() kafkaMessageReader { return r }, key: []byte(key), ReadTimeout: time.Second}
}

func (k *KafkaManifest) PublishLatest(snapshotID string, lastChangelogOffset int64, eventCount int) error {
	m := newManifest(snapshotID, lastChangelogOffset, eventCount)
	b, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return k.writer.WriteMessages(context.Background(), kafka.Message{Key: k.key, Value: b})
}

// ReadLatest scans the topic from the start and keeps the last record for the
// key. The scan ends when ReadTimeout elapses without error.
func (k *KafkaManifest) ReadLatest() (Manifest, error) {
	r := k.newReader()
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), k.ReadTimeout)
	defer cancel()

	var last Manifest
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return Manifest{}, fmt.Errorf("read kafka: %w", err)
		}
		if string(m.Key) != string(k.key) {
			continue
		}
		var man Manifest
		if err := json.Unmarshal(m.Value, &man); err != nil {
			return Manifest{}, fmt.Errorf("unmarshal kafka manifest: %w", err)
		}
		last = man
	}
	if last.SnapshotID == "" {
		return Manifest{}, ErrNoManifest
	}
	return last, nil
}
