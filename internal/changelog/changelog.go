package changelog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/segmentio/kafka-go"

	"rfidgw/internal/model"
	"rfidgw/internal/queue"
)

// OpInsert is the only operation the event store performs.
const OpInsert = "insert"

// Entry is one changelog record.
type Entry struct {
	Op    string         `json:"op"`
	Event model.TagEvent `json:"event"`
	TS    int64          `json:"ts"` // unix millis of the append
}

type Writer interface {
	Append(e Entry) error
}

// MultiWriter fans out writes to multiple underlying writers.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

func (m *MultiWriter) Append(e Entry) error {
	for _, w := range m.writers {
		if err := w.Append(e); err != nil {
			return err
		}
	}
	return nil
}

// FileWriter appends JSON lines to a file. Its offset is the number of lines
// written so far, counting lines already present when it was opened.
type FileWriter struct {
	path string

	mu     sync.Mutex
	offset int64
}

func NewFileWriter(dir string, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	w := &FileWriter{path: filepath.Join(dir, filename)}
	n, err := countLines(w.path)
	if err != nil {
		return nil, err
	}
	w.offset = n
	return w, nil
}

func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	var n int64
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	for s.Scan() {
		n++
	}
	if err := s.Err(); err != nil {
		return 0, fmt.Errorf("scan: %w", err)
	}
	return n, nil
}

// MaxLineBytes bounds a single changelog line (raw payloads included).
const MaxLineBytes = 4 << 20

func (w *FileWriter) Path() string { return w.path }

// Offset returns the number of entries in the file.
func (w *FileWriter) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

func (w *FileWriter) Append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	if err := enc.Encode(&e); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	w.offset++
	return nil
}

// KafkaWriter publishes entries to a Kafka topic keyed by event id.
type KafkaWriter struct {
	writer kafkaMessageWriter
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter creates a Kafka writer.
// bootstrap can be a comma-separated list of host:port.
func NewKafkaWriter(bootstrap string, topic string) *KafkaWriter {
	return &KafkaWriter{writer: queue.NewSyncWriter(queue.SplitBrokers(bootstrap), topic)}
}

func (k *KafkaWriter) Append(e Entry) error {
	b, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return k.writer.WriteMessages(
		context.Background(),
		kafka.Message{Key: []byte(e.Event.ID), Value: b},
	)
}

func (k *KafkaWriter) Close() error {
	if c, ok := k.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// NewKafkaWriterWith is only for tests to inject a fake writer.
func NewKafkaWriterWith(w kafkaMessageWriter) *KafkaWriter {
	return &KafkaWriter{writer: w}
}
