// Package restore rebuilds an event store from the latest snapshot and the
// changelog entries appended after it.
package restore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"rfidgw/internal/changelog"
	"rfidgw/internal/manifest"
	"rfidgw/internal/metrics"
	"rfidgw/internal/snapshot"
	"rfidgw/internal/state"
)

type Restorer struct {
	stateStore     state.Store
	snapshotter    snapshot.Snapshotter
	manifestReader manifest.Reader
	metrics        *metrics.Registry
	logger         *zap.Logger
}

func NewRestorer(st state.Store, snap snapshot.Snapshotter, mr manifest.Reader, m *metrics.Registry, logger *zap.Logger) *Restorer {
	return &Restorer{
		stateStore:     st,
		snapshotter:    snap,
		manifestReader: mr,
		metrics:        m,
		logger:         logger,
	}
}

type RestoreResult struct {
	Applied int
	Skipped int
	Bytes   int64
	Error   error
}

// RestoreFromSnapshot replaces the store contents with the snapshot. A missing
// snapshot is logged and leaves the store untouched.
func (r *Restorer) RestoreFromSnapshot(snapshotID string) (int, error) {
	if snapshotID == "" {
		return 0, nil
	}
	events, err := r.snapshotter.Load(snapshotID)
	if errors.Is(err, snapshot.ErrNotFound) {
		r.logger.Warn("snapshot not found, skipping", zap.String("snapshot_id", snapshotID))
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if err := r.stateStore.LoadAll(events); err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}
	r.logger.Info("loaded snapshot", zap.String("snapshot_id", snapshotID), zap.Int("events", len(events)))
	return len(events), nil
}

// apply inserts one changelog entry. Entries already in the store count as skipped.
func (r *Restorer) apply(raw []byte, res *RestoreResult) error {
	res.Bytes += int64(len(raw))
	var e changelog.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return fmt.Errorf("unmarshal entry: %w", err)
	}
	if e.Op != changelog.OpInsert {
		r.logger.Warn("skipping unknown changelog op", zap.String("op", e.Op))
		res.Skipped++
		return nil
	}
	err := r.stateStore.Insert(e.Event)
	switch {
	case err == nil:
		res.Applied++
	case errors.Is(err, state.ErrDuplicate):
		res.Skipped++
	default:
		return fmt.Errorf("insert %s: %w", e.Event.ID, err)
	}
	return nil
}

func (r *Restorer) record(res RestoreResult) {
	if r.metrics == nil {
		return
	}
	r.metrics.Applied.Add(float64(res.Applied))
	r.metrics.Skipped.Add(float64(res.Skipped))
	r.metrics.ReplayBytes.Add(float64(res.Bytes))
}

// ReplayChangelog applies every line of the file past fromOffset lines.
func (r *Restorer) ReplayChangelog(changelogPath string, fromOffset int64) RestoreResult {
	var res RestoreResult
	defer func() { r.record(res) }()

	file, err := os.Open(changelogPath)
	if err != nil {
		res.Error = fmt.Errorf("open changelog: %w", err)
		return res
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), changelog.MaxLineBytes)
	var lineNum int64
	for scanner.Scan() {
		lineNum++
		if lineNum <= fromOffset {
			continue
		}
		if err := r.apply(scanner.Bytes(), &res); err != nil {
			res.Error = fmt.Errorf("line %d: %w", lineNum, err)
			return res
		}
	}
	if err := scanner.Err(); err != nil {
		res.Error = fmt.Errorf("scan changelog: %w", err)
	}
	return res
}

// kafkaMessageReader abstracts kafka.Reader for testability.
type kafkaMessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// NewKafkaChangelogReader reads partition 0 of the changelog topic from the start.
func NewKafkaChangelogReader(brokers []string, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
}

// ReplayChangelogKafka applies messages from rd, skipping the first fromOffset.
// It stops without error when idle exceeds between messages.
func (r *Restorer) ReplayChangelogKafka(ctx context.Context, rd kafkaMessageReader, fromOffset int64, idle time.Duration) RestoreResult {
	var res RestoreResult
	defer func() { r.record(res) }()

	var idx int64
	for {
		readCtx, cancel := context.WithTimeout(ctx, idle)
		m, err := rd.ReadMessage(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return res
			}
			res.Error = fmt.Errorf("read kafka: %w", err)
			return res
		}
		idx++
		if idx <= fromOffset {
			continue
		}
		if err := r.apply(m.Value, &res); err != nil {
			res.Error = fmt.Errorf("offset %d: %w", m.Offset, err)
			return res
		}
	}
}

// RestoreAndReplay loads the latest manifest's snapshot and replays the file
// changelog past its offset. Without a manifest the whole changelog is replayed.
func (r *Restorer) RestoreAndReplay(changelogPath string) (RestoreResult, error) {
	start := time.Now()
	m, err := r.manifestReader.ReadLatest()
	if errors.Is(err, manifest.ErrNoManifest) {
		r.logger.Info("no manifest published, replaying full changelog")
		m = manifest.Manifest{}
	} else if err != nil {
		return RestoreResult{}, fmt.Errorf("read manifest: %w", err)
	}

	if _, err := r.RestoreFromSnapshot(m.SnapshotID); err != nil {
		return RestoreResult{}, fmt.Errorf("restore snapshot: %w", err)
	}

	result := r.ReplayChangelog(changelogPath, m.LastChangelogOffset)
	if r.metrics != nil {
		r.metrics.TTRSec.Set(time.Since(start).Seconds())
	}
	return result, result.Error
}
