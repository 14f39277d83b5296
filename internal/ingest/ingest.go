// Package ingest runs vendor payloads through the tag-event pipeline:
// walk, extract, dedup, correlate, build raddec, persist, log, dispatch.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rfidgw/internal/changelog"
	"rfidgw/internal/inventory"
	"rfidgw/internal/metrics"
	"rfidgw/internal/model"
	"rfidgw/internal/payload"
	"rfidgw/internal/raddec"
	"rfidgw/internal/state"
)

// SourceImpinj is the delivery source reported for reader payloads.
const SourceImpinj = "impinj"

// Summary reports what one ingest call did.
type Summary struct {
	Processed      int      `json:"processed"`
	Duplicates     int      `json:"duplicates"`
	Errors         int      `json:"errors"`
	ProcessedNames []string `json:"processed_names"`
	DuplicateTags  []string `json:"duplicate_tags"`
	ErrorTags      []string `json:"error_tags"`
}

func newSummary() Summary {
	return Summary{ProcessedNames: []string{}, DuplicateTags: []string{}, ErrorTags: []string{}}
}

func (s *Summary) processed(id string) {
	s.Processed++
	s.ProcessedNames = append(s.ProcessedNames, id)
}

func (s *Summary) duplicate(tag string) {
	s.Duplicates++
	s.DuplicateTags = append(s.DuplicateTags, tag)
}

func (s *Summary) failed(tag string) {
	s.Errors++
	s.ErrorTags = append(s.ErrorTags, tag)
}

// Dispatcher receives every raddec built for a newly stored event.
type Dispatcher interface {
	Dispatch(ctx context.Context, r raddec.Raddec, meta model.DeliveryMeta)
}

type Service struct {
	store      state.Store
	lookup     inventory.Lookup
	dispatcher Dispatcher
	changelog  changelog.Writer
	metrics    *metrics.Registry
	logger     *zap.Logger
	now        func() time.Time
}

type Option func(*Service)

// WithChangelog appends every stored event to w.
func WithChangelog(w changelog.Writer) Option {
	return func(s *Service) { s.changelog = w }
}

// WithClock replaces time.Now for ingest and default read times.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the pipeline. lookup and dispatcher may be nil.
func NewService(st state.Store, lookup inventory.Lookup, d Dispatcher, m *metrics.Registry, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:      st,
		lookup:     lookup,
		dispatcher: d,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IngestJSON decodes a raw body and ingests it. Empty or malformed bodies are
// rejected before any node is processed.
func (s *Service) IngestJSON(ctx context.Context, body []byte) (Summary, error) {
	v, err := payload.Decode(body)
	if err != nil {
		return Summary{}, err
	}
	return s.Ingest(ctx, v), nil
}

// Ingest processes every event node in a decoded payload. Nodes fail
// independently; the summary lists what happened to each tag.
func (s *Service) Ingest(ctx context.Context, p any) Summary {
	start := time.Now()
	defer func() { s.metrics.IngestLatencySec.Observe(time.Since(start).Seconds()) }()

	corr := inventory.NewCorrelator(s.lookup, s.logger)
	sum := newSummary()
	for node := range payload.Walk(p) {
		s.ingestNode(ctx, node, corr, &sum)
	}
	if sum.Processed > 0 || sum.Errors > 0 {
		s.logger.Info("ingested payload",
			zap.Int("processed", sum.Processed),
			zap.Int("duplicates", sum.Duplicates),
			zap.Int("errors", sum.Errors),
		)
	}
	return sum
}

func (s *Service) ingestNode(ctx context.Context, node map[string]any, corr *inventory.Correlator, sum *Summary) {
	now := s.now()
	f, ok := payload.Extract(node, now)
	if !ok {
		s.metrics.IngestSkipped.Inc()
		return
	}
	if !f.TimeFromPayload {
		s.metrics.IngestTimeless.Inc()
		s.logger.Debug("read time missing, using ingest time", zap.String("tag_id", f.TagID), zap.Time("read_time", f.ReadTime))
	}
	id := model.EventID(f.TagID, f.ReadTime)

	exists, err := s.store.Exists(id)
	if err != nil {
		s.fail(sum, f.TagID, id, fmt.Errorf("check existing event: %w", err))
		return
	}
	if exists {
		s.metrics.IngestDuplicates.Inc()
		sum.duplicate(f.TagID)
		return
	}

	ev, rd, hasRaddec, err := s.buildEvent(ctx, id, node, f, corr, now)
	if err != nil {
		s.fail(sum, f.TagID, id, err)
		return
	}
	if err := s.store.Insert(ev); err != nil {
		if errors.Is(err, state.ErrDuplicate) {
			s.metrics.IngestDuplicates.Inc()
			sum.duplicate(f.TagID)
			return
		}
		s.fail(sum, f.TagID, id, fmt.Errorf("insert event: %w", err))
		return
	}
	s.metrics.IngestProcessed.Inc()
	sum.processed(id)
	s.appendChangelog(ev)

	if hasRaddec && s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, rd, model.DeliveryMeta{
			DocName: id,
			Reader:  f.Reader,
			RFID:    f.TagID,
			Source:  SourceImpinj,
		})
	}
}

func (s *Service) buildEvent(ctx context.Context, id string, node map[string]any, f payload.Fields, corr *inventory.Correlator, now time.Time) (model.TagEvent, raddec.Raddec, bool, error) {
	raw, err := json.Marshal(node)
	if err != nil {
		return model.TagEvent{}, raddec.Raddec{}, false, fmt.Errorf("encode raw payload: %w", err)
	}
	ref, err := corr.Resolve(ctx, f.TagID)
	if err != nil {
		s.logger.Debug("inventory lookup abandoned", zap.String("tag_id", f.TagID), zap.Error(err))
	}
	ev := model.TagEvent{
		ID:          id,
		TagID:       f.TagID,
		ReadTime:    f.ReadTime,
		Reader:      f.Reader,
		AntennaPort: f.AntennaPort,
		RSSI:        f.RSSI,
		RawPayload:  raw,
		Inventory:   ref,
		IngestedAt:  now.UTC(),
	}
	rd, ok := raddec.Build(ev)
	if ok {
		b, err := json.Marshal(rd)
		if err != nil {
			return model.TagEvent{}, raddec.Raddec{}, false, fmt.Errorf("encode raddec: %w", err)
		}
		ev.Raddec = b
	}
	return ev, rd, ok, nil
}

func (s *Service) appendChangelog(ev model.TagEvent) {
	if s.changelog == nil {
		return
	}
	err := s.changelog.Append(changelog.Entry{Op: changelog.OpInsert, Event: ev, TS: s.now().UnixMilli()})
	if err != nil {
		s.metrics.ChangelogFailed.Inc()
		s.logger.Error("append changelog failed", zap.String("event_id", ev.ID), zap.Error(err))
		return
	}
	s.metrics.ChangelogAppended.Inc()
}

func (s *Service) fail(sum *Summary, tag, id string, err error) {
	s.metrics.IngestErrors.Inc()
	s.logger.Error("tag event ingest failed", zap.String("tag_id", tag), zap.String("event_id", id), zap.Error(err))
	sum.failed(tag)
}
