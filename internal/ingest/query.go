package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// ClampLimit applies the default to non-positive limits and caps the rest.
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	default:
		return n
	}
}

// Raddecs returns the stored raddecs of the most recent events read at or after
// since, newest first. Each object carries the event id as _docname and gets a
// timestamp from the read time when it lacks one. Events without a usable
// raddec are skipped after the limit is applied, so fewer than limit objects
// may come back.
func (s *Service) Raddecs(since time.Time, limit int) ([]map[string]any, error) {
	events, err := s.store.Recent(since, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		if len(ev.Raddec) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(ev.Raddec))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil || obj == nil {
			s.logger.Debug("skipping unreadable raddec", zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		if _, ok := obj["timestamp"]; !ok && !ev.ReadTime.IsZero() {
			obj["timestamp"] = ev.ReadTime.UnixMilli()
		}
		if _, ok := obj["_docname"]; !ok {
			obj["_docname"] = ev.ID
		}
		out = append(out, obj)
	}
	return out, nil
}
