package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"rfidgw/internal/model"
)

// ErrDuplicate is returned by Insert when an event with the same id is already stored.
var ErrDuplicate = errors.New("state: duplicate event id")

// Store persists canonical tag events. Events are written once and never mutated.
type Store interface {
	Exists(id string) (bool, error)
	Insert(ev model.TagEvent) error
	Get(id string) (model.TagEvent, bool)
	Range(fn func(ev model.TagEvent) error) error
	// Recent returns up to limit events read at or after since, newest read time first.
	// A zero since means no lower bound; limit <= 0 means no limit.
	Recent(since time.Time, limit int) ([]model.TagEvent, error)
	LoadAll(all []model.TagEvent) error
}

// InMemoryStore is a simple thread-safe map store.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]model.TagEvent
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]model.TagEvent)}
}

// LoadAll replaces the store contents with the provided snapshot.
func (s *InMemoryStore) LoadAll(all []model.TagEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]model.TagEvent, len(all))
	for _, ev := range all {
		s.data[ev.ID] = ev
	}
	return nil
}

func (s *InMemoryStore) Exists(id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[id]
	return ok, nil
}

func (s *InMemoryStore) Insert(ev model.TagEvent) error {
	if ev.ID == "" {
		return errors.New("state: event id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[ev.ID]; ok {
		return ErrDuplicate
	}
	s.data[ev.ID] = ev
	return nil
}

func (s *InMemoryStore) Get(id string) (model.TagEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.data[id]
	return ev, ok
}

func (s *InMemoryStore) Range(fn func(ev model.TagEvent) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ev := range s.data {
		if err := fn(ev); err != nil {
			return fmt.Errorf("range callback failed: %w", err)
		}
	}
	return nil
}

func (s *InMemoryStore) Recent(since time.Time, limit int) ([]model.TagEvent, error) {
	s.mu.RLock()
	out := make([]model.TagEvent, 0, len(s.data))
	for _, ev := range s.data {
		if !since.IsZero() && ev.ReadTime.Before(since) {
			continue
		}
		out = append(out, ev)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return newerFirst(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// newerFirst orders by read time descending, then id descending, matching the
// reverse scan of the on-disk time index.
func newerFirst(a, b model.TagEvent) bool {
	if !a.ReadTime.Equal(b.ReadTime) {
		return a.ReadTime.After(b.ReadTime)
	}
	return a.ID > b.ID
}
