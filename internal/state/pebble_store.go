package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"rfidgw/internal/model"
)

// PebbleStore implements Store using PebbleDB.
type PebbleStore struct {
	db *pebble.DB
	// serializes check-then-insert
	mu sync.Mutex
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    8,
		WALBytesPerSync:          1 << 20,
		WALMinSyncInterval:       func() time.Duration { return 0 },
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: d}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

func encodePebbleEvent(ev model.TagEvent) ([]byte, error) { return json.Marshal(ev) }
func decodePebbleEvent(val []byte) (model.TagEvent, error) {
	var ev model.TagEvent
	if err := json.Unmarshal(val, &ev); err != nil {
		return model.TagEvent{}, err
	}
	return ev, nil
}

func (p *PebbleStore) Exists(id string) (bool, error) {
	_, closer, err := p.db.Get(eventKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pebble get %s: %w", id, err)
	}
	_ = closer.Close()
	return true, nil
}

func (p *PebbleStore) Insert(ev model.TagEvent) error {
	if ev.ID == "" {
		return errors.New("state: event id is empty")
	}
	bytes, err := encodePebbleEvent(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	exists, err := p.Exists(ev.ID)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicate
	}
	wb := p.db.NewBatch()
	defer wb.Close()
	_ = wb.Set(eventKey(ev.ID), bytes, nil)
	_ = wb.Set(timeKey(ev.ReadTime, ev.ID), []byte(ev.ID), nil)
	// WAL covers durability; skip fsync per write
	if err := wb.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("pebble commit %s: %w", ev.ID, err)
	}
	return nil
}

func (p *PebbleStore) Get(id string) (model.TagEvent, bool) {
	v, closer, err := p.db.Get(eventKey(id))
	if err != nil {
		return model.TagEvent{}, false
	}
	defer closer.Close()
	ev, e := decodePebbleEvent(v)
	if e != nil {
		return model.TagEvent{}, false
	}
	return ev, true
}

func (p *PebbleStore) Range(fn func(ev model.TagEvent) error) error {
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: eventPrefix, UpperBound: prefixEnd(eventPrefix)})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		ev, err := decodePebbleEvent(it.Value())
		if err != nil {
			return fmt.Errorf("decode %s: %w", it.Key(), err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (p *PebbleStore) Recent(since time.Time, limit int) ([]model.TagEvent, error) {
	lower := timePrefix
	if !since.IsZero() {
		lower = timeBound(since)
	}
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixEnd(timePrefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []model.TagEvent
	for it.Last(); it.Valid(); it.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		ev, ok := p.Get(string(it.Value()))
		if !ok {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// LoadAll loads a full snapshot into Pebble by replacing all keys.
func (p *PebbleStore) LoadAll(all []model.TagEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	wb := p.db.NewBatch()
	defer wb.Close()
	_ = wb.DeleteRange(eventPrefix, prefixEnd(eventPrefix), nil)
	_ = wb.DeleteRange(timePrefix, prefixEnd(timePrefix), nil)
	for _, ev := range all {
		bytes, err := encodePebbleEvent(ev)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
		_ = wb.Set(eventKey(ev.ID), bytes, nil)
		_ = wb.Set(timeKey(ev.ReadTime, ev.ID), []byte(ev.ID), nil)
	}
	return wb.Commit(pebble.Sync)
}
