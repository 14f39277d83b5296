package state

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"rfidgw/internal/model"
)

// BadgerStore implements Store using BadgerDB. Values are msgpack encoded.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir)).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Close() error { return b.db.Close() }

func encodeEvent(ev model.TagEvent) ([]byte, error) { return msgpack.Marshal(&ev) }
func decodeEvent(val []byte) (model.TagEvent, error) {
	var ev model.TagEvent
	if err := msgpack.Unmarshal(val, &ev); err != nil {
		return model.TagEvent{}, err
	}
	return ev, nil
}

func (b *BadgerStore) Exists(id string) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, e := txn.Get(eventKey(id))
		return e
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger get %s: %w", id, err)
	}
	return true, nil
}

func (b *BadgerStore) Insert(ev model.TagEvent) error {
	if ev.ID == "" {
		return errors.New("state: event id is empty")
	}
	bytes, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(eventKey(ev.ID))
		if err == nil {
			return ErrDuplicate
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(eventKey(ev.ID), bytes); err != nil {
			return err
		}
		return txn.Set(timeKey(ev.ReadTime, ev.ID), []byte(ev.ID))
	})
	// a concurrent writer committed the same id first
	if errors.Is(err, badger.ErrConflict) {
		return ErrDuplicate
	}
	return err
}

func (b *BadgerStore) Get(id string) (model.TagEvent, bool) {
	var ev model.TagEvent
	err := b.db.View(func(txn *badger.Txn) error {
		item, e := txn.Get(eventKey(id))
		if e != nil {
			return e
		}
		v, e := item.ValueCopy(nil)
		if e != nil {
			return e
		}
		var dErr error
		ev, dErr = decodeEvent(v)
		return dErr
	})
	if err != nil {
		return model.TagEvent{}, false
	}
	return ev, true
}

func (b *BadgerStore) Range(fn func(ev model.TagEvent) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = eventPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			ev, err := decodeEvent(v)
			if err != nil {
				return err
			}
			if err := fn(ev); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerStore) Recent(since time.Time, limit int) ([]model.TagEvent, error) {
	var lower []byte
	if !since.IsZero() {
		lower = timeBound(since)
	}
	var out []model.TagEvent
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = timePrefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefixEnd(timePrefix)); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			item := it.Item()
			if lower != nil && string(item.Key()) < string(lower) {
				break
			}
			id, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			evItem, err := txn.Get(eventKey(string(id)))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			v, err := evItem.ValueCopy(nil)
			if err != nil {
				return err
			}
			ev, err := decodeEvent(v)
			if err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

// LoadAll loads a full snapshot into Badger by replacing all keys.
func (b *BadgerStore) LoadAll(all []model.TagEvent) error {
	if err := b.db.DropPrefix(eventPrefix, timePrefix); err != nil {
		return fmt.Errorf("badger drop: %w", err)
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, ev := range all {
		bytes, err := encodeEvent(ev)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
		if err := wb.Set(eventKey(ev.ID), bytes); err != nil {
			return err
		}
		if err := wb.Set(timeKey(ev.ReadTime, ev.ID), []byte(ev.ID)); err != nil {
			return err
		}
	}
	return wb.Flush()
}
