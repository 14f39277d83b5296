// Package inventory resolves tag ids to the serial numbers or assets carrying them.
package inventory

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"rfidgw/internal/model"
)

const (
	SourceSerialNo = "serial_no"
	SourceAsset    = "asset"
)

// Lookup finds inventory records by tag. Both methods return (nil, nil) on a miss.
type Lookup interface {
	SerialNo(ctx context.Context, tagID string) (*model.InventoryRef, error)
	Asset(ctx context.Context, tagID string) (*model.InventoryRef, error)
}

// Correlator resolves tags for a single ingest call. Results, misses included,
// are cached for the lifetime of the Correlator.
type Correlator struct {
	lookup Lookup
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]*model.InventoryRef
}

func NewCorrelator(lookup Lookup, logger *zap.Logger) *Correlator {
	return &Correlator{lookup: lookup, logger: logger, cache: make(map[string]*model.InventoryRef)}
}

// Resolve checks serial numbers first, then assets. Lookup failures are
// logged and reported as a miss; only a done context yields an error.
func (c *Correlator) Resolve(ctx context.Context, tagID string) (*model.InventoryRef, error) {
	if c == nil || c.lookup == nil {
		return nil, nil
	}
	c.mu.Lock()
	ref, ok := c.cache[tagID]
	c.mu.Unlock()
	if ok {
		return ref, nil
	}

	ref, err := c.resolve(ctx, tagID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Warn("inventory lookup failed", zap.String("tag_id", tagID), zap.Error(err))
		return nil, nil
	}
	c.mu.Lock()
	c.cache[tagID] = ref
	c.mu.Unlock()
	return ref, nil
}

func (c *Correlator) resolve(ctx context.Context, tagID string) (*model.InventoryRef, error) {
	ref, err := c.lookup.SerialNo(ctx, tagID)
	if err != nil || ref != nil {
		return ref, err
	}
	return c.lookup.Asset(ctx, tagID)
}

// ErrDuplicateTag is returned when a tag is registered twice in a MemoryLookup.
var ErrDuplicateTag = errors.New("inventory: tag already registered")

// MemoryLookup is an in-process Lookup, used for tests and small deployments.
type MemoryLookup struct {
	mu      sync.RWMutex
	serials map[string]model.InventoryRef
	assets  map[string]model.InventoryRef
}

func NewMemoryLookup() *MemoryLookup {
	return &MemoryLookup{
		serials: make(map[string]model.InventoryRef),
		assets:  make(map[string]model.InventoryRef),
	}
}

func (m *MemoryLookup) AddSerialNo(tagID, name, itemCode string) error {
	return m.add(m.serials, tagID, model.InventoryRef{ItemID: name, ItemCode: itemCode, Source: SourceSerialNo})
}

func (m *MemoryLookup) AddAsset(tagID, name, itemCode string) error {
	return m.add(m.assets, tagID, model.InventoryRef{ItemID: name, ItemCode: itemCode, Source: SourceAsset})
}

func (m *MemoryLookup) add(into map[string]model.InventoryRef, tagID string, ref model.InventoryRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := into[tagID]; ok {
		return ErrDuplicateTag
	}
	into[tagID] = ref
	return nil
}

func (m *MemoryLookup) SerialNo(_ context.Context, tagID string) (*model.InventoryRef, error) {
	return m.get(m.serials, tagID), nil
}

func (m *MemoryLookup) Asset(_ context.Context, tagID string) (*model.InventoryRef, error) {
	return m.get(m.assets, tagID), nil
}

func (m *MemoryLookup) get(from map[string]model.InventoryRef, tagID string) *model.InventoryRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := from[tagID]
	if !ok {
		return nil
	}
	return &ref
}
