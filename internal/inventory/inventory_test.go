package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rfidgw/internal/model"
)

type countingLookup struct {
	inner         Lookup
	serialCalls   int
	assetCalls    int
	failSerialNos bool
}

func (c *countingLookup) SerialNo(ctx context.Context, tagID string) (*model.InventoryRef, error) {
	c.serialCalls++
	if c.failSerialNos {
		return nil, errors.New("db down")
	}
	return c.inner.SerialNo(ctx, tagID)
}

func (c *countingLookup) Asset(ctx context.Context, tagID string) (*model.InventoryRef, error) {
	c.assetCalls++
	return c.inner.Asset(ctx, tagID)
}

func TestCorrelator_SerialBeforeAsset(t *testing.T) {
	mem := NewMemoryLookup()
	require.NoError(t, mem.AddSerialNo("TAG1", "SN-0001", "ITEM-A"))
	require.NoError(t, mem.AddAsset("TAG1", "AST-0001", "ITEM-B"))
	require.NoError(t, mem.AddAsset("TAG2", "AST-0002", "ITEM-C"))

	c := NewCorrelator(mem, zap.NewNop())
	ref, err := c.Resolve(context.Background(), "TAG1")
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, model.InventoryRef{ItemID: "SN-0001", ItemCode: "ITEM-A", Source: SourceSerialNo}, *ref)

	ref, err = c.Resolve(context.Background(), "TAG2")
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, SourceAsset, ref.Source)
	assert.Equal(t, "AST-0002", ref.ItemID)
}

func TestCorrelator_CachesHitsAndMisses(t *testing.T) {
	mem := NewMemoryLookup()
	require.NoError(t, mem.AddSerialNo("TAG1", "SN-0001", "ITEM-A"))
	lookup := &countingLookup{inner: mem}
	c := NewCorrelator(lookup, zap.NewNop())

	for i := 0; i < 3; i++ {
		ref, err := c.Resolve(context.Background(), "TAG1")
		require.NoError(t, err)
		require.NotNil(t, ref)
		ref, err = c.Resolve(context.Background(), "UNKNOWN")
		require.NoError(t, err)
		assert.Nil(t, ref)
	}
	assert.Equal(t, 2, lookup.serialCalls)
	assert.Equal(t, 1, lookup.assetCalls)
}

func TestCorrelator_LookupErrorIsMiss(t *testing.T) {
	lookup := &countingLookup{inner: NewMemoryLookup(), failSerialNos: true}
	c := NewCorrelator(lookup, zap.NewNop())

	ref, err := c.Resolve(context.Background(), "TAG1")
	require.NoError(t, err)
	assert.Nil(t, ref)
	// errors are not cached
	_, _ = c.Resolve(context.Background(), "TAG1")
	assert.Equal(t, 2, lookup.serialCalls)
	assert.Equal(t, 0, lookup.assetCalls)
}

func TestCorrelator_NilLookup(t *testing.T) {
	ref, err := NewCorrelator(nil, zap.NewNop()).Resolve(context.Background(), "TAG1")
	assert.NoError(t, err)
	assert.Nil(t, ref)
}

func TestMemoryLookup_DuplicateTag(t *testing.T) {
	mem := NewMemoryLookup()
	require.NoError(t, mem.AddSerialNo("TAG1", "SN-1", "I"))
	assert.ErrorIs(t, mem.AddSerialNo("TAG1", "SN-2", "I"), ErrDuplicateTag)
}
