package datastore

import (
	"sync"
	"testing"
	"time"

	"github.com/flashbots/rollup-boost/common"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, size int, maxAge time.Duration) *PayloadContextCache {
	t.Helper()
	cache, err := NewPayloadContextCache(common.TestLog, size, maxAge)
	require.NoError(t, err)
	return cache
}

func TestPayloadContextCacheLRU(t *testing.T) {
	cache := newTestCache(t, 2, 0)

	id1, id2, id3 := common.PayloadID{1}, common.PayloadID{2}, common.PayloadID{3}
	cache.Put(PayloadContext{LocalID: id1})
	cache.Put(PayloadContext{LocalID: id2})

	// touch id1 so id2 becomes the least recently used entry
	_, err := cache.Get(id1)
	require.NoError(t, err)

	cache.Put(PayloadContext{LocalID: id3})
	require.Equal(t, 2, cache.Len())

	_, err = cache.Get(id2)
	require.ErrorIs(t, err, common.ErrPayloadContextNotFound)
	require.True(t, common.IsCacheMiss(err))

	_, err = cache.Get(id1)
	require.NoError(t, err)
	_, err = cache.Get(id3)
	require.NoError(t, err)
}

func TestPayloadContextCacheNeverExceedsCapacity(t *testing.T) {
	cache := newTestCache(t, 10, 0)
	for i := 0; i < 100; i++ {
		cache.Put(PayloadContext{LocalID: common.PayloadID{byte(i)}})
		require.LessOrEqual(t, cache.Len(), 10)
	}
	_, err := cache.Get(common.PayloadID{89})
	require.ErrorIs(t, err, common.ErrPayloadContextNotFound)
	_, err = cache.Get(common.PayloadID{90})
	require.NoError(t, err)
}

func TestPayloadContextCacheGetReturnsCopy(t *testing.T) {
	cache := newTestCache(t, 2, 0)
	builderID := common.PayloadID{9}
	cache.Put(PayloadContext{LocalID: common.PayloadID{1}, BuilderID: &builderID})

	pc, err := cache.Get(common.PayloadID{1})
	require.NoError(t, err)
	otherID := common.PayloadID{8}
	pc.BuilderID = &otherID

	again, err := cache.Get(common.PayloadID{1})
	require.NoError(t, err)
	require.Equal(t, StageBuilding, again.Stage())
	require.Equal(t, builderID, *again.BuilderID)
	require.False(t, again.CreatedAt.IsZero())
}

func TestPayloadContextCacheStale(t *testing.T) {
	cache := newTestCache(t, 2, time.Second)
	now := time.Unix(1700000000, 0)
	cache.now = func() time.Time { return now }

	cache.Put(PayloadContext{LocalID: common.PayloadID{1}})
	_, err := cache.Get(common.PayloadID{1})
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	pc, err := cache.Get(common.PayloadID{1})
	require.ErrorIs(t, err, common.ErrPayloadContextStale)
	require.NotNil(t, pc)
}

func TestPayloadContextCacheStages(t *testing.T) {
	cache := newTestCache(t, 2, 0)
	id := common.PayloadID{1}
	cache.Put(PayloadContext{LocalID: id})

	cache.SetStage(id, StageSubmitted)
	cache.SetStage(id, StageRetrieved) // never moves backwards
	pc, err := cache.Get(id)
	require.NoError(t, err)
	require.Equal(t, StageSubmitted, pc.Stage())
	require.Equal(t, "submitted", pc.Stage().String())

	cache.SetStage(common.PayloadID{7}, StageRetrieved)
	require.Equal(t, 1, cache.Len())
}

func TestPayloadContextCacheSetStageKeepsEvictionOrder(t *testing.T) {
	cache := newTestCache(t, 2, 0)
	cache.Put(PayloadContext{LocalID: common.PayloadID{1}})
	cache.Put(PayloadContext{LocalID: common.PayloadID{2}})

	cache.SetStage(common.PayloadID{1}, StageRetrieved)
	cache.Put(PayloadContext{LocalID: common.PayloadID{3}})

	_, err := cache.Get(common.PayloadID{1})
	require.ErrorIs(t, err, common.ErrPayloadContextNotFound)
	_, err = cache.Get(common.PayloadID{2})
	require.NoError(t, err)

	// an evicted id is not brought back
	cache.SetStage(common.PayloadID{1}, StageSubmitted)
	require.Equal(t, 2, cache.Len())
	_, err = cache.Get(common.PayloadID{1})
	require.ErrorIs(t, err, common.ErrPayloadContextNotFound)
	_, err = cache.Get(common.PayloadID{3})
	require.NoError(t, err)
}

func TestPayloadContextCacheConcurrentStages(t *testing.T) {
	cache := newTestCache(t, 4, 0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			cache.Put(PayloadContext{LocalID: common.PayloadID{byte(i)}})
		}(i)
		go func(i int) {
			defer wg.Done()
			cache.SetStage(common.PayloadID{byte(i)}, StageSubmitted)
		}(i)
	}
	wg.Wait()
	require.LessOrEqual(t, cache.Len(), 4)
}

func TestPayloadContextCacheDelivered(t *testing.T) {
	cache := newTestCache(t, 2, 0)
	id := common.PayloadID{1}
	cache.Put(PayloadContext{LocalID: id})

	_, ok := cache.GetDelivered(id)
	require.False(t, ok)

	cache.SaveDelivered(id, DeliveredPayload{Source: common.PayloadSourceBuilder})
	delivered, ok := cache.GetDelivered(id)
	require.True(t, ok)
	require.Equal(t, common.PayloadSourceBuilder, delivered.Source)

	// a new build for the same id resets the memo
	cache.Put(PayloadContext{LocalID: id})
	_, ok = cache.GetDelivered(id)
	require.False(t, ok)
}
