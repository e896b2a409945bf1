package livequery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCacheStoreSetGet(t *testing.T) {
	ctx := context.Background()
	store := NewCacheStoreWithDefaults(ctx)
	defer store.Close()

	key := NewQueryKey("matters", "list")

	_, ok := store.Get(key)
	assert.Equal(t, ok, false)
	assert.Equal(t, store.IsStale(key), true)

	store.Set(key, []string{"a", "b"}, EntryStatusSuccess)

	entry, ok := store.Get(key)
	assert.Equal(t, ok, true)
	assert.Equal(t, entry.Data, []string{"a", "b"})
	assert.Equal(t, entry.HasData, true)
	assert.Equal(t, entry.Status, EntryStatusSuccess)
	assert.Equal(t, store.IsStale(key), false)

	stats := store.Stats()
	assert.Equal(t, stats.Sets, int64(1))
	assert.Equal(t, stats.Misses, int64(1))
}

func TestCacheStoreSubscribe(t *testing.T) {
	ctx := context.Background()
	store := NewCacheStoreWithDefaults(ctx)
	defer store.Close()

	key := NewQueryKey("matters", "detail", "42")

	notifications := []string{}
	evictions := 0
	unsubscribe := store.Subscribe(key, func(entry *CacheEntry, evicted bool) {
		if evicted {
			evictions += 1
		} else {
			notifications = append(notifications, entry.Data.(string))
		}
	})

	assert.Equal(t, store.SubscriberCount(key), 1)

	// set notifies synchronously on the caller's goroutine
	store.Set(key, "v1", EntryStatusSuccess)
	store.Set(key, "v2", EntryStatusSuccess)
	assert.Equal(t, notifications, []string{"v1", "v2"})

	store.Evict(key)
	assert.Equal(t, evictions, 1)
	_, ok := store.Get(key)
	assert.Equal(t, ok, false)

	unsubscribe()
	store.Set(key, "v3", EntryStatusSuccess)
	assert.Equal(t, notifications, []string{"v1", "v2"})
}

func TestCacheStoreStaleWhileError(t *testing.T) {
	ctx := context.Background()
	store := NewCacheStoreWithDefaults(ctx)
	defer store.Close()

	key := NewQueryKey("matters", "list")
	store.Set(key, "good", EntryStatusSuccess)

	fetchErr := errors.New("remote down")
	store.SetError(key, fetchErr)

	entry, ok := store.Get(key)
	assert.Equal(t, ok, true)
	assert.Equal(t, entry.Status, EntryStatusError)
	assert.Equal(t, entry.Err, fetchErr)
	// the last good data survives the error
	assert.Equal(t, entry.Data, "good")
	assert.Equal(t, entry.HasData, true)
}

func TestCacheStoreMarkLoadingPreservesData(t *testing.T) {
	ctx := context.Background()
	store := NewCacheStoreWithDefaults(ctx)
	defer store.Close()

	key := NewQueryKey("matters", "list")
	store.Set(key, "shown", EntryStatusSuccess)
	store.MarkLoading(key)

	entry, _ := store.Get(key)
	assert.Equal(t, entry.Status, EntryStatusLoading)
	assert.Equal(t, entry.Data, "shown")
}

func TestCacheStoreSweep(t *testing.T) {
	ctx := context.Background()
	store := NewCacheStore(ctx, &CacheStoreSettings{
		StaleTime: 30 * time.Second,
		GcTime:    0,
		// the test sweeps explicitly
		SweepInterval: time.Hour,
	})
	defer store.Close()

	expired := NewQueryKey("matters", "detail", "1")
	watched := NewQueryKey("matters", "detail", "2")

	store.Set(expired, "x", EntryStatusSuccess)
	store.Set(watched, "y", EntryStatusSuccess)
	unsubscribe := store.Subscribe(watched, func(entry *CacheEntry, evicted bool) {})
	defer unsubscribe()

	time.Sleep(10 * time.Millisecond)
	store.SweepNow()

	// gc only removes entries with no subscribers past their gc clock
	_, ok := store.Get(expired)
	assert.Equal(t, ok, false)
	_, ok = store.Get(watched)
	assert.Equal(t, ok, true)
	assert.Equal(t, store.Stats().Sweeps, int64(1))
}

func TestCacheStoreMarkStale(t *testing.T) {
	ctx := context.Background()
	store := NewCacheStoreWithDefaults(ctx)
	defer store.Close()

	key := NewQueryKey("matters", "list")
	store.Set(key, "fresh", EntryStatusSuccess)
	assert.Equal(t, store.IsStale(key), false)

	store.MarkStale(key)
	time.Sleep(time.Millisecond)
	assert.Equal(t, store.IsStale(key), true)

	// data untouched
	entry, _ := store.Get(key)
	assert.Equal(t, entry.Data, "fresh")
}
