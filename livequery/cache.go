package livequery

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// entry status is:
// EntryStatusIdle
//
//	-> EntryStatusLoading
//	  -> EntryStatusSuccess
//	  -> EntryStatusError
//	-> EntryStatusSuccess (optimistic patch, no loading flicker)
//
// none of the states are terminal. an entry cycles until it is evicted or
// swept.
type EntryStatus string

const (
	EntryStatusIdle    EntryStatus = "idle"
	EntryStatusLoading EntryStatus = "loading"
	EntryStatusSuccess EntryStatus = "success"
	EntryStatusError   EntryStatus = "error"
)

func (self EntryStatus) IsSettled() bool {
	switch self {
	case EntryStatusSuccess, EntryStatusError:
		return true
	default:
		return false
	}
}

// a value snapshot handed to callers and subscribers.
// `Data` is the last known good value. it survives an error status
// (stale-while-error).
type CacheEntry struct {
	Key             QueryKey
	Data            any
	HasData         bool
	Status          EntryStatus
	Err             error
	FetchedAt       time.Time
	StaleAt         time.Time
	LastAccess      time.Time
	GcAt            time.Time
	SubscriberCount int
	Version         uint64
}

func (self *CacheEntry) IsStale(now time.Time) bool {
	return now.After(self.StaleAt)
}

// an item that exists only to hold subscribers. never set, never errored.
func (self *CacheEntry) isUnset() bool {
	return self.Status == EntryStatusIdle && !self.HasData && self.Err == nil
}

type SubscribeFunction = func(entry *CacheEntry, evicted bool)

type CacheStoreSettings struct {
	StaleTime     time.Duration
	GcTime        time.Duration
	SweepInterval time.Duration
}

func DefaultCacheStoreSettings() *CacheStoreSettings {
	return &CacheStoreSettings{
		StaleTime:     30 * time.Second,
		GcTime:        5 * time.Minute,
		SweepInterval: 60 * time.Second,
	}
}

type CacheStats struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Evictions int64
	Sweeps    int64
}

type cacheItem struct {
	entry       CacheEntry
	subscribers *CallbackList[SubscribeFunction]
}

// the single shared mutable resource. all writes go through `Set`/`Evict`,
// which makes the last-write-wins contract enforceable. callers that need
// cross-write ordering serialize their own calls (see the mutation engine).
type CacheStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *CacheStoreSettings

	stateLock sync.Mutex
	items     map[string]*cacheItem
	stats     CacheStats
}

func NewCacheStoreWithDefaults(ctx context.Context) *CacheStore {
	return NewCacheStore(ctx, DefaultCacheStoreSettings())
}

func NewCacheStore(ctx context.Context, settings *CacheStoreSettings) *CacheStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &CacheStore{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		items:    map[string]*cacheItem{},
	}
	go store.run()
	return store
}

func (self *CacheStore) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SweepInterval):
			self.sweep(time.Now())
		}
	}
}

// snapshot without side effects beyond the access clock
func (self *CacheStore) Get(key QueryKey) (*CacheEntry, bool) {
	return self.get(key, time.Now())
}

func (self *CacheStore) get(key QueryKey, now time.Time) (*CacheEntry, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.items[key.Normalize()]
	if !ok || item.entry.isUnset() {
		self.stats.Misses += 1
		return nil, false
	}
	self.stats.Hits += 1
	item.entry.LastAccess = now
	item.entry.GcAt = now.Add(self.settings.GcTime)
	entry := item.entry
	return &entry, true
}

// last-write-wins by call order. subscribers of the key are notified
// synchronously on the caller's goroutine, after the lock is released,
// in subscribe order.
func (self *CacheStore) Set(key QueryKey, data any, status EntryStatus) *CacheEntry {
	return self.set(key, data, status, time.Now())
}

func (self *CacheStore) set(key QueryKey, data any, status EntryStatus, now time.Time) *CacheEntry {
	entry, notify := self.setDeferred(key, data, status, now)
	notify()
	return entry
}

// write now, notify later. the returned notify lets a caller that holds its
// own ordering lock release it before the subscriber callbacks run.
func (self *CacheStore) setDeferred(key QueryKey, data any, status EntryStatus, now time.Time) (*CacheEntry, func()) {
	var entry CacheEntry
	var callbacks []SubscribeFunction

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		item := self.itemForKey(key, now)
		item.entry.Data = data
		item.entry.HasData = true
		item.entry.Status = status
		item.entry.Err = nil
		item.entry.FetchedAt = now
		item.entry.StaleAt = now.Add(self.settings.StaleTime)
		item.entry.LastAccess = now
		item.entry.GcAt = now.Add(self.settings.GcTime)
		item.entry.Version += 1
		self.stats.Sets += 1
		entry = item.entry
		callbacks = item.subscribers.Get()
	}()

	return &entry, func() {
		glog.V(2).Infof("[lq]set %s status=%s\n", key, status)
		for _, callback := range callbacks {
			self.notify(callback, &entry, false)
		}
	}
}

// records the error, preserves the last good data (stale-while-error)
func (self *CacheStore) SetError(key QueryKey, err error) *CacheEntry {
	return self.setError(key, err, time.Now())
}

func (self *CacheStore) setError(key QueryKey, err error, now time.Time) *CacheEntry {
	var entry CacheEntry
	var callbacks []SubscribeFunction

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		item := self.itemForKey(key, now)
		item.entry.Status = EntryStatusError
		item.entry.Err = err
		item.entry.LastAccess = now
		item.entry.GcAt = now.Add(self.settings.GcTime)
		item.entry.Version += 1
		self.stats.Sets += 1
		entry = item.entry
		callbacks = item.subscribers.Get()
	}()

	glog.V(1).Infof("[lq]set error %s = %s\n", key, err)
	for _, callback := range callbacks {
		self.notify(callback, &entry, false)
	}
	return &entry
}

// creates the entry if absent. existing data is preserved so a background
// refetch never blanks what the ui is showing.
func (self *CacheStore) MarkLoading(key QueryKey) {
	now := time.Now()
	var entry CacheEntry
	var callbacks []SubscribeFunction

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		item := self.itemForKey(key, now)
		item.entry.Status = EntryStatusLoading
		item.entry.LastAccess = now
		item.entry.GcAt = now.Add(self.settings.GcTime)
		item.entry.Version += 1
		entry = item.entry
		callbacks = item.subscribers.Get()
	}()

	for _, callback := range callbacks {
		self.notify(callback, &entry, false)
	}
}

// expires the entry in place without touching its data.
// the next subscribed refetch pass picks it up.
func (self *CacheStore) MarkStale(key QueryKey) {
	self.markStale(key, time.Now())
}

func (self *CacheStore) markStale(key QueryKey, now time.Time) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.items[key.Normalize()]
	if !ok {
		return
	}
	item.entry.StaleAt = now
}

// restore a previously captured snapshot, keeping the snapshot's clocks.
// used by mutation rollback: preserving `FetchedAt` is what lets overlapping
// rollbacks unwind in completion order, because the newer-write check
// compares against the restored timestamp rather than the wall clock.
func (self *CacheStore) restoreDeferred(key QueryKey, snapshot *CacheEntry) func() {
	now := time.Now()
	var entry CacheEntry
	var callbacks []SubscribeFunction

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		item := self.itemForKey(key, now)
		item.entry.Data = snapshot.Data
		item.entry.HasData = snapshot.HasData
		item.entry.Status = snapshot.Status
		item.entry.Err = snapshot.Err
		item.entry.FetchedAt = snapshot.FetchedAt
		item.entry.StaleAt = snapshot.StaleAt
		item.entry.LastAccess = now
		item.entry.GcAt = now.Add(self.settings.GcTime)
		item.entry.Version += 1
		self.stats.Sets += 1
		entry = item.entry
		callbacks = item.subscribers.Get()
	}()

	return func() {
		glog.V(1).Infof("[lq]restore %s\n", key)
		for _, callback := range callbacks {
			self.notify(callback, &entry, false)
		}
	}
}

// removes the entry's value immediately regardless of subscriber count (hard
// invalidation). subscriptions survive eviction, so the refetch that follows
// lands in a still-watched entry. an in-flight fetch for the key is not
// cancelled. its result, on arrival, lands in the reset entry.
func (self *CacheStore) Evict(key QueryKey) {
	self.evictDeferred(key)()
}

func (self *CacheStore) evictDeferred(key QueryKey) func() {
	now := time.Now()
	var entry CacheEntry
	var callbacks []SubscribeFunction
	evicted := false

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		item, ok := self.items[key.Normalize()]
		if !ok || item.entry.isUnset() {
			return
		}
		if item.subscribers.Len() == 0 {
			delete(self.items, key.Normalize())
		} else {
			item.entry = CacheEntry{
				Key:             item.entry.Key,
				Status:          EntryStatusIdle,
				LastAccess:      now,
				GcAt:            now.Add(self.settings.GcTime),
				SubscriberCount: item.subscribers.Len(),
				Version:         item.entry.Version + 1,
			}
		}
		self.stats.Evictions += 1
		entry = item.entry
		callbacks = item.subscribers.Get()
		evicted = true
	}()

	return func() {
		if !evicted {
			return
		}
		glog.V(1).Infof("[lq]evict %s\n", key)
		for _, callback := range callbacks {
			self.notify(callback, &entry, true)
		}
	}
}

// increments the subscriber count. the callback is invoked on every `Set`
// and on `Evict` of the key. the returned func unsubscribes and restarts
// the gc clock.
func (self *CacheStore) Subscribe(key QueryKey, callback SubscribeFunction) func() {
	now := time.Now()

	self.stateLock.Lock()
	item := self.itemForKey(key, now)
	callbackId := item.subscribers.Add(callback)
	item.entry.SubscriberCount = item.subscribers.Len()
	self.stateLock.Unlock()

	unsubscribed := false
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if unsubscribed {
			return
		}
		unsubscribed = true
		item, ok := self.items[key.Normalize()]
		if !ok {
			return
		}
		item.subscribers.Remove(callbackId)
		item.entry.SubscriberCount = item.subscribers.Len()
		now := time.Now()
		item.entry.LastAccess = now
		item.entry.GcAt = now.Add(self.settings.GcTime)
	}
}

func (self *CacheStore) SubscriberCount(key QueryKey) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.items[key.Normalize()]
	if !ok {
		return 0
	}
	return item.subscribers.Len()
}

// a missing entry is stale
func (self *CacheStore) IsStale(key QueryKey) bool {
	return self.isStale(key, time.Now())
}

func (self *CacheStore) isStale(key QueryKey, now time.Time) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.items[key.Normalize()]
	if !ok {
		return true
	}
	return now.After(item.entry.StaleAt)
}

func (self *CacheStore) Keys() []QueryKey {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keys := make([]QueryKey, 0, len(self.items))
	for _, item := range self.items {
		keys = append(keys, item.entry.Key)
	}
	return keys
}

func (self *CacheStore) Stats() CacheStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.stats
}

func (self *CacheStore) SweepNow() {
	self.sweep(time.Now())
}

func (self *CacheStore) sweep(now time.Time) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for normalKey, item := range maps.Clone(self.items) {
		if item.subscribers.Len() == 0 && now.After(item.entry.GcAt) {
			delete(self.items, normalKey)
			self.stats.Sweeps += 1
			glog.V(2).Infof("[lq]sweep %s\n", item.entry.Key)
		}
	}
}

func (self *CacheStore) Close() {
	self.cancel()
}

// must be called with `stateLock`
func (self *CacheStore) itemForKey(key QueryKey, now time.Time) *cacheItem {
	normalKey := key.Normalize()
	item, ok := self.items[normalKey]
	if !ok {
		item = &cacheItem{
			entry: CacheEntry{
				Key:        key,
				Status:     EntryStatusIdle,
				LastAccess: now,
				GcAt:       now.Add(self.settings.GcTime),
			},
			subscribers: NewCallbackList[SubscribeFunction](),
		}
		self.items[normalKey] = item
	}
	return item
}

func (self *CacheStore) notify(callback SubscribeFunction, entry *CacheEntry, evicted bool) {
	handleCallbackPanic("lq", func() {
		callback(entry, evicted)
	})
}
