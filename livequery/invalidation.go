package livequery

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type InvalidationEngineSettings struct {
	// two events for the same (type, entityId) within this window are the
	// same event
	DedupWindow time.Duration
	// accumulation tick for batched mode
	BatchWindow time.Duration
}

func DefaultInvalidationEngineSettings() *InvalidationEngineSettings {
	return &InvalidationEngineSettings{
		DedupWindow: 2 * time.Second,
		BatchWindow: 25 * time.Millisecond,
	}
}

// turns domain events into cache evictions and refetches, by rule table.
// one bad event never halts the pipeline.
type InvalidationEngine struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    *CacheStore
	executor *QueryExecutor
	rules    []*InvalidationRule
	tabId    Id
	settings *InvalidationEngineSettings

	// set when a mutation engine participates. an event carrying an
	// operation id that is still in flight locally is this tab's own write
	// echoed back, and its refetch would race the local reconcile.
	inFlightOperation func(operationId Id) bool

	stateLock sync.Mutex
	seen      map[eventDedupKey]time.Time

	debounceTimers map[debounceKey]*time.Timer

	batchPending map[string]QueryKey
	batchTimer   *time.Timer
}

func NewInvalidationEngineWithDefaults(
	ctx context.Context,
	store *CacheStore,
	executor *QueryExecutor,
	rules []*InvalidationRule,
	tabId Id,
) *InvalidationEngine {
	return NewInvalidationEngine(ctx, store, executor, rules, tabId, DefaultInvalidationEngineSettings())
}

func NewInvalidationEngine(
	ctx context.Context,
	store *CacheStore,
	executor *QueryExecutor,
	rules []*InvalidationRule,
	tabId Id,
	settings *InvalidationEngineSettings,
) *InvalidationEngine {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &InvalidationEngine{
		ctx:            cancelCtx,
		cancel:         cancel,
		store:          store,
		executor:       executor,
		rules:          rules,
		tabId:          tabId,
		settings:       settings,
		seen:           map[eventDedupKey]time.Time{},
		debounceTimers: map[debounceKey]*time.Timer{},
		batchPending:   map[string]QueryKey{},
	}
}

func (self *InvalidationEngine) SetInFlightOperation(inFlightOperation func(operationId Id) bool) {
	self.inFlightOperation = inFlightOperation
}

func (self *InvalidationEngine) Rules() []*InvalidationRule {
	return self.rules
}

// consume one event. safe to call with anything off the wire.
func (self *InvalidationEngine) Handle(event *DomainEvent) {
	defer func() {
		if r := recover(); r != nil {
			glog.Infof("[i]event %s panic = %v\n", event, r)
		}
	}()

	if self.isDuplicate(event) {
		glog.V(2).Infof("[i]dedup %s\n", event)
		return
	}

	if !event.OperationId.IsZero() && event.OriginTabId != self.tabId {
		if self.inFlightOperation != nil && self.inFlightOperation(event.OperationId) {
			// this tab issued the same operation. it honors its own server
			// result instead of refetching on the echo.
			glog.V(1).Infof("[i]operation dedup %s\n", event)
			return
		}
	}

	matched := false
	for _, rule := range self.rules {
		if !rule.MatchesEventType(event.Type) {
			continue
		}
		matched = true
		self.apply(rule, self.affectedKeys(rule))
	}
	if !matched {
		glog.V(2).Infof("[i]no rule for %s\n", event)
	}
}

// events are consumed exactly once per tab. a second sighting of the same
// (type, entityId) within the dedup window is dropped. this covers both the
// cross-source echo (local optimistic commit, then the same event from the
// feed) and genuine wire duplicates.
func (self *InvalidationEngine) isDuplicate(event *DomainEvent) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	dedupKey := event.dedupKey()
	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	for seenKey, seenTimestamp := range maps.Clone(self.seen) {
		if self.settings.DedupWindow < timestamp.Sub(seenTimestamp) {
			delete(self.seen, seenKey)
		}
	}

	if seenTimestamp, ok := self.seen[dedupKey]; ok {
		delta := timestamp.Sub(seenTimestamp)
		if -self.settings.DedupWindow <= delta && delta <= self.settings.DedupWindow {
			return true
		}
	}
	self.seen[dedupKey] = timestamp
	return false
}

func (self *InvalidationEngine) affectedKeys(rule *InvalidationRule) []QueryKey {
	affected := []QueryKey{}
	for _, key := range self.store.Keys() {
		if key.HasPrefix(rule.KeyPrefix) {
			affected = append(affected, key)
		}
	}
	return affected
}

func (self *InvalidationEngine) apply(rule *InvalidationRule, keys []QueryKey) {
	switch rule.Mode {
	case InvalidationModeImmediate:
		self.InvalidateKeys(keys)
	case InvalidationModeDebounced:
		for _, key := range keys {
			self.debounce(rule, key, time.Duration(rule.DebounceMs)*time.Millisecond)
		}
	case InvalidationModeBatched:
		self.batch(keys)
	}
}

// hard invalidation: evict then refetch any watched key.
// eviction plus refetch is idempotent, so applying the same invalidation
// twice converges to the same cache state.
func (self *InvalidationEngine) InvalidateKeys(keys []QueryKey) {
	for _, key := range keys {
		subscriberCount := self.store.SubscriberCount(key)
		self.store.Evict(key)
		if 0 < subscriberCount {
			self.executor.Refetch(key)
		}
	}
}

// one trailing timer per (rule, key). two rules with different windows
// covering the same key do not reset each other.
type debounceKey struct {
	rule      *InvalidationRule
	normalKey string
}

// trailing edge only. n triggers of a rule for the same key within the window
// collapse to one refetch. used for high-frequency drag events, where
// evicting would blank the board mid-drag. the entry goes stale in place
// instead.
func (self *InvalidationEngine) debounce(rule *InvalidationRule, key QueryKey, debounceDuration time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	timerKey := debounceKey{
		rule:      rule,
		normalKey: key.Normalize(),
	}
	if timer, ok := self.debounceTimers[timerKey]; ok {
		timer.Stop()
	}
	self.debounceTimers[timerKey] = time.AfterFunc(debounceDuration, func() {
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			delete(self.debounceTimers, timerKey)
		}()
		select {
		case <-self.ctx.Done():
			return
		default:
		}
		self.refresh(key)
	})
}

// accumulate affected keys for a tick and refresh them in one pass, so a
// bulk event touching a whole list plus every detail view does not turn
// into a refetch storm.
func (self *InvalidationEngine) batch(keys []QueryKey) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, key := range keys {
		self.batchPending[key.Normalize()] = key
	}
	if self.batchTimer == nil {
		self.batchTimer = time.AfterFunc(self.settings.BatchWindow, self.flushBatch)
	}
}

func (self *InvalidationEngine) flushBatch() {
	var pending map[string]QueryKey
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		pending = self.batchPending
		self.batchPending = map[string]QueryKey{}
		self.batchTimer = nil
	}()

	select {
	case <-self.ctx.Done():
		return
	default:
	}

	glog.V(1).Infof("[i]batch flush %d\n", len(pending))
	for _, key := range pending {
		self.refresh(key)
	}
}

// soft invalidation: expire in place and refetch if watched
func (self *InvalidationEngine) refresh(key QueryKey) {
	self.store.MarkStale(key)
	if 0 < self.store.SubscriberCount(key) {
		self.executor.Refetch(key)
	}
}

func (self *InvalidationEngine) Close() {
	self.cancel()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, timer := range self.debounceTimers {
		timer.Stop()
	}
	self.debounceTimers = map[debounceKey]*time.Timer{}
	if self.batchTimer != nil {
		self.batchTimer.Stop()
		self.batchTimer = nil
	}
}
