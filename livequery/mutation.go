package livequery

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// mutation record state machine is:
// MutationStatusPending
//
//	-> MutationStatusCommitted (terminal)
//	-> MutationStatusRolledback (terminal)
type MutationStatus string

const (
	MutationStatusPending    MutationStatus = "pending"
	MutationStatusCommitted  MutationStatus = "committed"
	MutationStatusRolledback MutationStatus = "rolledback"
)

func (self MutationStatus) IsTerminal() bool {
	switch self {
	case MutationStatusCommitted, MutationStatusRolledback:
		return true
	default:
		return false
	}
}

// applied to the cached value of one target key.
// `hasData` is false when the key had no cached value yet.
type PatchFunction = func(data any, hasData bool) any

// the network write
type MutateFunction = func(ctx context.Context) (*ServerResult, error)

// server-confirmed value for one key, used for reconciliation after commit
type KeyData struct {
	Key  QueryKey
	Data any
}

type ServerResult struct {
	// canonical values win over the optimistic guess
	Canonical []KeyData
	// broadcast to other views and tabs on commit.
	// only server-confirmed state rides here, never optimistic state.
	Event *DomainEvent
}

type mutationSnapshot struct {
	existed bool
	entry   CacheEntry
	// `FetchedAt` of the entry right after this record's optimistic patch.
	// a strictly newer timestamp on the live entry means a later commit or
	// server write touched the key, and the rollback write is skipped.
	patchFetchedAt time.Time
}

type MutationRecord struct {
	Id          Id
	OperationId Id
	TargetKeys  []QueryKey
	Status      MutationStatus
	PatchedAt   time.Time

	snapshots map[string]*mutationSnapshot
}

type EventFunction = func(event *DomainEvent)

// (record, err). err is nil on commit
type MutationCompleteFunction = func(record *MutationRecord, err error)

type MutationEngineSettings struct {
}

func DefaultMutationEngineSettings() *MutationEngineSettings {
	return &MutationEngineSettings{}
}

// executes writes with optimistic cache patches and reconciles on
// completion. mutations are never auto-retried. writes are frequently
// non-idempotent, so a retry is always an explicit new `Mutate` call.
type MutationEngine struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    *CacheStore
	executor *QueryExecutor
	tabId    Id
	settings *MutationEngineSettings

	// serializes snapshot+patch and rollback writes across overlapping
	// mutations. subscriber notifications never run under it.
	patchLock sync.Mutex

	stateLock sync.Mutex
	// in-flight records by operation id, for cross-tab dedup
	inFlightOperations map[Id]*MutationRecord

	eventCallbacks    *CallbackList[EventFunction]
	intentCallbacks   *CallbackList[func(operationId Id)]
	completeCallbacks *CallbackList[MutationCompleteFunction]
}

func NewMutationEngineWithDefaults(ctx context.Context, store *CacheStore, executor *QueryExecutor, tabId Id) *MutationEngine {
	return NewMutationEngine(ctx, store, executor, tabId, DefaultMutationEngineSettings())
}

func NewMutationEngine(ctx context.Context, store *CacheStore, executor *QueryExecutor, tabId Id, settings *MutationEngineSettings) *MutationEngine {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &MutationEngine{
		ctx:                cancelCtx,
		cancel:             cancel,
		store:              store,
		executor:           executor,
		tabId:              tabId,
		settings:           settings,
		inFlightOperations: map[Id]*MutationRecord{},
		eventCallbacks:     NewCallbackList[EventFunction](),
		intentCallbacks:    NewCallbackList[func(operationId Id)](),
		completeCallbacks:  NewCallbackList[MutationCompleteFunction](),
	}
}

// synthetic events emitted when a mutation commits
func (self *MutationEngine) AddEventCallback(eventCallback EventFunction) func() {
	callbackId := self.eventCallbacks.Add(eventCallback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

// outgoing mutation intents, announced before the network call starts
func (self *MutationEngine) AddIntentCallback(intentCallback func(operationId Id)) func() {
	callbackId := self.intentCallbacks.Add(intentCallback)
	return func() {
		self.intentCallbacks.Remove(callbackId)
	}
}

func (self *MutationEngine) AddCompleteCallback(completeCallback MutationCompleteFunction) func() {
	callbackId := self.completeCallbacks.Add(completeCallback)
	return func() {
		self.completeCallbacks.Remove(callbackId)
	}
}

func (self *MutationEngine) Mutate(
	ctx context.Context,
	targetKeys []QueryKey,
	patch PatchFunction,
	mutator MutateFunction,
) (*ServerResult, error) {
	return self.MutateWithOperation(ctx, NewId(), targetKeys, patch, mutator)
}

// `operationId` tags the attempt across tabs. two tabs issuing the same
// logical operation use the same id so the echo of one commit does not
// trigger a duplicate refetch in the other.
func (self *MutationEngine) MutateWithOperation(
	ctx context.Context,
	operationId Id,
	targetKeys []QueryKey,
	patch PatchFunction,
	mutator MutateFunction,
) (*ServerResult, error) {
	record := &MutationRecord{
		Id:          NewId(),
		OperationId: operationId,
		TargetKeys:  slices.Clone(targetKeys),
		Status:      MutationStatusPending,
		snapshots:   map[string]*mutationSnapshot{},
	}

	// snapshot then patch. a second mutation starting on an overlapping key
	// snapshots the already-patched state, so rollbacks unwind in reverse
	// completion order. subscriber notifications are deferred until every
	// engine lock is released, so a callback can call back into the engine.
	var notifies []func()
	func() {
		self.patchLock.Lock()
		defer self.patchLock.Unlock()

		for _, key := range targetKeys {
			snapshot := &mutationSnapshot{}
			if entry, ok := self.store.Get(key); ok {
				snapshot.existed = true
				snapshot.entry = *entry
			}
			record.snapshots[key.Normalize()] = snapshot
		}

		record.PatchedAt = time.Now()
		for _, key := range targetKeys {
			snapshot := record.snapshots[key.Normalize()]
			patched := patch(snapshot.entry.Data, snapshot.existed && snapshot.entry.HasData)
			// status stays success so the ui shows the optimistic value
			// without a loading flicker
			entry, notify := self.store.setDeferred(key, patched, EntryStatusSuccess, record.PatchedAt)
			snapshot.patchFetchedAt = entry.FetchedAt
			notifies = append(notifies, notify)
		}
	}()

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.inFlightOperations[operationId] = record
	}()

	for _, notify := range notifies {
		notify()
	}

	glog.V(1).Infof("[m]%s pending keys=%d\n", record.Id, len(targetKeys))
	for _, intentCallback := range self.intentCallbacks.Get() {
		handleCallbackPanic("m", func() {
			intentCallback(operationId)
		})
	}

	result, err := mutator(ctx)
	if err == nil {
		self.commit(record, result)
		self.complete(record, nil)
		return result, nil
	}

	self.rollback(record)
	if IsConflict(err) {
		// the precondition went stale under us. the cache for the affected
		// keys is suspect beyond the rollback, so force a refetch.
		for _, key := range targetKeys {
			self.store.MarkStale(key)
			self.executor.Refetch(key)
		}
	}
	self.complete(record, err)
	return result, err
}

func (self *MutationEngine) IsInFlightOperation(operationId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.inFlightOperations[operationId]
	return ok
}

func (self *MutationEngine) InFlightCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.inFlightOperations)
}

func (self *MutationEngine) commit(record *MutationRecord, result *ServerResult) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		record.Status = MutationStatusCommitted
		record.snapshots = map[string]*mutationSnapshot{}
		delete(self.inFlightOperations, record.OperationId)
	}()

	glog.V(1).Infof("[m]%s committed\n", record.Id)

	if result != nil {
		// server reconciliation wins over the optimistic guess
		for _, keyData := range result.Canonical {
			self.store.Set(keyData.Key, keyData.Data, EntryStatusSuccess)
		}
		if result.Event != nil {
			event := *result.Event
			event.OriginTabId = self.tabId
			event.OperationId = record.OperationId
			if event.Timestamp.IsZero() {
				event.Timestamp = time.Now()
			}
			for _, eventCallback := range self.eventCallbacks.Get() {
				handleCallbackPanic("m", func() {
					eventCallback(&event)
				})
			}
		}
	}
}

func (self *MutationEngine) rollback(record *MutationRecord) {
	var notifies []func()
	func() {
		self.patchLock.Lock()
		defer self.patchLock.Unlock()

		for _, key := range record.TargetKeys {
			snapshot := record.snapshots[key.Normalize()]
			if snapshot == nil {
				continue
			}

			if entry, ok := self.store.Get(key); ok {
				if entry.FetchedAt.After(snapshot.patchFetchedAt) {
					// a later commit or server write owns this key now.
					// rolling back would clobber the newer value.
					glog.V(1).Infof("[m]%s rollback skip %s\n", record.Id, key)
					continue
				}
			}

			if snapshot.existed {
				notifies = append(notifies, self.store.restoreDeferred(key, &snapshot.entry))
			} else {
				notifies = append(notifies, self.store.evictDeferred(key))
			}
		}
	}()

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		record.Status = MutationStatusRolledback
		record.snapshots = map[string]*mutationSnapshot{}
		delete(self.inFlightOperations, record.OperationId)
	}()

	glog.V(1).Infof("[m]%s rolledback\n", record.Id)
	for _, notify := range notifies {
		notify()
	}
}

func (self *MutationEngine) complete(record *MutationRecord, err error) {
	for _, completeCallback := range self.completeCallbacks.Get() {
		handleCallbackPanic("m", func() {
			completeCallback(record, err)
		})
	}
}

func (self *MutationEngine) Close() {
	self.cancel()
}
