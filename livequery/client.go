package livequery

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

type ClientSettings struct {
	CacheStoreSettings         *CacheStoreSettings
	QueryExecutorSettings      *QueryExecutorSettings
	MutationEngineSettings     *MutationEngineSettings
	InvalidationEngineSettings *InvalidationEngineSettings
	RealTimeFeedSettings       *RealTimeFeedSettings
	TabCoordinatorSettings     *TabCoordinatorSettings
	Rules                      []*InvalidationRule
	// updates endpoint. empty disables the live feed (polling-only clients
	// drive invalidation through `Invalidate` and the bus).
	WsUrl string
	ByJwt string
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		CacheStoreSettings:         DefaultCacheStoreSettings(),
		QueryExecutorSettings:      DefaultQueryExecutorSettings(),
		MutationEngineSettings:     DefaultMutationEngineSettings(),
		InvalidationEngineSettings: DefaultInvalidationEngineSettings(),
		RealTimeFeedSettings:       DefaultRealTimeFeedSettings(),
		TabCoordinatorSettings:     DefaultTabCoordinatorSettings(),
		Rules:                      DefaultRules(),
	}
}

// one browser tab's runtime: cache store, query executor, mutation engine,
// invalidation engine, and tab coordinator, wired together. an explicit
// context object rather than an ambient global, so multiple independent
// clients can live in one process.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	tabId    Id
	api      *PraxisApi
	settings *ClientSettings

	store        *CacheStore
	executor     *QueryExecutor
	mutations    *MutationEngine
	invalidation *InvalidationEngine
	coordinator  *TabCoordinator

	unsubs []func()
}

func NewClientWithDefaults(ctx context.Context, api *PraxisApi, bus Bus) *Client {
	return NewClient(ctx, api, bus, DefaultClientSettings())
}

func NewClient(ctx context.Context, api *PraxisApi, bus Bus, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	tabId := NewId()
	store := NewCacheStore(cancelCtx, settings.CacheStoreSettings)
	executor := NewQueryExecutor(cancelCtx, store, settings.QueryExecutorSettings)
	mutations := NewMutationEngine(cancelCtx, store, executor, tabId, settings.MutationEngineSettings)
	invalidation := NewInvalidationEngine(cancelCtx, store, executor, settings.Rules, tabId, settings.InvalidationEngineSettings)
	invalidation.SetInFlightOperation(mutations.IsInFlightOperation)

	var feedFactory FeedFactory
	if settings.WsUrl != "" {
		feedFactory = func(feedCtx context.Context) *RealTimeFeed {
			return NewRealTimeFeed(feedCtx, settings.WsUrl, settings.ByJwt, api, settings.RealTimeFeedSettings)
		}
	}
	coordinator := NewTabCoordinator(cancelCtx, tabId, bus, invalidation, feedFactory, settings.TabCoordinatorSettings)

	client := &Client{
		ctx:          cancelCtx,
		cancel:       cancel,
		tabId:        tabId,
		api:          api,
		settings:     settings,
		store:        store,
		executor:     executor,
		mutations:    mutations,
		invalidation: invalidation,
		coordinator:  coordinator,
	}

	// a committed mutation invalidates the other local views, then crosses
	// the bus so the other tabs converge on the server-confirmed state
	client.unsubs = append(client.unsubs, mutations.AddEventCallback(func(event *DomainEvent) {
		invalidation.Handle(event)
		coordinator.BroadcastEvent(event)
	}))
	client.unsubs = append(client.unsubs, mutations.AddIntentCallback(func(operationId Id) {
		coordinator.BroadcastIntent(operationId)
	}))

	glog.V(1).Infof("[lq]client %s up\n", tabId)
	return client
}

func (self *Client) TabId() Id {
	return self.tabId
}

func (self *Client) Api() *PraxisApi {
	return self.api
}

func (self *Client) Store() *CacheStore {
	return self.store
}

func (self *Client) Executor() *QueryExecutor {
	return self.executor
}

func (self *Client) Mutations() *MutationEngine {
	return self.mutations
}

func (self *Client) Invalidation() *InvalidationEngine {
	return self.invalidation
}

func (self *Client) Coordinator() *TabCoordinator {
	return self.coordinator
}

func (self *Client) IsLeader() bool {
	return self.coordinator.IsLeader()
}

// explicit invalidation entry point
func (self *Client) Invalidate(keys ...QueryKey) {
	self.invalidation.InvalidateKeys(keys)
}

// foreground visibility triggers a stale refetch pass in addition to
// restoring the feed clocks
func (self *Client) SetVisibility(foreground bool) {
	self.coordinator.SetVisibility(foreground)
	if foreground {
		self.executor.RefetchAllStale()
	}
}

func (self *Client) Query(key QueryKey, fetcher FetchFunction) *Query {
	return &Query{
		client:  self,
		key:     key,
		fetcher: fetcher,
	}
}

func (self *Client) Mutation(mutator func(ctx context.Context, variables any) (*ServerResult, error)) *Mutation {
	return &Mutation{
		client:  self,
		mutator: mutator,
	}
}

func (self *Client) Close() {
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.coordinator.Close()
	self.invalidation.Close()
	self.mutations.Close()
	self.executor.Close()
	self.store.Close()
	self.cancel()
	glog.V(1).Infof("[lq]client %s down\n", self.tabId)
}

// a reactive read handle over one key.
// subscribing mounts the key: the entry is fetched if missing, refetched in
// the background if stale, and the callback fires on every store write.
// dropping the last subscription starts the gc clock for the entry.
type Query struct {
	client  *Client
	key     QueryKey
	fetcher FetchFunction
}

func (self *Query) Key() QueryKey {
	return self.key
}

func (self *Query) Data() (any, bool) {
	entry, ok := self.client.store.Get(self.key)
	if !ok || !entry.HasData {
		return nil, false
	}
	return entry.Data, true
}

func (self *Query) Status() EntryStatus {
	entry, ok := self.client.store.Get(self.key)
	if !ok {
		return EntryStatusIdle
	}
	return entry.Status
}

func (self *Query) Err() error {
	entry, ok := self.client.store.Get(self.key)
	if !ok {
		return nil
	}
	return entry.Err
}

// blocking fetch through the dedup path
func (self *Query) Refetch(ctx context.Context) (any, error) {
	return self.client.executor.Fetch(ctx, self.key, self.fetcher)
}

func (self *Query) Subscribe(callback SubscribeFunction) func() {
	unsubscribe := self.client.store.Subscribe(self.key, callback)

	if entry, ok := self.client.store.Get(self.key); !ok || !entry.HasData {
		go self.client.executor.Fetch(self.client.ctx, self.key, self.fetcher)
	} else {
		// refetch-on-mount, stale-while-revalidate
		self.client.executor.RegisterFetcher(self.key, self.fetcher)
		self.client.executor.RefetchIfStale(self.key)
	}
	return unsubscribe
}

// a write handle. `Mutate` applies the optimistic patch, runs the write, and
// reconciles. the handle reports pending while an attempt is in flight and
// remembers the terminal status of its last attempt.
type Mutation struct {
	client  *Client
	mutator func(ctx context.Context, variables any) (*ServerResult, error)

	stateLock sync.Mutex
	status    MutationStatus
}

func (self *Mutation) Mutate(
	ctx context.Context,
	variables any,
	targetKeys []QueryKey,
	patch PatchFunction,
) (*ServerResult, error) {
	self.stateLock.Lock()
	self.status = MutationStatusPending
	self.stateLock.Unlock()

	result, err := self.client.mutations.Mutate(ctx, targetKeys, patch, func(mutateCtx context.Context) (*ServerResult, error) {
		return self.mutator(mutateCtx, variables)
	})

	self.stateLock.Lock()
	if err == nil {
		self.status = MutationStatusCommitted
	} else {
		self.status = MutationStatusRolledback
	}
	self.stateLock.Unlock()

	return result, err
}

func (self *Mutation) Status() MutationStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}
