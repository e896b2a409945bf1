package livequery

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/sync/singleflight"
)

// (ctx, key)
type FetchFunction = func(ctx context.Context, key QueryKey) (any, error)

type QueryExecutorSettings struct {
	RequestTimeout time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// total attempts including the first
	MaxAttempts int
}

func DefaultQueryExecutorSettings() *QueryExecutorSettings {
	return &QueryExecutorSettings{
		RequestTimeout: 10 * time.Second,
		RetryBaseDelay: 1 * time.Second,
		RetryMaxDelay:  30 * time.Second,
		MaxAttempts:    3,
	}
}

// runs fetches for the cache store. concurrent fetches for the same
// normalized key collapse into one network call.
type QueryExecutor struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    *CacheStore
	settings *QueryExecutorSettings

	flight singleflight.Group

	stateLock sync.Mutex
	// last fetcher seen per normalized key, so invalidation-triggered
	// refetches can run without the original caller
	fetchers map[string]FetchFunction
}

func NewQueryExecutorWithDefaults(ctx context.Context, store *CacheStore) *QueryExecutor {
	return NewQueryExecutor(ctx, store, DefaultQueryExecutorSettings())
}

func NewQueryExecutor(ctx context.Context, store *CacheStore, settings *QueryExecutorSettings) *QueryExecutor {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &QueryExecutor{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    store,
		settings: settings,
		fetchers: map[string]FetchFunction{},
	}
}

// fetch the key, writing the result to the store.
// the network call runs on the executor's context, not the caller's, so an
// unmounting subscriber does not abort an in-flight fetch. the call is
// allowed to complete and warm the cache for a future subscriber.
func (self *QueryExecutor) Fetch(ctx context.Context, key QueryKey, fetcher FetchFunction) (any, error) {
	normalKey := key.Normalize()

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.fetchers[normalKey] = fetcher
	}()

	if entry, ok := self.store.Get(key); !ok || !entry.HasData {
		self.store.MarkLoading(key)
	}

	resultChannel := self.flight.DoChan(normalKey, func() (any, error) {
		return self.fetchWithRetry(key, fetcher)
	})

	select {
	case <-ctx.Done():
		// the shared fetch keeps running
		return nil, ctx.Err()
	case result := <-resultChannel:
		return result.Val, result.Err
	}
}

// transient failures (network, timeout, 5xx) retry with exponential backoff.
// validation and parse failures surface immediately.
// after the attempts are exhausted the error is recorded on the entry and the
// last good data is preserved (stale-while-error).
func (self *QueryExecutor) fetchWithRetry(key QueryKey, fetcher FetchFunction) (any, error) {
	var fetchErr *FetchError
	for attempt := 0; attempt < self.settings.MaxAttempts; attempt += 1 {
		attemptCtx, attemptCancel := context.WithTimeout(self.ctx, self.settings.RequestTimeout)
		data, err := fetcher(attemptCtx, key)
		attemptCancel()

		if err == nil {
			self.store.Set(key, data, EntryStatusSuccess)
			return data, nil
		}

		fetchErr = classifyError(err)
		if !fetchErr.IsRetriable() {
			glog.V(1).Infof("[q]%s fetch error = %s\n", key, fetchErr)
			self.store.SetError(key, fetchErr)
			return nil, fetchErr
		}

		if attempt+1 < self.settings.MaxAttempts {
			delay := self.retryDelay(attempt)
			glog.V(1).Infof("[q]%s retry %d in %s = %s\n", key, attempt+1, delay, fetchErr)
			select {
			case <-self.ctx.Done():
				self.store.SetError(key, fetchErr)
				return nil, fetchErr
			case <-time.After(delay):
			}
		}
	}

	glog.Infof("[q]%s attempts exhausted = %s\n", key, fetchErr)
	self.store.SetError(key, fetchErr)
	return nil, fetchErr
}

func (self *QueryExecutor) retryDelay(attempt int) time.Duration {
	delay := self.settings.RetryBaseDelay << attempt
	return min(delay, self.settings.RetryMaxDelay)
}

// forced background refetch using the remembered fetcher.
// no-op when no fetcher is known for the key.
func (self *QueryExecutor) Refetch(key QueryKey) {
	fetcher, ok := self.fetcherForKey(key)
	if !ok {
		return
	}
	go self.Fetch(self.ctx, key, fetcher)
}

// stale-while-revalidate: refetch in the background when the key is stale
// and still watched, without clearing displayed data. triggered on
// subscriber mount, foreground visibility, and explicit invalidation.
func (self *QueryExecutor) RefetchIfStale(key QueryKey) {
	if !self.store.IsStale(key) {
		return
	}
	if self.store.SubscriberCount(key) == 0 {
		return
	}
	self.Refetch(key)
}

// foreground visibility pass over every known key
func (self *QueryExecutor) RefetchAllStale() {
	for _, key := range self.store.Keys() {
		self.RefetchIfStale(key)
	}
}

// remember a fetcher for invalidation-triggered refetches without running
// a fetch now
func (self *QueryExecutor) RegisterFetcher(key QueryKey, fetcher FetchFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.fetchers[key.Normalize()] = fetcher
}

func (self *QueryExecutor) HasFetcher(key QueryKey) bool {
	_, ok := self.fetcherForKey(key)
	return ok
}

func (self *QueryExecutor) fetcherForKey(key QueryKey) (FetchFunction, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	fetcher, ok := self.fetchers[key.Normalize()]
	return fetcher, ok
}

func (self *QueryExecutor) Close() {
	self.cancel()
}
