package livequery

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type TabState struct {
	TabId         Id
	IsLeader      bool
	LastHeartbeat time.Time
}

type TabCoordinatorSettings struct {
	AnnounceInterval time.Duration
	// announcements older than this fall out of the electorate
	LeaderTimeout time.Duration
	// wait for sibling announce replies before the first election, so a
	// freshly opened tab does not grab the feed from an older leader
	JoinGrace time.Duration
}

func DefaultTabCoordinatorSettings() *TabCoordinatorSettings {
	return &TabCoordinatorSettings{
		AnnounceInterval: 5 * time.Second,
		LeaderTimeout:    12 * time.Second,
		JoinGrace:        250 * time.Millisecond,
	}
}

// creates the live feed for a tab that has just become leader.
// the feed is closed when leadership is lost.
type FeedFactory = func(ctx context.Context) *RealTimeFeed

// elects one tab as the synchronization leader. only the leader holds the
// live feed connection. followers receive forwarded events over the bus and
// feed them into their own invalidation engine.
//
// the leader is the tab with the lowest id among announcements seen within
// the leader timeout. tab ids are time-ordered, so this is the oldest
// surviving tab. re-election happens when the leader's heartbeat goes
// silent.
type TabCoordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	tabId        Id
	bus          Bus
	invalidation *InvalidationEngine
	feedFactory  FeedFactory
	settings     *TabCoordinatorSettings

	stateLock       sync.Mutex
	lastSeen        map[Id]time.Time
	isLeader        bool
	foreground      bool
	feed            *RealTimeFeed
	unsubFeedEvents func()
	// operation id -> issuing tab, for observability
	remoteIntents map[Id]Id

	unsubFrames func()

	leaderCallbacks *CallbackList[func(isLeader bool)]
}

func NewTabCoordinatorWithDefaults(
	ctx context.Context,
	tabId Id,
	bus Bus,
	invalidation *InvalidationEngine,
	feedFactory FeedFactory,
) *TabCoordinator {
	return NewTabCoordinator(ctx, tabId, bus, invalidation, feedFactory, DefaultTabCoordinatorSettings())
}

func NewTabCoordinator(
	ctx context.Context,
	tabId Id,
	bus Bus,
	invalidation *InvalidationEngine,
	feedFactory FeedFactory,
	settings *TabCoordinatorSettings,
) *TabCoordinator {
	cancelCtx, cancel := context.WithCancel(ctx)
	coordinator := &TabCoordinator{
		ctx:             cancelCtx,
		cancel:          cancel,
		tabId:           tabId,
		bus:             bus,
		invalidation:    invalidation,
		feedFactory:     feedFactory,
		settings:        settings,
		lastSeen:        map[Id]time.Time{},
		foreground:      true,
		remoteIntents:   map[Id]Id{},
		leaderCallbacks: NewCallbackList[func(isLeader bool)](),
	}
	coordinator.unsubFrames = bus.AddFrameCallback(coordinator.handleFrame)
	go coordinator.run()
	return coordinator
}

func (self *TabCoordinator) run() {
	defer func() {
		self.cancel()
		if self.unsubFrames != nil {
			self.unsubFrames()
		}
		self.resign()
	}()

	self.announce()
	select {
	case <-self.ctx.Done():
		return
	case <-time.After(self.settings.JoinGrace):
	}
	self.evaluate()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.AnnounceInterval):
			self.announce()
			self.evaluate()
		}
	}
}

func (self *TabCoordinator) announce() {
	self.bus.Publish(&BusFrame{
		Kind:      BusFrameKindAnnounce,
		TabId:     self.tabId,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (self *TabCoordinator) handleFrame(frame *BusFrame) {
	switch frame.Kind {
	case BusFrameKindAnnounce:
		known := false
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			_, known = self.lastSeen[frame.TabId]
			self.lastSeen[frame.TabId] = time.Now()
		}()
		if !known {
			// reply so the new tab learns about this one before its first
			// election instead of on the next announce tick
			self.announce()
		}
		self.evaluate()
	case BusFrameKindEvent:
		if frame.Event != nil {
			glog.V(2).Infof("[c]%s event<- %s\n", self.tabId, frame.Event)
			self.invalidation.Handle(frame.Event)
		}
	case BusFrameKindIntent:
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.remoteIntents[frame.OperationId] = frame.TabId
		}()
	}
}

func (self *TabCoordinator) evaluate() {
	becameLeader := false
	lostLeader := false

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		cutoff := time.Now().Add(-self.settings.LeaderTimeout)
		leaderId := self.tabId
		for tabId, lastHeartbeat := range maps.Clone(self.lastSeen) {
			if lastHeartbeat.Before(cutoff) {
				delete(self.lastSeen, tabId)
				continue
			}
			if tabId.LessThan(leaderId) {
				leaderId = tabId
			}
		}

		isLeader := leaderId == self.tabId
		if isLeader && !self.isLeader {
			self.isLeader = true
			becameLeader = true
		} else if !isLeader && self.isLeader {
			self.isLeader = false
			lostLeader = true
		}
	}()

	if becameLeader {
		glog.Infof("[c]%s leader\n", self.tabId)
		self.startFeed()
	} else if lostLeader {
		glog.Infof("[c]%s follower\n", self.tabId)
		self.resign()
	}

	if becameLeader || lostLeader {
		isLeader := becameLeader
		for _, leaderCallback := range self.leaderCallbacks.Get() {
			handleCallbackPanic("c", func() {
				leaderCallback(isLeader)
			})
		}
	}
}

func (self *TabCoordinator) startFeed() {
	if self.feedFactory == nil {
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.feed != nil {
		return
	}
	feed := self.feedFactory(self.ctx)
	feed.SetVisibility(self.foreground)
	// forward every received event to the followers, and apply it locally
	unsub := feed.AddEventCallback(func(event *DomainEvent) {
		self.bus.Publish(&BusFrame{
			Kind:      BusFrameKindEvent,
			TabId:     self.tabId,
			Timestamp: time.Now().UnixMilli(),
			Event:     event,
		})
		self.invalidation.Handle(event)
	})
	self.feed = feed
	self.unsubFeedEvents = unsub
}

func (self *TabCoordinator) resign() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.unsubFeedEvents != nil {
		self.unsubFeedEvents()
		self.unsubFeedEvents = nil
	}
	if self.feed != nil {
		self.feed.Close()
		self.feed = nil
	}
}

// publish a server-confirmed event to the other tabs.
// optimistic state never rides the bus. the synthetic event emitted on
// commit is the first thing other tabs see of a local mutation.
func (self *TabCoordinator) BroadcastEvent(event *DomainEvent) {
	self.bus.Publish(&BusFrame{
		Kind:      BusFrameKindEvent,
		TabId:     self.tabId,
		Timestamp: time.Now().UnixMilli(),
		Event:     event,
	})
}

// tag an outgoing mutation intent so duplicate cross-tab work is visible
func (self *TabCoordinator) BroadcastIntent(operationId Id) {
	self.bus.Publish(&BusFrame{
		Kind:        BusFrameKindIntent,
		TabId:       self.tabId,
		Timestamp:   time.Now().UnixMilli(),
		OperationId: operationId,
	})
}

func (self *TabCoordinator) AddLeaderCallback(leaderCallback func(isLeader bool)) func() {
	callbackId := self.leaderCallbacks.Add(leaderCallback)
	return func() {
		self.leaderCallbacks.Remove(callbackId)
	}
}

func (self *TabCoordinator) TabId() Id {
	return self.tabId
}

func (self *TabCoordinator) IsLeader() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.isLeader
}

func (self *TabCoordinator) TabState() *TabState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return &TabState{
		TabId:         self.tabId,
		IsLeader:      self.isLeader,
		LastHeartbeat: self.lastSeen[self.tabId],
	}
}

func (self *TabCoordinator) IntentTab(operationId Id) (Id, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	tabId, ok := self.remoteIntents[operationId]
	return tabId, ok
}

func (self *TabCoordinator) SetVisibility(foreground bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.foreground = foreground
	if self.feed != nil {
		self.feed.SetVisibility(foreground)
	}
}

func (self *TabCoordinator) Close() {
	self.cancel()
	self.resign()
	if self.unsubFrames != nil {
		self.unsubFrames()
	}
}
