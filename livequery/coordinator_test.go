package livequery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"
)

func testCoordinatorSettings() *TabCoordinatorSettings {
	return &TabCoordinatorSettings{
		AnnounceInterval: 20 * time.Millisecond,
		LeaderTimeout:    100 * time.Millisecond,
		JoinGrace:        10 * time.Millisecond,
	}
}

type coordinatorTab struct {
	harness     *invalidationHarness
	coordinator *TabCoordinator
}

func newCoordinatorTab(
	ctx context.Context,
	t *testing.T,
	hub *MemoryBusHub,
	feedFactory FeedFactory,
) *coordinatorTab {
	harness := newInvalidationHarness(ctx, t, []*InvalidationRule{
		{
			EventTypePattern: "matter.*",
			KeyPrefix:        NewQueryKey("matters"),
			Mode:             InvalidationModeImmediate,
		},
	})
	coordinator := NewTabCoordinator(
		ctx,
		NewId(),
		hub.OpenBus(),
		harness.engine,
		feedFactory,
		testCoordinatorSettings(),
	)
	return &coordinatorTab{
		harness:     harness,
		coordinator: coordinator,
	}
}

func (self *coordinatorTab) close() {
	self.coordinator.Close()
	self.harness.close()
}

func waitForLeader(t *testing.T, coordinator *TabCoordinator, isLeader bool) {
	for i := 0; i < 200; i += 1 {
		if coordinator.IsLeader() == isLeader {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("leader %v != %v", coordinator.IsLeader(), isLeader)
}

func TestLeaderElection(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryBusHub()

	a := newCoordinatorTab(ctx, t, hub, nil)
	defer a.close()
	// the second tab has the higher id
	b := newCoordinatorTab(ctx, t, hub, nil)
	defer b.close()

	waitForLeader(t, a.coordinator, true)
	waitForLeader(t, b.coordinator, false)

	assert.Equal(t, a.coordinator.TabState().IsLeader, true)
	assert.Equal(t, b.coordinator.TabState().IsLeader, false)
}

func TestLeaderReelection(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryBusHub()

	a := newCoordinatorTab(ctx, t, hub, nil)
	b := newCoordinatorTab(ctx, t, hub, nil)
	defer b.close()

	waitForLeader(t, a.coordinator, true)
	waitForLeader(t, b.coordinator, false)

	// the leader goes silent. the surviving tab takes over once the
	// heartbeat ages out.
	a.close()
	waitForLeader(t, b.coordinator, true)
}

// two tabs on the same board: the leader holds the only socket, the follower
// converges through the bus
func TestFollowerAppliesForwardedEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var dials int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&dials, 1)
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		eventJson, _ := json.Marshal(RequireDomainEvent(EventMatterDeleted, "42", nil))
		ws.WriteMessage(websocket.TextMessage, eventJson)
		time.Sleep(5 * time.Second)
	}))
	defer server.Close()

	feedSettings := testFeedSettings()
	// the server is intentionally silent after the first event
	feedSettings.HeartbeatTimeout = 10 * time.Second

	var feedsOpened int64
	feedFactory := func(feedCtx context.Context) *RealTimeFeed {
		atomic.AddInt64(&feedsOpened, 1)
		return NewRealTimeFeed(feedCtx, wsUrl(server), "test jwt", nil, feedSettings)
	}

	ctx := context.Background()
	hub := NewMemoryBusHub()

	a := newCoordinatorTab(ctx, t, hub, feedFactory)
	defer a.close()
	b := newCoordinatorTab(ctx, t, hub, feedFactory)
	defer b.close()

	// the follower watches the board
	listKey := NewQueryKey("matters", "list")
	unsubscribe := b.harness.mount(t, listKey)
	defer unsubscribe()
	assert.Equal(t, b.harness.fetchCount(), int64(1))

	waitForLeader(t, a.coordinator, true)

	// the forwarded delete reaches the follower's invalidation engine
	b.harness.waitForFetchCount(t, 2)

	// only the leader opened a connection
	assert.Equal(t, atomic.LoadInt64(&feedsOpened), int64(1))
	assert.Equal(t, atomic.LoadInt64(&dials), int64(1))
	assert.Equal(t, b.coordinator.IsLeader(), false)
}

func TestIntentBroadcast(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryBusHub()

	a := newCoordinatorTab(ctx, t, hub, nil)
	defer a.close()
	b := newCoordinatorTab(ctx, t, hub, nil)
	defer b.close()

	operationId := NewId()
	a.coordinator.BroadcastIntent(operationId)

	for i := 0; i < 200; i += 1 {
		if _, ok := b.coordinator.IntentTab(operationId); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	tabId, ok := b.coordinator.IntentTab(operationId)
	assert.Equal(t, ok, true)
	assert.Equal(t, tabId, a.coordinator.TabId())
}
