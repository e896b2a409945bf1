package livequery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"
)

func testFeedSettings() *RealTimeFeedSettings {
	return &RealTimeFeedSettings{
		WsHandshakeTimeout:   time.Second,
		WriteTimeout:         time.Second,
		HeartbeatTimeout:     time.Second,
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    20 * time.Millisecond,
		ReconnectJitter:      0.2,
		MaxReconnectAttempts: 2,
		PollInterval:         10 * time.Millisecond,
		BackgroundMultiplier: 6,
	}
}

func wsUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func waitForFeedState(t *testing.T, feed *RealTimeFeed, state FeedState) {
	for i := 0; i < 500; i += 1 {
		if feed.State() == state {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("feed state %s != %s", feed.State(), state)
}

func TestFeedReceivesEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	sendEvents := make(chan *DomainEvent, 8)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for event := range sendEvents {
			eventJson, _ := json.Marshal(event)
			if err := ws.WriteMessage(websocket.TextMessage, eventJson); err != nil {
				return
			}
		}
	}))
	defer server.Close()
	defer close(sendEvents)

	ctx := context.Background()
	feed := NewRealTimeFeed(ctx, wsUrl(server), "test jwt", nil, testFeedSettings())
	defer feed.Close()

	received := make(chan *DomainEvent, 8)
	unsub := feed.AddEventCallback(func(event *DomainEvent) {
		received <- event
	})
	defer unsub()

	waitForFeedState(t, feed, FeedStateConnected)

	sendEvents <- RequireDomainEvent(EventMatterMoved, "42", &MatterMovedPayload{
		FromStatus: "open",
		ToStatus:   "in_progress",
	})

	select {
	case event := <-received:
		assert.Equal(t, event.Type, EventMatterMoved)
		assert.Equal(t, event.EntityId, "42")
		payload, err := event.DecodePayload()
		assert.Equal(t, err, nil)
		assert.Equal(t, payload.(*MatterMovedPayload).ToStatus, "in_progress")
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}

	assert.NotEqual(t, feed.Cursor(), "")
}

func TestFeedHeartbeatReconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var dials int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&dials, 1)
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		// send nothing. the feed's heartbeat must force a reconnect.
		time.Sleep(5 * time.Second)
	}))
	defer server.Close()

	settings := testFeedSettings()
	settings.HeartbeatTimeout = 50 * time.Millisecond

	ctx := context.Background()
	feed := NewRealTimeFeed(ctx, wsUrl(server), "test jwt", nil, settings)
	defer feed.Close()

	waitForFeedState(t, feed, FeedStateConnected)

	for i := 0; i < 500; i += 1 {
		if 2 <= atomic.LoadInt64(&dials) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 2 <= atomic.LoadInt64(&dials), true)
}

// network drops, the feed falls back to polling, then recovers the socket
func TestFeedPollingFallback(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var acceptSocket atomic.Bool
	var polls int64

	mux := http.NewServeMux()
	mux.HandleFunc("/updates", func(w http.ResponseWriter, r *http.Request) {
		if !acceptSocket.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		eventJson, _ := json.Marshal(RequireDomainEvent(EventMatterCreated, "live", nil))
		ws.WriteMessage(websocket.TextMessage, eventJson)
		time.Sleep(5 * time.Second)
	})
	mux.HandleFunc("/changes", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&polls, 1)
		result := &ChangesResult{
			Events: []*DomainEvent{},
			Cursor: "c1",
		}
		if atomic.LoadInt64(&polls) == 1 {
			result.Events = append(result.Events, RequireDomainEvent(EventMatterDeleted, "polled", nil))
		}
		resultJson, _ := json.Marshal(result)
		w.Write(resultJson)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx := context.Background()
	api := NewPraxisApiWithContext(ctx, server.URL)
	defer api.Close()

	feed := NewRealTimeFeed(ctx, wsUrl(server)+"/updates", "test jwt", api, testFeedSettings())
	defer feed.Close()

	received := make(chan *DomainEvent, 8)
	unsub := feed.AddEventCallback(func(event *DomainEvent) {
		received <- event
	})
	defer unsub()

	waitForFeedState(t, feed, FeedStatePolling)

	// events flow through the polling endpoint while the socket is down
	select {
	case event := <-received:
		assert.Equal(t, event.EntityId, "polled")
	case <-time.After(2 * time.Second):
		t.Fatal("no polled event")
	}
	assert.Equal(t, feed.Cursor(), "c1")

	// connectivity returns. the periodic socket retry succeeds and the feed
	// leaves polling mode.
	acceptSocket.Store(true)
	waitForFeedState(t, feed, FeedStateConnected)

	select {
	case event := <-received:
		assert.Equal(t, event.EntityId, "live")
	case <-time.After(2 * time.Second):
		t.Fatal("no live event")
	}
}

// backgrounding stretches the heartbeat and poll clocks, foreground restores
// them
func TestFeedVisibilityScaling(t *testing.T) {
	settings := testFeedSettings()
	settings.BackgroundMultiplier = 6

	ctx := context.Background()
	feed := NewRealTimeFeed(ctx, "ws://127.0.0.1:0/updates", "test jwt", nil, settings)
	defer feed.Close()

	assert.Equal(t, feed.heartbeatTimeout(), settings.HeartbeatTimeout)
	assert.Equal(t, feed.pollInterval(), settings.PollInterval)

	feed.SetVisibility(false)
	assert.Equal(t, feed.heartbeatTimeout(), 6*settings.HeartbeatTimeout)
	assert.Equal(t, feed.pollInterval(), 6*settings.PollInterval)

	feed.SetVisibility(true)
	assert.Equal(t, feed.heartbeatTimeout(), settings.HeartbeatTimeout)
	assert.Equal(t, feed.pollInterval(), settings.PollInterval)
}

// a backgrounded feed polls on the stretched cadence
func TestFeedBackgroundPollThrottle(t *testing.T) {
	var polls int64

	mux := http.NewServeMux()
	mux.HandleFunc("/updates", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/changes", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&polls, 1)
		resultJson, _ := json.Marshal(&ChangesResult{
			Events: []*DomainEvent{},
			Cursor: "c1",
		})
		w.Write(resultJson)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx := context.Background()
	api := NewPraxisApiWithContext(ctx, server.URL)
	defer api.Close()

	settings := testFeedSettings()
	settings.BackgroundMultiplier = 50

	feed := NewRealTimeFeed(ctx, wsUrl(server)+"/updates", "test jwt", api, settings)
	defer feed.Close()

	waitForFeedState(t, feed, FeedStatePolling)
	for i := 0; i < 200; i += 1 {
		if 3 <= atomic.LoadInt64(&polls) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 3 <= atomic.LoadInt64(&polls), true)

	feed.SetVisibility(false)
	base := atomic.LoadInt64(&polls)
	time.Sleep(250 * time.Millisecond)
	// at most the already armed foreground tick fires. the background cadence
	// is 500ms.
	assert.Equal(t, atomic.LoadInt64(&polls)-base <= 1, true)
}
