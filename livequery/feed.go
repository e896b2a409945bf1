package livequery

import (
	"context"
	"encoding/json"
	"fmt"
	mathrand "math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// feed state machine is:
// FeedStateDisconnected
//
//	-> FeedStateConnecting
//	  -> FeedStateConnected
//	    -> FeedStateReconnecting (on error, close, or heartbeat timeout)
//	  -> FeedStateReconnecting (on dial or handshake error)
//	-> FeedStatePolling (after MaxReconnectAttempts consecutive failures)
//	  -> FeedStateConnecting (a periodic socket retry succeeds)
//	-> FeedStateClosed (terminal)
type FeedState string

const (
	FeedStateDisconnected FeedState = "disconnected"
	FeedStateConnecting   FeedState = "connecting"
	FeedStateConnected    FeedState = "connected"
	FeedStateReconnecting FeedState = "reconnecting"
	FeedStatePolling      FeedState = "polling"
	FeedStateClosed       FeedState = "closed"
)

func (self FeedState) IsTerminal() bool {
	switch self {
	case FeedStateClosed:
		return true
	default:
		return false
	}
}

func (self FeedState) IsLive() bool {
	switch self {
	case FeedStateConnected, FeedStatePolling:
		return true
	default:
		return false
	}
}

type FeedStateFunction = func(state FeedState)

type RealTimeFeedSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// no frame of any kind within this while connected forces a reconnect
	HeartbeatTimeout   time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// fraction of the delay, applied as +/-
	ReconnectJitter float64
	// consecutive dial failures before switching to polling
	MaxReconnectAttempts int
	PollInterval         time.Duration
	// applied to the poll and heartbeat intervals while backgrounded
	BackgroundMultiplier int
}

func DefaultRealTimeFeedSettings() *RealTimeFeedSettings {
	return &RealTimeFeedSettings{
		WsHandshakeTimeout:   5 * time.Second,
		WriteTimeout:         5 * time.Second,
		HeartbeatTimeout:     15 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		ReconnectJitter:      0.2,
		MaxReconnectAttempts: 5,
		PollInterval:         5 * time.Second,
		BackgroundMultiplier: 6,
	}
}

// the live event source: a websocket to the updates endpoint, with a
// `/changes?since=` polling fallback when the socket cannot be held open.
type RealTimeFeed struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl string
	byJwt string
	api   *PraxisApi

	settings *RealTimeFeedSettings

	stateLock  sync.Mutex
	state      FeedState
	cursor     string
	foreground bool

	eventCallbacks *CallbackList[EventFunction]
	stateCallbacks *CallbackList[FeedStateFunction]
}

func NewRealTimeFeedWithDefaults(ctx context.Context, wsUrl string, byJwt string, api *PraxisApi) *RealTimeFeed {
	return NewRealTimeFeed(ctx, wsUrl, byJwt, api, DefaultRealTimeFeedSettings())
}

func NewRealTimeFeed(ctx context.Context, wsUrl string, byJwt string, api *PraxisApi, settings *RealTimeFeedSettings) *RealTimeFeed {
	cancelCtx, cancel := context.WithCancel(ctx)
	feed := &RealTimeFeed{
		ctx:            cancelCtx,
		cancel:         cancel,
		wsUrl:          wsUrl,
		byJwt:          byJwt,
		api:            api,
		settings:       settings,
		state:          FeedStateDisconnected,
		foreground:     true,
		eventCallbacks: NewCallbackList[EventFunction](),
		stateCallbacks: NewCallbackList[FeedStateFunction](),
	}
	go feed.run()
	return feed
}

func (self *RealTimeFeed) AddEventCallback(eventCallback EventFunction) func() {
	callbackId := self.eventCallbacks.Add(eventCallback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

func (self *RealTimeFeed) AddStateCallback(stateCallback FeedStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *RealTimeFeed) State() FeedState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *RealTimeFeed) Cursor() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.cursor
}

// backgrounded tabs stretch their poll and heartbeat clocks to save
// resources. restored on foreground.
func (self *RealTimeFeed) SetVisibility(foreground bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.foreground = foreground
}

func (self *RealTimeFeed) run() {
	defer func() {
		self.cancel()
		self.setState(FeedStateClosed)
	}()

	failedAttempts := 0
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.setState(FeedStateConnecting)
		ws, err := self.dial()
		if err != nil {
			failedAttempts += 1
			glog.Infof("[f]dial error (%d) = %s\n", failedAttempts, err)

			if self.settings.MaxReconnectAttempts <= failedAttempts {
				ws = self.pollUntilConnected()
				if ws == nil {
					return
				}
				failedAttempts = 0
			} else {
				self.setState(FeedStateReconnecting)
				select {
				case <-self.ctx.Done():
					return
				case <-time.After(self.reconnectDelay(failedAttempts)):
					continue
				}
			}
		}

		failedAttempts = 0
		self.setState(FeedStateConnected)
		self.readLoop(ws)

		self.setState(FeedStateReconnecting)
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.reconnectDelay(1)):
		}
	}
}

func (self *RealTimeFeed) dial() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	if self.byJwt != "" {
		header.Add("Authorization", fmt.Sprintf("Bearer %s", self.byJwt))
	}
	ws, _, err := dialer.DialContext(self.ctx, self.wsUrl, header)
	if err != nil {
		return nil, &ConnectionLostError{Err: err}
	}
	return ws, nil
}

func (self *RealTimeFeed) readLoop(ws *websocket.Conn) {
	defer ws.Close()

	// control frames count as heartbeat activity
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(self.heartbeatTimeout()))
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		return ws.WriteMessage(websocket.PongMessage, []byte(appData))
	})
	ws.SetPongHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(self.heartbeatTimeout()))
		return nil
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.heartbeatTimeout()))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[f]<- error = %s\n", err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[f]ping<-\n")
				continue
			}
			event := &DomainEvent{}
			if err := json.Unmarshal(message, event); err != nil {
				// one bad frame must not take down the feed
				glog.V(1).Infof("[f]<- bad event = %s\n", err)
				continue
			}
			self.advanceCursor(event, "")
			glog.V(2).Infof("[f]<- %s\n", event)
			self.emit(event)
		}
	}
}

// polling mode: replay `/changes?since=<cursor>` on the poll cadence while
// periodically retrying the socket at the capped reconnect interval.
// returns the reestablished socket, or nil when the feed is closing.
func (self *RealTimeFeed) pollUntilConnected() *websocket.Conn {
	self.setState(FeedStatePolling)
	glog.Infof("[f]polling fallback\n")

	nextDial := time.Now().Add(self.settings.ReconnectMaxDelay)
	for {
		select {
		case <-self.ctx.Done():
			return nil
		case <-time.After(self.pollInterval()):
		}

		if !nextDial.After(time.Now()) {
			if ws, err := self.dial(); err == nil {
				glog.Infof("[f]socket recovered\n")
				return ws
			}
			nextDial = time.Now().Add(self.settings.ReconnectMaxDelay)
		}

		if self.api == nil {
			// no polling api wired. socket retries only.
			continue
		}

		result, err := self.api.LatestChangesSync(self.Cursor())
		if err != nil {
			glog.V(1).Infof("[f]poll error = %s\n", err)
			continue
		}
		for _, event := range result.Events {
			self.advanceCursor(event, result.Cursor)
			self.emit(event)
		}
		if len(result.Events) == 0 && result.Cursor != "" {
			self.advanceCursor(nil, result.Cursor)
		}
	}
}

func (self *RealTimeFeed) emit(event *DomainEvent) {
	for _, eventCallback := range self.eventCallbacks.Get() {
		handleCallbackPanic("f", func() {
			eventCallback(event)
		})
	}
}

func (self *RealTimeFeed) advanceCursor(event *DomainEvent, explicit string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if explicit != "" {
		self.cursor = explicit
	} else if event != nil && !event.Timestamp.IsZero() {
		self.cursor = event.Timestamp.Format(time.RFC3339Nano)
	}
}

func (self *RealTimeFeed) setState(state FeedState) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state.IsTerminal() {
			return
		}
		if self.state != state {
			self.state = state
			changed = true
		}
	}()

	if changed {
		glog.V(1).Infof("[f]state %s\n", state)
		for _, stateCallback := range self.stateCallbacks.Get() {
			handleCallbackPanic("f", func() {
				stateCallback(state)
			})
		}
	}
}

func (self *RealTimeFeed) reconnectDelay(failedAttempts int) time.Duration {
	delay := self.settings.ReconnectBaseDelay << (failedAttempts - 1)
	delay = min(delay, self.settings.ReconnectMaxDelay)
	jitter := 1 + self.settings.ReconnectJitter*(2*mathrand.Float64()-1)
	return time.Duration(float64(delay) * jitter)
}

func (self *RealTimeFeed) heartbeatTimeout() time.Duration {
	return self.scaleForVisibility(self.settings.HeartbeatTimeout)
}

func (self *RealTimeFeed) pollInterval() time.Duration {
	return self.scaleForVisibility(self.settings.PollInterval)
}

func (self *RealTimeFeed) scaleForVisibility(interval time.Duration) time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.foreground {
		return interval
	}
	return interval * time.Duration(self.settings.BackgroundMultiplier)
}

func (self *RealTimeFeed) Close() {
	self.cancel()
}
