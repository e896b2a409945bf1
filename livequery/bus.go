package livequery

import (
	"sync"

	"golang.org/x/exp/slices"
)

type BusFrameKind string

const (
	// periodic (tabId, timestamp) leader election heartbeat
	BusFrameKindAnnounce BusFrameKind = "announce"
	// a server-confirmed domain event forwarded between tabs
	BusFrameKindEvent BusFrameKind = "event"
	// an outgoing mutation intent tag
	BusFrameKindIntent BusFrameKind = "intent"
)

// one message on the cross-tab channel. append-only, fire-and-forget.
// no tab blocks waiting for another tab.
type BusFrame struct {
	Kind        BusFrameKind `json:"kind"`
	TabId       Id           `json:"tabId"`
	Timestamp   int64        `json:"timestamp"`
	Event       *DomainEvent `json:"event,omitempty"`
	OperationId Id           `json:"operationId,omitempty"`
}

type BusFrameFunction = func(frame *BusFrame)

// the broadcast channel equivalent. a publisher never receives its own
// frames. delivery order is best-effort, not causal.
type Bus interface {
	Publish(frame *BusFrame)
	AddFrameCallback(frameCallback BusFrameFunction) func()
	Close()
}

// connects same-process buses, one per simulated tab.
// stands in for the browser broadcast channel in tests and the ctl.
type MemoryBusHub struct {
	stateLock sync.Mutex
	buses     []*MemoryBus
}

func NewMemoryBusHub() *MemoryBusHub {
	return &MemoryBusHub{
		buses: []*MemoryBus{},
	}
}

func (self *MemoryBusHub) OpenBus() *MemoryBus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	bus := &MemoryBus{
		hub:            self,
		frameCallbacks: NewCallbackList[BusFrameFunction](),
	}
	self.buses = append(self.buses, bus)
	return bus
}

func (self *MemoryBusHub) broadcast(from *MemoryBus, frame *BusFrame) {
	var buses []*MemoryBus
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		buses = slices.Clone(self.buses)
	}()

	for _, bus := range buses {
		if bus == from {
			continue
		}
		for _, frameCallback := range bus.frameCallbacks.Get() {
			handleCallbackPanic("bus", func() {
				frameCallback(frame)
			})
		}
	}
}

func (self *MemoryBusHub) closeBus(bus *MemoryBus) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if i := slices.Index(self.buses, bus); 0 <= i {
		self.buses = slices.Delete(slices.Clone(self.buses), i, i+1)
	}
}

type MemoryBus struct {
	hub            *MemoryBusHub
	frameCallbacks *CallbackList[BusFrameFunction]
}

func (self *MemoryBus) Publish(frame *BusFrame) {
	self.hub.broadcast(self, frame)
}

func (self *MemoryBus) AddFrameCallback(frameCallback BusFrameFunction) func() {
	callbackId := self.frameCallbacks.Add(frameCallback)
	return func() {
		self.frameCallbacks.Remove(callbackId)
	}
}

func (self *MemoryBus) Close() {
	self.hub.closeBus(self)
}
