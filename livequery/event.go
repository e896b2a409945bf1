package livequery

import (
	"encoding/json"
	"fmt"
	"time"
)

// domain event types on the wire
const (
	EventMatterCreated  = "matter.created"
	EventMatterUpdated  = "matter.updated"
	EventMatterMoved    = "matter.moved"
	EventMatterDeleted  = "matter.deleted"
	EventExpenseCreated = "expense.created"
	EventExpenseUpdated = "expense.updated"
	EventExpenseDeleted = "expense.deleted"
)

// one entity change, produced by the real-time feed or echoed locally when a
// mutation commits. consumed exactly once per tab.
type DomainEvent struct {
	Type     string          `json:"type"`
	EntityId string          `json:"entityId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	// zero for events originating at the server
	OriginTabId Id `json:"originTabId,omitempty"`
	// set when the event is the echo of a tagged mutation
	OperationId Id        `json:"operationId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewDomainEvent(eventType string, entityId string, payload any) (*DomainEvent, error) {
	event := &DomainEvent{
		Type:      eventType,
		EntityId:  entityId,
		Timestamp: time.Now(),
	}
	if payload != nil {
		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		event.Payload = payloadBytes
	}
	return event, nil
}

func RequireDomainEvent(eventType string, entityId string, payload any) *DomainEvent {
	event, err := NewDomainEvent(eventType, entityId, payload)
	if err != nil {
		panic(err)
	}
	return event
}

func (self *DomainEvent) String() string {
	return fmt.Sprintf("%s(%s)", self.Type, self.EntityId)
}

type MatterMovedPayload struct {
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
}

type MatterChangedPayload struct {
	Matter *Matter `json:"matter,omitempty"`
}

type ExpenseChangedPayload struct {
	MatterId string  `json:"matter_id"`
	Amount   float64 `json:"amount,omitempty"`
}

// decode the payload into the type tagged by `Type`.
// unknown event types decode to a plain map.
func (self *DomainEvent) DecodePayload() (any, error) {
	if len(self.Payload) == 0 {
		return nil, nil
	}
	var target any
	switch self.Type {
	case EventMatterMoved:
		target = &MatterMovedPayload{}
	case EventMatterCreated, EventMatterUpdated, EventMatterDeleted:
		target = &MatterChangedPayload{}
	case EventExpenseCreated, EventExpenseUpdated, EventExpenseDeleted:
		target = &ExpenseChangedPayload{}
	default:
		target = &map[string]any{}
	}
	if err := json.Unmarshal(self.Payload, target); err != nil {
		return nil, NewParseError(err)
	}
	return target, nil
}

// (type, entityId) pair the dedup window keys off
type eventDedupKey struct {
	eventType string
	entityId  string
}

func (self *DomainEvent) dedupKey() eventDedupKey {
	return eventDedupKey{
		eventType: self.Type,
		entityId:  self.EntityId,
	}
}
