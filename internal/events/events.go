package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventBookingCreated           = "booking.created"
	EventBookingTransitioned      = "booking.transitioned"
	EventSlotHoldExpired          = "slot.hold_expired"
	EventEscrowHeld               = "escrow.held"
	EventEscrowReleased           = "escrow.released"
	EventEscrowRefunded           = "escrow.refunded"
	EventEscrowManualIntervention = "escrow.manual_intervention"
)

// BookingEventPayload describes the booking snapshot for event consumers.
type BookingEventPayload struct {
	BookingID   int64     `json:"booking_id"`
	Code        string    `json:"code"`
	RequesterID int64     `json:"requester_id"`
	PartnerID   int64     `json:"partner_id"`
	From        string    `json:"from,omitempty"`
	Status      string    `json:"status"`
	Event       string    `json:"event,omitempty"`
	ActorID     int64     `json:"actor_id"`
	Reason      string    `json:"reason,omitempty"`
	Date        string    `json:"date"`
	StartTime   string    `json:"start_time"`
	EndTime     string    `json:"end_time"`
	Total       int64     `json:"total"`
	Currency    string    `json:"currency"`
	At          time.Time `json:"at"`
}

// SlotHoldExpiredPayload is published per slot reopened by the sweeper.
type SlotHoldExpiredPayload struct {
	SlotID    int64     `json:"slot_id"`
	PartnerID int64     `json:"partner_id"`
	Date      string    `json:"date"`
	StartTime string    `json:"start_time"`
	EndTime   string    `json:"end_time"`
	HoldToken string    `json:"hold_token"`
	ExpiredAt time.Time `json:"expired_at"`
}

// EscrowEventPayload reports a settled ledger instruction. Deferred is set
// when the hold was acknowledged after the pay request already returned.
type EscrowEventPayload struct {
	BookingID int64     `json:"booking_id"`
	Kind      string    `json:"kind"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	State     string    `json:"state"`
	Txn       string    `json:"txn,omitempty"`
	Ack       string    `json:"ack,omitempty"`
	Deferred  bool      `json:"deferred,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
	Processed bool
}

// Decode unmarshals the JSON payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	wildcard    []EventHandler
	onError     func(event *Event, err error)
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAll registers a handler for every event type.
func (b *EventBus) SubscribeAll(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, handler)
}

// OnError installs the callback for handler failures.
func (b *EventBus) OnError(fn func(event *Event, err error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = fn
}

// Publish notifies subscribers of the event type, then wildcard handlers.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	handlers = append(handlers, b.wildcard...)
	onError := b.onError
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		if err := handler(event); err != nil && onError != nil {
			onError(event, err)
		}
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
