package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int

	bus.Subscribe(EventEscrowHeld, func(event *Event) error {
		received = event
		callCount++
		return nil
	})

	err := bus.PublishJSON(EventEscrowHeld, EscrowEventPayload{BookingID: 7, Kind: "hold", Deferred: true})
	if err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}

	if received.Type != EventEscrowHeld {
		t.Errorf("expected type %s, got %s", EventEscrowHeld, received.Type)
	}

	var decoded EscrowEventPayload
	if err := received.Decode(&decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}

	if decoded.BookingID != 7 || !decoded.Deferred {
		t.Errorf("unexpected payload %+v", decoded)
	}
}

func TestEventBusWildcardRunsAfterTyped(t *testing.T) {
	bus := NewEventBus()
	var order []string

	bus.SubscribeAll(func(e *Event) error { order = append(order, "all:"+e.Type); return nil })
	bus.Subscribe(EventBookingCreated, func(_ *Event) error { order = append(order, "typed"); return nil })

	bus.Publish(&Event{Type: EventBookingCreated})
	bus.Publish(&Event{Type: EventSlotHoldExpired})

	want := []string{"typed", "all:" + EventBookingCreated, "all:" + EventSlotHoldExpired}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestEventBusOnError(t *testing.T) {
	bus := NewEventBus()
	var failed []string
	bus.OnError(func(e *Event, err error) { failed = append(failed, e.Type+":"+err.Error()) })

	var second bool
	bus.Subscribe("event", func(_ *Event) error { return errors.New("boom") })
	bus.Subscribe("event", func(_ *Event) error { second = true; return nil })

	bus.Publish(&Event{Type: "event"})

	if !second {
		t.Error("a failing handler must not stop the next one")
	}
	if len(failed) != 1 || failed[0] != "event:boom" {
		t.Errorf("unexpected error reports %v", failed)
	}
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus()
	// Should not panic
	bus.Publish(&Event{Type: "unknown"})
	if err := bus.PublishJSON("unknown", nil); err != nil {
		t.Errorf("PublishJSON failed: %v", err)
	}

	var nilBus *EventBus
	if err := nilBus.PublishJSON("unknown", nil); err != nil {
		t.Errorf("nil bus PublishJSON failed: %v", err)
	}
}

func TestNewJSONEvent(t *testing.T) {
	payload := BookingEventPayload{BookingID: 123, Status: "PENDING"}
	event, err := NewJSONEvent(EventBookingCreated, payload)
	if err != nil {
		t.Fatalf("NewJSONEvent failed: %v", err)
	}

	if event.CreatedAt.IsZero() {
		t.Errorf("expected CreatedAt to be set")
	}

	var decoded BookingEventPayload
	if err := json.Unmarshal(event.Payload, &decoded); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	if decoded.BookingID != 123 {
		t.Errorf("expected BookingID 123, got %d", decoded.BookingID)
	}
}

type recordingPublisher struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (r *recordingPublisher) PublishRaw(_ context.Context, key string, body []byte, _ time.Time) error {
	r.keys = append(r.keys, key)
	r.bodies = append(r.bodies, body)
	return r.err
}

func TestForwarder(t *testing.T) {
	bus := NewEventBus()
	out := &recordingPublisher{}
	logger := zerolog.New(io.Discard)
	NewForwarder(out, &logger).Attach(bus)

	if err := bus.PublishJSON(EventEscrowReleased, EscrowEventPayload{BookingID: 9}); err != nil {
		t.Fatal(err)
	}
	if len(out.keys) != 1 || out.keys[0] != EventEscrowReleased {
		t.Fatalf("unexpected routing keys %v", out.keys)
	}

	var decoded EscrowEventPayload
	if err := json.Unmarshal(out.bodies[0], &decoded); err != nil || decoded.BookingID != 9 {
		t.Errorf("unexpected forwarded body %s", out.bodies[0])
	}

	var reported bool
	bus.OnError(func(*Event, error) { reported = true })
	out.err = errors.New("broker down")
	if err := bus.PublishJSON(EventEscrowRefunded, EscrowEventPayload{BookingID: 9}); err != nil {
		t.Fatal(err)
	}
	if reported {
		t.Error("broker failures are logged, not reported as handler errors")
	}
}
