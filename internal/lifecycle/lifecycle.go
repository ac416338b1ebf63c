// Package lifecycle owns the booking state machine. Every status change
// in the system is decided by Machine.Check.
package lifecycle

import (
	"strings"
	"time"

	"pairly/internal/domain"
	"pairly/internal/models"
)

// Event triggers a booking transition.
type Event string

const (
	EventConfirm  Event = "confirm"
	EventPay      Event = "pay"
	EventStart    Event = "start"
	EventComplete Event = "complete"
	EventCancel   Event = "cancel"
	EventDispute  Event = "dispute"
)

var events = []Event{EventConfirm, EventPay, EventStart, EventComplete, EventCancel, EventDispute}

// Events lists every event.
func Events() []Event { return append([]Event(nil), events...) }

// ParseEvent validates a wire value.
func ParseEvent(raw string) (Event, error) {
	e := Event(strings.ToLower(strings.TrimSpace(raw)))
	for _, v := range events {
		if v == e {
			return e, nil
		}
	}
	return "", domain.Reject(domain.ErrInvalidRequest, "unknown event %q", raw)
}

// Effect is a side effect the caller must carry out for a transition.
type Effect string

const (
	EffectSlotBook              Effect = "slot_book"
	EffectEscrowHold            Effect = "escrow_hold"
	EffectEscrowScheduleRelease Effect = "escrow_schedule_release"
	EffectSlotRelease           Effect = "slot_release"
	EffectEscrowRefund          Effect = "escrow_refund"
	EffectEscrowFreeze          Effect = "escrow_freeze"
)

type edge struct {
	from  models.BookingStatus
	event Event
}

type rule struct {
	to      models.BookingStatus
	effects []Effect
}

var table = map[edge]rule{
	{models.StatusPending, EventConfirm}:     {models.StatusConfirmed, []Effect{EffectSlotBook}},
	{models.StatusConfirmed, EventPay}:       {models.StatusPaid, []Effect{EffectEscrowHold}},
	{models.StatusPaid, EventStart}:          {models.StatusInProgress, nil},
	{models.StatusInProgress, EventComplete}: {models.StatusCompleted, []Effect{EffectEscrowScheduleRelease}},
	{models.StatusPending, EventCancel}:      {models.StatusCancelled, []Effect{EffectSlotRelease}},
	{models.StatusConfirmed, EventCancel}:    {models.StatusCancelled, []Effect{EffectSlotRelease, EffectEscrowRefund}},
	{models.StatusPaid, EventCancel}:         {models.StatusCancelled, []Effect{EffectSlotRelease, EffectEscrowRefund}},
	{models.StatusInProgress, EventDispute}:  {models.StatusDisputed, []Effect{EffectEscrowFreeze}},
	{models.StatusCompleted, EventDispute}:   {models.StatusDisputed, []Effect{EffectEscrowFreeze}},
}

var targets = map[Event]models.BookingStatus{
	EventConfirm:  models.StatusConfirmed,
	EventPay:      models.StatusPaid,
	EventStart:    models.StatusInProgress,
	EventComplete: models.StatusCompleted,
	EventCancel:   models.StatusCancelled,
	EventDispute:  models.StatusDisputed,
}

// Next looks up the transition table only, without guards.
func Next(from models.BookingStatus, ev Event) (models.BookingStatus, error) {
	target, ok := targets[ev]
	if !ok {
		return "", domain.Reject(domain.ErrInvalidRequest, "unknown event %q", ev)
	}
	if from == target {
		return "", domain.Reject(domain.ErrAlreadyInState, "booking already %s", from)
	}
	r, ok := table[edge{from, ev}]
	if !ok {
		return "", domain.Reject(domain.ErrInvalidStatus, "cannot %s a %s booking", ev, from)
	}
	return r.to, nil
}

// Role is the relation of an actor to a booking.
type Role int

const (
	RoleStranger Role = iota
	RoleRequester
	RolePartner
	RoleAdmin
	RoleSystem
)

func (r Role) String() string {
	switch r {
	case RoleRequester:
		return "requester"
	case RolePartner:
		return "partner"
	case RoleAdmin:
		return "admin"
	case RoleSystem:
		return "system"
	default:
		return "stranger"
	}
}

func (r Role) participant() bool { return r == RoleRequester || r == RolePartner }
func (r Role) privileged() bool  { return r == RoleAdmin || r == RoleSystem }

// Request is everything a guard needs to judge a transition.
type Request struct {
	Booking  *models.Booking
	Event    Event
	Role     Role
	Reason   string
	Now      time.Time
	Location *time.Location
}

// Plan is an approved transition.
type Plan struct {
	From    models.BookingStatus
	To      models.BookingStatus
	Event   Event
	Effects []Effect
}

func (p Plan) Has(e Effect) bool {
	for _, v := range p.Effects {
		if v == e {
			return true
		}
	}
	return false
}

// Machine evaluates transitions. ReleaseDelay bounds the window in which
// a completed booking may still be disputed.
type Machine struct {
	ReleaseDelay time.Duration
}

// Check validates the table first, then the guards of the matched edge.
// The payment acknowledgement guard of pay is enforced by the caller
// through the escrow hold.
func (m Machine) Check(req Request) (Plan, error) {
	b := req.Booking
	if b == nil {
		return Plan{}, domain.Reject(domain.ErrNotFound, "booking is required")
	}
	to, err := Next(b.Status, req.Event)
	if err != nil {
		return Plan{}, err
	}

	if err := m.guard(req); err != nil {
		return Plan{}, err
	}

	r := table[edge{b.Status, req.Event}]
	return Plan{From: b.Status, To: to, Event: req.Event, Effects: append([]Effect(nil), r.effects...)}, nil
}

func (m Machine) guard(req Request) error {
	b := req.Booking
	role := req.Role

	switch req.Event {
	case EventConfirm:
		if role != RolePartner && !role.privileged() {
			return domain.Reject(domain.ErrNotAuthorized, "only the partner or an admin can confirm")
		}
	case EventPay:
		if role != RoleRequester && !role.privileged() {
			return domain.Reject(domain.ErrNotAuthorized, "only the requester or an admin can pay")
		}
	case EventStart:
		if !role.participant() && !role.privileged() {
			return domain.Reject(domain.ErrNotAuthorized, "%s cannot start the booking", role)
		}
		start, err := b.StartAt(req.Location)
		if err != nil {
			return err
		}
		if req.Now.Before(start) {
			return domain.Reject(domain.ErrTooEarly, "booking starts at %s", start.Format(time.RFC3339))
		}
	case EventComplete:
		if role.participant() {
			return nil
		}
		if !role.privileged() {
			return domain.Reject(domain.ErrNotAuthorized, "%s cannot complete the booking", role)
		}
		end, err := b.EndAt(req.Location)
		if err != nil {
			return err
		}
		if req.Now.Before(end) {
			return domain.Reject(domain.ErrTooEarly, "booking ends at %s", end.Format(time.RFC3339))
		}
	case EventCancel:
		if !role.participant() && !role.privileged() {
			return domain.Reject(domain.ErrNotAuthorized, "%s cannot cancel the booking", role)
		}
		if strings.TrimSpace(req.Reason) == "" {
			return domain.Reject(domain.ErrReasonRequired, "cancel requires a reason")
		}
	case EventDispute:
		if !role.participant() && role != RoleAdmin {
			return domain.Reject(domain.ErrNotAuthorized, "%s cannot dispute the booking", role)
		}
		if b.Status == models.StatusCompleted && b.CompletedAt != nil && m.ReleaseDelay > 0 {
			closes := b.CompletedAt.Add(m.ReleaseDelay)
			if !req.Now.Before(closes) {
				return domain.Reject(domain.ErrDisputeWindowClosed, "dispute window closed at %s", closes.Format(time.RFC3339))
			}
		}
	}
	return nil
}

// StampTime sets the timestamp column matching the new status.
func StampTime(b *models.Booking, to models.BookingStatus, at time.Time) {
	t := at
	switch to {
	case models.StatusConfirmed:
		b.ConfirmedAt = &t
	case models.StatusPaid:
		b.PaidAt = &t
	case models.StatusInProgress:
		b.StartedAt = &t
	case models.StatusCompleted:
		b.CompletedAt = &t
	case models.StatusCancelled:
		b.CancelledAt = &t
	case models.StatusDisputed:
		b.DisputedAt = &t
	}
}
