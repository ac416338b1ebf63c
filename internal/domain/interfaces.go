package domain

import (
	"context"
	"time"

	"pairly/internal/models"
)

// Ledger is the external account service holding escrowed funds.
// Reference is the TXN code of the instruction and is the idempotency key.
type Ledger interface {
	Hold(ctx context.Context, amount int64, currency, reference string) (string, error)
	Release(ctx context.Context, amount int64, currency, reference string) (string, error)
	Refund(ctx context.Context, amount int64, currency, reference string) (string, error)
}

// Unlock releases a lock acquired through Coordinator.Lock.
type Unlock func(ctx context.Context) error

// Coordinator provides cross-process advisory locks and admission throttling.
type Coordinator interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (Unlock, error)
	CheckRateLimit(ctx context.Context, userID int64, limit int, window time.Duration) (bool, error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type SlotRegistry interface {
	TryHold(ctx context.Context, partnerID int64, date, start, end string) (*models.HoldToken, error)
	Confirm(ctx context.Context, token string) error
	Release(ctx context.Context, token string) error
	ReleaseSlot(ctx context.Context, slotID int64) error
}

type EscrowScheduler interface {
	Hold(ctx context.Context, bookingID, amount int64, currency string) (*models.EscrowRecord, error)
	ScheduleRelease(ctx context.Context, bookingID int64, at time.Time) error
	CancelScheduledRelease(ctx context.Context, bookingID int64) error
	Refund(ctx context.Context, bookingID int64) error
	Get(ctx context.Context, bookingID int64) (*models.EscrowRecord, error)
}

// StatusChange is an optimistic status update keyed on the expected
// status and version.
type StatusChange struct {
	BookingID   int64
	From        models.BookingStatus
	FromVersion int64
	To          models.BookingStatus
	Event       string
	ActorID     int64
	Reason      string
	At          time.Time
}

type BookingRepository interface {
	GetPartner(ctx context.Context, id int64) (*models.Partner, error)
	CreateBooking(ctx context.Context, booking *models.Booking) error
	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
	GetBookingByCode(ctx context.Context, code string) (*models.Booking, error)
	GetBookingByHoldToken(ctx context.Context, token string) (*models.Booking, error)
	UpdateBookingStatus(ctx context.Context, change StatusChange) error
	UpdateBookingReason(ctx context.Context, bookingID int64, reason string, actorID int64, at time.Time) error
	ListBookingHistory(ctx context.Context, bookingID int64) ([]models.BookingTransition, error)
	ListBookingsByPartner(ctx context.Context, partnerID int64, from, to string) ([]*models.Booking, error)
	ListBookingsByStatus(ctx context.Context, status models.BookingStatus) ([]*models.Booking, error)
}
