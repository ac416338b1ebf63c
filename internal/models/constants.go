package models

// BookingStatus is the closed set of booking lifecycle states.
type BookingStatus string

const (
	StatusPending    BookingStatus = "PENDING"
	StatusConfirmed  BookingStatus = "CONFIRMED"
	StatusPaid       BookingStatus = "PAID"
	StatusInProgress BookingStatus = "IN_PROGRESS"
	StatusCompleted  BookingStatus = "COMPLETED"
	StatusCancelled  BookingStatus = "CANCELLED"
	StatusDisputed   BookingStatus = "DISPUTED"
)

var bookingStatuses = []BookingStatus{
	StatusPending, StatusConfirmed, StatusPaid, StatusInProgress,
	StatusCompleted, StatusCancelled, StatusDisputed,
}

// BookingStatuses lists every state in lifecycle order.
func BookingStatuses() []BookingStatus {
	return append([]BookingStatus(nil), bookingStatuses...)
}

func (s BookingStatus) Valid() bool {
	for _, v := range bookingStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports states that leave the normal flow.
func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusDisputed
}

type SlotStatus string

const (
	SlotOpen   SlotStatus = "OPEN"
	SlotHeld   SlotStatus = "HELD"
	SlotBooked SlotStatus = "BOOKED"
)

type EscrowState string

const (
	EscrowNone             EscrowState = "NONE"
	EscrowHeld             EscrowState = "HELD"
	EscrowReleaseScheduled EscrowState = "RELEASE_SCHEDULED"
	EscrowReleased         EscrowState = "RELEASED"
	EscrowRefunded         EscrowState = "REFUNDED"
)

// Closed reports whether funds have left escrow.
func (s EscrowState) Closed() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

// InstructionKind names a ledger operation.
type InstructionKind string

const (
	InstructionHold    InstructionKind = "hold"
	InstructionRelease InstructionKind = "release"
	InstructionRefund  InstructionKind = "refund"
)

const (
	InstructionPending   = "pending"
	InstructionInFlight  = "in_flight"
	InstructionRetry     = "retry"
	InstructionCompleted = "completed"
	InstructionFailed    = "failed"
	InstructionCancelled = "cancelled"
)

// SystemActorID identifies background jobs acting on bookings.
const SystemActorID int64 = 0
