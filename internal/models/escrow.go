package models

import "time"

// EscrowRecord tracks the funds tied to one booking.
type EscrowRecord struct {
	BookingID       int64       `json:"booking_id"`
	Amount          int64       `json:"amount"`
	Currency        string      `json:"currency"`
	State           EscrowState `json:"state"`
	ReleaseAt       *time.Time  `json:"release_at,omitempty"`
	FrozenAt        *time.Time  `json:"frozen_at,omitempty"`
	RefundRequested bool        `json:"refund_requested"`
	HoldTxn         string      `json:"hold_txn,omitempty"`
	SettleTxn       string      `json:"settle_txn,omitempty"`
	LastAck         string      `json:"last_ack,omitempty"`
	LastError       string      `json:"last_error,omitempty"`
	NeedsAttention  bool        `json:"needs_attention"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	ReleasedAt      *time.Time  `json:"released_at,omitempty"`
	RefundedAt      *time.Time  `json:"refunded_at,omitempty"`
}

// Frozen reports a release timer halted by a dispute.
func (r *EscrowRecord) Frozen() bool {
	return r.FrozenAt != nil
}

// LedgerInstruction is a durable, retried call to the ledger.
type LedgerInstruction struct {
	ID          int64           `json:"id"`
	Code        string          `json:"code"`
	BookingID   int64           `json:"booking_id"`
	Kind        InstructionKind `json:"kind"`
	Amount      int64           `json:"amount"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	LastError   *string         `json:"last_error"`
	Ack         *string         `json:"ack"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at"`
	NextRetryAt *time.Time      `json:"next_retry_at"`
}

// PriceBreakdown is the billable amount for a booking.
type PriceBreakdown struct {
	HourlyRate     int64   `json:"hourly_rate"`
	RequestedHours float64 `json:"requested_hours"`
	MinimumHours   float64 `json:"minimum_hours"`
	FeeRate        float64 `json:"fee_rate"`
	ActualHours    float64 `json:"actual_hours"`
	Subtotal       int64   `json:"subtotal"`
	Fee            int64   `json:"fee"`
	Total          int64   `json:"total"`
	MinimumApplied bool    `json:"minimum_applied"`
}

// SettlementRow joins a booking with its escrow record for reporting.
type SettlementRow struct {
	Booking Booking
	Escrow  *EscrowRecord
}
