package models

import "time"

// AvailabilitySlot is a partner time window and its exclusivity claim.
type AvailabilitySlot struct {
	ID            int64      `json:"id"`
	PartnerID     int64      `json:"partner_id"`
	Date          string     `json:"date"`
	StartTime     string     `json:"start_time"`
	EndTime       string     `json:"end_time"`
	Status        SlotStatus `json:"status"`
	Declared      bool       `json:"declared"`
	Note          string     `json:"note,omitempty"`
	HoldToken     string     `json:"-"`
	HoldExpiresAt *time.Time `json:"hold_expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Overlaps uses half-open ranges: 14:00-15:00 and 15:00-16:00 do not overlap.
func (s *AvailabilitySlot) Overlaps(start, end string) bool {
	return s.StartTime < end && s.EndTime > start
}

// HoldToken proves ownership of a HELD slot until ExpiresAt.
type HoldToken struct {
	SlotID    int64     `json:"slot_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Partner is the service provider a booking is made with.
type Partner struct {
	ID         int64     `json:"id" yaml:"id"`
	Name       string    `json:"name" yaml:"name"`
	HourlyRate int64     `json:"hourly_rate" yaml:"hourly_rate"`
	Active     bool      `json:"active" yaml:"active"`
	CreatedAt  time.Time `json:"created_at" yaml:"-"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"-"`
}
