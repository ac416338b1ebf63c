package models

import (
	"fmt"
	"time"
)

const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"
)

// Location is the optional meeting place of a booking.
type Location struct {
	Address string   `json:"address,omitempty"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
}

type Booking struct {
	ID             int64         `json:"id"`
	Code           string        `json:"code"`
	RequesterID    int64         `json:"requester_id"`
	PartnerID      int64         `json:"partner_id"`
	ServiceType    string        `json:"service_type"`
	Date           string        `json:"date"`
	StartTime      string        `json:"start_time"`
	EndTime        string        `json:"end_time"`
	Location       *Location     `json:"location,omitempty"`
	SlotID         int64         `json:"slot_id"`
	HoldToken      string        `json:"-"`
	HourlyRate     int64         `json:"hourly_rate"`
	RequestedHours float64       `json:"requested_hours"`
	ActualHours    float64       `json:"actual_hours"`
	MinimumApplied bool          `json:"minimum_applied"`
	Subtotal       int64         `json:"subtotal"`
	Fee            int64         `json:"fee"`
	Total          int64         `json:"total"`
	Currency       string        `json:"currency"`
	Status         BookingStatus `json:"status"`
	Reason         string        `json:"reason,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	ConfirmedAt    *time.Time    `json:"confirmed_at,omitempty"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	CancelledAt    *time.Time    `json:"cancelled_at,omitempty"`
	DisputedAt     *time.Time    `json:"disputed_at,omitempty"`
	Version        int64         `json:"version"`
}

// StartAt resolves the booking date and start time in loc.
func (b *Booking) StartAt(loc *time.Location) (time.Time, error) {
	return ParseDateTime(b.Date, b.StartTime, loc)
}

func (b *Booking) EndAt(loc *time.Location) (time.Time, error) {
	return ParseDateTime(b.Date, b.EndTime, loc)
}

// ApplyPrice copies a price breakdown onto the booking snapshot.
func (b *Booking) ApplyPrice(p PriceBreakdown) {
	b.HourlyRate = p.HourlyRate
	b.RequestedHours = p.RequestedHours
	b.ActualHours = p.ActualHours
	b.MinimumApplied = p.MinimumApplied
	b.Subtotal = p.Subtotal
	b.Fee = p.Fee
	b.Total = p.Total
}

// ParseDateTime joins a YYYY-MM-DD date and an HH:MM time.
func ParseDateTime(date, hhmm string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(DateLayout+" "+ClockLayout, date+" "+hhmm, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s %s: %w", date, hhmm, err)
	}
	return t, nil
}

// BookingTransition is one row of a booking's audit trail.
type BookingTransition struct {
	ID        int64         `json:"id"`
	BookingID int64         `json:"booking_id"`
	From      BookingStatus `json:"from"`
	To        BookingStatus `json:"to"`
	Event     string        `json:"event"`
	ActorID   int64         `json:"actor_id"`
	Reason    string        `json:"reason,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}
