package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookingStatus(t *testing.T) {
	assert.True(t, StatusPending.Valid())
	assert.False(t, BookingStatus("pending").Valid())

	for _, s := range []BookingStatus{StatusCompleted, StatusCancelled, StatusDisputed} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []BookingStatus{StatusPending, StatusConfirmed, StatusPaid, StatusInProgress} {
		assert.False(t, s.Terminal(), s)
	}
	assert.Len(t, BookingStatuses(), 7)
}

func TestEscrowStateClosed(t *testing.T) {
	assert.True(t, EscrowReleased.Closed())
	assert.True(t, EscrowRefunded.Closed())
	assert.False(t, EscrowReleaseScheduled.Closed())
	assert.False(t, EscrowNone.Closed())
}

func TestBookingTimes(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Jakarta")
	require.NoError(t, err)

	b := &Booking{Date: "2026-01-20", StartTime: "14:00", EndTime: "17:00"}
	start, err := b.StartAt(loc)
	require.NoError(t, err)
	end, err := b.EndAt(loc)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2026, 1, 20, 7, 0, 0, 0, time.UTC), start.UTC())
	assert.Equal(t, 3*time.Hour, end.Sub(start))

	_, err = ParseDateTime("2026-13-01", "10:00", nil)
	assert.Error(t, err)
}

func TestSlotOverlaps(t *testing.T) {
	s := &AvailabilitySlot{StartTime: "14:00", EndTime: "17:00"}

	assert.True(t, s.Overlaps("15:00", "16:00"))
	assert.True(t, s.Overlaps("13:00", "14:30"))
	assert.True(t, s.Overlaps("16:59", "18:00"))
	assert.False(t, s.Overlaps("17:00", "18:00"))
	assert.False(t, s.Overlaps("12:00", "14:00"))
}

func TestApplyPrice(t *testing.T) {
	var b Booking
	b.ApplyPrice(PriceBreakdown{HourlyRate: 500000, RequestedHours: 2, ActualHours: 3, Subtotal: 1500000, Fee: 225000, Total: 1725000, MinimumApplied: true})

	assert.Equal(t, int64(1725000), b.Total)
	assert.Equal(t, b.Subtotal+b.Fee, b.Total)
	assert.True(t, b.MinimumApplied)
}
