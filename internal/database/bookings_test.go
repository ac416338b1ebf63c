package database

import (
	"context"
	"testing"
	"time"

	"pairly/internal/domain"
	"pairly/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookingCRUD(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	lat := -6.2
	b := seedBooking(t, db, "BK-AAAA1111")
	assert.NotZero(t, b.ID)
	assert.Equal(t, int64(1), b.Version)
	assert.Equal(t, models.StatusPending, b.Status)

	got, err := db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "BK-AAAA1111", got.Code)
	assert.Equal(t, int64(1725000), got.Total)
	assert.Equal(t, got.Subtotal+got.Fee, got.Total)
	assert.Nil(t, got.Location)
	assert.Nil(t, got.ConfirmedAt)

	byCode, err := db.GetBookingByCode(ctx, "BK-AAAA1111")
	require.NoError(t, err)
	assert.Equal(t, b.ID, byCode.ID)

	byToken, err := db.GetBookingByHoldToken(ctx, b.HoldToken)
	require.NoError(t, err)
	assert.Equal(t, b.ID, byToken.ID)

	_, err = db.GetBooking(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Location round trip.
	withLoc := *b
	withLoc.ID = 0
	withLoc.Code = "BK-BBBB2222"
	withLoc.Location = &models.Location{Address: "Jl. Sudirman 1", Lat: &lat}
	require.NoError(t, db.CreateBooking(ctx, &withLoc))
	got, err = db.GetBooking(ctx, withLoc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Location)
	assert.Equal(t, "Jl. Sudirman 1", got.Location.Address)
	require.NotNil(t, got.Location.Lat)
	assert.Equal(t, lat, *got.Location.Lat)
	assert.Nil(t, got.Location.Lng)
}

func TestCreateBooking_DuplicateCode(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	b := seedBooking(t, db, "BK-DUP00001")
	dup := *b
	dup.ID = 0
	err := db.CreateBooking(context.Background(), &dup)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestUpdateBookingStatus(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	b := seedBooking(t, db, "BK-STATUS01")
	at := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)

	err := db.UpdateBookingStatus(ctx, domain.StatusChange{
		BookingID:   b.ID,
		From:        models.StatusPending,
		FromVersion: 1,
		To:          models.StatusConfirmed,
		Event:       "confirm",
		ActorID:     b.PartnerID,
		At:          at,
	})
	require.NoError(t, err)

	got, err := db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)
	assert.Equal(t, int64(2), got.Version)
	require.NotNil(t, got.ConfirmedAt)
	assert.True(t, at.Equal(*got.ConfirmedAt))

	// Stale version loses.
	err = db.UpdateBookingStatus(ctx, domain.StatusChange{
		BookingID: b.ID, From: models.StatusPending, FromVersion: 1,
		To: models.StatusCancelled, Event: "cancel", Reason: "late", At: at,
	})
	assert.ErrorIs(t, err, ErrConcurrentModification)

	// Stale status loses even with the current version.
	err = db.UpdateBookingStatus(ctx, domain.StatusChange{
		BookingID: b.ID, From: models.StatusPending, FromVersion: 2,
		To: models.StatusCancelled, Event: "cancel", Reason: "late", At: at,
	})
	assert.ErrorIs(t, err, ErrConcurrentModification)

	err = db.UpdateBookingStatus(ctx, domain.StatusChange{
		BookingID: b.ID, From: models.StatusConfirmed, FromVersion: 2,
		To: models.StatusCancelled, Event: "cancel", ActorID: b.RequesterID, Reason: "sick", At: at.Add(time.Hour),
	})
	require.NoError(t, err)

	got, err = db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, "sick", got.Reason)
	require.NotNil(t, got.CancelledAt)

	history, err := db.ListBookingHistory(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "create", history[0].Event)
	assert.Equal(t, models.StatusPending, history[0].To)
	assert.Equal(t, models.StatusPending, history[1].From)
	assert.Equal(t, models.StatusConfirmed, history[1].To)
	assert.Equal(t, "sick", history[2].Reason)
	assert.Equal(t, b.RequesterID, history[2].ActorID)

	err = db.UpdateBookingStatus(ctx, domain.StatusChange{BookingID: b.ID, To: models.StatusPending})
	assert.Error(t, err)
}

func TestUpdateBookingReason(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	b := seedBooking(t, db, "BK-REASON01")
	require.NoError(t, db.UpdateBookingReason(ctx, b.ID, "fraud review", 7, time.Now()))

	got, err := db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "fraud review", got.Reason)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, int64(2), got.Version)

	history, err := db.ListBookingHistory(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "override_reason", history[1].Event)
	assert.Equal(t, int64(7), history[1].ActorID)

	assert.ErrorIs(t, db.UpdateBookingReason(ctx, 999, "x", 7, time.Now()), ErrNotFound)
}

func TestListBookings(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	b := seedBooking(t, db, "BK-LIST0001")

	list, err := db.ListBookingsByPartner(ctx, b.PartnerID, "2026-01-01", "2026-01-31")
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = db.ListBookingsByPartner(ctx, b.PartnerID, "2026-02-01", "")
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = db.ListBookingsByPartner(ctx, b.PartnerID, "", "")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = db.ListBookingsByStatus(ctx, models.StatusPending)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = db.ListBookingsByStatus(ctx, models.StatusPaid)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListSettlementRows(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	withEscrow := seedBooking(t, db, "BK-SETTLE01")
	without := seedBooking(t, db, "BK-SETTLE02")

	_, err := db.EnsureEscrowRecord(ctx, withEscrow.ID, withEscrow.Total, "IDR", time.Now())
	require.NoError(t, err)

	rows, err := db.ListSettlementRows(ctx, "2026-01-20", "2026-01-20")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byID := map[int64]models.SettlementRow{}
	for _, r := range rows {
		byID[r.Booking.ID] = r
	}
	require.NotNil(t, byID[withEscrow.ID].Escrow)
	assert.Equal(t, models.EscrowNone, byID[withEscrow.ID].Escrow.State)
	assert.Equal(t, withEscrow.Total, byID[withEscrow.ID].Escrow.Amount)
	assert.Nil(t, byID[without.ID].Escrow)
}
