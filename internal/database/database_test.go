package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pairly/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := NewDB(":memory:", &logger)
	require.NoError(t, err)
	return db
}

func seedPartner(t *testing.T, db *DB, rate int64) *models.Partner {
	t.Helper()
	p := &models.Partner{Name: "Partner", HourlyRate: rate, Active: true}
	require.NoError(t, db.UpsertPartner(context.Background(), p))
	return p
}

func holdRequest(partnerID int64, start, end, token string, now time.Time) SlotHoldRequest {
	return SlotHoldRequest{
		PartnerID: partnerID,
		Date:      "2026-01-20",
		StartTime: start,
		EndTime:   end,
		Token:     token,
		ExpiresAt: now.Add(30 * time.Minute),
		Now:       now,
	}
}

// seedBooking holds a slot and creates a PENDING booking on it.
func seedBooking(t *testing.T, db *DB, code string) *models.Booking {
	t.Helper()
	ctx := context.Background()
	partner := seedPartner(t, db, 500000)

	now := time.Now().UTC()
	slot, err := db.HoldSlot(ctx, holdRequest(partner.ID, "14:00", "17:00", "tok-"+code, now))
	require.NoError(t, err)

	b := &models.Booking{
		Code:           code,
		RequesterID:    partner.ID + 1000,
		PartnerID:      partner.ID,
		ServiceType:    "companion",
		Date:           slot.Date,
		StartTime:      slot.StartTime,
		EndTime:        slot.EndTime,
		SlotID:         slot.ID,
		HoldToken:      slot.HoldToken,
		HourlyRate:     500000,
		RequestedHours: 3,
		ActualHours:    3,
		Subtotal:       1500000,
		Fee:            225000,
		Total:          1725000,
		Currency:       "IDR",
	}
	require.NoError(t, db.CreateBooking(ctx, b))
	return b
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "db_test_dir")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	dbPath := filepath.Join(tempDir, "nested", "dir", "test.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
	assert.Equal(t, dbPath, db.Path())
}

func TestNewDB_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	p := seedPartner(t, db, 1000)
	require.NoError(t, db.Close())

	db, err = NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.GetPartner(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.HourlyRate)
}

func TestEnsureColumn(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	// Calling it twice should not fail (testing the "duplicate column" suppression)
	err := db.ensureColumn("escrow_records", "refund_requested", "INTEGER NOT NULL DEFAULT 0")
	require.NoError(t, err)
}

func TestDB_Ping(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	assert.NoError(t, db.PingContext(context.Background()))
	assert.NoError(t, db.HealthCheck(context.Background()))
}

func TestPartners(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	p := seedPartner(t, db, 250000)
	assert.NotZero(t, p.ID)

	inactive := &models.Partner{ID: 42, Name: "Away", HourlyRate: 100, Active: false}
	require.NoError(t, db.UpsertPartner(ctx, inactive))

	inactive.HourlyRate = 200
	require.NoError(t, db.UpsertPartner(ctx, inactive))

	got, err := db.GetPartner(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.HourlyRate)
	assert.False(t, got.Active)

	all, err := db.ListPartners(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := db.ListPartners(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, p.ID, active[0].ID)

	_, err = db.GetPartner(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}
