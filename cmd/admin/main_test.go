package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pairly/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePartners(t *testing.T) {
	partners, err := parsePartners([]byte(`
partners:
  - id: 7
    name: Dewi
    hourly_rate: 500000
    active: true
  - name: Ayu
    hourly_rate: 350000
`))
	require.NoError(t, err)
	require.Len(t, partners, 2)
	assert.Equal(t, int64(7), partners[0].ID)
	assert.True(t, partners[0].Active)
	assert.Equal(t, int64(0), partners[1].ID)
	assert.False(t, partners[1].Active)

	_, err = parsePartners([]byte("partners:\n  - name: Nil\n    hourly_rate: 0\n"))
	assert.ErrorContains(t, err, "hourly_rate")

	_, err = parsePartners([]byte("partners:\n  - id: 3\n    hourly_rate: 10\n"))
	assert.ErrorContains(t, err, "no name")
}

type fakePartners struct {
	saved []models.Partner
}

func (f *fakePartners) UpsertPartner(_ context.Context, p *models.Partner) error {
	if p.ID == 0 {
		p.ID = int64(100 + len(f.saved))
	}
	f.saved = append(f.saved, *p)
	return nil
}

func TestSeedPartners(t *testing.T) {
	file := filepath.Join(t.TempDir(), "partners.yaml")
	require.NoError(t, os.WriteFile(file, []byte("partners:\n  - name: Ayu\n    hourly_rate: 350000\n    active: true\n"), 0o600))

	store := &fakePartners{}
	var out bytes.Buffer
	require.NoError(t, seedPartners(context.Background(), store, []string{"-file", file}, &out))
	require.Len(t, store.saved, 1)
	assert.Contains(t, out.String(), `partner 100 "Ayu" rate=350000 active=true`)
}

type fakeReconcile struct {
	flagged []*models.EscrowRecord
	failed  []*models.LedgerInstruction
	reset   []int64
	cleared []int64
}

func (f *fakeReconcile) ListEscrowNeedingAttention(context.Context) ([]*models.EscrowRecord, error) {
	return f.flagged, nil
}

func (f *fakeReconcile) GetFailedLedgerInstructions(context.Context) ([]*models.LedgerInstruction, error) {
	return f.failed, nil
}

func (f *fakeReconcile) ResetLedgerInstruction(_ context.Context, id int64) error {
	f.reset = append(f.reset, id)
	return nil
}

func (f *fakeReconcile) ClearEscrowAttention(_ context.Context, bookingID int64, _ time.Time) (bool, error) {
	f.cleared = append(f.cleared, bookingID)
	return true, nil
}

func TestReconcile(t *testing.T) {
	newStore := func() *fakeReconcile {
		return &fakeReconcile{
			flagged: []*models.EscrowRecord{{BookingID: 4, State: models.EscrowHeld, Amount: 1725000, Currency: "IDR", LastError: "ledger down"}},
			failed:  []*models.LedgerInstruction{{ID: 9, Code: "TX-1", Kind: models.InstructionRelease, BookingID: 4, RetryCount: 5}},
		}
	}

	t.Run("ListOnly", func(t *testing.T) {
		store := newStore()
		var out bytes.Buffer
		require.NoError(t, reconcile(context.Background(), store, nil, &out))
		assert.Contains(t, out.String(), "booking 4 escrow HELD amount=1725000 IDR: ledger down")
		assert.Contains(t, out.String(), "instruction 9 TX-1")
		assert.Empty(t, store.reset)
		assert.Empty(t, store.cleared)
	})

	t.Run("Requeue", func(t *testing.T) {
		store := newStore()
		var out bytes.Buffer
		require.NoError(t, reconcile(context.Background(), store, []string{"-requeue"}, &out))
		assert.Equal(t, []int64{9}, store.reset)
		assert.Equal(t, []int64{4}, store.cleared)
		assert.Contains(t, out.String(), "instruction 9 requeued")
	})

	t.Run("Clean", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, reconcile(context.Background(), &fakeReconcile{}, nil, &out))
		assert.Equal(t, "nothing needs attention\n", out.String())
	})
}

type stubExporter struct{ from, to string }

func (s *stubExporter) Settlement(_ context.Context, from, to string) (string, error) {
	s.from, s.to = from, to
	return "/tmp/settlement.xlsx", nil
}

func TestExportSettlement(t *testing.T) {
	e := &stubExporter{}
	var out bytes.Buffer
	require.NoError(t, exportSettlement(context.Background(), e, []string{"-from", "2026-01-01", "-to", "2026-01-31"}, &out))
	assert.Equal(t, "2026-01-01", e.from)
	assert.Equal(t, "2026-01-31", e.to)
	assert.Equal(t, "/tmp/settlement.xlsx\n", out.String())
}

type stubRows struct{ from, to string }

func (s *stubRows) ListSettlementRows(_ context.Context, from, to string) ([]models.SettlementRow, error) {
	s.from, s.to = from, to
	return []models.SettlementRow{{Booking: models.Booking{ID: 1}}, {Booking: models.Booking{ID: 2}}}, nil
}

type stubSheet struct{ rows []models.SettlementRow }

func (s *stubSheet) ReplaceAll(_ context.Context, rows []models.SettlementRow) error {
	s.rows = rows
	return nil
}

func TestSyncSheet(t *testing.T) {
	db, sheet := &stubRows{}, &stubSheet{}
	var out bytes.Buffer
	require.NoError(t, syncSheet(context.Background(), db, sheet, []string{"-from", "2026-01-01", "-to", "2026-02-01"}, &out))
	assert.Equal(t, "2026-01-01", db.from)
	assert.Equal(t, "2026-02-01", db.to)
	assert.Len(t, sheet.rows, 2)
	assert.Equal(t, "synced 2 bookings\n", out.String())
}

type stubLister struct{ activeOnly bool }

func (s *stubLister) ListPartners(_ context.Context, activeOnly bool) ([]*models.Partner, error) {
	s.activeOnly = activeOnly
	return []*models.Partner{{ID: 7, Name: "Dewi", HourlyRate: 500000, Active: true}}, nil
}

func TestListPartners(t *testing.T) {
	db := &stubLister{}
	var out bytes.Buffer
	require.NoError(t, listPartners(context.Background(), db, []string{"-active"}, &out))
	assert.True(t, db.activeOnly)
	assert.Equal(t, "7\tDewi\t500000\ttrue\n", out.String())
}
