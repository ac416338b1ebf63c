package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"pairly/internal/clock"
	"pairly/internal/database"
	"pairly/internal/domain"
	"pairly/internal/events"
	"pairly/internal/ledger"
	"pairly/internal/models"
	"pairly/internal/worker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 1, 20, 17, 0, 0, 0, time.UTC)

type harness struct {
	db        *database.DB
	ledger    *ledger.Memory
	clock     *clock.Fake
	worker    *worker.InstructionWorker
	scheduler *Scheduler
	bus       *events.EventBus
	booking   *models.Booking

	mu     sync.Mutex
	events []events.Event
}

func newHarness(t *testing.T, retry worker.RetryPolicy) *harness {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{db: db, ledger: ledger.NewMemory(), clock: clock.NewFake(start), bus: events.NewEventBus()}
	h.bus.SubscribeAll(func(e *events.Event) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, *e)
		return nil
	})
	if retry.MaxRetries == 0 {
		retry = worker.RetryPolicy{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: time.Minute}
	}
	h.worker = worker.NewInstructionWorker(db, h.ledger, nil, h.clock, retry, time.Second, &logger)
	h.scheduler = NewScheduler(db, h.worker, h.bus, h.clock, time.Minute, &logger)
	h.booking = seedBooking(t, db)
	return h
}

// restart builds a second scheduler on the same store, as a new process would.
func (h *harness) restart(t *testing.T) *Scheduler {
	t.Helper()
	logger := zerolog.Nop()
	w := worker.NewInstructionWorker(h.db, h.ledger, nil, h.clock, worker.RetryPolicy{MaxRetries: 3, InitialDelay: time.Second}, time.Second, &logger)
	return NewScheduler(h.db, w, h.bus, h.clock, time.Minute, &logger)
}

func (h *harness) eventTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, e := range h.events {
		out = append(out, e.Type)
	}
	return out
}

func (h *harness) record(t *testing.T) *models.EscrowRecord {
	t.Helper()
	rec, err := h.scheduler.Get(context.Background(), h.booking.ID)
	require.NoError(t, err)
	return rec
}

func (h *harness) hold(t *testing.T) {
	t.Helper()
	_, err := h.scheduler.Hold(context.Background(), h.booking.ID, h.booking.Total, h.booking.Currency)
	require.NoError(t, err)
}

func TestHold(t *testing.T) {
	h := newHarness(t, worker.RetryPolicy{})
	ctx := context.Background()

	rec, err := h.scheduler.Hold(ctx, h.booking.ID, h.booking.Total, "IDR")
	require.NoError(t, err)
	assert.Equal(t, models.EscrowHeld, rec.State)
	assert.Equal(t, int64(1725000), rec.Amount)
	assert.NotEmpty(t, rec.HoldTxn)
	assert.Equal(t, []string{events.EventEscrowHeld}, h.eventTypes())

	again, err := h.scheduler.Hold(ctx, h.booking.ID, h.booking.Total, "IDR")
	require.NoError(t, err)
	assert.Equal(t, rec.HoldTxn, again.HoldTxn)
	assert.Equal(t, 1, h.ledger.Count(models.InstructionHold))
}

func TestHold_PendingThenDeferredAck(t *testing.T) {
	h := newHarness(t, worker.RetryPolicy{})
	ctx := context.Background()
	h.ledger.FailNext(1)

	rec, err := h.scheduler.Hold(ctx, h.booking.ID, h.booking.Total, "IDR")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSettlementPending)
	assert.Equal(t, models.EscrowNone, rec.State)

	// A second pay attempt does not issue a second hold.
	_, err = h.scheduler.Hold(ctx, h.booking.ID, h.booking.Total, "IDR")
	assert.ErrorIs(t, err, domain.ErrSettlementPending)

	h.clock.Advance(time.Second)
	assert.Equal(t, 1, h.worker.RunOnce(ctx))
	assert.Equal(t, models.EscrowHeld, h.record(t).State)

	require.Len(t, h.events, 1)
	var payload events.EscrowEventPayload
	require.NoError(t, h.events[0].Decode(&payload))
	assert.True(t, payload.Deferred)
	assert.Equal(t, h.booking.ID, payload.BookingID)
}

func TestScheduleRelease_FiresOnce(t *testing.T) {
	h := newHarness(t, worker.RetryPolicy{})
	ctx := context.Background()
	h.hold(t)

	require.NoError(t, h.scheduler.ScheduleRelease(ctx, h.booking.ID, start.Add(24*time.Hour)))
	assert.Equal(t, 1, h.scheduler.Armed())
	rec := h.record(t)
	assert.Equal(t, models.EscrowReleaseScheduled, rec.State)
	assert.Equal(t, start.Add(24*time.Hour), *rec.ReleaseAt)

	h.clock.Advance(24*time.Hour - time.Second)
	assert.Zero(t, h.ledger.Count(models.InstructionRelease))

	h.clock.Advance(time.Second)
	assert.Equal(t, 1, h.ledger.Count(models.InstructionRelease))
	assert.Equal(t, models.EscrowReleased, h.record(t).State)
	assert.Zero(t, h.scheduler.Armed())

	// An operator release racing the timer changes nothing.
	require.NoError(t, h.scheduler.ReleaseNow(ctx, h.booking.ID))
	_, _, err := h.scheduler.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.ledger.Count(models.InstructionRelease))
	assert.Contains(t, h.eventTypes(), events.EventEscrowReleased)
}

func TestRelease_RacingFiresIssueOneInstruction(t *testing.T) {
	h := newHarness(t, worker.RetryPolicy{})
	ctx := context.Background()
	h.hold(t)
	require.NoError(t, h.scheduler.ScheduleRelease(ctx, h.booking.ID, start.Add(time.Hour)))

	// The first release attempt fails, so the record stays RELEASE_SCHEDULED
	// while a second process sweeps the overdue record.
	h.ledger.FailNext(1)
	h.clock.Advance(time.Hour)
	assert.Equal(t, models.EscrowReleaseScheduled, h.record(t).State)

	other := h.restart(t)
	_, fired, err := other.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	_, err = other.releaseDue(ctx, h.booking.ID)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	h.worker.RunOnce(ctx)

	assert.Equal(t, models.EscrowReleased, h.record(t).State)
	assert.Equal(t, 1, h.ledger.Count(models.InstructionRelease))

	var n int
	require.NoError(t, h.db.QueryRow(`SELECT COUNT(*) FROM ledger_instructions WHERE booking_id = ? AND kind = 'release'`, h.booking.ID).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestRecover_RearmsAfterRestart(t *testing.T) {
	h := newHarness(t, worker.RetryPolicy{})
	ctx := context.Background()
	h.hold(t)

	completedAt := h.clock.Now()
	require.NoError(t, h.scheduler.ScheduleRelease(ctx, h.booking.ID, completedAt.Add(24*time.Hour)))

	// The process dies: its timers are gone, the deadline is not.
	h.scheduler.Stop()
	h.clock.Advance(time.Hour)

	restarted := h.restart(t)
	armedCount, fired, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, armedCount)
	assert.Zero(t, fired)
	assert.Zero(t, h.ledger.Count(models.InstructionRelease))
	assert.Equal(t, 1, restarted.Armed())

	// A second sweep keeps the existing timer.
	armedCount, _, err = restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, armedCount)

	h.clock.Advance(23*time.Hour - time.Second)
	assert.Zero(t, h.ledger.Count(models.InstructionRelease))

	h.clock.Advance(time.Second)
	assert.Equal(t, 1, h.ledger.Count(models.InstructionRelease))
	rec := h.record(t)
	assert.Equal(t, models.EscrowReleased, rec.State)
	assert.Equal(t, completedAt.Add(24*time.Hour), *rec.ReleasedAt)
}

func TestRecover_FiresOverdue(t *testing.T) {
	h := newHarness(t, worker.RetryPolicy{})
	ctx := context.Background()
	h.hold(t)
	require.NoError(t, h.scheduler.ScheduleRelease(ctx, h.booking.ID, start.Add(24*time.Hour)))
	h.scheduler.Stop()

	h.clock.Advance(30 * time.Hour)
	_, fired, err := h.restart(t).Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Equal(t, models.EscrowReleased, h.record(t).State)
}

func TestRefund(t *testing.T) {
	t.Run("NoEscrow", func(t *testing.T) {
		h := newHarness(t, worker.RetryPolicy{})
		require.NoError(t, h.scheduler.Refund(context.Background(), h.booking.ID))
		assert.Empty(t, h.ledger.Calls())
	})

	t.Run("HeldFunds", func(t *testing.T) {
		h := newHarness(t, worker.RetryPolicy{})
		ctx := context.Background()
		h.hold(t)

		require.NoError(t, h.scheduler.Refund(ctx, h.booking.ID))
		require.NoError(t, h.scheduler.Refund(ctx, h.booking.ID))
		assert.Equal(t, 1, h.ledger.Count(models.InstructionRefund))
		assert.Equal(t, models.EscrowRefunded, h.record(t).State)
	})

	t.Run("CancelsScheduledRelease", func(t *testing.T) {
		h := newHarness(t, worker.RetryPolicy{})
		ctx := context.Background()
		h.hold(t)
		require.NoError(t, h.scheduler.ScheduleRelease(ctx, h.booking.ID, start.Add(time.Hour)))

		require.NoError(t, h.scheduler.Refund(ctx, h.booking.ID))
		assert.Zero(t, h.scheduler.Armed())

		h.clock.Advance(2 * time.Hour)
		assert.Zero(t, h.ledger.Count(models.InstructionRelease))
		assert.Equal(t, models.EscrowRefunded, h.record(t).State)
	})

	t.Run("AfterRelease", func(t *testing.T) {
		h := newHarness(t, worker.RetryPolicy{})
		ctx := context.Background()
		h.hold(t)
		require.NoError(t, h.scheduler.ScheduleRelease(ctx, h.booking.ID, start.Add(time.Hour)))
		h.clock.Advance(time.Hour)

		err := h.scheduler.Refund(ctx, h.booking.ID)
		assert.ErrorIs(t, err, domain.ErrRefundAfterRelease)
		assert.Equal(t, domain.CodeRefundAfterRelease, domain.CodeOf(err))
		assert.Zero(t, h.ledger.Count(models.InstructionRefund))
	})

	t.Run("WhileReleaseInFlight", func(t *testing.T) {
		h := newHarness(t, worker.RetryPolicy{})
		ctx := context.Background()
		h.hold(t)
		require.NoError(t, h.scheduler.ScheduleRelease(ctx, h.booking.ID, start.Add(time.Hour)))
		h.ledger.FailNext(1)
		h.clock.Advance(time.Hour)

		err := h.scheduler.Refund(ctx, h.booking.ID)
		assert.ErrorIs(t, err, domain.ErrRefundAfterRelease)
	})

	t.Run("BeforeHoldLands", func(t *testing.T) {
		h := newHarness(t, worker.RetryPolicy{})
		ctx := context.Background()
		h.ledger.FailNext(1)
		_, err := h.scheduler.Hold(ctx, h.booking.ID, h.booking.Total, "IDR")
		require.ErrorIs(t, err, domain.ErrSettlementPending)

		require.NoError(t, h.scheduler.Refund(ctx, h.booking.ID))
		assert.True(t, h.record(t).RefundRequested)

		h.clock.Advance(time.Second)
		h.worker.RunOnce(ctx)

		rec := h.record(t)
		assert.Equal(t, models.EscrowRefunded, rec.State)
		assert.False(t, rec.RefundRequested)
		assert.Equal(t, 1, h.ledger.Count(models.InstructionRefund))
		assert.NotContains(t, h.eventTypes(), events.EventEscrowHeld)
		assert.Contains(t, h.eventTypes(), events.EventEscrowRefunded)
	})
}

func TestCancelScheduledRelease_Freezes(t *testing.T) {
	h := newHarness(t, worker.RetryPolicy{})
	ctx := context.Background()
	h.hold(t)
	require.NoError(t, h.scheduler.ScheduleRelease(ctx, h.booking.ID, start.Add(24*time.Hour)))

	require.NoError(t, h.scheduler.CancelScheduledRelease(ctx, h.booking.ID))
	require.NoError(t, h.scheduler.CancelScheduledRelease(ctx, h.booking.ID))
	assert.Zero(t, h.scheduler.Armed())

	rec := h.record(t)
	assert.Equal(t, models.EscrowHeld, rec.State)
	assert.True(t, rec.Frozen())
	assert.Nil(t, rec.ReleaseAt)

	h.clock.Advance(48 * time.Hour)
	_, _, err := h.scheduler.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, h.ledger.Count(models.InstructionRelease))

	err = h.scheduler.ScheduleRelease(ctx, h.booking.ID, h.clock.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)

	require.NoError(t, h.scheduler.ReleaseNow(ctx, h.booking.ID))
	assert.Equal(t, models.EscrowReleased, h.record(t).State)
	assert.Equal(t, 1, h.ledger.Count(models.InstructionRelease))
}

func TestReleaseNow_PendingUntilAcknowledged(t *testing.T) {
	h := newHarness(t, worker.RetryPolicy{})
	ctx := context.Background()
	h.hold(t)

	h.ledger.FailNext(1)
	err := h.scheduler.ReleaseNow(ctx, h.booking.ID)
	assert.ErrorIs(t, err, domain.ErrSettlementPending)
	assert.Equal(t, models.EscrowReleaseScheduled, h.record(t).State)

	h.clock.Advance(time.Second)
	h.worker.RunOnce(ctx)
	assert.Equal(t, models.EscrowReleased, h.record(t).State)

	require.NoError(t, h.scheduler.ReleaseNow(ctx, h.booking.ID))
	assert.Equal(t, 1, h.ledger.Count(models.InstructionRelease))
}

func TestFrozenRelease_IsNotRetried(t *testing.T) {
	h := newHarness(t, worker.RetryPolicy{})
	ctx := context.Background()
	h.hold(t)
	require.NoError(t, h.scheduler.ScheduleRelease(ctx, h.booking.ID, start.Add(time.Hour)))

	h.ledger.FailNext(1)
	h.clock.Advance(time.Hour)
	require.NoError(t, h.scheduler.CancelScheduledRelease(ctx, h.booking.ID))

	h.clock.Advance(time.Minute)
	h.worker.RunOnce(ctx)

	assert.Zero(t, h.ledger.Count(models.InstructionRelease))
	rec := h.record(t)
	assert.Equal(t, models.EscrowHeld, rec.State)
	assert.True(t, rec.Frozen())
	assert.True(t, rec.NeedsAttention, "the failed attempt needs a ledger check")
	assert.Contains(t, rec.LastError, "withdrawn")

	var status string
	require.NoError(t, h.db.QueryRow(`SELECT status FROM ledger_instructions WHERE booking_id = ? AND kind = 'release'`, h.booking.ID).Scan(&status))
	assert.Equal(t, models.InstructionCancelled, status)

	require.NoError(t, h.scheduler.Refund(ctx, h.booking.ID))
	rec = h.record(t)
	assert.Equal(t, models.EscrowRefunded, rec.State)
	assert.False(t, rec.NeedsAttention)
	assert.Equal(t, 1, h.ledger.Count(models.InstructionRefund))
}

func TestRefund_SupersedesUnsentReleaseOfFrozenEscrow(t *testing.T) {
	h := newHarness(t, worker.RetryPolicy{})
	ctx := context.Background()
	h.hold(t)
	require.NoError(t, h.scheduler.ScheduleRelease(ctx, h.booking.ID, start.Add(time.Hour)))

	h.ledger.FailNext(1)
	h.clock.Advance(time.Hour)
	require.NoError(t, h.scheduler.CancelScheduledRelease(ctx, h.booking.ID))

	require.NoError(t, h.scheduler.Refund(ctx, h.booking.ID))
	assert.Equal(t, models.EscrowRefunded, h.record(t).State)

	h.clock.Advance(time.Hour)
	assert.Zero(t, h.worker.RunOnce(ctx))
	assert.Zero(t, h.ledger.Count(models.InstructionRelease))
	assert.Equal(t, 1, h.ledger.Count(models.InstructionRefund))
}

func TestLateReleaseAck_FlagsFrozenEscrow(t *testing.T) {
	h := newHarness(t, worker.RetryPolicy{})
	ctx := context.Background()
	h.hold(t)
	require.NoError(t, h.scheduler.ScheduleRelease(ctx, h.booking.ID, start.Add(time.Hour)))
	require.NoError(t, h.scheduler.CancelScheduledRelease(ctx, h.booking.ID))

	ack := "ACK-release-late"
	err := h.scheduler.OnAck(ctx, &models.LedgerInstruction{
		BookingID: h.booking.ID, Kind: models.InstructionRelease, Code: "TXN-LATE000001",
		Amount: h.booking.Total, Currency: "IDR", Ack: &ack,
	}, true)
	require.NoError(t, err)

	rec := h.record(t)
	assert.Equal(t, models.EscrowHeld, rec.State)
	assert.True(t, rec.NeedsAttention)
	assert.Contains(t, rec.LastError, "TXN-LATE000001")
	assert.NotContains(t, h.eventTypes(), events.EventEscrowReleased)
}

func TestManualInterventionAfterRetries(t *testing.T) {
	h := newHarness(t, worker.RetryPolicy{MaxRetries: 2, InitialDelay: time.Second})
	ctx := context.Background()
	h.hold(t)
	h.ledger.FailNext(10)

	require.NoError(t, h.scheduler.Refund(ctx, h.booking.ID), "first failure is retried in the background")
	h.clock.Advance(time.Minute)
	h.worker.RunOnce(ctx)

	rec := h.record(t)
	assert.True(t, rec.NeedsAttention)
	assert.Contains(t, rec.LastError, "refund")
	assert.Equal(t, models.EscrowHeld, rec.State, "escrow state does not regress")
	assert.Contains(t, h.eventTypes(), events.EventEscrowManualIntervention)

	err := h.scheduler.Refund(ctx, h.booking.ID)
	assert.NoError(t, err, "the refund instruction already exists")

	failed, err := h.db.GetFailedLedgerInstructions(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	h.ledger.FailNext(0)
	require.NoError(t, h.worker.Requeue(ctx, failed[0].ID))
	h.worker.RunOnce(ctx)

	rec = h.record(t)
	assert.Equal(t, models.EscrowRefunded, rec.State)
	assert.False(t, rec.NeedsAttention)
}

func TestRunStopsAndDisarms(t *testing.T) {
	h := newHarness(t, worker.RetryPolicy{})
	ctx, cancel := context.WithCancel(context.Background())
	h.hold(t)
	require.NoError(t, h.scheduler.ScheduleRelease(ctx, h.booking.ID, start.Add(time.Hour)))

	done := make(chan struct{})
	go func() {
		h.scheduler.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.Zero(t, h.scheduler.Armed())
	rec := h.record(t)
	assert.Equal(t, models.EscrowReleaseScheduled, rec.State)
}

func seedBooking(t *testing.T, db *database.DB) *models.Booking {
	t.Helper()
	ctx := context.Background()

	partner := &models.Partner{Name: "Partner", HourlyRate: 500000, Active: true}
	require.NoError(t, db.UpsertPartner(ctx, partner))

	now := start.Add(-24 * time.Hour)
	slot, err := db.HoldSlot(ctx, database.SlotHoldRequest{
		PartnerID: partner.ID, Date: "2026-01-20", StartTime: "14:00", EndTime: "17:00",
		Token: "tok", ExpiresAt: now.Add(30 * time.Minute), Now: now,
	})
	require.NoError(t, err)

	b := &models.Booking{
		Code: "BK-ESCROW01", RequesterID: partner.ID + 100, PartnerID: partner.ID, ServiceType: "companion",
		Date: slot.Date, StartTime: slot.StartTime, EndTime: slot.EndTime, SlotID: slot.ID, HoldToken: slot.HoldToken,
		HourlyRate: 500000, RequestedHours: 3, ActualHours: 3, Subtotal: 1500000, Fee: 225000, Total: 1725000, Currency: "IDR",
	}
	require.NoError(t, db.CreateBooking(ctx, b))
	return b
}
