// Package escrow holds, releases and refunds booking funds through the
// ledger and keeps the delayed release schedule durable across restarts.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pairly/internal/clock"
	"pairly/internal/database"
	"pairly/internal/domain"
	"pairly/internal/events"
	"pairly/internal/metrics"
	"pairly/internal/models"
	"pairly/internal/worker"

	"github.com/rs/zerolog"
)

// Store is the escrow persistence. Every state change is a conditional
// update reporting whether it applied.
type Store interface {
	EnsureEscrowRecord(ctx context.Context, bookingID, amount int64, currency string, now time.Time) (*models.EscrowRecord, error)
	GetEscrowRecord(ctx context.Context, bookingID int64) (*models.EscrowRecord, error)
	MarkEscrowHeld(ctx context.Context, bookingID int64, txn, ack string, now time.Time) (bool, error)
	ScheduleEscrowRelease(ctx context.Context, bookingID int64, releaseAt, now time.Time) (bool, error)
	FreezeEscrow(ctx context.Context, bookingID int64, now time.Time) (bool, error)
	ForceEscrowRelease(ctx context.Context, bookingID int64, now time.Time) (bool, error)
	MarkEscrowReleased(ctx context.Context, bookingID int64, txn, ack string, now time.Time) (bool, error)
	MarkEscrowRefunded(ctx context.Context, bookingID int64, txn, ack string, now time.Time) (bool, error)
	RequestEscrowRefund(ctx context.Context, bookingID int64, now time.Time) (bool, error)
	FlagEscrowAttention(ctx context.Context, bookingID int64, reason string, now time.Time) (bool, error)
	ListScheduledReleases(ctx context.Context) ([]*models.EscrowRecord, error)
	ListEscrowNeedingAttention(ctx context.Context) ([]*models.EscrowRecord, error)
}

// Instructions sends ledger instructions and reports their outcome back
// through the handler.
type Instructions interface {
	Submit(ctx context.Context, bookingID int64, kind models.InstructionKind, amount int64, currency string) (*models.LedgerInstruction, error)
	Cancel(ctx context.Context, id int64, reason string) (bool, error)
	SetHandler(h worker.Handler)
}

type armed struct {
	timer clock.Timer
	at    time.Time
}

// Scheduler implements domain.EscrowScheduler. Release timers live in
// memory but the deadline lives on the record; Recover rebuilds the
// timers from the store.
type Scheduler struct {
	store         Store
	instructions  Instructions
	publisher     domain.EventPublisher
	clock         clock.Clock
	sweepInterval time.Duration
	logger        *zerolog.Logger

	mu     sync.Mutex
	timers map[int64]*armed
}

func NewScheduler(store Store, instructions Instructions, publisher domain.EventPublisher, clk clock.Clock, sweepInterval time.Duration, logger *zerolog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	s := &Scheduler{
		store:         store,
		instructions:  instructions,
		publisher:     publisher,
		clock:         clk,
		sweepInterval: sweepInterval,
		logger:        logger,
		timers:        make(map[int64]*armed),
	}
	instructions.SetHandler(s)
	return s
}

var (
	_ domain.EscrowScheduler = (*Scheduler)(nil)
	_ worker.Handler         = (*Scheduler)(nil)
)

func (s *Scheduler) Get(ctx context.Context, bookingID int64) (*models.EscrowRecord, error) {
	rec, err := s.store.GetEscrowRecord(ctx, bookingID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, domain.Reject(domain.ErrNotFound, "no escrow for booking %d", bookingID)
	}
	return rec, err
}

// Hold earmarks amount for the booking. It succeeds only once the ledger
// acknowledged the hold; otherwise the instruction keeps retrying in the
// background and SETTLEMENT_PENDING is returned with the record.
func (s *Scheduler) Hold(ctx context.Context, bookingID, amount int64, currency string) (*models.EscrowRecord, error) {
	rec, err := s.store.EnsureEscrowRecord(ctx, bookingID, amount, currency, s.clock.Now())
	if err != nil {
		return nil, err
	}
	switch rec.State {
	case models.EscrowHeld, models.EscrowReleaseScheduled:
		return rec, nil
	case models.EscrowReleased, models.EscrowRefunded:
		return rec, domain.Reject(domain.ErrInvalidStatus, "escrow for booking %d already %s", bookingID, rec.State)
	}

	instr, err := s.instructions.Submit(ctx, bookingID, models.InstructionHold, rec.Amount, rec.Currency)
	if err != nil && !errors.Is(err, worker.ErrAlreadySubmitted) {
		return rec, err
	}

	rec, err = s.store.GetEscrowRecord(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if rec.State == models.EscrowHeld {
		return rec, nil
	}
	return rec, domain.Reject(domain.ErrSettlementPending, "hold %s for booking %d is %s", instr.Code, bookingID, instr.Status)
}

// ScheduleRelease persists the release deadline and arms a timer for it.
func (s *Scheduler) ScheduleRelease(ctx context.Context, bookingID int64, at time.Time) error {
	changed, err := s.store.ScheduleEscrowRelease(ctx, bookingID, at, s.clock.Now())
	if err != nil {
		return err
	}
	if !changed {
		rec, err := s.Get(ctx, bookingID)
		if err != nil {
			return err
		}
		if rec.State != models.EscrowReleaseScheduled || rec.ReleaseAt == nil {
			return domain.Reject(domain.ErrInvalidStatus, "cannot schedule release of %s escrow for booking %d", rec.State, bookingID)
		}
		at = *rec.ReleaseAt
	}

	s.logger.Info().Int64("booking_id", bookingID).Time("release_at", at).Msg("escrow release scheduled")
	s.arm(bookingID, at)
	return nil
}

// CancelScheduledRelease freezes the release of a disputed booking. The
// funds stay held until an operator releases or refunds them.
func (s *Scheduler) CancelScheduledRelease(ctx context.Context, bookingID int64) error {
	s.disarm(bookingID)

	changed, err := s.store.FreezeEscrow(ctx, bookingID, s.clock.Now())
	if err != nil {
		return err
	}
	if changed {
		s.logger.Info().Int64("booking_id", bookingID).Msg("escrow release frozen")
		return nil
	}

	rec, err := s.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	switch {
	case rec.Frozen():
		return nil
	case rec.State == models.EscrowReleased:
		return domain.Reject(domain.ErrInvalidStatus, "escrow for booking %d already released", bookingID)
	case rec.State == models.EscrowRefunded:
		return nil
	default:
		return domain.Reject(domain.ErrSettlementPending, "escrow for booking %d is %s", bookingID, rec.State)
	}
}

// Refund returns held funds to the requester. A booking without escrow has
// nothing to refund. A refund owed on a hold that has not landed yet is
// recorded and issued when the hold is acknowledged.
func (s *Scheduler) Refund(ctx context.Context, bookingID int64) error {
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := s.store.GetEscrowRecord(ctx, bookingID)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		switch rec.State {
		case models.EscrowRefunded:
			return nil
		case models.EscrowReleased:
			return domain.Reject(domain.ErrRefundAfterRelease, "escrow for booking %d was released", bookingID)
		case models.EscrowNone:
			requested, err := s.store.RequestEscrowRefund(ctx, bookingID, s.clock.Now())
			if err != nil {
				return err
			}
			if requested {
				s.logger.Info().Int64("booking_id", bookingID).Msg("refund deferred until hold lands")
				return nil
			}
			// The hold landed meanwhile; refund it.
			continue
		default:
			return s.submitRefund(ctx, rec)
		}
	}
	return domain.Reject(domain.ErrConcurrentUpdate, "escrow for booking %d changed during refund", bookingID)
}

func (s *Scheduler) submitRefund(ctx context.Context, rec *models.EscrowRecord) error {
	s.disarm(rec.BookingID)

	for attempt := 0; attempt < 2; attempt++ {
		instr, err := s.instructions.Submit(ctx, rec.BookingID, models.InstructionRefund, rec.Amount, rec.Currency)
		if errors.Is(err, worker.ErrAlreadySubmitted) {
			if instr.Kind != models.InstructionRelease {
				return nil
			}
			if err := s.supersedeRelease(ctx, rec, instr); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if instr.Status == models.InstructionFailed {
			return domain.Reject(domain.ErrSettlementPending, "refund %s for booking %d needs manual intervention", instr.Code, rec.BookingID)
		}
		return nil
	}
	return domain.Reject(domain.ErrConcurrentUpdate, "settlement of booking %d changed during refund", rec.BookingID)
}

// supersedeRelease withdraws an unsent release of a frozen escrow so the
// refund can replace it. Any other issued release rules the refund out.
func (s *Scheduler) supersedeRelease(ctx context.Context, rec *models.EscrowRecord, release *models.LedgerInstruction) error {
	if !rec.Frozen() || release.Status == models.InstructionCompleted {
		return domain.Reject(domain.ErrRefundAfterRelease, "release %s already issued for booking %d", release.Code, rec.BookingID)
	}
	cancelled, err := s.instructions.Cancel(ctx, release.ID, "superseded by refund")
	if err != nil {
		return err
	}
	if !cancelled {
		return domain.Reject(domain.ErrSettlementPending, "release %s for booking %d is in flight", release.Code, rec.BookingID)
	}
	if release.RetryCount > 0 {
		s.flagUnsettledRelease(ctx, release)
	}
	s.logger.Info().Int64("booking_id", rec.BookingID).Str("txn_code", release.Code).Msg("unsent release superseded by refund")
	return nil
}

// flagUnsettledRelease marks an escrow whose withdrawn release had failed
// attempts; the ledger outcome of those attempts needs checking.
func (s *Scheduler) flagUnsettledRelease(ctx context.Context, release *models.LedgerInstruction) {
	reason := fmt.Sprintf("release %s withdrawn after %d failed attempts, verify with ledger", release.Code, release.RetryCount)
	if _, err := s.store.FlagEscrowAttention(ctx, release.BookingID, reason, s.clock.Now()); err != nil {
		s.logger.Error().Err(err).Int64("booking_id", release.BookingID).Msg("flag escrow for attention")
	}
	s.logger.Warn().Bool("alert", true).Int64("booking_id", release.BookingID).Str("txn_code", release.Code).
		Int("attempts", release.RetryCount).Msg("withdrawn release needs ledger check")
}

// ReleaseNow releases held funds immediately, lifting a dispute freeze.
// It is the operator path for disputed or flagged escrows. Until the
// ledger acknowledges the release it returns SETTLEMENT_PENDING.
func (s *Scheduler) ReleaseNow(ctx context.Context, bookingID int64) error {
	changed, err := s.store.ForceEscrowRelease(ctx, bookingID, s.clock.Now())
	if err != nil {
		return err
	}
	if !changed {
		rec, err := s.Get(ctx, bookingID)
		if err != nil {
			return err
		}
		switch rec.State {
		case models.EscrowReleased:
			return nil
		case models.EscrowRefunded:
			return domain.Reject(domain.ErrInvalidStatus, "escrow for booking %d was refunded", bookingID)
		default:
			return domain.Reject(domain.ErrSettlementPending, "hold for booking %d not acknowledged", bookingID)
		}
	}
	s.disarm(bookingID)

	instr, err := s.releaseDue(ctx, bookingID)
	if err != nil {
		return err
	}
	if instr != nil && instr.Kind == models.InstructionRefund {
		return domain.Reject(domain.ErrInvalidStatus, "refund %s already issued for booking %d", instr.Code, bookingID)
	}
	rec, err := s.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	if rec.State != models.EscrowReleased {
		status := "not sent"
		if instr != nil {
			status = instr.Status
		}
		return domain.Reject(domain.ErrSettlementPending, "release of booking %d is %s", bookingID, status)
	}
	return nil
}

// Recover re-arms every scheduled release and fires the overdue ones. It
// runs at start and on every sweep.
func (s *Scheduler) Recover(ctx context.Context) (armedCount, fired int, err error) {
	records, err := s.store.ListScheduledReleases(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list scheduled releases: %w", err)
	}

	now := s.clock.Now()
	for _, rec := range records {
		if rec.ReleaseAt == nil {
			continue
		}
		if !rec.ReleaseAt.After(now) {
			if _, err := s.releaseDue(ctx, rec.BookingID); err != nil {
				s.logger.Error().Err(err).Int64("booking_id", rec.BookingID).Msg("overdue release failed")
			}
			fired++
			continue
		}
		if s.armedAt(rec.BookingID, *rec.ReleaseAt) {
			continue
		}
		s.arm(rec.BookingID, *rec.ReleaseAt)
		armedCount++
	}

	attention, err := s.store.ListEscrowNeedingAttention(ctx)
	if err != nil {
		return armedCount, fired, fmt.Errorf("list escrow needing attention: %w", err)
	}
	if len(attention) > 0 {
		s.logger.Warn().Bool("alert", true).Int("count", len(attention)).Msg("escrow records need manual intervention")
	}

	if armedCount > 0 || fired > 0 {
		s.logger.Info().Int("armed", armedCount).Int("fired", fired).Msg("escrow recovery sweep")
	}
	return armedCount, fired, nil
}

// Run recovers immediately, then sweeps every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	if _, _, err := s.Recover(ctx); err != nil {
		s.logger.Error().Err(err).Msg("escrow recovery failed")
	}

	ticker := s.clock.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	defer s.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, _, err := s.Recover(ctx); err != nil {
				s.logger.Error().Err(err).Msg("escrow sweep failed")
			}
		}
	}
}

// Stop disarms all timers. Their deadlines stay in the store.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.timers {
		a.timer.Stop()
		delete(s.timers, id)
	}
	metrics.SetTimersArmed(0)
}

// Armed reports how many release timers are pending.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) armedAt(bookingID int64, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.timers[bookingID]
	return ok && a.at.Equal(at)
}

func (s *Scheduler) arm(bookingID int64, at time.Time) {
	d := at.Sub(s.clock.Now())
	if d <= 0 {
		s.disarm(bookingID)
		if _, err := s.releaseDue(context.Background(), bookingID); err != nil {
			s.logger.Error().Err(err).Int64("booking_id", bookingID).Msg("release failed")
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.timers[bookingID]; ok {
		prev.timer.Stop()
	}
	entry := &armed{at: at}
	entry.timer = s.clock.AfterFunc(d, func() { s.fire(bookingID, entry) })
	s.timers[bookingID] = entry
	metrics.SetTimersArmed(len(s.timers))
}

func (s *Scheduler) disarm(bookingID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.timers[bookingID]; ok {
		a.timer.Stop()
		delete(s.timers, bookingID)
		metrics.SetTimersArmed(len(s.timers))
	}
}

func (s *Scheduler) fire(bookingID int64, entry *armed) {
	s.mu.Lock()
	if s.timers[bookingID] == entry {
		delete(s.timers, bookingID)
		metrics.SetTimersArmed(len(s.timers))
	}
	s.mu.Unlock()

	if _, err := s.releaseDue(context.Background(), bookingID); err != nil {
		s.logger.Error().Err(err).Int64("booking_id", bookingID).Msg("release failed")
	}
}

// releaseDue issues the release of a record whose deadline passed and
// returns the settlement instruction of the booking, if any. The
// settlement unique index lets only the first caller create the release
// instruction, so racing timers and operators release once.
func (s *Scheduler) releaseDue(ctx context.Context, bookingID int64) (*models.LedgerInstruction, error) {
	rec, err := s.store.GetEscrowRecord(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if rec.State != models.EscrowReleaseScheduled || rec.Frozen() || rec.ReleaseAt == nil {
		s.logger.Debug().Int64("booking_id", bookingID).Str("state", string(rec.State)).Msg("release no longer due")
		return nil, nil
	}
	if rec.ReleaseAt.After(s.clock.Now()) {
		s.arm(bookingID, *rec.ReleaseAt)
		return nil, nil
	}

	instr, err := s.instructions.Submit(ctx, bookingID, models.InstructionRelease, rec.Amount, rec.Currency)
	if errors.Is(err, worker.ErrAlreadySubmitted) {
		s.logger.Debug().Int64("booking_id", bookingID).Str("txn_code", instr.Code).Msg("settlement already issued")
		return instr, nil
	}
	return instr, err
}

// Admit re-checks the escrow right before an instruction goes to the
// ledger. A hold needs a NONE record, a release an unfrozen
// RELEASE_SCHEDULED one, and a refund funds still in escrow.
func (s *Scheduler) Admit(ctx context.Context, instr *models.LedgerInstruction) error {
	rec, err := s.store.GetEscrowRecord(ctx, instr.BookingID)
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("no escrow for booking %d: %w", instr.BookingID, worker.ErrObsolete)
	}
	if err != nil {
		return err
	}

	var ok bool
	switch instr.Kind {
	case models.InstructionHold:
		ok = rec.State == models.EscrowNone
	case models.InstructionRelease:
		ok = rec.State == models.EscrowReleaseScheduled && !rec.Frozen()
	case models.InstructionRefund:
		ok = rec.State == models.EscrowHeld || rec.State == models.EscrowReleaseScheduled
	}
	if ok {
		return nil
	}

	if instr.Kind == models.InstructionRelease && instr.RetryCount > 0 && !rec.State.Closed() {
		s.flagUnsettledRelease(ctx, instr)
	}
	state := string(rec.State)
	if rec.Frozen() {
		state = "frozen " + state
	}
	return fmt.Errorf("%s %s for %s escrow of booking %d: %w", instr.Kind, instr.Code, state, instr.BookingID, worker.ErrObsolete)
}

// OnAck applies an acknowledged instruction to the escrow record.
func (s *Scheduler) OnAck(ctx context.Context, instr *models.LedgerInstruction, deferred bool) error {
	now := s.clock.Now()
	ack := ""
	if instr.Ack != nil {
		ack = *instr.Ack
	}

	var (
		changed bool
		err     error
		event   string
		state   models.EscrowState
	)
	switch instr.Kind {
	case models.InstructionHold:
		changed, err = s.store.MarkEscrowHeld(ctx, instr.BookingID, instr.Code, ack, now)
		event, state = events.EventEscrowHeld, models.EscrowHeld
	case models.InstructionRelease:
		changed, err = s.store.MarkEscrowReleased(ctx, instr.BookingID, instr.Code, ack, now)
		event, state = events.EventEscrowReleased, models.EscrowReleased
	case models.InstructionRefund:
		changed, err = s.store.MarkEscrowRefunded(ctx, instr.BookingID, instr.Code, ack, now)
		event, state = events.EventEscrowRefunded, models.EscrowRefunded
	default:
		return fmt.Errorf("unknown instruction kind: %s", instr.Kind)
	}
	if err != nil {
		return err
	}
	if !changed {
		if instr.Kind == models.InstructionRelease {
			return s.flagLateRelease(ctx, instr, now)
		}
		s.logger.Warn().Int64("booking_id", instr.BookingID).Str("kind", string(instr.Kind)).Str("txn_code", instr.Code).
			Msg("ledger ack did not match escrow state")
		return nil
	}
	if instr.Kind != models.InstructionHold {
		s.disarm(instr.BookingID)
	}

	s.logger.Info().Int64("booking_id", instr.BookingID).Str("kind", string(instr.Kind)).Str("txn_code", instr.Code).
		Bool("deferred", deferred).Msg("escrow updated")

	if instr.Kind == models.InstructionHold {
		rec, err := s.store.GetEscrowRecord(ctx, instr.BookingID)
		if err != nil {
			return err
		}
		if rec.RefundRequested {
			s.logger.Info().Int64("booking_id", instr.BookingID).Msg("refunding hold of a cancelled booking")
			return s.submitRefund(ctx, rec)
		}
	}

	s.publish(event, events.EscrowEventPayload{
		BookingID: instr.BookingID,
		Kind:      string(instr.Kind),
		Amount:    instr.Amount,
		Currency:  instr.Currency,
		State:     string(state),
		Txn:       instr.Code,
		Ack:       ack,
		Deferred:  deferred,
		At:        now,
	})
	return nil
}

// flagLateRelease handles a release the ledger confirmed after a dispute
// froze the escrow. The funds moved, so an operator must reconcile.
func (s *Scheduler) flagLateRelease(ctx context.Context, instr *models.LedgerInstruction, now time.Time) error {
	rec, err := s.store.GetEscrowRecord(ctx, instr.BookingID)
	if err != nil {
		return err
	}
	if rec.State == models.EscrowReleased {
		return nil
	}
	reason := fmt.Sprintf("release %s acknowledged while escrow %s", instr.Code, rec.State)
	if rec.Frozen() {
		reason += " (frozen)"
	}
	if _, err := s.store.FlagEscrowAttention(ctx, instr.BookingID, reason, now); err != nil {
		return err
	}
	metrics.IncManualIntervention(string(instr.Kind))
	s.logger.Error().Bool("alert", true).Int64("booking_id", instr.BookingID).Str("txn_code", instr.Code).
		Str("state", string(rec.State)).Msg("ledger released funds of an escrow no longer due")
	return nil
}

// OnFailure flags the record for an operator. The booking keeps its state.
func (s *Scheduler) OnFailure(ctx context.Context, instr *models.LedgerInstruction, cause error) {
	now := s.clock.Now()
	reason := fmt.Sprintf("%s %s failed: %v", instr.Kind, instr.Code, cause)
	if _, err := s.store.FlagEscrowAttention(ctx, instr.BookingID, reason, now); err != nil {
		s.logger.Error().Err(err).Int64("booking_id", instr.BookingID).Msg("flag escrow for attention")
	}
	metrics.IncManualIntervention(string(instr.Kind))

	s.publish(events.EventEscrowManualIntervention, events.EscrowEventPayload{
		BookingID: instr.BookingID,
		Kind:      string(instr.Kind),
		Amount:    instr.Amount,
		Currency:  instr.Currency,
		Txn:       instr.Code,
		Error:     cause.Error(),
		At:        now,
	})
}

func (s *Scheduler) publish(eventType string, payload events.EscrowEventPayload) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishJSON(eventType, payload); err != nil {
		s.logger.Error().Err(err).Str("event", eventType).Int64("booking_id", payload.BookingID).Msg("publish escrow event")
	}
}
