// Package slots owns partner availability and the exclusive, expiring
// holds that back a booking.
package slots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pairly/internal/clock"
	"pairly/internal/database"
	"pairly/internal/domain"
	"pairly/internal/events"
	"pairly/internal/metrics"
	"pairly/internal/models"
	"pairly/internal/repository"
	"pairly/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the persistence the registry needs.
type Store interface {
	CreateSlot(ctx context.Context, slot *models.AvailabilitySlot) error
	ListSlots(ctx context.Context, partnerID int64, date string) ([]*models.AvailabilitySlot, error)
	HoldSlot(ctx context.Context, req database.SlotHoldRequest) (*models.AvailabilitySlot, error)
	ConfirmSlot(ctx context.Context, token string, now time.Time) (*models.AvailabilitySlot, error)
	ReleaseSlotByToken(ctx context.Context, token string) (bool, error)
	ReleaseSlot(ctx context.Context, slotID int64) (bool, error)
	ExpireHolds(ctx context.Context, now time.Time) ([]*models.AvailabilitySlot, error)
}

type Options struct {
	GracePeriod   time.Duration
	SweepInterval time.Duration
	RequireWindow bool
	LockTTL       time.Duration
	Retry         worker.RetryPolicy
}

// Registry serialises holds per partner day through the coordinator lock
// and relies on the store transaction for the final overlap decision.
type Registry struct {
	store     Store
	locks     domain.Coordinator
	publisher domain.EventPublisher
	clock     clock.Clock
	opts      Options
	logger    *zerolog.Logger
}

func NewRegistry(store Store, locks domain.Coordinator, publisher domain.EventPublisher, clk clock.Clock, opts Options, logger *zerolog.Logger) *Registry {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 30 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Second
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = worker.RetryPolicy{MaxRetries: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond, BackoffFactor: 2}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Registry{
		store:     store,
		locks:     locks,
		publisher: publisher,
		clock:     clk,
		opts:      opts,
		logger:    logger,
	}
}

var _ domain.SlotRegistry = (*Registry)(nil)

func lockKey(partnerID int64, date string) string {
	return fmt.Sprintf("slot_lock:%d:%s", partnerID, date)
}

// ValidateRange checks a YYYY-MM-DD date and an HH:MM range with end > start.
func ValidateRange(date, start, end string) error {
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		return domain.Reject(domain.ErrInvalidRequest, "date %q is not YYYY-MM-DD", date)
	}
	s, err := time.Parse(models.ClockLayout, start)
	if err != nil {
		return domain.Reject(domain.ErrInvalidRequest, "start_time %q is not HH:MM", start)
	}
	e, err := time.Parse(models.ClockLayout, end)
	if err != nil {
		return domain.Reject(domain.ErrInvalidRequest, "end_time %q is not HH:MM", end)
	}
	if !e.After(s) {
		return domain.Reject(domain.ErrInvalidRequest, "end_time %s must be after start_time %s", end, start)
	}
	return nil
}

// TryHold claims [start, end) on date for the partner. Overlap with a live
// hold or a booked slot fails with SLOT_NOT_AVAILABLE.
func (r *Registry) TryHold(ctx context.Context, partnerID int64, date, start, end string) (*models.HoldToken, error) {
	if err := ValidateRange(date, start, end); err != nil {
		return nil, err
	}

	var held *models.AvailabilitySlot
	err := r.opts.Retry.Do(ctx, r.clock, transient, func(attempt int) error {
		slot, err := r.holdOnce(ctx, partnerID, date, start, end)
		if err != nil && transient(err) {
			r.logger.Warn().Err(err).Int("attempt", attempt).Int64("partner_id", partnerID).Str("date", date).Msg("slot hold attempt failed")
		}
		held = slot
		return err
	})

	switch {
	case errors.Is(err, database.ErrSlotTaken):
		metrics.IncSlotRejection("overlap")
		return nil, domain.Reject(domain.ErrSlotNotAvailable, "partner %d is not available on %s %s-%s", partnerID, date, start, end)
	case errors.Is(err, database.ErrOutsideWindow):
		metrics.IncSlotRejection("outside_window")
		return nil, domain.Reject(domain.ErrSlotNotAvailable, "partner %d declared no availability covering %s %s-%s", partnerID, date, start, end)
	case errors.Is(err, repository.ErrLockBusy):
		metrics.IncSlotRejection("lock_busy")
		return nil, fmt.Errorf("slot registry busy for partner %d on %s: %w", partnerID, date, err)
	case err != nil:
		return nil, fmt.Errorf("hold slot: %w", err)
	}

	r.logger.Debug().Int64("slot_id", held.ID).Int64("partner_id", partnerID).Str("date", date).
		Str("start", start).Str("end", end).Msg("slot held")

	return &models.HoldToken{SlotID: held.ID, Token: held.HoldToken, ExpiresAt: *held.HoldExpiresAt}, nil
}

func (r *Registry) holdOnce(ctx context.Context, partnerID int64, date, start, end string) (*models.AvailabilitySlot, error) {
	unlock, err := r.locks.Lock(ctx, lockKey(partnerID, date), r.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if uErr := unlock(context.WithoutCancel(ctx)); uErr != nil {
			r.logger.Warn().Err(uErr).Msg("failed to release slot lock")
		}
	}()

	now := r.clock.Now()
	return r.store.HoldSlot(ctx, database.SlotHoldRequest{
		PartnerID:     partnerID,
		Date:          date,
		StartTime:     start,
		EndTime:       end,
		Token:         uuid.NewString(),
		ExpiresAt:     now.Add(r.opts.GracePeriod),
		Now:           now,
		RequireWindow: r.opts.RequireWindow,
	})
}

// transient reports errors worth another attempt.
func transient(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, database.ErrSlotTaken),
		errors.Is(err, database.ErrOutsideWindow),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Confirm turns a live hold into BOOKED. Confirming twice is a no-op.
func (r *Registry) Confirm(ctx context.Context, token string) error {
	_, err := r.store.ConfirmSlot(ctx, token, r.clock.Now())
	if errors.Is(err, database.ErrHoldExpired) {
		return domain.Reject(domain.ErrHoldExpired, "slot hold expired, create a new booking")
	}
	if err != nil {
		return fmt.Errorf("confirm slot: %w", err)
	}
	return nil
}

// Release reopens the slot held or booked under token. Unknown tokens are
// ignored so cancellation can be retried.
func (r *Registry) Release(ctx context.Context, token string) error {
	released, err := r.store.ReleaseSlotByToken(ctx, token)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	if !released {
		r.logger.Debug().Msg("release for a token no longer holding a slot")
	}
	return nil
}

func (r *Registry) ReleaseSlot(ctx context.Context, slotID int64) error {
	if _, err := r.store.ReleaseSlot(ctx, slotID); err != nil {
		return fmt.Errorf("release slot %d: %w", slotID, err)
	}
	return nil
}

// DeclareWindow records a partner availability window.
func (r *Registry) DeclareWindow(ctx context.Context, partnerID int64, date, start, end, note string) (*models.AvailabilitySlot, error) {
	if err := ValidateRange(date, start, end); err != nil {
		return nil, err
	}
	slot := &models.AvailabilitySlot{PartnerID: partnerID, Date: date, StartTime: start, EndTime: end, Note: note}
	err := r.store.CreateSlot(ctx, slot)
	if errors.Is(err, database.ErrWindowOverlap) {
		return nil, domain.Reject(domain.ErrInvalidRequest, "window %s %s-%s overlaps an existing one", date, start, end)
	}
	if err != nil {
		return nil, fmt.Errorf("declare window: %w", err)
	}
	return slot, nil
}

func (r *Registry) ListSlots(ctx context.Context, partnerID int64, date string) ([]*models.AvailabilitySlot, error) {
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		return nil, domain.Reject(domain.ErrInvalidRequest, "date %q is not YYYY-MM-DD", date)
	}
	return r.store.ListSlots(ctx, partnerID, date)
}

// ExpireHolds reopens lapsed holds and announces each one.
func (r *Registry) ExpireHolds(ctx context.Context) (int, error) {
	now := r.clock.Now()
	expired, err := r.store.ExpireHolds(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("expire holds: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	metrics.AddHoldsExpired(len(expired))
	for _, slot := range expired {
		payload := events.SlotHoldExpiredPayload{
			SlotID:    slot.ID,
			PartnerID: slot.PartnerID,
			Date:      slot.Date,
			StartTime: slot.StartTime,
			EndTime:   slot.EndTime,
			HoldToken: slot.HoldToken,
			ExpiredAt: now,
		}
		if r.publisher != nil {
			if err := r.publisher.PublishJSON(events.EventSlotHoldExpired, payload); err != nil {
				r.logger.Error().Err(err).Int64("slot_id", slot.ID).Msg("failed to publish hold expiry")
			}
		}
	}
	r.logger.Info().Int("count", len(expired)).Msg("expired slot holds")
	return len(expired), nil
}

// Run sweeps expired holds until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.opts.SweepInterval).Msg("hold sweeper started")
	defer r.logger.Info().Msg("hold sweeper stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := r.ExpireHolds(ctx); err != nil {
				r.logger.Error().Err(err).Msg("hold sweep failed")
			}
		}
	}
}
