package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pairly/internal/clock"
	"pairly/internal/codes"
	"pairly/internal/database"
	"pairly/internal/domain"
	"pairly/internal/metrics"
	"pairly/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrAlreadySubmitted is returned with the existing instruction when the
// booking already has one of the same kind group.
var ErrAlreadySubmitted = errors.New("ledger instruction already submitted")

// ErrObsolete is returned by Handler.Admit for an instruction that must
// not reach the ledger anymore. The worker cancels it.
var ErrObsolete = errors.New("ledger instruction obsolete")

const deadLetterKey = "escrow:deadletter"

// InstructionStore is the durable queue behind the worker.
type InstructionStore interface {
	CreateLedgerInstruction(ctx context.Context, instr *models.LedgerInstruction) error
	FindLedgerInstruction(ctx context.Context, bookingID int64, kinds ...models.InstructionKind) (*models.LedgerInstruction, error)
	GetLedgerInstruction(ctx context.Context, id int64) (*models.LedgerInstruction, error)
	ClaimLedgerInstruction(ctx context.Context, id int64, now time.Time) (bool, error)
	UpdateLedgerInstructionStatus(ctx context.Context, id int64, status, errMsg, ack string, nextRetryAt *time.Time, now time.Time) error
	GetDueLedgerInstructions(ctx context.Context, now time.Time, limit int) ([]*models.LedgerInstruction, error)
	RequeueStaleInstructions(ctx context.Context, olderThan time.Time) (int64, error)
	ResetLedgerInstruction(ctx context.Context, id int64) error
	CancelLedgerInstruction(ctx context.Context, id int64, reason string, now time.Time) (bool, error)
}

// Handler applies instruction outcomes to escrow state. Admit runs before
// every ledger call. Deferred is true when the ack arrived from the
// background loop rather than the inline attempt.
type Handler interface {
	Admit(ctx context.Context, instr *models.LedgerInstruction) error
	OnAck(ctx context.Context, instr *models.LedgerInstruction, deferred bool) error
	OnFailure(ctx context.Context, instr *models.LedgerInstruction, cause error)
}

// InstructionWorker sends ledger instructions. Each instruction is stored
// with a TXN code before the ledger is called; the code doubles as the
// ledger idempotency key, so a retry after an unknown outcome is safe.
type InstructionWorker struct {
	store        InstructionStore
	ledger       domain.Ledger
	handler      Handler
	redis        *redis.Client
	clock        clock.Clock
	retryPolicy  RetryPolicy
	pollInterval time.Duration
	staleAfter   time.Duration
	batchSize    int
	logger       *zerolog.Logger
}

func NewInstructionWorker(store InstructionStore, ledger domain.Ledger, redisClient *redis.Client, clk clock.Clock, retry RetryPolicy, pollInterval time.Duration, logger *zerolog.Logger) *InstructionWorker {
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = 1 * time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &InstructionWorker{
		store:        store,
		ledger:       ledger,
		redis:        redisClient,
		clock:        clk,
		retryPolicy:  retry,
		pollInterval: pollInterval,
		staleAfter:   5 * time.Minute,
		batchSize:    20,
		logger:       logger,
	}
}

// SetHandler wires the component that owns escrow state. It must be called
// before Submit or Start.
func (w *InstructionWorker) SetHandler(h Handler) {
	w.handler = h
}

func kindGroup(kind models.InstructionKind) []models.InstructionKind {
	if kind == models.InstructionHold {
		return []models.InstructionKind{models.InstructionHold}
	}
	return []models.InstructionKind{models.InstructionRelease, models.InstructionRefund}
}

// Submit persists an instruction and makes one inline attempt. The
// returned instruction reflects that attempt: completed, retry or failed.
func (w *InstructionWorker) Submit(ctx context.Context, bookingID int64, kind models.InstructionKind, amount int64, currency string) (*models.LedgerInstruction, error) {
	var instr *models.LedgerInstruction
	for attempt := 0; attempt < 3; attempt++ {
		code, err := codes.Transaction()
		if err != nil {
			return nil, err
		}
		instr = &models.LedgerInstruction{
			Code:      code,
			BookingID: bookingID,
			Kind:      kind,
			Amount:    amount,
			Currency:  currency,
			Status:    models.InstructionInFlight,
			CreatedAt: w.clock.Now(),
		}
		err = w.store.CreateLedgerInstruction(ctx, instr)
		if err == nil {
			break
		}
		if !errors.Is(err, database.ErrDuplicate) {
			return nil, fmt.Errorf("persist %s instruction: %w", kind, err)
		}

		existing, findErr := w.store.FindLedgerInstruction(ctx, bookingID, kindGroup(kind)...)
		if findErr == nil {
			return existing, fmt.Errorf("booking %d already has %s instruction %s: %w", bookingID, existing.Kind, existing.Code, ErrAlreadySubmitted)
		}
		if !errors.Is(findErr, database.ErrNotFound) {
			return nil, fmt.Errorf("find %s instruction: %w", kind, findErr)
		}
		// TXN code collision; draw another.
		instr = nil
	}
	if instr == nil {
		return nil, fmt.Errorf("could not allocate a unique transaction code for booking %d", bookingID)
	}

	w.logger.Info().Int64("booking_id", bookingID).Str("kind", string(kind)).Str("txn_code", instr.Code).
		Int64("amount", amount).Msg("ledger instruction submitted")

	w.process(ctx, instr, false)
	return instr, nil
}

// Requeue gives a failed instruction a fresh retry budget.
func (w *InstructionWorker) Requeue(ctx context.Context, id int64) error {
	if err := w.store.ResetLedgerInstruction(ctx, id); err != nil {
		return err
	}
	w.logger.Info().Int64("instruction_id", id).Msg("ledger instruction requeued")
	return nil
}

// Cancel withdraws an instruction that is not in flight. It reports false
// when the worker holds it or it already finished.
func (w *InstructionWorker) Cancel(ctx context.Context, id int64, reason string) (bool, error) {
	cancelled, err := w.store.CancelLedgerInstruction(ctx, id, reason, w.clock.Now())
	if err != nil {
		return false, err
	}
	if cancelled {
		w.logger.Info().Int64("instruction_id", id).Str("reason", reason).Msg("ledger instruction cancelled")
	}
	return cancelled, nil
}

// Start polls due instructions until ctx is done.
func (w *InstructionWorker) Start(ctx context.Context) {
	w.logger.Info().Dur("poll_interval", w.pollInterval).Msg("instruction worker started")
	defer w.logger.Info().Msg("instruction worker stopped")

	for {
		n := w.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(w.pollInterval):
		}
	}
}

// RunOnce requeues abandoned instructions and processes one batch of due
// ones. It returns how many it processed.
func (w *InstructionWorker) RunOnce(ctx context.Context) int {
	now := w.clock.Now()
	if n, err := w.store.RequeueStaleInstructions(ctx, now.Add(-w.staleAfter)); err != nil {
		w.logger.Error().Err(err).Msg("requeue stale instructions")
	} else if n > 0 {
		w.logger.Warn().Int64("count", n).Msg("requeued abandoned in-flight instructions")
	}

	due, err := w.store.GetDueLedgerInstructions(ctx, now, w.batchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("fetch due instructions")
		return 0
	}

	processed := 0
	for _, instr := range due {
		if ctx.Err() != nil {
			break
		}
		claimed, err := w.store.ClaimLedgerInstruction(ctx, instr.ID, w.clock.Now())
		if err != nil {
			w.logger.Error().Err(err).Int64("instruction_id", instr.ID).Msg("claim instruction")
			continue
		}
		if !claimed {
			continue
		}
		w.process(ctx, instr, true)
		processed++
	}
	return processed
}

func (w *InstructionWorker) process(ctx context.Context, instr *models.LedgerInstruction, deferred bool) {
	if w.handler != nil {
		if err := w.handler.Admit(ctx, instr); err != nil {
			if errors.Is(err, ErrObsolete) {
				w.cancel(ctx, instr, err)
				return
			}
			w.retryOrFail(ctx, instr, err)
			return
		}
	}

	ack, err := w.call(ctx, instr)
	if err != nil {
		w.retryOrFail(ctx, instr, err)
		return
	}

	if err := w.store.UpdateLedgerInstructionStatus(ctx, instr.ID, models.InstructionCompleted, "", ack, nil, w.clock.Now()); err != nil {
		w.logger.Error().Err(err).Int64("instruction_id", instr.ID).Msg("mark instruction completed")
	}
	instr.Status = models.InstructionCompleted
	instr.Ack = &ack
	instr.NextRetryAt = nil
	metrics.IncLedgerInstruction(string(instr.Kind), "ok")

	if w.handler != nil {
		if err := w.handler.OnAck(ctx, instr, deferred); err != nil {
			w.logger.Error().Err(err).Int64("booking_id", instr.BookingID).Str("txn_code", instr.Code).
				Msg("apply ledger ack")
		}
	}
}

func (w *InstructionWorker) cancel(ctx context.Context, instr *models.LedgerInstruction, cause error) {
	msg := cause.Error()
	if err := w.store.UpdateLedgerInstructionStatus(ctx, instr.ID, models.InstructionCancelled, msg, "", nil, w.clock.Now()); err != nil {
		w.logger.Error().Err(err).Int64("instruction_id", instr.ID).Msg("mark instruction cancelled")
	}
	instr.Status = models.InstructionCancelled
	instr.LastError = &msg
	instr.NextRetryAt = nil
	metrics.IncLedgerInstruction(string(instr.Kind), "cancelled")

	w.logger.Warn().Int64("booking_id", instr.BookingID).Str("kind", string(instr.Kind)).
		Str("txn_code", instr.Code).Str("reason", msg).Msg("ledger instruction dropped before sending")
}

func (w *InstructionWorker) call(ctx context.Context, instr *models.LedgerInstruction) (string, error) {
	switch instr.Kind {
	case models.InstructionHold:
		return w.ledger.Hold(ctx, instr.Amount, instr.Currency, instr.Code)
	case models.InstructionRelease:
		return w.ledger.Release(ctx, instr.Amount, instr.Currency, instr.Code)
	case models.InstructionRefund:
		return w.ledger.Refund(ctx, instr.Amount, instr.Currency, instr.Code)
	default:
		return "", fmt.Errorf("unknown instruction kind: %s", instr.Kind)
	}
}

func (w *InstructionWorker) retryOrFail(ctx context.Context, instr *models.LedgerInstruction, cause error) {
	msg := cause.Error()
	instr.LastError = &msg

	attempt := instr.RetryCount + 1
	if attempt >= w.retryPolicy.MaxRetries {
		if err := w.store.UpdateLedgerInstructionStatus(ctx, instr.ID, models.InstructionFailed, msg, "", nil, w.clock.Now()); err != nil {
			w.logger.Error().Err(err).Int64("instruction_id", instr.ID).Msg("mark instruction failed")
		}
		instr.Status = models.InstructionFailed
		instr.NextRetryAt = nil
		metrics.IncLedgerInstruction(string(instr.Kind), "failed")

		w.logger.Error().Err(cause).Bool("alert", true).Int64("booking_id", instr.BookingID).
			Str("kind", string(instr.Kind)).Str("txn_code", instr.Code).Int("attempt", attempt).
			Msg("ledger instruction exhausted retries")

		if w.handler != nil {
			w.handler.OnFailure(ctx, instr, cause)
		}
		w.pushDeadLetter(ctx, instr)
		return
	}

	nextTime := w.clock.Now().Add(w.retryPolicy.NextDelay(attempt))
	if err := w.store.UpdateLedgerInstructionStatus(ctx, instr.ID, models.InstructionRetry, msg, "", &nextTime, w.clock.Now()); err != nil {
		w.logger.Error().Err(err).Int64("instruction_id", instr.ID).Msg("mark instruction retry")
	}
	instr.Status = models.InstructionRetry
	instr.RetryCount = attempt
	instr.NextRetryAt = &nextTime
	metrics.IncLedgerInstruction(string(instr.Kind), "retry")

	w.logger.Warn().Err(cause).Int64("booking_id", instr.BookingID).Str("kind", string(instr.Kind)).
		Str("txn_code", instr.Code).Int("attempt", attempt).Time("next_retry_at", nextTime).
		Msg("ledger instruction will be retried")
}

func (w *InstructionWorker) pushDeadLetter(ctx context.Context, instr *models.LedgerInstruction) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(instr)
	if err != nil {
		w.logger.Error().Err(err).Int64("instruction_id", instr.ID).Msg("encode deadletter")
		return
	}
	if err := w.redis.LPush(context.WithoutCancel(ctx), deadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("instruction_id", instr.ID).Msg("deadletter push")
	}
}
