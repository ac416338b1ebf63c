package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pairly/internal/models"
)

const instructionColumns = `id, code, booking_id, kind, amount, currency, status, retry_count,
	last_error, ack, created_at, processed_at, next_retry_at`

// CreateLedgerInstruction persists an instruction before it is sent. The
// partial unique indexes reject a second hold, or a second settlement, for
// the same booking with ErrDuplicate.
func (db *DB) CreateLedgerInstruction(ctx context.Context, instr *models.LedgerInstruction) error {
	now := time.Now().UTC()
	if !instr.CreatedAt.IsZero() {
		now = utc(instr.CreatedAt)
	}
	if instr.Status == "" {
		instr.Status = models.InstructionPending
	}

	var claimedAt any
	if instr.Status == models.InstructionInFlight {
		claimedAt = now
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO ledger_instructions (code, booking_id, kind, amount, currency, status, retry_count, created_at, claimed_at, next_retry_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instr.Code, instr.BookingID, instr.Kind, instr.Amount, instr.Currency,
		instr.Status, instr.RetryCount, now, claimedAt, nullTime(instr.NextRetryAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s instruction for booking %d: %w", instr.Kind, instr.BookingID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create ledger instruction: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	instr.ID = id
	instr.CreatedAt = now
	return nil
}

func (db *DB) GetLedgerInstruction(ctx context.Context, id int64) (*models.LedgerInstruction, error) {
	row := db.QueryRowContext(ctx, `SELECT `+instructionColumns+` FROM ledger_instructions WHERE id = ?`, id)
	instr, err := scanInstruction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger instruction %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger instruction: %w", err)
	}
	return instr, nil
}

// FindLedgerInstruction returns the live instruction of a booking with one
// of the given kinds. Cancelled instructions are skipped.
func (db *DB) FindLedgerInstruction(ctx context.Context, bookingID int64, kinds ...models.InstructionKind) (*models.LedgerInstruction, error) {
	if len(kinds) == 0 {
		return nil, fmt.Errorf("at least one instruction kind is required")
	}
	args := []any{bookingID, models.InstructionCancelled}
	for _, k := range kinds {
		args = append(args, k)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(kinds)), ", ")

	row := db.QueryRowContext(ctx, `
		SELECT `+instructionColumns+` FROM ledger_instructions
		WHERE booking_id = ? AND status <> ? AND kind IN (`+placeholders+`)
		ORDER BY id LIMIT 1`, args...)
	instr, err := scanInstruction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%v instruction for booking %d: %w", kinds, bookingID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find ledger instruction: %w", err)
	}
	return instr, nil
}

// ClaimLedgerInstruction moves a due instruction to in_flight. It reports
// false when another worker got there first.
func (db *DB) ClaimLedgerInstruction(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE ledger_instructions SET status = ?, claimed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.InstructionInFlight, utc(now), id, models.InstructionPending, models.InstructionRetry)
	if err != nil {
		return false, fmt.Errorf("failed to claim ledger instruction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func (db *DB) UpdateLedgerInstructionStatus(ctx context.Context, id int64, status, errMsg, ack string, nextRetryAt *time.Time, now time.Time) error {
	var query string
	var args []interface{}
	at := utc(now)

	switch status {
	case models.InstructionRetry:
		query = `UPDATE ledger_instructions SET status = ?, last_error = ?, next_retry_at = ?, claimed_at = NULL, retry_count = retry_count + 1 WHERE id = ?`
		args = []interface{}{status, nullString(errMsg), nullTime(nextRetryAt), id}
	case models.InstructionCompleted, models.InstructionFailed, models.InstructionCancelled:
		query = `UPDATE ledger_instructions SET status = ?, last_error = ?, ack = ?, next_retry_at = NULL, claimed_at = NULL, processed_at = ? WHERE id = ?`
		args = []interface{}{status, nullString(errMsg), nullString(ack), at, id}
	default:
		query = `UPDATE ledger_instructions SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
		args = []interface{}{status, nullString(errMsg), nullTime(nextRetryAt), id}
	}

	_, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update ledger instruction status: %w", err)
	}
	return nil
}

// GetDueLedgerInstructions returns pending and retry instructions whose
// backoff has elapsed, oldest first.
func (db *DB) GetDueLedgerInstructions(ctx context.Context, now time.Time, limit int) ([]*models.LedgerInstruction, error) {
	return db.queryInstructions(ctx, `
		SELECT `+instructionColumns+` FROM ledger_instructions
		WHERE status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at ASC, id LIMIT ?`,
		models.InstructionPending, models.InstructionRetry, utc(now), limit)
}

func (db *DB) GetFailedLedgerInstructions(ctx context.Context) ([]*models.LedgerInstruction, error) {
	return db.queryInstructions(ctx, `
		SELECT `+instructionColumns+` FROM ledger_instructions
		WHERE status = ? ORDER BY created_at DESC, id DESC`, models.InstructionFailed)
}

// RequeueStaleInstructions returns in_flight instructions claimed before
// olderThan to the retry queue. A process that died mid-call leaves these.
func (db *DB) RequeueStaleInstructions(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE ledger_instructions SET status = ?, claimed_at = NULL, next_retry_at = NULL
		WHERE status = ? AND claimed_at < ?`,
		models.InstructionRetry, models.InstructionInFlight, utc(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale instructions: %w", err)
	}
	return res.RowsAffected()
}

// ResetLedgerInstruction puts a failed instruction back in the queue with
// a fresh retry budget.
func (db *DB) ResetLedgerInstruction(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx, `
		UPDATE ledger_instructions SET status = ?, retry_count = 0, next_retry_at = NULL, processed_at = NULL
		WHERE id = ? AND status = ?`,
		models.InstructionPending, id, models.InstructionFailed)
	if err != nil {
		return fmt.Errorf("failed to reset ledger instruction: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("ledger instruction %d is not failed: %w", id, ErrConcurrentModification)
	}
	return nil
}

// CancelLedgerInstruction withdraws an instruction no worker holds. It
// reports false when the instruction is in flight or already finished.
func (db *DB) CancelLedgerInstruction(ctx context.Context, id int64, reason string, now time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE ledger_instructions SET status = ?, last_error = ?, next_retry_at = NULL, claimed_at = NULL, processed_at = ?
		WHERE id = ? AND status IN (?, ?, ?)`,
		models.InstructionCancelled, reason, utc(now), id,
		models.InstructionPending, models.InstructionRetry, models.InstructionFailed)
	if err != nil {
		return false, fmt.Errorf("failed to cancel ledger instruction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func (db *DB) queryInstructions(ctx context.Context, query string, args ...any) ([]*models.LedgerInstruction, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger instructions: %w", err)
	}
	defer rows.Close()

	var instructions []*models.LedgerInstruction
	for rows.Next() {
		instr, err := scanInstruction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger instruction: %w", err)
		}
		instructions = append(instructions, instr)
	}
	return instructions, rows.Err()
}

func scanInstruction(s scanner) (*models.LedgerInstruction, error) {
	var (
		instr       models.LedgerInstruction
		lastError   sql.NullString
		ack         sql.NullString
		processedAt sql.NullTime
		nextRetryAt sql.NullTime
	)
	err := s.Scan(&instr.ID, &instr.Code, &instr.BookingID, &instr.Kind, &instr.Amount, &instr.Currency,
		&instr.Status, &instr.RetryCount, &lastError, &ack, &instr.CreatedAt, &processedAt, &nextRetryAt)
	if err != nil {
		return nil, err
	}
	instr.LastError = stringPtr(lastError)
	instr.Ack = stringPtr(ack)
	instr.CreatedAt = utc(instr.CreatedAt)
	instr.ProcessedAt = timePtr(processedAt)
	instr.NextRetryAt = timePtr(nextRetryAt)
	return &instr, nil
}
