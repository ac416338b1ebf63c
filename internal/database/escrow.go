package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pairly/internal/models"
)

const escrowColumns = `booking_id, amount, currency, state, release_at, frozen_at, refund_requested,
	hold_txn, settle_txn, last_ack, last_error, needs_attention, created_at, updated_at, released_at, refunded_at`

const escrowColumnsAliased = `e.booking_id, e.amount, e.currency, e.state, e.release_at, e.frozen_at, e.refund_requested,
	e.hold_txn, e.settle_txn, e.last_ack, e.last_error, e.needs_attention, e.created_at, e.updated_at, e.released_at, e.refunded_at`

// EnsureEscrowRecord creates the NONE record of a booking if missing and
// returns the stored one. Amount and currency of an existing record win.
func (db *DB) EnsureEscrowRecord(ctx context.Context, bookingID, amount int64, currency string, now time.Time) (*models.EscrowRecord, error) {
	at := utc(now)
	_, err := db.ExecContext(ctx, `
		INSERT INTO escrow_records (booking_id, amount, currency, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(booking_id) DO NOTHING`,
		bookingID, amount, currency, models.EscrowNone, at, at)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure escrow record: %w", err)
	}
	return db.GetEscrowRecord(ctx, bookingID)
}

func (db *DB) GetEscrowRecord(ctx context.Context, bookingID int64) (*models.EscrowRecord, error) {
	row := db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_records WHERE booking_id = ?`, bookingID)
	var s escrowScan
	err := row.Scan(s.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("escrow for booking %d: %w", bookingID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow record: %w", err)
	}
	return s.record(), nil
}

// MarkEscrowHeld records the hold acknowledgement. NONE -> HELD.
func (db *DB) MarkEscrowHeld(ctx context.Context, bookingID int64, txn, ack string, now time.Time) (bool, error) {
	return db.updateEscrow(ctx, bookingID, now,
		`state = ?, hold_txn = ?, last_ack = ?, last_error = '', needs_attention = 0`,
		[]any{models.EscrowHeld, txn, ack},
		`state = ?`, models.EscrowNone)
}

// ScheduleEscrowRelease arms the release of unfrozen held funds.
func (db *DB) ScheduleEscrowRelease(ctx context.Context, bookingID int64, releaseAt, now time.Time) (bool, error) {
	return db.updateEscrow(ctx, bookingID, now,
		`state = ?, release_at = ?`,
		[]any{models.EscrowReleaseScheduled, utc(releaseAt)},
		`state = ? AND frozen_at IS NULL`, models.EscrowHeld)
}

// FreezeEscrow halts a pending release. The funds stay HELD until an admin
// releases or refunds them.
func (db *DB) FreezeEscrow(ctx context.Context, bookingID int64, now time.Time) (bool, error) {
	return db.updateEscrow(ctx, bookingID, now,
		`state = ?, release_at = NULL, frozen_at = ?`,
		[]any{models.EscrowHeld, utc(now)},
		`state IN (?, ?) AND frozen_at IS NULL`, models.EscrowHeld, models.EscrowReleaseScheduled)
}

// ForceEscrowRelease makes held funds due immediately, lifting any freeze.
func (db *DB) ForceEscrowRelease(ctx context.Context, bookingID int64, now time.Time) (bool, error) {
	return db.updateEscrow(ctx, bookingID, now,
		`state = ?, release_at = ?, frozen_at = NULL`,
		[]any{models.EscrowReleaseScheduled, utc(now)},
		`state IN (?, ?)`, models.EscrowHeld, models.EscrowReleaseScheduled)
}

// MarkEscrowReleased records a release acknowledgement. RELEASE_SCHEDULED
// -> RELEASED, and only while no dispute froze the escrow.
func (db *DB) MarkEscrowReleased(ctx context.Context, bookingID int64, txn, ack string, now time.Time) (bool, error) {
	return db.updateEscrow(ctx, bookingID, now,
		`state = ?, settle_txn = ?, last_ack = ?, released_at = ?, release_at = NULL, last_error = '', needs_attention = 0`,
		[]any{models.EscrowReleased, txn, ack, utc(now)},
		`state = ? AND frozen_at IS NULL`, models.EscrowReleaseScheduled)
}

func (db *DB) MarkEscrowRefunded(ctx context.Context, bookingID int64, txn, ack string, now time.Time) (bool, error) {
	return db.updateEscrow(ctx, bookingID, now,
		`state = ?, settle_txn = ?, last_ack = ?, refunded_at = ?, release_at = NULL, refund_requested = 0, last_error = '', needs_attention = 0`,
		[]any{models.EscrowRefunded, txn, ack, utc(now)},
		`state IN (?, ?)`, models.EscrowHeld, models.EscrowReleaseScheduled)
}

// RequestEscrowRefund marks a refund owed once a hold still in flight lands.
func (db *DB) RequestEscrowRefund(ctx context.Context, bookingID int64, now time.Time) (bool, error) {
	return db.updateEscrow(ctx, bookingID, now,
		`refund_requested = 1`, nil,
		`state = ?`, models.EscrowNone)
}

// FlagEscrowAttention marks a record for manual intervention.
func (db *DB) FlagEscrowAttention(ctx context.Context, bookingID int64, reason string, now time.Time) (bool, error) {
	return db.updateEscrow(ctx, bookingID, now,
		`needs_attention = 1, last_error = ?`, []any{reason},
		`1 = 1`)
}

func (db *DB) ClearEscrowAttention(ctx context.Context, bookingID int64, now time.Time) (bool, error) {
	return db.updateEscrow(ctx, bookingID, now,
		`needs_attention = 0, last_error = ''`, nil,
		`needs_attention = 1`)
}

// updateEscrow runs a conditional update and reports whether the
// condition matched.
func (db *DB) updateEscrow(ctx context.Context, bookingID int64, now time.Time, set string, setArgs []any, where string, whereArgs ...any) (bool, error) {
	query := `UPDATE escrow_records SET ` + set + `, updated_at = ? WHERE booking_id = ? AND ` + where
	args := make([]any, 0, len(setArgs)+len(whereArgs)+2)
	args = append(args, setArgs...)
	args = append(args, utc(now), bookingID)
	args = append(args, whereArgs...)

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update escrow %d: %w", bookingID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ListScheduledReleases returns armed, unfrozen releases by deadline.
func (db *DB) ListScheduledReleases(ctx context.Context) ([]*models.EscrowRecord, error) {
	return db.queryEscrow(ctx, `
		SELECT `+escrowColumns+` FROM escrow_records
		WHERE state = ? AND frozen_at IS NULL
		ORDER BY release_at, booking_id`, models.EscrowReleaseScheduled)
}

func (db *DB) ListEscrowNeedingAttention(ctx context.Context) ([]*models.EscrowRecord, error) {
	return db.queryEscrow(ctx, `
		SELECT `+escrowColumns+` FROM escrow_records
		WHERE needs_attention = 1 ORDER BY updated_at, booking_id`)
}

func (db *DB) queryEscrow(ctx context.Context, query string, args ...any) ([]*models.EscrowRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query escrow records: %w", err)
	}
	defer rows.Close()

	var records []*models.EscrowRecord
	for rows.Next() {
		var s escrowScan
		if err := rows.Scan(s.dest()...); err != nil {
			return nil, fmt.Errorf("failed to scan escrow record: %w", err)
		}
		records = append(records, s.record())
	}
	return records, rows.Err()
}

type escrowScan struct {
	r          models.EscrowRecord
	releaseAt  sql.NullTime
	frozenAt   sql.NullTime
	releasedAt sql.NullTime
	refundedAt sql.NullTime
}

func (s *escrowScan) dest() []any {
	r := &s.r
	return []any{
		&r.BookingID, &r.Amount, &r.Currency, &r.State, &s.releaseAt, &s.frozenAt, &r.RefundRequested,
		&r.HoldTxn, &r.SettleTxn, &r.LastAck, &r.LastError, &r.NeedsAttention,
		&r.CreatedAt, &r.UpdatedAt, &s.releasedAt, &s.refundedAt,
	}
}

func (s *escrowScan) record() *models.EscrowRecord {
	r := s.r
	r.ReleaseAt = timePtr(s.releaseAt)
	r.FrozenAt = timePtr(s.frozenAt)
	r.ReleasedAt = timePtr(s.releasedAt)
	r.RefundedAt = timePtr(s.refundedAt)
	r.CreatedAt = utc(r.CreatedAt)
	r.UpdatedAt = utc(r.UpdatedAt)
	return &r
}

// nullableEscrowScan reads the right side of a LEFT JOIN.
type nullableEscrowScan struct {
	bookingID       sql.NullInt64
	amount          sql.NullInt64
	currency        sql.NullString
	state           sql.NullString
	releaseAt       sql.NullTime
	frozenAt        sql.NullTime
	refundRequested sql.NullBool
	holdTxn         sql.NullString
	settleTxn       sql.NullString
	lastAck         sql.NullString
	lastError       sql.NullString
	needsAttention  sql.NullBool
	createdAt       sql.NullTime
	updatedAt       sql.NullTime
	releasedAt      sql.NullTime
	refundedAt      sql.NullTime
}

func (s *nullableEscrowScan) dest() []any {
	return []any{
		&s.bookingID, &s.amount, &s.currency, &s.state, &s.releaseAt, &s.frozenAt, &s.refundRequested,
		&s.holdTxn, &s.settleTxn, &s.lastAck, &s.lastError, &s.needsAttention,
		&s.createdAt, &s.updatedAt, &s.releasedAt, &s.refundedAt,
	}
}

func (s *nullableEscrowScan) record() *models.EscrowRecord {
	if !s.bookingID.Valid {
		return nil
	}
	r := &models.EscrowRecord{
		BookingID:       s.bookingID.Int64,
		Amount:          s.amount.Int64,
		Currency:        s.currency.String,
		State:           models.EscrowState(s.state.String),
		ReleaseAt:       timePtr(s.releaseAt),
		FrozenAt:        timePtr(s.frozenAt),
		RefundRequested: s.refundRequested.Bool,
		HoldTxn:         s.holdTxn.String,
		SettleTxn:       s.settleTxn.String,
		LastAck:         s.lastAck.String,
		LastError:       s.lastError.String,
		NeedsAttention:  s.needsAttention.Bool,
		ReleasedAt:      timePtr(s.releasedAt),
		RefundedAt:      timePtr(s.refundedAt),
	}
	if s.createdAt.Valid {
		r.CreatedAt = s.createdAt.Time.UTC()
	}
	if s.updatedAt.Valid {
		r.UpdatedAt = s.updatedAt.Time.UTC()
	}
	return r
}
