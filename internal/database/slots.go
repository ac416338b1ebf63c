package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pairly/internal/models"
)

var ErrWindowOverlap = errors.New("declared window overlaps an existing one")

const slotColumns = `id, partner_id, date, start_time, end_time, status, declared, note,
	hold_token, hold_expires_at, created_at, updated_at`

// SlotHoldRequest claims [StartTime, EndTime) on Date for PartnerID.
type SlotHoldRequest struct {
	PartnerID     int64
	Date          string
	StartTime     string
	EndTime       string
	Token         string
	ExpiresAt     time.Time
	Now           time.Time
	RequireWindow bool
}

// CreateSlot declares an OPEN availability window.
func (db *DB) CreateSlot(ctx context.Context, slot *models.AvailabilitySlot) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	var overlapping int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM availability_slots
		WHERE partner_id = ? AND date = ? AND declared = 1
		AND start_time < ? AND end_time > ?`,
		slot.PartnerID, slot.Date, slot.EndTime, slot.StartTime).Scan(&overlapping)
	if err != nil {
		return fmt.Errorf("failed to check declared windows: %w", err)
	}
	if overlapping > 0 {
		return fmt.Errorf("%s %s-%s: %w", slot.Date, slot.StartTime, slot.EndTime, ErrWindowOverlap)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO availability_slots (partner_id, date, start_time, end_time, status, declared, note, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		slot.PartnerID, slot.Date, slot.StartTime, slot.EndTime, models.SlotOpen, slot.Note, now, now)
	if err != nil {
		return fmt.Errorf("failed to create slot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	slot.ID = id
	slot.Status = models.SlotOpen
	slot.Declared = true
	slot.CreatedAt = now
	slot.UpdatedAt = now
	return nil
}

func (db *DB) GetSlot(ctx context.Context, id int64) (*models.AvailabilitySlot, error) {
	row := db.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM availability_slots WHERE id = ?`, id)
	slot, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("slot %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	return slot, nil
}

// ListSlots returns every row of a partner day ordered by start time.
func (db *DB) ListSlots(ctx context.Context, partnerID int64, date string) ([]*models.AvailabilitySlot, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+slotColumns+` FROM availability_slots
		WHERE partner_id = ? AND date = ?
		ORDER BY start_time, id`, partnerID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	defer rows.Close()
	return scanSlots(rows)
}

// HoldSlot atomically checks the range against live claims and marks it
// HELD. HELD rows past their expiry no longer block, but they are left for
// ExpireHolds so their bookings can be cancelled.
func (db *DB) HoldSlot(ctx context.Context, req SlotHoldRequest) (*models.AvailabilitySlot, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	now := utc(req.Now)
	expires := utc(req.ExpiresAt)

	var conflicts int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM availability_slots
		WHERE partner_id = ? AND date = ?
		AND start_time < ? AND end_time > ?
		AND (status = ? OR (status = ? AND hold_expires_at > ?))`,
		req.PartnerID, req.Date, req.EndTime, req.StartTime,
		models.SlotBooked, models.SlotHeld, now).Scan(&conflicts)
	if err != nil {
		return nil, fmt.Errorf("failed to check overlapping slots: %w", err)
	}
	if conflicts > 0 {
		return nil, fmt.Errorf("partner %d %s %s-%s: %w", req.PartnerID, req.Date, req.StartTime, req.EndTime, ErrSlotTaken)
	}

	if req.RequireWindow {
		var windows int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM availability_slots
			WHERE partner_id = ? AND date = ? AND declared = 1
			AND start_time <= ? AND end_time >= ?
			AND (status = ? OR (start_time = ? AND end_time = ? AND status = ?))`,
			req.PartnerID, req.Date, req.StartTime, req.EndTime,
			models.SlotOpen, req.StartTime, req.EndTime, models.SlotHeld).Scan(&windows)
		if err != nil {
			return nil, fmt.Errorf("failed to check declared windows: %w", err)
		}
		if windows == 0 {
			return nil, fmt.Errorf("partner %d %s %s-%s: %w", req.PartnerID, req.Date, req.StartTime, req.EndTime, ErrOutsideWindow)
		}
	}

	var slotID int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM availability_slots
		WHERE partner_id = ? AND date = ? AND start_time = ? AND end_time = ?
		AND status = ?
		ORDER BY declared DESC, id LIMIT 1`,
		req.PartnerID, req.Date, req.StartTime, req.EndTime, models.SlotOpen).Scan(&slotID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `
			INSERT INTO availability_slots (partner_id, date, start_time, end_time, status, declared, hold_token, hold_expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
			req.PartnerID, req.Date, req.StartTime, req.EndTime, models.SlotHeld, req.Token, expires, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("hold token reused: %w", ErrDuplicate)
			}
			return nil, fmt.Errorf("failed to insert held slot: %w", err)
		}
		if slotID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("failed to get last insert id: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to find reusable slot: %w", err)
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE availability_slots
			SET status = ?, hold_token = ?, hold_expires_at = ?, updated_at = ?
			WHERE id = ?`,
			models.SlotHeld, req.Token, expires, now, slotID)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("hold token reused: %w", ErrDuplicate)
			}
			return nil, fmt.Errorf("failed to hold slot: %w", err)
		}
	}

	slot, err := scanSlot(tx.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM availability_slots WHERE id = ?`, slotID))
	if err != nil {
		return nil, fmt.Errorf("failed to reload held slot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return slot, nil
}

// ConfirmSlot turns a live hold into BOOKED. Confirming an already BOOKED
// token succeeds; an expired or released token fails with ErrHoldExpired.
func (db *DB) ConfirmSlot(ctx context.Context, token string, now time.Time) (*models.AvailabilitySlot, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	slot, err := scanSlot(tx.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM availability_slots WHERE hold_token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("token %s: %w", token, ErrHoldExpired)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load held slot: %w", err)
	}

	switch {
	case slot.Status == models.SlotBooked:
		return slot, nil
	case slot.Status != models.SlotHeld || slot.HoldExpiresAt == nil || !slot.HoldExpiresAt.After(now):
		return nil, fmt.Errorf("slot %d: %w", slot.ID, ErrHoldExpired)
	}

	at := utc(now)
	_, err = tx.ExecContext(ctx, `
		UPDATE availability_slots
		SET status = ?, hold_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.SlotBooked, at, slot.ID, models.SlotHeld)
	if err != nil {
		return nil, fmt.Errorf("failed to book slot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	slot.Status = models.SlotBooked
	slot.HoldExpiresAt = nil
	slot.UpdatedAt = at
	return slot, nil
}

// ReleaseSlotByToken reopens the slot carrying token. It reports whether a
// row changed; an unknown token is not an error.
func (db *DB) ReleaseSlotByToken(ctx context.Context, token string) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE availability_slots
		SET status = ?, hold_token = NULL, hold_expires_at = NULL, updated_at = ?
		WHERE hold_token = ? AND status IN (?, ?)`,
		models.SlotOpen, time.Now().UTC(), token, models.SlotHeld, models.SlotBooked)
	if err != nil {
		return false, fmt.Errorf("failed to release slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func (db *DB) ReleaseSlot(ctx context.Context, slotID int64) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE availability_slots
		SET status = ?, hold_token = NULL, hold_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.SlotOpen, time.Now().UTC(), slotID, models.SlotHeld, models.SlotBooked)
	if err != nil {
		return false, fmt.Errorf("failed to release slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ExpireHolds reopens every HELD slot whose hold ran out at or before now.
// The returned slots still carry the token they were held under.
func (db *DB) ExpireHolds(ctx context.Context, now time.Time) ([]*models.AvailabilitySlot, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	at := utc(now)
	rows, err := tx.QueryContext(ctx, `
		SELECT `+slotColumns+` FROM availability_slots
		WHERE status = ? AND hold_expires_at <= ?
		ORDER BY hold_expires_at, id`, models.SlotHeld, at)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired holds: %w", err)
	}
	expired, err := scanSlots(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, slot := range expired {
		_, err := tx.ExecContext(ctx, `
			UPDATE availability_slots
			SET status = ?, hold_token = NULL, hold_expires_at = NULL, updated_at = ?
			WHERE id = ? AND status = ?`,
			models.SlotOpen, at, slot.ID, models.SlotHeld)
		if err != nil {
			return nil, fmt.Errorf("failed to expire slot %d: %w", slot.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return expired, nil
}

func scanSlot(s scanner) (*models.AvailabilitySlot, error) {
	var (
		slot      models.AvailabilitySlot
		token     sql.NullString
		expiresAt sql.NullTime
	)
	err := s.Scan(&slot.ID, &slot.PartnerID, &slot.Date, &slot.StartTime, &slot.EndTime,
		&slot.Status, &slot.Declared, &slot.Note, &token, &expiresAt, &slot.CreatedAt, &slot.UpdatedAt)
	if err != nil {
		return nil, err
	}
	slot.HoldToken = token.String
	slot.HoldExpiresAt = timePtr(expiresAt)
	slot.CreatedAt = utc(slot.CreatedAt)
	slot.UpdatedAt = utc(slot.UpdatedAt)
	return &slot, nil
}

func scanSlots(rows *sql.Rows) ([]*models.AvailabilitySlot, error) {
	var slots []*models.AvailabilitySlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}
