package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pairly/internal/domain"
	"pairly/internal/models"
)

const bookingColumns = `b.id, b.code, b.requester_id, b.partner_id, b.service_type, b.date, b.start_time, b.end_time,
	b.location_address, b.location_lat, b.location_lng, b.slot_id, b.hold_token,
	b.hourly_rate, b.requested_hours, b.actual_hours, b.minimum_applied, b.subtotal, b.fee, b.total, b.currency,
	b.status, b.reason, b.created_at, b.updated_at,
	b.confirmed_at, b.paid_at, b.started_at, b.completed_at, b.cancelled_at, b.disputed_at, b.version`

var statusColumns = map[models.BookingStatus]string{
	models.StatusConfirmed:  "confirmed_at",
	models.StatusPaid:       "paid_at",
	models.StatusInProgress: "started_at",
	models.StatusCompleted:  "completed_at",
	models.StatusCancelled:  "cancelled_at",
	models.StatusDisputed:   "disputed_at",
}

// CreateBooking inserts a PENDING booking together with its first history
// row. A code collision returns ErrDuplicate so the caller can regenerate.
func (db *DB) CreateBooking(ctx context.Context, booking *models.Booking) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	now := time.Now().UTC()
	if !booking.CreatedAt.IsZero() {
		now = utc(booking.CreatedAt)
	}
	if booking.Status == "" {
		booking.Status = models.StatusPending
	}

	var (
		address  any
		lat, lng any
	)
	if loc := booking.Location; loc != nil {
		address = nullString(loc.Address)
		if loc.Lat != nil {
			lat = *loc.Lat
		}
		if loc.Lng != nil {
			lng = *loc.Lng
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO bookings (
			code, requester_id, partner_id, service_type, date, start_time, end_time,
			location_address, location_lat, location_lng, slot_id, hold_token,
			hourly_rate, requested_hours, actual_hours, minimum_applied, subtotal, fee, total, currency,
			status, reason, created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		booking.Code, booking.RequesterID, booking.PartnerID, booking.ServiceType,
		booking.Date, booking.StartTime, booking.EndTime,
		address, lat, lng, booking.SlotID, booking.HoldToken,
		booking.HourlyRate, booking.RequestedHours, booking.ActualHours, booking.MinimumApplied,
		booking.Subtotal, booking.Fee, booking.Total, booking.Currency,
		booking.Status, booking.Reason, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("booking code %s: %w", booking.Code, ErrDuplicate)
		}
		return fmt.Errorf("failed to create booking: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	if err := insertHistory(ctx, tx, models.BookingTransition{
		BookingID: id,
		From:      "",
		To:        booking.Status,
		Event:     "create",
		ActorID:   booking.RequesterID,
		CreatedAt: now,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	booking.ID = id
	booking.CreatedAt = now
	booking.UpdatedAt = now
	booking.Version = 1
	return nil
}

func (db *DB) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	return db.getBookingWhere(ctx, "b.id = ?", id)
}

func (db *DB) GetBookingByCode(ctx context.Context, code string) (*models.Booking, error) {
	return db.getBookingWhere(ctx, "b.code = ?", code)
}

// GetBookingByHoldToken finds the booking created under a slot hold.
func (db *DB) GetBookingByHoldToken(ctx context.Context, token string) (*models.Booking, error) {
	return db.getBookingWhere(ctx, "b.hold_token = ?", token)
}

func (db *DB) getBookingWhere(ctx context.Context, where string, arg any) (*models.Booking, error) {
	row := db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings b WHERE `+where, arg)
	booking, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("booking %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return booking, nil
}

// UpdateBookingStatus applies a transition only if the row still has the
// expected status and version. Otherwise ErrConcurrentModification.
func (db *DB) UpdateBookingStatus(ctx context.Context, change domain.StatusChange) error {
	column, ok := statusColumns[change.To]
	if !ok {
		return fmt.Errorf("no timestamp column for status %s", change.To)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	at := utc(change.At)
	query := `UPDATE bookings SET status = ?, ` + column + ` = ?, updated_at = ?, version = version + 1,
		reason = CASE WHEN ? <> '' THEN ? ELSE reason END
		WHERE id = ? AND status = ? AND version = ?`
	result, err := tx.ExecContext(ctx, query,
		change.To, at, at, change.Reason, change.Reason,
		change.BookingID, change.From, change.FromVersion)
	if err != nil {
		return fmt.Errorf("failed to update booking status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConcurrentModification
	}

	if err := insertHistory(ctx, tx, models.BookingTransition{
		BookingID: change.BookingID,
		From:      change.From,
		To:        change.To,
		Event:     change.Event,
		ActorID:   change.ActorID,
		Reason:    change.Reason,
		CreatedAt: at,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateBookingReason is the admin override of the recorded reason. The
// status is left untouched and the change is audited.
func (db *DB) UpdateBookingReason(ctx context.Context, bookingID int64, reason string, actorID int64, at time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	var status models.BookingStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM bookings WHERE id = ?`, bookingID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("booking %d: %w", bookingID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load booking: %w", err)
	}

	ts := utc(at)
	if _, err := tx.ExecContext(ctx,
		`UPDATE bookings SET reason = ?, updated_at = ?, version = version + 1 WHERE id = ?`,
		reason, ts, bookingID); err != nil {
		return fmt.Errorf("failed to update booking reason: %w", err)
	}

	if err := insertHistory(ctx, tx, models.BookingTransition{
		BookingID: bookingID,
		From:      status,
		To:        status,
		Event:     "override_reason",
		ActorID:   actorID,
		Reason:    reason,
		CreatedAt: ts,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, h models.BookingTransition) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO booking_status_history (booking_id, from_status, to_status, event, actor_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.BookingID, h.From, h.To, h.Event, h.ActorID, h.Reason, utc(h.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record booking history: %w", err)
	}
	return nil
}

// ListBookingHistory returns the audit trail oldest first.
func (db *DB) ListBookingHistory(ctx context.Context, bookingID int64) ([]models.BookingTransition, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, booking_id, from_status, to_status, event, actor_id, reason, created_at
		FROM booking_status_history WHERE booking_id = ? ORDER BY id`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list booking history: %w", err)
	}
	defer rows.Close()

	var history []models.BookingTransition
	for rows.Next() {
		var h models.BookingTransition
		if err := rows.Scan(&h.ID, &h.BookingID, &h.From, &h.To, &h.Event, &h.ActorID, &h.Reason, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan booking history: %w", err)
		}
		h.CreatedAt = utc(h.CreatedAt)
		history = append(history, h)
	}
	return history, rows.Err()
}

// ListBookingsByPartner returns bookings with from <= date <= to. Empty
// bounds are open.
func (db *DB) ListBookingsByPartner(ctx context.Context, partnerID int64, from, to string) ([]*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings b WHERE b.partner_id = ?`
	args := []any{partnerID}
	if from != "" {
		query += ` AND b.date >= ?`
		args = append(args, from)
	}
	if to != "" {
		query += ` AND b.date <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY b.date, b.start_time, b.id`
	return db.queryBookings(ctx, query, args...)
}

func (db *DB) ListBookingsByStatus(ctx context.Context, status models.BookingStatus) ([]*models.Booking, error) {
	return db.queryBookings(ctx,
		`SELECT `+bookingColumns+` FROM bookings b WHERE b.status = ? ORDER BY b.id`, status)
}

// ListSettlementRows joins bookings on [from, to] with their escrow.
func (db *DB) ListSettlementRows(ctx context.Context, from, to string) ([]models.SettlementRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+bookingColumns+`, `+escrowColumnsAliased+`
		FROM bookings b
		LEFT JOIN escrow_records e ON e.booking_id = b.id
		WHERE b.date >= ? AND b.date <= ?
		ORDER BY b.date, b.start_time, b.id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlement rows: %w", err)
	}
	defer rows.Close()

	var result []models.SettlementRow
	for rows.Next() {
		var (
			bk     bookingScan
			escrow nullableEscrowScan
		)
		if err := rows.Scan(append(bk.dest(), escrow.dest()...)...); err != nil {
			return nil, fmt.Errorf("failed to scan settlement row: %w", err)
		}
		result = append(result, models.SettlementRow{Booking: *bk.booking(), Escrow: escrow.record()})
	}
	return result, rows.Err()
}

func (db *DB) queryBookings(ctx context.Context, query string, args ...any) ([]*models.Booking, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var bookings []*models.Booking
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, booking)
	}
	return bookings, rows.Err()
}

type bookingScan struct {
	b         models.Booking
	address   sql.NullString
	lat, lng  sql.NullFloat64
	confirmed sql.NullTime
	paid      sql.NullTime
	started   sql.NullTime
	completed sql.NullTime
	cancelled sql.NullTime
	disputed  sql.NullTime
}

func (s *bookingScan) dest() []any {
	b := &s.b
	return []any{
		&b.ID, &b.Code, &b.RequesterID, &b.PartnerID, &b.ServiceType, &b.Date, &b.StartTime, &b.EndTime,
		&s.address, &s.lat, &s.lng, &b.SlotID, &b.HoldToken,
		&b.HourlyRate, &b.RequestedHours, &b.ActualHours, &b.MinimumApplied, &b.Subtotal, &b.Fee, &b.Total, &b.Currency,
		&b.Status, &b.Reason, &b.CreatedAt, &b.UpdatedAt,
		&s.confirmed, &s.paid, &s.started, &s.completed, &s.cancelled, &s.disputed, &b.Version,
	}
}

func (s *bookingScan) booking() *models.Booking {
	b := s.b
	if s.address.Valid || s.lat.Valid || s.lng.Valid {
		loc := &models.Location{Address: s.address.String}
		if s.lat.Valid {
			v := s.lat.Float64
			loc.Lat = &v
		}
		if s.lng.Valid {
			v := s.lng.Float64
			loc.Lng = &v
		}
		b.Location = loc
	}
	b.CreatedAt = utc(b.CreatedAt)
	b.UpdatedAt = utc(b.UpdatedAt)
	b.ConfirmedAt = timePtr(s.confirmed)
	b.PaidAt = timePtr(s.paid)
	b.StartedAt = timePtr(s.started)
	b.CompletedAt = timePtr(s.completed)
	b.CancelledAt = timePtr(s.cancelled)
	b.DisputedAt = timePtr(s.disputed)
	return &b
}

func scanBooking(s scanner) (*models.Booking, error) {
	var bs bookingScan
	if err := s.Scan(bs.dest()...); err != nil {
		return nil, err
	}
	return bs.booking(), nil
}
