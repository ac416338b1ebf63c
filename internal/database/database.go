package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pairly/internal/domain"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is shared with the domain so callers can map it directly.
	ErrNotFound               = domain.ErrNotFound
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrDuplicate              = errors.New("duplicate record")
	ErrSlotTaken              = errors.New("overlapping slot is held or booked")
	ErrOutsideWindow          = errors.New("range is outside every open declared window")
	ErrHoldExpired            = errors.New("slot hold expired or released")
)

// DB is the single-writer sqlite store. One connection serialises every
// transaction, so check-and-set sequences inside a tx are atomic.
// Never call DB methods from inside one of its own transactions.
type DB struct {
	*sql.DB
	path   string
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	d := &DB{DB: db, path: path, logger: logger}
	if err := d.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info().Str("path", path).Msg("database initialized")
	return d, nil
}

// Path is the file backing the store, or ":memory:".
func (db *DB) Path() string { return db.path }

func dsn(path string) string {
	if path == ":memory:" {
		return path
	}
	return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
}

var schema = []string{
	`PRAGMA foreign_keys = ON`,
	`CREATE TABLE IF NOT EXISTS partners (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		hourly_rate INTEGER NOT NULL CHECK (hourly_rate >= 0),
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS availability_slots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		partner_id INTEGER NOT NULL REFERENCES partners(id),
		date TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'OPEN',
		declared INTEGER NOT NULL DEFAULT 0,
		note TEXT NOT NULL DEFAULT '',
		hold_token TEXT,
		hold_expires_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		CHECK (end_time > start_time)
	)`,
	`CREATE TABLE IF NOT EXISTS bookings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		requester_id INTEGER NOT NULL,
		partner_id INTEGER NOT NULL REFERENCES partners(id),
		service_type TEXT NOT NULL,
		date TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		location_address TEXT,
		location_lat REAL,
		location_lng REAL,
		slot_id INTEGER NOT NULL REFERENCES availability_slots(id),
		hold_token TEXT NOT NULL,
		hourly_rate INTEGER NOT NULL,
		requested_hours REAL NOT NULL,
		actual_hours REAL NOT NULL,
		minimum_applied INTEGER NOT NULL DEFAULT 0,
		subtotal INTEGER NOT NULL,
		fee INTEGER NOT NULL,
		total INTEGER NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		confirmed_at DATETIME,
		paid_at DATETIME,
		started_at DATETIME,
		completed_at DATETIME,
		cancelled_at DATETIME,
		disputed_at DATETIME,
		version INTEGER NOT NULL DEFAULT 1,
		CHECK (end_time > start_time),
		CHECK (requester_id <> partner_id),
		CHECK (total = subtotal + fee)
	)`,
	`CREATE TABLE IF NOT EXISTS booking_status_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		booking_id INTEGER NOT NULL REFERENCES bookings(id),
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		event TEXT NOT NULL,
		actor_id INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS escrow_records (
		booking_id INTEGER PRIMARY KEY REFERENCES bookings(id),
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'NONE',
		release_at DATETIME,
		frozen_at DATETIME,
		hold_txn TEXT NOT NULL DEFAULT '',
		settle_txn TEXT NOT NULL DEFAULT '',
		last_ack TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		needs_attention INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		released_at DATETIME,
		refunded_at DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_instructions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		booking_id INTEGER NOT NULL REFERENCES bookings(id),
		kind TEXT NOT NULL,
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		ack TEXT,
		created_at DATETIME NOT NULL,
		claimed_at DATETIME,
		processed_at DATETIME,
		next_retry_at DATETIME
	)`,

	`CREATE INDEX IF NOT EXISTS idx_slots_partner_date ON availability_slots(partner_id, date, status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_slots_hold_token ON availability_slots(hold_token) WHERE hold_token IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_partner_date ON bookings(partner_id, date)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_requester ON bookings(requester_id)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings(status)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_hold_token ON bookings(hold_token)`,
	`CREATE INDEX IF NOT EXISTS idx_history_booking ON booking_status_history(booking_id)`,
	`CREATE INDEX IF NOT EXISTS idx_escrow_state ON escrow_records(state)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_due ON ledger_instructions(status, next_retry_at)`,
	// One hold per booking, and at most one live settlement (release or refund).
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_hold ON ledger_instructions(booking_id) WHERE kind = 'hold'`,
	`DROP INDEX IF EXISTS uq_ledger_settlement`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_live_settlement ON ledger_instructions(booking_id)
		WHERE kind IN ('release', 'refund') AND status <> 'cancelled'`,
}

func (db *DB) migrate() error {
	for _, query := range schema {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", firstLine(query), err)
		}
	}
	return db.ensureColumn("escrow_records", "refund_requested", "INTEGER NOT NULL DEFAULT 0")
}

// ensureColumn adds a column introduced after the table was first created.
func (db *DB) ensureColumn(table, column, definition string) error {
	_, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil && !strings.Contains(err.Error(), "duplicate column name") {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

type scanner interface {
	Scan(dest ...any) error
}

// utc normalises timestamps so stored text compares chronologically.
func utc(t time.Time) time.Time { return t.UTC() }

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}

// HealthCheck pings the store with a short deadline.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}
