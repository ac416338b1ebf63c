package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pairly/internal/models"
)

// UpsertPartner inserts a partner, or updates name, rate and activity when
// the ID already exists. A zero ID always inserts.
func (db *DB) UpsertPartner(ctx context.Context, p *models.Partner) error {
	now := time.Now().UTC()

	if p.ID == 0 {
		res, err := db.ExecContext(ctx, `
			INSERT INTO partners (name, hourly_rate, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			p.Name, p.HourlyRate, p.Active, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert partner: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		p.ID = id
		p.CreatedAt = now
		p.UpdatedAt = now
		return nil
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO partners (id, name, hourly_rate, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			hourly_rate = excluded.hourly_rate,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.HourlyRate, p.Active, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert partner %d: %w", p.ID, err)
	}
	p.UpdatedAt = now
	return nil
}

func (db *DB) GetPartner(ctx context.Context, id int64) (*models.Partner, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, name, hourly_rate, is_active, created_at, updated_at
		FROM partners WHERE id = ?`, id)

	p, err := scanPartner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("partner %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get partner: %w", err)
	}
	return p, nil
}

func (db *DB) ListPartners(ctx context.Context, activeOnly bool) ([]*models.Partner, error) {
	query := `SELECT id, name, hourly_rate, is_active, created_at, updated_at FROM partners`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY id`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list partners: %w", err)
	}
	defer rows.Close()

	var partners []*models.Partner
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan partner: %w", err)
		}
		partners = append(partners, p)
	}
	return partners, rows.Err()
}

func scanPartner(s scanner) (*models.Partner, error) {
	var p models.Partner
	if err := s.Scan(&p.ID, &p.Name, &p.HourlyRate, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.CreatedAt = utc(p.CreatedAt)
	p.UpdatedAt = utc(p.UpdatedAt)
	return &p, nil
}
