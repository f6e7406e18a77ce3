// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrPlanNotFound = errors.New("plan not found")

type Plan struct {
	ID            int       `json:"id"`
	Name          string    `json:"name"`
	Price         float64   `json:"price"`
	Currency      string    `json:"currency"`
	DurationUnit  string    `json:"duration_unit"`
	DurationValue int       `json:"duration_value"`
	MaxDevices    int       `json:"max_devices"`
	TrialMinutes  int       `json:"trial_minutes"`
	CreatedAt     time.Time `json:"created_at"`
}

type PlanStore struct {
	db *sql.DB
}

func NewPlanStore(db *sql.DB) *PlanStore {
	return &PlanStore{db: db}
}

func (s *PlanStore) Create(ctx context.Context, name string, price float64, currency, durationUnit string, durationValue, maxDevices int) (*Plan, error) {
	query := `
		INSERT INTO plans (name, price, currency, duration_unit, duration_value, max_devices)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id, name, price, currency, duration_unit, duration_value, max_devices, trial_minutes, created_at
	`

	return scanPlan(s.db.QueryRowContext(ctx, query, name, price, currency, durationUnit, durationValue, maxDevices))
}

func (s *PlanStore) Get(ctx context.Context, id int) (*Plan, error) {
	query := `
		SELECT id, name, price, currency, duration_unit, duration_value, max_devices, trial_minutes, created_at
		FROM plans
		WHERE id = ?
	`

	return scanPlan(s.db.QueryRowContext(ctx, query, id))
}

func (s *PlanStore) List(ctx context.Context) ([]*Plan, error) {
	query := `
		SELECT id, name, price, currency, duration_unit, duration_value, max_devices, trial_minutes, created_at
		FROM plans
		ORDER BY price ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		plan := &Plan{}
		err := rows.Scan(
			&plan.ID,
			&plan.Name,
			&plan.Price,
			&plan.Currency,
			&plan.DurationUnit,
			&plan.DurationValue,
			&plan.MaxDevices,
			&plan.TrialMinutes,
			&plan.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}

	return plans, rows.Err()
}

func getPlanIn(ctx context.Context, q dbtx, id int) (*Plan, error) {
	query := `
		SELECT id, name, price, currency, duration_unit, duration_value, max_devices, trial_minutes, created_at
		FROM plans
		WHERE id = ?
	`

	return scanPlan(q.QueryRowContext(ctx, query, id))
}

func scanPlan(row *sql.Row) (*Plan, error) {
	plan := &Plan{}
	err := row.Scan(
		&plan.ID,
		&plan.Name,
		&plan.Price,
		&plan.Currency,
		&plan.DurationUnit,
		&plan.DurationValue,
		&plan.MaxDevices,
		&plan.TrialMinutes,
		&plan.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}

	return plan, nil
}
