// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/keygate/keygate/internal/errs"
)

// Claim session statuses
const (
	ClaimStatusPending   = "pending"
	ClaimStatusCompleted = "completed"
	ClaimStatusClaimed   = "claimed"
	ClaimStatusExpired   = "expired"
)

// ClaimSession gates issuance of a free trial key behind an external
// completion signal. Single-use: pending -> completed -> claimed, with a
// hard TTL expiring either of the first two states.
type ClaimSession struct {
	ID           int       `json:"id"`
	Token        string    `json:"token"`
	PlanID       int       `json:"plan_id"`
	Status       string    `json:"status"`
	LicenseKeyID *int      `json:"license_key_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type ClaimSessionStore struct {
	db *sql.DB
}

func NewClaimSessionStore(db *sql.DB) *ClaimSessionStore {
	return &ClaimSessionStore{db: db}
}

const claimColumns = `id, token, plan_id, status, license_key_id, created_at, expires_at`

func (s *ClaimSessionStore) Create(ctx context.Context, planID int, expiresAt time.Time) (*ClaimSession, error) {
	query := `
		INSERT INTO claim_sessions (token, plan_id, expires_at)
		VALUES (?, ?, ?)
		RETURNING ` + claimColumns

	return scanClaimSession(s.db.QueryRowContext(ctx, query, uuid.NewString(), planID, expiresAt))
}

func (s *ClaimSessionStore) GetByToken(ctx context.Context, token string) (*ClaimSession, error) {
	query := `SELECT ` + claimColumns + ` FROM claim_sessions WHERE token = ?`
	return scanClaimSession(s.db.QueryRowContext(ctx, query, token))
}

func getClaimSessionIn(ctx context.Context, q dbtx, token string) (*ClaimSession, error) {
	query := `SELECT ` + claimColumns + ` FROM claim_sessions WHERE token = ?`
	return scanClaimSession(q.QueryRowContext(ctx, query, token))
}

// MarkCompleted records the external completion signal. Only legal from
// pending before the TTL; repeated calls while already completed are no-ops.
func (s *ClaimSessionStore) MarkCompleted(ctx context.Context, token string, now time.Time) error {
	query := `
		UPDATE claim_sessions
		SET status = ?
		WHERE token = ? AND status = ? AND expires_at > ?
	`

	result, err := s.db.ExecContext(ctx, query, ClaimStatusCompleted, token, ClaimStatusPending, now)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	session, err := s.GetByToken(ctx, token)
	if err != nil {
		return err
	}

	switch {
	case session.Status == ClaimStatusCompleted:
		// Duplicate completion callback, nothing to do
		return nil
	case session.Status == ClaimStatusClaimed:
		return errs.ErrAlreadyClaimed
	case session.Status == ClaimStatusExpired || !session.ExpiresAt.After(now):
		return errs.ErrNotFound
	default:
		return errs.ErrInvalidState
	}
}

// ClaimTx flips completed -> claimed and binds the issued key, inside the
// caller's transaction. The conditional update is what makes the claim
// single-use under concurrent attempts.
func (s *ClaimSessionStore) ClaimTx(ctx context.Context, tx *sql.Tx, token string, keyID int, now time.Time) (*ClaimSession, error) {
	query := `
		UPDATE claim_sessions
		SET status = ?, license_key_id = ?
		WHERE token = ? AND status = ? AND expires_at > ?
		RETURNING ` + claimColumns

	session, err := scanClaimSession(tx.QueryRowContext(ctx, query,
		ClaimStatusClaimed, keyID, token, ClaimStatusCompleted, now))
	if err != errs.ErrNotFound {
		return session, err
	}

	// Zero rows: work out which failure to report
	existing, getErr := getClaimSessionIn(ctx, tx, token)
	if getErr != nil {
		return nil, getErr
	}

	switch {
	case existing.Status == ClaimStatusClaimed:
		return nil, errs.ErrAlreadyClaimed
	case existing.Status == ClaimStatusExpired || !existing.ExpiresAt.After(now):
		return nil, errs.ErrNotFound
	default:
		return nil, errs.ErrInvalidState
	}
}

// MarkExpired flips overdue pending/completed sessions to expired. Returns
// the number swept.
func (s *ClaimSessionStore) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE claim_sessions
		SET status = ?
		WHERE status IN (?, ?) AND expires_at <= ?
	`

	result, err := s.db.ExecContext(ctx, query, ClaimStatusExpired, ClaimStatusPending, ClaimStatusCompleted, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanClaimSession(row *sql.Row) (*ClaimSession, error) {
	session := &ClaimSession{}
	err := row.Scan(
		&session.ID,
		&session.Token,
		&session.PlanID,
		&session.Status,
		&session.LicenseKeyID,
		&session.CreatedAt,
		&session.ExpiresAt,
	)

	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return session, nil
}
