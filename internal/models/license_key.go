// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/keygate/keygate/internal/errs"
	"github.com/keygate/keygate/internal/licensing"
)

// License key statuses
const (
	KeyStatusInactive  = "inactive"
	KeyStatusActive    = "active"
	KeyStatusExpired   = "expired"
	KeyStatusSuspended = "suspended"
	KeyStatusRevoked   = "revoked"
	KeyStatusBanned    = "banned"
)

type LicenseKey struct {
	ID             int        `json:"id"`
	Key            string     `json:"key"`
	UserID         *int       `json:"user_id,omitempty"`
	PlanID         int        `json:"plan_id"`
	OrderID        *int       `json:"order_id,omitempty"`
	Status         string     `json:"status"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	MaxDevices     int        `json:"max_devices"`
	CurrentDevices int        `json:"current_devices"`
	Notes          string     `json:"notes"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsUsable reports whether the key grants entitlement at the given instant.
func (k *LicenseKey) IsUsable(now time.Time) bool {
	if k.Status != KeyStatusActive {
		return false
	}
	return k.ExpiresAt != nil && k.ExpiresAt.After(now)
}

type LicenseKeyStore struct {
	db *sql.DB
}

func NewLicenseKeyStore(db *sql.DB) *LicenseKeyStore {
	return &LicenseKeyStore{db: db}
}

const licenseKeyColumns = `id, key, user_id, plan_id, order_id, status, activated_at, expires_at,
	       max_devices, current_devices, notes, created_at, updated_at`

// generateKeyString produces an unguessable key like KG-7PX2M-QW3RT-9ZKCF-H4BNV.
func generateKeyString() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}

	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
	encoded = strings.ToUpper(encoded)[:20]

	var groups []string
	for i := 0; i < 20; i += 5 {
		groups = append(groups, encoded[i:i+5])
	}
	return "KG-" + strings.Join(groups, "-"), nil
}

// Create allocates a new INACTIVE license key for a plan. The key string is
// collision-checked against the unique index and regenerated on the
// vanishingly rare clash.
func (s *LicenseKeyStore) Create(ctx context.Context, planID int, userID, orderID *int) (*LicenseKey, error) {
	return s.CreateIn(ctx, s.db, planID, userID, orderID)
}

// CreateIn is Create running on a caller-supplied transaction or connection.
func (s *LicenseKeyStore) CreateIn(ctx context.Context, q dbtx, planID int, userID, orderID *int) (*LicenseKey, error) {
	plan, err := getPlanIn(ctx, q, planID)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO license_keys (key, user_id, plan_id, order_id, max_devices)
		VALUES (?, ?, ?, ?, ?)
		RETURNING ` + licenseKeyColumns

	for attempt := 0; attempt < 5; attempt++ {
		keyString, err := generateKeyString()
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}

		key, err := scanLicenseKey(q.QueryRowContext(ctx, query, keyString, userID, planID, orderID, plan.MaxDevices))
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed: license_keys.key") {
				continue
			}
			return nil, err
		}
		return key, nil
	}

	return nil, fmt.Errorf("failed to allocate unique key string")
}

func (s *LicenseKeyStore) Get(ctx context.Context, id int) (*LicenseKey, error) {
	query := `SELECT ` + licenseKeyColumns + ` FROM license_keys WHERE id = ?`
	return scanLicenseKey(s.db.QueryRowContext(ctx, query, id))
}

func (s *LicenseKeyStore) GetByKey(ctx context.Context, keyString string) (*LicenseKey, error) {
	query := `SELECT ` + licenseKeyColumns + ` FROM license_keys WHERE key = ?`
	return scanLicenseKey(s.db.QueryRowContext(ctx, query, keyString))
}

func getLicenseKeyIn(ctx context.Context, q dbtx, id int) (*LicenseKey, error) {
	query := `SELECT ` + licenseKeyColumns + ` FROM license_keys WHERE id = ?`
	return scanLicenseKey(q.QueryRowContext(ctx, query, id))
}

func (s *LicenseKeyStore) List(ctx context.Context, status string) ([]*LicenseKey, error) {
	query := `SELECT ` + licenseKeyColumns + ` FROM license_keys`
	var args []any

	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	return s.queryKeys(ctx, query, args...)
}

func (s *LicenseKeyStore) ListByUser(ctx context.Context, userID int) ([]*LicenseKey, error) {
	query := `SELECT ` + licenseKeyColumns + ` FROM license_keys WHERE user_id = ? ORDER BY created_at DESC`
	return s.queryKeys(ctx, query, userID)
}

// Activate transitions a key from inactive or expired into active, setting
// activated_at and computing expires_at from the plan duration. Writes the
// ACTIVATE audit record in the same transaction.
func (s *LicenseKeyStore) Activate(ctx context.Context, id int, now time.Time, actor string) (*LicenseKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	key, err := s.ActivateTx(ctx, tx, id, now, actor)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return key, nil
}

// ActivateTx is Activate inside a caller-owned transaction, used by order
// completion so the order flip and the key activation commit together.
func (s *LicenseKeyStore) ActivateTx(ctx context.Context, tx *sql.Tx, id int, now time.Time, actor string) (*LicenseKey, error) {
	key, err := getLicenseKeyIn(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if key.Status != KeyStatusInactive && key.Status != KeyStatusExpired {
		return nil, fmt.Errorf("cannot activate key in status %s: %w", key.Status, errs.ErrInvalidState)
	}

	plan, err := getPlanIn(ctx, tx, key.PlanID)
	if err != nil {
		return nil, err
	}

	expiresAt, err := licensing.ExpiryFrom(now, plan.DurationUnit, plan.DurationValue)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE license_keys
		SET status = ?, activated_at = ?, expires_at = ?, max_devices = ?, updated_at = ?
		WHERE id = ?
		RETURNING ` + licenseKeyColumns

	updated, err := scanLicenseKey(tx.QueryRowContext(ctx, query,
		KeyStatusActive, now, expiresAt, plan.MaxDevices, now, id))
	if err != nil {
		return nil, err
	}

	if err := appendUsageLogIn(ctx, tx, id, ActionActivate, actor, map[string]any{
		"expires_at": expiresAt,
		"plan_id":    plan.ID,
	}); err != nil {
		return nil, err
	}

	return updated, nil
}

// ActivateWithExpiry activates a key with an explicit expiry instead of the
// plan duration. Used for trial keys issued by claim sessions.
func (s *LicenseKeyStore) ActivateWithExpiry(ctx context.Context, tx *sql.Tx, id int, now, expiresAt time.Time, actor string) (*LicenseKey, error) {
	key, err := getLicenseKeyIn(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if key.Status != KeyStatusInactive {
		return nil, fmt.Errorf("cannot activate key in status %s: %w", key.Status, errs.ErrInvalidState)
	}

	query := `
		UPDATE license_keys
		SET status = ?, activated_at = ?, expires_at = ?, updated_at = ?
		WHERE id = ?
		RETURNING ` + licenseKeyColumns

	updated, err := scanLicenseKey(tx.QueryRowContext(ctx, query, KeyStatusActive, now, expiresAt, now, id))
	if err != nil {
		return nil, err
	}

	if err := appendUsageLogIn(ctx, tx, id, ActionTrialIssue, actor, map[string]any{
		"expires_at": expiresAt,
	}); err != nil {
		return nil, err
	}

	return updated, nil
}

// Extend pushes expires_at forward by the given number of days from the later
// of the current expiry and now. Never decreases expiry and never touches
// activated_at. An expired or suspended key flips back to active.
func (s *LicenseKeyStore) Extend(ctx context.Context, id, days int, now time.Time, actor string) (*LicenseKey, error) {
	if days <= 0 {
		return nil, fmt.Errorf("extend days must be positive, got %d: %w", days, errs.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	key, err := getLicenseKeyIn(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	switch key.Status {
	case KeyStatusActive, KeyStatusExpired, KeyStatusSuspended:
	default:
		return nil, fmt.Errorf("cannot extend key in status %s: %w", key.Status, errs.ErrInvalidState)
	}

	base := now
	if key.ExpiresAt != nil && key.ExpiresAt.After(now) {
		base = *key.ExpiresAt
	}
	newExpiry := base.AddDate(0, 0, days)

	query := `
		UPDATE license_keys
		SET status = ?, expires_at = ?, updated_at = ?
		WHERE id = ?
		RETURNING ` + licenseKeyColumns

	updated, err := scanLicenseKey(tx.QueryRowContext(ctx, query, KeyStatusActive, newExpiry, now, id))
	if err != nil {
		return nil, err
	}

	if err := appendUsageLogIn(ctx, tx, id, ActionExtend, actor, map[string]any{
		"days":       days,
		"expires_at": newExpiry,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

// Revoke sets a key to revoked and deactivates all of its device activations
// in one transaction. Irreversible through this interface.
func (s *LicenseKeyStore) Revoke(ctx context.Context, id int, reason, actor string) (*LicenseKey, error) {
	return s.terminate(ctx, id, KeyStatusRevoked, ActionRevoke, reason, actor)
}

// RevokeTx is Revoke inside a caller-owned transaction, used by order refunds.
func (s *LicenseKeyStore) RevokeTx(ctx context.Context, tx *sql.Tx, id int, reason, actor string) (*LicenseKey, error) {
	return s.terminateIn(ctx, tx, id, KeyStatusRevoked, ActionRevoke, reason, actor)
}

// Ban sets a key to banned; same cascade as Revoke.
func (s *LicenseKeyStore) Ban(ctx context.Context, id int, actor string) (*LicenseKey, error) {
	return s.terminate(ctx, id, KeyStatusBanned, ActionBan, "", actor)
}

func (s *LicenseKeyStore) terminate(ctx context.Context, id int, status, action, reason, actor string) (*LicenseKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	key, err := s.terminateIn(ctx, tx, id, status, action, reason, actor)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *LicenseKeyStore) terminateIn(ctx context.Context, tx *sql.Tx, id int, status, action, reason, actor string) (*LicenseKey, error) {
	key, err := getLicenseKeyIn(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if key.Status == KeyStatusRevoked || key.Status == KeyStatusBanned {
		return nil, fmt.Errorf("key already in terminal status %s: %w", key.Status, errs.ErrInvalidState)
	}

	if err := deactivateAllDevicesIn(ctx, tx, id); err != nil {
		return nil, err
	}

	query := `
		UPDATE license_keys
		SET status = ?, current_devices = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
		RETURNING ` + licenseKeyColumns

	updated, err := scanLicenseKey(tx.QueryRowContext(ctx, query, status, id))
	if err != nil {
		return nil, err
	}

	if err := appendUsageLogIn(ctx, tx, id, action, actor, map[string]any{
		"reason": reason,
	}); err != nil {
		return nil, err
	}

	return updated, nil
}

// ResetDevices deactivates all active device activations and zeroes the
// counter without changing the key status.
func (s *LicenseKeyStore) ResetDevices(ctx context.Context, id int, actor string) (*LicenseKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := getLicenseKeyIn(ctx, tx, id); err != nil {
		return nil, err
	}

	if err := deactivateAllDevicesIn(ctx, tx, id); err != nil {
		return nil, err
	}

	query := `
		UPDATE license_keys
		SET current_devices = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
		RETURNING ` + licenseKeyColumns

	updated, err := scanLicenseKey(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}

	if err := appendUsageLogIn(ctx, tx, id, ActionResetHWID, actor, nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkExpired flips active keys whose expiry has passed to expired. Returns
// the number of keys transitioned. Called by the background sweeper.
func (s *LicenseKeyStore) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE license_keys
		SET status = ?, updated_at = ?
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?
	`

	result, err := s.db.ExecContext(ctx, query, KeyStatusExpired, now, KeyStatusActive, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// AssignOwner binds an unassigned key to a user.
func (s *LicenseKeyStore) AssignOwner(ctx context.Context, id, userID int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE license_keys SET user_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, userID, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Delete removes a key and, via foreign keys, its activations and usage logs.
// Admin-only escape hatch.
func (s *LicenseKeyStore) Delete(ctx context.Context, id int) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM license_keys WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// CountByStatus returns key counts grouped by status, used by the metrics
// collector.
func (s *LicenseKeyStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM license_keys GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

func (s *LicenseKeyStore) queryKeys(ctx context.Context, query string, args ...any) ([]*LicenseKey, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*LicenseKey
	for rows.Next() {
		key := &LicenseKey{}
		err := rows.Scan(
			&key.ID,
			&key.Key,
			&key.UserID,
			&key.PlanID,
			&key.OrderID,
			&key.Status,
			&key.ActivatedAt,
			&key.ExpiresAt,
			&key.MaxDevices,
			&key.CurrentDevices,
			&key.Notes,
			&key.CreatedAt,
			&key.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

func scanLicenseKey(row *sql.Row) (*LicenseKey, error) {
	key := &LicenseKey{}
	err := row.Scan(
		&key.ID,
		&key.Key,
		&key.UserID,
		&key.PlanID,
		&key.OrderID,
		&key.Status,
		&key.ActivatedAt,
		&key.ExpiresAt,
		&key.MaxDevices,
		&key.CurrentDevices,
		&key.Notes,
		&key.CreatedAt,
		&key.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return key, nil
}
