// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/keygate/keygate/internal/errs"
)

// Device activation statuses
const (
	DeviceStatusActive      = "active"
	DeviceStatusDeactivated = "deactivated"
)

// DeviceActivation binds one license key to one device fingerprint.
type DeviceActivation struct {
	ID                int        `json:"id"`
	LicenseKeyID      int        `json:"license_key_id"`
	DeviceFingerprint string     `json:"device_fingerprint"`
	Status            string     `json:"status"`
	ActivatedAt       time.Time  `json:"activated_at"`
	DeactivatedAt     *time.Time `json:"deactivated_at,omitempty"`
}

type DeviceActivationStore struct {
	db *sql.DB
}

func NewDeviceActivationStore(db *sql.DB) *DeviceActivationStore {
	return &DeviceActivationStore{db: db}
}

// Activate binds a device fingerprint to a license key, enforcing the
// per-key device ceiling. Re-activation from a fingerprint that is already
// active returns the existing binding unchanged.
//
// The usability check, ceiling check and counter increment are one
// conditional UPDATE, so an activation racing a revoke or another
// activation for the last slot resolves correctly regardless of
// interleaving. The snapshot check up front is only a fast rejection.
func (s *DeviceActivationStore) Activate(ctx context.Context, key *LicenseKey, fingerprint string, now time.Time) (*DeviceActivation, error) {
	if fingerprint == "" {
		return nil, fmt.Errorf("device fingerprint is required: %w", errs.ErrInvalidInput)
	}
	if !key.IsUsable(now) {
		return nil, fmt.Errorf("key %s is not active or has expired: %w", key.Status, errs.ErrInvalidState)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Claims a slot only when the key is still active and unexpired, the
	// ceiling allows it and this fingerprint is not already active. Zero
	// rows means one of those conditions failed; which one is resolved
	// below.
	claim := `
		UPDATE license_keys
		SET current_devices = current_devices + 1, updated_at = ?
		WHERE id = ?
		  AND status = ?
		  AND expires_at IS NOT NULL AND expires_at > ?
		  AND current_devices < max_devices
		  AND NOT EXISTS (
			SELECT 1 FROM device_activations
			WHERE license_key_id = ? AND device_fingerprint = ? AND status = ?
		  )
	`

	result, err := tx.ExecContext(ctx, claim, now, key.ID, KeyStatusActive, now, key.ID, fingerprint, DeviceStatusActive)
	if err != nil {
		return nil, err
	}

	claimed, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if claimed == 0 {
		current, err := getLicenseKeyIn(ctx, tx, key.ID)
		if err != nil {
			return nil, err
		}
		if !current.IsUsable(now) {
			// The snapshot went stale under us, e.g. a revoke committed
			// since the caller loaded the key
			return nil, fmt.Errorf("key %s is not active or has expired: %w", current.Status, errs.ErrInvalidState)
		}

		existing, err := getActivationIn(ctx, tx, key.ID, fingerprint)
		if err == nil && existing.Status == DeviceStatusActive {
			// Idempotent re-activation from the same device
			return existing, nil
		}
		if err != nil && err != errs.ErrNotFound {
			return nil, err
		}

		return nil, &errs.DeviceLimitExceededError{
			Used:  current.CurrentDevices,
			Limit: current.MaxDevices,
		}
	}

	upsert := `
		INSERT INTO device_activations (license_key_id, device_fingerprint, status, activated_at, deactivated_at)
		VALUES (?, ?, ?, ?, NULL)
		ON CONFLICT (license_key_id, device_fingerprint)
		DO UPDATE SET status = excluded.status, activated_at = excluded.activated_at, deactivated_at = NULL
		RETURNING id, license_key_id, device_fingerprint, status, activated_at, deactivated_at
	`

	activation, err := scanActivation(tx.QueryRowContext(ctx, upsert, key.ID, fingerprint, DeviceStatusActive, now))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return activation, nil
}

// Deactivate releases a device slot. Idempotent: deactivating an already
// inactive or unknown fingerprint is a no-op.
func (s *DeviceActivationStore) Deactivate(ctx context.Context, keyID int, fingerprint string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	release := `
		UPDATE device_activations
		SET status = ?, deactivated_at = ?
		WHERE license_key_id = ? AND device_fingerprint = ? AND status = ?
	`

	result, err := tx.ExecContext(ctx, release, DeviceStatusDeactivated, now, keyID, fingerprint, DeviceStatusActive)
	if err != nil {
		return err
	}

	released, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if released == 0 {
		// Already inactive, nothing to do
		return nil
	}

	decrement := `
		UPDATE license_keys
		SET current_devices = current_devices - 1, updated_at = ?
		WHERE id = ? AND current_devices > 0
	`

	if _, err := tx.ExecContext(ctx, decrement, now, keyID); err != nil {
		return err
	}

	return tx.Commit()
}

// ListForKey returns all activations for a key, active first.
func (s *DeviceActivationStore) ListForKey(ctx context.Context, keyID int) ([]*DeviceActivation, error) {
	query := `
		SELECT id, license_key_id, device_fingerprint, status, activated_at, deactivated_at
		FROM device_activations
		WHERE license_key_id = ?
		ORDER BY status ASC, activated_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, keyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activations []*DeviceActivation
	for rows.Next() {
		a := &DeviceActivation{}
		err := rows.Scan(
			&a.ID,
			&a.LicenseKeyID,
			&a.DeviceFingerprint,
			&a.Status,
			&a.ActivatedAt,
			&a.DeactivatedAt,
		)
		if err != nil {
			return nil, err
		}
		activations = append(activations, a)
	}

	return activations, rows.Err()
}

// CountActive returns the number of active bindings for a key.
func (s *DeviceActivationStore) CountActive(ctx context.Context, keyID int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_activations WHERE license_key_id = ? AND status = ?`,
		keyID, DeviceStatusActive).Scan(&count)
	return count, err
}

// deactivateAllDevicesIn flips every active binding for a key; used by
// revoke, ban and HWID reset, always inside the caller's transaction.
func deactivateAllDevicesIn(ctx context.Context, q dbtx, keyID int) error {
	query := `
		UPDATE device_activations
		SET status = ?, deactivated_at = CURRENT_TIMESTAMP
		WHERE license_key_id = ? AND status = ?
	`

	_, err := q.ExecContext(ctx, query, DeviceStatusDeactivated, keyID, DeviceStatusActive)
	return err
}

func getActivationIn(ctx context.Context, q dbtx, keyID int, fingerprint string) (*DeviceActivation, error) {
	query := `
		SELECT id, license_key_id, device_fingerprint, status, activated_at, deactivated_at
		FROM device_activations
		WHERE license_key_id = ? AND device_fingerprint = ?
	`

	return scanActivation(q.QueryRowContext(ctx, query, keyID, fingerprint))
}

func scanActivation(row *sql.Row) (*DeviceActivation, error) {
	a := &DeviceActivation{}
	err := row.Scan(
		&a.ID,
		&a.LicenseKeyID,
		&a.DeviceFingerprint,
		&a.Status,
		&a.ActivatedAt,
		&a.DeactivatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return a, nil
}
