// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate/keygate/internal/errs"
)

func TestDeviceActivation(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	plan := seedPlan(t, db, "basic", 2)
	keys := NewLicenseKeyStore(db)
	activations := NewDeviceActivationStore(db)

	key, err := keys.Create(ctx, plan.ID, nil, nil)
	require.NoError(t, err)

	now := time.Now()

	// Inactive keys cannot bind devices
	_, err = activations.Activate(ctx, key, "device-1", now)
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	key, err = keys.Activate(ctx, key.ID, now, "admin")
	require.NoError(t, err)

	// Empty fingerprint rejected
	_, err = activations.Activate(ctx, key, "", now)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	first, err := activations.Activate(ctx, key, "device-1", now)
	require.NoError(t, err)
	assert.Equal(t, DeviceStatusActive, first.Status)

	// Same fingerprint again is idempotent: same binding, no new slot
	again, err := activations.Activate(ctx, key, "device-1", now)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	key, err = keys.Get(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, key.CurrentDevices)

	// Second device fills the key
	_, err = activations.Activate(ctx, key, "device-2", now)
	require.NoError(t, err)

	// Third device hits the ceiling with the counts attached
	_, err = activations.Activate(ctx, key, "device-3", now)
	limitErr, ok := errs.IsDeviceLimitExceeded(err)
	require.True(t, ok, "expected device limit error, got %v", err)
	assert.Equal(t, 2, limitErr.Used)
	assert.Equal(t, 2, limitErr.Limit)

	// Deactivating frees a slot for a new device
	require.NoError(t, activations.Deactivate(ctx, key.ID, "device-1", now))
	key, err = keys.Get(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, key.CurrentDevices)

	_, err = activations.Activate(ctx, key, "device-3", now)
	require.NoError(t, err)

	// Deactivate is idempotent, including for unknown fingerprints
	require.NoError(t, activations.Deactivate(ctx, key.ID, "device-1", now))
	require.NoError(t, activations.Deactivate(ctx, key.ID, "never-seen", now))
}

func TestActivationWithStaleKeySnapshot(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	plan := seedPlan(t, db, "basic", 2)
	keys := NewLicenseKeyStore(db)
	activations := NewDeviceActivationStore(db)

	key, err := keys.Create(ctx, plan.ID, nil, nil)
	require.NoError(t, err)

	now := time.Now()
	snapshot, err := keys.Activate(ctx, key.ID, now, "admin")
	require.NoError(t, err)

	// The key is revoked after the caller loaded it
	_, err = keys.Revoke(ctx, key.ID, "abuse", "admin")
	require.NoError(t, err)

	// The stale snapshot still says active; the claim statement must not
	_, err = activations.Activate(ctx, snapshot, "device-1", now)
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	active, err := activations.CountActive(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, active)

	key, err = keys.Get(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, KeyStatusRevoked, key.Status)
	assert.Equal(t, 0, key.CurrentDevices)

	// Same race against the expiry clock: the stored row expires while the
	// snapshot still carries the original expiry
	plan2 := seedPlan(t, db, "short", 2)
	key2, err := keys.Create(ctx, plan2.ID, nil, nil)
	require.NoError(t, err)
	snapshot2, err := keys.Activate(ctx, key2.ID, now, "admin")
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE license_keys SET expires_at = ? WHERE id = ?`,
		now.Add(-time.Minute), key2.ID)
	require.NoError(t, err)

	_, err = activations.Activate(ctx, snapshot2, "device-1", now)
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	active, err = activations.CountActive(ctx, key2.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, active)
}

func TestDeviceActivationConcurrent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	plan := seedPlan(t, db, "team", 3)
	keys := NewLicenseKeyStore(db)
	activations := NewDeviceActivationStore(db)

	key, err := keys.Create(ctx, plan.ID, nil, nil)
	require.NoError(t, err)
	key, err = keys.Activate(ctx, key.ID, time.Now(), "admin")
	require.NoError(t, err)

	const attempts = 10
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := activations.Activate(ctx, key, fmt.Sprintf("device-%d", n), time.Now())
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var succeeded, limited int
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		if _, ok := errs.IsDeviceLimitExceeded(err); ok {
			limited++
			continue
		}
		t.Fatalf("unexpected activation error: %v", err)
	}

	// Exactly max_devices activations win regardless of interleaving
	assert.Equal(t, 3, succeeded)
	assert.Equal(t, attempts-3, limited)

	key, err = keys.Get(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, key.CurrentDevices)

	active, err := activations.CountActive(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, active)
}

func TestResetDevices(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	plan := seedPlan(t, db, "basic", 2)
	keys := NewLicenseKeyStore(db)
	activations := NewDeviceActivationStore(db)

	key, err := keys.Create(ctx, plan.ID, nil, nil)
	require.NoError(t, err)
	key, err = keys.Activate(ctx, key.ID, time.Now(), "admin")
	require.NoError(t, err)

	_, err = activations.Activate(ctx, key, "device-1", time.Now())
	require.NoError(t, err)
	_, err = activations.Activate(ctx, key, "device-2", time.Now())
	require.NoError(t, err)

	reset, err := keys.ResetDevices(ctx, key.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, 0, reset.CurrentDevices)
	assert.Equal(t, KeyStatusActive, reset.Status)

	active, err := activations.CountActive(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, active)

	// Freed slots are reusable
	_, err = activations.Activate(ctx, reset, "device-3", time.Now())
	require.NoError(t, err)
}
