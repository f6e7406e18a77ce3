// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate/keygate/internal/errs"
	"github.com/keygate/keygate/internal/models"
)

func TestLicenseGenerate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, plan := env.seedUserAndPlan(t)

	keys, err := env.licenses.Generate(ctx, plan.ID, 5, &user.ID)
	require.NoError(t, err)
	require.Len(t, keys, 5)

	seen := make(map[string]bool)
	for _, key := range keys {
		assert.Equal(t, models.KeyStatusInactive, key.Status)
		assert.False(t, seen[key.Key])
		seen[key.Key] = true
	}

	_, err = env.licenses.Generate(ctx, plan.ID, 0, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = env.licenses.Generate(ctx, plan.ID, 1001, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestLicenseValidate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, plan := env.seedUserAndPlan(t)

	keys, err := env.licenses.Generate(ctx, plan.ID, 1, nil)
	require.NoError(t, err)
	key := keys[0]

	// Inactive keys resolve but do not validate
	_, valid, err := env.licenses.Validate(ctx, key.Key)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = env.licenses.Activate(ctx, key.ID, "admin")
	require.NoError(t, err)

	_, valid, err = env.licenses.Validate(ctx, key.Key)
	require.NoError(t, err)
	assert.True(t, valid)

	_, _, err = env.licenses.Validate(ctx, "KG-DOESNOTEXIST")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLicenseValidateChecksWallClock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, plan := env.seedUserAndPlan(t)

	keys, err := env.licenses.Generate(ctx, plan.ID, 1, nil)
	require.NoError(t, err)
	key := keys[0]

	_, err = env.licenses.Activate(ctx, key.ID, "admin")
	require.NoError(t, err)

	// Push expiry into the past without touching the status column
	_, err = env.db.Conn().ExecContext(ctx,
		`UPDATE license_keys SET expires_at = ? WHERE id = ?`,
		time.Now().Add(-time.Hour), key.ID)
	require.NoError(t, err)
	env.licenses.invalidate(key.Key)

	resolved, valid, err := env.licenses.Validate(ctx, key.Key)
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, models.KeyStatusActive, resolved.Status)

	// The sweeper catches up the stored status
	swept, err := env.licenses.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	resolved, err = env.licenses.Get(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusExpired, resolved.Status)
}

func TestLicenseRevokeInvalidatesLookup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, plan := env.seedUserAndPlan(t)

	keys, err := env.licenses.Generate(ctx, plan.ID, 1, nil)
	require.NoError(t, err)
	key := keys[0]

	_, err = env.licenses.Activate(ctx, key.ID, "admin")
	require.NoError(t, err)

	// Warm the lookup cache, then revoke
	_, valid, err := env.licenses.Validate(ctx, key.Key)
	require.NoError(t, err)
	assert.True(t, valid)

	require.NoError(t, env.licenses.Revoke(ctx, key.ID, "admin", "abuse"))

	// ristretto applies buffered writes asynchronously
	time.Sleep(10 * time.Millisecond)

	resolved, valid, err := env.licenses.Validate(ctx, key.Key)
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, models.KeyStatusRevoked, resolved.Status)
}
