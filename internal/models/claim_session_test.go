// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate/keygate/internal/errs"
)

func TestClaimSessionFlow(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	plan := seedPlan(t, db, "trial", 1)
	claims := NewClaimSessionStore(db)
	keys := NewLicenseKeyStore(db)

	now := time.Now()
	session, err := claims.Create(ctx, plan.ID, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ClaimStatusPending, session.Status)
	assert.NotEmpty(t, session.Token)
	assert.Nil(t, session.LicenseKeyID)

	// Claiming a pending session is premature
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = claims.ClaimTx(ctx, tx, session.Token, 1, now)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	tx.Rollback()

	require.NoError(t, claims.MarkCompleted(ctx, session.Token, now))

	// Duplicate completion callback is a no-op
	require.NoError(t, claims.MarkCompleted(ctx, session.Token, now))

	session, err = claims.GetByToken(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, ClaimStatusCompleted, session.Status)

	// Claim binds the issued key
	tx, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	key, err := keys.CreateIn(ctx, tx, plan.ID, nil, nil)
	require.NoError(t, err)
	claimed, err := claims.ClaimTx(ctx, tx, session.Token, key.ID, now)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, ClaimStatusClaimed, claimed.Status)
	require.NotNil(t, claimed.LicenseKeyID)
	assert.Equal(t, key.ID, *claimed.LicenseKeyID)

	// Second claim on the same token is rejected
	tx, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = claims.ClaimTx(ctx, tx, session.Token, key.ID, now)
	assert.ErrorIs(t, err, errs.ErrAlreadyClaimed)
	tx.Rollback()

	// As is a late completion callback
	err = claims.MarkCompleted(ctx, session.Token, now)
	assert.ErrorIs(t, err, errs.ErrAlreadyClaimed)
}

func TestClaimSessionExpiry(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	plan := seedPlan(t, db, "trial", 1)
	claims := NewClaimSessionStore(db)

	now := time.Now()
	pending, err := claims.Create(ctx, plan.ID, now.Add(time.Minute))
	require.NoError(t, err)
	completed, err := claims.Create(ctx, plan.ID, now.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, claims.MarkCompleted(ctx, completed.Token, now))
	fresh, err := claims.Create(ctx, plan.ID, now.Add(time.Hour))
	require.NoError(t, err)

	// Both pending and completed sessions expire past the TTL
	later := now.Add(5 * time.Minute)
	swept, err := claims.MarkExpired(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, int64(2), swept)

	for _, token := range []string{pending.Token, completed.Token} {
		session, err := claims.GetByToken(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, ClaimStatusExpired, session.Status)
	}

	session, err := claims.GetByToken(ctx, fresh.Token)
	require.NoError(t, err)
	assert.Equal(t, ClaimStatusPending, session.Status)

	// Completing an expired session fails
	err = claims.MarkCompleted(ctx, pending.Token, later)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	// Claiming an expired session fails even if it was completed in time
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = claims.ClaimTx(ctx, tx, completed.Token, 1, later)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	tx.Rollback()
}
