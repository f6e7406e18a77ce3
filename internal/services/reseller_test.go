// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate/keygate/internal/errs"
	"github.com/keygate/keygate/internal/models"
)

func TestResellerPurchaseKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, plan := env.seedUserAndPlan(t)

	// 20% off the 9.99 plan price
	reseller, err := env.resellerSvc.Register(ctx, user.ID, "USD", 20)
	require.NoError(t, err)
	assert.Equal(t, models.ResellerStatusPending, reseller.Status)

	// Pending resellers cannot purchase
	_, _, err = env.resellerSvc.PurchaseKeys(ctx, reseller.ID, plan.ID, 1, "admin")
	require.Error(t, err)

	require.NoError(t, env.resellerSvc.Approve(ctx, reseller.ID))

	_, err = env.resellerSvc.Deposit(ctx, reseller.ID, 100, "admin", "initial deposit")
	require.NoError(t, err)

	keys, txn, err := env.resellerSvc.PurchaseKeys(ctx, reseller.ID, plan.ID, 3, "admin")
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, models.TxnTypeCharge, txn.Type)
	assert.InDelta(t, 3*9.99*0.8, txn.Amount, 0.001)
	assert.InDelta(t, 100-3*9.99*0.8, txn.BalanceAfter, 0.001)

	// Keys are attributed to the reseller's user account
	for _, key := range keys {
		require.NotNil(t, key.UserID)
		assert.Equal(t, user.ID, *key.UserID)
	}

	stored, replayed, err := env.resellerSvc.VerifyBalance(ctx, reseller.ID)
	require.NoError(t, err)
	assert.InDelta(t, stored, replayed, 0.001)

	// Per-order quota (schema default 10) caps a single batch
	_, _, err = env.resellerSvc.PurchaseKeys(ctx, reseller.ID, plan.ID, 11, "admin")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestResellerPurchaseInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, plan := env.seedUserAndPlan(t)

	reseller, err := env.resellerSvc.Register(ctx, user.ID, "USD", 0)
	require.NoError(t, err)
	require.NoError(t, env.resellerSvc.Approve(ctx, reseller.ID))

	_, err = env.resellerSvc.Deposit(ctx, reseller.ID, 5, "admin", "seed")
	require.NoError(t, err)

	_, _, err = env.resellerSvc.PurchaseKeys(ctx, reseller.ID, plan.ID, 1, "admin")
	_, ok := errs.IsInsufficientBalance(err)
	assert.True(t, ok)

	// Failed purchase leaves no keys and no charge in the ledger
	keys, err := env.keys.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)

	ledger, err := env.resellerSvc.Ledger(ctx, reseller.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, models.TxnTypeDeposit, ledger[0].Type)
}

func TestResellerSuspendBlocksPurchase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, plan := env.seedUserAndPlan(t)

	reseller, err := env.resellerSvc.Register(ctx, user.ID, "USD", 0)
	require.NoError(t, err)
	require.NoError(t, env.resellerSvc.Approve(ctx, reseller.ID))
	_, err = env.resellerSvc.Deposit(ctx, reseller.ID, 100, "admin", "seed")
	require.NoError(t, err)

	require.NoError(t, env.resellerSvc.Suspend(ctx, reseller.ID))

	_, _, err = env.resellerSvc.PurchaseKeys(ctx, reseller.ID, plan.ID, 1, "admin")
	require.Error(t, err)
}
