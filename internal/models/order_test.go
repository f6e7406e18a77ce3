// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate/keygate/internal/errs"
)

func TestOrderCreate(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	user := seedUser(t, db, "buyer", RoleUser)
	plan := seedPlan(t, db, "monthly", 1)
	store := NewOrderStore(db)

	order, err := store.Create(ctx, user.ID, plan.ID, 9.99, "USD")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(order.OrderNumber, "ORD-"))
	assert.Len(t, order.OrderNumber, 12)
	assert.Equal(t, OrderStatusPending, order.Status)
	assert.Equal(t, PaymentStatusPending, order.PaymentStatus)
	assert.Nil(t, order.LicenseKeyID)
	assert.Nil(t, order.PaidAt)
}

func TestOrderCompletionIsSingleShot(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	user := seedUser(t, db, "buyer", RoleUser)
	plan := seedPlan(t, db, "monthly", 1)
	orders := NewOrderStore(db)
	keys := NewLicenseKeyStore(db)

	order, err := orders.Create(ctx, user.ID, plan.ID, 9.99, "USD")
	require.NoError(t, err)

	now := time.Now()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	key, err := keys.CreateIn(ctx, tx, plan.ID, &user.ID, &order.ID)
	require.NoError(t, err)
	completed, err := orders.MarkCompletedTx(ctx, tx, order.ID, key.ID, now, "admin")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, OrderStatusCompleted, completed.Status)
	assert.Equal(t, PaymentStatusCompleted, completed.PaymentStatus)
	require.NotNil(t, completed.LicenseKeyID)
	assert.Equal(t, key.ID, *completed.LicenseKeyID)
	require.NotNil(t, completed.PaidAt)

	// Completion lands an ORDER_PAID entry in the key's audit trail
	logs, err := NewUsageLogStore(db).ListForKey(ctx, key.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, ActionOrderPaid, logs[0].Action)
	assert.Equal(t, "admin", logs[0].Actor)

	// Replaying the completion hits the payment_status guard
	tx, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = orders.MarkCompletedTx(ctx, tx, order.ID, key.ID, now, "admin")
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	tx.Rollback()

	// Completed orders no longer match by pending lookup
	_, err = orders.GetPendingByNumber(ctx, order.OrderNumber)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestOrderCancelRules(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	user := seedUser(t, db, "buyer", RoleUser)
	plan := seedPlan(t, db, "monthly", 1)
	orders := NewOrderStore(db)
	keys := NewLicenseKeyStore(db)

	pending, err := orders.Create(ctx, user.ID, plan.ID, 9.99, "USD")
	require.NoError(t, err)

	cancelled, err := orders.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusCancelled, cancelled.Status)

	// Cancelling twice fails
	_, err = orders.Cancel(ctx, pending.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	// A completed order cannot be cancelled
	paid, err := orders.Create(ctx, user.ID, plan.ID, 9.99, "USD")
	require.NoError(t, err)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	key, err := keys.CreateIn(ctx, tx, plan.ID, &user.ID, &paid.ID)
	require.NoError(t, err)
	_, err = orders.MarkCompletedTx(ctx, tx, paid.ID, key.ID, time.Now(), "admin")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	_, err = orders.Cancel(ctx, paid.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestOrderRefundRequiresCompletion(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	user := seedUser(t, db, "buyer", RoleUser)
	plan := seedPlan(t, db, "monthly", 1)
	orders := NewOrderStore(db)

	order, err := orders.Create(ctx, user.ID, plan.ID, 9.99, "USD")
	require.NoError(t, err)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = orders.MarkRefundedTx(ctx, tx, order.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	tx.Rollback()
}
