// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentDedupByProviderTxnID(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := NewPaymentStore(db)

	now := time.Now()
	first, dup, err := store.Create(ctx, "txn-100", 9.99, "USD", "Order: ORD-AAAA1111", now)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.Applied)

	// Replay with the same provider id returns the original row
	second, dup, err := store.Create(ctx, "txn-100", 9.99, "USD", "Order: ORD-AAAA1111", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, second.ID)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPaymentMarkApplied(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	user := seedUser(t, db, "buyer", RoleUser)
	plan := seedPlan(t, db, "monthly", 1)
	orders := NewOrderStore(db)
	store := NewPaymentStore(db)

	order, err := orders.Create(ctx, user.ID, plan.ID, 9.99, "USD")
	require.NoError(t, err)

	payment, _, err := store.Create(ctx, "txn-200", 9.99, "USD", "Order: "+order.OrderNumber, time.Now())
	require.NoError(t, err)

	require.NoError(t, store.MarkApplied(ctx, payment.ID, order.ID))

	applied, err := store.Get(ctx, payment.ID)
	require.NoError(t, err)
	assert.True(t, applied.Applied)
	require.NotNil(t, applied.MatchedOrderID)
	assert.Equal(t, order.ID, *applied.MatchedOrderID)

	// Dedup replay after application reports the applied state
	replay, dup, err := store.Create(ctx, "txn-200", 9.99, "USD", "", time.Now())
	require.NoError(t, err)
	assert.True(t, dup)
	assert.True(t, replay.Applied)
}

func TestPaymentIDsAreTimeSortable(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := NewPaymentStore(db)

	a, _, err := store.Create(ctx, "txn-a", 1, "USD", "", time.Now())
	require.NoError(t, err)
	b, _, err := store.Create(ctx, "txn-b", 1, "USD", "", time.Now())
	require.NoError(t, err)

	// ULIDs order by creation time
	assert.Less(t, a.ID, b.ID)

	list, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)
}
