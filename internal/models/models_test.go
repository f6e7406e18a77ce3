// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/keygate/keygate/internal/database"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db.Conn()
}

func seedUser(t *testing.T, db *sql.DB, username, role string) *User {
	t.Helper()

	store := NewUserStore(db)
	user, err := store.Create(context.Background(), username, "x", username+"@example.com", role)
	require.NoError(t, err)
	return user
}

func seedPlan(t *testing.T, db *sql.DB, name string, maxDevices int) *Plan {
	t.Helper()

	store := NewPlanStore(db)
	plan, err := store.Create(context.Background(), name, 9.99, "USD", "month", 1, maxDevices)
	require.NoError(t, err)
	return plan
}
