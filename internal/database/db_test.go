// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestMigrationsApply(t *testing.T) {
	db, err := NewInMemory()
	require.NoError(t, err)
	defer db.Close()

	tables := []string{
		"users", "plans", "license_keys", "device_activations",
		"orders", "payments", "resellers", "reseller_transactions",
		"claim_sessions", "usage_logs",
	}

	for _, table := range tables {
		var name string
		err := db.Conn().QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&name)
		require.NoError(t, err, "table %s missing", table)
		assert.Equal(t, table, name)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "keygate.db")

	db, err := New(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopening re-runs migrate against the already-stamped schema
	db, err = New(dbPath)
	require.NoError(t, err)
	defer db.Close()

	var count int
	err = db.Conn().QueryRow(`SELECT COUNT(*) FROM migrations`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestForeignKeysEnforced(t *testing.T) {
	db, err := NewInMemory()
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Conn().Exec(
		`INSERT INTO license_keys (key, plan_id, status) VALUES ('KG-TEST', 9999, 'inactive')`)
	assert.Error(t, err)
}
