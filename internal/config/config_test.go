// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesDefaultConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := New(dir)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Config.Host)
	assert.Equal(t, 8080, cfg.Config.Port)
	assert.Equal(t, 5*time.Minute, cfg.FreshnessWindow())
	assert.Equal(t, 1.0, cfg.AmountTolerance())
	assert.Equal(t, "USD", cfg.CommonCurrency())
	assert.Equal(t, 6*time.Hour, cfg.ClaimSessionTTL())
	assert.Equal(t, 4*time.Hour, cfg.TrialDuration())
	assert.Equal(t, 0.0, cfg.ResellerBalanceFloor())

	// Fresh secrets are generated into the new file
	assert.NotEmpty(t, cfg.Config.SessionSecret)
	assert.NotEmpty(t, cfg.WebhookSecret())
}

func TestToCommonCurrency(t *testing.T) {
	cfg := &AppConfig{
		Config: &Config{
			Payments: PaymentsConfig{
				CommonCurrency: "USD",
				ExchangeRates:  map[string]float64{"USD": 1.0, "EUR": 0.9},
			},
		},
	}

	got, err := cfg.ToCommonCurrency(10, "USD")
	require.NoError(t, err)
	assert.Equal(t, 10.0, got)

	got, err = cfg.ToCommonCurrency(9, "eur")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, got, 0.001)

	_, err = cfg.ToCommonCurrency(10, "XAU")
	assert.Error(t, err)
}

func TestResellerBalanceFloor(t *testing.T) {
	cfg := &AppConfig{
		Config: &Config{
			Resellers: ResellersConfig{
				AllowNegativeBalance: false,
				NegativeGraceLimit:   50,
			},
		},
	}
	assert.Equal(t, 0.0, cfg.ResellerBalanceFloor())

	cfg.Config.Resellers.AllowNegativeBalance = true
	assert.Equal(t, -50.0, cfg.ResellerBalanceFloor())
}
