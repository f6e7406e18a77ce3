// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/database"
	"github.com/keygate/keygate/internal/models"
	"github.com/keygate/keygate/internal/notifications"
)

// testEnv wires real stores over an in-memory database, mirroring the
// production wiring in cmd/keygate.
type testEnv struct {
	db        *database.DB
	cfg       *config.AppConfig
	users     *models.UserStore
	plans     *models.PlanStore
	keys      *models.LicenseKeyStore
	orders    *models.OrderStore
	payments  *models.PaymentStore
	claims    *models.ClaimSessionStore
	resellers *models.ResellerStore

	licenses    *LicenseService
	orderSvc    *OrderService
	processor   *PaymentProcessor
	claimSvc    *ClaimService
	resellerSvc *ResellerService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.AppConfig{
		Config: &config.Config{
			Webhook: config.WebhookConfig{
				Secret:                 "test-webhook-secret",
				FreshnessWindowMinutes: 5,
			},
			Payments: config.PaymentsConfig{
				CommonCurrency:  "USD",
				AmountTolerance: 1.0,
				ExchangeRates:   map[string]float64{"USD": 1.0, "EUR": 0.9},
			},
			Claims: config.ClaimsConfig{
				SessionTTLHours: 6,
				TrialMinutes:    240,
			},
		},
	}

	env := &testEnv{
		db:        db,
		cfg:       cfg,
		users:     models.NewUserStore(db.Conn()),
		plans:     models.NewPlanStore(db.Conn()),
		keys:      models.NewLicenseKeyStore(db.Conn()),
		orders:    models.NewOrderStore(db.Conn()),
		payments:  models.NewPaymentStore(db.Conn()),
		claims:    models.NewClaimSessionStore(db.Conn()),
		resellers: models.NewResellerStore(db.Conn()),
	}

	activations := models.NewDeviceActivationStore(db.Conn())
	usage := models.NewUsageLogStore(db.Conn())
	notifier := notifications.NewLogNotifier()

	env.licenses, err = NewLicenseService(env.keys, activations, env.plans, usage, notifier)
	require.NoError(t, err)

	env.orderSvc = NewOrderService(db, env.orders, env.keys, env.plans, notifier)
	env.processor = NewPaymentProcessor(cfg, env.payments, env.orders, env.orderSvc)
	env.claimSvc = NewClaimService(db, cfg, env.claims, env.keys, env.plans, notifier)
	env.resellerSvc = NewResellerService(env.resellers, env.plans, env.licenses)

	return env
}

func (e *testEnv) seedUserAndPlan(t *testing.T) (*models.User, *models.Plan) {
	t.Helper()

	user, err := e.users.Create(context.Background(), "buyer", "x", "buyer@example.com", models.RoleUser)
	require.NoError(t, err)

	plan, err := e.plans.Create(context.Background(), "monthly", 9.99, "USD", "month", 1, 3)
	require.NoError(t, err)

	return user, plan
}
