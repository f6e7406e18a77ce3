// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/keygate/keygate/internal/auth"
	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/database"
	"github.com/keygate/keygate/internal/models"
	"github.com/keygate/keygate/internal/notifications"
	"github.com/keygate/keygate/internal/services"
)

func newTestRouter(t *testing.T) (http.Handler, *database.DB) {
	t.Helper()

	db, err := database.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.AppConfig{
		Config: &config.Config{
			SessionSecret: "router-test-secret",
			Webhook: config.WebhookConfig{
				Secret:                 "hook-secret",
				FreshnessWindowMinutes: 5,
			},
			Payments: config.PaymentsConfig{
				CommonCurrency:  "USD",
				AmountTolerance: 1.0,
				ExchangeRates:   map[string]float64{"USD": 1.0},
			},
			Claims: config.ClaimsConfig{SessionTTLHours: 6, TrialMinutes: 240},
		},
	}

	userStore := models.NewUserStore(db.Conn())
	planStore := models.NewPlanStore(db.Conn())
	keyStore := models.NewLicenseKeyStore(db.Conn())
	orderStore := models.NewOrderStore(db.Conn())
	paymentStore := models.NewPaymentStore(db.Conn())
	claimStore := models.NewClaimSessionStore(db.Conn())
	resellerStore := models.NewResellerStore(db.Conn())
	activationStore := models.NewDeviceActivationStore(db.Conn())
	usageStore := models.NewUsageLogStore(db.Conn())

	notifier := notifications.NewLogNotifier()

	licenseSvc, err := services.NewLicenseService(keyStore, activationStore, planStore, usageStore, notifier)
	require.NoError(t, err)

	orderSvc := services.NewOrderService(db, orderStore, keyStore, planStore, notifier)
	processor := services.NewPaymentProcessor(cfg, paymentStore, orderStore, orderSvc)
	resellerSvc := services.NewResellerService(resellerStore, planStore, licenseSvc)
	claimSvc := services.NewClaimService(db, cfg, claimStore, keyStore, planStore, notifier)

	router := NewRouter(&Dependencies{
		Config:           cfg,
		AuthService:      auth.NewService(cfg.Config.SessionSecret, userStore),
		UserStore:        userStore,
		PlanStore:        planStore,
		LicenseService:   licenseSvc,
		OrderService:     orderSvc,
		PaymentProcessor: processor,
		ResellerService:  resellerSvc,
		ClaimService:     claimSvc,
	})

	return router, db
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, path := range []string{"/api/auth/me", "/api/orders/mine", "/api/licenses/mine"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestWebhookRejectsGarbage(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment",
		bytes.NewBufferString("not json at all"))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookResponseCarriesSuccess(t *testing.T) {
	router, _ := newTestRouter(t)

	payload, err := json.Marshal(map[string]any{
		"token":     "hook-secret",
		"txn_id":    "txn-router-1",
		"amount":    9.99,
		"currency":  "USD",
		"message":   "Order: ORD-NOSUCH01",
		"timestamp": time.Now().Unix(),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success   bool   `json:"success"`
		Status    string `json:"status"`
		PaymentID string `json:"paymentId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, services.ResultUnmatched, body.Status)
	assert.NotEmpty(t, body.PaymentID)
}

func TestValidateUnknownKey(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/licenses/validate/KG-NOPE", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClaimFlowOverHTTP(t *testing.T) {
	router, db := newTestRouter(t)
	ctx := context.Background()

	plans := models.NewPlanStore(db.Conn())
	plan, err := plans.Create(ctx, "trial", 0, "USD", "day", 1, 1)
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]any{"plan_id": plan.ID})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/claims/", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.Token)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/claims/"+created.Token+"/complete", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/claims/"+created.Token+"/claim", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var claimed struct {
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claimed))
	assert.NotEmpty(t, claimed.Key)

	// Replay is a conflict, not a second key
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/claims/"+created.Token+"/claim", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}
