// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/keygate/keygate/internal/models"
)

type Manager struct {
	registry             *prometheus.Registry
	entitlementCollector *EntitlementCollector
}

func NewManager(
	keyStore *models.LicenseKeyStore,
	orderStore *models.OrderStore,
	paymentStore *models.PaymentStore,
	resellerStore *models.ResellerStore,
) *Manager {
	registry := prometheus.NewRegistry()

	entitlementCollector := NewEntitlementCollector(keyStore, orderStore, paymentStore, resellerStore)
	registry.MustRegister(entitlementCollector)

	log.Info().Msg("Metrics manager initialized with entitlement collector")

	return &Manager{
		registry:             registry,
		entitlementCollector: entitlementCollector,
	}
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}
