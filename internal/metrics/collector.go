// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/keygate/keygate/internal/models"
)

// EntitlementCollector reads counts straight from the stores on scrape.
// The queries are cheap aggregate scans; no state is kept between scrapes.
type EntitlementCollector struct {
	keyStore      *models.LicenseKeyStore
	orderStore    *models.OrderStore
	paymentStore  *models.PaymentStore
	resellerStore *models.ResellerStore

	keysByStatusDesc    *prometheus.Desc
	ordersByStatusDesc  *prometheus.Desc
	paymentsTotalDesc   *prometheus.Desc
	resellerBalanceDesc *prometheus.Desc
	scrapeErrorsDesc    *prometheus.Desc
}

func NewEntitlementCollector(
	keyStore *models.LicenseKeyStore,
	orderStore *models.OrderStore,
	paymentStore *models.PaymentStore,
	resellerStore *models.ResellerStore,
) *EntitlementCollector {
	return &EntitlementCollector{
		keyStore:      keyStore,
		orderStore:    orderStore,
		paymentStore:  paymentStore,
		resellerStore: resellerStore,

		keysByStatusDesc: prometheus.NewDesc(
			"keygate_license_keys",
			"Number of license keys by status",
			[]string{"status"},
			nil,
		),
		ordersByStatusDesc: prometheus.NewDesc(
			"keygate_orders",
			"Number of orders by status",
			[]string{"status"},
			nil,
		),
		paymentsTotalDesc: prometheus.NewDesc(
			"keygate_payments_total",
			"Total number of recorded payment notifications",
			nil,
			nil,
		),
		resellerBalanceDesc: prometheus.NewDesc(
			"keygate_reseller_balance",
			"Current balance by reseller",
			[]string{"reseller_id"},
			nil,
		),
		scrapeErrorsDesc: prometheus.NewDesc(
			"keygate_scrape_errors_total",
			"Total number of scrape errors by source",
			[]string{"source"},
			nil,
		),
	}
}

func (c *EntitlementCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.keysByStatusDesc
	ch <- c.ordersByStatusDesc
	ch <- c.paymentsTotalDesc
	ch <- c.resellerBalanceDesc
	ch <- c.scrapeErrorsDesc
}

func (c *EntitlementCollector) reportError(ch chan<- prometheus.Metric, source string) {
	ch <- prometheus.MustNewConstMetric(
		c.scrapeErrorsDesc,
		prometheus.CounterValue,
		1,
		source,
	)
}

func (c *EntitlementCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	keyCounts, err := c.keyStore.CountByStatus(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count license keys for metrics")
		c.reportError(ch, "license_keys")
	} else {
		for status, count := range keyCounts {
			ch <- prometheus.MustNewConstMetric(
				c.keysByStatusDesc,
				prometheus.GaugeValue,
				float64(count),
				status,
			)
		}
	}

	orderCounts, err := c.orderStore.CountByStatus(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count orders for metrics")
		c.reportError(ch, "orders")
	} else {
		for status, count := range orderCounts {
			ch <- prometheus.MustNewConstMetric(
				c.ordersByStatusDesc,
				prometheus.GaugeValue,
				float64(count),
				status,
			)
		}
	}

	paymentCount, err := c.paymentStore.Count(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count payments for metrics")
		c.reportError(ch, "payments")
	} else {
		ch <- prometheus.MustNewConstMetric(
			c.paymentsTotalDesc,
			prometheus.CounterValue,
			float64(paymentCount),
		)
	}

	resellers, err := c.resellerStore.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list resellers for metrics")
		c.reportError(ch, "resellers")
	} else {
		for _, reseller := range resellers {
			ch <- prometheus.MustNewConstMetric(
				c.resellerBalanceDesc,
				prometheus.GaugeValue,
				reseller.Balance,
				strconv.Itoa(reseller.ID),
			)
		}
	}
}
