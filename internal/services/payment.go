// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/errs"
	"github.com/keygate/keygate/internal/models"
)

// Processing outcomes for an accepted notification. Anything here answers
// 200 to the provider; auth, freshness and parse failures are rejected
// outright.
const (
	ResultApplied        = "applied"
	ResultDuplicate      = "duplicate"
	ResultUnmatched      = "unmatched"
	ResultAmountMismatch = "amount_mismatch"
)

// Notification is the provider's payment callback payload after parsing.
type Notification struct {
	Token         string  `json:"token"`
	ProviderTxnID string  `json:"txn_id" validate:"required"`
	Amount        float64 `json:"amount" validate:"required,gt=0"`
	Currency      string  `json:"currency" validate:"required,len=3"`
	Message       string  `json:"message"`
	Timestamp     int64   `json:"timestamp" validate:"required"`
}

// ProcessResult reports what a notification did. Success means the payment
// was recorded; it stays true even when nothing could be applied to an
// order.
type ProcessResult struct {
	Success     bool   `json:"success"`
	Status      string `json:"status"`
	PaymentID   string `json:"paymentId,omitempty"`
	OrderNumber string `json:"orderNumber,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// orderRefPattern extracts the order code from free-text payment messages
// like "Order: ORD-7F3A2C1B thanks!".
var orderRefPattern = regexp.MustCompile(`(?i)order:\s*([A-Z0-9-]+)`)

// ParseOrderRef pulls the order code out of a payment message. Returns ""
// when the message carries no reference.
func ParseOrderRef(message string) string {
	match := orderRefPattern.FindStringSubmatch(message)
	if match == nil {
		return ""
	}
	return strings.ToUpper(match[1])
}

// PaymentProcessor ingests payment provider notifications and applies them
// to pending orders. Every notification is persisted before matching, so
// unmatched money is never silently lost, and the provider transaction id
// is the dedup key for replays.
type PaymentProcessor struct {
	cfg          *config.AppConfig
	paymentStore *models.PaymentStore
	orderStore   *models.OrderStore
	orders       *OrderService
	validate     *validator.Validate
}

func NewPaymentProcessor(
	cfg *config.AppConfig,
	paymentStore *models.PaymentStore,
	orderStore *models.OrderStore,
	orders *OrderService,
) *PaymentProcessor {
	return &PaymentProcessor{
		cfg:          cfg,
		paymentStore: paymentStore,
		orderStore:   orderStore,
		orders:       orders,
		validate:     validator.New(),
	}
}

// ParsePayload decodes a notification from either a form body with a
// `data` field holding JSON, or a raw JSON body.
func (p *PaymentProcessor) ParsePayload(body []byte, contentType string) (*Notification, error) {
	raw := body
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("%w: malformed form body", errs.ErrInvalidInput)
		}
		data := values.Get("data")
		if data == "" {
			return nil, fmt.Errorf("%w: missing data field", errs.ErrInvalidInput)
		}
		raw = []byte(data)
	}

	var notification Notification
	if err := json.Unmarshal(raw, &notification); err != nil {
		return nil, fmt.Errorf("%w: malformed notification json", errs.ErrInvalidInput)
	}

	if err := p.validate.Struct(&notification); err != nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrInvalidInput, err.Error())
	}

	return &notification, nil
}

// Process runs a parsed notification through verification, dedup, order
// matching and application. Returns errs.ErrUnauthorized on a bad token or
// a timestamp outside the freshness window; every other path yields a
// ProcessResult.
func (p *PaymentProcessor) Process(ctx context.Context, n *Notification) (*ProcessResult, error) {
	if subtle.ConstantTimeCompare([]byte(n.Token), []byte(p.cfg.WebhookSecret())) != 1 {
		return nil, errs.ErrUnauthorized
	}

	now := time.Now()
	sentAt := time.Unix(n.Timestamp, 0)
	if window := p.cfg.FreshnessWindow(); window > 0 {
		age := now.Sub(sentAt)
		if age > window || age < -window {
			log.Warn().
				Str("txnID", n.ProviderTxnID).
				Time("sentAt", sentAt).
				Msg("Rejected stale payment notification as potential replay")
			return nil, errs.ErrUnauthorized
		}
	}

	payment, dup, err := p.paymentStore.Create(ctx, n.ProviderTxnID, n.Amount, n.Currency, n.Message, now)
	if err != nil {
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}

	if dup {
		// At-least-once delivery from the provider: return the stored
		// outcome without re-matching or re-checking anything
		log.Info().
			Str("txnID", n.ProviderTxnID).
			Str("paymentID", payment.ID).
			Bool("applied", payment.Applied).
			Msg("Duplicate payment notification")
		return &ProcessResult{Success: true, Status: ResultDuplicate, PaymentID: payment.ID}, nil
	}

	orderRef := ParseOrderRef(n.Message)
	if orderRef == "" {
		log.Warn().
			Str("txnID", n.ProviderTxnID).
			Str("paymentID", payment.ID).
			Msg("Payment carries no order reference")
		return &ProcessResult{Success: true, Status: ResultUnmatched, PaymentID: payment.ID, Reason: "no order reference in message"}, nil
	}

	order, err := p.orderStore.GetPendingByNumber(ctx, orderRef)
	if err != nil {
		if err == errs.ErrNotFound {
			log.Warn().
				Str("txnID", n.ProviderTxnID).
				Str("orderRef", orderRef).
				Msg("Payment references no pending order")
			return &ProcessResult{Success: true, Status: ResultUnmatched, PaymentID: payment.ID, OrderNumber: orderRef, Reason: "no pending order with that number"}, nil
		}
		return nil, fmt.Errorf("failed to match order: %w", err)
	}

	if ok, reason := p.amountCovers(n.Amount, n.Currency, order); !ok {
		log.Warn().
			Str("txnID", n.ProviderTxnID).
			Str("orderNumber", order.OrderNumber).
			Float64("paid", n.Amount).
			Float64("due", order.Amount).
			Msg("Payment amount does not cover order")
		return &ProcessResult{Success: true, Status: ResultAmountMismatch, PaymentID: payment.ID, OrderNumber: order.OrderNumber, Reason: reason}, nil
	}

	_, completed, err := p.orders.Complete(ctx, order.ID, "payment:"+n.ProviderTxnID)
	if err != nil {
		return nil, fmt.Errorf("failed to apply payment to order %s: %w", order.OrderNumber, err)
	}

	if err := p.paymentStore.MarkApplied(ctx, payment.ID, order.ID); err != nil {
		// Order is already completed; the payment row just lost its link.
		// Log loudly rather than failing the provider callback.
		log.Error().Err(err).
			Str("paymentID", payment.ID).
			Str("orderNumber", order.OrderNumber).
			Msg("Failed to mark payment applied")
	}

	if !completed {
		return &ProcessResult{Success: true, Status: ResultDuplicate, PaymentID: payment.ID, OrderNumber: order.OrderNumber}, nil
	}

	log.Info().
		Str("txnID", n.ProviderTxnID).
		Str("orderNumber", order.OrderNumber).
		Msg("Payment applied to order")

	return &ProcessResult{Success: true, Status: ResultApplied, PaymentID: payment.ID, OrderNumber: order.OrderNumber}, nil
}

// amountCovers converts both sides to the common settlement currency and
// accepts paid amounts within the configured tolerance of the amount due.
// Overpayment always covers.
func (p *PaymentProcessor) amountCovers(paid float64, paidCurrency string, order *models.Order) (bool, string) {
	paidCommon, err := p.cfg.ToCommonCurrency(paid, paidCurrency)
	if err != nil {
		return false, fmt.Sprintf("unknown currency %s", paidCurrency)
	}

	dueCommon, err := p.cfg.ToCommonCurrency(order.Amount, order.Currency)
	if err != nil {
		return false, fmt.Sprintf("unknown order currency %s", order.Currency)
	}

	if paidCommon >= dueCommon {
		return true, ""
	}

	shortfall := dueCommon - paidCommon
	if shortfall <= p.cfg.AmountTolerance() {
		return true, ""
	}

	return false, fmt.Sprintf("short by %.2f %s", math.Abs(shortfall), p.cfg.CommonCurrency())
}
