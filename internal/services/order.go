// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keygate/keygate/internal/database"
	"github.com/keygate/keygate/internal/errs"
	"github.com/keygate/keygate/internal/models"
	"github.com/keygate/keygate/internal/notifications"
)

// OrderService handles order lifecycle operations. Completion binds a
// fresh, activated license key to the order in one transaction; running it
// twice for the same order is a harmless no-op.
type OrderService struct {
	db         *database.DB
	orderStore *models.OrderStore
	keyStore   *models.LicenseKeyStore
	planStore  *models.PlanStore
	notifier   notifications.Notifier
}

func NewOrderService(
	db *database.DB,
	orderStore *models.OrderStore,
	keyStore *models.LicenseKeyStore,
	planStore *models.PlanStore,
	notifier notifications.Notifier,
) *OrderService {
	return &OrderService{
		db:         db,
		orderStore: orderStore,
		keyStore:   keyStore,
		planStore:  planStore,
		notifier:   notifier,
	}
}

// Create places a pending order for a plan, pricing it from the plan row.
func (s *OrderService) Create(ctx context.Context, userID, planID int) (*models.Order, error) {
	plan, err := s.planStore.Get(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}

	order, err := s.orderStore.Create(ctx, userID, planID, plan.Price, plan.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	log.Info().
		Str("orderNumber", order.OrderNumber).
		Int("userID", userID).
		Int("planID", planID).
		Msg("Order created")

	return order, nil
}

// Get returns an order by id.
func (s *OrderService) Get(ctx context.Context, id int) (*models.Order, error) {
	return s.orderStore.Get(ctx, id)
}

// GetByNumber returns an order by its human-visible code.
func (s *OrderService) GetByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	return s.orderStore.GetByNumber(ctx, orderNumber)
}

// List returns orders, optionally filtered by status.
func (s *OrderService) List(ctx context.Context, status string) ([]*models.Order, error) {
	return s.orderStore.List(ctx, status)
}

// ListForUser returns a user's order history.
func (s *OrderService) ListForUser(ctx context.Context, userID int) ([]*models.Order, error) {
	return s.orderStore.ListByUser(ctx, userID)
}

// Complete marks an order paid and issues its license key, all in one
// transaction. When the order has already been completed the existing
// order is returned with completed=false, so a replayed payment never
// mints a second key.
func (s *OrderService) Complete(ctx context.Context, orderID int, actor string) (*models.Order, bool, error) {
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	order, err := s.orderStore.GetTx(ctx, tx, orderID)
	if err != nil {
		return nil, false, err
	}

	if order.PaymentStatus == models.PaymentStatusCompleted {
		return order, false, nil
	}

	now := time.Now()

	var key *models.LicenseKey
	if order.LicenseKeyID != nil {
		// A key was pre-allocated for this order, activate it in place
		key, err = s.keyStore.ActivateTx(ctx, tx, *order.LicenseKeyID, now, actor)
		if err != nil {
			return nil, false, fmt.Errorf("failed to activate license key: %w", err)
		}
	} else {
		key, err = s.keyStore.CreateIn(ctx, tx, order.PlanID, &order.UserID, &order.ID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to create license key: %w", err)
		}

		key, err = s.keyStore.ActivateTx(ctx, tx, key.ID, now, actor)
		if err != nil {
			return nil, false, fmt.Errorf("failed to activate license key: %w", err)
		}
	}

	order, err = s.orderStore.MarkCompletedTx(ctx, tx, order.ID, key.ID, now, actor)
	if err != nil {
		// Lost the race to another completer; the order is already paid
		if errors.Is(err, errs.ErrInvalidState) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("failed to complete order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit order completion: %w", err)
	}

	log.Info().
		Str("orderNumber", order.OrderNumber).
		Str("key", maskKey(key.Key)).
		Str("actor", actor).
		Msg("Order completed, license key issued")

	s.notifier.Notify(ctx, notifications.Event{
		Type:   notifications.EventOrderCompleted,
		UserID: order.UserID,
		Fields: map[string]any{
			"orderNumber": order.OrderNumber,
			"key":         maskKey(key.Key),
			"amount":      order.Amount,
			"currency":    order.Currency,
		},
	})

	return order, true, nil
}

// Refund reverses a completed order: the order flips to refunded and its
// key is revoked, atomically.
func (s *OrderService) Refund(ctx context.Context, orderID int, actor, reason string) (*models.Order, error) {
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	order, err := s.orderStore.MarkRefundedTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	if order.LicenseKeyID != nil {
		if _, err := s.keyStore.RevokeTx(ctx, tx, *order.LicenseKeyID, reason, actor); err != nil && !errors.Is(err, errs.ErrInvalidState) {
			return nil, fmt.Errorf("failed to revoke license key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit refund: %w", err)
	}

	log.Info().
		Str("orderNumber", order.OrderNumber).
		Str("actor", actor).
		Msg("Order refunded")

	return order, nil
}

// Cancel voids a pending, unpaid order.
func (s *OrderService) Cancel(ctx context.Context, orderID int) (*models.Order, error) {
	return s.orderStore.Cancel(ctx, orderID)
}

// Delete removes an order record. Refused once a usable key was issued
// from it.
func (s *OrderService) Delete(ctx context.Context, orderID int, actor string) error {
	if err := s.orderStore.Delete(ctx, orderID); err != nil {
		return err
	}

	log.Info().
		Int("orderID", orderID).
		Str("actor", actor).
		Msg("Order deleted")

	return nil
}
