// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keygate/keygate/internal/errs"
)

// Order statuses
const (
	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
)

// Payment statuses
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
	PaymentStatusRefunded  = "refunded"
)

type Order struct {
	ID            int        `json:"id"`
	OrderNumber   string     `json:"order_number"`
	UserID        int        `json:"user_id"`
	PlanID        int        `json:"plan_id"`
	Amount        float64    `json:"amount"`
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	PaymentStatus string     `json:"payment_status"`
	LicenseKeyID  *int       `json:"license_key_id,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type OrderStore struct {
	db *sql.DB
}

func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

const orderColumns = `id, order_number, user_id, plan_id, amount, currency, status,
	       payment_status, license_key_id, paid_at, created_at, updated_at`

// newOrderNumber builds a human-visible order code like ORD-7F3A2C1B.
func newOrderNumber() string {
	return "ORD-" + strings.ToUpper(uuid.NewString()[:8])
}

func (s *OrderStore) Create(ctx context.Context, userID, planID int, amount float64, currency string) (*Order, error) {
	query := `
		INSERT INTO orders (order_number, user_id, plan_id, amount, currency)
		VALUES (?, ?, ?, ?, ?)
		RETURNING ` + orderColumns

	return scanOrder(s.db.QueryRowContext(ctx, query, newOrderNumber(), userID, planID, amount, currency))
}

func (s *OrderStore) Get(ctx context.Context, id int) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`
	return scanOrder(s.db.QueryRowContext(ctx, query, id))
}

func getOrderIn(ctx context.Context, q dbtx, id int) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`
	return scanOrder(q.QueryRowContext(ctx, query, id))
}

// GetTx reads an order inside a caller-owned transaction.
func (s *OrderStore) GetTx(ctx context.Context, tx *sql.Tx, id int) (*Order, error) {
	return getOrderIn(ctx, tx, id)
}

// GetPendingByNumber looks up a pending order by its human-visible code; the
// webhook matcher uses this so completed orders never re-match.
func (s *OrderStore) GetPendingByNumber(ctx context.Context, orderNumber string) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE order_number = ? AND status = ?`
	return scanOrder(s.db.QueryRowContext(ctx, query, orderNumber, OrderStatusPending))
}

func (s *OrderStore) GetByNumber(ctx context.Context, orderNumber string) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE order_number = ?`
	return scanOrder(s.db.QueryRowContext(ctx, query, orderNumber))
}

func (s *OrderStore) ListByUser(ctx context.Context, userID int) ([]*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = ? ORDER BY created_at DESC`
	return s.queryOrders(ctx, query, userID)
}

func (s *OrderStore) List(ctx context.Context, status string) ([]*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"
	return s.queryOrders(ctx, query, args...)
}

// MarkCompletedTx flips an order to completed/paid exactly once and writes
// an ORDER_PAID entry to the bound key's usage log. Returns
// errs.ErrInvalidState when the order is not pending anymore, so the caller
// can distinguish the idempotent duplicate path.
func (s *OrderStore) MarkCompletedTx(ctx context.Context, tx *sql.Tx, id int, keyID int, paidAt time.Time, actor string) (*Order, error) {
	query := `
		UPDATE orders
		SET status = ?, payment_status = ?, license_key_id = ?, paid_at = ?, updated_at = ?
		WHERE id = ? AND payment_status != ?
		RETURNING ` + orderColumns

	order, err := scanOrder(tx.QueryRowContext(ctx, query,
		OrderStatusCompleted, PaymentStatusCompleted, keyID, paidAt, paidAt, id, PaymentStatusCompleted))
	if err == errs.ErrNotFound {
		return nil, errs.ErrInvalidState
	}
	if err != nil {
		return nil, err
	}

	if err := appendUsageLogIn(ctx, tx, keyID, ActionOrderPaid, actor, map[string]any{
		"order_number": order.OrderNumber,
		"amount":       order.Amount,
		"currency":     order.Currency,
	}); err != nil {
		return nil, err
	}

	return order, nil
}

// MarkRefundedTx sets cancelled/refunded on a completed order.
func (s *OrderStore) MarkRefundedTx(ctx context.Context, tx *sql.Tx, id int) (*Order, error) {
	query := `
		UPDATE orders
		SET status = ?, payment_status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND payment_status = ?
		RETURNING ` + orderColumns

	order, err := scanOrder(tx.QueryRowContext(ctx, query,
		OrderStatusCancelled, PaymentStatusRefunded, id, PaymentStatusCompleted))
	if err == errs.ErrNotFound {
		return nil, errs.ErrInvalidState
	}
	return order, err
}

// Cancel voids a pending order with no key side effects.
func (s *OrderStore) Cancel(ctx context.Context, id int) (*Order, error) {
	query := `
		UPDATE orders
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ? AND license_key_id IS NULL
		RETURNING ` + orderColumns

	order, err := scanOrder(s.db.QueryRowContext(ctx, query, OrderStatusCancelled, id, OrderStatusPending))
	if err == errs.ErrNotFound {
		return nil, errs.ErrInvalidState
	}
	return order, err
}

// Delete removes an order; only permitted while no usable key was issued
// from it.
func (s *OrderStore) Delete(ctx context.Context, id int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	order, err := getOrderIn(ctx, tx, id)
	if err != nil {
		return err
	}

	if order.LicenseKeyID != nil {
		key, err := getLicenseKeyIn(ctx, tx, *order.LicenseKeyID)
		if err != nil {
			return err
		}
		if key.Status != KeyStatusInactive {
			return errs.ErrInvalidState
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}

// CountByStatus returns order counts grouped by status for the metrics
// collector.
func (s *OrderStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

func (s *OrderStore) queryOrders(ctx context.Context, query string, args ...any) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		order := &Order{}
		err := rows.Scan(
			&order.ID,
			&order.OrderNumber,
			&order.UserID,
			&order.PlanID,
			&order.Amount,
			&order.Currency,
			&order.Status,
			&order.PaymentStatus,
			&order.LicenseKeyID,
			&order.PaidAt,
			&order.CreatedAt,
			&order.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	return orders, rows.Err()
}

func scanOrder(row *sql.Row) (*Order, error) {
	order := &Order{}
	err := row.Scan(
		&order.ID,
		&order.OrderNumber,
		&order.UserID,
		&order.PlanID,
		&order.Amount,
		&order.Currency,
		&order.Status,
		&order.PaymentStatus,
		&order.LicenseKeyID,
		&order.PaidAt,
		&order.CreatedAt,
		&order.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return order, nil
}
