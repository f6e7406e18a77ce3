// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/keygate/keygate/internal/errs"
)

// Payment is the audit record of one inbound payment notification. Every
// verified notification is persisted here before any order side effect, so a
// matching failure can never lose the payment.
type Payment struct {
	ID             string    `json:"id"`
	ProviderTxnID  string    `json:"provider_txn_id"`
	Amount         float64   `json:"amount"`
	Currency       string    `json:"currency"`
	Message        string    `json:"message"`
	MatchedOrderID *int      `json:"matched_order_id,omitempty"`
	Applied        bool      `json:"applied"`
	ReceivedAt     time.Time `json:"received_at"`
}

type PaymentStore struct {
	db *sql.DB
}

func NewPaymentStore(db *sql.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

const paymentColumns = `id, provider_txn_id, amount, currency, message, matched_order_id, applied, received_at`

// Create records a payment notification. The provider transaction id is the
// idempotency key; inserting a duplicate returns the already-stored row and
// a true dup flag.
func (s *PaymentStore) Create(ctx context.Context, providerTxnID string, amount float64, currency, message string, receivedAt time.Time) (*Payment, bool, error) {
	query := `
		INSERT INTO payments (id, provider_txn_id, amount, currency, message, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING ` + paymentColumns

	payment, err := scanPayment(s.db.QueryRowContext(ctx, query,
		ulid.Make().String(), providerTxnID, amount, currency, message, receivedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: payments.provider_txn_id") {
			existing, getErr := s.GetByProviderTxnID(ctx, providerTxnID)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, true, nil
		}
		return nil, false, err
	}

	return payment, false, nil
}

func (s *PaymentStore) GetByProviderTxnID(ctx context.Context, providerTxnID string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE provider_txn_id = ?`
	return scanPayment(s.db.QueryRowContext(ctx, query, providerTxnID))
}

func (s *PaymentStore) Get(ctx context.Context, id string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = ?`
	return scanPayment(s.db.QueryRowContext(ctx, query, id))
}

// MarkApplied records that the payment drove an order to completion.
func (s *PaymentStore) MarkApplied(ctx context.Context, id string, orderID int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE payments SET applied = 1, matched_order_id = ? WHERE id = ?`, orderID, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// List returns payments newest first; ULID ids sort by time.
func (s *PaymentStore) List(ctx context.Context, limit int) ([]*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p := &Payment{}
		err := rows.Scan(
			&p.ID,
			&p.ProviderTxnID,
			&p.Amount,
			&p.Currency,
			&p.Message,
			&p.MatchedOrderID,
			&p.Applied,
			&p.ReceivedAt,
		)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}

	return payments, rows.Err()
}

// Count returns the total number of recorded payments for the metrics
// collector.
func (s *PaymentStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments`).Scan(&count)
	return count, err
}

func scanPayment(row *sql.Row) (*Payment, error) {
	p := &Payment{}
	err := row.Scan(
		&p.ID,
		&p.ProviderTxnID,
		&p.Amount,
		&p.Currency,
		&p.Message,
		&p.MatchedOrderID,
		&p.Applied,
		&p.ReceivedAt,
	)

	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return p, nil
}
