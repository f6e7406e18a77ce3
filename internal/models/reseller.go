// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/keygate/keygate/internal/errs"
)

// Reseller statuses
const (
	ResellerStatusPending   = "pending"
	ResellerStatusApproved  = "approved"
	ResellerStatusSuspended = "suspended"
	ResellerStatusRejected  = "rejected"
)

// Reseller transaction types
const (
	TxnTypeDeposit    = "deposit"
	TxnTypeCharge     = "charge"
	TxnTypeAdjustment = "adjustment"
	TxnTypeRefund     = "refund"
)

type Reseller struct {
	ID              int       `json:"id"`
	UserID          int       `json:"user_id"`
	Status          string    `json:"status"`
	Balance         float64   `json:"balance"`
	TotalSpent      float64   `json:"total_spent"`
	Currency        string    `json:"currency"`
	DiscountPercent float64   `json:"discount_percent"`
	DailyFreeKeys   int       `json:"daily_free_keys"`
	MonthlyFreeKeys int       `json:"monthly_free_keys"`
	MaxKeysPerOrder int       `json:"max_keys_per_order"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ResellerTransaction is one immutable ledger row. The stored balance is a
// projection of these rows: folding them in id order from zero must
// reproduce it exactly.
type ResellerTransaction struct {
	ID            string    `json:"id"`
	ResellerID    int       `json:"reseller_id"`
	Type          string    `json:"type"`
	Amount        float64   `json:"amount"`
	BalanceBefore float64   `json:"balance_before"`
	BalanceAfter  float64   `json:"balance_after"`
	Description   string    `json:"description"`
	Actor         string    `json:"actor"`
	CreatedAt     time.Time `json:"created_at"`
}

// signedAmount returns the balance delta for a transaction type.
func signedAmount(txnType string, amount float64) (float64, error) {
	switch txnType {
	case TxnTypeDeposit, TxnTypeRefund:
		return amount, nil
	case TxnTypeCharge:
		return -amount, nil
	case TxnTypeAdjustment:
		// Adjustments carry their own sign
		return amount, nil
	default:
		return 0, fmt.Errorf("unknown transaction type %q: %w", txnType, errs.ErrInvalidInput)
	}
}

type ResellerStore struct {
	db *sql.DB

	// Floor the balance may not drop below on a charge. Zero by default;
	// negative when the grace-limit policy is enabled.
	balanceFloor float64
}

func NewResellerStore(db *sql.DB) *ResellerStore {
	return &ResellerStore{db: db}
}

// SetBalanceFloor enables the negative-balance grace policy. The floor is
// expressed as a non-positive number (e.g. -50 allows 50 units of credit).
func (s *ResellerStore) SetBalanceFloor(floor float64) {
	if floor > 0 {
		floor = 0
	}
	s.balanceFloor = floor
}

const resellerColumns = `id, user_id, status, balance, total_spent, currency, discount_percent,
	       daily_free_keys, monthly_free_keys, max_keys_per_order, created_at, updated_at`

func (s *ResellerStore) Create(ctx context.Context, userID int, currency string, discountPercent float64) (*Reseller, error) {
	query := `
		INSERT INTO resellers (user_id, currency, discount_percent)
		VALUES (?, ?, ?)
		RETURNING ` + resellerColumns

	return scanReseller(s.db.QueryRowContext(ctx, query, userID, currency, discountPercent))
}

func (s *ResellerStore) Get(ctx context.Context, id int) (*Reseller, error) {
	query := `SELECT ` + resellerColumns + ` FROM resellers WHERE id = ?`
	return scanReseller(s.db.QueryRowContext(ctx, query, id))
}

func (s *ResellerStore) GetByUser(ctx context.Context, userID int) (*Reseller, error) {
	query := `SELECT ` + resellerColumns + ` FROM resellers WHERE user_id = ?`
	return scanReseller(s.db.QueryRowContext(ctx, query, userID))
}

func (s *ResellerStore) List(ctx context.Context) ([]*Reseller, error) {
	query := `SELECT ` + resellerColumns + ` FROM resellers ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var resellers []*Reseller
	for rows.Next() {
		r := &Reseller{}
		err := rows.Scan(
			&r.ID,
			&r.UserID,
			&r.Status,
			&r.Balance,
			&r.TotalSpent,
			&r.Currency,
			&r.DiscountPercent,
			&r.DailyFreeKeys,
			&r.MonthlyFreeKeys,
			&r.MaxKeysPerOrder,
			&r.CreatedAt,
			&r.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		resellers = append(resellers, r)
	}

	return resellers, rows.Err()
}

// UpdateStatus drives the approval workflow.
func (s *ResellerStore) UpdateStatus(ctx context.Context, id int, status string) error {
	switch status {
	case ResellerStatusPending, ResellerStatusApproved, ResellerStatusSuspended, ResellerStatusRejected:
	default:
		return fmt.Errorf("unknown reseller status %q: %w", status, errs.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE resellers SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
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

// ApplyTransaction mutates a reseller balance and appends the matching
// ledger row in one transaction. The balance update is a single conditional
// statement, so concurrent transactions for the same reseller serialize on
// the row and a charge can never overdraw past the floor.
func (s *ResellerStore) ApplyTransaction(ctx context.Context, resellerID int, txnType string, amount float64, description, actor string) (*ResellerTransaction, error) {
	if amount < 0 && txnType != TxnTypeAdjustment {
		return nil, fmt.Errorf("transaction amount must be non-negative, got %.2f: %w", amount, errs.ErrInvalidInput)
	}

	delta, err := signedAmount(txnType, amount)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	spent := 0.0
	if txnType == TxnTypeCharge {
		spent = amount
	}

	update := `
		UPDATE resellers
		SET balance = balance + ?, total_spent = total_spent + ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND balance + ? >= ?
		RETURNING balance
	`

	var balanceAfter float64
	err = tx.QueryRowContext(ctx, update, delta, spent, resellerID, delta, s.balanceFloor).Scan(&balanceAfter)
	if err == sql.ErrNoRows {
		reseller, getErr := s.Get(ctx, resellerID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &errs.InsufficientBalanceError{
			Balance:   reseller.Balance,
			Attempted: amount,
		}
	}
	if err != nil {
		return nil, err
	}

	txn := &ResellerTransaction{
		ID:            ulid.Make().String(),
		ResellerID:    resellerID,
		Type:          txnType,
		Amount:        amount,
		BalanceBefore: balanceAfter - delta,
		BalanceAfter:  balanceAfter,
		Description:   description,
		Actor:         actor,
	}

	insert := `
		INSERT INTO reseller_transactions (id, reseller_id, type, amount, balance_before, balance_after, description, actor)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING created_at
	`

	err = tx.QueryRowContext(ctx, insert,
		txn.ID, txn.ResellerID, txn.Type, txn.Amount,
		txn.BalanceBefore, txn.BalanceAfter, txn.Description, txn.Actor).Scan(&txn.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

// ListTransactions returns the ledger for a reseller in creation order.
func (s *ResellerStore) ListTransactions(ctx context.Context, resellerID int) ([]*ResellerTransaction, error) {
	query := `
		SELECT id, reseller_id, type, amount, balance_before, balance_after, description, actor, created_at
		FROM reseller_transactions
		WHERE reseller_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, resellerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []*ResellerTransaction
	for rows.Next() {
		t := &ResellerTransaction{}
		err := rows.Scan(
			&t.ID,
			&t.ResellerID,
			&t.Type,
			&t.Amount,
			&t.BalanceBefore,
			&t.BalanceAfter,
			&t.Description,
			&t.Actor,
			&t.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}

	return txns, rows.Err()
}

// ReplayBalance folds the ledger from zero. Tests compare this against the
// stored balance to prove no bare balance write ever happened.
func (s *ResellerStore) ReplayBalance(ctx context.Context, resellerID int) (float64, error) {
	txns, err := s.ListTransactions(ctx, resellerID)
	if err != nil {
		return 0, err
	}

	balance := 0.0
	for _, t := range txns {
		delta, err := signedAmount(t.Type, t.Amount)
		if err != nil {
			return 0, err
		}
		balance += delta
	}

	return balance, nil
}

func scanReseller(row *sql.Row) (*Reseller, error) {
	r := &Reseller{}
	err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.Status,
		&r.Balance,
		&r.TotalSpent,
		&r.Currency,
		&r.DiscountPercent,
		&r.DailyFreeKeys,
		&r.MonthlyFreeKeys,
		&r.MaxKeysPerOrder,
		&r.CreatedAt,
		&r.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return r, nil
}
