// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/keygate/keygate/internal/errs"
	"github.com/keygate/keygate/internal/models"
)

// ResellerService handles reseller accounts and their balance ledger. Key
// purchases debit the balance; deposits and refunds credit it. Every
// movement lands in the append-only transaction log.
type ResellerService struct {
	resellerStore *models.ResellerStore
	planStore     *models.PlanStore
	licenses      *LicenseService
}

func NewResellerService(
	resellerStore *models.ResellerStore,
	planStore *models.PlanStore,
	licenses *LicenseService,
) *ResellerService {
	return &ResellerService{
		resellerStore: resellerStore,
		planStore:     planStore,
		licenses:      licenses,
	}
}

// Register creates a reseller account for an existing user.
func (s *ResellerService) Register(ctx context.Context, userID int, currency string, discountPercent float64) (*models.Reseller, error) {
	if discountPercent < 0 || discountPercent >= 100 {
		return nil, fmt.Errorf("discount must be in [0, 100)")
	}

	reseller, err := s.resellerStore.Create(ctx, userID, currency, discountPercent)
	if err != nil {
		return nil, fmt.Errorf("failed to create reseller: %w", err)
	}

	log.Info().
		Int("resellerID", reseller.ID).
		Int("userID", userID).
		Msg("Reseller registered")

	return reseller, nil
}

// Get returns a reseller by id.
func (s *ResellerService) Get(ctx context.Context, id int) (*models.Reseller, error) {
	return s.resellerStore.Get(ctx, id)
}

// GetByUser returns the reseller account of a user.
func (s *ResellerService) GetByUser(ctx context.Context, userID int) (*models.Reseller, error) {
	return s.resellerStore.GetByUser(ctx, userID)
}

// List returns all resellers.
func (s *ResellerService) List(ctx context.Context) ([]*models.Reseller, error) {
	return s.resellerStore.List(ctx)
}

// Deposit credits a reseller balance.
func (s *ResellerService) Deposit(ctx context.Context, resellerID int, amount float64, actor, description string) (*models.ResellerTransaction, error) {
	return s.resellerStore.ApplyTransaction(ctx, resellerID, models.TxnTypeDeposit, amount, description, actor)
}

// Adjust applies a signed manual correction to a reseller balance.
func (s *ResellerService) Adjust(ctx context.Context, resellerID int, amount float64, actor, description string) (*models.ResellerTransaction, error) {
	return s.resellerStore.ApplyTransaction(ctx, resellerID, models.TxnTypeAdjustment, amount, description, actor)
}

// PurchaseKeys charges a reseller for a batch of keys at their discounted
// plan price, then generates the batch. The charge is rejected before any
// key is minted when the balance cannot cover it.
func (s *ResellerService) PurchaseKeys(ctx context.Context, resellerID, planID, count int, actor string) ([]*models.LicenseKey, *models.ResellerTransaction, error) {
	if count <= 0 {
		return nil, nil, fmt.Errorf("key count must be positive")
	}

	reseller, err := s.resellerStore.Get(ctx, resellerID)
	if err != nil {
		return nil, nil, err
	}
	if reseller.Status != models.ResellerStatusApproved {
		return nil, nil, fmt.Errorf("reseller %d is %s", resellerID, reseller.Status)
	}
	if reseller.MaxKeysPerOrder > 0 && count > reseller.MaxKeysPerOrder {
		return nil, nil, fmt.Errorf("%w: count %d exceeds per-order limit %d",
			errs.ErrInvalidInput, count, reseller.MaxKeysPerOrder)
	}

	plan, err := s.planStore.Get(ctx, planID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load plan: %w", err)
	}

	unitPrice := plan.Price * (1 - reseller.DiscountPercent/100)
	total := unitPrice * float64(count)

	description := fmt.Sprintf("%d x %s @ %.2f", count, plan.Name, unitPrice)
	txn, err := s.resellerStore.ApplyTransaction(ctx, resellerID, models.TxnTypeCharge, total, description, actor)
	if err != nil {
		return nil, nil, err
	}

	keys, err := s.licenses.Generate(ctx, planID, count, &reseller.UserID)
	if err != nil {
		// Refund the charge so the ledger balances; the partial batch stays
		// attributed to the reseller.
		refunded := unitPrice * float64(count-len(keys))
		if refunded > 0 {
			if _, refundErr := s.resellerStore.ApplyTransaction(ctx, resellerID, models.TxnTypeRefund, refunded,
				fmt.Sprintf("refund for failed generation of %d keys", count-len(keys)), actor); refundErr != nil {
				log.Error().Err(refundErr).
					Int("resellerID", resellerID).
					Float64("amount", refunded).
					Msg("Failed to refund reseller after partial key generation")
			}
		}
		return keys, txn, err
	}

	log.Info().
		Int("resellerID", resellerID).
		Int("count", count).
		Float64("total", total).
		Msg("Reseller purchased license keys")

	return keys, txn, nil
}

// Suspend blocks a reseller from purchasing.
func (s *ResellerService) Suspend(ctx context.Context, resellerID int) error {
	return s.resellerStore.UpdateStatus(ctx, resellerID, models.ResellerStatusSuspended)
}

// Approve activates a pending or suspended reseller.
func (s *ResellerService) Approve(ctx context.Context, resellerID int) error {
	return s.resellerStore.UpdateStatus(ctx, resellerID, models.ResellerStatusApproved)
}

// Ledger returns a reseller's full transaction history, oldest first.
func (s *ResellerService) Ledger(ctx context.Context, resellerID int) ([]*models.ResellerTransaction, error) {
	return s.resellerStore.ListTransactions(ctx, resellerID)
}

// VerifyBalance replays the ledger and compares it to the stored balance.
func (s *ResellerService) VerifyBalance(ctx context.Context, resellerID int) (stored, replayed float64, err error) {
	reseller, err := s.resellerStore.Get(ctx, resellerID)
	if err != nil {
		return 0, 0, err
	}

	replayed, err = s.resellerStore.ReplayBalance(ctx, resellerID)
	if err != nil {
		return 0, 0, err
	}

	if reseller.Balance != replayed {
		log.Warn().
			Int("resellerID", resellerID).
			Float64("stored", reseller.Balance).
			Float64("replayed", replayed).
			Msg("Reseller balance does not match ledger replay")
	}

	return reseller.Balance, replayed, nil
}
