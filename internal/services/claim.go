// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/database"
	"github.com/keygate/keygate/internal/models"
	"github.com/keygate/keygate/internal/notifications"
)

// ClaimService issues short-lived trial keys behind a completion gate.
// A session starts pending, an external callback marks it completed, and
// the claim then mints exactly one key. Sessions expire on a TTL at any
// point before the claim.
type ClaimService struct {
	db         *database.DB
	cfg        *config.AppConfig
	claimStore *models.ClaimSessionStore
	keyStore   *models.LicenseKeyStore
	planStore  *models.PlanStore
	notifier   notifications.Notifier
}

func NewClaimService(
	db *database.DB,
	cfg *config.AppConfig,
	claimStore *models.ClaimSessionStore,
	keyStore *models.LicenseKeyStore,
	planStore *models.PlanStore,
	notifier notifications.Notifier,
) *ClaimService {
	return &ClaimService{
		db:         db,
		cfg:        cfg,
		claimStore: claimStore,
		keyStore:   keyStore,
		planStore:  planStore,
		notifier:   notifier,
	}
}

// Generate opens a new claim session for a plan and returns it along with
// the redirect URL the client should be sent to.
func (s *ClaimService) Generate(ctx context.Context, planID int) (*models.ClaimSession, string, error) {
	if _, err := s.planStore.Get(ctx, planID); err != nil {
		return nil, "", fmt.Errorf("failed to load plan: %w", err)
	}

	expiresAt := time.Now().Add(s.cfg.ClaimSessionTTL())
	session, err := s.claimStore.Create(ctx, planID, expiresAt)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create claim session: %w", err)
	}

	redirect := ""
	if base := s.cfg.ClaimRedirectBaseURL(); base != "" {
		redirect = strings.TrimSuffix(base, "/") + "/" + session.Token
	}

	log.Debug().
		Str("token", session.Token).
		Int("planID", planID).
		Time("expiresAt", session.ExpiresAt).
		Msg("Claim session opened")

	return session, redirect, nil
}

// MarkCompleted records the external completion signal for a session.
// Safe to call more than once.
func (s *ClaimService) MarkCompleted(ctx context.Context, token string) error {
	return s.claimStore.MarkCompleted(ctx, token, time.Now())
}

// Status returns the session for a token.
func (s *ClaimService) Status(ctx context.Context, token string) (*models.ClaimSession, error) {
	return s.claimStore.GetByToken(ctx, token)
}

// Claim redeems a completed session for a trial key. The key is created,
// activated with the trial expiry and bound to the session in one
// transaction; concurrent claims on the same token yield exactly one key.
func (s *ClaimService) Claim(ctx context.Context, token string) (*models.LicenseKey, error) {
	session, err := s.claimStore.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	plan, err := s.planStore.Get(ctx, session.PlanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}

	trial := s.cfg.TrialDuration()
	if plan.TrialMinutes > 0 {
		trial = time.Duration(plan.TrialMinutes) * time.Minute
	}

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	key, err := s.keyStore.CreateIn(ctx, tx, session.PlanID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create trial key: %w", err)
	}

	key, err = s.keyStore.ActivateWithExpiry(ctx, tx, key.ID, now, now.Add(trial), "claim:"+token)
	if err != nil {
		return nil, fmt.Errorf("failed to activate trial key: %w", err)
	}

	if _, err := s.claimStore.ClaimTx(ctx, tx, token, key.ID, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	log.Info().
		Str("token", token).
		Str("key", maskKey(key.Key)).
		Dur("trial", trial).
		Msg("Trial key claimed")

	s.notifier.Notify(ctx, notifications.Event{
		Type: notifications.EventTrialClaimed,
		Fields: map[string]any{
			"token": token,
			"key":   maskKey(key.Key),
		},
	})

	return key, nil
}

// SweepExpired expires overdue claim sessions. Intended to run on a ticker
// from the server loop.
func (s *ClaimService) SweepExpired(ctx context.Context) (int64, error) {
	count, err := s.claimStore.MarkExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		log.Info().Int64("count", count).Msg("Expired claim sessions")
	}
	return count, nil
}
