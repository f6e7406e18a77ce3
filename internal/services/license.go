// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"

	"github.com/keygate/keygate/internal/models"
	"github.com/keygate/keygate/internal/notifications"
)

// LicenseService handles license key lifecycle operations. Lookups by key
// string are cached; every mutation invalidates the cached entry so that
// validation checks never see stale status.
type LicenseService struct {
	keyStore        *models.LicenseKeyStore
	activationStore *models.DeviceActivationStore
	planStore       *models.PlanStore
	usageStore      *models.UsageLogStore
	notifier        notifications.Notifier
	cache           *ristretto.Cache
}

const licenseCacheTTL = 30 * time.Second

func NewLicenseService(
	keyStore *models.LicenseKeyStore,
	activationStore *models.DeviceActivationStore,
	planStore *models.PlanStore,
	usageStore *models.UsageLogStore,
	notifier notifications.Notifier,
) (*LicenseService, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10000,
		MaxCost:     1000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create license cache: %w", err)
	}

	return &LicenseService{
		keyStore:        keyStore,
		activationStore: activationStore,
		planStore:       planStore,
		usageStore:      usageStore,
		notifier:        notifier,
		cache:           cache,
	}, nil
}

// Generate creates a batch of inactive keys for a plan.
func (s *LicenseService) Generate(ctx context.Context, planID, count int, userID *int) ([]*models.LicenseKey, error) {
	if count <= 0 || count > 1000 {
		return nil, fmt.Errorf("key count must be between 1 and 1000")
	}

	if _, err := s.planStore.Get(ctx, planID); err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}

	keys := make([]*models.LicenseKey, 0, count)
	for i := 0; i < count; i++ {
		key, err := s.keyStore.Create(ctx, planID, userID, nil)
		if err != nil {
			return keys, fmt.Errorf("failed to generate key %d of %d: %w", i+1, count, err)
		}
		keys = append(keys, key)
	}

	log.Info().
		Int("planID", planID).
		Int("count", len(keys)).
		Msg("Generated license keys")

	return keys, nil
}

// Get returns a key by id.
func (s *LicenseService) Get(ctx context.Context, id int) (*models.LicenseKey, error) {
	return s.keyStore.Get(ctx, id)
}

// GetByKey returns a key by its key string, consulting the cache first.
func (s *LicenseService) GetByKey(ctx context.Context, keyString string) (*models.LicenseKey, error) {
	if cached, found := s.cache.Get(keyString); found {
		if key, ok := cached.(*models.LicenseKey); ok {
			return key, nil
		}
	}

	key, err := s.keyStore.GetByKey(ctx, keyString)
	if err != nil {
		return nil, err
	}

	s.cache.SetWithTTL(keyString, key, 1, licenseCacheTTL)
	return key, nil
}

// Validate resolves a key string and reports whether it is currently
// usable. Expiry is checked against wall clock, not just stored status, so
// a key past its expires_at fails validation even before the sweeper has
// flipped its row.
func (s *LicenseService) Validate(ctx context.Context, keyString string) (*models.LicenseKey, bool, error) {
	key, err := s.GetByKey(ctx, keyString)
	if err != nil {
		return nil, false, err
	}
	return key, key.IsUsable(time.Now()), nil
}

// Activate transitions an inactive key to active, stamping its expiry from
// the plan duration.
func (s *LicenseService) Activate(ctx context.Context, id int, actor string) (*models.LicenseKey, error) {
	key, err := s.keyStore.Activate(ctx, id, time.Now(), actor)
	if err != nil {
		return nil, err
	}

	s.invalidate(key.Key)

	s.notifier.Notify(ctx, notifications.Event{
		Type:   notifications.EventKeyIssued,
		UserID: derefInt(key.UserID),
		Fields: map[string]any{
			"key":       maskKey(key.Key),
			"expiresAt": key.ExpiresAt,
		},
	})

	return key, nil
}

// ActivateDevice binds a device fingerprint to a key, enforcing the seat
// ceiling. Re-activating a known device is idempotent.
func (s *LicenseService) ActivateDevice(ctx context.Context, keyString, fingerprint string) (*models.DeviceActivation, error) {
	key, err := s.keyStore.GetByKey(ctx, keyString)
	if err != nil {
		return nil, err
	}

	activation, err := s.activationStore.Activate(ctx, key, fingerprint, time.Now())
	if err != nil {
		return nil, err
	}

	s.invalidate(keyString)
	return activation, nil
}

// DeactivateDevice releases a device seat. Unknown or already-inactive
// fingerprints are a no-op.
func (s *LicenseService) DeactivateDevice(ctx context.Context, keyString, fingerprint string) error {
	key, err := s.keyStore.GetByKey(ctx, keyString)
	if err != nil {
		return err
	}

	if err := s.activationStore.Deactivate(ctx, key.ID, fingerprint, time.Now()); err != nil {
		return err
	}

	s.invalidate(keyString)
	return nil
}

// Extend pushes a key's expiry forward by the given number of days.
func (s *LicenseService) Extend(ctx context.Context, id, days int, actor string) (*models.LicenseKey, error) {
	key, err := s.keyStore.Extend(ctx, id, days, time.Now(), actor)
	if err != nil {
		return nil, err
	}

	s.invalidate(key.Key)
	return key, nil
}

// Revoke permanently terminates a key and releases all of its devices.
func (s *LicenseService) Revoke(ctx context.Context, id int, actor, reason string) error {
	key, err := s.keyStore.Get(ctx, id)
	if err != nil {
		return err
	}

	if _, err := s.keyStore.Revoke(ctx, id, reason, actor); err != nil {
		return err
	}

	s.invalidate(key.Key)

	s.notifier.Notify(ctx, notifications.Event{
		Type:   notifications.EventKeyRevoked,
		UserID: derefInt(key.UserID),
		Fields: map[string]any{
			"key":    maskKey(key.Key),
			"reason": reason,
		},
	})

	return nil
}

// Ban terminates a key for abuse. Like revocation but recorded separately
// in the audit trail.
func (s *LicenseService) Ban(ctx context.Context, id int, actor string) error {
	key, err := s.keyStore.Ban(ctx, id, actor)
	if err != nil {
		return err
	}

	s.invalidate(key.Key)
	return nil
}

// ResetDevices clears all device bindings for a key so the owner can move
// to new hardware.
func (s *LicenseService) ResetDevices(ctx context.Context, id int, actor string) error {
	key, err := s.keyStore.ResetDevices(ctx, id, actor)
	if err != nil {
		return err
	}

	s.invalidate(key.Key)
	return nil
}

// Delete removes a key and its activation and usage history. Admin escape
// hatch, not part of the normal lifecycle.
func (s *LicenseService) Delete(ctx context.Context, id int, actor string) error {
	key, err := s.keyStore.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.keyStore.Delete(ctx, id); err != nil {
		return err
	}

	s.invalidate(key.Key)

	log.Info().
		Int("keyID", id).
		Str("key", maskKey(key.Key)).
		Str("actor", actor).
		Msg("License key deleted")

	return nil
}

// List returns keys, optionally filtered by status.
func (s *LicenseService) List(ctx context.Context, status string) ([]*models.LicenseKey, error) {
	return s.keyStore.List(ctx, status)
}

// ListForUser returns every key owned by a user.
func (s *LicenseService) ListForUser(ctx context.Context, userID int) ([]*models.LicenseKey, error) {
	return s.keyStore.ListByUser(ctx, userID)
}

// ListDevices returns the activation ledger for a key.
func (s *LicenseService) ListDevices(ctx context.Context, keyID int) ([]*models.DeviceActivation, error) {
	return s.activationStore.ListForKey(ctx, keyID)
}

// History returns the append-only usage log for a key.
func (s *LicenseService) History(ctx context.Context, keyID int) ([]*models.UsageLog, error) {
	return s.usageStore.ListForKey(ctx, keyID)
}

// SweepExpired flips active keys past their expiry to expired. Intended to
// run on a ticker from the server loop.
func (s *LicenseService) SweepExpired(ctx context.Context) (int64, error) {
	count, err := s.keyStore.MarkExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	if count > 0 {
		s.cache.Clear()
		log.Info().Int64("count", count).Msg("Expired license keys")
	}

	return count, nil
}

func (s *LicenseService) invalidate(keyString string) {
	s.cache.Del(keyString)
}

// maskKey hides all but the first characters of a license key for logging.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:8] + "****"
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
