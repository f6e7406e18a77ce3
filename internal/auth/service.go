// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package auth provides password hashing and cookie session management.
package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/rs/zerolog/log"

	"github.com/keygate/keygate/internal/models"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	sessionName    = "keygate_session"
	sessionUserKey = "user_id"
	sessionRoleKey = "role"
)

type Service struct {
	store     *sessions.CookieStore
	userStore *models.UserStore
}

func NewService(sessionSecret string, userStore *models.UserStore) *Service {
	store := sessions.NewCookieStore([]byte(sessionSecret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	return &Service{
		store:     store,
		userStore: userStore,
	}
}

// Login verifies credentials and writes the session cookie.
func (s *Service) Login(ctx context.Context, w http.ResponseWriter, r *http.Request, username, password string) (*models.User, error) {
	user, err := s.userStore.GetByUsername(ctx, username)
	if err != nil {
		// Burn a hash anyway so missing users cost the same as bad passwords
		_, _ = HashPassword(password)
		return nil, ErrInvalidCredentials
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}

	session, _ := s.store.Get(r, sessionName)
	session.Values[sessionUserKey] = user.ID
	session.Values[sessionRoleKey] = user.Role
	if err := session.Save(r, w); err != nil {
		return nil, err
	}

	log.Info().Str("username", username).Msg("User logged in")
	return user, nil
}

// Logout clears the session cookie.
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) error {
	session, _ := s.store.Get(r, sessionName)
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

// GetUser resolves the authenticated user from the request session.
// Returns nil when the request carries no valid session.
func (s *Service) GetUser(ctx context.Context, r *http.Request) *models.User {
	session, err := s.store.Get(r, sessionName)
	if err != nil {
		return nil
	}

	userID, ok := session.Values[sessionUserKey].(int)
	if !ok {
		return nil
	}

	user, err := s.userStore.Get(ctx, userID)
	if err != nil {
		return nil
	}
	return user
}
