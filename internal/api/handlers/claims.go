// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keygate/keygate/internal/services"
)

type ClaimsHandler struct {
	claims *services.ClaimService
}

func NewClaimsHandler(claims *services.ClaimService) *ClaimsHandler {
	return &ClaimsHandler{claims: claims}
}

type generateClaimRequest struct {
	PlanID int `json:"plan_id"`
}

// Generate opens a claim session and hands the client the redirect URL to
// complete it through.
func (h *ClaimsHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, redirect, err := h.claims.Generate(r.Context(), req.PlanID)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusCreated, map[string]any{
		"token":        session.Token,
		"expires_at":   session.ExpiresAt,
		"redirect_url": redirect,
	})
}

// Complete is the callback that marks a session ready to claim.
func (h *ClaimsHandler) Complete(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	if err := h.claims.MarkCompleted(r.Context(), token); err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// Claim redeems a completed session for a trial key.
func (h *ClaimsHandler) Claim(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	key, err := h.claims.Claim(r.Context(), token)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"key":        key.Key,
		"expires_at": key.ExpiresAt,
	})
}

func (h *ClaimsHandler) Status(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	session, err := h.claims.Status(r.Context(), token)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"status":     session.Status,
		"expires_at": session.ExpiresAt,
	})
}
