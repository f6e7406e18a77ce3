// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apimiddleware "github.com/keygate/keygate/internal/api/middleware"
	"github.com/keygate/keygate/internal/services"
)

type LicensesHandler struct {
	licenses *services.LicenseService
}

func NewLicensesHandler(licenses *services.LicenseService) *LicensesHandler {
	return &LicensesHandler{licenses: licenses}
}

type generateKeysRequest struct {
	PlanID int  `json:"plan_id"`
	Count  int  `json:"count"`
	UserID *int `json:"user_id,omitempty"`
}

func (h *LicensesHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}

	keys, err := h.licenses.Generate(r.Context(), req.PlanID, req.Count, req.UserID)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusCreated, keys)
}

func (h *LicensesHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.licenses.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, keys)
}

func (h *LicensesHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	user := apimiddleware.UserFromContext(r.Context())
	keys, err := h.licenses.ListForUser(r.Context(), user.ID)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, keys)
}

func (h *LicensesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "keyID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid key id")
		return
	}

	key, err := h.licenses.Get(r.Context(), id)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, key)
}

// Validate is the public endpoint license clients poll. It reports
// usability without mutating anything.
func (h *LicensesHandler) Validate(w http.ResponseWriter, r *http.Request) {
	keyString := chi.URLParam(r, "key")

	key, usable, err := h.licenses.Validate(r.Context(), keyString)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"valid":      usable,
		"status":     key.Status,
		"expires_at": key.ExpiresAt,
	})
}

func (h *LicensesHandler) Activate(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "keyID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid key id")
		return
	}

	user := apimiddleware.UserFromContext(r.Context())
	key, err := h.licenses.Activate(r.Context(), id, user.Username)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, key)
}

type deviceRequest struct {
	Key         string `json:"key"`
	Fingerprint string `json:"fingerprint"`
}

// ActivateDevice is the public endpoint license clients call on startup.
func (h *LicensesHandler) ActivateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	activation, err := h.licenses.ActivateDevice(r.Context(), req.Key, req.Fingerprint)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, activation)
}

func (h *LicensesHandler) DeactivateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.licenses.DeactivateDevice(r.Context(), req.Key, req.Fingerprint); err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

type extendRequest struct {
	Days int `json:"days"`
}

func (h *LicensesHandler) Extend(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "keyID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid key id")
		return
	}

	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user := apimiddleware.UserFromContext(r.Context())
	key, err := h.licenses.Extend(r.Context(), id, req.Days, user.Username)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, key)
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (h *LicensesHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "keyID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid key id")
		return
	}

	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user := apimiddleware.UserFromContext(r.Context())
	if err := h.licenses.Revoke(r.Context(), id, user.Username, req.Reason); err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *LicensesHandler) Ban(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "keyID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid key id")
		return
	}

	user := apimiddleware.UserFromContext(r.Context())
	if err := h.licenses.Ban(r.Context(), id, user.Username); err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "banned"})
}

func (h *LicensesHandler) ResetDevices(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "keyID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid key id")
		return
	}

	user := apimiddleware.UserFromContext(r.Context())
	if err := h.licenses.ResetDevices(r.Context(), id, user.Username); err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "devices reset"})
}

func (h *LicensesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "keyID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid key id")
		return
	}

	user := apimiddleware.UserFromContext(r.Context())
	if err := h.licenses.Delete(r.Context(), id, user.Username); err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *LicensesHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "keyID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid key id")
		return
	}

	devices, err := h.licenses.ListDevices(r.Context(), id)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, devices)
}

func (h *LicensesHandler) History(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "keyID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid key id")
		return
	}

	history, err := h.licenses.History(r.Context(), id)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, history)
}
