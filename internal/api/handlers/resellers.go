// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"

	apimiddleware "github.com/keygate/keygate/internal/api/middleware"
	"github.com/keygate/keygate/internal/services"
)

type ResellersHandler struct {
	resellers *services.ResellerService
}

func NewResellersHandler(resellers *services.ResellerService) *ResellersHandler {
	return &ResellersHandler{resellers: resellers}
}

type registerResellerRequest struct {
	UserID          int     `json:"user_id"`
	Currency        string  `json:"currency"`
	DiscountPercent float64 `json:"discount_percent"`
}

func (h *ResellersHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerResellerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reseller, err := h.resellers.Register(r.Context(), req.UserID, req.Currency, req.DiscountPercent)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusCreated, reseller)
}

func (h *ResellersHandler) List(w http.ResponseWriter, r *http.Request) {
	resellers, err := h.resellers.List(r.Context())
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, resellers)
}

func (h *ResellersHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "resellerID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid reseller id")
		return
	}

	reseller, err := h.resellers.Get(r.Context(), id)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, reseller)
}

type amountRequest struct {
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
}

func (h *ResellersHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "resellerID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid reseller id")
		return
	}

	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user := apimiddleware.UserFromContext(r.Context())
	txn, err := h.resellers.Deposit(r.Context(), id, req.Amount, user.Username, req.Description)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusCreated, txn)
}

func (h *ResellersHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "resellerID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid reseller id")
		return
	}

	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user := apimiddleware.UserFromContext(r.Context())
	txn, err := h.resellers.Adjust(r.Context(), id, req.Amount, user.Username, req.Description)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusCreated, txn)
}

type purchaseKeysRequest struct {
	PlanID int `json:"plan_id"`
	Count  int `json:"count"`
}

// PurchaseKeys lets a reseller buy a key batch against their balance. The
// route is reachable by the reseller themselves or by staff on their
// behalf.
func (h *ResellersHandler) PurchaseKeys(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "resellerID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid reseller id")
		return
	}

	user := apimiddleware.UserFromContext(r.Context())
	if !user.IsStaff() {
		reseller, err := h.resellers.GetByUser(r.Context(), user.ID)
		if err != nil || reseller.ID != id {
			RespondError(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	var req purchaseKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	keys, txn, err := h.resellers.PurchaseKeys(r.Context(), id, req.PlanID, req.Count, user.Username)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusCreated, map[string]any{
		"keys":        keys,
		"transaction": txn,
	})
}

func (h *ResellersHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "resellerID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid reseller id")
		return
	}

	user := apimiddleware.UserFromContext(r.Context())
	if !user.IsStaff() {
		reseller, err := h.resellers.GetByUser(r.Context(), user.ID)
		if err != nil || reseller.ID != id {
			RespondError(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	txns, err := h.resellers.Ledger(r.Context(), id)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, txns)
}

func (h *ResellersHandler) VerifyBalance(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "resellerID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid reseller id")
		return
	}

	stored, replayed, err := h.resellers.VerifyBalance(r.Context(), id)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"stored":     stored,
		"replayed":   replayed,
		"consistent": stored == replayed,
	})
}

func (h *ResellersHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "resellerID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid reseller id")
		return
	}

	if err := h.resellers.Approve(r.Context(), id); err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (h *ResellersHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "resellerID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid reseller id")
		return
	}

	if err := h.resellers.Suspend(r.Context(), id); err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "suspended"})
}
