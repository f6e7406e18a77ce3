// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/keygate/keygate/internal/licensing"
	"github.com/keygate/keygate/internal/models"
)

type PlansHandler struct {
	plans *models.PlanStore
}

func NewPlansHandler(plans *models.PlanStore) *PlansHandler {
	return &PlansHandler{plans: plans}
}

type createPlanRequest struct {
	Name          string  `json:"name"`
	Price         float64 `json:"price"`
	Currency      string  `json:"currency"`
	DurationUnit  string  `json:"duration_unit"`
	DurationValue int     `json:"duration_value"`
	MaxDevices    int     `json:"max_devices"`
}

func (h *PlansHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !licensing.ValidUnit(req.DurationUnit) {
		RespondError(w, http.StatusBadRequest, "invalid duration unit")
		return
	}
	if req.DurationValue <= 0 || req.MaxDevices <= 0 {
		RespondError(w, http.StatusBadRequest, "duration and device limit must be positive")
		return
	}

	plan, err := h.plans.Create(r.Context(), req.Name, req.Price, req.Currency, req.DurationUnit, req.DurationValue, req.MaxDevices)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusCreated, plan)
}

func (h *PlansHandler) List(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.List(r.Context())
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, plans)
}

func (h *PlansHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "planID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid plan id")
		return
	}

	plan, err := h.plans.Get(r.Context(), id)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, plan)
}
