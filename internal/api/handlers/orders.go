// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"

	apimiddleware "github.com/keygate/keygate/internal/api/middleware"
	"github.com/keygate/keygate/internal/services"
)

type OrdersHandler struct {
	orders *services.OrderService
}

func NewOrdersHandler(orders *services.OrderService) *OrdersHandler {
	return &OrdersHandler{orders: orders}
}

type createOrderRequest struct {
	PlanID int `json:"plan_id"`
}

func (h *OrdersHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user := apimiddleware.UserFromContext(r.Context())
	order, err := h.orders.Create(r.Context(), user.ID, req.PlanID)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusCreated, order)
}

func (h *OrdersHandler) List(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, orders)
}

func (h *OrdersHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	user := apimiddleware.UserFromContext(r.Context())
	orders, err := h.orders.ListForUser(r.Context(), user.ID)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, orders)
}

func (h *OrdersHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "orderID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	order, err := h.orders.Get(r.Context(), id)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	user := apimiddleware.UserFromContext(r.Context())
	if !user.IsStaff() && order.UserID != user.ID {
		RespondError(w, http.StatusForbidden, "forbidden")
		return
	}

	RespondJSON(w, http.StatusOK, order)
}

// Complete marks an order paid by hand, outside the payment webhook. Staff
// only; used for bank transfers and comp orders.
func (h *OrdersHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "orderID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	user := apimiddleware.UserFromContext(r.Context())
	order, completed, err := h.orders.Complete(r.Context(), id, user.Username)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"order":     order,
		"completed": completed,
	})
}

type refundRequest struct {
	Reason string `json:"reason"`
}

func (h *OrdersHandler) Refund(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "orderID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user := apimiddleware.UserFromContext(r.Context())
	order, err := h.orders.Refund(r.Context(), id, user.Username, req.Reason)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, order)
}

func (h *OrdersHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "orderID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	order, err := h.orders.Get(r.Context(), id)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	user := apimiddleware.UserFromContext(r.Context())
	if !user.IsStaff() && order.UserID != user.ID {
		RespondError(w, http.StatusForbidden, "forbidden")
		return
	}

	order, err = h.orders.Cancel(r.Context(), id)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, order)
}

func (h *OrdersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDParam(r, "orderID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	user := apimiddleware.UserFromContext(r.Context())
	if err := h.orders.Delete(r.Context(), id, user.Username); err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
