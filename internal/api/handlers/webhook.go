// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/keygate/keygate/internal/errs"
	"github.com/keygate/keygate/internal/services"
)

// webhookBodyLimit caps the notification body size. Provider payloads are
// a few hundred bytes.
const webhookBodyLimit = 64 * 1024

type WebhookHandler struct {
	processor *services.PaymentProcessor
}

func NewWebhookHandler(processor *services.PaymentProcessor) *WebhookHandler {
	return &WebhookHandler{processor: processor}
}

// HandlePaymentNotification ingests a payment provider callback. Provider
// contract: 401 on a bad token or stale timestamp, 400 on a malformed
// payload, and 200 for everything else so the provider stops retrying.
func (h *WebhookHandler) HandlePaymentNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	notification, err := h.processor.ParsePayload(body, r.Header.Get("Content-Type"))
	if err != nil {
		log.Warn().Err(err).Msg("Rejected malformed payment notification")
		RespondError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	result, err := h.processor.Process(r.Context(), notification)
	if err != nil {
		if errors.Is(err, errs.ErrUnauthorized) {
			RespondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		log.Error().Err(err).Msg("Payment notification processing failed")
		RespondError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	RespondJSON(w, http.StatusOK, result)
}
