// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/keygate/keygate/internal/errs"
)

// RespondJSON sends a JSON response
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Error().Err(err).Msg("Failed to encode JSON response")
		}
	}
}

// RespondError sends an error response
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{
		"error": message,
	})
}

// RespondServiceError maps domain errors to HTTP statuses.
func RespondServiceError(w http.ResponseWriter, err error) {
	var deviceLimit *errs.DeviceLimitExceededError
	var insufficient *errs.InsufficientBalanceError

	switch {
	case errors.Is(err, errs.ErrNotFound):
		RespondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, errs.ErrInvalidInput):
		RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errs.ErrUnauthorized):
		RespondError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, errs.ErrAlreadyClaimed):
		RespondError(w, http.StatusConflict, "already claimed")
	case errors.Is(err, errs.ErrInvalidState):
		RespondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &deviceLimit):
		RespondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &insufficient):
		RespondError(w, http.StatusPaymentRequired, err.Error())
	default:
		log.Error().Err(err).Msg("Unhandled service error")
		RespondError(w, http.StatusInternalServerError, "internal server error")
	}
}

// ParseIDParam extracts a numeric id from a chi URL parameter.
func ParseIDParam(r *http.Request, param string) (int, error) {
	return strconv.Atoi(chi.URLParam(r, param))
}
