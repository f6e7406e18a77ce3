// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keygate/keygate/internal/api/handlers"
	apimiddleware "github.com/keygate/keygate/internal/api/middleware"
	"github.com/keygate/keygate/internal/auth"
	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/metrics"
	"github.com/keygate/keygate/internal/models"
	"github.com/keygate/keygate/internal/services"
)

// Dependencies holds everything the router needs
type Dependencies struct {
	Config           *config.AppConfig
	AuthService      *auth.Service
	UserStore        *models.UserStore
	PlanStore        *models.PlanStore
	LicenseService   *services.LicenseService
	OrderService     *services.OrderService
	PaymentProcessor *services.PaymentProcessor
	ResellerService  *services.ResellerService
	ClaimService     *services.ClaimService
	MetricsManager   *metrics.Manager
}

// NewRouter creates and configures the main application router
func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apimiddleware.HTTPLogger)

	authHandler := handlers.NewAuthHandler(deps.AuthService, deps.UserStore)
	plansHandler := handlers.NewPlansHandler(deps.PlanStore)
	licensesHandler := handlers.NewLicensesHandler(deps.LicenseService)
	ordersHandler := handlers.NewOrdersHandler(deps.OrderService)
	webhookHandler := handlers.NewWebhookHandler(deps.PaymentProcessor)
	resellersHandler := handlers.NewResellersHandler(deps.ResellerService)
	claimsHandler := handlers.NewClaimsHandler(deps.ClaimService)

	r.Route("/api", func(r chi.Router) {
		// Public routes (no auth required)
		r.Post("/auth/login", authHandler.Login)

		// License client endpoints, authenticated by the key itself
		r.Get("/licenses/validate/{key}", licensesHandler.Validate)
		r.Post("/licenses/activate-device", licensesHandler.ActivateDevice)
		r.Post("/licenses/deactivate-device", licensesHandler.DeactivateDevice)

		// Payment provider callback, authenticated by the webhook token
		r.Post("/webhooks/payment", webhookHandler.HandlePaymentNotification)

		// Trial claim protocol
		r.Route("/claims", func(r chi.Router) {
			r.Post("/", claimsHandler.Generate)
			r.Post("/{token}/complete", claimsHandler.Complete)
			r.Post("/{token}/claim", claimsHandler.Claim)
			r.Get("/{token}", claimsHandler.Status)
		})

		r.Get("/plans", plansHandler.List)
		r.Get("/plans/{planID}", plansHandler.Get)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(apimiddleware.IsAuthenticated(deps.AuthService))

			r.Post("/auth/logout", authHandler.Logout)
			r.Get("/auth/me", authHandler.GetCurrentUser)
			r.Put("/auth/change-password", authHandler.ChangePassword)

			r.Route("/orders", func(r chi.Router) {
				r.Post("/", ordersHandler.Create)
				r.Get("/mine", ordersHandler.ListMine)
				r.Get("/{orderID}", ordersHandler.Get)
				r.Post("/{orderID}/cancel", ordersHandler.Cancel)

				r.Group(func(r chi.Router) {
					r.Use(apimiddleware.RequireStaff)
					r.Get("/", ordersHandler.List)
					r.Post("/{orderID}/complete", ordersHandler.Complete)
					r.Post("/{orderID}/refund", ordersHandler.Refund)
					r.Delete("/{orderID}", ordersHandler.Delete)
				})
			})

			r.Get("/licenses/mine", licensesHandler.ListMine)

			r.Route("/resellers", func(r chi.Router) {
				r.Post("/{resellerID}/purchase", resellersHandler.PurchaseKeys)
				r.Get("/{resellerID}/ledger", resellersHandler.Ledger)

				r.Group(func(r chi.Router) {
					r.Use(apimiddleware.RequireStaff)
					r.Post("/", resellersHandler.Register)
					r.Get("/", resellersHandler.List)
					r.Get("/{resellerID}", resellersHandler.Get)
					r.Post("/{resellerID}/deposit", resellersHandler.Deposit)
					r.Post("/{resellerID}/adjust", resellersHandler.Adjust)
					r.Get("/{resellerID}/verify", resellersHandler.VerifyBalance)
					r.Post("/{resellerID}/approve", resellersHandler.Approve)
					r.Post("/{resellerID}/suspend", resellersHandler.Suspend)
				})
			})

			// Staff-only key and plan management
			r.Group(func(r chi.Router) {
				r.Use(apimiddleware.RequireStaff)

				r.Post("/plans", plansHandler.Create)

				r.Route("/licenses", func(r chi.Router) {
					r.Post("/", licensesHandler.Generate)
					r.Get("/", licensesHandler.List)
					r.Route("/{keyID}", func(r chi.Router) {
						r.Get("/", licensesHandler.Get)
						r.Post("/activate", licensesHandler.Activate)
						r.Post("/extend", licensesHandler.Extend)
						r.Post("/revoke", licensesHandler.Revoke)
						r.Post("/ban", licensesHandler.Ban)
						r.Post("/reset-devices", licensesHandler.ResetDevices)
						r.Get("/devices", licensesHandler.ListDevices)
						r.Get("/history", licensesHandler.History)
						r.With(apimiddleware.RequireAdmin).Delete("/", licensesHandler.Delete)
					})
				})
			})
		})
	})

	if deps.MetricsManager != nil {
		metricsHandler := handlers.NewMetricsHandler(deps.MetricsManager)
		r.Get("/metrics", metricsHandler.ServeMetrics)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return r
}
