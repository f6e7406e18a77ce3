// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/keygate/keygate/internal/api"
	"github.com/keygate/keygate/internal/auth"
	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/database"
	"github.com/keygate/keygate/internal/metrics"
	"github.com/keygate/keygate/internal/models"
	"github.com/keygate/keygate/internal/notifications"
	"github.com/keygate/keygate/internal/services"
)

var (
	Version = "dev"
	cfgFile string
	dataDir string
)

const sweepInterval = time.Minute

var rootCmd = &cobra.Command{
	Use:   "keygate",
	Short: "License key and entitlement server",
	Long: `keygate - a self-hosted entitlement server managing license keys,
device activations, orders, payment webhooks and reseller balances.`,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the keygate server",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("keygate %s\n", Version)
	},
}

var generateConfigCmd = &cobra.Command{
	Use:   "generate-config",
	Short: "Generate a default configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		path := cfgFile
		if path == "" {
			path = filepath.Join(config.GetDefaultConfigDir(), "config.toml")
		}

		if _, err := os.Stat(path); err == nil {
			log.Fatal().Str("path", path).Msg("Config file already exists, refusing to overwrite")
		}

		if err := config.WriteDefaultConfig(path); err != nil {
			log.Fatal().Err(err).Msg("Failed to write config file")
		}

		fmt.Printf("Wrote default configuration to %s\n", path)
	},
}

var createAdminCmd = &cobra.Command{
	Use:   "create-admin",
	Short: "Create an admin user",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.New(cfgFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize configuration")
		}
		if dataDir != "" {
			cfg.SetDataDir(dataDir)
		}

		db, err := database.New(cfg.GetDatabasePath())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize database")
		}
		defer db.Close()

		reader := bufio.NewReader(os.Stdin)
		fmt.Print("Username: ")
		username, _ := reader.ReadString('\n')
		username = strings.TrimSpace(username)
		if username == "" {
			log.Fatal().Msg("Username cannot be empty")
		}

		fmt.Print("Email: ")
		email, _ := reader.ReadString('\n')
		email = strings.TrimSpace(email)

		fmt.Print("Password: ")
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read password")
		}
		if len(password) < 8 {
			log.Fatal().Msg("Password must be at least 8 characters")
		}

		hash, err := auth.HashPassword(string(password))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to hash password")
		}

		userStore := models.NewUserStore(db.Conn())
		user, err := userStore.Create(context.Background(), username, hash, email, models.RoleAdmin)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create admin user")
		}

		fmt.Printf("Created admin user %s (id %d)\n", user.Username, user.ID)
	},
}

func init() {
	cobra.OnInitialize(initLogger)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is OS-specific: ~/.config/keygate/config.toml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory for the sqlite database")
	rootCmd.Version = Version

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(generateConfigCmd)
	rootCmd.AddCommand(createAdminCmd)
}

func initLogger() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func runServer() {
	log.Info().Str("version", Version).Msg("Starting keygate")

	cfg, err := config.New(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}
	if dataDir != "" {
		cfg.SetDataDir(dataDir)
	}
	cfg.ApplyLogConfig()

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	// Stores
	userStore := models.NewUserStore(db.Conn())
	planStore := models.NewPlanStore(db.Conn())
	keyStore := models.NewLicenseKeyStore(db.Conn())
	activationStore := models.NewDeviceActivationStore(db.Conn())
	usageStore := models.NewUsageLogStore(db.Conn())
	orderStore := models.NewOrderStore(db.Conn())
	paymentStore := models.NewPaymentStore(db.Conn())
	resellerStore := models.NewResellerStore(db.Conn())
	resellerStore.SetBalanceFloor(cfg.ResellerBalanceFloor())
	claimStore := models.NewClaimSessionStore(db.Conn())

	// Services
	authService := auth.NewService(cfg.Config.SessionSecret, userStore)

	logNotifier := notifications.NewLogNotifier()
	notifier := notifications.NewAsyncNotifier(logNotifier, 256)
	defer notifier.Close()

	licenseService, err := services.NewLicenseService(keyStore, activationStore, planStore, usageStore, notifier)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize license service")
	}

	orderService := services.NewOrderService(db, orderStore, keyStore, planStore, notifier)
	paymentProcessor := services.NewPaymentProcessor(cfg, paymentStore, orderStore, orderService)
	resellerService := services.NewResellerService(resellerStore, planStore, licenseService)
	claimService := services.NewClaimService(db, cfg, claimStore, keyStore, planStore, notifier)

	var metricsManager *metrics.Manager
	if cfg.Config.MetricsEnabled {
		metricsManager = metrics.NewManager(keyStore, orderStore, paymentStore, resellerStore)
	}

	deps := &api.Dependencies{
		Config:           cfg,
		AuthService:      authService,
		UserStore:        userStore,
		PlanStore:        planStore,
		LicenseService:   licenseService,
		OrderService:     orderService,
		PaymentProcessor: paymentProcessor,
		ResellerService:  resellerService,
		ClaimService:     claimService,
		MetricsManager:   metricsManager,
	}

	router := api.NewRouter(deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Config.Host, cfg.Config.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  180 * time.Second,
	}

	// Background sweepers for key expiry and claim session TTLs
	sweepCtx, stopSweepers := context.WithCancel(context.Background())
	defer stopSweepers()
	go runSweepers(sweepCtx, licenseService, claimService)

	go func() {
		log.Info().Str("address", srv.Addr).Msg("Starting HTTP server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

func runSweepers(ctx context.Context, licenses *services.LicenseService, claims *services.ClaimService) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := licenses.SweepExpired(ctx); err != nil {
				log.Error().Err(err).Msg("License expiry sweep failed")
			}
			if _, err := claims.SweepExpired(ctx); err != nil {
				log.Error().Err(err).Msg("Claim session sweep failed")
			}
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
