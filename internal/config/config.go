// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	BaseURL        string `mapstructure:"baseUrl"`
	SessionSecret  string `mapstructure:"sessionSecret"`
	LogLevel       string `mapstructure:"logLevel"`
	LogPath        string `mapstructure:"logPath"`
	DatabasePath   string `mapstructure:"databasePath"`
	MetricsEnabled bool   `mapstructure:"metricsEnabled"`

	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Payments  PaymentsConfig  `mapstructure:"payments"`
	Claims    ClaimsConfig    `mapstructure:"claims"`
	Resellers ResellersConfig `mapstructure:"resellers"`
}

// WebhookConfig holds the payment notification verification settings.
type WebhookConfig struct {
	Secret                 string `mapstructure:"secret"`
	FreshnessWindowMinutes int    `mapstructure:"freshnessWindowMinutes"`
}

// PaymentsConfig holds amount verification settings. Exchange rates map
// currency code -> units per one common-currency unit.
type PaymentsConfig struct {
	CommonCurrency  string             `mapstructure:"commonCurrency"`
	AmountTolerance float64            `mapstructure:"amountTolerance"`
	ExchangeRates   map[string]float64 `mapstructure:"exchangeRates"`
}

type ClaimsConfig struct {
	SessionTTLHours int    `mapstructure:"sessionTtlHours"`
	TrialMinutes    int    `mapstructure:"trialMinutes"`
	RedirectBaseURL string `mapstructure:"redirectBaseUrl"`
}

type ResellersConfig struct {
	AllowNegativeBalance bool    `mapstructure:"allowNegativeBalance"`
	NegativeGraceLimit   float64 `mapstructure:"negativeGraceLimit"`
}

// AppConfig wraps the parsed config with the viper instance that produced it.
// The webhook secret, tolerance and exchange rates are re-read on config file
// change so a rotated secret does not require a restart.
type AppConfig struct {
	Config *Config

	viper   *viper.Viper
	dataDir string
	mu      sync.RWMutex
}

func New(configDir string) (*AppConfig, error) {
	c := &AppConfig{
		viper:  viper.New(),
		Config: &Config{},
	}

	c.defaults()

	configPath, err := resolveConfigPath(configDir)
	if err != nil {
		return nil, err
	}

	c.viper.SetConfigFile(configPath)

	// Environment overrides: KEYGATE__HOST, KEYGATE__WEBHOOK_SECRET, ...
	c.viper.SetEnvPrefix("KEYGATE_")
	c.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	c.viper.AutomaticEnv()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		log.Info().Str("path", configPath).Msg("Created default configuration file")
	}

	if err := c.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("host", "localhost")
	c.viper.SetDefault("port", 8080)
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("webhook.freshnessWindowMinutes", 5)
	c.viper.SetDefault("payments.commonCurrency", "USD")
	c.viper.SetDefault("payments.amountTolerance", 1.0)
	c.viper.SetDefault("payments.exchangeRates", map[string]float64{"USD": 1.0})
	c.viper.SetDefault("claims.sessionTtlHours", 6)
	c.viper.SetDefault("claims.trialMinutes", 240)
	c.viper.SetDefault("resellers.allowNegativeBalance", false)
	c.viper.SetDefault("resellers.negativeGraceLimit", 0)
}

// watchConfig re-unmarshals on file change so rotated webhook secrets and
// updated exchange rates take effect without a restart.
func (c *AppConfig) watchConfig() {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		newConfig := &Config{}
		if err := c.viper.Unmarshal(newConfig); err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("Failed to reload configuration, keeping previous values")
			return
		}

		c.mu.Lock()
		c.Config = newConfig
		c.mu.Unlock()

		log.Info().Str("file", e.Name).Msg("Configuration reloaded")
	})
	c.viper.WatchConfig()
}

func resolveConfigPath(configDir string) (string, error) {
	if configDir == "" {
		return filepath.Join(GetDefaultConfigDir(), "config.toml"), nil
	}

	if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
		return configDir, nil
	}

	if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
		return configDir, nil
	}

	return filepath.Join(configDir, "config.toml"), nil
}

// GetDefaultConfigDir returns the OS-specific default config directory.
func GetDefaultConfigDir() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "keygate")
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "keygate")
}

// SetDataDir overrides the directory used for the database.
func (c *AppConfig) SetDataDir(dataDir string) {
	c.dataDir = dataDir
}

// GetDatabasePath returns the sqlite database path, preferring an explicit
// config value, then the data dir, then the config file's directory.
func (c *AppConfig) GetDatabasePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Config.DatabasePath != "" {
		return c.Config.DatabasePath
	}
	if c.dataDir != "" {
		return filepath.Join(c.dataDir, "keygate.db")
	}
	return filepath.Join(filepath.Dir(c.viper.ConfigFileUsed()), "keygate.db")
}

// ApplyLogConfig configures the global zerolog logger from the config.
func (c *AppConfig) ApplyLogConfig() {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Config.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if c.Config.LogPath != "" {
		f, err := os.OpenFile(c.Config.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Error().Err(err).Str("path", c.Config.LogPath).Msg("Failed to open log file, logging to stderr")
			return
		}
		log.Logger = log.Output(f)
	}
}

// The accessors below take the read lock so the payment processor always sees
// a consistent view even while a config reload is in flight.

func (c *AppConfig) WebhookSecret() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Config.Webhook.Secret
}

func (c *AppConfig) FreshnessWindow() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Config.Webhook.FreshnessWindowMinutes) * time.Minute
}

func (c *AppConfig) AmountTolerance() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Config.Payments.AmountTolerance
}

func (c *AppConfig) CommonCurrency() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Config.Payments.CommonCurrency
}

func (c *AppConfig) ClaimSessionTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Config.Claims.SessionTTLHours) * time.Hour
}

func (c *AppConfig) TrialDuration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Config.Claims.TrialMinutes) * time.Minute
}

func (c *AppConfig) ClaimRedirectBaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Config.Claims.RedirectBaseURL
}

// ResellerBalanceFloor returns the lowest balance a charge may leave. Zero
// unless negative balances are explicitly allowed.
func (c *AppConfig) ResellerBalanceFloor() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.Config.Resellers.AllowNegativeBalance {
		return 0
	}
	return -c.Config.Resellers.NegativeGraceLimit
}

// ToCommonCurrency converts an amount into the common currency using the
// configured rate table. Unknown currencies are an error so the payment is
// left for manual review instead of being silently mis-valued.
func (c *AppConfig) ToCommonCurrency(amount float64, fromCurrency string) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	from := strings.ToUpper(fromCurrency)
	if from == strings.ToUpper(c.Config.Payments.CommonCurrency) {
		return amount, nil
	}

	rate, ok := c.Config.Payments.ExchangeRates[from]
	if !ok || rate <= 0 {
		return 0, fmt.Errorf("no exchange rate configured for %s", from)
	}
	return amount / rate, nil
}
