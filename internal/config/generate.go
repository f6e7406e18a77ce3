// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

const defaultConfigTemplate = `# keygate configuration

# Hostname / IP for the server to listen on
host = "%s"

# Port for the server to listen on
port = %d

# Base URL for serving the application under a subdirectory, e.g. "/keygate/"
#baseUrl = "/"

# Session secret, used to sign session cookies
sessionSecret = "%s"

# Log level: ERROR, DEBUG, INFO, WARN, TRACE
#logLevel = "INFO"

# Log file path, leave empty to log to stdout
#logPath = ""

# Expose Prometheus metrics at /metrics
#metricsEnabled = false

[webhook]
# Shared secret the payment provider includes in every notification.
# Notifications with a different token are rejected.
secret = "%s"

# Notifications with a timestamp further than this from server time are
# rejected as potential replays.
freshnessWindowMinutes = 5

[payments]
# Currency all notification amounts are normalized to before comparison.
commonCurrency = "USD"

# Maximum difference (in the common currency) between the notification amount
# and the order amount that still counts as a match.
amountTolerance = 1.0

# Units of each currency per one unit of the common currency.
[payments.exchangeRates]
USD = 1.0
EUR = 0.92

[claims]
# How long a free-key claim session stays claimable.
sessionTtlHours = 6

# Validity of the issued trial key, in minutes.
trialMinutes = 240

# The offer wall URL the claim token is appended to.
redirectBaseUrl = "https://offers.example.com/complete"

[resellers]
# Reject charges that would drive a reseller balance negative.
allowNegativeBalance = false
negativeGraceLimit = 0
`

// WriteDefaultConfig writes a commented default config file, generating fresh
// session and webhook secrets.
func WriteDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	sessionSecret, err := generateSecret(32)
	if err != nil {
		return fmt.Errorf("failed to generate session secret: %w", err)
	}

	webhookSecret, err := generateSecret(24)
	if err != nil {
		return fmt.Errorf("failed to generate webhook secret: %w", err)
	}

	content := fmt.Sprintf(defaultConfigTemplate, "localhost", 8080, sessionSecret, webhookSecret)

	return os.WriteFile(path, []byte(content), 0600)
}

func generateSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
