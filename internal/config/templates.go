package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# tradedesk configuration

[trading]
# Trading mode: "live" or "paper"
mode = "paper"

# Venue per asset class in live mode: zerodha, binance, paper
[trading.routes]
stock = "zerodha"
etf = "zerodha"
crypto = "binance"

[venues.zerodha]
# Credentials may also come from KITE_API_KEY / KITE_ACCESS_TOKEN
api_key = ""
access_token = ""
exchange = "NSE"
product = "CNC"
timeout = "10s"
# Kite allows 10 requests per second
rate_limit = 10
rate_burst = 10

[venues.binance]
# Credentials may also come from BINANCE_API_KEY / BINANCE_SECRET_KEY
api_key = ""
secret_key = ""
recv_window = "5s"
timeout = "10s"
rate_limit = 10
rate_burst = 20

[venues.paper]
# Commission as a fraction of notional
fee_rate = "0.0005"
# Opening cash for accounts created with "account open"
initial_cash = "100000"

[venues.paper.prices]
# INFY = "1500"

[sync]
interval = "5s"
workers = 4
max_attempts = 3
initial_delay = "200ms"
max_delay = "5s"

[logging]
level = "info"
console = true
file = true

[audit]
enabled = true

[breaker]
failure_threshold = 5
success_threshold = 2
timeout = "30s"
`

// createTemplateConfig writes a commented config.toml so the user has
// something to edit.
func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	// Restricted permissions: the file holds venue credentials.
	if err := os.WriteFile(path, []byte(configTemplate), 0600); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}
