package config

import (
	"fmt"
	"strings"

	"lienchain/crypto"
)

// Validate rejects configurations the daemon cannot safely start with.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil config")
	}
	if strings.TrimSpace(cfg.TreasuryAddress) != "" {
		if _, err := crypto.DecodeAddress(cfg.TreasuryAddress); err != nil {
			return fmt.Errorf("config: TreasuryAddress: %w", err)
		}
	}
	if strings.TrimSpace(cfg.DebtToken.TokenContract) != "" {
		if _, err := crypto.DecodeAddress(cfg.DebtToken.TokenContract); err != nil {
			return fmt.Errorf("config: debt_token.TokenContract: %w", err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Mirror.Driver)) {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("config: mirror.Driver must be postgres or sqlite, got %q", cfg.Mirror.Driver)
	}
	if cfg.Mirror.Driver != "" && strings.TrimSpace(cfg.Mirror.DSN) == "" {
		return fmt.Errorf("config: mirror.DSN required when mirror.Driver is set")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.Level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	return nil
}
