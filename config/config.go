package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds the node configuration loaded from the TOML file handed to
// liend on startup.
type Config struct {
	ListenAddress      string `toml:"ListenAddress"`
	DataDir            string `toml:"DataDir"`
	NetworkName        string `toml:"NetworkName"`
	TreasuryAddress    string `toml:"TreasuryAddress"`
	RoleAllocationFile string `toml:"RoleAllocationFile"`
	JWTSecretEnv       string `toml:"JWTSecretEnv"`
	RateLimitPerMinute int    `toml:"RateLimitPerMinute"`

	DebtToken DebtToken `toml:"debt_token"`
	Mirror    Mirror    `toml:"mirror"`
	Log       Log       `toml:"log"`
	Pauses    Pauses    `toml:"pauses"`
}

// DebtToken configures the receipt-token issuance surface.
type DebtToken struct {
	TokenContract string `toml:"TokenContract"`
	BaseURI       string `toml:"BaseURI"`
	MintUnlockAt  int64  `toml:"MintUnlockAt"`
}

// Mirror configures the relational read-model bridge. Driver is either
// "postgres" or "sqlite"; an empty driver disables the mirror.
type Mirror struct {
	Driver string `toml:"Driver"`
	DSN    string `toml:"DSN"`
}

// Log configures structured log output and file rotation.
type Log struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
}

// Pauses toggles per-module write suspension.
type Pauses struct {
	Loan      bool `toml:"Loan"`
	DebtToken bool `toml:"DebtToken"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./lien-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "lien-local"
	}
	if strings.TrimSpace(cfg.JWTSecretEnv) == "" {
		cfg.JWTSecretEnv = "LIEN_JWT_SECRET"
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 600
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 64
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
