package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"lienchain/config"
	"lienchain/core/events"
	"lienchain/crypto"
	"lienchain/mirror"
	"lienchain/native/debttoken"
	"lienchain/native/loan"
	"lienchain/native/roles"
	"lienchain/observability/logging"
	"lienchain/rpc"
	"lienchain/storage"
)

// pauseSet adapts the config pause toggles onto the module guard.
type pauseSet map[string]bool

func (p pauseSet) IsPaused(module string) bool { return p[module] }

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("liend", cfg.NetworkName, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	store := storage.NewStore(db)
	custody := storage.NewCustodyLedger(db)

	registry := roles.NewRegistry()
	if strings.TrimSpace(cfg.RoleAllocationFile) != "" {
		alloc, err := config.LoadRoleAllocation(cfg.RoleAllocationFile)
		if err != nil {
			panic(fmt.Sprintf("Failed to load role allocation: %v", err))
		}
		if err := alloc.Apply(registry); err != nil {
			panic(fmt.Sprintf("Failed to apply role allocation: %v", err))
		}
	}

	var treasury [20]byte
	if strings.TrimSpace(cfg.TreasuryAddress) != "" {
		addr, err := crypto.DecodeAddress(cfg.TreasuryAddress)
		if err != nil {
			panic(fmt.Sprintf("Invalid treasury address: %v", err))
		}
		treasury = addr.Raw()
	}

	pauses := pauseSet{
		"loan":      cfg.Pauses.Loan,
		"debttoken": cfg.Pauses.DebtToken,
	}

	hub := rpc.NewEventHub()
	emitters := events.Fanout{hub}

	if strings.TrimSpace(cfg.Mirror.Driver) != "" {
		gdb, err := mirror.Open(cfg.Mirror.Driver, cfg.Mirror.DSN)
		if err != nil {
			panic(fmt.Sprintf("Failed to open mirror database: %v", err))
		}
		emitters = append(emitters, mirror.NewBridge(gdb, logger))
		logger.Info("mirror bridge enabled", "driver", cfg.Mirror.Driver,
			logging.MaskField("dsn", cfg.Mirror.DSN))
	}

	engine := loan.NewEngine(treasury, registry)
	engine.SetState(store)
	engine.SetCustody(custody)
	engine.SetPauses(pauses)
	engine.SetEmitter(emitters)

	tokenizer := debttoken.NewTokenizer(registry)
	tokenizer.SetState(store)
	tokenizer.SetPauses(pauses)
	tokenizer.SetEmitter(emitters)
	tokenizer.SetBaseURI(cfg.DebtToken.BaseURI)
	if cfg.DebtToken.MintUnlockAt > 0 {
		tokenizer.SetUnlockAt(cfg.DebtToken.MintUnlockAt)
	}
	if strings.TrimSpace(cfg.DebtToken.TokenContract) != "" {
		addr, err := crypto.DecodeAddress(cfg.DebtToken.TokenContract)
		if err != nil {
			panic(fmt.Sprintf("Invalid debt token contract address: %v", err))
		}
		tokenizer.SetTokenContract(addr.Raw())
	}

	secret := os.Getenv(cfg.JWTSecretEnv)
	if strings.TrimSpace(secret) == "" {
		panic(fmt.Sprintf("JWT secret not set; export %s before starting", cfg.JWTSecretEnv))
	}

	server := rpc.NewServer(engine, tokenizer, store, hub, logger, []byte(secret), cfg.RateLimitPerMinute)

	logger.Info("liend starting",
		"listen", cfg.ListenAddress,
		"network", cfg.NetworkName,
		"data_dir", cfg.DataDir,
		"started_at", time.Now().UTC().Format(time.RFC3339),
	)
	if err := server.Start(cfg.ListenAddress); err != nil {
		panic(fmt.Sprintf("RPC server exited: %v", err))
	}
}
