// Package config loads the deskd service manifest. The manifest is TOML;
// secrets never live in the file itself, only the names of the environment
// variables that hold them.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration to support TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for deskd.
type Config struct {
	ListenAddress string         `toml:"listen"`
	Environment   string         `toml:"environment"`
	Database      DatabaseConfig `toml:"database"`
	Chain         ChainConfig    `toml:"chain"`
	Worker        WorkerConfig   `toml:"worker"`
	Oracle        OracleConfig   `toml:"oracle"`
	Recon         ReconConfig    `toml:"recon"`
}

// DatabaseConfig selects the quote index backend.
type DatabaseConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
	DSNEnv string `toml:"dsn_env"`
}

// ChainConfig selects the ledger backend and its endpoint.
type ChainConfig struct {
	Kind          string `toml:"kind"`
	RPCURL        string `toml:"rpc_url"`
	Contract      string `toml:"contract"`
	Program       string `toml:"program"`
	Desk          string `toml:"desk"`
	PrivateKeyEnv string `toml:"private_key_env"`
}

// WorkerConfig tunes the approval worker.
type WorkerConfig struct {
	Enabled  bool     `toml:"enabled"`
	Approver string   `toml:"approver"`
	Interval Duration `toml:"interval"`
}

// OracleConfig tunes the price publishing loop.
type OracleConfig struct {
	Enabled      bool              `toml:"enabled"`
	TokenSymbol  string            `toml:"token_symbol"`
	NativeSymbol string            `toml:"native_symbol"`
	Endpoint     string            `toml:"endpoint"`
	AssetIDs     map[string]string `toml:"asset_ids"`
	Interval     Duration          `toml:"interval"`
	MaxAge       Duration          `toml:"max_age"`
	ManualMaxAge Duration          `toml:"manual_max_age"`
	UseManual    bool              `toml:"use_manual"`
	Divergence   DivergenceConfig  `toml:"divergence"`
}

// DivergenceConfig tunes the cross-feed sanity check.
type DivergenceConfig struct {
	MaxBps uint64 `toml:"max_bps"`
	Policy string `toml:"policy"`
}

// ReconConfig tunes the nightly reconciliation pass.
type ReconConfig struct {
	Enabled   bool   `toml:"enabled"`
	OutputDir string `toml:"output_dir"`
	RunHour   int    `toml:"run_hour"`
	RunMinute int    `toml:"run_minute"`
}

// Load reads configuration from the supplied path and resolves secret
// references from the environment.
func Load(path string) (Config, error) {
	cfg := Config{}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if env := strings.TrimSpace(cfg.Database.DSNEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			cfg.Database.DSN = value
		}
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// PrivateKey resolves the signing key from the configured environment
// variable. The key never appears in the manifest or in logs.
func (c ChainConfig) PrivateKey() (string, error) {
	env := strings.TrimSpace(c.PrivateKeyEnv)
	if env == "" {
		return "", fmt.Errorf("chain: private_key_env not configured")
	}
	key := strings.TrimSpace(os.Getenv(env))
	if key == "" {
		return "", fmt.Errorf("chain: environment variable %s is empty", env)
	}
	return key, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7085"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "file:otcdesk.sqlite"
	}
	if cfg.Chain.Kind == "" {
		cfg.Chain.Kind = "memory"
	}
	if cfg.Worker.Interval.Duration == 0 {
		cfg.Worker.Interval.Duration = 5 * time.Second
	}
	if cfg.Oracle.Interval.Duration == 0 {
		cfg.Oracle.Interval.Duration = 30 * time.Second
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = 2 * time.Minute
	}
	if cfg.Oracle.ManualMaxAge.Duration == 0 {
		cfg.Oracle.ManualMaxAge.Duration = time.Hour
	}
	if cfg.Oracle.Divergence.Policy == "" {
		cfg.Oracle.Divergence.Policy = "fail-closed"
	}
	if cfg.Recon.RunHour == 0 && cfg.Recon.RunMinute == 0 {
		cfg.Recon.RunHour = 2
	}
}

func validate(cfg Config) error {
	switch cfg.Chain.Kind {
	case "memory":
	case "evm":
		if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
			return fmt.Errorf("chain: rpc_url required for evm")
		}
		if strings.TrimSpace(cfg.Chain.Contract) == "" {
			return fmt.Errorf("chain: contract required for evm")
		}
	case "solana":
		if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
			return fmt.Errorf("chain: rpc_url required for solana")
		}
		if strings.TrimSpace(cfg.Chain.Program) == "" {
			return fmt.Errorf("chain: program required for solana")
		}
		if strings.TrimSpace(cfg.Chain.Desk) == "" {
			return fmt.Errorf("chain: desk account required for solana")
		}
	default:
		return fmt.Errorf("chain: unknown kind %q", cfg.Chain.Kind)
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database: unknown driver %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database: dsn required for postgres")
	}
	if cfg.Worker.Enabled && strings.TrimSpace(cfg.Worker.Approver) == "" {
		return fmt.Errorf("worker: approver address required when enabled")
	}
	if cfg.Oracle.Enabled {
		if strings.TrimSpace(cfg.Oracle.TokenSymbol) == "" || strings.TrimSpace(cfg.Oracle.NativeSymbol) == "" {
			return fmt.Errorf("oracle: token_symbol and native_symbol required when enabled")
		}
	}
	if cfg.Recon.RunHour < 0 || cfg.Recon.RunHour > 23 {
		return fmt.Errorf("recon: run_hour %d out of range", cfg.Recon.RunHour)
	}
	if cfg.Recon.RunMinute < 0 || cfg.Recon.RunMinute > 59 {
		return fmt.Errorf("recon: run_minute %d out of range", cfg.Recon.RunMinute)
	}
	return nil
}
