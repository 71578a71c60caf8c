// Package config loads the daemon configuration from a YAML file in the data
// directory, with XSWAP_* environment overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/xswap/internal/backend"
	"github.com/klingon-exchange/xswap/internal/chain"
	"github.com/klingon-exchange/xswap/internal/retry"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "XSWAP_"

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config holds all configuration for the daemon.
type Config struct {
	Network chain.Network `yaml:"network" env:"NETWORK,overwrite"`

	Storage StorageConfig       `yaml:"storage" env:",prefix=STORAGE_"`
	Logging LoggingConfig       `yaml:"logging" env:",prefix=LOG_"`
	RPC     RPCConfig           `yaml:"rpc" env:",prefix=RPC_"`
	Swap    SwapConfig          `yaml:"swap" env:",prefix=SWAP_"`
	Retry   retry.Config        `yaml:"retry" env:",prefix=RETRY_"`
	Breaker retry.BreakerConfig `yaml:"breaker" env:",prefix=BREAKER_"`
	Monitor MonitorConfig       `yaml:"monitor" env:",prefix=MONITOR_"`
	Wallet  WalletConfig        `yaml:"wallet" env:",prefix=WALLET_"`

	// Resolvers may fund legs and fill orders. EVM addresses compare
	// case-insensitively.
	Resolvers []string `yaml:"resolvers" env:"RESOLVERS,overwrite"`

	// Chains holds adapter settings per chain symbol. A chain without an
	// entry has no escrow adapter and cannot be used in orders.
	Chains map[string]*ChainConfig `yaml:"chains,omitempty"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir" env:"DATA_DIR,overwrite"`
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver" env:"DRIVER,overwrite"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level" env:"LEVEL,overwrite"`
	// Format is "text" or "json".
	Format string `yaml:"format" env:"FORMAT,overwrite"`
	// File is the log file path (empty for stderr).
	File string `yaml:"file" env:"FILE,overwrite"`
}

// RPCConfig holds the JSON-RPC server settings.
type RPCConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED,overwrite"`
	Listen  string `yaml:"listen" env:"LISTEN,overwrite"`
	// AllowedOrigins for WebSocket upgrades. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" env:"ALLOWED_ORIGINS,overwrite"`
}

// SwapConfig holds order and settlement policy.
type SwapConfig struct {
	// MinHorizon is how far in the future an order's timelock must be.
	MinHorizon time.Duration `yaml:"min_horizon" env:"MIN_HORIZON,overwrite"`
	// LegTimelockDelta is subtracted from the order timelock for the
	// destination leg.
	LegTimelockDelta time.Duration `yaml:"leg_timelock_delta" env:"LEG_TIMELOCK_DELTA,overwrite"`
	// ExpiringWindow before a leg timelock marks the order Expiring.
	ExpiringWindow time.Duration `yaml:"expiring_window" env:"EXPIRING_WINDOW,overwrite"`

	AutoFundCounterLeg bool `yaml:"auto_fund_counter_leg" env:"AUTO_FUND_COUNTER_LEG,overwrite"`
	AutoRefund         bool `yaml:"auto_refund" env:"AUTO_REFUND,overwrite"`

	RetentionPeriod time.Duration `yaml:"retention_period" env:"RETENTION_PERIOD,overwrite"`
	SweepInterval   time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL,overwrite"`
}

// MonitorConfig holds chain watch settings.
type MonitorConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL,overwrite"`
	ResubscribeDelay time.Duration `yaml:"resubscribe_delay" env:"RESUBSCRIBE_DELAY,overwrite"`
	// Confirmations overrides the registry depth per chain symbol.
	Confirmations map[string]uint32 `yaml:"confirmations,omitempty"`
}

// WalletConfig locates the adapter signing keys.
type WalletConfig struct {
	// SeedFile is relative to the data directory unless absolute.
	SeedFile string `yaml:"seed_file" env:"SEED_FILE,overwrite"`
	Account  uint32 `yaml:"account" env:"ACCOUNT,overwrite"`
	// Password and Passphrase are only read from the environment.
	Password   string `yaml:"-" env:"PASSWORD"`
	Passphrase string `yaml:"-" env:"PASSPHRASE"`
}

// ChainConfig holds escrow adapter settings for one chain.
type ChainConfig struct {
	// EVM chains.
	RPCURL         string `yaml:"rpc_url,omitempty"`
	Contract       string `yaml:"contract,omitempty"`
	ChainID        uint64 `yaml:"chain_id,omitempty"`
	StartBlock     uint64 `yaml:"start_block,omitempty"`
	LookbackBlocks uint64 `yaml:"lookback_blocks,omitempty"`

	// UTXO chains. Backend defaults to the public API for the chain.
	Backend *backend.Config `yaml:"backend,omitempty"`
	// FeeRate in sat/vB; zero uses backend estimates.
	FeeRate uint64 `yaml:"fee_rate,omitempty"`

	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	ReportDepth  uint32        `yaml:"report_depth,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: chain.Mainnet,
		Storage: StorageConfig{
			DataDir: "~/.xswap",
			Driver:  DriverSQLite,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		RPC: RPCConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8645",
		},
		Swap: SwapConfig{
			MinHorizon:         6 * time.Hour,
			LegTimelockDelta:   3 * time.Hour,
			ExpiringWindow:     time.Hour,
			AutoFundCounterLeg: false,
			AutoRefund:         true,
			RetentionPeriod:    30 * 24 * time.Hour,
			SweepInterval:      time.Minute,
		},
		Retry:   retry.DefaultConfig(),
		Breaker: retry.DefaultBreakerConfig(),
		Monitor: MonitorConfig{
			PollInterval:     15 * time.Second,
			ResubscribeDelay: 5 * time.Second,
		},
		Wallet: WalletConfig{
			SeedFile: "wallet.seed",
		},
		Resolvers: []string{},
		Chains:    map[string]*ChainConfig{},
	}
}

// Load reads <dataDir>/config.yaml, creating it with defaults when missing,
// and applies XSWAP_* environment overrides.
func Load(ctx context.Context, dataDir string) (*Config, error) {
	return LoadWith(ctx, dataDir, envconfig.PrefixLookuper(EnvPrefix, envconfig.OsLookuper()))
}

// LoadWith is Load with an explicit environment lookuper.
func LoadWith(ctx context.Context, dataDir string, env envconfig.Lookuper) (*Config, error) {
	configPath := ConfigPath(dataDir)

	cfg := DefaultConfig()
	cfg.Storage.DataDir = dataDir

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.ProcessWith(ctx, cfg, env); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}
	if cfg.Chains == nil {
		cfg.Chains = map[string]*ChainConfig{}
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# xswapd configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the settings the daemon cannot start without.
func (c *Config) Validate() error {
	if c.Network != chain.Mainnet && c.Network != chain.Testnet {
		return fmt.Errorf("unknown network %q", c.Network)
	}
	if c.Storage.Driver != DriverSQLite && c.Storage.Driver != DriverMemory {
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Swap.MinHorizon <= 0 || c.Swap.SweepInterval <= 0 {
		return errors.New("swap.min_horizon and swap.sweep_interval must be positive")
	}
	if c.Swap.LegTimelockDelta <= 0 || c.Swap.LegTimelockDelta >= c.Swap.MinHorizon {
		return fmt.Errorf("swap.leg_timelock_delta %v must be positive and below swap.min_horizon %v",
			c.Swap.LegTimelockDelta, c.Swap.MinHorizon)
	}

	for symbol, cc := range c.Chains {
		params, ok := chain.Get(symbol, c.Network)
		if !ok {
			return fmt.Errorf("chains.%s: unknown chain on %s (known: %s)",
				symbol, c.Network, strings.Join(chain.List(), ", "))
		}
		if cc == nil {
			return fmt.Errorf("chains.%s: empty entry", symbol)
		}
		switch params.Family {
		case chain.FamilyEVM:
			if cc.RPCURL == "" {
				return fmt.Errorf("chains.%s: rpc_url is required", symbol)
			}
			if !common.IsHexAddress(cc.Contract) {
				return fmt.Errorf("chains.%s: contract %q is not an address", symbol, cc.Contract)
			}
		case chain.FamilyUTXO:
			if c.BackendConfig(symbol) == nil {
				return fmt.Errorf("chains.%s: backend is required", symbol)
			}
		default:
			return fmt.Errorf("chains.%s: no escrow adapter for %s chains", symbol, params.Family)
		}
	}
	return nil
}

// IsTestnet returns true if running on testnet.
func (c *Config) IsTestnet() bool {
	return c.Network == chain.Testnet
}

// BackendConfig returns the backend for a UTXO chain, falling back to the
// public API. Returns nil when neither exists.
func (c *Config) BackendConfig(symbol string) *backend.Config {
	if cc, ok := c.Chains[symbol]; ok && cc != nil && cc.Backend != nil {
		return cc.Backend
	}
	return backend.DefaultConfig(symbol, c.Network)
}

// Confirmations returns the depth required on a chain.
func (c *Config) Confirmations(symbol string) uint32 {
	if n, ok := c.Monitor.Confirmations[symbol]; ok && n > 0 {
		return n
	}
	if params, ok := chain.Get(symbol, c.Network); ok {
		return params.Confirmations
	}
	return 1
}

// IsResolver reports whether addr is whitelisted.
func (c *Config) IsResolver(addr string) bool {
	for _, r := range c.Resolvers {
		if strings.EqualFold(strings.TrimPrefix(r, "0x"), strings.TrimPrefix(addr, "0x")) {
			return true
		}
	}
	return false
}

// DBPath returns the SQLite database path.
func (c *Config) DBPath() string {
	return filepath.Join(expandPath(c.Storage.DataDir), "xswap.db")
}

// SeedPath returns the encrypted wallet seed path.
func (c *Config) SeedPath() string {
	if filepath.IsAbs(c.Wallet.SeedFile) {
		return c.Wallet.SeedFile
	}
	return filepath.Join(expandPath(c.Storage.DataDir), c.Wallet.SeedFile)
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
