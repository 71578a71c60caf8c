// Package main provides xswapd, the cross-chain swap coordination daemon.
package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/xswap/internal/backend"
	"github.com/klingon-exchange/xswap/internal/chain"
	"github.com/klingon-exchange/xswap/internal/config"
	"github.com/klingon-exchange/xswap/internal/escrow"
	"github.com/klingon-exchange/xswap/internal/escrow/bitcoin"
	"github.com/klingon-exchange/xswap/internal/escrow/evm"
	"github.com/klingon-exchange/xswap/internal/rpc"
	"github.com/klingon-exchange/xswap/internal/storage"
	"github.com/klingon-exchange/xswap/internal/swap"
	"github.com/klingon-exchange/xswap/internal/wallet"
	"github.com/klingon-exchange/xswap/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir      = flag.String("data-dir", "~/.xswap", "Data directory")
		apiAddr      = flag.String("api", "", "JSON-RPC API address, overrides config")
		testnet      = flag.Bool("testnet", false, "Run on testnet (separate data directory)")
		memory       = flag.Bool("memory", false, "Keep orders in memory only")
		logLevel     = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		generateSeed = flag.Bool("generate-seed", false, "Create an encrypted wallet seed and exit")
		showVersion  = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("xswapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(ctx, effectiveDataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *testnet {
		cfg.Network = chain.Testnet
	}
	if *memory {
		cfg.Storage.Driver = config.DriverMemory
	}
	if *apiAddr != "" {
		cfg.RPC.Listen = *apiAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	logOut, err := openLogOutput(cfg.Logging.File)
	if err != nil {
		log.Fatal("Failed to open log file", "error", err)
	}
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		TimeFormat: time.TimeOnly,
		Output:     logOut,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.ConfigPath(effectiveDataDir), "network", cfg.Network)

	if *generateSeed {
		if err := createSeed(cfg); err != nil {
			log.Fatal("Failed to create wallet seed", "error", err)
		}
		log.Info("Wallet seed created", "path", cfg.SeedPath())
		os.Exit(0)
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer closeStore()
	log.Info("Storage initialized", "driver", cfg.Storage.Driver)

	w, err := openWallet(cfg)
	switch {
	case err != nil:
		log.Fatal("Failed to open wallet", "error", err)
	case w == nil:
		log.Warn("No wallet password set, escrow adapters are watch-only")
	default:
		log.Info("Wallet unlocked", "account", cfg.Wallet.Account)
	}

	escrows, err := buildEscrows(ctx, cfg, w)
	if err != nil {
		log.Fatal("Failed to initialize escrow adapters", "error", err)
	}
	log.Info("Escrow adapters initialized", "chains", escrows.Chains())
	if len(escrows.Chains()) < 2 {
		log.Warn("Fewer than two chains configured, no order can be created")
	}

	coordinator := swap.NewCoordinator(swap.Config{
		Store:              store,
		Escrows:            escrows,
		Network:            cfg.Network,
		IsWhitelisted:      cfg.IsResolver,
		Retry:              cfg.Retry,
		Breaker:            cfg.Breaker,
		MinHorizon:         cfg.Swap.MinHorizon,
		LegTimelockDelta:   cfg.Swap.LegTimelockDelta,
		ExpiringWindow:     cfg.Swap.ExpiringWindow,
		AutoFundCounterLeg: cfg.Swap.AutoFundCounterLeg,
		AutoRefund:         cfg.Swap.AutoRefund,
		RetentionPeriod:    cfg.Swap.RetentionPeriod,
		SweepInterval:      cfg.Swap.SweepInterval,
		Confirmations:      cfg.Monitor.Confirmations,
		PollInterval:       cfg.Monitor.PollInterval,
		ResubscribeDelay:   cfg.Monitor.ResubscribeDelay,
	})

	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcServer = rpc.NewServer(coordinator, rpc.ServerConfig{
			Network:        cfg.Network,
			DataDir:        effectiveDataDir,
			Chains:         escrows.Chains(),
			AllowedOrigins: cfg.RPC.AllowedOrigins,
		})
		if err := rpcServer.Start(cfg.RPC.Listen); err != nil {
			log.Fatal("Failed to start RPC server", "error", err)
		}
	}

	// Watchers resume after the RPC server so that resumed events reach
	// WebSocket clients.
	if err := coordinator.Start(); err != nil {
		log.Fatal("Failed to start coordinator", "error", err)
	}

	printBanner(log, cfg, w, escrows.Chains())

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Info("Status",
					"watches", coordinator.Monitor().Active(),
					"circuits", len(coordinator.Breakers().Snapshot()))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")
	cancel()

	if rpcServer != nil {
		if err := rpcServer.Stop(); err != nil {
			log.Error("Error stopping RPC server", "error", err)
		}
	}
	if err := coordinator.Close(); err != nil {
		log.Error("Error stopping coordinator", "error", err)
	}

	log.Info("Goodbye!")
}

func openLogOutput(path string) (io.Writer, error) {
	if path == "" {
		return os.Stderr, nil
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
}

func openStore(cfg *config.Config) (swap.Store, func(), error) {
	if cfg.Storage.Driver == config.DriverMemory {
		return storage.NewMemStore(), func() {}, nil
	}
	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		return nil, nil, err
	}
	logging.GetDefault().Info("SQLite store opened", "path", store.Path())
	return store, func() { store.Close() }, nil
}

// openWallet returns nil when no password is configured.
func openWallet(cfg *config.Config) (*wallet.Wallet, error) {
	if cfg.Wallet.Password == "" {
		return nil, nil
	}
	return wallet.Open(cfg.SeedPath(), cfg.Wallet.Password, cfg.Wallet.Passphrase, cfg.Network)
}

func createSeed(cfg *config.Config) error {
	path := cfg.SeedPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("seed file %s already exists", path)
	}
	if err := wallet.ValidatePassword(cfg.Wallet.Password); err != nil {
		return fmt.Errorf("set XSWAP_WALLET_PASSWORD: %w", err)
	}
	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		return err
	}
	enc, err := wallet.EncryptMnemonic(mnemonic, cfg.Wallet.Password)
	if err != nil {
		return err
	}
	if err := wallet.SaveEncryptedSeed(enc, path); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "\nRecovery phrase (write it down, it is not shown again):\n\n  %s\n\n", mnemonic)
	return nil
}

// buildEscrows creates one adapter per configured chain.
func buildEscrows(ctx context.Context, cfg *config.Config, w *wallet.Wallet) (*escrow.Registry, error) {
	registry := escrow.NewRegistry()

	symbols := make([]string, 0, len(cfg.Chains))
	for symbol := range cfg.Chains {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		cc := cfg.Chains[symbol]
		params, _ := chain.Get(symbol, cfg.Network)

		switch params.Family {
		case chain.FamilyEVM:
			evmCfg := evm.Config{
				Chain:          symbol,
				RPCURL:         cc.RPCURL,
				Contract:       cc.Contract,
				ChainID:        cc.ChainID,
				ReportDepth:    cc.ReportDepth,
				PollInterval:   cc.PollInterval,
				StartBlock:     cc.StartBlock,
				LookbackBlocks: cc.LookbackBlocks,
			}
			if evmCfg.ChainID == 0 {
				evmCfg.ChainID = params.ChainID
			}
			key, err := evmKey(w, symbol, cfg.Wallet.Account)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", symbol, err)
			}
			dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			client, err := evm.Dial(dialCtx, evmCfg, key)
			cancel()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", symbol, err)
			}
			logging.GetDefault().Info("EVM escrow ready", "chain", symbol, "contract", cc.Contract, "from", client.From().Hex())
			registry.Register(client)

		case chain.FamilyUTXO:
			b, err := backend.New(cfg.BackendConfig(symbol))
			if err != nil {
				return nil, fmt.Errorf("%s backend: %w", symbol, err)
			}
			key, err := utxoKey(w, symbol, cfg.Wallet.Account)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", symbol, err)
			}
			client, err := bitcoin.New(bitcoin.Config{
				Chain:        symbol,
				Network:      cfg.Network,
				FeeRate:      cc.FeeRate,
				PollInterval: cc.PollInterval,
				ReportDepth:  cc.ReportDepth,
			}, b, key)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", symbol, err)
			}
			registry.Register(client)

		default:
			return nil, fmt.Errorf("%s: %w", symbol, escrow.ErrUnsupported)
		}
	}
	return registry, nil
}

func evmKey(w *wallet.Wallet, symbol string, account uint32) (*ecdsa.PrivateKey, error) {
	if w == nil {
		return nil, nil
	}
	return w.EVMKey(symbol, account)
}

func utxoKey(w *wallet.Wallet, symbol string, account uint32) (*btcec.PrivateKey, error) {
	if w == nil {
		return nil, nil
	}
	return w.SigningKey(symbol, account)
}

func printBanner(log *logging.Logger, cfg *config.Config, w *wallet.Wallet, chains []string) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  xswapd (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	for _, symbol := range chains {
		addr := "watch-only"
		if w != nil {
			if a, err := w.Participant(symbol, cfg.Wallet.Account); err == nil {
				addr = a
			}
		}
		log.Infof("  %-5s %s", symbol, addr)
	}
	log.Info("")
	if cfg.RPC.Enabled {
		log.Infof("  API: http://%s", cfg.RPC.Listen)
		log.Infof("  WS:  ws://%s/ws", cfg.RPC.Listen)
	}
	log.Infof("  Resolvers: %d | Auto-refund: %v", len(cfg.Resolvers), cfg.Swap.AutoRefund)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
