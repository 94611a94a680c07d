package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"otcdesk/index"
	telemetry "otcdesk/observability/otel"
	"otcdesk/ledger"
	"otcdesk/ledger/evm"
	"otcdesk/ledger/memory"
	"otcdesk/ledger/solana"
	"otcdesk/native/otc"
	"otcdesk/oracle"
	"otcdesk/recon"
	"otcdesk/services/deskd/config"
	"otcdesk/services/deskd/server"
	"otcdesk/worker"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/deskd/config.toml", "path to deskd configuration file")
	flag.Parse()

	logger := log.Default()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("deskd: load config: %v", err)
	}

	insecureOTLP := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecureOTLP = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "deskd",
		Environment: cfg.Environment,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    insecureOTLP,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
	})
	if err != nil {
		log.Fatalf("deskd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("deskd: open database: %v", err)
	}
	store, err := index.NewStore(db)
	if err != nil {
		log.Fatalf("deskd: migrate index: %v", err)
	}

	backend, err := openLedger(cfg.Chain)
	if err != nil {
		log.Fatalf("deskd: open ledger: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var approvalWorker *worker.Worker
	if cfg.Worker.Enabled {
		approvalWorker, err = worker.New(worker.Config{
			Ledger:   backend,
			Quotes:   store,
			Approver: cfg.Worker.Approver,
			Interval: cfg.Worker.Interval.Duration,
			Logger:   logger,
			Metrics:  worker.NewMetrics(registry, backend.Chain()),
		})
		if err != nil {
			log.Fatalf("deskd: worker: %v", err)
		}
	}

	var reconciler *recon.Reconciler
	if cfg.Recon.Enabled {
		reconciler, err = recon.NewReconciler(recon.Config{
			Ledger:    backend,
			Store:     store,
			OutputDir: cfg.Recon.OutputDir,
			Logger:    logger,
		})
		if err != nil {
			log.Fatalf("deskd: reconciler: %v", err)
		}
	}

	srv, err := server.New(server.Config{ListenAddress: cfg.ListenAddress}, server.Deps{
		Store:    store,
		Ledger:   backend,
		Worker:   approvalWorker,
		Recon:    reconciler,
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("deskd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if approvalWorker != nil {
		approvalWorker.Start(rootCtx)
		defer approvalWorker.Stop()
	}

	if cfg.Oracle.Enabled {
		manager, err := buildOracleManager(cfg.Oracle, backend, logger)
		if err != nil {
			log.Fatalf("deskd: oracle: %v", err)
		}
		go func() {
			if err := manager.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("deskd: oracle manager exited: %v", err)
				stop()
			}
		}()
	}

	if reconciler != nil {
		scheduler := recon.NewScheduler(recon.SchedulerConfig{
			Reconciler: reconciler,
			At:         recon.DailyTime{Hour: cfg.Recon.RunHour, Minute: cfg.Recon.RunMinute},
			Logger:     logger,
		})
		go scheduler.Start(rootCtx)
	}

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("deskd: http server error: %v", err)
		os.Exit(1)
	}
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	default:
		return gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
	}
}

// openLedger selects the chain backend. The memory backend runs the full
// state machine in process and needs no endpoint; it is the development mode.
func openLedger(cfg config.ChainConfig) (ledger.Ledger, error) {
	switch cfg.Kind {
	case "evm":
		key, err := cfg.PrivateKey()
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return evm.Dial(ctx, cfg.RPCURL, cfg.Contract, key)
	case "solana":
		key, err := cfg.PrivateKey()
		if err != nil {
			return nil, err
		}
		return solana.Dial(cfg.RPCURL, cfg.Program, cfg.Desk, key)
	default:
		return memory.New(devDesk())
	}
}

// devDesk seeds the in-process ledger with a permissive desk so the service
// is usable immediately after boot.
func devDesk() *otc.Desk {
	now := time.Now().Unix()
	return &otc.Desk{
		Address:           "0xdddd000000000000000000000000000000000001",
		Owner:             "0xaaaa000000000000000000000000000000000001",
		Approvers:         []string{"0xaaaa000000000000000000000000000000000002"},
		RequiredApprovals: 1,
		MinUsd8d:          big.NewInt(10_000_000_000),
		MaxTokenPerOrder:  big.NewInt(1_000_000_000_000_000),
		MaxLockupSecs:     365 * 86400,
		QuoteExpirySecs:   3600,
		TokenDecimals:     9,
		StableDecimals:    6,
		Deposited:         big.NewInt(100_000_000_000_000),
		Reserved:          big.NewInt(0),
		TokenUsd8d:        big.NewInt(50_000_000),
		NativeUsd8d:       big.NewInt(300_000_000_000),
		PricesUpdatedAt:   now,
		MaxPriceAgeSecs:   86400,
	}
}

// pricePublisher adapts a chain backend into the oracle publishing interface.
// The EVM and Solana backends expose PublishPrices directly; the memory
// backend routes through the engine's owner-gated price push.
func pricePublisher(backend ledger.Ledger) oracle.Publisher {
	type publisher interface {
		PublishPrices(ctx context.Context, tokenUsd8d, nativeUsd8d *big.Int) error
	}
	if p, ok := backend.(publisher); ok {
		return oracle.PublisherFunc(p.PublishPrices)
	}
	if mem, ok := backend.(*memory.Ledger); ok {
		desk := devDesk()
		return oracle.PublisherFunc(func(_ context.Context, tokenUsd8d, nativeUsd8d *big.Int) error {
			return mem.Engine().SetPrices(desk.Owner, tokenUsd8d, nativeUsd8d, desk.MaxPriceAgeSecs)
		})
	}
	return nil
}

func buildOracleManager(cfg config.OracleConfig, backend ledger.Ledger, logger *log.Logger) (*oracle.Manager, error) {
	publisher := pricePublisher(backend)
	if publisher == nil {
		return nil, errors.New("ledger backend cannot publish prices")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	primary := oracle.NewCoinGeckoFeed(nil, endpoint, cfg.AssetIDs)
	manual := oracle.NewManualFeed()
	adapter, err := oracle.NewAdapter(oracle.AdapterConfig{
		Primary:      primary,
		Manual:       manual,
		MaxAge:       cfg.MaxAge.Duration,
		ManualMaxAge: cfg.ManualMaxAge.Duration,
		UseManual:    cfg.UseManual,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Divergence.MaxBps > 0 {
		policy, err := oracle.ParsePolicy(cfg.Divergence.Policy)
		if err != nil {
			return nil, err
		}
		// The manual feed doubles as the reference anchor; prices that
		// stray too far from the owner-set value are held back.
		checker, err := oracle.NewChecker(manual, cfg.Divergence.MaxBps, cfg.ManualMaxAge.Duration, policy, logger)
		if err != nil {
			return nil, err
		}
		publisher = guardPublisher(publisher, checker, cfg.TokenSymbol)
	}
	return oracle.NewManager(adapter, publisher, cfg.TokenSymbol, cfg.NativeSymbol, cfg.Interval.Duration, logger)
}

// guardPublisher runs the divergence check before every price push.
func guardPublisher(next oracle.Publisher, checker *oracle.Checker, tokenSymbol string) oracle.Publisher {
	return oracle.PublisherFunc(func(ctx context.Context, tokenUsd8d, nativeUsd8d *big.Int) error {
		observed := new(big.Rat).SetFrac(new(big.Int).Set(tokenUsd8d), big.NewInt(100_000_000))
		if err := checker.Check(ctx, tokenSymbol, observed); err != nil {
			return err
		}
		return next.PublishPrices(ctx, tokenUsd8d, nativeUsd8d)
	})
}
