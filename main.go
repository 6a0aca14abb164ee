package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"execution-core/internal/api"
	"execution-core/internal/backoff"
	"execution-core/internal/balance"
	"execution-core/internal/blacklist"
	"execution-core/internal/broker"
	"execution-core/internal/capability"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/intake"
	"execution-core/internal/ledger"
	"execution-core/internal/mirror"
	"execution-core/internal/monitor"
	"execution-core/internal/orchestrator"
	"execution-core/internal/order"
	"execution-core/internal/persistence"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/internal/stream"
	"execution-core/pkg/config"
	"execution-core/pkg/crypto"
	"execution-core/pkg/db"
	"execution-core/pkg/logger"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "execution core: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.InitGlobalLogger(logger.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cfg.LogOutput,
	})
	defer func() { _ = logger.Sync() }()
	log := logger.Named("main")

	topo, err := config.LoadTopology(cfg.AccountsFile)
	if err != nil {
		return err
	}

	for _, p := range []string{cfg.DBPath, cfg.BlacklistFile, cfg.ReviewLogPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	queries := db.NewQueries(database.DB)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()

	dust, err := blacklist.Open(cfg.BlacklistFile)
	if err != nil {
		return fmt.Errorf("open dust blacklist: %w", err)
	}
	book := ledger.New(queries, dust, ledger.Options{
		DustFloorUSD: decimal.NewFromFloat(cfg.DustFloorUSD),
		Bus:          bus,
	})
	if err := book.Load(ctx); err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	matrix := capability.NewDefault()
	if cfg.CapabilitiesFile != "" {
		specs, err := config.LoadCapabilities(cfg.CapabilitiesFile)
		if err != nil {
			return err
		}
		if err := matrix.Apply(specs); err != nil {
			return fmt.Errorf("capability overrides: %w", err)
		}
	}

	review, err := order.OpenReviewLog(cfg.ReviewLogPath)
	if err != nil {
		return fmt.Errorf("open review log: %w", err)
	}
	defer review.Close()
	if pending, err := review.Pending(); err == nil && len(pending) > 0 {
		log.Warn("orders awaiting manual review", zap.Int("count", len(pending)))
	}

	writer := persistence.NewBatchWriter(queries, 50, 500*time.Millisecond)
	journal := order.NewJournal(200, writer)
	safety := broker.NewSafety(cfg.EmergencyMode, cfg.SellOnly)

	keys, err := crypto.NewKeyManager()
	if err != nil {
		log.Warn("no encryption key loaded; sealed credentials will be rejected", zap.Error(err))
		keys = nil
	}
	factory := gateway.DefaultFactory
	if cfg.DryRun {
		factory = gateway.DryRunFactory(decimal.NewFromFloat(cfg.DryRunBalance))
		log.Warn("dry run: every venue is simulated", zap.Float64("balance", cfg.DryRunBalance))
	}
	balances := balance.NewMultiAccountManager()
	gwCfg := gateway.DefaultConfig()
	gwCfg.MaxAttempts = cfg.MaxOrderAttempts
	gwCfg.CallTimeout = cfg.CallTimeout
	gwCfg.RequestsPerSec = cfg.RequestsPerSec
	gwCfg.Backoff = backoff.DefaultConfig()
	gw := gateway.NewManager(factory, keys, broker.Deps{
		Matrix:   matrix,
		Safety:   safety,
		Recorder: journal,
		Review:   review,
	}, balances, gwCfg)
	if err := gw.ConnectAll(ctx, topo); err != nil {
		// Loops retry missing connections on their own.
		log.Warn("some connections failed at startup", zap.Error(err))
	}

	ids, err := order.NewIDs("ec", -1)
	if err != nil {
		return err
	}
	riskMgr := risk.NewMultiAccountManager(book, dust, topo.RiskFor)
	eng, err := engine.New(engine.Config{
		MinConfidence: cfg.MinConfidence,
		BalanceMaxAge: cfg.BalanceMaxAge,
	}, engine.Deps{
		Conns:    gw,
		Ledger:   book,
		Risk:     riskMgr,
		Balances: balances,
		Matrix:   matrix,
		Safety:   safety,
		IDs:      ids,
		Bus:      bus,
	})
	if err != nil {
		return err
	}

	inbox := intake.NewServer(cfg.IntakeBuffer)
	orch := orchestrator.New(orchestrator.Config{
		CycleInterval: cfg.CycleInterval,
		DegradedProbe: cfg.DegradedProbe,
		Cooldown:      cfg.LoopCooldown,
		ConnectJitter: cfg.ConnectJitter,
		QueueSize:     cfg.QueueSize,
	}, orchestrator.Deps{
		Conns:    gw,
		Engine:   eng,
		Book:     book,
		Safety:   safety,
		Stops:    riskMgr,
		Inbox:    inbox,
		Balances: balances,
		Bus:      bus,
		Metrics:  metrics,
	})
	accounts := make([]string, 0, len(topo.Accounts))
	for _, acct := range topo.Accounts {
		accounts = append(accounts, acct.ID)
		for _, cred := range acct.Credentials {
			exchange := strings.ToLower(strings.TrimSpace(cred.Exchange))
			orch.Add(acct.ID, exchange)
			inbox.Register(acct.ID, exchange)
		}
	}

	mir := mirror.New(mirror.Deps{
		Conns:   gw,
		Matrix:  matrix,
		Equity:  balances,
		Book:    book,
		Dust:    dust,
		Loops:   orch,
		Bus:     bus,
		Primary: topo.Mirror.Primary,
	}, mirror.FollowersFrom(topo))

	recon := reconciliation.NewService(reconciliation.Deps{
		Brokers: gw,
		Book:    book,
		Caps:    riskMgr,
		Exits:   orch,
		Reports: queries,
		Metrics: metrics,
	}, cfg.ReconcileInterval)

	(&monitor.Monitor{Bus: bus, Metrics: metrics}).Start(ctx)
	balances.Listen(ctx, bus)
	gw.Start(ctx)
	go matrix.RunRefresh(ctx, cfg.CapabilityRefresh, gw.RefreshTargets)
	go housekeeping(ctx, gw, eng, metrics)
	mir.Start(ctx)
	orch.Start(ctx)
	recon.Start(ctx, accounts)
	if cfg.UserStreams && !cfg.DryRun {
		startUserStreams(ctx, gw, bus)
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("intake listen: %w", err)
	}
	go func() {
		if err := inbox.Serve(lis); err != nil {
			log.Error("intake server stopped", zap.Error(err))
		}
	}()

	core := engine.NewCore(eng, topo, orch, journal, cfg.DryRun)
	srv := api.NewServer(core, bus, metrics, api.Config{
		JWTSecret:    cfg.JWTSecret,
		RateLimitRPS: cfg.RateLimitRPS,
		RateBurst:    cfg.RateBurst,
		Version:      Version,
	})
	apiErr := make(chan error, 1)
	go func() { apiErr <- srv.Start(":" + cfg.Port) }()

	log.Info("execution core started",
		zap.String("version", Version),
		zap.Int("accounts", len(topo.Accounts)),
		zap.Int("loops", len(orch.Loops())),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Bool("emergency", safety.Emergency()))

	select {
	case <-ctx.Done():
	case err := <-apiErr:
		if err != nil {
			log.Error("api server failed", zap.Error(err))
		}
		stop()
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	var errs error
	errs = multierr.Append(errs, srv.Shutdown(shutdownCtx))
	inbox.Stop()
	orch.Wait()
	gw.Stop()
	errs = multierr.Append(errs, writer.Close())
	return errs
}

// startUserStreams opens a user-data stream for every connection whose venue
// issues listen keys.
func startUserStreams(ctx context.Context, gw *gateway.Manager, bus *events.Bus) {
	for _, p := range gw.Pairs() {
		conn, err := gw.Conn(p.Account, p.Exchange)
		if err != nil {
			continue
		}
		keys, ok := conn.Venue().(stream.ListenKeys)
		if !ok {
			continue
		}
		stream.NewUserStream(p.Account, p.Exchange, keys, bus, stream.Config{}).Start(ctx)
	}
}

// housekeeping publishes pool size and forgets settled intent keys.
func housekeeping(ctx context.Context, gw *gateway.Manager, eng *engine.Engine, metrics *monitor.SystemMetrics) {
	log := logger.Named("main")
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		metrics.SetConnections(gw.Stats().TotalConnections)
		if n := eng.Sweep(10 * time.Minute); n > 0 {
			log.Debug("settled intent keys swept", zap.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
