package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"execution-core/internal/api"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/persistence"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/internal/scheduler"
	"execution-core/internal/strategy"
	"execution-core/pkg/cache"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/alpaca"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/logger"
)

func main() {
	if len(os.Args) > 1 {
		if err := runCommand(os.Args[1:], os.Stdin, os.Stdout, os.Getenv); err != nil {
			fmt.Fprintln(os.Stderr, "execution-core:", err)
			os.Exit(2)
		}
		return
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "execution-core:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	database, err := db.Open(cfg.DBPath, db.WithBusyTimeout(cfg.DBBusyTimeout))
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer database.Close()
	store := db.NewStore(database, db.WithStoreLogger(log))

	metrics := monitor.NewMetrics()
	bus := events.NewBus()
	alerts := &monitor.Monitor{Bus: bus, Sink: monitor.LogSink{Log: log.Named("alerts")}, Log: log}
	alerts.Start(ctx)
	journal := persistence.NewJournal(database.DB, 50, time.Second, log)
	journal.Start(ctx, bus)

	// Venue: Alpaca serves quotes in both modes and orders in live mode.
	venue := alpaca.New(alpaca.Options{
		APIKey:    cfg.AlpacaAPIKey,
		APISecret: cfg.AlpacaAPISecret,
		BaseURL:   cfg.AlpacaBaseURL,
	})
	gw := common.NewReliable(venue, common.RetryPolicy{
		MaxAttempts: cfg.GatewayMaxRetries,
		BaseDelay:   cfg.GatewayBackoff,
		MaxDelay:    30 * time.Second,
	}, rate.NewLimiter(rate.Limit(cfg.GatewayRateLimit), cfg.GatewayBurst), log)
	gw.SetObserver(metrics.ObserveGateway)

	riskMgr := risk.NewManager(risk.Config{
		MaxTradePct:          cfg.MaxTradePct,
		MaxPositions:         cfg.MaxPositions,
		MaxDailyTrades:       cfg.MaxDailyTrades,
		MaxDailyLossPct:      cfg.MaxDailyLossPct,
		MaxDrawdownPct:       cfg.MaxDrawdownPct,
		RollbackThreshold:    cfg.RollbackThreshold,
		ResetLossStreakDaily: cfg.ResetLossStreakDaily,
		Location:             cfg.Location,
	}, log)

	engCfg := engine.DefaultConfig()
	engCfg.Mode = engine.Mode(cfg.Mode)
	engCfg.StartingCapital = cfg.StartingCapital
	engCfg.FeeRate = cfg.FeeRate
	engCfg.SlippagePct = cfg.SlippagePct
	engCfg.MinConditionalQty = cfg.MinConditionalQty
	engCfg.QtyPrecision = cfg.QtyPrecision
	engCfg.FillTimeout = cfg.FillTimeout
	engCfg.FillPollInterval = cfg.FillPollInterval

	sched := scheduler.New(log, scheduler.WithMetrics(metrics))
	opts := []engine.Option{
		engine.WithBus(bus),
		engine.WithMetrics(metrics),
		engine.WithLogger(log),
		engine.WithPauser(sched),
	}
	if cfg.Live() {
		opts = append(opts, engine.WithGateway(gw))
	}
	quotes := cache.NewQuoteCache(gw, cfg.QuoteCacheTTL)
	eng := engine.New(engCfg, store, quotes, riskMgr, opts...)
	if err := eng.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	if st := eng.Status(); st.ReadOnly {
		log.Error("engine started read-only", zap.String("reason", st.ReadOnlyCause))
	}

	var recon *reconciliation.Service
	if cfg.Live() {
		recon = reconciliation.NewService(gw, eng, store, reconciliation.DefaultConfig(),
			reconciliation.WithBus(bus),
			reconciliation.WithMetrics(metrics),
			reconciliation.WithLogger(log))
		if report, err := recon.Reconcile(ctx); err != nil {
			log.Error("startup reconciliation failed", zap.Error(err))
		} else {
			log.Info("startup reconciliation done", zap.Int("findings", report.Findings()))
		}
	}

	// Strategy sources
	queue := strategy.NewQueueSource(strategy.DefaultQueueCapacity)
	sources := []strategy.Source{queue}
	if cfg.SignalsDir != "" {
		inbox, err := strategy.NewDirSource(cfg.SignalsDir)
		if err != nil {
			return err
		}
		sources = append(sources, inbox)
	}
	runner := strategy.NewRunner(eng, bus, log, sources...)
	runner.Restrict(cfg.Symbols)

	jobs := []scheduler.Job{
		{Name: "scan", Interval: cfg.ScanInterval, Run: runner.Scan},
		{Name: "monitor", Interval: cfg.MonitorInterval, Run: func(ctx context.Context) error {
			_, err := eng.CheckStops(ctx)
			return err
		}},
		{Name: "day_boundary", Interval: time.Minute, Run: func(ctx context.Context) error {
			_, err := eng.RollDay(ctx)
			return err
		}},
	}
	if recon != nil {
		jobs = append(jobs,
			scheduler.Job{Name: "poller", Interval: cfg.PollInterval, Run: func(ctx context.Context) error {
				_, err := recon.PollConditionals(ctx)
				return err
			}},
			scheduler.Job{Name: "reconcile", Interval: cfg.ReconcileInterval, Run: func(ctx context.Context) error {
				_, err := recon.Reconcile(ctx)
				return err
			}},
		)
	}
	for _, j := range jobs {
		if err := sched.Add(j); err != nil {
			return err
		}
	}

	apiCfg := api.DefaultConfig()
	apiCfg.JWTSecret = cfg.JWTSecret
	apiCfg.PasswordHash = cfg.OperatorPasswordHash
	server := api.NewServer(eng, queue, metrics, apiCfg, log)

	log.Info("execution core starting",
		zap.String("mode", cfg.Mode),
		zap.Strings("symbols", cfg.Symbols),
		zap.String("db", cfg.DBPath),
		zap.String("port", cfg.Port))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return server.Start(ctx, ":"+cfg.Port) })
	err = g.Wait()
	stop()
	journal.Wait()
	log.Info("shutting down",
		zap.Int("dropped_events", int(bus.Dropped())),
		zap.Uint64("journaled_events", journal.Metrics().TotalWrites))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
