package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"latency_arb/internal/domain"
	"latency_arb/internal/engine"
	"latency_arb/internal/execution"
	"latency_arb/internal/infra"
	"latency_arb/internal/infra/feed"
	"latency_arb/internal/infra/polymarket"
	"latency_arb/internal/infra/storage"
	"latency_arb/internal/risk"
	"latency_arb/internal/service"
	"latency_arb/internal/strategy"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config   *infra.Config
	Metrics  *infra.Metrics
	Journal  *storage.Journal // nil when journal.driver is none
	Cache    *service.MarketBookCache
	Poller   *service.BookPoller
	Throttle *risk.RiskThrottle
	Executor *execution.OrderExecutor
	Pipeline *engine.Pipeline
	Feeds    []*feed.Worker
	Shutdown *engine.ShutdownCoordinator

	stopProfiling func()
	wg            sync.WaitGroup
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{Metrics: infra.GlobalMetrics, stopProfiling: func() {}}
}

// Initialize loads configuration and builds every component. Nothing touches
// the network yet.
func (b *Bootstrap) Initialize() error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(infra.ConfigPath())
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	slog.SetDefault(infra.NewLogger(cfg))
	slog.Info("🚀 Bootstrapping latency arb...",
		slog.String("feed", cfg.Feed.Venue),
		slog.Int("markets", len(cfg.Markets)),
		slog.Bool("dry_run", cfg.Trading.DryRun))

	// 3. Profiling
	stop, err := infra.StartProfiling(cfg)
	if err != nil {
		slog.Warn("Profiler not started", slog.Any("error", err))
	} else {
		b.stopProfiling = stop
	}

	// 4. Journal
	if cfg.Journal.Driver != infra.JournalNone {
		j, err := storage.Open(storage.Options{
			Driver:     cfg.Journal.Driver,
			Path:       cfg.Journal.Path,
			DSN:        cfg.Journal.DSN,
			BufferSize: cfg.Journal.BufferSize,
		})
		if err != nil {
			return err
		}
		b.Journal = j
		slog.Info("✅ Journal initialized", slog.String("driver", cfg.Journal.Driver))
	}

	// 5. Venue
	client, venue, err := b.buildVenue()
	if err != nil {
		return err
	}

	// 6. Books
	marketIDs := make([]string, 0, len(cfg.Markets))
	for _, m := range cfg.Markets {
		marketIDs = append(marketIDs, m.MarketID)
	}
	b.Cache = service.NewMarketBookCache(marketIDs)
	limiter := infra.NewRateLimiter(cfg.Polymarket.Burst, cfg.Polymarket.RequestsPerSecond)
	b.Poller = service.NewBookPoller(cfg.Markets, client, b.Cache, limiter, cfg.Polymarket.PollInterval, b.Metrics)

	// 7. Risk & execution
	b.Throttle = risk.NewRiskThrottle(risk.Limits{
		MaxNotionalPerTrade: cfg.Risk.MaxNotionalPerTrade,
		MaxTradesPerMinute:  cfg.Risk.MaxTradesPerMinute,
	}, cfg.Markets)

	breaker := infra.DefaultCircuitBreakerConfig("polymarket-orders")
	breaker.FailureThreshold = cfg.Trading.BreakerFailures
	breaker.Cooldown = cfg.Trading.BreakerCooldown
	var recorder execution.Recorder
	if b.Journal != nil {
		recorder = b.Journal
	}
	b.Executor = execution.NewOrderExecutor(venue, execution.Config{
		ReconcileInterval: cfg.Trading.ReconcileInterval,
		Breaker:           breaker,
	}, b.Throttle, recorder, b.Metrics)

	// 8. Strategy & pipeline
	detector := strategy.NewSlidingVolatilityDetector(cfg.Feed.Window, strategy.ThresholdsBySymbol(cfg.Markets), cfg.Feed.ThresholdPct)
	evaluator := strategy.NewTriggerEvaluator(strategy.EvaluatorConfig{
		TriggerSize:      cfg.Trading.TriggerSize,
		StalenessCeiling: cfg.Risk.StalenessCeiling,
		MaxLimitPrice:    cfg.Risk.MaxLimitPrice,
	}, cfg.Markets, b.Cache, b.Executor)

	var signals engine.SignalRecorder
	if b.Journal != nil {
		signals = b.Journal
	}
	b.Pipeline = engine.NewPipeline(engine.Config{
		InboxSize:     cfg.Feed.InboxSize,
		LaneBuffer:    cfg.Trading.LaneBuffer,
		SubmitTimeout: cfg.Polymarket.RequestTimeout,
		DumpFile:      cfg.Shutdown.DumpFile,
	}, cfg.Markets, detector, evaluator, b.Throttle, b.Executor, signals, b.Metrics)

	// 9. Feeds
	codec, err := feed.NewCodec(cfg.Feed.Venue)
	if err != nil {
		return &domain.ConfigError{Field: "feed.venue", Err: err}
	}
	workers := make([]domain.ExchangeWorker, 0, len(cfg.Symbols()))
	for _, sym := range cfg.Symbols() {
		w := feed.NewWorker(cfg.Feed.WSURL, sym, codec, b.Pipeline.Inbox(), feed.Options{
			Backoff:     infra.Backoff{Base: cfg.Feed.ReconnectBase, Max: cfg.Feed.ReconnectMax, Jitter: 0.1},
			MaxAttempts: cfg.Feed.MaxAttempts,
			BootTimeout: cfg.Feed.BootTimeout,
			ReadTimeout: cfg.Feed.ReadTimeout,
			Metrics:     b.Metrics,
			OnDegraded: func(symbol string, err error) {
				slog.Error("⚠️ Price feed degraded", slog.String("symbol", symbol), slog.Any("error", err))
			},
		})
		b.Feeds = append(b.Feeds, w)
		workers = append(workers, w)
	}

	b.Shutdown = engine.NewShutdownCoordinator(engine.ShutdownConfig{
		DrainTimeout:  cfg.Shutdown.Timeout,
		CancelTimeout: cfg.Shutdown.CancelTimeout,
	}, workers, b.Pipeline, b.Executor, marketIDs)

	return nil
}

// buildVenue returns the book source and the order venue. Dry runs read real
// books but trade against the paper venue.
func (b *Bootstrap) buildVenue() (*polymarket.Client, domain.Venue, error) {
	cfg := b.Config
	if cfg.Trading.DryRun {
		slog.Info("📝 DRY RUN: orders go to the paper venue")
		client := polymarket.NewClient(cfg.Polymarket.RestURL, cfg.Polymarket.RequestTimeout, nil, nil)
		return client, execution.NewPaperVenue(false), nil
	}

	signer, err := polymarket.NewSigner(cfg.Polymarket.APIKey, cfg.Polymarket.APISecret,
		cfg.Polymarket.APIPassphrase, cfg.Polymarket.Address)
	if err != nil {
		return nil, nil, &domain.ConfigError{Field: "polymarket.credentials", Err: err}
	}
	orderSigner := polymarket.NewExternalSigner(cfg.Polymarket.SignerURL, cfg.Polymarket.ChainID,
		cfg.Polymarket.Address, cfg.Polymarket.RequestTimeout)

	slog.Info("🚨 LIVE trading on Polymarket", slog.String("address", infra.MaskSecret(cfg.Polymarket.Address)))
	client := polymarket.NewClient(cfg.Polymarket.RestURL, cfg.Polymarket.RequestTimeout, signer, orderSigner)
	return client, client, nil
}

// Start warms the book cache, starts the background loops and connects the
// feeds. A feed that cannot connect at boot is fatal.
func (b *Bootstrap) Start(ctx context.Context) error {
	if b.Journal != nil {
		b.Journal.Start(ctx)
	}

	if err := b.Poller.RefreshAll(ctx); err != nil {
		slog.Warn("Initial book refresh incomplete", slog.Any("error", err))
	}

	b.goRun(func() { b.Pipeline.Run(ctx) })
	b.goRun(func() { b.Poller.Run(ctx) })
	b.goRun(func() { b.Pipeline.Guard("reconcile", func() { b.Executor.Run(ctx) }) })
	b.goRun(func() { b.Metrics.StartReporter(ctx, b.Config.Metrics.ReportInterval) })
	slog.Info("✅ Pipeline started")

	var errs []error
	for _, w := range b.Feeds {
		if err := w.Connect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("price feed unreachable at boot: %w", err)
	}
	slog.Info("✅ Price feeds connected", slog.Int("symbols", len(b.Feeds)))
	return nil
}

func (b *Bootstrap) goRun(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// Close runs the shutdown sequence and releases resources. The caller's ctx
// is expected to be canceled already so background loops can exit.
func (b *Bootstrap) Close(ctx context.Context) error {
	var err error
	if b.Shutdown != nil {
		err = b.Shutdown.Shutdown(ctx)
	}

	b.wg.Wait()

	if b.Journal != nil {
		if jerr := b.Journal.Close(); jerr != nil {
			slog.Error("Journal close failed", slog.Any("error", jerr))
		}
	}
	b.stopProfiling()

	slog.Info("Final metrics", slog.Any("snapshot", b.Metrics.Snapshot()))
	return err
}
