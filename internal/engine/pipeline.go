// Package engine wires the decision pipeline: ticks in, orders out.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"latency_arb/internal/domain"
	"latency_arb/internal/execution"
	"latency_arb/internal/infra"
	"latency_arb/internal/risk"
	"latency_arb/internal/strategy"
)

// SignalRecorder receives emitted signals (journal). Must not block.
type SignalRecorder interface {
	RecordSignal(sig domain.VolatilitySignal)
}

// Config holds pipeline sizing.
type Config struct {
	InboxSize     int
	LaneBuffer    int
	SubmitTimeout time.Duration
	DumpFile      string
}

type lane struct {
	market domain.MarketConfig
	ch     chan domain.VolatilitySignal
}

// Pipeline owns the decision path. One goroutine runs the detector; each
// market has its own lane goroutine, so proposals for one market are
// evaluated strictly one at a time while markets proceed in parallel.
type Pipeline struct {
	cfg Config

	inbox chan domain.PriceTick

	detMu     sync.Mutex // guards detector for DumpState; the hot path is single-threaded
	detector  *strategy.SlidingVolatilityDetector
	evaluator *strategy.TriggerEvaluator
	throttle  *risk.RiskThrottle
	executor  *execution.OrderExecutor
	recorder  SignalRecorder
	metrics   *infra.Metrics

	lanes map[string]*lane // fixed at construction

	stop     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
	fatal    chan error
}

// NewPipeline creates a pipeline for the given markets. recorder may be nil.
func NewPipeline(cfg Config, markets []domain.MarketConfig, detector *strategy.SlidingVolatilityDetector,
	evaluator *strategy.TriggerEvaluator, throttle *risk.RiskThrottle, executor *execution.OrderExecutor,
	recorder SignalRecorder, metrics *infra.Metrics) *Pipeline {

	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = 8
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	if cfg.DumpFile == "" {
		cfg.DumpFile = "panic_dump.json"
	}
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}

	lanes := make(map[string]*lane, len(markets))
	for _, m := range markets {
		lanes[m.MarketID] = &lane{market: m, ch: make(chan domain.VolatilitySignal, cfg.LaneBuffer)}
	}

	return &Pipeline{
		cfg:       cfg,
		inbox:     make(chan domain.PriceTick, cfg.InboxSize),
		detector:  detector,
		evaluator: evaluator,
		throttle:  throttle,
		executor:  executor,
		recorder:  recorder,
		metrics:   metrics,
		lanes:     lanes,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		fatal:     make(chan error, 1),
	}
}

// Inbox returns the tick channel. Feed workers send here without blocking.
func (p *Pipeline) Inbox() chan<- domain.PriceTick {
	return p.inbox
}

// Fatal delivers an invariant violation that must terminate the process.
func (p *Pipeline) Fatal() <-chan error {
	return p.fatal
}

// Run processes ticks until ctx is done or Close is called, then waits for
// the lanes to finish their in-flight proposal. Run must be called once.
func (p *Pipeline) Run(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	defer close(p.done)

	slog.Info("Pipeline started", slog.Int("markets", len(p.lanes)))

	// In-flight submissions outlive the signal context; Submit is bounded by SubmitTimeout.
	submitCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, l := range p.lanes {
		wg.Add(1)
		go func(l *lane) {
			defer wg.Done()
			p.runLane(ctx, submitCtx, l)
		}(l)
	}

	p.runDetector(ctx)
	p.Close()
	wg.Wait()

	slog.Info("Pipeline stopped")
}

func (p *Pipeline) runDetector(ctx context.Context) {
	defer p.recoverFatal("detector")

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case t := <-p.inbox:
			p.onTick(t)
		}
	}
}

func (p *Pipeline) onTick(t domain.PriceTick) {
	sig, ok := p.detect(t)
	if !ok {
		return
	}

	p.metrics.RecordSignal()
	if p.recorder != nil {
		p.recorder.RecordSignal(sig)
	}
	slog.Info("Volatility signal",
		slog.String("symbol", sig.Symbol),
		slog.String("direction", sig.Direction.String()),
		slog.String("pct_change", sig.PctChange.String()),
		slog.String("price", sig.LatestPrice.String()))

	for _, m := range p.evaluator.MarketsFor(sig.Symbol) {
		l, ok := p.lanes[m.MarketID]
		if !ok || !sig.Fires(m.ThresholdPct) {
			continue
		}
		select {
		case l.ch <- sig:
		default:
			p.metrics.RecordLaneDrop()
			slog.Warn("Lane full, dropping signal", slog.String("market", m.MarketID))
		}
	}
}

func (p *Pipeline) runLane(ctx, submitCtx context.Context, l *lane) {
	defer p.recoverFatal("lane " + l.market.MarketID)

	for {
		// Stop wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case sig := <-l.ch:
			p.handle(submitCtx, l.market, sig)
		}
	}
}

func (p *Pipeline) detect(t domain.PriceTick) (domain.VolatilitySignal, bool) {
	p.detMu.Lock()
	defer p.detMu.Unlock()
	return p.detector.OnTick(t)
}

// handle runs one signal through evaluator, throttle and executor.
func (p *Pipeline) handle(ctx context.Context, m domain.MarketConfig, sig domain.VolatilitySignal) {
	start := time.Now()

	prop, err := p.evaluator.Evaluate(sig, m)
	if err != nil {
		if errors.Is(err, domain.ErrStaleBook) {
			p.metrics.RecordStale()
		}
		slog.Debug("No proposal", slog.String("market", m.MarketID), slog.Any("reason", err))
		return
	}
	p.metrics.RecordProposal()

	if err := p.throttle.Approve(prop); err != nil {
		if reason, ok := domain.IsRejection(err); ok {
			p.metrics.RecordRejection(reason)
			slog.Info("Proposal rejected", slog.String("market", m.MarketID), slog.String("reason", string(reason)))
			return
		}
		slog.Warn("Throttle error", slog.String("market", m.MarketID), slog.Any("error", err))
		return
	}
	p.metrics.RecordApproval()
	p.metrics.RecordDecisionLatency(time.Since(start))

	sctx, cancel := context.WithTimeout(ctx, p.cfg.SubmitTimeout)
	defer cancel()
	if _, err := p.executor.Submit(sctx, prop); err != nil && errors.Is(err, domain.ErrExecutorClosed) {
		slog.Info("Approved proposal dropped, executor closed", slog.String("market", m.MarketID))
	}
}

// recoverFatal turns a panic in a pipeline goroutine into a state dump and
// a fatal error, then stops the pipeline.
func (p *Pipeline) recoverFatal(where string) {
	r := recover()
	if r == nil {
		return
	}
	slog.Error("CRITICAL_PANIC_DETECTED", slog.String("where", where), slog.Any("panic", r))
	p.DumpState(p.cfg.DumpFile)

	err, ok := r.(error)
	if !ok {
		err = fmt.Errorf("%v", r)
	}
	select {
	case p.fatal <- fmt.Errorf("HALTED in %s: %w", where, err):
	default:
	}
	p.Close()
}

// Guard runs fn with the pipeline's fatal handling, for goroutines outside
// the pipeline (the order reconcile loop) that touch the same state.
func (p *Pipeline) Guard(where string, fn func()) {
	defer p.recoverFatal(where)
	fn()
}

// Close stops intake. Signals already handed to the executor complete.
func (p *Pipeline) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Wait blocks until Run has returned or the timeout passes.
func (p *Pipeline) Wait(timeout time.Duration) error {
	if !p.started.Load() {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("pipeline drain timed out after %s", timeout)
	}
}

// DumpState writes the detector windows, risk ledgers, orders and positions to a file (for post-mortem).
func (p *Pipeline) DumpState(filename string) {
	slog.Info("Dumping internal state...", slog.String("file", filename))

	p.detMu.Lock()
	windows := p.detector.Stats()
	p.detMu.Unlock()

	data := struct {
		DumpedAt  time.Time                       `json:"dumped_at"`
		Windows   map[string]strategy.WindowStats `json:"windows"`
		Risk      map[string]risk.RiskState       `json:"risk"`
		Orders    []domain.Order                  `json:"orders"`
		Positions []domain.Position               `json:"positions"`
	}{
		DumpedAt:  time.Now(),
		Windows:   windows,
		Risk:      p.throttle.Snapshot(),
		Orders:    p.executor.Orders(),
		Positions: p.executor.Positions(),
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, b, 0644); err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}
