package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"latency_arb/internal/domain"

	"golang.org/x/sync/errgroup"
)

// Drainer is the pipeline side of shutdown.
type Drainer interface {
	Close()
	Wait(timeout time.Duration) error
}

// OrderCanceler is the executor side of shutdown.
type OrderCanceler interface {
	Close(ctx context.Context) error
	CancelAll(ctx context.Context, marketID string) error
}

// ShutdownConfig bounds each shutdown phase.
type ShutdownConfig struct {
	DrainTimeout  time.Duration
	CancelTimeout time.Duration
}

// ShutdownCoordinator runs the termination sequence once:
// feeds off, intake closed, in-flight drained, executor closed, then
// cancel-all for every market. Every phase is bounded.
type ShutdownCoordinator struct {
	cfg      ShutdownConfig
	feeds    []domain.ExchangeWorker
	pipeline Drainer
	executor OrderCanceler
	markets  []string

	once sync.Once
	err  error
}

// NewShutdownCoordinator creates a coordinator.
func NewShutdownCoordinator(cfg ShutdownConfig, feeds []domain.ExchangeWorker, pipeline Drainer, executor OrderCanceler, markets []string) *ShutdownCoordinator {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 5 * time.Second
	}
	return &ShutdownCoordinator{
		cfg:      cfg,
		feeds:    feeds,
		pipeline: pipeline,
		executor: executor,
		markets:  markets,
	}
}

// Shutdown is best-effort: failures are logged and returned, never waited on
// past their bound. Safe to call more than once.
func (s *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	s.once.Do(func() {
		s.err = s.shutdown(context.WithoutCancel(ctx))
	})
	return s.err
}

func (s *ShutdownCoordinator) shutdown(ctx context.Context) error {
	start := time.Now()
	slog.Info("🛑 Shutdown started")

	// 1. Feeds
	for _, f := range s.feeds {
		f.Disconnect()
	}

	// 2. Intake, 3. in-flight
	s.pipeline.Close()
	if err := s.pipeline.Wait(s.cfg.DrainTimeout); err != nil {
		slog.Warn("Pipeline did not drain in time", slog.Any("error", err))
	}

	// 4. No new submissions
	cctx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	if err := s.executor.Close(cctx); err != nil {
		slog.Warn("Executor close timed out", slog.Any("error", err))
	}
	cancel()

	// 5. Cancel-all
	var mu sync.Mutex
	var errs []error
	var g errgroup.Group
	for _, id := range s.markets {
		g.Go(func() error {
			mctx, cancel := context.WithTimeout(ctx, s.cfg.CancelTimeout)
			defer cancel()
			if err := s.executor.CancelAll(mctx, id); err != nil {
				slog.Error("Cancel-all failed", slog.String("market", id), slog.Any("error", err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("market %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	slog.Info("✅ Shutdown complete",
		slog.Duration("took", time.Since(start)),
		slog.Bool("clean", err == nil))
	return err
}
