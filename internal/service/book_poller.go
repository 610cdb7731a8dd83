package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"latency_arb/internal/domain"
	"latency_arb/internal/infra"
)

// BookPoller refreshes the MarketBookCache from the venue REST API.
type BookPoller struct {
	markets  []domain.MarketConfig
	source   domain.BookSource
	cache    *MarketBookCache
	limiter  *infra.RateLimiter
	interval time.Duration
	metrics  *infra.Metrics
	now      func() time.Time

	inflight map[string]*atomic.Bool
	logger   *slog.Logger
}

// NewBookPoller creates a poller for the configured markets.
func NewBookPoller(markets []domain.MarketConfig, source domain.BookSource, cache *MarketBookCache,
	limiter *infra.RateLimiter, interval time.Duration, metrics *infra.Metrics) *BookPoller {
	inflight := make(map[string]*atomic.Bool, len(markets))
	for _, m := range markets {
		inflight[m.MarketID] = &atomic.Bool{}
	}
	if metrics == nil {
		metrics = &infra.Metrics{}
	}
	return &BookPoller{
		markets:  markets,
		source:   source,
		cache:    cache,
		limiter:  limiter,
		interval: interval,
		metrics:  metrics,
		now:      time.Now,
		inflight: inflight,
		logger:   slog.Default().With("module", "book_poller"),
	}
}

// Run polls every interval until ctx is done. Each market refreshes
// independently; a slow market is skipped rather than queued.
func (p *BookPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, m := range p.markets {
				flag := p.inflight[m.MarketID]
				if !flag.CompareAndSwap(false, true) {
					continue
				}
				wg.Add(1)
				go func(m domain.MarketConfig) {
					defer wg.Done()
					defer flag.Store(false)
					if err := p.Refresh(ctx, m); err != nil && ctx.Err() == nil {
						p.logger.Warn("Book refresh failed", slog.String("market", m.MarketID), slog.Any("error", err))
					}
				}(m)
			}
		}
	}
}

// RefreshAll refreshes every market once and returns the first error.
func (p *BookPoller) RefreshAll(ctx context.Context) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, m := range p.markets {
		wg.Add(1)
		go func(m domain.MarketConfig) {
			defer wg.Done()
			if err := p.Refresh(ctx, m); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(m)
	}
	wg.Wait()
	return firstErr
}

// Refresh fetches the YES and NO books of one market in parallel and stores
// them as a single snapshot. FetchedAt is the request start, so age is never understated.
func (p *BookPoller) Refresh(ctx context.Context, m domain.MarketConfig) error {
	started := p.now()

	var (
		wg            sync.WaitGroup
		yes, no       domain.Quote
		yesErr, noErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		yes, yesErr = p.fetch(ctx, m.YesTokenID)
	}()
	go func() {
		defer wg.Done()
		no, noErr = p.fetch(ctx, m.NoTokenID)
	}()
	wg.Wait()

	if yesErr != nil {
		p.metrics.RecordBookError()
		return yesErr
	}
	if noErr != nil {
		p.metrics.RecordBookError()
		return noErr
	}

	p.cache.Store(domain.OrderBookSnapshot{
		MarketID:  m.MarketID,
		Yes:       yes,
		No:        no,
		FetchedAt: started,
	})
	return nil
}

func (p *BookPoller) fetch(ctx context.Context, tokenID string) (domain.Quote, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return domain.Quote{}, err
		}
	}
	return p.source.GetBook(ctx, tokenID)
}
