package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"latency_arb/internal/domain"
	"latency_arb/internal/execution"
	"latency_arb/internal/infra"
	"latency_arb/internal/risk"
	"latency_arb/internal/service"
	"latency_arb/internal/strategy"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var testMarket = domain.MarketConfig{
	MarketID:              "btc-up",
	Symbol:                "BTC-USD",
	YesTokenID:            "yes-tok",
	NoTokenID:             "no-tok",
	UpsideIsYes:           true,
	ThresholdPct:          dec("0.002"),
	MaxPosition:           dec("100"),
	SelfSlippageBufferPct: dec("0.01"),
}

type harness struct {
	pipeline *Pipeline
	cache    *service.MarketBookCache
	throttle *risk.RiskThrottle
	executor *execution.OrderExecutor
	metrics  *infra.Metrics
}

func newHarness(t *testing.T, maxTrades int) *harness {
	return newMarketsHarness(t, maxTrades, []domain.MarketConfig{testMarket}, nil)
}

// newMarketsHarness builds a pipeline over markets. A nil positions reader
// uses the executor.
func newMarketsHarness(t *testing.T, maxTrades int, markets []domain.MarketConfig, positions strategy.PositionReader) *harness {
	t.Helper()
	metrics := &infra.Metrics{}

	ids := make([]string, 0, len(markets))
	for _, m := range markets {
		ids = append(ids, m.MarketID)
	}
	cache := service.NewMarketBookCache(ids)
	throttle := risk.NewRiskThrottle(risk.Limits{
		MaxNotionalPerTrade: dec("100"),
		MaxTradesPerMinute:  maxTrades,
	}, markets)
	executor := execution.NewOrderExecutor(execution.NewPaperVenue(true), execution.Config{}, throttle, nil, metrics)
	if positions == nil {
		positions = executor
	}
	detector := strategy.NewSlidingVolatilityDetector(5*time.Second, strategy.ThresholdsBySymbol(markets), dec("0.002"))
	evaluator := strategy.NewTriggerEvaluator(strategy.EvaluatorConfig{
		TriggerSize:      dec("20"),
		StalenessCeiling: 2 * time.Second,
		MaxLimitPrice:    dec("0.99"),
	}, markets, cache, positions)

	p := NewPipeline(Config{DumpFile: filepath.Join(t.TempDir(), "dump.json")}, markets, detector, evaluator, throttle, executor, nil, metrics)
	return &harness{pipeline: p, cache: cache, throttle: throttle, executor: executor, metrics: metrics}
}

func (h *harness) storeBook(fetchedAt time.Time) {
	h.storeMarketBook(testMarket.MarketID, fetchedAt)
}

func (h *harness) storeMarketBook(marketID string, fetchedAt time.Time) {
	h.cache.Store(domain.OrderBookSnapshot{
		MarketID:  marketID,
		Yes:       domain.Quote{BestBid: dec("0.50"), BestAsk: dec("0.52")},
		No:        domain.Quote{BestBid: dec("0.47"), BestAsk: dec("0.49")},
		FetchedAt: fetchedAt,
	})
}

func (h *harness) sendMove(t0 time.Time) {
	h.pipeline.Inbox() <- domain.PriceTick{Symbol: "BTC-USD", Price: dec("100000"), Timestamp: t0}
	h.pipeline.Inbox() <- domain.PriceTick{Symbol: "BTC-USD", Price: dec("100250"), Timestamp: t0.Add(time.Second)}
}

func TestPipeline_EndToEnd(t *testing.T) {
	h := newHarness(t, 6)
	h.storeBook(time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.pipeline.Run(ctx)

	h.sendMove(time.Unix(1_700_000_000, 0))

	require.Eventually(t, func() bool { return len(h.executor.Orders()) == 1 }, 2*time.Second, 10*time.Millisecond)

	o := h.executor.Orders()[0]
	assert.Equal(t, domain.OrderSubmitted, o.State)
	assert.Equal(t, "yes-tok", o.TokenID)
	assert.Equal(t, domain.SideBuy, o.Side)
	assert.True(t, o.LimitPrice.Equal(dec("0.5252")), "limit %s", o.LimitPrice)
	assert.True(t, o.Quantity.Equal(dec("20")))

	rs, _ := h.throttle.State(testMarket.MarketID)
	assert.Equal(t, 1, rs.TradesInWindow)
	assert.True(t, rs.NotionalUsedWindow.Equal(dec("10.504")))

	snap := h.metrics.Snapshot()
	assert.EqualValues(t, 1, snap.SignalsEmitted)
	assert.EqualValues(t, 1, snap.Approvals)

	h.pipeline.Close()
	require.NoError(t, h.pipeline.Wait(time.Second))
}

func TestPipeline_StaleBookNeverProposes(t *testing.T) {
	h := newHarness(t, 6)
	h.storeBook(time.Now().Add(-3 * time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.pipeline.Run(ctx)

	h.sendMove(time.Unix(1_700_000_000, 0))

	require.Eventually(t, func() bool { return h.metrics.Snapshot().ProposalsStale == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.executor.Orders())
	assert.EqualValues(t, 0, h.metrics.Snapshot().Proposals)
}

func TestPipeline_RateRejection(t *testing.T) {
	h := newHarness(t, 1)
	h.storeBook(time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.pipeline.Run(ctx)

	// Two moves more than one window apart each emit a signal.
	t0 := time.Unix(1_700_000_000, 0)
	h.sendMove(t0)
	h.pipeline.Inbox() <- domain.PriceTick{Symbol: "BTC-USD", Price: dec("100500"), Timestamp: t0.Add(7 * time.Second)}
	h.pipeline.Inbox() <- domain.PriceTick{Symbol: "BTC-USD", Price: dec("100800"), Timestamp: t0.Add(8 * time.Second)}

	require.Eventually(t, func() bool { return h.metrics.Snapshot().RejectRate == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, h.executor.Orders(), 1)
}

func TestPipeline_CloseStopsIntake(t *testing.T) {
	h := newHarness(t, 6)
	h.storeBook(time.Now())

	done := make(chan struct{})
	go func() {
		h.pipeline.Run(context.Background())
		close(done)
	}()

	h.pipeline.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
	require.NoError(t, h.pipeline.Wait(time.Second))

	h.sendMove(time.Unix(1_700_000_000, 0))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.executor.Orders())
}

func TestPipeline_WaitBeforeRun(t *testing.T) {
	h := newHarness(t, 6)
	assert.NoError(t, h.pipeline.Wait(10*time.Millisecond))
}

func TestPipeline_DumpState(t *testing.T) {
	h := newHarness(t, 6)
	path := filepath.Join(t.TempDir(), "state.json")

	h.pipeline.DumpState(path)

	b, err := os.ReadFile(path)
	require.NoError(t, err)

	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Contains(t, got, "risk")
	assert.Contains(t, got, "windows")
	assert.Contains(t, got, "orders")
}

func TestPipeline_LooseMarketTradesLaterInMove(t *testing.T) {
	tight := testMarket
	tight.MarketID = "btc-tight"
	tight.ThresholdPct = dec("0.001")
	loose := testMarket
	loose.MarketID = "btc-loose"
	loose.ThresholdPct = dec("0.005")

	h := newMarketsHarness(t, 6, []domain.MarketConfig{tight, loose}, nil)
	h.storeMarketBook(tight.MarketID, time.Now())
	h.storeMarketBook(loose.MarketID, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.pipeline.Run(ctx)

	t0 := time.Unix(1_700_000_000, 0)
	for i, px := range []string{"100000", "100150", "100300", "100600"} {
		h.pipeline.Inbox() <- domain.PriceTick{Symbol: "BTC-USD", Price: dec(px), Timestamp: t0.Add(time.Duration(i) * time.Second)}
	}

	require.Eventually(t, func() bool { return len(h.executor.Orders()) == 2 }, 2*time.Second, 10*time.Millisecond)

	byMarket := map[string]int{}
	for _, o := range h.executor.Orders() {
		byMarket[o.MarketID]++
	}
	assert.Equal(t, 1, byMarket[tight.MarketID])
	assert.Equal(t, 1, byMarket[loose.MarketID])
	assert.EqualValues(t, 2, h.metrics.Snapshot().SignalsEmitted)
}

type corruptPositions struct{}

func (corruptPositions) MarketPosition(marketID string) decimal.Decimal {
	panic(fmt.Errorf("%w: %s position ledger unreadable", domain.ErrRiskStateCorrupted, marketID))
}

func TestPipeline_LanePanicIsFatal(t *testing.T) {
	other := testMarket
	other.MarketID = "btc-other"
	h := newMarketsHarness(t, 6, []domain.MarketConfig{testMarket, other}, corruptPositions{})
	h.storeMarketBook(testMarket.MarketID, time.Now())
	h.storeMarketBook(other.MarketID, time.Now())

	done := make(chan struct{})
	go func() {
		h.pipeline.Run(context.Background())
		close(done)
	}()

	h.sendMove(time.Unix(1_700_000_000, 0))

	select {
	case err := <-h.pipeline.Fatal():
		assert.True(t, errors.Is(err, domain.ErrRiskStateCorrupted), "got %v", err)
		assert.Contains(t, err.Error(), "lane btc-")
	case <-time.After(2 * time.Second):
		t.Fatal("no fatal error reported")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline kept running after a lane panic")
	}
	require.NoError(t, h.pipeline.Wait(time.Second))

	_, err := os.Stat(h.pipeline.cfg.DumpFile)
	assert.NoError(t, err, "state dump written")
	assert.Empty(t, h.executor.Orders())
}

func TestPipeline_GuardReportsReconcilePanic(t *testing.T) {
	h := newHarness(t, 6)

	h.pipeline.Guard("reconcile", func() {
		panic(fmt.Errorf("%w: negative position", domain.ErrRiskStateCorrupted))
	})

	select {
	case err := <-h.pipeline.Fatal():
		assert.ErrorIs(t, err, domain.ErrRiskStateCorrupted)
		assert.Contains(t, err.Error(), "reconcile")
	default:
		t.Fatal("no fatal error reported")
	}
	_, err := os.Stat(h.pipeline.cfg.DumpFile)
	assert.NoError(t, err)
}
