package strategy

import (
	"errors"
	"fmt"
	"time"

	"latency_arb/internal/domain"

	"github.com/shopspring/decimal"
)

// Expected no-op outcomes of an evaluation. None of them is a failure.
var (
	ErrBelowThreshold  = errors.New("move below market threshold")
	ErrNoAsk           = errors.New("no ask to cross")
	ErrAskAboveCeiling = errors.New("best ask above limit price ceiling")
	ErrPositionAtCap   = errors.New("position at cap")
)

// BookReader is the read side of the book cache.
type BookReader interface {
	Get(marketID string) (domain.OrderBookSnapshot, time.Duration, bool)
}

// PositionReader reports the filled inventory of a market across both outcomes.
type PositionReader interface {
	MarketPosition(marketID string) decimal.Decimal
}

// EvaluatorConfig holds the global evaluation parameters.
type EvaluatorConfig struct {
	TriggerSize      decimal.Decimal
	StalenessCeiling time.Duration
	MaxLimitPrice    decimal.Decimal
}

// TriggerEvaluator turns a volatility signal into per-market order proposals.
// It holds no mutable state and is safe for concurrent use.
type TriggerEvaluator struct {
	cfg       EvaluatorConfig
	bySymbol  map[string][]domain.MarketConfig
	books     BookReader
	positions PositionReader
	now       func() time.Time
}

// NewTriggerEvaluator indexes the markets by reference symbol.
func NewTriggerEvaluator(cfg EvaluatorConfig, markets []domain.MarketConfig, books BookReader, positions PositionReader) *TriggerEvaluator {
	bySymbol := make(map[string][]domain.MarketConfig)
	for _, m := range markets {
		bySymbol[m.Symbol] = append(bySymbol[m.Symbol], m)
	}
	return &TriggerEvaluator{
		cfg:       cfg,
		bySymbol:  bySymbol,
		books:     books,
		positions: positions,
		now:       time.Now,
	}
}

// MarketsFor resolves all markets mapped to a symbol.
func (e *TriggerEvaluator) MarketsFor(symbol string) []domain.MarketConfig {
	return e.bySymbol[symbol]
}

// Evaluate builds a BUY proposal on the stale outcome of market m.
// It returns ErrNoBook or a wrapped ErrStaleBook when the snapshot is unusable,
// and one of the package sentinels when there is nothing to do.
func (e *TriggerEvaluator) Evaluate(sig domain.VolatilitySignal, m domain.MarketConfig) (domain.Proposal, error) {
	// 1. Per-market threshold
	if sig.PctChange.Abs().LessThan(m.ThresholdPct) {
		return domain.Proposal{}, ErrBelowThreshold
	}

	// 2. Freshness
	snap, age, ok := e.books.Get(m.MarketID)
	if !ok {
		return domain.Proposal{}, domain.ErrNoBook
	}
	if age > e.cfg.StalenessCeiling {
		return domain.Proposal{}, fmt.Errorf("%w: %s old", domain.ErrStaleBook, age)
	}

	// 3. Stale side and limit price
	outcome := m.OutcomeFor(sig.Direction)
	quote := snap.Quote(outcome)
	if !quote.HasAsk() {
		return domain.Proposal{}, ErrNoAsk
	}
	if quote.BestAsk.GreaterThan(e.cfg.MaxLimitPrice) {
		return domain.Proposal{}, ErrAskAboveCeiling
	}
	limit := quote.BestAsk.Mul(decimal.NewFromInt(1).Add(m.SelfSlippageBufferPct))
	if limit.GreaterThan(e.cfg.MaxLimitPrice) {
		limit = e.cfg.MaxLimitPrice
	}

	// 4. Size
	qty := e.cfg.TriggerSize
	if room := m.MaxPosition.Sub(e.positions.MarketPosition(m.MarketID)); room.LessThan(qty) {
		qty = room
	}
	if quote.BestAskSize.IsPositive() && quote.BestAskSize.LessThan(qty) {
		qty = quote.BestAskSize
	}

	// 5. Nothing left to buy
	if !qty.IsPositive() {
		return domain.Proposal{}, ErrPositionAtCap
	}

	return domain.Proposal{
		MarketID:   m.MarketID,
		Outcome:    outcome,
		TokenID:    m.TokenID(outcome),
		Side:       domain.SideBuy,
		LimitPrice: limit,
		Quantity:   qty,
		Signal:     sig,
		CreatedAt:  e.now(),
	}, nil
}
