// Package execution submits approved proposals to the secondary venue and
// owns order lifecycle and position state.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"latency_arb/internal/domain"
	"latency_arb/internal/infra"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Releaser gives committed quantity back to the risk ledger.
type Releaser interface {
	Release(marketID string, qty decimal.Decimal)
}

// Recorder receives order and fill events for the journal. Must not block.
type Recorder interface {
	RecordOrder(o domain.Order)
	RecordFill(f domain.FillRecord)
}

// Config holds executor settings.
type Config struct {
	ReconcileInterval time.Duration
	Breaker           infra.CircuitBreakerConfig
}

// OrderExecutor is the single owner of orders and positions.
type OrderExecutor struct {
	venue    domain.Venue
	breaker  *infra.CircuitBreaker
	risk     Releaser
	recorder Recorder
	metrics  *infra.Metrics
	cfg      Config

	mu        sync.Mutex
	orders    map[string]*domain.Order // by client order id
	positions map[string]*domain.Position
	closed    bool
	inflight  sync.WaitGroup

	now func() time.Time
}

// NewOrderExecutor creates an executor. risk, recorder and metrics may be nil.
func NewOrderExecutor(venue domain.Venue, cfg Config, risk Releaser, recorder Recorder, metrics *infra.Metrics) *OrderExecutor {
	if cfg.Breaker.Name == "" {
		cfg.Breaker = infra.DefaultCircuitBreakerConfig("order-submit")
	}
	if metrics != nil && cfg.Breaker.OnChange == nil {
		cfg.Breaker.OnChange = metrics.SetCircuitState
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = time.Second
	}
	return &OrderExecutor{
		venue:     venue,
		breaker:   infra.NewCircuitBreaker(cfg.Breaker),
		risk:      risk,
		recorder:  recorder,
		metrics:   metrics,
		cfg:       cfg,
		orders:    make(map[string]*domain.Order),
		positions: make(map[string]*domain.Position),
		now:       time.Now,
	}
}

func positionKey(marketID string, o domain.Outcome) string {
	return marketID + "/" + string(o)
}

// Submit places an approved proposal as a limit order. A failed submission
// marks the order Rejected and is never retried.
func (e *OrderExecutor) Submit(ctx context.Context, p domain.Proposal) (domain.Order, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.release(p.MarketID, p.Quantity)
		return domain.Order{}, domain.ErrExecutorClosed
	}
	now := e.now()
	order := &domain.Order{
		ClientOrderID: uuid.NewString(),
		MarketID:      p.MarketID,
		Outcome:       p.Outcome,
		TokenID:       p.TokenID,
		Side:          p.Side,
		LimitPrice:    p.LimitPrice,
		Quantity:      p.Quantity,
		FilledQty:     decimal.Zero,
		State:         domain.OrderPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e.orders[order.ClientOrderID] = order
	e.inflight.Add(1)
	e.mu.Unlock()
	defer e.inflight.Done()

	e.emit(order)

	var ack domain.OrderAck
	var err error
	if !e.breaker.Allow() {
		err = domain.ErrCircuitOpen
	} else {
		ack, err = e.venue.PlaceOrder(ctx, domain.OrderRequest{
			ClientOrderID: order.ClientOrderID,
			MarketID:      order.MarketID,
			TokenID:       order.TokenID,
			Side:          order.Side,
			LimitPrice:    order.LimitPrice,
			Quantity:      order.Quantity,
		})
		if err != nil {
			e.breaker.RecordFailure()
		} else {
			e.breaker.RecordSuccess()
		}
	}

	e.mu.Lock()
	if err != nil {
		order.Reason = err.Error()
		_ = order.Transition(domain.OrderRejected, e.now())
	} else {
		order.ID = ack.OrderID
		_ = order.Transition(domain.OrderSubmitted, e.now())
	}
	snapshot := *order
	e.mu.Unlock()

	e.emit(&snapshot)

	if err != nil {
		e.release(order.MarketID, order.Quantity)
		slog.Error("Order submission failed",
			slog.String("client_order_id", order.ClientOrderID),
			slog.String("market", order.MarketID),
			slog.Any("error", err))
		return snapshot, &domain.OrderSubmissionError{OrderID: order.ClientOrderID, Err: err}
	}

	slog.Info("Order submitted",
		slog.String("client_order_id", order.ClientOrderID),
		slog.String("order_id", order.ID),
		slog.String("market", order.MarketID),
		slog.String("outcome", string(order.Outcome)),
		slog.String("price", order.LimitPrice.String()),
		slog.String("qty", order.Quantity.String()))
	return snapshot, nil
}

// Run polls the venue for open orders until ctx is done.
func (e *OrderExecutor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Reconcile(ctx)
		}
	}
}

// Reconcile fetches the venue status of every open order and applies it.
func (e *OrderExecutor) Reconcile(ctx context.Context) {
	for _, o := range e.openOrders("") {
		upd, err := e.venue.OrderStatus(ctx, o.ID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Order status failed",
				slog.String("order_id", o.ID),
				slog.Any("error", err))
			continue
		}
		e.Apply(o.ClientOrderID, upd)
	}
}

// Apply folds a venue update into the tracked order and its position.
func (e *OrderExecutor) Apply(clientOrderID string, upd domain.OrderUpdate) {
	snapshot, prev, fill, released, ok := e.applyUpdate(clientOrderID, upd)
	if !ok {
		return
	}

	if fill != nil {
		if e.recorder != nil {
			e.recorder.RecordFill(*fill)
		}
		slog.Info("Order fill",
			slog.String("client_order_id", snapshot.ClientOrderID),
			slog.String("qty", fill.Quantity),
			slog.String("price", fill.Price))
	}
	if snapshot.State != prev || fill != nil {
		e.emit(&snapshot)
	}
	e.release(snapshot.MarketID, released)
}

// applyUpdate mutates the order and position under the lock. A position
// invariant panic unwinds with the lock released, so a state dump can still
// read the executor.
func (e *OrderExecutor) applyUpdate(clientOrderID string, upd domain.OrderUpdate) (snapshot domain.Order, prev domain.OrderState, fill *domain.FillRecord, released decimal.Decimal, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, found := e.orders[clientOrderID]
	if !found || !o.IsOpen() {
		return domain.Order{}, "", nil, decimal.Zero, false
	}
	now := e.now()

	target := upd.FilledQty
	if upd.State == domain.OrderFilled {
		target = o.Quantity
	}
	if target.GreaterThan(o.Quantity) {
		target = o.Quantity
	}

	if delta := target.Sub(o.FilledQty); delta.IsPositive() {
		price := upd.AvgPrice
		if !price.IsPositive() {
			price = o.LimitPrice
		}
		pos := e.positionLocked(o.MarketID, o.Outcome)
		pos.ApplyFill(delta, price)
		pos.VerifyInvariant()
		o.FilledQty = target
		fill = &domain.FillRecord{
			ClientOrderID: o.ClientOrderID,
			MarketID:      o.MarketID,
			Outcome:       string(o.Outcome),
			Quantity:      delta.String(),
			Price:         price.String(),
			FilledAt:      now,
		}
	}

	prev = o.State
	next := prev
	switch {
	case upd.State == domain.OrderFilled || o.FilledQty.Equal(o.Quantity):
		next = domain.OrderFilled
	case upd.State == domain.OrderCanceled:
		next = domain.OrderCanceled
	case fill != nil:
		next = domain.OrderPartiallyFilled
	}

	released = decimal.Zero
	if next != prev || fill != nil {
		if err := o.Transition(next, now); err != nil {
			slog.Warn("Ignoring venue update", slog.Any("error", err))
		} else if next == domain.OrderCanceled {
			released = o.Remaining()
		}
	}
	return *o, prev, fill, released, true
}

// CancelAll requests cancellation of every open order in a market.
// Orders that already filled or vanished are benign races. Calling it with
// nothing open is a no-op.
func (e *OrderExecutor) CancelAll(ctx context.Context, marketID string) error {
	open := e.openOrders(marketID)
	var errs []error

	for _, o := range open {
		err := e.venue.CancelOrder(ctx, o.ID)
		switch {
		case err == nil:
			// Fills may have landed since the last reconcile; the venue
			// holds the final count.
			upd := domain.OrderUpdate{OrderID: o.ID, FilledQty: o.FilledQty}
			if st, serr := e.venue.OrderStatus(ctx, o.ID); serr == nil {
				upd = st
			} else {
				slog.Warn("Status after cancel failed, using local fills",
					slog.String("order_id", o.ID),
					slog.Any("error", serr))
			}
			if upd.State != domain.OrderFilled {
				upd.State = domain.OrderCanceled
			}
			e.Apply(o.ClientOrderID, upd)
		case errors.Is(err, domain.ErrOrderNotOpen):
			slog.Info("Cancel raced with fill", slog.String("order_id", o.ID))
			if upd, serr := e.venue.OrderStatus(ctx, o.ID); serr == nil {
				e.Apply(o.ClientOrderID, upd)
			}
		default:
			errs = append(errs, fmt.Errorf("cancel %s: %w", o.ID, err))
		}
	}

	if len(open) > 0 {
		slog.Info("Cancel-all completed",
			slog.String("market", marketID),
			slog.Int("orders", len(open)),
			slog.Int("errors", len(errs)))
	}
	return errors.Join(errs...)
}

// Close refuses new submissions and waits for in-flight ones to land.
func (e *OrderExecutor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor close: %w", ctx.Err())
	}
}

// MarketPosition is the filled quantity across both outcomes of a market.
func (e *OrderExecutor) MarketPosition(marketID string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := decimal.Zero
	for _, o := range []domain.Outcome{domain.OutcomeYes, domain.OutcomeNo} {
		if p, ok := e.positions[positionKey(marketID, o)]; ok {
			total = total.Add(p.Quantity)
		}
	}
	return total
}

// Positions returns a copy of every held position.
func (e *OrderExecutor) Positions() []domain.Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		return positionKey(out[i].MarketID, out[i].Outcome) < positionKey(out[j].MarketID, out[j].Outcome)
	})
	return out
}

// Orders returns a copy of every tracked order, oldest first.
func (e *OrderExecutor) Orders() []domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.Order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientOrderID < out[j].ClientOrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// openOrders returns copies of open orders, optionally filtered by market.
func (e *OrderExecutor) openOrders(marketID string) []domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []domain.Order
	for _, o := range e.orders {
		if o.IsOpen() && (marketID == "" || o.MarketID == marketID) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientOrderID < out[j].ClientOrderID })
	return out
}

func (e *OrderExecutor) positionLocked(marketID string, outcome domain.Outcome) *domain.Position {
	key := positionKey(marketID, outcome)
	p, ok := e.positions[key]
	if !ok {
		p = &domain.Position{MarketID: marketID, Outcome: outcome}
		e.positions[key] = p
	}
	return p
}

func (e *OrderExecutor) release(marketID string, qty decimal.Decimal) {
	if e.risk != nil && qty.IsPositive() {
		e.risk.Release(marketID, qty)
	}
}

func (e *OrderExecutor) emit(o *domain.Order) {
	if e.metrics != nil {
		e.metrics.RecordOrderState(o.State)
	}
	if e.recorder != nil {
		e.recorder.RecordOrder(*o)
	}
}
