package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"latency_arb/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Fill represents a simulated order fill.
type Fill struct {
	OrderID  string
	TokenID  string
	Price    decimal.Decimal
	Quantity decimal.Decimal
	FilledAt time.Time
}

type paperOrder struct {
	req    domain.OrderRequest
	state  domain.OrderState
	filled decimal.Decimal
}

// PaperVenue simulates the secondary venue for dry runs.
// Orders fill in full at their limit price unless Resting is set, in which
// case they stay open until canceled or filled by hand.
type PaperVenue struct {
	mu      sync.Mutex
	orders  map[string]*paperOrder
	fills   []Fill
	resting bool
}

// NewPaperVenue creates a paper venue.
func NewPaperVenue(resting bool) *PaperVenue {
	return &PaperVenue{
		orders:  make(map[string]*paperOrder),
		fills:   make([]Fill, 0),
		resting: resting,
	}
}

// PlaceOrder accepts every well-formed order.
func (p *PaperVenue) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	if !req.Quantity.IsPositive() || !req.LimitPrice.IsPositive() {
		return domain.OrderAck{}, fmt.Errorf("paper: invalid order qty=%s price=%s", req.Quantity, req.LimitPrice)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := "paper-" + uuid.NewString()
	o := &paperOrder{req: req, state: domain.OrderSubmitted}
	p.orders[id] = o

	if !p.resting {
		p.fillLocked(id, o, req.Quantity)
	}

	slog.Info("PAPER EXECUTION: Order Accepted",
		slog.String("id", id),
		slog.String("market", req.MarketID),
		slog.String("token", req.TokenID),
		slog.String("price", req.LimitPrice.String()),
		slog.String("qty", req.Quantity.String()))

	return domain.OrderAck{OrderID: id, State: domain.OrderSubmitted}, nil
}

// Fill simulates a (partial) fill on a resting order.
func (p *PaperVenue) Fill(orderID string, qty decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: order not found: %s", orderID)
	}
	if o.state.IsTerminal() {
		return domain.ErrOrderNotOpen
	}
	remaining := o.req.Quantity.Sub(o.filled)
	if qty.GreaterThan(remaining) {
		qty = remaining
	}
	p.fillLocked(orderID, o, qty)
	return nil
}

func (p *PaperVenue) fillLocked(id string, o *paperOrder, qty decimal.Decimal) {
	o.filled = o.filled.Add(qty)
	if o.filled.Equal(o.req.Quantity) {
		o.state = domain.OrderFilled
	} else {
		o.state = domain.OrderPartiallyFilled
	}
	p.fills = append(p.fills, Fill{
		OrderID:  id,
		TokenID:  o.req.TokenID,
		Price:    o.req.LimitPrice,
		Quantity: qty,
		FilledAt: time.Now(),
	})
}

// CancelOrder cancels an unfilled order.
func (p *PaperVenue) CancelOrder(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok || o.state.IsTerminal() {
		return domain.ErrOrderNotOpen
	}
	o.state = domain.OrderCanceled
	slog.Info("PAPER EXECUTION: Order Canceled", slog.String("id", orderID))
	return nil
}

// OrderStatus reports the simulated state.
func (p *PaperVenue) OrderStatus(_ context.Context, orderID string) (domain.OrderUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return domain.OrderUpdate{}, fmt.Errorf("paper: order not found: %s", orderID)
	}
	return domain.OrderUpdate{
		OrderID:   orderID,
		State:     o.state,
		FilledQty: o.filled,
		AvgPrice:  o.req.LimitPrice,
	}, nil
}

// GetFills returns all executed fills.
func (p *PaperVenue) GetFills() []Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]Fill, len(p.fills))
	copy(result, p.fills)
	return result
}
