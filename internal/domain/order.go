package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side of an order on the secondary venue.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderState is the lifecycle state of a tracked order.
type OrderState string

const (
	OrderPending         OrderState = "PENDING"
	OrderSubmitted       OrderState = "SUBMITTED"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderRejected        OrderState = "REJECTED"
	OrderCanceled        OrderState = "CANCELED"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderState) IsTerminal() bool {
	return s == OrderFilled || s == OrderRejected || s == OrderCanceled
}

var allowedTransitions = map[OrderState][]OrderState{
	OrderPending:         {OrderSubmitted, OrderRejected},
	OrderSubmitted:       {OrderPartiallyFilled, OrderFilled, OrderCanceled},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCanceled},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to OrderState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Proposal is an order candidate produced by the evaluator, before risk approval.
type Proposal struct {
	MarketID   string          `json:"market_id"`
	Outcome    Outcome         `json:"outcome"`
	TokenID    string          `json:"token_id"`
	Side       Side            `json:"side"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Signal     VolatilitySignal
	CreatedAt  time.Time `json:"created_at"`
}

// Notional is price times quantity.
func (p Proposal) Notional() decimal.Decimal {
	return p.LimitPrice.Mul(p.Quantity)
}

// Order is a proposal that passed the throttle and is tracked by the executor.
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id"`
	MarketID      string          `json:"market_id"`
	Outcome       Outcome         `json:"outcome"`
	TokenID       string          `json:"token_id"`
	Side          Side            `json:"side"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	Quantity      decimal.Decimal `json:"quantity"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	State         OrderState      `json:"state"`
	Reason        string          `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsOpen checks if the order is still resting on the venue.
func (o *Order) IsOpen() bool {
	return o.State == OrderSubmitted || o.State == OrderPartiallyFilled
}

// Remaining is the quantity not yet filled.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// Transition moves the order to a new state. Illegal transitions are rejected.
func (o *Order) Transition(to OrderState, at time.Time) error {
	if !CanTransition(o.State, to) {
		return fmt.Errorf("illegal order transition %s -> %s [%s]", o.State, to, o.ClientOrderID)
	}
	o.State = to
	o.UpdatedAt = at
	return nil
}

// OrderRequest is what goes over the wire to the venue.
type OrderRequest struct {
	ClientOrderID string
	MarketID      string
	TokenID       string
	Side          Side
	LimitPrice    decimal.Decimal
	Quantity      decimal.Decimal
}

// OrderAck is the venue response to a placement.
type OrderAck struct {
	OrderID string
	State   OrderState
}

// OrderUpdate is a venue-reported status used by reconciliation.
type OrderUpdate struct {
	OrderID   string
	State     OrderState
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
}
