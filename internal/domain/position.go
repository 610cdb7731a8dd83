package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Position is the inventory held in one outcome token of a market.
// Mutated only by the executor on confirmed fills.
type Position struct {
	MarketID string          `json:"market_id"`
	Outcome  Outcome         `json:"outcome"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// ApplyFill adds a buy fill and recomputes the volume-weighted average price.
// Panics on a non-positive fill quantity.
func (p *Position) ApplyFill(qty, price decimal.Decimal) {
	if !qty.IsPositive() {
		panic(fmt.Sprintf("POSITION_INVALID_FILL: %s/%s qty=%s", p.MarketID, p.Outcome, qty))
	}
	cost := p.AvgPrice.Mul(p.Quantity).Add(price.Mul(qty))
	p.Quantity = p.Quantity.Add(qty)
	p.AvgPrice = cost.Div(p.Quantity)
}

// Notional is quantity at average cost.
func (p *Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.AvgPrice)
}

// VerifyInvariant panics if the position is inconsistent.
func (p *Position) VerifyInvariant() {
	if p.Quantity.IsNegative() {
		panic(fmt.Sprintf("POSITION_INVARIANT_NEGATIVE_QTY: %s/%s = %s", p.MarketID, p.Outcome, p.Quantity))
	}
	if p.AvgPrice.IsNegative() {
		panic(fmt.Sprintf("POSITION_INVARIANT_NEGATIVE_PRICE: %s/%s = %s", p.MarketID, p.Outcome, p.AvgPrice))
	}
}
