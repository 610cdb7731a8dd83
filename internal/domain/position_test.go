package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestPosition_ApplyFill(t *testing.T) {
	p := &Position{MarketID: "m1", Outcome: OutcomeYes}

	p.ApplyFill(decimal.NewFromInt(10), decimal.RequireFromString("0.50"))
	p.ApplyFill(decimal.NewFromInt(30), decimal.RequireFromString("0.60"))

	if !p.Quantity.Equal(decimal.NewFromInt(40)) {
		t.Errorf("Expected qty 40, got %s", p.Quantity)
	}
	// (10*0.50 + 30*0.60) / 40 = 0.575
	if !p.AvgPrice.Equal(decimal.RequireFromString("0.575")) {
		t.Errorf("Expected avg 0.575, got %s", p.AvgPrice)
	}
	if !p.Notional().Equal(decimal.NewFromInt(23)) {
		t.Errorf("Expected notional 23, got %s", p.Notional())
	}
	p.VerifyInvariant()
}

func TestPosition_InvalidFillPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic on zero fill")
		}
	}()
	p := &Position{MarketID: "m1", Outcome: OutcomeNo}
	p.ApplyFill(decimal.Zero, decimal.RequireFromString("0.4"))
}

func TestPosition_VerifyInvariant(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic on negative quantity")
		}
	}()
	p := &Position{MarketID: "m1", Quantity: decimal.NewFromInt(-1)}
	p.VerifyInvariant()
}
