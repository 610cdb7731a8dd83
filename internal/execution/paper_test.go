package execution

import (
	"context"
	"testing"

	"latency_arb/internal/domain"
)

func TestPaperVenue_FillsAtLimit(t *testing.T) {
	paper := NewPaperVenue(false)

	ack, err := paper.PlaceOrder(context.Background(), domain.OrderRequest{
		MarketID:   "m1",
		TokenID:    "yes-tok",
		Side:       domain.SideBuy,
		LimitPrice: dec("0.5252"),
		Quantity:   dec("20"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	upd, err := paper.OrderStatus(context.Background(), ack.OrderID)
	if err != nil {
		t.Fatalf("OrderStatus failed: %v", err)
	}
	if upd.State != domain.OrderFilled {
		t.Errorf("Expected FILLED, got %s", upd.State)
	}
	if !upd.AvgPrice.Equal(dec("0.5252")) {
		t.Errorf("Expected fill at limit, got %s", upd.AvgPrice)
	}

	fills := paper.GetFills()
	if len(fills) != 1 {
		t.Fatalf("Expected 1 fill, got %d", len(fills))
	}

	if err := paper.CancelOrder(context.Background(), ack.OrderID); err != domain.ErrOrderNotOpen {
		t.Errorf("Expected ErrOrderNotOpen canceling filled order, got %v", err)
	}
}

func TestPaperVenue_RestingPartialThenCancel(t *testing.T) {
	paper := NewPaperVenue(true)
	ctx := context.Background()

	ack, err := paper.PlaceOrder(ctx, domain.OrderRequest{LimitPrice: dec("0.4"), Quantity: dec("10")})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	if err := paper.Fill(ack.OrderID, dec("4")); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}
	upd, _ := paper.OrderStatus(ctx, ack.OrderID)
	if upd.State != domain.OrderPartiallyFilled || !upd.FilledQty.Equal(dec("4")) {
		t.Errorf("Expected partial 4, got %s %s", upd.State, upd.FilledQty)
	}

	if err := paper.CancelOrder(ctx, ack.OrderID); err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if err := paper.CancelOrder(ctx, ack.OrderID); err != domain.ErrOrderNotOpen {
		t.Errorf("Expected second cancel to be ErrOrderNotOpen, got %v", err)
	}
}

func TestPaperVenue_RejectsInvalid(t *testing.T) {
	paper := NewPaperVenue(false)
	if _, err := paper.PlaceOrder(context.Background(), domain.OrderRequest{LimitPrice: dec("0.4")}); err == nil {
		t.Error("Expected error for zero quantity")
	}
}
