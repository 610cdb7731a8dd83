package domain

import (
	"context"
)

// ExchangeWorker defines the interface for streaming price-feed connectors
type ExchangeWorker interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
}

// BookSource fetches the top of book for a single token.
type BookSource interface {
	GetBook(ctx context.Context, tokenID string) (Quote, error)
}

// Venue abstracts the secondary venue for order execution.
// It hides the difference between paper trading and the live exchange.
type Venue interface {
	// PlaceOrder submits a signed limit order.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)

	// CancelOrder cancels an order by venue id. Returns ErrOrderNotOpen if
	// the order is already terminal on the venue side.
	CancelOrder(ctx context.Context, orderID string) error

	// OrderStatus reports the current venue-side state of an order.
	OrderStatus(ctx context.Context, orderID string) (OrderUpdate, error)
}
