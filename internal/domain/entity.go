package domain

import (
	"time"
)

// SignalRecord is the journal row for an emitted volatility signal.
type SignalRecord struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol      string    `gorm:"index" json:"symbol"`
	Direction   string    `json:"direction"`
	PctChange   string    `json:"pct_change"`
	LatestPrice string    `json:"latest_price"`
	TriggeredAt time.Time `gorm:"index" json:"triggered_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// OrderRecord is the journal row for a tracked order. Upserted on every transition.
type OrderRecord struct {
	ClientOrderID string    `gorm:"primaryKey" json:"client_order_id"`
	VenueOrderID  string    `gorm:"index" json:"venue_order_id"`
	MarketID      string    `gorm:"index" json:"market_id"`
	Outcome       string    `json:"outcome"`
	Side          string    `json:"side"`
	LimitPrice    string    `json:"limit_price"`
	Quantity      string    `json:"quantity"`
	FilledQty     string    `json:"filled_qty"`
	State         string    `gorm:"index" json:"state"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FillRecord is the journal row for a confirmed fill delta.
type FillRecord struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ClientOrderID string    `gorm:"index" json:"client_order_id"`
	MarketID      string    `gorm:"index" json:"market_id"`
	Outcome       string    `json:"outcome"`
	Quantity      string    `json:"quantity"`
	Price         string    `json:"price"`
	FilledAt      time.Time `json:"filled_at"`
}

// NewOrderRecord flattens an order into its journal row.
func NewOrderRecord(o *Order) *OrderRecord {
	return &OrderRecord{
		ClientOrderID: o.ClientOrderID,
		VenueOrderID:  o.ID,
		MarketID:      o.MarketID,
		Outcome:       string(o.Outcome),
		Side:          string(o.Side),
		LimitPrice:    o.LimitPrice.String(),
		Quantity:      o.Quantity.String(),
		FilledQty:     o.FilledQty.String(),
		State:         string(o.State),
		Reason:        o.Reason,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

// NewSignalRecord flattens a signal into its journal row.
func NewSignalRecord(s VolatilitySignal) *SignalRecord {
	return &SignalRecord{
		Symbol:      s.Symbol,
		Direction:   s.Direction.String(),
		PctChange:   s.PctChange.String(),
		LatestPrice: s.LatestPrice.String(),
		TriggeredAt: s.TriggeredAt,
	}
}
