package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceTick is a normalized reference price observation. Immutable once created.
type PriceTick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"ts"`
}

// Direction of a detected move.
type Direction int

const (
	DirectionUp Direction = iota + 1
	DirectionDown
)

func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "up"
	case DirectionDown:
		return "down"
	default:
		return "unknown"
	}
}

// MarshalText lets directions appear as words in state dumps and logs.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// VolatilitySignal is emitted when a symbol moves beyond its threshold inside the window.
type VolatilitySignal struct {
	Symbol      string          `json:"symbol"`
	Direction   Direction       `json:"direction"`
	PctChange   decimal.Decimal `json:"pct_change"`
	LatestPrice decimal.Decimal `json:"latest_price"`
	TriggeredAt time.Time       `json:"triggered_at"`
	// Thresholds are the market thresholds this signal fires for. Empty means all.
	Thresholds []decimal.Decimal `json:"thresholds,omitempty"`
}

// Fires reports whether a market with the given threshold should act on the signal.
func (s VolatilitySignal) Fires(threshold decimal.Decimal) bool {
	if len(s.Thresholds) == 0 {
		return true
	}
	for _, th := range s.Thresholds {
		if th.Equal(threshold) {
			return true
		}
	}
	return false
}
