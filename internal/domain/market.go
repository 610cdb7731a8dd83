package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is one of the two binary tokens of a prediction market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// MarketConfig maps a secondary-venue market to a reference symbol.
// Loaded once at startup; never mutated afterwards.
type MarketConfig struct {
	MarketID              string          `yaml:"market_id" json:"market_id"`
	Symbol                string          `yaml:"symbol" json:"symbol"`
	YesTokenID            string          `yaml:"yes_token_id" json:"yes_token_id"`
	NoTokenID             string          `yaml:"no_token_id" json:"no_token_id"`
	UpsideIsYes           bool            `yaml:"upside_is_yes" json:"upside_is_yes"`
	ThresholdPct          decimal.Decimal `yaml:"threshold_pct" json:"threshold_pct"`
	MaxPosition           decimal.Decimal `yaml:"max_position" json:"max_position"`
	SelfSlippageBufferPct decimal.Decimal `yaml:"self_slippage_buffer_pct" json:"self_slippage_buffer_pct"`
}

// TokenID returns the venue token identifier for an outcome.
func (m MarketConfig) TokenID(o Outcome) string {
	if o == OutcomeNo {
		return m.NoTokenID
	}
	return m.YesTokenID
}

// OutcomeFor returns which token is stale after a move in the given direction.
func (m MarketConfig) OutcomeFor(d Direction) Outcome {
	up := d == DirectionUp
	if up == m.UpsideIsYes {
		return OutcomeYes
	}
	return OutcomeNo
}

// Quote is the top of book for a single token. Zero values mean the side is empty.
type Quote struct {
	BestBid     decimal.Decimal `json:"best_bid"`
	BestAsk     decimal.Decimal `json:"best_ask"`
	BestBidSize decimal.Decimal `json:"best_bid_size"`
	BestAskSize decimal.Decimal `json:"best_ask_size"`
}

// HasAsk reports whether there is a resting ask to cross.
func (q Quote) HasAsk() bool {
	return q.BestAsk.IsPositive()
}

// OrderBookSnapshot is the top of book for both outcomes of one market.
// Replaced atomically by the cache; never mutated in place.
type OrderBookSnapshot struct {
	MarketID  string    `json:"market_id"`
	Yes       Quote     `json:"yes"`
	No        Quote     `json:"no"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Quote returns the book of one outcome.
func (s *OrderBookSnapshot) Quote(o Outcome) Quote {
	if o == OutcomeNo {
		return s.No
	}
	return s.Yes
}

// Age is the time elapsed between the fetch and now.
func (s *OrderBookSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}
