package feed

import (
	"encoding/json"
	"strings"
	"time"

	"latency_arb/internal/domain"

	"github.com/shopspring/decimal"
)

// KrakenCodec speaks the public v1 ticker channel.
// Kraken messages carry no exchange timestamp, so ticks use receive time.
type KrakenCodec struct{}

func (KrakenCodec) Name() string { return "kraken" }

// KrakenPair maps "BTC-USD" style symbols to Kraken's "XBT/USD".
// Symbols that already contain a slash are passed through.
func KrakenPair(symbol string) string {
	if strings.Contains(symbol, "/") {
		return symbol
	}
	base, quote, ok := strings.Cut(symbol, "-")
	if !ok {
		return symbol
	}
	if base == "BTC" {
		base = "XBT"
	}
	return base + "/" + quote
}

type krakenSubscribe struct {
	Event        string   `json:"event"`
	Pair         []string `json:"pair"`
	Subscription struct {
		Name string `json:"name"`
	} `json:"subscription"`
}

func (KrakenCodec) SubscribeMessage(symbol string) ([]byte, error) {
	msg := krakenSubscribe{Event: "subscribe", Pair: []string{KrakenPair(symbol)}}
	msg.Subscription.Name = "ticker"
	return json.Marshal(msg)
}

// krakenTicker holds the fields used from the ticker payload.
// a = best ask, b = best bid, c = last trade; element 0 is the price.
type krakenTicker struct {
	A []string `json:"a"`
	B []string `json:"b"`
	C []string `json:"c"`
}

func (KrakenCodec) Parse(symbol string, raw []byte, recvAt time.Time) (domain.PriceTick, bool) {
	// Control frames (heartbeat, subscriptionStatus) are objects, data frames are arrays.
	if len(raw) == 0 || raw[0] != '[' {
		return domain.PriceTick{}, false
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 4 {
		return domain.PriceTick{}, false
	}

	var channel, pair string
	if json.Unmarshal(frame[len(frame)-2], &channel) != nil || channel != "ticker" {
		return domain.PriceTick{}, false
	}
	if json.Unmarshal(frame[len(frame)-1], &pair) != nil || pair != KrakenPair(symbol) {
		return domain.PriceTick{}, false
	}

	var t krakenTicker
	if err := json.Unmarshal(frame[1], &t); err != nil {
		return domain.PriceTick{}, false
	}

	sum := decimal.Zero
	n := 0
	for _, side := range [][]string{t.A, t.B, t.C} {
		if len(side) == 0 {
			continue
		}
		p, err := decimal.NewFromString(side[0])
		if err != nil || !p.IsPositive() {
			continue
		}
		sum = sum.Add(p)
		n++
	}
	if n == 0 {
		return domain.PriceTick{}, false
	}

	return domain.PriceTick{
		Symbol:    symbol,
		Price:     sum.Div(decimal.NewFromInt(int64(n))),
		Timestamp: recvAt,
	}, true
}
