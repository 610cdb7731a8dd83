package feed

import (
	"encoding/json"
	"time"

	"latency_arb/internal/domain"

	"github.com/shopspring/decimal"
)

// CoinbaseCodec speaks the Exchange "ticker" channel.
type CoinbaseCodec struct{}

func (CoinbaseCodec) Name() string { return "coinbase" }

type coinbaseSubscribe struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

func (CoinbaseCodec) SubscribeMessage(symbol string) ([]byte, error) {
	return json.Marshal(coinbaseSubscribe{
		Type:       "subscribe",
		ProductIDs: []string{symbol},
		Channels:   []string{"ticker"},
	})
}

type coinbaseTicker struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Time      string `json:"time"`
}

func (CoinbaseCodec) Parse(symbol string, raw []byte, recvAt time.Time) (domain.PriceTick, bool) {
	var msg coinbaseTicker
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.PriceTick{}, false
	}
	if msg.Type != "ticker" || msg.ProductID != symbol {
		return domain.PriceTick{}, false
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil || !price.IsPositive() {
		return domain.PriceTick{}, false
	}

	ts := recvAt
	if msg.Time != "" {
		if t, err := time.Parse(time.RFC3339Nano, msg.Time); err == nil {
			ts = t
		}
	}

	return domain.PriceTick{Symbol: symbol, Price: price, Timestamp: ts}, true
}
