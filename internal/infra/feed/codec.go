// Package feed ingests reference spot prices from exchange websocket tickers.
package feed

import (
	"fmt"
	"time"

	"latency_arb/internal/domain"
)

// Codec translates between a venue's wire format and normalized ticks.
type Codec interface {
	Name() string
	// SubscribeMessage builds the frame sent right after the socket opens.
	SubscribeMessage(symbol string) ([]byte, error)
	// Parse returns a tick for symbol, or false for control frames,
	// other instruments and malformed payloads.
	Parse(symbol string, raw []byte, recvAt time.Time) (domain.PriceTick, bool)
}

// KeepAlive is implemented by codecs whose venue drops idle subscribers.
type KeepAlive interface {
	PingMessage() []byte
	PingInterval() time.Duration
}

// NewCodec returns the codec for a configured feed venue.
func NewCodec(venue string) (Codec, error) {
	switch venue {
	case "kraken":
		return KrakenCodec{}, nil
	case "coinbase":
		return CoinbaseCodec{}, nil
	case "bitget":
		return BitgetCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown feed venue %q", domain.ErrInvalidSymbol, venue)
	}
}
