package feed

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"latency_arb/internal/domain"

	"github.com/shopspring/decimal"
)

const bitgetPingInterval = 25 * time.Second

// BitgetCodec speaks the v2 public spot ticker channel.
// Bitget closes sockets that stay silent for 30s, so it also implements KeepAlive.
type BitgetCodec struct{}

func (BitgetCodec) Name() string { return "bitget" }

// BitgetInstID maps "BTC-USD" to "BTCUSDT". Bitget lists no USD spot pairs,
// so USD quotes resolve to USDT.
func BitgetInstID(symbol string) string {
	base, quote, ok := strings.Cut(symbol, "-")
	if !ok {
		return strings.ToUpper(symbol)
	}
	if quote == "USD" {
		quote = "USDT"
	}
	return strings.ToUpper(base + quote)
}

type bitgetSubscribeArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

type bitgetSubscribeRequest struct {
	Op   string               `json:"op"`
	Args []bitgetSubscribeArg `json:"args"`
}

func (BitgetCodec) SubscribeMessage(symbol string) ([]byte, error) {
	return json.Marshal(bitgetSubscribeRequest{
		Op:   "subscribe",
		Args: []bitgetSubscribeArg{{InstType: "SPOT", Channel: "ticker", InstID: BitgetInstID(symbol)}},
	})
}

type bitgetTickerResponse struct {
	Action string             `json:"action"` // snapshot, update
	Arg    bitgetSubscribeArg `json:"arg"`
	Data   []struct {
		InstID string `json:"instId"`
		LastPr string `json:"lastPr"`
		Ts     string `json:"ts"` // ms
	} `json:"data"`
}

func (BitgetCodec) Parse(symbol string, raw []byte, recvAt time.Time) (domain.PriceTick, bool) {
	// "pong" and other text frames
	if len(raw) == 0 || raw[0] != '{' {
		return domain.PriceTick{}, false
	}

	var resp bitgetTickerResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.PriceTick{}, false
	}
	if resp.Arg.Channel != "ticker" || resp.Arg.InstID != BitgetInstID(symbol) || len(resp.Data) == 0 {
		return domain.PriceTick{}, false
	}

	d := resp.Data[len(resp.Data)-1]
	price, err := decimal.NewFromString(d.LastPr)
	if err != nil || !price.IsPositive() {
		return domain.PriceTick{}, false
	}

	ts := recvAt
	if ms, err := strconv.ParseInt(d.Ts, 10, 64); err == nil && ms > 0 {
		ts = time.UnixMilli(ms)
	}

	return domain.PriceTick{Symbol: symbol, Price: price, Timestamp: ts}, true
}

func (BitgetCodec) PingMessage() []byte         { return []byte("ping") }
func (BitgetCodec) PingInterval() time.Duration { return bitgetPingInterval }
