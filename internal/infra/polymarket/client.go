// Package polymarket is the boundary layer to the Polymarket CLOB REST API.
package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"latency_arb/internal/domain"

	"github.com/shopspring/decimal"
)

const BaseURLMainnet = "https://clob.polymarket.com"

// Client is the CLOB REST client. It implements domain.BookSource and domain.Venue.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	signer      *Signer // nil for read-only use
	orderSigner OrderSigner
	owner       string
	logger      *slog.Logger
}

// NewClient creates a CLOB client. signer and orderSigner may be nil when
// only public book data is needed.
func NewClient(baseURL string, timeout time.Duration, signer *Signer, orderSigner OrderSigner) *Client {
	if baseURL == "" {
		baseURL = BaseURLMainnet
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		signer:      signer,
		orderSigner: orderSigner,
		logger:      slog.Default().With("module", "polymarket_client"),
	}
	if signer != nil {
		c.owner = signer.apiKey
	}
	return c
}

// GetBook fetches the order book of one token and reduces it to the top of book.
func (c *Client) GetBook(ctx context.Context, tokenID string) (domain.Quote, error) {
	path := "/book?token_id=" + url.QueryEscape(tokenID)
	body, err := c.do(ctx, http.MethodGet, path, nil, false)
	if err != nil {
		return domain.Quote{}, err
	}

	var book bookResponse
	if err := json.Unmarshal(body, &book); err != nil {
		return domain.Quote{}, fmt.Errorf("failed to parse book: %w", err)
	}
	return topOfBook(book), nil
}

// topOfBook scans both sides; the venue does not guarantee level ordering.
func topOfBook(book bookResponse) domain.Quote {
	var q domain.Quote
	for _, lvl := range book.Bids {
		p, s, ok := parseLevel(lvl)
		if ok && p.GreaterThan(q.BestBid) {
			q.BestBid, q.BestBidSize = p, s
		}
	}
	for _, lvl := range book.Asks {
		p, s, ok := parseLevel(lvl)
		if ok && (q.BestAsk.IsZero() || p.LessThan(q.BestAsk)) {
			q.BestAsk, q.BestAskSize = p, s
		}
	}
	return q
}

func parseLevel(lvl bookLevel) (decimal.Decimal, decimal.Decimal, bool) {
	p, err := decimal.NewFromString(lvl.Price)
	if err != nil || !p.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	s, err := decimal.NewFromString(lvl.Size)
	if err != nil || !s.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	return p, s, true
}

// PlaceOrder signs and posts a GTC limit order.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	if c.orderSigner == nil || c.signer == nil {
		return domain.OrderAck{}, errors.New("client has no credentials")
	}

	// 1. Wallet signature (external)
	signed, err := c.orderSigner.SignOrder(ctx, req)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("sign order: %w", err)
	}

	// 2. Send Request
	body, err := c.do(ctx, http.MethodPost, "/order", postOrderRequest{
		Order:     signed,
		Owner:     c.owner,
		OrderType: "GTC",
	}, true)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("place order failed: %w", err)
	}

	// 3. Parse Response
	var resp postOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderAck{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if !resp.Success || resp.OrderID == "" {
		return domain.OrderAck{}, fmt.Errorf("order refused: status=%s msg=%s", resp.Status, resp.ErrorMsg)
	}

	c.logger.Info("Order placed", "oid", resp.OrderID, "cid", req.ClientOrderID, "status", resp.Status)
	return domain.OrderAck{OrderID: resp.OrderID, State: domain.OrderSubmitted}, nil
}

// CancelOrder cancels one order. Already matched or unknown orders yield ErrOrderNotOpen.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	body, err := c.do(ctx, http.MethodDelete, "/order", cancelRequest{OrderID: orderID}, true)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return fmt.Errorf("%w: %s", domain.ErrOrderNotOpen, orderID)
		}
		return err
	}

	var resp cancelResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse cancel response: %w", err)
	}
	for _, id := range resp.Canceled {
		if id == orderID {
			return nil
		}
	}
	if reason, ok := resp.NotCanceled[orderID]; ok {
		if isBenignCancelReason(reason) {
			return fmt.Errorf("%w: %s (%s)", domain.ErrOrderNotOpen, orderID, reason)
		}
		return fmt.Errorf("cancel refused: %s", reason)
	}
	return fmt.Errorf("%w: %s not acknowledged", domain.ErrOrderNotOpen, orderID)
}

func isBenignCancelReason(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "matched") ||
		strings.Contains(r, "not found") ||
		strings.Contains(r, "already canceled") ||
		strings.Contains(r, "can't be found")
}

// OrderStatus fetches the venue view of an order.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (domain.OrderUpdate, error) {
	body, err := c.do(ctx, http.MethodGet, "/data/order/"+url.PathEscape(orderID), nil, true)
	if err != nil {
		return domain.OrderUpdate{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderUpdate{}, fmt.Errorf("failed to parse order: %w", err)
	}

	matched, _ := decimal.NewFromString(resp.SizeMatched)
	price, _ := decimal.NewFromString(resp.Price)
	update := domain.OrderUpdate{OrderID: orderID, FilledQty: matched, AvgPrice: price}

	switch strings.ToUpper(resp.Status) {
	case "MATCHED":
		update.State = domain.OrderFilled
	case "CANCELED", "CANCELLED", "CANCELED_MARKET_RESOLVED":
		update.State = domain.OrderCanceled
	default:
		update.State = domain.OrderSubmitted
		if matched.IsPositive() {
			update.State = domain.OrderPartiallyFilled
		}
	}
	return update, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("clob api error: status=%d body=%s", e.code, e.body)
}

// do handles auth headers, serialization and status mapping.
// Transport failures come back as retriable NetworkErrors.
func (c *Client) do(ctx context.Context, method, path string, payload any, auth bool) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string

	if payload != nil {
		jsonBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(jsonBytes)
		bodyStr = string(jsonBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}

	if auth {
		if c.signer == nil {
			return nil, errors.New("client has no credentials")
		}
		// The signed path excludes the query string.
		signPath, _, _ := strings.Cut(path, "?")
		for k, v := range c.signer.GenerateHeaders(method, signPath, bodyStr) {
			req.Header.Set(k, v)
		}
	} else if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewNetworkError(strings.ToLower(method)+" "+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewNetworkError("read "+path, err)
	}
	if resp.StatusCode >= 500 {
		return nil, domain.NewNetworkError(path, &statusError{code: resp.StatusCode, body: string(body)})
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, body: string(body)}
	}
	return body, nil
}
