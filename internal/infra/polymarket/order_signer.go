package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"latency_arb/internal/domain"
)

// OrderSigner turns an order request into the signed order payload the CLOB accepts.
// Wallet signing happens outside this process.
type OrderSigner interface {
	SignOrder(ctx context.Context, req domain.OrderRequest) (json.RawMessage, error)
}

// ExternalSigner delegates signing to a sidecar service over HTTP.
type ExternalSigner struct {
	url        string
	chainID    int
	maker      string
	httpClient *http.Client
}

// NewExternalSigner creates a signer client for the service at baseURL.
func NewExternalSigner(baseURL string, chainID int, maker string, timeout time.Duration) *ExternalSigner {
	return &ExternalSigner{
		url:        baseURL + "/sign",
		chainID:    chainID,
		maker:      maker,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SignOrder posts the order fields and returns the signed order object verbatim.
func (s *ExternalSigner) SignOrder(ctx context.Context, req domain.OrderRequest) (json.RawMessage, error) {
	body, err := json.Marshal(signRequest{
		TokenID: req.TokenID,
		Price:   req.LimitPrice.String(),
		Size:    req.Quantity.String(),
		Side:    string(req.Side),
		ChainID: s.chainID,
		Maker:   s.maker,
		Nonce:   req.ClientOrderID,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.NewNetworkError("sign_order", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signer error: status=%d body=%s", resp.StatusCode, string(raw))
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("signer returned invalid json")
	}
	return json.RawMessage(raw), nil
}
