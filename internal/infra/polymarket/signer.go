package polymarket

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signer produces the L2 (API key) authentication headers of the CLOB.
type Signer struct {
	apiKey     string
	secret     []byte
	passphrase string
	address    string
	now        func() time.Time
}

// NewSigner creates a new Signer. The secret is the base64url string issued with the key.
func NewSigner(apiKey, secret, passphrase, address string) (*Signer, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("invalid api secret: %w", err)
	}
	return &Signer{
		apiKey:     apiKey,
		secret:     key,
		passphrase: passphrase,
		address:    address,
		now:        time.Now,
	}, nil
}

func decodeSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// GenerateHeaders creates the necessary headers for a request
// method: GET, POST, DELETE
// path: /order (no host, no query)
// body: json string (empty if none)
func (s *Signer) GenerateHeaders(method, path, body string) map[string]string {
	// Seconds, not milliseconds.
	timestamp := strconv.FormatInt(s.now().Unix(), 10)
	payload := timestamp + method + path + body

	return map[string]string{
		"POLY_ADDRESS":    s.address,
		"POLY_SIGNATURE":  computeHmacSha256(payload, s.secret),
		"POLY_TIMESTAMP":  timestamp,
		"POLY_API_KEY":    s.apiKey,
		"POLY_PASSPHRASE": s.passphrase,
		"Content-Type":    "application/json",
	}
}

func computeHmacSha256(message string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}
