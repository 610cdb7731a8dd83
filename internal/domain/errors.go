package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable.
// Feed disconnects and book-fetch timeouts surface as retriable NetworkErrors.
type NetworkError struct {
	Op        string // Operation that failed (e.g., "dial", "read", "get_book")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError is a shorthand for a ConfigError with a formatted message.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// RejectReason is the code attached to a throttle denial.
type RejectReason string

const (
	RejectNotionalExceeded   RejectReason = "NotionalExceeded"
	RejectRateExceeded       RejectReason = "RateExceeded"
	RejectPositionCapReached RejectReason = "PositionCapReached"
)

// RiskRejection is an expected control-flow outcome, not a failure.
type RiskRejection struct {
	MarketID string
	Reason   RejectReason
}

func (e *RiskRejection) Error() string {
	return "risk rejected [" + e.MarketID + "]: " + string(e.Reason)
}

// IsRejection reports whether err is a RiskRejection and returns its reason.
func IsRejection(err error) (RejectReason, bool) {
	var rr *RiskRejection
	if errors.As(err, &rr) {
		return rr.Reason, true
	}
	return "", false
}

// OrderSubmissionError is returned when the venue refuses an order or the
// request never reaches it. Never retried.
type OrderSubmissionError struct {
	OrderID string
	Err     error
}

func (e *OrderSubmissionError) Error() string {
	return "order submission failed [" + e.OrderID + "]: " + e.Err.Error()
}

func (e *OrderSubmissionError) IsRetriable() bool {
	return false
}

func (e *OrderSubmissionError) Unwrap() error {
	return e.Err
}

var (
	// ErrConnectionFailed is returned when websocket connection fails. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrInvalidSymbol is returned when a symbol is not supported or malformed. Not retriable.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")

	// ErrStaleBook marks a book snapshot older than the staleness ceiling.
	ErrStaleBook = errors.New("book snapshot is stale")

	// ErrNoBook is returned when a market has never been refreshed.
	ErrNoBook = errors.New("no book snapshot")

	// ErrOrderNotOpen is returned by the venue when canceling an order that
	// already filled or no longer exists. Benign during cancel-all.
	ErrOrderNotOpen = errors.New("order not open")

	// ErrExecutorClosed is returned by Submit after shutdown began.
	ErrExecutorClosed = errors.New("executor closed")

	// ErrCircuitOpen is returned when the submission breaker refuses a request.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrFeedDegraded is reported when a feed exhausts its reconnect budget.
	ErrFeedDegraded = errors.New("feed degraded")

	// ErrRiskStateCorrupted is fatal: the throttle found its own counters inconsistent.
	ErrRiskStateCorrupted = errors.New("risk state corrupted")
)
