package binance

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDataUnavailable means the exchange holds no data for the requested
	// timestamp: empty history, beyond retention or no history endpoint for
	// the cadence.
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrInvalidRequest is returned for requests that can never succeed.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrMalformedResponse wraps payloads that could not be decoded.
	ErrMalformedResponse = errors.New("malformed response")
)

// Binance error codes the classifier cares about.
const (
	CodeTooManyRequests = -1003
	CodeInvalidSymbol   = -1121
)

// APIError is a non-2xx response from the exchange.
type APIError struct {
	Endpoint   string
	StatusCode int
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("binance %s returned status %d (code %d): %s", e.Endpoint, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("binance %s returned status %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// InvalidSymbol reports the -1121 code. Older payloads carry it unsigned.
func (e *APIError) InvalidSymbol() bool {
	return e.Code == CodeInvalidSymbol || e.Code == -CodeInvalidSymbol
}
