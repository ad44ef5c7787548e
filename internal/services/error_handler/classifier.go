package error_handler

import (
	"errors"
	"net/http"
	"time"

	"binance-oi-collector/internal/config"
	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/services/binance"
)

// Directive tells the retry loop what to do after a failed attempt.
type Directive struct {
	Retry bool
	Delay time.Duration
}

type Classifier struct {
	cfg config.RetryConfig
}

func NewClassifier(cfg config.RetryConfig) *Classifier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Classifier{cfg: cfg}
}

func (c *Classifier) MaxAttempts() int {
	return c.cfg.MaxAttempts
}

// Classify maps a fetch failure to its error kind. Unknown failures are
// treated as transient so they stay bounded by the attempt limit.
func (c *Classifier) Classify(err error) models.ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, binance.ErrDataUnavailable) {
		return models.ErrorKindDataUnavailable
	}
	if errors.Is(err, binance.ErrInvalidRequest) {
		return models.ErrorKindPermanent
	}

	var apiErr *binance.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusTeapot,
			apiErr.Code == binance.CodeTooManyRequests:
			return models.ErrorKindRateLimited
		case apiErr.InvalidSymbol():
			return models.ErrorKindPermanent
		case apiErr.StatusCode >= 500:
			return models.ErrorKindTransient
		case apiErr.StatusCode >= 400:
			return models.ErrorKindPermanent
		}
		return models.ErrorKindTransient
	}

	// timeouts, resets, refused connections, EOF, malformed payloads
	return models.ErrorKindTransient
}

// Directive decides whether attempt number `attempt` (1-based) is followed by
// another one and how long to wait first.
func (c *Classifier) Directive(kind models.ErrorKind, attempt int, err error) Directive {
	if attempt >= c.cfg.MaxAttempts {
		return Directive{}
	}
	switch kind {
	case models.ErrorKindTransient:
		return Directive{Retry: true, Delay: c.backoff(attempt)}
	case models.ErrorKindRateLimited:
		delay := c.cfg.RateLimitCooldown
		var apiErr *binance.APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > delay {
			delay = apiErr.RetryAfter
		}
		return Directive{Retry: true, Delay: delay}
	default:
		return Directive{}
	}
}

func (c *Classifier) backoff(attempt int) time.Duration {
	delay := c.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if c.cfg.MaxDelay > 0 && delay >= c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
	}
	if c.cfg.MaxDelay > 0 && delay > c.cfg.MaxDelay {
		return c.cfg.MaxDelay
	}
	return delay
}
