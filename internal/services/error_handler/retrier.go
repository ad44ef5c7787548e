package error_handler

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"binance-oi-collector/internal/config"
	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/utils"
)

// Failure is the terminal outcome of a retried operation.
type Failure struct {
	Kind      models.ErrorKind
	Attempts  int
	Exhausted bool
	Err       error
}

func (f *Failure) Error() string {
	if f.Exhausted {
		return fmt.Sprintf("%s after %d attempts (retries exhausted): %v", f.Kind, f.Attempts, f.Err)
	}
	return fmt.Sprintf("%s after %d attempts: %v", f.Kind, f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Retrier is the only place a failed fetch is retried.
type Retrier struct {
	classifier *Classifier
	cfg        config.RetryConfig
	clock      utils.Clock
	log        *logrus.Logger
}

func NewRetrier(classifier *Classifier, cfg config.RetryConfig, clock utils.Clock, log *logrus.Logger) *Retrier {
	return &Retrier{
		classifier: classifier,
		cfg:        cfg,
		clock:      clock,
		log:        log,
	}
}

func (r *Retrier) Classifier() *Classifier {
	return r.classifier
}

// Do runs op until it succeeds or the classifier stops it. It returns nil on
// success, ctx.Err() when ctx is done, and a *Failure otherwise. Transient
// and rate limited failures that run out of attempts are reported as
// data_unavailable.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0
	for {
		attempt++
		err := r.attempt(ctx, op)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		kind := r.classifier.Classify(err)
		directive := r.classifier.Directive(kind, attempt, err)
		if !directive.Retry {
			failure := &Failure{Kind: kind, Attempts: attempt, Err: err}
			if kind == models.ErrorKindTransient || kind == models.ErrorKindRateLimited {
				failure.Kind = models.ErrorKindDataUnavailable
				failure.Exhausted = true
			}
			return failure
		}

		r.log.Debug("Retrying after failed attempt", logrus.Fields{
			"attempt": attempt,
			"kind":    kind,
			"delay":   directive.Delay.String(),
			"error":   err.Error(),
		})
		if err := utils.SleepCtx(ctx, r.clock, directive.Delay); err != nil {
			return err
		}
	}
}

func (r *Retrier) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if r.cfg.AttemptTimeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	defer cancel()
	return op(attemptCtx)
}
