package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/repository"
	"binance-oi-collector/internal/services/error_handler"
	"binance-oi-collector/internal/utils"
)

// DataSource is the exchange side of the fetch path.
type DataSource interface {
	FetchPoint(ctx context.Context, symbol string, cadence models.Cadence, ts time.Time) (models.Snapshot, error)
	FetchWindow(ctx context.Context, symbol string, cadence models.Cadence, start, end time.Time) ([]models.Snapshot, error)
}

// Estimator produces a lower fidelity snapshot when the exchange has none.
type Estimator interface {
	Estimate(ctx context.Context, symbol string, cadence models.Cadence, ts time.Time) (models.Snapshot, error)
}

type Publisher interface {
	Publish(ctx context.Context, snapshot models.Snapshot) error
}

type Notifier interface {
	Notify(ctx context.Context, message string) error
}

type ErrorRecorder interface {
	Record(detail models.ErrorDetail)
}

type Outcome string

const (
	OutcomeStored      Outcome = "stored"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeEstimated   Outcome = "estimated"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeFailed      Outcome = "failed"
	OutcomeCancelled   Outcome = "cancelled"
)

// Result is what became of one (symbol, timestamp) target. Every fetch ends
// in exactly one Result; no error escapes the collector.
type Result struct {
	Symbol    string
	Cadence   models.Cadence
	Timestamp time.Time
	Outcome   Outcome
	Kind      models.ErrorKind
	Err       error
}

// Written reports whether the target now has a stored row.
func (r Result) Written() bool {
	return r.Outcome == OutcomeStored || r.Outcome == OutcomeEstimated || r.Outcome == OutcomeDuplicate
}

type Dependencies struct {
	Source     DataSource
	Partitions repository.PartitionRepository
	Skips      repository.SkipLedgerRepository
	Retrier    *error_handler.Retrier
	Recorder   ErrorRecorder
	Estimator  Estimator
	Publisher  Publisher
	Notifier   Notifier
	Clock      utils.Clock
	Log        *logrus.Logger
	// SkipAfter is how old a historical timestamp must be before a missing
	// point is written to the skip ledger.
	SkipAfter time.Duration
}

type Collector struct {
	Dependencies

	alertMu sync.Mutex
	alerted map[string]bool
}

func NewCollector(deps Dependencies) *Collector {
	if deps.Clock == nil {
		deps.Clock = utils.RealClock()
	}
	return &Collector{Dependencies: deps}
}

// Collect resolves a single target: idempotence check, fetch through the
// retrier, append.
func (c *Collector) Collect(ctx context.Context, symbol string, cadence models.Cadence, ts time.Time) Result {
	ts = ts.UTC()
	if ctx.Err() != nil {
		return c.cancelled(symbol, cadence, ts)
	}

	has, err := c.Partitions.Has(ctx, symbol, cadence, ts)
	if err != nil {
		return c.storageFailure(ctx, symbol, cadence, ts, err)
	}
	if has {
		return Result{Symbol: symbol, Cadence: cadence, Timestamp: ts, Outcome: OutcomeDuplicate}
	}

	var snapshot models.Snapshot
	err = c.Retrier.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		snapshot, fetchErr = c.Source.FetchPoint(ctx, symbol, cadence, ts)
		return fetchErr
	})
	if err != nil {
		return c.resolveFailure(ctx, symbol, cadence, ts, err, true)
	}
	return c.store(ctx, snapshot, OutcomeStored)
}

// CollectRange resolves ascending timestamps of one symbol with a single
// window request and calls each for every target in order.
func (c *Collector) CollectRange(ctx context.Context, symbol string, cadence models.Cadence, timestamps []time.Time, each func(Result)) {
	if len(timestamps) == 0 {
		return
	}
	if cadence != models.CadenceHistorical {
		for _, ts := range timestamps {
			each(c.Collect(ctx, symbol, cadence, ts))
		}
		return
	}
	if ctx.Err() != nil {
		for _, ts := range timestamps {
			each(c.cancelled(symbol, cadence, ts))
		}
		return
	}

	first, last := timestamps[0], timestamps[len(timestamps)-1]
	present, err := c.Partitions.Timestamps(ctx, symbol, cadence, first, last)
	if err != nil {
		for _, ts := range timestamps {
			each(c.storageFailure(ctx, symbol, cadence, ts, err))
		}
		return
	}

	missing := make([]time.Time, 0, len(timestamps))
	for _, ts := range timestamps {
		if _, ok := present[ts.UnixMilli()]; !ok {
			missing = append(missing, ts)
		}
	}

	var points []models.Snapshot
	var fetchErr error
	if len(missing) > 0 {
		fetchErr = c.Retrier.Do(ctx, func(ctx context.Context) error {
			var err error
			points, err = c.Source.FetchWindow(ctx, symbol, cadence, missing[0], missing[len(missing)-1])
			return err
		})
	}
	byTimestamp := make(map[int64]models.Snapshot, len(points))
	for _, p := range points {
		byTimestamp[p.Timestamp.UnixMilli()] = p
	}

	recorded := false
	for _, ts := range timestamps {
		ms := ts.UnixMilli()
		if _, ok := present[ms]; ok {
			each(Result{Symbol: symbol, Cadence: cadence, Timestamp: ts, Outcome: OutcomeDuplicate})
			continue
		}
		if fetchErr != nil {
			// one error detail per failed window, not per point
			each(c.resolveFailure(ctx, symbol, cadence, ts, fetchErr, !recorded))
			recorded = true
			continue
		}
		if ctx.Err() != nil {
			each(c.cancelled(symbol, cadence, ts))
			continue
		}
		if p, ok := byTimestamp[ms]; ok {
			each(c.store(ctx, p, OutcomeStored))
			continue
		}
		missingErr := &error_handler.Failure{
			Kind:     models.ErrorKindDataUnavailable,
			Attempts: 1,
			Err:      fmt.Errorf("no %s point for %s at %s in window", cadence, symbol, ts.Format(time.RFC3339)),
		}
		each(c.resolveFailure(ctx, symbol, cadence, ts, missingErr, true))
	}
}

func (c *Collector) store(ctx context.Context, snapshot models.Snapshot, outcome Outcome) Result {
	result := Result{Symbol: snapshot.Symbol, Cadence: snapshot.Cadence, Timestamp: snapshot.Timestamp, Outcome: outcome}
	stored, err := c.Partitions.Append(ctx, snapshot)
	if err != nil {
		return c.storageFailure(ctx, snapshot.Symbol, snapshot.Cadence, snapshot.Timestamp, err)
	}
	if !stored {
		result.Outcome = OutcomeDuplicate
		return result
	}
	if c.Publisher != nil {
		if err := c.Publisher.Publish(ctx, snapshot); err != nil {
			c.Log.Warn("Failed to publish snapshot", logrus.Fields{
				"symbol": snapshot.Symbol,
				"error":  err.Error(),
			})
		}
	}
	return result
}

func (c *Collector) cancelled(symbol string, cadence models.Cadence, ts time.Time) Result {
	return Result{Symbol: symbol, Cadence: cadence, Timestamp: ts, Outcome: OutcomeCancelled, Err: context.Canceled}
}

func (c *Collector) storageFailure(ctx context.Context, symbol string, cadence models.Cadence, ts time.Time, err error) Result {
	if ctx.Err() != nil {
		return c.cancelled(symbol, cadence, ts)
	}
	c.Log.Error("Partition store failure", logrus.Fields{
		"symbol":    symbol,
		"cadence":   cadence,
		"timestamp": ts.Format(time.RFC3339),
		"error":     err.Error(),
	})
	return Result{Symbol: symbol, Cadence: cadence, Timestamp: ts, Outcome: OutcomeFailed, Kind: models.ErrorKindTransient, Err: err}
}

// resolveFailure turns a retrier error into a Result, recording it on the
// way. Unavailable points go to the estimator first, then the skip ledger.
func (c *Collector) resolveFailure(ctx context.Context, symbol string, cadence models.Cadence, ts time.Time, err error, record bool) Result {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return c.cancelled(symbol, cadence, ts)
	}

	var failure *error_handler.Failure
	if !errors.As(err, &failure) {
		failure = &error_handler.Failure{Kind: models.ErrorKindTransient, Attempts: 1, Err: err}
	}
	result := Result{Symbol: symbol, Cadence: cadence, Timestamp: ts, Kind: failure.Kind, Err: failure}

	if record && c.Recorder != nil {
		c.Recorder.Record(models.ErrorDetail{
			Symbol:    symbol,
			Kind:      failure.Kind,
			Cadence:   cadence,
			Message:   failure.Error(),
			Target:    ts,
			Attempts:  failure.Attempts,
			Timestamp: c.Clock.Now(),
		})
	}

	fields := logrus.Fields{
		"symbol":    symbol,
		"cadence":   cadence,
		"timestamp": ts.Format(time.RFC3339),
		"kind":      failure.Kind,
		"attempts":  failure.Attempts,
		"error":     failure.Err.Error(),
	}

	switch failure.Kind {
	case models.ErrorKindDataUnavailable:
		final := c.permanentlyUnavailable(cadence, ts)
		if final {
			if estimated, ok := c.estimate(ctx, symbol, cadence, ts); ok {
				return estimated
			}
		}
		if final && c.Skips != nil {
			if err := c.Skips.Add(ctx, symbol, cadence, ts, failure.Error()); err != nil {
				c.Log.Warn("Failed to record unavailable timestamp", logrus.Fields{"symbol": symbol, "error": err.Error()})
			}
		}
		c.Log.Debug("Snapshot unavailable", fields)
		result.Outcome = OutcomeUnavailable
	case models.ErrorKindPermanent:
		c.Log.Error("Permanent fetch failure", fields)
		if record && c.Notifier != nil && c.firstAlert(symbol, failure.Kind) {
			msg := fmt.Sprintf("Permanent failure for %s (%s): %s", symbol, cadence, utils.Truncate(failure.Err.Error(), 300))
			if err := c.Notifier.Notify(ctx, msg); err != nil {
				c.Log.Warn("Failed to send notification", logrus.Fields{"error": err.Error()})
			}
		}
		result.Outcome = OutcomeFailed
	default:
		c.Log.Warn("Fetch failed", fields)
		result.Outcome = OutcomeFailed
	}
	return result
}

// firstAlert reports whether (symbol, kind) has not been alerted on yet by
// this collector. Live ticks re-poll a dead symbol every minute.
func (c *Collector) firstAlert(symbol string, kind models.ErrorKind) bool {
	key := symbol + "|" + string(kind)
	c.alertMu.Lock()
	defer c.alertMu.Unlock()
	if c.alerted[key] {
		return false
	}
	if c.alerted == nil {
		c.alerted = make(map[string]bool)
	}
	c.alerted[key] = true
	return true
}

// permanentlyUnavailable reports whether a missing point can never appear
// later: the live cadence has no history, and history older than SkipAfter
// is final.
func (c *Collector) permanentlyUnavailable(cadence models.Cadence, ts time.Time) bool {
	if cadence == models.CadenceRealtime {
		return true
	}
	return c.Clock.Now().Sub(ts) > c.SkipAfter
}

func (c *Collector) estimate(ctx context.Context, symbol string, cadence models.Cadence, ts time.Time) (Result, bool) {
	if c.Estimator == nil {
		return Result{}, false
	}
	var snapshot models.Snapshot
	err := c.Retrier.Do(ctx, func(ctx context.Context) error {
		var estErr error
		snapshot, estErr = c.Estimator.Estimate(ctx, symbol, cadence, ts)
		return estErr
	})
	if err != nil {
		c.Log.Debug("Estimate unavailable", logrus.Fields{"symbol": symbol, "timestamp": ts.Format(time.RFC3339), "error": err.Error()})
		return Result{}, false
	}
	snapshot.Source = models.SourceKlineEstimate
	result := c.store(ctx, snapshot, OutcomeEstimated)
	return result, result.Outcome != OutcomeFailed
}
