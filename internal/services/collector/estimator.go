package collector

import (
	"context"
	"fmt"
	"time"

	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/repository"
	"binance-oi-collector/internal/services/binance"
)

type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Kline, error)
}

// KlineEstimator fills a missing point by carrying the latest exchange
// reported 5m open interest forward and pricing it with the candle close of
// the target slot.
type KlineEstimator struct {
	klines     KlineSource
	partitions repository.PartitionRepository
	maxAge     time.Duration
}

func NewKlineEstimator(klines KlineSource, partitions repository.PartitionRepository, maxAge time.Duration) *KlineEstimator {
	return &KlineEstimator{
		klines:     klines,
		partitions: partitions,
		maxAge:     maxAge,
	}
}

func (e *KlineEstimator) Estimate(ctx context.Context, symbol string, cadence models.Cadence, ts time.Time) (models.Snapshot, error) {
	anchor, err := e.anchor(ctx, symbol, ts)
	if err != nil {
		return models.Snapshot{}, err
	}

	klines, err := e.klines.GetKlines(ctx, symbol, string(cadence), ts, ts.Add(cadence.Step()-time.Millisecond))
	if err != nil {
		return models.Snapshot{}, err
	}
	for _, k := range klines {
		if !k.OpenTime.Equal(ts) {
			continue
		}
		value := anchor.OpenInterest * k.Close
		return models.Snapshot{
			Symbol:               symbol,
			Cadence:              cadence,
			Timestamp:            ts,
			OpenInterest:         anchor.OpenInterest,
			SumOpenInterestValue: &value,
			Source:               models.SourceKlineEstimate,
		}, nil
	}
	return models.Snapshot{}, fmt.Errorf("%w: no %s kline for %s at %s", binance.ErrDataUnavailable, cadence, symbol, ts.Format(time.RFC3339))
}

// anchor finds the latest exchange sourced 5m snapshot at or before ts and
// no older than maxAge.
func (e *KlineEstimator) anchor(ctx context.Context, symbol string, ts time.Time) (models.Snapshot, error) {
	oldest := ts.Add(-e.maxAge)
	for day := ts; !day.Before(oldest.AddDate(0, 0, -1)); day = day.AddDate(0, 0, -1) {
		rows, err := e.partitions.Read(ctx, symbol, models.CadenceHistorical, day)
		if err != nil {
			return models.Snapshot{}, err
		}
		for i := len(rows) - 1; i >= 0; i-- {
			row := rows[i]
			if row.Source != models.SourceExchange || row.Timestamp.After(ts) {
				continue
			}
			if row.Timestamp.Before(oldest) {
				return models.Snapshot{}, e.noAnchor(symbol, ts)
			}
			return row, nil
		}
	}
	return models.Snapshot{}, e.noAnchor(symbol, ts)
}

func (e *KlineEstimator) noAnchor(symbol string, ts time.Time) error {
	return fmt.Errorf("%w: no open interest anchor for %s within %s of %s", binance.ErrDataUnavailable, symbol, e.maxAge, ts.Format(time.RFC3339))
}
