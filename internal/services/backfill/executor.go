package backfill

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/services/collector"
	"binance-oi-collector/internal/utils"
)

// Result counts what one symbol's backfill did.
type Result struct {
	Symbol      string `json:"symbol"`
	Total       int    `json:"total"`
	Processed   int    `json:"processed"`
	Succeeded   int    `json:"succeeded"`
	Skipped     int    `json:"skipped"`
	Unavailable int    `json:"unavailable"`
	Failed      int    `json:"failed"`
	// Stopped is set when a permanent failure abandoned the remaining items.
	Stopped   bool `json:"stopped"`
	Cancelled bool `json:"cancelled"`
}

func (r *Result) add(o Result) {
	r.Total += o.Total
	r.Processed += o.Processed
	r.Succeeded += o.Succeeded
	r.Skipped += o.Skipped
	r.Unavailable += o.Unavailable
	r.Failed += o.Failed
	r.Cancelled = r.Cancelled || o.Cancelled
}

// Summary aggregates a multi-symbol backfill.
type Summary struct {
	Result
	Symbols map[string]Result `json:"symbols"`
}

// ProgressFunc is called after every item with the running totals of the
// symbol the item belongs to. Calls are serialized.
type ProgressFunc func(progress Result, last collector.Result)

type Executor struct {
	collector *collector.Collector
	workers   int
	chunk     int
	log       *logrus.Logger
}

func NewExecutor(c *collector.Collector, workers, chunk int, log *logrus.Logger) *Executor {
	if workers < 1 {
		workers = 1
	}
	if chunk < 1 {
		chunk = 1
	}
	return &Executor{
		collector: c,
		workers:   workers,
		chunk:     chunk,
		log:       log,
	}
}

func normalize(timestamps []time.Time) []time.Time {
	out := make([]time.Time, 0, len(timestamps))
	seen := make(map[int64]struct{}, len(timestamps))
	for _, ts := range timestamps {
		ms := ts.UnixMilli()
		if _, ok := seen[ms]; ok {
			continue
		}
		seen[ms] = struct{}{}
		out = append(out, ts.UTC())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Backfill resolves timestamps of one symbol in ascending order, one fetch at
// a time. Re-running it over the same list is safe: timestamps already stored
// resolve as no-op duplicates.
func (e *Executor) Backfill(ctx context.Context, symbol string, cadence models.Cadence, timestamps []time.Time, progress ProgressFunc) Result {
	items := normalize(timestamps)
	res := Result{Symbol: symbol, Total: len(items)}
	if progress == nil {
		progress = func(Result, collector.Result) {}
	}

	size := 1
	if cadence == models.CadenceHistorical {
		size = e.chunk
	}

	for start := 0; start < len(items) && !res.Stopped && !res.Cancelled; {
		if stop, _ := utils.ShouldStopCtx(ctx, e.log); stop {
			res.Cancelled = true
			break
		}
		chunk := items[start:min(start+size, len(items))]
		if cadence == models.CadenceHistorical {
			chunk = splitChunk(chunk, cadence, e.chunk)
		}

		e.collector.CollectRange(ctx, symbol, cadence, chunk, func(r collector.Result) {
			if res.Stopped || res.Cancelled {
				return
			}
			switch r.Outcome {
			case collector.OutcomeCancelled:
				res.Cancelled = true
				return
			case collector.OutcomeStored, collector.OutcomeEstimated:
				res.Succeeded++
			case collector.OutcomeDuplicate:
				res.Skipped++
			case collector.OutcomeUnavailable:
				res.Unavailable++
			case collector.OutcomeFailed:
				res.Failed++
				if r.Kind == models.ErrorKindPermanent {
					res.Stopped = true
				}
			}
			res.Processed++
			progress(res, r)
		})
		start += len(chunk)
	}

	if res.Stopped {
		remaining := res.Total - res.Processed
		res.Failed += remaining
		res.Processed += remaining
		e.log.Warn("Backfill stopped after permanent failure", logrus.Fields{
			"symbol":    symbol,
			"abandoned": remaining,
		})
	}

	e.log.Info("Backfill finished", logrus.Fields{
		"symbol":      symbol,
		"cadence":     cadence,
		"total":       res.Total,
		"succeeded":   res.Succeeded,
		"skipped":     res.Skipped,
		"unavailable": res.Unavailable,
		"failed":      res.Failed,
		"cancelled":   res.Cancelled,
	})
	return res
}

// splitChunk cuts chunk at the first item that would stretch the fetch
// window beyond max points.
func splitChunk(chunk []time.Time, cadence models.Cadence, max int) []time.Time {
	limit := chunk[0].Add(time.Duration(max-1) * cadence.Step())
	for i, ts := range chunk {
		if ts.After(limit) {
			return chunk[:i]
		}
	}
	return chunk
}

// BackfillAll runs Backfill for every symbol, at most workers symbols at a
// time.
func (e *Executor) BackfillAll(ctx context.Context, cadence models.Cadence, gaps map[string][]time.Time, progress ProgressFunc) Summary {
	summary := Summary{Symbols: make(map[string]Result, len(gaps))}

	symbols := make([]string, 0, len(gaps))
	for symbol := range gaps {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var mu sync.Mutex
	guarded := func(p Result, last collector.Result) {
		if progress == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		progress(p, last)
	}

	var g errgroup.Group
	g.SetLimit(e.workers)
	for _, symbol := range symbols {
		symbol := symbol
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res := e.Backfill(ctx, symbol, cadence, gaps[symbol], guarded)
			mu.Lock()
			summary.Symbols[symbol] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, symbol := range symbols {
		res, ok := summary.Symbols[symbol]
		if !ok {
			res = Result{Symbol: symbol, Total: len(gaps[symbol]), Cancelled: true}
			summary.Symbols[symbol] = res
		}
		summary.add(res)
	}
	return summary
}
