package backfill

import (
	"context"
	"io"
	"net/http"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"binance-oi-collector/internal/config"
	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/repository"
	"binance-oi-collector/internal/services/binance"
	"binance-oi-collector/internal/services/collector"
	"binance-oi-collector/internal/services/error_handler"
	"binance-oi-collector/internal/services/gap_scanner"
)

type stubClock struct{ now time.Time }

func (c stubClock) Now() time.Time { return c.now }

func (stubClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

// historySource serves every timestamp except those in missing, and fails
// permanently for symbols in invalid.
type historySource struct {
	mu      sync.Mutex
	missing map[int64]bool
	invalid map[string]bool
	calls   map[string]int
}

func newHistorySource() *historySource {
	return &historySource{missing: map[int64]bool{}, invalid: map[string]bool{}, calls: map[string]int{}}
}

func (h *historySource) FetchPoint(ctx context.Context, symbol string, cadence models.Cadence, ts time.Time) (models.Snapshot, error) {
	points, err := h.FetchWindow(ctx, symbol, cadence, ts, ts)
	if err != nil {
		return models.Snapshot{}, err
	}
	if len(points) == 0 {
		return models.Snapshot{}, binance.ErrDataUnavailable
	}
	return points[0], nil
}

func (h *historySource) FetchWindow(ctx context.Context, symbol string, cadence models.Cadence, start, end time.Time) ([]models.Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[symbol]++
	if h.invalid[symbol] {
		return nil, &binance.APIError{StatusCode: http.StatusBadRequest, Code: binance.CodeInvalidSymbol}
	}
	var out []models.Snapshot
	for ts := start; !ts.After(end); ts = ts.Add(cadence.Step()) {
		if h.missing[ts.UnixMilli()] {
			continue
		}
		out = append(out, models.Snapshot{Symbol: symbol, Cadence: cadence, Timestamp: ts, OpenInterest: float64(ts.Minute())})
	}
	return out, nil
}

type fixture struct {
	executor   *Executor
	source     *historySource
	partitions repository.PartitionRepository
	scanner    *gap_scanner.Scanner
}

func newFixture(t *testing.T, chunk int) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := logrus.New()
	log.SetOutput(io.Discard)
	clock := stubClock{now: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)}
	retry := config.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	f := &fixture{
		source:     newHistorySource(),
		partitions: repository.NewPartitionRepository(dir),
	}
	skips := repository.NewSkipLedgerRepository(dir, clock)
	c := collector.NewCollector(collector.Dependencies{
		Source:     f.source,
		Partitions: f.partitions,
		Skips:      skips,
		Retrier:    error_handler.NewRetrier(error_handler.NewClassifier(retry), retry, clock, log),
		Clock:      clock,
		Log:        log,
		SkipAfter:  time.Hour,
	})
	f.executor = NewExecutor(c, 4, chunk, log)
	f.scanner = gap_scanner.NewScanner(f.partitions, skips, config.SchedulerConfig{HistoryWindow: 720 * time.Hour, TrailingBuffer: time.Hour}, log)
	return f
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 1, hour, minute, 0, 0, time.UTC)
}

func (f *fixture) stored(t *testing.T, symbol string) []time.Time {
	t.Helper()
	rows, err := f.partitions.Read(context.Background(), symbol, models.CadenceHistorical, at(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	out := make([]time.Time, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Timestamp)
	}
	return out
}

func TestExecutor_ScenarioFillsGaps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 288)
	for _, ts := range []time.Time{at(10, 0), at(10, 5), at(10, 15)} {
		if _, err := f.partitions.Append(ctx, models.Snapshot{Symbol: "BTCUSDT", Cadence: models.CadenceHistorical, Timestamp: ts, OpenInterest: 1}); err != nil {
			t.Fatal(err)
		}
	}

	gaps, err := f.scanner.ComputeGaps(ctx, "BTCUSDT", models.CadenceHistorical, gap_scanner.Window{Start: at(10, 0), End: at(10, 20)})
	if err != nil {
		t.Fatal(err)
	}
	res := f.executor.Backfill(ctx, "BTCUSDT", models.CadenceHistorical, gaps, nil)
	if res.Succeeded != 2 || res.Failed != 0 {
		t.Fatalf("Backfill() = %+v, want 2 succeeded", res)
	}

	want := []time.Time{at(10, 0), at(10, 5), at(10, 10), at(10, 15), at(10, 20)}
	if got := f.stored(t, "BTCUSDT"); !reflect.DeepEqual(got, want) {
		t.Errorf("stored = %v, want %v", got, want)
	}
}

func TestExecutor_BackfillIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	var gaps []time.Time
	for m := 0; m < 60; m += 5 {
		gaps = append(gaps, at(9, m))
	}
	// unsorted input with a duplicate
	input := append([]time.Time{gaps[5]}, gaps...)

	first := f.executor.Backfill(ctx, "ETHUSDT", models.CadenceHistorical, input, nil)
	afterFirst := f.stored(t, "ETHUSDT")
	second := f.executor.Backfill(ctx, "ETHUSDT", models.CadenceHistorical, input, nil)
	afterSecond := f.stored(t, "ETHUSDT")

	if first.Total != len(gaps) || first.Succeeded != len(gaps) {
		t.Errorf("first Backfill() = %+v", first)
	}
	if second.Succeeded != 0 || second.Skipped != len(gaps) {
		t.Errorf("second Backfill() = %+v, want all skipped", second)
	}
	if !reflect.DeepEqual(afterFirst, afterSecond) || len(afterSecond) != len(gaps) {
		t.Errorf("stored set changed: %d then %d rows", len(afterFirst), len(afterSecond))
	}
	if !sort.SliceIsSorted(afterSecond, func(i, j int) bool { return afterSecond[i].Before(afterSecond[j]) }) {
		t.Error("stored rows not ascending")
	}
}

func TestExecutor_ProgressIsIncremental(t *testing.T) {
	f := newFixture(t, 2)
	f.source.missing[at(10, 5).UnixMilli()] = true

	var processed []int
	res := f.executor.Backfill(context.Background(), "BTCUSDT", models.CadenceHistorical,
		[]time.Time{at(10, 0), at(10, 5), at(10, 10)},
		func(p Result, last collector.Result) { processed = append(processed, p.Processed) })

	if !reflect.DeepEqual(processed, []int{1, 2, 3}) {
		t.Errorf("progress calls = %v, want [1 2 3]", processed)
	}
	if res.Succeeded != 2 || res.Unavailable != 1 {
		t.Errorf("Backfill() = %+v", res)
	}
}

func TestExecutor_PermanentFailureStopsSymbol(t *testing.T) {
	f := newFixture(t, 2)
	f.source.invalid["BADUSDT"] = true

	res := f.executor.Backfill(context.Background(), "BADUSDT", models.CadenceHistorical,
		[]time.Time{at(10, 0), at(10, 5), at(10, 10), at(10, 15), at(10, 20)}, nil)

	if !res.Stopped || res.Failed != 5 || res.Processed != 5 {
		t.Errorf("Backfill() = %+v, want stopped with 5 failed", res)
	}
	if f.source.calls["BADUSDT"] != 1 {
		t.Errorf("source called %d times after permanent failure, want 1", f.source.calls["BADUSDT"])
	}
}

func TestExecutor_BackfillAll(t *testing.T) {
	f := newFixture(t, 288)
	f.source.invalid["BADUSDT"] = true
	gaps := map[string][]time.Time{}
	for i, symbol := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BADUSDT", "BNBUSDT"} {
		for m := 0; m <= i*5; m += 5 {
			gaps[symbol] = append(gaps[symbol], at(11, m))
		}
	}

	var mu sync.Mutex
	calls := 0
	summary := f.executor.BackfillAll(context.Background(), models.CadenceHistorical, gaps, func(Result, collector.Result) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	if len(summary.Symbols) != 5 {
		t.Fatalf("summary has %d symbols, want 5", len(summary.Symbols))
	}
	if summary.Symbols["BADUSDT"].Failed != 4 {
		t.Errorf("BADUSDT = %+v, want 4 failed", summary.Symbols["BADUSDT"])
	}
	if summary.Succeeded != 1+2+3+5 {
		t.Errorf("summary succeeded = %d, want 11", summary.Succeeded)
	}
	if calls == 0 {
		t.Error("progress never reported")
	}
	for symbol, res := range summary.Symbols {
		if res.Processed != res.Total {
			t.Errorf("%s processed %d of %d", symbol, res.Processed, res.Total)
		}
	}
}

func TestExecutor_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t, 288)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.executor.Backfill(ctx, "BTCUSDT", models.CadenceHistorical, []time.Time{at(10, 0)}, nil)
	if !res.Cancelled || res.Processed != 0 {
		t.Errorf("Backfill() = %+v, want cancelled without work", res)
	}
}
