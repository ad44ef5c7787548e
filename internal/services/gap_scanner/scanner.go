package gap_scanner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"binance-oi-collector/internal/config"
	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/repository"
	"binance-oi-collector/internal/utils"
)

// Window is an inclusive time range.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) Empty() bool {
	return w.End.Before(w.Start)
}

// GapSummary lists the missing timestamps of every symbol of a task over its
// recovery window. Symbols without gaps are omitted.
type GapSummary struct {
	TaskID  string                 `json:"task_id"`
	Cadence models.Cadence         `json:"cadence"`
	Window  Window                 `json:"window"`
	Gaps    map[string][]time.Time `json:"gaps"`
	Total   int                    `json:"total"`
}

// Symbols returns the symbols that have at least one gap, sorted.
func (g GapSummary) Symbols() []string {
	out := make([]string, 0, len(g.Gaps))
	for symbol, gaps := range g.Gaps {
		if len(gaps) > 0 {
			out = append(out, symbol)
		}
	}
	sort.Strings(out)
	return out
}

type Scanner struct {
	partitions repository.PartitionRepository
	skips      repository.SkipLedgerRepository
	cfg        config.SchedulerConfig
	log        *logrus.Logger
}

func NewScanner(partitions repository.PartitionRepository, skips repository.SkipLedgerRepository, cfg config.SchedulerConfig, log *logrus.Logger) *Scanner {
	return &Scanner{
		partitions: partitions,
		skips:      skips,
		cfg:        cfg,
		log:        log,
	}
}

// ExpectedTimestamps enumerates the cadence boundaries inside window, the
// start rounded up to the first boundary.
func ExpectedTimestamps(cadence models.Cadence, window Window) []time.Time {
	if !cadence.Valid() || window.Empty() {
		return nil
	}
	step := cadence.Step()
	end := window.End.UTC()
	var out []time.Time
	for ts := cadence.AlignUp(window.Start.UTC()); !ts.After(end); ts = ts.Add(step) {
		out = append(out, ts)
	}
	return out
}

// ComputeGaps returns the expected timestamps of window that are neither
// stored nor recorded as unavailable, ascending and without duplicates.
func (s *Scanner) ComputeGaps(ctx context.Context, symbol string, cadence models.Cadence, window Window) ([]time.Time, error) {
	expected := ExpectedTimestamps(cadence, window)
	if len(expected) == 0 {
		return nil, nil
	}

	present, err := s.partitions.Timestamps(ctx, symbol, cadence, expected[0], expected[len(expected)-1])
	if err != nil {
		return nil, fmt.Errorf("failed to list stored timestamps for %s: %w", symbol, err)
	}
	var skipped map[int64]struct{}
	if s.skips != nil {
		skipped, err = s.skips.Skipped(ctx, symbol, cadence)
		if err != nil {
			return nil, fmt.Errorf("failed to read skip ledger for %s: %w", symbol, err)
		}
	}

	gaps := make([]time.Time, 0)
	for _, ts := range expected {
		ms := ts.UnixMilli()
		if _, ok := present[ms]; ok {
			continue
		}
		if _, ok := skipped[ms]; ok {
			continue
		}
		gaps = append(gaps, ts)
	}
	return gaps, nil
}

// HistoricalWindow is the rolling range the 5m sweep keeps complete: the
// retention period up to now, minus the trailing buffer the exchange has not
// published yet.
func (s *Scanner) HistoricalWindow(now time.Time) Window {
	return Window{
		Start: now.Add(-s.cfg.HistoryWindow).UTC(),
		End:   now.Add(-s.cfg.TrailingBuffer).UTC(),
	}
}

// RecoveryWindow only ever fills forward from the last confirmed execution.
// A task without a confirmed execution is recovered from its policy start.
func (s *Scanner) RecoveryWindow(task models.Task, now time.Time) Window {
	var policyStart time.Time
	end := now.UTC()
	switch task.Kind {
	case models.TaskKindScheduled:
		policyStart = now.Add(-s.cfg.HistoryWindow)
	case models.TaskKindContinuous:
		policyStart = task.StartedAt
		if deadline := task.Deadline(); !deadline.IsZero() {
			end = utils.MinTime(end, deadline)
		}
	case models.TaskKindBatch:
		if task.WindowStart != nil {
			policyStart = *task.WindowStart
		}
		if task.WindowEnd != nil {
			end = utils.MinTime(end, *task.WindowEnd)
		}
	}
	start := policyStart
	if task.ExecutionsCompleted > 0 {
		start = utils.MaxTime(policyStart, task.LastExecutionAt)
	}
	return Window{Start: start.UTC(), End: end.UTC()}
}

func (s *Scanner) Summarize(ctx context.Context, task models.Task, now time.Time) (GapSummary, error) {
	window := s.RecoveryWindow(task, now)
	summary := GapSummary{
		TaskID:  task.ID,
		Cadence: task.Cadence,
		Window:  window,
		Gaps:    map[string][]time.Time{},
	}
	for _, symbol := range task.Symbols {
		gaps, err := s.ComputeGaps(ctx, symbol, task.Cadence, window)
		if err != nil {
			return GapSummary{}, err
		}
		if len(gaps) == 0 {
			continue
		}
		summary.Gaps[symbol] = gaps
		summary.Total += len(gaps)
	}

	s.log.Info("Computed recovery gaps", logrus.Fields{
		"task_id": task.ID,
		"kind":    task.Kind,
		"from":    window.Start.Format(time.RFC3339),
		"to":      window.End.Format(time.RFC3339),
		"gaps":    summary.Total,
		"symbols": len(summary.Gaps),
	})
	return summary, nil
}
