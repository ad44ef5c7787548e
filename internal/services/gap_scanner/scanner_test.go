package gap_scanner

import (
	"context"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"binance-oi-collector/internal/config"
	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/repository"
	"binance-oi-collector/internal/utils"
)

func newTestScanner(t *testing.T) (*Scanner, repository.PartitionRepository, repository.SkipLedgerRepository) {
	t.Helper()
	dir := t.TempDir()
	log := logrus.New()
	log.SetOutput(io.Discard)
	partitions := repository.NewPartitionRepository(dir)
	skips := repository.NewSkipLedgerRepository(dir, utils.RealClock())
	cfg := config.SchedulerConfig{HistoryWindow: 30 * 24 * time.Hour, TrailingBuffer: time.Hour}
	return NewScanner(partitions, skips, cfg, log), partitions, skips
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 1, hour, minute, 0, 0, time.UTC)
}

func store(t *testing.T, repo repository.PartitionRepository, symbol string, cadence models.Cadence, ts ...time.Time) {
	t.Helper()
	for _, v := range ts {
		if _, err := repo.Append(context.Background(), models.Snapshot{Symbol: symbol, Cadence: cadence, Timestamp: v, OpenInterest: 1}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
}

func TestExpectedTimestamps(t *testing.T) {
	tests := []struct {
		name    string
		cadence models.Cadence
		window  Window
		want    []time.Time
	}{
		{
			name:    "aligned bounds inclusive",
			cadence: models.CadenceHistorical,
			window:  Window{Start: at(10, 0), End: at(10, 10)},
			want:    []time.Time{at(10, 0), at(10, 5), at(10, 10)},
		},
		{
			name:    "start rounded up",
			cadence: models.CadenceHistorical,
			window:  Window{Start: at(10, 1), End: at(10, 12)},
			want:    []time.Time{at(10, 5), at(10, 10)},
		},
		{
			name:    "minute cadence",
			cadence: models.CadenceRealtime,
			window:  Window{Start: at(10, 0).Add(30 * time.Second), End: at(10, 2)},
			want:    []time.Time{at(10, 1), at(10, 2)},
		},
		{
			name:    "inverted window",
			cadence: models.CadenceHistorical,
			window:  Window{Start: at(11, 0), End: at(10, 0)},
			want:    nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpectedTimestamps(tt.cadence, tt.window); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExpectedTimestamps() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScanner_ComputeGapsScenario(t *testing.T) {
	s, partitions, _ := newTestScanner(t)
	store(t, partitions, "BTCUSDT", models.CadenceHistorical, at(10, 0), at(10, 5), at(10, 15))

	got, err := s.ComputeGaps(context.Background(), "BTCUSDT", models.CadenceHistorical, Window{Start: at(10, 0), End: at(10, 20)})
	if err != nil {
		t.Fatalf("ComputeGaps() error = %v", err)
	}
	want := []time.Time{at(10, 10), at(10, 20)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ComputeGaps() = %v, want %v", got, want)
	}
}

func TestScanner_ComputeGapsCompleteness(t *testing.T) {
	window := Window{Start: at(9, 0), End: at(11, 0)}
	expected := ExpectedTimestamps(models.CadenceHistorical, window)

	tests := []struct {
		name    string
		present func(i int) bool
	}{
		{name: "empty store", present: func(int) bool { return false }},
		{name: "full store", present: func(int) bool { return true }},
		{name: "every third", present: func(i int) bool { return i%3 == 0 }},
		{name: "first half", present: func(i int) bool { return i < len(expected)/2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, partitions, _ := newTestScanner(t)
			want := []time.Time{}
			for i, ts := range expected {
				if tt.present(i) {
					store(t, partitions, "ETHUSDT", models.CadenceHistorical, ts)
				} else {
					want = append(want, ts)
				}
			}

			got, err := s.ComputeGaps(context.Background(), "ETHUSDT", models.CadenceHistorical, window)
			if err != nil {
				t.Fatalf("ComputeGaps() error = %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("ComputeGaps() = %v, want %v", got, want)
			}
		})
	}
}

func TestScanner_ComputeGapsExcludesSkipped(t *testing.T) {
	s, _, skips := newTestScanner(t)
	if err := skips.Add(context.Background(), "BTCUSDT", models.CadenceHistorical, at(10, 5), "beyond retention"); err != nil {
		t.Fatal(err)
	}

	got, err := s.ComputeGaps(context.Background(), "BTCUSDT", models.CadenceHistorical, Window{Start: at(10, 0), End: at(10, 10)})
	if err != nil {
		t.Fatalf("ComputeGaps() error = %v", err)
	}
	want := []time.Time{at(10, 0), at(10, 10)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ComputeGaps() = %v, want %v", got, want)
	}
}

func TestScanner_RecoveryWindow(t *testing.T) {
	now := at(12, 0)
	batchStart, batchEnd := at(8, 0), at(11, 0)
	tests := []struct {
		name string
		task models.Task
		want Window
	}{
		{
			name: "scheduled resumes from last execution",
			task: models.Task{Kind: models.TaskKindScheduled, StartedAt: at(9, 0), LastExecutionAt: at(10, 0), ExecutionsCompleted: 3},
			want: Window{Start: at(10, 0), End: now},
		},
		{
			name: "continuous never starts before its own start",
			task: models.Task{Kind: models.TaskKindContinuous, StartedAt: at(11, 0), LastExecutionAt: at(11, 0), ExecutionsCompleted: 1},
			want: Window{Start: at(11, 0), End: now},
		},
		{
			name: "continuous bounded by its duration",
			task: models.Task{Kind: models.TaskKindContinuous, StartedAt: at(10, 0), LastExecutionAt: at(10, 30), ExecutionsCompleted: 30, Duration: time.Hour},
			want: Window{Start: at(10, 30), End: at(11, 0)},
		},
		{
			name: "scheduled without confirmed execution uses retention",
			task: models.Task{Kind: models.TaskKindScheduled, StartedAt: at(11, 0), LastExecutionAt: at(11, 0)},
			want: Window{Start: now.Add(-30 * 24 * time.Hour), End: now},
		},
		{
			name: "batch bounded by its window",
			task: models.Task{Kind: models.TaskKindBatch, StartedAt: at(7, 0), LastExecutionAt: at(7, 0), WindowStart: &batchStart, WindowEnd: &batchEnd},
			want: Window{Start: batchStart, End: batchEnd},
		},
	}
	s, _, _ := newTestScanner(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.RecoveryWindow(tt.task, now); !got.Start.Equal(tt.want.Start) || !got.End.Equal(tt.want.End) {
				t.Errorf("RecoveryWindow() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestScanner_SummarizeOnlyFillsForward(t *testing.T) {
	s, partitions, _ := newTestScanner(t)
	store(t, partitions, "BTCUSDT", models.CadenceHistorical, at(10, 0), at(10, 5))
	task := models.Task{
		ID:                  "task-1",
		Kind:                models.TaskKindScheduled,
		Symbols:             []string{"BTCUSDT", "ETHUSDT"},
		Cadence:             models.CadenceHistorical,
		StartedAt:           at(9, 0),
		LastExecutionAt:     at(10, 5),
		ExecutionsCompleted: 4,
	}

	summary, err := s.Summarize(context.Background(), task, at(10, 15))
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if !summary.Window.Start.Equal(at(10, 5)) {
		t.Errorf("window start = %v, want %v", summary.Window.Start, at(10, 5))
	}
	wantBTC := []time.Time{at(10, 10), at(10, 15)}
	if !reflect.DeepEqual(summary.Gaps["BTCUSDT"], wantBTC) {
		t.Errorf("BTCUSDT gaps = %v, want %v", summary.Gaps["BTCUSDT"], wantBTC)
	}
	if len(summary.Gaps["ETHUSDT"]) != 3 || summary.Total != 5 {
		t.Errorf("ETHUSDT gaps = %v, total %d", summary.Gaps["ETHUSDT"], summary.Total)
	}
	if got := summary.Symbols(); !reflect.DeepEqual(got, []string{"BTCUSDT", "ETHUSDT"}) {
		t.Errorf("Symbols() = %v", got)
	}
}
