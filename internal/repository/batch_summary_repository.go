package repository

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"binance-oi-collector/internal/utils"
)

var batchSummaryHeader = []string{"tick_at", "task_id", "cadence", "duration_ms", "processed", "succeeded", "failed", "failed_symbols", "interrupted"}

// BatchSummary is one line of the per-day tick log.
type BatchSummary struct {
	TickAt        time.Time
	TaskID        string
	Cadence       string
	Duration      time.Duration
	Processed     int
	Succeeded     int
	Failed        int
	FailedSymbols []string
	Interrupted   bool
}

type BatchSummaryRepository interface {
	Append(ctx context.Context, summary BatchSummary) error
}

type batchSummaryRepository struct {
	dir string
	mu  sync.Mutex
}

// NewBatchSummaryRepository appends tick summaries to
// <dataDir>/logs/batch_summary-{date}.csv.
func NewBatchSummaryRepository(dataDir string) BatchSummaryRepository {
	return &batchSummaryRepository{dir: filepath.Join(dataDir, "logs")}
}

func (r *batchSummaryRepository) Append(ctx context.Context, s BatchSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(r.dir, fmt.Sprintf("batch_summary-%s.csv", utils.FormatDate(s.TickAt)))
	_, statErr := os.Stat(path)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open batch summary: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if os.IsNotExist(statErr) {
		if err := w.Write(batchSummaryHeader); err != nil {
			return err
		}
	}
	if err := w.Write([]string{
		s.TickAt.UTC().Format(time.RFC3339),
		s.TaskID,
		s.Cadence,
		strconv.FormatInt(s.Duration.Milliseconds(), 10),
		strconv.Itoa(s.Processed),
		strconv.Itoa(s.Succeeded),
		strconv.Itoa(s.Failed),
		strings.Join(s.FailedSymbols, ";"),
		strconv.FormatBool(s.Interrupted),
	}); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
