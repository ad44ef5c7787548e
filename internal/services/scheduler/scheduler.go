package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"binance-oi-collector/internal/config"
	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/repository"
	"binance-oi-collector/internal/services/backfill"
	"binance-oi-collector/internal/services/collector"
	"binance-oi-collector/internal/services/gap_scanner"
	"binance-oi-collector/internal/utils"
)

var (
	ErrNoSymbols   = errors.New("no symbols configured")
	ErrInvalidSpec = errors.New("invalid task spec")
)

// TaskSpec describes the session Run should start.
type TaskSpec struct {
	Kind    models.TaskKind
	Symbols []string
	// Cadence is only read for batch tasks. Continuous runs at 1m and
	// scheduled at 5m.
	Cadence     models.Cadence
	Duration    time.Duration
	WindowStart time.Time
	WindowEnd   time.Time
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
)

type RunResult struct {
	TaskID     string
	Kind       models.TaskKind
	Outcome    Outcome
	Executions int64
	Backfill   backfill.Summary
}

type Dependencies struct {
	Config    config.SchedulerConfig
	Tasks     repository.TaskStateRepository
	History   repository.ExecutionHistoryRepository
	Summaries repository.BatchSummaryRepository
	Scanner   *gap_scanner.Scanner
	Executor  *backfill.Executor
	Collector *collector.Collector
	Notifier  collector.Notifier
	Clock     utils.Clock
	Log       *logrus.Logger
	// Workers bounds concurrent live fetches across symbols.
	Workers int
}

// Scheduler owns the task records of the sessions it runs. The task state
// repository is the only copy that outlives the process.
type Scheduler struct {
	Dependencies
	sweep cron.Schedule
}

func NewScheduler(deps Dependencies) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(deps.Config.HistorySweepCron)
	if err != nil {
		return nil, fmt.Errorf("failed to parse history sweep schedule %q: %w", deps.Config.HistorySweepCron, err)
	}
	if deps.History == nil {
		deps.History = repository.NewNoopExecutionHistoryRepository()
	}
	if deps.Clock == nil {
		deps.Clock = utils.RealClock()
	}
	if deps.Workers < 1 {
		deps.Workers = 1
	}
	return &Scheduler{Dependencies: deps, sweep: schedule}, nil
}

// runState guards the task of a running session. Backfill progress
// callbacks update it from worker goroutines.
type runState struct {
	mu    sync.Mutex
	task  models.Task
	fatal error
}

func (r *runState) update(fn func(t *models.Task)) models.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.task)
	return r.task
}

func (r *runState) get() models.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task
}

func (r *runState) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal == nil {
		r.fatal = err
	}
}

func (r *runState) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

func (s *Scheduler) newTask(spec TaskSpec) (*models.Task, error) {
	if len(spec.Symbols) == 0 {
		return nil, ErrNoSymbols
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate task id: %w", err)
	}
	now := s.Clock.Now()
	task := &models.Task{
		ID:              id.String(),
		Kind:            spec.Kind,
		Symbols:         append([]string(nil), spec.Symbols...),
		StartedAt:       now,
		LastExecutionAt: now,
		Status:          models.TaskStatusRunning,
		Duration:        spec.Duration,
		UpdatedAt:       now,
	}

	switch spec.Kind {
	case models.TaskKindContinuous:
		task.Cadence = models.CadenceRealtime
	case models.TaskKindScheduled:
		task.Cadence = models.CadenceHistorical
	case models.TaskKindBatch:
		task.Cadence = spec.Cadence
		if task.Cadence == "" {
			task.Cadence = models.CadenceHistorical
		}
		if spec.WindowStart.IsZero() || spec.WindowEnd.Before(spec.WindowStart) {
			return nil, fmt.Errorf("%w: batch window %s..%s", ErrInvalidSpec, spec.WindowStart, spec.WindowEnd)
		}
		start, end := spec.WindowStart.UTC(), spec.WindowEnd.UTC()
		task.WindowStart, task.WindowEnd = &start, &end
		task.Duration = 0
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrInvalidSpec, spec.Kind)
	}

	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return task, nil
}

// persist saves the current task. A failure here is the only fatal error of
// a run.
func (s *Scheduler) persist(ctx context.Context, st *runState) error {
	task := st.update(func(t *models.Task) { t.UpdatedAt = s.Clock.Now() })
	if err := s.Tasks.Save(ctx, &task); err != nil {
		return fmt.Errorf("failed to persist task %s: %w", task.ID, err)
	}
	return nil
}

// Run drives one session until its duration elapses, its window is done or
// ctx is cancelled. Cancellation is not an error: the task is saved as
// running with its last confirmed execution and OutcomeCancelled returned.
func (s *Scheduler) Run(ctx context.Context, spec TaskSpec) (RunResult, error) {
	task, err := s.newTask(spec)
	if err != nil {
		return RunResult{}, err
	}
	st := &runState{task: *task}
	result := RunResult{TaskID: task.ID, Kind: task.Kind}
	if err := s.persist(ctx, st); err != nil {
		return result, err
	}

	s.Log.Info("Task started", logrus.Fields{
		"task_id":  task.ID,
		"kind":     task.Kind,
		"cadence":  task.Cadence,
		"symbols":  len(task.Symbols),
		"duration": task.Duration.String(),
	})

	var outcome Outcome
	switch task.Kind {
	case models.TaskKindContinuous:
		outcome, err = s.runContinuous(ctx, st)
	case models.TaskKindScheduled:
		outcome, err = s.runScheduled(ctx, st)
	case models.TaskKindBatch:
		outcome, result.Backfill, err = s.runBatch(ctx, st)
	}
	result.Outcome = outcome
	result.Executions = st.get().ExecutionsCompleted
	if err != nil {
		s.Log.Error("Task aborted", logrus.Fields{"task_id": task.ID, "error": err.Error()})
		return result, err
	}

	if outcome == OutcomeCancelled {
		if err := s.persist(context.WithoutCancel(ctx), st); err != nil {
			return result, err
		}
		final := st.get()
		s.Log.Info("Task cancelled, state saved for recovery", logrus.Fields{
			"task_id":           final.ID,
			"last_execution_at": final.LastExecutionAt.Format(time.RFC3339),
			"executions":        final.ExecutionsCompleted,
		})
		return result, nil
	}

	if err := s.complete(ctx, st.get()); err != nil {
		return result, err
	}
	return result, nil
}

// await runs work and waits for it. Once ctx is done the work gets
// ShutdownGrace to return; await reports whether it did.
func (s *Scheduler) await(ctx context.Context, work func()) bool {
	done := make(chan struct{})
	utils.SafeGo(func() {
		defer close(done)
		work()
	})

	select {
	case <-done:
		return true
	case <-ctx.Done():
	}
	select {
	case <-done:
		return true
	case <-s.Clock.After(s.Config.ShutdownGrace):
		s.Log.Warn("In-flight work did not stop within shutdown grace", logrus.Fields{
			"grace": s.Config.ShutdownGrace.String(),
		})
		return false
	}
}

func (s *Scheduler) runContinuous(ctx context.Context, st *runState) (Outcome, error) {
	deadline := st.get().Deadline()
	for {
		now := s.Clock.Now()
		next := models.CadenceRealtime.Align(now).Add(models.CadenceRealtime.Step())
		if !deadline.IsZero() && next.After(deadline) {
			return OutcomeCompleted, nil
		}
		if err := utils.SleepCtx(ctx, s.Clock, next.Sub(now)); err != nil {
			return OutcomeCancelled, nil
		}
		if err := s.liveTick(ctx, st, next); err != nil {
			return "", err
		}
		if ctx.Err() != nil {
			return OutcomeCancelled, nil
		}
	}
}

// liveTick fetches every symbol at boundary, at most Workers at a time. The
// tick counts if at least one symbol has a stored row afterwards.
func (s *Scheduler) liveTick(ctx context.Context, st *runState, boundary time.Time) error {
	task := st.get()
	started := s.Clock.Now()
	results := make([]collector.Result, len(task.Symbols))

	finished := s.await(ctx, func() {
		var g errgroup.Group
		g.SetLimit(s.Workers)
		for i, symbol := range task.Symbols {
			i, symbol := i, symbol
			g.Go(func() error {
				results[i] = s.Collector.Collect(ctx, symbol, models.CadenceRealtime, boundary)
				return nil
			})
		}
		_ = g.Wait()
	})
	if !finished {
		s.appendSummary(ctx, repository.BatchSummary{
			TickAt:      boundary,
			TaskID:      task.ID,
			Cadence:     string(task.Cadence),
			Duration:    s.Clock.Now().Sub(started),
			Interrupted: true,
		})
		return nil
	}

	written, interrupted := 0, false
	var failedSymbols []string
	for _, r := range results {
		switch {
		case r.Written():
			written++
		case r.Outcome == collector.OutcomeCancelled:
			interrupted = true
		default:
			failedSymbols = append(failedSymbols, r.Symbol)
		}
	}

	updated := st.update(func(t *models.Task) {
		t.Progress = models.TaskProgress{
			Processed: len(results),
			Succeeded: written,
			Failed:    len(results) - written,
			Total:     len(results),
		}
		if written > 0 {
			t.RecordTick(boundary)
		} else if !interrupted {
			t.LastError = fmt.Sprintf("no symbol stored for tick %s", boundary.Format(time.RFC3339))
		}
		t.UpdatedAt = s.Clock.Now()
	})
	if err := s.Tasks.Save(context.WithoutCancel(ctx), &updated); err != nil {
		return fmt.Errorf("failed to persist task %s: %w", updated.ID, err)
	}

	status := models.ExecutionStatusSucceeded
	switch {
	case written == 0 && interrupted:
		status = models.ExecutionStatusCancelled
	case written == 0:
		status = models.ExecutionStatusFailed
		s.notify(ctx, fmt.Sprintf("Tick %s of task %s stored no symbol", boundary.Format(time.RFC3339), updated.ID))
	}
	s.recordExecution(ctx, updated, boundary, started, status, written, len(failedSymbols), failedSymbols, updated.LastError)
	s.appendSummary(ctx, repository.BatchSummary{
		TickAt:        boundary,
		TaskID:        updated.ID,
		Cadence:       string(updated.Cadence),
		Duration:      s.Clock.Now().Sub(started),
		Processed:     len(results),
		Succeeded:     written,
		Failed:        len(failedSymbols),
		FailedSymbols: failedSymbols,
		Interrupted:   interrupted,
	})

	s.Log.Debug("Live tick finished", logrus.Fields{
		"task_id":  updated.ID,
		"boundary": boundary.Format(time.RFC3339),
		"written":  written,
		"failed":   len(failedSymbols),
	})
	return nil
}

func (s *Scheduler) runScheduled(ctx context.Context, st *runState) (Outcome, error) {
	deadline := st.get().Deadline()
	at := s.Clock.Now()
	for {
		window := s.Scanner.HistoricalWindow(at)
		if _, err := s.backfillWindow(ctx, st, at, models.CadenceHistorical, window); err != nil {
			return "", err
		}
		if ctx.Err() != nil {
			return OutcomeCancelled, nil
		}

		now := s.Clock.Now()
		next := s.sweep.Next(now)
		if !deadline.IsZero() && next.After(deadline) {
			return OutcomeCompleted, nil
		}
		if err := utils.SleepCtx(ctx, s.Clock, next.Sub(now)); err != nil {
			return OutcomeCancelled, nil
		}
		at = next
	}
}

func (s *Scheduler) runBatch(ctx context.Context, st *runState) (Outcome, backfill.Summary, error) {
	task := st.get()
	window := gap_scanner.Window{Start: *task.WindowStart, End: *task.WindowEnd}
	summary, err := s.backfillWindow(ctx, st, s.Clock.Now(), task.Cadence, window)
	if err != nil {
		return "", summary, err
	}
	if ctx.Err() != nil || summary.Cancelled {
		return OutcomeCancelled, summary, nil
	}
	return OutcomeCompleted, summary, nil
}

// backfillWindow is one sweep: scan every symbol for gaps over window and
// backfill them. A sweep counts as an execution unless it was cancelled or
// every item failed.
func (s *Scheduler) backfillWindow(ctx context.Context, st *runState, at time.Time, cadence models.Cadence, window gap_scanner.Window) (backfill.Summary, error) {
	task := st.get()
	started := s.Clock.Now()

	gaps := make(map[string][]time.Time, len(task.Symbols))
	total := 0
	for _, symbol := range task.Symbols {
		symbolGaps, err := s.Scanner.ComputeGaps(ctx, symbol, cadence, window)
		if err != nil {
			if ctx.Err() != nil {
				return backfill.Summary{Result: backfill.Result{Cancelled: true}}, nil
			}
			s.Log.Error("Failed to scan for gaps", logrus.Fields{"symbol": symbol, "error": err.Error()})
			continue
		}
		if len(symbolGaps) > 0 {
			gaps[symbol] = symbolGaps
			total += len(symbolGaps)
		}
	}

	s.Log.Info("Sweep started", logrus.Fields{
		"task_id": task.ID,
		"cadence": cadence,
		"from":    window.Start.Format(time.RFC3339),
		"to":      window.End.Format(time.RFC3339),
		"gaps":    total,
	})

	summary, finished, err := s.runBackfill(ctx, st, cadence, gaps)
	if err != nil {
		return summary, err
	}
	if !finished || summary.Cancelled || ctx.Err() != nil {
		summary.Cancelled = true
		return summary, s.persist(context.WithoutCancel(ctx), st)
	}

	success := summary.Total == 0 || summary.Succeeded+summary.Skipped+summary.Unavailable > 0
	updated := st.update(func(t *models.Task) {
		if success {
			t.RecordTick(at)
		} else {
			t.LastError = fmt.Sprintf("sweep at %s: all %d items failed", at.Format(time.RFC3339), summary.Total)
		}
		t.UpdatedAt = s.Clock.Now()
	})
	if err := s.Tasks.Save(context.WithoutCancel(ctx), &updated); err != nil {
		return summary, fmt.Errorf("failed to persist task %s: %w", updated.ID, err)
	}

	status := models.ExecutionStatusSucceeded
	if !success {
		status = models.ExecutionStatusFailed
		s.notify(ctx, fmt.Sprintf("Sweep of task %s failed for all %d items", updated.ID, summary.Total))
	}
	s.recordExecution(ctx, updated, at, started, status, summary.Succeeded, summary.Failed, summary.Symbols, updated.LastError)

	s.Log.Info("Sweep finished", logrus.Fields{
		"task_id":     updated.ID,
		"total":       summary.Total,
		"succeeded":   summary.Succeeded,
		"skipped":     summary.Skipped,
		"unavailable": summary.Unavailable,
		"failed":      summary.Failed,
	})
	return summary, nil
}

// runBackfill feeds gaps to the executor, mirroring progress into the task
// and checkpointing it every CheckpointEvery items.
func (s *Scheduler) runBackfill(ctx context.Context, st *runState, cadence models.Cadence, gaps map[string][]time.Time) (backfill.Summary, bool, error) {
	total := 0
	for _, g := range gaps {
		total += len(g)
	}
	st.update(func(t *models.Task) { t.Progress = models.TaskProgress{Total: total} })
	if total == 0 {
		return backfill.Summary{Symbols: map[string]backfill.Result{}}, true, nil
	}

	var summary backfill.Summary
	finished := s.await(ctx, func() {
		summary = s.Executor.BackfillAll(ctx, cadence, gaps, func(_ backfill.Result, last collector.Result) {
			updated := st.update(func(t *models.Task) {
				t.Progress.Processed++
				if last.Written() {
					t.Progress.Succeeded++
				} else {
					t.Progress.Failed++
				}
			})
			if s.Config.CheckpointEvery > 0 && updated.Progress.Processed%s.Config.CheckpointEvery == 0 {
				if err := s.persist(context.WithoutCancel(ctx), st); err != nil {
					st.fail(err)
				}
			}
		})
	})
	if !finished {
		// the executor may still write summary
		return backfill.Summary{Result: backfill.Result{Total: total, Cancelled: true}}, false, st.err()
	}
	if err := st.err(); err != nil {
		return summary, true, err
	}
	return summary, true, nil
}

// complete archives a finished task and removes its state record.
func (s *Scheduler) complete(ctx context.Context, task models.Task) error {
	task.Status = models.TaskStatusCompleted
	task.UpdatedAt = s.Clock.Now()
	s.recordExecution(ctx, task, task.LastExecutionAt, task.StartedAt, models.ExecutionStatusArchived,
		task.Progress.Succeeded, task.Progress.Failed, task, task.LastError)

	if err := s.Tasks.Delete(ctx, task.ID); err != nil {
		return err
	}
	s.Log.Info("Task completed", logrus.Fields{
		"task_id":    task.ID,
		"kind":       task.Kind,
		"executions": task.ExecutionsCompleted,
	})
	return nil
}

func (s *Scheduler) recordExecution(ctx context.Context, task models.Task, tickAt, started time.Time, status models.TaskExecutionStatus, succeeded, failed int, details interface{}, errMsg string) {
	entry := &models.TaskExecutionHistoryEntity{
		TaskID:    task.ID,
		TaskKind:  task.Kind,
		Cadence:   task.Cadence,
		Symbols:   pq.StringArray(task.Symbols),
		TickAt:    tickAt,
		StartedAt: started,
		Status:    status,
		Succeeded: succeeded,
		Failed:    failed,
	}
	entry.CompletedAt.Time, entry.CompletedAt.Valid = s.Clock.Now(), true
	if errMsg != "" {
		entry.ErrorMessage.String, entry.ErrorMessage.Valid = errMsg, true
	}
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			entry.Details = datatypes.JSON(b)
		}
	}
	if err := s.History.Create(context.WithoutCancel(ctx), entry); err != nil {
		s.Log.Warn("Failed to write execution history", logrus.Fields{"task_id": task.ID, "error": err.Error()})
	}
}

func (s *Scheduler) appendSummary(ctx context.Context, summary repository.BatchSummary) {
	if s.Summaries == nil {
		return
	}
	if err := s.Summaries.Append(ctx, summary); err != nil {
		s.Log.Warn("Failed to append batch summary", logrus.Fields{"error": err.Error()})
	}
}

func (s *Scheduler) notify(ctx context.Context, message string) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Notify(ctx, message); err != nil {
		s.Log.Warn("Failed to send notification", logrus.Fields{"error": err.Error()})
	}
}
