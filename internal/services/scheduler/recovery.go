package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/services/backfill"
	"binance-oi-collector/internal/services/gap_scanner"
)

type RecoveryReport struct {
	Task      models.Task            `json:"task"`
	Gaps      gap_scanner.GapSummary `json:"gaps"`
	Action    Action                 `json:"action"`
	Backfill  backfill.Summary       `json:"backfill"`
	Cancelled bool                   `json:"cancelled"`
}

// MarkInterrupted flips every task a previous process left running to
// interrupted and returns all interrupted tasks, oldest first.
func (s *Scheduler) MarkInterrupted(ctx context.Context) ([]models.Task, error) {
	tasks, err := s.Tasks.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}

	var interrupted []models.Task
	for _, task := range tasks {
		switch task.Status {
		case models.TaskStatusRunning:
			task.Status = models.TaskStatusInterrupted
			task.UpdatedAt = s.Clock.Now()
			if err := s.Tasks.Save(ctx, &task); err != nil {
				return nil, fmt.Errorf("failed to mark task %s interrupted: %w", task.ID, err)
			}
			s.Log.Warn("Found interrupted task", logrus.Fields{
				"task_id":           task.ID,
				"kind":              task.Kind,
				"last_execution_at": task.LastExecutionAt.Format(time.RFC3339),
			})
			interrupted = append(interrupted, task)
		case models.TaskStatusInterrupted:
			interrupted = append(interrupted, task)
		}
	}
	return interrupted, nil
}

// Pending returns the running and interrupted tasks, oldest first, without
// touching their state. A running task here may belong to a live process.
func (s *Scheduler) Pending(ctx context.Context) ([]models.Task, error) {
	tasks, err := s.Tasks.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	pending := tasks[:0]
	for _, task := range tasks {
		if task.Status == models.TaskStatusRunning || task.Status == models.TaskStatusInterrupted {
			pending = append(pending, task)
		}
	}
	return pending, nil
}

// Recover summarizes the gaps of every interrupted task and applies the
// action decide picks for it.
func (s *Scheduler) Recover(ctx context.Context, decide DecideFunc) ([]RecoveryReport, error) {
	tasks, err := s.MarkInterrupted(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]RecoveryReport, 0, len(tasks))
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		summary, err := s.Scanner.Summarize(ctx, task, s.Clock.Now())
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return reports, fmt.Errorf("failed to summarize gaps of task %s: %w", task.ID, err)
		}
		report, err := s.Apply(ctx, task, summary, decide(task, summary))
		reports = append(reports, report)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// Apply carries out a recovery action. A backfill cut short by cancellation
// leaves the task interrupted for the next start.
func (s *Scheduler) Apply(ctx context.Context, task models.Task, summary gap_scanner.GapSummary, action Action) (RecoveryReport, error) {
	report := RecoveryReport{Task: task, Gaps: summary, Action: action}

	s.Log.Info("Recovering task", logrus.Fields{
		"task_id": task.ID,
		"action":  action.Kind,
		"reason":  action.Reason,
		"gaps":    summary.Total,
	})
	s.notify(ctx, fmt.Sprintf("Recovering %s task %s: %s (%d gaps, %s)",
		task.Kind, task.ID, action.Kind, summary.Total, action.Reason))

	switch action.Kind {
	case ActionDiscard:
		if err := s.Tasks.Delete(ctx, task.ID); err != nil {
			return report, err
		}
		return report, nil

	case ActionMarkComplete:
		return report, s.complete(ctx, task)

	case ActionBackfillAll, ActionBackfillPartial:
		gaps := summary.Gaps
		if action.Kind == ActionBackfillPartial {
			gaps = make(map[string][]time.Time, len(action.Symbols))
			for _, symbol := range action.Symbols {
				if g, ok := summary.Gaps[symbol]; ok {
					gaps[symbol] = g
				}
			}
		}

		st := &runState{task: task}
		result, finished, err := s.runBackfill(ctx, st, task.Cadence, gaps)
		report.Backfill = result
		if err != nil {
			return report, err
		}
		if !finished || result.Cancelled || ctx.Err() != nil {
			report.Cancelled = true
			return report, s.persist(context.WithoutCancel(ctx), st)
		}

		s.Log.Info("Recovery backfill finished", logrus.Fields{
			"task_id":     task.ID,
			"succeeded":   result.Succeeded,
			"unavailable": result.Unavailable,
			"failed":      result.Failed,
		})
		return report, s.complete(ctx, st.get())

	default:
		return report, fmt.Errorf("unknown recovery action %q", action.Kind)
	}
}
