package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type TaskKind string

const (
	TaskKindScheduled  TaskKind = "scheduled"
	TaskKindContinuous TaskKind = "continuous"
	TaskKindBatch      TaskKind = "batch"
)

type TaskStatus string

const (
	TaskStatusRunning     TaskStatus = "running"
	TaskStatusInterrupted TaskStatus = "interrupted"
	TaskStatusCompleted   TaskStatus = "completed"
)

// TaskProgress counts the items of the backfill currently attached to a task.
type TaskProgress struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Task is the durable record of one scheduling session.
type Task struct {
	ID                  string        `json:"id"`
	Kind                TaskKind      `json:"kind"`
	Symbols             []string      `json:"symbols"`
	Cadence             Cadence       `json:"cadence"`
	StartedAt           time.Time     `json:"started_at"`
	LastExecutionAt     time.Time     `json:"last_execution_at"`
	ExecutionsCompleted int64         `json:"executions_completed"`
	Status              TaskStatus    `json:"status"`
	Duration            time.Duration `json:"duration,omitempty"`
	WindowStart         *time.Time    `json:"window_start,omitempty"`
	WindowEnd           *time.Time    `json:"window_end,omitempty"`
	Progress            TaskProgress  `json:"progress"`
	LastError           string        `json:"last_error,omitempty"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// RecordTick registers one successful tick at the given time. The execution
// time never moves backwards.
func (t *Task) RecordTick(at time.Time) {
	t.ExecutionsCompleted++
	if at.After(t.LastExecutionAt) {
		t.LastExecutionAt = at.UTC()
	}
	t.LastError = ""
}

// Deadline returns the end of a bounded run, or the zero time when the task
// runs until cancelled.
func (t Task) Deadline() time.Time {
	if t.Duration <= 0 {
		return time.Time{}
	}
	return t.StartedAt.Add(t.Duration)
}

func (t Task) Validate() error {
	var errs []error
	if strings.TrimSpace(t.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	switch t.Kind {
	case TaskKindScheduled, TaskKindContinuous, TaskKindBatch:
	default:
		errs = append(errs, fmt.Errorf("invalid kind %q", t.Kind))
	}
	if len(t.Symbols) == 0 {
		errs = append(errs, errors.New("symbols must not be empty"))
	}
	if !t.Cadence.Valid() {
		errs = append(errs, fmt.Errorf("invalid cadence %q", t.Cadence))
	}
	if t.StartedAt.IsZero() {
		errs = append(errs, errors.New("started_at is required"))
	}
	if t.LastExecutionAt.Before(t.StartedAt) {
		errs = append(errs, errors.New("last_execution_at must not be before started_at"))
	}
	if t.ExecutionsCompleted < 0 {
		errs = append(errs, errors.New("executions_completed must be >= 0"))
	}
	switch t.Status {
	case TaskStatusRunning, TaskStatusInterrupted, TaskStatusCompleted:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", t.Status))
	}
	if t.Kind == TaskKindBatch && (t.WindowStart == nil || t.WindowEnd == nil) {
		errs = append(errs, errors.New("batch task requires window_start and window_end"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
