package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"binance-oi-collector/internal/models"
)

type TaskStateRepository interface {
	LoadAll(ctx context.Context) ([]models.Task, error)
	Get(ctx context.Context, id string) (*models.Task, error)
	Save(ctx context.Context, task *models.Task) error
	Delete(ctx context.Context, id string) error
}

type taskStateRepository struct {
	dir string
	log *logrus.Logger
}

// NewTaskStateRepository stores one JSON document per task under
// <dataDir>/state/tasks.
func NewTaskStateRepository(dataDir string, log *logrus.Logger) TaskStateRepository {
	return &taskStateRepository{
		dir: filepath.Join(dataDir, "state", "tasks"),
		log: log,
	}
}

var ErrTaskNotFound = errors.New("task not found")

func (r *taskStateRepository) path(id string) string {
	return filepath.Join(r.dir, id+".json")
}

// LoadAll returns every stored task ordered by start time. A missing
// directory means a clean start. Unreadable documents are moved aside so they
// never block recovery of the others.
func (r *taskStateRepository) LoadAll(ctx context.Context) ([]models.Task, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list task state: %w", err)
	}

	tasks := make([]models.Task, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || isTempFile(name) || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(r.dir, name)
		var task models.Task
		err := readJSON(path, &task)
		if err == nil {
			err = task.Validate()
		}
		if err != nil {
			r.log.Warn("quarantining unreadable task state", logrus.Fields{
				"file":  path,
				"error": err,
			})
			if renameErr := os.Rename(path, path+".corrupt"); renameErr != nil {
				return nil, fmt.Errorf("failed to quarantine %s: %w", path, renameErr)
			}
			continue
		}
		tasks = append(tasks, task)
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].StartedAt.Equal(tasks[j].StartedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].StartedAt.Before(tasks[j].StartedAt)
	})
	return tasks, nil
}

func (r *taskStateRepository) Get(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	if err := readJSON(r.path(id), &task); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to read task %s: %w", id, err)
	}
	return &task, nil
}

func (r *taskStateRepository) Save(ctx context.Context, task *models.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	if err := writeJSONAtomic(r.path(task.ID), task); err != nil {
		return fmt.Errorf("failed to write task %s: %w", task.ID, err)
	}
	return nil
}

func (r *taskStateRepository) Delete(ctx context.Context, id string) error {
	if err := os.Remove(r.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}
