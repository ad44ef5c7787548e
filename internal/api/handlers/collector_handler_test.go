package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/repository"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time                       { return c.now }
func (c fixedClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }

type staticErrors struct{ stats *models.ErrorStatistics }

func (s staticErrors) Statistics(context.Context) (*models.ErrorStatistics, error) {
	return s.stats, nil
}

func newRouter(t *testing.T) (*gin.Engine, repository.TaskStateRepository, repository.PartitionRepository) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	log := logrus.New()
	log.SetOutput(io.Discard)

	tasks := repository.NewTaskStateRepository(dir, log)
	partitions := repository.NewPartitionRepository(dir)
	stats := models.NewErrorStatistics()
	stats.TotalErrors = 3

	h := NewCollectorHandler(tasks, partitions, repository.NewNoopExecutionHistoryRepository(),
		staticErrors{stats: stats}, fixedClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}, log)

	router := gin.New()
	router.GET("/health", h.HealthCheck)
	router.GET("/api/v1/tasks", h.ListTasks)
	router.GET("/api/v1/tasks/:id", h.GetTask)
	router.GET("/api/v1/tasks/:id/history", h.GetTaskHistory)
	router.GET("/api/v1/errors", h.ErrorStatistics)
	router.GET("/api/v1/storage", h.StorageStats)
	router.POST("/api/v1/storage/cleanup", h.CleanupStorage)
	return router, tasks, partitions
}

func get(router *gin.Engine, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestCollectorHandler_Status(t *testing.T) {
	router, tasks, partitions := newRouter(t)
	ctx := context.Background()
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := tasks.Save(ctx, &models.Task{
		ID: "t1", Kind: models.TaskKindContinuous, Symbols: []string{"BTCUSDT"}, Cadence: models.CadenceRealtime,
		StartedAt: started, LastExecutionAt: started, Status: models.TaskStatusRunning,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := partitions.Append(ctx, models.Snapshot{Symbol: "BTCUSDT", Cadence: models.CadenceRealtime, Timestamp: started, OpenInterest: 1}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path string
		want int
	}{
		{path: "/health", want: http.StatusOK},
		{path: "/api/v1/tasks", want: http.StatusOK},
		{path: "/api/v1/tasks/t1", want: http.StatusOK},
		{path: "/api/v1/tasks/missing", want: http.StatusNotFound},
		{path: "/api/v1/tasks/t1/history", want: http.StatusOK},
		{path: "/api/v1/tasks/t1/history?limit=0", want: http.StatusBadRequest},
		{path: "/api/v1/errors", want: http.StatusOK},
		{path: "/api/v1/storage", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if rec := get(router, tt.path); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestCollectorHandler_Bodies(t *testing.T) {
	router, tasks, partitions := newRouter(t)
	ctx := context.Background()
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := tasks.Save(ctx, &models.Task{
		ID: "t1", Kind: models.TaskKindScheduled, Symbols: []string{"BTCUSDT"}, Cadence: models.CadenceHistorical,
		StartedAt: started, LastExecutionAt: started, Status: models.TaskStatusRunning,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := partitions.Append(ctx, models.Snapshot{Symbol: "BTCUSDT", Cadence: models.CadenceHistorical, Timestamp: started, OpenInterest: 1}); err != nil {
		t.Fatal(err)
	}

	var list struct {
		Tasks []models.Task `json:"tasks"`
	}
	if err := json.Unmarshal(get(router, "/api/v1/tasks").Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Tasks) != 1 || list.Tasks[0].ID != "t1" {
		t.Errorf("tasks = %+v", list.Tasks)
	}

	var storage models.StorageStats
	if err := json.Unmarshal(get(router, "/api/v1/storage").Body.Bytes(), &storage); err != nil {
		t.Fatal(err)
	}
	if storage.TotalFiles != 1 {
		t.Errorf("total files = %d, want 1", storage.TotalFiles)
	}

	var stats models.ErrorStatistics
	if err := json.Unmarshal(get(router, "/api/v1/errors").Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalErrors != 3 {
		t.Errorf("error total = %d, want 3", stats.TotalErrors)
	}
}

func TestCollectorHandler_CleanupStorage(t *testing.T) {
	router, _, partitions := newRouter(t)
	ctx := context.Background()
	for _, day := range []int{1, 20, 29} {
		ts := time.Date(2024, 2, day, 10, 0, 0, 0, time.UTC)
		if _, err := partitions.Append(ctx, models.Snapshot{Symbol: "BTCUSDT", Cadence: models.CadenceHistorical, Timestamp: ts, OpenInterest: 1}); err != nil {
			t.Fatal(err)
		}
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/storage/cleanup?days=0", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("days=0 status = %d, want 400", rec.Code)
	}

	// The clock is 2024-03-01, so 10 days keeps 2024-02-20 and later.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/storage/cleanup?days=10", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Removed int `json:"removed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Removed != 1 {
		t.Errorf("removed = %d, want 1", body.Removed)
	}
}
