package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/repository"
	"binance-oi-collector/internal/utils"
)

const maxHistoryLimit = 500

type ErrorStatisticsReader interface {
	Statistics(ctx context.Context) (*models.ErrorStatistics, error)
}

type CollectorHandler struct {
	tasks      repository.TaskStateRepository
	partitions repository.PartitionRepository
	history    repository.ExecutionHistoryRepository
	errors     ErrorStatisticsReader
	clock      utils.Clock
	logger     *logrus.Logger
}

func NewCollectorHandler(
	tasks repository.TaskStateRepository,
	partitions repository.PartitionRepository,
	history repository.ExecutionHistoryRepository,
	errorStats ErrorStatisticsReader,
	clock utils.Clock,
	logger *logrus.Logger,
) *CollectorHandler {
	return &CollectorHandler{
		tasks:      tasks,
		partitions: partitions,
		history:    history,
		errors:     errorStats,
		clock:      clock,
		logger:     logger,
	}
}

// HealthCheck handles GET /health
func (h *CollectorHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": h.clock.Now().Format(time.RFC3339),
		"service":   "binance-oi-collector",
	})
}

// ListTasks handles GET /api/v1/tasks
func (h *CollectorHandler) ListTasks(c *gin.Context) {
	tasks, err := h.tasks.LoadAll(c.Request.Context())
	if err != nil {
		h.internalError(c, "Failed to load tasks", err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// GetTask handles GET /api/v1/tasks/:id
func (h *CollectorHandler) GetTask(c *gin.Context) {
	task, err := h.tasks.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repository.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		h.internalError(c, "Failed to load task", err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// GetTaskHistory handles GET /api/v1/tasks/:id/history?limit=N
func (h *CollectorHandler) GetTaskHistory(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := h.history.Get(c.Request.Context(), &models.GetExecutionHistoryParam{
		TaskID: c.Param("id"),
		Limit:  utils.ToPointer(limit),
	})
	if err != nil {
		h.internalError(c, "Failed to load execution history", err)
		return
	}
	if entries == nil {
		entries = []models.TaskExecutionHistoryEntity{}
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

// ErrorStatistics handles GET /api/v1/errors
func (h *CollectorHandler) ErrorStatistics(c *gin.Context) {
	stats, err := h.errors.Statistics(c.Request.Context())
	if err != nil {
		h.internalError(c, "Failed to load error statistics", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// StorageStats handles GET /api/v1/storage
func (h *CollectorHandler) StorageStats(c *gin.Context) {
	stats, err := h.partitions.Stats(c.Request.Context())
	if err != nil {
		h.internalError(c, "Failed to compute storage stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// CleanupStorage handles POST /api/v1/storage/cleanup?days=N
func (h *CollectorHandler) CleanupStorage(c *gin.Context) {
	days, err := strconv.Atoi(c.Query("days"))
	if err != nil || days < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
		return
	}
	before := utils.StartOfDay(h.clock.Now()).AddDate(0, 0, -days)
	removed, err := h.partitions.Cleanup(c.Request.Context(), before)
	if err != nil {
		h.internalError(c, "Failed to clean up partitions", err)
		return
	}
	h.logger.WithFields(logrus.Fields{"removed": removed, "before": utils.FormatDate(before)}).Info("Removed old partitions")
	c.JSON(http.StatusOK, gin.H{"removed": removed, "before": utils.FormatDate(before)})
}

func (h *CollectorHandler) internalError(c *gin.Context, msg string, err error) {
	h.logger.WithError(err).Error(msg)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   msg,
		"message": err.Error(),
	})
}
