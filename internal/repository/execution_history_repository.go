package repository

import (
	"context"

	"gorm.io/gorm"

	"binance-oi-collector/internal/models"
)

type ExecutionHistoryRepository interface {
	Create(ctx context.Context, entry *models.TaskExecutionHistoryEntity) error
	Get(ctx context.Context, param *models.GetExecutionHistoryParam) ([]models.TaskExecutionHistoryEntity, error)
}

type executionHistoryRepository struct {
	db *gorm.DB
}

func NewExecutionHistoryRepository(db *gorm.DB) ExecutionHistoryRepository {
	return &executionHistoryRepository{db: db}
}

func (r *executionHistoryRepository) Create(ctx context.Context, entry *models.TaskExecutionHistoryEntity) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *executionHistoryRepository) Get(ctx context.Context, param *models.GetExecutionHistoryParam) ([]models.TaskExecutionHistoryEntity, error) {
	var entries []models.TaskExecutionHistoryEntity
	db := r.db.WithContext(ctx).Model(&models.TaskExecutionHistoryEntity{})
	if param.TaskID != "" {
		db = db.Where("task_id = ?", param.TaskID)
	}
	if param.Limit != nil {
		db = db.Limit(*param.Limit)
	}
	result := db.Order("created_at DESC").Find(&entries)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, result.Error
	}
	return entries, nil
}

// noopExecutionHistoryRepository is used when no database is configured.
type noopExecutionHistoryRepository struct{}

func NewNoopExecutionHistoryRepository() ExecutionHistoryRepository {
	return noopExecutionHistoryRepository{}
}

func (noopExecutionHistoryRepository) Create(context.Context, *models.TaskExecutionHistoryEntity) error {
	return nil
}

func (noopExecutionHistoryRepository) Get(context.Context, *models.GetExecutionHistoryParam) ([]models.TaskExecutionHistoryEntity, error) {
	return nil, nil
}
