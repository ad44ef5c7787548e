package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"binance-oi-collector/internal/models"
)

type ErrorStatisticsRepository interface {
	Load(ctx context.Context) (*models.ErrorStatistics, error)
	Save(ctx context.Context, stats *models.ErrorStatistics) error
}

type errorStatisticsRepository struct {
	path string
}

// NewErrorStatisticsRepository keeps the aggregate in
// <dataDir>/error_statistics.json.
func NewErrorStatisticsRepository(dataDir string) ErrorStatisticsRepository {
	return &errorStatisticsRepository{path: filepath.Join(dataDir, "error_statistics.json")}
}

func (r *errorStatisticsRepository) Load(ctx context.Context) (*models.ErrorStatistics, error) {
	stats := models.NewErrorStatistics()
	if err := readJSON(r.path, stats); err != nil {
		if os.IsNotExist(err) {
			return models.NewErrorStatistics(), nil
		}
		return nil, fmt.Errorf("failed to read error statistics: %w", err)
	}
	if stats.ErrorsByKind == nil {
		stats.ErrorsByKind = map[models.ErrorKind]int64{}
	}
	if stats.ErrorsBySymbol == nil {
		stats.ErrorsBySymbol = map[string]int64{}
	}
	if stats.Records == nil {
		stats.Records = map[string]map[models.ErrorKind]*models.ErrorRecord{}
	}
	return stats, nil
}

func (r *errorStatisticsRepository) Save(ctx context.Context, stats *models.ErrorStatistics) error {
	if err := writeJSONAtomic(r.path, stats); err != nil {
		return fmt.Errorf("failed to write error statistics: %w", err)
	}
	return nil
}
