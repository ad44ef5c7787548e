package models

import (
	"database/sql"
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

type TaskExecutionStatus string

const (
	ExecutionStatusSucceeded TaskExecutionStatus = "succeeded"
	ExecutionStatusFailed    TaskExecutionStatus = "failed"
	ExecutionStatusCancelled TaskExecutionStatus = "cancelled"
	ExecutionStatusArchived  TaskExecutionStatus = "archived"
)

// TaskExecutionHistoryEntity is one tick (or one archived task) mirrored to
// Postgres for reporting.
type TaskExecutionHistoryEntity struct {
	ID           uint           `gorm:"primaryKey"`
	TaskID       string         `gorm:"type:varchar(64);not null;index"`
	TaskKind     TaskKind       `gorm:"type:varchar(20);not null"`
	Cadence      Cadence        `gorm:"type:varchar(8);not null"`
	Symbols      pq.StringArray `gorm:"type:text[]"`
	TickAt       time.Time      `gorm:"not null"`
	StartedAt    time.Time      `gorm:"not null"`
	CompletedAt  sql.NullTime
	Status       TaskExecutionStatus `gorm:"type:varchar(20);not null"`
	Succeeded    int                 `gorm:"not null;default:0"`
	Failed       int                 `gorm:"not null;default:0"`
	Details      datatypes.JSON      `gorm:"type:jsonb"`
	ErrorMessage sql.NullString      `gorm:"type:text"`
	CreatedAt    time.Time           `gorm:"autoCreateTime"`
}

func (TaskExecutionHistoryEntity) TableName() string {
	return "task_execution_history"
}

type GetExecutionHistoryParam struct {
	TaskID string
	Limit  *int
}
