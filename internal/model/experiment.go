package model

import (
	"time"

	"gorm.io/gorm"
)

type ExperimentStatus string

const (
	ExperimentPlanned  ExperimentStatus = "planned"
	ExperimentRunning  ExperimentStatus = "running"
	ExperimentFinished ExperimentStatus = "finished"
	ExperimentFailed   ExperimentStatus = "failed"
)

// Experiment 一次执行计划：题目 + 来源(provider/model) + 重复次数。
// status 只由执行器修改。
type Experiment struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name        string `gorm:"type:varchar(255);not null" json:"name"`
	Description string `gorm:"type:text" json:"description"`

	// 主来源（= Sources[0]），便于列表展示
	Provider    string  `gorm:"type:varchar(50);not null" json:"provider"`
	Model       string  `gorm:"type:varchar(255);not null" json:"model"`
	Temperature float64 `json:"temperature"`

	// 所有 AI 来源的 run 数之和
	RunCount          int `gorm:"not null" json:"run_count"`
	HumanParticipants int `gorm:"default:0" json:"human_participants"`
	ParallelRequests  int `gorm:"default:1" json:"parallel_requests"`

	Status     ExperimentStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	Error      string           `gorm:"type:text" json:"error,omitempty"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`

	Sources   []ExperimentSource   `gorm:"foreignKey:ExperimentID" json:"sources,omitempty"`
	Exercises []ExperimentExercise `gorm:"foreignKey:ExperimentID" json:"exercises,omitempty"`
}

// ExperimentSource 一个 AI 来源（provider + model + temperature + run 数）
type ExperimentSource struct {
	ID           uint    `gorm:"primarykey" json:"id"`
	ExperimentID uint    `gorm:"not null;index" json:"experiment_id"`
	Position     int     `gorm:"default:0" json:"position"`
	Label        string  `gorm:"type:varchar(255)" json:"label"`
	Provider     string  `gorm:"type:varchar(50);not null" json:"provider"`
	Model        string  `gorm:"type:varchar(255);not null" json:"model"`
	Temperature  float64 `json:"temperature"`
	Runs         int     `gorm:"not null" json:"runs"`
}

// ExperimentExercise 实验与题目的有序关联
type ExperimentExercise struct {
	ExperimentID uint `gorm:"primaryKey;autoIncrement:false" json:"experiment_id"`
	ExerciseID   uint `gorm:"primaryKey;autoIncrement:false" json:"exercise_id"`
	Position     int  `gorm:"default:0;index" json:"position"`
}
