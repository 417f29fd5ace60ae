package model

import (
	"time"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// SourceHuman 人类参与者的 run 使用的 provider 名
const SourceHuman = "human"

// Run 对实验全部题目的一次完整作答。
// provider/model/temperature 在创建时快照，之后修改实验设置不影响历史。
type Run struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ExperimentID uint `gorm:"not null;uniqueIndex:idx_run_experiment_index" json:"experiment_id"`
	// 每个实验内从 1 开始连续编号
	RunIndex int `gorm:"not null;uniqueIndex:idx_run_experiment_index" json:"run_index"`

	SourceLabel string  `gorm:"type:varchar(255)" json:"source_label"`
	Provider    string  `gorm:"type:varchar(50);not null" json:"provider"`
	Model       string  `gorm:"type:varchar(255)" json:"model"`
	Temperature float64 `json:"temperature"`

	Status      RunStatus  `gorm:"type:varchar(20);not null;index" json:"status"`
	Error       string     `gorm:"type:text" json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (r *Run) IsHuman() bool {
	return r.Provider == SourceHuman
}
