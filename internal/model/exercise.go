package model

import (
	"time"

	"gorm.io/gorm"
)

// AnswerType 题目要求的答案形态
type AnswerType string

const (
	AnswerFreeText     AnswerType = "free_text"
	AnswerTrueFalse    AnswerType = "true_false"
	AnswerSingleChoice AnswerType = "single_choice"
	AnswerRanking      AnswerType = "ranking"
)

func (t AnswerType) Valid() bool {
	switch t {
	case AnswerFreeText, AnswerTrueFalse, AnswerSingleChoice, AnswerRanking:
		return true
	}
	return false
}

// HasOptions 选项只对单选/排序有意义
func (t AnswerType) HasOptions() bool {
	return t == AnswerSingleChoice || t == AnswerRanking
}

// ExerciseTemplate 可复用的纯文本问题（原样发送给模型）
type ExerciseTemplate struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Title        string `gorm:"type:varchar(255);not null" json:"title"`
	QuestionText string `gorm:"type:text;not null" json:"question_text"`
}

// Exercise 带答案约定的题目
type Exercise struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Title        string     `gorm:"type:varchar(255)" json:"title"`
	QuestionText string     `gorm:"type:text;not null" json:"question_text"`
	AnswerType   AnswerType `gorm:"type:varchar(20);not null;index" json:"answer_type"`

	// 由模板生成时记录来源模板
	TemplateID *uint `gorm:"index" json:"template_id,omitempty"`

	Options []ExerciseOption `gorm:"foreignKey:ExerciseID" json:"options"`
}

type ExerciseOption struct {
	ID         uint   `gorm:"primarykey" json:"id"`
	ExerciseID uint   `gorm:"not null;index" json:"exercise_id"`
	Text       string `gorm:"type:text;not null" json:"text"`
	Position   int    `gorm:"default:0" json:"position"`
}
