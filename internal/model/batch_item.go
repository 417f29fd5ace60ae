package model

import (
	"encoding/json"
	"strconv"
	"time"

	"gorm.io/datatypes"
)

// OptionSnapshot 作答时的选项快照
type OptionSnapshot struct {
	ID   uint   `json:"id"`
	Text string `json:"text"`
}

// BatchItem 一个 (run, exercise) 的归一化答案。
// 按 answer_type 只填充 answer_* 中的一个；解析失败时仍然落库，parse_success=false。
type BatchItem struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	RunID      uint `gorm:"not null;uniqueIndex:idx_item_run_exercise" json:"run_id"`
	ExerciseID uint `gorm:"not null;uniqueIndex:idx_item_run_exercise;index" json:"exercise_id"`
	Position   int  `gorm:"default:0" json:"position"`

	// 题面/类型/选项均为创建时的快照，不做实时关联
	QuestionText string         `gorm:"type:text;not null" json:"question_text"`
	AnswerType   AnswerType     `gorm:"type:varchar(20);not null" json:"answer_type"`
	OptionsJSON  datatypes.JSON `json:"options"`

	AnswerText     *string        `gorm:"type:text" json:"answer_text"`
	AnswerBoolean  *bool          `json:"answer_boolean"`
	AnswerOptionID *int64         `json:"answer_option_id"`
	AnswerRanking  datatypes.JSON `json:"answer_ranking"`

	ParseSuccess bool   `gorm:"not null" json:"parse_success"`
	RawResponse  string `gorm:"type:text" json:"raw_response,omitempty"`
	Error        string `gorm:"type:text" json:"error,omitempty"`
}

// Ranking 解出排序答案，未作答返回 nil
func (b *BatchItem) Ranking() []int64 {
	if len(b.AnswerRanking) == 0 {
		return nil
	}
	var ids []int64
	if err := json.Unmarshal(b.AnswerRanking, &ids); err != nil {
		return nil
	}
	return ids
}

func (b *BatchItem) Options() []OptionSnapshot {
	if len(b.OptionsJSON) == 0 {
		return nil
	}
	var opts []OptionSnapshot
	_ = json.Unmarshal(b.OptionsJSON, &opts)
	return opts
}

// DisplayAnswer 按题型返回已填充的答案（未作答为 nil）
func (b *BatchItem) DisplayAnswer() any {
	switch b.AnswerType {
	case AnswerFreeText:
		if b.AnswerText != nil {
			return *b.AnswerText
		}
	case AnswerTrueFalse:
		if b.AnswerBoolean != nil {
			return *b.AnswerBoolean
		}
	case AnswerSingleChoice:
		if b.AnswerOptionID != nil {
			return *b.AnswerOptionID
		}
	case AnswerRanking:
		if ids := b.Ranking(); ids != nil {
			return ids
		}
	}
	return nil
}

// DisplayText 导出 CSV 时 answer_text 列的文本形式
func (b *BatchItem) DisplayText() string {
	switch v := b.DisplayAnswer().(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		out, _ := json.Marshal(v)
		return string(out)
	}
}
