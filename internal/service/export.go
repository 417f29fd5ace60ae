package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"aibench/internal/model"

	"gorm.io/gorm"
)

// csvHeader 前六列保持旧版导出的列顺序，后面是类型化答案
var csvHeader = []string{
	"run_index", "provider", "model", "question_text", "answer_text", "created_at",
	"source", "exercise_id", "answer_type", "answer_boolean", "answer_option_id", "answer_ranking", "parse_success",
}

// ExportRow 导出的一行：一个 (run, exercise) 的答案
type ExportRow struct {
	RunIndex       int              `json:"run_index"`
	Provider       string           `json:"provider"`
	Model          string           `json:"model"`
	QuestionText   string           `json:"question_text"`
	AnswerText     string           `json:"answer_text"`
	CreatedAt      time.Time        `json:"created_at"`
	Source         string           `json:"source"`
	ExerciseID     uint             `json:"exercise_id"`
	Position       int              `json:"position"`
	AnswerType     model.AnswerType `json:"answer_type"`
	AnswerBoolean  *bool            `json:"answer_boolean"`
	AnswerOptionID *int64           `json:"answer_option_id"`
	AnswerRanking  []int64          `json:"answer_ranking"`
	ParseSuccess   bool             `json:"parse_success"`
	Error          string           `json:"error,omitempty"`
}

type ExportService struct {
	db *gorm.DB
}

func NewExportService(db *gorm.DB) *ExportService {
	return &ExportService{db: db}
}

// Rows 按 run_index、再按题目 position 排序
func (s *ExportService) Rows(ctx context.Context, experimentID uint) ([]ExportRow, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Experiment{}).Where("id = ?", experimentID).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("查询实验失败: %w", err)
	}
	if count == 0 {
		return nil, fmt.Errorf("实验 %d: %w", experimentID, ErrNotFound)
	}

	var runs []model.Run
	if err := s.db.WithContext(ctx).
		Where("experiment_id = ?", experimentID).
		Order("run_index ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("查询 run 失败: %w", err)
	}
	if len(runs) == 0 {
		return []ExportRow{}, nil
	}

	runIDs := make([]uint, 0, len(runs))
	for _, r := range runs {
		runIDs = append(runIDs, r.ID)
	}
	var items []model.BatchItem
	if err := s.db.WithContext(ctx).
		Where("run_id IN ?", runIDs).
		Order("position ASC, exercise_id ASC").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("查询 batch item 失败: %w", err)
	}

	byRun := make(map[uint][]model.BatchItem, len(runs))
	for _, it := range items {
		byRun[it.RunID] = append(byRun[it.RunID], it)
	}

	rows := make([]ExportRow, 0, len(items))
	for _, r := range runs {
		for _, it := range byRun[r.ID] {
			rows = append(rows, ExportRow{
				RunIndex:       r.RunIndex,
				Provider:       r.Provider,
				Model:          r.Model,
				QuestionText:   it.QuestionText,
				AnswerText:     it.DisplayText(),
				CreatedAt:      it.CreatedAt,
				Source:         r.SourceLabel,
				ExerciseID:     it.ExerciseID,
				Position:       it.Position,
				AnswerType:     it.AnswerType,
				AnswerBoolean:  it.AnswerBoolean,
				AnswerOptionID: it.AnswerOptionID,
				AnswerRanking:  it.Ranking(),
				ParseSuccess:   it.ParseSuccess,
				Error:          it.Error,
			})
		}
	}
	return rows, nil
}

// WriteCSV UTF-8 CSV，首行为表头
func (s *ExportService) WriteCSV(ctx context.Context, w io.Writer, experimentID uint) error {
	rows, err := s.Rows(ctx, experimentID)
	if err != nil {
		return err
	}
	return writeCSV(w, rows)
}

func writeCSV(w io.Writer, rows []ExportRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("写入 CSV 失败: %w", err)
	}
	for _, r := range rows {
		record := []string{
			strconv.Itoa(r.RunIndex),
			r.Provider,
			r.Model,
			r.QuestionText,
			r.AnswerText,
			r.CreatedAt.UTC().Format(time.RFC3339),
			r.Source,
			strconv.FormatUint(uint64(r.ExerciseID), 10),
			string(r.AnswerType),
			formatBoolPtr(r.AnswerBoolean),
			formatInt64Ptr(r.AnswerOptionID),
			formatRanking(r.AnswerRanking),
			strconv.FormatBool(r.ParseSuccess),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("写入 CSV 失败: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func (s *ExportService) WriteJSON(ctx context.Context, w io.Writer, experimentID uint) error {
	rows, err := s.Rows(ctx, experimentID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(rows)
}

func formatBoolPtr(b *bool) string {
	if b == nil {
		return ""
	}
	return strconv.FormatBool(*b)
}

func formatInt64Ptr(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func formatRanking(ids []int64) string {
	if ids == nil {
		return ""
	}
	out, _ := json.Marshal(ids)
	return string(out)
}
