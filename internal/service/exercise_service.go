package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"aibench/internal/model"

	"gorm.io/gorm"
)

type OptionRequest struct {
	Text     string `json:"text" validate:"required"`
	Position *int   `json:"position"`
}

type ExerciseRequest struct {
	Title        string          `json:"title" validate:"max=255"`
	QuestionText string          `json:"question_text" validate:"required"`
	AnswerType   string          `json:"answer_type" validate:"required,oneof=free_text true_false single_choice ranking"`
	Options      []OptionRequest `json:"options" validate:"omitempty,dive"`
}

func (req *ExerciseRequest) validate() error {
	req.Title = strings.TrimSpace(req.Title)
	req.QuestionText = strings.TrimSpace(req.QuestionText)
	if err := validateStruct(req); err != nil {
		return err
	}
	if model.AnswerType(req.AnswerType).HasOptions() && len(req.Options) == 0 {
		return newValidationError("options", fmt.Sprintf("%s exercises need at least one option", req.AnswerType))
	}
	return nil
}

// buildOptions 未指定 position 时按请求顺序编号；非选择题不保存选项
func (req *ExerciseRequest) buildOptions(exerciseID uint) []model.ExerciseOption {
	if !model.AnswerType(req.AnswerType).HasOptions() {
		return nil
	}
	out := make([]model.ExerciseOption, 0, len(req.Options))
	for i, o := range req.Options {
		pos := i
		if o.Position != nil {
			pos = *o.Position
		}
		out = append(out, model.ExerciseOption{
			ExerciseID: exerciseID,
			Text:       strings.TrimSpace(o.Text),
			Position:   pos,
		})
	}
	return out
}

type ExerciseService struct {
	db *gorm.DB
}

func NewExerciseService(db *gorm.DB) *ExerciseService {
	return &ExerciseService{db: db}
}

func orderedOptions(tx *gorm.DB) *gorm.DB {
	return tx.Order("position ASC, id ASC")
}

// loadBundledExercise 读取实验引用的题目，包含已软删除的题目。
// 选项单独查询，更新时被替换掉的旧选项不会混进来。
func loadBundledExercise(ctx context.Context, db *gorm.DB, id uint) (*model.Exercise, error) {
	var ex model.Exercise
	err := db.WithContext(ctx).Unscoped().First(&ex, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("题目 %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("查询题目失败: %w", err)
	}
	if err := orderedOptions(db.WithContext(ctx)).
		Where("exercise_id = ?", id).
		Find(&ex.Options).Error; err != nil {
		return nil, fmt.Errorf("查询选项失败: %w", err)
	}
	return &ex, nil
}

func (s *ExerciseService) List(ctx context.Context) ([]model.Exercise, error) {
	var exercises []model.Exercise
	if err := s.db.WithContext(ctx).
		Preload("Options", orderedOptions).
		Order("id ASC").
		Find(&exercises).Error; err != nil {
		return nil, fmt.Errorf("查询题目列表失败: %w", err)
	}
	return exercises, nil
}

func (s *ExerciseService) Get(ctx context.Context, id uint) (*model.Exercise, error) {
	var ex model.Exercise
	err := s.db.WithContext(ctx).Preload("Options", orderedOptions).First(&ex, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("题目 %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("查询题目失败: %w", err)
	}
	return &ex, nil
}

func (s *ExerciseService) Create(ctx context.Context, req ExerciseRequest) (*model.Exercise, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	return s.create(ctx, s.db, req, nil)
}

func (s *ExerciseService) create(ctx context.Context, db *gorm.DB, req ExerciseRequest, templateID *uint) (*model.Exercise, error) {
	ex := &model.Exercise{
		Title:        req.Title,
		QuestionText: req.QuestionText,
		AnswerType:   model.AnswerType(req.AnswerType),
		TemplateID:   templateID,
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Options").Create(ex).Error; err != nil {
			return fmt.Errorf("创建题目失败: %w", err)
		}
		opts := req.buildOptions(ex.ID)
		if len(opts) > 0 {
			if err := tx.Create(&opts).Error; err != nil {
				return fmt.Errorf("创建选项失败: %w", err)
			}
		}
		ex.Options = opts
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ex, nil
}

// Update 题面与类型直接覆盖，选项整体替换。
// 已产生的 BatchItem 保存的是快照，不受影响。
func (s *ExerciseService) Update(ctx context.Context, id uint, req ExerciseRequest) (*model.Exercise, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Exercise{}).Where("id = ?", id).Updates(map[string]interface{}{
			"title":         req.Title,
			"question_text": req.QuestionText,
			"answer_type":   req.AnswerType,
		}).Error; err != nil {
			return fmt.Errorf("更新题目失败: %w", err)
		}
		if err := tx.Where("exercise_id = ?", id).Delete(&model.ExerciseOption{}).Error; err != nil {
			return fmt.Errorf("删除旧选项失败: %w", err)
		}
		opts := req.buildOptions(id)
		if len(opts) > 0 {
			if err := tx.Create(&opts).Error; err != nil {
				return fmt.Errorf("创建选项失败: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Delete 软删除；已被实验引用的题目仍按原内容参与执行和作答
func (s *ExerciseService) Delete(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&model.Exercise{}, id)
	if res.Error != nil {
		return fmt.Errorf("删除题目失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("题目 %d: %w", id, ErrNotFound)
	}
	return nil
}

// Duplicate 复制题目及选项（选项获得新 id）
func (s *ExerciseService) Duplicate(ctx context.Context, id uint) (*model.Exercise, error) {
	src, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	title := src.Title
	if title != "" {
		title += " (copy)"
	}
	req := ExerciseRequest{
		Title:        title,
		QuestionText: src.QuestionText,
		AnswerType:   string(src.AnswerType),
	}
	for _, o := range src.Options {
		pos := o.Position
		req.Options = append(req.Options, OptionRequest{Text: o.Text, Position: &pos})
	}
	return s.create(ctx, s.db, req, src.TemplateID)
}
