package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"aibench/internal/model"

	"gorm.io/gorm"
)

type TemplateRequest struct {
	Title        string `json:"title" validate:"required,max=255"`
	QuestionText string `json:"question_text" validate:"required"`
}

// TemplateExecutionRequest 用模板发起一次执行：模板题面作为自由作答题发送给模型
type TemplateExecutionRequest struct {
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Provider          string          `json:"provider"`
	Model             string          `json:"model"`
	Temperature       float64         `json:"temperature"`
	Runs              *int            `json:"runs"`
	Sources           []SourceRequest `json:"sources"`
	HumanParticipants int             `json:"human_participants"`
	ParallelRequests  int             `json:"parallel_requests"`
}

type TemplateService struct {
	db          *gorm.DB
	exercises   *ExerciseService
	experiments *ExperimentService
}

func NewTemplateService(db *gorm.DB, exercises *ExerciseService, experiments *ExperimentService) *TemplateService {
	return &TemplateService{db: db, exercises: exercises, experiments: experiments}
}

func (s *TemplateService) List(ctx context.Context) ([]model.ExerciseTemplate, error) {
	var templates []model.ExerciseTemplate
	if err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("查询模板列表失败: %w", err)
	}
	return templates, nil
}

func (s *TemplateService) Get(ctx context.Context, id uint) (*model.ExerciseTemplate, error) {
	var tpl model.ExerciseTemplate
	err := s.db.WithContext(ctx).First(&tpl, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("模板 %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("查询模板失败: %w", err)
	}
	return &tpl, nil
}

func (s *TemplateService) Create(ctx context.Context, req TemplateRequest) (*model.ExerciseTemplate, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.QuestionText = strings.TrimSpace(req.QuestionText)
	if err := validateStruct(&req); err != nil {
		return nil, err
	}
	tpl := &model.ExerciseTemplate{Title: req.Title, QuestionText: req.QuestionText}
	if err := s.db.WithContext(ctx).Create(tpl).Error; err != nil {
		return nil, fmt.Errorf("创建模板失败: %w", err)
	}
	return tpl, nil
}

func (s *TemplateService) Delete(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&model.ExerciseTemplate{}, id)
	if res.Error != nil {
		return fmt.Errorf("删除模板失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("模板 %d: %w", id, ErrNotFound)
	}
	return nil
}

// Execute 由模板生成一道 free_text 题目，并以此创建实验。
// 实验校验失败时删除刚生成的题目。
func (s *TemplateService) Execute(ctx context.Context, templateID uint, req TemplateExecutionRequest) (*model.Experiment, error) {
	tpl, err := s.Get(ctx, templateID)
	if err != nil {
		return nil, err
	}

	ex, err := s.exercises.create(ctx, s.db, ExerciseRequest{
		Title:        tpl.Title,
		QuestionText: tpl.QuestionText,
		AnswerType:   string(model.AnswerFreeText),
	}, &tpl.ID)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = tpl.Title
	}
	exp, err := s.experiments.Create(ctx, CreateExperimentRequest{
		Name:              name,
		Description:       req.Description,
		Provider:          req.Provider,
		Model:             req.Model,
		Temperature:       req.Temperature,
		Runs:              req.Runs,
		Sources:           req.Sources,
		ExerciseIDs:       []uint{ex.ID},
		HumanParticipants: req.HumanParticipants,
		ParallelRequests:  req.ParallelRequests,
	})
	if err != nil {
		if delErr := s.db.WithContext(ctx).Unscoped().Delete(ex).Error; delErr != nil {
			return nil, errors.Join(err, fmt.Errorf("清理模板题目失败: %w", delErr))
		}
		return nil, err
	}
	return exp, nil
}

// Executions 由该模板生成的全部实验，按创建时间倒序
func (s *TemplateService) Executions(ctx context.Context, templateID uint) ([]model.Experiment, error) {
	if _, err := s.Get(ctx, templateID); err != nil {
		return nil, err
	}

	sub := s.db.Model(&model.ExperimentExercise{}).
		Select("experiment_exercises.experiment_id").
		Joins("JOIN exercises ON exercises.id = experiment_exercises.exercise_id").
		Where("exercises.template_id = ?", templateID)

	var exps []model.Experiment
	if err := s.db.WithContext(ctx).
		Where("id IN (?)", sub).
		Order("created_at DESC, id DESC").
		Find(&exps).Error; err != nil {
		return nil, fmt.Errorf("查询模板执行记录失败: %w", err)
	}
	return exps, nil
}
