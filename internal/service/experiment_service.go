package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"aibench/internal/logger"
	"aibench/internal/model"
	"aibench/internal/provider"

	"gorm.io/gorm"
)

// Submitter 异步执行入口（TaskQueue 实现）
type Submitter interface {
	Submit(experimentID uint) error
}

type SourceRequest struct {
	Label       string  `json:"label" validate:"max=255"`
	Provider    string  `json:"provider" validate:"required"`
	Model       string  `json:"model" validate:"required,max=255"`
	Temperature float64 `json:"temperature" validate:"gte=0,lte=2"`
	Runs        int     `json:"runs" validate:"gte=1,lte=1000"`
}

// CreateExperimentRequest 单来源时可直接填写 provider/model/temperature/runs，
// 多来源时填写 sources（两者同时给出时以 sources 为准）
type CreateExperimentRequest struct {
	Name        string `json:"name" validate:"required,max=255"`
	Description string `json:"description"`

	Provider    string          `json:"provider,omitempty"`
	Model       string          `json:"model,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Runs        *int            `json:"runs,omitempty"`
	Sources     []SourceRequest `json:"sources" validate:"required,min=1,dive"`

	ExerciseIDs       []uint `json:"exercise_ids" validate:"required,min=1,unique,dive,gt=0"`
	HumanParticipants int    `json:"human_participants" validate:"gte=0,lte=100"`
	ParallelRequests  int    `json:"parallel_requests" validate:"gte=0,lte=32"`
}

// normalize 把单来源写法展开为 sources
func (req *CreateExperimentRequest) normalize() {
	req.Name = strings.TrimSpace(req.Name)
	if len(req.Sources) == 0 && (req.Provider != "" || req.Model != "") {
		runs := 1
		if req.Runs != nil {
			runs = *req.Runs
		}
		req.Sources = []SourceRequest{{
			Provider:    req.Provider,
			Model:       req.Model,
			Temperature: req.Temperature,
			Runs:        runs,
		}}
	}
	for i := range req.Sources {
		req.Sources[i].Provider = strings.ToLower(strings.TrimSpace(req.Sources[i].Provider))
		req.Sources[i].Model = strings.TrimSpace(req.Sources[i].Model)
		req.Sources[i].Label = strings.TrimSpace(req.Sources[i].Label)
	}
}

type ExperimentService struct {
	db       *gorm.DB
	registry *provider.Registry
	settings *SettingsService
	queue    Submitter
	coercer  Coercer
	logger   *slog.Logger
}

func NewExperimentService(db *gorm.DB, registry *provider.Registry, settings *SettingsService, queue Submitter, coercer Coercer, l *slog.Logger) *ExperimentService {
	return &ExperimentService{
		db:       db,
		registry: registry,
		settings: settings,
		queue:    queue,
		coercer:  coercer,
		logger:   logger.Component(l, "experiment"),
	}
}

// Create 校验并创建实验，成功后提交到执行队列。
// 任何校验失败（包括 API key 缺失）都不会写入实验、run 或 batch item。
func (s *ExperimentService) Create(ctx context.Context, req CreateExperimentRequest) (*model.Experiment, error) {
	req.normalize()
	if err := validateStruct(&req); err != nil {
		return nil, err
	}
	if err := s.preflight(ctx, &req); err != nil {
		return nil, err
	}

	exp, err := s.persist(ctx, &req)
	if err != nil {
		return nil, err
	}
	s.logger.Info("实验已创建", "experiment_id", exp.ID, "runs", exp.RunCount, "exercises", len(req.ExerciseIDs))

	s.submit(exp.ID)
	return exp, nil
}

// preflight provider 是否存在、key 是否配置、题目是否存在
func (s *ExperimentService) preflight(ctx context.Context, req *CreateExperimentRequest) error {
	ve := &ValidationError{}
	for i, src := range req.Sources {
		field := fmt.Sprintf("sources[%d].provider", i)
		if src.Provider == model.SourceHuman || !s.registry.Has(src.Provider) {
			ve.add(field, fmt.Sprintf("unknown provider %q", src.Provider))
			continue
		}
		if !s.registry.RequiresAPIKey(src.Provider) {
			continue
		}
		key, err := s.settings.APIKey(ctx, src.Provider)
		if err != nil {
			return err
		}
		if key == "" {
			ve.add(field, fmt.Sprintf("API key missing for provider %q", src.Provider))
		}
	}

	var found []uint
	if err := s.db.WithContext(ctx).Model(&model.Exercise{}).
		Where("id IN ?", req.ExerciseIDs).
		Pluck("id", &found).Error; err != nil {
		return fmt.Errorf("查询题目失败: %w", err)
	}
	if len(found) != len(req.ExerciseIDs) {
		exists := make(map[uint]bool, len(found))
		for _, id := range found {
			exists[id] = true
		}
		var missing []string
		for _, id := range req.ExerciseIDs {
			if !exists[id] {
				missing = append(missing, fmt.Sprint(id))
			}
		}
		ve.add("exercise_ids", "unknown exercises: "+strings.Join(missing, ","))
	}
	return ve.orNil()
}

func (s *ExperimentService) persist(ctx context.Context, req *CreateExperimentRequest) (*model.Experiment, error) {
	first := req.Sources[0]
	total := 0
	for _, src := range req.Sources {
		total += src.Runs
	}
	parallel := req.ParallelRequests
	if parallel <= 0 {
		parallel = 1
	}

	exp := &model.Experiment{
		Name:              req.Name,
		Description:       req.Description,
		Provider:          first.Provider,
		Model:             first.Model,
		Temperature:       first.Temperature,
		RunCount:          total,
		HumanParticipants: req.HumanParticipants,
		ParallelRequests:  parallel,
		Status:            model.ExperimentPlanned,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(exp).Error; err != nil {
			return fmt.Errorf("创建实验失败: %w", err)
		}
		for i, src := range req.Sources {
			source := model.ExperimentSource{
				ExperimentID: exp.ID,
				Position:     i,
				Label:        src.Label,
				Provider:     src.Provider,
				Model:        src.Model,
				Temperature:  src.Temperature,
				Runs:         src.Runs,
			}
			if err := tx.Create(&source).Error; err != nil {
				return fmt.Errorf("创建实验来源失败: %w", err)
			}
			exp.Sources = append(exp.Sources, source)
		}
		for i, exerciseID := range req.ExerciseIDs {
			link := model.ExperimentExercise{ExperimentID: exp.ID, ExerciseID: exerciseID, Position: i}
			if err := tx.Create(&link).Error; err != nil {
				return fmt.Errorf("关联实验题目失败: %w", err)
			}
			exp.Exercises = append(exp.Exercises, link)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return exp, nil
}

// submit 入队失败时实验保持 planned，可通过 Trigger 或重启恢复
func (s *ExperimentService) submit(id uint) {
	if s.queue == nil {
		return
	}
	if err := s.queue.Submit(id); err != nil {
		s.logger.Warn("实验入队失败，保持 planned 状态", "experiment_id", id, "error", err)
	}
}

func (s *ExperimentService) Get(ctx context.Context, id uint) (*model.Experiment, error) {
	var exp model.Experiment
	err := s.db.WithContext(ctx).
		Preload("Sources", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC, id ASC") }).
		Preload("Exercises", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		First(&exp, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("实验 %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("查询实验失败: %w", err)
	}
	return &exp, nil
}

type ExperimentSummary struct {
	model.Experiment
	ExerciseCount int64 `json:"exercise_count"`
	TotalRuns     int64 `json:"total_runs"`
	CompletedRuns int64 `json:"completed_runs"`
}

// List 按创建时间倒序，附带 run 进度
func (s *ExperimentService) List(ctx context.Context) ([]ExperimentSummary, error) {
	var exps []model.Experiment
	if err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&exps).Error; err != nil {
		return nil, fmt.Errorf("查询实验列表失败: %w", err)
	}
	if len(exps) == 0 {
		return []ExperimentSummary{}, nil
	}

	ids := make([]uint, 0, len(exps))
	for _, e := range exps {
		ids = append(ids, e.ID)
	}

	type countRow struct {
		ExperimentID uint
		Total        int64
		Completed    int64
	}
	var runRows []countRow
	if err := s.db.WithContext(ctx).Model(&model.Run{}).
		Select("experiment_id, COUNT(*) AS total, SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed", model.RunCompleted).
		Where("experiment_id IN ?", ids).
		Group("experiment_id").
		Scan(&runRows).Error; err != nil {
		return nil, fmt.Errorf("统计 run 失败: %w", err)
	}
	runs := make(map[uint]countRow, len(runRows))
	for _, r := range runRows {
		runs[r.ExperimentID] = r
	}

	var exRows []countRow
	if err := s.db.WithContext(ctx).Model(&model.ExperimentExercise{}).
		Select("experiment_id, COUNT(*) AS total").
		Where("experiment_id IN ?", ids).
		Group("experiment_id").
		Scan(&exRows).Error; err != nil {
		return nil, fmt.Errorf("统计实验题目失败: %w", err)
	}
	exCount := make(map[uint]int64, len(exRows))
	for _, r := range exRows {
		exCount[r.ExperimentID] = r.Total
	}

	out := make([]ExperimentSummary, 0, len(exps))
	for _, e := range exps {
		out = append(out, ExperimentSummary{
			Experiment:    e,
			ExerciseCount: exCount[e.ID],
			TotalRuns:     runs[e.ID].Total,
			CompletedRuns: runs[e.ID].Completed,
		})
	}
	return out, nil
}

// Runs 按 run_index 升序
func (s *ExperimentService) Runs(ctx context.Context, experimentID uint) ([]model.Run, error) {
	if _, err := s.Get(ctx, experimentID); err != nil {
		return nil, err
	}
	var runs []model.Run
	if err := s.db.WithContext(ctx).
		Where("experiment_id = ?", experimentID).
		Order("run_index ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("查询 run 失败: %w", err)
	}
	return runs, nil
}

type ExperimentExerciseView struct {
	model.Exercise
	Position       int   `json:"position"`
	CompletedItems int64 `json:"completed_items"`
}

// Exercises 实验题目（按 position），附带已写入的 batch item 数
func (s *ExperimentService) Exercises(ctx context.Context, experimentID uint) ([]ExperimentExerciseView, error) {
	exp, err := s.Get(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	out := make([]ExperimentExerciseView, 0, len(exp.Exercises))
	for _, link := range exp.Exercises {
		ex, err := loadBundledExercise(ctx, s.db, link.ExerciseID)
		if err != nil {
			return nil, err
		}

		var count int64
		if err := s.db.WithContext(ctx).Model(&model.BatchItem{}).
			Joins("JOIN runs ON runs.id = batch_items.run_id").
			Where("runs.experiment_id = ? AND batch_items.exercise_id = ?", experimentID, link.ExerciseID).
			Count(&count).Error; err != nil {
			return nil, fmt.Errorf("统计 batch item 失败: %w", err)
		}
		out = append(out, ExperimentExerciseView{Exercise: *ex, Position: link.Position, CompletedItems: count})
	}
	return out, nil
}

type BatchItemView struct {
	model.BatchItem
	RunIndex    int    `json:"run_index"`
	SourceLabel string `json:"source_label"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	Answer      any    `json:"answer"`
}

// BatchItems 某道题在实验内所有 run 的答案，按 run_index 排序
func (s *ExperimentService) BatchItems(ctx context.Context, experimentID, exerciseID uint) ([]BatchItemView, error) {
	if _, err := s.Get(ctx, experimentID); err != nil {
		return nil, err
	}

	var runs []model.Run
	if err := s.db.WithContext(ctx).
		Where("experiment_id = ?", experimentID).
		Order("run_index ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("查询 run 失败: %w", err)
	}
	if len(runs) == 0 {
		return []BatchItemView{}, nil
	}

	runByID := make(map[uint]model.Run, len(runs))
	runIDs := make([]uint, 0, len(runs))
	for _, r := range runs {
		runByID[r.ID] = r
		runIDs = append(runIDs, r.ID)
	}

	var items []model.BatchItem
	if err := s.db.WithContext(ctx).
		Where("run_id IN ? AND exercise_id = ?", runIDs, exerciseID).
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("查询 batch item 失败: %w", err)
	}

	byRun := make(map[uint]model.BatchItem, len(items))
	for _, it := range items {
		byRun[it.RunID] = it
	}
	out := make([]BatchItemView, 0, len(items))
	for _, r := range runs {
		it, ok := byRun[r.ID]
		if !ok {
			continue
		}
		out = append(out, BatchItemView{
			BatchItem:   it,
			RunIndex:    r.RunIndex,
			SourceLabel: r.SourceLabel,
			Provider:    r.Provider,
			Model:       r.Model,
			Answer:      it.DisplayAnswer(),
		})
	}
	return out, nil
}

// Trigger 重新提交执行；非 planned 的实验执行器会直接跳过
func (s *ExperimentService) Trigger(ctx context.Context, id uint) (*model.Experiment, error) {
	exp, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.queue == nil {
		return exp, nil
	}
	if err := s.queue.Submit(id); err != nil {
		return nil, err
	}
	return exp, nil
}

// HumanAnswerRequest response 与模型回复中的 response 字段结构相同
type HumanAnswerRequest struct {
	ExerciseID uint            `json:"exercise_id" validate:"required"`
	Response   json.RawMessage `json:"response" validate:"required"`
}

// SubmitHumanAnswer 记录人类参与者对一道题的回答；全部题目答完后 run 置为 completed
func (s *ExperimentService) SubmitHumanAnswer(ctx context.Context, experimentID, runID uint, req HumanAnswerRequest) (*model.BatchItem, error) {
	if err := validateStruct(&req); err != nil {
		return nil, err
	}

	var run model.Run
	err := s.db.WithContext(ctx).Where("id = ? AND experiment_id = ?", runID, experimentID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("查询 run 失败: %w", err)
	}
	if !run.IsHuman() {
		return nil, newValidationError("run_id", "run is not a human participant slot")
	}
	if run.Status != model.RunRunning {
		return nil, fmt.Errorf("run %d 已结束: %w", runID, ErrConflict)
	}

	var link model.ExperimentExercise
	err = s.db.WithContext(ctx).
		Where("experiment_id = ? AND exercise_id = ?", experimentID, req.ExerciseID).
		First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newValidationError("exercise_id", "exercise is not part of this experiment")
	}
	if err != nil {
		return nil, fmt.Errorf("查询实验题目失败: %w", err)
	}

	ex, err := loadBundledExercise(ctx, s.db, req.ExerciseID)
	if err != nil {
		return nil, err
	}

	raw := `{"response":` + string(req.Response) + `}`
	result := s.coercer.Coerce(ex.AnswerType, raw)
	item := &model.BatchItem{
		RunID:        run.ID,
		ExerciseID:   ex.ID,
		Position:     link.Position,
		QuestionText: ex.QuestionText,
		AnswerType:   ex.AnswerType,
		OptionsJSON:  optionSnapshot(ex),
		ParseSuccess: result.ParseSuccess,
		RawResponse:  raw,
	}
	result.Answer.Apply(item)
	if result.Err != nil {
		item.Error = result.Err.Error()
	}
	// (run_id, exercise_id) 唯一索引兜底并发的重复提交
	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("题目 %d 已作答: %w", ex.ID, ErrConflict)
		}
		return nil, fmt.Errorf("写入 batch item 失败: %w", err)
	}

	if err := s.completeHumanRun(ctx, &run); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *ExperimentService) completeHumanRun(ctx context.Context, run *model.Run) error {
	var total, answered int64
	if err := s.db.WithContext(ctx).Model(&model.ExperimentExercise{}).
		Where("experiment_id = ?", run.ExperimentID).
		Count(&total).Error; err != nil {
		return fmt.Errorf("统计实验题目失败: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&model.BatchItem{}).
		Where("run_id = ?", run.ID).
		Count(&answered).Error; err != nil {
		return fmt.Errorf("统计 batch item 失败: %w", err)
	}
	if answered < total {
		return nil
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"status":       model.RunCompleted,
		"completed_at": now,
	}).Error; err != nil {
		return fmt.Errorf("更新 run 状态失败: %w", err)
	}
	return nil
}
