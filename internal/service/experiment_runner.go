package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"aibench/internal/logger"
	"aibench/internal/model"
	"aibench/internal/provider"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// ExperimentRunner 批量执行器：run × 题目 逐个调用 provider，解析后写入 BatchItem。
// 单题失败只记录在 BatchItem 上，只有持久化等意外错误才会让整个实验失败。
type ExperimentRunner struct {
	db       *gorm.DB
	registry *provider.Registry
	settings *SettingsService
	coercer  Coercer
	metrics  *Metrics
	logger   *slog.Logger
}

func NewExperimentRunner(db *gorm.DB, registry *provider.Registry, settings *SettingsService, coercer Coercer, metrics *Metrics, l *slog.Logger) *ExperimentRunner {
	return &ExperimentRunner{
		db:       db,
		registry: registry,
		settings: settings,
		coercer:  coercer,
		metrics:  metrics,
		logger:   logger.Component(l, "executor"),
	}
}

// plannedRun 预先分配好 run_index 的一次作答
type plannedRun struct {
	index  int
	source model.ExperimentSource
	apiKey string
}

// plannedExercise 题目及其在实验中的顺序
type plannedExercise struct {
	exercise model.Exercise
	position int
}

// Execute 执行一个 planned 状态的实验。
// 非 planned 状态直接返回 nil，重复调用不会追加 run。
func (r *ExperimentRunner) Execute(ctx context.Context, experimentID uint) (err error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&model.Experiment{}).
		Where("id = ? AND status = ?", experimentID, model.ExperimentPlanned).
		Updates(map[string]interface{}{
			"status":     model.ExperimentRunning,
			"started_at": now,
			"error":      "",
		})
	if res.Error != nil {
		return fmt.Errorf("更新实验状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&model.Experiment{}).Where("id = ?", experimentID).Count(&count).Error; err != nil {
			return fmt.Errorf("查询实验失败: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("实验 %d: %w", experimentID, ErrNotFound)
		}
		r.logger.Info("实验不是 planned 状态，跳过执行", "experiment_id", experimentID)
		return nil
	}

	r.metrics.ExperimentStarted()
	log := r.logger.With("experiment_id", experimentID)
	log.Info("实验开始执行")

	defer func() {
		if p := recover(); p != nil {
			err = &FatalExecutorError{ExperimentID: experimentID, Cause: fmt.Errorf("panic: %v", p)}
		}
		status := model.ExperimentFinished
		if err != nil {
			status = model.ExperimentFailed
			log.Error("实验执行失败", "error", err)
		} else {
			log.Info("实验执行完成", "elapsed", time.Since(now))
		}
		r.finish(context.WithoutCancel(ctx), experimentID, status, err)
	}()

	return r.execute(ctx, experimentID)
}

func (r *ExperimentRunner) execute(ctx context.Context, experimentID uint) error {
	fatal := func(runIndex int, err error) error {
		return &FatalExecutorError{ExperimentID: experimentID, RunIndex: runIndex, Cause: err}
	}

	var exp model.Experiment
	if err := r.db.WithContext(ctx).
		Preload("Sources", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC, id ASC") }).
		First(&exp, experimentID).Error; err != nil {
		return fatal(0, fmt.Errorf("加载实验失败: %w", err))
	}

	exercises, err := r.loadExercises(ctx, experimentID)
	if err != nil {
		return fatal(0, err)
	}

	runs, err := r.planRuns(ctx, &exp)
	if err != nil {
		return fatal(0, err)
	}

	if exp.ParallelRequests > 1 && len(runs) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(exp.ParallelRequests)
		for _, pr := range runs {
			g.Go(func() error {
				if err := r.runOnce(gctx, &exp, pr, exercises); err != nil {
					return fatal(pr.index, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	} else {
		for _, pr := range runs {
			if err := r.runOnce(ctx, &exp, pr, exercises); err != nil {
				return fatal(pr.index, err)
			}
		}
	}

	next := len(runs) + 1
	if len(runs) > 0 {
		next = runs[len(runs)-1].index + 1
	}
	if err := r.allocateHumanRuns(ctx, &exp, next); err != nil {
		return fatal(0, err)
	}
	return nil
}

// loadExercises 按 position 顺序取实验的题目（含选项）；软删除的题目照常读取
func (r *ExperimentRunner) loadExercises(ctx context.Context, experimentID uint) ([]plannedExercise, error) {
	var links []model.ExperimentExercise
	if err := r.db.WithContext(ctx).
		Where("experiment_id = ?", experimentID).
		Order("position ASC, exercise_id ASC").
		Find(&links).Error; err != nil {
		return nil, fmt.Errorf("查询实验题目失败: %w", err)
	}

	out := make([]plannedExercise, 0, len(links))
	for _, link := range links {
		ex, err := loadBundledExercise(ctx, r.db, link.ExerciseID)
		if err != nil {
			return nil, err
		}
		out = append(out, plannedExercise{exercise: *ex, position: link.Position})
	}
	return out, nil
}

// planRuns 按来源顺序展开全部 AI run，run_index 在实验内连续递增
func (r *ExperimentRunner) planRuns(ctx context.Context, exp *model.Experiment) ([]plannedRun, error) {
	var maxIndex int
	if err := r.db.WithContext(ctx).Model(&model.Run{}).
		Where("experiment_id = ?", exp.ID).
		Select("COALESCE(MAX(run_index), 0)").
		Scan(&maxIndex).Error; err != nil {
		return nil, fmt.Errorf("查询 run 序号失败: %w", err)
	}

	sources := exp.Sources
	if len(sources) == 0 {
		// 兼容只有主来源字段的实验
		sources = []model.ExperimentSource{{
			ExperimentID: exp.ID,
			Provider:     exp.Provider,
			Model:        exp.Model,
			Temperature:  exp.Temperature,
			Runs:         exp.RunCount,
		}}
	}

	keys := map[string]string{}
	runs := make([]plannedRun, 0, exp.RunCount)
	index := maxIndex
	for _, src := range sources {
		key, ok := keys[src.Provider]
		if !ok {
			k, err := r.settings.APIKey(ctx, src.Provider)
			if err != nil {
				return nil, err
			}
			keys[src.Provider] = k
			key = k
		}
		for i := 0; i < src.Runs; i++ {
			index++
			runs = append(runs, plannedRun{index: index, source: src, apiKey: key})
		}
	}
	return runs, nil
}

// runOnce 一次完整作答：按顺序逐题调用，每题必写一条 BatchItem
func (r *ExperimentRunner) runOnce(ctx context.Context, exp *model.Experiment, pr plannedRun, exercises []plannedExercise) error {
	label := pr.source.Label
	if label == "" {
		label = fmt.Sprintf("%s/%s", pr.source.Provider, pr.source.Model)
	}
	run := &model.Run{
		ExperimentID: exp.ID,
		RunIndex:     pr.index,
		SourceLabel:  label,
		Provider:     pr.source.Provider,
		Model:        pr.source.Model,
		Temperature:  pr.source.Temperature,
		Status:       model.RunRunning,
		StartedAt:    time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("创建 run 失败: %w", err)
	}

	for _, pe := range exercises {
		if err := ctx.Err(); err != nil {
			r.failRun(run, err)
			return fmt.Errorf("执行被中断: %w", err)
		}

		item := r.answer(ctx, run, pr.apiKey, &pe.exercise, pe.position)
		if err := r.db.WithContext(ctx).Create(item).Error; err != nil {
			r.failRun(run, err)
			return fmt.Errorf("写入 batch item 失败: %w", err)
		}
		r.metrics.IncBatchItem(string(item.AnswerType), item.ParseSuccess)
	}

	completed := time.Now()
	if err := r.db.WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"status":       model.RunCompleted,
		"completed_at": completed,
	}).Error; err != nil {
		return fmt.Errorf("更新 run 状态失败: %w", err)
	}
	r.logger.Debug("run 完成", "experiment_id", exp.ID, "run_index", run.RunIndex, "source", label)
	return nil
}

// answer 调用 provider 并解析；任何失败都落在返回的 BatchItem 上
func (r *ExperimentRunner) answer(ctx context.Context, run *model.Run, apiKey string, ex *model.Exercise, position int) *model.BatchItem {
	item := &model.BatchItem{
		RunID:        run.ID,
		ExerciseID:   ex.ID,
		Position:     position,
		QuestionText: ex.QuestionText,
		AnswerType:   ex.AnswerType,
		OptionsJSON:  optionSnapshot(ex),
	}

	start := time.Now()
	raw, err := r.registry.Call(ctx, run.Provider, run.Model, run.Temperature, apiKey, BuildPrompt(ex))
	if err != nil {
		r.metrics.ObserveProviderCall(run.Provider, providerOutcome(err), time.Since(start))
		r.logger.Warn("provider 调用失败",
			"experiment_id", run.ExperimentID,
			"run_index", run.RunIndex,
			"exercise_id", ex.ID,
			"error", err,
		)
		item.ParseSuccess = false
		item.Error = err.Error()
		return item
	}
	r.metrics.ObserveProviderCall(run.Provider, "ok", time.Since(start))

	result := r.coercer.Coerce(ex.AnswerType, raw)
	result.Answer.Apply(item)
	item.ParseSuccess = result.ParseSuccess
	item.RawResponse = raw
	if result.Err != nil {
		item.Error = result.Err.Error()
	}
	return item
}

func providerOutcome(err error) string {
	var pe *provider.ProviderError
	if errors.As(err, &pe) {
		return string(pe.Type)
	}
	return "error"
}

// allocateHumanRuns 为人类参与者预留 run，序号接在 AI run 之后
func (r *ExperimentRunner) allocateHumanRuns(ctx context.Context, exp *model.Experiment, startIndex int) error {
	for i := 0; i < exp.HumanParticipants; i++ {
		run := &model.Run{
			ExperimentID: exp.ID,
			RunIndex:     startIndex + i,
			SourceLabel:  fmt.Sprintf("human-%d", i+1),
			Provider:     model.SourceHuman,
			Status:       model.RunRunning,
			StartedAt:    time.Now(),
		}
		if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
			return fmt.Errorf("创建人类参与者 run 失败: %w", err)
		}
	}
	return nil
}

func (r *ExperimentRunner) failRun(run *model.Run, cause error) {
	completed := time.Now()
	if err := r.db.Model(run).Updates(map[string]interface{}{
		"status":       model.RunFailed,
		"error":        cause.Error(),
		"completed_at": completed,
	}).Error; err != nil {
		r.logger.Error("更新 run 状态失败", "run_id", run.ID, "error", err)
	}
}

func (r *ExperimentRunner) finish(ctx context.Context, experimentID uint, status model.ExperimentStatus, cause error) {
	updates := map[string]interface{}{
		"status":      status,
		"finished_at": time.Now(),
	}
	if cause != nil {
		updates["error"] = cause.Error()
	}
	if err := r.db.WithContext(ctx).Model(&model.Experiment{}).
		Where("id = ?", experimentID).
		Updates(updates).Error; err != nil {
		r.logger.Error("更新实验最终状态失败", "experiment_id", experimentID, "error", err)
	}
	r.metrics.ExperimentDone(string(status))
}
