package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"aibench/internal/logger"
	"aibench/internal/model"

	"gorm.io/gorm"
)

// Executor 队列执行的任务（ExperimentRunner 实现）
type Executor interface {
	Execute(ctx context.Context, experimentID uint) error
}

// TaskQueue 有界队列 + 固定 worker，实验在 HTTP 请求之外异步执行。
// Wait 可以等待所有已提交任务结束，测试据此确定性地等待完成。
type TaskQueue struct {
	executor Executor
	metrics  *Metrics
	logger   *slog.Logger

	tasks   chan uint
	pending sync.WaitGroup
	workers sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
}

func NewTaskQueue(executor Executor, workers, size int, metrics *Metrics, l *slog.Logger) *TaskQueue {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &TaskQueue{
		executor: executor,
		metrics:  metrics,
		logger:   logger.Component(l, "task_queue"),
		tasks:    make(chan uint, size),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < workers; i++ {
		q.workers.Add(1)
		go q.worker(i)
	}
	return q
}

func (q *TaskQueue) worker(n int) {
	defer q.workers.Done()
	for id := range q.tasks {
		q.metrics.SetQueueDepth(len(q.tasks))
		start := time.Now()
		if err := q.executor.Execute(q.ctx, id); err != nil {
			q.logger.Error("实验执行出错", "worker", n, "experiment_id", id, "error", err)
		} else {
			q.logger.Debug("任务完成", "worker", n, "experiment_id", id, "elapsed", time.Since(start))
		}
		q.pending.Done()
	}
}

// Submit 非阻塞提交；队列满时返回 ErrQueueFull
func (q *TaskQueue) Submit(experimentID uint) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrStopped
	}

	q.pending.Add(1)
	select {
	case q.tasks <- experimentID:
		q.metrics.SetQueueDepth(len(q.tasks))
		return nil
	default:
		q.pending.Done()
		return fmt.Errorf("实验 %d: %w", experimentID, ErrQueueFull)
	}
}

// Wait 阻塞到所有已提交的任务执行结束
func (q *TaskQueue) Wait() {
	q.pending.Wait()
}

// Stop 不再接收新任务，等待队列中的任务执行完后退出。
// ctx 到期时取消正在执行的任务（执行器会把实验标记为 failed）。
func (q *TaskQueue) Stop(ctx context.Context) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.tasks)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		q.cancel()
		<-done
	}
	q.cancel()
}

// Recover 启动时恢复：running 的实验是上次进程中断留下的，标记为 failed；
// planned 的实验重新入队
func (q *TaskQueue) Recover(ctx context.Context, db *gorm.DB) error {
	now := time.Now()
	interrupted := db.Model(&model.Experiment{}).Select("id").Where("status = ?", model.ExperimentRunning)
	if err := db.WithContext(ctx).Model(&model.Run{}).
		Where("status = ? AND provider <> ? AND experiment_id IN (?)", model.RunRunning, model.SourceHuman, interrupted).
		Updates(map[string]interface{}{
			"status":       model.RunFailed,
			"error":        "interrupted",
			"completed_at": now,
		}).Error; err != nil {
		return fmt.Errorf("标记中断 run 失败: %w", err)
	}

	res := db.WithContext(ctx).Model(&model.Experiment{}).
		Where("status = ?", model.ExperimentRunning).
		Updates(map[string]interface{}{
			"status":      model.ExperimentFailed,
			"error":       "interrupted",
			"finished_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("标记中断实验失败: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		q.logger.Warn("发现中断的实验，已标记为 failed", "count", res.RowsAffected)
	}

	var ids []uint
	if err := db.WithContext(ctx).Model(&model.Experiment{}).
		Where("status = ?", model.ExperimentPlanned).
		Order("id ASC").
		Pluck("id", &ids).Error; err != nil {
		return fmt.Errorf("查询待执行实验失败: %w", err)
	}
	for _, id := range ids {
		if err := q.Submit(id); err != nil {
			q.logger.Warn("重新入队失败", "experiment_id", id, "error", err)
		}
	}
	return nil
}
