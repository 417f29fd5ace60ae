package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibench/internal/model"
)

type blockingExecutor struct {
	mu      sync.Mutex
	ids     []uint
	release chan struct{}
}

func (e *blockingExecutor) Execute(ctx context.Context, id uint) error {
	if e.release != nil {
		select {
		case <-e.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.mu.Lock()
	e.ids = append(e.ids, id)
	e.mu.Unlock()
	return nil
}

func (e *blockingExecutor) executed() []uint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint(nil), e.ids...)
}

func TestTaskQueue_SubmitAndWait(t *testing.T) {
	exec := &blockingExecutor{}
	q := NewTaskQueue(exec, 2, 8, nil, discardLogger())
	defer q.Stop(context.Background())

	for id := uint(1); id <= 5; id++ {
		require.NoError(t, q.Submit(id))
	}
	q.Wait()
	assert.ElementsMatch(t, []uint{1, 2, 3, 4, 5}, exec.executed())
}

func TestTaskQueue_Full(t *testing.T) {
	exec := &blockingExecutor{release: make(chan struct{})}
	q := NewTaskQueue(exec, 1, 1, nil, discardLogger())

	require.NoError(t, q.Submit(1))
	// 等 worker 取走第一个任务，队列只剩一个空位
	require.Eventually(t, func() bool { return len(q.tasks) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, q.Submit(2))

	err := q.Submit(3)
	assert.True(t, errors.Is(err, ErrQueueFull))

	close(exec.release)
	q.Wait()
	assert.Equal(t, []uint{1, 2}, exec.executed())

	q.Stop(context.Background())
	assert.True(t, errors.Is(q.Submit(4), ErrStopped))
	// 重复 Stop 不会 panic
	q.Stop(context.Background())
}

func TestTaskQueue_StopCancelsRunningTasks(t *testing.T) {
	exec := &blockingExecutor{release: make(chan struct{})}
	q := NewTaskQueue(exec, 1, 4, nil, discardLogger())
	require.NoError(t, q.Submit(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	q.Stop(ctx)
	assert.Empty(t, exec.executed())
}

func TestTaskQueue_RunsExperimentsEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	q := NewTaskQueue(env.runner, 2, 8, nil, discardLogger())
	defer q.Stop(context.Background())
	env.experiments.queue = q

	ex := env.createExercise(t, model.AnswerFreeText, "q")
	a := env.createExperiment(t, 2, ex.ID)
	b := env.createExperiment(t, 3, ex.ID)
	q.Wait()

	assert.Equal(t, model.ExperimentFinished, env.reloadExperiment(t, a.ID).Status)
	assert.Equal(t, model.ExperimentFinished, env.reloadExperiment(t, b.ID).Status)
	assert.Equal(t, int64(2), env.countItems(t, a.ID))
	assert.Equal(t, int64(3), env.countItems(t, b.ID))

	// 重复触发不会追加 run
	_, err := env.experiments.Trigger(ctx, a.ID)
	require.NoError(t, err)
	q.Wait()
	assert.Equal(t, int64(2), env.countItems(t, a.ID))
}

func TestTaskQueue_Recover(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ex := env.createExercise(t, model.AnswerFreeText, "q")
	interrupted := env.createExperiment(t, 2, ex.ID)
	planned := env.createExperiment(t, 1, ex.ID)
	done := env.createExperiment(t, 1, ex.ID)
	require.NoError(t, env.runner.Execute(ctx, done.ID))

	// 模拟进程在执行中途退出
	require.NoError(t, env.db.Model(&model.Experiment{}).Where("id = ?", interrupted.ID).
		Update("status", model.ExperimentRunning).Error)
	stale := &model.Run{ExperimentID: interrupted.ID, RunIndex: 1, Provider: fakeProviderName, Status: model.RunRunning, StartedAt: time.Now()}
	require.NoError(t, env.db.Create(stale).Error)

	q := NewTaskQueue(env.runner, 1, 8, nil, discardLogger())
	defer q.Stop(context.Background())
	require.NoError(t, q.Recover(ctx, env.db))
	q.Wait()

	got := env.reloadExperiment(t, interrupted.ID)
	assert.Equal(t, model.ExperimentFailed, got.Status)
	assert.Equal(t, "interrupted", got.Error)
	require.NoError(t, env.db.First(stale, stale.ID).Error)
	assert.Equal(t, model.RunFailed, stale.Status)

	assert.Equal(t, model.ExperimentFinished, env.reloadExperiment(t, planned.ID).Status)
	assert.Equal(t, int64(1), env.countItems(t, planned.ID))
	assert.Equal(t, model.ExperimentFinished, env.reloadExperiment(t, done.ID).Status)
	assert.Equal(t, int64(1), env.countItems(t, done.ID))
}
