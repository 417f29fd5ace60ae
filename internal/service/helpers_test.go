package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"aibench/internal/config"
	"aibench/internal/db"
	"aibench/internal/model"
	"aibench/internal/provider"
)

const fakeProviderName = "fake"

// fakeProvider 按题型给出固定回复，可以注入失败
type fakeProvider struct {
	name     string
	keyless  bool
	delay    time.Duration
	mu       sync.Mutex
	calls    int
	requests []provider.Request
	reply    func(call int, req provider.Request) (string, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) RequiresAPIKey() bool { return !f.keyless }

func (f *fakeProvider) Send(ctx context.Context, req provider.Request) (string, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.reply != nil {
		return f.reply(call, req)
	}
	return `{"response":{"text":"ok","value":"yes","selected_option_id":1,"ordered_option_ids":[1]}}`, nil
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEnv struct {
	db          *gorm.DB
	cfg         *config.Config
	registry    *provider.Registry
	fake        *fakeProvider
	settings    *SettingsService
	runner      *ExperimentRunner
	experiments *ExperimentService
	exercises   *ExerciseService
	templates   *TemplateService
	export      *ExportService
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return conn
}

// newTestEnv 内存 sqlite + fake provider（配置中带 key），不启动队列
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn := newTestDB(t)

	cfg := config.Default()
	cfg.Providers[fakeProviderName] = config.ProviderConfig{APIKey: "test-key"}

	fake := &fakeProvider{name: fakeProviderName}
	registry := provider.NewRegistry(5 * time.Second)
	registry.Register(fake, 0)
	registry.Register(provider.NewSample(), 0)

	l := discardLogger()
	metrics := MustNewMetrics(prometheus.NewRegistry())
	settings := NewSettingsService(conn, cfg)
	coercer := Coercer{}
	runner := NewExperimentRunner(conn, registry, settings, coercer, metrics, l)
	experiments := NewExperimentService(conn, registry, settings, nil, coercer, l)
	exercises := NewExerciseService(conn)

	return &testEnv{
		db:          conn,
		cfg:         cfg,
		registry:    registry,
		fake:        fake,
		settings:    settings,
		runner:      runner,
		experiments: experiments,
		exercises:   exercises,
		templates:   NewTemplateService(conn, exercises, experiments),
		export:      NewExportService(conn),
	}
}

func (e *testEnv) createExercise(t *testing.T, answerType model.AnswerType, question string, options ...string) *model.Exercise {
	t.Helper()
	req := ExerciseRequest{QuestionText: question, AnswerType: string(answerType)}
	for _, o := range options {
		req.Options = append(req.Options, OptionRequest{Text: o})
	}
	ex, err := e.exercises.Create(context.Background(), req)
	require.NoError(t, err)
	return ex
}

func (e *testEnv) createExperiment(t *testing.T, runs int, exerciseIDs ...uint) *model.Experiment {
	t.Helper()
	exp, err := e.experiments.Create(context.Background(), CreateExperimentRequest{
		Name:        "exp",
		Provider:    fakeProviderName,
		Model:       "fake-model",
		Runs:        &runs,
		ExerciseIDs: exerciseIDs,
	})
	require.NoError(t, err)
	return exp
}

func (e *testEnv) reloadExperiment(t *testing.T, id uint) *model.Experiment {
	t.Helper()
	var exp model.Experiment
	require.NoError(t, e.db.First(&exp, id).Error)
	return &exp
}

func (e *testEnv) countItems(t *testing.T, experimentID uint) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&model.BatchItem{}).
		Joins("JOIN runs ON runs.id = batch_items.run_id").
		Where("runs.experiment_id = ?", experimentID).
		Count(&n).Error)
	return n
}

func errorReply(msg string) func(int, provider.Request) (string, error) {
	return func(int, provider.Request) (string, error) {
		return "", &provider.ProviderError{Provider: fakeProviderName, Type: provider.ErrorTypeHTTPStatus, Message: msg, Cause: errors.New(msg)}
	}
}

func intPtr(v int) *int { return &v }

func optionID(ex *model.Exercise, i int) int64 {
	return int64(ex.Options[i].ID)
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func rankingReply(ids ...int64) string {
	return fmt.Sprintf(`{"response":{"ordered_option_ids":%s}}`, jsonInts(ids))
}

func jsonInts(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, itoa(id))
	}
	return "[" + strings.Join(parts, ",") + "]"
}
