package service

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibench/internal/model"
	"aibench/internal/provider"
)

func TestRenderExperimentReport(t *testing.T) {
	exp := &model.Experiment{
		ID:        3,
		Name:      "capitals",
		Status:    model.ExperimentFinished,
		RunCount:  2,
		Sources:   []model.ExperimentSource{{Position: 0, Provider: "openai", Model: "gpt-4o-mini", Temperature: 0.7, Runs: 2}},
		Exercises: []model.ExperimentExercise{{ExerciseID: 1}},
	}
	rows := []ExportRow{
		{RunIndex: 1, Source: "openai/gpt-4o-mini", ExerciseID: 1, QuestionText: "Pick", AnswerType: model.AnswerSingleChoice, AnswerOptionID: int64Ptr(4), ParseSuccess: true},
		{RunIndex: 2, Source: "openai/gpt-4o-mini", ExerciseID: 1, QuestionText: "Pick", AnswerType: model.AnswerSingleChoice, ParseSuccess: false, Error: "openai: [timeout] deadline"},
	}

	report := RenderExperimentReport(exp, ComputeExperimentStats(rows), rows)

	assert.True(t, strings.HasPrefix(report, "# 实验报告：capitals\n"))
	assert.Contains(t, report, "- status: finished")
	assert.Contains(t, report, "| 1 | openai | gpt-4o-mini | 0.70 | 2 |")
	assert.Contains(t, report, "## 解析统计")
	assert.Contains(t, report, "| **合计** | 2 | 1 | 0.500 |")
	assert.Contains(t, report, "### 1. Pick")
	assert.Contains(t, report, "- option 4: 1")
	assert.Contains(t, report, "## 失败条目")
	assert.Contains(t, report, "run=2 source=openai/gpt-4o-mini exercise=1: openai: [timeout] deadline")
}

func TestRenderExperimentReport_TruncatesFailures(t *testing.T) {
	exp := &model.Experiment{ID: 1, Name: "many"}
	var rows []ExportRow
	for i := 1; i <= 25; i++ {
		rows = append(rows, ExportRow{RunIndex: i, Source: "s", ExerciseID: 1, QuestionText: "q", AnswerType: model.AnswerFreeText})
	}

	report := RenderExperimentReport(exp, ComputeExperimentStats(rows), rows)
	assert.Equal(t, 20, strings.Count(report, ": parse failed"))
	assert.Contains(t, report, "- ...(剩余 5 条省略)")
}

func TestExportService_Report(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ex := env.createExercise(t, model.AnswerFreeText, "Capital of France?")
	env.fake.reply = func(call int, _ provider.Request) (string, error) {
		return fmt.Sprintf(`{"response":{"text":"Paris %d"}}`, call%2), nil
	}
	exp := env.createExperiment(t, 4, ex.ID)
	require.NoError(t, env.runner.Execute(ctx, exp.ID))

	loaded, err := env.experiments.Get(ctx, exp.ID)
	require.NoError(t, err)
	report, err := env.export.Report(ctx, loaded)
	require.NoError(t, err)

	assert.Contains(t, report, "### 1. Capital of France?")
	assert.Contains(t, report, `- "Paris 0" × 2`)
	assert.Contains(t, report, `- "Paris 1" × 2`)
	assert.NotContains(t, report, "## 失败条目")

	stats, err := env.export.Stats(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, exp.ID, stats.ExperimentID)
	assert.Equal(t, 4, stats.Overall.Parsed)
}
