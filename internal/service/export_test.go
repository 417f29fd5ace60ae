package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibench/internal/model"
	"aibench/internal/provider"
)

func TestExportService_CSV(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ft := env.createExercise(t, model.AnswerFreeText, "Say, \"hi\"")
	tf := env.createExercise(t, model.AnswerTrueFalse, "Yes?")
	env.fake.reply = func(_ int, req provider.Request) (string, error) {
		if strings.Contains(req.Prompt.User, `"answer_type":"true_false"`) {
			return `{"response":{"value":"yes"}}`, nil
		}
		return `{"response":{"text":"héllo, world"}}`, nil
	}

	exp := env.createExperiment(t, 2, tf.ID, ft.ID)
	require.NoError(t, env.runner.Execute(ctx, exp.ID))

	var buf bytes.Buffer
	require.NoError(t, env.export.WriteCSV(ctx, &buf, exp.ID))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)

	assert.Equal(t, []string{"run_index", "provider", "model", "question_text", "answer_text", "created_at"}, records[0][:6])
	assert.Equal(t, csvHeader, records[0])

	// run_index 升序，同一 run 内按题目顺序
	wantOrder := [][2]string{{"1", "Yes?"}, {"1", "Say, \"hi\""}, {"2", "Yes?"}, {"2", "Say, \"hi\""}}
	for i, w := range wantOrder {
		rec := records[i+1]
		assert.Equal(t, w[0], rec[0])
		assert.Equal(t, fakeProviderName, rec[1])
		assert.Equal(t, "fake-model", rec[2])
		assert.Equal(t, w[1], rec[3])
		assert.NotEmpty(t, rec[5])
		assert.Equal(t, "true", rec[12])
	}
	assert.Equal(t, "true", records[1][4])
	assert.Equal(t, "true", records[1][9])
	assert.Equal(t, "héllo, world", records[2][4])
	assert.Equal(t, string(model.AnswerFreeText), records[2][8])
}

func TestExportService_JSON(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rk := env.createExercise(t, model.AnswerRanking, "Rank", "a", "b")
	env.fake.reply = func(int, provider.Request) (string, error) {
		return rankingReply(optionID(rk, 1), optionID(rk, 0)), nil
	}
	exp := env.createExperiment(t, 1, rk.ID)
	require.NoError(t, env.runner.Execute(ctx, exp.ID))

	var buf bytes.Buffer
	require.NoError(t, env.export.WriteJSON(ctx, &buf, exp.ID))

	var rows []ExportRow
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].RunIndex)
	assert.Equal(t, []int64{optionID(rk, 1), optionID(rk, 0)}, rows[0].AnswerRanking)
	assert.Equal(t, jsonInts(rows[0].AnswerRanking), rows[0].AnswerText)
}

func TestExportService_EmptyAndMissing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ex := env.createExercise(t, model.AnswerFreeText, "q")
	exp := env.createExperiment(t, 1, ex.ID)

	var buf bytes.Buffer
	require.NoError(t, env.export.WriteCSV(ctx, &buf, exp.ID))
	assert.Equal(t, strings.Join(csvHeader, ",")+"\n", buf.String())

	err := env.export.WriteCSV(ctx, &buf, 999)
	assert.True(t, errors.Is(err, ErrNotFound))
}
