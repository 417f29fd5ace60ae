package service

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibench/internal/model"
)

func decodePromptTemplate(t *testing.T, user string) map[string]any {
	t.Helper()
	idx := strings.Index(user, "{")
	require.GreaterOrEqual(t, idx, 0)
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(user[idx:]), &doc))
	tpl, ok := doc["template"].(map[string]any)
	require.True(t, ok)
	return tpl
}

func TestBuildPrompt_SingleChoice(t *testing.T) {
	ex := &model.Exercise{
		QuestionText: "Which is <best>?",
		AnswerType:   model.AnswerSingleChoice,
		Options: []model.ExerciseOption{
			{ID: 20, Text: "second", Position: 1},
			{ID: 10, Text: "first", Position: 0},
		},
	}

	p := BuildPrompt(ex)
	assert.True(t, p.JSON)
	assert.Contains(t, p.System, "strictly in JSON")
	assert.True(t, strings.HasPrefix(p.User, userInstruction+"\n"))
	// HTML 字符不转义
	assert.Contains(t, p.User, "<best>")

	tpl := decodePromptTemplate(t, p.User)
	assert.Equal(t, "Which is <best>?", tpl["question"])
	assert.Equal(t, "single_choice", tpl["answer_type"])
	assert.Equal(t, templateInstruction, tpl["instructions"])

	options := tpl["options"].([]any)
	require.Len(t, options, 2)
	assert.Equal(t, float64(10), options[0].(map[string]any)["id"])
	assert.Equal(t, "first", options[0].(map[string]any)["text"])

	response := tpl["response"].(map[string]any)
	assert.Contains(t, response, "selected_option_id")
	assert.Contains(t, response, "options")
}

func TestBuildPrompt_ResponseFieldsPerType(t *testing.T) {
	tests := []struct {
		answerType model.AnswerType
		field      string
	}{
		{model.AnswerFreeText, "text"},
		{model.AnswerTrueFalse, "value"},
		{model.AnswerSingleChoice, "selected_option_id"},
		{model.AnswerRanking, "ordered_option_ids"},
	}
	for _, tt := range tests {
		t.Run(string(tt.answerType), func(t *testing.T) {
			tpl := decodePromptTemplate(t, BuildPrompt(&model.Exercise{QuestionText: "q", AnswerType: tt.answerType}).User)
			response := tpl["response"].(map[string]any)
			assert.Contains(t, response, tt.field)
			assert.Equal(t, []any{}, tpl["options"])
		})
	}
}

func TestOptionSnapshot_SortedByPosition(t *testing.T) {
	ex := &model.Exercise{Options: []model.ExerciseOption{
		{ID: 3, Text: "c", Position: 2},
		{ID: 1, Text: "a", Position: 0},
		{ID: 2, Text: "b", Position: 0},
	}}
	var snap []model.OptionSnapshot
	require.NoError(t, json.Unmarshal(optionSnapshot(ex), &snap))
	assert.Equal(t, []model.OptionSnapshot{{ID: 1, Text: "a"}, {ID: 2, Text: "b"}, {ID: 3, Text: "c"}}, snap)
}
