package service

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"aibench/internal/model"
	"aibench/internal/provider"
)

const (
	systemInstruction = "You are an assistant that answers strictly in JSON. " +
		"Use the provided JSON schema and fill only the response fields without extra text."
	userInstruction = "Read the JSON template below. Fill only the `response` fields with the answer.\n" +
		"Return ONLY JSON with the same top-level keys."
	templateInstruction = "Return ONLY JSON. Do not include explanations."
)

type promptOption struct {
	ID   uint   `json:"id"`
	Text string `json:"text"`
}

// promptTemplate 发给模型的 JSON 模板，模型只需填写 response
type promptTemplate struct {
	Question     string           `json:"question"`
	AnswerType   model.AnswerType `json:"answer_type"`
	Options      []promptOption   `json:"options"`
	Response     map[string]any   `json:"response"`
	Instructions string           `json:"instructions"`
}

// sortedOptions 按 position 排序，position 相同按 id
func sortedOptions(opts []model.ExerciseOption) []model.ExerciseOption {
	out := make([]model.ExerciseOption, len(opts))
	copy(out, opts)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func buildTemplate(ex *model.Exercise) promptTemplate {
	opts := sortedOptions(ex.Options)
	options := make([]promptOption, 0, len(opts))
	for _, o := range opts {
		options = append(options, promptOption{ID: o.ID, Text: o.Text})
	}

	response := map[string]any{}
	switch ex.AnswerType {
	case model.AnswerFreeText:
		response["text"] = "<fill with concise answer text>"
	case model.AnswerTrueFalse:
		response["value"] = "true or false"
	case model.AnswerSingleChoice:
		response["selected_option_id"] = "id from provided options"
		response["options"] = options
	case model.AnswerRanking:
		response["ordered_option_ids"] = "array of option ids ordered best to worst (or as requested)"
		response["options"] = options
	}

	return promptTemplate{
		Question:     ex.QuestionText,
		AnswerType:   ex.AnswerType,
		Options:      options,
		Response:     response,
		Instructions: templateInstruction,
	}
}

// BuildPrompt 构造结构化 JSON 模板形式的 prompt，所有厂商共用
func BuildPrompt(ex *model.Exercise) provider.Prompt {
	var payload bytes.Buffer
	enc := json.NewEncoder(&payload)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(map[string]any{"template": buildTemplate(ex)})
	return provider.Prompt{
		System: systemInstruction,
		User:   userInstruction + "\n" + strings.TrimSpace(payload.String()),
		JSON:   true,
	}
}

// optionSnapshot 作答时选项的 JSON 快照
func optionSnapshot(ex *model.Exercise) []byte {
	opts := sortedOptions(ex.Options)
	snap := make([]model.OptionSnapshot, 0, len(opts))
	for _, o := range opts {
		snap = append(snap, model.OptionSnapshot{ID: o.ID, Text: o.Text})
	}
	out, _ := json.Marshal(snap)
	return out
}
