package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Sample 不访问网络的确定性厂商，用于本地演示和测试。
// 从 user prompt 中取出 JSON 模板，按题型给出固定答案：
// free_text 为空串，true_false 为 true，single_choice 选第一个选项，ranking 按选项原顺序。
type Sample struct{}

func NewSample() *Sample {
	return &Sample{}
}

func (s *Sample) Name() string {
	return NameSample
}

func (s *Sample) RequiresAPIKey() bool {
	return false
}

type sampleTemplate struct {
	Template struct {
		AnswerType string `json:"answer_type"`
		Options    []struct {
			ID   int64  `json:"id"`
			Text string `json:"text"`
		} `json:"options"`
	} `json:"template"`
}

func (s *Sample) Send(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", transportError(NameSample, err)
	}

	start := strings.Index(req.Prompt.User, "{")
	if start < 0 {
		return "", invalidResponseError(NameSample, fmt.Errorf("prompt 中没有 JSON 模板"))
	}
	var tpl sampleTemplate
	if err := json.Unmarshal([]byte(req.Prompt.User[start:]), &tpl); err != nil {
		return "", invalidResponseError(NameSample, fmt.Errorf("解析模板失败: %w", err))
	}

	response := map[string]any{}
	switch tpl.Template.AnswerType {
	case "free_text":
		response["text"] = ""
	case "true_false":
		response["value"] = true
	case "single_choice":
		if len(tpl.Template.Options) > 0 {
			response["selected_option_id"] = tpl.Template.Options[0].ID
		} else {
			response["selected_option_id"] = nil
		}
	case "ranking":
		ids := make([]int64, 0, len(tpl.Template.Options))
		for _, opt := range tpl.Template.Options {
			ids = append(ids, opt.ID)
		}
		response["ordered_option_ids"] = ids
	}

	out, err := json.Marshal(map[string]any{"response": response})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
