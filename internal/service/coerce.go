package service

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"aibench/internal/model"

	"github.com/kaptinlin/jsonrepair"
	"gorm.io/datatypes"
)

// Answer 归一化后的答案，按题型只填其中一个字段
type Answer struct {
	Text     *string `json:"text,omitempty"`
	Boolean  *bool   `json:"boolean,omitempty"`
	OptionID *int64  `json:"option_id,omitempty"`
	Ranking  []int64 `json:"ranking,omitempty"`
}

// CoercionResult 解析结果。Err 非空时 ParseSuccess 一定为 false。
type CoercionResult struct {
	Answer       Answer
	ParseSuccess bool
	Err          error
}

// Coercer 把模型原始回复解析成声明的答案类型。
// 不会 panic，也不返回 error：所有失败都体现在 CoercionResult 里。
type Coercer struct {
	// 严格解析失败后用 jsonrepair 再试一次
	RepairJSON bool
}

// Coerce 使用默认（严格）规则
func Coerce(answerType model.AnswerType, raw string) CoercionResult {
	return Coercer{}.Coerce(answerType, raw)
}

func (c Coercer) Coerce(answerType model.AnswerType, raw string) CoercionResult {
	if !answerType.Valid() {
		return failed(answerType, "unknown answer type", nil)
	}

	doc, err := c.decode(raw)
	if err != nil {
		return failed(answerType, "reply is not a JSON object", err)
	}

	section, err := responseSection(doc)
	if err != nil {
		return failed(answerType, "cannot locate response section", err)
	}

	var ans Answer
	switch answerType {
	case model.AnswerFreeText:
		text := strings.TrimSpace(stringify(section["text"]))
		ans.Text = &text
	case model.AnswerTrueFalse:
		if v, ok := section["value"]; ok && v != nil {
			b := toBool(v)
			ans.Boolean = &b
		}
	case model.AnswerSingleChoice:
		if v, ok := section["selected_option_id"]; ok && v != nil {
			id, err := toOptionID(v)
			if err != nil {
				return failed(answerType, "selected_option_id is not an option id", err)
			}
			ans.OptionID = &id
		}
	case model.AnswerRanking:
		// 不是数组时保持未作答，不算解析失败
		if list, ok := section["ordered_option_ids"].([]any); ok {
			ids := make([]int64, 0, len(list))
			for i, v := range list {
				id, err := toOptionID(v)
				if err != nil {
					return failed(answerType, fmt.Sprintf("ordered_option_ids[%d] is not an option id", i), err)
				}
				ids = append(ids, id)
			}
			ans.Ranking = ids
		}
	}

	return CoercionResult{Answer: ans, ParseSuccess: true}
}

func failed(answerType model.AnswerType, reason string, cause error) CoercionResult {
	return CoercionResult{
		ParseSuccess: false,
		Err:          &CoercionError{AnswerType: string(answerType), Reason: reason, Cause: cause},
	}
}

func (c Coercer) decode(raw string) (map[string]any, error) {
	text := stripCodeFence(raw)
	doc, err := decodeObject(text)
	if err == nil || !c.RepairJSON {
		return doc, err
	}

	repaired, repairErr := jsonrepair.JSONRepair(text)
	if repairErr != nil {
		return nil, err
	}
	return decodeObject(repaired)
}

func decodeObject(text string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after top-level value")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("top-level value is %T, want object", v)
	}
	return obj, nil
}

// stripCodeFence 去掉 ```json ... ``` 包裹
func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// responseSection 先取 response，为空时回退到旧格式 expected.response
func responseSection(doc map[string]any) (map[string]any, error) {
	var section any
	if v := doc["response"]; truthy(v) {
		section = v
	} else if expected, ok := doc["expected"]; ok {
		exp, ok := expected.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected is %T, want object", expected)
		}
		section, ok = exp["response"]
		if !ok {
			section = map[string]any{}
		}
	} else {
		section = map[string]any{}
	}

	obj, ok := section.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("response is %T, want object", section)
	}
	return obj, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		out, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(out)
	}
}

// toBool yes/no 类字符串按语义转换，其余值按真值判断
func toBool(v any) bool {
	if s, ok := v.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes", "y":
			return true
		case "false", "no", "n":
			return false
		}
	}
	return truthy(v)
}

func toOptionID(v any) (int64, error) {
	switch t := v.(type) {
	case json.Number:
		return parseOptionID(t.String())
	case string:
		return parseOptionID(strings.TrimSpace(t))
	}
	return 0, fmt.Errorf("unexpected %T", v)
}

func parseOptionID(s string) (int64, error) {
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	return int64(f), nil
}

// Apply 把答案写入 BatchItem 的 answer_* 字段
func (a Answer) Apply(item *model.BatchItem) {
	item.AnswerText = a.Text
	item.AnswerBoolean = a.Boolean
	item.AnswerOptionID = a.OptionID
	item.AnswerRanking = nil
	if a.Ranking != nil {
		out, _ := json.Marshal(a.Ranking)
		item.AnswerRanking = datatypes.JSON(out)
	}
}
