package service

import (
	"context"
	"math"
	"sort"
	"strings"

	"aibench/internal/model"
)

// ParseStats 解析成功率及 Wilson 95% 置信区间
type ParseStats struct {
	N         int     `json:"n"`
	Parsed    int     `json:"parsed"`
	Failed    int     `json:"failed"`
	ParseRate float64 `json:"parse_rate"`
	CI95Low   float64 `json:"ci95_low"`
	CI95High  float64 `json:"ci95_high"`
}

// ExerciseStats 单道题在实验内的答案分布
type ExerciseStats struct {
	ExerciseID   uint             `json:"exercise_id"`
	Position     int              `json:"position"`
	QuestionText string           `json:"question_text"`
	AnswerType   model.AnswerType `json:"answer_type"`
	ParseStats
	// 作答（非空答案）数
	Answered int `json:"answered"`

	TrueCount    int               `json:"true_count,omitempty"`
	FalseCount   int               `json:"false_count,omitempty"`
	OptionCounts map[int64]int     `json:"option_counts,omitempty"`
	MeanRank     map[int64]float64 `json:"mean_rank,omitempty"`
	TextCounts   map[string]int    `json:"text_counts,omitempty"`
}

// SourceStats 单个来源的解析统计，与第一个来源做两比例检验
type SourceStats struct {
	Source string `json:"source"`
	ParseStats
	PValueVsFirst *float64 `json:"p_value_vs_first,omitempty"`
	ZVsFirst      *float64 `json:"z_vs_first,omitempty"`
}

type ExperimentStats struct {
	ExperimentID uint            `json:"experiment_id"`
	Overall      ParseStats      `json:"overall"`
	Exercises    []ExerciseStats `json:"exercises"`
	Sources      []SourceStats   `json:"sources"`
}

// Stats 基于导出行计算实验统计
func (s *ExportService) Stats(ctx context.Context, experimentID uint) (*ExperimentStats, error) {
	rows, err := s.Rows(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	stats := ComputeExperimentStats(rows)
	stats.ExperimentID = experimentID
	return stats, nil
}

// ComputeExperimentStats rows 需按 run_index、position 排序（Rows 的返回顺序）
func ComputeExperimentStats(rows []ExportRow) *ExperimentStats {
	out := &ExperimentStats{
		Exercises: []ExerciseStats{},
		Sources:   []SourceStats{},
	}

	exIndex := map[uint]int{}
	srcIndex := map[string]int{}
	var overallParsed int
	for _, r := range rows {
		i, ok := exIndex[r.ExerciseID]
		if !ok {
			i = len(out.Exercises)
			exIndex[r.ExerciseID] = i
			out.Exercises = append(out.Exercises, ExerciseStats{
				ExerciseID:   r.ExerciseID,
				Position:     r.Position,
				QuestionText: r.QuestionText,
				AnswerType:   r.AnswerType,
			})
		}
		accumulate(&out.Exercises[i], r)

		j, ok := srcIndex[r.Source]
		if !ok {
			j = len(out.Sources)
			srcIndex[r.Source] = j
			out.Sources = append(out.Sources, SourceStats{Source: r.Source})
		}
		out.Sources[j].N++
		if r.ParseSuccess {
			out.Sources[j].Parsed++
			overallParsed++
		}
	}

	sort.SliceStable(out.Exercises, func(a, b int) bool {
		return out.Exercises[a].Position < out.Exercises[b].Position
	})
	for i := range out.Exercises {
		finishExercise(&out.Exercises[i])
	}

	out.Overall = parseStats(len(rows), overallParsed)
	for i := range out.Sources {
		out.Sources[i].ParseStats = parseStats(out.Sources[i].N, out.Sources[i].Parsed)
	}
	// 各来源解析失败率与第一个来源的差异
	if len(out.Sources) > 1 {
		first := out.Sources[0]
		for i := 1; i < len(out.Sources); i++ {
			src := out.Sources[i]
			p, z := twoPropZTest(first.Failed, first.N, src.Failed, src.N)
			out.Sources[i].PValueVsFirst = &p
			out.Sources[i].ZVsFirst = &z
		}
	}
	return out
}

func accumulate(es *ExerciseStats, r ExportRow) {
	es.N++
	if r.ParseSuccess {
		es.Parsed++
	}

	switch r.AnswerType {
	case model.AnswerFreeText:
		if r.ParseSuccess {
			text := strings.TrimSpace(r.AnswerText)
			if text != "" {
				es.Answered++
			}
			if es.TextCounts == nil {
				es.TextCounts = map[string]int{}
			}
			es.TextCounts[text]++
		}
	case model.AnswerTrueFalse:
		if r.AnswerBoolean != nil {
			es.Answered++
			if *r.AnswerBoolean {
				es.TrueCount++
			} else {
				es.FalseCount++
			}
		}
	case model.AnswerSingleChoice:
		if r.AnswerOptionID != nil {
			es.Answered++
			if es.OptionCounts == nil {
				es.OptionCounts = map[int64]int{}
			}
			es.OptionCounts[*r.AnswerOptionID]++
		}
	case model.AnswerRanking:
		if len(r.AnswerRanking) > 0 {
			es.Answered++
			if es.MeanRank == nil {
				es.MeanRank = map[int64]float64{}
			}
			if es.OptionCounts == nil {
				es.OptionCounts = map[int64]int{}
			}
			// 先累加名次（1 开始），finishExercise 时再取平均
			for rank, id := range r.AnswerRanking {
				es.MeanRank[id] += float64(rank + 1)
				es.OptionCounts[id]++
			}
		}
	}
}

func finishExercise(es *ExerciseStats) {
	es.ParseStats = parseStats(es.N, es.Parsed)
	if es.AnswerType == model.AnswerRanking {
		for id, sum := range es.MeanRank {
			if n := es.OptionCounts[id]; n > 0 {
				es.MeanRank[id] = sum / float64(n)
			}
		}
	}
}

func parseStats(n, parsed int) ParseStats {
	ps := ParseStats{N: n, Parsed: parsed, Failed: n - parsed}
	if n > 0 {
		ps.ParseRate = float64(parsed) / float64(n)
		ps.CI95Low, ps.CI95High = wilsonCI(parsed, n, 1.96)
	}
	return ps
}

// Wilson score interval for proportion
func wilsonCI(k int, n int, z float64) (float64, float64) {
	if n == 0 {
		return 0, 0
	}
	p := float64(k) / float64(n)
	zz := z * z
	den := 1 + zz/float64(n)
	center := (p + zz/(2*float64(n))) / den
	half := (z / den) * math.Sqrt((p*(1-p)+zz/(4*float64(n)))/float64(n))
	low := math.Max(0, center-half)
	high := math.Min(1, center+half)
	return low, high
}

// two-proportion z-test (two-sided)
func twoPropZTest(x1, n1, x2, n2 int) (pValue float64, z float64) {
	if n1 == 0 || n2 == 0 {
		return 1, 0
	}
	p1 := float64(x1) / float64(n1)
	p2 := float64(x2) / float64(n2)
	p := float64(x1+x2) / float64(n1+n2)
	se := math.Sqrt(p * (1 - p) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 {
		return 1, 0
	}
	z = (p2 - p1) / se
	// two-sided p-value
	pValue = 2 * (1 - normCDF(math.Abs(z)))
	return pValue, z
}

// standard normal CDF approximation via erf
func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
