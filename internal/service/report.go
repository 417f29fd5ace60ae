package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"aibench/internal/model"
)

// Report 生成实验的 Markdown 报告
func (s *ExportService) Report(ctx context.Context, exp *model.Experiment) (string, error) {
	rows, err := s.Rows(ctx, exp.ID)
	if err != nil {
		return "", err
	}
	stats := ComputeExperimentStats(rows)
	stats.ExperimentID = exp.ID
	return RenderExperimentReport(exp, stats, rows), nil
}

func RenderExperimentReport(exp *model.Experiment, stats *ExperimentStats, rows []ExportRow) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("# 实验报告：%s\n\n", exp.Name))
	b.WriteString(fmt.Sprintf("- experiment_id: %d\n", exp.ID))
	b.WriteString(fmt.Sprintf("- status: %s\n", exp.Status))
	b.WriteString(fmt.Sprintf("- runs: %d (human: %d)\n", exp.RunCount, exp.HumanParticipants))
	b.WriteString(fmt.Sprintf("- created_at: %s\n", exp.CreatedAt.Format(time.RFC3339)))
	if exp.FinishedAt != nil {
		b.WriteString(fmt.Sprintf("- finished_at: %s\n", exp.FinishedAt.Format(time.RFC3339)))
	}
	if exp.Error != "" {
		b.WriteString(fmt.Sprintf("- error: %s\n", exp.Error))
	}
	b.WriteString("\n")

	if len(exp.Sources) > 0 {
		b.WriteString("## 来源\n\n")
		b.WriteString("| # | provider | model | temperature | runs |\n")
		b.WriteString("| ---: | --- | --- | ---: | ---: |\n")
		for _, src := range exp.Sources {
			b.WriteString(fmt.Sprintf("| %d | %s | %s | %.2f | %d |\n",
				src.Position+1, src.Provider, src.Model, src.Temperature, src.Runs))
		}
		b.WriteString("\n")
	}

	b.WriteString("## 解析统计\n\n")
	b.WriteString("| 来源 | N | Parsed | ParseRate | CI95 | p (vs 第一个来源) |\n")
	b.WriteString("| --- | ---: | ---: | ---: | --- | ---: |\n")
	for _, s := range stats.Sources {
		p := "-"
		if s.PValueVsFirst != nil {
			p = fmt.Sprintf("%.4f", *s.PValueVsFirst)
		}
		b.WriteString(fmt.Sprintf("| %s | %d | %d | %.3f | [%.3f, %.3f] | %s |\n",
			s.Source, s.N, s.Parsed, s.ParseRate, s.CI95Low, s.CI95High, p))
	}
	o := stats.Overall
	b.WriteString(fmt.Sprintf("| **合计** | %d | %d | %.3f | [%.3f, %.3f] | - |\n\n",
		o.N, o.Parsed, o.ParseRate, o.CI95Low, o.CI95High))

	b.WriteString("## 题目答案分布\n\n")
	if len(stats.Exercises) == 0 {
		b.WriteString("- 无（尚未产生答案）\n\n")
	}
	for i, es := range stats.Exercises {
		b.WriteString(fmt.Sprintf("### %d. %s\n\n", i+1, oneLine(es.QuestionText, 120)))
		b.WriteString(fmt.Sprintf("- answer_type: %s\n", es.AnswerType))
		b.WriteString(fmt.Sprintf("- parsed: %d/%d (%.1f%%)\n", es.Parsed, es.N, es.ParseRate*100))
		b.WriteString(fmt.Sprintf("- answered: %d\n", es.Answered))
		switch es.AnswerType {
		case model.AnswerTrueFalse:
			b.WriteString(fmt.Sprintf("- true: %d, false: %d\n", es.TrueCount, es.FalseCount))
		case model.AnswerSingleChoice:
			for _, id := range sortedOptionIDs(es.OptionCounts) {
				b.WriteString(fmt.Sprintf("- option %d: %d\n", id, es.OptionCounts[id]))
			}
		case model.AnswerRanking:
			ids := sortedOptionIDs(es.OptionCounts)
			sort.SliceStable(ids, func(a, c int) bool { return es.MeanRank[ids[a]] < es.MeanRank[ids[c]] })
			for _, id := range ids {
				b.WriteString(fmt.Sprintf("- option %d: mean rank %.2f\n", id, es.MeanRank[id]))
			}
		case model.AnswerFreeText:
			texts := make([]string, 0, len(es.TextCounts))
			for t := range es.TextCounts {
				texts = append(texts, t)
			}
			sort.Slice(texts, func(a, c int) bool {
				if es.TextCounts[texts[a]] != es.TextCounts[texts[c]] {
					return es.TextCounts[texts[a]] > es.TextCounts[texts[c]]
				}
				return texts[a] < texts[c]
			})
			if len(texts) > 5 {
				texts = texts[:5]
			}
			for _, t := range texts {
				label := oneLine(t, 80)
				if label == "" {
					label = "(空)"
				}
				b.WriteString(fmt.Sprintf("- %q × %d\n", label, es.TextCounts[t]))
			}
		}
		b.WriteString("\n")
	}

	var failures []string
	for _, r := range rows {
		if r.ParseSuccess {
			continue
		}
		reason := r.Error
		if reason == "" {
			reason = "parse failed"
		}
		failures = append(failures, fmt.Sprintf("run=%d source=%s exercise=%d: %s",
			r.RunIndex, r.Source, r.ExerciseID, oneLine(reason, 200)))
	}
	if len(failures) > 0 {
		b.WriteString("## 失败条目\n\n")
		max := len(failures)
		if max > 20 {
			max = 20
		}
		for i := 0; i < max; i++ {
			b.WriteString(fmt.Sprintf("- %s\n", failures[i]))
		}
		if len(failures) > max {
			b.WriteString(fmt.Sprintf("- ...(剩余 %d 条省略)\n", len(failures)-max))
		}
	}
	return b.String()
}

func sortedOptionIDs(m map[int64]int) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
