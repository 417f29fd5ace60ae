package handler

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"aibench/internal/service"

	"github.com/gin-gonic/gin"
)

type ExperimentHandler struct {
	experiments *service.ExperimentService
	export      *service.ExportService
}

func NewExperimentHandler(experiments *service.ExperimentService, export *service.ExportService) *ExperimentHandler {
	return &ExperimentHandler{experiments: experiments, export: export}
}

// CreateExperiment 创建实验并异步执行；校验失败（含 API key 缺失）返回 400
func (h *ExperimentHandler) CreateExperiment(c *gin.Context) {
	var req service.CreateExperimentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	exp, err := h.experiments.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"experiment": exp,
	})
}

// ListExperiments 实验列表（含 run 进度）
func (h *ExperimentHandler) ListExperiments(c *gin.Context) {
	exps, err := h.experiments.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"experiments": exps,
	})
}

func (h *ExperimentHandler) GetExperiment(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	exp, err := h.experiments.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"experiment": exp,
	})
}

// ListRuns 按 run_index 排序
func (h *ExperimentHandler) ListRuns(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	runs, err := h.experiments.Runs(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runs": runs,
	})
}

func (h *ExperimentHandler) ListExercises(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	exercises, err := h.experiments.Exercises(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"exercises": exercises,
	})
}

// ListBatchItems 某道题的所有答案
func (h *ExperimentHandler) ListBatchItems(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	exerciseID, ok := parseID(c, "exercise_id")
	if !ok {
		return
	}
	items, err := h.experiments.BatchItems(c.Request.Context(), id, exerciseID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"batch_items": items,
	})
}

// TriggerExperiment 重新提交执行（非 planned 状态不会重复执行）
func (h *ExperimentHandler) TriggerExperiment(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	exp, err := h.experiments.Trigger(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"experiment": exp,
	})
}

// SubmitHumanAnswer 人类参与者提交一道题的答案
func (h *ExperimentHandler) SubmitHumanAnswer(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	runID, ok := parseID(c, "run_id")
	if !ok {
		return
	}

	var req service.HumanAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := h.experiments.SubmitHumanAnswer(c.Request.Context(), id, runID, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"batch_item": item,
	})
}

// ExportExperiment 导出答案，format=csv（默认）或 json
func (h *ExperimentHandler) ExportExperiment(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	format := strings.ToLower(c.DefaultQuery("format", "csv"))
	var (
		buf         bytes.Buffer
		err         error
		contentType string
	)
	switch format {
	case "csv":
		err = h.export.WriteCSV(c.Request.Context(), &buf, id)
		contentType = "text/csv; charset=utf-8"
	case "json":
		err = h.export.WriteJSON(c.Request.Context(), &buf, id)
		contentType = "application/json; charset=utf-8"
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "format 只支持 csv/json"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="experiment_%d.%s"`, id, format))
	c.Data(http.StatusOK, contentType, buf.Bytes())
}

// GetStats 每道题的答案分布与解析成功率
func (h *ExperimentHandler) GetStats(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	stats, err := h.export.Stats(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats": stats,
	})
}

// GetReport Markdown 报告
func (h *ExperimentHandler) GetReport(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	exp, err := h.experiments.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	report, err := h.export.Report(c.Request.Context(), exp)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(report))
}
