package handler

import (
	"net/http"

	"aibench/internal/service"

	"github.com/gin-gonic/gin"
)

type ExerciseHandler struct {
	exercises *service.ExerciseService
}

func NewExerciseHandler(exercises *service.ExerciseService) *ExerciseHandler {
	return &ExerciseHandler{exercises: exercises}
}

func (h *ExerciseHandler) ListExercises(c *gin.Context) {
	exercises, err := h.exercises.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"exercises": exercises,
	})
}

func (h *ExerciseHandler) CreateExercise(c *gin.Context) {
	var req service.ExerciseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ex, err := h.exercises.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"exercise": ex,
	})
}

func (h *ExerciseHandler) GetExercise(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	ex, err := h.exercises.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"exercise": ex,
	})
}

// UpdateExercise 选项整体替换
func (h *ExerciseHandler) UpdateExercise(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req service.ExerciseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ex, err := h.exercises.Update(c.Request.Context(), id, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"exercise": ex,
	})
}

func (h *ExerciseHandler) DeleteExercise(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.exercises.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "删除成功",
	})
}

func (h *ExerciseHandler) DuplicateExercise(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	ex, err := h.exercises.Duplicate(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"exercise": ex,
	})
}
