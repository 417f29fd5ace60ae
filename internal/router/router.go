package router

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"aibench/internal/handler"
	"aibench/internal/logger"
	"aibench/internal/service"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const requestIDHeader = "X-Request-ID"

// SetupRouter gatherer 为 nil 时 /metrics 使用默认 registry
func SetupRouter(sc *service.ServiceContext, gatherer prometheus.Gatherer) *gin.Engine {
	if sc.Config != nil && sc.Config.Server.Mode != "" {
		gin.SetMode(sc.Config.Server.Mode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(accessLog(logger.Component(sc.Logger, "http")))

	// CORS
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Content-Length", "Accept", "Authorization", "Cache-Control", "X-Requested-With", requestIDHeader},
		ExposeHeaders:    []string{"Content-Disposition", requestIDHeader},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	} else {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// 初始化handlers
	experimentHandler := handler.NewExperimentHandler(sc.ExperimentService, sc.ExportService)
	exerciseHandler := handler.NewExerciseHandler(sc.ExerciseService)
	templateHandler := handler.NewTemplateHandler(sc.TemplateService)
	settingsHandler := handler.NewSettingsHandler(sc.Settings, sc.Registry)

	// API路由
	api := r.Group("/api")
	{
		// 实验相关
		experiments := api.Group("/experiments")
		{
			experiments.GET("", experimentHandler.ListExperiments)
			experiments.POST("", experimentHandler.CreateExperiment)
			experiments.GET("/:id", experimentHandler.GetExperiment)
			experiments.POST("/:id/execute", experimentHandler.TriggerExperiment)
			experiments.GET("/:id/runs", experimentHandler.ListRuns)
			experiments.POST("/:id/runs/:run_id/answers", experimentHandler.SubmitHumanAnswer)
			experiments.GET("/:id/exercises", experimentHandler.ListExercises)
			experiments.GET("/:id/exercises/:exercise_id/batch_items", experimentHandler.ListBatchItems)
			experiments.GET("/:id/export", experimentHandler.ExportExperiment)
			experiments.GET("/:id/stats", experimentHandler.GetStats)
			experiments.GET("/:id/report", experimentHandler.GetReport)
		}

		// 题目相关
		exercises := api.Group("/exercises")
		{
			exercises.GET("", exerciseHandler.ListExercises)
			exercises.POST("", exerciseHandler.CreateExercise)
			exercises.GET("/:id", exerciseHandler.GetExercise)
			exercises.PUT("/:id", exerciseHandler.UpdateExercise)
			exercises.DELETE("/:id", exerciseHandler.DeleteExercise)
			exercises.POST("/:id/duplicate", exerciseHandler.DuplicateExercise)
		}

		// 模板相关
		templates := api.Group("/templates")
		{
			templates.GET("", templateHandler.ListTemplates)
			templates.POST("", templateHandler.CreateTemplate)
			templates.GET("/:id", templateHandler.GetTemplate)
			templates.DELETE("/:id", templateHandler.DeleteTemplate)
			templates.POST("/:id/executions", templateHandler.ExecuteTemplate)
			templates.GET("/:id/executions", templateHandler.ListExecutions)
		}

		api.GET("/settings", settingsHandler.GetSettings)
		api.PUT("/settings", settingsHandler.UpdateSettings)
		api.GET("/providers", settingsHandler.ListProviders)
	}

	if sc.Config != nil && sc.Config.Server.StaticDir != "" {
		mountStatic(r, sc.Config.Server.StaticDir)
	}

	return r
}

// mountStatic 前端单页应用：存在的文件直接返回，其余路径回退到 index.html
func mountStatic(r *gin.Engine, dir string) {
	index := filepath.Join(dir, "index.html")
	if _, err := os.Stat(index); err != nil {
		return
	}
	r.NoRoute(func(c *gin.Context) {
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/api/") || (c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead) {
			c.JSON(http.StatusNotFound, gin.H{"error": "接口不存在"})
			return
		}
		file := filepath.Join(dir, filepath.Clean("/"+path))
		if info, err := os.Stat(file); err == nil && !info.IsDir() {
			c.File(file)
			return
		}
		c.File(index)
	})
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func accessLog(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"request_id", c.GetString("request_id"),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			l.Error("http request", attrs...)
			return
		}
		l.Info("http request", attrs...)
	}
}
