package service

import (
	"log/slog"

	"aibench/internal/config"
	"aibench/internal/provider"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

type ServiceContext struct {
	Config            *config.Config
	DB                *gorm.DB
	Registry          *provider.Registry
	Metrics           *Metrics
	Logger            *slog.Logger
	Runner            *ExperimentRunner
	Queue             *TaskQueue
	Settings          *SettingsService
	ExperimentService *ExperimentService
	ExerciseService   *ExerciseService
	TemplateService   *TemplateService
	ExportService     *ExportService
}

// NewServiceContext 组装全部服务；queue 的 worker 随之启动，退出前需调用 Queue.Stop
func NewServiceContext(cfg *config.Config, conn *gorm.DB, registry *provider.Registry, reg prometheus.Registerer, l *slog.Logger) *ServiceContext {
	if l == nil {
		l = slog.Default()
	}
	if registry == nil {
		registry = provider.NewDefaultRegistry(cfg)
	}

	metrics := MustNewMetrics(reg)
	coercer := Coercer{RepairJSON: cfg.Coercion.RepairJSON}
	settings := NewSettingsService(conn, cfg)
	runner := NewExperimentRunner(conn, registry, settings, coercer, metrics, l)
	queue := NewTaskQueue(runner, cfg.Executor.Workers, cfg.Executor.QueueSize, metrics, l)
	experiments := NewExperimentService(conn, registry, settings, queue, coercer, l)
	exercises := NewExerciseService(conn)

	return &ServiceContext{
		Config:            cfg,
		DB:                conn,
		Registry:          registry,
		Metrics:           metrics,
		Logger:            l,
		Runner:            runner,
		Queue:             queue,
		Settings:          settings,
		ExperimentService: experiments,
		ExerciseService:   exercises,
		TemplateService:   NewTemplateService(conn, exercises, experiments),
		ExportService:     NewExportService(conn),
	}
}
