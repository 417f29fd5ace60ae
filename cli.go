package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"aibench/internal/config"
	"aibench/internal/db"
	"aibench/internal/logger"
	"aibench/internal/router"
	"aibench/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfigPath = "config/config.yaml"

type app struct {
	configPath string
	v          *viper.Viper
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "aibench",
		Short:         "LLM 题目实验平台",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", defaultConfigPath, "配置文件路径")
	rootCmd.PersistentFlags().String("log-level", "", "日志级别 debug/info/warn/error")
	_ = a.v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(a.newServeCommand())
	rootCmd.AddCommand(a.newExecuteCommand())
	rootCmd.AddCommand(a.newExportCommand())
	return rootCmd
}

// loadConfig 配置文件不存在时使用默认配置，之后叠加环境变量 / 命令行覆盖
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default()
	}
	cfg.ApplyOverrides(a.v)
	return cfg, nil
}

// bootstrap 加载配置、初始化日志和数据库，组装服务
func (a *app) bootstrap(reg prometheus.Registerer) (*service.ServiceContext, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	l := logger.New(cfg.Log)

	if err := db.InitDB(cfg); err != nil {
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}
	return service.NewServiceContext(cfg, db.DB, nil, reg, l), nil
}

func (a *app) newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().Int("port", 0, "监听端口（覆盖配置文件）")
	_ = a.v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sc, err := a.bootstrap(reg)
	if err != nil {
		return err
	}
	log := logger.Component(sc.Logger, "server")

	if err := sc.Queue.Recover(ctx, sc.DB); err != nil {
		log.Error("恢复实验队列失败", "error", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", sc.Config.Server.Port),
		Handler:           router.SetupRouter(sc, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("服务启动", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			sc.Queue.Stop(context.Background())
			return fmt.Errorf("启动服务失败: %w", err)
		}
	case <-sigCtx.Done():
	}

	log.Info("正在关闭服务")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("关闭 HTTP 服务失败", "error", err)
	}
	sc.Queue.Stop(shutdownCtx)
	log.Info("服务已退出")
	return nil
}

func (a *app) newExecuteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <experiment-id>",
		Short: "同步执行一个 planned 状态的实验",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseExperimentID(args[0])
			if err != nil {
				return err
			}
			sc, err := a.bootstrap(prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer sc.Queue.Stop(context.Background())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := sc.Runner.Execute(ctx, id); err != nil {
				return err
			}

			exp, err := sc.ExperimentService.Get(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "实验 %d: %s\n", exp.ID, exp.Status)
			return nil
		},
	}
}

func (a *app) newExportCommand() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export <experiment-id>",
		Short: "导出实验答案（csv/json）",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseExperimentID(args[0])
			if err != nil {
				return err
			}
			format = strings.ToLower(format)
			if format != "csv" && format != "json" {
				return fmt.Errorf("format 只支持 csv/json: %s", format)
			}

			sc, err := a.bootstrap(prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer sc.Queue.Stop(context.Background())

			var w io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("创建导出文件失败: %w", err)
				}
				defer f.Close()
				w = f
			}

			ctx := cmd.Context()
			if format == "json" {
				err = sc.ExportService.WriteJSON(ctx, w, id)
			} else {
				err = sc.ExportService.WriteCSV(ctx, w, id)
			}
			if err != nil {
				return err
			}
			if out != "" && out != "-" {
				slog.Info("导出完成", "experiment_id", id, "file", out)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "csv", "导出格式 csv/json")
	cmd.Flags().StringVarP(&out, "out", "o", "", "输出文件（默认标准输出）")
	return cmd
}

func parseExperimentID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("无效的实验 id: %s", s)
	}
	return uint(id), nil
}
