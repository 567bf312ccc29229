package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskquadrant/internal/cleanup"
	"taskquadrant/internal/config"
	"taskquadrant/internal/janitor"
	"taskquadrant/internal/pkg/logger"
	"taskquadrant/internal/store"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var (
	configPath string
	schedule   string
	runTimeout time.Duration
	runNow     bool
)

// main 是已完成任务清理程序的入口。
//
// run  按计划常驻执行；once 执行一次后退出，适合外部 cron 调用。
func main() {
	rootCmd := &cobra.Command{
		Use:           "janitor",
		Short:         "Delete completed tasks older than each user's retention window",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default configs/config.json)")
	rootCmd.PersistentFlags().DurationVar(&runTimeout, "timeout", 30*time.Minute, "maximum duration of a single cleanup pass")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(onceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run cleanup on a cron schedule until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, appLogger, db, err := setup()
			if err != nil {
				return err
			}
			defer store.Close(db)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			spec := cfg.Cleanup.Schedule
			if schedule != "" {
				spec = schedule
			}
			j := janitor.New(cleanup.NewService(db, cfg.Cleanup.DefaultRetentionDays, appLogger), appLogger, runTimeout)
			if err := j.Schedule(spec); err != nil {
				return err
			}
			if runNow {
				if _, err := j.RunOnce(ctx); err != nil {
					appLogger.Error("initial cleanup failed", slog.String("error", err.Error()))
				}
			}

			j.Start(ctx)
			appLogger.Info("next cleanup", slog.Time("at", j.Next()))
			<-ctx.Done()
			appLogger.Info("shutting down janitor...")
			j.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression, overrides CLEANUP_SCHEDULE")
	cmd.Flags().BoolVar(&runNow, "now", false, "run one cleanup pass immediately before scheduling")
	return cmd
}

func onceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single cleanup pass and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, appLogger, db, err := setup()
			if err != nil {
				return err
			}
			defer store.Close(db)

			j := janitor.New(cleanup.NewService(db, cfg.Cleanup.DefaultRetentionDays, appLogger), appLogger, runTimeout)
			result, err := j.RunOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
}

func setup() (*config.Config, *slog.Logger, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	appLogger := logger.New(os.Stdout, cfg.App.Env, cfg.App.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	db, err := store.Open(ctx, cfg.Database, appLogger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	return cfg, appLogger, db, nil
}
