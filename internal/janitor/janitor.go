// Package janitor 按 cron 计划定期清理超过保留期的已完成任务。
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"taskquadrant/internal/cleanup"
	"taskquadrant/internal/pkg/metrics"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule 未配置时每天零点执行一次。
const DefaultSchedule = "@daily"

// ErrRunning 上一次清理尚未结束。
var ErrRunning = errors.New("cleanup already running")

// Cleaner 执行一次全量清理。
type Cleaner interface {
	CleanupCompletedTasks(ctx context.Context) (cleanup.Result, error)
}

// Janitor 包装 cron 调度器。同一时刻最多只有一次清理在执行。
type Janitor struct {
	cron    *cron.Cron
	cleaner Cleaner
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	running bool
	baseCtx context.Context
}

// New 创建 Janitor。timeout 为单次清理的最长时间，<= 0 时不限制。
func New(cleaner Cleaner, logger *slog.Logger, timeout time.Duration) *Janitor {
	metrics.InitMetrics()
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		cron:    cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		cleaner: cleaner,
		logger:  logger,
		timeout: timeout,
		baseCtx: context.Background(),
	}
}

// Schedule 注册清理计划，spec 为标准五段 cron 表达式或 @daily 等描述符。
func (j *Janitor) Schedule(spec string) error {
	if spec == "" {
		spec = DefaultSchedule
	}
	if _, err := j.cron.AddFunc(spec, j.runScheduled); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}
	j.logger.Info("cleanup scheduled", slog.String("schedule", spec))
	return nil
}

// Start 启动调度。ctx 取消后正在执行的清理也会被取消。
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	j.baseCtx = ctx
	j.mu.Unlock()
	j.cron.Start()
	j.logger.Info("janitor started")
}

// Stop 停止调度并等待正在执行的清理结束。
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("janitor stopped")
}

// Next 返回下一次计划执行时间，未注册计划时返回零值。
func (j *Janitor) Next() time.Time {
	entries := j.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	next := entries[0].Next
	for _, e := range entries[1:] {
		if e.Next.Before(next) {
			next = e.Next
		}
	}
	return next
}

func (j *Janitor) runScheduled() {
	j.mu.Lock()
	ctx := j.baseCtx
	j.mu.Unlock()

	if _, err := j.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunning) {
		j.logger.Error("scheduled cleanup failed", slog.String("error", err.Error()))
	}
}

// RunOnce 立即执行一次清理。已有清理在执行时返回 ErrRunning。
func (j *Janitor) RunOnce(ctx context.Context) (cleanup.Result, error) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		j.logger.Warn("skip cleanup, previous run still in progress")
		return cleanup.Result{}, ErrRunning
	}
	j.running = true
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	metrics.CleanupRunsTotal.WithLabelValues("janitor").Inc()
	start := time.Now()
	result, err := j.cleaner.CleanupCompletedTasks(ctx)
	if err != nil {
		return result, err
	}
	j.logger.Info("cleanup finished",
		slog.Int64("deleted", result.DeletedCount),
		slog.Int("users_affected", result.UsersAffected),
		slog.Int("users_scanned", result.UsersScanned),
		slog.Duration("took", time.Since(start)))
	return result, nil
}
