package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"taskquadrant/internal/pkg/metrics"
)

// ErrClosed 队列已关闭。
var ErrClosed = errors.New("queue is closed")

// Job 表示一个可执行的后台任务（发送邮件、投递 webhook 等）。
type Job func(ctx context.Context) error

// ErrorHandler 错误处理回调函数。
type ErrorHandler func(name string, err error)

// Submitter 是 handler 依赖的最小接口，便于测试中同步执行。
type Submitter interface {
	Submit(name string, job Job) bool
}

type namedJob struct {
	name string
	run  Job
}

// Queue 内存任务队列与固定 worker 池。
//
// 请求处理路径只负责入队，SMTP 与 webhook 的网络延迟不影响响应时间。
type Queue struct {
	logger       *slog.Logger
	workers      int
	jobTimeout   time.Duration
	jobs         chan namedJob
	errorHandler ErrorHandler

	wg     sync.WaitGroup
	closed atomic.Bool
	mu     sync.RWMutex // 保护 closed 后的 close(jobs)

	stats queueStats
}

type queueStats struct {
	enqueued  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
}

// Stats 队列统计快照。
type Stats struct {
	Enqueued  int64
	Succeeded int64
	Failed    int64
	Dropped   int64
	Panics    int64
}

// NewQueue 创建任务队列。workers 与 capacity 至少为 1；jobTimeout <= 0 表示不限时。
func NewQueue(logger *slog.Logger, workers, capacity int, jobTimeout time.Duration) *Queue {
	metrics.InitMetrics()
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		logger:     logger,
		workers:    workers,
		jobTimeout: jobTimeout,
		jobs:       make(chan namedJob, capacity),
	}
}

// SetErrorHandler 设置失败回调。
func (q *Queue) SetErrorHandler(handler ErrorHandler) {
	q.errorHandler = handler
}

// Start 启动 worker 池，直到 ctx 被取消或调用 Shutdown。
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			metrics.QueuePendingJobs.Set(float64(len(q.jobs)))
			q.execute(ctx, job, id)
		}
	}
}

func (q *Queue) execute(ctx context.Context, job namedJob, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			q.stats.panics.Add(1)
			q.stats.failed.Add(1)
			q.logger.Error("job panic recovered",
				slog.String("job", job.name),
				slog.Int("worker_id", workerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	if q.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.jobTimeout)
		defer cancel()
	}

	if err := job.run(ctx); err != nil {
		q.stats.failed.Add(1)
		q.logger.Warn("job failed",
			slog.String("job", job.name),
			slog.Int("worker_id", workerID),
			slog.String("error", err.Error()))
		if q.errorHandler != nil {
			q.errorHandler(job.name, err)
		}
		return
	}
	q.stats.succeeded.Add(1)
}

// Submit 非阻塞入队；队列已满或已关闭时丢弃并返回 false。
func (q *Queue) Submit(name string, job Job) bool {
	if job == nil {
		return false
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed.Load() {
		q.drop(name, "closed")
		return false
	}

	select {
	case q.jobs <- namedJob{name: name, run: job}:
		q.stats.enqueued.Add(1)
		metrics.QueuePendingJobs.Set(float64(len(q.jobs)))
		return true
	default:
		q.drop(name, "full")
		return false
	}
}

// SubmitWait 阻塞入队，直到成功或 ctx 被取消。
func (q *Queue) SubmitWait(ctx context.Context, name string, job Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed.Load() {
		return ErrClosed
	}

	select {
	case q.jobs <- namedJob{name: name, run: job}:
		q.stats.enqueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) drop(name, reason string) {
	q.stats.dropped.Add(1)
	metrics.QueueDroppedJobsTotal.Inc()
	q.logger.Warn("drop job",
		slog.String("job", name),
		slog.String("reason", reason),
		slog.Int("capacity", cap(q.jobs)))
}

// Shutdown 拒绝新任务，等待已入队任务执行完毕，超时返回错误。
func (q *Queue) Shutdown(timeout time.Duration) error {
	q.mu.Lock()
	if !q.closed.CompareAndSwap(false, true) {
		q.mu.Unlock()
		return ErrClosed
	}
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("queue drained", slog.Int64("succeeded", q.stats.succeeded.Load()), slog.Int64("failed", q.stats.failed.Load()))
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("queue shutdown timeout after %s", timeout)
	}
}

// Stats 返回统计快照。
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.stats.enqueued.Load(),
		Succeeded: q.stats.succeeded.Load(),
		Failed:    q.stats.failed.Load(),
		Dropped:   q.stats.dropped.Load(),
		Panics:    q.stats.panics.Load(),
	}
}

// Inline 在调用方 goroutine 中立即执行任务，用于测试与 CLI。
type Inline struct {
	Logger *slog.Logger
}

// Submit 同步执行 job，失败只记录日志。
func (i Inline) Submit(name string, job Job) bool {
	if job == nil {
		return false
	}
	if err := job(context.Background()); err != nil && i.Logger != nil {
		i.Logger.Warn("job failed", slog.String("job", name), slog.String("error", err.Error()))
	}
	return true
}
