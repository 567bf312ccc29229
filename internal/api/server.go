package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"taskquadrant/internal/api/auth"
	"taskquadrant/internal/api/middleware"
	"taskquadrant/internal/api/response"
	"taskquadrant/internal/billing"
	"taskquadrant/internal/botapi"
	"taskquadrant/internal/cleanup"
	"taskquadrant/internal/config"
	"taskquadrant/internal/pkg/dedup"
	"taskquadrant/internal/pkg/metrics"
	"taskquadrant/internal/pkg/notify"
	"taskquadrant/internal/pkg/queue"
	"taskquadrant/internal/pkg/ratelimit"
	"taskquadrant/internal/pkg/streamqueue"
	"taskquadrant/internal/pkg/token"
	"taskquadrant/internal/pkg/validate"
	"taskquadrant/internal/pkg/webhook"
	"taskquadrant/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	// jobTimeout 单个后台任务（邮件、webhook）的最长执行时间。
	jobTimeout = 30 * time.Second
	// assignDedupWindow 同一任务重复指派给同一 Bot 时只推送一次的窗口。
	assignDedupWindow = time.Minute

	webhookStream     = "taskquadrant:webhooks"
	webhookGroup      = "webhook-delivery"
	webhookMaxBackoff = 30 * time.Minute
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端、后台任务队列以及 Gin 路由引擎。
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *gorm.DB
	rdb     *redis.Client
	router  *gin.Engine
	queue   *queue.Queue
	issuer  *token.Issuer
	limiter middleware.Limiter

	auth      *auth.Handler
	billing   *billing.Handler
	bots      *botapi.Handler
	botManage *botapi.ManageHandler
	botKeys   middleware.BotResolver
	cleaner   Cleaner
	webhooks  WebhookDispatcher
	deduper   Deduper

	stopConsumer func()
	consumerDone chan struct{}

	now func() time.Time
}

// Cleaner 已完成任务的保留期清理。
type Cleaner interface {
	PreviewForUser(ctx context.Context, userID uint) (cleanup.Preview, error)
	CleanupCompletedTasks(ctx context.Context) (cleanup.Result, error)
}

// WebhookDispatcher 向 Bot 投递事件。
type WebhookDispatcher interface {
	Dispatch(url, secret, event string, task, comment any) bool
}

// Deduper 短时间窗口去重，用于抑制重复的指派事件。
type Deduper interface {
	IsDuplicate(ctx context.Context, parts ...string) (bool, error)
	Delete(ctx context.Context, parts ...string) error
}

// Deps 是 Server 的外部依赖。未设置的可选项使用默认实现。
type Deps struct {
	DB       *gorm.DB
	Redis    *redis.Client   // 可选，为空时不限流
	Jobs     queue.Submitter // 可选，为空时同步执行
	Mailer   notify.Mailer
	Payments billing.PaymentGateway
	Cleaner  Cleaner
	Webhooks WebhookDispatcher
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接数据库并执行自动迁移
// 2. 连接 Redis
// 3. 启动后台任务队列
// 4. 初始化 Gin 路由引擎
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = store.Close(db)
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	jobs := queue.NewQueue(logger, cfg.App.WorkerPoolSize, cfg.App.QueueCapacity, jobTimeout)
	// 退出信号不应打断已入队的投递，由 Close 负责排空
	jobs.Start(context.WithoutCancel(ctx))

	// webhook 写入 Redis Stream，失败的投递按退避重试，进程崩溃后由组内其他实例认领
	stream := streamqueue.NewStream(rdb, logger, webhookStream)
	consumer, err := streamqueue.NewConsumer(ctx, stream, webhookGroup, consumerID(),
		streamqueue.WithMaxRetry(cfg.Bot.WebhookMaxRetries),
		streamqueue.WithBackoff(cfg.Bot.WebhookRetryBackoff, webhookMaxBackoff))
	if err != nil {
		_ = jobs.Shutdown(time.Second)
		_ = rdb.Close()
		_ = store.Close(db)
		return nil, fmt.Errorf("init webhook stream: %w", err)
	}
	dispatcher := webhook.NewDispatcher(jobs, cfg.Bot.WebhookTimeout, logger)
	dispatcher.SetOutbox(stream)

	gin.SetMode(gin.ReleaseMode)
	s := New(cfg, logger, Deps{
		DB:       db,
		Redis:    rdb,
		Jobs:     jobs,
		Mailer:   notify.NewEmailNotifier(cfg.Email, logger),
		Payments: billing.NewStripeGateway(cfg.Stripe.SecretKey),
		Webhooks: dispatcher,
	})
	s.queue = jobs
	s.startConsumer(consumer, dispatcher.HandleMessage)

	if cfg.Security.AdminEmail != "" {
		if err := s.SeedAdmin(ctx, cfg.Security.AdminEmail, cfg.Security.AdminPassword); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("seed admin: %w", err)
		}
	}
	return s, nil
}

// New 使用给定依赖组装 Server 并注册路由。
func New(cfg *config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	metrics.InitMetrics()
	validate.Register()

	jobs := deps.Jobs
	if jobs == nil {
		jobs = queue.Inline{Logger: logger}
	}
	cleaner := deps.Cleaner
	if cleaner == nil {
		cleaner = cleanup.NewService(deps.DB, cfg.Cleanup.DefaultRetentionDays, logger)
	}
	webhooks := deps.Webhooks
	if webhooks == nil {
		webhooks = webhook.NewDispatcher(jobs, cfg.Bot.WebhookTimeout, logger)
	}
	var limiter middleware.Limiter
	var deduper Deduper
	if deps.Redis != nil {
		limiter = ratelimit.NewRedisRateLimiter(deps.Redis, logger, "taskquadrant:ratelimit")
		deduper = dedup.NewDeduplicator(deps.Redis, assignDedupWindow)
	}

	issuer := token.NewIssuer(cfg.Security.JWTSecret)
	r := gin.New()
	// 只信任显式配置的反向代理，否则 X-Forwarded-For 可被用来绕过按 IP 限流
	if err := r.SetTrustedProxies(cfg.App.TrustedProxies); err != nil {
		logger.Warn("invalid trusted proxies, trusting none", slog.String("error", err.Error()))
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		db:        deps.DB,
		rdb:       deps.Redis,
		router:    r,
		issuer:    issuer,
		limiter:   limiter,
		auth:      auth.NewHandler(deps.DB, issuer, cfg.Security.AccessTokenTTL, deps.Mailer, jobs, logger),
		billing:   billing.NewHandler(deps.DB, deps.Payments, cfg.Stripe.Currency, logger),
		bots:      botapi.NewHandler(deps.DB, logger),
		botManage: botapi.NewManageHandler(deps.DB, cfg.Bot.DefaultRateLimit, logger),
		botKeys:   botapi.NewKeyResolver(deps.DB),
		cleaner:   cleaner,
		webhooks:  webhooks,
		deduper:   deduper,
		now:       time.Now,
	}
	s.registerRoutes()
	return s
}

// Run 启动 HTTP 服务器并开始监听请求。
func (s *Server) Run() error {
	s.logger.Info("api server listening", slog.String("addr", s.cfg.App.HTTPAddr))
	return s.router.Run(s.cfg.App.HTTPAddr)
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// startConsumer 在后台运行 Stream 消费者，Close 时停止。
func (s *Server) startConsumer(c *streamqueue.Consumer, handle streamqueue.Handler) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, handle)
	}()
	s.stopConsumer = cancel
	s.consumerDone = done
}

// Close 等待后台任务结束，然后关闭数据库与缓存连接。
func (s *Server) Close() error {
	var errs []error
	if s.stopConsumer != nil {
		s.stopConsumer()
		<-s.consumerDone
	}
	if s.queue != nil {
		if err := s.queue.Shutdown(10 * time.Second); err != nil {
			errs = append(errs, fmt.Errorf("shutdown queue: %w", err))
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := store.Close(s.db); err != nil {
		errs = append(errs, fmt.Errorf("close db: %w", err))
	}
	return errors.Join(errs...)
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	api := s.router.Group("/api")
	authLimit := middleware.RateLimitByIP(s.limiter, "auth", s.cfg.App.AuthRateLimit, s.logger)
	api.POST("/admin/login", authLimit, s.auth.AdminLogin)

	public := api.Group("/auth", authLimit)
	public.POST("/register", s.auth.Register)
	public.POST("/login", s.auth.Login)
	public.POST("/forgot-password", s.auth.ForgotPassword)
	public.POST("/reset-password", s.auth.ResetPassword)

	// 清理接口同时接受 cron 密钥与 bearer token，自行完成认证
	api.POST("/tasks/cleanup-completed", s.handleCleanupCompleted)
	api.GET("/tasks/cleanup-completed", s.handleCleanupPreview)

	authed := api.Group("")
	authed.Use(middleware.AuthMiddleware(s.issuer))
	authed.GET("/auth/me", s.auth.Me)
	authed.POST("/subscriptions/upgrade-stripe", s.billing.UpgradeStripe)
	authed.GET("/settings/retention", s.handleGetRetention)
	authed.PUT("/settings/retention", s.handleUpdateRetention)
	authed.GET("/teams/pending-invitations", s.handlePendingInvitations)

	authed.GET("/tasks", s.handleListTasks)
	authed.POST("/tasks", s.handleCreateTask)
	authed.PATCH("/tasks/:id", s.handleUpdateTask)
	authed.DELETE("/tasks/:id", s.handleDeleteTask)
	authed.POST("/tasks/:id/comments", s.handleCreateComment)
	authed.GET("/projects", s.handleListProjects)
	authed.POST("/projects", s.handleCreateProject)

	s.botManage.Register(authed.Group("/bots"))

	botGroup := api.Group("/bot", middleware.BotAuth(s.botKeys, s.limiter, s.cfg.Bot.DefaultRateLimit, s.logger))
	s.bots.Register(botGroup)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "database"})
		return
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "redis"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func consumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "api"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (s *Server) internal(c *gin.Context, msg string, err error) {
	s.logger.Error(msg, slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	response.Fail(c, response.Internal())
}
