package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
//
// 所有密钥都在这里集中加载，之后通过构造函数显式传入各组件，
// handler 不直接读取进程环境变量。
type Config struct {
	App      AppConfig      `json:"app"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
	Stripe   StripeConfig   `json:"stripe"`
	Cleanup  CleanupConfig  `json:"cleanup"`
	Bot      BotConfig      `json:"bot"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env            string        `json:"env"`             // 运行环境: local / prod
	LogLevel       string        `json:"log_level"`       // 日志级别: debug / info / warn / error
	HTTPAddr       string        `json:"http_addr"`       // API 服务监听地址
	RequestTimeout time.Duration `json:"request_timeout"` // 单请求读写超时
	WorkerPoolSize int           `json:"worker_pool_size"`
	QueueCapacity  int           `json:"queue_capacity"`
	AuthRateLimit  int           `json:"auth_rate_limit"` // 认证接口每 IP 每分钟请求上限
	TrustedProxies []string      `json:"trusted_proxies"` // 可信反向代理的 IP 或 CIDR，为空表示不信任任何代理
}

// DatabaseConfig 数据库配置。
type DatabaseConfig struct {
	Driver string `json:"driver"` // mysql / postgres / sqlite
	DSN    string `json:"dsn"`    // 数据库连接字符串
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// EmailConfig 邮件配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret      string        `json:"jwt_secret"`       // JWT 签名密钥
	AccessTokenTTL time.Duration `json:"access_token_ttl"` // 普通用户 token 有效期
	CronSecret     string        `json:"cron_secret"`      // 定时任务调用方共享密钥（为空表示禁用）
	AdminEmail     string        `json:"admin_email"`      // 启动时确保存在的管理员账号（可选）
	AdminPassword  string        `json:"admin_password"`
}

// StripeConfig 支付配置。
type StripeConfig struct {
	SecretKey string `json:"secret_key"`
	Currency  string `json:"currency"`
}

// CleanupConfig 已完成任务保留策略配置。
type CleanupConfig struct {
	DefaultRetentionDays int    `json:"default_retention_days"` // 用户未设置时的保留天数
	Schedule             string `json:"schedule"`               // janitor 的 cron 表达式
}

// BotConfig Bot API 配置。
type BotConfig struct {
	DefaultRateLimit    int           `json:"default_rate_limit"` // 每分钟默认请求上限
	WebhookTimeout      time.Duration `json:"webhook_timeout"`
	WebhookMaxRetries   int           `json:"webhook_max_retries"`   // 投递失败后的最大重试次数，超过后进入死信
	WebhookRetryBackoff time.Duration `json:"webhook_retry_backoff"` // 首次重试等待时间，之后翻倍
}

// Load 加载配置。
//
// 顺序：.env 文件 → configs/config.json（可选）→ 默认值 → 环境变量覆盖。
func Load(configPath ...string) (*Config, error) {
	_ = godotenv.Load()

	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		applyEnvOverrides(cfg)
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, cfg.Validate()
}

// Validate 检查生产环境下的必要配置。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Security.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.App.Env == "prod" && c.Security.JWTSecret == Default().Security.JWTSecret {
		return fmt.Errorf("JWT_SECRET must be changed in prod")
	}
	if c.Security.AdminEmail != "" && len(c.Security.AdminPassword) < 8 {
		return fmt.Errorf("ADMIN_PASSWORD must be at least 8 characters when ADMIN_EMAIL is set")
	}
	for _, p := range c.App.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				return fmt.Errorf("invalid trusted proxy %q", p)
			}
		}
	}
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	return nil
}

// Default 返回默认配置。
func Default() *Config {
	return &Config{
		App: AppConfig{
			Env:            "local",
			LogLevel:       "info",
			HTTPAddr:       ":8080",
			RequestTimeout: 15 * time.Second,
			WorkerPoolSize: 4,
			QueueCapacity:  256,
			AuthRateLimit:  20,
		},
		Database: DatabaseConfig{
			Driver: "mysql",
			DSN:    "root:password@tcp(localhost:3306)/taskquadrant?parseTime=true&loc=UTC",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Security: SecurityConfig{
			JWTSecret:      "dev_secret_change_me",
			AccessTokenTTL: 24 * time.Hour,
		},
		Stripe: StripeConfig{
			Currency: "usd",
		},
		Cleanup: CleanupConfig{
			DefaultRetentionDays: 30,
			Schedule:             "@daily",
		},
		Bot: BotConfig{
			DefaultRateLimit:    60,
			WebhookTimeout:      10 * time.Second,
			WebhookMaxRetries:   5,
			WebhookRetryBackoff: 30 * time.Second,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := Default()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.RequestTimeout == 0 {
		cfg.App.RequestTimeout = defaults.App.RequestTimeout
	}
	if cfg.App.WorkerPoolSize == 0 {
		cfg.App.WorkerPoolSize = defaults.App.WorkerPoolSize
	}
	if cfg.App.QueueCapacity == 0 {
		cfg.App.QueueCapacity = defaults.App.QueueCapacity
	}
	if cfg.App.AuthRateLimit == 0 {
		cfg.App.AuthRateLimit = defaults.App.AuthRateLimit
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = defaults.Database.Driver
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = defaults.Database.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Email.SMTPHost == "" {
		cfg.Email.SMTPHost = defaults.Email.SMTPHost
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
	if cfg.Security.AccessTokenTTL == 0 {
		cfg.Security.AccessTokenTTL = defaults.Security.AccessTokenTTL
	}
	if cfg.Stripe.Currency == "" {
		cfg.Stripe.Currency = defaults.Stripe.Currency
	}
	if cfg.Cleanup.DefaultRetentionDays <= 0 {
		cfg.Cleanup.DefaultRetentionDays = defaults.Cleanup.DefaultRetentionDays
	}
	if cfg.Cleanup.Schedule == "" {
		cfg.Cleanup.Schedule = defaults.Cleanup.Schedule
	}
	if cfg.Bot.DefaultRateLimit <= 0 {
		cfg.Bot.DefaultRateLimit = defaults.Bot.DefaultRateLimit
	}
	if cfg.Bot.WebhookTimeout == 0 {
		cfg.Bot.WebhookTimeout = defaults.Bot.WebhookTimeout
	}
	if cfg.Bot.WebhookMaxRetries <= 0 {
		cfg.Bot.WebhookMaxRetries = defaults.Bot.WebhookMaxRetries
	}
	if cfg.Bot.WebhookRetryBackoff <= 0 {
		cfg.Bot.WebhookRetryBackoff = defaults.Bot.WebhookRetryBackoff
	}
}

func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.AutomaticEnv()

	_ = v.BindEnv("jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("cron_secret", "CRON_SECRET")
	_ = v.BindEnv("stripe_secret_key", "STRIPE_SECRET_KEY")
	_ = v.BindEnv("db_password", "DB_PASSWORD")
	_ = v.BindEnv("redis_addr", "REDIS_ADDR")
	_ = v.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = v.BindEnv("smtp_pass", "SMTP_PASS")
	_ = v.BindEnv("admin_password", "ADMIN_PASSWORD")

	if val := os.Getenv("APP_ENV"); val != "" {
		cfg.App.Env = val
	}
	if val := os.Getenv("APP_LOG_LEVEL"); val != "" {
		cfg.App.LogLevel = val
	}
	if val := os.Getenv("APP_HTTP_ADDR"); val != "" {
		cfg.App.HTTPAddr = val
	}
	if val := os.Getenv("APP_REQUEST_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.App.RequestTimeout = d
		}
	}
	if val := os.Getenv("APP_WORKER_POOL_SIZE"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.App.WorkerPoolSize = i
		}
	}
	if val := os.Getenv("APP_QUEUE_CAPACITY"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.App.QueueCapacity = i
		}
	}
	if val := os.Getenv("APP_AUTH_RATE_LIMIT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.App.AuthRateLimit = i
		}
	}
	if val := os.Getenv("APP_TRUSTED_PROXIES"); val != "" {
		cfg.App.TrustedProxies = splitList(val)
	}

	if val := v.GetString("jwt_secret"); val != "" {
		cfg.Security.JWTSecret = val
	}
	if val := v.GetString("cron_secret"); val != "" {
		cfg.Security.CronSecret = val
	}
	if val := os.Getenv("ADMIN_EMAIL"); val != "" {
		cfg.Security.AdminEmail = strings.ToLower(strings.TrimSpace(val))
	}
	if val := v.GetString("admin_password"); val != "" {
		cfg.Security.AdminPassword = val
	}
	if val := os.Getenv("APP_ACCESS_TOKEN_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Security.AccessTokenTTL = d
		}
	}

	if val := v.GetString("stripe_secret_key"); val != "" {
		cfg.Stripe.SecretKey = val
	}
	if val := os.Getenv("STRIPE_CURRENCY"); val != "" {
		cfg.Stripe.Currency = strings.ToLower(val)
	}

	if val := os.Getenv("CLEANUP_DEFAULT_RETENTION_DAYS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			cfg.Cleanup.DefaultRetentionDays = i
		}
	}
	if val := os.Getenv("CLEANUP_SCHEDULE"); val != "" {
		cfg.Cleanup.Schedule = val
	}

	if val := os.Getenv("BOT_DEFAULT_RATE_LIMIT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			cfg.Bot.DefaultRateLimit = i
		}
	}
	if val := os.Getenv("BOT_WEBHOOK_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Bot.WebhookTimeout = d
		}
	}
	if val := os.Getenv("BOT_WEBHOOK_MAX_RETRIES"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			cfg.Bot.WebhookMaxRetries = i
		}
	}
	if val := os.Getenv("BOT_WEBHOOK_RETRY_BACKOFF"); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			cfg.Bot.WebhookRetryBackoff = d
		}
	}

	if val := os.Getenv("DB_DRIVER"); val != "" {
		cfg.Database.Driver = strings.ToLower(val)
	}
	if val := os.Getenv("DB_DSN"); val != "" {
		cfg.Database.DSN = val
	} else if cfg.Database.Driver == "mysql" &&
		(hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_NAME") || v.GetString("db_password") != "") {
		parsed := parseMySQLDSN(cfg.Database.DSN)
		host, port := splitHostPort(parsed.Addr)
		if val := os.Getenv("DB_HOST"); val != "" {
			host = val
		}
		if val := os.Getenv("DB_PORT"); val != "" {
			port = val
		}
		parsed.Addr = host + ":" + port
		if val := os.Getenv("DB_USER"); val != "" {
			parsed.User = val
		}
		if val := v.GetString("db_password"); val != "" {
			parsed.Passwd = val
		}
		if val := os.Getenv("DB_NAME"); val != "" {
			parsed.DBName = val
		}
		cfg.Database.DSN = parsed.FormatDSN()
	}

	if val := v.GetString("redis_addr"); val != "" {
		cfg.Redis.Addr = val
	}
	if val := v.GetString("redis_password"); val != "" {
		cfg.Redis.Password = val
	}

	if val := os.Getenv("SMTP_HOST"); val != "" {
		cfg.Email.SMTPHost = val
	}
	if val := os.Getenv("SMTP_PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if val := os.Getenv("SMTP_USER"); val != "" {
		cfg.Email.SMTPUser = val
	}
	if val := v.GetString("smtp_pass"); val != "" {
		cfg.Email.SMTPPass = val
	}
	if val := os.Getenv("SMTP_FROM"); val != "" {
		cfg.Email.FromEmail = val
	}
}

// splitList 解析逗号分隔的列表，忽略空项。
func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func splitHostPort(addr string) (string, string) {
	host, port := "localhost", "3306"
	if addr == "" {
		return host, port
	}
	parts := strings.SplitN(addr, ":", 2)
	if parts[0] != "" {
		host = parts[0]
	}
	if len(parts) == 2 && parts[1] != "" {
		port = parts[1]
	}
	return host, port
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := func() *mysql.Config {
		c := mysql.NewConfig()
		c.User = "root"
		c.Net = "tcp"
		c.Addr = "localhost:3306"
		c.DBName = "taskquadrant"
		c.ParseTime = true
		c.Loc = time.UTC
		return c
	}
	if dsn == "" {
		return fallback()
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback()
	}
	return parsed
}

// UnmarshalJSON 支持 Duration 字符串（如 "15s"）。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		RequestTimeout string `json:"request_timeout"`
		*Alias
	}{Alias: (*Alias)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.RequestTimeout != "" {
		d, err := time.ParseDuration(aux.RequestTimeout)
		if err != nil {
			return fmt.Errorf("invalid request_timeout format: %w", err)
		}
		a.RequestTimeout = d
	}
	return nil
}

// UnmarshalJSON 支持 Duration 字符串（如 "24h"）。
func (s *SecurityConfig) UnmarshalJSON(data []byte) error {
	type Alias SecurityConfig
	aux := &struct {
		AccessTokenTTL string `json:"access_token_ttl"`
		*Alias
	}{Alias: (*Alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.AccessTokenTTL != "" {
		d, err := time.ParseDuration(aux.AccessTokenTTL)
		if err != nil {
			return fmt.Errorf("invalid access_token_ttl format: %w", err)
		}
		s.AccessTokenTTL = d
	}
	return nil
}

// UnmarshalJSON 支持 Duration 字符串（如 "10s"）。
func (b *BotConfig) UnmarshalJSON(data []byte) error {
	type Alias BotConfig
	aux := &struct {
		WebhookTimeout      string `json:"webhook_timeout"`
		WebhookRetryBackoff string `json:"webhook_retry_backoff"`
		*Alias
	}{Alias: (*Alias)(b)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.WebhookTimeout != "" {
		d, err := time.ParseDuration(aux.WebhookTimeout)
		if err != nil {
			return fmt.Errorf("invalid webhook_timeout format: %w", err)
		}
		b.WebhookTimeout = d
	}
	if aux.WebhookRetryBackoff != "" {
		d, err := time.ParseDuration(aux.WebhookRetryBackoff)
		if err != nil {
			return fmt.Errorf("invalid webhook_retry_backoff format: %w", err)
		}
		b.WebhookRetryBackoff = d
	}
	return nil
}
