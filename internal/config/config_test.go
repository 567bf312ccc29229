package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", "file::memory:")
	t.Setenv("CRON_SECRET", "cron")
	t.Setenv("APP_ACCESS_TOKEN_TTL", "2h")
	t.Setenv("STRIPE_CURRENCY", "EUR")
	t.Setenv("APP_TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.10,")
	t.Setenv("BOT_WEBHOOK_RETRY_BACKOFF", "1m")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Security.JWTSecret != "from-env" || cfg.Security.CronSecret != "cron" {
		t.Fatalf("env secrets not applied: %+v", cfg.Security)
	}
	if cfg.Security.AccessTokenTTL != 2*time.Hour {
		t.Fatalf("unexpected ttl %s", cfg.Security.AccessTokenTTL)
	}
	if cfg.Stripe.Currency != "eur" {
		t.Fatalf("expected lower-cased currency, got %q", cfg.Stripe.Currency)
	}
	if cfg.Cleanup.DefaultRetentionDays != 30 || cfg.Cleanup.Schedule != "@daily" {
		t.Fatalf("unexpected cleanup defaults %+v", cfg.Cleanup)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "file::memory:" {
		t.Fatalf("unexpected database %+v", cfg.Database)
	}
	if len(cfg.App.TrustedProxies) != 2 || cfg.App.TrustedProxies[0] != "10.0.0.0/8" || cfg.App.TrustedProxies[1] != "192.168.1.10" {
		t.Fatalf("unexpected trusted proxies %q", cfg.App.TrustedProxies)
	}
	if cfg.Bot.WebhookRetryBackoff != time.Minute || cfg.Bot.WebhookMaxRetries != 5 {
		t.Fatalf("unexpected webhook retry settings %+v", cfg.Bot)
	}
}

func TestLoad_FileThenEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
		"app": {"http_addr": ":9090"},
		"database": {"driver": "mysql", "dsn": "app:pw@tcp(db:3306)/tq?parseTime=true"},
		"security": {"jwt_secret": "file-secret"},
		"bot": {"default_rate_limit": 120}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DB_HOST", "mysql.internal")
	t.Setenv("DB_NAME", "quadrant")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.HTTPAddr != ":9090" || cfg.Bot.DefaultRateLimit != 120 {
		t.Fatalf("file values not applied: %+v %+v", cfg.App, cfg.Bot)
	}
	if cfg.App.WorkerPoolSize != 4 || cfg.Bot.WebhookTimeout != 10*time.Second {
		t.Fatalf("defaults not filled: %+v", cfg.App)
	}
	parsed := parseMySQLDSN(cfg.Database.DSN)
	if parsed.Addr != "mysql.internal:3306" || parsed.DBName != "quadrant" || parsed.User != "app" || parsed.Passwd != "pw" {
		t.Fatalf("unexpected composed dsn %q", cfg.Database.DSN)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid locally: %v", err)
	}

	cfg.App.Env = "prod"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected prod to reject the default jwt secret")
	}

	cfg = Default()
	cfg.Database.Driver = "oracle"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unsupported driver error")
	}

	cfg = Default()
	cfg.App.TrustedProxies = []string{"10.0.0.0/8", "not-an-ip"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid trusted proxy to be rejected")
	}

	cfg = Default()
	cfg.Security.AdminEmail = "admin@example.com"
	cfg.Security.AdminPassword = "short"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected short admin password to be rejected")
	}
}
