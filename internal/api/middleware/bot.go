package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"taskquadrant/internal/api/response"
	"taskquadrant/internal/model"
	"taskquadrant/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// ContextBot Bot 身份在上下文中的键。
const ContextBot = "bot"

// BotKeyHeader 备用的 API Key 请求头。
const BotKeyHeader = "X-Bot-Key"

// ErrUnknownKey API Key 不存在或 Bot 已停用。
var ErrUnknownKey = errors.New("unknown api key")

// BotResolver 根据原始 API Key 查找 Bot。
type BotResolver interface {
	ResolveAPIKey(ctx context.Context, rawKey string) (*model.Bot, error)
}

// BotAuth 校验 Bot API Key 并执行每 Bot 每分钟限流。
func BotAuth(resolver BotResolver, limiter Limiter, defaultLimit int, logger *slog.Logger) gin.HandlerFunc {
	metrics.InitMetrics()
	return func(c *gin.Context) {
		raw := extractBotKey(c)
		if raw == "" {
			metrics.BotRequestsTotal.WithLabelValues("invalid_key").Inc()
			response.Abort(c, response.NewError(http.StatusUnauthorized, response.CodeUnauthorized, "missing bot api key"))
			return
		}

		bot, err := resolver.ResolveAPIKey(c.Request.Context(), raw)
		if err != nil {
			if errors.Is(err, ErrUnknownKey) {
				metrics.BotRequestsTotal.WithLabelValues("invalid_key").Inc()
				response.Abort(c, response.NewError(http.StatusUnauthorized, response.CodeInvalidAPIKey, "invalid api key"))
				return
			}
			if logger != nil {
				logger.Error("resolve bot key failed", slog.String("error", err.Error()))
			}
			response.Abort(c, response.Internal())
			return
		}

		limit := bot.RateLimitPerMinute
		if limit <= 0 {
			limit = defaultLimit
		}
		if limiter != nil {
			d, err := limiter.AllowPerMinute(c.Request.Context(), "bot:"+strconv.FormatUint(uint64(bot.ID), 10), limit)
			if err != nil {
				if logger != nil {
					logger.Warn("bot rate limiter unavailable", slog.Uint64("bot_id", uint64(bot.ID)), slog.String("error", err.Error()))
				}
			} else if !d.Allowed {
				metrics.BotRequestsTotal.WithLabelValues("rate_limited").Inc()
				abortRateLimited(c, d.RetryAfter)
				return
			}
		}

		c.Set(ContextBot, bot)
		c.Next()

		if c.Writer.Status() < http.StatusBadRequest {
			metrics.BotRequestsTotal.WithLabelValues("ok").Inc()
		}
	}
}

// RequirePermission 要求当前 Bot 拥有指定权限。
func RequirePermission(perm model.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		bot := CurrentBot(c)
		if bot == nil || !bot.Permissions.Has(perm) {
			metrics.BotRequestsTotal.WithLabelValues("forbidden").Inc()
			response.Abort(c, response.NewError(http.StatusForbidden, response.CodeInsufficientPermission, "bot lacks permission "+perm.String()))
			return
		}
		c.Next()
	}
}

// CurrentBot 返回 BotAuth 写入的 Bot。
func CurrentBot(c *gin.Context) *model.Bot {
	if v, ok := c.Get(ContextBot); ok {
		if bot, ok := v.(*model.Bot); ok {
			return bot
		}
	}
	return nil
}

func extractBotKey(c *gin.Context) string {
	if header := strings.TrimSpace(c.GetHeader("Authorization")); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bot") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(c.GetHeader(BotKeyHeader))
}
