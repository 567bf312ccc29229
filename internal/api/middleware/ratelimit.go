package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"taskquadrant/internal/api/response"
	"taskquadrant/internal/pkg/ratelimit"

	"github.com/gin-gonic/gin"
)

// Limiter 按 key 计数的限流器。
type Limiter interface {
	AllowPerMinute(ctx context.Context, key string, limit int) (ratelimit.Decision, error)
}

// RateLimitByIP 按客户端 IP 限制每分钟请求数，用于登录、注册、找回密码等接口。
//
// Redis 不可用时放行，只记录告警。
func RateLimitByIP(limiter Limiter, scope string, perMinute int, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || perMinute <= 0 {
			c.Next()
			return
		}
		d, err := limiter.AllowPerMinute(c.Request.Context(), scope+":"+c.ClientIP(), perMinute)
		if err != nil {
			if logger != nil {
				logger.Warn("rate limiter unavailable", slog.String("scope", scope), slog.String("error", err.Error()))
			}
			c.Next()
			return
		}
		if !d.Allowed {
			abortRateLimited(c, d.RetryAfter)
			return
		}
		c.Next()
	}
}

func abortRateLimited(c *gin.Context, retryAfter time.Duration) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
	response.Abort(c, response.NewError(http.StatusTooManyRequests, response.CodeRateLimited, "rate limit exceeded"))
}
