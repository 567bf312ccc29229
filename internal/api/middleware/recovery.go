package middleware

import (
	"log/slog"
	"runtime/debug"

	"taskquadrant/internal/api/response"

	"github.com/gin-gonic/gin"
)

// Recovery 捕获 handler panic，统一返回 INTERNAL_ERROR。
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				if logger != nil {
					logger.Error("panic recovered",
						slog.String("path", c.Request.URL.Path),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())))
				}
				if c.Writer.Written() {
					c.Abort()
					return
				}
				response.Abort(c, response.Internal())
			}
		}()
		c.Next()
	}
}
