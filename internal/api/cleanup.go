package api

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"taskquadrant/internal/api/middleware"
	"taskquadrant/internal/api/response"
	"taskquadrant/internal/cleanup"
	"taskquadrant/internal/model"
	"taskquadrant/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// CronSecretHeader 定时任务调用方携带共享密钥的请求头。
const CronSecretHeader = "x-cron-secret"

const (
	actionCleanupAll = "cleanup-all"
	actionPreview    = "preview"
)

var errCleanupFailed = response.NewError(http.StatusInternalServerError, response.CodeCleanupFailed, "cleanup failed")

// handleCleanupCompleted 处理 POST /api/tasks/cleanup-completed?action=...
func (s *Server) handleCleanupCompleted(c *gin.Context) {
	switch strings.TrimSpace(c.Query("action")) {
	case actionCleanupAll:
		s.cleanupAll(c)
	case actionPreview:
		s.handleCleanupPreview(c)
	default:
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, "action must be cleanup-all or preview"))
	}
}

// handleCleanupPreview 返回调用者可被清理的任务数，不做任何修改。
func (s *Server) handleCleanupPreview(c *gin.Context) {
	userID, apiErr := s.bearerUserID(c)
	if apiErr != nil {
		response.Fail(c, apiErr)
		return
	}
	preview, err := s.cleaner.PreviewForUser(c.Request.Context(), userID)
	if errors.Is(err, cleanup.ErrUserNotFound) {
		response.Fail(c, response.NotFound(response.CodeUserNotFound, "user not found"))
		return
	}
	if err != nil {
		s.logger.Error("cleanup preview failed", slog.Uint64("user_id", uint64(userID)), slog.String("error", err.Error()))
		response.Fail(c, errCleanupFailed)
		return
	}
	response.OK(c, preview)
}

func (s *Server) cleanupAll(c *gin.Context) {
	trigger, apiErr := s.authorizeCleanupAll(c)
	if apiErr != nil {
		response.Fail(c, apiErr)
		return
	}
	metrics.CleanupRunsTotal.WithLabelValues(trigger).Inc()

	result, err := s.cleaner.CleanupCompletedTasks(c.Request.Context())
	if err != nil {
		s.logger.Error("cleanup completed tasks failed", slog.String("trigger", trigger), slog.String("error", err.Error()))
		response.Fail(c, errCleanupFailed)
		return
	}
	s.logger.Info("cleanup completed tasks",
		slog.String("trigger", trigger),
		slog.Int64("deleted", result.DeletedCount),
		slog.Int("users_affected", result.UsersAffected))
	response.OK(c, result)
}

// authorizeCleanupAll 接受 cron 密钥或管理员用户，返回触发来源。
//
// 配置的密钥为空时密钥通道关闭；管理员身份以数据库 is_admin 为准。
func (s *Server) authorizeCleanupAll(c *gin.Context) (string, *response.Error) {
	if secret := s.cfg.Security.CronSecret; secret != "" {
		provided := c.GetHeader(CronSecretHeader)
		if provided != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) == 1 {
			return "cron_secret", nil
		}
	}

	userID, apiErr := s.bearerUserID(c)
	if apiErr != nil {
		return "", apiErr
	}
	var user model.User
	err := s.db.WithContext(c.Request.Context()).Select("id", "is_admin").First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", response.NewError(http.StatusForbidden, response.CodeForbidden, "admin access required")
	}
	if err != nil {
		s.logger.Error("load cleanup caller failed", slog.String("error", err.Error()))
		return "", response.Internal()
	}
	if !user.IsAdmin {
		return "", response.NewError(http.StatusForbidden, response.CodeForbidden, "admin access required")
	}
	return "admin", nil
}

// bearerUserID 用于未挂载 AuthMiddleware 的路由。
func (s *Server) bearerUserID(c *gin.Context) (uint, *response.Error) {
	claims, apiErr := middleware.Authenticate(c, s.issuer)
	if apiErr != nil {
		return 0, apiErr
	}
	userID, err := claims.NumericUserID()
	if err != nil {
		return 0, response.NewError(http.StatusUnauthorized, response.CodeInvalidToken, "invalid token")
	}
	return userID, nil
}
