package api

import (
	"errors"

	"taskquadrant/internal/api/middleware"
	"taskquadrant/internal/api/response"
	"taskquadrant/internal/model"
	"taskquadrant/internal/pkg/validate"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// MaxRetentionDays 用户可设置的最长保留天数。
const MaxRetentionDays = 3650

var errUserNotFound = response.NotFound(response.CodeUserNotFound, "user not found")

type retentionView struct {
	RetentionDays        int `json:"retentionDays"`
	DefaultRetentionDays int `json:"defaultRetentionDays"`
}

func (s *Server) handleGetRetention(c *gin.Context) {
	var user model.User
	err := s.db.WithContext(c.Request.Context()).
		Select("id", "task_retention_days").First(&user, middleware.UserID(c)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		response.Fail(c, errUserNotFound)
		return
	}
	if err != nil {
		s.internal(c, "load retention failed", err)
		return
	}
	response.OK(c, s.retentionView(user.TaskRetentionDays))
}

func (s *Server) handleUpdateRetention(c *gin.Context) {
	var req struct {
		RetentionDays int `json:"retentionDays" binding:"required,min=1,max=3650"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, validate.Message(err)))
		return
	}

	res := s.db.WithContext(c.Request.Context()).Model(&model.User{}).
		Where("id = ?", middleware.UserID(c)).
		Update("task_retention_days", req.RetentionDays)
	if res.Error != nil {
		s.internal(c, "update retention failed", res.Error)
		return
	}
	if res.RowsAffected == 0 {
		response.Fail(c, errUserNotFound)
		return
	}
	response.OK(c, s.retentionView(req.RetentionDays))
}

func (s *Server) retentionView(days int) retentionView {
	def := s.cfg.Cleanup.DefaultRetentionDays
	if def <= 0 {
		def = model.DefaultTaskRetentionDays
	}
	if days <= 0 {
		days = def
	}
	return retentionView{RetentionDays: days, DefaultRetentionDays: def}
}
