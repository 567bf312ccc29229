package api

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"taskquadrant/internal/api/middleware"
	"taskquadrant/internal/api/response"
	"taskquadrant/internal/botapi"
	"taskquadrant/internal/model"
	"taskquadrant/internal/pkg/validate"
	"taskquadrant/internal/pkg/webhook"
	"taskquadrant/internal/tasks"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const maxListTasks = 500

var errTaskNotFound = response.NotFound(response.CodeNotFound, "task not found")

// createTaskRequest 用户创建任务，可同时指派给自己的 Bot。
type createTaskRequest struct {
	tasks.CreateRequest
	AssignedBotID *uint `json:"assignedBotId"`
}

// updateTaskRequest assignedBotId 为 0 表示取消指派。
type updateTaskRequest struct {
	tasks.UpdateRequest
	AssignedBotID *uint `json:"assignedBotId"`
}

func (s *Server) handleListTasks(c *gin.Context) {
	userID := middleware.UserID(c)
	q := s.db.WithContext(c.Request.Context()).Where("user_id = ?", userID)

	if v := c.Query("completed"); v != "" {
		done, err := strconv.ParseBool(v)
		if err != nil {
			response.Fail(c, response.BadRequest(response.CodeInvalidInput, "completed must be true or false"))
			return
		}
		q = q.Where("completed = ?", done)
	}
	if v := c.Query("projectId"); v != "" {
		pid, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			response.Fail(c, response.BadRequest(response.CodeInvalidInput, "projectId must be a number"))
			return
		}
		q = q.Where("project_id = ?", pid)
	}
	if v := c.Query("priority"); v != "" {
		p := model.Priority(v)
		if !p.Valid() {
			response.Fail(c, response.BadRequest(response.CodeInvalidInput, "unknown priority"))
			return
		}
		q = q.Where("priority = ?", p)
	}

	var list []model.Task
	if err := q.Order("created_at DESC").Order("id DESC").Limit(maxListTasks).Find(&list).Error; err != nil {
		s.internal(c, "list tasks failed", err)
		return
	}
	response.OK(c, botapi.FormatTasks(list))
}

func (s *Server) handleCreateTask(c *gin.Context) {
	userID := middleware.UserID(c)
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, validate.Message(err)))
		return
	}
	task, err := req.Build(userID)
	if err != nil {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, err.Error()))
		return
	}
	if apiErr := s.checkProjectOwner(c.Request.Context(), userID, task.ProjectID); apiErr != nil {
		response.Fail(c, apiErr)
		return
	}

	var bot *model.Bot
	if req.AssignedBotID != nil && *req.AssignedBotID != 0 {
		var apiErr *response.Error
		if bot, apiErr = s.loadOwnedBot(c.Request.Context(), userID, *req.AssignedBotID); apiErr != nil {
			response.Fail(c, apiErr)
			return
		}
		task.AssignedBotID = &bot.ID
	}

	if err := s.db.WithContext(c.Request.Context()).Create(&task).Error; err != nil {
		s.internal(c, "create task failed", err)
		return
	}
	if bot != nil {
		s.notifyAssigned(c.Request.Context(), bot, task)
	}
	response.Created(c, botapi.FormatTask(task))
}

func (s *Server) handleUpdateTask(c *gin.Context) {
	userID := middleware.UserID(c)
	task, ok := s.loadOwnedTask(c, userID)
	if !ok {
		return
	}

	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, validate.Message(err)))
		return
	}
	if req.Empty() && req.AssignedBotID == nil {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, "no fields to update"))
		return
	}
	if apiErr := s.checkProjectOwner(c.Request.Context(), userID, req.ProjectID); apiErr != nil {
		response.Fail(c, apiErr)
		return
	}

	var assigned *model.Bot
	if req.AssignedBotID != nil {
		if *req.AssignedBotID == 0 {
			task.AssignedBotID = nil
		} else {
			bot, apiErr := s.loadOwnedBot(c.Request.Context(), userID, *req.AssignedBotID)
			if apiErr != nil {
				response.Fail(c, apiErr)
				return
			}
			if task.AssignedBotID == nil || *task.AssignedBotID != bot.ID {
				assigned = bot
			}
			task.AssignedBotID = &bot.ID
		}
	}
	if err := req.Apply(task, s.now().UTC()); err != nil {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, err.Error()))
		return
	}

	if err := s.db.WithContext(c.Request.Context()).Save(task).Error; err != nil {
		s.internal(c, "update task failed", err)
		return
	}
	if assigned != nil {
		s.notifyAssigned(c.Request.Context(), assigned, *task)
	}
	response.OK(c, botapi.FormatTask(*task))
}

// handleDeleteTask 删除任务及其评论与附件。
func (s *Server) handleDeleteTask(c *gin.Context) {
	userID := middleware.UserID(c)
	id, ok := parseID(c)
	if !ok {
		response.Fail(c, errTaskNotFound)
		return
	}

	var deleted int64
	err := s.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&model.Task{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		if deleted == 0 {
			return nil
		}
		if err := tx.Where("task_id = ?", id).Delete(&model.TaskComment{}).Error; err != nil {
			return err
		}
		return tx.Where("task_id = ?", id).Delete(&model.TaskArtifact{}).Error
	})
	if err != nil {
		s.internal(c, "delete task failed", err)
		return
	}
	if deleted == 0 {
		response.Fail(c, errTaskNotFound)
		return
	}
	response.OK(c, gin.H{"id": id, "deleted": true})
}

// handleCreateComment 用户评论任务；任务已指派给带 webhook 的 Bot 时推送事件。
func (s *Server) handleCreateComment(c *gin.Context) {
	userID := middleware.UserID(c)
	task, ok := s.loadOwnedTask(c, userID)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content" binding:"required,max=10000"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, "content is required"))
		return
	}

	comment := model.TaskComment{TaskID: task.ID, Content: strings.TrimSpace(req.Content), UserID: &userID}
	if err := s.db.WithContext(c.Request.Context()).Create(&comment).Error; err != nil {
		s.internal(c, "create comment failed", err)
		return
	}

	if task.AssignedBotID != nil {
		var bot model.Bot
		err := s.db.WithContext(c.Request.Context()).
			Where("id = ? AND is_active = ?", *task.AssignedBotID, true).First(&bot).Error
		switch {
		case err == nil:
			s.webhooks.Dispatch(bot.WebhookURL, bot.WebhookSecret, webhook.EventCommentCreated,
				botapi.FormatTask(*task), botapi.FormatComment(comment))
		case !errors.Is(err, gorm.ErrRecordNotFound):
			s.logger.Warn("load assigned bot failed", slog.Uint64("task_id", uint64(task.ID)), slog.String("error", err.Error()))
		}
	}
	response.Created(c, botapi.FormatComment(comment))
}

// notifyAssigned 推送 task.assigned。窗口内对同一 Bot 与任务的重复指派不再推送。
func (s *Server) notifyAssigned(ctx context.Context, bot *model.Bot, task model.Task) {
	if !bot.IsActive || bot.WebhookURL == "" {
		return
	}
	botID := strconv.FormatUint(uint64(bot.ID), 10)
	taskID := strconv.FormatUint(uint64(task.ID), 10)
	if s.deduper != nil {
		dup, err := s.deduper.IsDuplicate(ctx, webhook.EventTaskAssigned, botID, taskID)
		if err != nil {
			s.logger.Warn("assign dedup unavailable", slog.String("error", err.Error()))
		} else if dup {
			return
		}
	}
	if !s.webhooks.Dispatch(bot.WebhookURL, bot.WebhookSecret, webhook.EventTaskAssigned, botapi.FormatTask(task), nil) && s.deduper != nil {
		_ = s.deduper.Delete(ctx, webhook.EventTaskAssigned, botID, taskID)
	}
}

func (s *Server) loadOwnedTask(c *gin.Context, userID uint) (*model.Task, bool) {
	id, ok := parseID(c)
	if !ok {
		response.Fail(c, errTaskNotFound)
		return nil, false
	}
	var task model.Task
	err := s.db.WithContext(c.Request.Context()).Where("id = ? AND user_id = ?", id, userID).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		response.Fail(c, errTaskNotFound)
		return nil, false
	}
	if err != nil {
		s.internal(c, "load task failed", err)
		return nil, false
	}
	return &task, true
}

func (s *Server) loadOwnedBot(ctx context.Context, userID, botID uint) (*model.Bot, *response.Error) {
	var bot model.Bot
	err := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", botID, userID).First(&bot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, response.BadRequest(response.CodeInvalidInput, "bot not found")
	}
	if err != nil {
		s.logger.Error("load bot failed", slog.String("error", err.Error()))
		return nil, response.Internal()
	}
	return &bot, nil
}

func (s *Server) checkProjectOwner(ctx context.Context, userID uint, projectID *uint) *response.Error {
	if projectID == nil {
		return nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Project{}).
		Where("id = ? AND user_id = ?", *projectID, userID).Count(&count).Error; err != nil {
		s.logger.Error("check project owner failed", slog.String("error", err.Error()))
		return response.Internal()
	}
	if count == 0 {
		return response.BadRequest(response.CodeInvalidInput, "project not found")
	}
	return nil
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
