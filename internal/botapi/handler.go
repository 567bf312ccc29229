package botapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskquadrant/internal/api/middleware"
	"taskquadrant/internal/api/response"
	"taskquadrant/internal/model"
	"taskquadrant/internal/pkg/validate"
	"taskquadrant/internal/tasks"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var errTaskNotFound = response.NotFound(response.CodeNotFound, "task not found")

// Handler 处理 /api/bot 下的请求。调用方已通过 middleware.BotAuth 认证。
type Handler struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler 创建 Bot API Handler。
func NewHandler(db *gorm.DB, logger *slog.Logger) *Handler {
	validate.Register()
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{db: db, logger: logger, now: time.Now}
}

// Register 注册 Bot 路由。group 需已挂载 BotAuth。
func (h *Handler) Register(group *gin.RouterGroup) {
	read := middleware.RequirePermission(model.PermTasksRead)
	write := middleware.RequirePermission(model.PermTasksWrite)

	group.GET("/me", h.Me)
	group.GET("/tasks", read, h.ListTasks)
	group.POST("/tasks", write, h.CreateTask)
	group.GET("/tasks/:id", read, h.GetTask)
	group.PATCH("/tasks/:id", write, h.UpdateTask)
	group.GET("/tasks/:id/comments", middleware.RequirePermission(model.PermCommentsRead), h.ListComments)
	group.POST("/tasks/:id/comments", middleware.RequirePermission(model.PermCommentsWrite), h.CreateComment)
	group.GET("/tasks/:id/artifacts", middleware.RequirePermission(model.PermArtifactsRead), h.ListArtifacts)
	group.POST("/tasks/:id/artifacts", middleware.RequirePermission(model.PermArtifactsWrite), h.CreateArtifact)
}

// BotView Bot 自身信息，不包含任何密钥。
type BotView struct {
	ID                 uint     `json:"id"`
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	OwnerID            uint     `json:"ownerId"`
	KeyPrefix          string   `json:"keyPrefix"`
	Permissions        []string `json:"permissions"`
	ProjectIDs         []uint   `json:"projectIds"`
	WebhookURL         *string  `json:"webhookUrl"`
	RateLimitPerMinute int      `json:"rateLimitPerMinute"`
	IsActive           bool     `json:"isActive"`
	LastUsedAt         *string  `json:"lastUsedAt"`
	CreatedAt          *string  `json:"createdAt"`
}

// FormatBot 转换 Bot 为对外格式。
func FormatBot(b model.Bot) BotView {
	projectIDs := []uint(b.ProjectIDs)
	if projectIDs == nil {
		projectIDs = []uint{}
	}
	return BotView{
		ID:                 b.ID,
		Name:               b.Name,
		Description:        b.Description,
		OwnerID:            b.OwnerID,
		KeyPrefix:          b.APIKeyPrefix,
		Permissions:        b.Permissions.Names(),
		ProjectIDs:         projectIDs,
		WebhookURL:         optString(b.WebhookURL),
		RateLimitPerMinute: b.RateLimitPerMinute,
		IsActive:           b.IsActive,
		LastUsedAt:         timestamp(b.LastUsedAt),
		CreatedAt:          timestamp(&b.CreatedAt),
	}
}

// Me 返回当前 Bot 信息。
func (h *Handler) Me(c *gin.Context) {
	response.OK(c, FormatBot(*middleware.CurrentBot(c)))
}

// ListTasks 列出 Bot 可见的任务。
//
// 支持 completed=true|false、projectId、assigned=me 过滤。
func (h *Handler) ListTasks(c *gin.Context) {
	bot := middleware.CurrentBot(c)
	q := h.db.WithContext(c.Request.Context()).Where("user_id = ?", bot.OwnerID)

	if len(bot.ProjectIDs) > 0 {
		q = q.Where("project_id IN ?", []uint(bot.ProjectIDs))
	}
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
		if !bot.CanAccessProject(ptrUint(uint(pid))) {
			response.OK(c, []TaskView{})
			return
		}
		q = q.Where("project_id = ?", pid)
	}
	if strings.EqualFold(c.Query("assigned"), "me") {
		q = q.Where("assigned_bot_id = ?", bot.ID)
	}

	var list []model.Task
	if err := q.Order("created_at DESC").Order("id DESC").Limit(500).Find(&list).Error; err != nil {
		h.internal(c, "list bot tasks failed", err)
		return
	}
	response.OK(c, FormatTasks(list))
}

// GetTask 返回单个任务。
func (h *Handler) GetTask(c *gin.Context) {
	task, ok := h.loadTask(c)
	if !ok {
		return
	}
	response.OK(c, FormatTask(*task))
}

// CreateTask 以 Bot 所属用户的名义创建任务。
func (h *Handler) CreateTask(c *gin.Context) {
	bot := middleware.CurrentBot(c)
	var req struct {
		tasks.CreateRequest
		AssignToSelf bool `json:"assignToSelf"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, validate.Message(err)))
		return
	}

	task, err := req.Build(bot.OwnerID)
	if err != nil {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, err.Error()))
		return
	}
	if !bot.CanAccessProject(task.ProjectID) {
		response.Fail(c, response.NewError(http.StatusForbidden, response.CodeForbidden, "project is outside the bot's scope"))
		return
	}
	if apiErr := h.checkProjectOwner(c, bot.OwnerID, task.ProjectID); apiErr != nil {
		response.Fail(c, apiErr)
		return
	}
	if req.AssignToSelf {
		task.AssignedBotID = ptrUint(bot.ID)
	}

	if err := h.db.WithContext(c.Request.Context()).Create(&task).Error; err != nil {
		h.internal(c, "bot create task failed", err)
		return
	}
	response.Created(c, FormatTask(task))
}

// UpdateTask 部分更新任务。完成时记录 completed_at，取消完成时清空。
func (h *Handler) UpdateTask(c *gin.Context) {
	bot := middleware.CurrentBot(c)
	task, ok := h.loadTask(c)
	if !ok {
		return
	}

	var req tasks.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, validate.Message(err)))
		return
	}
	if req.Empty() {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, "no fields to update"))
		return
	}
	if req.ProjectID != nil {
		if !bot.CanAccessProject(req.ProjectID) {
			response.Fail(c, response.NewError(http.StatusForbidden, response.CodeForbidden, "project is outside the bot's scope"))
			return
		}
		if apiErr := h.checkProjectOwner(c, bot.OwnerID, req.ProjectID); apiErr != nil {
			response.Fail(c, apiErr)
			return
		}
	}
	if err := req.Apply(task, h.now().UTC()); err != nil {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, err.Error()))
		return
	}
	if err := h.db.WithContext(c.Request.Context()).Save(task).Error; err != nil {
		h.internal(c, "bot update task failed", err)
		return
	}
	response.OK(c, FormatTask(*task))
}

// ListComments 列出任务评论（按时间正序）。
func (h *Handler) ListComments(c *gin.Context) {
	task, ok := h.loadTask(c)
	if !ok {
		return
	}
	var list []model.TaskComment
	if err := h.db.WithContext(c.Request.Context()).Where("task_id = ?", task.ID).
		Order("created_at ASC").Order("id ASC").Find(&list).Error; err != nil {
		h.internal(c, "list comments failed", err)
		return
	}
	response.OK(c, FormatComments(list))
}

// CreateComment 以 Bot 身份评论任务。
func (h *Handler) CreateComment(c *gin.Context) {
	bot := middleware.CurrentBot(c)
	task, ok := h.loadTask(c)
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

	comment := model.TaskComment{TaskID: task.ID, Content: strings.TrimSpace(req.Content), BotID: ptrUint(bot.ID)}
	if err := h.db.WithContext(c.Request.Context()).Create(&comment).Error; err != nil {
		h.internal(c, "bot create comment failed", err)
		return
	}
	response.Created(c, FormatComment(comment))
}

// ListArtifacts 列出任务附件。
func (h *Handler) ListArtifacts(c *gin.Context) {
	task, ok := h.loadTask(c)
	if !ok {
		return
	}
	var list []model.TaskArtifact
	if err := h.db.WithContext(c.Request.Context()).Where("task_id = ?", task.ID).
		Order("created_at ASC").Order("id ASC").Find(&list).Error; err != nil {
		h.internal(c, "list artifacts failed", err)
		return
	}
	response.OK(c, FormatArtifacts(list))
}

type artifactRequest struct {
	Name     string  `json:"name" binding:"required,max=255"`
	Kind     string  `json:"kind" binding:"required,oneof=link text file"`
	MimeType string  `json:"mimeType" binding:"max=100"`
	URL      *string `json:"url" binding:"omitempty,url,max=2048"`
	Content  *string `json:"content" binding:"omitempty,max=100000"`
}

// CreateArtifact 为任务添加附件。link/file 需要 url，text 需要 content。
func (h *Handler) CreateArtifact(c *gin.Context) {
	bot := middleware.CurrentBot(c)
	task, ok := h.loadTask(c)
	if !ok {
		return
	}
	var req artifactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, validate.Message(err)))
		return
	}
	if req.Kind == "text" && (req.Content == nil || *req.Content == "") {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, "content is required for text artifacts"))
		return
	}
	if req.Kind != "text" && (req.URL == nil || *req.URL == "") {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, "url is required for "+req.Kind+" artifacts"))
		return
	}

	artifact := model.TaskArtifact{
		TaskID:   task.ID,
		Name:     req.Name,
		Kind:     req.Kind,
		MimeType: req.MimeType,
		URL:      req.URL,
		Content:  req.Content,
		BotID:    ptrUint(bot.ID),
	}
	if req.Content != nil {
		artifact.SizeBytes = int64(len(*req.Content))
	}
	if err := h.db.WithContext(c.Request.Context()).Create(&artifact).Error; err != nil {
		h.internal(c, "bot create artifact failed", err)
		return
	}
	response.Created(c, FormatArtifact(artifact))
}

// loadTask 读取 :id 对应的任务并检查 Bot 访问范围，范围外一律 404。
func (h *Handler) loadTask(c *gin.Context) (*model.Task, bool) {
	bot := middleware.CurrentBot(c)
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		response.Fail(c, errTaskNotFound)
		return nil, false
	}

	var task model.Task
	err = h.db.WithContext(c.Request.Context()).
		Where("id = ? AND user_id = ?", id, bot.OwnerID).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		response.Fail(c, errTaskNotFound)
		return nil, false
	}
	if err != nil {
		h.internal(c, "load task failed", err)
		return nil, false
	}
	if !bot.CanAccessProject(task.ProjectID) {
		response.Fail(c, errTaskNotFound)
		return nil, false
	}
	return &task, true
}

func (h *Handler) checkProjectOwner(c *gin.Context, ownerID uint, projectID *uint) *response.Error {
	if projectID == nil {
		return nil
	}
	var count int64
	if err := h.db.WithContext(c.Request.Context()).Model(&model.Project{}).
		Where("id = ? AND user_id = ?", *projectID, ownerID).Count(&count).Error; err != nil {
		h.logger.Error("check project owner failed", slog.String("error", err.Error()))
		return response.Internal()
	}
	if count == 0 {
		return response.BadRequest(response.CodeInvalidInput, "project not found")
	}
	return nil
}

func (h *Handler) internal(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	response.Fail(c, response.Internal())
}

func ptrUint(v uint) *uint {
	return &v
}
