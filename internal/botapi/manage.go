package botapi

import (
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"taskquadrant/internal/api/middleware"
	"taskquadrant/internal/api/response"
	"taskquadrant/internal/model"
	"taskquadrant/internal/pkg/validate"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var errBotNotFound = response.NotFound(response.CodeNotFound, "bot not found")

// ManageHandler 供用户管理自己名下的 Bot（Bearer 认证）。
type ManageHandler struct {
	db               *gorm.DB
	defaultRateLimit int
	logger           *slog.Logger
}

// NewManageHandler 创建 ManageHandler。
func NewManageHandler(db *gorm.DB, defaultRateLimit int, logger *slog.Logger) *ManageHandler {
	validate.Register()
	if defaultRateLimit <= 0 {
		defaultRateLimit = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ManageHandler{db: db, defaultRateLimit: defaultRateLimit, logger: logger}
}

// Register 注册 /api/bots 路由。group 需已挂载 AuthMiddleware。
func (h *ManageHandler) Register(group *gin.RouterGroup) {
	group.POST("", h.Create)
	group.GET("", h.List)
	group.DELETE("/:id", h.Delete)
	group.POST("/:id/rotate-key", h.RotateKey)
}

type createBotRequest struct {
	Name               string   `json:"name" binding:"required,max=100"`
	Description        string   `json:"description" binding:"max=500"`
	Permissions        []string `json:"permissions" binding:"required,min=1"`
	ProjectIDs         []uint   `json:"projectIds"`
	WebhookURL         string   `json:"webhookUrl" binding:"omitempty,url,max=512"`
	RateLimitPerMinute int      `json:"rateLimitPerMinute" binding:"omitempty,min=1,max=10000"`
}

type createdBot struct {
	Bot           BotView `json:"bot"`
	APIKey        string  `json:"apiKey"`
	WebhookSecret *string `json:"webhookSecret"`
}

// Create 创建 Bot，原始 API Key 仅在本次响应中返回。
func (h *ManageHandler) Create(c *gin.Context) {
	ownerID := middleware.UserID(c)
	var req createBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, validate.Message(err)))
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, "name is required"))
		return
	}
	perms, err := model.ParsePermissionSet(req.Permissions)
	if err != nil || perms == 0 {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, "permissions must be a non-empty list of known capabilities"))
		return
	}

	projectIDs := dedupe(req.ProjectIDs)
	if len(projectIDs) > 0 {
		var owned int64
		if err := h.db.WithContext(c.Request.Context()).Model(&model.Project{}).
			Where("id IN ? AND user_id = ?", projectIDs, ownerID).Count(&owned).Error; err != nil {
			h.internal(c, "check bot projects failed", err)
			return
		}
		if int(owned) != len(projectIDs) {
			response.Fail(c, response.BadRequest(response.CodeInvalidInput, "projectIds must reference your own projects"))
			return
		}
	}

	key, err := GenerateAPIKey()
	if err != nil {
		h.internal(c, "generate bot key failed", err)
		return
	}

	bot := model.Bot{
		OwnerID:            ownerID,
		Name:               name,
		Description:        req.Description,
		APIKeyHash:         key.Hash,
		APIKeyPrefix:       key.Prefix,
		WebhookURL:         req.WebhookURL,
		Permissions:        perms,
		ProjectIDs:         model.IDList(projectIDs),
		RateLimitPerMinute: req.RateLimitPerMinute,
		IsActive:           true,
	}
	if bot.RateLimitPerMinute == 0 {
		bot.RateLimitPerMinute = h.defaultRateLimit
	}
	var secret *string
	if bot.WebhookURL != "" {
		s, err := GenerateWebhookSecret()
		if err != nil {
			h.internal(c, "generate webhook secret failed", err)
			return
		}
		bot.WebhookSecret = s
		secret = &s
	}

	if err := h.db.WithContext(c.Request.Context()).Create(&bot).Error; err != nil {
		h.internal(c, "create bot failed", err)
		return
	}
	h.logger.Info("bot created", slog.Uint64("bot_id", uint64(bot.ID)), slog.Uint64("owner_id", uint64(ownerID)))
	response.Created(c, createdBot{Bot: FormatBot(bot), APIKey: key.Raw, WebhookSecret: secret})
}

// List 列出当前用户的 Bot。
func (h *ManageHandler) List(c *gin.Context) {
	var bots []model.Bot
	if err := h.db.WithContext(c.Request.Context()).Where("owner_id = ?", middleware.UserID(c)).
		Order("id ASC").Find(&bots).Error; err != nil {
		h.internal(c, "list bots failed", err)
		return
	}
	out := make([]BotView, 0, len(bots))
	for _, b := range bots {
		out = append(out, FormatBot(b))
	}
	response.OK(c, out)
}

// Delete 删除 Bot，并解除其任务指派。
func (h *ManageHandler) Delete(c *gin.Context) {
	bot, ok := h.loadOwned(c)
	if !ok {
		return
	}
	err := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Task{}).Where("assigned_bot_id = ?", bot.ID).
			Update("assigned_bot_id", nil).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Bot{}, bot.ID).Error
	})
	if err != nil {
		h.internal(c, "delete bot failed", err)
		return
	}
	h.logger.Info("bot deleted", slog.Uint64("bot_id", uint64(bot.ID)))
	response.OK(c, gin.H{"deleted": true, "id": bot.ID})
}

// RotateKey 生成新 Key，旧 Key 立即失效。
func (h *ManageHandler) RotateKey(c *gin.Context) {
	bot, ok := h.loadOwned(c)
	if !ok {
		return
	}
	key, err := GenerateAPIKey()
	if err != nil {
		h.internal(c, "generate bot key failed", err)
		return
	}
	if err := h.db.WithContext(c.Request.Context()).Model(bot).Updates(map[string]any{
		"api_key_hash":   key.Hash,
		"api_key_prefix": key.Prefix,
	}).Error; err != nil {
		h.internal(c, "rotate bot key failed", err)
		return
	}
	bot.APIKeyHash = key.Hash
	bot.APIKeyPrefix = key.Prefix
	h.logger.Info("bot key rotated", slog.Uint64("bot_id", uint64(bot.ID)))
	response.OK(c, createdBot{Bot: FormatBot(*bot), APIKey: key.Raw})
}

func (h *ManageHandler) loadOwned(c *gin.Context) (*model.Bot, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		response.Fail(c, errBotNotFound)
		return nil, false
	}
	var bot model.Bot
	err = h.db.WithContext(c.Request.Context()).
		Where("id = ? AND owner_id = ?", id, middleware.UserID(c)).First(&bot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		response.Fail(c, errBotNotFound)
		return nil, false
	}
	if err != nil {
		h.internal(c, "load bot failed", err)
		return nil, false
	}
	return &bot, true
}

func (h *ManageHandler) internal(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, slog.String("error", err.Error()))
	response.Fail(c, response.Internal())
}

func dedupe(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
