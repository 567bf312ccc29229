package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskquadrant/internal/api/middleware"
	"taskquadrant/internal/api/response"
	"taskquadrant/internal/model"
	"taskquadrant/internal/pkg/metrics"
	"taskquadrant/internal/pkg/notify"
	"taskquadrant/internal/pkg/queue"
	"taskquadrant/internal/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	// ResetCodeTTL 找回密码验证码有效期。
	ResetCodeTTL = 15 * time.Minute
	// MaxResetAttempts 每个验证码允许的错误尝试次数，用尽后验证码作废。
	MaxResetAttempts = 5
	// MinPasswordLength 密码最小长度。
	MinPasswordLength = 8

	resetSentMessage = "If an account exists for this email, a reset code has been sent."
)

// dummyHash 用于账号不存在时消耗与真实比较相同的时间。
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("taskquadrant-placeholder"), bcrypt.DefaultCost)

// Handler 提供登录、注册与找回密码接口。
type Handler struct {
	db        *gorm.DB
	issuer    *token.Issuer
	accessTTL time.Duration
	mailer    notify.Mailer
	jobs      queue.Submitter
	logger    *slog.Logger
	now       func() time.Time
}

// NewHandler 创建 Auth Handler。
func NewHandler(db *gorm.DB, issuer *token.Issuer, accessTTL time.Duration, mailer notify.Mailer, jobs queue.Submitter, logger *slog.Logger) *Handler {
	metrics.InitMetrics()
	if accessTTL <= 0 {
		accessTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	if jobs == nil {
		jobs = queue.Inline{Logger: logger}
	}
	return &Handler{
		db:        db,
		issuer:    issuer,
		accessTTL: accessTTL,
		mailer:    mailer,
		jobs:      jobs,
		logger:    logger,
		now:       time.Now,
	}
}

type tokenResponse struct {
	Token string `json:"token"`
}

// UserView 对外的用户信息。
type UserView struct {
	ID                uint    `json:"id"`
	Email             string  `json:"email"`
	FirstName         *string `json:"firstName"`
	IsAdmin           bool    `json:"isAdmin"`
	TaskRetentionDays int     `json:"taskRetentionDays"`
	Plan              string  `json:"plan"`
}

func newUserView(u model.User) UserView {
	plan := string(model.PlanFree)
	if u.Subscription != nil && u.Subscription.Plan != "" {
		plan = string(u.Subscription.Plan)
	}
	return UserView{
		ID:                u.ID,
		Email:             u.Email,
		FirstName:         u.FirstName,
		IsAdmin:           u.IsAdmin,
		TaskRetentionDays: u.TaskRetentionDays,
		Plan:              plan,
	}
}

// AdminLogin 为管理员签发 7 天有效的访问令牌。
//
// POST /api/admin/login {adminId, email, role, password}，缺字段返回 MISSING_FIELDS。
// adminId 与 email 必须对应同一个 is_admin 用户且密码正确，否则统一返回 INVALID_CREDENTIALS。
func (h *Handler) AdminLogin(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Fail(c, response.BadRequest(response.CodeMissingFields, "adminId, email, role and password are required"))
		return
	}
	adminID := stringField(body["adminId"])
	email := normalizeEmail(stringField(body["email"]))
	role := stringField(body["role"])
	password, _ := body["password"].(string)
	if adminID == "" || email == "" || role == "" || password == "" {
		response.Fail(c, response.BadRequest(response.CodeMissingFields, "adminId, email, role and password are required"))
		return
	}
	invalid := response.NewError(http.StatusUnauthorized, response.CodeInvalidCredentials, "invalid admin credentials")

	id, err := strconv.ParseUint(adminID, 10, 64)
	if err != nil || id == 0 {
		response.Fail(c, invalid)
		return
	}
	var user model.User
	err = h.db.WithContext(c.Request.Context()).
		Where("id = ? AND email = ? AND is_admin = ?", id, email, true).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// 与存在账号时的 bcrypt 比较耗时保持一致
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		h.logger.Warn("admin login rejected", slog.String("admin_id", adminID))
		response.Fail(c, invalid)
		return
	}
	if err != nil {
		h.internal(c, "query admin failed", err)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		h.logger.Warn("admin login rejected", slog.String("admin_id", adminID))
		response.Fail(c, invalid)
		return
	}

	tok, err := h.issuer.IssueAdmin(adminID, user.Email, role)
	if err != nil {
		h.logger.Error("sign admin token failed", slog.String("error", err.Error()))
		response.Fail(c, response.Internal())
		return
	}
	h.logger.Info("admin token issued", slog.String("admin_id", adminID), slog.String("role", role))
	response.OK(c, tokenResponse{Token: tok})
}

type registerRequest struct {
	Email     string  `json:"email" binding:"required,email,max=191"`
	Password  string  `json:"password" binding:"required,min=8,max=72"`
	FirstName *string `json:"firstName" binding:"omitempty,max=100"`
}

type authResponse struct {
	Token string   `json:"token"`
	User  UserView `json:"user"`
}

// Register 创建用户及其免费订阅，返回访问令牌。
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, "a valid email and a password of at least 8 characters are required"))
		return
	}
	email := normalizeEmail(req.Email)
	ctx := c.Request.Context()

	var count int64
	if err := h.db.WithContext(ctx).Model(&model.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		h.internal(c, "query user failed", err)
		return
	}
	if count > 0 {
		response.Fail(c, response.NewError(http.StatusConflict, response.CodeEmailExists, "email already registered"))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.internal(c, "hash password failed", err)
		return
	}

	user := model.User{
		Email:             email,
		Password:          string(hash),
		FirstName:         trimmedPtr(req.FirstName),
		TaskRetentionDays: model.DefaultTaskRetentionDays,
	}
	err = h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		sub := model.Subscription{UserID: user.ID, Plan: model.PlanFree, Status: "active"}
		if err := tx.Create(&sub).Error; err != nil {
			return err
		}
		user.Subscription = &sub
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			response.Fail(c, response.NewError(http.StatusConflict, response.CodeEmailExists, "email already registered"))
			return
		}
		h.internal(c, "create user failed", err)
		return
	}

	tok, err := h.issueFor(user)
	if err != nil {
		h.internal(c, "sign token failed", err)
		return
	}
	h.logger.Info("user registered", slog.Uint64("user_id", uint64(user.ID)))
	response.Created(c, authResponse{Token: tok, User: newUserView(user)})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login 校验邮箱密码并返回访问令牌。
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, response.BadRequest(response.CodeMissingRequiredField, "email and password are required"))
		return
	}
	invalid := response.NewError(http.StatusUnauthorized, response.CodeInvalidCredentials, "invalid email or password")

	var user model.User
	err := h.db.WithContext(c.Request.Context()).Preload("Subscription").
		Where("email = ?", normalizeEmail(req.Email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(req.Password))
		response.Fail(c, invalid)
		return
	}
	if err != nil {
		h.internal(c, "query user failed", err)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)) != nil {
		response.Fail(c, invalid)
		return
	}

	tok, err := h.issueFor(user)
	if err != nil {
		h.internal(c, "sign token failed", err)
		return
	}
	h.logger.Info("user logged in", slog.Uint64("user_id", uint64(user.ID)))
	response.OK(c, authResponse{Token: tok, User: newUserView(user)})
}

// Me 返回当前用户信息。
func (h *Handler) Me(c *gin.Context) {
	var user model.User
	err := h.db.WithContext(c.Request.Context()).Preload("Subscription").First(&user, middleware.UserID(c)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		response.Fail(c, response.NotFound(response.CodeUserNotFound, "user not found"))
		return
	}
	if err != nil {
		h.internal(c, "load user failed", err)
		return
	}
	response.OK(c, newUserView(user))
}

// ForgotPassword 发送找回密码验证码。
//
// 无论邮箱是否注册，响应完全一致，避免账号枚举。查询、哈希、写库与发信都在后台任务中完成，
// 响应耗时与失败都不随账号是否存在而变化。
func (h *Handler) ForgotPassword(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Email) == "" {
		response.Fail(c, response.BadRequest(response.CodeMissingRequiredField, "email is required"))
		return
	}
	email := normalizeEmail(req.Email)
	if !validEmail(email) {
		response.Fail(c, response.BadRequest(response.CodeInvalidEmail, "email is invalid"))
		return
	}

	if !h.jobs.Submit("password_reset", func(ctx context.Context) error {
		return h.sendResetCode(ctx, email)
	}) {
		metrics.PasswordResetRequestsTotal.WithLabelValues("dropped").Inc()
		h.logger.Warn("password reset not queued")
	}
	response.OK(c, gin.H{"message": resetSentMessage})
}

// sendResetCode 为已注册邮箱生成并发送验证码，未注册时什么也不做。
func (h *Handler) sendResetCode(ctx context.Context, email string) error {
	var user model.User
	err := h.db.WithContext(ctx).Select("id", "email").Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.PasswordResetRequestsTotal.WithLabelValues("unknown_email").Inc()
		return nil
	}
	if err != nil {
		metrics.PasswordResetRequestsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("query user: %w", err)
	}

	code, err := h.issueResetCode(ctx, user.ID)
	if err != nil {
		metrics.PasswordResetRequestsTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.PasswordResetRequestsTotal.WithLabelValues("issued").Inc()

	if h.mailer == nil {
		return notify.ErrNotConfigured
	}
	return h.mailer.SendPasswordResetCode(ctx, user.Email, code, int(ResetCodeTTL/time.Minute))
}

// issueResetCode 在同一事务中删除旧记录并写入新验证码的哈希，返回明文验证码。
func (h *Handler) issueResetCode(ctx context.Context, userID uint) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash reset code: %w", err)
	}
	err = h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&model.PasswordReset{}).Error; err != nil {
			return err
		}
		return tx.Create(&model.PasswordReset{
			UserID:    userID,
			CodeHash:  string(hash),
			ExpiresAt: h.now().UTC().Add(ResetCodeTTL),
		}).Error
	})
	if err != nil {
		return "", fmt.Errorf("store reset code: %w", err)
	}
	return code, nil
}

type resetPasswordRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"newPassword"`
}

// ResetPassword 校验验证码并设置新密码，成功后验证码作废。
func (h *Handler) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil ||
		strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.Code) == "" || req.NewPassword == "" {
		response.Fail(c, response.BadRequest(response.CodeMissingRequiredField, "email, code and newPassword are required"))
		return
	}
	if len(req.NewPassword) < MinPasswordLength || len(req.NewPassword) > 72 {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, "password must be between 8 and 72 characters"))
		return
	}
	invalidCode := response.BadRequest(response.CodeInvalidCode, "invalid reset code")
	ctx := c.Request.Context()

	var user model.User
	err := h.db.WithContext(ctx).Select("id").Where("email = ?", normalizeEmail(req.Email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		response.Fail(c, invalidCode)
		return
	}
	if err != nil {
		h.internal(c, "query user failed", err)
		return
	}

	var reset model.PasswordReset
	err = h.db.WithContext(ctx).Where("user_id = ?", user.ID).First(&reset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		response.Fail(c, invalidCode)
		return
	}
	if err != nil {
		h.internal(c, "query reset failed", err)
		return
	}
	if reset.Expired(h.now().UTC()) {
		_ = h.db.WithContext(ctx).Delete(&reset).Error
		response.Fail(c, response.BadRequest(response.CodeCodeExpired, "reset code has expired"))
		return
	}
	// 先占用一次尝试机会再比较，并发请求也无法超出上限
	res := h.db.WithContext(ctx).Model(&model.PasswordReset{}).
		Where("id = ? AND attempts < ?", reset.ID, MaxResetAttempts).
		Update("attempts", gorm.Expr("attempts + 1"))
	if res.Error != nil {
		h.internal(c, "count reset attempt failed", res.Error)
		return
	}
	if res.RowsAffected == 0 {
		_ = h.db.WithContext(ctx).Delete(&reset).Error
		response.Fail(c, invalidCode)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(reset.CodeHash), []byte(strings.TrimSpace(req.Code))) != nil {
		if reset.Attempts+1 >= MaxResetAttempts {
			_ = h.db.WithContext(ctx).Delete(&reset).Error
			h.logger.Warn("reset code burned after failed attempts", slog.Uint64("user_id", uint64(user.ID)))
		}
		response.Fail(c, invalidCode)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		h.internal(c, "hash password failed", err)
		return
	}
	err = h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.User{}).Where("id = ?", user.ID).Update("password", string(hash)).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ?", user.ID).Delete(&model.PasswordReset{}).Error
	})
	if err != nil {
		h.internal(c, "reset password failed", err)
		return
	}
	h.logger.Info("password reset", slog.Uint64("user_id", uint64(user.ID)))
	response.OK(c, gin.H{"message": "Password has been reset."})
}

func (h *Handler) issueFor(u model.User) (string, error) {
	role := "user"
	if u.IsAdmin {
		role = "admin"
	}
	return h.issuer.Issue(strconv.FormatUint(uint64(u.ID), 10), u.Email, role, h.accessTTL)
}

func (h *Handler) internal(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	response.Fail(c, response.Internal())
}

// generateCode 生成均匀分布的 6 位数字验证码。
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func validEmail(s string) bool {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return strings.Contains(s, "@")
	}
	return v.Var(s, "required,email,max=191") == nil
}

// stringField 接受字符串或数字形式的字段值。
func stringField(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func trimmedPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
