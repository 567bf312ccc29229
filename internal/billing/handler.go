package billing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"taskquadrant/internal/api/middleware"
	"taskquadrant/internal/api/response"
	"taskquadrant/internal/model"
	"taskquadrant/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// IdempotencyHeader 客户端可选的幂等键请求头，原样转发给 Stripe。
const IdempotencyHeader = "Idempotency-Key"

// Handler 处理订阅升级。
type Handler struct {
	db       *gorm.DB
	gateway  PaymentGateway
	currency string
	logger   *slog.Logger
}

// NewHandler 创建 Handler。currency 为空时使用 usd。
func NewHandler(db *gorm.DB, gateway PaymentGateway, currency string, logger *slog.Logger) *Handler {
	metrics.InitMetrics()
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = "usd"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{db: db, gateway: gateway, currency: currency, logger: logger}
}

// upgradeRequest amount 先按任意 JSON 值接收，再校验是否为正整数。
type upgradeRequest struct {
	Plan   string `json:"plan"`
	Amount any    `json:"amount"`
}

type upgradeResponse struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId"`
	Amount          int64  `json:"amount"`
	Plan            string `json:"plan"`
}

// UpgradeStripe 为付费套餐创建 PaymentIntent。
//
// POST /api/subscriptions/upgrade-stripe，需要 Bearer 认证。
func (h *Handler) UpgradeStripe(c *gin.Context) {
	var req upgradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, "plan and amount are required"))
		return
	}
	plan := model.Plan(strings.ToLower(strings.TrimSpace(req.Plan)))
	amount, ok := positiveInt(req.Amount)
	if plan == "" || !ok {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, "plan and a positive integer amount (cents) are required"))
		return
	}
	if !plan.Paid() {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, "plan must be one of pro, team"))
		return
	}

	userID := middleware.UserID(c)
	ctx := c.Request.Context()

	var user model.User
	err := h.db.WithContext(ctx).First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		response.Fail(c, response.NotFound(response.CodeUserNotFound, "user not found"))
		return
	}
	if err != nil {
		h.logger.Error("load user failed", slog.Uint64("user_id", uint64(userID)), slog.String("error", err.Error()))
		response.Fail(c, response.Internal())
		return
	}

	subscriptionID := ""
	var sub model.Subscription
	err = h.db.WithContext(ctx).Where("user_id = ?", user.ID).First(&sub).Error
	switch {
	case err == nil:
		subscriptionID = strconv.FormatUint(uint64(sub.ID), 10)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		h.logger.Error("load subscription failed", slog.Uint64("user_id", uint64(userID)), slog.String("error", err.Error()))
		response.Fail(c, response.Internal())
		return
	}

	intent, err := h.gateway.CreatePaymentIntent(ctx, IntentRequest{
		AmountCents:  amount,
		Currency:     h.currency,
		ReceiptEmail: user.Email,
		Metadata: map[string]string{
			"plan":           string(plan),
			"userId":         strconv.FormatUint(uint64(user.ID), 10),
			"subscriptionId": subscriptionID,
		},
		IdempotencyKey: strings.TrimSpace(c.GetHeader(IdempotencyHeader)),
	})
	if err != nil {
		metrics.PaymentIntentsTotal.WithLabelValues(string(plan), "error").Inc()
		h.logger.Error("create payment intent failed",
			slog.Uint64("user_id", uint64(user.ID)),
			slog.String("plan", string(plan)),
			slog.String("error", err.Error()))
		response.Fail(c, response.NewError(http.StatusBadGateway, response.CodePaymentProvider, "payment provider error"))
		return
	}

	metrics.PaymentIntentsTotal.WithLabelValues(string(plan), "created").Inc()
	h.logger.Info("payment intent created",
		slog.Uint64("user_id", uint64(user.ID)),
		slog.String("plan", string(plan)),
		slog.String("payment_intent_id", intent.ID))
	response.OK(c, upgradeResponse{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		Amount:          amount,
		Plan:            string(plan),
	})
}

// positiveInt 接受 JSON 数字形式的正整数（分）。
func positiveInt(v any) (int64, bool) {
	f, ok := v.(float64)
	if !ok || f <= 0 || f != float64(int64(f)) || f > 1e11 {
		return 0, false
	}
	return int64(f), true
}
