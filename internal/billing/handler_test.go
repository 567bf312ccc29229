package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"taskquadrant/internal/api/middleware"
	"taskquadrant/internal/model"
	"taskquadrant/internal/pkg/logger"
	"taskquadrant/internal/testutil"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type fakeGateway struct {
	got   []IntentRequest
	err   error
	calls int
}

func (f *fakeGateway) CreatePaymentIntent(_ context.Context, req IntentRequest) (*Intent, error) {
	f.calls++
	f.got = append(f.got, req)
	if f.err != nil {
		return nil, f.err
	}
	return &Intent{ID: "pi_123", ClientSecret: "pi_123_secret_abc", Amount: req.AmountCents}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func newRouter(t *testing.T, gw PaymentGateway, userID uint) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.OpenTestDB(t)
	h := NewHandler(db, gw, "", logger.Discard())

	r := gin.New()
	r.POST("/api/subscriptions/upgrade-stripe", func(c *gin.Context) {
		c.Set(middleware.ContextUserID, userID)
		c.Next()
	}, h.UpgradeStripe)
	return r, db
}

func post(r *gin.Engine, body string, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	req := httptest.NewRequest(http.MethodPost, "/api/subscriptions/upgrade-stripe", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestUpgradeStripe_Success(t *testing.T) {
	gw := &fakeGateway{}
	r, db := newRouter(t, gw, 1)
	user := model.User{Email: "pay@example.com", Password: "x"}
	db.Create(&user)
	sub := model.Subscription{UserID: user.ID, Plan: model.PlanFree}
	db.Create(&sub)

	w, env := post(r, `{"plan":"Pro","amount":1200}`, map[string]string{IdempotencyHeader: "idem-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var resp upgradeResponse
	_ = json.Unmarshal(env.Data, &resp)
	if resp.ClientSecret != "pi_123_secret_abc" || resp.PaymentIntentID != "pi_123" || resp.Amount != 1200 || resp.Plan != "pro" {
		t.Fatalf("unexpected response %+v", resp)
	}

	if gw.calls != 1 {
		t.Fatalf("gateway calls = %d", gw.calls)
	}
	got := gw.got[0]
	if got.Currency != "usd" || got.ReceiptEmail != "pay@example.com" || got.IdempotencyKey != "idem-1" {
		t.Fatalf("unexpected intent request %+v", got)
	}
	if got.Metadata["plan"] != "pro" || got.Metadata["userId"] != "1" || got.Metadata["subscriptionId"] == "" {
		t.Fatalf("unexpected metadata %v", got.Metadata)
	}
}

func TestUpgradeStripe_NoSubscriptionRow(t *testing.T) {
	gw := &fakeGateway{}
	r, db := newRouter(t, gw, 1)
	db.Create(&model.User{Email: "nosub@example.com", Password: "x"})

	w, _ := post(r, `{"plan":"team","amount":5000}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if v, ok := gw.got[0].Metadata["subscriptionId"]; !ok || v != "" {
		t.Fatalf("subscriptionId should be present and empty, got %q", v)
	}
}

func TestUpgradeStripe_InvalidInput(t *testing.T) {
	gw := &fakeGateway{}
	r, db := newRouter(t, gw, 1)
	db.Create(&model.User{Email: "a@example.com", Password: "x"})

	for _, body := range []string{
		`{}`,
		`{"plan":"pro"}`,
		`{"amount":100}`,
		`{"plan":"  ","amount":100}`,
		`{"plan":"pro","amount":0}`,
		`{"plan":"pro","amount":-5}`,
		`{"plan":"pro","amount":12.5}`,
		`{"plan":"pro","amount":"100"}`,
		`{"plan":"free","amount":100}`,
		`{"plan":"enterprise","amount":100}`,
		`not json`,
	} {
		w, env := post(r, body, nil)
		if w.Code != http.StatusBadRequest || env.Error.Code != "INVALID_INPUT" {
			t.Fatalf("body %s: status = %d code = %s", body, w.Code, env.Error.Code)
		}
	}
	if gw.calls != 0 {
		t.Fatalf("gateway must not be called for invalid input")
	}
}

func TestUpgradeStripe_UserNotFound(t *testing.T) {
	r, _ := newRouter(t, &fakeGateway{}, 404)
	w, env := post(r, `{"plan":"pro","amount":100}`, nil)
	if w.Code != http.StatusNotFound || env.Error.Code != "USER_NOT_FOUND" {
		t.Fatalf("status = %d code = %s", w.Code, env.Error.Code)
	}
}

func TestUpgradeStripe_ProviderError(t *testing.T) {
	gw := &fakeGateway{err: errors.New("card_declined: secret detail")}
	r, db := newRouter(t, gw, 1)
	db.Create(&model.User{Email: "a@example.com", Password: "x"})

	w, env := post(r, `{"plan":"pro","amount":100}`, nil)
	if w.Code != http.StatusBadGateway || env.Error.Code != "PAYMENT_PROVIDER_ERROR" {
		t.Fatalf("status = %d code = %s", w.Code, env.Error.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("secret detail")) {
		t.Fatalf("provider error leaked to client")
	}
}
