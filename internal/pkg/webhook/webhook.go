// Package webhook 向 Bot 的回调地址投递 HMAC 签名事件。
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"taskquadrant/internal/pkg/metrics"
	"taskquadrant/internal/pkg/queue"
	"taskquadrant/internal/pkg/streamqueue"

	"github.com/google/uuid"
)

// 请求头。
const (
	SignatureHeader = "X-TaskQuadrant-Signature"
	EventHeader     = "X-TaskQuadrant-Event"
	DeliveryHeader  = "X-TaskQuadrant-Delivery"
)

// 事件类型。
const (
	EventTaskAssigned   = "task.assigned"
	EventCommentCreated = "comment.created"
)

// Event 投递给 Bot 的事件体。
type Event struct {
	Event      string `json:"event"`
	OccurredAt string `json:"occurredAt"`
	Task       any    `json:"task"`
	Comment    any    `json:"comment,omitempty"`
}

// Sign 返回 "sha256=<hex>" 形式的签名。
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify 以常量时间比较签名。
func Verify(secret string, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

// KindDelivery 持久化队列中 webhook 投递消息的类型。
const KindDelivery = "webhook.delivery"

// Delivery 一次待投递的 webhook。签名在入队前完成，队列中不保存 Bot 密钥。
type Delivery struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Event     string `json:"event"`
	Signature string `json:"signature"`
	Body      []byte `json:"body"`
}

// Outbox 持久化投递队列。
type Outbox interface {
	Publish(ctx context.Context, msg *streamqueue.Message) error
}

// Dispatcher 异步投递事件。
//
// 配置了 Outbox 时投递写入 Redis Stream，由消费者组负责重试与死信；
// 否则（或写入失败时）退回进程内队列，只尝试一次。
type Dispatcher struct {
	client *http.Client
	jobs   queue.Submitter
	outbox Outbox
	logger *slog.Logger
	now    func() time.Time
}

// NewDispatcher 创建 Dispatcher。timeout 为单次 HTTP 投递超时。
func NewDispatcher(jobs queue.Submitter, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	metrics.InitMetrics()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client: &http.Client{Timeout: timeout},
		jobs:   jobs,
		logger: logger,
		now:    time.Now,
	}
}

// SetOutbox 启用持久化投递。
func (d *Dispatcher) SetOutbox(o Outbox) {
	d.outbox = o
}

// Dispatch 序列化并签名事件后入队投递。url 为空时直接忽略。
func (d *Dispatcher) Dispatch(url, secret, event string, task, comment any) bool {
	if strings.TrimSpace(url) == "" {
		return false
	}
	body, err := json.Marshal(Event{
		Event:      event,
		OccurredAt: d.now().UTC().Format(time.RFC3339),
		Task:       task,
		Comment:    comment,
	})
	if err != nil {
		d.logger.Error("marshal webhook event failed", slog.String("event", event), slog.String("error", err.Error()))
		return false
	}
	delivery := Delivery{
		ID:        uuid.NewString(),
		URL:       url,
		Event:     event,
		Signature: Sign(secret, body),
		Body:      body,
	}

	if d.outbox != nil {
		err := d.enqueue(delivery)
		if err == nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues("queued").Inc()
			return true
		}
		d.logger.Warn("persist webhook failed, falling back to in-memory queue",
			slog.String("delivery_id", delivery.ID), slog.String("error", err.Error()))
	}

	ok := d.jobs.Submit("webhook:"+event, func(ctx context.Context) error {
		return d.deliver(ctx, delivery)
	})
	if !ok {
		metrics.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
	}
	return ok
}

func (d *Dispatcher) enqueue(delivery Delivery) error {
	msg, err := streamqueue.NewMessage(delivery.ID, KindDelivery, delivery)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return d.outbox.Publish(ctx, msg)
}

// HandleMessage 消费持久化队列中的投递消息。
//
// 接收方返回 4xx（408 与 429 除外）视为永久失败，不再重试。
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *streamqueue.Message) error {
	if msg.Kind != KindDelivery {
		return streamqueue.Permanent(fmt.Errorf("unexpected message kind %q", msg.Kind))
	}
	var delivery Delivery
	if err := json.Unmarshal(msg.Payload, &delivery); err != nil {
		return streamqueue.Permanent(fmt.Errorf("decode delivery: %w", err))
	}
	return d.deliver(ctx, delivery)
}

// statusError 接收方返回了非 2xx 状态码。
type statusError struct {
	deliveryID string
	status     int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook %s returned status %d", e.deliveryID, e.status)
}

func (d *Dispatcher) deliver(ctx context.Context, delivery Delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.URL, bytes.NewReader(delivery.Body))
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		return streamqueue.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "TaskQuadrant-Webhook/1.0")
	req.Header.Set(EventHeader, delivery.Event)
	req.Header.Set(DeliveryHeader, delivery.ID)
	req.Header.Set(SignatureHeader, delivery.Signature)

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.WebhookDeliveriesTotal.WithLabelValues("rejected").Inc()
		serr := &statusError{deliveryID: delivery.ID, status: resp.StatusCode}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return streamqueue.Permanent(serr)
		}
		return serr
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	d.logger.Debug("webhook delivered", slog.String("event", delivery.Event), slog.String("delivery_id", delivery.ID))
	return nil
}
