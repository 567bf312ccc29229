package streamqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"taskquadrant/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// ErrPermanent 标记不应重试的失败，消息直接进入死信。
var ErrPermanent = errors.New("permanent failure")

// Permanent 包装 err，使其跳过重试。
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Handler 处理一条消息，返回 nil 表示成功。
type Handler func(ctx context.Context, msg *Message) error

// Outcome 一条消息的处理结果。
type Outcome string

const (
	OutcomeAcked      Outcome = "acked"
	OutcomeDeferred   Outcome = "deferred"
	OutcomeRetry      Outcome = "retry"
	OutcomeDeadLetter Outcome = "dlq"
	OutcomePending    Outcome = "pending"
)

// Consumer 以消费者组方式读取 Stream。
//
// 未确认的消息在 pendingIdle 之后会被组内任一消费者认领，进程崩溃不会丢消息。
type Consumer struct {
	stream           *Stream
	logger           *slog.Logger
	group            string
	consumerID       string
	blockTime        time.Duration
	batchSize        int64
	pendingIdle      time.Duration
	pendingStart     string
	deadLetterStream string
	maxRetry         int
	backoff          time.Duration
	maxBackoff       time.Duration
	now              func() time.Time
}

// ConsumerOption 消费者配置选项。
type ConsumerOption func(*Consumer)

// WithBlockTime 设置 XREADGROUP 的阻塞时间。
func WithBlockTime(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.blockTime = d }
}

// WithBatchSize 设置每次读取的消息数量。
func WithBatchSize(size int64) ConsumerOption {
	return func(c *Consumer) { c.batchSize = size }
}

// WithPendingIdle 设置未确认消息被重新认领前的最小空闲时间。
func WithPendingIdle(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.pendingIdle = d }
}

// WithDeadLetterStream 设置死信 Stream 名称。
func WithDeadLetterStream(stream string) ConsumerOption {
	return func(c *Consumer) { c.deadLetterStream = stream }
}

// WithMaxRetry 设置最大重试次数。
func WithMaxRetry(n int) ConsumerOption {
	return func(c *Consumer) { c.maxRetry = n }
}

// WithBackoff 设置首次重试的等待时间，之后每次翻倍，不超过 ceiling。
func WithBackoff(base, ceiling time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.backoff = base
		c.maxBackoff = ceiling
	}
}

// NewConsumer 创建消费者并确保消费者组存在。
func NewConsumer(ctx context.Context, stream *Stream, group, consumerID string, opts ...ConsumerOption) (*Consumer, error) {
	if group == "" {
		return nil, errors.New("group name is required")
	}
	if consumerID == "" {
		consumerID = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	metrics.InitMetrics()

	c := &Consumer{
		stream:           stream,
		logger:           stream.logger,
		group:            group,
		consumerID:       consumerID,
		blockTime:        time.Second,
		batchSize:        10,
		pendingIdle:      time.Minute,
		pendingStart:     "0-0",
		deadLetterStream: stream.name + ":dlq",
		maxRetry:         5,
		backoff:          30 * time.Second,
		maxBackoff:       30 * time.Minute,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := stream.CreateGroup(ctx, group); err != nil {
		return nil, err
	}
	c.logger.Info("stream consumer ready",
		slog.String("stream", stream.name),
		slog.String("group", group),
		slog.String("consumer_id", consumerID))
	return c, nil
}

// Delivery 读取到的消息及其 Stream ID。
type Delivery struct {
	StreamID string
	Message  *Message
}

// Read 优先认领超时未确认的消息，没有时读取新消息。
func (c *Consumer) Read(ctx context.Context) ([]*Delivery, error) {
	pending, err := c.readPending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return pending, nil
	}
	return c.readNew(ctx)
}

func (c *Consumer) readPending(ctx context.Context) ([]*Delivery, error) {
	messages, next, err := c.stream.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream.name,
		Group:    c.group,
		Consumer: c.consumerID,
		MinIdle:  c.pendingIdle,
		Start:    c.pendingStart,
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim failed: %w", err)
	}
	if next != "" {
		c.pendingStart = next
	}
	if len(messages) > 0 {
		metrics.StreamAutoClaimTotal.WithLabelValues(c.stream.name).Add(float64(len(messages)))
	}
	return c.parse(ctx, messages), nil
}

func (c *Consumer) readNew(ctx context.Context) ([]*Delivery, error) {
	streams, err := c.stream.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumerID,
		Streams:  []string{c.stream.name, ">"},
		Count:    c.batchSize,
		Block:    c.blockTime,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup failed: %w", err)
	}
	var messages []redis.XMessage
	for _, s := range streams {
		messages = append(messages, s.Messages...)
	}
	return c.parse(ctx, messages), nil
}

func (c *Consumer) parse(ctx context.Context, messages []redis.XMessage) []*Delivery {
	out := make([]*Delivery, 0, len(messages))
	for _, m := range messages {
		data, ok := m.Values["data"].(string)
		if !ok || data == "" {
			c.poison(ctx, m.ID, fmt.Sprintf("%v", m.Values["data"]), "invalid message format")
			continue
		}
		msg, err := parseMessage(data)
		if err != nil {
			c.poison(ctx, m.ID, data, err.Error())
			continue
		}
		out = append(out, &Delivery{StreamID: m.ID, Message: msg})
	}
	return out
}

// Ack 确认消息已处理。
func (c *Consumer) Ack(ctx context.Context, streamID string) error {
	if err := c.stream.rdb.XAck(ctx, c.stream.name, c.group, streamID).Err(); err != nil {
		return fmt.Errorf("xack failed: %w", err)
	}
	return nil
}

// Pending 返回组内已读取但未确认的消息数。
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	info, err := c.stream.rdb.XPending(ctx, c.stream.name, c.group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending failed: %w", err)
	}
	return info.Count, nil
}

// Process 处理一条消息并据结果确认、延后、重试或转入死信。
//
// ctx 已取消时处理失败的消息保持未确认，由之后的认领重新投递。
func (c *Consumer) Process(ctx context.Context, d *Delivery, handle Handler) Outcome {
	msg := d.Message
	if !msg.NotBefore.IsZero() && c.now().Before(msg.NotBefore) {
		if err := c.requeue(ctx, d); err != nil {
			c.logger.Warn("defer stream message failed", slog.String("id", msg.ID), slog.String("error", err.Error()))
			return OutcomePending
		}
		return OutcomeDeferred
	}

	err := handle(ctx, msg)
	if err == nil {
		if ackErr := c.Ack(ctx, d.StreamID); ackErr != nil {
			c.logger.Warn("ack stream message failed", slog.String("id", msg.ID), slog.String("error", ackErr.Error()))
		}
		return OutcomeAcked
	}
	if ctx.Err() != nil {
		return OutcomePending
	}

	outcome, ferr := c.HandleFailure(ctx, d, err)
	if ferr != nil {
		c.logger.Error("handle stream failure failed", slog.String("id", msg.ID), slog.String("error", ferr.Error()))
		return OutcomePending
	}
	c.logger.Warn("stream message failed",
		slog.String("id", msg.ID),
		slog.String("kind", msg.Kind),
		slog.Int("retry", msg.Retry),
		slog.String("outcome", string(outcome)),
		slog.String("error", err.Error()))
	return outcome
}

// HandleFailure 根据重试次数重新入队（带退避）或放入死信队列。
func (c *Consumer) HandleFailure(ctx context.Context, d *Delivery, cause error) (Outcome, error) {
	msg := d.Message
	msg.Retry++
	if errors.Is(cause, ErrPermanent) || msg.Retry > c.maxRetry {
		if err := c.deadLetter(ctx, d.StreamID, msg, cause); err != nil {
			return OutcomeDeadLetter, err
		}
		return OutcomeDeadLetter, c.Ack(ctx, d.StreamID)
	}
	msg.NotBefore = c.now().UTC().Add(c.delay(msg.Retry))
	if err := c.requeue(ctx, d); err != nil {
		return OutcomeRetry, err
	}
	return OutcomeRetry, nil
}

func (c *Consumer) delay(retry int) time.Duration {
	d := c.backoff
	for i := 1; i < retry && d < c.maxBackoff; i++ {
		d *= 2
	}
	if c.maxBackoff > 0 && d > c.maxBackoff {
		d = c.maxBackoff
	}
	return d
}

// requeue 追加到 Stream 尾部后确认原消息。
func (c *Consumer) requeue(ctx context.Context, d *Delivery) error {
	if err := c.stream.Publish(ctx, d.Message); err != nil {
		return err
	}
	return c.Ack(ctx, d.StreamID)
}

func (c *Consumer) poison(ctx context.Context, streamID, payload, reason string) {
	c.logger.Warn("invalid stream message", slog.String("msg_id", streamID), slog.String("reason", reason))
	if err := c.deadLetter(ctx, streamID, payload, errors.New(reason)); err != nil {
		c.logger.Error("publish dead letter failed", slog.String("msg_id", streamID), slog.String("error", err.Error()))
	}
	if err := c.Ack(ctx, streamID); err != nil {
		c.logger.Error("ack poison message failed", slog.String("msg_id", streamID), slog.String("error", err.Error()))
	}
}

func (c *Consumer) deadLetter(ctx context.Context, streamID string, payload any, cause error) error {
	raw := payload
	if msg, ok := payload.(*Message); ok {
		data, err := jsonString(msg)
		if err == nil {
			raw = data
		}
	}
	metrics.StreamDeadLetterTotal.WithLabelValues(c.stream.name).Inc()
	return c.stream.publishRaw(ctx, c.deadLetterStream, map[string]interface{}{
		"original_id": streamID,
		"payload":     raw,
		"reason":      cause.Error(),
		"failed_at":   c.now().UTC().Format(time.RFC3339Nano),
	})
}

// Run 持续读取并处理消息，直到 ctx 取消。
func (c *Consumer) Run(ctx context.Context, handle Handler) {
	for ctx.Err() == nil {
		batch, err := c.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("read stream failed", slog.String("stream", c.stream.name), slog.String("error", err.Error()))
			c.wait(ctx)
			continue
		}
		deferred := 0
		for _, d := range batch {
			if c.Process(ctx, d, handle) == OutcomeDeferred {
				deferred++
			}
		}
		// 只剩未到期的重试时不要空转
		if len(batch) > 0 && deferred == len(batch) {
			c.wait(ctx)
		}
	}
}

func (c *Consumer) wait(ctx context.Context) {
	t := time.NewTimer(c.blockTime)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
