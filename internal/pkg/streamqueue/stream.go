// Package streamqueue 基于 Redis Streams 的持久化消息队列，支持消费者组、确认、延迟重试与死信。
package streamqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message 队列中的消息。
type Message struct {
	ID        string          `json:"id"`         // 业务 ID，重试时保持不变
	Kind      string          `json:"kind"`       // 消息类型，由消费者解释 Payload
	Payload   json.RawMessage `json:"payload"`    // 消息内容
	Retry     int             `json:"retry"`      // 已失败次数
	NotBefore time.Time       `json:"not_before"` // 早于该时间不处理，零值表示立即处理
	Timestamp time.Time       `json:"timestamp"`  // 首次入队时间
}

// NewMessage 创建消息并序列化 payload。
func NewMessage(id, kind string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{ID: id, Kind: kind, Payload: raw, Timestamp: time.Now().UTC()}, nil
}

// Stream 封装一个 Redis Stream 的写入与查询。
type Stream struct {
	rdb    *redis.Client
	logger *slog.Logger
	name   string
	maxLen int64
}

// NewStream 创建 Stream。
func NewStream(rdb *redis.Client, logger *slog.Logger, name string) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{rdb: rdb, logger: logger, name: name, maxLen: 100000}
}

// Name 返回 Stream 名称。
func (s *Stream) Name() string {
	return s.name
}

// Publish 使用 XADD 追加一条消息。
func (s *Stream) Publish(ctx context.Context, msg *Message) error {
	if msg == nil {
		return errors.New("message is nil")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.publishRaw(ctx, s.name, map[string]interface{}{"data": string(data)})
}

func (s *Stream) publishRaw(ctx context.Context, stream string, values map[string]interface{}) error {
	msgID, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: s.maxLen,
		Approx: false,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}
	s.logger.Debug("stream message published", slog.String("stream", stream), slog.String("msg_id", msgID))
	return nil
}

// CreateGroup 创建消费者组，已存在时忽略。
func (s *Stream) CreateGroup(ctx context.Context, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.name, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Len 返回 Stream 中的消息数。
func (s *Stream) Len(ctx context.Context) (int64, error) {
	n, err := s.rdb.XLen(ctx, s.name).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen failed: %w", err)
	}
	return n, nil
}

func parseMessage(data string) (*Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &msg, nil
}

func jsonString(msg *Message) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
