package botapi

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskquadrant/internal/api/middleware"
	"taskquadrant/internal/model"

	"gorm.io/gorm"
)

// KeyPrefix 所有 Bot API Key 的固定前缀。
const KeyPrefix = "tqb_"

const (
	keyRandomBytes  = 24 // 48 个十六进制字符
	displayPrefixSz = 12
)

// GeneratedKey 新生成的 API Key，Raw 只在创建或轮换时返回一次。
type GeneratedKey struct {
	Raw    string
	Hash   string
	Prefix string
}

// GenerateAPIKey 生成 "tqb_" + 48 位十六进制的随机 Key。
func GenerateAPIKey() (GeneratedKey, error) {
	buf := make([]byte, keyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return GeneratedKey{}, fmt.Errorf("generate api key: %w", err)
	}
	raw := KeyPrefix + hex.EncodeToString(buf)
	return GeneratedKey{Raw: raw, Hash: HashAPIKey(raw), Prefix: raw[:displayPrefixSz]}, nil
}

// HashAPIKey 返回 Key 的 SHA-256 十六进制摘要。
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GenerateWebhookSecret 生成 webhook 签名密钥。
func GenerateWebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}

// KeyResolver 通过数据库解析 API Key。
type KeyResolver struct {
	db  *gorm.DB
	now func() time.Time
}

// NewKeyResolver 创建 KeyResolver。
func NewKeyResolver(db *gorm.DB) *KeyResolver {
	return &KeyResolver{db: db, now: time.Now}
}

// ResolveAPIKey 查找启用状态的 Bot 并记录最近使用时间。
func (r *KeyResolver) ResolveAPIKey(ctx context.Context, rawKey string) (*model.Bot, error) {
	if !strings.HasPrefix(rawKey, KeyPrefix) {
		return nil, middleware.ErrUnknownKey
	}
	var bot model.Bot
	err := r.db.WithContext(ctx).
		Where("api_key_hash = ? AND is_active = ?", HashAPIKey(rawKey), true).
		First(&bot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, middleware.ErrUnknownKey
	}
	if err != nil {
		return nil, fmt.Errorf("lookup bot: %w", err)
	}

	now := r.now().UTC()
	if err := r.db.WithContext(ctx).Model(&model.Bot{}).Where("id = ?", bot.ID).
		UpdateColumn("last_used_at", now).Error; err == nil {
		bot.LastUsedAt = &now
	}
	return &bot, nil
}
