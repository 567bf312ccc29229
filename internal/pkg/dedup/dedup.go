// Package dedup 基于 Redis SETNX 的短时间窗口去重。
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "taskquadrant:dedup:"

// Deduplicator 在 ttl 窗口内对同一组 key 只放行一次。
type Deduplicator struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Deduplicator{
		rdb: rdb,
		ttl: ttl,
	}
}

// IsDuplicate 首次出现时记录并返回 false，窗口内再次出现返回 true。
func (d *Deduplicator) IsDuplicate(ctx context.Context, parts ...string) (bool, error) {
	if d == nil || d.rdb == nil || len(parts) == 0 {
		return false, nil
	}
	ok, err := d.rdb.SetNX(ctx, Key(parts...), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !ok, nil
}

// Delete 撤销记录，例如投递未能入队时允许重试。
func (d *Deduplicator) Delete(ctx context.Context, parts ...string) error {
	if d == nil || d.rdb == nil || len(parts) == 0 {
		return nil
	}
	if err := d.rdb.Del(ctx, Key(parts...)).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

// Key 返回 parts 对应的 Redis 键。
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return keyPrefix + hex.EncodeToString(sum[:])
}
