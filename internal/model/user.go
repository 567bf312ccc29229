package model

import "time"

// DefaultTaskRetentionDays 新用户已完成任务的默认保留天数。
const DefaultTaskRetentionDays = 30

// User 表示系统用户。
type User struct {
	ID                uint      `gorm:"primaryKey"`                    // 用户 ID
	Email             string    `gorm:"type:varchar(191);uniqueIndex"` // 邮箱（唯一，小写存储）
	Password          string    `gorm:"not null"`                      // bcrypt 哈希
	FirstName         *string   `gorm:"type:varchar(100)"`             // 名字（可选）
	IsAdmin           bool      `gorm:"default:false"`                 // 管理员标记
	TaskRetentionDays int       `gorm:"default:30"`                    // 已完成任务保留天数
	CreatedAt         time.Time // 创建时间
	UpdatedAt         time.Time // 更新时间

	Subscription *Subscription `gorm:"foreignKey:UserID"`
}

// PasswordReset 表示一次找回密码请求。
//
// 每个用户同时最多只有一条记录（user_id 唯一），新请求会先删除旧记录。
type PasswordReset struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"not null;uniqueIndex"` // 所属用户
	CodeHash  string    `gorm:"not null"`             // 验证码的 bcrypt 哈希
	Attempts  int       `gorm:"not null;default:0"`   // 已用掉的错误尝试次数
	ExpiresAt time.Time `gorm:"not null;index"`       // 过期时间
	CreatedAt time.Time
}

// Expired 判断验证码在 now 时刻是否已过期。
func (p PasswordReset) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}
