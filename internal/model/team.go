package model

import "time"

// Team 团队。
type Team struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"not null"`
	Slug        string `gorm:"type:varchar(191);uniqueIndex;not null"`
	Description string
	OwnerID     uint `gorm:"not null;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Members []TeamMember `gorm:"foreignKey:TeamID"`
}

// TeamMember 团队成员关系。
type TeamMember struct {
	ID        uint   `gorm:"primaryKey"`
	TeamID    uint   `gorm:"not null;uniqueIndex:idx_team_member"`
	UserID    uint   `gorm:"not null;uniqueIndex:idx_team_member"`
	Role      string `gorm:"type:varchar(16);default:member"` // owner / admin / member
	CreatedAt time.Time
}

// TeamInvitation 待接受的团队邀请。
//
// 只有未过期的邀请才被视为 pending。
type TeamInvitation struct {
	ID        uint      `gorm:"primaryKey"`
	TeamID    uint      `gorm:"not null;index"`
	Team      Team      `gorm:"foreignKey:TeamID"`
	Email     string    `gorm:"type:varchar(191);not null;index"` // 小写存储
	Role      string    `gorm:"type:varchar(16);default:member"`
	Token     string    `gorm:"type:varchar(64);uniqueIndex;not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedAt time.Time
}
