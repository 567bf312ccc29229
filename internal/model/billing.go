package model

import "time"

// Plan 订阅套餐。
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
	PlanTeam Plan = "team"
)

// Paid 返回该套餐是否需要付费升级。
func (p Plan) Paid() bool {
	return p == PlanPro || p == PlanTeam
}

// Subscription 记录用户的计费套餐状态。
//
// 升级确认由支付方 webhook 完成，本服务只负责发起支付。
type Subscription struct {
	ID               uint   `gorm:"primaryKey"`
	UserID           uint   `gorm:"not null;uniqueIndex"`
	Plan             Plan   `gorm:"type:varchar(16);default:free"`
	Status           string `gorm:"type:varchar(16);default:active"` // active / past_due / canceled
	StripeCustomerID string `gorm:"type:varchar(64)"`
	CurrentPeriodEnd *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
