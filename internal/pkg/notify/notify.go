package notify

import (
	"context"
	"errors"
)

// ErrNotConfigured SMTP 未配置。
var ErrNotConfigured = errors.New("email config missing")

// Mailer 定义事务邮件发送接口。
type Mailer interface {
	// SendPasswordResetCode 发送找回密码验证码。
	//
	// 参数:
	//   ctx: 上下文
	//   toEmail: 接收邮箱
	//   code: 6 位数字验证码（明文，仅出现在邮件中）
	//   ttlMinutes: 验证码有效分钟数
	SendPasswordResetCode(ctx context.Context, toEmail string, code string, ttlMinutes int) error
}
