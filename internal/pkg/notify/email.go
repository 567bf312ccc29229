package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"strings"

	"taskquadrant/internal/config"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 通过 SMTP 发送邮件。
type EmailNotifier struct {
	cfg    config.EmailConfig
	logger *slog.Logger
	send   func(m *gomail.Message) error
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{cfg: cfg, logger: logger}
	n.send = n.dialAndSend
	return n
}

// Configured 返回 SMTP 参数是否齐全。
func (n *EmailNotifier) Configured() bool {
	return n.cfg.SMTPHost != "" && n.cfg.FromEmail != ""
}

// SendPasswordResetCode 发送找回密码验证码。
func (n *EmailNotifier) SendPasswordResetCode(ctx context.Context, toEmail string, code string, ttlMinutes int) error {
	if !n.Configured() {
		return ErrNotConfigured
	}
	toEmail = strings.TrimSpace(toEmail)
	if toEmail == "" {
		return fmt.Errorf("empty recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := renderResetCode(code, ttlMinutes)
	if err != nil {
		return fmt.Errorf("render reset email: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", toEmail)
	m.SetHeader("Subject", "[TaskQuadrant] Your password reset code")
	m.SetBody("text/plain", fmt.Sprintf("Your TaskQuadrant password reset code is %s. It expires in %d minutes.", code, ttlMinutes))
	m.AddAlternative("text/html", body)

	if err := n.send(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	if n.logger != nil {
		n.logger.Info("password reset email sent", slog.String("to", toEmail))
	}
	return nil
}

func (n *EmailNotifier) dialAndSend(m *gomail.Message) error {
	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
	return d.DialAndSend(m)
}

var resetCodeTmpl = template.Must(template.New("reset").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 520px; margin: 0 auto; padding: 16px;">
    <h2>TaskQuadrant password reset</h2>
    <p>Use this code to reset your password:</p>
    <div style="font-size: 28px; font-weight: bold; letter-spacing: 3px;">{{.Code}}</div>
    <p>The code expires in {{.Minutes}} minutes. If you did not request a reset you can ignore this email.</p>
  </div>
</body>
</html>`))

func renderResetCode(code string, minutes int) (string, error) {
	var buf bytes.Buffer
	err := resetCodeTmpl.Execute(&buf, struct {
		Code    string
		Minutes int
	}{Code: code, Minutes: minutes})
	return buf.String(), err
}
