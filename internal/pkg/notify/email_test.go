package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"taskquadrant/internal/config"
	"taskquadrant/internal/pkg/logger"

	"gopkg.in/gomail.v2"
)

func TestSendPasswordResetCode_NotConfigured(t *testing.T) {
	n := NewEmailNotifier(config.EmailConfig{}, logger.Discard())
	err := n.SendPasswordResetCode(context.Background(), "a@b.com", "123456", 15)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSendPasswordResetCode_BuildsMessage(t *testing.T) {
	n := NewEmailNotifier(config.EmailConfig{
		SMTPHost:  "smtp.example.com",
		SMTPPort:  587,
		FromEmail: "noreply@taskquadrant.app",
	}, logger.Discard())

	var sent *gomail.Message
	n.send = func(m *gomail.Message) error {
		sent = m
		return nil
	}

	if err := n.SendPasswordResetCode(context.Background(), " user@example.com ", "042917", 15); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent == nil {
		t.Fatalf("message not sent")
	}
	if got := sent.GetHeader("To"); len(got) != 1 || got[0] != "user@example.com" {
		t.Fatalf("unexpected recipient %v", got)
	}

	var buf strings.Builder
	if _, err := sent.WriteTo(&buf); err != nil {
		t.Fatalf("write message: %v", err)
	}
	if !strings.Contains(buf.String(), "042917") {
		t.Fatalf("message body missing code")
	}
}

func TestSendPasswordResetCode_WrapsTransportError(t *testing.T) {
	n := NewEmailNotifier(config.EmailConfig{SMTPHost: "smtp", FromEmail: "f@x.com"}, logger.Discard())
	boom := errors.New("connection refused")
	n.send = func(m *gomail.Message) error { return boom }

	err := n.SendPasswordResetCode(context.Background(), "a@b.com", "111111", 15)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
}

func TestRenderResetCode(t *testing.T) {
	body, err := renderResetCode("987654", 15)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(body, "987654") || !strings.Contains(body, "15 minutes") {
		t.Fatalf("unexpected body: %s", body)
	}
}
