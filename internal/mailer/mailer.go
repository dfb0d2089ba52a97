// Package mailer delivers the platform's outbound mail: password-reset
// and email-verification links, and service-health alert mail for
// operators subscribed to breaker transitions.
package mailer

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/events"
)

// Sender delivers one message.
type Sender interface {
	Send(to, subject, body string) error
}

// Config holds SMTP settings.
type Config struct {
	Enabled   bool     `yaml:"enabled"`
	SMTPHost  string   `yaml:"smtp_host"`
	SMTPPort  int      `yaml:"smtp_port"`
	FromEmail string   `yaml:"from_email"`
	FromPass  string   `yaml:"from_password"`
	AlertTo   []string `yaml:"alert_to"`
	// BaseURL is the externally visible address used in reset and
	// verification links.
	BaseURL string `yaml:"base_url"`
}

// SMTPSender sends through an SMTP relay.
type SMTPSender struct {
	client    *mail.Client
	fromEmail string
	logger    *zap.Logger
}

var _ Sender = (*SMTPSender)(nil)

func NewSMTPSender(cfg Config, logger *zap.Logger) (*SMTPSender, error) {
	client, err := mail.NewClient(cfg.SMTPHost,
		mail.WithPort(cfg.SMTPPort),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.FromEmail),
		mail.WithPassword(cfg.FromPass),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return nil, fmt.Errorf("create mail client: %w", err)
	}
	return &SMTPSender{client: client, fromEmail: cfg.FromEmail, logger: logger}, nil
}

func (s *SMTPSender) Send(to, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(s.fromEmail); err != nil {
		return err
	}
	if err := msg.To(to); err != nil {
		return err
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	if err := s.client.DialAndSend(msg); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	return nil
}

// NoopSender drops mail; used when SMTP is not configured.
type NoopSender struct {
	logger *zap.Logger
}

var _ Sender = (*NoopSender)(nil)

func NewNoopSender(logger *zap.Logger) *NoopSender {
	return &NoopSender{logger: logger}
}

func (n *NoopSender) Send(to, subject, _ string) error {
	n.logger.Debug("mail suppressed, smtp not configured",
		zap.String("to", to), zap.String("subject", subject))
	return nil
}

// NewSender builds the configured sender, falling back to Noop.
func NewSender(cfg Config, logger *zap.Logger) (Sender, error) {
	if !cfg.Enabled {
		return NewNoopSender(logger), nil
	}
	return NewSMTPSender(cfg, logger)
}

// WatchHealth mails the alert recipients whenever a service turns
// unhealthy. Runs until the context ends.
func WatchHealth(ctx context.Context, bus *events.Bus, sender Sender, recipients []string, logger *zap.Logger) {
	sub := bus.Subscribe(ctx)
	go func() {
		for evt := range sub {
			if evt.Kind != events.KindHealthChanged || evt.Health == nil {
				continue
			}
			if evt.Health.Status != events.StatusUnhealthy {
				continue
			}
			subject := fmt.Sprintf("service %s is unhealthy", evt.Health.Service)
			body := fmt.Sprintf("Service %s failed its health probe at %s (latency %s).",
				evt.Health.Service, evt.Health.CheckedAt.Format("2006-01-02 15:04:05 MST"), evt.Health.Latency)
			for _, to := range recipients {
				if err := sender.Send(to, subject, body); err != nil {
					logger.Warn("health alert mail failed", zap.Error(err), zap.String("to", to))
				}
			}
		}
	}()
}
