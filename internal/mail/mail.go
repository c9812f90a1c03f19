// Package mail delivers HTML notifications over SMTP.
package mail

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"

	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/eugenenazirov/dashconf/internal/config"
)

// ErrNoRecipients is returned when a message has nobody to go to.
var ErrNoRecipients = errors.New("no recipients")

// Report is the payload of the email_reports.send task.
type Report struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	HTML       string   `json:"html"`
}

// Mailer sends messages through the configured SMTP relay.
type Mailer struct {
	cfg    config.EmailConfig
	logger *zap.Logger
}

// New returns a Mailer for cfg. No connection is made until Send.
func New(cfg config.EmailConfig, logger *zap.Logger) *Mailer {
	return &Mailer{cfg: cfg, logger: logger}
}

// Enabled reports whether notifications are switched on.
func (m *Mailer) Enabled() bool {
	return m.cfg.Notifications
}

// Send delivers an HTML message to every recipient in a single transaction.
// It does nothing when notifications are disabled.
func (m *Mailer) Send(ctx context.Context, to []string, subject, html string) error {
	if !m.cfg.Notifications {
		m.logger.Debug("email notifications disabled, dropping message", zap.String("subject", subject))
		return nil
	}

	msg, err := m.buildMessage(to, subject, html)
	if err != nil {
		return err
	}
	// A task past its time limit has its context cancelled.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}

	client, err := gomail.NewClient(m.cfg.Host, clientOptions(m.cfg)...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}

	m.logger.Info("email sent",
		zap.String("subject", subject),
		zap.Int("recipients", len(to)),
	)
	return nil
}

// HandleReport decodes a Report payload and sends it.
func (m *Mailer) HandleReport(ctx context.Context, payload json.RawMessage) error {
	var report Report
	if err := json.Unmarshal(payload, &report); err != nil {
		return fmt.Errorf("decode report: %w", err)
	}
	return m.Send(ctx, report.Recipients, report.Subject, report.HTML)
}

func (m *Mailer) buildMessage(to []string, subject, html string) (*gomail.Msg, error) {
	if len(to) == 0 {
		return nil, ErrNoRecipients
	}

	msg := gomail.NewMsg()
	if err := msg.From(m.cfg.MailFrom); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", m.cfg.MailFrom, err)
	}
	if err := msg.To(to...); err != nil {
		return nil, fmt.Errorf("invalid recipients: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextHTML, html)
	return msg, nil
}

func clientOptions(cfg config.EmailConfig) []gomail.Option {
	opts := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithTLSPolicy(tlsPolicy(cfg)),
		gomail.WithTLSConfig(&tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: !cfg.SSLServerAuth, //nolint:gosec // governed by SSLServerAuth
		}),
	}
	if cfg.SSL {
		opts = append(opts, gomail.WithSSL())
	}
	if cfg.User != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.User),
			gomail.WithPassword(cfg.Password),
		)
	}
	return opts
}

// tlsPolicy maps the STARTTLS flag to a go-mail policy. Implicit TLS is
// configured separately, so SSL connections never attempt STARTTLS.
func tlsPolicy(cfg config.EmailConfig) gomail.TLSPolicy {
	if cfg.StartTLS && !cfg.SSL {
		return gomail.TLSMandatory
	}
	return gomail.NoTLS
}
