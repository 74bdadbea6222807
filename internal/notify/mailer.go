package notify

import (
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/clinic-service/internal/config"
)

// Mailer delivers a single mail job.
type Mailer interface {
	Send(job MailJob) error
}

type smtpMailer struct {
	cfg config.SMTPConfig
}

// NewSMTPMailer builds a plain SMTP mailer from config.
func NewSMTPMailer(cfg config.SMTPConfig) Mailer {
	return &smtpMailer{cfg: cfg}
}

func (m *smtpMailer) Send(job MailJob) error {
	msg := strings.Join([]string{
		"From: " + m.cfg.From,
		"To: " + job.To,
		"Subject: " + job.Subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"utf-8\"",
		"",
		job.Body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%s", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	return smtp.SendMail(addr, auth, m.cfg.From, []string{job.To}, []byte(msg))
}

type logMailer struct {
	logger *zap.Logger
}

// NewLogMailer returns a mailer that only logs. Used when SMTP is not
// configured, e.g. local development.
func NewLogMailer(logger *zap.Logger) Mailer {
	return &logMailer{logger: logger}
}

func (m *logMailer) Send(job MailJob) error {
	m.logger.Info("mail delivery skipped (no SMTP host configured)",
		zap.String("to", job.To),
		zap.String("subject", job.Subject))
	return nil
}
