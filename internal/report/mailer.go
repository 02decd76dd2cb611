package report

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/austindbirch/taskbus/internal/logging"
)

// Mailer is the SMTP boundary. The report handler only needs delivery of a
// finished plain-text message; session details stay behind this interface.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// SMTPMailer sends through a real SMTP server, upgrading to TLS when the
// server advertises STARTTLS.
type SMTPMailer struct {
	server   string // host:port
	sender   string
	password string
}

func NewSMTPMailer(server, sender, password string) *SMTPMailer {
	return &SMTPMailer{server: server, sender: sender, password: password}
}

func (m *SMTPMailer) Send(_ context.Context, to []string, subject, body string) error {
	host, _, err := net.SplitHostPort(m.server)
	if err != nil {
		host = m.server
	}

	msg := strings.Join([]string{
		"From: " + m.sender,
		"To: " + strings.Join(to, ", "),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	a := smtp.PlainAuth("", m.sender, m.password, host)
	if err := smtp.SendMail(m.server, a, m.sender, to, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// LogMailer writes the message to the log instead of sending it. Used by
// local setups without SMTP credentials.
type LogMailer struct {
	log *logging.Logger
}

func NewLogMailer() *LogMailer {
	return &LogMailer{log: logging.New("mailer")}
}

func (m *LogMailer) Send(ctx context.Context, to []string, subject, body string) error {
	m.log.WithContext(ctx).WithFields(map[string]any{
		"to":      strings.Join(to, ", "),
		"subject": subject,
		"bytes":   len(body),
	}).Info("report mail logged (no SMTP configured)")
	return nil
}
