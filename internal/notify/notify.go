// Package notify sends transactional email.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/voicedesk/voicedesk/internal/circuitbreaker"
)

// ErrNoRecipient is returned when a message has no To address.
var ErrNoRecipient = errors.New("notify: message has no recipient")

// Message is a plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer writes messages to the log instead of sending them. Used when
// SMTP is not configured.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) Send(_ context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	m.Logger.Info("email (not sent, smtp disabled)", "to", msg.To, "subject", msg.Subject)
	return nil
}

// SMTPConfig holds SMTP connection settings.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// SMTPMailer sends through an SMTP relay with PLAIN auth.
type SMTPMailer struct {
	addr string
	from string
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates an SMTP mailer. Auth is skipped when no username is
// configured.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	m := &SMTPMailer{
		addr: net.JoinHostPort(cfg.Host, cfg.Port),
		from: cfg.From,
		send: smtp.SendMail,
	}
	if cfg.Username != "" {
		m.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return m
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.send(m.addr, m.auth, m.from, []string{msg.To}, compose(m.from, msg, time.Now())); err != nil {
		return fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	return nil
}

// compose renders RFC 5322 headers and body. Header values are stripped of
// CR and LF.
func compose(from string, msg Message, date time.Time) []byte {
	clean := strings.NewReplacer("\r", "", "\n", "")
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", clean.Replace(from))
	fmt.Fprintf(&b, "To: %s\r\n", clean.Replace(msg.To))
	fmt.Fprintf(&b, "Subject: %s\r\n", clean.Replace(msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", date.UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// Guarded wraps a mailer with a circuit breaker so a dead relay fails fast.
type Guarded struct {
	next    Mailer
	breaker *circuitbreaker.Breaker
}

// NewGuarded creates a breaker-protected mailer.
func NewGuarded(next Mailer, breaker *circuitbreaker.Breaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

func (g *Guarded) Send(ctx context.Context, msg Message) error {
	return g.breaker.Do("smtp", func() error {
		return g.next.Send(ctx, msg)
	})
}

// ResetSummary builds the monthly credit reset email.
func ResetSummary(to, clientName, tier string, total int64, at time.Time) Message {
	return Message{
		To:      to,
		Subject: "Your voice agent credits have been renewed",
		Body: fmt.Sprintf("Hi %s,\n\nYour %s plan credits were reset on %s.\nAvailable credits: %d\n\nThanks,\nvoicedesk\n",
			clientName, tier, at.UTC().Format("January 2, 2006"), total),
	}
}
