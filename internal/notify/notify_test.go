package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicedesk/voicedesk/internal/circuitbreaker"
)

func TestLogMailer(t *testing.T) {
	var buf bytes.Buffer
	m := LogMailer{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	require.NoError(t, m.Send(context.Background(), Message{To: "a@b.io", Subject: "hi"}))
	assert.Contains(t, buf.String(), "a@b.io")
	assert.ErrorIs(t, m.Send(context.Background(), Message{}), ErrNoRecipient)
}

func TestSMTPMailer_Send(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{Host: "mail.local", Port: "2525", Username: "u", Password: "p", From: "noreply@voicedesk.io"})

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		assert.NotNil(t, a)
		return nil
	}

	require.NoError(t, m.Send(context.Background(), Message{To: "ops@acme.io", Subject: "Renewed\r\nBcc: x@evil.io", Body: "line1\nline2"}))
	assert.Equal(t, "mail.local:2525", gotAddr)
	assert.Equal(t, "noreply@voicedesk.io", gotFrom)
	assert.Equal(t, []string{"ops@acme.io"}, gotTo)

	raw := string(gotMsg)
	assert.Contains(t, raw, "Subject: RenewedBcc: x@evil.io\r\n", "header injection is neutralized")
	assert.True(t, strings.HasSuffix(raw, "line1\r\nline2"))
}

func TestSMTPMailer_Errors(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{Host: "mail.local", Port: "25", From: "noreply@voicedesk.io"})
	assert.Nil(t, m.auth)
	m.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }

	err := m.Send(context.Background(), Message{To: "a@b.io"})
	assert.ErrorContains(t, err, "refused")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Send(ctx, Message{To: "a@b.io"}), context.Canceled)
}

type failingMailer struct{ calls int }

func (f *failingMailer) Send(context.Context, Message) error {
	f.calls++
	return errors.New("relay down")
}

func TestGuarded_OpensAfterFailures(t *testing.T) {
	inner := &failingMailer{}
	g := NewGuarded(inner, circuitbreaker.New("smtp-test", 2, time.Minute))
	ctx := context.Background()

	assert.Error(t, g.Send(ctx, Message{To: "a@b.io"}))
	assert.Error(t, g.Send(ctx, Message{To: "a@b.io"}))
	assert.ErrorIs(t, g.Send(ctx, Message{To: "a@b.io"}), circuitbreaker.ErrOpen)
	assert.Equal(t, 2, inner.calls)
}

func TestResetSummary(t *testing.T) {
	msg := ResetSummary("ops@acme.io", "Acme", "pro", 60000, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, "ops@acme.io", msg.To)
	assert.Contains(t, msg.Body, "60000")
	assert.Contains(t, msg.Body, "March 1, 2026")
}
