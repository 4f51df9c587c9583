package smtp

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signupdesk/mailroom/internal/mailqueue"
)

func TestNewSender_RequiresConfigWhenEnabled(t *testing.T) {
	_, err := NewSender(Config{Enabled: true})
	assert.Error(t, err)

	_, err = NewSender(Config{Enabled: true, Host: "smtp.example.com"})
	assert.Error(t, err)

	sender, err := NewSender(Config{
		Enabled:     true,
		Host:        "smtp.example.com",
		FromAddress: "noreply@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, 587, sender.config.Port, "default port")
}

func TestSend_DisabledIsNoop(t *testing.T) {
	sender, err := NewSender(Config{Enabled: false})
	require.NoError(t, err)

	err = sender.Send(context.Background(), mailqueue.Message{
		ToEmail: "user@example.com",
		Subject: "s",
		Body:    "b",
	})
	assert.NoError(t, err)
}

func TestIsPermanent(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"mailbox unavailable", errors.New("rcpt to: 550 5.1.1 mailbox unavailable"), true},
		{"user not local", errors.New("551 user not local"), true},
		{"mailbox name not allowed", errors.New("553 mailbox name not allowed"), true},
		{"transaction failed", errors.New("554 transaction failed"), true},
		{"service not available", errors.New("421 service not available"), false},
		{"mailbox busy", errors.New("450 mailbox busy"), false},
		{"local error", errors.New("451 local error in processing"), false},
		{"insufficient storage", errors.New("452 insufficient system storage"), false},
		{"connection refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, false},
		{"unknown error", errors.New("something odd"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isPermanent(tc.err))
		})
	}
}

func TestClassify(t *testing.T) {
	permanent := classify(errors.New("550 no such user"))
	var retryable *mailqueue.RetryableError
	require.ErrorAs(t, permanent, &retryable)
	assert.False(t, retryable.IsRetryable())

	transient := classify(errors.New("421 try again later"))
	require.ErrorAs(t, transient, &retryable)
	assert.True(t, retryable.IsRetryable())
}

func TestExtractEmail(t *testing.T) {
	assert.Equal(t, "noreply@example.com", extractEmail("noreply@example.com"))
	assert.Equal(t, "noreply@example.com", extractEmail("Mailroom <noreply@example.com>"))
	assert.Equal(t, "broken <noreply@example.com", extractEmail("broken <noreply@example.com"))
}

func TestBuildMessage(t *testing.T) {
	sender, err := NewSender(Config{
		Enabled:     true,
		Host:        "smtp.example.com",
		FromAddress: "Mailroom <noreply@example.com>",
	})
	require.NoError(t, err)

	raw := string(sender.buildMessage(mailqueue.Message{
		ToEmail: "user@example.com",
		ToName:  "User Name",
		Subject: "Greetings",
		Body:    "<p>Hi</p>",
	}))

	assert.Contains(t, raw, "From: Mailroom <noreply@example.com>\r\n")
	assert.Contains(t, raw, "To: User Name <user@example.com>\r\n")
	assert.Contains(t, raw, "Subject: Greetings\r\n")
	assert.Contains(t, raw, "Content-Type: text/html; charset=\"utf-8\"\r\n")
	assert.Contains(t, raw, "\r\n\r\n<p>Hi</p>")
}
