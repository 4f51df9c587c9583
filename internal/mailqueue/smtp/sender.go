// Package smtp provides the SMTP transport used by the delivery worker.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/signupdesk/mailroom/internal/mailqueue"
	"golang.org/x/time/rate"
)

// Config holds SMTP transport configuration.
type Config struct {
	Enabled     bool
	Host        string
	Port        int
	User        string
	Password    string
	FromAddress string

	// SendRate caps outbound messages per second across all worker
	// goroutines. Zero means no limit.
	SendRate float64
}

// Sender implements mailqueue.Transport over SMTP with STARTTLS. It is safe
// for concurrent use; each Send dials its own connection and the shared rate
// limiter caps the aggregate outbound rate.
type Sender struct {
	config  Config
	auth    smtp.Auth
	limiter *rate.Limiter
}

// NewSender creates an SMTP sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.Host == "" {
			return nil, errors.New("smtp sender: host is required when enabled")
		}
		if config.FromAddress == "" {
			return nil, errors.New("smtp sender: from address is required when enabled")
		}
	}

	if config.Port == 0 {
		config.Port = 587
	}

	var auth smtp.Auth
	if config.User != "" && config.Password != "" {
		auth = smtp.PlainAuth("", config.User, config.Password, config.Host)
	}

	var limiter *rate.Limiter
	if config.SendRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.SendRate), 1)
	}

	slog.Info("smtp sender configured",
		"enabled", config.Enabled,
		"host", config.Host,
		"port", config.Port,
		"from_address", config.FromAddress,
		"send_rate", config.SendRate,
	)

	return &Sender{
		config:  config,
		auth:    auth,
		limiter: limiter,
	}, nil
}

// Send delivers one message. Errors are classified: permanent rejections come
// back non-retryable so the worker fails the entry without burning the rest of
// its retry budget, everything else is transient.
func (s *Sender) Send(ctx context.Context, msg mailqueue.Message) error {
	if !s.config.Enabled {
		slog.Warn("smtp sender disabled, skipping send", "to", msg.ToEmail)
		return nil
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return mailqueue.NewRetryableError(fmt.Errorf("rate limit wait: %w", err))
		}
	}

	if err := s.sendMail(ctx, msg); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Sender) sendMail(ctx context.Context, msg mailqueue.Message) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	// Honor the worker's per-send deadline for the whole SMTP conversation,
	// not just the dial.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName: s.config.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	from := extractEmail(s.config.FromAddress)
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}

	if err := client.Rcpt(msg.ToEmail); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}

	if _, err := w.Write(s.buildMessage(msg)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

// buildMessage constructs the MIME message. Bodies arrive pre-rendered as HTML.
func (s *Sender) buildMessage(msg mailqueue.Message) []byte {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("From: %s\r\n", s.config.FromAddress))
	if msg.ToName != "" {
		b.WriteString(fmt.Sprintf("To: %s <%s>\r\n", msg.ToName, msg.ToEmail))
	} else {
		b.WriteString(fmt.Sprintf("To: %s\r\n", msg.ToEmail))
	}
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	return []byte(b.String())
}

// extractEmail extracts the address from formats like "Name <email@example.com>".
func extractEmail(address string) string {
	if idx := strings.Index(address, "<"); idx != -1 {
		end := strings.Index(address, ">")
		if end > idx {
			return address[idx+1 : end]
		}
	}
	return address
}

// classify wraps an SMTP error with retryability information.
func classify(err error) error {
	if isPermanent(err) {
		return mailqueue.NewPermanentError(err)
	}
	return mailqueue.NewRetryableError(err)
}

// isPermanent reports whether the failure will not succeed on a later attempt.
// SMTP 5xx mailbox rejections are permanent; network trouble and 4xx codes are
// temporary. Unknown errors stay transient so the retry budget decides.
func isPermanent(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return false
	}

	errStr := err.Error()

	// 4xx codes are temporary failures.
	if strings.Contains(errStr, "421") ||
		strings.Contains(errStr, "450") ||
		strings.Contains(errStr, "451") ||
		strings.Contains(errStr, "452") {
		return false
	}

	// Mailbox-level rejections.
	if strings.Contains(errStr, "550") || // mailbox unavailable
		strings.Contains(errStr, "551") || // user not local
		strings.Contains(errStr, "553") || // mailbox name not allowed
		strings.Contains(errStr, "554") { // transaction failed
		return true
	}

	return false
}
