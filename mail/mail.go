// Package mail provides the e-mail integration used by send_email actions.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrNoRecipient is returned when an email has no address to send to.
var ErrNoRecipient = errors.New("email has no recipient")

// Email is the payload accepted by the mail integration.
type Email struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	From    string `json:"from,omitempty"`
}

// Mailer sends email.
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// HTTPMailer posts emails as JSON to a mail integration endpoint.
type HTTPMailer struct {
	endpoint string
	apiKey   string
	from     string
	client   *http.Client
}

// HTTPMailerOption configures an HTTPMailer.
type HTTPMailerOption func(*HTTPMailer)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) HTTPMailerOption {
	return func(m *HTTPMailer) {
		m.apiKey = key
	}
}

// WithFrom sets the default sender address.
func WithFrom(from string) HTTPMailerOption {
	return func(m *HTTPMailer) {
		m.from = from
	}
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) HTTPMailerOption {
	return func(m *HTTPMailer) {
		m.client = client
	}
}

// NewHTTPMailer creates an HTTPMailer for endpoint.
func NewHTTPMailer(endpoint string, options ...HTTPMailerOption) *HTTPMailer {
	m := &HTTPMailer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// Send posts the email. Any non-2xx response is an error.
func (m *HTTPMailer) Send(ctx context.Context, email Email) error {
	if email.To == "" {
		return ErrNoRecipient
	}
	if email.From == "" {
		email.From = m.from
	}

	payload, err := json.Marshal(email)
	if err != nil {
		return fmt.Errorf("failed to marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send email to %s: %w", email.To, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mail integration returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

// LogMailer writes emails to the log instead of sending them.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer creates a LogMailer. A nil logger discards output.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger.Named("mail")}
}

// Send logs the email.
func (m *LogMailer) Send(_ context.Context, email Email) error {
	if email.To == "" {
		return ErrNoRecipient
	}
	m.logger.Info("email",
		zap.String("to", email.To),
		zap.String("subject", email.Subject),
		zap.Int("body_bytes", len(email.Body)))
	return nil
}
