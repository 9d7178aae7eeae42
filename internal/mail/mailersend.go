package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cloudlocker/internal/models"
	"cloudlocker/internal/observability/logging"
	"cloudlocker/internal/observability/metrics"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultMailerSendEndpoint = "https://api.mailersend.com/v1/email"
	DefaultProductName        = "CloudLocker"

	maxErrorSnippet = 512
)

type MailerSendConfig struct {
	APIKey        string
	Endpoint      string
	FromEmail     string
	FromName      string
	ProductName   string
	HTTPClient    *http.Client
	MaxAttempts   int
	RetryInterval time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

// MailerSendClient delivers mail through the MailerSend email API.
type MailerSendClient struct {
	apiKey        string
	endpoint      string
	fromEmail     string
	fromName      string
	product       string
	client        *http.Client
	maxAttempts   int
	retryInterval time.Duration
	logger        *slog.Logger
	metrics       *metrics.Recorder
}

func NewMailerSendClient(cfg MailerSendConfig) (*MailerSendClient, error) {
	var missing []string
	if strings.TrimSpace(cfg.APIKey) == "" {
		missing = append(missing, "API key")
	}
	if strings.TrimSpace(cfg.FromEmail) == "" {
		missing = append(missing, "sender email")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("mailersend: missing %s", strings.Join(missing, ", "))
	}
	client := &MailerSendClient{
		apiKey:        strings.TrimSpace(cfg.APIKey),
		endpoint:      strings.TrimSpace(cfg.Endpoint),
		fromEmail:     strings.TrimSpace(cfg.FromEmail),
		fromName:      strings.TrimSpace(cfg.FromName),
		product:       strings.TrimSpace(cfg.ProductName),
		client:        cfg.HTTPClient,
		maxAttempts:   cfg.MaxAttempts,
		retryInterval: cfg.RetryInterval,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
	if client.endpoint == "" {
		client.endpoint = DefaultMailerSendEndpoint
	}
	if client.product == "" {
		client.product = DefaultProductName
	}
	if client.fromName == "" {
		client.fromName = client.product
	}
	if client.client == nil {
		client.client = &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if client.maxAttempts <= 0 {
		client.maxAttempts = 3
	}
	if client.retryInterval < 0 {
		client.retryInterval = 0
	} else if client.retryInterval == 0 {
		client.retryInterval = 500 * time.Millisecond
	}
	if client.logger == nil {
		client.logger = slog.Default()
	}
	client.logger = logging.WithComponent(client.logger, "mail")
	if client.metrics == nil {
		client.metrics = metrics.Default()
	}
	return client, nil
}

func (c *MailerSendClient) SendVerification(ctx context.Context, user models.User, link string) error {
	return c.sendTemplate(ctx, TemplateVerification, user, link)
}

func (c *MailerSendClient) SendPasswordReset(ctx context.Context, user models.User, link string) error {
	return c.sendTemplate(ctx, TemplatePasswordReset, user, link)
}

func (c *MailerSendClient) sendTemplate(ctx context.Context, template string, user models.User, link string) error {
	msg, err := Render(template, c.product, user, link)
	if err != nil {
		c.metrics.ObserveEmail(template, "invalid")
		return err
	}
	if err := c.Send(ctx, msg); err != nil {
		c.metrics.ObserveEmail(template, "failed")
		return err
	}
	c.metrics.ObserveEmail(template, "sent")
	return nil
}

type mailerSendAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type mailerSendRequest struct {
	From    mailerSendAddress   `json:"from"`
	To      []mailerSendAddress `json:"to"`
	Subject string              `json:"subject"`
	Text    string              `json:"text"`
	HTML    string              `json:"html"`
}

// StatusError reports a non-2xx answer from the provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("mailersend: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("mailersend: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Send posts msg, retrying on transport errors, 429, and 5xx answers.
func (c *MailerSendClient) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(mailerSendRequest{
		From:    mailerSendAddress{Email: c.fromEmail, Name: c.fromName},
		To:      []mailerSendAddress{{Email: msg.ToEmail, Name: msg.ToName}},
		Subject: msg.Subject,
		Text:    msg.Text,
		HTML:    msg.HTML,
	})
	if err != nil {
		return fmt.Errorf("encode mailersend request: %w", err)
	}

	logger := logging.WithContext(ctx, c.logger)
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.post(ctx, payload)
		if lastErr == nil {
			logger.Debug("email sent", "template", msg.Template, "attempt", attempt)
			return nil
		}
		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) && !statusErr.retryable() {
			return lastErr
		}
		if attempt == c.maxAttempts {
			break
		}
		logger.Warn("mailersend request failed", "template", msg.Template, "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryInterval):
		}
	}
	return lastErr
}

func (c *MailerSendClient) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("mailersend request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorSnippet))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}
