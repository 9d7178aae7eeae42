package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"cloudlocker/internal/auth"
	"cloudlocker/internal/events"
	"cloudlocker/internal/mail"
	"cloudlocker/internal/observability/logging"
	"cloudlocker/internal/observability/metrics"
	"cloudlocker/internal/proxy"
	"cloudlocker/internal/storage"
)

const (
	// DefaultVerificationTTL bounds how long an emailed verification link works.
	DefaultVerificationTTL = 48 * time.Hour
	// DefaultResetTTL bounds how long a password reset link works.
	DefaultResetTTL = time.Hour
)

// HealthChecker is implemented by dependencies that can report reachability.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// UpstreamHealth reports the state of every proxied upstream.
type UpstreamHealth interface {
	HealthChecks(ctx context.Context) []proxy.HealthStatus
}

type Handler struct {
	Store    storage.Repository
	Tokens   *auth.TokenManager
	Mailer   mail.Mailer
	Links    mail.Links
	Events   *events.Dispatcher
	Metrics  *metrics.Recorder
	Upstream UpstreamHealth
	// RateLimiter is probed by /healthz when the limiter keeps remote state.
	RateLimiter         HealthChecker
	SessionCookiePolicy SessionCookiePolicy
	VerificationTTL     time.Duration
	ResetTTL            time.Duration
	// DefaultStorageQuota is the base used when recomputing a quota without
	// an explicit one.
	DefaultStorageQuota int64
	Logger              *slog.Logger

	background sync.WaitGroup
}

// NewHandler wires the required dependencies and fills the rest with
// development defaults: a log mailer, a no-op event dispatcher, and the
// default metrics recorder.
func NewHandler(store storage.Repository, tokens *auth.TokenManager) *Handler {
	return &Handler{
		Store:               store,
		Tokens:              tokens,
		Mailer:              mail.NewLogMailer(nil),
		SessionCookiePolicy: DefaultSessionCookiePolicy(),
		VerificationTTL:     DefaultVerificationTTL,
		ResetTTL:            DefaultResetTTL,
		DefaultStorageQuota: storage.DefaultStorageQuota,
	}
}

func (h *Handler) logger(ctx context.Context) *slog.Logger {
	base := h.Logger
	if base == nil {
		base = slog.Default()
	}
	return logging.WithContext(ctx, logging.WithComponent(base, "api"))
}

func (h *Handler) mailer() mail.Mailer {
	if h.Mailer == nil {
		return mail.NewLogMailer(h.Logger)
	}
	return h.Mailer
}

// goBackground runs fn detached from the request so its duration never shows
// in the response time. Wait drains these tasks on shutdown.
func (h *Handler) goBackground(ctx context.Context, timeout time.Duration, fn func(context.Context)) {
	detached := context.WithoutCancel(ctx)
	h.background.Add(1)
	go func() {
		defer h.background.Done()
		taskCtx, cancel := context.WithTimeout(detached, timeout)
		defer cancel()
		fn(taskCtx)
	}()
}

// Wait blocks until background tasks finish or ctx expires.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) metrics() *metrics.Recorder {
	if h.Metrics == nil {
		return metrics.Default()
	}
	return h.Metrics
}

func (h *Handler) emit(ctx context.Context, eventType, userID string, payload any) {
	if h.Events == nil {
		return
	}
	h.Events.Emit(ctx, events.New(eventType, userID, payload))
}

func (h *Handler) verificationTTL() time.Duration {
	if h.VerificationTTL <= 0 {
		return DefaultVerificationTTL
	}
	return h.VerificationTTL
}

func (h *Handler) resetTTL() time.Duration {
	if h.ResetTTL <= 0 {
		return DefaultResetTTL
	}
	return h.ResetTTL
}
