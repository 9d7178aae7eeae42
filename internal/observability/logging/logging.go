// Package logging configures the gateway's slog output and carries the
// request ID, authenticated user and request-scoped logger on contexts.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"cloudlocker/internal/observability/metrics"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
)

// Config selects the level, encoding and destination of the process logger.
// Zero values mean info level, JSON, stdout.
type Config struct {
	Level  string
	Format string
	Writer io.Writer
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Init builds the logger described by cfg and makes it the slog default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

func New(cfg Config) *slog.Logger {
	out := cfg.Writer
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) == FormatText {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// parseLevel accepts slog's level names plus "warning". Anything it cannot
// read logs at info.
func parseLevel(raw string) slog.Level {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "warning" {
		name = "warn"
	}
	var level slog.Level
	if name == "" || level.UnmarshalText([]byte(name)) != nil {
		return slog.LevelInfo
	}
	return level
}

func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

type (
	requestIDKey struct{}
	userIDKey    struct{}
	loggerKey    struct{}
)

func withID(ctx context.Context, key any, id string) context.Context {
	if id = strings.TrimSpace(id); id == "" {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func idFrom(ctx context.Context, key any) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, _ := ctx.Value(key).(string)
	return id, id != ""
}

// ContextWithRequestID stores the X-Request-Id assigned to the request.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withID(ctx, requestIDKey{}, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	return idFrom(ctx, requestIDKey{})
}

// ContextWithUserID stores the ID of the user whose JWT authenticated the
// request.
func ContextWithUserID(ctx context.Context, id string) context.Context {
	return withID(ctx, userIDKey{}, id)
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	return idFrom(ctx, userIDKey{})
}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(loggerKey{}).(*slog.Logger)
	return logger
}

// WithContext adds request_id, user_id and trace_id from ctx to logger when
// they are present.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil || ctx == nil {
		return logger
	}
	var attrs []any
	if id, ok := RequestIDFromContext(ctx); ok {
		attrs = append(attrs, "request_id", id)
	}
	if id, ok := UserIDFromContext(ctx); ok {
		attrs = append(attrs, "user_id", id)
	}
	if span := trace.SpanContextFromContext(ctx); span.HasTraceID() {
		attrs = append(attrs, "trace_id", span.TraceID().String())
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

// RequestLoggerConfig configures RequestLogger. Fields, when set, adds
// attributes computed after the handler ran, such as the resolved client IP.
type RequestLoggerConfig struct {
	Logger *slog.Logger
	Fields func(*http.Request) []any
}

// RequestLogger logs one line per request once the response is written.
// Server errors log at error level and client errors at warn, so failed
// uploads and rejected logins stand out from routine traffic.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(rec, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.Status(),
				"bytes", rec.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
				if pattern := routeCtx.RoutePattern(); pattern != "" {
					attrs = append(attrs, "route", pattern)
				}
			}
			if cfg.Fields != nil {
				attrs = append(attrs, cfg.Fields(r)...)
			}

			level := slog.LevelInfo
			switch {
			case rec.Status() >= http.StatusInternalServerError:
				level = slog.LevelError
			case rec.Status() >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			WithContext(r.Context(), base).Log(r.Context(), level, "request completed", attrs...)
		})
	}
}
