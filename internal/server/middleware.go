package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cloudlocker/internal/api"
	"cloudlocker/internal/observability/logging"
	"cloudlocker/internal/observability/metrics"
	"cloudlocker/internal/proxy"
)

// publicAPIPaths are reachable without a session.
var publicAPIPaths = map[string]struct{}{
	"/api/auth/signup":          {},
	"/api/auth/login":           {},
	"/api/auth/verify/confirm":  {},
	"/api/auth/password/forgot": {},
	"/api/auth/password/reset":  {},
}

// credentialPaths share the per-IP login limiter because each accepts a
// secret an attacker could guess.
var credentialPaths = map[string]struct{}{
	"/api/auth/login":           {},
	"/api/auth/verify/confirm":  {},
	"/api/auth/password/forgot": {},
	"/api/auth/password/reset":  {},
}

func metricsMiddleware(recorder *metrics.Recorder, next http.Handler) http.Handler {
	return metrics.HTTPMiddleware(recorder, next)
}

func rateLimitMiddleware(rl *rateLimiter, resolver *clientIPResolver, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			w.Header().Set("Retry-After", "1")
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		if _, limited := credentialPaths[r.URL.Path]; limited && r.Method == http.MethodPost {
			ip, _ := resolveClientIP(r, resolver)
			allowed, retryAfter, err := rl.AllowLogin(r.Context(), ip)
			if err != nil {
				if reqLogger := loggingWithRequest(logger, resolver, r); reqLogger != nil {
					reqLogger.Error("rate limiter failure", "error", err)
				}
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int((retryAfter+time.Second-1)/time.Second)))
				}
				if reqLogger := loggingWithRequest(logger, resolver, r); reqLogger != nil {
					reqLogger.Warn("login attempts throttled", "retry_after_ms", retryAfter.Milliseconds())
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many login attempts")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware requires a valid session on every /api path except the
// public auth endpoints. Other paths are left to the router so proxy routes
// can apply their own policy.
func authMiddleware(handler *api.Handler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if !strings.HasPrefix(path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if _, public := publicAPIPaths[path]; public {
			next.ServeHTTP(w, r)
			return
		}
		authenticate(handler, true, w, r, next)
	})
}

// routeAuthMiddleware guards a single proxy route. Optional routes admit
// anonymous callers and callers whose token the gateway does not recognise;
// their Authorization header is then relayed untouched.
func routeAuthMiddleware(handler *api.Handler, required bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authenticate(handler, required, w, r, next)
	})
}

func authenticate(handler *api.Handler, required bool, w http.ResponseWriter, r *http.Request, next http.Handler) {
	if api.ExtractToken(r) == "" {
		if !required {
			next.ServeHTTP(w, r)
			return
		}
		writeMiddlewareError(w, http.StatusUnauthorized, api.ErrMissingToken.Error())
		return
	}

	fromHeader := api.BearerToken(r) != ""
	user, claims, err := handler.AuthenticateRequest(r)
	if err != nil {
		if !api.IsAuthError(err) {
			logger := loggerWithRequestContext(r.Context(), handlerLogger(handler))
			logger.Error("authentication backend failure", "path", r.URL.Path, "error", err)
			writeMiddlewareError(w, http.StatusServiceUnavailable, "authentication unavailable")
			return
		}
		if !fromHeader {
			handler.ClearSessionCookie(w, r)
		}
		if !required {
			next.ServeHTTP(w, r)
			return
		}
		writeMiddlewareError(w, http.StatusUnauthorized, err.Error())
		return
	}

	ctx := api.ContextWithUser(r.Context(), user)
	ctx = api.ContextWithClaims(ctx, claims)
	ctx = logging.ContextWithUserID(ctx, user.ID)
	if fromHeader {
		ctx = proxy.WithGatewayCredential(ctx)
	}
	noteAuditUser(ctx, user.ID)
	next.ServeHTTP(w, r.WithContext(ctx))
}

func handlerLogger(handler *api.Handler) *slog.Logger {
	if handler != nil && handler.Logger != nil {
		return handler.Logger
	}
	return slog.Default()
}

type auditEntryKey struct{}

// auditEntry travels down the chain so the audit middleware, which sits
// outside authentication, can still attribute the request.
type auditEntry struct {
	userID string
}

func noteAuditUser(ctx context.Context, userID string) {
	if entry, ok := ctx.Value(auditEntryKey{}).(*auditEntry); ok {
		entry.userID = userID
	}
}

func auditMiddleware(logger *slog.Logger, resolver *clientIPResolver, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	logger = logging.WithComponent(logger, "audit")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shouldAudit(r) {
			next.ServeHTTP(w, r)
			return
		}
		entry := &auditEntry{}
		r = r.WithContext(context.WithValue(r.Context(), auditEntryKey{}, entry))
		recorder := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)

		ip, source := resolveClientIP(r, resolver)
		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_ip", ip,
			"ip_source", source,
		}
		if requestID, ok := logging.RequestIDFromContext(r.Context()); ok {
			fields = append(fields, "request_id", requestID)
		}
		if entry.userID != "" {
			fields = append(fields, "user_id", entry.userID)
		}
		logger.Info("audit", fields...)
	})
}

// shouldAudit selects state-changing requests.
func shouldAudit(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
}

func notFoundHandler(prefixes []string, fallback http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range prefixes {
			if r.URL.Path == prefix || strings.HasPrefix(r.URL.Path, prefix+"/") {
				writeMiddlewareError(w, http.StatusNotFound, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
				return
			}
		}
		fallback.ServeHTTP(w, r)
	}
}
