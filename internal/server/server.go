package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cloudlocker/internal/api"
	"cloudlocker/internal/observability/metrics"
	"cloudlocker/internal/proxy"
	"cloudlocker/web"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultProxyPrefix is where relayed file storage routes are mounted.
const DefaultProxyPrefix = "/proxy"

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr        string
	TLS         TLSConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Security    SecurityConfig
	Logger      *slog.Logger
	AuditLogger *slog.Logger
	Metrics     *metrics.Recorder

	// Forwarder relays Routes under ProxyPrefix. Without a forwarder no
	// proxy routes are mounted.
	Forwarder   *proxy.Forwarder
	Routes      []proxy.Route
	ProxyPrefix string

	// ReadTimeout and WriteTimeout default to zero so long uploads and
	// downloads are bounded by the per-route proxy timeout instead.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
}

// New assembles the router and middleware chain. When the rate limiter keeps
// its counters in Redis and handler has no rate limiter probe yet, the
// limiter is registered with handler so /healthz reports it.
func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	resolver, err := newClientIPResolver(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	rl, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("configure rate limiter: %w", err)
	}
	if rl.Shared() && handler.RateLimiter == nil {
		handler.RateLimiter = rl
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors: %w", err)
	}

	proxyPrefix := strings.TrimRight(strings.TrimSpace(cfg.ProxyPrefix), "/")
	if proxyPrefix == "" {
		proxyPrefix = DefaultProxyPrefix
	}
	if !strings.HasPrefix(proxyPrefix, "/") || proxyPrefix == "/api" || strings.HasPrefix(proxyPrefix, "/api/") {
		return nil, fmt.Errorf("invalid proxy prefix %q", cfg.ProxyPrefix)
	}

	staticFS, err := web.Static()
	if err != nil {
		return nil, fmt.Errorf("load web assets: %w", err)
	}
	index, err := fs.ReadFile(staticFS, "index.html")
	if err != nil {
		return nil, fmt.Errorf("read web index: %w", err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	router := chi.NewRouter()
	router.Use(
		func(next http.Handler) http.Handler { return requestIDMiddleware(cfg.Logger, next) },
		func(next http.Handler) http.Handler { return loggingMiddleware(cfg.Logger, resolver, next) },
		middleware.Recoverer,
		func(next http.Handler) http.Handler { return auditMiddleware(cfg.AuditLogger, resolver, next) },
		func(next http.Handler) http.Handler { return metricsMiddleware(recorder, next) },
		func(next http.Handler) http.Handler { return securityHeadersMiddleware(cfg.Security, next) },
		func(next http.Handler) http.Handler { return corsMiddleware(policy, cfg.Logger, next) },
		func(next http.Handler) http.Handler { return rateLimitMiddleware(rl, resolver, cfg.Logger, next) },
		func(next http.Handler) http.Handler { return authMiddleware(handler, next) },
	)

	router.HandleFunc("/healthz", handler.Health)
	router.Method(http.MethodGet, "/metrics", recorder.Handler())
	mountAPI(router, handler)

	if cfg.Forwarder != nil {
		routes := cfg.Routes
		if routes == nil {
			routes = proxy.DefaultRoutes()
		}
		routes, err = proxy.NormalizeRoutes(routes, cfg.Forwarder.Upstreams())
		if err != nil {
			return nil, fmt.Errorf("proxy routes: %w", err)
		}
		router.Route(proxyPrefix, func(r chi.Router) {
			for _, route := range routes {
				relay := routeAuthMiddleware(handler, route.RequireAuth, cfg.Forwarder.Handler(route))
				for _, method := range route.Methods {
					r.Method(method, route.Path, relay)
				}
			}
		})
	}

	router.NotFound(notFoundHandler([]string{"/api", proxyPrefix}, spaHandler(staticFS, index, fileServer)))

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           otelhttp.NewHandler(router, "cloudlocker.http"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	if cfg.Logger != nil {
		httpServer.ErrorLog = slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelWarn)
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      cfg.Logger,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

func mountAPI(r chi.Router, h *api.Handler) {
	r.HandleFunc("/api/auth/signup", h.Signup)
	r.HandleFunc("/api/auth/login", h.Login)
	r.HandleFunc("/api/auth/logout", h.Logout)
	r.HandleFunc("/api/auth/session", h.Session)
	r.HandleFunc("/api/auth/verify/send", h.SendVerification)
	r.HandleFunc("/api/auth/verify/confirm", h.ConfirmVerification)
	r.HandleFunc("/api/auth/password/forgot", h.ForgotPassword)
	r.HandleFunc("/api/auth/password/reset", h.ResetPassword)

	r.HandleFunc("/api/users", h.Users)
	r.HandleFunc("/api/users/{id}", h.UserByID)
	r.HandleFunc("/api/users/{id}/storage", h.UserStorage)
	r.HandleFunc("/api/users/{id}/storage/recompute", h.RecomputeStorage)
	r.HandleFunc("/api/users/{id}/transactions", h.UserTransactions)

	r.HandleFunc("/api/giftcards", h.GiftCards)
	r.HandleFunc("/api/giftcards/redeem", h.RedeemGiftCard)
	r.HandleFunc("/api/giftcards/{code}", h.GiftCardByCode)

	r.HandleFunc("/api/transactions", h.Transactions)
	r.HandleFunc("/api/transactions/{id}", h.TransactionByID)
}

// Handler exposes the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HTTPServer exposes the configured http.Server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}

	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	return errors.Join(err, s.Close())
}

// Close releases the rate limiter's Redis connection, if any.
func (s *Server) Close() error {
	return s.rateLimiter.Close()
}

func spaHandler(staticFS fs.FS, index []byte, fileServer http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeMiddlewareError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
			return
		}

		requested := strings.TrimPrefix(r.URL.Path, "/")
		if requested != "" {
			file, err := staticFS.Open(requested)
			if err == nil {
				defer file.Close()
				info, statErr := file.Stat()
				if statErr == nil && !info.IsDir() {
					fileServer.ServeHTTP(w, r)
					return
				}
				if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
					http.Error(w, statErr.Error(), http.StatusInternalServerError)
					return
				}
			} else if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, fs.ErrInvalid) {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write(index)
	}
}
