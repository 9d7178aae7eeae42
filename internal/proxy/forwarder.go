package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloudlocker/internal/observability/logging"
	"cloudlocker/internal/observability/metrics"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTimeout bounds how long a proxied exchange may go without
	// progress when the route sets none.
	DefaultTimeout = 30 * time.Second

	defaultHealthEndpoint = "/health"
	copyBufferSize        = 32 * 1024
)

// Upstream is a named third-party API the gateway relays to.
type Upstream struct {
	Name    string
	BaseURL string
	// Token is injected as a bearer credential when the client sent none.
	Token string
}

// Config stores connectivity information for the forwarder.
type Config struct {
	Upstreams      []Upstream
	DefaultTimeout time.Duration
	HealthEndpoint string
	HTTPClient     *http.Client
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

type upstreamTarget struct {
	name  string
	base  *url.URL
	token string
}

// Forwarder relays inbound requests to the configured upstreams.
type Forwarder struct {
	targets        map[string]upstreamTarget
	order          []string
	client         *http.Client
	timeout        time.Duration
	healthEndpoint string
	logger         *slog.Logger
	metrics        *metrics.Recorder
	probes         singleflight.Group
}

// New validates cfg and builds a Forwarder.
func New(cfg Config) (*Forwarder, error) {
	if len(cfg.Upstreams) == 0 {
		return nil, errors.New("proxy: at least one upstream is required")
	}
	f := &Forwarder{
		targets:        make(map[string]upstreamTarget, len(cfg.Upstreams)),
		client:         cfg.HTTPClient,
		timeout:        cfg.DefaultTimeout,
		healthEndpoint: strings.TrimSpace(cfg.HealthEndpoint),
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}
	for _, upstream := range cfg.Upstreams {
		name := strings.TrimSpace(upstream.Name)
		if name == "" {
			name = DefaultUpstream
		}
		if _, dup := f.targets[name]; dup {
			return nil, fmt.Errorf("proxy: duplicate upstream %q", name)
		}
		base, err := parseBaseURL(upstream.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("proxy: upstream %q: %w", name, err)
		}
		f.targets[name] = upstreamTarget{name: name, base: base, token: strings.TrimSpace(upstream.Token)}
		f.order = append(f.order, name)
	}
	if f.client == nil {
		f.client = NewHTTPClient(TransportConfig{})
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.healthEndpoint == "" {
		f.healthEndpoint = defaultHealthEndpoint
	}
	if !strings.HasPrefix(f.healthEndpoint, "/") {
		f.healthEndpoint = "/" + f.healthEndpoint
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	f.logger = logging.WithComponent(f.logger, "proxy")
	if f.metrics == nil {
		f.metrics = metrics.Default()
	}
	return f, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("base URL is required")
	}
	base, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL %q must use http or https", trimmed)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("base URL %q has no host", trimmed)
	}
	base.RawQuery = ""
	base.Fragment = ""
	return base, nil
}

// Upstreams lists configured upstream names in declaration order.
func (f *Forwarder) Upstreams() []string {
	return append([]string(nil), f.order...)
}

// Handler returns the http.Handler relaying requests for route. Requests
// must reach it through a chi router so URL parameters resolve.
func (f *Forwarder) Handler(route Route) http.Handler {
	route = route.normalize()
	target, ok := f.targets[route.UpstreamName()]
	timeout := route.Timeout
	if timeout <= 0 {
		timeout = f.timeout
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := logging.WithContext(r.Context(), f.logger).With("route", route.Label())
		if !ok {
			logger.Error("route targets unknown upstream", "upstream", route.UpstreamName())
			writeError(w, http.StatusInternalServerError, "route misconfigured")
			return
		}

		upstreamPath, err := expandTemplate(route.UpstreamPath, func(name string) string {
			return urlParam(r, name)
		})
		if err != nil {
			logger.Error("failed to build upstream path", "error", err)
			writeError(w, http.StatusInternalServerError, "route misconfigured")
			return
		}

		ctx, cancel := context.WithCancelCause(r.Context())
		defer cancel(nil)
		stall := newStallTimer(timeout, func() { cancel(errUpstreamStalled) })
		defer stall.stop()

		outReq, err := f.newUpstreamRequest(ctx, r, target, upstreamPath, stall)
		if err != nil {
			logger.Error("failed to build upstream request", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to build upstream request")
			return
		}

		start := time.Now()
		resp, err := f.client.Do(outReq)
		duration := time.Since(start)
		if err != nil {
			status := f.classify(ctx, r.Context(), err)
			f.metrics.ObserveUpstream(route.Label(), r.Method, 0, duration, false)
			if r.Context().Err() != nil {
				logger.Info("client went away before upstream responded", "duration_ms", duration.Milliseconds())
				return
			}
			logger.Warn("upstream request failed", "status", status, "duration_ms", duration.Milliseconds(), "error", err)
			if status == http.StatusGatewayTimeout {
				writeError(w, status, "upstream timeout")
			} else {
				writeError(w, status, "upstream unavailable")
			}
			return
		}
		defer resp.Body.Close()

		removeHopHeaders(resp.Header)
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		stall.reset()
		written, copyErr := copyResponse(w, &progressReader{r: resp.Body, stall: stall})
		relayed := copyErr == nil || r.Context().Err() != nil
		f.metrics.ObserveUpstream(route.Label(), r.Method, resp.StatusCode, time.Since(start), relayed && resp.StatusCode < http.StatusInternalServerError)
		if !relayed {
			if errors.Is(context.Cause(ctx), errUpstreamStalled) {
				copyErr = errUpstreamStalled
			}
			logger.Warn("response body relay interrupted", "bytes", written, "error", copyErr)
			return
		}
		logger.Debug("request relayed", "method", r.Method, "status", resp.StatusCode, "bytes", written, "duration_ms", duration.Milliseconds())
	})
}

func (f *Forwarder) newUpstreamRequest(ctx context.Context, r *http.Request, target upstreamTarget, upstreamPath string, stall *stallTimer) (*http.Request, error) {
	escaped := strings.TrimRight(target.base.EscapedPath(), "/") + upstreamPath
	unescaped, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, err
	}
	destination := *target.base
	destination.Path = unescaped
	destination.RawPath = escaped
	destination.RawQuery = r.URL.RawQuery

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
		body = &progressReader{r: r.Body, stall: stall}
	}
	outReq, err := http.NewRequestWithContext(ctx, r.Method, destination.String(), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		outReq.ContentLength = r.ContentLength
	}
	outReq.Header = outboundHeaders(r, target.token, HasGatewayCredential(r.Context()))
	if requestID, ok := logging.RequestIDFromContext(r.Context()); ok {
		outReq.Header.Set("X-Request-ID", requestID)
	}
	return outReq, nil
}

// urlParam returns the decoded chi parameter. chi matches on RawPath when the
// request carried escaped slashes, which leaves those parameters escaped.
func urlParam(r *http.Request, name string) string {
	value := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return value
	}
	if decoded, err := url.PathUnescape(value); err == nil {
		return decoded
	}
	return value
}

// classify maps a transport error onto a gateway status code.
func (f *Forwarder) classify(ctx, parent context.Context, err error) int {
	if parent.Err() == nil && errors.Is(context.Cause(ctx), errUpstreamStalled) {
		return http.StatusGatewayTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// copyResponse streams body to w, flushing after each chunk so downloads
// and event streams reach the client as they arrive.
func copyResponse(w http.ResponseWriter, body io.Reader) (int64, error) {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			m, writeErr := w.Write(buf[:n])
			written += int64(m)
			if writeErr != nil {
				return written, writeErr
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

var errUpstreamStalled = errors.New("upstream made no progress within the route timeout")

// stallTimer fires when an exchange goes a full timeout without progress.
// Sending the request body, waiting for response headers and every read of
// the response body each re-arm it, so long transfers survive as long as
// bytes keep moving.
type stallTimer struct {
	timeout time.Duration
	timer   *time.Timer
}

func newStallTimer(timeout time.Duration, fire func()) *stallTimer {
	return &stallTimer{timeout: timeout, timer: time.AfterFunc(timeout, fire)}
}

func (s *stallTimer) reset() { s.timer.Reset(s.timeout) }

func (s *stallTimer) stop() { s.timer.Stop() }

type progressReader struct {
	r     io.Reader
	stall *stallTimer
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.stall.reset()
	}
	return n, err
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

type gatewayCredentialKey struct{}

// WithGatewayCredential marks the request as authenticated by a gateway token
// carried in the Authorization header. The forwarder then replaces that header
// with the upstream token instead of leaking the gateway credential.
func WithGatewayCredential(ctx context.Context) context.Context {
	return context.WithValue(ctx, gatewayCredentialKey{}, true)
}

// HasGatewayCredential reports whether WithGatewayCredential marked ctx.
func HasGatewayCredential(ctx context.Context) bool {
	marked, _ := ctx.Value(gatewayCredentialKey{}).(bool)
	return marked
}
