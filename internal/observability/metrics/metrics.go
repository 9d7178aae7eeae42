package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloudlocker/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cloudlocker"

// Recorder owns a Prometheus registry and the collectors the gateway reports
// through it. Each Recorder is independent so tests can assert on a private
// instance.
type Recorder struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	redemptions      *prometheus.CounterVec
	transactions     *prometheus.CounterVec
	transactionSum   *prometheus.CounterVec
	emails           *prometheus.CounterVec
	events           *prometheus.CounterVec
	componentHealth  *prometheus.GaugeVec
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder with every collector registered on a fresh
// registry alongside the Go runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed by the gateway.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "upstream_requests_total",
			Help:      "Requests relayed to the upstream storage API.",
		}, []string{"route", "method", "status", "success"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "upstream_duration_seconds",
			Help:      "Upstream round trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status", "success"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "giftcard_redemptions_total",
			Help:      "Gift card redemption attempts by outcome.",
		}, []string{"outcome"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "transactions_total",
			Help:      "Recorded transactions by kind.",
		}, []string{"kind", "currency"}),
		transactionSum: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "transaction_amount_sum",
			Help:      "Total positive transaction amount by kind and currency.",
		}, []string{"kind", "currency"}),
		emails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mail",
			Name:      "messages_total",
			Help:      "Transactional emails by template and outcome.",
		}, []string{"template", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Billing events handed to the publisher by type and outcome.",
		}, []string{"type", "outcome"}),
		componentHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "component_health",
			Help:      "Health reported by dependencies (1=ok,0=disabled,-1=degraded).",
		}, []string{"component"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests,
		r.httpDuration,
		r.upstreamRequests,
		r.upstreamDuration,
		r.redemptions,
		r.transactions,
		r.transactionSum,
		r.emails,
		r.events,
		r.componentHealth,
	)
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault swaps the process-wide Recorder. A nil recorder is ignored.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// Registry exposes the underlying Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest records an inbound request keyed by method, normalized path,
// and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	labels := []string{strings.ToUpper(method), normalizePath(path), strconv.Itoa(status)}
	r.httpRequests.WithLabelValues(labels...).Inc()
	r.httpDuration.WithLabelValues(labels...).Observe(duration.Seconds())
}

// ObserveUpstream records one proxied round trip. Status is zero when the
// upstream never answered.
func (r *Recorder) ObserveUpstream(route, method string, status int, duration time.Duration, success bool) {
	labels := []string{normalizeName(route), strings.ToUpper(method), strconv.Itoa(status), strconv.FormatBool(success)}
	r.upstreamRequests.WithLabelValues(labels...).Inc()
	r.upstreamDuration.WithLabelValues(labels...).Observe(duration.Seconds())
}

// ObserveRedemption counts a gift card redemption attempt.
func (r *Recorder) ObserveRedemption(outcome string) {
	r.redemptions.WithLabelValues(normalizeName(outcome)).Inc()
}

// ObserveTransaction counts a recorded transaction and adds positive amounts
// to the running sum.
func (r *Recorder) ObserveTransaction(kind, currency string, amount models.Money) {
	k := normalizeName(kind)
	c := strings.ToUpper(strings.TrimSpace(currency))
	if c == "" {
		c = "NONE"
	}
	r.transactions.WithLabelValues(k, c).Inc()
	if amount.IsNegative() || amount.IsZero() {
		return
	}
	value, err := strconv.ParseFloat(amount.DecimalString(), 64)
	if err != nil {
		return
	}
	r.transactionSum.WithLabelValues(k, c).Add(value)
}

// ObserveEmail counts a transactional email.
func (r *Recorder) ObserveEmail(template, outcome string) {
	r.emails.WithLabelValues(normalizeName(template), normalizeName(outcome)).Inc()
}

// ObserveEvent counts a billing event publish attempt.
func (r *Recorder) ObserveEvent(eventType, outcome string) {
	r.events.WithLabelValues(normalizeName(eventType), normalizeName(outcome)).Inc()
}

// SetComponentHealth maps a status string onto the component health gauge.
func (r *Recorder) SetComponentHealth(component, status string) {
	value := 0.0
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.componentHealth.WithLabelValues(normalizeName(component)).Set(value)
}

// Handler exposes the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier flags segments that are probably IDs or gift codes so
// label cardinality stays bounded.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 || strings.Count(segment, "-") >= 3 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return Default().Handler()
}
