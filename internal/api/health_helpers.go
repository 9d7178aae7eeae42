package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthProbeTimeout = 5 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
}

// componentHealth probes every configured dependency concurrently. Order in
// the result is stable: datastore, tokens, rate limiter, then upstreams.
func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	type probe struct {
		component string
		ping      func(context.Context) error
	}
	probes := make([]probe, 0, 3)
	if h.Store != nil {
		probes = append(probes, probe{"datastore", h.Store.Ping})
	}
	if h.Tokens != nil {
		probes = append(probes, probe{"tokens", h.Tokens.Ping})
	}
	if h.RateLimiter != nil {
		probes = append(probes, probe{"rate_limiter", h.RateLimiter.Ping})
	}

	components := make([]componentStatus, len(probes))
	var upstream []componentStatus

	group, groupCtx := errgroup.WithContext(ctx)
	for i, p := range probes {
		group.Go(func() error {
			status := componentStatus{Component: p.component, Status: "ok"}
			if err := p.ping(groupCtx); err != nil {
				status.Status = "degraded"
				status.Error = err.Error()
			}
			components[i] = status
			return nil
		})
	}
	if h.Upstream != nil {
		group.Go(func() error {
			checks := h.Upstream.HealthChecks(groupCtx)
			statuses := make([]componentStatus, 0, len(checks))
			for _, check := range checks {
				statuses = append(statuses, componentStatus{Component: check.Component, Status: check.Status, Error: check.Detail})
			}
			upstream = statuses
			return nil
		})
	}
	_ = group.Wait()
	components = append(components, upstream...)

	overallStatus := "ok"
	statusCode := http.StatusOK
	recorder := h.metrics()
	for _, component := range components {
		recorder.SetComponentHealth(component.Component, component.Status)
		switch strings.ToLower(component.Status) {
		case "ok", "disabled":
		default:
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
	}
	return components, overallStatus, statusCode
}

// Health serves /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
		return
	}
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, healthResponse{Status: status, Components: components})
}
