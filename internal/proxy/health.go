package proxy

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthProbeTimeout = 5 * time.Second

// HealthStatus captures the availability of one upstream.
type HealthStatus struct {
	Component string `json:"component"`
	// Status is "ok", "error", or "unknown".
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthChecks probes every upstream's health endpoint concurrently.
// Overlapping callers share one round of probes.
func (f *Forwarder) HealthChecks(ctx context.Context) []HealthStatus {
	result, _, _ := f.probes.Do("health", func() (interface{}, error) {
		return f.probeAll(context.WithoutCancel(ctx)), nil
	})
	statuses, _ := result.([]HealthStatus)
	return append([]HealthStatus(nil), statuses...)
}

func (f *Forwarder) probeAll(ctx context.Context) []HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	statuses := make([]HealthStatus, len(f.order))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, name := range f.order {
		i, target := i, f.targets[name]
		group.Go(func() error {
			statuses[i] = f.probe(groupCtx, target)
			return nil
		})
	}
	_ = group.Wait()
	return statuses
}

func (f *Forwarder) probe(ctx context.Context, target upstreamTarget) HealthStatus {
	status := HealthStatus{Component: "upstream:" + target.name}
	endpoint := strings.TrimRight(target.base.String(), "/") + f.healthEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		status.Status = "error"
		status.Detail = err.Error()
		return status
	}
	if target.token != "" {
		req.Header.Set("Authorization", "Bearer "+target.token)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		status.Status = "error"
		status.Detail = err.Error()
		return status
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		status.Status = "ok"
	} else {
		status.Status = "error"
		status.Detail = resp.Status
	}
	return status
}
