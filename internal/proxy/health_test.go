package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestHealthChecksProbeEveryUpstream(t *testing.T) {
	var sawToken atomic.Value
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		sawToken.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(healthy.Close)
	degraded := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(degraded.Close)

	forwarder, _ := newTestForwarder(t, "", Config{
		Upstreams: []Upstream{
			{Name: "default", BaseURL: healthy.URL + "/api", Token: "probe-token"},
			{Name: "archive", BaseURL: degraded.URL},
		},
		HealthEndpoint: "status",
	})

	statuses := forwarder.HealthChecks(context.Background())
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Component != "upstream:default" || statuses[0].Status != "ok" {
		t.Fatalf("unexpected default status %+v", statuses[0])
	}
	if statuses[1].Component != "upstream:archive" || statuses[1].Status != "error" || statuses[1].Detail != "503 Service Unavailable" {
		t.Fatalf("unexpected archive status %+v", statuses[1])
	}
	if got, _ := sawToken.Load().(string); got != "Bearer probe-token" {
		t.Fatalf("expected probe to carry upstream token, got %q", got)
	}
}

func TestHealthChecksReportUnreachableUpstream(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	forwarder, _ := newTestForwarder(t, baseURL, Config{})
	statuses := forwarder.HealthChecks(context.Background())
	if len(statuses) != 1 || statuses[0].Status != "error" || statuses[0].Detail == "" {
		t.Fatalf("expected error status with detail, got %+v", statuses)
	}
}
