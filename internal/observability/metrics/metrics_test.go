package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cloudlocker/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRequestNormalizesLabels(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("get", "/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("GET", "", 200, 25*time.Millisecond)
	recorder.ObserveRequest("post", "/api/users/123", 201, 100*time.Millisecond)
	recorder.ObserveRequest("POST", "/api/users/0f8fad5b-d9cb-469f-a165-70867728950e/", 201, 50*time.Millisecond)

	if got := testutil.ToFloat64(recorder.httpRequests.WithLabelValues("GET", "/", "200")); got != 2 {
		t.Fatalf("expected 2 root requests, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.httpRequests.WithLabelValues("POST", "/api/users/:id", "201")); got != 2 {
		t.Fatalf("expected 2 normalized user requests, got %v", got)
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":                                   "/",
		"/":                                  "/",
		"/healthz":                           "/healthz",
		"api/users/":                         "/api/users",
		"/api/giftcards/ABCD-EFGH-JKLM-NPQR": "/api/giftcards/:id",
		"/api/transactions/tx-20240101":      "/api/transactions/:id",
		"/api/users/{id}":                    "/api/users/{id}",
	}
	for input, want := range cases {
		if got := normalizePath(input); got != want {
			t.Fatalf("normalizePath(%q): expected %q, got %q", input, want, got)
		}
	}
}

func TestObserveUpstreamAndBilling(t *testing.T) {
	recorder := New()

	recorder.ObserveUpstream("file-meta", "get", 200, 10*time.Millisecond, true)
	recorder.ObserveUpstream("file-meta", "GET", 0, time.Second, false)
	recorder.ObserveRedemption("ok")
	recorder.ObserveRedemption("claimed")
	recorder.ObserveRedemption("OK")
	recorder.ObserveTransaction("purchase", "usd", models.MustParseMoney("4.99"))
	recorder.ObserveTransaction("purchase", "USD", models.MustParseMoney("5.01"))
	recorder.ObserveTransaction("adjustment", "", models.MustParseMoney("-1"))
	recorder.ObserveEmail("verify_email", "sent")
	recorder.ObserveEvent("giftcard.redeemed", "failed")

	if got := testutil.ToFloat64(recorder.upstreamRequests.WithLabelValues("file-meta", "GET", "200", "true")); got != 1 {
		t.Fatalf("expected 1 successful upstream call, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.upstreamRequests.WithLabelValues("file-meta", "GET", "0", "false")); got != 1 {
		t.Fatalf("expected 1 failed upstream call, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.redemptions.WithLabelValues("ok")); got != 2 {
		t.Fatalf("expected 2 successful redemptions, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.transactions.WithLabelValues("purchase", "USD")); got != 2 {
		t.Fatalf("expected 2 purchases, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.transactionSum.WithLabelValues("purchase", "USD")); got < 9.999 || got > 10.001 {
		t.Fatalf("expected purchase sum of 10, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.transactions.WithLabelValues("adjustment", "NONE")); got != 1 {
		t.Fatalf("expected adjustment to be counted, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.emails.WithLabelValues("verify_email", "sent")); got != 1 {
		t.Fatalf("expected 1 email, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.events.WithLabelValues("giftcard.redeemed", "failed")); got != 1 {
		t.Fatalf("expected 1 failed event, got %v", got)
	}
}

func TestSetComponentHealth(t *testing.T) {
	recorder := New()
	recorder.SetComponentHealth("datastore", "ok")
	recorder.SetComponentHealth("upstream", "unreachable")
	recorder.SetComponentHealth("events", "disabled")

	checks := map[string]float64{"datastore": 1, "upstream": -1, "events": 0}
	for component, want := range checks {
		if got := testutil.ToFloat64(recorder.componentHealth.WithLabelValues(component)); got != want {
			t.Fatalf("%s: expected %v, got %v", component, want, got)
		}
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("GET", "/healthz", http.StatusOK, time.Millisecond)

	rr := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	expected := `cloudlocker_http_requests_total{method="GET",path="/healthz",status="200"} 1`
	if !strings.Contains(string(body), expected) {
		t.Fatalf("expected exposition to contain %q, got %q", expected, body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("expected runtime collectors to be registered")
	}
}

func TestSetDefaultIgnoresNil(t *testing.T) {
	original := Default()
	t.Cleanup(func() { SetDefault(original) })

	replacement := New()
	SetDefault(replacement)
	SetDefault(nil)
	if Default() != replacement {
		t.Fatalf("expected replacement recorder to remain the default")
	}

	ObserveRequest("POST", "/api/auth/login", http.StatusOK, time.Millisecond)
	if got := testutil.ToFloat64(replacement.httpRequests.WithLabelValues("POST", "/api/auth/login", "200")); got != 1 {
		t.Fatalf("expected helper to record on the default recorder, got %v", got)
	}
}
