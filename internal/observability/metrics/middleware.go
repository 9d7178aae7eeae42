package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// ResponseRecorder captures the status and body size a handler produced.
// Proxied downloads stream through it, so it forwards Flush and exposes the
// wrapped writer to http.ResponseController via Unwrap.
type ResponseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

// NewResponseRecorder wraps w. The status reads 200 until the handler says
// otherwise.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rr *ResponseRecorder) Status() int { return rr.status }

// BytesWritten counts response body bytes, not headers.
func (rr *ResponseRecorder) BytesWritten() int64 { return rr.bytes }

func (rr *ResponseRecorder) WriteHeader(status int) {
	if !rr.wroteHeader {
		rr.status = status
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *ResponseRecorder) Write(p []byte) (int, error) {
	rr.wroteHeader = true
	n, err := rr.ResponseWriter.Write(p)
	rr.bytes += int64(n)
	return n, err
}

func (rr *ResponseRecorder) Flush() {
	if flusher, ok := rr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rr *ResponseRecorder) Unwrap() http.ResponseWriter { return rr.ResponseWriter }

// HTTPMiddleware counts requests and their latency on recorder, or on
// Default when recorder is nil.
func HTTPMiddleware(recorder *Recorder, next http.Handler) http.Handler {
	if recorder == nil {
		recorder = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr := NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(rr, r)
		recorder.ObserveRequest(r.Method, pathLabel(r), rr.Status(), time.Since(start))
	})
}

// pathLabel prefers the chi pattern that matched, so /api/users/{id} is one
// series. Outside a router the raw path is used and normalizePath folds the
// identifiers.
func pathLabel(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
