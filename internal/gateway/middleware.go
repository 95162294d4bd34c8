package gateway

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"
)

// TokenHeader carries the shared fleet secret.
const TokenHeader = "X-Api-Token"

// requireToken rejects /api/* requests without the fleet token. External
// webhook ingestion is open, and /ws/relay authenticates in the handler.
func (gw *Gateway) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") || publicAPI(r) {
			next.ServeHTTP(w, r)
			return
		}
		if !gw.validToken(r.Header.Get(TokenHeader)) {
			writeError(w, http.StatusUnauthorized, "missing or invalid "+TokenHeader)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func publicAPI(r *http.Request) bool {
	return r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/webhooks/incoming/")
}

func (gw *Gateway) validToken(token string) bool {
	want := gw.cfg.Hub.SecretToken
	return want != "" && subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
}

// instrument records request counts and latency by route pattern.
func (gw *Gateway) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		gw.hub.Metrics.ObserveHTTP(r.Method, route, rec.status, time.Since(start))
	})
}

// statusRecorder captures the response status while still exposing the
// streaming and hijacking interfaces SSE and WebSocket handlers need.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
