package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/CosmoTheDev/fleethub/internal/pubsub"
	"github.com/CosmoTheDev/fleethub/internal/relay"
	"github.com/CosmoTheDev/fleethub/internal/router"
	"github.com/CosmoTheDev/fleethub/internal/webhooks"
)

const maxBodyBytes = 1 << 20

// --- HTTP response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps component sentinel errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, router.ErrUnknownRepo), errors.Is(err, webhooks.ErrUnknownWebhook):
		status = http.StatusNotFound
	case errors.Is(err, router.ErrNotAllowed):
		status = http.StatusForbidden
	case errors.Is(err, router.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, router.ErrInvalidRepo),
		errors.Is(err, relay.ErrInvalidMachine),
		errors.Is(err, webhooks.ErrInvalidRegistration),
		errors.Is(err, pubsub.ErrInvalidPattern),
		errors.Is(err, pubsub.ErrInvalidTopic):
		status = http.StatusBadRequest
	}
	writeError(w, status, err.Error())
}

// --- Request helpers ---

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// queryInt parses a non-negative integer query parameter, falling back to
// def when it is absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func queryInt64(r *http.Request, name string, def int64) int64 {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// queryBool returns nil when the parameter is absent.
func queryBool(r *http.Request, name string) *bool {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}
