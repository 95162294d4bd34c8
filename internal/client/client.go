// Package client is a thin HTTP client for the fleethub gateway REST API,
// used by the CLI commands.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CosmoTheDev/fleethub/internal/hub"
	"github.com/CosmoTheDev/fleethub/internal/pubsub"
	"github.com/CosmoTheDev/fleethub/internal/relay"
	"github.com/CosmoTheDev/fleethub/internal/router"
)

const tokenHeader = "X-Api-Token"

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned %d", e.Status)
	}
	return fmt.Sprintf("gateway error (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the gateway.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a Client for the gateway at baseURL authenticated with token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) Stats(ctx context.Context) (*hub.Stats, error) {
	var out hub.Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TaskRequest is the body of POST /api/repos/{name}/task.
type TaskRequest struct {
	Action      string         `json:"action"`
	Description string         `json:"description"`
	RequestedBy string         `json:"requestedBy,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

func (c *Client) SendTask(ctx context.Context, repo string, req TaskRequest) (*router.Job, error) {
	var out router.Job
	if err := c.do(ctx, http.MethodPost, "/api/repos/"+url.PathEscape(repo)+"/task", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateJob(ctx context.Context, id string, u router.JobUpdate) (*router.Job, error) {
	var out router.Job
	if err := c.do(ctx, http.MethodPut, "/api/jobs/"+url.PathEscape(id), u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Jobs(ctx context.Context, status router.JobStatus, limit int) ([]router.Job, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/api/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []router.Job
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Publish(ctx context.Context, topic string, payload any, retain bool) (*pubsub.Message, error) {
	body := map[string]any{"topic": topic, "payload": payload, "publisher": "cli", "retain": retain}
	var out pubsub.Message
	if err := c.do(ctx, http.MethodPost, "/api/pubsub/publish", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RelayResult mirrors the gateway's relay send response.
type RelayResult struct {
	Message    relay.Message    `json:"message"`
	Deliveries []relay.Delivery `json:"deliveries"`
}

// RelaySend sends content to machine to, or to every machine when to is "*".
func (c *Client) RelaySend(ctx context.Context, to, content string, typ relay.Type) (*RelayResult, error) {
	path := "/api/relay/send"
	if to == relay.BroadcastID {
		path = "/api/relay/broadcast"
	}
	body := map[string]any{"to": to, "content": content, "type": typ}
	var out RelayResult
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do executes an authenticated request. body, when non-nil, is encoded as
// JSON; out, when non-nil, receives the decoded response.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set(tokenHeader, c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.baseURL+path, err)
	}
	defer res.Body.Close() //nolint:errcheck

	b, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		apiErr := &APIError{Status: res.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &payload) == nil {
			apiErr.Message = payload.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
