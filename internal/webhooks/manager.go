// Package webhooks manages outbound HTTP callbacks keyed by event name and
// ingests events pushed in by external services.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gammazero/workerpool"

	"github.com/CosmoTheDev/fleethub/internal/ids"
	"github.com/CosmoTheDev/fleethub/internal/ringbuf"
)

const (
	deliveryCapacity = 5000
	incomingCapacity = 2000
	responseMaxChars = 500
	defaultIncoming  = 50
	wildcardEvent    = "*"
	incomingPrefix   = "incoming:"
	userAgent        = "FleetHub-Webhook/1.0"
)

var (
	ErrInvalidRegistration = errors.New("invalid webhook registration")
	ErrUnknownWebhook      = errors.New("unknown webhook")
)

// TestEvent is the event name used by Test.
const TestEvent = "test"

// Registration is a subscriber endpoint. Secret is never serialised.
type Registration struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	Secret      string   `json:"-"`
	HasSecret   bool     `json:"hasSecret"`
	RepoName    string   `json:"repoName,omitempty"`
	CreatedAt   int64    `json:"createdAt"`
	LastFired   int64    `json:"lastFired,omitempty"`
	LastStatus  *int     `json:"lastStatus"`
	TotalFired  int64    `json:"totalFired"`
	TotalFailed int64    `json:"totalFailed"`
	Active      bool     `json:"active"`
}

// RegisterOptions describes a new registration.
type RegisterOptions struct {
	Name     string   `json:"name"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret,omitempty"`
	RepoName string   `json:"repoName,omitempty"`
}

// Event is a fired or received event.
type Event struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	Source    string `json:"source"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// Delivery records one POST attempt. Status is nil when no response was
// received; Duration is in ms.
type Delivery struct {
	ID        string `json:"id"`
	WebhookID string `json:"webhookId"`
	Event     Event  `json:"event"`
	URL       string `json:"url"`
	Status    *int   `json:"status"`
	Response  string `json:"response,omitempty"`
	Duration  int64  `json:"duration"`
	Success   bool   `json:"success"`
	Timestamp int64  `json:"timestamp"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout sets the per-delivery timeout. The default is 10s.
func WithTimeout(d time.Duration) Option { return func(m *Manager) { m.timeout = d } }

// WithWorkers bounds concurrent deliveries. The default is 32.
func WithWorkers(n int) Option { return func(m *Manager) { m.workers = n } }

func WithHTTPClient(c *http.Client) Option { return func(m *Manager) { m.client = c } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithObserver is called after every delivery.
func WithObserver(fn func(Delivery)) Option { return func(m *Manager) { m.observer = fn } }

// Manager is the webhook registry and delivery engine.
type Manager struct {
	client   *http.Client
	timeout  time.Duration
	workers  int
	now      func() time.Time
	observer func(Delivery)
	pool     *workerpool.WorkerPool
	poolMu   sync.RWMutex
	stopped  atomic.Bool

	mu         sync.RWMutex
	hooks      map[string]*Registration
	deliveries *ringbuf.Ring[Delivery]
	incoming   *ringbuf.Ring[Event]
}

func New(opts ...Option) *Manager {
	m := &Manager{
		client:     &http.Client{},
		timeout:    10 * time.Second,
		workers:    32,
		now:        time.Now,
		hooks:      make(map[string]*Registration),
		deliveries: ringbuf.New[Delivery](deliveryCapacity),
		incoming:   ringbuf.New[Event](incomingCapacity),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.workers < 1 {
		m.workers = 1
	}
	m.pool = workerpool.New(m.workers)
	slog.Info("webhooks: manager initialised", "workers", m.workers, "timeout", m.timeout)
	return m
}

// Close waits for queued deliveries and stops the worker pool.
func (m *Manager) Close() {
	m.poolMu.Lock()
	if m.stopped.Swap(true) {
		m.poolMu.Unlock()
		return
	}
	m.poolMu.Unlock()
	m.pool.StopWait()
}

func validate(o RegisterOptions) error {
	if strings.TrimSpace(o.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRegistration)
	}
	u, err := url.Parse(o.URL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL, got %q", ErrInvalidRegistration, o.URL)
	}
	if len(o.Events) == 0 {
		return fmt.Errorf("%w: at least one event is required", ErrInvalidRegistration)
	}
	for _, e := range o.Events {
		if strings.TrimSpace(e) == "" {
			return fmt.Errorf("%w: empty event name", ErrInvalidRegistration)
		}
	}
	return nil
}

// Register adds an active registration with zeroed counters.
func (m *Manager) Register(o RegisterOptions) (Registration, error) {
	if err := validate(o); err != nil {
		return Registration{}, err
	}
	hook := &Registration{
		ID:        ids.New("wh"),
		Name:      o.Name,
		URL:       o.URL,
		Events:    slices.Clone(o.Events),
		Secret:    o.Secret,
		HasSecret: o.Secret != "",
		RepoName:  o.RepoName,
		CreatedAt: m.now().UnixMilli(),
		Active:    true,
	}
	m.mu.Lock()
	m.hooks[hook.ID] = hook
	out := copyHook(hook)
	m.mu.Unlock()

	slog.Info("webhooks: registered", "id", hook.ID, "name", hook.Name, "url", hook.URL, "events", strings.Join(hook.Events, ","))
	return out, nil
}

// Restore re-inserts a previously persisted registration, keeping its id
// and counters.
func (m *Manager) Restore(reg Registration) error {
	if reg.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRegistration)
	}
	if err := validate(RegisterOptions{Name: reg.Name, URL: reg.URL, Events: reg.Events}); err != nil {
		return err
	}
	reg.Events = slices.Clone(reg.Events)
	reg.HasSecret = reg.Secret != ""
	m.mu.Lock()
	m.hooks[reg.ID] = &reg
	m.mu.Unlock()
	return nil
}

func (m *Manager) Unregister(id string) bool {
	m.mu.Lock()
	_, ok := m.hooks[id]
	delete(m.hooks, id)
	m.mu.Unlock()
	if ok {
		slog.Info("webhooks: unregistered", "id", id)
	}
	return ok
}

// SetActive toggles delivery for a registration. It reports whether the id
// was known.
func (m *Manager) SetActive(id string, active bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	hook, ok := m.hooks[id]
	if ok {
		hook.Active = active
	}
	return ok
}

// All returns every registration ordered by creation.
func (m *Manager) All() []Registration {
	m.mu.RLock()
	out := make([]Registration, 0, len(m.hooks))
	for _, h := range m.hooks {
		out = append(out, copyHook(h))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) ByID(id string) (Registration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hooks[id]
	if !ok {
		return Registration{}, false
	}
	return copyHook(h), true
}

func copyHook(h *Registration) Registration {
	cp := *h
	cp.Events = slices.Clone(h.Events)
	if h.LastStatus != nil {
		s := *h.LastStatus
		cp.LastStatus = &s
	}
	return cp
}

// Fire delivers event to every active registration subscribed to it or to
// "*". Deliveries run concurrently on the worker pool and Fire waits for
// all of them. No match means no HTTP traffic and an empty result.
func (m *Manager) Fire(ctx context.Context, event, source string, payload any) []Delivery {
	evt := Event{
		ID:        ids.New("evt"),
		Event:     event,
		Source:    source,
		Payload:   payload,
		Timestamp: m.now().UnixMilli(),
	}

	m.mu.RLock()
	var matches []Registration
	for _, h := range m.hooks {
		if h.Active && (slices.Contains(h.Events, wildcardEvent) || slices.Contains(h.Events, event)) {
			matches = append(matches, copyHook(h))
		}
	}
	m.mu.RUnlock()

	if len(matches) == 0 {
		return []Delivery{}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	slog.Info("webhooks: firing", "event", event, "source", source, "hooks", len(matches))

	out := make([]Delivery, len(matches))
	var wg sync.WaitGroup
	m.poolMu.RLock()
	for i, hook := range matches {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			out[i] = m.deliver(ctx, hook, evt)
		}
		if m.stopped.Load() {
			go task()
			continue
		}
		m.pool.Submit(task)
	}
	m.poolMu.RUnlock()
	wg.Wait()
	return out
}

// FireAsync fires in the background and discards the results.
func (m *Manager) FireAsync(event, source string, payload any) {
	go m.Fire(context.Background(), event, source, payload)
}

// Test delivers a "test" event to one registration whether or not it is
// subscribed to it or active.
func (m *Manager) Test(ctx context.Context, id, source string) (Delivery, error) {
	hook, ok := m.ByID(id)
	if !ok {
		return Delivery{}, fmt.Errorf("%w: %s", ErrUnknownWebhook, id)
	}
	evt := Event{
		ID:        ids.New("evt"),
		Event:     TestEvent,
		Source:    source,
		Payload:   map[string]any{"message": "Test webhook from " + source, "webhookId": id},
		Timestamp: m.now().UnixMilli(),
	}
	return m.deliver(ctx, hook, evt), nil
}

func (m *Manager) deliver(ctx context.Context, hook Registration, evt Event) Delivery {
	start := time.Now()
	var status *int
	var response string
	success := false

	code, body, err := m.post(ctx, hook, evt)
	if err != nil {
		response = err.Error()
	} else {
		status = &code
		response = truncateChars(body, responseMaxChars)
		success = code >= 200 && code < 300
	}
	duration := time.Since(start).Milliseconds()
	now := m.now().UnixMilli()

	d := Delivery{
		ID:        ids.New("dlv"),
		WebhookID: hook.ID,
		Event:     evt,
		URL:       hook.URL,
		Status:    status,
		Response:  response,
		Duration:  duration,
		Success:   success,
		Timestamp: now,
	}

	m.mu.Lock()
	if h, ok := m.hooks[hook.ID]; ok {
		h.TotalFired++
		if !success {
			h.TotalFailed++
		}
		h.LastFired = now
		h.LastStatus = status
	}
	m.deliveries.Push(d)
	m.mu.Unlock()

	result := "OK"
	if !success {
		result = "FAIL"
	}
	code = 0
	if status != nil {
		code = *status
	}
	slog.Info("webhooks: delivery", "hook", hook.Name, "result", result, "status", code, "duration_ms", duration)

	if m.observer != nil {
		m.observer(d)
	}
	return d
}

func (m *Manager) post(ctx context.Context, hook Registration, evt Event) (int, string, error) {
	body, err := json.Marshal(map[string]any{
		"event":     evt.Event,
		"source":    evt.Source,
		"payload":   evt.Payload,
		"timestamp": evt.Timestamp,
		"webhookId": hook.ID,
	})
	if err != nil {
		return 0, "", fmt.Errorf("encoding body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	eventName := evt.Event
	if eventName == "" {
		eventName = "unknown"
	}
	req.Header.Set(EventHeader, eventName)
	if hook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(hook.Secret, body))
	}

	resp, err := m.client.Do(req) // #nosec G107 -- URL is a registered webhook endpoint
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return resp.StatusCode, "", nil
	}
	return resp.StatusCode, string(raw), nil
}

func truncateChars(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// HandleIncoming records an external event as "incoming:<event>" and fans
// it out in the background to matching registrations. It returns at once.
func (m *Manager) HandleIncoming(source, event string, payload any) Event {
	evt := Event{
		ID:        ids.New("evt"),
		Event:     incomingPrefix + event,
		Source:    source,
		Payload:   payload,
		Timestamp: m.now().UnixMilli(),
	}
	m.mu.Lock()
	m.incoming.Push(evt)
	m.mu.Unlock()

	slog.Info("webhooks: incoming", "source", source, "event", event)
	m.FireAsync(evt.Event, source, payload)
	return evt
}

// DeliveryQuery filters Deliveries. A nil Success matches both outcomes.
type DeliveryQuery struct {
	WebhookID string
	Success   *bool
	Limit     int
}

// Deliveries returns logged deliveries newest first.
func (m *Manager) Deliveries(q DeliveryQuery) []Delivery {
	m.mu.RLock()
	all := m.deliveries.Items()
	m.mu.RUnlock()

	out := make([]Delivery, 0)
	for i := len(all) - 1; i >= 0; i-- {
		d := all[i]
		if q.WebhookID != "" && d.WebhookID != q.WebhookID {
			continue
		}
		if q.Success != nil && d.Success != *q.Success {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// IncomingLog returns received events newest first. limit <= 0 means 50.
func (m *Manager) IncomingLog(limit int) []Event {
	if limit <= 0 {
		limit = defaultIncoming
	}
	m.mu.RLock()
	tail := m.incoming.Tail(limit)
	m.mu.RUnlock()
	slices.Reverse(tail)
	return tail
}

// HookSummary is the per-hook entry in Stats.
type HookSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	Active      bool     `json:"active"`
	TotalFired  int64    `json:"totalFired"`
	TotalFailed int64    `json:"totalFailed"`
	LastStatus  *int     `json:"lastStatus"`
}

type Stats struct {
	TotalHooks      int           `json:"totalHooks"`
	ActiveHooks     int           `json:"activeHooks"`
	TotalDeliveries int           `json:"totalDeliveries"`
	SuccessRate     int           `json:"successRate"`
	TotalIncoming   int           `json:"totalIncoming"`
	Hooks           []HookSummary `json:"hooks"`
}

// Stats reports hook and delivery counts. SuccessRate is 100 with no
// deliveries, otherwise the rounded percentage of successful ones.
func (m *Manager) Stats() Stats {
	hooks := m.All()

	m.mu.RLock()
	total := m.deliveries.Len()
	ok := 0
	m.deliveries.Each(func(d Delivery) bool {
		if d.Success {
			ok++
		}
		return true
	})
	incoming := m.incoming.Len()
	m.mu.RUnlock()

	st := Stats{
		TotalHooks:      len(hooks),
		TotalDeliveries: total,
		SuccessRate:     successRate(ok, total),
		TotalIncoming:   incoming,
		Hooks:           make([]HookSummary, 0, len(hooks)),
	}
	for _, h := range hooks {
		if h.Active {
			st.ActiveHooks++
		}
		st.Hooks = append(st.Hooks, HookSummary{
			ID: h.ID, Name: h.Name, URL: h.URL, Events: h.Events, Active: h.Active,
			TotalFired: h.TotalFired, TotalFailed: h.TotalFailed, LastStatus: h.LastStatus,
		})
	}
	return st
}

func successRate(ok, total int) int {
	if total == 0 {
		return 100
	}
	return int(math.Round(float64(ok) / float64(total) * 100))
}
