// Package hub builds every fleet component once and wires them together:
// router events flow to the broker, webhooks and metrics; relay and webhook
// deliveries are observed by metrics; registrations are written through to
// the store.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/CosmoTheDev/fleethub/internal/bus"
	"github.com/CosmoTheDev/fleethub/internal/config"
	"github.com/CosmoTheDev/fleethub/internal/manifest"
	"github.com/CosmoTheDev/fleethub/internal/metrics"
	"github.com/CosmoTheDev/fleethub/internal/pubsub"
	"github.com/CosmoTheDev/fleethub/internal/relay"
	"github.com/CosmoTheDev/fleethub/internal/router"
	"github.com/CosmoTheDev/fleethub/internal/store"
	"github.com/CosmoTheDev/fleethub/internal/webhooks"
)

// EventSource is the webhook source name used for events raised by the hub.
const EventSource = "fleethub"

// Options carries optional collaborators. Zero values are fine.
type Options struct {
	Store      *store.Store
	Manifest   *manifest.Manifest
	HTTPClient *http.Client
	Now        func() time.Time
}

// Hub is the process-wide context object handed to the gateway and CLI.
type Hub struct {
	Config   *config.Config
	Broker   *pubsub.Broker
	Bus      *bus.Bus
	Relay    *relay.Relay
	Router   *router.Router
	Webhooks *webhooks.Manager
	Metrics  *metrics.Metrics
	Store    *store.Store

	manifest  *manifest.Manifest
	startedAt time.Time
	unsubs    []func()
}

func New(cfg *config.Config, opts Options) *Hub {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	m := metrics.New()
	b := bus.New()
	broker := pubsub.NewBroker(pubsub.WithClock(now))
	rl := relay.New(relay.Config{
		MachineID:   cfg.Hub.MachineID,
		MachineName: cfg.Hub.MachineName,
		Token:       cfg.Hub.SecretToken,
		PeerPort:    cfg.Relay.PeerPort,
		HTTPTimeout: cfg.Relay.HTTPTimeout,
	}, b, relay.WithHTTPClient(client), relay.WithClock(now), relay.WithObserver(m.ObserveRelay))
	rt := router.New(rl, b, router.WithClock(now))
	wh := webhooks.New(
		webhooks.WithTimeout(cfg.Webhooks.Timeout),
		webhooks.WithWorkers(cfg.Webhooks.Workers),
		webhooks.WithHTTPClient(client),
		webhooks.WithClock(now),
		webhooks.WithObserver(m.ObserveWebhook),
	)

	h := &Hub{
		Config:    cfg,
		Broker:    broker,
		Bus:       b,
		Relay:     rl,
		Router:    rt,
		Webhooks:  wh,
		Metrics:   m,
		Store:     opts.Store,
		manifest:  opts.Manifest,
		startedAt: now(),
	}

	m.WatchBroker(broker.Stats)
	m.WatchRelay(func() int { return len(rl.Machines()) })
	h.unsubs = append(h.unsubs, rt.Subscribe(h.onRouterEvent))
	return h
}

// Start restores persisted registrations and applies the manifest.
func (h *Hub) Start(ctx context.Context) error {
	if h.Store != nil {
		if err := h.restore(ctx); err != nil {
			return err
		}
	}
	if h.manifest != nil {
		h.applyManifest(ctx, h.manifest)
	}
	slog.Info("hub: started",
		"machine_id", h.Config.Hub.MachineID,
		"repos", len(h.Router.Repos()),
		"webhooks", len(h.Webhooks.All()),
		"machines", len(h.Relay.Machines()))
	return nil
}

// Close stops background work and releases the store.
func (h *Hub) Close() error {
	for _, u := range h.unsubs {
		u()
	}
	h.Webhooks.Close()
	if h.Store != nil {
		return h.Store.Close()
	}
	return nil
}

func (h *Hub) restore(ctx context.Context) error {
	hooks, err := h.Store.Webhooks(ctx)
	if err != nil {
		return fmt.Errorf("restoring webhooks: %w", err)
	}
	for _, reg := range hooks {
		if err := h.Webhooks.Restore(reg); err != nil {
			slog.Warn("hub: skipping persisted webhook", "id", reg.ID, "error", err)
		}
	}

	repos, err := h.Store.Repos(ctx)
	if err != nil {
		return fmt.Errorf("restoring repos: %w", err)
	}
	for _, r := range repos {
		if _, err := h.Router.RestoreRepo(r.Identity, r.RegisteredAt); err != nil {
			slog.Warn("hub: skipping persisted repo", "name", r.Identity.Name, "error", err)
		}
	}
	slog.Info("hub: restored registrations", "webhooks", len(hooks), "repos", len(repos), "driver", h.Store.Driver())
	return nil
}

func (h *Hub) applyManifest(ctx context.Context, m *manifest.Manifest) {
	for _, mc := range m.Machines {
		channels := make([]relay.Channel, len(mc.Channels))
		for i, c := range mc.Channels {
			channels[i] = relay.Channel(c)
		}
		if _, err := h.Relay.RegisterMachine(relay.Machine{
			ID: mc.ID, Name: mc.Name, Hostname: mc.Hostname, Project: mc.Project,
			Address: mc.Address, TunnelURL: mc.TunnelURL, Channels: channels,
		}); err != nil {
			slog.Warn("hub: manifest machine rejected", "id", mc.ID, "error", err)
		}
	}

	for _, id := range m.Repos {
		if _, ok := h.Router.Repo(id.Name); ok {
			continue
		}
		if _, err := h.RegisterRepo(ctx, id, nil); err != nil {
			slog.Warn("hub: manifest repo rejected", "name", id.Name, "error", err)
		}
	}

	existing := map[string]bool{}
	for _, reg := range h.Webhooks.All() {
		existing[reg.Name+"|"+reg.URL] = true
	}
	for _, w := range m.Webhooks {
		if existing[w.Name+"|"+w.URL] {
			continue
		}
		if _, err := h.RegisterWebhook(ctx, webhooks.RegisterOptions{
			Name: w.Name, URL: w.URL, Events: w.Events, Secret: w.Secret, RepoName: w.RepoName,
		}); err != nil {
			slog.Warn("hub: manifest webhook rejected", "name", w.Name, "error", err)
		}
	}
}

// RegisterRepo registers with the router and persists the identity.
func (h *Hub) RegisterRepo(ctx context.Context, id router.Identity, patch *router.StatePatch) (router.Record, error) {
	rec, err := h.Router.RegisterRepo(id, patch)
	if err != nil {
		return router.Record{}, err
	}
	if h.Store != nil {
		if err := h.Store.SaveRepo(ctx, rec); err != nil {
			slog.Warn("hub: persisting repo failed", "name", rec.Identity.Name, "error", err)
		}
	}
	return rec, nil
}

// RegisterWebhook registers with the manager and persists the registration.
func (h *Hub) RegisterWebhook(ctx context.Context, o webhooks.RegisterOptions) (webhooks.Registration, error) {
	reg, err := h.Webhooks.Register(o)
	if err != nil {
		return webhooks.Registration{}, err
	}
	if h.Store != nil {
		if err := h.Store.SaveWebhook(ctx, reg); err != nil {
			slog.Warn("hub: persisting webhook failed", "id", reg.ID, "error", err)
		}
	}
	return reg, nil
}

func (h *Hub) UnregisterWebhook(ctx context.Context, id string) bool {
	if !h.Webhooks.Unregister(id) {
		return false
	}
	if h.Store != nil {
		if err := h.Store.DeleteWebhook(ctx, id); err != nil {
			slog.Warn("hub: deleting persisted webhook failed", "id", id, "error", err)
		}
	}
	return true
}

func (h *Hub) SetWebhookActive(ctx context.Context, id string, active bool) bool {
	if !h.Webhooks.SetActive(id, active) {
		return false
	}
	if h.Store != nil {
		if reg, ok := h.Webhooks.ByID(id); ok {
			if err := h.Store.SaveWebhook(ctx, reg); err != nil {
				slog.Warn("hub: persisting webhook failed", "id", id, "error", err)
			}
		}
	}
	return true
}

// TopicFor maps a router event to its broker topic, for example
// "fleet/dao/job/completed".
func (h *Hub) TopicFor(ev router.Event) string {
	return strings.Join([]string{h.Config.PubSub.TopicPrefix, ev.Repo, strings.ReplaceAll(ev.Name, ":", "/")}, "/")
}

// StatusTopic is the retained per-repo status topic.
func (h *Hub) StatusTopic(repo string) string {
	return h.Config.PubSub.TopicPrefix + "/" + repo + "/status"
}

func (h *Hub) onRouterEvent(ev router.Event) {
	h.Metrics.ObserveRouterEvent(ev)

	if _, err := h.Broker.Publish(h.TopicFor(ev), ev.Data, EventSource, false); err != nil {
		slog.Debug("hub: router event not published", "event", ev.Name, "repo", ev.Repo, "error", err)
	}
	if rec, ok := ev.Data.(router.Record); ok {
		if _, err := h.Broker.Publish(h.StatusTopic(ev.Repo), rec.State, EventSource, true); err != nil {
			slog.Debug("hub: repo status not published", "repo", ev.Repo, "error", err)
		}
	}

	h.Webhooks.FireAsync(ev.Name, EventSource, ev.Data)
}

// Stats aggregates every component's stats for /api/stats.
type Stats struct {
	MachineID string         `json:"machineId"`
	Uptime    int64          `json:"uptimeSeconds"`
	Relay     relay.Stats    `json:"relay"`
	Repos     router.Stats   `json:"repos"`
	Webhooks  webhooks.Stats `json:"webhooks"`
	PubSub    pubsub.Stats   `json:"pubsub"`
	Bus       bus.Stats      `json:"bus"`
}

func (h *Hub) Stats() Stats {
	return Stats{
		MachineID: h.Config.Hub.MachineID,
		Uptime:    int64(time.Since(h.startedAt).Seconds()),
		Relay:     h.Relay.Stats(),
		Repos:     h.Router.Stats(),
		Webhooks:  h.Webhooks.Stats(),
		PubSub:    h.Broker.Stats(),
		Bus:       h.Bus.Stats(),
	}
}
