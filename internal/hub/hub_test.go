package hub

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/fleethub/internal/config"
	"github.com/CosmoTheDev/fleethub/internal/manifest"
	"github.com/CosmoTheDev/fleethub/internal/pubsub"
	"github.com/CosmoTheDev/fleethub/internal/router"
	"github.com/CosmoTheDev/fleethub/internal/store"
	"github.com/CosmoTheDev/fleethub/internal/webhooks"
)

func testConfig() *config.Config {
	return &config.Config{
		Hub:      config.HubConfig{MachineID: "hub-1", MachineName: "Hub", Port: 3000, SecretToken: "tok"},
		Relay:    config.RelayConfig{HTTPTimeout: time.Second, PeerPort: 3000},
		Webhooks: config.WebhooksConfig{Timeout: time.Second, Workers: 4},
		PubSub:   config.PubSubConfig{TopicPrefix: "fleet"},
	}
}

func newTestHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	h := New(testConfig(), opts)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestRouterEventsReachBroker(t *testing.T) {
	h := newTestHub(t, Options{})

	var mu sync.Mutex
	var topics []string
	_, err := h.Broker.Subscribe("fleet/dao/#", "test", func(m pubsub.Message) {
		mu.Lock()
		topics = append(topics, m.Topic)
		mu.Unlock()
	})
	require.NoError(t, err)

	_, err = h.RegisterRepo(context.Background(), router.Identity{Name: "dao", AcceptsTasksFrom: []string{"*"}}, nil)
	require.NoError(t, err)
	job, err := h.Router.SendTask(context.Background(), "dao", "build", "make", "", nil)
	require.NoError(t, err)
	_, err = h.Router.UpdateJob(job.ID, router.JobUpdate{Status: router.JobCompleted, CompletedAt: time.Now().UnixMilli()})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, topics, "fleet/dao/repo/registered")
	assert.Contains(t, topics, "fleet/dao/job/queued")
	assert.Contains(t, topics, "fleet/dao/job/completed")
	assert.Contains(t, topics, "fleet/dao/status")

	status, ok := h.Broker.Retained("fleet/dao/status")
	require.True(t, ok)
	state, ok := status.Payload.(router.State)
	require.True(t, ok)
	assert.Equal(t, router.RepoIdle, state.Status)
	assert.Equal(t, int64(1), state.TotalJobsCompleted)
}

func TestRouterEventsFireWebhooks(t *testing.T) {
	got := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		got <- r.Header.Get(webhooks.EventHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := newTestHub(t, Options{})
	_, err := h.RegisterWebhook(context.Background(), webhooks.RegisterOptions{
		Name: "ci", URL: srv.URL, Events: []string{router.EventJobQueued},
	})
	require.NoError(t, err)

	_, err = h.RegisterRepo(context.Background(), router.Identity{Name: "dao", AcceptsTasksFrom: []string{"*"}}, nil)
	require.NoError(t, err)
	_, err = h.Router.SendTask(context.Background(), "dao", "build", "", "", nil)
	require.NoError(t, err)

	select {
	case ev := <-got:
		assert.Equal(t, router.EventJobQueued, ev)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not fired")
	}
}

func TestRestoreFromStoreAndManifest(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fleet.db")
	openStore := func() *store.Store {
		db, err := store.Open(config.DatabaseConfig{Driver: "sqlite", Path: path})
		require.NoError(t, err)
		require.NoError(t, db.Migrate(ctx))
		return store.New(db)
	}

	first := New(testConfig(), Options{Store: openStore()})
	require.NoError(t, first.Start(ctx))
	daoFirst, err := first.RegisterRepo(ctx, router.Identity{Name: "dao", Capabilities: []string{"go"}}, nil)
	require.NoError(t, err)
	reg, err := first.RegisterWebhook(ctx, webhooks.RegisterOptions{
		Name: "ci", URL: "https://ci.example/hook", Events: []string{"*"}, Secret: "s3cret",
	})
	require.NoError(t, err)
	require.NoError(t, first.Close())
	time.Sleep(5 * time.Millisecond)

	m, err := manifest.Parse([]byte(`
machines:
  - id: laptop
    name: Laptop
    address: 100.64.0.2
repos:
  - name: web
    accepts_tasks_from: ["*"]
webhooks:
  - name: ci
    url: https://ci.example/hook
    events: ["*"]
`))
	require.NoError(t, err)

	second := New(testConfig(), Options{Store: openStore(), Manifest: m})
	require.NoError(t, second.Start(ctx))
	defer second.Close()

	dao, ok := second.Router.Repo("dao")
	require.True(t, ok)
	assert.Equal(t, router.RepoOffline, dao.State.Status)
	assert.Equal(t, []string{"go"}, dao.Identity.Capabilities)
	assert.Equal(t, daoFirst.RegisteredAt, dao.RegisteredAt, "registeredAt survives a restart")

	web, ok := second.Router.Repo("web")
	require.True(t, ok)
	assert.Equal(t, router.RepoIdle, web.State.Status)

	hooks := second.Webhooks.All()
	require.Len(t, hooks, 1, "manifest webhook matching a persisted one is not duplicated")
	assert.Equal(t, reg.ID, hooks[0].ID)
	assert.True(t, hooks[0].HasSecret)

	_, ok = second.Relay.Machine("laptop")
	assert.True(t, ok)
}

func TestUnregisterWebhookRemovesPersistedRow(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "fleet.db")})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))
	h := newTestHub(t, Options{Store: store.New(db)})

	reg, err := h.RegisterWebhook(ctx, webhooks.RegisterOptions{Name: "x", URL: "http://127.0.0.1:1/x", Events: []string{"*"}})
	require.NoError(t, err)
	require.True(t, h.SetWebhookActive(ctx, reg.ID, false))

	saved, err := h.Store.Webhooks(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.False(t, saved[0].Active)

	assert.True(t, h.UnregisterWebhook(ctx, reg.ID))
	assert.False(t, h.UnregisterWebhook(ctx, reg.ID))
	saved, err = h.Store.Webhooks(ctx)
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestStatsAggregates(t *testing.T) {
	h := newTestHub(t, Options{})
	_, err := h.RegisterRepo(context.Background(), router.Identity{Name: "dao"}, nil)
	require.NoError(t, err)

	s := h.Stats()
	assert.Equal(t, "hub-1", s.MachineID)
	assert.Equal(t, 1, s.Repos.TotalRepos)
	assert.Positive(t, s.PubSub.TotalPublished)

	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"pubsub"`)
}
