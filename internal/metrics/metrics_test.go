package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/fleethub/internal/pubsub"
	"github.com/CosmoTheDev/fleethub/internal/relay"
	"github.com/CosmoTheDev/fleethub/internal/router"
	"github.com/CosmoTheDev/fleethub/internal/webhooks"
)

func TestObservers(t *testing.T) {
	m := New()
	m.ObserveWebhook(webhooks.Delivery{Success: true, Duration: 12})
	m.ObserveWebhook(webhooks.Delivery{Success: false})
	m.ObserveRelay(relay.Delivery{Outcome: relay.OutcomeHTTP})
	m.ObserveRouterEvent(router.Event{Name: router.EventJobQueued})
	m.ObserveRouterEvent(router.Event{Name: router.EventJobQueued})
	m.ObserveHTTP("GET", "/api/stats", 200, 5*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookDeliveries.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookDeliveries.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayDeliveries.WithLabelValues("http")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobEvents.WithLabelValues("job:queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestTotal.WithLabelValues("GET", "/api/stats", "200")))
}

func TestBrokerFuncsAndHandler(t *testing.T) {
	m := New()
	b := pubsub.NewBroker()
	m.WatchBroker(b.Stats)
	m.WatchRelay(func() int { return 3 })
	_, err := b.Publish("fleet/a/status", "idle", "test", true)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	assert.Contains(t, string(body), "fleethub_pubsub_published_total 1")
	assert.Contains(t, string(body), "fleethub_pubsub_retained_messages 1")
	assert.Contains(t, string(body), "fleethub_relay_machines 3")
}

func TestNewIsIndependent(t *testing.T) {
	a, b := New(), New()
	a.ObserveRelay(relay.Delivery{Outcome: relay.OutcomeQueued})
	assert.Equal(t, 0.0, testutil.ToFloat64(b.relayDeliveries.WithLabelValues("queued")))
}
