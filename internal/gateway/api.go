package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// buildHandler wires all REST, SSE and WebSocket routes onto a new ServeMux.
// Uses Go 1.22+ method-prefixed patterns ("GET /path", "POST /path").
func buildHandler(gw *Gateway) http.Handler {
	mux := http.NewServeMux()

	// Root / health / metrics
	mux.HandleFunc("GET /{$}", gw.handleRoot)
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.Handle("GET /metrics", gw.hub.Metrics.Handler())
	mux.HandleFunc("GET /api/stats", gw.handleStats)

	// Relay
	mux.HandleFunc("POST /api/relay/register", gw.handleRelayRegister)
	mux.HandleFunc("POST /api/relay/send", gw.handleRelaySend)
	mux.HandleFunc("POST /api/relay/broadcast", gw.handleRelayBroadcast)
	mux.HandleFunc("GET /api/relay/machines", gw.handleRelayMachines)
	mux.HandleFunc("DELETE /api/relay/machines/{id}", gw.handleRelayUnregister)
	mux.HandleFunc("GET /api/relay/messages", gw.handleRelayMessages)
	mux.HandleFunc("GET /api/relay/poll/{machineId}", gw.handleRelayPoll)
	mux.HandleFunc("POST /api/relay/incoming", gw.handleRelayIncoming)
	mux.HandleFunc("GET /api/relay/stats", gw.handleRelayStats)
	mux.HandleFunc("GET /ws/relay", gw.handleRelayWS)

	// Repos and jobs
	mux.HandleFunc("POST /api/repos/register", gw.handleRepoRegister)
	mux.HandleFunc("GET /api/repos", gw.handleListRepos)
	mux.HandleFunc("GET /api/repos/stats", gw.handleRepoStats)
	mux.HandleFunc("GET /api/repos/{name}", gw.handleGetRepo)
	mux.HandleFunc("DELETE /api/repos/{name}", gw.handleUnregisterRepo)
	// find/{capability} overlaps {name}/state, so one pattern serves both.
	mux.HandleFunc("GET /api/repos/{name}/{section}", gw.handleRepoSection)
	mux.HandleFunc("PUT /api/repos/{name}/state", gw.handlePutRepoState)
	mux.HandleFunc("POST /api/repos/{name}/task", gw.handleSendTask)
	mux.HandleFunc("GET /api/jobs", gw.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", gw.handleGetJob)
	mux.HandleFunc("PUT /api/jobs/{id}", gw.handleUpdateJob)

	// Webhooks
	mux.HandleFunc("POST /api/webhooks/register", gw.handleWebhookRegister)
	mux.HandleFunc("GET /api/webhooks", gw.handleListWebhooks)
	mux.HandleFunc("GET /api/webhooks/stats", gw.handleWebhookStats)
	mux.HandleFunc("GET /api/webhooks/deliveries", gw.handleWebhookDeliveries)
	mux.HandleFunc("POST /api/webhooks/fire", gw.handleWebhookFire)
	mux.HandleFunc("POST /api/webhooks/test/{id}", gw.handleWebhookTest)
	mux.HandleFunc("DELETE /api/webhooks/{id}", gw.handleWebhookDelete)
	mux.HandleFunc("PUT /api/webhooks/{id}/active", gw.handleWebhookActive)
	mux.HandleFunc("POST /api/webhooks/incoming/{source}", gw.handleWebhookIncoming)
	mux.HandleFunc("GET /api/webhooks/incoming", gw.handleWebhookIncomingLog)

	// PubSub
	mux.HandleFunc("POST /api/pubsub/publish", gw.handlePublish)
	mux.HandleFunc("POST /api/pubsub/subscribe", gw.handleSubscribe)
	mux.HandleFunc("DELETE /api/pubsub/subscribe/{id}", gw.handleUnsubscribe)
	mux.HandleFunc("GET /api/pubsub/poll/{id}", gw.handlePoll)
	mux.HandleFunc("GET /api/pubsub/topics", gw.handleTopics)
	mux.HandleFunc("GET /api/pubsub/messages/{topic...}", gw.handleTopicMessages)
	mux.HandleFunc("GET /api/pubsub/retained/{topic...}", gw.handleRetained)
	mux.HandleFunc("GET /api/pubsub/subscriptions", gw.handleSubscriptions)
	mux.HandleFunc("GET /api/pubsub/stats", gw.handlePubSubStats)

	// Local bus
	mux.HandleFunc("GET /api/bus/stats", gw.handleBusStats)
	mux.HandleFunc("GET /api/bus/{agent}/messages", gw.handleBusMessages)

	// Server-Sent Events stream
	mux.HandleFunc("GET /events", gw.handleEvents)

	return gw.instrument(gw.requireToken(mux))
}

// --- handlers ---

func (gw *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "machineId": gw.cfg.Hub.MachineID})
}

func (gw *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "fleethub gateway",
		"status":  "running",
		"machine": gw.hub.Relay.Self(),
		"endpoints": []string{
			"GET /health",
			"GET /metrics",
			"GET /events",
			"GET /api/stats",
			"POST /api/relay/send",
			"GET /ws/relay",
			"POST /api/repos/register",
			"POST /api/repos/{name}/task",
			"PUT /api/jobs/{id}",
			"POST /api/webhooks/register",
			"POST /api/pubsub/publish",
		},
	})
}

func (gw *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.hub.Stats())
}

// handleEvents streams SSE to the client. Each frame is a JSON SSEEvent.
// Clients receive a "connected" event immediately, then live updates.
func (gw *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if behind a proxy

	ch := gw.broadcaster.subscribe()
	defer gw.broadcaster.unsubscribe(ch)

	connected, _ := json.Marshal(SSEEvent{Type: "connected", Payload: gw.currentStatus()})
	fmt.Fprintf(w, "data: %s\n\n", connected)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(frame)
			flusher.Flush()
		}
	}
}
