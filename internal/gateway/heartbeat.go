package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/CosmoTheDev/fleethub/internal/relay"
	"github.com/CosmoTheDev/fleethub/internal/router"
)

const (
	heartbeatJob     = "heartbeat"
	heartbeatTimeout = 15 * time.Second
)

// heartbeat broadcasts a heartbeat message to every machine in the fleet
// and pushes a status.update to SSE clients.
func (gw *Gateway) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), heartbeatTimeout)
	defer cancel()

	status := gw.currentStatus()
	content, err := json.Marshal(status)
	if err != nil {
		slog.Warn("gateway: encoding heartbeat failed", "error", err)
		return
	}

	_, deliveries := gw.hub.Relay.Send(ctx, relay.BroadcastID, string(content), relay.TypeHeartbeat, relay.ChannelWebSocket, nil)
	failed := 0
	for _, d := range deliveries {
		if d.Outcome == relay.OutcomeUnreachable {
			failed++
		}
	}

	now := time.Now().UnixMilli()
	gw.mu.Lock()
	gw.lastHeartbeat = now
	gw.mu.Unlock()
	status.LastHeartbeat = now

	slog.Debug("gateway: heartbeat", "machines", len(deliveries), "unreachable", failed)
	gw.broadcaster.send(SSEEvent{Type: "status.update", Payload: status})
}

func (gw *Gateway) currentStatus() HubStatus {
	gw.mu.RLock()
	last := gw.lastHeartbeat
	gw.mu.RUnlock()

	stats := gw.hub.Router.Stats()
	return HubStatus{
		MachineID:     gw.cfg.Hub.MachineID,
		Machines:      len(gw.hub.Relay.Machines()),
		Repos:         stats.TotalRepos,
		ActiveJobs:    stats.JobsByStatus[string(router.JobRunning)],
		Webhooks:      len(gw.hub.Webhooks.All()),
		Subscriptions: len(gw.hub.Broker.Subscriptions()),
		SSEClients:    gw.broadcaster.clients(),
		LastHeartbeat: last,
		UptimeSeconds: int64(time.Since(gw.startedAt).Seconds()),
	}
}
