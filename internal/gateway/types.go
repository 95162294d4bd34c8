package gateway

import (
	"github.com/CosmoTheDev/fleethub/internal/relay"
	"github.com/CosmoTheDev/fleethub/internal/router"
)

// SSEEvent is serialised as JSON and pushed over the GET /events SSE stream.
type SSEEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// HubStatus is the payload of the "connected" and "status.update" events.
type HubStatus struct {
	MachineID     string `json:"machine_id"`
	Machines      int    `json:"machines"`
	Repos         int    `json:"repos"`
	ActiveJobs    int    `json:"active_jobs"`
	Webhooks      int    `json:"webhooks"`
	Subscriptions int    `json:"subscriptions"`
	SSEClients    int    `json:"sse_clients"`
	LastHeartbeat int64  `json:"last_heartbeat,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type relaySendRequest struct {
	To       string         `json:"to"`
	Content  string         `json:"content"`
	Type     relay.Type     `json:"type"`
	Channel  relay.Channel  `json:"channel"`
	Metadata map[string]any `json:"metadata"`
}

type relaySendResponse struct {
	Message    relay.Message    `json:"message"`
	Deliveries []relay.Delivery `json:"deliveries"`
}

type repoRegisterRequest struct {
	router.Identity
	State *router.StatePatch `json:"state,omitempty"`
}

type repoDetail struct {
	router.Record
	RecentJobs []router.Job `json:"recentJobs"`
}

type taskRequest struct {
	Action      string         `json:"action"`
	Description string         `json:"description"`
	RequestedBy string         `json:"requestedBy"`
	Params      map[string]any `json:"params,omitempty"`
}

type fireRequest struct {
	Event   string `json:"event"`
	Source  string `json:"source"`
	Payload any    `json:"payload"`
}

type activeRequest struct {
	Active bool `json:"active"`
}

type publishRequest struct {
	Topic     string `json:"topic"`
	Payload   any    `json:"payload"`
	Publisher string `json:"publisher"`
	Retain    bool   `json:"retain"`
}

type subscribeRequest struct {
	Topic      string `json:"topic"`
	Subscriber string `json:"subscriber"`
}
