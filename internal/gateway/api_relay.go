package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/CosmoTheDev/fleethub/internal/relay"
)

// pollWindow is how far back a poll without ?since= looks.
const pollWindow = 60 * time.Second

func (gw *Gateway) handleRelayRegister(w http.ResponseWriter, r *http.Request) {
	var m relay.Machine
	if err := decodeJSON(w, r, &m); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := gw.hub.Relay.RegisterMachine(m)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"machine": out, "hub": gw.hub.Relay.Self()})
}

func (gw *Gateway) handleRelaySend(w http.ResponseWriter, r *http.Request) {
	var req relaySendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.To) == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}
	gw.relaySend(w, r, req)
}

func (gw *Gateway) handleRelayBroadcast(w http.ResponseWriter, r *http.Request) {
	var req relaySendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.To = relay.BroadcastID
	gw.relaySend(w, r, req)
}

func (gw *Gateway) relaySend(w http.ResponseWriter, r *http.Request, req relaySendRequest) {
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Type != "" && !relay.ValidType(req.Type) {
		writeError(w, http.StatusBadRequest, "unknown message type "+string(req.Type))
		return
	}
	msg, deliveries := gw.hub.Relay.Send(r.Context(), req.To, req.Content, req.Type, req.Channel, req.Metadata)
	writeJSON(w, http.StatusOK, relaySendResponse{Message: msg, Deliveries: deliveries})
}

func (gw *Gateway) handleRelayMachines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.hub.Relay.Machines())
}

func (gw *Gateway) handleRelayUnregister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !gw.hub.Relay.UnregisterMachine(id) {
		writeError(w, http.StatusNotFound, "machine "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

func (gw *Gateway) handleRelayMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, gw.hub.Relay.Messages(relay.Filter{
		MachineID: q.Get("machineId"),
		Type:      relay.Type(q.Get("type")),
		Channel:   relay.Channel(q.Get("channel")),
		Since:     queryInt64(r, "since", 0),
		Limit:     queryInt(r, "limit", 100),
	}))
}

// handleRelayPoll serves spokes that have no live transport: messages to
// or from the machine since ?since= (default: the last minute).
func (gw *Gateway) handleRelayPoll(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("machineId")
	since := queryInt64(r, "since", time.Now().Add(-pollWindow).UnixMilli())
	gw.hub.Relay.Touch(id)
	writeJSON(w, http.StatusOK, gw.hub.Relay.Messages(relay.Filter{MachineID: id, Since: since}))
}

// handleRelayIncoming is the HTTP fallback target used by peer hubs.
func (gw *Gateway) handleRelayIncoming(w http.ResponseWriter, r *http.Request) {
	var msg relay.Message
	if err := decodeJSON(w, r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg.Type != "" && !relay.ValidType(msg.Type) {
		writeError(w, http.StatusBadRequest, "unknown message type "+string(msg.Type))
		return
	}
	out, err := gw.hub.Relay.HandleIncoming(msg)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "id": out.ID})
}

func (gw *Gateway) handleRelayStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.hub.Relay.Stats())
}
