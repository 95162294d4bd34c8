package gateway

import (
	"net/http"
	"strings"

	"github.com/CosmoTheDev/fleethub/internal/hub"
	"github.com/CosmoTheDev/fleethub/internal/webhooks"
)

func (gw *Gateway) handleWebhookRegister(w http.ResponseWriter, r *http.Request) {
	var opts webhooks.RegisterOptions
	if err := decodeJSON(w, r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reg, err := gw.hub.RegisterWebhook(r.Context(), opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (gw *Gateway) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.hub.Webhooks.All())
}

func (gw *Gateway) handleWebhookStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.hub.Webhooks.Stats())
}

func (gw *Gateway) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.hub.Webhooks.Deliveries(webhooks.DeliveryQuery{
		WebhookID: r.URL.Query().Get("webhookId"),
		Success:   queryBool(r, "success"),
		Limit:     queryInt(r, "limit", 100),
	}))
}

// handleWebhookFire fires synchronously and returns every delivery.
func (gw *Gateway) handleWebhookFire(w http.ResponseWriter, r *http.Request) {
	var req fireRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Event) == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}
	deliveries := gw.hub.Webhooks.Fire(r.Context(), req.Event, req.Source, req.Payload)
	writeJSON(w, http.StatusOK, map[string]any{"fired": len(deliveries), "deliveries": deliveries})
}

func (gw *Gateway) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	d, err := gw.hub.Webhooks.Test(r.Context(), r.PathValue("id"), hub.EventSource)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (gw *Gateway) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !gw.hub.UnregisterWebhook(r.Context(), id) {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (gw *Gateway) handleWebhookActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	if !gw.hub.SetWebhookActive(r.Context(), id, req.Active) {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": req.Active})
}

// handleWebhookIncoming accepts events pushed by external services. The
// event name comes from ?event=, the X-PIA-Event header or the body's
// "event" field, in that order.
func (gw *Gateway) handleWebhookIncoming(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	event := r.URL.Query().Get("event")
	if event == "" {
		event = r.Header.Get(webhooks.EventHeader)
	}
	if event == "" {
		if s, ok := body["event"].(string); ok {
			event = s
		}
	}
	if event == "" {
		event = "unknown"
	}
	evt := gw.hub.Webhooks.HandleIncoming(r.PathValue("source"), event, body)
	writeJSON(w, http.StatusAccepted, evt)
}

func (gw *Gateway) handleWebhookIncomingLog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.hub.Webhooks.IncomingLog(queryInt(r, "limit", 0)))
}
