package gateway

import (
	"net/http"
	"strconv"
)

func (gw *Gateway) handleBusMessages(w http.ResponseWriter, r *http.Request) {
	unread, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	writeJSON(w, http.StatusOK, gw.hub.Bus.Messages(r.PathValue("agent"), unread))
}

func (gw *Gateway) handleBusStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.hub.Bus.Stats())
}
