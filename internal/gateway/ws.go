package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CosmoTheDev/fleethub/internal/relay"
)

const (
	// Time allowed to read the next frame from a spoke. Spokes ping well
	// inside this window.
	spokeReadWait   = 90 * time.Second
	maxSpokeMessage = 1 << 20
)

type authPayload struct {
	Token string `json:"token"`
}

type registeredPayload struct {
	Machine  relay.Machine   `json:"machine"`
	Hub      relay.Peer      `json:"hub"`
	Machines []relay.Machine `json:"machines"`
}

// spoke is one WebSocket-connected machine.
type spoke struct {
	ctx       context.Context
	gw        *Gateway
	conn      *websocket.Conn
	transport *relay.WSTransport
	authed    bool
	machineID string
}

// handleRelayWS upgrades a spoke connection. The token may arrive in the
// upgrade request header or in a first "auth" frame.
func (gw *Gateway) handleRelayWS(w http.ResponseWriter, r *http.Request) {
	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s := &spoke{
		ctx:       r.Context(),
		gw:        gw,
		conn:      conn,
		transport: relay.NewWSTransport(conn),
		authed:    gw.validToken(r.Header.Get(TokenHeader)),
	}
	slog.Info("gateway: spoke connected", "remote", r.RemoteAddr, "authed", s.authed)
	s.run()
}

func (s *spoke) run() {
	defer func() {
		if s.machineID != "" {
			s.gw.hub.Relay.DetachTransport(s.machineID, s.transport)
		}
		_ = s.transport.Close()
		slog.Info("gateway: spoke disconnected", "machine", s.machineID)
	}()

	s.conn.SetReadLimit(maxSpokeMessage)
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(spokeReadWait))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("gateway: spoke read failed", "machine", s.machineID, "error", err)
			}
			return
		}
		var f relay.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.fail("invalid frame: " + err.Error())
			continue
		}
		if !s.handle(f) {
			return
		}
	}
}

// handle processes one frame and reports whether the connection stays open.
func (s *spoke) handle(f relay.Frame) bool {
	if f.Type == relay.FrameAuth {
		var p authPayload
		_ = json.Unmarshal(f.Payload, &p)
		if !s.gw.validToken(p.Token) {
			s.fail("invalid token")
			return false
		}
		s.authed = true
		return true
	}
	if !s.authed {
		s.fail("authenticate first")
		return false
	}

	switch f.Type {
	case relay.FrameRegister:
		s.register(f.Payload)
	case relay.FrameSend, relay.FrameBroadcast:
		s.send(f)
	case relay.FramePing:
		if s.machineID != "" {
			s.gw.hub.Relay.Touch(s.machineID)
		}
		s.reply(relay.FramePong, map[string]int64{"timestamp": time.Now().UnixMilli()})
	default:
		s.fail("unknown frame type " + f.Type)
	}
	return true
}

func (s *spoke) register(payload json.RawMessage) {
	var m relay.Machine
	if err := json.Unmarshal(payload, &m); err != nil {
		s.fail("invalid register payload: " + err.Error())
		return
	}
	if s.machineID != "" && s.machineID != m.ID {
		s.gw.hub.Relay.DetachTransport(s.machineID, s.transport)
	}
	m.Transport = s.transport
	out, err := s.gw.hub.Relay.RegisterMachine(m)
	if err != nil {
		s.fail(err.Error())
		return
	}
	s.machineID = out.ID
	s.reply(relay.FrameRegistered, registeredPayload{
		Machine:  out,
		Hub:      s.gw.hub.Relay.Self(),
		Machines: s.gw.hub.Relay.Machines(),
	})
}

// send handles relay:send and relay:broadcast. A message addressed to this
// hub is recorded as incoming from the spoke; anything else is routed on.
func (s *spoke) send(f relay.Frame) {
	if s.machineID == "" {
		s.fail("register before sending")
		return
	}
	var req relaySendRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		s.fail("invalid send payload: " + err.Error())
		return
	}
	if f.Type == relay.FrameBroadcast {
		req.To = relay.BroadcastID
	}
	if req.Type != "" && !relay.ValidType(req.Type) {
		s.fail("unknown message type " + string(req.Type))
		return
	}
	self := s.gw.hub.Relay.Self()
	from := relay.Peer{MachineID: s.machineID}
	if m, ok := s.gw.hub.Relay.Machine(s.machineID); ok {
		from.MachineName = m.Name
	}

	to := strings.TrimSpace(req.To)
	if to == "" || to == self.MachineID {
		if _, err := s.gw.hub.Relay.HandleIncoming(relay.Message{
			From:     from,
			To:       relay.Target{Peer: self},
			Channel:  relay.ChannelWebSocket,
			Type:     req.Type,
			Content:  req.Content,
			Metadata: req.Metadata,
		}); err != nil {
			s.fail(err.Error())
		}
		return
	}

	md := make(map[string]any, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		md[k] = v
	}
	md["relayedFrom"] = s.machineID
	channel := req.Channel
	if channel == "" {
		channel = relay.ChannelWebSocket
	}
	s.gw.hub.Relay.Send(s.ctx, to, req.Content, req.Type, channel, md)
}

func (s *spoke) reply(typ string, payload any) {
	frame, err := relay.EncodeFrame(typ, payload)
	if err != nil {
		slog.Warn("gateway: encoding spoke frame failed", "type", typ, "error", err)
		return
	}
	if err := s.transport.Send(frame); err != nil {
		slog.Debug("gateway: spoke write failed", "machine", s.machineID, "error", err)
	}
}

func (s *spoke) fail(msg string) {
	s.reply(relay.FrameError, map[string]string{"error": msg})
}
