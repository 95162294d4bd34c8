package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Channel names the path a message travelled or should travel on.
type Channel string

const (
	ChannelWebSocket Channel = "websocket"
	ChannelTailscale Channel = "tailscale"
	ChannelNgrok     Channel = "ngrok"
	ChannelDiscord   Channel = "discord"
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelAPI       Channel = "api"
)

// Type classifies the content of a relayed message.
type Type string

const (
	TypeChat      Type = "chat"
	TypeCommand   Type = "command"
	TypeStatus    Type = "status"
	TypeFile      Type = "file"
	TypeTask      Type = "task"
	TypeHeartbeat Type = "heartbeat"
)

// ValidType reports whether t is one of the known message types.
func ValidType(t Type) bool {
	switch t {
	case TypeChat, TypeCommand, TypeStatus, TypeFile, TypeTask, TypeHeartbeat:
		return true
	}
	return false
}

// BroadcastID is the target id that addresses every registered machine.
const BroadcastID = "*"

var ErrInvalidMachine = errors.New("invalid machine")

// Peer identifies one end of a relayed message.
type Peer struct {
	MachineID   string `json:"machineId"`
	MachineName string `json:"machineName"`
}

// Target is either a broadcast or a single peer. It encodes as the string
// "*" for broadcasts and as a Peer object otherwise.
type Target struct {
	Broadcast bool
	Peer
}

func (t Target) MarshalJSON() ([]byte, error) {
	if t.Broadcast {
		return []byte(`"*"`), nil
	}
	return json.Marshal(t.Peer)
}

func (t *Target) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s != BroadcastID {
			return fmt.Errorf("relay: target string must be %q, got %q", BroadcastID, s)
		}
		*t = Target{Broadcast: true}
		return nil
	}
	var p Peer
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = Target{Peer: p}
	return nil
}

// ID returns the target machine id, or "*" for broadcasts.
func (t Target) ID() string {
	if t.Broadcast {
		return BroadcastID
	}
	return t.MachineID
}

// Message is a cross-machine message. Timestamp is Unix milliseconds.
type Message struct {
	ID        string         `json:"id"`
	From      Peer           `json:"from"`
	To        Target         `json:"to"`
	Channel   Channel        `json:"channel"`
	Type      Type           `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Machine is a registered fleet member. Address is a LAN or Tailscale host
// (optionally with port or scheme); TunnelURL is a public base URL.
type Machine struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Hostname    string    `json:"hostname"`
	Project     string    `json:"project,omitempty"`
	Address     string    `json:"tailscaleIp,omitempty"`
	TunnelURL   string    `json:"ngrokUrl,omitempty"`
	ConnectedAt int64     `json:"connectedAt"`
	LastSeen    int64     `json:"lastSeen"`
	Channels    []Channel `json:"channels"`
	Live        bool      `json:"live"`

	Transport Transport `json:"-"`
}

// Outcome is how a single delivery attempt ended.
type Outcome string

const (
	OutcomeTransport   Outcome = "transport"
	OutcomeHTTP        Outcome = "http"
	OutcomeQueued      Outcome = "queued"
	OutcomeUnreachable Outcome = "unreachable"
)

// Delivery is the result of routing a message to one machine.
type Delivery struct {
	MachineID string  `json:"machineId"`
	Outcome   Outcome `json:"outcome"`
	Error     string  `json:"error,omitempty"`
}

// Frame is the envelope used on the relay WebSocket.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame types exchanged on /ws/relay.
const (
	FrameAuth       = "auth"
	FrameRegister   = "relay:register"
	FrameSend       = "relay:send"
	FrameBroadcast  = "relay:broadcast"
	FramePing       = "ping"
	FrameRegistered = "relay:registered"
	FrameMessage    = "relay:message"
	FramePong       = "pong"
	FrameError      = "error"
)

// EncodeFrame marshals payload into a frame of the given type.
func EncodeFrame(typ string, payload any) ([]byte, error) {
	f := Frame{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", typ, err)
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}
