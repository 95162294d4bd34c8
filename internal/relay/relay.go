// Package relay routes messages between fleet machines. Delivery prefers a
// live transport, falls back to an HTTP POST against the machine's inbound
// relay endpoint, and otherwise leaves the message in the log for polling.
// Every message is also forwarded to a local sink so consumers on this host
// observe fleet traffic.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/CosmoTheDev/fleethub/internal/bus"
	"github.com/CosmoTheDev/fleethub/internal/ids"
	"github.com/CosmoTheDev/fleethub/internal/ringbuf"
)

const logCapacity = 5000

// LocalSink receives every relayed message on this host.
type LocalSink interface {
	Send(from, to, content string, kind bus.Kind, metadata map[string]any) bus.Message
	Broadcast(from, content string, metadata map[string]any) bus.Message
}

// Config identifies this machine and tunes the HTTP fallback.
type Config struct {
	MachineID   string
	MachineName string
	Token       string
	PeerPort    int
	HTTPTimeout time.Duration
}

// Observer is called once per delivery attempt.
type Observer func(Delivery)

// Option configures a Relay.
type Option func(*Relay)

func WithHTTPClient(c *http.Client) Option { return func(r *Relay) { r.client = c } }

func WithClock(now func() time.Time) Option { return func(r *Relay) { r.now = now } }

func WithObserver(o Observer) Option { return func(r *Relay) { r.observer = o } }

// Relay is the machine registry and message router.
type Relay struct {
	cfg      Config
	sink     LocalSink
	client   *http.Client
	now      func() time.Time
	observer Observer

	mu       sync.RWMutex
	machines map[string]*Machine
	log      *ringbuf.Ring[Message]
	subs     map[string]func(Message)
}

// New returns a relay for this machine. sink may be nil.
func New(cfg Config, sink LocalSink, opts ...Option) *Relay {
	if cfg.PeerPort == 0 {
		cfg.PeerPort = 3000
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.MachineName == "" {
		cfg.MachineName = cfg.MachineID
	}
	r := &Relay{
		cfg:      cfg,
		sink:     sink,
		client:   &http.Client{},
		now:      time.Now,
		machines: make(map[string]*Machine),
		log:      ringbuf.New[Message](logCapacity),
		subs:     make(map[string]func(Message)),
	}
	for _, opt := range opts {
		opt(r)
	}
	slog.Info("relay: initialised", "machine_id", cfg.MachineID, "machine_name", cfg.MachineName)
	return r
}

// Self returns this machine's identity.
func (r *Relay) Self() Peer {
	return Peer{MachineID: r.cfg.MachineID, MachineName: r.cfg.MachineName}
}

// RegisterMachine upserts m by id. ConnectedAt survives re-registration and
// LastSeen is always refreshed. A re-registration without a transport keeps
// the existing one if it is still open. Local subscribers receive a
// machine:connect status notification.
func (r *Relay) RegisterMachine(m Machine) (Machine, error) {
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		return Machine{}, fmt.Errorf("%w: id is required", ErrInvalidMachine)
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	now := r.now().UnixMilli()

	r.mu.Lock()
	existing, ok := r.machines[m.ID]
	m.ConnectedAt = now
	if ok {
		m.ConnectedAt = existing.ConnectedAt
		if m.Transport == nil && existing.Transport != nil && existing.Transport.IsOpen() {
			m.Transport = existing.Transport
		}
	}
	m.LastSeen = now
	rec := m
	r.machines[m.ID] = &rec
	out := snapshot(&rec)
	r.mu.Unlock()

	channels := make([]string, len(m.Channels))
	for i, c := range m.Channels {
		channels[i] = string(c)
	}
	slog.Info("relay: machine registered", "id", m.ID, "name", m.Name, "channels", strings.Join(channels, ","))

	r.notify(Message{
		ID:        ids.New("rmsg"),
		From:      Peer{MachineID: m.ID, MachineName: m.Name},
		To:        Target{Broadcast: true},
		Channel:   ChannelWebSocket,
		Type:      TypeStatus,
		Content:   fmt.Sprintf("Machine %q connected", m.Name),
		Metadata:  map[string]any{"event": "machine:connect", "project": m.Project},
		Timestamp: now,
	})
	return out, nil
}

// UnregisterMachine removes a machine and notifies local subscribers with a
// machine:disconnect status message. It reports whether the id was known.
func (r *Relay) UnregisterMachine(id string) bool {
	r.mu.Lock()
	m, ok := r.machines[id]
	if ok {
		delete(r.machines, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	slog.Info("relay: machine unregistered", "id", id, "name", m.Name)
	r.notify(Message{
		ID:        ids.New("rmsg"),
		From:      Peer{MachineID: m.ID, MachineName: m.Name},
		To:        Target{Broadcast: true},
		Channel:   ChannelWebSocket,
		Type:      TypeStatus,
		Content:   fmt.Sprintf("Machine %q disconnected", m.Name),
		Metadata:  map[string]any{"event": "machine:disconnect", "project": m.Project},
		Timestamp: r.now().UnixMilli(),
	})
	return true
}

// DetachTransport unregisters id only if t is still its current transport.
// Called when a live connection closes so a newer connection for the same
// machine is left alone.
func (r *Relay) DetachTransport(id string, t Transport) bool {
	r.mu.RLock()
	m, ok := r.machines[id]
	current := ok && m.Transport == t
	r.mu.RUnlock()
	if !current {
		return false
	}
	return r.UnregisterMachine(id)
}

// Touch refreshes a machine's LastSeen.
func (r *Relay) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[id]
	if ok {
		m.LastSeen = r.now().UnixMilli()
	}
	return ok
}

// Machine returns a copy of a registered machine.
func (r *Relay) Machine(id string) (Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[id]
	if !ok {
		return Machine{}, false
	}
	return snapshot(m), true
}

// Machines returns copies of every registered machine ordered by id.
func (r *Relay) Machines() []Machine {
	r.mu.RLock()
	out := make([]Machine, 0, len(r.machines))
	for _, m := range r.machines {
		out = append(out, snapshot(m))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func snapshot(m *Machine) Machine {
	cp := *m
	cp.Channels = append([]Channel(nil), m.Channels...)
	cp.Live = m.Transport != nil && m.Transport.IsOpen()
	cp.Transport = nil
	return cp
}

// Send routes content to machine to, or to every other registered machine
// when to is "*". The message is logged exactly once. Per-machine delivery
// runs concurrently and failures are reported in the returned deliveries,
// never as an error. Empty typ and channel default to chat and websocket.
func (r *Relay) Send(ctx context.Context, to, content string, typ Type, channel Channel, metadata map[string]any) (Message, []Delivery) {
	if typ == "" {
		typ = TypeChat
	}
	if channel == "" {
		channel = ChannelWebSocket
	}
	msg := Message{
		ID:        ids.New("rmsg"),
		From:      r.Self(),
		Channel:   channel,
		Type:      typ,
		Content:   content,
		Metadata:  metadata,
		Timestamp: r.now().UnixMilli(),
	}

	r.mu.Lock()
	var recipients []Machine
	var missing bool
	if to == BroadcastID {
		msg.To = Target{Broadcast: true}
		for id, m := range r.machines {
			if id == r.cfg.MachineID {
				continue
			}
			recipients = append(recipients, withTransport(m))
		}
	} else {
		name := "unknown"
		if m, ok := r.machines[to]; ok {
			name = m.Name
			recipients = append(recipients, withTransport(m))
		} else {
			missing = true
		}
		msg.To = Target{Peer: Peer{MachineID: to, MachineName: name}}
	}
	r.log.Push(msg)
	r.mu.Unlock()

	sort.Slice(recipients, func(i, j int) bool { return recipients[i].ID < recipients[j].ID })

	var deliveries []Delivery
	if missing {
		slog.Warn("relay: target machine not found", "target", to)
		deliveries = []Delivery{{MachineID: to, Outcome: OutcomeUnreachable, Error: "unknown machine"}}
		r.observe(deliveries[0])
	} else {
		deliveries = r.fanOut(ctx, recipients, msg)
	}

	r.notify(msg)
	r.forwardOutgoing(to, msg)

	target := to
	if to == BroadcastID {
		target = "ALL"
	}
	slog.Info("relay: message sent", "channel", channel, "type", typ, "from", r.cfg.MachineName, "to", target, "recipients", len(deliveries))
	return msg, deliveries
}

func withTransport(m *Machine) Machine {
	cp := snapshot(m)
	cp.Transport = m.Transport
	return cp
}

func (r *Relay) fanOut(ctx context.Context, recipients []Machine, msg Message) []Delivery {
	out := make([]Delivery, len(recipients))
	var wg sync.WaitGroup
	for i, m := range recipients {
		wg.Add(1)
		go func(i int, m Machine) {
			defer wg.Done()
			out[i] = r.deliverToMachine(ctx, m, msg)
			r.observe(out[i])
		}(i, m)
	}
	wg.Wait()
	return out
}

func (r *Relay) deliverToMachine(ctx context.Context, m Machine, msg Message) Delivery {
	d := Delivery{MachineID: m.ID}

	if m.Transport != nil && m.Transport.IsOpen() {
		frame, err := EncodeFrame(FrameMessage, msg)
		if err == nil {
			err = m.Transport.Send(frame)
		}
		if err == nil {
			d.Outcome = OutcomeTransport
			return d
		}
		slog.Warn("relay: transport send failed, trying HTTP", "machine", m.Name, "error", err)
	}

	url := incomingURL(m, r.cfg.PeerPort)
	if url == "" {
		slog.Debug("relay: no route to machine, left for polling", "machine", m.Name)
		d.Outcome = OutcomeQueued
		return d
	}
	if err := r.httpDeliver(ctx, url, msg); err != nil {
		slog.Warn("relay: HTTP delivery failed, message stored for polling", "machine", m.Name, "url", url, "error", err)
		d.Outcome = OutcomeUnreachable
		d.Error = err.Error()
		return d
	}
	slog.Info("relay: HTTP delivered", "machine", m.Name)
	d.Outcome = OutcomeHTTP
	return d
}

func (r *Relay) observe(d Delivery) {
	if r.observer != nil {
		r.observer(d)
	}
}

func (r *Relay) forwardOutgoing(to string, msg Message) {
	if r.sink == nil {
		return
	}
	meta := make(map[string]any, len(msg.Metadata)+2)
	for k, v := range msg.Metadata {
		meta[k] = v
	}
	meta["crossMachine"] = true
	meta["channel"] = string(msg.Channel)

	from := "machine:" + r.cfg.MachineID
	if to == BroadcastID {
		r.sink.Broadcast(from, msg.Content, meta)
		return
	}
	r.sink.Send(from, "machine:"+to, msg.Content, bus.KindDirect, meta)
}

// HandleIncoming records a message received from another machine, notifies
// local subscribers, forwards it to the local sink and refreshes the
// sender's LastSeen.
func (r *Relay) HandleIncoming(msg Message) (Message, error) {
	if strings.TrimSpace(msg.From.MachineID) == "" {
		return Message{}, fmt.Errorf("%w: from.machineId is required", ErrInvalidMachine)
	}
	if msg.ID == "" {
		msg.ID = ids.New("rmsg")
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = r.now().UnixMilli()
	}
	if msg.Type == "" {
		msg.Type = TypeChat
	}
	if msg.Channel == "" {
		msg.Channel = ChannelAPI
	}

	r.mu.Lock()
	r.log.Push(msg)
	if m, ok := r.machines[msg.From.MachineID]; ok {
		m.LastSeen = r.now().UnixMilli()
	}
	r.mu.Unlock()

	r.notify(msg)
	if r.sink != nil {
		r.sink.Send("machine:"+msg.From.MachineID, "machine:"+r.cfg.MachineID, msg.Content, bus.KindDirect,
			map[string]any{"crossMachine": true, "channel": string(msg.Channel), "originalId": msg.ID})
	}
	slog.Info("relay: message received", "channel", msg.Channel, "from", msg.From.MachineName, "type", msg.Type)
	return msg, nil
}

// Filter narrows Messages. Zero values mean "any".
type Filter struct {
	MachineID string
	Type      Type
	Channel   Channel
	Since     int64
	Limit     int
}

// Messages returns logged messages matching f, newest first.
func (r *Relay) Messages(f Filter) []Message {
	r.mu.RLock()
	all := r.log.Items()
	r.mu.RUnlock()

	out := make([]Message, 0)
	for i := len(all) - 1; i >= 0; i-- {
		m := all[i]
		if f.MachineID != "" && m.From.MachineID != f.MachineID && (m.To.Broadcast || m.To.MachineID != f.MachineID) {
			continue
		}
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		if f.Channel != "" && m.Channel != f.Channel {
			continue
		}
		if f.Since > 0 && m.Timestamp < f.Since {
			continue
		}
		out = append(out, m)
	}
	// Incoming messages keep the sender's timestamp, so log order is not
	// time order; sort before limiting.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Subscribe registers fn for every message this relay sends, receives or
// announces. The returned func removes it.
func (r *Relay) Subscribe(fn func(Message)) (unsubscribe func()) {
	id := ids.New("rsub")
	r.mu.Lock()
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *Relay) notify(msg Message) {
	r.mu.RLock()
	keys := make([]string, 0, len(r.subs))
	for k := range r.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fns := make([]func(Message), 0, len(keys))
	for _, k := range keys {
		fns = append(fns, r.subs[k])
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Warn("relay: subscriber panicked", "message", msg.ID, "panic", rec)
				}
			}()
			fn(msg)
		}()
	}
}

// MachineSummary is the per-machine entry in Stats.
type MachineSummary struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Project  string    `json:"project,omitempty"`
	LastSeen int64     `json:"lastSeen"`
	Channels []Channel `json:"channels"`
	Live     bool      `json:"live"`
}

type Stats struct {
	ThisMachine       Peer             `json:"thisMachine"`
	ConnectedMachines int              `json:"connectedMachines"`
	TotalMessages     int              `json:"totalMessages"`
	Channels          map[string]int   `json:"channels"`
	Machines          []MachineSummary `json:"machines"`
}

func (r *Relay) Stats() Stats {
	r.mu.RLock()
	channels := make(map[string]int)
	r.log.Each(func(m Message) bool {
		channels[string(m.Channel)]++
		return true
	})
	total := r.log.Len()
	r.mu.RUnlock()

	machines := r.Machines()
	summaries := make([]MachineSummary, 0, len(machines))
	for _, m := range machines {
		summaries = append(summaries, MachineSummary{
			ID: m.ID, Name: m.Name, Project: m.Project,
			LastSeen: m.LastSeen, Channels: m.Channels, Live: m.Live,
		})
	}
	return Stats{
		ThisMachine:       r.Self(),
		ConnectedMachines: len(machines),
		TotalMessages:     total,
		Channels:          channels,
		Machines:          summaries,
	}
}
