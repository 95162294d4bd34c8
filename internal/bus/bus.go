// Package bus is the in-process agent message bus. It is the local sink for
// fleet traffic: relayed messages and dispatched jobs are forwarded here so
// consumers on the hub host see them without a network hop.
package bus

import (
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/CosmoTheDev/fleethub/internal/ids"
	"github.com/CosmoTheDev/fleethub/internal/ringbuf"
)

const (
	inboxCapacity = 1000
	broadcastKey  = "*"
)

// Kind classifies a bus message.
type Kind string

const (
	KindDirect    Kind = "direct"
	KindBroadcast Kind = "broadcast"
	KindCommand   Kind = "command"
	KindStatus    Kind = "status"
)

// Message is a single bus entry. Read is toggled by MarkRead.
type Message struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Kind      Kind           `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Read      bool           `json:"read"`
}

type subscriber struct {
	id      string
	agentID string
	fn      func(Message)
}

// Bus stores per-agent inboxes and notifies live subscribers.
type Bus struct {
	now func() time.Time

	mu        sync.RWMutex
	inboxes   map[string]*ringbuf.Ring[*Message]
	subs      map[string]subscriber
	totalSent int64
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		now:     time.Now,
		inboxes: make(map[string]*ringbuf.Ring[*Message]),
		subs:    make(map[string]subscriber),
	}
}

// Send stores a message in the recipient's inbox and notifies that
// recipient's subscribers. An empty kind defaults to direct.
func (b *Bus) Send(from, to, content string, kind Kind, metadata map[string]any) Message {
	if kind == "" {
		kind = KindDirect
	}
	msg := &Message{
		ID:        ids.New("msg"),
		From:      from,
		To:        to,
		Kind:      kind,
		Content:   content,
		Metadata:  metadata,
		Timestamp: b.now().UnixMilli(),
	}

	b.mu.Lock()
	b.store(to, msg)
	b.totalSent++
	targets := b.subscribersLocked(func(s subscriber) bool { return s.agentID == to })
	b.mu.Unlock()

	notify(targets, *msg)
	slog.Debug("bus: message", "from", from, "to", to, "kind", kind, "content", truncate(content, 80))
	return *msg
}

// Broadcast stores a message under the broadcast inbox and notifies every
// subscriber except those registered for the sender.
func (b *Bus) Broadcast(from, content string, metadata map[string]any) Message {
	msg := &Message{
		ID:        ids.New("msg"),
		From:      from,
		To:        broadcastKey,
		Kind:      KindBroadcast,
		Content:   content,
		Metadata:  metadata,
		Timestamp: b.now().UnixMilli(),
	}

	b.mu.Lock()
	b.store(broadcastKey, msg)
	b.totalSent++
	targets := b.subscribersLocked(func(s subscriber) bool { return s.agentID != from })
	b.mu.Unlock()

	notify(targets, *msg)
	slog.Debug("bus: broadcast", "from", from, "content", truncate(content, 80))
	return *msg
}

// Messages returns the agent's direct messages plus broadcasts it did not
// send, newest first.
func (b *Bus) Messages(agentID string, unreadOnly bool) []Message {
	b.mu.RLock()
	var all []Message
	if inbox, ok := b.inboxes[agentID]; ok {
		inbox.Each(func(m *Message) bool {
			all = append(all, *m)
			return true
		})
	}
	if agentID != broadcastKey {
		if inbox, ok := b.inboxes[broadcastKey]; ok {
			inbox.Each(func(m *Message) bool {
				if m.From != agentID {
					all = append(all, *m)
				}
				return true
			})
		}
	}
	b.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Timestamp != all[j].Timestamp {
			return all[i].Timestamp > all[j].Timestamp
		}
		return all[i].ID > all[j].ID
	})
	if !unreadOnly {
		return all
	}
	out := all[:0]
	for _, m := range all {
		if !m.Read {
			out = append(out, m)
		}
	}
	return out
}

// MarkRead flags a message in the agent's inbox or the broadcast inbox as
// read. It reports whether a message was found.
func (b *Bus) MarkRead(messageID, agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	found := false
	for _, key := range []string{agentID, broadcastKey} {
		inbox, ok := b.inboxes[key]
		if !ok {
			continue
		}
		inbox.Each(func(m *Message) bool {
			if m.ID == messageID {
				m.Read = true
				found = true
				return false
			}
			return true
		})
	}
	return found
}

// Subscribe registers fn for messages addressed to agentID and broadcasts
// from other agents. The returned func removes the subscription.
func (b *Bus) Subscribe(agentID string, fn func(Message)) (unsubscribe func()) {
	s := subscriber{id: ids.New("bsub"), agentID: agentID, fn: fn}
	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, s.id)
		b.mu.Unlock()
	}
}

// Stats summarises stored messages and subscribers.
type Stats struct {
	TotalSent         int64          `json:"totalSent"`
	TotalMessages     int            `json:"totalMessages"`
	ActiveSubscribers int            `json:"activeSubscribers"`
	MessagesByType    map[string]int `json:"messagesByType"`
	AgentInboxes      int            `json:"agentInboxes"`
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{
		TotalSent:         b.totalSent,
		ActiveSubscribers: len(b.subs),
		MessagesByType:    make(map[string]int),
		AgentInboxes:      len(b.inboxes),
	}
	for _, inbox := range b.inboxes {
		inbox.Each(func(m *Message) bool {
			st.MessagesByType[string(m.Kind)]++
			st.TotalMessages++
			return true
		})
	}
	return st
}

func (b *Bus) store(key string, msg *Message) {
	inbox, ok := b.inboxes[key]
	if !ok {
		inbox = ringbuf.New[*Message](inboxCapacity)
		b.inboxes[key] = inbox
	}
	inbox.Push(msg)
}

func (b *Bus) subscribersLocked(match func(subscriber) bool) []subscriber {
	out := make([]subscriber, 0)
	for _, s := range b.subs {
		if match(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func notify(targets []subscriber, msg Message) {
	for _, s := range targets {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("bus: subscriber panicked", "agent", s.agentID, "panic", r)
				}
			}()
			s.fn(msg)
		}()
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
