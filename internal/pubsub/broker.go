// Package pubsub implements an in-process, MQTT-style topic broker.
//
// Topics are "/"-separated. Subscription patterns may use "+" to match
// exactly one segment and a trailing "#" to match every remaining segment.
// Messages published with retain=true are kept per exact topic and replayed
// to later subscribers whose pattern matches. Delivery is synchronous and
// best-effort: a panicking callback is recovered and does not affect other
// subscribers.
package pubsub

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/CosmoTheDev/fleethub/internal/ids"
	"github.com/CosmoTheDev/fleethub/internal/ringbuf"
)

const (
	logCapacity        = 10000
	topicsWindow       = 500
	topTopicsWindow    = 1000
	topN               = 10
	defaultMessagesMax = 50
)

var (
	ErrInvalidPattern = errors.New("invalid topic pattern")
	ErrInvalidTopic   = errors.New("invalid topic")
)

// Message is a single published payload.
type Message struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	Payload   any    `json:"payload"`
	Publisher string `json:"publisher"`
	Timestamp int64  `json:"timestamp"`
	Retained  bool   `json:"retained"`
}

// Callback receives matching messages.
type Callback func(Message)

// Subscription describes a registered pattern. Callback is never serialised.
type Subscription struct {
	ID         string   `json:"id"`
	Pattern    string   `json:"topic"`
	Subscriber string   `json:"subscriber"`
	CreatedAt  int64    `json:"createdAt"`
	Callback   Callback `json:"-"`

	// While replaying, live messages queue in pending so retained ones
	// always arrive first. Both are guarded by Broker.mu.
	replaying bool
	pending   []Message
}

// Broker routes published messages to matching subscriptions.
type Broker struct {
	now func() time.Time

	mu             sync.RWMutex
	subs           map[string]*Subscription
	retained       map[string]Message
	log            *ringbuf.Ring[Message]
	totalPublished int64
	totalDelivered int64
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// NewBroker returns an empty broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		now:      time.Now,
		subs:     make(map[string]*Subscription),
		retained: make(map[string]Message),
		log:      ringbuf.New[Message](logCapacity),
	}
	for _, opt := range opts {
		opt(b)
	}
	slog.Debug("pubsub: broker initialised")
	return b
}

// TopicMatches reports whether pattern matches topic. "#" matches the rest
// of the topic unconditionally, "+" requires a segment to exist at its
// position, and any other segment must match exactly. Without a "#" the
// segment counts must be equal.
func TopicMatches(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")

	for i, p := range pp {
		if p == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if p == "+" {
			continue
		}
		if p != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}

// ValidatePattern rejects empty patterns and patterns where "#" is not the
// final segment.
func ValidatePattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	segs := strings.Split(pattern, "/")
	for i, s := range segs {
		if s == "#" && i != len(segs)-1 {
			return fmt.Errorf("%w: %q: '#' is only valid as the final segment", ErrInvalidPattern, pattern)
		}
		if s != "#" && s != "+" && strings.ContainsAny(s, "#+") {
			return fmt.Errorf("%w: %q: wildcards must occupy a whole segment", ErrInvalidPattern, pattern)
		}
	}
	return nil
}

func validateTopic(topic string) error {
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: %q: wildcards are only allowed in subscription patterns", ErrInvalidTopic, topic)
	}
	return nil
}

// Publish records the message, updates the retained entry when retain is
// set, and synchronously delivers to every matching subscription.
func (b *Broker) Publish(topic string, payload any, publisher string, retain bool) (Message, error) {
	if err := validateTopic(topic); err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:        ids.New("ps"),
		Topic:     topic,
		Payload:   payload,
		Publisher: publisher,
		Timestamp: b.now().UnixMilli(),
		Retained:  retain,
	}

	b.mu.Lock()
	if retain {
		b.retained[topic] = msg
	}
	b.log.Push(msg)
	b.totalPublished++
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if !TopicMatches(sub.Pattern, topic) {
			continue
		}
		if sub.replaying {
			sub.pending = append(sub.pending, msg)
			continue
		}
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })

	var delivered int64
	for _, sub := range targets {
		if invoke(sub, msg) {
			delivered++
		}
	}

	b.mu.Lock()
	b.totalDelivered += delivered
	b.mu.Unlock()

	slog.Debug("pubsub: published", "topic", topic, "publisher", publisher, "delivered", delivered)
	return msg, nil
}

func invoke(sub *Subscription, msg Message) (ok bool) {
	if sub.Callback == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("pubsub: subscriber callback panicked",
				"subscription", sub.ID, "subscriber", sub.Subscriber, "topic", msg.Topic, "panic", r)
			ok = false
		}
	}()
	sub.Callback(msg)
	return true
}

// Subscribe registers cb for pattern and returns the subscription id. Every
// retained message whose topic matches is replayed to cb before Subscribe
// returns, and before any message published while the replay runs.
func (b *Broker) Subscribe(pattern, subscriber string, cb Callback) (string, error) {
	if err := ValidatePattern(pattern); err != nil {
		return "", err
	}
	sub := &Subscription{
		ID:         ids.New("sub"),
		Pattern:    pattern,
		Subscriber: subscriber,
		CreatedAt:  b.now().UnixMilli(),
		Callback:   cb,
		replaying:  true,
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	replay := make([]Message, 0)
	for topic, msg := range b.retained {
		if TopicMatches(pattern, topic) {
			replay = append(replay, msg)
		}
	}
	b.mu.Unlock()

	sort.Slice(replay, func(i, j int) bool { return replay[i].Topic < replay[j].Topic })
	for _, msg := range replay {
		invoke(sub, msg)
	}
	b.drainPending(sub)

	slog.Info("pubsub: subscribed", "subscriber", subscriber, "pattern", pattern, "id", sub.ID, "retained_replayed", len(replay))
	return sub.ID, nil
}

// drainPending delivers messages queued during the retained replay, then
// switches sub to direct delivery.
func (b *Broker) drainPending(sub *Subscription) {
	var delivered int64
	for {
		b.mu.Lock()
		queued := sub.pending
		sub.pending = nil
		if len(queued) == 0 {
			sub.replaying = false
			b.totalDelivered += delivered
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
		for _, msg := range queued {
			if invoke(sub, msg) {
				delivered++
			}
		}
	}
}

// Unsubscribe removes a subscription. It returns false when id is unknown.
func (b *Broker) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	slog.Debug("pubsub: unsubscribed", "id", id)
	return true
}

// UnsubscribeAll removes every subscription owned by subscriber and returns
// how many were removed.
func (b *Broker) UnsubscribeAll(subscriber string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, sub := range b.subs {
		if sub.Subscriber == subscriber {
			delete(b.subs, id)
			n++
		}
	}
	if n > 0 {
		slog.Info("pubsub: unsubscribed all", "subscriber", subscriber, "count", n)
	}
	return n
}

// Messages returns logged messages whose topic matches pattern, newest
// first. A limit of zero or less uses the default of 50.
func (b *Broker) Messages(pattern string, limit int) []Message {
	if limit <= 0 {
		limit = defaultMessagesMax
	}
	b.mu.RLock()
	all := b.log.Items()
	b.mu.RUnlock()

	out := make([]Message, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if TopicMatches(pattern, all[i].Topic) {
			out = append(out, all[i])
		}
	}
	return out
}

// Retained returns the retained message for an exact topic.
func (b *Broker) Retained(topic string) (Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	msg, ok := b.retained[topic]
	return msg, ok
}

// Topics lists retained topics plus topics seen in the most recent log
// entries, sorted.
func (b *Broker) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.topicsLocked()
}

func (b *Broker) topicsLocked() []string {
	set := make(map[string]struct{}, len(b.retained))
	for t := range b.retained {
		set[t] = struct{}{}
	}
	for _, m := range b.log.Tail(topicsWindow) {
		set[m.Topic] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Subscriptions lists active subscriptions ordered by creation.
func (b *Broker) Subscriptions() []Subscription {
	b.mu.RLock()
	out := make([]Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		cp := *s
		cp.Callback = nil
		cp.pending = nil
		out = append(out, cp)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counted is a name/count pair used in stats rankings.
type Counted struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Stats summarises broker activity.
type Stats struct {
	TotalPublished      int64     `json:"totalPublished"`
	TotalDelivered      int64     `json:"totalDelivered"`
	ActiveSubscriptions int       `json:"activeSubscriptions"`
	RetainedMessages    int       `json:"retainedMessages"`
	ActiveTopics        int       `json:"activeTopics"`
	RecentMessages      int       `json:"recentMessages"`
	TopSubscribers      []Counted `json:"topSubscribers"`
	TopTopics           []Counted `json:"topTopics"`
}

// Stats returns counters plus the busiest subscribers and topics.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bySub := make(map[string]int)
	for _, s := range b.subs {
		bySub[s.Subscriber]++
	}
	byTopic := make(map[string]int)
	for _, m := range b.log.Tail(topTopicsWindow) {
		byTopic[m.Topic]++
	}

	return Stats{
		TotalPublished:      b.totalPublished,
		TotalDelivered:      b.totalDelivered,
		ActiveSubscriptions: len(b.subs),
		RetainedMessages:    len(b.retained),
		ActiveTopics:        len(b.topicsLocked()),
		RecentMessages:      b.log.Len(),
		TopSubscribers:      rank(bySub),
		TopTopics:           rank(byTopic),
	}
}

func rank(counts map[string]int) []Counted {
	out := make([]Counted, 0, len(counts))
	for name, n := range counts {
		out = append(out, Counted{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}
