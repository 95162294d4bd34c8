package gateway

import (
	"net/http"
	"strings"
	"sync"

	"github.com/CosmoTheDev/fleethub/internal/pubsub"
	"github.com/CosmoTheDev/fleethub/internal/ringbuf"
)

// pollBufferSize caps how many undelivered messages an HTTP poll
// subscription holds; the oldest are dropped first.
const pollBufferSize = 100

// pollRegistry buffers broker deliveries for clients that poll over HTTP.
type pollRegistry struct {
	mu      sync.Mutex
	buffers map[string]*ringbuf.Ring[pubsub.Message]
}

func newPollRegistry() *pollRegistry {
	return &pollRegistry{buffers: make(map[string]*ringbuf.Ring[pubsub.Message])}
}

// subscribe creates a broker subscription whose deliveries are buffered
// for polling. The returned id is the broker subscription id.
func (p *pollRegistry) subscribe(b *pubsub.Broker, pattern, subscriber string) (string, error) {
	buf := ringbuf.New[pubsub.Message](pollBufferSize)
	id, err := b.Subscribe(pattern, subscriber, func(m pubsub.Message) {
		p.mu.Lock()
		buf.Push(m)
		p.mu.Unlock()
	})
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.buffers[id] = buf
	p.mu.Unlock()
	return id, nil
}

// drain returns and clears the buffered messages, oldest first.
func (p *pollRegistry) drain(id string) ([]pubsub.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf, ok := p.buffers[id]
	if !ok {
		return nil, false
	}
	return buf.Drain(), true
}

func (p *pollRegistry) unsubscribe(b *pubsub.Broker, id string) bool {
	p.mu.Lock()
	_, ok := p.buffers[id]
	delete(p.buffers, id)
	p.mu.Unlock()
	return b.Unsubscribe(id) || ok
}

func (p *pollRegistry) closeAll(b *pubsub.Broker) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.buffers))
	for id := range p.buffers {
		ids = append(ids, id)
	}
	p.buffers = make(map[string]*ringbuf.Ring[pubsub.Message])
	p.mu.Unlock()
	for _, id := range ids {
		b.Unsubscribe(id)
	}
}

func (gw *Gateway) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Publisher == "" {
		req.Publisher = "api"
	}
	msg, err := gw.hub.Broker.Publish(req.Topic, req.Payload, req.Publisher, req.Retain)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (gw *Gateway) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Subscriber == "" {
		req.Subscriber = "api"
	}
	id, err := gw.polls.subscribe(gw.hub.Broker, req.Topic, req.Subscriber)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"subscriptionId": id, "topic": req.Topic})
}

func (gw *Gateway) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !gw.polls.unsubscribe(gw.hub.Broker, id) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"unsubscribed": id})
}

func (gw *Gateway) handlePoll(w http.ResponseWriter, r *http.Request) {
	msgs, ok := gw.polls.drain(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (gw *Gateway) handleTopics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.hub.Broker.Topics())
}

// handleTopicMessages takes a topic pattern, so wildcards work here:
// /api/pubsub/messages/fleet/+/status.
func (gw *Gateway) handleTopicMessages(w http.ResponseWriter, r *http.Request) {
	pattern := strings.Trim(r.PathValue("topic"), "/")
	writeJSON(w, http.StatusOK, gw.hub.Broker.Messages(pattern, queryInt(r, "limit", 0)))
}

func (gw *Gateway) handleRetained(w http.ResponseWriter, r *http.Request) {
	msg, ok := gw.hub.Broker.Retained(strings.Trim(r.PathValue("topic"), "/"))
	if !ok {
		writeError(w, http.StatusNotFound, "no retained message")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (gw *Gateway) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.hub.Broker.Subscriptions())
}

func (gw *Gateway) handlePubSubStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.hub.Broker.Stats())
}
