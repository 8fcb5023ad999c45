package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Hub is an in-memory switchboard connecting a set of Inproc endpoints. It
// preserves per-sender ordering (each endpoint delivers into a peer's inbox
// from a single goroutine-free path) while making no promise about ordering
// across senders, matching the semantics of the socket transport. Handy for
// barrier tests and single-process demos without real networking.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Inproc
}

// NewHub creates an empty switchboard.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*Inproc)}
}

// Join attaches a new endpoint under the given node name. Every existing
// endpoint observes a Connected message for it, and vice versa. Each call
// mints a fresh endpoint ID, so re-joining under the same name looks like a
// reconnect to the other endpoints.
func (h *Hub) Join(name string) *Inproc {
	ep := &Inproc{
		name:  name,
		id:    uuid.NewString(),
		hub:   h,
		inbox: make(chan Message, 1024),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	for _, other := range h.endpoints {
		other.deliver(Message{Type: Connected, From: name, Payload: []byte(ep.id)})
		ep.deliver(Message{Type: Connected, From: other.name, Payload: []byte(other.id)})
	}
	h.endpoints[name] = ep
	h.mu.Unlock()
	return ep
}

// Drop detaches an endpoint, delivering Disconnected to everyone else. Used
// by tests to simulate a node dying mid-frame.
func (h *Hub) Drop(name string) {
	h.mu.Lock()
	ep, ok := h.endpoints[name]
	if ok {
		delete(h.endpoints, name)
	}
	others := make([]*Inproc, 0, len(h.endpoints))
	for _, other := range h.endpoints {
		others = append(others, other)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	ep.close()
	for _, other := range others {
		other.deliver(Message{Type: Disconnected, From: name})
	}
}

// Inproc is one endpoint of an in-memory Hub. It implements Transport.
type Inproc struct {
	name string
	id   string
	hub  *Hub

	inbox  chan Message
	done   chan struct{}
	closed sync.Once
}

func (n *Inproc) deliver(msg Message) {
	select {
	case n.inbox <- msg:
	case <-n.done:
	default:
		// Inbox full: a test endpoint that never drains. Dropping here is
		// preferable to deadlocking the sender.
	}
}

// Broadcast sends to every other endpoint on the hub.
func (n *Inproc) Broadcast(msg Message) error {
	msg.From = n.name
	n.hub.mu.RLock()
	defer n.hub.mu.RUnlock()
	for _, other := range n.hub.endpoints {
		if other != n {
			other.deliver(msg)
		}
	}
	return nil
}

// Send delivers to a single named endpoint.
func (n *Inproc) Send(to string, msg Message) error {
	msg.From = n.name
	n.hub.mu.RLock()
	other, ok := n.hub.endpoints[to]
	n.hub.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: unknown peer %q", to)
	}
	other.deliver(msg)
	return nil
}

// Receive blocks for the next inbound message.
func (n *Inproc) Receive(timeout time.Duration) (Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-n.inbox:
		return msg, nil
	case <-timer.C:
		return Message{}, ErrTimeout
	case <-n.done:
		return Message{}, ErrClosed
	}
}

// Peers returns the names of all other endpoints on the hub.
func (n *Inproc) Peers() []string {
	n.hub.mu.RLock()
	defer n.hub.mu.RUnlock()
	names := make([]string, 0, len(n.hub.endpoints))
	for name := range n.hub.endpoints {
		if name != n.name {
			names = append(names, name)
		}
	}
	return names
}

// Close detaches this endpoint from the hub.
func (n *Inproc) Close() error {
	n.hub.Drop(n.name)
	return nil
}

func (n *Inproc) close() {
	n.closed.Do(func() { close(n.done) })
}
