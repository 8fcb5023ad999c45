package transport

import (
	"errors"
	"time"
)

// MessageType enumerates the cluster control messages exchanged per frame.
type MessageType uint8

const (
	// SyncData carries the encoded application state for one frame from the
	// master to the clients.
	SyncData MessageType = iota + 1

	// SyncAck confirms that a client has applied the state for one frame.
	SyncAck

	// Ready signals that a node has finished drawing and may present.
	Ready

	// Release instructs the clients to present the current frame.
	Release

	// WindowsCreated signals that a node has opened all of its windows.
	WindowsCreated

	// StartGroup instructs all nodes to join the hardware swap group.
	StartGroup

	// Connected and Disconnected are synthesized by the transport itself
	// when a peer link is established or lost. They are delivered through
	// the same receive stream as regular messages so consumers observe them
	// in per-connection order. Connected carries the remote endpoint's ID as
	// its payload, letting consumers tell a reconnect from the original link.
	Connected
	Disconnected
)

func (t MessageType) String() string {
	switch t {
	case SyncData:
		return "sync-data"
	case SyncAck:
		return "sync-ack"
	case Ready:
		return "ready"
	case Release:
		return "release"
	case WindowsCreated:
		return "windows-created"
	case StartGroup:
		return "start-group"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// Message is one cluster control message. The payload is an opaque blob,
// carried by SyncData (application state) and Connected (endpoint ID).
type Message struct {
	Type    MessageType
	Frame   uint64
	From    string
	Payload []byte
}

var (
	// ErrTimeout is returned by Receive when no message arrives in time.
	ErrTimeout = errors.New("transport: receive timed out")

	// ErrClosed is returned when the transport has been shut down.
	ErrClosed = errors.New("transport: closed")
)

// Transport moves control messages between cluster nodes. Delivery is
// reliable and ordered per connection; no ordering is guaranteed across
// different connections.
type Transport interface {
	// Broadcast sends the message to every connected peer.
	Broadcast(msg Message) error

	// Send delivers the message to a single peer by name.
	Send(to string, msg Message) error

	// Receive blocks for up to timeout waiting for the next inbound message
	// and returns ErrTimeout if none arrives.
	Receive(timeout time.Duration) (Message, error)

	// Peers returns the names of the currently connected peers.
	Peers() []string

	Close() error
}
