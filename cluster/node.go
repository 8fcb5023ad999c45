package cluster

import (
	"github.com/hn-88/sgct/log"
)

var logger = log.New("cluster")

// Role identifies a node's part in the cluster.
type Role int

const (
	// Master owns and broadcasts the authoritative per-frame state.
	Master Role = iota

	// Client receives and applies the master's per-frame state.
	Client
)

func (r Role) String() string {
	if r == Master {
		return "master"
	}
	return "client"
}

// ConnState tracks the link to a peer node.
type ConnState int

const (
	// Pending means the peer has not connected yet.
	Pending ConnState = iota

	// Connected means the peer link is up.
	Connected

	// Disconnected means the peer link was lost after having been up.
	Disconnected
)

func (s ConnState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// Node is the record a peer keeps about another cluster member. The master
// holds one per client; a client holds one for the master only. Records live
// for the process lifetime and are mutated only on the goroutine that drains
// the transport.
type Node struct {
	// ID is the peer's transport endpoint identity, learned from the
	// Connected handshake. A node that reconnects keeps its name but shows
	// up with a fresh ID.
	ID   string
	Name string
	Role Role

	State          ConnState
	LastAckedFrame uint64

	// Streak of barrier rounds this node failed to answer in time. Reset on
	// every successful acknowledgment. Drives the timeout escalation policy.
	ConsecutiveTimeouts int

	// A dropped node is permanently excluded from barrier aggregation after
	// exceeding the timeout policy. Reconnecting does not clear the flag.
	dropped bool
}

// NewNode creates a peer record in the Pending state. The ID stays empty
// until the peer's first Connected event delivers it.
func NewNode(name string, role Role) *Node {
	return &Node{
		Name: name,
		Role: role,
	}
}

// Participates reports whether the node counts toward barrier aggregation.
func (n *Node) Participates() bool {
	return n.State == Connected && !n.dropped
}
