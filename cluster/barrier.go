package cluster

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hn-88/sgct/transport"
)

var (
	// ErrSyncAbort is returned when the timeout escalation policy decides a
	// peer's repeated failures are fatal for the whole run.
	ErrSyncAbort = errors.New("cluster: sync barrier aborted")
)

// Encoder produces the opaque shared-state payload broadcast each frame.
type Encoder func() []byte

// Decoder applies a shared-state payload received from the master.
type Decoder func([]byte)

// StatusFunc is notified when a peer's connection state changes.
type StatusFunc func(node string, connected bool)

// TimeoutAction selects what happens when a node exceeds the allowed streak
// of consecutive barrier timeouts.
type TimeoutAction int

const (
	// DropNode permanently removes the offending peer from aggregation; the
	// rest of the cluster keeps running.
	DropNode TimeoutAction = iota

	// Abort terminates the run with ErrSyncAbort.
	Abort
)

// TimeoutPolicy controls escalation of repeated barrier timeouts.
// MaxConsecutive = 0 never escalates: the barrier degrades every frame and
// retries the peer indefinitely.
type TimeoutPolicy struct {
	MaxConsecutive int
	Action         TimeoutAction
}

// Options configures a SyncBarrier for one node.
type Options struct {
	Role       Role
	NodeName   string
	MasterName string   // clients: where acks and readies go
	Clients    []string // master: expected client node names

	Timeout time.Duration
	Policy  TimeoutPolicy

	// Log a progress message (at most once per second) while blocked waiting
	// for other nodes.
	PrintSyncMessage bool

	Encode Encoder
	Decode Decoder
	Status StatusFunc
}

// SyncBarrier implements the per-frame distributed frame lock. Phase one
// (PreStage) fences the shared application state before drawing; phase two
// (PostStage) withholds presentation until the whole cluster is ready. Both
// phases run on the render thread and block at most Options.Timeout.
type SyncBarrier struct {
	tr   transport.Transport
	opts Options

	// Per-peer records: every client for the master, the master only for a
	// client.
	nodes map[string]*Node

	// Ready signals that arrived ahead of the master's own PostStage for
	// their frame. No cross-connection ordering exists, so aggregation is by
	// per-client acknowledgment against the frame number, never by arrival
	// order.
	earlyReady map[uint64]map[string]bool

	// WindowsCreated signals that raced ahead of the startup swap-group
	// barrier, e.g. while the master was still waiting for other nodes to
	// connect. Consumed by the SwapGroupCoordinator.
	earlyWindows map[string]bool

	// Client side: frame number of the last applied state payload. The first
	// payload after startup is adopted as-is, explicitly skipping everything
	// the master sent before this node joined.
	appliedFrame uint64
	synced       bool

	// Shortest and longest single receive wait observed during the last
	// barrier round, for the statistics collector.
	loopMin time.Duration
	loopMax time.Duration

	lastWaitLog time.Time
}

// NewSyncBarrier creates the barrier for this node. The transport must be
// connected (or listening) already; peers announce themselves through the
// synthesized Connected messages.
func NewSyncBarrier(tr transport.Transport, opts Options) *SyncBarrier {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	b := &SyncBarrier{
		tr:           tr,
		opts:         opts,
		nodes:        make(map[string]*Node),
		earlyReady:   make(map[uint64]map[string]bool),
		earlyWindows: make(map[string]bool),
	}

	if opts.Role == Master {
		for _, name := range opts.Clients {
			b.nodes[name] = NewNode(name, Client)
		}
	} else if opts.MasterName != "" {
		b.nodes[opts.MasterName] = NewNode(opts.MasterName, Master)
	}
	return b
}

// Nodes returns the peer records for inspection. The returned map is the
// live one; callers outside the render thread must treat it as read-only.
func (b *SyncBarrier) Nodes() map[string]*Node { return b.nodes }

// LoopBounds returns the shortest and longest single network wait from the
// most recent barrier round.
func (b *SyncBarrier) LoopBounds() (min, max time.Duration) {
	return b.loopMin, b.loopMax
}

// AppliedFrame returns the frame number of the last applied state payload.
func (b *SyncBarrier) AppliedFrame() uint64 { return b.appliedFrame }

// WaitForCluster blocks until every configured peer has connected: all
// clients for the master, the master for a client. This is the startup
// connection-establishment step; exceeding the timeout here is fatal, unlike
// the per-frame barrier waits which merely degrade.
func (b *SyncBarrier) WaitForCluster(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		pending := make(map[string]*Node)
		for name, node := range b.nodes {
			if node.State != Connected {
				pending[name] = node
			}
		}
		if len(pending) == 0 {
			return nil
		}

		msg, ok := b.receive(deadline, "connection", pending)
		if !ok {
			return fmt.Errorf("cluster: %s did not connect within %s", nodeNames(pending), timeout)
		}

		switch msg.Type {
		case transport.Connected:
			b.peerConnected(msg.From, string(msg.Payload))
		case transport.Disconnected:
			b.peerDisconnected(msg.From)
		case transport.WindowsCreated:
			// A fast client opened its windows before the rest of the
			// cluster finished connecting.
			b.earlyWindows[msg.From] = true
		default:
			logger.Debugf("unexpected %s message while waiting for connections", msg.Type)
		}
	}
}

// PreStage runs phase one of the frame lock for the given local frame
// number: the master broadcasts the encoded state and waits for every
// participating client to acknowledge it; a client waits for the state,
// applies it and acknowledges. A timeout degrades the barrier for this frame
// rather than deadlocking; only the escalation policy can turn that into an
// error.
func (b *SyncBarrier) PreStage(frame uint64) error {
	b.resetLoopBounds()
	if b.opts.Role == Master {
		return b.masterPreStage(frame)
	}
	return b.clientPreStage()
}

// PostStage runs phase two: clients signal readiness to present, the master
// aggregates the signals and releases the cluster. On return (including the
// degraded timeout path) the caller may issue its buffer swap.
func (b *SyncBarrier) PostStage(frame uint64) error {
	if b.opts.Role == Master {
		return b.masterPostStage(frame)
	}
	return b.clientPostStage()
}

func (b *SyncBarrier) masterPreStage(frame uint64) error {
	// With nobody participating the aggregation loops below never run, so a
	// reconnecting client's Connected event would sit in the inbox forever.
	if len(b.nodes) > 0 && len(b.participating()) == 0 {
		b.drainEvents()
	}

	var payload []byte
	if b.opts.Encode != nil {
		payload = b.opts.Encode()
	}
	err := b.tr.Broadcast(transport.Message{
		Type:    transport.SyncData,
		Frame:   frame,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("cluster: state broadcast failed: %w", err)
	}

	pending := b.participating()
	deadline := time.Now().Add(b.opts.Timeout)

	for len(pending) > 0 {
		msg, ok := b.receive(deadline, "state acknowledgment", pending)
		if !ok {
			break
		}

		switch msg.Type {
		case transport.SyncAck:
			if msg.Frame != frame {
				// Stale ack from a frame the barrier already gave up on.
				logger.Debugf("ignoring ack for frame %d from %s (at frame %d)", msg.Frame, msg.From, frame)
				continue
			}
			if node, waiting := pending[msg.From]; waiting {
				delete(pending, msg.From)
				node.LastAckedFrame = msg.Frame
				node.ConsecutiveTimeouts = 0
			}

		case transport.Ready:
			b.stashReady(msg.Frame, msg.From)

		case transport.Connected:
			b.peerConnected(msg.From, string(msg.Payload))

		case transport.Disconnected:
			b.peerDisconnected(msg.From)
			// An unreachable peer must not block the rest of the cluster:
			// treat the drop as an implicit acknowledgment.
			delete(pending, msg.From)

		default:
			logger.Debugf("unexpected %s message during state fence", msg.Type)
		}
	}

	return b.handleTimeouts(pending, "state fence")
}

func (b *SyncBarrier) clientPreStage() error {
	master := b.masterNode()
	if master != nil && !master.Participates() {
		// Pick up a master that came back while no wait was running.
		b.drainEvents()
	}
	if master == nil || !master.Participates() {
		// Standalone or orphaned: nothing to wait for.
		return nil
	}

	deadline := time.Now().Add(b.opts.Timeout)
	pending := map[string]*Node{master.Name: master}

	for {
		msg, ok := b.receive(deadline, "state payload", pending)
		if !ok {
			return b.handleTimeouts(pending, "state fence")
		}

		switch msg.Type {
		case transport.SyncData:
			if b.synced && msg.Frame <= b.appliedFrame {
				// Per-connection ordering makes this a protocol violation.
				logger.Warningf("discarding state for frame %d; frame %d already applied", msg.Frame, b.appliedFrame)
				continue
			}
			if b.opts.Decode != nil {
				b.opts.Decode(msg.Payload)
			}
			if !b.synced {
				logger.Infof("joined cluster at frame %d", msg.Frame)
			}
			b.synced = true
			b.appliedFrame = msg.Frame
			master.LastAckedFrame = msg.Frame
			master.ConsecutiveTimeouts = 0
			err := b.tr.Send(master.Name, transport.Message{
				Type:  transport.SyncAck,
				Frame: msg.Frame,
			})
			if err != nil {
				logger.Warningf("ack send failed: %v", err)
			}
			return nil

		case transport.Release:
			// Tail of the previous frame's present fence; already handled.
			logger.Debugf("late release for frame %d", msg.Frame)

		case transport.Connected:
			b.peerConnected(msg.From, string(msg.Payload))

		case transport.Disconnected:
			b.peerDisconnected(msg.From)
			if msg.From == master.Name {
				return nil
			}

		default:
			logger.Debugf("unexpected %s message during state fence", msg.Type)
		}
	}
}

func (b *SyncBarrier) masterPostStage(frame uint64) error {
	pending := b.participating()

	// Readies that raced ahead of the master's own draw.
	if early := b.earlyReady[frame]; early != nil {
		for name := range early {
			delete(pending, name)
		}
		delete(b.earlyReady, frame)
	}

	deadline := time.Now().Add(b.opts.Timeout)
	for len(pending) > 0 {
		msg, ok := b.receive(deadline, "present readiness", pending)
		if !ok {
			break
		}

		switch msg.Type {
		case transport.Ready:
			if msg.Frame != frame {
				b.stashReady(msg.Frame, msg.From)
				continue
			}
			delete(pending, msg.From)

		case transport.Connected:
			b.peerConnected(msg.From, string(msg.Payload))

		case transport.Disconnected:
			b.peerDisconnected(msg.From)
			delete(pending, msg.From)

		default:
			logger.Debugf("unexpected %s message during present fence", msg.Type)
		}
	}

	if err := b.handleTimeouts(pending, "present fence"); err != nil {
		return err
	}

	// Everyone still connected is ready (or has been given up on): release
	// the cluster for presentation.
	err := b.tr.Broadcast(transport.Message{Type: transport.Release, Frame: frame})
	if err != nil {
		return fmt.Errorf("cluster: release broadcast failed: %w", err)
	}

	// Stale stash entries for frames that will never be waited on again.
	for f := range b.earlyReady {
		if f <= frame {
			delete(b.earlyReady, f)
		}
	}
	return nil
}

func (b *SyncBarrier) clientPostStage() error {
	master := b.masterNode()
	if master == nil || !master.Participates() || !b.synced {
		return nil
	}

	frame := b.appliedFrame
	err := b.tr.Send(master.Name, transport.Message{Type: transport.Ready, Frame: frame})
	if err != nil {
		logger.Warningf("ready send failed: %v", err)
	}

	deadline := time.Now().Add(b.opts.Timeout)
	pending := map[string]*Node{master.Name: master}

	for {
		msg, ok := b.receive(deadline, "release", pending)
		if !ok {
			return b.handleTimeouts(pending, "present fence")
		}

		switch msg.Type {
		case transport.Release:
			if msg.Frame < frame {
				logger.Debugf("late release for frame %d", msg.Frame)
				continue
			}
			master.ConsecutiveTimeouts = 0
			return nil

		case transport.Connected:
			b.peerConnected(msg.From, string(msg.Payload))

		case transport.Disconnected:
			b.peerDisconnected(msg.From)
			if msg.From == master.Name {
				return nil
			}

		default:
			logger.Debugf("unexpected %s message during present fence", msg.Type)
		}
	}
}

// receive performs one bounded wait on the transport, tracking loop-time
// bounds and emitting the periodic waiting log. ok is false once the
// deadline has passed.
func (b *SyncBarrier) receive(deadline time.Time, what string, pending map[string]*Node) (transport.Message, bool) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return transport.Message{}, false
		}

		wait := remaining
		if b.opts.PrintSyncMessage && wait > time.Second {
			wait = time.Second
		}

		start := time.Now()
		msg, err := b.tr.Receive(wait)
		b.recordLoop(time.Since(start))

		if err == nil {
			return msg, true
		}
		if errors.Is(err, transport.ErrTimeout) {
			if b.opts.PrintSyncMessage && time.Since(b.lastWaitLog) >= time.Second {
				b.lastWaitLog = time.Now()
				logger.Noticef("waiting for %s from %s", what, nodeNames(pending))
			}
			continue
		}
		// Transport torn down mid-wait; let the deadline path degrade.
		logger.Warningf("receive failed: %v", err)
		return transport.Message{}, false
	}
}

// drainEvents consumes transport events that are already queued, without a
// real wait. Used when no peer currently counts toward aggregation, since
// the barrier otherwise only reads the inbox while blocked on a phase.
func (b *SyncBarrier) drainEvents() {
	for {
		msg, err := b.tr.Receive(time.Millisecond)
		if err != nil {
			return
		}
		switch msg.Type {
		case transport.Connected:
			b.peerConnected(msg.From, string(msg.Payload))
		case transport.Disconnected:
			b.peerDisconnected(msg.From)
		case transport.Ready:
			b.stashReady(msg.Frame, msg.From)
		case transport.WindowsCreated:
			b.earlyWindows[msg.From] = true
		default:
			logger.Debugf("discarding %s message with no waiter", msg.Type)
		}
	}
}

// handleTimeouts applies the degradation and escalation policy to every node
// that failed to answer within the barrier deadline.
func (b *SyncBarrier) handleTimeouts(pending map[string]*Node, phase string) error {
	if len(pending) == 0 {
		return nil
	}

	logger.Warningf("%s timed out after %s; proceeding without %s", phase, b.opts.Timeout, nodeNames(pending))

	// Every timed-out node gets its streak bumped before escalation is
	// evaluated, so one escalating node does not hide the others' misses.
	var abortErr error
	for name, node := range pending {
		node.ConsecutiveTimeouts++
		limit := b.opts.Policy.MaxConsecutive
		if limit <= 0 || node.ConsecutiveTimeouts < limit {
			continue
		}
		if !node.dropped {
			// Excluded from aggregation either way: a dropped node for good,
			// an aborting node so the remaining barrier phases of the final
			// frame do not wait a full timeout on it again.
			node.dropped = true
			node.State = Disconnected
			logger.Warningf("dropping node %s after %d consecutive timeouts", name, node.ConsecutiveTimeouts)
			b.notifyStatus(name, false)
		}
		if b.opts.Policy.Action == Abort && abortErr == nil {
			abortErr = fmt.Errorf("%w: node %s failed %d consecutive rounds", ErrSyncAbort, name, node.ConsecutiveTimeouts)
		}
	}
	return abortErr
}

// participating snapshots the peers that count toward this barrier round.
func (b *SyncBarrier) participating() map[string]*Node {
	set := make(map[string]*Node)
	for name, node := range b.nodes {
		if node.Participates() {
			set[name] = node
		}
	}
	return set
}

func (b *SyncBarrier) masterNode() *Node {
	if b.opts.MasterName == "" {
		return nil
	}
	return b.nodes[b.opts.MasterName]
}

func (b *SyncBarrier) peerConnected(name, id string) {
	node, ok := b.nodes[name]
	if !ok {
		// Not part of the configured cluster; track it anyway for logging.
		node = NewNode(name, Client)
		b.nodes[name] = node
	}
	rejoined := node.ID != "" && node.ID != id
	node.ID = id
	if node.State == Connected {
		if rejoined {
			// The old link was replaced before its loss was observed.
			logger.Noticef("node %s reconnected on a new endpoint (%s)", name, id)
		}
		return
	}
	prev := node.State
	node.State = Connected
	if node.dropped {
		logger.Warningf("node %s reconnected but stays dropped by timeout policy", name)
		return
	}
	// A reconnecting peer resumes at the next frame boundary; missed frames
	// are not back-filled.
	if rejoined {
		logger.Noticef("node %s reconnected on a new endpoint (%s)", name, id)
	} else {
		logger.Noticef("node %s connected (was %s)", name, prev)
	}
	b.notifyStatus(name, true)
}

func (b *SyncBarrier) peerDisconnected(name string) {
	node, ok := b.nodes[name]
	if !ok || node.State == Disconnected {
		return
	}
	node.State = Disconnected
	logger.Warningf("node %s disconnected", name)
	b.notifyStatus(name, false)
}

func (b *SyncBarrier) notifyStatus(name string, connected bool) {
	if b.opts.Status != nil {
		b.opts.Status(name, connected)
	}
}

func (b *SyncBarrier) stashReady(frame uint64, from string) {
	set := b.earlyReady[frame]
	if set == nil {
		set = make(map[string]bool)
		b.earlyReady[frame] = set
	}
	set[from] = true
}

func (b *SyncBarrier) resetLoopBounds() {
	b.loopMin = 0
	b.loopMax = 0
}

func (b *SyncBarrier) recordLoop(d time.Duration) {
	if b.loopMin == 0 || d < b.loopMin {
		b.loopMin = d
	}
	if d > b.loopMax {
		b.loopMax = d
	}
}

func nodeNames(nodes map[string]*Node) string {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}
