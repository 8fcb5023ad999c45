package cluster

import (
	"fmt"
	"time"

	"github.com/hn-88/sgct/transport"
)

// SwapGroup abstracts the GPU driver's hardware swap-lock mechanism. The
// graphics layer provides a real binding where the driver supports one;
// everything else uses Unsupported.
type SwapGroup interface {
	// Supported reports whether the driver exposes a swap group at all.
	Supported() bool

	// Join adds this node's contexts to the swap group. Must complete before
	// EnableBarrier is called.
	Join() error

	// EnableBarrier activates the hardware barrier for the joined group.
	EnableBarrier() error
}

// Unsupported is the SwapGroup for drivers without hardware swap-lock.
type Unsupported struct{}

func (Unsupported) Supported() bool      { return false }
func (Unsupported) Join() error          { return nil }
func (Unsupported) EnableBarrier() error { return nil }

// SwapGroupCoordinator runs the one-time startup barrier that defers the
// hardware swap-lock until every node in the cluster has created all of its
// windows. Joining a swap group while some contexts are still missing is
// unstable on common GPU drivers, as is enabling the barrier before the join
// has completed, so the two steps run strictly in order and only after the
// whole cluster has reported in.
type SwapGroupCoordinator struct {
	tr      transport.Transport
	barrier *SyncBarrier
	group   SwapGroup
}

// NewSwapGroupCoordinator wires the coordinator to the same barrier that
// runs the per-frame frame lock; peer bookkeeping is shared.
func NewSwapGroupCoordinator(tr transport.Transport, barrier *SyncBarrier, group SwapGroup) *SwapGroupCoordinator {
	if group == nil {
		group = Unsupported{}
	}
	return &SwapGroupCoordinator{tr: tr, barrier: barrier, group: group}
}

// WaitForAllWindowsOpen blocks until every cluster node has reported its
// windows created, then joins the swap group and enables the hardware
// barrier. Call after this node's own windows exist. Failure here is fatal
// to startup; there is no degrade path.
func (c *SwapGroupCoordinator) WaitForAllWindowsOpen(timeout time.Duration) error {
	b := c.barrier

	if b.opts.Role == Master {
		pending := make(map[string]*Node)
		for name, node := range b.nodes {
			if node.Participates() && !b.earlyWindows[name] {
				pending[name] = node
			}
		}
		b.earlyWindows = make(map[string]bool)

		deadline := time.Now().Add(timeout)
		for len(pending) > 0 {
			msg, ok := b.receive(deadline, "window creation", pending)
			if !ok {
				return fmt.Errorf("cluster: %s did not open windows within %s", nodeNames(pending), timeout)
			}

			switch msg.Type {
			case transport.WindowsCreated:
				delete(pending, msg.From)
			case transport.Connected:
				b.peerConnected(msg.From, string(msg.Payload))
			case transport.Disconnected:
				// Losing a node during startup is fatal, unlike the
				// per-frame barrier.
				return fmt.Errorf("cluster: node %s disconnected during startup", msg.From)
			default:
				logger.Debugf("unexpected %s message during startup barrier", msg.Type)
			}
		}

		if err := c.tr.Broadcast(transport.Message{Type: transport.StartGroup}); err != nil {
			return fmt.Errorf("cluster: start-group broadcast failed: %w", err)
		}
		return c.joinAndEnable()
	}

	// Client: announce our windows, then wait for the cluster-wide release.
	master := b.masterNode()
	if master == nil {
		return c.joinAndEnable()
	}
	if err := c.tr.Send(master.Name, transport.Message{Type: transport.WindowsCreated}); err != nil {
		return fmt.Errorf("cluster: windows-created send failed: %w", err)
	}

	deadline := time.Now().Add(timeout)
	pending := map[string]*Node{master.Name: master}
	for {
		msg, ok := b.receive(deadline, "swap group start", pending)
		if !ok {
			return fmt.Errorf("cluster: master did not start the swap group within %s", timeout)
		}

		switch msg.Type {
		case transport.StartGroup:
			return c.joinAndEnable()
		case transport.Connected:
			b.peerConnected(msg.From, string(msg.Payload))
		case transport.Disconnected:
			if msg.From == master.Name {
				return fmt.Errorf("cluster: master disconnected during startup")
			}
			b.peerDisconnected(msg.From)
		default:
			logger.Debugf("unexpected %s message during startup barrier", msg.Type)
		}
	}
}

// joinAndEnable performs the two driver calls in their required order. The
// join must be complete before the barrier is enabled; running these
// concurrently or reversed destabilizes some GPU drivers.
func (c *SwapGroupCoordinator) joinAndEnable() error {
	if !c.group.Supported() {
		logger.Info("hardware swap group not supported; skipping")
		return nil
	}
	if err := c.group.Join(); err != nil {
		return fmt.Errorf("cluster: swap group join failed: %w", err)
	}
	if err := c.group.EnableBarrier(); err != nil {
		return fmt.Errorf("cluster: swap barrier enable failed: %w", err)
	}
	logger.Notice("hardware swap barrier active")
	return nil
}
