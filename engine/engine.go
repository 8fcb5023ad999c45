// Package engine drives one cluster node through the synchronized render
// loop: per-frame callbacks, the two-phase frame lock, statistics and the
// screenshot pipeline. An Engine is an explicit context object created with
// Create; only one instance may be live at a time.
package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hn-88/sgct/capture"
	"github.com/hn-88/sgct/cluster"
	"github.com/hn-88/sgct/config"
	"github.com/hn-88/sgct/log"
	"github.com/hn-88/sgct/transport"
)

var logger = log.New("engine")

// Window is the engine's view of one native window. The graphics layer
// provides the real implementation; tests use fakes.
type Window interface {
	ID() int
	Name() string
	SwapBuffers()
	ShouldClose() bool
}

// RenderData is passed to the draw callbacks.
type RenderData struct {
	Window      Window
	FrameNumber uint64

	// Dt is the previous frame's delta time in seconds.
	Dt float64
}

// Callbacks holds the optional per-frame handler slots. A nil entry is a
// valid no-op. Handler errors are logged and the frame continues unless the
// error wraps ErrFatal, in which case the loop terminates after the current
// frame has completed.
type Callbacks struct {
	// PreWindow runs before any window is created.
	PreWindow func() error

	// InitGL runs once after all windows and contexts exist.
	InitGL func() error

	// PreSync runs before the state fence each frame. On the master this is
	// the place to update the shared application state.
	PreSync func() error

	// PostSyncPreDraw runs after the state fence, before drawing.
	PostSyncPreDraw func() error

	// Draw renders the scene, once per window.
	Draw func(RenderData) error

	// Draw2D renders overlays after Draw, once per window.
	Draw2D func(RenderData) error

	// PostDraw runs after the present fence, before the buffer swap.
	PostDraw func() error

	// Cleanup runs during shutdown while the contexts are still alive.
	Cleanup func() error

	// Encode serializes the shared state broadcast by the master each
	// frame; Decode applies it on the clients. The content is opaque to the
	// engine, but the pair must be symmetric.
	Encode func() []byte
	Decode func([]byte)

	// Status is notified when a peer's connection state changes.
	Status func(node string, connected bool)
}

// Deps are the external collaborators an Engine is wired to. Transport is
// required; everything else has a working zero value.
type Deps struct {
	// Transport carries the cluster barrier traffic.
	Transport transport.Transport

	// OpenWindows creates this node's windows during startup. Nil runs the
	// loop headless (no windows, nothing to present).
	OpenWindows func() ([]Window, error)

	// PollEvents pumps the windowing system's event queue once per frame.
	PollEvents func()

	// SwapGroup is the hardware swap-lock binding; nil means unsupported.
	SwapGroup cluster.SwapGroup

	// Source performs pixel readback for screenshots.
	Source capture.Source
}

// live enforces the one-instance-at-a-time rule.
var live atomic.Bool

// Engine runs the synchronized frame loop for this node. All methods except
// Terminate, TakeScreenshot and the screenshot-number accessors must be
// called from the goroutine that calls Exec (the render thread).
type Engine struct {
	cfg       *config.Config
	callbacks Callbacks
	deps      Deps

	isMaster bool
	nodeName string

	barrier   *cluster.SyncBarrier
	swapGroup *cluster.SwapGroupCoordinator
	pipeline  *capture.Pipeline

	windows []Window
	stats   Statistics
	state   State

	frame         atomic.Uint64
	terminateFlag atomic.Bool
	destroyed     atomic.Bool

	// Screenshot request latch, set from any thread, consumed once per
	// frame at the capture point.
	shotMu        sync.Mutex
	shotRequested bool
	shotIDs       []int

	statsVisible atomic.Bool
}

// Create builds the Engine for this process. It fails with ErrAlreadyCreated
// while a previous instance has not been destroyed, and with ErrNoTransport
// when deps carries no transport.
func Create(cfg *config.Config, callbacks Callbacks, deps Deps) (*Engine, error) {
	if deps.Transport == nil {
		return nil, ErrNoTransport
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !live.CompareAndSwap(false, true) {
		return nil, ErrAlreadyCreated
	}

	e := &Engine{
		cfg:       cfg,
		callbacks: callbacks,
		deps:      deps,
		isMaster:  cfg.IsMaster(),
		nodeName:  cfg.Cluster.ThisNode,
		state:     Uninitialized,
	}

	role := cluster.Client
	if e.isMaster {
		role = cluster.Master
	}
	action := cluster.DropNode
	if cfg.Settings.TimeoutPolicy.Action == "abort" {
		action = cluster.Abort
	}
	masterName := ""
	if !e.isMaster && len(cfg.Cluster.Nodes) > 0 {
		masterName = cfg.Cluster.Nodes[0].Name
	}

	e.barrier = cluster.NewSyncBarrier(deps.Transport, cluster.Options{
		Role:       role,
		NodeName:   e.nodeName,
		MasterName: masterName,
		Clients:    clientsFor(cfg, e.isMaster),
		Timeout:    time.Duration(cfg.Settings.SyncTimeout * float64(time.Second)),
		Policy: cluster.TimeoutPolicy{
			MaxConsecutive: cfg.Settings.TimeoutPolicy.MaxConsecutive,
			Action:         action,
		},
		PrintSyncMessage: cfg.Settings.PrintSyncMessage,
		Encode:           callbacks.Encode,
		Decode:           callbacks.Decode,
		Status:           callbacks.Status,
	})
	e.swapGroup = cluster.NewSwapGroupCoordinator(deps.Transport, e.barrier, deps.SwapGroup)

	format, err := capture.ParseFormat(cfg.Capture.Format)
	if err != nil {
		live.Store(false)
		return nil, err
	}
	var limits *[2]uint64
	if l := cfg.Capture.Limits; l != nil {
		limits = &[2]uint64{l.From, l.To}
	}
	e.pipeline = capture.New(capture.Options{
		Path:          cfg.Capture.Path,
		Prefix:        cfg.Capture.Prefix,
		NodeName:      e.nodeName,
		AddNodeName:   cfg.Capture.AddNodeName,
		AddWindowName: cfg.Capture.AddWindowName,
		Format:        format,
		BackBuffer:    cfg.Settings.CaptureBackBuffer,
		Workers:       cfg.Capture.Threads,
		Limits:        limits,
	})

	return e, nil
}

func clientsFor(cfg *config.Config, isMaster bool) []string {
	if !isMaster {
		return nil
	}
	return cfg.ClientNames()
}

// Destroy tears the instance down and releases the single-instance guard,
// allowing a new Engine to be created. Calling it twice is a no-op.
func (e *Engine) Destroy() {
	if e.destroyed.Swap(true) {
		return
	}
	e.pipeline.Close()
	_ = e.deps.Transport.Close()
	e.state = Destroyed
	live.Store(false)
}

// Terminate requests shutdown. Safe to call from any goroutine; the request
// is honored at the next iteration boundary so the current frame's phases
// always run to completion and no node leaves a frame half-applied.
func (e *Engine) Terminate() {
	e.terminateFlag.Store(true)
}

// IsMaster reports whether this node is the cluster master. A node outside
// any cluster counts as master.
func (e *Engine) IsMaster() bool { return e.isMaster }

// CurrentFrameNumber returns the monotonically increasing, never repeating
// frame counter. Safe to read from any goroutine.
func (e *Engine) CurrentFrameNumber() uint64 { return e.frame.Load() }

// State returns the sequencer state. Render thread only.
func (e *Engine) State() State { return e.state }

// Statistics returns the collected frame timings. Render thread only; the
// returned pointer stays valid until Destroy.
func (e *Engine) Statistics() *Statistics { return &e.stats }

// SetStatsVisibility toggles whether a consumer renders the statistics.
// Recording continues regardless; the state is cheap to keep.
func (e *Engine) SetStatsVisibility(v bool) { e.statsVisible.Store(v) }

// StatsVisible reports the statistics visibility flag.
func (e *Engine) StatsVisible() bool { return e.statsVisible.Load() }

// Windows returns this node's windows. Valid after startup completed.
func (e *Engine) Windows() []Window { return e.windows }

// Barrier exposes the cluster barrier, mainly for peer-state inspection.
func (e *Engine) Barrier() *cluster.SyncBarrier { return e.barrier }

// TakeScreenshot requests a capture of the given windows during the next
// frame, before the buffer swap. An empty id list captures every window.
// The shot index advances once per captured frame, not per window. Safe to
// call from any goroutine.
func (e *Engine) TakeScreenshot(windowIDs ...int) error {
	if e.destroyed.Load() {
		return ErrDestroyed
	}
	e.shotMu.Lock()
	e.shotRequested = true
	e.shotIDs = append([]int(nil), windowIDs...)
	e.shotMu.Unlock()
	return nil
}

// ScreenshotNumber returns the index the next screenshot will use.
func (e *Engine) ScreenshotNumber() uint64 { return e.pipeline.ShotNumber() }

// SetScreenshotNumber makes the next screenshot use the given index.
func (e *Engine) SetScreenshotNumber(n uint64) { e.pipeline.SetShotNumber(n) }

// ResetScreenshotNumber resets the next screenshot index to 0.
func (e *Engine) ResetScreenshotNumber() { e.pipeline.ResetShotNumber() }
