package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/hn-88/sgct/capture"
)

// State identifies where the frame sequencer currently is. The per-frame
// states cycle once per iteration; the remaining ones are traversed exactly
// once per Engine lifetime.
type State int

const (
	Uninitialized State = iota
	PreWindow
	Initialized
	PreSync
	NetworkSyncPre
	PostSyncPreDraw
	Draw
	Draw2D
	NetworkSyncPost
	PostDraw
	Terminating
	Destroyed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case PreWindow:
		return "pre-window"
	case Initialized:
		return "initialized"
	case PreSync:
		return "pre-sync"
	case NetworkSyncPre:
		return "network-sync-pre"
	case PostSyncPreDraw:
		return "post-sync-pre-draw"
	case Draw:
		return "draw"
	case Draw2D:
		return "draw-2d"
	case NetworkSyncPost:
		return "network-sync-post"
	case PostDraw:
		return "post-draw"
	case Terminating:
		return "terminating"
	case Destroyed:
		return "destroyed"
	}
	return "unknown"
}

// Exec runs startup and then the render loop on the calling goroutine,
// which becomes the render thread: the only thread allowed to touch the
// graphics context. It returns after Terminate was honored, every window
// asked to close, or a fatal error occurred.
func (e *Engine) Exec() error {
	if e.destroyed.Load() {
		return ErrDestroyed
	}
	if e.state != Uninitialized {
		return fmt.Errorf("engine: Exec called twice (state %s)", e.state)
	}

	if err := e.startup(); err != nil {
		return err
	}

	var loopErr error
	for !e.terminateFlag.Load() {
		if err := e.frameIteration(); err != nil {
			loopErr = err
			break
		}
		for _, w := range e.windows {
			if w.ShouldClose() {
				e.terminateFlag.Store(true)
			}
		}
	}

	e.state = Terminating
	logger.Notice("render loop terminating")
	e.invoke("cleanup", e.callbacks.Cleanup)
	return loopErr
}

// startup walks Uninitialized -> PreWindow -> Initialized: connect the
// cluster, create the windows, run the one-time swap-group barrier. Any
// failure here aborts before the first frame.
func (e *Engine) startup() error {
	startupTimeout := time.Duration(e.cfg.Settings.SyncTimeout * float64(time.Second))
	if err := e.barrier.WaitForCluster(startupTimeout); err != nil {
		return err
	}

	e.state = PreWindow
	if err := e.invokeFailable("pre-window", e.callbacks.PreWindow); err != nil {
		return err
	}

	if e.deps.OpenWindows != nil {
		windows, err := e.deps.OpenWindows()
		if err != nil {
			return fmt.Errorf("engine: window creation failed: %w", err)
		}
		e.windows = windows
	}

	if err := e.invokeFailable("init-gl", e.callbacks.InitGL); err != nil {
		return err
	}

	if err := e.swapGroup.WaitForAllWindowsOpen(startupTimeout); err != nil {
		return err
	}

	e.state = Initialized
	logger.Noticef("startup complete; running as %s with %d window(s)",
		map[bool]string{true: "master", false: "client"}[e.isMaster], len(e.windows))
	return nil
}

// frameIteration runs one full pass of the per-frame state machine. The
// frame counter advances by exactly 1 on every pass regardless of callback
// errors; only fatal errors end the loop, and even then the current frame
// has fully completed first.
func (e *Engine) frameIteration() error {
	frame := e.frame.Load()
	var fatal error
	record := func(err error) {
		if err != nil && fatal == nil {
			fatal = err
		}
	}

	e.state = PreSync
	record(e.invoke("pre-sync", e.callbacks.PreSync))

	e.state = NetworkSyncPre
	syncStart := time.Now()
	record(e.syncError(e.barrier.PreStage(frame)))
	syncDuration := time.Since(syncStart)

	e.state = PostSyncPreDraw
	record(e.invoke("post-sync-pre-draw", e.callbacks.PostSyncPreDraw))

	drawStart := time.Now()
	e.state = Draw
	if e.callbacks.Draw != nil {
		for _, w := range e.windows {
			record(e.invoke("draw", func() error {
				return e.callbacks.Draw(e.renderData(w, frame))
			}))
		}
	}

	e.state = Draw2D
	if e.callbacks.Draw2D != nil {
		for _, w := range e.windows {
			record(e.invoke("draw-2d", func() error {
				return e.callbacks.Draw2D(e.renderData(w, frame))
			}))
		}
	}
	e.stats.RecordDraw(time.Since(drawStart))

	e.state = NetworkSyncPost
	postStart := time.Now()
	record(e.syncError(e.barrier.PostStage(frame)))
	e.stats.RecordSync(syncDuration + time.Since(postStart))
	e.stats.RecordLoopBounds(e.barrier.LoopBounds())

	e.state = PostDraw
	record(e.invoke("post-draw", e.callbacks.PostDraw))

	// Pending screenshot requests are served from the finished frame,
	// before its buffers are swapped away.
	e.serveScreenshot()

	for _, w := range e.windows {
		w.SwapBuffers()
	}
	if e.deps.PollEvents != nil {
		e.deps.PollEvents()
	}

	e.stats.RecordFrame(time.Now())
	e.frame.Add(1)
	return fatal
}

func (e *Engine) renderData(w Window, frame uint64) RenderData {
	return RenderData{Window: w, FrameNumber: frame, Dt: e.stats.Dt()}
}

// serveScreenshot consumes the capture latch once per frame.
func (e *Engine) serveScreenshot() {
	e.shotMu.Lock()
	requested := e.shotRequested
	ids := e.shotIDs
	e.shotRequested = false
	e.shotIDs = nil
	e.shotMu.Unlock()

	if !requested {
		return
	}

	windows := make([]capture.WindowInfo, 0, len(e.windows))
	for _, w := range e.windows {
		windows = append(windows, capture.WindowInfo{ID: w.ID(), Name: w.Name()})
	}
	e.pipeline.Capture(e.deps.Source, windows, ids)
}

// invoke runs an optional callback, logging any non-fatal error. The
// returned error is non-nil only for fatal failures.
func (e *Engine) invoke(name string, fn func() error) error {
	if fn == nil {
		return nil
	}
	err := fn()
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrFatal) {
		logger.Criticalf("%s callback failed fatally: %v", name, err)
		return err
	}
	logger.Errorf("%s callback failed: %v", name, err)
	return nil
}

// invokeFailable runs a startup callback whose failure aborts startup.
func (e *Engine) invokeFailable(name string, fn func() error) error {
	if fn == nil {
		return nil
	}
	if err := fn(); err != nil {
		return fmt.Errorf("engine: %s callback failed: %w", name, err)
	}
	return nil
}

// syncError separates the barrier's fatal abort from its degrade paths.
func (e *Engine) syncError(err error) error {
	if err == nil {
		return nil
	}
	logger.Errorf("barrier error: %v", err)
	return err
}
