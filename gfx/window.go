// Package gfx is the graphics-facing layer: GLFW window management, OpenGL
// pixel readback and the (stub) hardware swap-group binding. It is the only
// package besides cmd that links against cgo; the engine and cluster
// packages talk to it through interfaces so they stay testable without a
// display.
package gfx

import (
	"fmt"

	"github.com/go-gl/gl/v2.1/gl"
	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/hn-88/sgct/config"
	"github.com/hn-88/sgct/log"
)

var logger = log.New("gfx")

// Window wraps one native window plus its GL context.
type Window struct {
	id   int
	name string
	win  *glfw.Window
}

// ID returns the window's index within this node.
func (w *Window) ID() int { return w.id }

// Name returns the configured window name.
func (w *Window) Name() string { return w.name }

// SwapBuffers presents the back buffer.
func (w *Window) SwapBuffers() { w.win.SwapBuffers() }

// ShouldClose reports whether the user asked the window to close.
func (w *Window) ShouldClose() bool { return w.win.ShouldClose() }

// MakeContextCurrent binds the window's GL context to the calling thread.
func (w *Window) MakeContextCurrent() { w.win.MakeContextCurrent() }

// FramebufferSize returns the drawable size in pixels.
func (w *Window) FramebufferSize() (int, int) { return w.win.GetFramebufferSize() }

// Open initializes GLFW and creates all configured windows. The first
// window's context is made current and shared with the others. Call on the
// render thread only.
func Open(windows []config.WindowConfig, swapInterval int) ([]*Window, error) {
	if err := glfw.Init(); err != nil {
		return nil, fmt.Errorf("gfx: failed to initialize glfw: %w", err)
	}

	glfw.WindowHint(glfw.Resizable, glfw.False)
	glfw.WindowHint(glfw.ContextVersionMajor, 2)
	glfw.WindowHint(glfw.ContextVersionMinor, 1)

	var out []*Window
	var share *glfw.Window
	for i, cfg := range windows {
		var monitor *glfw.Monitor
		if cfg.Fullscreen {
			monitor = glfw.GetPrimaryMonitor()
		}
		win, err := glfw.CreateWindow(cfg.Width, cfg.Height, cfg.Name, monitor, share)
		if err != nil {
			Terminate()
			return nil, fmt.Errorf("gfx: could not create window %q: %w", cfg.Name, err)
		}
		if share == nil {
			share = win
		}
		out = append(out, &Window{id: i, name: cfg.Name, win: win})
	}

	if len(out) > 0 {
		out[0].MakeContextCurrent()
		if err := gl.Init(); err != nil {
			Terminate()
			return nil, fmt.Errorf("gfx: could not init opengl: %w", err)
		}
		glfw.SwapInterval(swapInterval)
	}

	logger.Infof("created %d window(s)", len(out))
	return out, nil
}

// PollEvents pumps the GLFW event queue. Render thread only.
func PollEvents() { glfw.PollEvents() }

// Terminate releases all GLFW resources.
func Terminate() { glfw.Terminate() }
