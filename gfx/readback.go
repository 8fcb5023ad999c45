package gfx

import (
	"fmt"

	"github.com/go-gl/gl/v2.1/gl"

	"github.com/hn-88/sgct/capture"
)

// Readback reads pixels out of window back buffers for the screenshot
// pipeline. It implements capture.Source. Readback needs exclusive access
// to the GL context, so all calls must come from the render thread; the
// pipeline guarantees this by reading back synchronously before handing the
// copy to its workers.
type Readback struct {
	windows []*Window

	// Transfer buffer reused between reads; the pipeline copies out of it
	// before the next call can overwrite it.
	img *capture.Image
}

// NewReadback creates the pixel source for the given windows.
func NewReadback(windows []*Window) *Readback {
	return &Readback{windows: windows, img: &capture.Image{}}
}

// ReadPixels grabs the requested buffer of one window as a top-row-first
// RGBA image. The returned image is only valid until the next call.
func (r *Readback) ReadPixels(windowID int, src capture.CaptureSource) (*capture.Image, error) {
	if windowID < 0 || windowID >= len(r.windows) {
		return nil, fmt.Errorf("gfx: no window with id %d", windowID)
	}
	win := r.windows[windowID]
	win.MakeContextCurrent()

	w, h := win.FramebufferSize()
	if need := w * h * 4; cap(r.img.Pix) < need {
		r.img.Pix = make([]byte, need)
	} else {
		r.img.Pix = r.img.Pix[:need]
	}
	r.img.W, r.img.H = w, h

	switch src {
	case capture.LeftBackBuffer:
		gl.ReadBuffer(gl.BACK_LEFT)
	case capture.RightBackBuffer:
		gl.ReadBuffer(gl.BACK_RIGHT)
	default:
		gl.ReadBuffer(gl.BACK)
	}

	gl.PixelStorei(gl.PACK_ALIGNMENT, 1)
	gl.ReadPixels(0, 0, int32(w), int32(h), gl.RGBA, gl.UNSIGNED_BYTE, gl.Ptr(r.img.Pix))

	// GL hands rows back bottom-up.
	r.img.FlipVertical()
	return r.img, nil
}
