// Package capture implements the screenshot pipeline: pixel readback on the
// render thread, encode and disk write on a bounded pool of background
// workers. The render loop never waits on the filesystem; it only blocks,
// bounded by the pool size, when every capture slot is busy.
package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hn-88/sgct/log"
)

var logger = log.New("capture")

// Source performs the synchronous GPU-side pixel readback. Implementations
// require exclusive access to the graphics context, so ReadPixels must only
// be called from the render thread.
type Source interface {
	ReadPixels(windowID int, src CaptureSource) (*Image, error)
}

// WindowInfo identifies one window to capture.
type WindowInfo struct {
	ID   int
	Name string
	Eye  EyeIndex
}

// Options configures a capture pipeline.
type Options struct {
	// Path is the directory screenshots are written to; default is the
	// working directory.
	Path string

	// Prefix is the leading filename component.
	Prefix string

	// NodeName is inserted after the prefix when AddNodeName is set.
	NodeName    string
	AddNodeName bool

	// AddWindowName inserts the window name into the filename.
	AddWindowName bool

	Format Format

	// BackBuffer selects back-buffer readback (includes masks and warping)
	// instead of the intermediate texture.
	BackBuffer bool

	// Workers is the size of the encode/write pool; 0 selects half the
	// available hardware concurrency, minimum 1.
	Workers int

	// Limits, when set, is the half-open [lo, hi) range of shot indices
	// that produce files. Calls outside the range still advance the index
	// so a sub-range of a longer sequence keeps its numbering.
	Limits *[2]uint64
}

// slot is a reusable worker unit holding at most one in-flight job. The
// running flag is guarded by the pipeline mutex; the pixel buffer is only
// touched by whoever holds the slot (the render thread between acquire and
// submit, one worker afterwards).
type slot struct {
	id       int
	img      *Image
	filename string
	running  bool
}

// Pipeline owns the capture slots and the background workers. Create with
// New, stop with Close; Close drains all in-flight jobs.
type Pipeline struct {
	opts Options

	mu    sync.Mutex
	slots []*slot
	shot  uint64

	free chan *slot
	jobs chan *slot
	wg   sync.WaitGroup

	closeOnce sync.Once

	// beforeWrite, when set, runs at the start of every worker job. Tests use
	// it to hold a slot busy.
	beforeWrite func()
}

// New creates the pipeline and starts its worker pool. Slots are
// pre-allocated, one per worker, and live for the pipeline's lifetime.
func New(opts Options) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = runtime.NumCPU() / 2
		if opts.Workers < 1 {
			opts.Workers = 1
		}
	}

	p := &Pipeline{
		opts: opts,
		free: make(chan *slot, opts.Workers),
		jobs: make(chan *slot),
	}
	for i := 0; i < opts.Workers; i++ {
		s := &slot{id: i, img: &Image{}}
		p.slots = append(p.slots, s)
		p.free <- s
	}

	p.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go p.worker()
	}
	return p
}

// Capture takes a screenshot of the selected windows. An empty id list
// selects every window. The shot index advances exactly once per call, also
// when the index falls outside the configured limits and nothing is written.
// Readback runs on the calling (render) thread; encoding and writing happen
// on the worker pool. Per-window failures are logged and do not affect the
// other windows.
func (p *Pipeline) Capture(src Source, windows []WindowInfo, ids []int) {
	shot := p.nextShot()

	if l := p.opts.Limits; l != nil && (shot < l[0] || shot >= l[1]) {
		logger.Debugf("shot %d outside capture limits [%d, %d)", shot, l[0], l[1])
		return
	}
	if src == nil {
		logger.Warning("no pixel source attached; screenshot skipped")
		return
	}

	for _, win := range windows {
		if !selected(win.ID, ids) {
			continue
		}

		img, err := src.ReadPixels(win.ID, p.captureSource(win.Eye))
		if err != nil {
			logger.Errorf("readback failed for window %d: %v", win.ID, err)
			continue
		}

		s := <-p.free
		p.mu.Lock()
		s.running = true
		p.mu.Unlock()

		s.img.CopyFrom(img)
		s.filename = p.createFilename(win, shot)
		p.jobs <- s
	}
}

// ShotNumber returns the index the next Capture call will use.
func (p *Pipeline) ShotNumber() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shot
}

// SetShotNumber makes the next Capture call use the given index.
func (p *Pipeline) SetShotNumber(n uint64) {
	p.mu.Lock()
	p.shot = n
	p.mu.Unlock()
}

// ResetShotNumber resets the next shot index to 0.
func (p *Pipeline) ResetShotNumber() { p.SetShotNumber(0) }

// Busy returns the number of slots with a job in flight.
func (p *Pipeline) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.running {
			n++
		}
	}
	return n
}

// Close stops the workers after all submitted jobs have been written.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() { close(p.jobs) })
	p.wg.Wait()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for s := range p.jobs {
		p.process(s)

		p.mu.Lock()
		s.running = false
		p.mu.Unlock()
		p.free <- s
	}
}

// process encodes and writes one job. Failures only affect this request.
func (p *Pipeline) process(s *slot) {
	if p.beforeWrite != nil {
		p.beforeWrite()
	}
	start := time.Now()

	f, err := os.Create(s.filename)
	if err != nil {
		logger.Errorf("cannot create %s: %v", s.filename, err)
		return
	}

	if err := s.img.Encode(f, p.opts.Format); err != nil {
		logger.Errorf("encode %s failed: %v", s.filename, err)
		f.Close()
		return
	}

	info, _ := f.Stat()
	if err := f.Close(); err != nil {
		logger.Errorf("write %s failed: %v", s.filename, err)
		return
	}

	size := ""
	if info != nil {
		size = humanize.Bytes(uint64(info.Size())) + ", "
	}
	logger.Infof("wrote %s (%s%s)", s.filename, size, time.Since(start).Round(time.Millisecond))
}

func (p *Pipeline) nextShot() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	shot := p.shot
	p.shot++
	return shot
}

func (p *Pipeline) captureSource(eye EyeIndex) CaptureSource {
	if !p.opts.BackBuffer {
		return Texture
	}
	switch eye {
	case StereoLeft:
		return LeftBackBuffer
	case StereoRight:
		return RightBackBuffer
	}
	return BackBuffer
}

// createFilename builds <prefix>[_<node>][_<window>]_<shot>[_<eye>].<ext>.
func (p *Pipeline) createFilename(win WindowInfo, shot uint64) string {
	parts := make([]string, 0, 5)
	if p.opts.Prefix != "" {
		parts = append(parts, p.opts.Prefix)
	}
	if p.opts.AddNodeName && p.opts.NodeName != "" {
		parts = append(parts, p.opts.NodeName)
	}
	if p.opts.AddWindowName && win.Name != "" {
		parts = append(parts, win.Name)
	}
	parts = append(parts, fmt.Sprintf("%06d", shot))
	if suffix := win.Eye.Suffix(); suffix != "" {
		parts = append(parts, suffix)
	}

	name := strings.Join(parts, "_") + p.opts.Format.Ext()
	return filepath.Join(p.opts.Path, name)
}

func selected(id int, ids []int) bool {
	if len(ids) == 0 {
		return true
	}
	for _, want := range ids {
		if want == id {
			return true
		}
	}
	return false
}
