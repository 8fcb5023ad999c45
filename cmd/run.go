package cmd

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-gl/gl/v2.1/gl"
	jsoniter "github.com/json-iterator/go"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/hn-88/sgct/capture"
	"github.com/hn-88/sgct/config"
	"github.com/hn-88/sgct/engine"
	"github.com/hn-88/sgct/gfx"
	"github.com/hn-88/sgct/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// sharedState is the demo application state the master broadcasts each
// frame: a clock and a slowly pulsing clear color.
type sharedState struct {
	Time  float64    `json:"time"`
	Color [3]float32 `json:"color"`
}

// deferredSource adapts the readback source, which can only be constructed
// after the windows exist, to the engine dependency wired at create time.
type deferredSource struct {
	src capture.Source
}

func (d *deferredSource) ReadPixels(windowID int, src capture.CaptureSource) (*capture.Image, error) {
	if d.src == nil {
		return nil, fmt.Errorf("no windows open")
	}
	return d.src.ReadPixels(windowID, src)
}

// Run executes the synchronized render loop for one node.
func Run(ctx *cli.Context) error {
	setupLogging(ctx)

	cfg := config.Default()
	if path := ctx.String("config"); path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
	}
	if node := ctx.String("node"); node != "" {
		cfg.Cluster.ThisNode = node
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	tr, err := openTransport(cfg)
	if err != nil {
		return err
	}

	var eng *engine.Engine
	state := &sharedState{}
	start := time.Now()
	source := &deferredSource{}
	maxFrames := uint64(ctx.Int("frames"))
	shotEvery := uint64(ctx.Int("screenshot-every"))

	callbacks := engine.Callbacks{
		PreSync: func() error {
			if cfg.IsMaster() {
				state.Time = time.Since(start).Seconds()
				state.Color = [3]float32{
					0.5 + 0.5*float32(math.Sin(state.Time)),
					0.5 + 0.5*float32(math.Sin(state.Time*0.7)),
					0.5 + 0.5*float32(math.Sin(state.Time*1.3)),
				}
			}
			return nil
		},
		Encode: func() []byte {
			payload, err := json.Marshal(state)
			if err != nil {
				logger.Errorf("state encode failed: %v", err)
				return nil
			}
			return payload
		},
		Decode: func(payload []byte) {
			if err := json.Unmarshal(payload, state); err != nil {
				logger.Errorf("state decode failed: %v", err)
			}
		},
		Draw: func(rd engine.RenderData) error {
			if w, ok := rd.Window.(*gfx.Window); ok {
				w.MakeContextCurrent()
			}
			gl.ClearColor(state.Color[0], state.Color[1], state.Color[2], 1.0)
			gl.Clear(gl.COLOR_BUFFER_BIT)
			return nil
		},
		PostDraw: func() error {
			if eng == nil {
				return nil
			}
			frame := eng.CurrentFrameNumber()
			if shotEvery > 0 && frame%shotEvery == 0 {
				_ = eng.TakeScreenshot()
			}
			if maxFrames > 0 && frame+1 >= maxFrames {
				eng.Terminate()
			}
			return nil
		},
		Status: func(node string, connected bool) {
			logger.Noticef("node %s is now %s", node, map[bool]string{true: "connected", false: "disconnected"}[connected])
		},
	}

	deps := engine.Deps{
		Transport:  tr,
		SwapGroup:  gfx.SwapGroup(),
		Source:     source,
		PollEvents: gfx.PollEvents,
		OpenWindows: func() ([]engine.Window, error) {
			windows, err := gfx.Open(cfg.Windows, cfg.Settings.SwapInterval)
			if err != nil {
				return nil, err
			}
			source.src = gfx.NewReadback(windows)
			out := make([]engine.Window, len(windows))
			for i, w := range windows {
				out[i] = w
			}
			return out, nil
		},
	}

	eng, err = engine.Create(cfg, callbacks, deps)
	if err != nil {
		return err
	}
	defer gfx.Terminate()
	defer eng.Destroy()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Notice("interrupt received; terminating after the current frame")
		eng.Terminate()
	}()

	execErr := eng.Exec()
	displayFrameStats(eng)
	return execErr
}

// openTransport picks the transport matching this node's role: listener for
// the master, dialer for clients, an in-process loopback when running
// standalone.
func openTransport(cfg *config.Config) (transport.Transport, error) {
	if len(cfg.Cluster.Nodes) == 0 {
		return transport.NewHub().Join("standalone"), nil
	}

	timeout := time.Duration(cfg.Settings.SyncTimeout * float64(time.Second))
	if cfg.IsMaster() {
		return transport.Listen(cfg.Cluster.Nodes[0].Name, cfg.Cluster.MasterAddress)
	}
	return transport.Dial(cfg.Cluster.ThisNode, cfg.Cluster.MasterAddress, timeout)
}

func displayFrameStats(eng *engine.Engine) {
	stats := eng.Statistics()
	if stats.Samples() == 0 {
		return
	}

	ms := func(v float64) string { return fmt.Sprintf("%.2f ms", v*1000) }

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Metric", "Value"})
	table.Append([]string{"Frames", fmt.Sprintf("%d", eng.CurrentFrameNumber())})
	table.Append([]string{"Frame time (avg)", ms(stats.AvgDt())})
	table.Append([]string{"Frame time (min)", ms(stats.MinDt())})
	table.Append([]string{"Frame time (max)", ms(stats.MaxDt())})
	table.Append([]string{"Draw time (last)", ms(stats.DrawTimes[0])})
	table.Append([]string{"Sync time (last)", ms(stats.SyncTimes[0])})
	table.Append([]string{"Sync loop (min/max)", ms(stats.LoopTimeMin[0]) + " / " + ms(stats.LoopTimeMax[0])})
	table.Render()

	logger.Noticef("frame statistics\n%s", buf.String())
}
