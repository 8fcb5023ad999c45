package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config describes a complete cluster setup for one run: which nodes take
// part, how the per-frame barrier behaves, where screenshots go and which
// windows this node opens.
type Config struct {
	Cluster  ClusterConfig  `yaml:"cluster"`
	Settings SettingsConfig `yaml:"settings"`
	Capture  CaptureConfig  `yaml:"capture"`
	Windows  []WindowConfig `yaml:"windows"`
}

// ClusterConfig lists the participating nodes. The first address is always
// the master; every other entry is a client. A single-node setup may leave
// the node list empty.
type ClusterConfig struct {
	// Name of the node this process runs as. Must match one entry in Nodes
	// (or be empty for a standalone run).
	ThisNode string `yaml:"this_node"`

	MasterAddress string       `yaml:"master_address"`
	Nodes         []NodeConfig `yaml:"nodes"`
}

// NodeConfig identifies one cluster member.
type NodeConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// SettingsConfig contains frame-loop and barrier settings.
type SettingsConfig struct {
	// Swap interval passed to the windowing layer:
	//   -1 = adaptive sync, 0 = vsync off, 1 = wait for vsync, n = every n-th.
	SwapInterval int `yaml:"swap_interval"`

	// Seconds a barrier phase waits for the rest of the cluster before
	// degrading and moving on without the unresponsive peers.
	SyncTimeout float64 `yaml:"sync_timeout"`

	// Log a progress message while blocked waiting for another node.
	PrintSyncMessage bool `yaml:"print_sync_message"`

	// Capture from the back buffer (includes masks/warping) instead of the
	// intermediate texture.
	CaptureBackBuffer bool `yaml:"capture_back_buffer"`

	TimeoutPolicy TimeoutPolicyConfig `yaml:"timeout_policy"`
}

// TimeoutPolicyConfig controls escalation after repeated barrier timeouts
// from the same node. MaxConsecutive = 0 retries every frame indefinitely.
type TimeoutPolicyConfig struct {
	MaxConsecutive int    `yaml:"max_consecutive"`
	Action         string `yaml:"action"` // "drop" or "abort"
}

// CaptureConfig contains screenshot pipeline settings.
type CaptureConfig struct {
	Path          string `yaml:"path"`
	Prefix        string `yaml:"prefix"`
	Format        string `yaml:"format"` // png, tga or jpg
	Threads       int    `yaml:"threads"`
	AddNodeName   bool   `yaml:"add_node_name"`
	AddWindowName bool   `yaml:"add_window_name"`

	// Optional half-open [From, To) range of shot indices that are written
	// to disk. Calls outside the range still advance the counter.
	Limits *LimitsConfig `yaml:"limits"`
}

// LimitsConfig is a half-open shot-index range.
type LimitsConfig struct {
	From uint64 `yaml:"from"`
	To   uint64 `yaml:"to"`
}

// WindowConfig describes one window opened by this node.
type WindowConfig struct {
	Name       string `yaml:"name"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	Fullscreen bool   `yaml:"fullscreen"`
}

// Default returns a configuration for a standalone 1280x720 run with the
// stock barrier and capture settings.
func Default() *Config {
	return &Config{
		Settings: SettingsConfig{
			SwapInterval:     1,
			SyncTimeout:      60.0,
			PrintSyncMessage: true,
			TimeoutPolicy:    TimeoutPolicyConfig{MaxConsecutive: 0, Action: "drop"},
		},
		Capture: CaptureConfig{
			Format:        "png",
			Threads:       max(runtime.NumCPU()/2, 1),
			AddWindowName: true,
		},
		Windows: []WindowConfig{
			{Name: "main", Width: 1280, Height: 720},
		},
	}
}

// Load reads a YAML configuration file, applying defaults for any omitted
// section and validating the result.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsMaster reports whether this process runs as the cluster master. A node
// outside any cluster counts as its own master.
func (c *Config) IsMaster() bool {
	if len(c.Cluster.Nodes) == 0 {
		return true
	}
	return c.Cluster.ThisNode == "" || c.Cluster.ThisNode == c.Cluster.Nodes[0].Name
}

// ClientNames returns the names of all client nodes.
func (c *Config) ClientNames() []string {
	if len(c.Cluster.Nodes) < 2 {
		return nil
	}
	names := make([]string, 0, len(c.Cluster.Nodes)-1)
	for _, n := range c.Cluster.Nodes[1:] {
		names = append(names, n.Name)
	}
	return names
}

// Validate normalizes values and rejects contradictory settings.
func (c *Config) Validate() error {
	if c.Settings.SyncTimeout <= 0 {
		c.Settings.SyncTimeout = 60.0
	}
	if c.Capture.Threads < 1 {
		c.Capture.Threads = max(runtime.NumCPU()/2, 1)
	}

	c.Capture.Format = strings.ToLower(c.Capture.Format)
	switch c.Capture.Format {
	case "", "png":
		c.Capture.Format = "png"
	case "tga", "jpg", "jpeg":
	default:
		return fmt.Errorf("unknown capture format %q", c.Capture.Format)
	}

	switch c.Settings.TimeoutPolicy.Action {
	case "", "drop":
		c.Settings.TimeoutPolicy.Action = "drop"
	case "abort":
	default:
		return fmt.Errorf("unknown timeout policy action %q", c.Settings.TimeoutPolicy.Action)
	}
	if c.Settings.TimeoutPolicy.MaxConsecutive < 0 {
		return fmt.Errorf("timeout policy max_consecutive must be >= 0")
	}

	if l := c.Capture.Limits; l != nil && l.To <= l.From {
		return fmt.Errorf("capture limits: to (%d) must be greater than from (%d)", l.To, l.From)
	}

	if len(c.Cluster.Nodes) > 0 {
		if c.Cluster.MasterAddress == "" {
			c.Cluster.MasterAddress = c.Cluster.Nodes[0].Address
		}
		if c.Cluster.MasterAddress == "" {
			return fmt.Errorf("cluster setup requires a master address")
		}
		seen := make(map[string]bool, len(c.Cluster.Nodes))
		found := c.Cluster.ThisNode == ""
		for _, n := range c.Cluster.Nodes {
			if n.Name == "" {
				return fmt.Errorf("every cluster node needs a name")
			}
			if seen[n.Name] {
				return fmt.Errorf("duplicate node name %q", n.Name)
			}
			seen[n.Name] = true
			if n.Name == c.Cluster.ThisNode {
				found = true
			}
		}
		if !found {
			return fmt.Errorf("this_node %q does not appear in the node list", c.Cluster.ThisNode)
		}
	}

	for i := range c.Windows {
		w := &c.Windows[i]
		if w.Width <= 0 || w.Height <= 0 {
			return fmt.Errorf("window %q: dimensions must be positive", w.Name)
		}
	}

	return nil
}

// Print displays the effective configuration.
func (c *Config) Print() {
	if len(c.Cluster.Nodes) == 0 {
		fmt.Println("Cluster: standalone")
	} else {
		role := "client"
		if c.IsMaster() {
			role = "master"
		}
		fmt.Printf("Cluster: %d node(s), running as %s (%s)\n", len(c.Cluster.Nodes), c.Cluster.ThisNode, role)
	}
	fmt.Printf("Sync: timeout %.1fs, swap interval %d\n", c.Settings.SyncTimeout, c.Settings.SwapInterval)
	if p := c.Settings.TimeoutPolicy; p.MaxConsecutive > 0 {
		fmt.Printf("Timeout policy: %s after %d consecutive timeouts\n", p.Action, p.MaxConsecutive)
	}
	fmt.Printf("Capture: %s, %d worker(s)\n", c.Capture.Format, c.Capture.Threads)
	if c.Capture.Limits != nil {
		fmt.Printf("Capture limits: [%d, %d)\n", c.Capture.Limits.From, c.Capture.Limits.To)
	}
	for _, w := range c.Windows {
		fmt.Printf("Window: %s %dx%d\n", w.Name, w.Width, w.Height)
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
