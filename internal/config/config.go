// Package config loads the daemon's on-disk configuration: section
// layout, reclaim tunables and the dispatcher's socket path. Grounded on
// other_examples/manifests/cuemby-warren's YAML-via-gopkg.in/yaml.v3
// config-file convention. Loaded once at startup and passed down as an
// explicit value (spec.md §9's "treat as a context object explicitly
// passed" instruction), never reached for through a package-level global.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lattice-systems/enclavecore/internal/hw"
	"github.com/lattice-systems/enclavecore/internal/section"
)

// Section mirrors section.SectionDesc in on-disk form.
type Section struct {
	PhysBase  uint64 `yaml:"phys_base"`
	VirtBase  uint64 `yaml:"virt_base"`
	PageCount int    `yaml:"page_count"`
}

// Reclaim mirrors reclaim.Config in on-disk form.
type Reclaim struct {
	BatchSize     int `yaml:"batch_size"`
	LowWatermark  int `yaml:"low_watermark"`
	HighWatermark int `yaml:"high_watermark"`
}

// Init mirrors hwinit.Config in on-disk form.
type Init struct {
	SpinCount  int           `yaml:"spin_count"`
	SleepCount int           `yaml:"sleep_count"`
	SleepTime  time.Duration `yaml:"sleep_time"`
}

// Config is the full daemon configuration (SPEC_FULL.md §6 expansion).
type Config struct {
	Sections    []Section `yaml:"sections"`
	Reclaim     Reclaim   `yaml:"reclaim"`
	Init        Init      `yaml:"init"`
	SocketPath  string    `yaml:"socket_path"`
	MetricsAddr string    `yaml:"metrics_addr"`
}

// Default returns a small, valid configuration suitable for the
// software-simulated hardware backend.
func Default() Config {
	return Config{
		Sections: []Section{
			{PhysBase: 0, VirtBase: 0, PageCount: 256},
		},
		Reclaim:     Reclaim{BatchSize: 16, LowWatermark: 32, HighWatermark: 64},
		Init:        Init{SpinCount: 16, SleepCount: 4, SleepTime: 20 * time.Millisecond},
		SocketPath:  "/var/run/enclaved.sock",
		MetricsAddr: ":9400",
	}
}

// Load reads and validates a YAML config file at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects the config shapes spec.md's component design assumes
// away: zero-size sections, an inverted watermark pair, a zero batch
// size.
func (c Config) Validate() error {
	if len(c.Sections) == 0 {
		return fmt.Errorf("at least one section is required")
	}
	for i, s := range c.Sections {
		if s.PageCount <= 0 {
			return fmt.Errorf("section %d: page_count must be positive", i)
		}
	}
	if c.Reclaim.BatchSize <= 0 {
		return fmt.Errorf("reclaim.batch_size must be positive")
	}
	if c.Reclaim.HighWatermark <= c.Reclaim.LowWatermark {
		return fmt.Errorf("reclaim.high_watermark must exceed low_watermark")
	}
	if c.Init.SpinCount <= 0 || c.Init.SleepCount <= 0 {
		return fmt.Errorf("init.spin_count and init.sleep_count must be positive")
	}
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path is required")
	}
	return nil
}

// SectionDescs converts the on-disk section list to section.SectionDesc,
// the shape section.NewPool expects.
func (c Config) SectionDescs() []section.SectionDesc {
	out := make([]section.SectionDesc, len(c.Sections))
	for i, s := range c.Sections {
		out[i] = section.SectionDesc{
			PhysBase:  hw.Addr(s.PhysBase),
			VirtBase:  uintptr(s.VirtBase),
			PageCount: s.PageCount,
		}
	}
	return out
}
