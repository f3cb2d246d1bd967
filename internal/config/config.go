// Package config handles loading and validating the config.toml configuration file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/iyulab/plcguard/internal/platform"
)

// Host names accepted by platform.host.
const (
	HostLinux = "linux"
	HostSim   = "sim"
)

// Config is the top-level configuration.
type Config struct {
	Platform PlatformConfig `toml:"platform"`
	IO       IOConfig       `toml:"io"`
	DR       DRConfig       `toml:"dr"`
	Map      MapConfig      `toml:"map"`
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Journal  JournalConfig  `toml:"journal"`
}

// PlatformConfig selects the SoC layout and the host adapter.
type PlatformConfig struct {
	SoC  string `toml:"soc"`
	Host string `toml:"host"`
}

// BlockConfig overrides one protected block of the layout.
type BlockConfig struct {
	Name string `toml:"name"`
	Base uint64 `toml:"base"`
	Size uint32 `toml:"size"`
}

// IOConfig configures the I/O configuration monitor.
type IOConfig struct {
	Enabled     bool `toml:"enabled"`
	IntervalMS  int  `toml:"interval_ms"`
	ReadWaitMS  int  `toml:"read_wait_ms"`
	WriteWaitMS int  `toml:"write_wait_ms"`
	// RuntimePID is the PLC runtime process whose accesses are watched.
	RuntimePID int `toml:"runtime_pid"`
	// RuntimeBase is the virtual address of the pin controller inside the runtime.
	RuntimeBase uint64        `toml:"runtime_base"`
	Blocks      []BlockConfig `toml:"blocks"`
}

// DRConfig configures the debug-register monitor.
type DRConfig struct {
	Enabled              bool `toml:"enabled"`
	IntervalMS           int  `toml:"interval_ms"`
	DisableUserInterface bool `toml:"disable_user_interface"`
}

// MapConfig configures the memory-mapping monitor.
type MapConfig struct {
	Enabled  bool   `toml:"enabled"`
	Mode     string `toml:"mode"`
	MaxPages int    `toml:"max_pages"`
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // auto, console or json
}

// ServerConfig configures the local status server.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// JournalConfig sizes the in-memory detection journal.
type JournalConfig struct {
	Capacity int `toml:"capacity"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() *Config {
	return &Config{
		Platform: PlatformConfig{SoC: "bcm2835", Host: HostLinux},
		IO: IOConfig{
			Enabled:     true,
			IntervalMS:  50,
			ReadWaitMS:  15,
			WriteWaitMS: 4500,
		},
		DR: DRConfig{
			Enabled:              true,
			IntervalMS:           50,
			DisableUserInterface: true,
		},
		Map:     MapConfig{Enabled: true, Mode: "passive", MaxPages: 4096},
		Log:     LogConfig{Level: "info", Format: "auto"},
		Server:  ServerConfig{Addr: "127.0.0.1:8743"},
		Journal: JournalConfig{Capacity: 256},
	}
}

// Load reads a config.toml file and returns a validated Config.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s\n  Create one with: cp config.example.toml config.toml", path)
		}
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment variable overrides for values that differ per deployment.
func (c *Config) applyEnv() error {
	if mode := os.Getenv("PLCGUARD_MAP_MODE"); mode != "" {
		c.Map.Mode = mode
	}
	if level := os.Getenv("PLCGUARD_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if pid := os.Getenv("PLCGUARD_RUNTIME_PID"); pid != "" {
		n, err := strconv.Atoi(pid)
		if err != nil {
			return fmt.Errorf("%w: PLCGUARD_RUNTIME_PID=%q is not a number", platform.ErrInvalidConfig, pid)
		}
		c.IO.RuntimePID = n
	}
	return nil
}

// Validate checks a configuration built without Load.
func (c *Config) Validate() error {
	return c.validate()
}

func (c *Config) validate() error {
	c.Platform.SoC = strings.ToLower(c.Platform.SoC)
	c.Platform.Host = strings.ToLower(c.Platform.Host)
	c.Map.Mode = strings.ToLower(c.Map.Mode)
	c.Log.Format = strings.ToLower(c.Log.Format)

	if _, ok := platform.Lookup(c.Platform.SoC); !ok {
		return fmt.Errorf("%w: unsupported platform.soc %q (want one of %s)",
			platform.ErrInvalidConfig, c.Platform.SoC, strings.Join(platform.Names(), ", "))
	}
	switch c.Platform.Host {
	case HostLinux, HostSim:
	default:
		return fmt.Errorf("%w: unsupported platform.host %q (linux, sim)", platform.ErrInvalidConfig, c.Platform.Host)
	}

	intervals := []struct {
		key string
		v   int
	}{
		{"io.interval_ms", c.IO.IntervalMS},
		{"io.read_wait_ms", c.IO.ReadWaitMS},
		{"io.write_wait_ms", c.IO.WriteWaitMS},
		{"dr.interval_ms", c.DR.IntervalMS},
	}
	for _, iv := range intervals {
		if iv.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", platform.ErrInvalidConfig, iv.key, iv.v)
		}
	}

	switch c.Map.Mode {
	case "passive", "active":
	default:
		return fmt.Errorf("%w: unsupported map.mode %q (passive, active)", platform.ErrInvalidConfig, c.Map.Mode)
	}
	if c.Map.MaxPages <= 0 {
		return fmt.Errorf("%w: map.max_pages must be positive", platform.ErrInvalidConfig)
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil || c.Log.Level == "" {
		return fmt.Errorf("%w: unsupported log.level %q", platform.ErrInvalidConfig, c.Log.Level)
	}
	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("%w: unsupported log.format %q (auto, console, json)", platform.ErrInvalidConfig, c.Log.Format)
	}

	if c.Journal.Capacity <= 0 {
		return fmt.Errorf("%w: journal.capacity must be positive", platform.ErrInvalidConfig)
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required when the server is enabled", platform.ErrInvalidConfig)
	}

	layout, err := c.Layout()
	if err != nil {
		return err
	}
	if err := layout.Validate(); err != nil {
		return err
	}

	if c.IO.Enabled && c.Platform.Host == HostLinux {
		if c.IO.RuntimeBase == 0 {
			return fmt.Errorf("%w: io.runtime_base is required when io is enabled on a linux host", platform.ErrInvalidConfig)
		}
		if c.IO.RuntimePID <= 0 {
			return fmt.Errorf("%w: io.runtime_pid is required when io is enabled on a linux host", platform.ErrInvalidConfig)
		}
	}
	return nil
}

// Layout returns the configured SoC layout with any [[io.blocks]] applied.
func (c *Config) Layout() (platform.Layout, error) {
	layout, ok := platform.Lookup(c.Platform.SoC)
	if !ok {
		return platform.Layout{}, fmt.Errorf("%w: unknown soc %q", platform.ErrInvalidConfig, c.Platform.SoC)
	}
	if len(c.IO.Blocks) == 0 {
		return layout, nil
	}
	blocks := make([]platform.Block, len(c.IO.Blocks))
	for i, b := range c.IO.Blocks {
		name := b.Name
		if name == "" {
			name = fmt.Sprintf("block%d", i)
		}
		blocks[i] = platform.Block{Name: name, Base: b.Base, Size: b.Size}
	}
	return layout.WithRegion(blocks), nil
}

// IOInterval returns the I/O sampling period.
func (c *Config) IOInterval() time.Duration { return ms(c.IO.IntervalMS) }

// ReadWait returns how long an output pin is observed before it is trusted.
func (c *Config) ReadWait() time.Duration { return ms(c.IO.ReadWaitMS) }

// WriteWait returns how long an input pin is observed before it is trusted.
func (c *Config) WriteWait() time.Duration { return ms(c.IO.WriteWaitMS) }

// DRInterval returns the debug-register sampling period.
func (c *Config) DRInterval() time.Duration { return ms(c.DR.IntervalMS) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
