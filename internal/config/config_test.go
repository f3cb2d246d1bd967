package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/iyulab/plcguard/internal/platform"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeTestConfig(t, `
[platform]
soc  = "BCM2837"
host = "linux"

[io]
enabled       = true
interval_ms   = 20
read_wait_ms  = 10
write_wait_ms = 3000
runtime_pid   = 812
runtime_base  = 0xb6f8a000

[dr]
enabled                = false
interval_ms            = 100
disable_user_interface = false

[map]
mode      = "active"
max_pages = 128

[log]
level  = "debug"
format = "json"

[server]
enabled = true
addr    = "127.0.0.1:9000"

[journal]
capacity = 32
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Platform.SoC != "bcm2837" {
		t.Errorf("soc = %q, want lower-cased bcm2837", cfg.Platform.SoC)
	}
	if cfg.IO.RuntimeBase != 0xb6f8a000 {
		t.Errorf("runtime_base = 0x%x", cfg.IO.RuntimeBase)
	}
	if cfg.IO.RuntimePID != 812 {
		t.Errorf("runtime_pid = %d", cfg.IO.RuntimePID)
	}
	if cfg.IOInterval() != 20*time.Millisecond || cfg.ReadWait() != 10*time.Millisecond || cfg.WriteWait() != 3*time.Second {
		t.Errorf("durations = %v %v %v", cfg.IOInterval(), cfg.ReadWait(), cfg.WriteWait())
	}
	if cfg.DR.Enabled || cfg.DR.DisableUserInterface {
		t.Error("dr section should be disabled")
	}
	if cfg.DRInterval() != 100*time.Millisecond {
		t.Errorf("dr interval = %v", cfg.DRInterval())
	}
	if !cfg.Map.Enabled {
		t.Error("map.enabled should keep its default")
	}
	if cfg.Map.Mode != "active" || cfg.Map.MaxPages != 128 {
		t.Errorf("map = %+v", cfg.Map)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if !cfg.Server.Enabled || cfg.Server.Addr != "127.0.0.1:9000" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Journal.Capacity != 32 {
		t.Errorf("journal.capacity = %d", cfg.Journal.Capacity)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeTestConfig(t, `
[platform]
host = "sim"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Platform.SoC != "bcm2835" {
		t.Errorf("soc = %q, want bcm2835", cfg.Platform.SoC)
	}
	if !cfg.IO.Enabled || !cfg.DR.Enabled || !cfg.Map.Enabled {
		t.Error("all monitors should be enabled by default")
	}
	if cfg.IO.IntervalMS != 50 || cfg.IO.ReadWaitMS != 15 || cfg.IO.WriteWaitMS != 4500 {
		t.Errorf("io defaults = %+v", cfg.IO)
	}
	if cfg.Map.Mode != "passive" || cfg.Map.MaxPages != 4096 {
		t.Errorf("map defaults = %+v", cfg.Map)
	}
	if cfg.Server.Enabled || cfg.Server.Addr != "127.0.0.1:8743" {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Journal.Capacity != 256 {
		t.Errorf("journal.capacity = %d", cfg.Journal.Capacity)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config.example.toml") {
		t.Errorf("error should hint at the example config, got: %v", err)
	}
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeTestConfig(t, `[platform`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown soc", `[platform]
soc = "stm32"
host = "sim"`, "platform.soc"},
		{"unknown host", `[platform]
host = "qemu"`, "platform.host"},
		{"zero interval", `[platform]
host = "sim"
[io]
interval_ms = 0`, "io.interval_ms"},
		{"negative dr interval", `[platform]
host = "sim"
[dr]
interval_ms = -1`, "dr.interval_ms"},
		{"unknown mode", `[platform]
host = "sim"
[map]
mode = "strict"`, "map.mode"},
		{"bad level", `[platform]
host = "sim"
[log]
level = "loud"`, "log.level"},
		{"bad format", `[platform]
host = "sim"
[log]
format = "xml"`, "log.format"},
		{"zero capacity", `[platform]
host = "sim"
[journal]
capacity = 0`, "journal.capacity"},
		{"overlapping blocks", `[platform]
host = "sim"
[[io.blocks]]
name = "a"
base = 0x20200000
size = 8
[[io.blocks]]
name = "b"
base = 0x20200004
size = 8`, "overlap"},
		{"unaligned block", `[platform]
host = "sim"
[[io.blocks]]
base = 0x20200002
size = 4`, "aligned"},
		{"linux without runtime base", `[platform]
host = "linux"
[io]
runtime_pid = 10`, "io.runtime_base"},
		{"linux without runtime pid", `[platform]
host = "linux"
[io]
runtime_base = 0xb6f8a000`, "io.runtime_pid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTestConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, platform.ErrInvalidConfig) {
				t.Errorf("error %v does not wrap ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_LinuxWithIODisabled(t *testing.T) {
	path := writeTestConfig(t, `
[io]
enabled = false
`)
	if _, err := Load(path); err != nil {
		t.Fatalf("io disabled must not require runtime settings: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeTestConfig(t, `
[platform]
host = "sim"
[map]
mode = "passive"
`)
	t.Setenv("PLCGUARD_MAP_MODE", "ACTIVE")
	t.Setenv("PLCGUARD_LOG_LEVEL", "warn")
	t.Setenv("PLCGUARD_RUNTIME_PID", "4242")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Map.Mode != "active" {
		t.Errorf("map.mode = %q, want env override", cfg.Map.Mode)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log.level = %q, want env override", cfg.Log.Level)
	}
	if cfg.IO.RuntimePID != 4242 {
		t.Errorf("runtime_pid = %d, want env override", cfg.IO.RuntimePID)
	}
}

func TestLoad_EnvBadPID(t *testing.T) {
	path := writeTestConfig(t, `[platform]
host = "sim"`)
	t.Setenv("PLCGUARD_RUNTIME_PID", "plc")
	if _, err := Load(path); !errors.Is(err, platform.ErrInvalidConfig) {
		t.Errorf("Load = %v, want ErrInvalidConfig", err)
	}
}

func TestLayout_BlocksOverride(t *testing.T) {
	path := writeTestConfig(t, `
[platform]
host = "sim"
[[io.blocks]]
name = "GPFSEL0-1"
base = 0x20200000
size = 8
[[io.blocks]]
base = 0x20200010
size = 4
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	layout, err := cfg.Layout()
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}
	blocks := layout.Region.Blocks
	if len(blocks) != 2 {
		t.Fatalf("blocks = %+v", blocks)
	}
	if blocks[0].Name != "GPFSEL0-1" || blocks[0].Size != 8 {
		t.Errorf("blocks[0] = %+v", blocks[0])
	}
	if blocks[1].Name != "block1" || blocks[1].Base != 0x20200010 {
		t.Errorf("blocks[1] = %+v, want generated name", blocks[1])
	}
	if layout.Region.Size() != 12 {
		t.Errorf("region size = %d, want 12", layout.Region.Size())
	}
}

func TestLayout_BuiltIn(t *testing.T) {
	cfg := Default()
	layout, err := cfg.Layout()
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}
	if layout.Region.Size() != 24 {
		t.Errorf("built-in region size = %d, want 24", layout.Region.Size())
	}
}
