package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/iyulab/plcguard/internal/config"
	"github.com/iyulab/plcguard/internal/detect"
	"github.com/iyulab/plcguard/internal/hostsim"
	"github.com/iyulab/plcguard/internal/platform"
	"github.com/iyulab/plcguard/internal/server"
)

const (
	gpfsel0     = 0x20200000
	runtimeBase = 0xb6f8a000
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Platform.Host = config.HostSim
	cfg.IO.IntervalMS = 5
	cfg.IO.ReadWaitMS = 20
	cfg.IO.WriteWaitMS = 20
	cfg.IO.RuntimeBase = runtimeBase
	cfg.DR.IntervalMS = 5
	return cfg
}

func newHost() *hostsim.Host {
	h := hostsim.New()
	h.SetRuntime(runtimeBase, gpfsel0)
	return h
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, host platform.Host) (*Orchestrator, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var progress, summary bytes.Buffer
	o, err := New(cfg, host, zerolog.Nop(), Options{Progress: &progress, Summary: &summary, Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, &progress, &summary
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// fakeMonitor records lifecycle calls into a shared log.
type fakeMonitor struct {
	name     string
	log      *[]string
	mu       *sync.Mutex
	startErr error
	stopErr  error
	done     chan struct{}
	err      error
	running  bool
}

func (f *fakeMonitor) record(s string) {
	f.mu.Lock()
	*f.log = append(*f.log, s)
	f.mu.Unlock()
}

func (f *fakeMonitor) Name() string { return f.name }

func (f *fakeMonitor) Start() error {
	f.record("start " + f.name)
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeMonitor) Stop() error {
	f.record("stop " + f.name)
	f.running = false
	return f.stopErr
}

func (f *fakeMonitor) Done() <-chan struct{} {
	if f.done == nil {
		return nil
	}
	return f.done
}

func (f *fakeMonitor) Err() error    { return f.err }
func (f *fakeMonitor) Running() bool { return f.running }

func fakes(names ...string) ([]*fakeMonitor, *[]string) {
	var mu sync.Mutex
	calls := &[]string{}
	out := make([]*fakeMonitor, len(names))
	for i, n := range names {
		out[i] = &fakeMonitor{name: n, log: calls, mu: &mu}
	}
	return out, calls
}

func asMonitors(fs []*fakeMonitor) []Monitor {
	out := make([]Monitor, len(fs))
	for i, f := range fs {
		out[i] = f
	}
	return out
}

func TestNew_MonitorOrder(t *testing.T) {
	cfg := testConfig()
	o, _, _ := newTestOrchestrator(t, cfg, newHost())
	var names []string
	for _, m := range o.Monitors() {
		names = append(names, m.Name())
	}
	if !slices.Equal(names, []string{"io", "dr", "map"}) {
		t.Errorf("order = %v, want [io dr map]", names)
	}

	cfg.DR.Enabled = false
	o, _, _ = newTestOrchestrator(t, cfg, newHost())
	names = names[:0]
	for _, m := range o.Monitors() {
		names = append(names, m.Name())
	}
	if !slices.Equal(names, []string{"io", "map"}) {
		t.Errorf("order with dr disabled = %v", names)
	}
}

func TestNew_InvalidMode(t *testing.T) {
	cfg := testConfig()
	cfg.Map.Mode = "strict"
	if _, err := New(cfg, newHost(), zerolog.Nop(), Options{}); !errors.Is(err, platform.ErrInvalidConfig) {
		t.Errorf("New = %v, want ErrInvalidConfig", err)
	}
}

func TestStart_OrderAndReverseStop(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig(), newHost())
	fs, calls := fakes("io", "dr", "map")
	o.monitors = asMonitors(fs)

	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := o.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	want := []string{"start io", "start dr", "start map", "stop map", "stop dr", "stop io"}
	if !slices.Equal(*calls, want) {
		t.Errorf("calls = %v, want %v", *calls, want)
	}
}

func TestStart_RollbackInReverse(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig(), newHost())
	fs, calls := fakes("io", "dr", "map")
	fs[2].startErr = platform.ErrAlloc
	o.monitors = asMonitors(fs)

	err := o.Start()
	if !errors.Is(err, platform.ErrAlloc) {
		t.Fatalf("Start = %v, want ErrAlloc", err)
	}
	if !strings.Contains(err.Error(), "start map monitor") {
		t.Errorf("error %q should name the failing monitor", err)
	}
	want := []string{"start io", "start dr", "start map", "stop dr", "stop io"}
	if !slices.Equal(*calls, want) {
		t.Errorf("calls = %v, want %v", *calls, want)
	}
}

func TestStart_Twice(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig(), newHost())
	fs, _ := fakes("io")
	o.monitors = asMonitors(fs)
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()
	if err := o.Start(); !errors.Is(err, platform.ErrTask) {
		t.Errorf("second Start = %v, want ErrTask", err)
	}
}

func TestStop_ContinuesPastErrors(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig(), newHost())
	fs, calls := fakes("io", "dr")
	fs[1].stopErr = errors.New("revert failed")
	o.monitors = asMonitors(fs)
	_ = o.Start()

	err := o.Stop()
	if err == nil || !strings.Contains(err.Error(), "stop dr monitor") {
		t.Errorf("Stop = %v", err)
	}
	if (*calls)[len(*calls)-1] != "stop io" {
		t.Errorf("io must still be stopped, calls = %v", *calls)
	}
}

func TestStart_RealHostRollback(t *testing.T) {
	host := newHost()
	// someone else already owns the mapping hooks
	if _, err := host.InstallMappingHooks(platform.HookTable{
		Mmap:       func(platform.Caller, platform.MmapArgs) (uint64, error) { return 0, nil },
		Mremap:     func(platform.Caller, platform.MremapArgs) (uint64, error) { return 0, nil },
		RemapPages: func(platform.Caller, platform.RemapPagesArgs) error { return nil },
		Munmap:     func(platform.Caller, platform.MunmapArgs) error { return nil },
	}); err != nil {
		t.Fatalf("InstallMappingHooks: %v", err)
	}
	original := bytes.Clone(host.Text("register_user_hw_breakpoint"))

	o, _, _ := newTestOrchestrator(t, testConfig(), host)
	if err := o.Start(); err == nil {
		o.Stop()
		t.Fatal("Start should fail when the hooks are taken")
	}
	if host.OpenWindows() != 0 {
		t.Errorf("io windows left open: %d", host.OpenWindows())
	}
	if !bytes.Equal(host.Text("register_user_hw_breakpoint"), original) {
		t.Error("dr patch not reverted after rollback")
	}
	for _, m := range o.Monitors() {
		if m.Running() {
			t.Errorf("%s still running after rollback", m.Name())
		}
	}
}

func TestSupervise_MonitorFailure(t *testing.T) {
	fs, _ := fakes("io")
	fs[0].done = make(chan struct{})
	fs[0].err = platform.ErrMap
	close(fs[0].done)

	err := supervise(context.Background(), fs[0])
	if !errors.Is(err, platform.ErrMap) {
		t.Errorf("supervise = %v, want ErrMap", err)
	}
}

func TestSupervise_NoTask(t *testing.T) {
	fs, _ := fakes("map")
	if err := supervise(context.Background(), fs[0]); err != nil {
		t.Errorf("supervise = %v, want nil for a monitor without a task", err)
	}
}

func TestSupervise_UnexpectedExit(t *testing.T) {
	fs, _ := fakes("dr")
	fs[0].done = make(chan struct{})
	close(fs[0].done)
	if err := supervise(context.Background(), fs[0]); !errors.Is(err, platform.ErrTask) {
		t.Errorf("supervise = %v, want ErrTask", err)
	}
}

func TestRun_DetectsAndStopsOnCancel(t *testing.T) {
	host := newHost()
	o, progress, summary := newTestOrchestrator(t, testConfig(), host)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- o.Run(ctx) }()

	waitFor(t, "hooks installed", host.Hooked)
	// pin 0 switched to an alternate function
	host.Poke(gpfsel0, 0b100)
	waitFor(t, "detection", func() bool { return o.Journal().Total() >= 1 })
	waitFor(t, "restore", func() bool { return host.Peek(gpfsel0) == 0 })

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if host.Hooked() {
		t.Error("mapping hooks still installed after Run")
	}
	if host.OpenWindows() != 0 {
		t.Errorf("windows left open: %d", host.OpenWindows())
	}
	rec := o.Journal().Records()[0]
	if rec.Kind != detect.KindPinMux || rec.Action != detect.ActionRestored {
		t.Errorf("record = %+v", rec)
	}
	if !strings.Contains(progress.String(), "[*] Starting monitors [io dr map]") {
		t.Errorf("progress = %q", progress.String())
	}
	if !strings.Contains(summary.String(), "Detections: 1 (io 1 | dr 0 | map 0)") {
		t.Errorf("summary = %q", summary.String())
	}
	if !strings.Contains(summary.String(), "Restored: 1") {
		t.Errorf("summary = %q", summary.String())
	}
}

func TestRun_FailClosed(t *testing.T) {
	host := newHost()
	o, progress, _ := newTestOrchestrator(t, testConfig(), host)

	errc := make(chan error, 1)
	go func() { errc <- o.Run(context.Background()) }()
	waitFor(t, "hooks installed", host.Hooked)

	host.FailRead(gpfsel0, errors.New("bus error"))

	select {
	case err := <-errc:
		if !errors.Is(err, platform.ErrMap) && !strings.Contains(err.Error(), "bus error") {
			t.Errorf("Run = %v, want the io read failure", err)
		}
		if !strings.Contains(err.Error(), "io monitor failed") {
			t.Errorf("Run = %v, want io monitor named", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after the io task died")
	}
	if host.Hooked() {
		t.Error("map monitor left running after io failure")
	}
	if host.OpenWindows() != 0 {
		t.Errorf("windows left open: %d", host.OpenWindows())
	}
	if !strings.Contains(progress.String(), "shutting down") {
		t.Errorf("progress = %q", progress.String())
	}
}

func TestRun_MapOnlyBlocksUntilCancel(t *testing.T) {
	host := newHost()
	cfg := testConfig()
	cfg.IO.Enabled = false
	cfg.DR.Enabled = false
	o, _, _ := newTestOrchestrator(t, cfg, host)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- o.Run(ctx) }()
	waitFor(t, "hooks installed", host.Hooked)

	select {
	case err := <-errc:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if host.Hooked() {
		t.Error("mapping hooks still installed after Run")
	}
}

func TestRun_StartFailure(t *testing.T) {
	host := newHost()
	host.FailMap(gpfsel0, errors.New("no /dev/mem"))
	o, _, _ := newTestOrchestrator(t, testConfig(), host)

	if err := o.Run(context.Background()); !errors.Is(err, platform.ErrMap) {
		t.Errorf("Run = %v, want ErrMap", err)
	}
	if host.Hooked() {
		t.Error("map monitor must not start after io failed")
	}
}

func TestStatus_ServedAsJSON(t *testing.T) {
	host := newHost()
	o, _, _ := newTestOrchestrator(t, testConfig(), host)
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	host.Spawn(77, "devmem")
	if _, err := host.Mmap(77, platform.MmapArgs{Length: 4096, PgOff: 0x20000, DevMem: true}); err != nil {
		t.Fatalf("Mmap: %v", err)
	}

	h := server.New(o).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state", nil))
	var st server.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Host != "sim" || st.MapMode != "passive" {
		t.Errorf("state = %+v", st)
	}
	if st.Breakpoints != hostsim.DefaultBreakpoints || st.Watchpoints != hostsim.DefaultWatchpoints {
		t.Errorf("slots = %d/%d", st.Breakpoints, st.Watchpoints)
	}
	if st.TrackedPages != 1 {
		t.Errorf("tracked pages = %d, want 1", st.TrackedPages)
	}
	if !st.Healthy() {
		t.Errorf("expected healthy state, got %+v", st.Monitors)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mappings?pid=77", nil))
	if !strings.Contains(rec.Body.String(), `"pid":77`) {
		t.Errorf("mappings = %s", rec.Body.String())
	}
}
