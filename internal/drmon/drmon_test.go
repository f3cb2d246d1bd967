package drmon

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/iyulab/plcguard/internal/detect"
	"github.com/iyulab/plcguard/internal/hostsim"
	"github.com/iyulab/plcguard/internal/platform"
)

const testInterval = 5 * time.Millisecond

func newTestMonitor(t *testing.T, host Host, disable bool) (*Monitor, chan detect.Record) {
	t.Helper()
	ch := make(chan detect.Record, 32)
	cfg := Config{
		Interval:             testInterval,
		DisableUserInterface: disable,
		Patches:              platform.BCM2835().DebugPatches,
	}
	m := New(host, cfg, zerolog.Nop(), detect.ReporterFunc(func(r detect.Record) { ch <- r }))
	t.Cleanup(func() { _ = m.Stop() })
	return m, ch
}

func waitRecord(t *testing.T, ch <-chan detect.Record) detect.Record {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no detection within 2s")
		return detect.Record{}
	}
}

func expectQuiet(t *testing.T, ch <-chan detect.Record, d time.Duration) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected detection: %+v", r)
	case <-time.After(d):
	}
}

func TestStart_NoSlotsIsNoop(t *testing.T) {
	host := hostsim.New()
	host.SetSlotCounts(0, 0)
	m, _ := newTestMonitor(t, host, true)

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.Running() {
		t.Error("monitor with no slots should not run")
	}
	if !bytes.Equal(host.Text("register_user_hw_breakpoint"), hostsim.New().Text("register_user_hw_breakpoint")) {
		t.Error("no-op monitor must not patch kernel text")
	}
	if err := m.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestSlots_Cached(t *testing.T) {
	host := hostsim.New()
	m, _ := newTestMonitor(t, host, false)
	bp, wp := m.Slots()
	host.SetSlotCounts(1, 1)
	bp2, wp2 := m.Slots()
	if bp != bp2 || wp != wp2 {
		t.Errorf("Slots() changed from (%d,%d) to (%d,%d)", bp, wp, bp2, wp2)
	}
	if bp != hostsim.DefaultBreakpoints || wp != hostsim.DefaultWatchpoints {
		t.Errorf("Slots() = (%d,%d)", bp, wp)
	}
}

func TestStart_PatchesAndStopReverts(t *testing.T) {
	host := hostsim.New()
	orig := host.Text("register_user_hw_breakpoint")
	m, _ := newTestMonitor(t, host, true)

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, p := range platform.BCM2835().DebugPatches {
		got := host.Text(p.Symbol)
		if !bytes.Equal(got[:len(p.Code)], p.Code) {
			t.Errorf("%s = % x, want stub % x", p.Symbol, got, p.Code)
		}
	}
	if len(m.Trusted()) != (hostsim.DefaultBreakpoints+hostsim.DefaultWatchpoints)*pairSize {
		t.Errorf("snapshot size = %d", len(m.Trusted()))
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for _, p := range platform.BCM2835().DebugPatches {
		if !bytes.Equal(host.Text(p.Symbol), orig) {
			t.Errorf("%s not restored: % x", p.Symbol, host.Text(p.Symbol))
		}
	}
	if m.Trusted() != nil {
		t.Error("snapshot should be freed on Stop")
	}
}

func TestStart_PatchFailureRollsBack(t *testing.T) {
	host := hostsim.New()
	orig := host.Text("register_user_hw_breakpoint")
	ch := make(chan detect.Record, 1)
	cfg := Config{
		Interval:             testInterval,
		DisableUserInterface: true,
		Patches: append(platform.BCM2835().DebugPatches,
			platform.Patch{Symbol: "missing_symbol", Code: []byte{0, 0, 0, 0}}),
	}
	m := New(host, cfg, zerolog.Nop(), detect.ReporterFunc(func(r detect.Record) { ch <- r }))

	if err := m.Start(); err == nil {
		t.Fatal("Start should fail on unknown symbol")
	}
	if m.Running() {
		t.Error("monitor running after failed start")
	}
	for _, p := range platform.BCM2835().DebugPatches {
		if !bytes.Equal(host.Text(p.Symbol), orig) {
			t.Errorf("%s left patched after rollback", p.Symbol)
		}
	}
}

func TestStart_Twice(t *testing.T) {
	m, _ := newTestMonitor(t, hostsim.New(), false)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(); !errors.Is(err, platform.ErrTask) {
		t.Errorf("second Start = %v, want ErrTask", err)
	}
}

func TestScan_RestoresTamperedSlot(t *testing.T) {
	host := hostsim.New()
	_ = host.WriteSlot(1, platform.RegValue, 0x00008000)
	_ = host.WriteSlot(1, platform.RegControl, 0x1e7)
	m, ch := newTestMonitor(t, host, false)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_ = host.WriteSlot(1, platform.RegValue, 0x00010444)

	r := waitRecord(t, ch)
	if r.Monitor != detect.MonitorDR || r.Kind != detect.KindSlotTamper {
		t.Errorf("record = %s/%s", r.Monitor, r.Kind)
	}
	if r.Target != 1 {
		t.Errorf("Target = %d, want slot 1", r.Target)
	}
	if r.Old != detect.PackPair(0x8000, 0x1e7) || r.New != detect.PackPair(0x10444, 0x1e7) {
		t.Errorf("Old/New = 0x%x/0x%x", r.Old, r.New)
	}
	if r.Action != detect.ActionRestored {
		t.Errorf("Action = %s, want restored", r.Action)
	}
	if v, _ := host.ReadSlot(1, platform.RegValue); v != 0x8000 {
		t.Errorf("slot 1 value = 0x%x, want restored 0x8000", v)
	}
	if c, _ := host.ReadSlot(1, platform.RegControl); c != 0x1e7 {
		t.Errorf("slot 1 control = 0x%x, want 0x1e7", c)
	}
	expectQuiet(t, ch, 4*testInterval)
}

func TestScan_MultipleSlotsSamePass(t *testing.T) {
	host := hostsim.New()
	m, ch := newTestMonitor(t, host, false)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_ = host.WriteSlot(0, platform.RegControl, 1)
	_ = host.WriteSlot(7, platform.RegValue, 0x20200034)

	seen := map[uint64]bool{}
	seen[waitRecord(t, ch).Target] = true
	seen[waitRecord(t, ch).Target] = true
	if !seen[0] || !seen[7] {
		t.Errorf("detections for slots %v, want 0 and 7", seen)
	}
}

func TestScan_ReadFailureKeepsScanning(t *testing.T) {
	host := hostsim.New()
	m, ch := newTestMonitor(t, host, false)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	host.FailSlots(errors.New("bus error"))
	time.Sleep(4 * testInterval)
	select {
	case <-m.Done():
		t.Fatal("task exited on slot read failure")
	default:
	}
	host.FailSlots(nil)

	_ = host.WriteSlot(2, platform.RegValue, 0x1234)
	if r := waitRecord(t, ch); r.Target != 2 {
		t.Errorf("Target = %d, want 2", r.Target)
	}
}

type readOnlySlots struct {
	*hostsim.Host
	fail atomic.Bool
}

func (h *readOnlySlots) WriteSlot(slot int, reg platform.RegKind, v uint32) error {
	if h.fail.Load() {
		return errors.New("slot locked")
	}
	return h.Host.WriteSlot(slot, reg, v)
}

func TestScan_RestoreFailureIsFatal(t *testing.T) {
	sim := hostsim.New()
	host := &readOnlySlots{Host: sim}
	m, ch := newTestMonitor(t, host, false)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	host.fail.Store(true)
	_ = sim.WriteSlot(3, platform.RegValue, 0xbad)

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not exit on restore failure")
	}
	if m.Err() == nil {
		t.Error("Err() = nil after fatal restore failure")
	}
	if r := waitRecord(t, ch); r.Action != detect.ActionNone {
		t.Errorf("Action = %s, want none", r.Action)
	}
}

func TestWatch_RecapturesTrustedState(t *testing.T) {
	host := hostsim.New()
	m, ch := newTestMonitor(t, host, false)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	id, err := m.SetReadWatch(0x7e200034, func(platform.WatchEvent) {})
	if err != nil {
		t.Fatalf("SetReadWatch: %v", err)
	}
	if c, _ := host.ReadSlot(hostsim.DefaultBreakpoints, platform.RegControl); c == 0 {
		t.Fatal("watch did not occupy a slot")
	}
	expectQuiet(t, ch, 5*testInterval)

	if err := m.ClearWatch(id); err != nil {
		t.Fatalf("ClearWatch: %v", err)
	}
	expectQuiet(t, ch, 5*testInterval)
	if host.ActiveWatches() != 0 {
		t.Errorf("ActiveWatches = %d after clear", host.ActiveWatches())
	}
}

func TestWatch_PassThroughWhenStopped(t *testing.T) {
	host := hostsim.New()
	m, _ := newTestMonitor(t, host, false)

	id, err := m.SetWriteWatch(0x7e20001c, func(platform.WatchEvent) {})
	if err != nil {
		t.Fatalf("SetWriteWatch: %v", err)
	}
	if host.ActiveWatches() != 1 {
		t.Errorf("ActiveWatches = %d, want 1", host.ActiveWatches())
	}
	if err := m.ClearWatch(id); err != nil {
		t.Errorf("ClearWatch: %v", err)
	}
}

func TestWatch_InstallFailure(t *testing.T) {
	host := hostsim.New()
	host.FailWatch(errors.New("no slots"))
	m, _ := newTestMonitor(t, host, false)

	if _, err := m.SetReadWatch(0x1000, func(platform.WatchEvent) {}); !errors.Is(err, platform.ErrWatch) {
		t.Errorf("SetReadWatch error = %v, want ErrWatch", err)
	}
	if err := m.ClearWatch(99); !errors.Is(err, platform.ErrWatch) {
		t.Errorf("ClearWatch(unknown) = %v, want ErrWatch", err)
	}
}
