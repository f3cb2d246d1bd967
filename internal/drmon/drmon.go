// Package drmon protects the CPU debug registers. It keeps a trusted copy of
// every breakpoint and watchpoint slot, restores any slot changed behind its
// back, closes the user-space breakpoint interface while running, and
// mediates the transient watchpoints other monitors need.
package drmon

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iyulab/plcguard/internal/detect"
	"github.com/iyulab/plcguard/internal/platform"
	"github.com/iyulab/plcguard/internal/snapshot"
)

// pairSize is the snapshot footprint of one slot: value then control.
const pairSize = 8

// DefaultInterval is the polling interval used when Config.Interval is zero.
const DefaultInterval = 50 * time.Millisecond

// Host is the subset of the platform the monitor needs.
type Host interface {
	platform.DebugRegisters
	platform.Watchpoints
	platform.TextPatcher
}

// Config controls the monitor.
type Config struct {
	Interval time.Duration
	// DisableUserInterface patches Patches into kernel text for the lifetime
	// of the monitor.
	DisableUserInterface bool
	Patches              []platform.Patch
}

type applied struct {
	symbol string
	addr   uint64
	orig   []byte
}

// Monitor is the debug register monitor.
type Monitor struct {
	host Host
	cfg  Config
	log  zerolog.Logger
	rep  detect.Reporter

	// mu guards the trusted snapshot and serializes slot access between the
	// polling task and the watch service.
	mu      sync.Mutex
	counted bool
	bp, wp  int
	trusted *snapshot.Snapshot
	running bool
	patches []applied

	stop chan struct{}
	done chan struct{}
	err  error
}

// New creates a stopped monitor.
func New(host Host, cfg Config, log zerolog.Logger, rep detect.Reporter) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Monitor{
		host: host,
		cfg:  cfg,
		log:  log.With().Str("monitor", detect.MonitorDR).Logger(),
		rep:  rep,
	}
}

// Name returns the monitor name.
func (m *Monitor) Name() string { return detect.MonitorDR }

// Slots returns the number of breakpoint and watchpoint slots. The host is
// queried once and the answer cached.
func (m *Monitor) Slots() (breakpoints, watchpoints int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slotsLocked()
}

func (m *Monitor) slotsLocked() (int, int) {
	if !m.counted {
		m.bp, m.wp = m.host.SlotCounts()
		m.counted = true
	}
	return m.bp, m.wp
}

// Start captures the slots, disables the user interface and spawns the
// polling task. With zero slots it succeeds without doing anything.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("%w: debug register monitor already running", platform.ErrTask)
	}
	bp, wp := m.slotsLocked()
	if bp+wp == 0 {
		m.log.Info().Msg("no debug registers on this host, monitor inactive")
		return nil
	}

	trusted, err := snapshot.New((bp + wp) * pairSize)
	if err != nil {
		return err
	}
	if err := trusted.Capture(m.readPair); err != nil {
		return fmt.Errorf("capture debug registers: %w", err)
	}

	if m.cfg.DisableUserInterface {
		if err := m.applyPatches(); err != nil {
			return err
		}
	}

	m.trusted = trusted
	m.running = true
	m.err = nil
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(m.stop, m.done)

	m.log.Info().Int("breakpoints", bp).Int("watchpoints", wp).
		Bool("user_interface_disabled", len(m.patches) > 0).
		Msg("debug register monitor started")
	return nil
}

// readPair reads the word at snapshot offset off: even words are slot values,
// odd words slot controls.
func (m *Monitor) readPair(off int) (uint32, error) {
	slot := off / pairSize
	reg := platform.RegValue
	if off%pairSize != 0 {
		reg = platform.RegControl
	}
	return m.host.ReadSlot(slot, reg)
}

func (m *Monitor) applyPatches() error {
	for _, p := range m.cfg.Patches {
		addr, err := m.host.Lookup(p.Symbol)
		if err == nil {
			var orig []byte
			orig, err = m.host.Patch(addr, p.Code)
			if err == nil {
				m.patches = append(m.patches, applied{symbol: p.Symbol, addr: addr, orig: orig})
				continue
			}
		}
		rerr := m.revertPatches()
		return errors.Join(fmt.Errorf("disable %s: %w", p.Symbol, err), rerr)
	}
	return nil
}

func (m *Monitor) revertPatches() error {
	var errs []error
	for i := len(m.patches) - 1; i >= 0; i-- {
		p := m.patches[i]
		if _, err := m.host.Patch(p.addr, p.orig); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", p.symbol, err))
		}
	}
	m.patches = nil
	return errors.Join(errs...)
}

func (m *Monitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if err := m.scan(); err != nil {
			m.log.Error().Err(err).Msg("debug register monitor stopped")
			m.mu.Lock()
			m.err = err
			m.mu.Unlock()
			return
		}
	}
}

// scan compares every slot against the trusted pair and restores any
// mismatch. A slot that cannot be read is skipped for this pass.
func (m *Monitor) scan() error {
	var found []detect.Record

	m.mu.Lock()
	n := m.trusted.Len() / pairSize
	var fatal error
	for slot := 0; slot < n; slot++ {
		off := slot * pairSize
		val, err := m.host.ReadSlot(slot, platform.RegValue)
		if err == nil {
			var ctrl uint32
			ctrl, err = m.host.ReadSlot(slot, platform.RegControl)
			if err == nil {
				oldVal, oldCtrl := m.trusted.Word(off), m.trusted.Word(off+4)
				if val == oldVal && ctrl == oldCtrl {
					continue
				}
				rec := detect.Record{
					Monitor: detect.MonitorDR,
					Kind:    detect.KindSlotTamper,
					Target:  uint64(slot),
					Old:     detect.PackPair(oldVal, oldCtrl),
					New:     detect.PackPair(val, ctrl),
					Context: detect.SlotContext{Slot: slot, Watchpoint: slot >= m.bp},
					Verdict: detect.NotLegitimate,
				}
				if werr := m.restore(slot, oldVal, oldCtrl); werr != nil {
					fatal = werr
				} else {
					rec.Action = detect.ActionRestored
				}
				found = append(found, rec)
				if fatal != nil {
					break
				}
				continue
			}
		}
		m.log.Warn().Err(err).Int("slot", slot).Msg("slot read failed")
	}
	m.mu.Unlock()

	for _, rec := range found {
		m.rep.Report(rec)
	}
	return fatal
}

func (m *Monitor) restore(slot int, val, ctrl uint32) error {
	// clear control first so a half-restored slot is never armed
	if err := m.host.WriteSlot(slot, platform.RegControl, 0); err != nil {
		return fmt.Errorf("restore slot %d: %w", slot, err)
	}
	if err := m.host.WriteSlot(slot, platform.RegValue, val); err != nil {
		return fmt.Errorf("restore slot %d: %w", slot, err)
	}
	if err := m.host.WriteSlot(slot, platform.RegControl, ctrl); err != nil {
		return fmt.Errorf("restore slot %d: %w", slot, err)
	}
	return nil
}

// Stop ends the polling task, drops the snapshot and restores the user
// breakpoint interface. Stopping a monitor that is not running is a no-op.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done

	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.trusted = nil
	err := m.revertPatches()
	m.log.Info().Msg("debug register monitor stopped")
	return err
}

// Done is closed when the polling task exits. It is nil until Start spawns
// a task.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Err returns the error that ended the polling task, if any.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Running reports whether the polling task is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Trusted returns a copy of the trusted slot snapshot, or nil when stopped.
func (m *Monitor) Trusted() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trusted == nil {
		return nil
	}
	return m.trusted.Bytes()
}
