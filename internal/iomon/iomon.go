// Package iomon watches the pin configuration registers of the I/O
// controller. Every pin whose control bits drift from the trusted snapshot
// is classified as a runtime reconfiguration or an attack, then either
// trusted or rolled back.
package iomon

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

// Defaults tuned for a runtime with a few-second output scan cycle.
const (
	DefaultInterval  = 50 * time.Millisecond
	DefaultReadWait  = 15 * time.Millisecond
	DefaultWriteWait = 4500 * time.Millisecond
)

// errAbandoned ends a scan cut short by Stop during classification.
var errAbandoned = errors.New("classification abandoned")

// Watcher installs the transient watchpoints used for classification.
// drmon.Monitor satisfies it.
type Watcher interface {
	SetReadWatch(addr uint64, h platform.WatchHandler) (platform.WatchID, error)
	SetWriteWatch(addr uint64, h platform.WatchHandler) (platform.WatchID, error)
	ClearWatch(id platform.WatchID) error
}

// Config controls the monitor.
type Config struct {
	// Layout supplies the protected region and the pin geometry.
	Layout    platform.Layout
	Interval  time.Duration
	ReadWait  time.Duration
	WriteWait time.Duration
	// RuntimeBase is the virtual address at which the PLC runtime maps the
	// pin controller. Watchpoints are armed relative to it.
	RuntimeBase uint64
}

// Monitor is the I/O configuration monitor.
type Monitor struct {
	mapper platform.IOMapper
	watch  Watcher
	cfg    Config
	log    zerolog.Logger
	rep    detect.Reporter

	// windows and trusted are owned by the polling task while it runs.
	// mu guards lifecycle fields and snapshot writes against Trusted.
	mu      sync.Mutex
	windows []platform.IOWindow
	trusted *snapshot.Snapshot
	running bool
	stop    chan struct{}
	done    chan struct{}
	err     error
}

// New creates a stopped monitor.
func New(mapper platform.IOMapper, watch Watcher, cfg Config, log zerolog.Logger, rep detect.Reporter) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ReadWait <= 0 {
		cfg.ReadWait = DefaultReadWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultWriteWait
	}
	return &Monitor{
		mapper: mapper,
		watch:  watch,
		cfg:    cfg,
		log:    log.With().Str("monitor", detect.MonitorIO).Logger(),
		rep:    rep,
	}
}

// Name returns the monitor name.
func (m *Monitor) Name() string { return detect.MonitorIO }

// Region returns the protected region.
func (m *Monitor) Region() platform.Region { return m.cfg.Layout.Region }

// Start maps every protected block, captures the trusted snapshot and
// spawns the polling task. On failure everything acquired is released.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("%w: io monitor already running", platform.ErrTask)
	}
	layout := m.cfg.Layout
	if err := layout.Validate(); err != nil {
		return err
	}

	windows := make([]platform.IOWindow, 0, len(layout.Region.Blocks))
	release := func() {
		for i := len(windows) - 1; i >= 0; i-- {
			if err := windows[i].Unmap(); err != nil {
				m.log.Warn().Err(err).Msg("unmap during rollback failed")
			}
		}
	}
	for _, b := range layout.Region.Blocks {
		w, err := m.mapper.Map(b.Base, b.Size)
		if err != nil {
			release()
			return fmt.Errorf("%w: block %q at 0x%08x: %w", platform.ErrMap, b.Name, b.Base, err)
		}
		windows = append(windows, w)
	}

	trusted, err := snapshot.New(layout.Region.Size())
	if err != nil {
		release()
		return err
	}
	for i, b := range layout.Region.Blocks {
		base := layout.Region.Offset(i)
		for off := uint32(0); off < b.Size; off += 4 {
			v, err := windows[i].Read32(off)
			if err != nil {
				release()
				return fmt.Errorf("%w: capture 0x%08x: %w", platform.ErrMap, b.Base+uint64(off), err)
			}
			trusted.SetWord(base+int(off), v)
		}
	}

	m.windows = windows
	m.trusted = trusted
	m.running = true
	m.err = nil
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(m.stop, m.done)

	m.log.Info().
		Str("region", layout.Region.Name).
		Int("blocks", len(layout.Region.Blocks)).
		Int("bytes", trusted.Len()).
		Str("trusted", trusted.String()).
		Msg("io monitor started")
	return nil
}

func (m *Monitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		err := m.scan(stop)
		if errors.Is(err, errAbandoned) {
			return
		}
		if err != nil {
			m.log.Error().Err(err).Msg("io monitor stopped")
			m.mu.Lock()
			m.err = err
			m.mu.Unlock()
			return
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// scan compares every register of every block against the snapshot and
// handles each differing pin in order. A read or restore failure is fatal.
func (m *Monitor) scan(stop <-chan struct{}) error {
	layout := m.cfg.Layout
	for i, b := range layout.Region.Blocks {
		base := layout.Region.Offset(i)
		for off := uint32(0); off < b.Size; off += 4 {
			live, err := m.windows[i].Read32(off)
			if err != nil {
				return fmt.Errorf("%w: read 0x%08x: %w", platform.ErrMap, b.Base+uint64(off), err)
			}
			old := m.trusted.Word(base + int(off))
			if live == old {
				continue
			}
			for p := 0; p < layout.PinsPerReg; p++ {
				if (live^old)&layout.PinCtrlMask(p) == 0 {
					continue
				}
				if err := m.handle(stop, i, off, p, old, live); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// handle classifies one pin change and applies the outcome.
func (m *Monitor) handle(stop <-chan struct{}, block int, off uint32, regPin int, old, live uint32) error {
	layout := m.cfg.Layout
	b := layout.Region.Blocks[block]
	phys := b.Base + uint64(off)
	mask := layout.PinCtrlMask(regPin)
	mux := layout.PinMuxMask(regPin)

	pc := detect.PinContext{
		Block:  b.Name,
		Pin:    layout.PinOf(phys, regPin),
		RegPin: regPin,
		Output: live&layout.PinConfMask(regPin) != 0,
	}
	rec := detect.Record{
		Monitor: detect.MonitorIO,
		Kind:    detect.KindPinConfig,
		Target:  phys,
		Old:     uint64(old),
		New:     uint64(live),
	}

	m.log.Debug().Str("target", fmt.Sprintf("0x%08x", phys)).Int("pin", pc.Pin).
		Msg("pin configuration changed, classifying")

	// Multiplexing is fixed at wiring time.
	if (old^live)&mux != 0 || old&mux != 0 {
		pc.Mux = true
		rec.Kind = detect.KindPinMux
		rec.Verdict = detect.NotLegitimate
	} else {
		pc.Waited = true
		rec.Verdict = m.classify(stop, pc.Pin, pc.Output)
	}

	var err error
	switch rec.Verdict {
	case detect.Unclassified:
		// stopping: neither the register nor the snapshot is touched
		m.log.Info().Str("target", fmt.Sprintf("0x%08x", phys)).Int("pin", pc.Pin).
			Msg("classification abandoned on stop")
		err = errAbandoned
	case detect.Legitimate:
		word := layout.Region.Offset(block) + int(off)
		m.mu.Lock()
		t := m.trusted.Word(word)
		m.trusted.SetWord(word, t&^mask|live&mask)
		m.mu.Unlock()
		rec.Action = detect.ActionTrusted
	default:
		err = m.restore(block, off, mask, old)
		if err == nil {
			rec.Action = detect.ActionRestored
		}
	}

	rec.Context = pc
	m.rep.Report(rec)
	return err
}

// restore writes the trusted bits of one pin back, leaving every other pin
// of the register as the runtime currently has it.
func (m *Monitor) restore(block int, off uint32, mask, old uint32) error {
	w := m.windows[block]
	cur, err := w.Read32(off)
	if err != nil {
		return fmt.Errorf("%w: restore read: %w", platform.ErrMap, err)
	}
	if err := w.Write32(off, cur&^mask|old&mask); err != nil {
		return fmt.Errorf("%w: restore write: %w", platform.ErrMap, err)
	}
	return nil
}

// Stop signals the polling task, waits for it, unmaps every block and drops
// the snapshot. Stopping a monitor that is not running is a no-op.
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
	var errs []error
	for i := len(m.windows) - 1; i >= 0; i-- {
		if err := m.windows[i].Unmap(); err != nil {
			errs = append(errs, err)
		}
	}
	m.windows = nil
	m.trusted = nil
	m.running = false
	m.log.Info().Msg("io monitor stopped")
	return errors.Join(errs...)
}

// Done is closed when the polling task exits.
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

// Trusted returns a copy of the trusted snapshot, or nil when stopped.
func (m *Monitor) Trusted() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trusted == nil {
		return nil
	}
	return m.trusted.Bytes()
}
