// Package mapmon intercepts process mappings of physical memory. Requests
// that reach the protected pin controller are logged and, in active mode,
// refused. Every /dev/mem page a process holds is tracked until it is
// unmapped or the process exits.
package mapmon

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/iyulab/plcguard/internal/detect"
	"github.com/iyulab/plcguard/internal/platform"
)

// Mode selects what happens to a request overlapping protected memory.
type Mode int

const (
	// ModePassive logs the request and lets it through.
	ModePassive Mode = iota
	// ModeActive refuses the request with ErrPermissionDenied.
	ModeActive
)

func (m Mode) String() string {
	if m == ModeActive {
		return "active"
	}
	return "passive"
}

// ParseMode parses "passive" or "active".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "passive":
		return ModePassive, nil
	case "active":
		return ModeActive, nil
	}
	return 0, fmt.Errorf("%w: unknown map mode %q (want passive or active)", platform.ErrInvalidConfig, s)
}

// DefaultMaxPages bounds the registry when Config.MaxPages is zero.
const DefaultMaxPages = 4096

// Config controls the monitor.
type Config struct {
	Region   platform.Region
	Mode     Mode
	MaxPages int
	PageSize uint64
}

// Monitor is the memory mapping monitor. It has no task of its own: its
// hooks run on the thread of whoever issues a mapping request.
type Monitor struct {
	host platform.MappingInterceptor
	cfg  Config
	log  zerolog.Logger
	rep  detect.Reporter
	reg  *Registry

	// mu guards the lifecycle. Hooks hold it shared while reading orig, so
	// a request racing Start waits for orig to be set.
	mu         sync.RWMutex
	running    bool
	orig       platform.HookTable
	cancelExit func()
}

// New creates a stopped monitor.
func New(host platform.MappingInterceptor, cfg Config, log zerolog.Logger, rep detect.Reporter) *Monitor {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 4096
	}
	return &Monitor{
		host: host,
		cfg:  cfg,
		log:  log.With().Str("monitor", detect.MonitorMap).Logger(),
		rep:  rep,
		reg:  NewRegistry(cfg.MaxPages, cfg.PageSize),
	}
}

// Name returns the monitor name.
func (m *Monitor) Name() string { return detect.MonitorMap }

// Mode returns the configured mode.
func (m *Monitor) Mode() Mode { return m.cfg.Mode }

// Registry returns the page registry.
func (m *Monitor) Registry() *Registry { return m.reg }

// Overlaps reports whether the physical range [start, end) touches the
// protected region. It works whether or not the monitor is started.
func (m *Monitor) Overlaps(start, end uint64) bool {
	return m.cfg.Region.Overlaps(start, end)
}

// Start installs the mapping hooks and subscribes to process exit.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("%w: map monitor already running", platform.ErrTask)
	}
	if err := m.cfg.Region.Validate(); err != nil {
		return err
	}

	orig, err := m.host.InstallMappingHooks(platform.HookTable{
		Mmap:       m.mmap,
		Mremap:     m.mremap,
		RemapPages: m.remapPages,
		Munmap:     m.munmap,
	})
	if err != nil {
		return fmt.Errorf("install mapping hooks: %w", err)
	}
	cancel, err := m.host.SubscribeExit(m.exit)
	if err != nil {
		if rerr := m.host.RestoreMappingHooks(orig); rerr != nil {
			m.log.Error().Err(rerr).Msg("restore mapping hooks during rollback failed")
		}
		return fmt.Errorf("subscribe process exit: %w", err)
	}

	m.orig = orig
	m.cancelExit = cancel
	m.running = true
	m.log.Info().Stringer("mode", m.cfg.Mode).Int("max_pages", m.cfg.MaxPages).Msg("map monitor started")
	return nil
}

// Stop restores the original mapping entry points and drops the registry.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	m.cancelExit()
	err := m.host.RestoreMappingHooks(m.orig)
	m.Dump()
	m.reg.Reset()
	m.running = false
	m.log.Info().Msg("map monitor stopped")
	return err
}

// Done is nil: the monitor has no task that could exit.
func (m *Monitor) Done() <-chan struct{} { return nil }

// Err always returns nil.
func (m *Monitor) Err() error { return nil }

// Running reports whether the hooks are installed.
func (m *Monitor) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Dump logs every tracked page.
func (m *Monitor) Dump() {
	m.reg.Each(func(p Page) {
		m.log.Info().Int("pid", p.PID).
			Str("virt", fmt.Sprintf("0x%08x", p.Virt)).
			Str("phys", fmt.Sprintf("0x%08x", p.Phys)).
			Msg("tracked page")
	})
}

// original returns the saved entry points and whether the monitor is
// running. A hook still in flight after Stop passes straight through.
func (m *Monitor) original() (platform.HookTable, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orig, m.running
}

// decide reports an overlapping request. It returns ErrPermissionDenied
// when the request must be refused.
func (m *Monitor) decide(kind string, c platform.Caller, virt, start, end uint64) (detect.Record, error) {
	rec := detect.Record{
		Monitor: detect.MonitorMap,
		Kind:    kind,
		Target:  virt,
		Context: detect.MapContext{
			PID:       c.PID,
			Comm:      c.Comm,
			PhysStart: start,
			PhysEnd:   end,
			Length:    end - start,
		},
		Verdict: detect.NotLegitimate,
	}
	if m.cfg.Mode == ModeActive {
		rec.Action = detect.ActionDenied
		m.rep.Report(rec)
		return rec, fmt.Errorf("%w: %s by %s[%d] of 0x%08x-0x%08x",
			platform.ErrPermissionDenied, kind, c.Comm, c.PID, start, end)
	}
	return rec, nil
}

func (m *Monitor) allowed(rec detect.Record, virt uint64) {
	rec.Action = detect.ActionAllowed
	rec.Target = virt
	m.rep.Report(rec)
}

func (m *Monitor) mmap(c platform.Caller, a platform.MmapArgs) (uint64, error) {
	orig, running := m.original()
	if !running || !a.DevMem {
		return orig.Mmap(c, a)
	}
	start := a.PgOff * m.cfg.PageSize
	end := start + a.Length

	overlap := m.Overlaps(start, end)
	var rec detect.Record
	if overlap {
		var err error
		if rec, err = m.decide(detect.KindMmapOverlap, c, a.Addr, start, end); err != nil {
			return 0, err
		}
	}

	virt, err := orig.Mmap(c, a)
	if err != nil {
		return virt, err
	}
	if err := m.reg.Add(c.PID, virt, start, a.Length); err != nil {
		m.log.Error().Err(err).Int("pid", c.PID).Msg("cannot track mapping")
	}
	if overlap {
		m.allowed(rec, virt)
	}
	return virt, nil
}

func (m *Monitor) mremap(c platform.Caller, a platform.MremapArgs) (uint64, error) {
	orig, running := m.original()
	if !running {
		return orig.Mremap(c, a)
	}
	first, tracked := m.reg.Lookup(c.PID, a.Addr)
	if !tracked {
		return orig.Mremap(c, a)
	}
	start := first.Phys
	end := start + a.NewLen

	// a resize inside the last page maps nothing new
	grows := m.reg.count(a.NewLen) > m.reg.count(a.OldLen)
	overlap := grows && m.Overlaps(start, end)
	var rec detect.Record
	if overlap {
		var err error
		if rec, err = m.decide(detect.KindMremapOverlap, c, a.Addr, start, end); err != nil {
			return 0, err
		}
	}

	virt, err := orig.Mremap(c, a)
	if err != nil {
		return virt, err
	}
	if _, err := m.reg.Move(c.PID, a.Addr, a.OldLen, virt, a.NewLen); err != nil {
		m.log.Error().Err(err).Int("pid", c.PID).Msg("cannot track remapped pages")
	}
	if overlap {
		m.allowed(rec, virt)
	}
	return virt, nil
}

func (m *Monitor) remapPages(c platform.Caller, a platform.RemapPagesArgs) error {
	orig, running := m.original()
	if !running {
		return orig.RemapPages(c, a)
	}
	if _, tracked := m.reg.Lookup(c.PID, a.Addr); !tracked {
		return orig.RemapPages(c, a)
	}
	start := a.PgOff * m.cfg.PageSize
	end := start + a.Length

	overlap := m.Overlaps(start, end)
	var rec detect.Record
	if overlap {
		var err error
		if rec, err = m.decide(detect.KindRemapOverlap, c, a.Addr, start, end); err != nil {
			return err
		}
	}

	if err := orig.RemapPages(c, a); err != nil {
		return err
	}
	m.reg.Alter(c.PID, a.Addr, a.Length, start)
	if overlap {
		m.allowed(rec, a.Addr)
	}
	return nil
}

func (m *Monitor) munmap(c platform.Caller, a platform.MunmapArgs) error {
	orig, _ := m.original()
	if err := orig.Munmap(c, a); err != nil {
		return err
	}
	if n := m.reg.Delete(c.PID, a.Addr, a.Length); n > 0 {
		m.log.Debug().Int("pid", c.PID).Str("comm", c.Comm).Int("pages", n).Msg("tracked pages unmapped")
	}
	return nil
}

func (m *Monitor) exit(pid int) {
	if n := m.reg.Clean(pid); n > 0 {
		m.log.Info().Int("pid", pid).Int("pages", n).Msg("process exited, tracked pages released")
	}
}
