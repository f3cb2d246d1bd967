package hostlinux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/iyulab/plcguard/internal/platform"
)

const devMemPath = "/dev/mem"

// devMapping is one /dev/mem line of /proc/<pid>/maps.
type devMapping struct {
	Start, End uint64
	// Offset is the file offset, which for /dev/mem is the physical address.
	Offset uint64
}

func (m devMapping) Len() uint64 { return m.End - m.Start }

// parseMaps returns the /dev/mem mappings listed in a maps file.
func parseMaps(r io.Reader) ([]devMapping, error) {
	var out []devMapping
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		// start-end perms offset dev inode path
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 || fields[5] != devMemPath {
			continue
		}
		lo, hi, ok := strings.Cut(fields[0], "-")
		if !ok {
			return nil, fmt.Errorf("malformed range %q", fields[0])
		}
		start, err := strconv.ParseUint(lo, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("range start %q: %w", lo, err)
		}
		end, err := strconv.ParseUint(hi, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("range end %q: %w", hi, err)
		}
		off, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("offset %q: %w", fields[2], err)
		}
		out = append(out, devMapping{Start: start, End: end, Offset: off})
	}
	return out, sc.Err()
}

// observer reconstructs mapping requests on /dev/mem by diffing the maps of
// every process between scans. The mappings it reports already exist, so
// the entry points it hands back as the originals only echo the address.
type observer struct {
	procRoot string
	pageSize uint64
	interval time.Duration
	log      zerolog.Logger

	pids func(ctx context.Context) ([]int32, error)
	comm func(ctx context.Context, pid int32) string
	// kill terminates a process whose mapping was refused. nil disables it.
	kill func(pid int) error

	mu        sync.Mutex
	hooks     platform.HookTable
	installed bool
	stop      <-chan struct{}
	closeStop func()
	subs      map[int]func(int)
	nextSub   int
	seen      map[int]map[uint64]devMapping
	denied    map[int]bool
	// baseline is set until the first scan of an installation has recorded
	// the mappings that predate it.
	baseline bool
}

func newObserver(procRoot string, pageSize uint64, interval time.Duration, log zerolog.Logger) *observer {
	return &observer{
		procRoot: procRoot,
		pageSize: pageSize,
		interval: interval,
		log:      log,
		pids:     process.PidsWithContext,
		comm:     processName,
		subs:     make(map[int]func(int)),
	}
}

func processName(ctx context.Context, pid int32) string {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ""
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return ""
	}
	return name
}

// passthrough is handed back as the original table: the kernel has already
// performed every request the observer replays.
func passthrough() platform.HookTable {
	return platform.HookTable{
		Mmap:       func(_ platform.Caller, a platform.MmapArgs) (uint64, error) { return a.Addr, nil },
		Mremap:     func(_ platform.Caller, a platform.MremapArgs) (uint64, error) { return a.Addr, nil },
		RemapPages: func(platform.Caller, platform.RemapPagesArgs) error { return nil },
		Munmap:     func(platform.Caller, platform.MunmapArgs) error { return nil },
	}
}

func (o *observer) InstallMappingHooks(hooks platform.HookTable) (platform.HookTable, error) {
	if hooks.Mmap == nil || hooks.Mremap == nil || hooks.RemapPages == nil || hooks.Munmap == nil {
		return platform.HookTable{}, fmt.Errorf("%w: incomplete hook table", platform.ErrInvalidConfig)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.installed {
		return platform.HookTable{}, fmt.Errorf("%w: mapping hooks already installed", platform.ErrTask)
	}
	o.hooks = hooks
	o.installed = true
	o.seen = make(map[int]map[uint64]devMapping)
	o.denied = make(map[int]bool)
	o.baseline = true
	stop := make(chan struct{})
	o.stop = stop
	o.closeStop = func() { close(stop) }
	go o.loop(stop)
	return passthrough(), nil
}

// RestoreMappingHooks stops the observer. It does not wait for a scan in
// progress; hooks fired after this call reach a stopped monitor.
func (o *observer) RestoreMappingHooks(platform.HookTable) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.installed {
		return nil
	}
	o.closeStop()
	o.installed = false
	o.hooks = platform.HookTable{}
	return nil
}

func (o *observer) SubscribeExit(fn func(pid int)) (func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}, nil
}

func (o *observer) loop(stop <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if err := o.scan(ctx, stop); err != nil && ctx.Err() == nil {
			o.log.Warn().Err(err).Msg("process map scan failed")
		}
	}
}

// table returns the hooks if the installation that started the loop owning
// stop is still current.
func (o *observer) table(stop <-chan struct{}) (platform.HookTable, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hooks, o.installed && o.stop == stop
}

// scan diffs the /dev/mem mappings of every process against the previous
// scan and replays the difference through the hooks. The first scan after
// install only records what is already mapped: those mappings were made
// before the hooks existed and are not requests.
func (o *observer) scan(ctx context.Context, stop <-chan struct{}) error {
	pids, err := o.pids(ctx)
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}
	o.mu.Lock()
	baseline := o.baseline && o.installed && o.stop == stop
	o.mu.Unlock()

	alive := make(map[int]bool, len(pids))
	for _, p := range pids {
		pid := int(p)
		alive[pid] = true
		f, err := os.Open(filepath.Join(o.procRoot, strconv.Itoa(pid), "maps"))
		if err != nil {
			// exited or not ours to read
			continue
		}
		cur, err := parseMaps(f)
		f.Close()
		if err != nil {
			o.log.Debug().Err(err).Int("pid", pid).Msg("cannot parse maps")
			continue
		}
		if baseline {
			o.record(pid, cur)
			continue
		}
		o.replay(ctx, stop, pid, p, cur)
	}

	var gone []int
	o.mu.Lock()
	if baseline && o.stop == stop {
		o.baseline = false
	}
	for pid := range o.seen {
		if !alive[pid] {
			gone = append(gone, pid)
			delete(o.seen, pid)
			delete(o.denied, pid)
		}
	}
	subs := make([]func(int), 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	o.mu.Unlock()

	for _, pid := range gone {
		for _, fn := range subs {
			fn(pid)
		}
	}
	return nil
}

func (o *observer) record(pid int, cur []devMapping) {
	if len(cur) == 0 {
		return
	}
	next := make(map[uint64]devMapping, len(cur))
	for _, m := range cur {
		next[m.Start] = m
	}
	o.mu.Lock()
	o.seen[pid] = next
	o.mu.Unlock()
	o.log.Info().Int("pid", pid).Int("mappings", len(cur)).Msg("existing /dev/mem mappings recorded")
}

func (o *observer) replay(ctx context.Context, stop <-chan struct{}, pid int, p int32, cur []devMapping) {
	o.mu.Lock()
	prev := o.seen[pid]
	o.mu.Unlock()
	if len(prev) == 0 && len(cur) == 0 {
		return
	}

	hooks, ok := o.table(stop)
	if !ok {
		return
	}
	caller := platform.Caller{PID: pid, Comm: o.comm(ctx, p)}
	next := make(map[uint64]devMapping, len(cur))

	for _, m := range cur {
		old, known := prev[m.Start]
		var err error
		switch {
		case !known:
			_, err = hooks.Mmap(caller, platform.MmapArgs{
				Addr: m.Start, Length: m.Len(), PgOff: m.Offset / o.pageSize, DevMem: true,
			})
		case old.Len() != m.Len():
			_, err = hooks.Mremap(caller, platform.MremapArgs{
				Addr: m.Start, OldLen: old.Len(), NewLen: m.Len(), NewAddr: m.Start,
			})
		case old.Offset != m.Offset:
			err = hooks.RemapPages(caller, platform.RemapPagesArgs{
				Addr: m.Start, Length: m.Len(), PgOff: m.Offset / o.pageSize,
			})
		}
		if err != nil {
			o.refused(caller, err)
		}
		// a refused mapping still exists; remembering it reports it once
		next[m.Start] = m
	}
	for start, old := range prev {
		if _, still := next[start]; still {
			continue
		}
		if err := hooks.Munmap(caller, platform.MunmapArgs{Addr: start, Length: old.Len()}); err != nil {
			o.log.Debug().Err(err).Int("pid", pid).Msg("replay unmap failed")
		}
	}

	o.mu.Lock()
	o.seen[pid] = next
	o.mu.Unlock()
}

// refused handles a replayed request the monitor rejected. The mapping
// already exists, so the only way to honour the refusal is to end the process.
func (o *observer) refused(c platform.Caller, err error) {
	if !errors.Is(err, platform.ErrPermissionDenied) {
		o.log.Warn().Err(err).Int("pid", c.PID).Msg("replayed mapping failed")
		return
	}
	o.mu.Lock()
	already := o.denied[c.PID]
	o.denied[c.PID] = true
	o.mu.Unlock()
	if already || o.kill == nil {
		return
	}
	if kerr := o.kill(c.PID); kerr != nil {
		o.log.Error().Err(kerr).Int("pid", c.PID).Str("comm", c.Comm).Msg("cannot terminate refused process")
		return
	}
	o.log.Warn().Int("pid", c.PID).Str("comm", c.Comm).Msg("terminated process holding a refused mapping")
}
