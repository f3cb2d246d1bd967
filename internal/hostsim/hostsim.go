// Package hostsim is an in-memory host platform. It backs the tests of every
// monitor and the simulate command: physical registers, debug register slots,
// kernel text and a small /dev/mem mapping kernel all live in process memory.
package hostsim

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/iyulab/plcguard/internal/platform"
)

var _ platform.Host = (*Host)(nil)

// Default geometry, modelled on an ARM1176 core.
const (
	DefaultBreakpoints = 6
	DefaultWatchpoints = 2
	DefaultPageSize    = 4096
)

// Control register value written into a slot while a watch is armed.
const (
	ctrlEnable uint32 = 1
	ctrlLoad   uint32 = 1 << 3
	ctrlStore  uint32 = 1 << 4
)

// prologue is the text of an unpatched kernel function.
var prologue = []byte{0x10, 0x40, 0x2d, 0xe9, 0x00, 0x40, 0xa0, 0xe1}

type watch struct {
	addr    uint64
	kind    platform.AccessKind
	handler platform.WatchHandler
	slot    int
}

// Host simulates every collaborator a monitor consumes.
type Host struct {
	mu sync.Mutex

	pageSize uint64
	mem      map[uint64]uint32
	windows  int
	mapFail  map[uint64]error
	readFail map[uint64]error

	runtimeVirt uint64
	runtimePhys uint64

	slots     [][2]uint32
	bp        int
	watches   map[platform.WatchID]*watch
	nextWatch platform.WatchID
	watchFail error
	slotFail  error
	changed   chan struct{}

	symbols   map[string]uint64
	text      map[uint64][]byte
	patchFail error

	kernel   platform.HookTable
	hooks    platform.HookTable
	hooked   bool
	procs    map[int]*process
	exitSubs map[int]func(int)
	nextSub  int
}

type process struct {
	comm     string
	pages    map[uint64]page
	nextVirt uint64
}

type page struct {
	pgoff  uint64
	devmem bool
}

// New returns a host with the default slot counts, page size and the
// kernel's hardware breakpoint entry points in its symbol table.
func New() *Host {
	h := &Host{
		pageSize: DefaultPageSize,
		mem:      make(map[uint64]uint32),
		mapFail:  make(map[uint64]error),
		readFail: make(map[uint64]error),
		watches:  make(map[platform.WatchID]*watch),
		changed:  make(chan struct{}),
		symbols:  make(map[string]uint64),
		text:     make(map[uint64][]byte),
		procs:    make(map[int]*process),
		exitSubs: make(map[int]func(int)),
	}
	h.SetSlotCounts(DefaultBreakpoints, DefaultWatchpoints)
	h.AddSymbol("register_user_hw_breakpoint", 0xc0012000, prologue)
	h.AddSymbol("modify_user_hw_breakpoint", 0xc0012200, prologue)
	h.AddSymbol("unregister_hw_breakpoint", 0xc0012400, prologue)
	h.kernel = platform.HookTable{
		Mmap:       h.sysMmap,
		Mremap:     h.sysMremap,
		RemapPages: h.sysRemapPages,
		Munmap:     h.sysMunmap,
	}
	h.hooks = h.kernel
	return h
}

// PageSize returns the simulated page size.
func (h *Host) PageSize() uint64 {
	return h.pageSize
}

// Poke writes a physical register directly, bypassing any window.
func (h *Host) Poke(phys uint64, v uint32) {
	h.mu.Lock()
	h.mem[phys] = v
	h.mu.Unlock()
}

// Peek reads a physical register directly.
func (h *Host) Peek(phys uint64) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mem[phys]
}

// FailMap makes the next Map of phys return err. A nil err clears it.
func (h *Host) FailMap(phys uint64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.mapFail, phys)
		return
	}
	h.mapFail[phys] = err
}

// FailRead makes every window read of phys return err. A nil err clears it.
func (h *Host) FailRead(phys uint64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.readFail, phys)
		return
	}
	h.readFail[phys] = err
}

// OpenWindows returns the number of windows mapped and not yet unmapped.
func (h *Host) OpenWindows() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.windows
}

// Map implements platform.IOMapper.
func (h *Host) Map(phys uint64, size uint32) (platform.IOWindow, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err, ok := h.mapFail[phys]; ok {
		delete(h.mapFail, phys)
		return nil, err
	}
	h.windows++
	return &window{host: h, phys: phys, size: size}, nil
}

type window struct {
	host     *Host
	phys     uint64
	size     uint32
	unmapped bool
}

func (w *window) check(off uint32) error {
	if w.unmapped {
		return fmt.Errorf("%w: window 0x%08x used after unmap", platform.ErrMap, w.phys)
	}
	if off%4 != 0 || off+4 > w.size {
		return fmt.Errorf("%w: offset 0x%x outside window of %d bytes", platform.ErrMap, off, w.size)
	}
	return nil
}

func (w *window) Read32(off uint32) (uint32, error) {
	h := w.host
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := w.check(off); err != nil {
		return 0, err
	}
	addr := w.phys + uint64(off)
	if err, ok := h.readFail[addr]; ok {
		return 0, err
	}
	return h.mem[addr], nil
}

func (w *window) Write32(off uint32, v uint32) error {
	h := w.host
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := w.check(off); err != nil {
		return err
	}
	h.mem[w.phys+uint64(off)] = v
	return nil
}

func (w *window) Unmap() error {
	h := w.host
	h.mu.Lock()
	defer h.mu.Unlock()
	if w.unmapped {
		return fmt.Errorf("%w: window 0x%08x unmapped twice", platform.ErrMap, w.phys)
	}
	w.unmapped = true
	h.windows--
	return nil
}

// SetRuntime declares that the runtime sees the pin controller at physical
// address phys through its virtual address virt.
func (h *Host) SetRuntime(virt, phys uint64) {
	h.mu.Lock()
	h.runtimeVirt, h.runtimePhys = virt, phys
	h.mu.Unlock()
}

// RuntimeRead performs a runtime read of virt, firing matching read watches.
func (h *Host) RuntimeRead(virt uint64) uint32 {
	h.mu.Lock()
	v := h.mem[h.runtimePhys+(virt-h.runtimeVirt)]
	fire := h.matching(virt, platform.AccessRead)
	h.mu.Unlock()

	for _, fn := range fire {
		fn(platform.WatchEvent{Addr: virt, Kind: platform.AccessRead})
	}
	return v
}

// RuntimeWrite performs a runtime write of v to virt, firing matching write
// watches.
func (h *Host) RuntimeWrite(virt uint64, v uint32) {
	h.mu.Lock()
	h.mem[h.runtimePhys+(virt-h.runtimeVirt)] = v
	fire := h.matching(virt, platform.AccessWrite)
	h.mu.Unlock()

	for _, fn := range fire {
		fn(platform.WatchEvent{Addr: virt, Kind: platform.AccessWrite, Value: v, HasValue: true})
	}
}

func (h *Host) matching(addr uint64, kind platform.AccessKind) []platform.WatchHandler {
	var fire []platform.WatchHandler
	for _, w := range h.watches {
		if w.kind == kind && w.addr&^3 == addr&^3 {
			fire = append(fire, w.handler)
		}
	}
	return fire
}

// SetSlotCounts resets the debug register file to bp breakpoint and wp
// watchpoint slots, all cleared.
func (h *Host) SetSlotCounts(bp, wp int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bp = bp
	h.slots = make([][2]uint32, bp+wp)
}

// FailWatch makes InstallWatch fail with err until cleared with nil.
func (h *Host) FailWatch(err error) {
	h.mu.Lock()
	h.watchFail = err
	h.mu.Unlock()
}

// FailSlots makes ReadSlot fail with err until cleared with nil.
func (h *Host) FailSlots(err error) {
	h.mu.Lock()
	h.slotFail = err
	h.mu.Unlock()
}

// SlotCounts implements platform.DebugRegisters.
func (h *Host) SlotCounts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bp, len(h.slots) - h.bp
}

// ReadSlot implements platform.DebugRegisters.
func (h *Host) ReadSlot(slot int, reg platform.RegKind) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.slotFail != nil {
		return 0, h.slotFail
	}
	if slot < 0 || slot >= len(h.slots) {
		return 0, fmt.Errorf("slot %d out of range", slot)
	}
	return h.slots[slot][reg], nil
}

// WriteSlot implements platform.DebugRegisters. It is also how a test or
// scenario tampers with a slot behind the monitor's back.
func (h *Host) WriteSlot(slot int, reg platform.RegKind, v uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slot < 0 || slot >= len(h.slots) {
		return fmt.Errorf("slot %d out of range", slot)
	}
	h.slots[slot][reg] = v
	return nil
}

// InstallWatch implements platform.Watchpoints. When the host has watchpoint
// slots the watch occupies the first free one.
func (h *Host) InstallWatch(addr uint64, kind platform.AccessKind, fn platform.WatchHandler) (platform.WatchID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watchFail != nil {
		return 0, h.watchFail
	}

	slot := -1
	if len(h.slots) > h.bp {
		for i := h.bp; i < len(h.slots); i++ {
			if h.slots[i][platform.RegControl] == 0 {
				slot = i
				break
			}
		}
		if slot < 0 {
			return 0, fmt.Errorf("%w: no free watchpoint slot", platform.ErrWatch)
		}
		ctrl := ctrlEnable | ctrlLoad
		if kind == platform.AccessWrite {
			ctrl = ctrlEnable | ctrlStore
		}
		h.slots[slot] = [2]uint32{uint32(addr), ctrl}
	}

	h.nextWatch++
	h.watches[h.nextWatch] = &watch{addr: addr, kind: kind, handler: fn, slot: slot}
	h.notify()
	return h.nextWatch, nil
}

// RemoveWatch implements platform.Watchpoints.
func (h *Host) RemoveWatch(id platform.WatchID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.watches[id]
	if !ok {
		return fmt.Errorf("%w: unknown watch %d", platform.ErrWatch, id)
	}
	if w.slot >= 0 {
		h.slots[w.slot] = [2]uint32{}
	}
	delete(h.watches, id)
	h.notify()
	return nil
}

func (h *Host) notify() {
	close(h.changed)
	h.changed = make(chan struct{})
}

// ActiveWatches returns the number of installed watches.
func (h *Host) ActiveWatches() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watches)
}

// WaitWatch blocks until a watch of the given kind is installed and returns
// its address.
func (h *Host) WaitWatch(ctx context.Context, kind platform.AccessKind) (uint64, error) {
	for {
		h.mu.Lock()
		for _, w := range h.watches {
			if w.kind == kind {
				h.mu.Unlock()
				return w.addr, nil
			}
		}
		changed := h.changed
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-changed:
		}
	}
}

// AddSymbol places code at addr under name.
func (h *Host) AddSymbol(name string, addr uint64, code []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.symbols[name] = addr
	h.text[addr] = bytes.Clone(code)
}

// Text returns the current code at symbol name.
func (h *Host) Text(name string) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return bytes.Clone(h.text[h.symbols[name]])
}

// FailPatch makes Patch fail with err until cleared with nil.
func (h *Host) FailPatch(err error) {
	h.mu.Lock()
	h.patchFail = err
	h.mu.Unlock()
}

// Lookup implements platform.TextPatcher.
func (h *Host) Lookup(symbol string) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	addr, ok := h.symbols[symbol]
	if !ok {
		return 0, fmt.Errorf("symbol %q not found", symbol)
	}
	return addr, nil
}

// Patch implements platform.TextPatcher.
func (h *Host) Patch(addr uint64, code []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.patchFail != nil {
		return nil, h.patchFail
	}
	cur, ok := h.text[addr]
	if !ok {
		return nil, fmt.Errorf("no text at 0x%08x", addr)
	}
	if len(code) > len(cur) {
		grown := make([]byte, len(code))
		copy(grown, cur)
		cur = grown
	}
	orig := bytes.Clone(cur[:len(code)])
	copy(cur, code)
	h.text[addr] = cur
	return orig, nil
}

// InstallMappingHooks implements platform.MappingInterceptor.
func (h *Host) InstallMappingHooks(hooks platform.HookTable) (platform.HookTable, error) {
	if hooks.Mmap == nil || hooks.Mremap == nil || hooks.RemapPages == nil || hooks.Munmap == nil {
		return platform.HookTable{}, fmt.Errorf("%w: incomplete hook table", platform.ErrInvalidConfig)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hooked {
		return platform.HookTable{}, fmt.Errorf("mapping hooks already installed")
	}
	orig := h.hooks
	h.hooks = hooks
	h.hooked = true
	return orig, nil
}

// RestoreMappingHooks implements platform.MappingInterceptor.
func (h *Host) RestoreMappingHooks(orig platform.HookTable) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.hooked {
		return fmt.Errorf("mapping hooks not installed")
	}
	h.hooks = orig
	h.hooked = false
	return nil
}

// Hooked reports whether mapping hooks are installed.
func (h *Host) Hooked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hooked
}

// SubscribeExit implements platform.MappingInterceptor.
func (h *Host) SubscribeExit(fn func(pid int)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSub++
	id := h.nextSub
	h.exitSubs[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.exitSubs, id)
		h.mu.Unlock()
	}, nil
}

// Spawn registers a process. Mapping calls from unknown pids spawn them.
func (h *Host) Spawn(pid int, comm string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.proc(platform.Caller{PID: pid, Comm: comm})
}

func (h *Host) proc(c platform.Caller) *process {
	p, ok := h.procs[c.PID]
	if !ok {
		p = &process{
			comm:     c.Comm,
			pages:    make(map[uint64]page),
			nextVirt: 0x40000000 + uint64(len(h.procs))*0x01000000,
		}
		h.procs[c.PID] = p
	}
	return p
}

func (h *Host) caller(pid int) platform.Caller {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := platform.Caller{PID: pid}
	if p, ok := h.procs[pid]; ok {
		c.Comm = p.comm
	}
	return c
}

func (h *Host) table() platform.HookTable {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hooks
}

// Mmap issues a create-mapping request from pid through the installed hooks.
func (h *Host) Mmap(pid int, a platform.MmapArgs) (uint64, error) {
	return h.table().Mmap(h.caller(pid), a)
}

// Mremap issues a grow/move request from pid through the installed hooks.
func (h *Host) Mremap(pid int, a platform.MremapArgs) (uint64, error) {
	return h.table().Mremap(h.caller(pid), a)
}

// RemapPages issues an offset-remap request from pid through the installed hooks.
func (h *Host) RemapPages(pid int, a platform.RemapPagesArgs) error {
	return h.table().RemapPages(h.caller(pid), a)
}

// Munmap issues a destroy-mapping request from pid through the installed hooks.
func (h *Host) Munmap(pid int, a platform.MunmapArgs) error {
	return h.table().Munmap(h.caller(pid), a)
}

// Exit releases pid's address space without unmapping and notifies
// exit subscribers.
func (h *Host) Exit(pid int) {
	h.mu.Lock()
	delete(h.procs, pid)
	subs := make([]func(int), 0, len(h.exitSubs))
	ids := make([]int, 0, len(h.exitSubs))
	for id := range h.exitSubs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		subs = append(subs, h.exitSubs[id])
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(pid)
	}
}

// Mapping returns the physical address pid's page at virt maps, if any.
func (h *Host) Mapping(pid int, virt uint64) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.procs[pid]
	if !ok {
		return 0, false
	}
	pg, ok := p.pages[virt&^(h.pageSize-1)]
	if !ok {
		return 0, false
	}
	return pg.pgoff * h.pageSize, true
}

func (h *Host) pages(length uint64) uint64 {
	return (length + h.pageSize - 1) / h.pageSize
}

func (h *Host) sysMmap(c platform.Caller, a platform.MmapArgs) (uint64, error) {
	if a.Length == 0 {
		return 0, fmt.Errorf("mmap: zero length")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.proc(c)
	n := h.pages(a.Length)

	addr := a.Addr &^ (h.pageSize - 1)
	if addr == 0 {
		addr = p.nextVirt
		// leave room for in-place growth
		p.nextVirt += (n + 64) * h.pageSize
	}
	for k := uint64(0); k < n; k++ {
		p.pages[addr+k*h.pageSize] = page{pgoff: a.PgOff + k, devmem: a.DevMem}
	}
	return addr, nil
}

func (h *Host) sysMremap(c platform.Caller, a platform.MremapArgs) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.proc(c)
	ps := h.pageSize
	oldN, newN := h.pages(a.OldLen), h.pages(a.NewLen)
	if newN == 0 {
		return 0, fmt.Errorf("mremap: zero length")
	}

	moved := make([]page, 0, oldN)
	for k := uint64(0); k < oldN; k++ {
		pg, ok := p.pages[a.Addr+k*ps]
		if !ok {
			return 0, fmt.Errorf("mremap: 0x%x not mapped", a.Addr+k*ps)
		}
		moved = append(moved, pg)
	}

	dst := a.Addr
	if a.Flags&platform.MremapFixed != 0 {
		dst = a.NewAddr &^ (ps - 1)
	}
	for k := uint64(0); k < oldN; k++ {
		delete(p.pages, a.Addr+k*ps)
	}
	for k := uint64(0); k < newN; k++ {
		var pg page
		if k < oldN {
			pg = moved[k]
		} else {
			last := moved[len(moved)-1]
			pg = page{pgoff: last.pgoff + (k - oldN + 1), devmem: last.devmem}
		}
		p.pages[dst+k*ps] = pg
	}
	return dst, nil
}

func (h *Host) sysRemapPages(c platform.Caller, a platform.RemapPagesArgs) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.proc(c)
	ps := h.pageSize
	n := h.pages(a.Length)
	for k := uint64(0); k < n; k++ {
		pg, ok := p.pages[a.Addr+k*ps]
		if !ok {
			return fmt.Errorf("remap_file_pages: 0x%x not mapped", a.Addr+k*ps)
		}
		pg.pgoff = a.PgOff + k
		p.pages[a.Addr+k*ps] = pg
	}
	return nil
}

func (h *Host) sysMunmap(c platform.Caller, a platform.MunmapArgs) error {
	if a.Length == 0 {
		return fmt.Errorf("munmap: zero length")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.proc(c)
	for k := uint64(0); k < h.pages(a.Length); k++ {
		delete(p.pages, a.Addr+k*h.pageSize)
	}
	return nil
}
