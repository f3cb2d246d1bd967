// Package scenario plays scripted runtime activity and attacks against the
// simulated host. Scripts are Lua; the functions below are available as
// globals, with addresses and values passed as plain numbers.
//
//	poke(phys, v)  peek(phys)           raw register access
//	runtime_read(virt)  runtime_write(virt, v)
//	                                    accesses by the PLC runtime, which fire watchpoints
//	sleep(ms)  wait_watch(kind, ms)     wait_watch returns the watched address or nil
//	spawn(pid, comm)  exit_process(pid)
//	mmap(pid, phys, len)  mremap(pid, virt, old, new [, newaddr])
//	remap_pages(pid, virt, len, phys)  munmap(pid, virt, len)
//	                                    return nil and an error string when refused
//	set_slot(slot, value, control)      tamper with a debug register slot
//	bor(a, b)  band(a, b)  lshift(a, n)  log(msg)
package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"github.com/iyulab/plcguard/internal/hostsim"
	"github.com/iyulab/plcguard/internal/platform"
)

// Options configures a run.
type Options struct {
	// Name labels log lines.
	Name string
	// Globals are exported to the script as numeric globals, e.g.
	// RUNTIME_BASE or GPIO_BASE.
	Globals map[string]uint64
	Log     zerolog.Logger
}

type runner struct {
	ctx  context.Context
	host *hostsim.Host
	log  zerolog.Logger
}

// Run executes script against host until it finishes, fails or ctx ends.
func Run(ctx context.Context, host *hostsim.Host, script string, opts Options) error {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	defer L.Close()
	L.SetContext(ctx)

	r := &runner{
		ctx:  ctx,
		host: host,
		log:  opts.Log.With().Str("scenario", opts.Name).Logger(),
	}
	for name, v := range opts.Globals {
		L.SetGlobal(name, lua.LNumber(v))
	}
	L.SetGlobal("PAGE_SIZE", lua.LNumber(host.PageSize()))
	for name, fn := range map[string]lua.LGFunction{
		"poke":          r.poke,
		"peek":          r.peek,
		"runtime_read":  r.runtimeRead,
		"runtime_write": r.runtimeWrite,
		"sleep":         r.sleep,
		"wait_watch":    r.waitWatch,
		"spawn":         r.spawn,
		"exit_process":  r.exitProcess,
		"mmap":          r.mmap,
		"mremap":        r.mremap,
		"remap_pages":   r.remapPages,
		"munmap":        r.munmap,
		"set_slot":      r.setSlot,
		"bor":           bor,
		"band":          band,
		"lshift":        lshift,
		"log":           r.logf,
	} {
		L.SetGlobal(name, L.NewFunction(fn))
	}

	if err := L.DoString(script); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("scenario %s: %w", opts.Name, err)
	}
	return nil
}

func u32(L *lua.LState, n int) uint32 { return uint32(L.CheckNumber(n)) }
func u64(L *lua.LState, n int) uint64 { return uint64(L.CheckNumber(n)) }

// fail returns nil plus the error text, the Lua convention for a refused call.
func fail(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

func (r *runner) poke(L *lua.LState) int {
	r.host.Poke(u64(L, 1), u32(L, 2))
	return 0
}

func (r *runner) peek(L *lua.LState) int {
	L.Push(lua.LNumber(r.host.Peek(u64(L, 1))))
	return 1
}

func (r *runner) runtimeRead(L *lua.LState) int {
	L.Push(lua.LNumber(r.host.RuntimeRead(u64(L, 1))))
	return 1
}

func (r *runner) runtimeWrite(L *lua.LState) int {
	r.host.RuntimeWrite(u64(L, 1), u32(L, 2))
	return 0
}

func (r *runner) sleep(L *lua.LState) int {
	d := time.Duration(L.CheckNumber(1)) * time.Millisecond
	select {
	case <-r.ctx.Done():
		L.RaiseError("sleep interrupted: %v", r.ctx.Err())
	case <-time.After(d):
	}
	return 0
}

func (r *runner) waitWatch(L *lua.LState) int {
	var kind platform.AccessKind
	switch s := L.CheckString(1); s {
	case "read":
		kind = platform.AccessRead
	case "write":
		kind = platform.AccessWrite
	default:
		L.ArgError(1, fmt.Sprintf("unknown access kind %q", s))
	}
	timeout := time.Duration(L.OptNumber(2, 1000)) * time.Millisecond

	ctx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()
	addr, err := r.host.WaitWatch(ctx, kind)
	if err != nil {
		if r.ctx.Err() != nil {
			L.RaiseError("wait_watch interrupted: %v", r.ctx.Err())
		}
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(addr))
	return 1
}

func (r *runner) spawn(L *lua.LState) int {
	r.host.Spawn(L.CheckInt(1), L.OptString(2, "scenario"))
	return 0
}

func (r *runner) exitProcess(L *lua.LState) int {
	r.host.Exit(L.CheckInt(1))
	return 0
}

func (r *runner) mmap(L *lua.LState) int {
	phys, length := u64(L, 2), u64(L, 3)
	virt, err := r.host.Mmap(L.CheckInt(1), platform.MmapArgs{
		Length: length,
		PgOff:  phys / r.host.PageSize(),
		DevMem: true,
	})
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LNumber(virt))
	return 1
}

func (r *runner) mremap(L *lua.LState) int {
	a := platform.MremapArgs{
		Addr:   u64(L, 2),
		OldLen: u64(L, 3),
		NewLen: u64(L, 4),
		Flags:  platform.MremapMayMove,
	}
	if L.GetTop() >= 5 {
		a.NewAddr = u64(L, 5)
		a.Flags |= platform.MremapFixed
	}
	virt, err := r.host.Mremap(L.CheckInt(1), a)
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LNumber(virt))
	return 1
}

func (r *runner) remapPages(L *lua.LState) int {
	err := r.host.RemapPages(L.CheckInt(1), platform.RemapPagesArgs{
		Addr:   u64(L, 2),
		Length: u64(L, 3),
		PgOff:  u64(L, 4) / r.host.PageSize(),
	})
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func (r *runner) munmap(L *lua.LState) int {
	if err := r.host.Munmap(L.CheckInt(1), platform.MunmapArgs{Addr: u64(L, 2), Length: u64(L, 3)}); err != nil {
		return fail(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func (r *runner) setSlot(L *lua.LState) int {
	slot := L.CheckInt(1)
	err := errors.Join(
		r.host.WriteSlot(slot, platform.RegValue, u32(L, 2)),
		r.host.WriteSlot(slot, platform.RegControl, u32(L, 3)),
	)
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func (r *runner) logf(L *lua.LState) int {
	r.log.Info().Msg(L.CheckString(1))
	return 0
}

func bor(L *lua.LState) int {
	L.Push(lua.LNumber(u64(L, 1) | u64(L, 2)))
	return 1
}

func band(L *lua.LState) int {
	L.Push(lua.LNumber(u64(L, 1) & u64(L, 2)))
	return 1
}

func lshift(L *lua.LState) int {
	L.Push(lua.LNumber(u64(L, 1) << uint(L.CheckInt(2))))
	return 1
}
