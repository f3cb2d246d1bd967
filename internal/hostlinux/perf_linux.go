//go:build linux

package hostlinux

import (
	"encoding/binary"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/iyulab/plcguard/internal/platform"
)

// perf breakpoint attributes from linux/hw_breakpoint.h.
const (
	bpRead  = 1
	bpWrite = 2
	bpLen4  = 4
)

type perfWatch struct {
	fd   int
	stop chan struct{}
	done chan struct{}
}

// InstallWatch opens a breakpoint perf event on the runtime process in
// counting mode. A poller posts an event each time the counter advances;
// the written value is not available.
func (h *Host) InstallWatch(addr uint64, kind platform.AccessKind, fn platform.WatchHandler) (platform.WatchID, error) {
	if h.opts.RuntimePID <= 0 {
		return 0, fmt.Errorf("%w: no runtime pid to watch", platform.ErrInvalidConfig)
	}
	bp := uint32(bpRead)
	if kind == platform.AccessWrite {
		bp = bpWrite
	}
	attr := unix.PerfEventAttr{
		Type:    unix.PERF_TYPE_BREAKPOINT,
		Size:    uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Bits:    unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv,
		Bp_type: bp,
		Ext1:    addr,
		Ext2:    bpLen4,
	}
	fd, err := unix.PerfEventOpen(&attr, h.opts.RuntimePID, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return 0, fmt.Errorf("perf_event_open %s breakpoint at 0x%08x: %w", kind, addr, err)
	}

	w := &perfWatch{fd: fd, stop: make(chan struct{}), done: make(chan struct{})}
	h.mu.Lock()
	h.nextWatch++
	id := h.nextWatch
	h.watches[id] = w
	h.mu.Unlock()

	go h.poll(w, platform.WatchEvent{Addr: addr, Kind: kind}, fn)
	return id, nil
}

func (h *Host) poll(w *perfWatch, ev platform.WatchEvent, fn platform.WatchHandler) {
	defer close(w.done)
	ticker := time.NewTicker(h.opts.WatchPoll)
	defer ticker.Stop()

	var last uint64
	buf := make([]byte, 8)
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}
		if _, err := unix.Read(w.fd, buf); err != nil {
			h.log.Warn().Err(err).Uint64("addr", ev.Addr).Msg("breakpoint counter read failed")
			return
		}
		if n := binary.NativeEndian.Uint64(buf); n > last {
			last = n
			fn(ev)
		}
	}
}

// RemoveWatch stops the poller and closes the perf event.
func (h *Host) RemoveWatch(id platform.WatchID) error {
	h.mu.Lock()
	w, ok := h.watches[id]
	delete(h.watches, id)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown watch %d", platform.ErrWatch, id)
	}
	close(w.stop)
	<-w.done
	return unix.Close(w.fd)
}
