//go:build linux

package hostlinux

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/iyulab/plcguard/internal/platform"
)

// Map implements platform.IOMapper over /dev/mem. The window is page
// aligned; registers are accessed with 32-bit atomic loads and stores.
func (h *Host) Map(phys uint64, size uint32) (platform.IOWindow, error) {
	fd, err := h.memFD()
	if err != nil {
		return nil, err
	}
	base := phys &^ (h.pageSize - 1)
	delta := phys - base
	length := (delta + uint64(size) + h.pageSize - 1) &^ (h.pageSize - 1)

	mem, err := unix.Mmap(fd, int64(base), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s at 0x%08x: %w", devMemPath, phys, err)
	}
	return &window{mem: mem, delta: uint32(delta), size: size, phys: phys}, nil
}

func (h *Host) memFD() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fd >= 0 {
		return h.fd, nil
	}
	fd, err := unix.Open(devMemPath, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
			return -1, fmt.Errorf("%w: open %s: %w", platform.ErrPermissionDenied, devMemPath, err)
		}
		return -1, fmt.Errorf("open %s: %w", devMemPath, err)
	}
	h.fd = fd
	return fd, nil
}

type window struct {
	mem   []byte
	delta uint32
	size  uint32
	phys  uint64
}

func (w *window) word(off uint32) (*uint32, error) {
	if w.mem == nil {
		return nil, fmt.Errorf("%w: window 0x%08x used after unmap", platform.ErrMap, w.phys)
	}
	if off%4 != 0 || off+4 > w.size {
		return nil, fmt.Errorf("%w: offset 0x%x outside window of %d bytes", platform.ErrMap, off, w.size)
	}
	return (*uint32)(unsafe.Pointer(&w.mem[w.delta+off])), nil
}

func (w *window) Read32(off uint32) (uint32, error) {
	p, err := w.word(off)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

func (w *window) Write32(off uint32, v uint32) error {
	p, err := w.word(off)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, v)
	return nil
}

func (w *window) Unmap() error {
	if w.mem == nil {
		return fmt.Errorf("%w: window 0x%08x unmapped twice", platform.ErrMap, w.phys)
	}
	err := unix.Munmap(w.mem)
	w.mem = nil
	return err
}
