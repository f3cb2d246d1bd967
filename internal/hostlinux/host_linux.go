//go:build linux

package hostlinux

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/iyulab/plcguard/internal/platform"
)

var _ platform.Host = (*Host)(nil)

// Host is the Linux host adapter.
type Host struct {
	*observer

	opts     Options
	log      zerolog.Logger
	pageSize uint64

	mu        sync.Mutex
	fd        int
	watches   map[platform.WatchID]*perfWatch
	nextWatch platform.WatchID
}

// New returns a host adapter for the running kernel.
func New(opts Options, log zerolog.Logger) (*Host, error) {
	opts.defaults()
	pageSize := uint64(os.Getpagesize())
	log = log.With().Str("host", "linux").Logger()

	obs := newObserver(opts.ProcRoot, pageSize, opts.ScanInterval, log)
	if opts.KillRefused {
		obs.kill = func(pid int) error { return unix.Kill(pid, unix.SIGKILL) }
	}
	return &Host{
		observer: obs,
		opts:     opts,
		log:      log,
		pageSize: pageSize,
		fd:       -1,
		watches:  make(map[platform.WatchID]*perfWatch),
	}, nil
}

// PageSize returns the kernel page size.
func (h *Host) PageSize() uint64 { return h.pageSize }

// SlotCounts reports no slots: the debug registers are not readable from
// user space.
func (h *Host) SlotCounts() (int, int) { return 0, 0 }

func (h *Host) ReadSlot(slot int, _ platform.RegKind) (uint32, error) {
	return 0, fmt.Errorf("%w: debug register slot %d", platform.ErrUnsupported, slot)
}

func (h *Host) WriteSlot(slot int, _ platform.RegKind, _ uint32) error {
	return fmt.Errorf("%w: debug register slot %d", platform.ErrUnsupported, slot)
}

func (h *Host) Lookup(symbol string) (uint64, error) {
	return 0, fmt.Errorf("%w: kernel symbol %s", platform.ErrUnsupported, symbol)
}

func (h *Host) Patch(addr uint64, _ []byte) ([]byte, error) {
	return nil, fmt.Errorf("%w: kernel text at 0x%08x", platform.ErrUnsupported, addr)
}

// Close releases /dev/mem.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fd < 0 {
		return nil
	}
	err := unix.Close(h.fd)
	h.fd = -1
	return err
}
