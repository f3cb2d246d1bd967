//go:build !linux

package hostlinux

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/iyulab/plcguard/internal/platform"
)

// Host is unavailable outside Linux.
type Host struct {
	platform.Host
}

// New always fails outside Linux.
func New(Options, zerolog.Logger) (*Host, error) {
	return nil, fmt.Errorf("%w: linux host on %s", platform.ErrUnsupported, runtime.GOOS)
}

// Close is a no-op.
func (h *Host) Close() error { return nil }
