package drmon

import (
	"fmt"

	"github.com/iyulab/plcguard/internal/platform"
)

// SetReadWatch arms a read watchpoint at addr. While the monitor runs the
// new slot contents become trusted until ClearWatch.
func (m *Monitor) SetReadWatch(addr uint64, h platform.WatchHandler) (platform.WatchID, error) {
	return m.install(addr, platform.AccessRead, h)
}

// SetWriteWatch arms a write watchpoint at addr.
func (m *Monitor) SetWriteWatch(addr uint64, h platform.WatchHandler) (platform.WatchID, error) {
	return m.install(addr, platform.AccessWrite, h)
}

// ClearWatch removes a watchpoint installed by SetReadWatch or SetWriteWatch.
func (m *Monitor) ClearWatch(id platform.WatchID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.host.RemoveWatch(id); err != nil {
		return fmt.Errorf("%w: remove watch %d: %w", platform.ErrWatch, id, err)
	}
	m.recapture()
	return nil
}

func (m *Monitor) install(addr uint64, kind platform.AccessKind, h platform.WatchHandler) (platform.WatchID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.host.InstallWatch(addr, kind, h)
	if err != nil {
		return 0, fmt.Errorf("%w: %s watch at 0x%08x: %w", platform.ErrWatch, kind, addr, err)
	}
	m.recapture()
	return id, nil
}

// recapture refreshes the trusted snapshot after the watch service changed
// slot contents. Caller holds mu.
func (m *Monitor) recapture() {
	if !m.running {
		return
	}
	if err := m.trusted.Capture(m.readPair); err != nil {
		m.log.Warn().Err(err).Msg("recapture after watch change failed")
	}
}
