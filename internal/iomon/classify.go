package iomon

import (
	"fmt"
	"time"

	"github.com/iyulab/plcguard/internal/detect"
	"github.com/iyulab/plcguard/internal/platform"
)

// classify decides whether a pure direction change of pin was made by the
// runtime. It arms a watchpoint where the runtime would touch the pin in its
// old mode and waits:
//
//   - pin now output: any read of the level register means the runtime
//     still samples it as an input.
//   - pin now input: a write setting the pin's bit in the set register
//     means the runtime still drives it as an output.
//
// The level register is shared by every pin of its bank, so a read cannot
// be attributed to one pin. With more than one input pin in use per bank
// a legitimate switch to output is reported as an attack.
//
// The set register is shared the same way. A write event is attributed to
// pin only when the host reports the written value; hosts that cannot
// (perf breakpoints on Linux) count every write to the register, so any
// other output pin driven in the window makes a switch to input
// NotLegitimate.
//
// A watch that cannot be armed yields NotLegitimate. A stop request during
// the wait yields Unclassified: the change is left for the next start.
func (m *Monitor) classify(stop <-chan struct{}, pin int, output bool) detect.Verdict {
	layout := m.cfg.Layout
	events := make(chan platform.WatchEvent, 16)
	handler := func(ev platform.WatchEvent) {
		select {
		case events <- ev:
		default:
		}
	}

	var (
		addr uint64
		wait time.Duration
		id   platform.WatchID
		err  error
	)
	if output {
		addr = m.cfg.RuntimeBase + uint64(layout.LevelReg(pin))
		wait = m.cfg.ReadWait
		id, err = m.watch.SetReadWatch(addr, handler)
	} else {
		addr = m.cfg.RuntimeBase + uint64(layout.SetReg(pin))
		wait = m.cfg.WriteWait
		id, err = m.watch.SetWriteWatch(addr, handler)
	}
	if err != nil {
		m.log.Error().Err(err).Int("pin", pin).Msg("cannot arm classification watch")
		return detect.NotLegitimate
	}
	defer func() {
		if err := m.watch.ClearWatch(id); err != nil {
			m.log.Error().Err(err).Int("pin", pin).Msg("cannot clear classification watch")
		}
	}()

	m.log.Debug().Int("pin", pin).Bool("output", output).
		Str("watch", fmt.Sprintf("0x%08x", addr)).Dur("wait", wait).
		Msg("waiting for runtime access")

	bit := uint32(1) << layout.PinShift(pin)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case ev := <-events:
			if output || !ev.HasValue || ev.Value&bit != 0 {
				return detect.NotLegitimate
			}
		case <-timer.C:
			return detect.Legitimate
		case <-stop:
			return detect.Unclassified
		}
	}
}
