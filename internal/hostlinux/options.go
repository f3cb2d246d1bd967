// Package hostlinux adapts a Linux kernel to the monitors' host interfaces:
// /dev/mem windows, perf_event breakpoints on the PLC runtime and a procfs
// observer standing in for mapping interception.
package hostlinux

import "time"

// Options configures the adapter.
type Options struct {
	// RuntimePID is the process watchpoints are bound to.
	RuntimePID int
	// ProcRoot is the procfs mount, "/proc" by default.
	ProcRoot string
	// ScanInterval is how often process maps are diffed.
	ScanInterval time.Duration
	// WatchPoll is how often breakpoint counters are read.
	WatchPoll time.Duration
	// KillRefused sends SIGKILL to a process whose mapping was refused.
	KillRefused bool
}

func (o *Options) defaults() {
	if o.ProcRoot == "" {
		o.ProcRoot = "/proc"
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = 200 * time.Millisecond
	}
	if o.WatchPoll <= 0 {
		o.WatchPoll = time.Millisecond
	}
}
