// Package detect defines the detection record shared by the monitors and the
// journal that reports and retains them.
package detect

import (
	"fmt"
	"time"
)

// Monitor names, also used as Sigma logsource categories.
const (
	MonitorIO  = "io"
	MonitorDR  = "dr"
	MonitorMap = "map"
)

// Detection kinds.
const (
	KindPinMux        = "pin_mux_change"
	KindPinConfig     = "pin_config_change"
	KindSlotTamper    = "slot_tamper"
	KindMmapOverlap   = "mmap_overlap"
	KindMremapOverlap = "mremap_overlap"
	KindRemapOverlap  = "remap_overlap"
)

// Verdict is the outcome of legitimacy classification.
type Verdict int

const (
	VerdictNone Verdict = iota
	Legitimate
	NotLegitimate
	// Unclassified marks a detection abandoned because the monitor stopped
	// before the observation window closed. Nothing was changed.
	Unclassified
)

func (v Verdict) String() string {
	switch v {
	case Legitimate:
		return "LEGITIMATE"
	case NotLegitimate:
		return "NOT_LEGITIMATE"
	case Unclassified:
		return "UNCLASSIFIED"
	default:
		return "NONE"
	}
}

func (v Verdict) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// Action is what the monitor did about a detection.
type Action int

const (
	ActionNone Action = iota
	// ActionTrusted means the trusted snapshot now tracks the new value.
	ActionTrusted
	// ActionRestored means the live state was overwritten with the trusted value.
	ActionRestored
	// ActionDenied means the request was refused with ErrPermissionDenied.
	ActionDenied
	// ActionAllowed means the request was let through and tracked.
	ActionAllowed
)

func (a Action) String() string {
	switch a {
	case ActionTrusted:
		return "trusted"
	case ActionRestored:
		return "restored"
	case ActionDenied:
		return "denied"
	case ActionAllowed:
		return "allowed"
	default:
		return "none"
	}
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// Context carries the monitor-specific part of a detection.
type Context interface {
	Fields() map[string]interface{}
}

// Record describes one discrepancy between live and trusted state.
type Record struct {
	ID      string    `json:"id"`
	At      time.Time `json:"at"`
	Monitor string    `json:"monitor"`
	Kind    string    `json:"kind"`
	// Target is the physical register address (io), slot index (dr) or
	// virtual mapping address (map).
	Target  uint64  `json:"target"`
	Old     uint64  `json:"old"`
	New     uint64  `json:"new"`
	Context Context `json:"context,omitempty"`
	Verdict Verdict `json:"verdict"`
	Action  Action  `json:"action"`

	Level string   `json:"level,omitempty"`
	Rules []string `json:"rules,omitempty"`
}

// Fields flattens the record into the event map logged and fed to Sigma.
func (r Record) Fields() map[string]interface{} {
	f := map[string]interface{}{
		"monitor": r.Monitor,
		"kind":    r.Kind,
		"target":  hex(r.Target),
		"old":     hex(r.Old),
		"new":     hex(r.New),
		"verdict": r.Verdict.String(),
		"action":  r.Action.String(),
	}
	if r.Context != nil {
		for k, v := range r.Context.Fields() {
			f[k] = v
		}
	}
	return f
}

func hex(v uint64) string {
	return fmt.Sprintf("0x%08x", v)
}

// PinContext is the classification context of an I/O detection.
type PinContext struct {
	Block  string `json:"block"`
	Pin    int    `json:"pin"`
	RegPin int    `json:"reg_pin"`
	// Mux is true when multiplexing bits changed or were already set.
	Mux bool `json:"mux"`
	// Output is true when the new configuration selects output.
	Output bool `json:"output"`
	// Waited is true when a transient watchpoint was armed.
	Waited bool `json:"waited"`
}

func (c PinContext) Fields() map[string]interface{} {
	return map[string]interface{}{
		"block":  c.Block,
		"pin":    c.Pin,
		"mux":    c.Mux,
		"output": c.Output,
		"waited": c.Waited,
	}
}

// SlotContext is the context of a debug register detection. Old and New on
// the record hold the (value, control) pair packed as value<<32 | control.
type SlotContext struct {
	Slot       int  `json:"slot"`
	Watchpoint bool `json:"watchpoint"`
}

func (c SlotContext) Fields() map[string]interface{} {
	return map[string]interface{}{
		"slot":       c.Slot,
		"watchpoint": c.Watchpoint,
	}
}

// PackPair packs a debug register (value, control) pair into one word.
func PackPair(value, control uint32) uint64 {
	return uint64(value)<<32 | uint64(control)
}

// MapContext is the context of a mapping request against protected memory.
type MapContext struct {
	PID       int    `json:"pid"`
	Comm      string `json:"comm"`
	PhysStart uint64 `json:"phys_start"`
	PhysEnd   uint64 `json:"phys_end"`
	Length    uint64 `json:"length"`
}

func (c MapContext) Fields() map[string]interface{} {
	return map[string]interface{}{
		"pid":        c.PID,
		"comm":       c.Comm,
		"phys_start": hex(c.PhysStart),
		"phys_end":   hex(c.PhysEnd),
	}
}
