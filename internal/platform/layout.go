package platform

import (
	"fmt"
	"strings"
)

// Patch replaces the entry of a kernel symbol with Code. The debug-register
// monitor uses these to turn the user-facing breakpoint interface into a
// stub that returns "permission denied".
type Patch struct {
	Symbol string
	Code   []byte
}

// Layout is the static description of one target SoC. Each supported chip is
// one Layout value.
type Layout struct {
	// Name is the identifier used in config.toml.
	Name string
	// Description is a human-readable summary.
	Description string
	// PinCtrlBase is the physical base of the pin controller. Register
	// offsets below and the runtime virtual base are relative to it.
	PinCtrlBase uint64
	// Region is the protected set of pin configuration registers.
	Region Region

	BitsPerPin int
	PinsPerReg int
	// CtrlMask, MuxMask and ConfMask are the per-pin masks before shifting.
	CtrlMask uint32
	MuxMask  uint32
	ConfMask uint32

	// LevelRegs, SetRegs and ClearRegs hold one offset per bank of 32 pins.
	LevelRegs []uint32
	SetRegs   []uint32
	ClearRegs []uint32

	PageSize uint64
	// DebugPatches disables the user-facing debug register interface.
	DebugPatches []Patch
}

// PinCtrlMask returns the control bits of the pin at position regPin inside
// a configuration register.
func (l Layout) PinCtrlMask(regPin int) uint32 {
	return l.CtrlMask << (regPin * l.BitsPerPin)
}

// PinMuxMask returns the multiplexing bits of the pin at position regPin.
func (l Layout) PinMuxMask(regPin int) uint32 {
	return l.MuxMask << (regPin * l.BitsPerPin)
}

// PinConfMask returns the input/output bit of the pin at position regPin.
func (l Layout) PinConfMask(regPin int) uint32 {
	return l.ConfMask << (regPin * l.BitsPerPin)
}

// PinOf returns the global pin number of regPin inside the configuration
// register at physical address reg.
func (l Layout) PinOf(reg uint64, regPin int) int {
	return int((reg-l.PinCtrlBase)/4)*l.PinsPerReg + regPin
}

// PinShift returns the bit of pin inside its level/set/clear register.
func (l Layout) PinShift(pin int) uint {
	return uint(pin & 31)
}

func bank(regs []uint32, pin int) uint32 {
	i := pin >> 5
	if i >= len(regs) {
		i = len(regs) - 1
	}
	return regs[i]
}

// LevelReg returns the offset of the register that reads pin's level.
func (l Layout) LevelReg(pin int) uint32 { return bank(l.LevelRegs, pin) }

// SetReg returns the offset of the register that drives pin high.
func (l Layout) SetReg(pin int) uint32 { return bank(l.SetRegs, pin) }

// ClearReg returns the offset of the register that drives pin low.
func (l Layout) ClearReg(pin int) uint32 { return bank(l.ClearRegs, pin) }

// WithRegion returns a copy of l protecting blocks instead of the built-in region.
func (l Layout) WithRegion(blocks []Block) Layout {
	l.Region = Region{Name: l.Region.Name, Blocks: append([]Block(nil), blocks...)}
	return l
}

// Validate checks the pin geometry and the protected region.
func (l Layout) Validate() error {
	if l.BitsPerPin <= 0 || l.PinsPerReg <= 0 || l.BitsPerPin*l.PinsPerReg > 32 {
		return fmt.Errorf("%w: layout %q: %d pins of %d bits do not fit a register",
			ErrInvalidConfig, l.Name, l.PinsPerReg, l.BitsPerPin)
	}
	if l.MuxMask&l.ConfMask != 0 {
		return fmt.Errorf("%w: layout %q: mux and conf masks overlap", ErrInvalidConfig, l.Name)
	}
	if (l.MuxMask|l.ConfMask)&^l.CtrlMask != 0 {
		return fmt.Errorf("%w: layout %q: mux/conf bits outside ctrl mask", ErrInvalidConfig, l.Name)
	}
	if l.CtrlMask>>l.BitsPerPin != 0 {
		return fmt.Errorf("%w: layout %q: ctrl mask wider than %d bits", ErrInvalidConfig, l.Name, l.BitsPerPin)
	}
	if len(l.LevelRegs) == 0 || len(l.SetRegs) == 0 || len(l.ClearRegs) == 0 {
		return fmt.Errorf("%w: layout %q: missing level/set/clear registers", ErrInvalidConfig, l.Name)
	}
	if l.PageSize == 0 || l.PageSize&(l.PageSize-1) != 0 {
		return fmt.Errorf("%w: layout %q: page size %d is not a power of two", ErrInvalidConfig, l.Name, l.PageSize)
	}
	for _, b := range l.Region.Blocks {
		if b.Base < l.PinCtrlBase {
			return fmt.Errorf("%w: block %q lies below the pin controller", ErrInvalidConfig, b.Name)
		}
	}
	return l.Region.Validate()
}

// Layouts returns the built-in SoC layouts.
func Layouts() []Layout {
	return []Layout{
		BCM2835(),
		BCM2837(),
	}
}

// Lookup returns the built-in layout with the given name (case-insensitive).
func Lookup(name string) (Layout, bool) {
	for _, l := range Layouts() {
		if strings.EqualFold(l.Name, name) {
			return l, true
		}
	}
	return Layout{}, false
}

// Names returns the identifiers of the built-in layouts.
func Names() []string {
	var names []string
	for _, l := range Layouts() {
		names = append(names, l.Name)
	}
	return names
}
