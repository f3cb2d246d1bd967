// Package platform defines the host collaborators the monitors consume and the
// per-SoC layouts that describe what they protect.
package platform

// AccessKind selects which memory access a watchpoint reacts to.
type AccessKind int

const (
	AccessRead AccessKind = iota + 1
	AccessWrite
)

// String returns a short label for the access kind.
func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	default:
		return "unknown"
	}
}

// RegKind selects one register of a debug register pair.
type RegKind int

const (
	RegValue RegKind = iota
	RegControl
)

// WatchID identifies an installed hardware watchpoint.
type WatchID int

// WatchEvent describes one access that hit an installed watchpoint.
type WatchEvent struct {
	// Addr is the watched address that was accessed.
	Addr uint64
	// Kind is the access that triggered the watchpoint.
	Kind AccessKind
	// Value is the data written, when the host can observe it.
	Value uint32
	// HasValue is false when the host only counts accesses.
	HasValue bool
}

// WatchHandler is invoked by the host, possibly from an asynchronous context,
// each time a watchpoint fires. Handlers must not block.
type WatchHandler func(WatchEvent)

// IOWindow is an accessible view over one physical block.
type IOWindow interface {
	// Read32 reads the 32-bit register at byte offset off within the block.
	Read32(off uint32) (uint32, error)
	// Write32 writes the 32-bit register at byte offset off within the block.
	Write32(off uint32, v uint32) error
	// Unmap releases the window. The window must not be used afterwards.
	Unmap() error
}

// IOMapper makes physical address ranges accessible.
type IOMapper interface {
	Map(phys uint64, size uint32) (IOWindow, error)
}

// Watchpoints registers hardware watchpoints bound to an address.
type Watchpoints interface {
	InstallWatch(addr uint64, kind AccessKind, h WatchHandler) (WatchID, error)
	RemoveWatch(id WatchID) error
}

// DebugRegisters gives raw access to the CPU debug register slots.
// Slots [0, breakpoints) are breakpoints, the rest are watchpoints.
type DebugRegisters interface {
	SlotCounts() (breakpoints, watchpoints int)
	ReadSlot(slot int, reg RegKind) (uint32, error)
	WriteSlot(slot int, reg RegKind, v uint32) error
}

// TextPatcher rewrites kernel text. Patch returns the bytes it replaced so the
// caller can revert.
type TextPatcher interface {
	Lookup(symbol string) (uint64, error)
	Patch(addr uint64, code []byte) (orig []byte, err error)
}

// Caller identifies the process issuing a mapping request.
type Caller struct {
	PID  int
	Comm string
}

// MmapArgs are the arguments of a create-mapping request.
type MmapArgs struct {
	Addr   uint64
	Length uint64
	Prot   uint64
	Flags  uint64
	// PgOff is the file offset in pages. For physical memory it is the
	// physical page number.
	PgOff uint64
	// DevMem is true when the mapped file is the physical memory device.
	DevMem bool
}

// MremapArgs are the arguments of a grow/move request.
type MremapArgs struct {
	Addr    uint64
	OldLen  uint64
	NewLen  uint64
	Flags   uint64
	NewAddr uint64
}

// Mremap flags understood by the monitors.
const (
	MremapMayMove uint64 = 1
	MremapFixed   uint64 = 2
)

// RemapPagesArgs are the arguments of an offset-remap request.
type RemapPagesArgs struct {
	Addr   uint64
	Length uint64
	Prot   uint64
	PgOff  uint64
	Flags  uint64
}

// MunmapArgs are the arguments of a destroy-mapping request.
type MunmapArgs struct {
	Addr   uint64
	Length uint64
}

type (
	MmapFunc       func(c Caller, a MmapArgs) (uint64, error)
	MremapFunc     func(c Caller, a MremapArgs) (uint64, error)
	RemapPagesFunc func(c Caller, a RemapPagesArgs) error
	MunmapFunc     func(c Caller, a MunmapArgs) error
)

// HookTable is the set of mapping entry points. Installing a table returns
// the previous one, which the hooks call to perform the real operation.
type HookTable struct {
	Mmap       MmapFunc
	Mremap     MremapFunc
	RemapPages RemapPagesFunc
	Munmap     MunmapFunc
}

// MappingInterceptor intercepts mapping requests and process termination.
type MappingInterceptor interface {
	InstallMappingHooks(hooks HookTable) (HookTable, error)
	RestoreMappingHooks(orig HookTable) error
	// SubscribeExit registers fn to be called with the pid of every process
	// whose address space is released. The returned func cancels.
	SubscribeExit(fn func(pid int)) (cancel func(), err error)
}

// Host bundles every collaborator a full monitor stack needs.
type Host interface {
	IOMapper
	Watchpoints
	DebugRegisters
	TextPatcher
	MappingInterceptor
	PageSize() uint64
}
