package platform

import (
	"fmt"
	"sort"
)

// Block is one fixed-size range of protected physical memory.
type Block struct {
	Name string
	Base uint64
	Size uint32
}

// End returns the first address past the block.
func (b Block) End() uint64 {
	return b.Base + uint64(b.Size)
}

// Region is a named, ordered list of non-overlapping blocks.
type Region struct {
	Name   string
	Blocks []Block
}

// Size returns the total monitored size in bytes.
func (r Region) Size() int {
	total := 0
	for _, b := range r.Blocks {
		total += int(b.Size)
	}
	return total
}

// Offset returns the byte offset of block i inside a snapshot of the region.
func (r Region) Offset(i int) int {
	off := 0
	for _, b := range r.Blocks[:i] {
		off += int(b.Size)
	}
	return off
}

// Overlaps reports whether the half-open physical range [start, end)
// intersects any block of the region.
func (r Region) Overlaps(start, end uint64) bool {
	if end <= start {
		return false
	}
	for _, b := range r.Blocks {
		if start < b.End() && b.Base < end {
			return true
		}
	}
	return false
}

// Validate checks that the region has blocks, that every block is a whole
// number of 32-bit registers and that no two blocks overlap.
func (r Region) Validate() error {
	if len(r.Blocks) == 0 {
		return fmt.Errorf("%w: region %q has no blocks", ErrInvalidConfig, r.Name)
	}
	for _, b := range r.Blocks {
		if b.Size == 0 || b.Size%4 != 0 {
			return fmt.Errorf("%w: block %q size %d is not a positive multiple of 4", ErrInvalidConfig, b.Name, b.Size)
		}
		if b.Base%4 != 0 {
			return fmt.Errorf("%w: block %q base 0x%08x is not 4-byte aligned", ErrInvalidConfig, b.Name, b.Base)
		}
		if b.End() < b.Base {
			return fmt.Errorf("%w: block %q wraps the address space", ErrInvalidConfig, b.Name)
		}
	}

	sorted := make([]Block, len(r.Blocks))
	copy(sorted, r.Blocks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Base < sorted[i-1].End() {
			return fmt.Errorf("%w: blocks %q and %q overlap", ErrInvalidConfig, sorted[i-1].Name, sorted[i].Name)
		}
	}
	return nil
}
