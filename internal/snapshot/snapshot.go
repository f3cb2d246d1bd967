// Package snapshot holds the last-known-good copy of a protected resource.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/iyulab/plcguard/internal/platform"
)

// MaxSize bounds a single snapshot. Protected regions are a handful of
// registers; anything larger is a configuration mistake.
const MaxSize = 1 << 20

// Snapshot is a fixed-size byte buffer of 32-bit little-endian words.
// It is not safe for concurrent use; the owning monitor serializes access.
type Snapshot struct {
	buf []byte
}

// New allocates a zeroed snapshot of size bytes.
func New(size int) (*Snapshot, error) {
	if size <= 0 || size > MaxSize || size%4 != 0 {
		return nil, fmt.Errorf("%w: snapshot of %d bytes", platform.ErrAlloc, size)
	}
	return &Snapshot{buf: make([]byte, size)}, nil
}

// Len returns the snapshot size in bytes.
func (s *Snapshot) Len() int {
	return len(s.buf)
}

// Word returns the 32-bit word at byte offset off.
func (s *Snapshot) Word(off int) uint32 {
	return binary.LittleEndian.Uint32(s.buf[off:])
}

// SetWord stores v at byte offset off.
func (s *Snapshot) SetWord(off int, v uint32) {
	binary.LittleEndian.PutUint32(s.buf[off:], v)
}

// Capture fills the snapshot by calling read for every word offset in order.
// On error the snapshot is left partially filled and the error is returned.
func (s *Snapshot) Capture(read func(off int) (uint32, error)) error {
	for off := 0; off < len(s.buf); off += 4 {
		v, err := read(off)
		if err != nil {
			return err
		}
		s.SetWord(off, v)
	}
	return nil
}

// Bytes returns a copy of the snapshot contents.
func (s *Snapshot) Bytes() []byte {
	return bytes.Clone(s.buf)
}

// Equal reports whether the snapshot holds exactly b.
func (s *Snapshot) Equal(b []byte) bool {
	return bytes.Equal(s.buf, b)
}

// String renders the snapshot as space-separated hex words.
func (s *Snapshot) String() string {
	var sb bytes.Buffer
	for off := 0; off < len(s.buf); off += 4 {
		if off > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(hex.EncodeToString(s.buf[off : off+4]))
	}
	return sb.String()
}
