package snapshot

import (
	"errors"
	"testing"

	"github.com/iyulab/plcguard/internal/platform"
)

func TestNew_InvalidSize(t *testing.T) {
	for _, size := range []int{0, -4, 6, MaxSize + 4} {
		if _, err := New(size); !errors.Is(err, platform.ErrAlloc) {
			t.Errorf("New(%d) error = %v, want ErrAlloc", size, err)
		}
	}
}

func TestCapture_Idempotent(t *testing.T) {
	live := []uint32{0x00000008, 0x00249000, 0xdeadbeef}
	read := func(off int) (uint32, error) { return live[off/4], nil }

	a, _ := New(12)
	b, _ := New(12)
	if err := a.Capture(read); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if err := b.Capture(read); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if !a.Equal(b.Bytes()) {
		t.Errorf("two captures differ: %s vs %s", a, b)
	}
}

func TestCapture_Error(t *testing.T) {
	s, _ := New(8)
	boom := errors.New("bus error")
	err := s.Capture(func(off int) (uint32, error) {
		if off == 4 {
			return 0, boom
		}
		return 1, nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("Capture error = %v, want %v", err, boom)
	}
}

func TestWord_RoundTrip(t *testing.T) {
	s, _ := New(8)
	s.SetWord(4, 0x01020304)
	if got := s.Word(4); got != 0x01020304 {
		t.Errorf("Word(4) = 0x%08x, want 0x01020304", got)
	}
	if got := s.Word(0); got != 0 {
		t.Errorf("Word(0) = 0x%08x, want 0", got)
	}
	if s.String() != "00000000 04030201" {
		t.Errorf("String() = %q", s.String())
	}
}

func TestBytes_IsCopy(t *testing.T) {
	s, _ := New(4)
	b := s.Bytes()
	b[0] = 0xff
	if s.Word(0) != 0 {
		t.Error("Bytes() must return a copy")
	}
}
