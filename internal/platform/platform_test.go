package platform

import (
	"errors"
	"testing"
)

func TestLayouts_Count(t *testing.T) {
	layouts := Layouts()
	if len(layouts) < 2 {
		t.Errorf("Layouts() returned %d layouts, want at least 2", len(layouts))
	}
}

func TestLayouts_UniqueNames(t *testing.T) {
	seen := make(map[string]bool)
	for _, l := range Layouts() {
		if seen[l.Name] {
			t.Errorf("duplicate layout name: %q", l.Name)
		}
		seen[l.Name] = true
	}
}

func TestLayouts_Validate(t *testing.T) {
	for _, l := range Layouts() {
		if err := l.Validate(); err != nil {
			t.Errorf("layout %q: %v", l.Name, err)
		}
	}
}

func TestLayouts_RegionSizeIsSumOfBlocks(t *testing.T) {
	for _, l := range Layouts() {
		sum := 0
		for _, b := range l.Region.Blocks {
			sum += int(b.Size)
		}
		if l.Region.Size() != sum {
			t.Errorf("layout %q: Size() = %d, want %d", l.Name, l.Region.Size(), sum)
		}
	}
}

func TestLayouts_PinMasks(t *testing.T) {
	for _, l := range Layouts() {
		for p := 0; p < l.PinsPerReg; p++ {
			ctrl := l.PinCtrlMask(p)
			mux := l.PinMuxMask(p)
			conf := l.PinConfMask(p)
			if (mux|conf)&^ctrl != 0 {
				t.Errorf("layout %q pin %d: ctrl 0x%08x does not cover mux|conf 0x%08x", l.Name, p, ctrl, mux|conf)
			}
			if mux&conf != 0 {
				t.Errorf("layout %q pin %d: mux 0x%08x overlaps conf 0x%08x", l.Name, p, mux, conf)
			}
			if p > 0 && ctrl&l.PinCtrlMask(p-1) != 0 {
				t.Errorf("layout %q pin %d: ctrl mask overlaps previous pin", l.Name, p)
			}
		}
	}
}

func TestLookup(t *testing.T) {
	l, ok := Lookup("BCM2835")
	if !ok {
		t.Fatal("Lookup(BCM2835) not found")
	}
	if l.PinCtrlBase != 0x20200000 {
		t.Errorf("PinCtrlBase = 0x%x, want 0x20200000", l.PinCtrlBase)
	}
	if _, ok := Lookup("esp32"); ok {
		t.Error("Lookup(esp32) should fail")
	}
}

func TestBCM2835_Registers(t *testing.T) {
	l := BCM2835()
	tests := []struct {
		pin          int
		lev, set, cl uint32
		shift        uint
	}{
		{pin: 3, lev: 0x34, set: 0x1C, cl: 0x28, shift: 3},
		{pin: 24, lev: 0x34, set: 0x1C, cl: 0x28, shift: 24},
		{pin: 40, lev: 0x38, set: 0x20, cl: 0x2C, shift: 8},
	}
	for _, tt := range tests {
		if got := l.LevelReg(tt.pin); got != tt.lev {
			t.Errorf("LevelReg(%d) = 0x%x, want 0x%x", tt.pin, got, tt.lev)
		}
		if got := l.SetReg(tt.pin); got != tt.set {
			t.Errorf("SetReg(%d) = 0x%x, want 0x%x", tt.pin, got, tt.set)
		}
		if got := l.ClearReg(tt.pin); got != tt.cl {
			t.Errorf("ClearReg(%d) = 0x%x, want 0x%x", tt.pin, got, tt.cl)
		}
		if got := l.PinShift(tt.pin); got != tt.shift {
			t.Errorf("PinShift(%d) = %d, want %d", tt.pin, got, tt.shift)
		}
	}
}

func TestPinOf(t *testing.T) {
	l := BCM2835()
	if got := l.PinOf(0x20200000, 3); got != 3 {
		t.Errorf("PinOf(GPFSEL0, 3) = %d, want 3", got)
	}
	if got := l.PinOf(0x20200008, 4); got != 24 {
		t.Errorf("PinOf(GPFSEL2, 4) = %d, want 24", got)
	}
}

func TestRegion_Overlaps(t *testing.T) {
	r := Region{Blocks: []Block{{Name: "a", Base: 0x20200000, Size: 0x18}}}
	tests := []struct {
		name       string
		start, end uint64
		want       bool
	}{
		{"same start", 0x20200000, 0x20200010, true},
		{"contains block", 0x20100000, 0x20300000, true},
		{"ends at base", 0x201ff000, 0x20200000, false},
		{"starts at end", 0x20200018, 0x20201000, false},
		{"tail overlap", 0x20200010, 0x20201000, true},
		{"empty range", 0x20200004, 0x20200004, false},
	}
	for _, tt := range tests {
		if got := r.Overlaps(tt.start, tt.end); got != tt.want {
			t.Errorf("%s: Overlaps(0x%x, 0x%x) = %v, want %v", tt.name, tt.start, tt.end, got, tt.want)
		}
	}
}

func TestRegion_ValidateOverlap(t *testing.T) {
	r := Region{Name: "bad", Blocks: []Block{
		{Name: "a", Base: 0x1000, Size: 8},
		{Name: "b", Base: 0x1004, Size: 8},
	}}
	if err := r.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
	}
}

func TestRegion_ValidateUnaligned(t *testing.T) {
	r := Region{Name: "bad", Blocks: []Block{{Name: "a", Base: 0x1000, Size: 6}}}
	if err := r.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
	}
}

func TestRegion_Offset(t *testing.T) {
	r := Region{Blocks: []Block{
		{Name: "a", Base: 0x1000, Size: 8},
		{Name: "b", Base: 0x2000, Size: 4},
		{Name: "c", Base: 0x3000, Size: 12},
	}}
	if got := r.Offset(2); got != 12 {
		t.Errorf("Offset(2) = %d, want 12", got)
	}
	if got := r.Size(); got != 24 {
		t.Errorf("Size() = %d, want 24", got)
	}
}

func TestWithRegion(t *testing.T) {
	l := BCM2835().WithRegion([]Block{{Name: "GPFSEL2", Base: 0x20200008, Size: 4}})
	if err := l.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if l.Region.Size() != 4 {
		t.Errorf("Size() = %d, want 4", l.Region.Size())
	}
	if BCM2835().Region.Size() != 24 {
		t.Error("WithRegion must not modify the built-in layout")
	}
}

func TestLayout_ValidateBadMasks(t *testing.T) {
	l := BCM2835()
	l.MuxMask = 0x3
	if err := l.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
	}
}
