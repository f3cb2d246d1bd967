package platform

// Broadcom GPIO controller registers (BCM2835 ARM Peripherals, chapter 6).
// GPFSEL0-5 hold 3 bits per pin, 10 pins per register:
//
//	000 input, 001 output, 010-111 alternate functions 0-5
//
// so bit 0 selects the direction and bits 1-2 select multiplexing.
const (
	gpfselSize = 24 // GPFSEL0..GPFSEL5

	gpset0 = 0x1C
	gpset1 = 0x20
	gpclr0 = 0x28
	gpclr1 = 0x2C
	gplev0 = 0x34
	gplev1 = 0x38
)

// ARM-mode stubs, little-endian:
//
//	mvn r0, #0xC   ; return -EACCES
//	bx  lr
var (
	armDenyStub   = []byte{0x0C, 0x00, 0xE0, 0xE3, 0x1E, 0xFF, 0x2F, 0xE1}
	armReturnStub = []byte{0x1E, 0xFF, 0x2F, 0xE1}
)

func armDebugPatches() []Patch {
	return []Patch{
		{Symbol: "register_user_hw_breakpoint", Code: armDenyStub},
		{Symbol: "modify_user_hw_breakpoint", Code: armDenyStub},
		{Symbol: "unregister_hw_breakpoint", Code: armReturnStub},
	}
}

func broadcomGPIO(name, desc string, base uint64) Layout {
	return Layout{
		Name:        name,
		Description: desc,
		PinCtrlBase: base,
		Region: Region{
			Name: "gpio-function-select",
			Blocks: []Block{
				{Name: "GPFSEL0-5", Base: base, Size: gpfselSize},
			},
		},
		BitsPerPin:   3,
		PinsPerReg:   10,
		CtrlMask:     0x7,
		MuxMask:      0x6,
		ConfMask:     0x1,
		LevelRegs:    []uint32{gplev0, gplev1},
		SetRegs:      []uint32{gpset0, gpset1},
		ClearRegs:    []uint32{gpclr0, gpclr1},
		PageSize:     4096,
		DebugPatches: armDebugPatches(),
	}
}

// BCM2835 is the SoC of the first generation Raspberry Pi.
func BCM2835() Layout {
	return broadcomGPIO("bcm2835", "Broadcom BCM2835 (Raspberry Pi 1, Zero)", 0x20200000)
}

// BCM2837 is the SoC of the Raspberry Pi 2 v1.2 and 3.
func BCM2837() Layout {
	return broadcomGPIO("bcm2837", "Broadcom BCM2836/BCM2837 (Raspberry Pi 2, 3)", 0x3F200000)
}
