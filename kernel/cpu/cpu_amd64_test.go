package cpu

import "testing"

func TestIsIntel(t *testing.T) {
	defer func() { cpuidFn = func(leaf uint32) (uint32, uint32, uint32, uint32) { return Cpuid(leaf, 0) } }()

	specs := []struct {
		eax, ebx, ecx, edx uint32
		exp                bool
	}{
		// CPUID leaf 0 output from an Intel CPU.
		{0xd, 0x756e6547, 0x6c65746e, 0x49656e69, true},
		// CPUID leaf 0 output from an AMD Athlon CPU.
		{0x1, 0x68747541, 0x444d4163, 0x69746e65, false},
	}

	for i, spec := range specs {
		cpuidFn = func(_ uint32) (uint32, uint32, uint32, uint32) {
			return spec.eax, spec.ebx, spec.ecx, spec.edx
		}

		if got := IsIntel(); got != spec.exp {
			t.Errorf("[spec %d] expected IsIntel to return %t; got %t", i, spec.exp, got)
		}
	}
}

func TestHasLAPIC(t *testing.T) {
	defer func() { cpuidFn = func(leaf uint32) (uint32, uint32, uint32, uint32) { return Cpuid(leaf, 0) } }()

	cpuidFn = func(_ uint32) (uint32, uint32, uint32, uint32) {
		return 0, 0, 0, 1 << 9
	}
	if !HasLAPIC() {
		t.Fatal("expected HasLAPIC to return true when EDX bit 9 is set")
	}

	cpuidFn = func(_ uint32) (uint32, uint32, uint32, uint32) {
		return 0, 0, 0, 0
	}
	if HasLAPIC() {
		t.Fatal("expected HasLAPIC to return false when EDX bit 9 is clear")
	}
}
