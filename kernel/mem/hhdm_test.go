package mem

import "testing"

func TestHHDMTranslate(t *testing.T) {
	defer SetHHDMOffset(0)

	SetHHDMOffset(0xffff800000000000)

	phys := uintptr(0x100000)
	virt := PhysToVirt(phys)

	if want := uintptr(0xffff800000100000); virt != want {
		t.Fatalf("PhysToVirt(0x100000) = %#x; want %#x", virt, want)
	}

	if got := VirtToPhys(virt); got != phys {
		t.Fatalf("VirtToPhys(PhysToVirt(p)) = %#x; want %#x", got, phys)
	}
}
