package mem

// offset holds the fixed higher-half direct map linear offset supplied by
// the boot protocol. It is set exactly once, by kernel/bootinfo during
// early boot, before any translation is attempted.
var offset uintptr

// SetHHDMOffset records the HHDM linear offset reported by the boot
// protocol. It must be called before PhysToVirt or VirtToPhys are used.
func SetHHDMOffset(off uintptr) {
	offset = off
}

// HHDMOffset returns the currently configured HHDM offset.
func HHDMOffset() uintptr {
	return offset
}

// PhysToVirt translates a physical address to its HHDM virtual alias.
func PhysToVirt(phys uintptr) uintptr {
	return phys + offset
}

// VirtToPhys translates a virtual address that lies inside the HHDM window
// back to the physical address it aliases. Calling this on a virtual
// address outside the HHDM window produces a meaningless result; callers
// are expected to only pass addresses obtained from PhysToVirt or from the
// HHDM-mapped pool/bitmap regions.
func VirtToPhys(virt uintptr) uintptr {
	return virt - offset
}
