// Package bootinfo consumes the fields handed to the kernel by a
// UEFI/BIOS-capable boot protocol: the higher-half direct map offset, the
// firmware memory map, and the linear framebuffer descriptor. It plays the
// same role as the teacher's kernel/hal/multiboot package but models a
// Limine-style protocol (pre-parsed request/response structures) instead of
// Multiboot2's self-describing tag stream, matching this kernel's HHDM-based
// design.
package bootinfo

import "unsafe"

// MemoryRegionType classifies a firmware-reported memory region.
type MemoryRegionType uint32

const (
	// RegionUsable indicates memory that is safe to hand out via the PFA.
	RegionUsable MemoryRegionType = iota

	// RegionReserved indicates memory the PFA must never allocate from:
	// firmware-reserved ranges, ACPI tables, the kernel image itself, and
	// boot-protocol structures.
	RegionReserved

	// Any other firmware-reported type (ACPI reclaimable, NVS, bad
	// memory, bootloader-reclaimable, kernel/modules) is folded into
	// RegionReserved by Normalize; this core only distinguishes
	// "usable" from "everything else".
	regionUnknown
)

// MemoryMapEntry describes one contiguous physical memory region as
// reported by firmware.
type MemoryMapEntry struct {
	Base   uint64
	Length uint64
	Type   MemoryRegionType
}

// Normalize folds any type the kernel does not specifically special-case
// into RegionReserved, mirroring the teacher's memUnknown-to-MemReserved
// collapse in kernel/hal/multiboot.
func (e *MemoryMapEntry) Normalize() {
	if e.Type != RegionUsable {
		e.Type = RegionReserved
	}
}

// FramebufferInfo describes the linear framebuffer handed to the kernel.
type FramebufferInfo struct {
	Address uintptr
	Width   uint32
	Height  uint32
	Pitch   uint32
	Bpp     uint8
}

var (
	hhdmOffset     uintptr
	memoryMap      []MemoryMapEntry
	framebuffer    FramebufferInfo
	kernelPhysBase uintptr
	kernelPhysEnd  uintptr
	kernelVirtBase uintptr
)

// Init records the boot protocol's response fields. It must be called
// exactly once, from the rt0 trampoline, before any other package in this
// module runs. kernelSize is the byte length of the loaded kernel image,
// as reported by the boot protocol's kernel-file response.
func Init(hhdm uintptr, entries []MemoryMapEntry, fb FramebufferInfo, kernelPhys, kernelVirt, kernelSize uintptr) {
	hhdmOffset = hhdm
	memoryMap = entries
	framebuffer = fb
	kernelPhysBase = kernelPhys
	kernelPhysEnd = kernelPhys + kernelSize
	kernelVirtBase = kernelVirt
}

// HHDMOffset returns the fixed higher-half direct map linear offset.
func HHDMOffset() uintptr { return hhdmOffset }

// KernelPhysBase and KernelVirtBase return the physical and virtual load
// addresses of the kernel image, used to compute the frame range that the
// PFA must exclude from allocation. KernelPhysEnd is the first physical
// address past the end of the loaded image.
func KernelPhysBase() uintptr { return kernelPhysBase }
func KernelPhysEnd() uintptr  { return kernelPhysEnd }
func KernelVirtBase() uintptr { return kernelVirtBase }

// Framebuffer returns the linear framebuffer descriptor.
func Framebuffer() FramebufferInfo { return framebuffer }

// MemRegionVisitor is invoked once per firmware memory map entry. Returning
// false aborts the scan early.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// VisitMemoryMap invokes visitor for every entry in the firmware-supplied
// memory map, in the order firmware reported them.
func VisitMemoryMap(visitor MemRegionVisitor) {
	for i := range memoryMap {
		memoryMap[i].Normalize()
		if !visitor(&memoryMap[i]) {
			return
		}
	}
}

// visitRawEntries is used by the rt0 glue to decode a Limine-protocol
// memmap response (an array of pointers to entries) into the plain slice
// that the rest of this package works with. It is exercised via unsafe
// pointer arithmetic and is not itself unit-testable; Init is the tested
// seam.
func visitRawEntries(entryPtrs unsafe.Pointer, count uint64) []MemoryMapEntry {
	ptrs := *(*[]*MemoryMapEntry)(unsafe.Pointer(&sliceHeader{
		data: uintptr(entryPtrs),
		len:  int(count),
		cap:  int(count),
	}))

	out := make([]MemoryMapEntry, count)
	for i, p := range ptrs {
		out[i] = *p
	}
	return out
}

// sliceHeader mirrors reflect.SliceHeader's layout; using a local type
// avoids importing reflect just to build one throwaway header.
type sliceHeader struct {
	data uintptr
	len  int
	cap  int
}
