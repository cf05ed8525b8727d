package vmm

import (
	"github.com/lioen-dev/kiwiOS/kernel"
	"github.com/lioen-dev/kiwiOS/kernel/mem"
)

// earlyReserveWindowEnd bounds the top of the scratch virtual address range
// that EarlyReserveRegion bump-allocates from during boot, before the heap
// exists. It sits comfortably below the HHDM region so early reservations
// never collide with the direct-mapped physical range.
const earlyReserveWindowEnd = uintptr(0xffffffff90000000)

// earlyReserveLastUsed tracks the last reserved address; it decreases after
// each reservation.
var earlyReserveLastUsed = earlyReserveWindowEnd

var errEarlyReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining early virtual address space not large enough to satisfy reservation request", Kind: kernel.KindOutOfMemory}

// EarlyReserveRegion reserves a page-aligned contiguous range of virtual
// addresses below earlyReserveWindowEnd and returns its base address. Size
// is rounded up to a page multiple. Callers are expected to Map every page
// in the returned range themselves; this function only carves out the
// virtual address range, it does not back it with physical frames.
//
// This is a boot-time bump allocator with no free path -- once the bitmap
// physical frame allocator and the kernel heap are online, nothing should
// call it again.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)

	if uintptr(size) > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= uintptr(size)
	return earlyReserveLastUsed, nil
}
