package mem

import (
	"math"

	"github.com/lioen-dev/kiwiOS/kernel"
)

// Frame describes a physical memory page index. Multiplying by PageSize
// yields the frame's physical base address.
type Frame uintptr

// InvalidFrame is returned by frame allocators when they fail to reserve a
// frame; every allocation path that can fail must check Valid() before
// using the result.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is not the sentinel InvalidFrame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of this frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << PageShift
}

// FrameFromAddress returns the Frame that contains the given physical
// address, rounding down if the address is not page-aligned.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr &^ uintptr(PageSize-1)) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual address of the first byte of this page.
func (p Page) Address() uintptr {
	return uintptr(p) << PageShift
}

// PageFromAddress returns the Page that contains the given virtual
// address, rounding down if the address is not page-aligned.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr &^ uintptr(PageSize-1)) >> PageShift)
}

// FrameAllocatorFn allocates a single physical frame. It is registered by
// whichever allocator (the early bump allocator during boot, the bitmap
// allocator afterwards) is currently authoritative, via SetFrameAllocator.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// frameAllocator is swapped by pmm.Init as the kernel's memory subsystem
// bootstraps: first to the early allocator, then to the bitmap allocator.
// Keeping the indirection here (rather than in package pmm) lets vmm depend
// on mem without depending on pmm, which in turn depends on vmm to map its
// own bookkeeping structures — avoiding an import cycle between pmm and
// vmm, exactly as the teacher's shared "mm" package does for the same
// reason.
var frameAllocator FrameAllocatorFn

// SetFrameAllocator registers the frame allocator function that AllocFrame
// delegates to.
func SetFrameAllocator(fn FrameAllocatorFn) { frameAllocator = fn }

// AllocFrame allocates a new physical frame using the currently registered
// allocator.
func AllocFrame() (Frame, *kernel.Error) { return frameAllocator() }
