package pmm

import (
	"github.com/lioen-dev/kiwiOS/kernel"
	"github.com/lioen-dev/kiwiOS/kernel/bootinfo"
	"github.com/lioen-dev/kiwiOS/kernel/mem"
)

var errBootAllocOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory", Kind: kernel.KindOutOfMemory}

// bootMemAllocator is a rudimentary physical memory allocator used to
// bootstrap the kernel before the bitmap allocator's own structures exist.
//
// It scans the firmware-reported memory map on every call and returns the
// next available frame after the last one it handed out; it cannot free
// frames. Once BitmapAllocator is initialized, allocations made through
// this allocator are folded into its reserved set by
// BitmapAllocator.reserveEarlyAllocatorFrames and this allocator is never
// used again.
type bootMemAllocator struct {
	// allocCount tracks the total number of frames allocated so far.
	allocCount uint64

	// lastAllocFrame is the most recently allocated frame.
	lastAllocFrame mem.Frame

	// kernelStartFrame and kernelEndFrame bound the frames occupied by
	// the loaded kernel image, as reported by bootinfo.
	kernelStartFrame mem.Frame
	kernelEndFrame   mem.Frame
}

// init records the frame range occupied by the kernel image.
func (alloc *bootMemAllocator) init(kernelPhysStart, kernelPhysEnd uintptr) {
	alloc.kernelStartFrame = mem.FrameFromAddress(kernelPhysStart)
	alloc.kernelEndFrame = mem.FrameFromAddress(kernelPhysEnd)
}

// AllocFrame scans the firmware memory map and reserves the next available
// free frame after whichever frame it last handed out.
func (alloc *bootMemAllocator) AllocFrame() (mem.Frame, *kernel.Error) {
	err := errBootAllocOutOfMemory

	bootinfo.VisitMemoryMap(func(region *bootinfo.MemoryMapEntry) bool {
		if region.Type != bootinfo.RegionUsable || region.Length < uint64(mem.PageSize) {
			return true
		}

		startFrame, endFrame := regionFrames(region)

		if alloc.allocCount != 0 && alloc.lastAllocFrame >= endFrame {
			return true
		}

		if alloc.allocCount == 0 || alloc.lastAllocFrame < startFrame {
			alloc.lastAllocFrame = startFrame
		} else {
			alloc.lastAllocFrame++
		}
		err = nil
		return false
	})

	if err != nil {
		return mem.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	return alloc.lastAllocFrame, nil
}

// printMemoryMap logs the firmware-reported memory map through the
// package's swappable logf hook.
func (alloc *bootMemAllocator) printMemoryMap() {
	log("[pmm] system memory map:\n")
	var totalFree mem.Size
	bootinfo.VisitMemoryMap(func(region *bootinfo.MemoryMapEntry) bool {
		log("  [0x%x - 0x%x] size=%d usable=%t\n", region.Base, region.Base+region.Length, region.Length, region.Type == bootinfo.RegionUsable)
		if region.Type == bootinfo.RegionUsable {
			totalFree += mem.Size(region.Length)
		}
		return true
	})
	log("[pmm] free memory: %dKb\n", uint64(totalFree/mem.Kb))
}

var earlyAllocator bootMemAllocator
