// Package pmm implements the kernel's physical frame allocator. It runs in
// two stages: a bump-pointer bootMemAllocator serves the handful of frame
// requests needed to bring the bitmap allocator itself online, then
// BitmapAllocator takes over as the frame source for the rest of the
// kernel's lifetime.
package pmm

import (
	"reflect"
	"unsafe"

	"github.com/lioen-dev/kiwiOS/kernel"
	"github.com/lioen-dev/kiwiOS/kernel/bootinfo"
	"github.com/lioen-dev/kiwiOS/kernel/mem"
	"github.com/lioen-dev/kiwiOS/kernel/mem/vmm"
)

var (
	// FrameAllocator is the BitmapAllocator instance that serves frame
	// requests once Init completes.
	FrameAllocator BitmapAllocator

	// mapFn and reserveRegionFn are swapped out in tests so the pool
	// bitmap setup logic can run without a real vmm/MMU backing it.
	mapFn           = vmm.Map
	reserveRegionFn = vmm.EarlyReserveRegion

	// logf reports the boot-time memory map. It is nil until kmain wires
	// it to kfmt.Printf; keeping it as a swappable var avoids a forward
	// dependency from this package on kfmt.
	logf func(format string, args ...interface{})
)

func log(format string, args ...interface{}) {
	if logf != nil {
		logf(format, args...)
	}
}

type markFlag bool

const (
	markFree     markFlag = false
	markReserved markFlag = true
)

// framePool describes the bitmap-tracked frames belonging to one usable
// firmware memory region.
type framePool struct {
	// startFrame is the frame number of the first page in this pool;
	// each freeBitmap bit i corresponds to frame startFrame+i.
	startFrame mem.Frame

	// endFrame is the last frame in the pool, inclusive.
	endFrame mem.Frame

	// freeCount tracks the available pages in this pool so a fully
	// allocated pool can be skipped without scanning its bitmap.
	freeCount uint32

	freeBitmap    []uint64
	freeBitmapHdr reflect.SliceHeader
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps, one bit per
// frame, most-significant-bit-first within each 64-bit word.
type BitmapAllocator struct {
	totalPages    uint32
	reservedPages uint32

	pools    []framePool
	poolsHdr reflect.SliceHeader
}

var (
	errBitmapAllocOutOfMemory     = &kernel.Error{Module: "pmm", Message: "out of memory", Kind: kernel.KindOutOfMemory}
	errBitmapAllocDoubleFree      = &kernel.Error{Module: "pmm", Message: "frame is already free", Kind: kernel.KindInvalidArgument}
	errBitmapAllocFrameNotManaged = &kernel.Error{Module: "pmm", Message: "frame does not belong to any known pool", Kind: kernel.KindInvalidArgument}
	errBitmapAllocInvalidRun      = &kernel.Error{Module: "pmm", Message: "contiguous run length must be at least 1", Kind: kernel.KindInvalidArgument}
)

func pageSizeMinus1() uint64 { return uint64(mem.PageSize - 1) }

func regionFrames(region *bootinfo.MemoryMapEntry) (mem.Frame, mem.Frame) {
	psm1 := pageSizeMinus1()
	start := mem.Frame(((region.Base + psm1) &^ psm1) >> mem.PageShift)
	end := mem.Frame(((region.Base+region.Length)&^psm1)>>mem.PageShift) - 1
	return start, end
}

// init allocates space for the allocator structures using the early
// bootmem allocator, then reserves the frames occupied by the kernel image
// and by the early allocator's own allocations so the bitmap allocator
// never hands them out again.
func (alloc *BitmapAllocator) init() *kernel.Error {
	if err := alloc.setupPoolBitmaps(); err != nil {
		return err
	}
	alloc.reserveKernelFrames()
	alloc.reserveEarlyAllocatorFrames()
	return nil
}

// setupPoolBitmaps scans the firmware memory map to size one framePool per
// usable region, reserves enough virtual address space and backing frames
// to hold the pool headers and bitmaps, and clears the bitmaps to all-free.
func (alloc *BitmapAllocator) setupPoolBitmaps() *kernel.Error {
	var (
		err                 *kernel.Error
		sizeofPool          = unsafe.Sizeof(framePool{})
		requiredBitmapBytes mem.Size
	)

	bootinfo.VisitMemoryMap(func(region *bootinfo.MemoryMapEntry) bool {
		if region.Type != bootinfo.RegionUsable {
			return true
		}

		alloc.poolsHdr.Len++
		alloc.poolsHdr.Cap++

		start, end := regionFrames(region)
		pageCount := uint32(end - start + 1)
		alloc.totalPages += pageCount

		requiredBitmapBytes += mem.Size(((pageCount + 63) &^ 63) >> 3)
		return true
	})

	requiredBytes := mem.Size(((uint64(uintptr(alloc.poolsHdr.Len)*sizeofPool) + uint64(requiredBitmapBytes)) + pageSizeMinus1()) &^ pageSizeMinus1())
	requiredPages := requiredBytes >> mem.PageShift

	alloc.poolsHdr.Data, err = reserveRegionFn(requiredBytes)
	if err != nil {
		return err
	}

	for page, index := mem.PageFromAddress(alloc.poolsHdr.Data), mem.Size(0); index < requiredPages; page, index = page+1, index+1 {
		nextFrame, err := mem.AllocFrame()
		if err != nil {
			return err
		}

		if err := mapFn(page.Address(), nextFrame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}

		mem.Memset(page.Address(), 0, mem.PageSize)
	}

	alloc.pools = *(*[]framePool)(unsafe.Pointer(&alloc.poolsHdr))

	bitmapStartAddr := alloc.poolsHdr.Data + uintptr(alloc.poolsHdr.Len)*sizeofPool
	poolIndex := 0
	bootinfo.VisitMemoryMap(func(region *bootinfo.MemoryMapEntry) bool {
		if region.Type != bootinfo.RegionUsable {
			return true
		}

		start, end := regionFrames(region)
		bitmapBytes := uintptr((((end - start + 1) + 63) &^ 63) >> 3)

		alloc.pools[poolIndex].startFrame = start
		alloc.pools[poolIndex].endFrame = end
		alloc.pools[poolIndex].freeCount = uint32(end - start + 1)
		alloc.pools[poolIndex].freeBitmapHdr.Len = int(bitmapBytes >> 3)
		alloc.pools[poolIndex].freeBitmapHdr.Cap = alloc.pools[poolIndex].freeBitmapHdr.Len
		alloc.pools[poolIndex].freeBitmapHdr.Data = bitmapStartAddr
		alloc.pools[poolIndex].freeBitmap = *(*[]uint64)(unsafe.Pointer(&alloc.pools[poolIndex].freeBitmapHdr))

		bitmapStartAddr += bitmapBytes
		poolIndex++
		return true
	})

	return nil
}

// markFrame sets or clears the bit tracking frame's state in pools[poolIndex].
// Out-of-range pool indices or frames outside the pool are silently ignored.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mem.Frame, mark markFlag) {
	if poolIndex < 0 || poolIndex >= len(alloc.pools) {
		return
	}

	pool := &alloc.pools[poolIndex]
	if frame < pool.startFrame || frame > pool.endFrame {
		return
	}

	rel := uint64(frame - pool.startFrame)
	block := rel / 64
	bit := uint64(1) << (63 - (rel % 64))

	if mark == markReserved {
		pool.freeBitmap[block] |= bit
	} else {
		pool.freeBitmap[block] &^= bit
	}
}

// frameReserved reports whether frame's bit is currently set to reserved.
func (alloc *BitmapAllocator) frameReserved(poolIndex int, frame mem.Frame) bool {
	pool := &alloc.pools[poolIndex]
	rel := uint64(frame - pool.startFrame)
	block := rel / 64
	bit := uint64(1) << (63 - (rel % 64))
	return pool.freeBitmap[block]&bit != 0
}

// poolForFrame returns the index of the pool that owns frame, or -1.
func (alloc *BitmapAllocator) poolForFrame(frame mem.Frame) int {
	for i := range alloc.pools {
		if frame >= alloc.pools[i].startFrame && frame <= alloc.pools[i].endFrame {
			return i
		}
	}
	return -1
}

// reserveKernelFrames marks every frame occupied by the loaded kernel image
// as reserved so the bitmap allocator never hands them back out.
func (alloc *BitmapAllocator) reserveKernelFrames() {
	for frame := earlyAllocator.kernelStartFrame; frame <= earlyAllocator.kernelEndFrame; frame++ {
		poolIndex := alloc.poolForFrame(frame)
		if poolIndex < 0 {
			continue
		}
		alloc.markFrame(poolIndex, frame, markReserved)
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
}

// reserveEarlyAllocatorFrames replays the early allocator's own frame
// selection algorithm to mark the frames it already handed out as reserved
// in the bitmap, so the bitmap allocator's view of "free" is consistent
// with what the early allocator already claimed.
func (alloc *BitmapAllocator) reserveEarlyAllocatorFrames() {
	var reserved uint64
	if earlyAllocator.allocCount == 0 {
		return
	}

	bootinfo.VisitMemoryMap(func(region *bootinfo.MemoryMapEntry) bool {
		if region.Type != bootinfo.RegionUsable || region.Length < uint64(mem.PageSize) {
			return true
		}

		start, end := regionFrames(region)
		for f := start; f <= end && reserved < earlyAllocator.allocCount; f++ {
			if poolIndex := alloc.poolForFrame(f); poolIndex >= 0 {
				alloc.markFrame(poolIndex, f, markReserved)
				alloc.pools[poolIndex].freeCount--
				alloc.reservedPages++
			}
			reserved++
		}

		return reserved < earlyAllocator.allocCount
	})
}

// AllocFrame reserves and returns the lowest-numbered free frame across all
// pools.
func (alloc *BitmapAllocator) AllocFrame() (mem.Frame, *kernel.Error) {
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount == 0 {
			continue
		}

		for block, word := range pool.freeBitmap {
			if word == ^uint64(0) {
				continue
			}

			for bit := 0; bit < 64; bit++ {
				mask := uint64(1) << (63 - bit)
				if word&mask != 0 {
					continue
				}

				frame := pool.startFrame + mem.Frame(uint64(block)*64+uint64(bit))
				if frame > pool.endFrame {
					continue
				}

				alloc.markFrame(poolIndex, frame, markReserved)
				pool.freeCount--
				alloc.reservedPages++
				return frame, nil
			}
		}
	}

	return mem.InvalidFrame, errBitmapAllocOutOfMemory
}

// AllocContiguous reserves a run of n physically contiguous frames within a
// single pool, first-fit, returning the lowest-numbered frame in the run.
// Pools never merge into one contiguous range with each other, so a run
// that would cross a pool boundary is rejected in favor of trying the next
// pool.
func (alloc *BitmapAllocator) AllocContiguous(n uint32) (mem.Frame, *kernel.Error) {
	if n == 0 {
		return mem.InvalidFrame, errBitmapAllocInvalidRun
	}
	if n == 1 {
		return alloc.AllocFrame()
	}

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount < n {
			continue
		}

		runStart := mem.Frame(0)
		runLen := uint32(0)
		for f := pool.startFrame; f <= pool.endFrame; f++ {
			if alloc.frameReserved(poolIndex, f) {
				runLen = 0
				continue
			}

			if runLen == 0 {
				runStart = f
			}
			runLen++

			if runLen == n {
				for i := uint32(0); i < n; i++ {
					alloc.markFrame(poolIndex, runStart+mem.Frame(i), markReserved)
				}
				pool.freeCount -= n
				alloc.reservedPages += n
				return runStart, nil
			}
		}
	}

	return mem.InvalidFrame, errBitmapAllocOutOfMemory
}

// FreeContiguous releases a run of n frames previously returned by
// AllocContiguous.
func (alloc *BitmapAllocator) FreeContiguous(first mem.Frame, n uint32) *kernel.Error {
	for i := uint32(0); i < n; i++ {
		if err := alloc.FreeFrame(first + mem.Frame(i)); err != nil {
			return err
		}
	}
	return nil
}

// FreeFrame releases frame back to its pool.
func (alloc *BitmapAllocator) FreeFrame(frame mem.Frame) *kernel.Error {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return errBitmapAllocFrameNotManaged
	}

	if !alloc.frameReserved(poolIndex, frame) {
		return errBitmapAllocDoubleFree
	}

	alloc.markFrame(poolIndex, frame, markFree)
	alloc.pools[poolIndex].freeCount++
	alloc.reservedPages--
	return nil
}

// Stats reports the allocator's current bookkeeping totals.
type Stats struct {
	TotalPages    uint32
	ReservedPages uint32
}

// Stats returns the allocator's current totals, for the shell's meminfo
// command.
func (alloc *BitmapAllocator) Stats() Stats {
	return Stats{TotalPages: alloc.totalPages, ReservedPages: alloc.reservedPages}
}

// AllocFrame is the package-level frame source registered with
// mem.SetFrameAllocator once Init completes.
func AllocFrame() (mem.Frame, *kernel.Error) {
	return FrameAllocator.AllocFrame()
}

// AllocContiguous reserves a run of n physically contiguous frames from the
// package-level allocator, for callers (such as an AHCI bounce buffer) that
// need a single physical base address covering more than one frame.
func AllocContiguous(n uint32) (mem.Frame, *kernel.Error) {
	return FrameAllocator.AllocContiguous(n)
}

// FreeContiguous releases a run of n frames previously returned by
// AllocContiguous.
func FreeContiguous(first mem.Frame, n uint32) *kernel.Error {
	return FrameAllocator.FreeContiguous(first, n)
}

// Init brings up the physical frame allocator: it bootstraps the early bump
// allocator over the firmware-reported memory map, uses it to back the
// bitmap allocator's own bookkeeping structures, then switches every future
// mem.AllocFrame call over to the bitmap allocator.
func Init(kernelPhysStart, kernelPhysEnd uintptr) *kernel.Error {
	earlyAllocator.init(kernelPhysStart, kernelPhysEnd)
	earlyAllocator.printMemoryMap()

	mem.SetFrameAllocator(earlyAllocator.AllocFrame)

	if err := FrameAllocator.init(); err != nil {
		return err
	}

	mem.SetFrameAllocator(AllocFrame)
	return nil
}

// SetLogger wires this package's boot-time diagnostics to fn, typically
// kfmt.Printf once kmain has an output sink ready.
func SetLogger(fn func(format string, args ...interface{})) {
	logf = fn
}
