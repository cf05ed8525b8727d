// Package heap implements the kernel's general-purpose dynamic memory
// allocator: a first-fit, split-on-alloc, coalesce-on-free free list backed
// by virtual address space grown on demand via kernel/mem/vmm.
package heap

import (
	"unsafe"

	"github.com/lioen-dev/kiwiOS/kernel"
	"github.com/lioen-dev/kiwiOS/kernel/mem"
	"github.com/lioen-dev/kiwiOS/kernel/mem/vmm"
)

// blockMagic marks a live block header so Free can fail fast on a foreign
// pointer or a double free instead of corrupting the free list.
const blockMagic = uint32(0x6b686561) // "khea"

// block is the header prepended to every allocation. size does not include
// the header itself.
type block struct {
	magic uint32
	free  bool
	size  mem.Size
	next  *block
	prev  *block
}

const headerSize = mem.Size(unsafe.Sizeof(block{}))

var (
	errOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory", Kind: kernel.KindOutOfMemory}
	errDoubleFree  = &kernel.Error{Module: "heap", Message: "double free or corrupted pointer", Kind: kernel.KindInvalidArgument}
	errForeignFree = &kernel.Error{Module: "heap", Message: "pointer was not allocated by this heap", Kind: kernel.KindInvalidArgument}

	// mapFn is swapped out in tests so heap growth can be exercised
	// without a real vmm/MMU backing it.
	mapFn = vmm.Map
)

// growChunk is the granularity (in pages) that Grow requests from the vmm
// whenever the free list has no block large enough to satisfy a request.
const growChunkPages = mem.Size(16)

// heapState holds the single kernel heap's free list.
type heapState struct {
	head      *block
	nextVaddr uintptr
	totalSize mem.Size
	usedSize  mem.Size
}

var kernelHeap heapState

// Init sets the virtual address at which the heap begins growing. It must
// be called once, after kernel/mem/vmm is up, and before the first Kmalloc.
func Init(baseVaddr uintptr) {
	kernelHeap.nextVaddr = baseVaddr
}

// grow maps growChunkPages fresh pages at the end of the heap's virtual
// range and appends them to the free list as a single free block.
func (h *heapState) grow(minSize mem.Size) *kernel.Error {
	pages := growChunkPages
	if needed := (minSize + headerSize + mem.PageSize - 1) / mem.PageSize; needed > pages {
		pages = needed
	}

	base := h.nextVaddr
	for i := mem.Size(0); i < pages; i++ {
		frame, err := mem.AllocFrame()
		if err != nil {
			return errOutOfMemory
		}

		page := base + uintptr(i)*uintptr(mem.PageSize)
		if err := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}
	}
	h.nextVaddr = base + uintptr(pages)*uintptr(mem.PageSize)

	newBlock := (*block)(unsafe.Pointer(base))
	newBlock.magic = blockMagic
	newBlock.free = true
	newBlock.size = pages*mem.PageSize - headerSize
	newBlock.next = nil
	newBlock.prev = h.tail()
	if newBlock.prev != nil {
		newBlock.prev.next = newBlock
	} else {
		h.head = newBlock
	}
	h.totalSize += pages * mem.PageSize

	return nil
}

func (h *heapState) tail() *block {
	b := h.head
	if b == nil {
		return nil
	}
	for b.next != nil {
		b = b.next
	}
	return b
}

// firstFit returns the first free block whose payload is at least size
// bytes, or nil if the free list has none.
func (h *heapState) firstFit(size mem.Size) *block {
	for b := h.head; b != nil; b = b.next {
		if b.free && b.size >= size {
			return b
		}
	}
	return nil
}

// split carves off a new free block from the tail of b's payload if the
// remainder is large enough to hold a header plus a minimum-size payload.
func split(b *block, size mem.Size) {
	const minRemainder = mem.Size(32)
	if b.size < size+headerSize+minRemainder {
		return
	}

	remainderAddr := uintptr(unsafe.Pointer(b)) + uintptr(headerSize) + uintptr(size)
	remainder := (*block)(unsafe.Pointer(remainderAddr))
	remainder.magic = blockMagic
	remainder.free = true
	remainder.size = b.size - size - headerSize
	remainder.next = b.next
	remainder.prev = b
	if remainder.next != nil {
		remainder.next.prev = remainder
	}
	b.next = remainder
	b.size = size
}

// coalesce merges b with its immediate free neighbors.
func coalesce(b *block) {
	if next := b.next; next != nil && next.free {
		b.size += headerSize + next.size
		b.next = next.next
		if b.next != nil {
			b.next.prev = b
		}
	}
	if prev := b.prev; prev != nil && prev.free {
		coalesce(prev)
	}
}

// Kmalloc allocates size bytes from the kernel heap, growing it via the vmm
// if no free block is large enough.
func Kmalloc(size mem.Size) (uintptr, *kernel.Error) {
	if size == 0 {
		size = 1
	}
	// Round up so payloads stay pointer-aligned.
	size = (size + 7) &^ 7

	b := kernelHeap.firstFit(size)
	if b == nil {
		if err := kernelHeap.grow(size); err != nil {
			return 0, err
		}
		b = kernelHeap.firstFit(size)
		if b == nil {
			return 0, errOutOfMemory
		}
	}

	split(b, size)
	b.free = false
	kernelHeap.usedSize += b.size

	return uintptr(unsafe.Pointer(b)) + uintptr(headerSize), nil
}

// Kcalloc allocates size bytes and zeroes them.
func Kcalloc(size mem.Size) (uintptr, *kernel.Error) {
	addr, err := Kmalloc(size)
	if err != nil {
		return 0, err
	}
	mem.Memset(addr, 0, size)
	return addr, nil
}

// Kfree releases a pointer previously returned by Kmalloc or Kcalloc.
func Kfree(addr uintptr) *kernel.Error {
	if addr == 0 {
		return nil
	}

	b := (*block)(unsafe.Pointer(addr - uintptr(headerSize)))
	if b.magic != blockMagic {
		return errForeignFree
	}
	if b.free {
		return errDoubleFree
	}

	b.free = true
	kernelHeap.usedSize -= b.size
	coalesce(b)
	return nil
}

// Stats reports the heap's current bookkeeping totals, for the shell's
// meminfo command.
type Stats struct {
	TotalSize mem.Size
	UsedSize  mem.Size
}

// GetStats returns the heap's current totals.
func GetStats() Stats {
	return Stats{TotalSize: kernelHeap.totalSize, UsedSize: kernelHeap.usedSize}
}
