package heap

import (
	"testing"
	"unsafe"

	"github.com/lioen-dev/kiwiOS/kernel"
	"github.com/lioen-dev/kiwiOS/kernel/mem"
	"github.com/lioen-dev/kiwiOS/kernel/mem/vmm"
)

// backingArena stands in for physical memory: PhysToVirt is the identity
// function (HHDM offset 0) and mapFn just hands back the same address the
// heap already computed, so allocations land directly inside a real Go
// byte slice the test controls.
type backingArena struct {
	buf   []byte
	base  uintptr
	frame mem.Frame
}

func newBackingArena(t *testing.T, pages mem.Size) *backingArena {
	t.Helper()
	raw := make([]byte, uintptr(pages+1)*uintptr(mem.PageSize))
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + uintptr(mem.PageSize) - 1) &^ uintptr(mem.PageSize-1)
	return &backingArena{buf: raw, base: aligned}
}

func (a *backingArena) allocFrame() (mem.Frame, *kernel.Error) {
	f := mem.FrameFromAddress(a.base + uintptr(a.frame)*uintptr(mem.PageSize))
	a.frame++
	return f, nil
}

func setupTestHeap(t *testing.T, pages mem.Size) *backingArena {
	t.Helper()
	mem.SetHHDMOffset(0)
	arena := newBackingArena(t, pages*4)
	mem.SetFrameAllocator(arena.allocFrame)
	mapFn = func(virt uintptr, frame mem.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		return nil
	}

	kernelHeap = heapState{}
	Init(arena.base)
	return arena
}

func TestKmallocGrowsAndReturnsUsablePointer(t *testing.T) {
	setupTestHeap(t, 16)

	addr, err := Kmalloc(64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr == 0 {
		t.Fatal("expected non-zero address")
	}

	// The returned pointer must be usable memory: write through it.
	ptr := (*[64]byte)(unsafe.Pointer(addr))
	for i := range ptr {
		ptr[i] = 0xAB
	}

	stats := GetStats()
	if stats.UsedSize == 0 {
		t.Fatal("expected non-zero used size after Kmalloc")
	}
}

func TestKmallocSplitsLargeBlock(t *testing.T) {
	setupTestHeap(t, 16)

	first, err := Kmalloc(64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	firstHdr := (*block)(unsafe.Pointer(first - uintptr(headerSize)))
	if firstHdr.next == nil {
		t.Fatal("expected split to produce a remainder block")
	}
	if !firstHdr.next.free {
		t.Fatal("expected remainder block to be free")
	}
}

func TestKfreeCoalescesNeighbors(t *testing.T) {
	setupTestHeap(t, 16)

	a, _ := Kmalloc(64)
	b, _ := Kmalloc(64)
	c, _ := Kmalloc(64)

	if err := Kfree(a); err != nil {
		t.Fatalf("unexpected error freeing a: %v", err)
	}
	if err := Kfree(c); err != nil {
		t.Fatalf("unexpected error freeing c: %v", err)
	}
	if err := Kfree(b); err != nil {
		t.Fatalf("unexpected error freeing b: %v", err)
	}

	// All three blocks should now be a single coalesced free block.
	head := kernelHeap.head
	if head == nil || !head.free {
		t.Fatal("expected a single free block at the head of the list")
	}
	if head.next != nil {
		t.Fatalf("expected full coalescing into one block, got a further block of size %d", head.next.size)
	}
}

func TestKfreeRejectsDoubleFree(t *testing.T) {
	setupTestHeap(t, 16)

	addr, _ := Kmalloc(32)
	if err := Kfree(addr); err != nil {
		t.Fatalf("unexpected error on first free: %v", err)
	}
	if err := Kfree(addr); err != errDoubleFree {
		t.Fatalf("expected errDoubleFree; got %v", err)
	}
}

func TestKfreeRejectsForeignPointer(t *testing.T) {
	setupTestHeap(t, 16)

	var garbage [headerSize + 8]byte
	fake := uintptr(unsafe.Pointer(&garbage[0])) + uintptr(headerSize)

	if err := Kfree(fake); err != errForeignFree {
		t.Fatalf("expected errForeignFree; got %v", err)
	}
}

func TestKcallocZeroesMemory(t *testing.T) {
	setupTestHeap(t, 16)

	addr, err := Kcalloc(128)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ptr := (*[128]byte)(unsafe.Pointer(addr))
	for i, v := range ptr {
		if v != 0 {
			t.Fatalf("expected zeroed memory at index %d; got %d", i, v)
		}
	}
}

func TestKmallocReusesFreedBlockFirstFit(t *testing.T) {
	setupTestHeap(t, 16)

	a, _ := Kmalloc(64)
	_, _ = Kmalloc(64)

	if err := Kfree(a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reused, err := Kmalloc(32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reused != a {
		t.Fatalf("expected first-fit to reuse freed block at %#x; got %#x", a, reused)
	}
}
