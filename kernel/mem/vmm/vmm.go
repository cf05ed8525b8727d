// Package vmm implements x86-64 4-level paging on top of the higher-half
// direct map established by kernel/mem. Unlike the teacher's original
// recursively self-mapped page directory, every physical frame -- including
// page tables that belong to an address space other than the active one --
// is reachable at mem.PhysToVirt(frame.Address()) at all times, so walking
// or building an inactive address space never needs a temporary mapping.
package vmm

import (
	"unsafe"

	"github.com/lioen-dev/kiwiOS/kernel"
	"github.com/lioen-dev/kiwiOS/kernel/cpu"
	"github.com/lioen-dev/kiwiOS/kernel/mem"
)

// entriesPerTable is the number of entries in a single page table at any of
// the four x86-64 paging levels.
const entriesPerTable = 512

// pml4Index, pdptIndex, pdIndex and ptIndex extract the 9-bit index into each
// paging level's table from a canonical virtual address.
func pml4Index(virt uintptr) uintptr { return (virt >> 39) & 0x1ff }
func pdptIndex(virt uintptr) uintptr { return (virt >> 30) & 0x1ff }
func pdIndex(virt uintptr) uintptr   { return (virt >> 21) & 0x1ff }
func ptIndex(virt uintptr) uintptr   { return (virt >> 12) & 0x1ff }

// table is a page table viewed through the HHDM as a fixed-size array of
// entries.
type table = [entriesPerTable]pageTableEntry

// tableAt returns the HHDM-mapped view of the page table stored in frame.
func tableAt(frame mem.Frame) *table {
	return (*table)(unsafe.Pointer(mem.PhysToVirt(frame.Address())))
}

// AddressSpace wraps the physical frame that roots a PML4 table.
type AddressSpace struct {
	pml4 mem.Frame
}

// kernelSpace is populated by Init from the CR3 value handed to the kernel
// by the bootloader; CreateAddressSpace copies its upper-half PML4 entries
// into every new address space so kernel mappings are always visible.
var kernelSpace AddressSpace

// activeCR3Fn and invlpgFn are swapped out in tests, which run on the host
// and have no CR3 register or TLB to touch.
var (
	activeCR3Fn = cpu.ActiveCR3
	invlpgFn    = cpu.Invlpg
)

// isActive reports whether as is the address space currently loaded in CR3.
func (as *AddressSpace) isActive() bool {
	return as == &kernelSpace || as.pml4 == mem.FrameFromAddress(uintptr(activeCR3Fn()))
}

// Init records the bootloader-provided PML4 as the kernel's address space.
// It must be called once, after mem.SetHHDMOffset and before any call to
// Map, Unmap, CreateAddressSpace or SwitchTo.
func Init() *kernel.Error {
	kernelSpace.pml4 = mem.FrameFromAddress(uintptr(activeCR3Fn()))
	return nil
}

// KernelSpace returns the address space active at boot.
func KernelSpace() *AddressSpace { return &kernelSpace }

// CreateAddressSpace allocates a fresh PML4, zeroes its lower half and
// copies the kernel's upper-half entries (indices 256-511) so every address
// space shares the same kernel mappings.
func CreateAddressSpace() (*AddressSpace, *kernel.Error) {
	frame, err := mem.AllocFrame()
	if err != nil {
		return nil, err
	}

	as := &AddressSpace{pml4: frame}
	dst := tableAt(frame)
	src := tableAt(kernelSpace.pml4)
	for i := 0; i < entriesPerTable; i++ {
		if i < 256 {
			dst[i] = 0
		} else {
			dst[i] = src[i]
		}
	}

	return as, nil
}

// getOrCreateTable returns the HHDM-mapped table pointed to by table[index],
// allocating and zeroing a fresh backing frame if the entry is not yet
// present. If the entry already exists and userAccessible is requested, the
// entry's permissions are widened in place rather than rejected -- mirroring
// the teacher's original permission-upgrade behavior.
func getOrCreateTable(t *table, index uintptr, userAccessible bool) (*table, *kernel.Error) {
	entry := &t[index]

	if entry.HasFlags(FlagPresent) {
		if userAccessible && !entry.HasFlags(FlagUser) {
			entry.SetFlags(FlagUser)
		}
		return tableAt(entry.Frame()), nil
	}

	frame, err := mem.AllocFrame()
	if err != nil {
		return nil, err
	}

	next := tableAt(frame)
	for i := range next {
		next[i] = 0
	}

	*entry = 0
	entry.SetFrame(frame)
	flags := FlagPresent | FlagRW
	if userAccessible {
		flags |= FlagUser
	}
	entry.SetFlags(flags)

	return next, nil
}

// Map establishes a mapping from virt to frame in as, creating any missing
// intermediate PDPT/PD/PT tables along the way.
func (as *AddressSpace) Map(virt uintptr, frame mem.Frame, flags PageTableEntryFlag) *kernel.Error {
	userAccessible := flags&FlagUser != 0

	pml4 := tableAt(as.pml4)
	pdpt, err := getOrCreateTable(pml4, pml4Index(virt), userAccessible)
	if err != nil {
		return err
	}
	pd, err := getOrCreateTable(pdpt, pdptIndex(virt), userAccessible)
	if err != nil {
		return err
	}
	pt, err := getOrCreateTable(pd, pdIndex(virt), userAccessible)
	if err != nil {
		return err
	}

	entry := &pt[ptIndex(virt)]
	*entry = 0
	entry.SetFrame(frame)
	entry.SetFlags(flags | FlagPresent)

	if as.isActive() {
		invlpgFn(virt)
	}

	return nil
}

// walkPresent walks the four paging levels for virt without creating
// missing tables, returning ErrInvalidMapping as soon as an absent entry is
// found.
func walkPresent(as *AddressSpace, virt uintptr) (*pageTableEntry, *kernel.Error) {
	pml4 := tableAt(as.pml4)
	pml4e := &pml4[pml4Index(virt)]
	if !pml4e.HasFlags(FlagPresent) {
		return nil, ErrInvalidMapping
	}

	pdpt := tableAt(pml4e.Frame())
	pdpte := &pdpt[pdptIndex(virt)]
	if !pdpte.HasFlags(FlagPresent) {
		return nil, ErrInvalidMapping
	}

	pd := tableAt(pdpte.Frame())
	pde := &pd[pdIndex(virt)]
	if !pde.HasFlags(FlagPresent) {
		return nil, ErrInvalidMapping
	}

	pt := tableAt(pde.Frame())
	pte := &pt[ptIndex(virt)]
	if !pte.HasFlags(FlagPresent) {
		return nil, ErrInvalidMapping
	}

	return pte, nil
}

// Unmap removes a mapping previously installed by Map.
func (as *AddressSpace) Unmap(virt uintptr) *kernel.Error {
	pte, err := walkPresent(as, virt)
	if err != nil {
		return err
	}

	pte.ClearFlags(FlagPresent)
	if as.isActive() {
		invlpgFn(virt)
	}
	return nil
}

// Translate returns the physical address that virt currently maps to.
func (as *AddressSpace) Translate(virt uintptr) (uintptr, *kernel.Error) {
	pte, err := walkPresent(as, virt)
	if err != nil {
		return 0, err
	}

	return pte.Frame().Address() + (virt & (uintptr(mem.PageSize) - 1)), nil
}

// SwitchTo loads this address space's PML4 into CR3, activating it.
func (as *AddressSpace) SwitchTo() {
	cpu.SwitchCR3(as.pml4.Address())
}

// Map is a package-level convenience that maps virt to frame in the
// currently active address space, matching mem.FrameAllocatorFn's shape so
// it can be swapped in tests without exposing kernelSpace directly.
func Map(virt uintptr, frame mem.Frame, flags PageTableEntryFlag) *kernel.Error {
	return activeSpaceFn().Map(virt, frame, flags)
}

// activeSpaceFn resolves the address space Map/Unmap/Translate operate on
// when called without an explicit receiver. Tests swap it to avoid touching
// CR3 on the host.
var activeSpaceFn = func() *AddressSpace { return &kernelSpace }
