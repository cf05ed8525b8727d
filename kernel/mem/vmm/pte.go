package vmm

import (
	"github.com/lioen-dev/kiwiOS/kernel"
	"github.com/lioen-dev/kiwiOS/kernel/mem"
)

// ErrInvalidMapping is returned when trying to look up a virtual address
// that is not currently mapped.
var ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Kind: kernel.KindInvalidArgument}

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// Page table entry flags, laid out exactly as the x86-64 MMU expects them.
const (
	FlagPresent      PageTableEntryFlag = 1 << 0
	FlagRW           PageTableEntryFlag = 1 << 1
	FlagUser         PageTableEntryFlag = 1 << 2
	FlagWriteThrough PageTableEntryFlag = 1 << 3
	FlagCacheDisable PageTableEntryFlag = 1 << 4
	FlagAccessed     PageTableEntryFlag = 1 << 5
	FlagDirty        PageTableEntryFlag = 1 << 6
	FlagHugePage     PageTableEntryFlag = 1 << 7
	FlagGlobal       PageTableEntryFlag = 1 << 8
	FlagNoExecute    PageTableEntryFlag = 1 << 63
)

// ptePhysPageMask isolates the physical frame address bits (51:12) of a page
// table entry, discarding the flag bits at the top and bottom of the word.
const ptePhysPageMask = 0x000ffffffffff000

// pageTableEntry describes a single entry in a PML4, PDPT, PD or PT.
type pageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// SetFlags sets the input list of flags on the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uint64(*pte) &^ uint64(flags))
}

// Frame returns the physical frame that this page table entry points to.
func (pte pageTableEntry) Frame() mem.Frame {
	return mem.FrameFromAddress(uintptr(uint64(pte) & ptePhysPageMask))
}

// SetFrame updates the page table entry to point to the given physical frame,
// leaving its flag bits untouched.
func (pte *pageTableEntry) SetFrame(frame mem.Frame) {
	*pte = pageTableEntry((uint64(*pte) &^ ptePhysPageMask) | uint64(frame.Address()))
}
