// Package cpu declares the architecture primitives that cannot be expressed
// in Go: interrupt masking, port and MSR I/O, TLB control, CR3 access and
// the callee-saved-register context switch. Every function in this file is
// declared without a body; the kernel build links them against a hand
// written assembly object (not part of this Go package) that implements
// the contract documented on each function. Every caller-facing package
// that touches these primitives keeps them behind a swappable
// package-level function variable so it can be unit tested on the host Go
// toolchain without a hardware or emulator target.
package cpu

// EnableInterrupts enables interrupt handling (STI).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling (CLI).
func DisableInterrupts()

// Halt stops instruction execution until the next interrupt (HLT). Callers
// that want to halt forever must loop around it.
func Halt()

// Invlpg flushes the TLB entry for a single virtual address.
func Invlpg(virtAddr uintptr)

// ActiveCR3 returns the physical address currently loaded into CR3, i.e.
// the root of the active page table.
func ActiveCR3() uintptr

// SwitchCR3 loads a new physical address into CR3, switching the active
// address space and implicitly flushing all non-global TLB entries.
func SwitchCR3(pml4PhysAddr uintptr)

// ReadCR2 returns the faulting virtual address recorded by the CPU for the
// most recent page fault. It is only meaningful when called from a page
// fault handler.
func ReadCR2() uint64

// Inb reads a byte from the given I/O port.
func Inb(port uint16) uint8

// Outb writes a byte to the given I/O port.
func Outb(port uint16, value uint8)

// Inl reads a 32-bit dword from the given I/O port.
func Inl(port uint16) uint32

// Outl writes a 32-bit dword to the given I/O port.
func Outl(port uint16, value uint32)

// Rdmsr reads the given model-specific register.
func Rdmsr(msr uint32) uint64

// Wrmsr writes value to the given model-specific register.
func Wrmsr(msr uint32, value uint64)

// Cpuid executes the CPUID instruction with the given leaf (EAX) and
// sub-leaf (ECX) and returns the resulting EAX, EBX, ECX and EDX values.
func Cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// cpuidFn is swapped out in tests; it is automatically inlined by the
// compiler in the kernel build.
var cpuidFn = func(leaf uint32) (uint32, uint32, uint32, uint32) { return Cpuid(leaf, 0) }

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// HasLAPIC reports whether the CPU advertises an on-chip local APIC via
// CPUID leaf 1, EDX bit 9 — the check kernel/trap uses to decide whether to
// promote from the legacy 8259 PIC.
func HasLAPIC() bool {
	_, _, _, edx := cpuidFn(1)
	return edx&(1<<9) != 0
}

// Context holds the callee-saved general purpose registers and stack
// pointer that ContextSwitch preserves across a cooperative thread switch.
// Its field order mirrors the assembly implementation's fixed offsets
// (0x00, 0x08, ... 0x30) exactly, so it must not be reordered.
type Context struct {
	R15 uint64
	R14 uint64
	R13 uint64
	R12 uint64
	RBX uint64
	RBP uint64
	RSP uint64
}

// ContextSwitch saves the callee-saved registers and stack pointer of the
// outgoing context into old, loads them from new, and returns on the
// incoming stack — which resumes execution at whatever instruction follows
// the call site that last suspended it (or at a freshly seeded thread's
// trampoline, on its first run). Caller-saved registers are the compiler's
// responsibility at the call site, exactly as in a normal Go function call.
func ContextSwitch(old, new *Context)
