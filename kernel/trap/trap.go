// Package trap installs the IDT and routes CPU exceptions and hardware
// interrupts to registered handlers. It consolidates the teacher's two
// duplicate interrupt trees (kernel/irq and kernel/gate in the retrieval
// pack) into the single normative shape gate_amd64.go already used: one
// Registers struct carrying both the general-purpose registers and the
// CPU-pushed exception frame, one Handler type, and a fixed [256]Handler
// dispatch table.
package trap

import (
	"io"

	"github.com/lioen-dev/kiwiOS/kernel/cpu"
	"github.com/lioen-dev/kiwiOS/kernel/kfmt"
)

// Registers is a snapshot of CPU state captured by the shared ISR entry
// trampoline before dispatchInterrupt runs. Info carries the CPU-pushed
// error code for exceptions that have one, or the IRQ vector number
// otherwise.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	Info uint64

	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo writes a formatted register dump to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x  Info = %16x\n", r.RFlags, r.Info)
}

// Print outputs the register dump through kfmt.Printf's configured sink.
func (r *Registers) Print() {
	kfmt.Printf("RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Printf("RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Printf("RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Printf("RBP = %16x\n", r.RBP)
	kfmt.Printf("R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Printf("R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Printf("R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Printf("R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Printf("\n")
	kfmt.Printf("RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Printf("RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Printf("RFL = %16x  Info = %16x\n", r.RFlags, r.Info)
}

// Vector identifies an IDT slot: a CPU exception (0-31) or a remapped
// hardware IRQ (32-47).
type Vector uint8

const (
	DivideByZero               = Vector(0)
	Debug                      = Vector(1)
	NMI                        = Vector(2)
	Breakpoint                 = Vector(3)
	Overflow                   = Vector(4)
	BoundRangeExceeded         = Vector(5)
	InvalidOpcode              = Vector(6)
	DeviceNotAvailable         = Vector(7)
	DoubleFault                = Vector(8)
	InvalidTSS                 = Vector(10)
	SegmentNotPresent          = Vector(11)
	StackSegmentFault          = Vector(12)
	GPFException               = Vector(13)
	PageFaultException         = Vector(14)
	FloatingPointException     = Vector(16)
	AlignmentCheck             = Vector(17)
	MachineCheck               = Vector(18)
	SIMDFloatingPointException = Vector(19)
)

// IRQBase is the vector the PIC and LAPIC are remapped to for IRQ 0; the
// legacy vectors 0-31 are reserved for CPU exceptions.
const IRQBase = Vector(32)

// TimerVector is the vector the PIT/LAPIC timer fires on once remapped.
const TimerVector = IRQBase + 0

// lapicSpuriousVector matches original_source's LAPIC_SPURIOUS_VECTOR.
const lapicSpuriousVector = 0xFF

var exceptionNames = [32]string{
	"Division By Zero", "Debug", "Non Maskable Interrupt", "Breakpoint",
	"Overflow", "Bound Range Exceeded", "Invalid Opcode", "Device Not Available",
	"Double Fault", "Coprocessor Segment Overrun", "Invalid TSS", "Segment Not Present",
	"Stack-Segment Fault", "General Protection Fault", "Page Fault", "Reserved",
	"x87 Floating-Point Exception", "Alignment Check", "Machine Check", "SIMD Floating-Point Exception",
	"Virtualization Exception", "Control Protection Exception", "Reserved", "Reserved",
	"Reserved", "Reserved", "Reserved", "Reserved", "Hypervisor Injection Exception",
	"VMM Communication Exception", "Security Exception", "Reserved",
}

func exceptionName(v Vector) string {
	if int(v) < len(exceptionNames) {
		return exceptionNames[v]
	}
	return "Unknown Exception"
}

// Handler processes an interrupt or exception. It is invoked with
// interrupts disabled, on the interrupted context's own stack.
type Handler func(*Registers)

var handlers [256]Handler

// Register installs handler as the routine invoked whenever vector fires.
// Registering vector 32 (TimerVector) is how kernel/sched wires its
// reschedule tick.
func Register(vector Vector, handler Handler) {
	handlers[vector] = handler
}

// Hardware primitives are kept behind swappable vars, same idiom as
// kernel/mem/pmm's mapFn/reserveRegionFn, so dispatch and bring-up logic
// can be unit tested on the host without linking the real asm primitives.
var (
	outbFn        = cpu.Outb
	rdmsrFn       = cpu.Rdmsr
	wrmsrFn       = cpu.Wrmsr
	readCR2Fn     = cpu.ReadCR2
	hasLAPICFn    = cpu.HasLAPIC
	haltForeverFn = haltForever
	logf          = kfmt.Printf
)

const (
	pic1Command = 0x20
	pic1Data    = 0x21
	pic2Command = 0xA0
	pic2Data    = 0xA1
	picEOI      = 0x20

	ia32ApicBaseMSR     = 0x1B
	lapicEnableBit      = uint64(1) << 11
	lapicRegSpurious    = 0xF0
	lapicRegTPR         = 0x80
	lapicRegEOI         = 0xB0
	lapicPhysAddrMask  = uint64(0xFFFFF000)
	lapicSoftEnableBit = uint32(1) << 8
)

var lapicEnabled bool

// lapicRead/lapicWrite are swapped out in tests. In the kernel build they
// are set once tryEnableLAPIC maps the LAPIC's MMIO page via kernel/mem.
var (
	lapicRead  func(reg uint32) uint32
	lapicWrite func(reg uint32, value uint32)
)

// picRemap reprograms the 8259 PICs so IRQs 0-15 land on vectors 32-47
// instead of colliding with the CPU exception vectors, then masks
// everything except the timer line.
func picRemap() {
	outbFn(pic1Command, 0x11)
	outbFn(pic2Command, 0x11)
	outbFn(pic1Data, 0x20)
	outbFn(pic2Data, 0x28)
	outbFn(pic1Data, 0x04)
	outbFn(pic2Data, 0x02)
	outbFn(pic1Data, 0x01)
	outbFn(pic2Data, 0x01)

	outbFn(pic1Data, 0xFE)
	outbFn(pic2Data, 0xFF)
}

// tryEnableLAPIC promotes from the legacy PIC to the local APIC when CPUID
// advertises one, mirroring original_source's try_enable_apic. mapLAPICFn
// is set by kmain to back lapicRead/lapicWrite with an HHDM-mapped MMIO
// window once kernel/mem/vmm is available; it is nil in tests, so the
// promotion path only runs when both the CPUID check and the mapper are
// present.
var mapLAPICFn func(physAddr uintptr) (read func(uint32) uint32, write func(uint32, uint32))

func tryEnableLAPIC() {
	if !hasLAPICFn() {
		logf("[trap] local APIC not reported by CPUID; continuing with PIC\n")
		return
	}
	if mapLAPICFn == nil {
		logf("[trap] no LAPIC mapper configured; continuing with PIC\n")
		return
	}

	apicBase := rdmsrFn(ia32ApicBaseMSR) | lapicEnableBit
	wrmsrFn(ia32ApicBaseMSR, apicBase)

	lapicPhys := uintptr(apicBase & lapicPhysAddrMask)
	read, write := mapLAPICFn(lapicPhys)
	if read == nil || write == nil {
		logf("[trap] failed to map LAPIC base; falling back to PIC\n")
		return
	}
	lapicRead, lapicWrite = read, write

	svr := lapicRead(lapicRegSpurious)
	lapicWrite(lapicRegSpurious, (svr&0xFFFFFF00)|lapicSpuriousVector|lapicSoftEnableBit)
	lapicWrite(lapicRegTPR, 0)
	lapicEnabled = true

	logf("[trap] local APIC enabled with spurious vector 0x%x\n", lapicSpuriousVector)
}

// sendEOI acknowledges an in-service IRQ so the controller will deliver
// further interrupts on that line.
func sendEOI(vector Vector) {
	if lapicEnabled {
		lapicWrite(lapicRegEOI, 0)
		return
	}

	if vector >= 40 {
		outbFn(pic2Command, picEOI)
	}
	outbFn(pic1Command, picEOI)
}

func defaultIRQHandler(regs *Registers) {
	logf("[trap] unhandled IRQ vector %d\n", regs.Info)
}

// dispatchInterrupt routes an interrupt captured by the shared ISR entry
// trampoline (installed by installIDT) to the registered Handler. It is
// exported for the asm trampoline to call, not for use by kernel code,
// which registers handlers via Register instead.
func dispatchInterrupt(vector Vector, regs *Registers) {
	if vector < 32 {
		fault(vector, regs)
		return
	}

	if h := handlers[vector]; h != nil {
		h(regs)
	} else {
		defaultIRQHandler(regs)
	}

	if vector >= IRQBase && vector < IRQBase+16 {
		sendEOI(vector)
	}
}

// fault renders an unrecoverable CPU exception and halts. Exceptions never
// return control to the faulting context in this kernel: there is no
// signal-delivery or fault-recovery mechanism (page faults are always
// fatal, matching spec's Non-goal on demand paging).
func fault(vector Vector, regs *Registers) {
	kfmt.Printf("\n*** kernel panic: unrecoverable exception ***\n")
	kfmt.Printf("===========================\n\n")
	kfmt.Printf("Exception: %s\n", exceptionName(vector))
	kfmt.Printf("Exception Number: %d\n", uint64(vector))
	kfmt.Printf("Error Code: %x\n\n", regs.Info)
	regs.Print()
	if vector == PageFaultException {
		kfmt.Printf("CR2: %x\n", readCR2Fn())
	}
	kfmt.Printf("\nSystem Halted.\n")

	haltForeverFn()
}

func haltForever() {
	cpu.DisableInterrupts()
	for {
		cpu.Halt()
	}
}

// installIDT populates the IDT with the shared ISR entry trampoline at
// every vector and loads it via LIDT. Implemented in the linked assembly
// object; every gate initially routes through dispatchInterrupt.
func installIDT()

// Init remaps the PIC off the exception vector range, installs the IDT,
// and attempts to promote from the PIC to the local APIC.
func Init() {
	picRemap()
	installIDT()
	tryEnableLAPIC()
	logf("[trap] IDT loaded and base interrupt handlers registered\n")
}

// SetLAPICMapper wires the MMIO mapper tryEnableLAPIC uses to reach the
// local APIC's register window, typically an HHDM/vmm-backed mapper built
// once kmain brings up paging.
func SetLAPICMapper(fn func(physAddr uintptr) (read func(uint32) uint32, write func(uint32, uint32))) {
	mapLAPICFn = fn
}
