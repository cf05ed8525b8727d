package trap

import (
	"testing"
)

func resetHardwareMocks() {
	outbFn = func(uint16, uint8) {}
	rdmsrFn = func(uint32) uint64 { return 0 }
	wrmsrFn = func(uint32, uint64) {}
	readCR2Fn = func() uint64 { return 0 }
	hasLAPICFn = func() bool { return false }
	haltForeverFn = func() {}
	logf = func(string, ...interface{}) {}
	mapLAPICFn = nil
	lapicEnabled = false
	for i := range handlers {
		handlers[i] = nil
	}
}

func TestDispatchInterruptRoutesToRegisteredHandler(t *testing.T) {
	resetHardwareMocks()
	defer resetHardwareMocks()

	var got *Registers
	Register(TimerVector, func(r *Registers) { got = r })

	regs := &Registers{Info: uint64(TimerVector)}
	dispatchInterrupt(TimerVector, regs)

	if got != regs {
		t.Fatal("expected registered handler to be invoked with the dispatched Registers")
	}
}

func TestDispatchInterruptSendsEOIForIRQRange(t *testing.T) {
	resetHardwareMocks()
	defer resetHardwareMocks()

	var eoiPorts []uint16
	outbFn = func(port uint16, _ uint8) { eoiPorts = append(eoiPorts, port) }

	Register(IRQBase+8, func(*Registers) {})
	dispatchInterrupt(IRQBase+8, &Registers{})

	if len(eoiPorts) != 2 {
		t.Fatalf("expected EOI to be sent to both PICs for a slave IRQ; got ports %v", eoiPorts)
	}
	if eoiPorts[0] != pic2Command || eoiPorts[1] != pic1Command {
		t.Fatalf("expected slave then master EOI; got %v", eoiPorts)
	}
}

func TestDispatchInterruptDefaultIRQHandlerDoesNotPanic(t *testing.T) {
	resetHardwareMocks()
	defer resetHardwareMocks()

	dispatchInterrupt(IRQBase+1, &Registers{Info: uint64(IRQBase + 1)})
}

func TestDispatchInterruptFaultVectorHalts(t *testing.T) {
	resetHardwareMocks()
	defer resetHardwareMocks()

	var halted bool
	haltForeverFn = func() { halted = true }

	dispatchInterrupt(GPFException, &Registers{Info: 0})

	if !halted {
		t.Fatal("expected a fault vector to invoke haltForeverFn")
	}
}

func TestDispatchInterruptPageFaultReadsCR2(t *testing.T) {
	resetHardwareMocks()
	defer resetHardwareMocks()

	var readCR2Called bool
	readCR2Fn = func() uint64 { readCR2Called = true; return 0xdeadbeef }
	haltForeverFn = func() {}

	dispatchInterrupt(PageFaultException, &Registers{})

	if !readCR2Called {
		t.Fatal("expected a page fault to read CR2")
	}
}

func TestPicRemapProgramsBothControllers(t *testing.T) {
	resetHardwareMocks()
	defer resetHardwareMocks()

	var writes []struct {
		port  uint16
		value uint8
	}
	outbFn = func(port uint16, value uint8) {
		writes = append(writes, struct {
			port  uint16
			value uint8
		}{port, value})
	}

	picRemap()

	if len(writes) != 10 {
		t.Fatalf("expected 10 port writes during PIC remap; got %d", len(writes))
	}
	if writes[2].port != pic1Data || writes[2].value != 0x20 {
		t.Fatalf("expected PIC1 offset vector 0x20 to be programmed; got %+v", writes[2])
	}
	if writes[3].port != pic2Data || writes[3].value != 0x28 {
		t.Fatalf("expected PIC2 offset vector 0x28 to be programmed; got %+v", writes[3])
	}
}

func TestTryEnableLAPICSkipsWithoutCPUIDSupport(t *testing.T) {
	resetHardwareMocks()
	defer resetHardwareMocks()

	hasLAPICFn = func() bool { return false }
	tryEnableLAPIC()

	if lapicEnabled {
		t.Fatal("expected lapicEnabled to remain false without CPUID support")
	}
}

func TestTryEnableLAPICSkipsWithoutMapper(t *testing.T) {
	resetHardwareMocks()
	defer resetHardwareMocks()

	hasLAPICFn = func() bool { return true }
	mapLAPICFn = nil
	tryEnableLAPIC()

	if lapicEnabled {
		t.Fatal("expected lapicEnabled to remain false without a LAPIC mapper")
	}
}

func TestTryEnableLAPICEnablesWhenMapped(t *testing.T) {
	resetHardwareMocks()
	defer resetHardwareMocks()

	hasLAPICFn = func() bool { return true }
	var wroteSpurious uint32
	regs := map[uint32]uint32{}
	mapLAPICFn = func(uintptr) (func(uint32) uint32, func(uint32, uint32)) {
		read := func(reg uint32) uint32 { return regs[reg] }
		write := func(reg uint32, value uint32) {
			regs[reg] = value
			if reg == lapicRegSpurious {
				wroteSpurious = value
			}
		}
		return read, write
	}

	tryEnableLAPIC()

	if !lapicEnabled {
		t.Fatal("expected lapicEnabled to become true once mapped")
	}
	if wroteSpurious&lapicSpuriousVector != lapicSpuriousVector {
		t.Fatalf("expected spurious vector 0x%x to be programmed; got 0x%x", lapicSpuriousVector, wroteSpurious)
	}
}

func TestSendEOIUsesLAPICWhenEnabled(t *testing.T) {
	resetHardwareMocks()
	defer resetHardwareMocks()

	lapicEnabled = true
	var lapicEOICalled bool
	lapicWrite = func(reg uint32, _ uint32) {
		if reg == lapicRegEOI {
			lapicEOICalled = true
		}
	}
	var picEOICalled bool
	outbFn = func(uint16, uint8) { picEOICalled = true }

	sendEOI(IRQBase)

	if !lapicEOICalled {
		t.Fatal("expected sendEOI to write to the LAPIC EOI register when lapicEnabled")
	}
	if picEOICalled {
		t.Fatal("expected sendEOI not to touch the PIC when lapicEnabled")
	}
}
