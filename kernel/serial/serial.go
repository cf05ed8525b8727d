// Package serial drives a 16550-compatible UART at COM1, used as an
// optional mirror for kernel/kfmt diagnostics when the boot-time serial
// flag is set. Grounded on bobuhiro11-gokvm/serial/serial.go's register
// offsets and DLAB handling, adapted from the hypervisor-trapped In/Out
// side (registers backed by plain struct fields) to a real client driving
// the hardware through cpu.Outb/Inb.
package serial

import "github.com/lioen-dev/kiwiOS/kernel/cpu"

// COM1Base is the standard I/O port base for the first serial port.
const COM1Base = 0x03F8

// Register offsets from the port base.
const (
	regRBR = 0 // receiver buffer, DLAB=0, read
	regTHR = 0 // transmitter holding, DLAB=0, write
	regDLL = 0 // divisor latch low, DLAB=1
	regIER = 1 // interrupt enable, DLAB=0
	regDLM = 1 // divisor latch high, DLAB=1
	regFCR = 2 // FIFO control, write
	regLCR = 3 // line control
	regMCR = 4 // modem control
	regLSR = 5 // line status
)

const (
	lcrDLAB   = uint8(1) << 7
	lcr8N1    = uint8(0x03)
	lsrTHRE   = uint8(1) << 5 // transmitter holding register empty
	lsrDR     = uint8(1) << 0 // data ready
	fcrEnable = uint8(0x07)   // enable + clear both FIFOs
	mcrDTRRTS = uint8(0x03)
)

// divisorFor115200 is the standard 16550 divisor for 115200 baud against a
// 1.8432 MHz reference clock (115200 = 1843200 / 16 / divisor).
const divisorFor115200 = uint16(1)

// outbFn/inbFn follow the kernel/cpu swappable-var idiom so port bring-up
// and byte transmission can be driven against a fake register map in tests.
var (
	outbFn = cpu.Outb
	inbFn  = cpu.Inb
)

// Port is one bound 16550 UART.
type Port struct {
	base uint16
}

// Init programs the UART for 115200 8N1 with FIFOs enabled, matching the
// standard 16550 bring-up sequence.
func Init(base uint16) *Port {
	p := &Port{base: base}

	outbFn(p.base+regIER, 0x00) // disable interrupts while configuring

	outbFn(p.base+regLCR, lcrDLAB)
	outbFn(p.base+regDLL, uint8(divisorFor115200&0xFF))
	outbFn(p.base+regDLM, uint8(divisorFor115200>>8))
	outbFn(p.base+regLCR, lcr8N1)

	outbFn(p.base+regFCR, fcrEnable)
	outbFn(p.base+regMCR, mcrDTRRTS)

	return p
}

func (p *Port) txReady() bool {
	return inbFn(p.base+regLSR)&lsrTHRE != 0
}

// WriteByte blocks until the transmit holding register is empty, then
// writes b. \n is expanded to \r\n, matching a terminal's expectations.
func (p *Port) WriteByte(b byte) {
	if b == '\n' {
		p.writeRaw('\r')
	}
	p.writeRaw(b)
}

func (p *Port) writeRaw(b byte) {
	for !p.txReady() {
	}
	outbFn(p.base+regTHR, b)
}

// Write implements io.Writer so a Port can be handed to kfmt as an output
// sink directly.
func (p *Port) Write(data []byte) (int, error) {
	for _, b := range data {
		p.WriteByte(b)
	}
	return len(data), nil
}

// ReadByte returns the next received byte and true, or (0, false) if the
// receive buffer is currently empty.
func (p *Port) ReadByte() (byte, bool) {
	if inbFn(p.base+regLSR)&lsrDR == 0 {
		return 0, false
	}
	return inbFn(p.base + regRBR), true
}
