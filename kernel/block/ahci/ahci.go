// Package ahci implements AHCI HBA and port bring-up, IDENTIFY, and the
// single command-slot-0 read/write/flush primitive used by kernel/block to
// drive the boot disk. Grounded line-for-line on
// original_source/src/drivers/ahci/ahci.c.
package ahci

import (
	"unsafe"

	"github.com/lioen-dev/kiwiOS/kernel"
	"github.com/lioen-dev/kiwiOS/kernel/mem"
	"github.com/lioen-dev/kiwiOS/kernel/mem/pmm"
)

// HBA global register offsets.
const (
	regCAP = 0x00
	regGHC = 0x04
	regIS  = 0x08
	regPI  = 0x0C
	regVS  = 0x10

	ghcAE = uint32(1) << 31
)

// Per-port base and stride, and port register offsets.
const (
	portBase   = 0x100
	portStride = 0x80

	pxCLB  = 0x00
	pxCLBU = 0x04
	pxFB   = 0x08
	pxFBU  = 0x0C
	pxIS   = 0x10
	pxCMD  = 0x18
	pxTFD  = 0x20
	pxSIG  = 0x24
	pxSSTS = 0x28
	pxSERR = 0x30
	pxCI   = 0x38
)

const (
	cmdST  = uint32(1) << 0
	cmdFRE = uint32(1) << 4
	cmdFR  = uint32(1) << 14
	cmdCR  = uint32(1) << 15
)

const fisTypeRegH2D = 0x27

// 48-bit LBA DMA ATA commands.
const (
	ataIdentify      = 0xEC
	ataReadDMAExt    = 0x25
	ataWriteDMAExt   = 0x35
	ataFlushCacheExt = 0xEA
)

const sataSigATA = 0x00000101

// MaxPRDTEntries bounds the scatter-gather list built for one command,
// matching original_source's AHCI_MAX_PRDT.
const MaxPRDTEntries = 128

var (
	errPortNotActive   = &kernel.Error{Module: "ahci", Message: "port is not an active SATA link", Kind: kernel.KindNotReady}
	errPortStayedBusy  = &kernel.Error{Module: "ahci", Message: "port stayed busy past the spin budget", Kind: kernel.KindDeviceTimeout}
	errCommandTimeout  = &kernel.Error{Module: "ahci", Message: "command was not latched or did not complete", Kind: kernel.KindDeviceTimeout}
	errCommandError    = &kernel.Error{Module: "ahci", Message: "device reported a command error", Kind: kernel.KindDeviceError}
	errAllocFailed     = &kernel.Error{Module: "ahci", Message: "failed to allocate a DMA page", Kind: kernel.KindOutOfMemory}
	errPRDTOverflow    = &kernel.Error{Module: "ahci", Message: "buffer requires more PRDT entries than supported", Kind: kernel.KindInvalidArgument}
	errZeroSectorCount = &kernel.Error{Module: "ahci", Message: "sector count must be non-zero", Kind: kernel.KindInvalidArgument}

)

// Hardware/allocator touchpoints, swappable in tests following the
// kernel/trap outbFn/rdmsrFn idiom.
var (
	rd32Fn       = readMMIO32
	wr32Fn       = writeMMIO32
	frameAllocFn = pmm.AllocFrame
	// frameAllocContigFn and frameFreeContigFn back the bounce buffer
	// path, which needs a single physical run spanning more than one
	// frame rather than pmm.AllocFrame's arbitrary single-frame grants.
	frameAllocContigFn = pmm.AllocContiguous
	frameFreeContigFn  = pmm.FreeContiguous
	physToVirtFn       = mem.PhysToVirt
	// translateFn resolves the physical address backing a caller-owned
	// virtual page, used to build a scatter/gather PRDT without copying.
	// A nil translateFn (the default outside of vmm bring-up) forces
	// every request through the bounce-buffer path.
	translateFn func(virt uintptr) (uintptr, bool)
	pauseFn     = func() {}
	logf        func(format string, args ...interface{})
)

func log(format string, args ...interface{}) {
	if logf != nil {
		logf(format, args...)
	}
}

func readMMIO32(addr uintptr) uint32     { return *(*uint32)(unsafe.Pointer(addr)) }
func writeMMIO32(addr uintptr, v uint32) { *(*uint32)(unsafe.Pointer(addr)) = v }

// dmaPage is a single zeroed, physically contiguous page usable for DMA;
// Virt is HHDM-mapped so the kernel can read/write it directly.
type dmaPage struct {
	Phys uintptr
	Virt uintptr
}

func allocDMAPage() (dmaPage, *kernel.Error) {
	frame, err := frameAllocFn()
	if err != nil {
		return dmaPage{}, errAllocFailed
	}
	phys := frame.Address()
	virt := physToVirtFn(phys)
	mem.Memset(virt, 0, mem.PageSize)
	return dmaPage{Phys: phys, Virt: virt}, nil
}

// Port is one bound, initialized AHCI port ready to serve read/write/flush.
type Port struct {
	mmioBase uintptr
	num      uint32

	clb dmaPage // command list: 32 entries * 32 bytes, fits one page
	fb  dmaPage // FIS receive area
	ct  dmaPage // command table for slot 0
}

func (p *Port) base() uintptr { return p.mmioBase + portBase + uintptr(p.num)*portStride }

func (p *Port) read(off uintptr) uint32          { return rd32Fn(p.base() + off) }
func (p *Port) write(off uintptr, v uint32)      { wr32Fn(p.base()+off, v) }

func (p *Port) stop() *kernel.Error {
	p.write(pxCMD, p.read(pxCMD)&^cmdST)
	if !spinUntil(20000, func() bool { return p.read(pxCMD)&cmdCR == 0 }) {
		return errPortStayedBusy
	}
	p.write(pxCMD, p.read(pxCMD)&^cmdFRE)
	if !spinUntil(20000, func() bool { return p.read(pxCMD)&cmdFR == 0 }) {
		return errPortStayedBusy
	}
	return nil
}

func (p *Port) start() {
	p.write(pxCMD, p.read(pxCMD)|cmdFRE)
	p.write(pxCMD, p.read(pxCMD)|cmdST)
}

func (p *Port) waitNotBusy() bool {
	return spinUntil(200000, func() bool { return p.read(pxTFD)&(0x80|0x08) == 0 })
}

func spinUntil(iterations int, done func() bool) bool {
	for i := 0; i < iterations; i++ {
		if done() {
			return true
		}
		pauseFn()
	}
	return false
}

// issueSlot0 writes PxCI's bit 0, waits for the HBA to latch it, then waits
// for the command to complete, and checks PxTFD.ERR.
func (p *Port) issueSlot0() *kernel.Error {
	p.write(pxCI, 1)

	if !spinUntil(1000, func() bool { return p.read(pxCI)&1 != 0 }) {
		log("[ahci] PxCI did not latch command (CMD=%x CI=%x)\n", p.read(pxCMD), p.read(pxCI))
		return errCommandTimeout
	}

	if !spinUntil(400000, func() bool { return p.read(pxCI)&1 == 0 }) {
		log("[ahci] cmd timeout: CI=%x TFD=%x IS=%x SERR=%x\n", p.read(pxCI), p.read(pxTFD), p.read(pxIS), p.read(pxSERR))
		return errCommandTimeout
	}

	if p.read(pxTFD)&0x01 != 0 {
		log("[ahci] cmd error: TFD=%x IS=%x SERR=%x\n", p.read(pxTFD), p.read(pxIS), p.read(pxSERR))
		return errCommandError
	}
	return nil
}

// cmdHeaderBytes returns a byte view of command header slot 0 within clb.
func (p *Port) cmdHeaderBytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p.clb.Virt)), 32)
}

func (p *Port) ctBytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p.ct.Virt)), mem.PageSize)
}

// setCmdHeader programs command header slot 0: cfl (dwords in the command
// FIS), the write flag, the PRDT entry count and the command table's
// 64-bit physical address.
func setCmdHeader(h []byte, cfl uint8, write bool, prdtl uint16, ctba uint64) {
	for i := range h {
		h[i] = 0
	}
	h[0] = cfl & 0x1F
	if write {
		h[0] |= 1 << 6
	}
	h[2] = byte(prdtl)
	h[3] = byte(prdtl >> 8)
	h[8] = byte(ctba)
	h[9] = byte(ctba >> 8)
	h[10] = byte(ctba >> 16)
	h[11] = byte(ctba >> 24)
	h[12] = byte(ctba >> 32)
	h[13] = byte(ctba >> 40)
	h[14] = byte(ctba >> 48)
	h[15] = byte(ctba >> 56)
}

// cfisOffset/prdtOffset lay out the command table exactly like
// original_source's hba_cmd_table_t: cfis[64] + acmd[16] + rsv[48], then
// the PRDT array, 16 bytes per entry.
const (
	cfisOffset = 0
	prdtOffset = 64 + 16 + 48
)

func setPRDTEntry(ct []byte, index int, phys uintptr, byteCount uint32) {
	off := prdtOffset + index*16
	ct[off+0] = byte(phys)
	ct[off+1] = byte(phys >> 8)
	ct[off+2] = byte(phys >> 16)
	ct[off+3] = byte(phys >> 24)
	ct[off+4] = byte(phys >> 32)
	ct[off+5] = byte(phys >> 40)
	ct[off+6] = byte(phys >> 48)
	ct[off+7] = byte(phys >> 56)
	dbc := (byteCount - 1) & 0x3FFFFF
	dbc |= 1 << 31 // interrupt-on-completion bit
	ct[off+12] = byte(dbc)
	ct[off+13] = byte(dbc >> 8)
	ct[off+14] = byte(dbc >> 16)
	ct[off+15] = byte(dbc >> 24)
}

// buildH2DFIS writes a Register Host-to-Device FIS at ct[cfisOffset:].
func buildH2DFIS(ct []byte, command uint8, lba uint64, count uint16) {
	f := ct[cfisOffset : cfisOffset+20]
	for i := range f {
		f[i] = 0
	}
	f[0] = fisTypeRegH2D
	f[1] = 1 << 7 // c bit
	f[2] = command
	f[4] = byte(lba)
	f[5] = byte(lba >> 8)
	f[6] = byte(lba >> 16)
	f[7] = 1 << 6 // device: LBA mode
	f[8] = byte(lba >> 24)
	f[9] = byte(lba >> 32)
	f[10] = byte(lba >> 40)
	f[12] = byte(count)
	f[13] = byte(count >> 8)
}

// buildPRDT constructs the scatter/gather list for buf, splitting on 4 KiB
// page boundaries via translateFn. Returns 0 entries (not an error) if
// translation is unavailable or any page fails to translate, signaling the
// caller to fall back to a bounce buffer.
func buildPRDT(ct []byte, buf []byte) uint16 {
	if translateFn == nil || len(buf) == 0 {
		return 0
	}

	va := uintptr(unsafe.Pointer(&buf[0]))
	remaining := uint32(len(buf))
	entries := 0

	for remaining > 0 {
		if entries >= MaxPRDTEntries {
			return 0
		}
		pageOff := va & uintptr(mem.PageSize-1)
		phys, ok := translateFn(va &^ uintptr(mem.PageSize-1))
		if !ok {
			return 0
		}
		chunk := uint32(mem.PageSize) - uint32(pageOff)
		if chunk > remaining {
			chunk = remaining
		}

		setPRDTEntry(ct, entries, phys+pageOff, chunk)
		entries++
		va += uintptr(chunk)
		remaining -= chunk
	}
	return uint16(entries)
}

func buildPRDTFromPhysContig(ct []byte, phys uintptr, bytes uint32) uint16 {
	const maxDBC = 4 * 1024 * 1024
	entries := 0
	remaining := bytes
	for remaining > 0 {
		if entries >= MaxPRDTEntries {
			return 0
		}
		chunk := remaining
		if chunk > maxDBC {
			chunk = maxDBC
		}
		setPRDTEntry(ct, entries, phys, chunk)
		entries++
		phys += uintptr(chunk)
		remaining -= chunk
	}
	return uint16(entries)
}

// Init brings up one port given the HBA's mapped MMIO virtual base and the
// port index within it. It stops the command engine, clears SERR/IS,
// allocates the command list/FIS/command-table pages, programs
// PxCLB/PxFB, and restarts the engine.
func Init(mmioBase uintptr, portNum uint32) (*Port, *kernel.Error) {
	p := &Port{mmioBase: mmioBase, num: portNum}

	ssts := p.read(pxSSTS)
	det := ssts & 0x0F
	ipm := (ssts >> 8) & 0x0F
	if !(det == 3 && ipm == 1) {
		return nil, errPortNotActive
	}
	if p.read(pxSIG) != sataSigATA {
		return nil, errPortNotActive
	}

	if err := p.stop(); err != nil {
		return nil, err
	}
	p.write(pxSERR, 0xFFFFFFFF)
	p.write(pxIS, 0xFFFFFFFF)

	var err *kernel.Error
	if p.clb, err = allocDMAPage(); err != nil {
		return nil, err
	}
	if p.fb, err = allocDMAPage(); err != nil {
		return nil, err
	}
	if p.ct, err = allocDMAPage(); err != nil {
		return nil, err
	}

	p.write(pxCLB, uint32(p.clb.Phys))
	p.write(pxCLBU, uint32(p.clb.Phys>>32))
	p.write(pxFB, uint32(p.fb.Phys))
	p.write(pxFBU, uint32(p.fb.Phys>>32))

	p.start()
	log("[ahci] port %d initialized: CLB=%x FB=%x CT=%x\n", portNum, uint32(p.clb.Phys), uint32(p.fb.Phys), uint32(p.ct.Phys))
	return p, nil
}

// Identify issues ATA IDENTIFY and returns the swap-decoded model string
// (IDENTIFY words 27..46), per original_source's ata_swap_model.
func (p *Port) Identify() (string, *kernel.Error) {
	if !p.waitNotBusy() {
		return "", errPortStayedBusy
	}
	p.write(pxSERR, 0xFFFFFFFF)
	p.write(pxIS, 0xFFFFFFFF)

	idPage, err := allocDMAPage()
	if err != nil {
		return "", err
	}

	h := p.cmdHeaderBytes()
	ct := p.ctBytes()
	setCmdHeader(h, uint8(20/4), false, 1, uint64(p.ct.Phys))
	setPRDTEntry(ct, 0, idPage.Phys, 512)
	buildH2DFIS(ct, ataIdentify, 0, 0)

	if err := p.issueSlot0(); err != nil {
		return "", err
	}

	idWords := unsafe.Slice((*uint16)(unsafe.Pointer(idPage.Virt)), 256)
	return swapDecodeModel(idWords, 27, 20), nil
}

func swapDecodeModel(words []uint16, start, count int) string {
	buf := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		w := words[start+i]
		buf = append(buf, byte(w>>8), byte(w))
	}
	for len(buf) > 0 && (buf[len(buf)-1] == ' ' || buf[len(buf)-1] == 0) {
		buf = buf[:len(buf)-1]
	}
	return string(buf)
}

func (p *Port) ensureRunning() {
	cmd := p.read(pxCMD)
	if cmd&(cmdST|cmdFRE) != (cmdST | cmdFRE) {
		p.start()
	}
}

func (p *Port) rw(ataCmd uint8, lba uint64, sectorCount uint32, buf []byte, isWrite bool) *kernel.Error {
	if sectorCount == 0 {
		return errZeroSectorCount
	}
	bytes := sectorCount * 512

	p.ensureRunning()
	if !p.waitNotBusy() {
		return errPortStayedBusy
	}
	p.write(pxSERR, 0xFFFFFFFF)
	p.write(pxIS, 0xFFFFFFFF)

	ct := p.ctBytes()

	prdtl := buildPRDT(ct, buf)
	var bounce dmaPage
	usingBounce := false
	if prdtl == 0 {
		var err *kernel.Error
		bounce, err = allocBounce(bytes)
		if err != nil {
			return err
		}
		usingBounce = true
		if isWrite {
			copy(unsafe.Slice((*byte)(unsafe.Pointer(bounce.Virt)), bytes), buf)
		}
		prdtl = buildPRDTFromPhysContig(ct, bounce.Phys, bytes)
		if prdtl == 0 {
			freeBounce(bounce, bytes)
			return errPRDTOverflow
		}
	}

	h := p.cmdHeaderBytes()
	setCmdHeader(h, uint8(20/4), ataCmd == ataWriteDMAExt, prdtl, uint64(p.ct.Phys))
	buildH2DFIS(ct, ataCmd, lba, uint16(sectorCount))

	if err := p.issueSlot0(); err != nil {
		if usingBounce {
			freeBounce(bounce, bytes)
		}
		return err
	}

	if usingBounce {
		if !isWrite {
			copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(bounce.Virt)), bytes))
		}
		freeBounce(bounce, bytes)
	}
	return nil
}

// allocBounce reserves a single physically contiguous run of frames sized
// to hold bytes, since the PRDT scatter/gather path this backstops requires
// one base address covering the whole transfer.
func allocBounce(bytes uint32) (dmaPage, *kernel.Error) {
	pages := uint32((mem.Size(bytes) + mem.PageSize - 1) / mem.PageSize)
	frame, err := frameAllocContigFn(pages)
	if err != nil {
		return dmaPage{}, errAllocFailed
	}
	phys := frame.Address()
	virt := physToVirtFn(phys)
	mem.Memset(virt, 0, mem.Size(pages)*mem.PageSize)
	return dmaPage{Phys: phys, Virt: virt}, nil
}

func freeBounce(d dmaPage, bytes uint32) {
	pages := uint32((mem.Size(bytes) + mem.PageSize - 1) / mem.PageSize)
	frameFreeContigFn(mem.FrameFromAddress(d.Phys), pages)
}

// Read reads sectorCount sectors starting at lba into buf.
func (p *Port) Read(lba uint64, sectorCount uint32, buf []byte) *kernel.Error {
	return p.rw(ataReadDMAExt, lba, sectorCount, buf, false)
}

// Write writes sectorCount sectors starting at lba from buf.
func (p *Port) Write(lba uint64, sectorCount uint32, buf []byte) *kernel.Error {
	return p.rw(ataWriteDMAExt, lba, sectorCount, buf, true)
}

// Flush issues FLUSH CACHE EXT (a no-data command, prdtl = 0).
func (p *Port) Flush() *kernel.Error {
	p.ensureRunning()
	if !p.waitNotBusy() {
		return errPortStayedBusy
	}
	p.write(pxSERR, 0xFFFFFFFF)
	p.write(pxIS, 0xFFFFFFFF)

	h := p.cmdHeaderBytes()
	ct := p.ctBytes()
	setCmdHeader(h, uint8(20/4), false, 0, uint64(p.ct.Phys))
	buildH2DFIS(ct, ataFlushCacheExt, 0, 0)

	return p.issueSlot0()
}

// HBA models the controller-wide registers used for discovery: enabling
// AHCI mode and finding which ports have an active SATA link.
type HBA struct {
	mmioBase uintptr
}

// NewHBA wraps an already-mapped MMIO virtual base address.
func NewHBA(mmioBase uintptr) *HBA {
	return &HBA{mmioBase: mmioBase}
}

func (h *HBA) read(off uintptr) uint32     { return rd32Fn(h.mmioBase + off) }
func (h *HBA) write(off uintptr, v uint32) { wr32Fn(h.mmioBase+off, v) }

// EnableAHCIMode sets GHC.AE (bit 31) if it is not already set.
func (h *HBA) EnableAHCIMode() {
	ghc := h.read(regGHC)
	if ghc&ghcAE == 0 {
		h.write(regGHC, ghc|ghcAE)
	}
}

// PortCount returns the number of ports the controller reports in CAP.
func (h *HBA) PortCount() uint32 {
	return (h.read(regCAP) & 0x1F) + 1
}

// ImplementedPorts returns the PI bitmask of ports the controller wires up.
func (h *HBA) ImplementedPorts() uint32 {
	return h.read(regPI)
}

// PortSignature reads the SATA device signature for port index i within
// this HBA's MMIO region (used before Init to decide whether to bring the
// port up at all).
func (h *HBA) PortSignature(i uint32) uint32 {
	return rd32Fn(h.mmioBase + portBase + uintptr(i)*portStride + pxSIG)
}

// PortActive reports whether port i's link is DET=3, IPM=1 (active SATA).
func (h *HBA) PortActive(i uint32) bool {
	ssts := rd32Fn(h.mmioBase + portBase + uintptr(i)*portStride + pxSSTS)
	det := ssts & 0x0F
	ipm := (ssts >> 8) & 0x0F
	return det == 3 && ipm == 1
}

// FindDisk scans PortCount ports and returns the first with an active
// SATA link and the ATA disk signature, per original_source's
// ahci_probe_mmio "select first active SATA port" policy.
func (h *HBA) FindDisk() (uint32, bool) {
	pi := h.ImplementedPorts()
	for i := uint32(0); i < h.PortCount(); i++ {
		if pi&(1<<i) == 0 {
			continue
		}
		if h.PortActive(i) && h.PortSignature(i) == sataSigATA {
			return i, true
		}
	}
	return 0, false
}

// SetTranslator wires the virtual-to-physical resolver buildPRDT uses to
// build a scatter/gather list without bouncing every request, typically
// vmm.KernelSpace().Translate once paging is up.
func SetTranslator(fn func(virt uintptr) (uintptr, bool)) {
	translateFn = fn
}

// SetLogger wires this package's diagnostics to fn, typically kfmt.Printf.
func SetLogger(fn func(format string, args ...interface{})) {
	logf = fn
}
