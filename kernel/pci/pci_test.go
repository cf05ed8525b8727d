package pci

import "testing"

// fakeConfigSpace models a small set of PCI functions purely in terms of
// the 32-bit little-endian config-space words a real device would expose,
// keyed by (bus,dev,func,offset&^3).
type fakeConfigSpace struct {
	words   map[Address]map[uint8]uint32
	addrReg uint32
}

func newFakeConfigSpace() *fakeConfigSpace {
	return &fakeConfigSpace{words: map[Address]map[uint8]uint32{}}
}

func (f *fakeConfigSpace) put(a Address, offset uint8, value uint32) {
	if f.words[a] == nil {
		f.words[a] = map[uint8]uint32{}
	}
	f.words[a][offset&^3] = value
}

func (f *fakeConfigSpace) install(t *testing.T) {
	t.Helper()
	outlFn = func(port uint16, value uint32) {
		if port == configAddrPort {
			f.addrReg = value
		}
	}
	inlFn = func(port uint16) uint32 {
		if port != configDataPort {
			return 0xFFFFFFFF
		}
		a := Address{
			Bus:      uint8((f.addrReg >> 16) & 0xFF),
			Device:   uint8((f.addrReg >> 11) & 0x1F),
			Function: uint8((f.addrReg >> 8) & 0x7),
		}
		offset := uint8(f.addrReg & 0xFC)
		if words, ok := f.words[a]; ok {
			if v, ok := words[offset]; ok {
				return v
			}
		}
		return 0xFFFFFFFF
	}
}

func TestScanFindsSingleDevice(t *testing.T) {
	fc := newFakeConfigSpace()
	addr := Address{Bus: 0, Device: 3, Function: 0}
	// offset 0x00: device ID (high 16) | vendor ID (low 16)
	fc.put(addr, 0x00, 0x1AF4<<16|0x1000)
	fc.install(t)
	defer fc.install(t)

	var found []Device
	Scan(func(d Device) { found = append(found, d) })

	if len(found) != 1 {
		t.Fatalf("expected exactly one device, got %d", len(found))
	}
	if found[0].VendorID != 0x1000 || found[0].DeviceID != 0x1AF4 {
		t.Fatalf("unexpected vendor/device ID: %+v", found[0])
	}
}

func TestScanIdentifiesAHCIController(t *testing.T) {
	fc := newFakeConfigSpace()
	addr := Address{Bus: 0, Device: 2, Function: 0}
	fc.put(addr, 0x00, 0x2922<<16|0x8086)
	// offset 0x08: class(31:24) subclass(23:16) progIF(15:8) revision(7:0)
	fc.put(addr, 0x08, uint32(ClassMassStorage)<<24|uint32(SubclassSATA)<<16|uint32(ProgIFAHCI)<<8)
	fc.install(t)
	defer fc.install(t)

	dev, ok := FindAHCI()
	if !ok {
		t.Fatal("expected FindAHCI to locate the AHCI controller")
	}
	if !dev.IsAHCI() {
		t.Fatal("expected discovered device to report IsAHCI() == true")
	}
}

func TestScanSkipsRemainingFunctionsWhenFunctionZeroAbsent(t *testing.T) {
	fc := newFakeConfigSpace()
	fc.install(t)
	defer fc.install(t)

	var found []Device
	Scan(func(d Device) { found = append(found, d) })

	if len(found) != 0 {
		t.Fatalf("expected no devices on an empty bus, got %d", len(found))
	}
}

func TestEnableBusMasterSetsCommandBits(t *testing.T) {
	fc := newFakeConfigSpace()
	addr := Address{Bus: 0, Device: 2, Function: 0}
	fc.put(addr, 0x00, 0x2922<<16|0x8086)
	fc.put(addr, 0x04, 0x0000) // command/status register, all clear
	fc.install(t)
	defer fc.install(t)

	var written []uint32
	realOutl := outlFn
	outlFn = func(port uint16, value uint32) {
		if port == configDataPort {
			written = append(written, value)
		}
		realOutl(port, value)
	}

	Device{Addr: addr}.EnableBusMaster()

	if len(written) == 0 {
		t.Fatal("expected EnableBusMaster to issue a config-space write")
	}
	last := written[len(written)-1]
	if last&(1<<2) == 0 || last&(1<<1) == 0 {
		t.Fatalf("expected bus master and memory space bits to be set, got 0x%x", last)
	}
}

func TestBARReadsRawValue(t *testing.T) {
	fc := newFakeConfigSpace()
	addr := Address{Bus: 0, Device: 4, Function: 0}
	fc.put(addr, 0x24, 0xFEBF1000) // BAR5 at offset 0x10+5*4=0x24
	fc.install(t)
	defer fc.install(t)

	got := Device{Addr: addr}.BAR(5)
	if got != 0xFEBF1000 {
		t.Fatalf("expected BAR5 == 0xFEBF1000, got 0x%x", got)
	}
}
