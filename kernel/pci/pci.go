// Package pci implements a legacy configuration-space (mechanism #1) PCI
// bus scanner: bus/device/function enumeration, class-code lookup and BAR
// reads, enough to locate an AHCI HBA. Grounded on original_source's
// drivers/pci/pci.c, with the config-address bit layout cross-checked
// against bobuhiro11-gokvm's pci.address helpers.
package pci

import "github.com/lioen-dev/kiwiOS/kernel/cpu"

const (
	configAddrPort = 0xCF8
	configDataPort = 0xCFC

	// ClassMassStorage/SubclassSATA/ProgIFAHCI identify an AHCI HBA
	// (class 0x01, subclass 0x06, prog-if 0x01).
	ClassMassStorage = 0x01
	SubclassSATA     = 0x06
	ProgIFAHCI       = 0x01
)

var (
	outlFn = cpu.Outl
	inlFn  = cpu.Inl
)

// Address identifies one PCI function's configuration space.
type Address struct {
	Bus, Device, Function uint8
}

func cfgAddr(a Address, offset uint8) uint32 {
	return 0x80000000 |
		uint32(a.Bus)<<16 |
		uint32(a.Device)<<11 |
		uint32(a.Function)<<8 |
		uint32(offset&0xFC)
}

func read32(a Address, offset uint8) uint32 {
	outlFn(configAddrPort, cfgAddr(a, offset))
	return inlFn(configDataPort)
}

func read16(a Address, offset uint8) uint16 {
	v := read32(a, offset&^1)
	return uint16(v >> ((uint32(offset) & 2) * 8))
}

func read8(a Address, offset uint8) uint8 {
	v := read32(a, offset)
	return uint8(v >> ((uint32(offset) & 3) * 8))
}

func write32(a Address, offset uint8, value uint32) {
	outlFn(configAddrPort, cfgAddr(a, offset))
	outlFn(configDataPort, value)
}

func write16(a Address, offset uint8, value uint16) {
	orig := read32(a, offset&^1)
	shift := (uint32(offset) & 2) * 8
	mask := uint32(0xFFFF) << shift
	write32(a, offset&^1, (orig&^mask)|(uint32(value)<<shift))
}

// Device describes one discovered PCI function.
type Device struct {
	Addr                        Address
	VendorID, DeviceID          uint16
	ClassCode, Subclass, ProgIF uint8
}

// IsAHCI reports whether d is a SATA AHCI HBA.
func (d Device) IsAHCI() bool {
	return d.ClassCode == ClassMassStorage && d.Subclass == SubclassSATA && d.ProgIF == ProgIFAHCI
}

// BAR reads BAR index (0..5) as a raw 32-bit value; callers mask off the
// low flag bits themselves since the meaning differs for MMIO vs I/O BARs.
func (d Device) BAR(index int) uint32 {
	return read32(d.Addr, uint8(0x10+index*4))
}

// EnableBusMaster sets the Bus Master Enable and Memory Space Enable bits
// in the PCI command register, required before a device can perform DMA.
func (d Device) EnableBusMaster() {
	cmd := read16(d.Addr, 0x04)
	next := cmd | (1 << 2) | (1 << 1)
	if next != cmd {
		write16(d.Addr, 0x04, next)
	}
}

// Scan walks all 256 buses, 32 devices and 8 functions of the legacy
// configuration space and invokes fn for every function that responds
// with a vendor ID other than 0xFFFF.
func Scan(fn func(Device)) {
	for bus := 0; bus < 256; bus++ {
		for dev := 0; dev < 32; dev++ {
			for fnNum := 0; fnNum < 8; fnNum++ {
				addr := Address{Bus: uint8(bus), Device: uint8(dev), Function: uint8(fnNum)}
				vendor := read16(addr, 0x00)
				if vendor == 0xFFFF {
					if fnNum == 0 {
						break
					}
					continue
				}

				fn(Device{
					Addr:      addr,
					VendorID:  vendor,
					DeviceID:  read16(addr, 0x02),
					ClassCode: read8(addr, 0x0B),
					Subclass:  read8(addr, 0x0A),
					ProgIF:    read8(addr, 0x09),
				})
			}
		}
	}
}

// FindAHCI scans the bus and returns the first AHCI HBA found, if any.
func FindAHCI() (Device, bool) {
	var found Device
	var ok bool
	Scan(func(d Device) {
		if !ok && d.IsAHCI() {
			found, ok = d, true
		}
	})
	return found, ok
}
