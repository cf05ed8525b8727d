// Package kmain wires every subsystem package into the single boot
// sequence the rt0 trampoline hands off to once a minimal Go stack exists:
// physical/virtual memory bring-up, the Go runtime shims, trap and
// scheduler installation, storage discovery and the console/serial
// output sinks, before finally falling into the shell loop.
package kmain

import (
	"io"
	"unsafe"

	"github.com/lioen-dev/kiwiOS/kernel"
	"github.com/lioen-dev/kiwiOS/kernel/block"
	"github.com/lioen-dev/kiwiOS/kernel/block/ahci"
	"github.com/lioen-dev/kiwiOS/kernel/block/cache"
	"github.com/lioen-dev/kiwiOS/kernel/block/partition"
	"github.com/lioen-dev/kiwiOS/kernel/bootinfo"
	"github.com/lioen-dev/kiwiOS/kernel/console"
	_ "github.com/lioen-dev/kiwiOS/kernel/goruntime"
	"github.com/lioen-dev/kiwiOS/kernel/kfmt"
	"github.com/lioen-dev/kiwiOS/kernel/mem"
	"github.com/lioen-dev/kiwiOS/kernel/mem/heap"
	"github.com/lioen-dev/kiwiOS/kernel/mem/pmm"
	"github.com/lioen-dev/kiwiOS/kernel/mem/vmm"
	"github.com/lioen-dev/kiwiOS/kernel/pci"
	"github.com/lioen-dev/kiwiOS/kernel/sched"
	"github.com/lioen-dev/kiwiOS/kernel/serial"
	"github.com/lioen-dev/kiwiOS/kernel/shell"
	"github.com/lioen-dev/kiwiOS/kernel/trap"
)

// heapBaseVaddr is the fixed virtual address the kernel heap grows from,
// chosen well clear of the HHDM window and the early-reserve range.
const heapBaseVaddr = uintptr(0xffffffff40000000)

// ahciMMIOWindowSize covers the AHCI generic host control block plus up to
// 32 port register blocks (0x100 + 32*0x80).
const ahciMMIOWindowSize = mem.Size(0x100 + 32*0x80)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// Kmain is the only Go symbol the rt0 trampoline calls, once bootinfo.Init
// has already recorded the boot protocol's response fields. It is not
// expected to return; if it does, the caller halts the CPU.
//
//go:noinline
func Kmain() {
	if err := pmm.Init(bootinfo.KernelPhysBase(), bootinfo.KernelPhysEnd()); err != nil {
		kernel.Panic(err)
	}
	pmm.SetLogger(kfmt.Printf)

	if err := vmm.Init(); err != nil {
		kernel.Panic(err)
	}

	heap.Init(heapBaseVaddr)

	trap.SetLAPICMapper(lapicMapper)
	trap.Init()

	sched.Init()
	trap.Register(trap.TimerVector, func(*trap.Registers) { sched.OnTick() })

	setupOutputSinks()

	ahci.SetLogger(kfmt.Printf)
	ahci.SetTranslator(func(virt uintptr) (uintptr, bool) {
		phys, err := vmm.KernelSpace().Translate(virt)
		return phys, err == nil
	})

	disks := discoverDisks()
	shell.Init(disks, comPortReadByte)
	shell.Run()

	kernel.Panic(errKmainReturned)
}

// comPortReadByte is wired to the boot COM1 port once setupOutputSinks
// runs; it is the shell's only input source since PS/2 keyboard decoding
// is out of scope.
var comPortReadByte func() (byte, bool)

// setupOutputSinks binds the boot-time framebuffer and COM1 as kfmt's
// output sink, so every kfmt.Printf call (including the ones already
// buffered by kfmt's ring buffer before this point) reaches both the
// on-screen console and a serial listener, and wires COM1 as the shell's
// input source.
func setupOutputSinks() {
	fb := bootinfo.Framebuffer()

	var sinks []io.Writer
	if fb.Address != 0 {
		if err := console.Init(fb.Address, fb.Width, fb.Height, fb.Pitch, uint32(fb.Bpp)); err != nil {
			kfmt.Printf("[kmain] console init failed: %s\n", err.Error())
		} else {
			console.SetColors(console.LightGrey, console.Black)
			sinks = append(sinks, console.Default())
		}
	}

	port := serial.Init(serial.COM1Base)
	sinks = append(sinks, port)
	comPortReadByte = port.ReadByte

	switch len(sinks) {
	case 0:
	case 1:
		kfmt.SetOutputSink(sinks[0])
	default:
		kfmt.SetOutputSink(io.MultiWriter(sinks...))
	}
}

// mapMMIOFn reserves a scratch virtual range via vmm.EarlyReserveRegion and
// maps it uncacheable onto physAddr, one page at a time, returning the
// virtual address that corresponds to physAddr itself (not the page-
// aligned window base).
func mapMMIOFn(physAddr uintptr, size mem.Size) (uintptr, *kernel.Error) {
	pageOff := physAddr & uintptr(mem.PageSize-1)
	alignedPhys := physAddr &^ uintptr(mem.PageSize-1)
	spanned := mem.Size(pageOff) + size

	virt, err := vmm.EarlyReserveRegion(spanned)
	if err != nil {
		return 0, err
	}

	pages := (uint64(spanned) + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
	flags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagCacheDisable
	for i := uint64(0); i < pages; i++ {
		frame := mem.FrameFromAddress(alignedPhys + uintptr(i)*uintptr(mem.PageSize))
		if err := vmm.Map(virt+uintptr(i)*uintptr(mem.PageSize), frame, flags); err != nil {
			return 0, err
		}
	}

	return virt + uintptr(pageOff), nil
}

// lapicMapper adapts mapMMIOFn to the read/write-pair shape trap.Init
// expects for its local APIC register window.
func lapicMapper(physAddr uintptr) (func(uint32) uint32, func(uint32, uint32)) {
	base, err := mapMMIOFn(physAddr, mem.PageSize)
	if err != nil {
		return nil, nil
	}
	read := func(off uint32) uint32 { return *(*uint32)(unsafe.Pointer(base + uintptr(off))) }
	write := func(off uint32, v uint32) { *(*uint32)(unsafe.Pointer(base + uintptr(off))) = v }
	return read, write
}

// discoverDisks scans the PCI bus for an AHCI HBA, brings up every
// implemented port that reports an active SATA disk, probes each for a
// partition table, and wraps every resulting block.Device (raw disk and
// partitions alike) in its own write-back buffer cache.
func discoverDisks() []*block.Device {
	pciDev, ok := pci.FindAHCI()
	if !ok {
		kfmt.Printf("[kmain] no AHCI controller found\n")
		return nil
	}
	pciDev.EnableBusMaster()

	mmioPhys := uintptr(pciDev.BAR(5) &^ 0xF)
	mmioVirt, err := mapMMIOFn(mmioPhys, ahciMMIOWindowSize)
	if err != nil {
		kfmt.Printf("[kmain] failed to map AHCI MMIO region: %s\n", err.Error())
		return nil
	}

	hba := ahci.NewHBA(mmioVirt)
	hba.EnableAHCIMode()

	implemented := hba.ImplementedPorts()
	var disks []*block.Device
	for i := uint32(0); i < hba.PortCount() && i < 32; i++ {
		if implemented&(1<<i) == 0 || !hba.PortActive(i) {
			continue
		}

		port, err := ahci.Init(mmioVirt, i)
		if err != nil {
			kfmt.Printf("[kmain] port %d init failed: %s\n", i, err.Error())
			continue
		}

		dev := portToDevice(port, i)
		disks = append(disks, dev)

		result, err := partition.Probe(dev)
		if err != nil {
			kfmt.Printf("[kmain] partition probe failed on %s: %s\n", dev.Name, err.Error())
			continue
		}
		disks = append(disks, result.Partitions...)
	}

	statsByName := map[string]*cache.Cache{}
	cached := make([]*block.Device, len(disks))
	for i, d := range disks {
		c, wrapped := cachedDevice(d)
		cached[i] = wrapped
		if c != nil {
			statsByName[wrapped.Name] = c
		}
	}

	shell.SetCacheStatsFn(func(dev *block.Device) (cache.Stats, bool) {
		c, ok := statsByName[dev.Name]
		if !ok {
			return cache.Stats{}, false
		}
		return c.Stats(), true
	})

	return cached
}

// portToDevice wraps one bound AHCI port as a block.Device.
func portToDevice(port *ahci.Port, index uint32) *block.Device {
	return &block.Device{
		Name:       "ahci" + itoa(index),
		SectorSize: 512,
		ReadFn:     port.Read,
		WriteFn:    port.Write,
		FlushFn:    port.Flush,
	}
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// cachedDevice wraps dev's Read/Write/Flush behind a 4 KiB write-back
// buffer cache, matching the layering original_source's bcache sits at:
// between the raw block driver and everything above it. It returns the
// underlying Cache alongside the wrapped Device so the shell's cache
// command can report its stats; c is nil if the cache failed to allocate,
// in which case dev is returned unwrapped.
func cachedDevice(dev *block.Device) (c *cache.Cache, out *block.Device) {
	c, err := cache.New(0)
	if err != nil {
		kfmt.Printf("[kmain] buffer cache init failed for %s: %s\n", dev.Name, err.Error())
		return nil, dev
	}

	out = &block.Device{
		Name:         dev.Name,
		SectorSize:   dev.SectorSize,
		TotalSectors: dev.TotalSectors,
		ReadFn: func(lba uint64, count uint32, buf []byte) *kernel.Error {
			return cachedRead(c, dev, lba, count, buf)
		},
		WriteFn: func(lba uint64, count uint32, buf []byte) *kernel.Error {
			return cachedWrite(c, dev, lba, count, buf)
		},
		FlushFn: func() *kernel.Error {
			return c.SyncDev(dev)
		},
	}
	return c, out
}

// cachedRead and cachedWrite walk every cache unit a [lba, lba+count)
// request spans, since nothing in block.Device's ReadFn/WriteFn contract
// bounds count to a single cache.SectorsPerUnit-sized unit.
func cachedRead(c *cache.Cache, dev *block.Device, lba uint64, count uint32, out []byte) *kernel.Error {
	remaining, off := count, uint64(0)
	for remaining > 0 {
		blockNo := (lba + off) / uint64(cache.SectorsPerUnit)
		sectorOff := (lba + off) % uint64(cache.SectorsPerUnit)
		n := uint32(uint64(cache.SectorsPerUnit) - sectorOff)
		if n > remaining {
			n = remaining
		}

		b, err := c.Get(dev, blockNo)
		if err != nil {
			return err
		}
		copy(out[off*512:(off+uint64(n))*512], b.Data()[sectorOff*512:])
		c.Put(b)

		off += uint64(n)
		remaining -= n
	}
	return nil
}

func cachedWrite(c *cache.Cache, dev *block.Device, lba uint64, count uint32, in []byte) *kernel.Error {
	remaining, off := count, uint64(0)
	for remaining > 0 {
		blockNo := (lba + off) / uint64(cache.SectorsPerUnit)
		sectorOff := (lba + off) % uint64(cache.SectorsPerUnit)
		n := uint32(uint64(cache.SectorsPerUnit) - sectorOff)
		if n > remaining {
			n = remaining
		}

		b, err := c.Get(dev, blockNo)
		if err != nil {
			return err
		}
		copy(b.Data()[sectorOff*512:], in[off*512:(off+uint64(n))*512])
		c.MarkDirty(b)
		c.Put(b)

		off += uint64(n)
		remaining -= n
	}
	return nil
}
