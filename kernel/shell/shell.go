// Package shell implements the fixed line-oriented command table kmain
// falls into once every subsystem is up: help, meminfo, lsblk, cache and
// panic. Grounded on original_source/src/core/shell.c's execute_command
// dispatch and cmd_meminfo/cmd_partlist/cmd_bcachestat bodies, trimmed to
// the subset that doesn't need PS/2 keyboard decoding, hex-dump or history
// editing, all explicitly out of scope here.
package shell

import (
	"github.com/lioen-dev/kiwiOS/kernel"
	"github.com/lioen-dev/kiwiOS/kernel/block"
	"github.com/lioen-dev/kiwiOS/kernel/block/cache"
	"github.com/lioen-dev/kiwiOS/kernel/kfmt"
	"github.com/lioen-dev/kiwiOS/kernel/mem/heap"
	"github.com/lioen-dev/kiwiOS/kernel/mem/pmm"
)

const inputBufferSize = 256

// readByteFn is the shell's single input source. It defaults to nil (no
// input available) and is wired by kmain to the boot-time serial port,
// since PS/2 keyboard decoding is out of scope for this kernel.
var readByteFn func() (byte, bool)

// registeredDisks is the set of block devices lsblk walks and the disk
// commands operate against, populated by Init.
var registeredDisks []*block.Device

// panicHook lets tests observe the panic command without invoking a real
// kernel.Panic. It defaults to kernel.Panic.
var panicHook = func() { kernel.Panic(&kernel.Error{Module: "shell", Message: "panic command invoked"}) }

// Init records the block devices lsblk/cache commands operate on and binds
// the byte-at-a-time input source the command loop reads from.
func Init(disks []*block.Device, readByte func() (byte, bool)) {
	registeredDisks = disks
	readByteFn = readByte
}

// Run prints the banner and blocks forever reading lines and dispatching
// them against the fixed command table. It only returns if readByteFn is
// nil, since there is then no input source to service.
func Run() {
	if readByteFn == nil {
		kfmt.Printf("[shell] no input source configured; shell disabled\n")
		return
	}

	kfmt.Printf("kiwiOS shell. Type 'help' for available commands.\n\n> ")

	var buf [inputBufferSize]byte
	pos := 0
	for {
		b, ok := readByteFn()
		if !ok {
			continue
		}

		switch {
		case b == '\n' || b == '\r':
			kfmt.Printf("\n")
			execute(string(buf[:pos]))
			pos = 0
			kfmt.Printf("> ")
		case b == '\b' || b == 0x7F:
			if pos > 0 {
				pos--
			}
		case pos < len(buf):
			buf[pos] = b
			pos++
		}
	}
}

// execute splits line on the first run of whitespace into a command word
// and an argument tail, and dispatches against the fixed command table.
func execute(line string) {
	cmd, args := splitCommand(line)
	if cmd == "" {
		return
	}

	switch cmd {
	case "help":
		cmdHelp()
	case "meminfo":
		cmdMeminfo()
	case "lsblk":
		cmdLsblk()
	case "cache":
		cmdCache(args)
	case "panic":
		panicHook()
	default:
		kfmt.Printf("unknown command: %s\ntype 'help' for available commands\n", cmd)
	}
}

func splitCommand(line string) (cmd, args string) {
	i := 0
	for i < len(line) && line[i] == ' ' {
		i++
	}
	start := i
	for i < len(line) && line[i] != ' ' {
		i++
	}
	cmd = line[start:i]
	for i < len(line) && line[i] == ' ' {
		i++
	}
	return cmd, line[i:]
}

func cmdHelp() {
	kfmt.Printf("available commands:\n")
	kfmt.Printf("  help     - show this help message\n")
	kfmt.Printf("  meminfo  - show physical frame and heap allocator stats\n")
	kfmt.Printf("  lsblk    - list registered block devices\n")
	kfmt.Printf("  cache    - show buffer cache statistics\n")
	kfmt.Printf("  panic    - trigger a kernel panic\n")
}

func cmdMeminfo() {
	pfa := pmm.FrameAllocator.Stats()
	h := heap.GetStats()

	kfmt.Printf("physical frames: total=%d reserved=%d\n", pfa.TotalPages, pfa.ReservedPages)
	kfmt.Printf("heap: total=%d used=%d\n", uint64(h.TotalSize), uint64(h.UsedSize))
}

func cmdLsblk() {
	if len(registeredDisks) == 0 {
		kfmt.Printf("no block devices registered\n")
		return
	}
	for i, d := range registeredDisks {
		kfmt.Printf("  [%d] %-12s sectors=%d sector_size=%d\n", i, d.Name, d.TotalSectors, d.SectorSize)
	}
}

func cmdCache(args string) {
	idx := findDiskIndex(args)
	if idx < 0 || idx >= len(registeredDisks) {
		kfmt.Printf("usage: cache <device index>; see 'lsblk'\n")
		return
	}

	dev := registeredDisks[idx]
	stats, ok := statsForDevice(dev)
	if !ok {
		kfmt.Printf("%s is not backed by a buffer cache\n", dev.Name)
		return
	}

	kfmt.Printf("bufs: used=%d total=%d dirty=%d\n", stats.UsedBufs, stats.TotalBufs, stats.DirtyBufs)
	kfmt.Printf("hits=%d misses=%d evictions=%d\n", stats.Hits, stats.Misses, stats.Evictions)
	kfmt.Printf("writebacks=%d sync_calls=%d\n", stats.Writebacks, stats.SyncCalls)
}

func findDiskIndex(args string) int {
	if args == "" {
		return -1
	}
	v := 0
	for _, c := range []byte(args) {
		if c < '0' || c > '9' {
			return -1
		}
		v = v*10 + int(c-'0')
	}
	return v
}

// cacheStatsFn resolves a device to its backing cache's stats; kmain's
// cachedDevice construction is the only production source of this
// association, exposed to the shell here as a swappable lookup so tests
// can install a fake without depending on kmain.
var cacheStatsFn = func(dev *block.Device) (cache.Stats, bool) { return cache.Stats{}, false }

// SetCacheStatsFn wires the device-to-cache-stats lookup the cache command
// uses, typically built by kmain from the buffer caches it constructed
// around each discovered disk.
func SetCacheStatsFn(fn func(dev *block.Device) (cache.Stats, bool)) {
	cacheStatsFn = fn
}

func statsForDevice(dev *block.Device) (cache.Stats, bool) {
	return cacheStatsFn(dev)
}
