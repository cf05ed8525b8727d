// Package partition probes a block.Device for a GPT or MBR partition table
// and produces a child block.Device per partition entry. Grounded on
// original_source/src/drivers/block/block.c's probe_gpt_partitions and
// probe_mbr_partitions.
package partition

import (
	"encoding/binary"

	"github.com/lioen-dev/kiwiOS/kernel"
	"github.com/lioen-dev/kiwiOS/kernel/block"
)

const sectorSize = 512

var (
	errSectorSizeUnsupported = &kernel.Error{Module: "partition", Message: "only 512-byte sectors are supported", Kind: kernel.KindInvalidArgument}
	errReadFailed            = &kernel.Error{Module: "partition", Message: "failed to read partition table sector(s)", Kind: kernel.KindDeviceError}
	errGPTHeaderInvalid      = &kernel.Error{Module: "partition", Message: "GPT header failed sanity checks", Kind: kernel.KindInvalidArgument}
	errGPTEntriesTooLarge    = &kernel.Error{Module: "partition", Message: "GPT partition entry array is too large to read", Kind: kernel.KindInvalidArgument}
)

var gptSignature = [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'}

// Result is what Probe found on a device: the detected table type and the
// child devices for each partition entry.
type Result struct {
	TableType  block.TableType
	Partitions []*block.Device
}

// Probe reads LBA 1 (GPT) and, if that is absent, LBA 0 (MBR) from dev and
// registers a child block.Device for every valid partition entry found,
// preferring GPT per spec: try GPT first, fall back to MBR.
func Probe(dev *block.Device) (Result, *kernel.Error) {
	if dev.SectorSize != sectorSize {
		return Result{}, errSectorSizeUnsupported
	}

	if parts, err := probeGPT(dev); err == nil {
		return Result{TableType: block.TableGPT, Partitions: parts}, nil
	}

	lba0 := make([]byte, sectorSize)
	if err := dev.Read(0, 1, lba0); err != nil {
		return Result{}, errReadFailed
	}
	if parts := probeMBR(dev, lba0); len(parts) > 0 {
		return Result{TableType: block.TableMBR, Partitions: parts}, nil
	}

	return Result{TableType: block.TableNone}, nil
}

// childDevice wraps parent with an lba_start/lba_count-adjusted view,
// matching original_source's part_read/part_write bounds checking.
func childDevice(parent *block.Device, name string, lbaStart, lbaCount uint64) *block.Device {
	child := &block.Device{
		Name:         name,
		SectorSize:   parent.SectorSize,
		TotalSectors: lbaCount,
	}
	child.ReadFn = func(lba uint64, count uint32, buf []byte) *kernel.Error {
		return parent.Read(lbaStart+lba, count, buf)
	}
	child.WriteFn = func(lba uint64, count uint32, buf []byte) *kernel.Error {
		return parent.Write(lbaStart+lba, count, buf)
	}
	child.FlushFn = parent.Flush
	return child
}

func partitionName(parent string, oneBasedIndex int) string {
	digits := []byte{}
	n := oneBasedIndex
	if n == 0 {
		n = 1
	}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return parent + "p" + string(digits)
}

// ---------------- MBR ----------------

func probeMBR(dev *block.Device, lba0 []byte) []*block.Device {
	if len(lba0) < 512 || lba0[510] != 0x55 || lba0[511] != 0xAA {
		return nil
	}

	var out []*block.Device
	for i := 0; i < 4; i++ {
		entry := lba0[446+i*16 : 446+(i+1)*16]
		partType := entry[4]
		start := binary.LittleEndian.Uint32(entry[8:12])
		count := binary.LittleEndian.Uint32(entry[12:16])

		if partType == 0 || count == 0 {
			continue
		}
		if partType == 0xEE {
			// Protective MBR: GPT owns this disk, not real MBR partitions.
			continue
		}

		out = append(out, childDevice(dev, partitionName(dev.Name, len(out)+1), uint64(start), uint64(count)))
	}
	return out
}

// ---------------- GPT ----------------

const (
	gptHeaderMinSize   = 92
	gptHeaderMaxSize   = 512
	gptEntryMinSize    = 128
	gptEntryMaxSize    = 1024
	gptMaxEntries      = 4096
	gptMaxEntrySectors = 1024
)

func probeGPT(dev *block.Device) ([]*block.Device, *kernel.Error) {
	hdr := make([]byte, sectorSize)
	if err := dev.Read(1, 1, hdr); err != nil {
		return nil, errReadFailed
	}
	if [8]byte(hdr[0:8]) != gptSignature {
		return nil, errGPTHeaderInvalid
	}

	headerSize := binary.LittleEndian.Uint32(hdr[8:12])
	entryLBA := binary.LittleEndian.Uint64(hdr[72:80])
	numEntries := binary.LittleEndian.Uint32(hdr[80:84])
	entrySize := binary.LittleEndian.Uint32(hdr[84:88])

	if headerSize < gptHeaderMinSize || headerSize > gptHeaderMaxSize {
		return nil, errGPTHeaderInvalid
	}
	if entrySize < gptEntryMinSize || entrySize > gptEntryMaxSize {
		return nil, errGPTHeaderInvalid
	}
	if numEntries == 0 || numEntries > gptMaxEntries {
		return nil, errGPTHeaderInvalid
	}

	totalBytes := uint64(entrySize) * uint64(numEntries)
	sectorsNeeded := uint32((totalBytes + sectorSize - 1) / sectorSize)
	if sectorsNeeded == 0 || sectorsNeeded > gptMaxEntrySectors {
		return nil, errGPTEntriesTooLarge
	}

	entries := make([]byte, uint64(sectorsNeeded)*sectorSize)
	if err := dev.Read(entryLBA, sectorsNeeded, entries); err != nil {
		return nil, errReadFailed
	}

	var out []*block.Device
	for i := uint32(0); i < numEntries; i++ {
		e := entries[uint64(i)*uint64(entrySize):]
		typeGUID := e[0:16]
		if isZeroGUID(typeGUID) {
			continue
		}

		firstLBA := binary.LittleEndian.Uint64(e[32:40])
		lastLBA := binary.LittleEndian.Uint64(e[40:48])
		if firstLBA == 0 && lastLBA == 0 {
			continue
		}
		if lastLBA < firstLBA {
			continue
		}

		count := lastLBA - firstLBA + 1
		out = append(out, childDevice(dev, partitionName(dev.Name, len(out)+1), firstLBA, count))
	}

	return out, nil
}

func isZeroGUID(g []byte) bool {
	for _, b := range g {
		if b != 0 {
			return false
		}
	}
	return true
}
