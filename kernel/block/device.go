// Package block defines the capability-set abstraction every block storage
// backend in the kernel implements: a name, geometry, and a small set of
// read/write/flush function fields. Grounded on original_source's
// drivers/block/block.h, which uses the same "struct of function pointers"
// shape in C.
package block

import "github.com/lioen-dev/kiwiOS/kernel"

// TableType identifies which partition table (if any) was found on a
// Device by kernel/block/partition.Probe.
type TableType uint8

const (
	TableNone TableType = iota
	TableMBR
	TableGPT
)

func (t TableType) String() string {
	switch t {
	case TableMBR:
		return "mbr"
	case TableGPT:
		return "gpt"
	default:
		return "none"
	}
}

var (
	errZeroCount    = &kernel.Error{Module: "block", Message: "read/write count must be non-zero", Kind: kernel.KindInvalidArgument}
	errOutOfBounds  = &kernel.Error{Module: "block", Message: "lba range out of bounds", Kind: kernel.KindInvalidArgument}
	errNotSupported = &kernel.Error{Module: "block", Message: "operation not supported by this device", Kind: kernel.KindNotReady}
)

// Device is the capability set exposed by every block backend: an AHCI
// disk, a GPT/MBR partition view onto one, or the buffer cache sitting in
// front of either. ReadFn/WriteFn/FlushFn are function fields rather than
// an interface's methods so a Device value can be built directly from
// closures, matching original_source's function-pointer struct.
type Device struct {
	Name         string
	SectorSize   uint32
	TotalSectors uint64

	ReadFn  func(lba uint64, count uint32, buf []byte) *kernel.Error
	WriteFn func(lba uint64, count uint32, buf []byte) *kernel.Error
	FlushFn func() *kernel.Error
}

// Read reads count sectors starting at lba into buf, which must be at
// least count*SectorSize bytes.
func (d *Device) Read(lba uint64, count uint32, buf []byte) *kernel.Error {
	if count == 0 {
		return errZeroCount
	}
	if d.TotalSectors != 0 && (lba >= d.TotalSectors || uint64(count) > d.TotalSectors-lba) {
		return errOutOfBounds
	}
	if d.ReadFn == nil {
		return errNotSupported
	}
	return d.ReadFn(lba, count, buf)
}

// Write writes count sectors starting at lba from buf.
func (d *Device) Write(lba uint64, count uint32, buf []byte) *kernel.Error {
	if count == 0 {
		return errZeroCount
	}
	if d.TotalSectors != 0 && (lba >= d.TotalSectors || uint64(count) > d.TotalSectors-lba) {
		return errOutOfBounds
	}
	if d.WriteFn == nil {
		return errNotSupported
	}
	return d.WriteFn(lba, count, buf)
}

// Flush commits any outstanding writes to stable storage. A Device with no
// FlushFn treats flush as a no-op, matching original_source's
// part_flush ("missing flush as OK/no-op").
func (d *Device) Flush() *kernel.Error {
	if d.FlushFn == nil {
		return nil
	}
	return d.FlushFn()
}
