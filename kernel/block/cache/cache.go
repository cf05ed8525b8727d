// Package cache implements a 4 KiB write-back buffer cache in front of a
// kernel/block.Device: an arena of fixed buffers linked into one LRU list
// and one hash table, both index-linked rather than pointer-linked so the
// arena can be allocated once as a flat slice. Grounded on
// original_source/src/fs/bcache.c, with the arena/hash-chain/LRU-list shape
// cross-checked against other_examples/jnwhiteh-minixfs's LRUCache.
package cache

import (
	"unsafe"

	"github.com/lioen-dev/kiwiOS/kernel"
	"github.com/lioen-dev/kiwiOS/kernel/block"
	"github.com/lioen-dev/kiwiOS/kernel/mem"
	"github.com/lioen-dev/kiwiOS/kernel/mem/pmm"
)

// UnitSize is the size of one cache buffer: one page, matching
// original_source's BCACHE_BLOCK_SIZE.
const UnitSize = mem.PageSize

// SectorsPerUnit is the number of 512-byte device sectors backing one cache
// unit, matching original_source's BCACHE_SECTORS_PER_BLOCK.
const SectorsPerUnit = uint32(UnitSize / 512)

const sectorSize = 512

const nilIdx = int32(-1)

var (
	errNoBuffers             = &kernel.Error{Module: "cache", Message: "cache has no configured buffers", Kind: kernel.KindInvalidArgument}
	errAllPinned             = &kernel.Error{Module: "cache", Message: "no evictable buffer: every buffer is pinned", Kind: kernel.KindNotReady}
	errWritebackFailed       = &kernel.Error{Module: "cache", Message: "writeback of a dirty buffer failed", Kind: kernel.KindDeviceError}
	errReadFailed            = &kernel.Error{Module: "cache", Message: "block read failed while filling a buffer", Kind: kernel.KindDeviceError}
	errSectorSizeUnsupported = &kernel.Error{Module: "cache", Message: "only 512-byte sector devices are supported", Kind: kernel.KindInvalidArgument}
)

// Hardware/allocator touchpoints, swappable in tests following the
// kernel/block/ahci frameAllocFn/physToVirtFn idiom.
var (
	frameAllocFn = pmm.AllocFrame
	physToVirtFn = mem.PhysToVirt
)

// SetFrameAllocator and SetPhysToVirt let a caller outside this package
// (kernel/kmain's tests, in particular) back New's buffer allocation with a
// fake, following the same swap idiom this package's own tests use.
func SetFrameAllocator(fn func() (mem.Frame, *kernel.Error)) {
	frameAllocFn = fn
}

func SetPhysToVirt(fn func(phys uintptr) uintptr) {
	physToVirtFn = fn
}

// buf is one cache slot: a key (dev, blockNo), its state, its backing page,
// and two intrusive links (an LRU list and a hash chain) expressed as
// indices into Cache.bufs rather than pointers.
type buf struct {
	dev     *block.Device
	blockNo uint64

	refcnt uint32
	valid  bool
	dirty  bool

	data []byte

	hnext int32

	prev int32
	next int32
}

// Buf is a handle to one pinned cache buffer, returned by Get and released
// with Put.
type Buf struct {
	cache *Cache
	idx   int32
}

// Data returns the buffer's backing 4 KiB page.
func (b *Buf) Data() []byte { return b.cache.bufs[b.idx].data }

// Dirty reports whether the buffer has been marked dirty since it was last
// written back.
func (b *Buf) Dirty() bool { return b.cache.bufs[b.idx].dirty }

// BlockNo returns the cache-unit index this buffer holds.
func (b *Buf) BlockNo() uint64 { return b.cache.bufs[b.idx].blockNo }

// Stats mirrors original_source's bcache_stats_t, exposed for the shell's
// "cache" command.
type Stats struct {
	TotalBufs uint32
	UsedBufs  uint32
	DirtyBufs uint32

	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
	SyncCalls  uint64
}

// Cache is a fixed-size arena of buffers shared by every device that reads
// or writes through it.
type Cache struct {
	bufs []buf

	ht    []int32
	htCap uint64

	lruHead int32
	lruTail int32

	stats Stats
}

// New allocates numBufs cache buffers (one page each) and links them onto
// the free LRU list. A numBufs of 0 defaults to 128, matching
// original_source's bcache_init.
func New(numBufs uint32) (*Cache, *kernel.Error) {
	if numBufs == 0 {
		numBufs = 128
	}

	c := &Cache{
		bufs:    make([]buf, numBufs),
		htCap:   uint64(numBufs)*2 + 1,
		lruHead: nilIdx,
		lruTail: nilIdx,
	}
	c.ht = make([]int32, c.htCap)
	for i := range c.ht {
		c.ht[i] = nilIdx
	}
	c.stats.TotalBufs = numBufs

	for i := range c.bufs {
		frame, err := frameAllocFn()
		if err != nil {
			// Leave this slot without backing storage; it stays unusable
			// but does not abort bringing up the rest of the arena,
			// matching original_source's "still continue" behavior.
			c.bufs[i].hnext, c.bufs[i].prev, c.bufs[i].next = nilIdx, nilIdx, nilIdx
			continue
		}
		virt := physToVirtFn(frame.Address())
		c.bufs[i].data = unsafe.Slice((*byte)(unsafe.Pointer(virt)), UnitSize)
		c.bufs[i].hnext = nilIdx
		c.lruPushFront(int32(i))
	}

	return c, nil
}

func (c *Cache) keyHash(dev *block.Device, blockNo uint64) uint64 {
	x := uint64(uintptr(unsafe.Pointer(dev)))
	x ^= blockNo * 11400714819323198485
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	return x
}

func (c *Cache) lruRemove(i int32) {
	b := &c.bufs[i]
	if b.prev != nilIdx {
		c.bufs[b.prev].next = b.next
	}
	if b.next != nilIdx {
		c.bufs[b.next].prev = b.prev
	}
	if c.lruHead == i {
		c.lruHead = b.next
	}
	if c.lruTail == i {
		c.lruTail = b.prev
	}
	b.prev, b.next = nilIdx, nilIdx
}

func (c *Cache) lruPushFront(i int32) {
	b := &c.bufs[i]
	b.prev = nilIdx
	b.next = c.lruHead
	if c.lruHead != nilIdx {
		c.bufs[c.lruHead].prev = i
	}
	c.lruHead = i
	if c.lruTail == nilIdx {
		c.lruTail = i
	}
}

func (c *Cache) lruTouch(i int32) {
	c.lruRemove(i)
	c.lruPushFront(i)
}

func (c *Cache) htInsert(i int32) {
	if c.htCap == 0 {
		return
	}
	idx := c.keyHash(c.bufs[i].dev, c.bufs[i].blockNo) % c.htCap
	c.bufs[i].hnext = c.ht[idx]
	c.ht[idx] = i
}

func (c *Cache) htRemove(i int32) {
	if c.htCap == 0 {
		return
	}
	idx := c.keyHash(c.bufs[i].dev, c.bufs[i].blockNo) % c.htCap
	cur := c.ht[idx]
	prev := nilIdx
	for cur != nilIdx {
		if cur == i {
			if prev != nilIdx {
				c.bufs[prev].hnext = c.bufs[cur].hnext
			} else {
				c.ht[idx] = c.bufs[cur].hnext
			}
			c.bufs[cur].hnext = nilIdx
			return
		}
		prev = cur
		cur = c.bufs[cur].hnext
	}
}

func (c *Cache) htLookup(dev *block.Device, blockNo uint64) int32 {
	if c.htCap == 0 {
		return nilIdx
	}
	idx := c.keyHash(dev, blockNo) % c.htCap
	cur := c.ht[idx]
	for cur != nilIdx {
		b := &c.bufs[cur]
		if b.valid && b.dev == dev && b.blockNo == blockNo {
			return cur
		}
		cur = b.hnext
	}
	return nilIdx
}

func (c *Cache) findEvictable() int32 {
	cur := c.lruTail
	for cur != nilIdx {
		if c.bufs[cur].refcnt == 0 {
			return cur
		}
		cur = c.bufs[cur].prev
	}
	return nilIdx
}

func devReadUnit(dev *block.Device, blockNo uint64, out []byte) *kernel.Error {
	if dev.SectorSize != sectorSize {
		return errSectorSizeUnsupported
	}
	return dev.Read(blockNo*uint64(SectorsPerUnit), SectorsPerUnit, out)
}

func devWriteUnit(dev *block.Device, blockNo uint64, in []byte) *kernel.Error {
	if dev.SectorSize != sectorSize {
		return errSectorSizeUnsupported
	}
	return dev.Write(blockNo*uint64(SectorsPerUnit), SectorsPerUnit, in)
}

func (c *Cache) writebackOne(i int32) *kernel.Error {
	b := &c.bufs[i]
	if !b.valid || !b.dirty {
		return nil
	}
	if err := devWriteUnit(b.dev, b.blockNo, b.data); err != nil {
		return errWritebackFailed
	}
	b.dirty = false
	if c.stats.DirtyBufs > 0 {
		c.stats.DirtyBufs--
	}
	c.stats.Writebacks++
	return nil
}

// Get returns the buffer holding dev's cache unit blockNo, pinning it
// (incrementing its refcnt) so the caller may read or write Data() without
// racing an eviction. Callers must release the buffer with Put.
func (c *Cache) Get(dev *block.Device, blockNo uint64) (*Buf, *kernel.Error) {
	if len(c.bufs) == 0 {
		return nil, errNoBuffers
	}

	if i := c.htLookup(dev, blockNo); i != nilIdx {
		c.stats.Hits++
		c.bufs[i].refcnt++
		c.lruTouch(i)
		return &Buf{cache: c, idx: i}, nil
	}
	c.stats.Misses++

	i := c.findEvictable()
	if i == nilIdx {
		return nil, errAllPinned
	}
	b := &c.bufs[i]

	if b.valid {
		if b.dirty {
			if err := c.writebackOne(i); err != nil {
				return nil, err
			}
		}
		c.htRemove(i)
		c.stats.Evictions++
	} else {
		c.stats.UsedBufs++
	}

	b.dev = dev
	b.blockNo = blockNo
	b.valid = true
	b.dirty = false

	if err := devReadUnit(dev, blockNo, b.data); err != nil {
		b.valid = false
		b.dev = nil
		b.blockNo = 0
		return nil, errReadFailed
	}

	c.htInsert(i)
	b.refcnt = 1
	c.lruTouch(i)

	return &Buf{cache: c, idx: i}, nil
}

// Put releases a buffer acquired with Get. The buffer stays cache-resident;
// only its pin count drops.
func (c *Cache) Put(b *Buf) {
	if b == nil {
		return
	}
	buf := &c.bufs[b.idx]
	if buf.refcnt == 0 {
		return
	}
	buf.refcnt--
}

// MarkDirty flags b's buffer for writeback on the next Sync call.
func (c *Cache) MarkDirty(b *Buf) {
	if b == nil {
		return
	}
	buf := &c.bufs[b.idx]
	if !buf.valid {
		return
	}
	if !buf.dirty {
		buf.dirty = true
		c.stats.DirtyBufs++
	}
}

// SyncDev writes back every dirty buffer belonging to dev, then flushes the
// device itself.
func (c *Cache) SyncDev(dev *block.Device) *kernel.Error {
	c.stats.SyncCalls++
	var firstErr *kernel.Error
	for i := range c.bufs {
		b := &c.bufs[i]
		if !b.valid || b.dev != dev || !b.dirty {
			continue
		}
		if err := c.writebackOne(int32(i)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := dev.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SyncAll writes back every dirty buffer in the cache, regardless of which
// device it belongs to. Callers that also need a device-level flush should
// call SyncDev explicitly, per original_source's bcache_sync_all.
func (c *Cache) SyncAll() *kernel.Error {
	c.stats.SyncCalls++
	var firstErr *kernel.Error
	for i := range c.bufs {
		b := &c.bufs[i]
		if !b.valid || !b.dirty {
			continue
		}
		if err := c.writebackOne(int32(i)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns the cache's running counters, for the shell's "cache"
// command.
func (c *Cache) Stats() Stats { return c.stats }
