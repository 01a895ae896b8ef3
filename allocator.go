package bitmap_alloc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// AllocatorStats is a read-only snapshot of the allocator counters. The
// counters are maintained with relaxed atomics for diagnostics; correctness
// never depends on them.
type AllocatorStats struct {
	BmPages         uint64 // live pages of the bitmap sub-allocator
	BlocksAllocated int64  // live blocks, both tiers
}

// Allocator is a general-purpose allocator over anonymous page
// reservations. Blocks smaller than maxDataUnits units are served by the
// bitmap sub-allocator; everything else gets a dedicated page reservation.
//
// Blocks are handed out as byte slices; the slice length is the requested
// byte count and the backing block alignment is at least UnitSize. Callers
// must hand back the exact slice they received: reslicing the front of a
// block and releasing the result is undefined.
type Allocator struct {
	Trace   bool // per-operation diagnostics to stderr
	Verbose bool // one-line configuration report and rare events to stderr

	// lock protects the superblock slots, the LRU slot, and the list
	// back-pointer of every data page. It is held only across list surgery
	// and the longest-free-run scan in unhandPage.
	lock       sync.Mutex
	superblock []*BmPage // slots indexed by longest free run, inside the superblock page
	lruSlot    **BmPage  // one-page list of the most recently released page

	numBmPages      uint64
	blocksAllocated int64
}

// NewAllocator reserves the superblock page and returns a ready allocator.
// The superblock lives for the lifetime of the process.
func NewAllocator(trace, verbose bool) *Allocator {
	data := reservePages(sysPageSize, true)
	if data == nil {
		panic("bitmap allocator: cannot reserve superblock page")
	}
	// the slot cells live inside the reserved page so that a page's list
	// pointer has the same meaning for superblock slots and for LRU
	cells := unsafe.Slice((**BmPage)(unsafe.Pointer(unsafe.SliceData(data))), unitsPerPage+1)

	a := &Allocator{
		Trace:      trace,
		Verbose:    verbose,
		superblock: cells[:unitsPerPage],
		lruSlot:    &cells[unitsPerPage],
	}
	a.say("NewAllocator", "page size %d; units per page: %d; header: %d units; data units: %d (%d bytes)\n",
		sysPageSize, unitsPerPage, bmPageHeaderUnits, maxDataUnits, maxDataUnits*UnitSize)
	return a
}

func (a *Allocator) say(funcName, format string, args ...interface{}) {
	if a.Verbose {
		printMsg(funcName, format, args...)
	}
}

func (a *Allocator) trace(funcName, format string, args ...interface{}) {
	if a.Trace {
		printMsg(funcName, format, args...)
	}
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() AllocatorStats {
	return AllocatorStats{
		BmPages:         atomic.LoadUint64(&a.numBmPages),
		BlocksAllocated: atomic.LoadInt64(&a.blocksAllocated),
	}
}

// Allocate returns a block of nbytes bytes, or nil when nbytes is zero or
// no memory can be reserved. With clean the block reads as zero.
func (a *Allocator) Allocate(nbytes uint, clean bool) []byte {
	if nbytes == 0 {
		return nil
	}
	numUnits := bytesToUnits(nbytes)
	if numUnits < maxDataUnits {
		// use the bitmap sub-allocator for smaller blocks
		base := a.bmAllocate(numUnits, clean)
		if base == nil {
			return nil
		}
		return unsafe.Slice((*byte)(base), nbytes)
	}
	// allocate pages directly
	data := reservePages(alignToPage(nbytes), clean)
	if data == nil {
		return nil
	}
	atomic.AddInt64(&a.blocksAllocated, 1)
	return data[:nbytes]
}

// Release returns the block in *slot to the allocator and nils the slot. A
// nil slot content is a no-op, which makes a repeated Release on the same
// slot safe.
func (a *Allocator) Release(slot *[]byte) {
	buf := *slot
	if buf == nil {
		return
	}
	nbytes := uint(len(buf))
	base := unsafe.Pointer(unsafe.SliceData(buf))
	if nbytes == 0 {
		panic(fmt.Sprintf("bitmap allocator: release called for %p with zero size", base))
	}

	page := bmPageByAddr(base)
	if unsafe.Pointer(page) == base {
		// the base is page-aligned, so the block was reserved directly
		a.releaseDirect(base, nbytes)
	} else {
		a.bmRelease(page, addrToUnits(base, page), bytesToUnits(nbytes))
	}
	*slot = nil
}

func (a *Allocator) releaseDirect(base unsafe.Pointer, nbytes uint) {
	unreservePages(base, alignToPage(nbytes))
	atomic.AddInt64(&a.blocksAllocated, -1)
}

// Reallocate resizes the block in *slot to newNbytes bytes, updating the
// slot in place. The old size is the slot's length. moved tells whether the
// base address changed, so containers can invalidate derived pointers only
// when necessary. With clean, bytes made newly available read as zero.
//
// On failure ok is false and the old block stays valid and unchanged.
func (a *Allocator) Reallocate(slot *[]byte, newNbytes uint, clean bool) (moved bool, ok bool) {
	buf := *slot
	oldNbytes := uint(len(buf))

	if oldNbytes == newNbytes {
		return false, true
	}

	if buf == nil {
		newBuf := a.Allocate(newNbytes, clean)
		if newBuf == nil {
			return false, false
		}
		*slot = newBuf
		return true, true
	}

	base := unsafe.Pointer(unsafe.SliceData(buf))
	if oldNbytes == 0 {
		panic(fmt.Sprintf("bitmap allocator: reallocate called for %p with zero old size", base))
	}
	if newNbytes == 0 {
		panic(fmt.Sprintf("bitmap allocator: reallocate called for %p with zero new size", base))
	}

	newNumUnits := bytesToUnits(newNbytes)
	oldNumUnits := bytesToUnits(oldNbytes)

	if newNumUnits == oldNumUnits {
		// the backing block already fits
		if clean && newNbytes > oldNbytes {
			cleanse(unsafe.Slice((*byte)(base), newNbytes), oldNbytes, newNbytes)
		}
		*slot = unsafe.Slice((*byte)(base), newNbytes)
		return false, true
	}

	page := bmPageByAddr(base)
	isDirect := unsafe.Pointer(page) == base

	if newNumUnits < oldNumUnits {
		// shrink
		if newNumUnits < maxDataUnits {
			if oldNumUnits < maxDataUnits {
				// shrink within the bitmap sub-allocator
				if isDirect {
					panic(fmt.Sprintf("bitmap allocator: address %p is not within a data area", base))
				}
				a.bmShrink(page, addrToUnits(base, page), oldNumUnits, newNumUnits)
				*slot = unsafe.Slice((*byte)(base), newNbytes)
				return false, true
			}

			// migrate the block from a direct reservation to the sub-allocator
			if !isDirect {
				panic(fmt.Sprintf("bitmap allocator: address %p is not aligned on a page boundary", base))
			}
			newBase := a.bmAllocate(newNumUnits, false)
			if newBase == nil {
				a.trace("Reallocate", "falling back to remap\n")
				newBase = resizePages(base, oldNbytes, newNbytes, false)
				*slot = unsafe.Slice((*byte)(newBase), newNbytes)
				return false, true
			}
			newBuf := unsafe.Slice((*byte)(newBase), newNbytes)
			copy(newBuf, unsafe.Slice((*byte)(base), newNbytes))
			a.releaseDirect(base, oldNbytes)
			*slot = newBuf
			return true, true
		}

		// shrink the direct reservation in place
		if !isDirect {
			panic(fmt.Sprintf("bitmap allocator: address %p is not aligned on a page boundary", base))
		}
		newBase := resizePages(base, oldNbytes, newNbytes, false)
		*slot = unsafe.Slice((*byte)(newBase), newNbytes)
		return false, true
	}

	// grow

	if oldNumUnits < maxDataUnits {
		if newNumUnits < maxDataUnits {
			// try to grow within the same page
			if a.bmGrow(page, addrToUnits(base, page), oldNumUnits, newNumUnits) {
				if clean {
					cleanse(unsafe.Slice((*byte)(base), newNbytes), oldNbytes, newNbytes)
				}
				*slot = unsafe.Slice((*byte)(base), newNbytes)
				return false, true
			}
		}

		// relocate the block, possibly crossing into the direct tier
		newBuf := a.Allocate(newNbytes, false)
		if newBuf == nil {
			return false, false
		}
		copy(newBuf, buf)
		old := buf
		a.Release(&old)
		if clean {
			cleanse(newBuf, oldNbytes, newNbytes)
		}
		*slot = newBuf
		return true, true
	}

	// grow the direct reservation
	if !isDirect {
		panic(fmt.Sprintf("bitmap allocator: address %p is not aligned on a page boundary", base))
	}
	newBase := resizePages(base, oldNbytes, newNbytes, clean)
	if newBase == nil {
		return false, false
	}
	*slot = unsafe.Slice((*byte)(newBase), newNbytes)
	return newBase != base, true
}
