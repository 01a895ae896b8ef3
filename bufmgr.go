package bitmap_alloc

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"
)

// addToList appends page to the circular doubly-linked list rooted at slot.
// Insertion is before the current head, so head insertion order is
// preserved.
func addToList(slot **BmPage, page *BmPage) {
	first := *slot
	if first != nil {
		// add to the end of the list
		page.prev = first.prev
		page.next = first
		first.prev.next = page
		first.prev = page
	} else {
		// init list
		*slot = page
		page.next = page
		page.prev = page
	}
	page.list = slot
}

// deleteFromList unlinks page from whatever slot it is linked under and
// marks it owned (list = nil). Unlinking an already owned page is a caller
// bug.
func deleteFromList(page *BmPage) {
	slot := page.list
	if slot == nil {
		panic(fmt.Sprintf("bitmap allocator: double delete of page %p from its list", unsafe.Pointer(page)))
	}
	if page.next == page {
		// sole element, make the list empty
		*slot = nil
	} else {
		if *slot == page {
			*slot = page.next
		}
		page.next.prev = page.prev
		page.prev.next = page.next
	}
	page.list = nil
}

func (a *Allocator) addToSuperblockEntry(page *BmPage, lfb uint) {
	a.lock.Lock()
	a.trace("addToSuperblockEntry", "adding page %p to superblock[%d]\n", unsafe.Pointer(page), lfb)
	addToList(&a.superblock[lfb], page)
	a.lock.Unlock()
}

// unhandPage gives up exclusive ownership of page. The previous LRU
// occupant, if any, is pushed down into the superblock slot matching its
// longest free run, or reclaimed when it is fully empty. The longest-run
// scan has to happen while the lock is held; the reclamation itself happens
// outside it.
func (a *Allocator) unhandPage(page *BmPage) {
	var pageToReclaim *BmPage

	a.lock.Lock()
	if lru := *a.lruSlot; lru != nil {
		lfb := findLongestFreeBlock(lru)
		if lfb < maxDataUnits {
			a.trace("unhandPage", "adding LRU page %p to superblock[%d]\n", unsafe.Pointer(lru), lfb)
			addToList(&a.superblock[lfb], lru)
		} else {
			// okay to reclaim this page
			pageToReclaim = lru
		}
	}
	a.trace("unhandPage", "adding page %p to LRU\n", unsafe.Pointer(page))
	page.list = a.lruSlot
	page.next = page
	page.prev = page
	*a.lruSlot = page
	a.lock.Unlock()

	if pageToReclaim != nil {
		a.trace("unhandPage", "releasing page %p\n", unsafe.Pointer(pageToReclaim))
		unreservePages(unsafe.Pointer(pageToReclaim), sysPageSize)
		atomic.AddUint64(&a.numBmPages, ^uint64(0))
	}
}

// grabPage takes exclusive ownership of the page holding a user block. The
// page may be transiently owned by another thread; owners hold pages only
// across a bounded bitmap edit, so spinning with a yield is enough.
func (a *Allocator) grabPage(page *BmPage) {
	msgInterval := 0
	for {
		a.lock.Lock()
		if page.list != nil {
			// the page is linked under some slot
			break
		}
		// page is in use by another thread
		if msgInterval == 0 {
			a.trace("grabPage", "waiting for page %p to be released\n", unsafe.Pointer(page))
			msgInterval = 1000
		} else {
			msgInterval--
		}
		a.lock.Unlock()
		runtime.Gosched()
	}
	deleteFromList(page)
	a.lock.Unlock()
}

// findAvailablePage returns an owned page with a free run of at least
// numUnits units plus the run's offset, or nil when no listed page
// qualifies. The LRU page is probed first; when it does not fit it is moved
// down into the superblock and the slots numUnits..maxDataUnits are scanned
// for the first non-empty one.
func (a *Allocator) findAvailablePage(numUnits uint) (*BmPage, uint) {
	a.lock.Lock()

	if lru := *a.lruSlot; lru != nil {
		a.trace("findAvailablePage", "taking page %p out of LRU\n", unsafe.Pointer(lru))
		deleteFromList(lru)
		a.lock.Unlock()

		offset := findFreeBlock(lru, numUnits)
		if offset != 0 {
			return lru, offset
		}
		// the LRU page has no room, move it to the superblock
		a.addToSuperblockEntry(lru, findLongestFreeBlock(lru))

		// continue with the superblock
		a.lock.Lock()
	}

	for lfb := numUnits; lfb <= maxDataUnits; lfb++ {
		page := a.superblock[lfb]
		if page == nil {
			continue
		}
		a.trace("findAvailablePage", "taking page %p out of superblock[%d]\n", unsafe.Pointer(page), lfb)
		deleteFromList(page)
		a.lock.Unlock()

		offset := findFreeBlock(page, numUnits)
		if offset == 0 {
			panic(fmt.Sprintf(
				"bitmap allocator: page %p from superblock[%d] must contain free space for %d units",
				unsafe.Pointer(page), lfb, numUnits))
		}
		return page, offset
	}

	a.lock.Unlock()
	return nil, 0
}

// bmAllocate serves a block of numUnits units from the bitmap
// sub-allocator. numUnits must be below maxDataUnits. Returns nil when no
// page can be found or reserved.
func (a *Allocator) bmAllocate(numUnits uint, clean bool) unsafe.Pointer {
	var result unsafe.Pointer

	page, offset := a.findAvailablePage(numUnits)
	if page != nil {
		setBits(page, offset, numUnits)
		a.unhandPage(page)
		result = unsafe.Add(unsafe.Pointer(page), offset*UnitSize)
	} else {
		a.trace("bmAllocate", "allocating new page\n")

		data := reservePages(sysPageSize, false)
		if data == nil {
			return nil
		}
		page = (*BmPage)(unsafe.Pointer(unsafe.SliceData(data)))
		bm := page.bitmap()
		for i := range bm {
			bm[i] = 0
		}
		// mark the header units together with the allocated block
		setBits(page, 0, bmPageHeaderUnits+numUnits)

		// give the page away to LRU or superblock
		a.unhandPage(page)

		atomic.AddUint64(&a.numBmPages, 1)
		result = unsafe.Add(unsafe.Pointer(page), bmPageHeaderUnits*UnitSize)
	}

	atomic.AddInt64(&a.blocksAllocated, 1)
	if clean {
		cleanse(unsafe.Slice((*byte)(result), numUnits*UnitSize), 0, numUnits*UnitSize)
	}
	return result
}

// checkUnitsAllocated reports ranges that are about to be cleared but are
// not fully allocated. It catches double releases early; the check runs only
// when tracing is on.
func (a *Allocator) checkUnitsAllocated(funcName string, page *BmPage, offset, numUnits uint) {
	if !a.Trace {
		return
	}
	n := countNonzeroBits(page, offset, numUnits)
	if n < numUnits {
		printMsg(funcName, "already released some units on page %p starting from %d: in use %d of %d\n",
			unsafe.Pointer(page), offset, n, numUnits)
	}
}

func (a *Allocator) bmRelease(page *BmPage, offset, numUnits uint) {
	a.grabPage(page)
	a.checkUnitsAllocated("bmRelease", page, offset, numUnits)
	clearBits(page, offset, numUnits)
	a.unhandPage(page)
	atomic.AddInt64(&a.blocksAllocated, -1)
}

func (a *Allocator) bmShrink(page *BmPage, offset, oldNumUnits, newNumUnits uint) {
	a.grabPage(page)
	tailUnits := oldNumUnits - newNumUnits
	a.checkUnitsAllocated("bmShrink", page, offset+newNumUnits, tailUnits)
	clearBits(page, offset+newNumUnits, tailUnits)
	a.unhandPage(page)
}

// bmGrow extends a block in place when the units right behind it are free.
// Returns false when the block has to move instead.
func (a *Allocator) bmGrow(page *BmPage, offset, oldNumUnits, newNumUnits uint) bool {
	a.grabPage(page)
	increment := newNumUnits - oldNumUnits
	length := countZeroBits(page, offset+oldNumUnits, increment)
	if length < increment {
		a.trace("bmGrow", "available length %d is less than increment %d; need to move\n", length, increment)
		a.unhandPage(page)
		return false
	}
	setBits(page, offset+oldNumUnits, increment)
	a.unhandPage(page)
	return true
}
