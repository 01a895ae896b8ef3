package bitmap_alloc

import (
	"testing"
	"unsafe"
)

// newTestPage reserves a bare data page with only the header units marked,
// bypassing the allocator, so that bitmap primitives can be exercised in
// isolation.
func newTestPage(t *testing.T) *BmPage {
	t.Helper()
	data := reservePages(sysPageSize, false)
	if data == nil {
		t.Fatal("cannot reserve a test page")
	}
	page := (*BmPage)(unsafe.Pointer(unsafe.SliceData(data)))
	bm := page.bitmap()
	for i := range bm {
		bm[i] = 0
	}
	setBits(page, 0, bmPageHeaderUnits)
	t.Cleanup(func() { unreservePages(unsafe.Pointer(page), sysPageSize) })
	return page
}

func pageBit(page *BmPage, i uint) bool {
	bm := page.bitmap()
	return bm[i/WordWidth]&(Word(1)<<(i&(WordWidth-1))) != 0
}

// forEachListedPage walks the LRU page and every page linked under a
// superblock slot. Callers must be quiescent: the walk takes the allocator
// lock, so no page may be thread-owned while it runs.
func (a *Allocator) forEachListedPage(f func(page *BmPage)) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if lru := *a.lruSlot; lru != nil {
		f(lru)
	}
	for i := range a.superblock {
		first := a.superblock[i]
		if first == nil {
			continue
		}
		page := first
		for {
			f(page)
			page = page.next
			if page == first {
				break
			}
		}
	}
}

func blockPtr(buf []byte) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(buf))
}

func blockBase(buf []byte) uintptr {
	return uintptr(blockPtr(buf))
}

func fillBytes(buf []byte, tag byte) {
	for i := range buf {
		buf[i] = tag
	}
}

func verifyBytes(t *testing.T, buf []byte, n uint, tag byte) {
	t.Helper()
	for i := uint(0); i < n; i++ {
		if buf[i] != tag {
			t.Fatalf("byte %d is %#x, want %#x", i, buf[i], tag)
		}
	}
}
