package bitmap_alloc

import (
	"testing"
	"unsafe"
)

func TestAddDeleteFromList(t *testing.T) {
	a := NewAllocator(false, false)
	slot := &a.superblock[10]

	pages := []*BmPage{newTestPage(t), newTestPage(t), newTestPage(t)}
	for _, page := range pages {
		addToList(slot, page)
		if page.list != slot {
			t.Fatalf("page.list = %p, want %p", unsafe.Pointer(page.list), unsafe.Pointer(slot))
		}
	}

	// circular order: head stays the first inserted page
	if *slot != pages[0] {
		t.Fatalf("list head = %p, want %p", unsafe.Pointer(*slot), unsafe.Pointer(pages[0]))
	}
	if pages[0].next != pages[1] || pages[1].next != pages[2] || pages[2].next != pages[0] {
		t.Fatal("next pointers do not form the insertion order")
	}
	if pages[0].prev != pages[2] || pages[2].prev != pages[1] || pages[1].prev != pages[0] {
		t.Fatal("prev pointers do not form the insertion order")
	}

	// deleting the head advances it
	deleteFromList(pages[0])
	if pages[0].list != nil {
		t.Fatal("deleted page is still marked listed")
	}
	if *slot != pages[1] {
		t.Fatalf("list head = %p, want %p", unsafe.Pointer(*slot), unsafe.Pointer(pages[1]))
	}
	if pages[1].next != pages[2] || pages[2].next != pages[1] {
		t.Fatal("two-element list is not circular")
	}

	// deleting a non-head element
	deleteFromList(pages[2])
	if *slot != pages[1] || pages[1].next != pages[1] || pages[1].prev != pages[1] {
		t.Fatal("sole element is not self-linked")
	}

	// deleting the sole element empties the slot
	deleteFromList(pages[1])
	if *slot != nil {
		t.Fatal("slot not empty after deleting the last page")
	}
}

func TestDeleteFromListTwicePanics(t *testing.T) {
	a := NewAllocator(false, false)
	page := newTestPage(t)
	addToList(&a.superblock[5], page)
	deleteFromList(page)

	defer func() {
		if recover() == nil {
			t.Fatal("double delete did not panic")
		}
	}()
	deleteFromList(page)
}

func TestUnhandGrab(t *testing.T) {
	a := NewAllocator(false, false)

	// this page is fully empty and will be reclaimed by the allocator when
	// it gets displaced from LRU, so no test cleanup for it
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

	// an unhanded page lands in LRU
	a.unhandPage(page)
	if *a.lruSlot != page {
		t.Fatal("page is not the LRU occupant")
	}
	if page.list != a.lruSlot {
		t.Fatal("page.list does not point at the LRU slot")
	}

	// unhanding another page displaces the empty one: it gets reclaimed
	page2 := newTestPage(t)
	setBits(page2, bmPageHeaderUnits, 1)
	a.unhandPage(page2)
	if *a.lruSlot != page2 {
		t.Fatal("second page is not the LRU occupant")
	}
	// page was fully empty, so no superblock slot may hold it
	a.forEachListedPage(func(p *BmPage) {
		if p != page2 {
			t.Fatalf("unexpected listed page %p", unsafe.Pointer(p))
		}
	})

	// a displaced non-empty page moves to the superblock slot of its
	// longest free run
	page3 := newTestPage(t)
	a.unhandPage(page3)
	lfb := maxDataUnits - 1
	if a.superblock[lfb] != page2 {
		t.Fatalf("superblock[%d] = %p, want %p", lfb, unsafe.Pointer(a.superblock[lfb]), unsafe.Pointer(page2))
	}

	// grab takes the page out of whatever list holds it
	a.grabPage(page2)
	if page2.list != nil {
		t.Fatal("grabbed page is still marked listed")
	}
	if a.superblock[lfb] != nil {
		t.Fatalf("superblock[%d] is not empty after grab", lfb)
	}
	a.grabPage(page3)
	if *a.lruSlot != nil {
		t.Fatal("LRU slot is not empty after grab")
	}
}

func TestFindAvailablePagePrefersLRU(t *testing.T) {
	a := NewAllocator(false, false)
	page := newTestPage(t)
	a.unhandPage(page)

	got, offset := a.findAvailablePage(4)
	if got != page {
		t.Fatalf("findAvailablePage() = %p, want the LRU page %p", unsafe.Pointer(got), unsafe.Pointer(page))
	}
	if offset != bmPageHeaderUnits {
		t.Errorf("offset = %d, want %d", offset, bmPageHeaderUnits)
	}
	if got.list != nil {
		t.Fatal("returned page is not owned")
	}
	a.unhandPage(got)
}

func TestFindAvailablePageScansSuperblock(t *testing.T) {
	a := NewAllocator(false, false)

	// a page with a 10-unit hole, parked in its superblock slot
	page := newTestPage(t)
	setBits(page, bmPageHeaderUnits+10, maxDataUnits-10)
	a.addToSuperblockEntry(page, 10)

	// no page can serve 11 units
	if got, _ := a.findAvailablePage(11); got != nil {
		t.Fatalf("findAvailablePage() = %p, want nil", unsafe.Pointer(got))
	}

	// the slot scan starts at the requested size and finds the hole
	got, offset := a.findAvailablePage(8)
	if got != page {
		t.Fatalf("findAvailablePage() = %p, want %p", unsafe.Pointer(got), unsafe.Pointer(page))
	}
	if offset != bmPageHeaderUnits {
		t.Errorf("offset = %d, want %d", offset, bmPageHeaderUnits)
	}
	a.unhandPage(got)
}

func TestSubAllocatorRoundTrip(t *testing.T) {
	a := NewAllocator(false, false)

	base := a.bmAllocate(3, false)
	if base == nil {
		t.Fatal("bmAllocate() = nil")
	}
	page := bmPageByAddr(base)
	offset := addrToUnits(base, page)
	if offset != bmPageHeaderUnits {
		t.Errorf("offset = %d, want %d", offset, bmPageHeaderUnits)
	}
	for i := offset; i < offset+3; i++ {
		if !pageBit(page, i) {
			t.Fatalf("bit %d not set after allocate", i)
		}
	}

	if !a.bmGrow(page, offset, 3, 5) {
		t.Fatal("bmGrow() = false, want true")
	}
	a.bmShrink(page, offset, 5, 2)
	if pageBit(page, offset+2) || !pageBit(page, offset+1) {
		t.Fatal("shrink cleared the wrong bits")
	}

	// a second block right behind makes in-place grow fail
	base2 := a.bmAllocate(4, false)
	if addrToUnits(base2, page) != offset+2 {
		t.Fatalf("second block offset = %d, want %d", addrToUnits(base2, page), offset+2)
	}
	if a.bmGrow(page, offset, 2, 4) {
		t.Fatal("bmGrow() = true, want false")
	}

	a.bmRelease(page, offset, 2)
	a.bmRelease(page, offset+2, 4)
	if got := countNonzeroBits(page, 0, unitsPerPage); got != bmPageHeaderUnits {
		t.Errorf("bits in use after release: %d, want %d", got, bmPageHeaderUnits)
	}

	stats := a.Stats()
	if stats.BlocksAllocated != 0 {
		t.Errorf("BlocksAllocated = %d, want 0", stats.BlocksAllocated)
	}
	if stats.BmPages != 1 {
		t.Errorf("BmPages = %d, want 1", stats.BmPages)
	}
}
