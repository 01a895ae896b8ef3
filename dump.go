package bitmap_alloc

import (
	"fmt"
	"io"
	"os"
	"unsafe"
)

func same16Chars(block []byte, chr byte) bool {
	for i := 0; i < 16; i++ {
		if block[i] != chr {
			return false
		}
	}
	return true
}

// DumpBitmap writes a visual rendering of a bitmap to w: one character per
// bit, '*' for one, '.' for zero, 16 bytes per row. Runs of repeated all-one
// or all-zero rows collapse to a single "---" line.
func DumpBitmap(w io.Writer, data []byte) {
	size := len(data)
	prevRowSameChar := false
	prevRowChar := byte(0)
	skipping := false
	column := 0
	for i := 0; i < size; {
		if column == 0 {
			if prevRowSameChar && size-i > 16 &&
				(prevRowChar == 0 || prevRowChar == 0xFF) &&
				same16Chars(data[i:], prevRowChar) {
				i += 16
				if !skipping {
					skipping = true
					fmt.Fprint(w, "---\n")
				}
				continue
			}
			prevRowSameChar = true
			prevRowChar = data[i]
			skipping = false
			fmt.Fprintf(w, "%p: ", unsafe.Pointer(&data[i]))
		}
		if prevRowChar != data[i] {
			prevRowSameChar = false
		}
		b := data[i]
		i++
		for j := 0; j < 8; j++ {
			if b&1 != 0 {
				fmt.Fprint(w, "*")
			} else {
				fmt.Fprint(w, ".")
			}
			b >>= 1
		}
		column++
		if column == 16 {
			fmt.Fprint(w, "\n")
			column = 0
		} else {
			fmt.Fprint(w, " ")
		}
	}
	if column != 0 {
		fmt.Fprint(w, "\n")
	}
}

func dumpBmPage(w io.Writer, page *BmPage) {
	fmt.Fprintf(w, "Page %p: list=%p, next=%p, prev=%p\n",
		unsafe.Pointer(page), unsafe.Pointer(page.list),
		unsafe.Pointer(page.next), unsafe.Pointer(page.prev))
	bitmapBytes := unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(page), unsafe.Sizeof(BmPage{}))), unitsPerPage/8)
	DumpBitmap(w, bitmapBytes)
}

// Dump writes the LRU page and every populated superblock slot to stderr.
// It takes no lock: the output is a diagnostic aid, not a consistent
// snapshot.
func (a *Allocator) Dump() {
	w := os.Stderr
	stats := a.Stats()
	fmt.Fprintf(w, "\nAllocator bm pages: %d, blocks allocated %d\n", stats.BmPages, stats.BlocksAllocated)
	if lru := *a.lruSlot; lru != nil {
		fmt.Fprintf(w, "LRU page: %p\n", unsafe.Pointer(lru))
		dumpBmPage(w, lru)
	}
	for i := range a.superblock {
		firstPage := a.superblock[i]
		if firstPage == nil {
			continue
		}
		fmt.Fprintf(w, "Superblock entry %d: %p -> %p\n", i,
			unsafe.Pointer(&a.superblock[i]), unsafe.Pointer(firstPage))
		page := firstPage
		for {
			dumpBmPage(w, page)
			page = page.next
			if page == firstPage {
				break
			}
		}
	}
	fmt.Fprint(w, "\n")
}
