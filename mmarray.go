package bitmap_alloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmArrayHeader sits at the page-aligned base of the array reservation; the
// items start right behind it, so masking the pointer to the first item with
// the page mask finds the header again.
type mmArrayHeader struct {
	capacity uint32
	length   uint32
	itemSize uint32
	_        uint32
}

const mmArrayHeaderSize = uint(unsafe.Sizeof(mmArrayHeader{}))

func mmArrayMemSize(capacity, itemSize uint) uint {
	return alignToPage(mmArrayHeaderSize + capacity*itemSize)
}

func mmArrayHeaderOf(array []byte) *mmArrayHeader {
	base := uintptr(unsafe.Pointer(unsafe.SliceData(array)))
	return (*mmArrayHeader)(unsafe.Pointer(base &^ uintptr(sysPageSize-1)))
}

// MmArrayAllocate creates a growable page-backed array of length items of
// itemSize bytes each and returns the item data as a byte slice. The
// program is aborted when the reservation fails.
func MmArrayAllocate(length, itemSize uint) []byte {
	memSize := mmArrayMemSize(length, itemSize)
	data := reservePages(memSize, false)
	if data == nil {
		panic("mmarray: cannot reserve memory")
	}
	h := (*mmArrayHeader)(unsafe.Pointer(unsafe.SliceData(data)))
	h.capacity = uint32((memSize - mmArrayHeaderSize) / itemSize)
	h.length = uint32(length)
	h.itemSize = uint32(itemSize)
	return data[mmArrayHeaderSize : mmArrayHeaderSize+length*itemSize]
}

// MmArrayGrow extends the array by increment items, resizing the
// reservation when the capacity is exhausted, and returns the (possibly
// relocated) item data. The program is aborted when the resize fails.
func MmArrayGrow(array []byte, increment uint) []byte {
	h := mmArrayHeaderOf(array)

	if uint(h.length)+increment > uint(h.capacity) {
		itemSize := uint(h.itemSize)
		oldMemSize := mmArrayMemSize(uint(h.capacity), itemSize)
		newMemSize := mmArrayMemSize(uint(h.length)+increment, itemSize)

		oldData := unsafe.Slice((*byte)(unsafe.Pointer(h)), oldMemSize)
		newData, err := unix.Mremap(oldData, int(newMemSize), unix.MREMAP_MAYMOVE)
		if err != nil {
			panic("mmarray: remap failed")
		}
		h = (*mmArrayHeader)(unsafe.Pointer(unsafe.SliceData(newData)))
		h.capacity = uint32((newMemSize - mmArrayHeaderSize) / itemSize)
	}
	h.length += uint32(increment)

	return unsafe.Slice(
		(*byte)(unsafe.Add(unsafe.Pointer(h), mmArrayHeaderSize)),
		uint(h.length)*uint(h.itemSize))
}

// MmArrayAppendItem appends one item, growing the array as needed, and
// returns the item data.
func MmArrayAppendItem(array []byte, item []byte) []byte {
	index := MmArrayLength(array)

	array = MmArrayGrow(array, 1)
	h := mmArrayHeaderOf(array)
	itemSize := uint(h.itemSize)

	copy(array[index*itemSize:(index+1)*itemSize], item)
	return array
}

// MmArrayLength returns the number of items in the array.
func MmArrayLength(array []byte) uint {
	return uint(mmArrayHeaderOf(array).length)
}

// MmArrayCapacity returns the number of items the current reservation can
// hold.
func MmArrayCapacity(array []byte) uint {
	return uint(mmArrayHeaderOf(array).capacity)
}
