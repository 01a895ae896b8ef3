package bitmap_alloc

import (
	"fmt"
	"io"
	"unsafe"
)

// Region is one page-backed chunk of a linear arena, overlaid on its
// reservation. The payload follows the fixed header.
type Region struct {
	next     *Region
	tail     uint32
	capacity uint32
}

const regionHeaderSize = uint(unsafe.Sizeof(Region{}))

// maxAlignment is the strictest alignment Alloc and Fit accept. It matches
// the alignment of every region payload start.
const maxAlignment = 16

// Arena is a linear bump allocator over a singly linked chain of
// page-backed regions. Blocks are never released individually; the whole
// arena is destroyed at once.
type Arena struct {
	first             *Region
	last              *Region
	newRegionCapacity uint
}

func isPowerOfTwo(v uint) bool {
	return v != 0 && v&(v-1) == 0
}

func createRegion(capacity uint) *Region {
	memSize := alignToPage(capacity + regionHeaderSize)
	data := reservePages(memSize, false)
	if data == nil {
		return nil
	}
	region := (*Region)(unsafe.Pointer(unsafe.SliceData(data)))
	region.next = nil
	region.tail = 0
	region.capacity = uint32(memSize - regionHeaderSize)
	return region
}

func freeRegion(region *Region) {
	unreservePages(unsafe.Pointer(region), uint(region.capacity)+regionHeaderSize)
}

// regionAlloc carves size bytes aligned to alignment out of region, or
// returns nil when the region has no room left.
func regionAlloc(region *Region, size, alignment uint) []byte {
	if size == 0 {
		panic("arena: zero size allocation")
	}
	if alignment > maxAlignment || !isPowerOfTwo(alignment) {
		panic(fmt.Sprintf("arena: bad alignment %d", alignment))
	}

	start := alignUp(uint(region.tail)+regionHeaderSize, alignment) - regionHeaderSize
	if start >= uint(region.capacity) {
		return nil
	}
	if size > uint(region.capacity)-start {
		return nil
	}

	result := unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(region), regionHeaderSize+start)), size)
	region.tail = uint32(start + size)
	return result
}

// NewArena creates an arena with one region of at least the requested
// capacity. Subsequent regions get the same capacity unless adjusted with
// SetRegionCapacity. Returns nil when the first region cannot be reserved.
func NewArena(capacity uint) *Arena {
	region := createRegion(capacity)
	if region == nil {
		return nil
	}
	return &Arena{
		first:             region,
		last:              region,
		newRegionCapacity: capacity,
	}
}

// Destroy unreserves every region. The arena must not be used afterwards.
func (arena *Arena) Destroy() {
	for region := arena.first; region != nil; {
		next := region.next
		freeRegion(region)
		region = next
	}
	arena.first = nil
	arena.last = nil
}

// SetRegionCapacity sets the desired capacity for newly created regions.
func (arena *Arena) SetRegionCapacity(capacity uint) {
	arena.newRegionCapacity = capacity
}

func (arena *Arena) newRegionAlloc(size, alignment uint) []byte {
	capacity := arena.newRegionCapacity
	if size > capacity {
		capacity = size
	}
	newRegion := createRegion(capacity)
	if newRegion == nil {
		return nil
	}
	arena.last.next = newRegion
	arena.last = newRegion
	return regionAlloc(newRegion, size, alignment)
}

// Alloc carves size bytes aligned to alignment out of the last region,
// opening a new region when it has no room.
func (arena *Arena) Alloc(size, alignment uint) []byte {
	if result := regionAlloc(arena.last, size, alignment); result != nil {
		return result
	}
	return arena.newRegionAlloc(size, alignment)
}

// Fit scans all regions for one with enough room before opening a new
// region. Slower than Alloc but fills the holes Alloc leaves behind.
func (arena *Arena) Fit(size, alignment uint) []byte {
	for region := arena.first; region != nil; region = region.next {
		if result := regionAlloc(region, size, alignment); result != nil {
			return result
		}
	}
	return arena.newRegionAlloc(size, alignment)
}

// Print writes the arena structure to w.
func (arena *Arena) Print(w io.Writer) {
	fmt.Fprintf(w, "Arena at %p\n", arena)
	fmt.Fprintf(w, "last region: %p\n", unsafe.Pointer(arena.last))
	fmt.Fprintf(w, "new_region_capacity: %d\n", arena.newRegionCapacity)
	for region := arena.first; region != nil; region = region.next {
		fmt.Fprintf(w, "\nRegion %p\n", unsafe.Pointer(region))
		fmt.Fprintf(w, "next region: %p\n", unsafe.Pointer(region.next))
		fmt.Fprintf(w, "tail: %d\n", region.tail)
		fmt.Fprintf(w, "capacity: %d\n", region.capacity)
	}
}
