package bitmap_alloc

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sysPageSize is the system page size. Every reservation made by this
// package is a multiple of it.
var sysPageSize = uint(unix.Getpagesize())

func errPrintf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
}

func printMsg(funcName string, format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "bitmap allocator -- "+funcName+": "+format, args...)
}

func alignUp(v, alignment uint) uint {
	return (v + alignment - 1) &^ (alignment - 1)
}

func alignToPage(v uint) uint {
	return alignUp(v, sysPageSize)
}

// reservePages maps `size` bytes of anonymous memory. `size` must be a
// multiple of sysPageSize. A reservation made right after an unreserve in
// the same process may come back dirty, so callers that need zeroed memory
// must pass clean.
func reservePages(size uint, clean bool) []byte {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		errPrintf("mmap: %v\n", err)
		return nil
	}
	if clean {
		cleanse(data, 0, size)
	}
	return data
}

func unreservePages(base unsafe.Pointer, size uint) {
	data := unsafe.Slice((*byte)(base), size)
	if err := unix.Munmap(data); err != nil {
		errPrintf("munmap(%p, %d): %v\n", base, size, err)
	}
}

// resizePages grows or shrinks a prior reservation. old/newNbytes are the
// unaligned byte counts; the reservation itself is resized in whole pages.
// The base may relocate only when growing. A failed grow returns nil, a
// failed shrink returns the old base, which stays valid.
func resizePages(base unsafe.Pointer, oldNbytes, newNbytes uint, clean bool) unsafe.Pointer {
	oldSize := alignToPage(oldNbytes)
	newSize := alignToPage(newNbytes)
	if newSize == oldSize {
		if clean && newNbytes > oldNbytes {
			cleanse(unsafe.Slice((*byte)(base), newSize), oldNbytes, newNbytes)
		}
		return base
	}
	flags := 0
	if newSize > oldSize {
		flags = unix.MREMAP_MAYMOVE
	} else {
		clean = false // don't clean when shrinking
	}
	oldData := unsafe.Slice((*byte)(base), oldSize)
	newData, err := unix.Mremap(oldData, int(newSize), flags)
	if err != nil {
		errPrintf("mremap(%p, %d, %d): %v\n", base, oldSize, newSize, err)
		if newSize > oldSize {
			return nil
		}
		return base
	}
	if clean {
		cleanse(newData, oldNbytes, newNbytes)
	}
	return unsafe.Pointer(unsafe.SliceData(newData))
}

// cleanse zeroes bytes [start, end) of b. It runs in three phases (bytes up
// to the next word boundary, whole words, remaining bytes) so that the word
// stores never straddle a word boundary.
func cleanse(b []byte, start, end uint) {
	length := end - start
	i := start

	nbytes := start & (wordBytes - 1)
	if nbytes != 0 {
		nbytes = wordBytes - nbytes
		if nbytes > length {
			nbytes = length
		}
		for n := uint(0); n < nbytes; n++ {
			b[i] = 0
			i++
		}
		length -= nbytes
	}

	for length >= wordBytes {
		*(*Word)(unsafe.Pointer(&b[i])) = 0
		i += wordBytes
		length -= wordBytes
	}

	for ; length > 0; length-- {
		b[i] = 0
		i++
	}
}
