package bitmap_alloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// RingBuffer is a byte ring over a page-aligned contiguous reservation. One
// byte of capacity is always kept unused so that head == tail means empty.
// Grow and Shrink resize the reservation in whole pages; Grow shifts the
// wrapped upper part of the data to the new end of the buffer, Shrink
// compacts the data first and then returns whole pages to the system.
type RingBuffer struct {
	data []byte
	head uint
	tail uint
}

// NewRingBuffer creates a ring of at least size bytes, rounded up to whole
// pages. Returns nil when the reservation fails.
func NewRingBuffer(size uint) *RingBuffer {
	size = alignToPage(size)
	if size == 0 {
		size = sysPageSize
	}
	data := reservePages(size, false)
	if data == nil {
		return nil
	}
	return &RingBuffer{data: data}
}

// Destroy unreserves the buffer. The ring must not be used afterwards.
func (rb *RingBuffer) Destroy() {
	if rb.data != nil {
		unreservePages(unsafe.Pointer(unsafe.SliceData(rb.data)), uint(len(rb.data)))
		rb.data = nil
	}
}

// Size returns the current buffer capacity in bytes.
func (rb *RingBuffer) Size() uint {
	return uint(len(rb.data))
}

// Grow resizes the buffer to at least newSize bytes. Data is preserved;
// when the buffer is wrapped the upper part is shifted to the new end.
func (rb *RingBuffer) Grow(newSize uint) bool {
	newSize = alignToPage(newSize)
	if newSize == 0 {
		newSize = sysPageSize
	}
	size := uint(len(rb.data))
	if newSize <= size {
		return true
	}
	newData, err := unix.Mremap(rb.data, int(newSize), unix.MREMAP_MAYMOVE)
	if err != nil {
		return false
	}
	rb.data = newData

	if rb.head > rb.tail {
		// shift the upper data up to the end of the buffer
		offset := newSize - size
		copy(rb.data[rb.head+offset:newSize], rb.data[rb.head:size])
		rb.head += offset
	}
	return true
}

// Shrink compacts the buffer and returns unused whole pages to the system,
// making the buffer as small as possible but no smaller than newSize.
func (rb *RingBuffer) Shrink(newSize uint) {
	newSize = alignToPage(newSize)
	if newSize == 0 {
		newSize = sysPageSize
	}
	size := uint(len(rb.data))
	if newSize >= size {
		return
	}

	var shrinkableBytes uint
	if rb.head == rb.tail {
		// buffer is empty
		rb.head = 0
		rb.tail = 0
		shrinkableBytes = size - sysPageSize
		if shrinkableBytes == 0 {
			return
		}
	} else if rb.head > rb.tail {
		shrinkableBytes = (rb.head - rb.tail - 1) &^ (sysPageSize - 1)
		if shrinkableBytes == 0 {
			return
		}
		// shift the upper data down
		copy(rb.data[rb.head-shrinkableBytes:size-shrinkableBytes], rb.data[rb.head:size])
		rb.head -= shrinkableBytes
	} else {
		shrinkableBytes = (rb.head + size - rb.tail - 1) &^ (sysPageSize - 1)
		if shrinkableBytes == 0 {
			return
		}
		// shift the data down to the buffer start
		if rb.head != 0 {
			copy(rb.data[0:rb.tail-rb.head], rb.data[rb.head:rb.tail])
			rb.tail -= rb.head
			rb.head = 0
		}
	}
	if newSize < size-shrinkableBytes {
		newSize = size - shrinkableBytes
	}
	newData, err := unix.Mremap(rb.data, int(newSize), unix.MREMAP_MAYMOVE)
	if err != nil {
		panic("ring buffer: shrink remap failed")
	}
	rb.data = newData
}

// Write appends size = len(data) bytes to the ring. Returns false when the
// ring has no room for them; partial writes never happen.
func (rb *RingBuffer) Write(data []byte) bool {
	size := uint(len(data))
	bufSize := uint(len(rb.data))

	var bytesAvail, tailLen uint
	if rb.head > rb.tail {
		tailLen = rb.head - rb.tail
		bytesAvail = tailLen
	} else {
		tailLen = bufSize - rb.tail
		bytesAvail = rb.head + tailLen
	}

	if size >= bytesAvail {
		return false
	}

	if size < tailLen {
		// the tail does not wrap
		copy(rb.data[rb.tail:], data)
		rb.tail += size
	} else {
		// the tail wraps around
		copy(rb.data[rb.tail:], data[:tailLen])
		headLen := size - tailLen
		if headLen != 0 {
			copy(rb.data, data[tailLen:])
		}
		rb.tail = headLen
	}
	return true
}

// Read drains up to len(buffer) bytes from the ring into buffer and returns
// the number of bytes read.
func (rb *RingBuffer) Read(buffer []byte) uint {
	if rb.head == rb.tail {
		return 0
	}
	bufferSize := uint(len(buffer))
	size := uint(len(rb.data))

	if rb.head < rb.tail {
		dataSize := rb.tail - rb.head
		n := dataSize
		if n > bufferSize {
			n = bufferSize
		}
		copy(buffer, rb.data[rb.head:rb.head+n])
		rb.head += n
		return n
	}

	upperLen := size - rb.head
	if bufferSize <= upperLen {
		copy(buffer, rb.data[rb.head:rb.head+bufferSize])
		if bufferSize == upperLen {
			rb.head = 0
		} else {
			rb.head += bufferSize
		}
		return bufferSize
	}
	copy(buffer[:upperLen], rb.data[rb.head:])
	bufferSize -= upperLen
	lowerLen := rb.tail
	if lowerLen > bufferSize {
		lowerLen = bufferSize
	}
	copy(buffer[upperLen:], rb.data[:lowerLen])
	rb.head = lowerLen
	return upperLen + lowerLen
}
