package bitmap_alloc

import "sync"

// Event is a level-triggered flag. Wait returns immediately while the event
// is set and blocks until the next Set otherwise. Set and Clear are
// idempotent.
type Event struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

func (e *Event) Set() {
	e.mu.Lock()
	if !e.set {
		e.set = true
		close(e.ch)
	}
	e.mu.Unlock()
}

func (e *Event) Clear() {
	e.mu.Lock()
	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
	e.mu.Unlock()
}

func (e *Event) Wait() {
	e.mu.Lock()
	ch := e.ch
	set := e.set
	e.mu.Unlock()
	if !set {
		<-ch
	}
}

// SyncRingBuffer serializes a RingBuffer with a mutex and signals progress
// through two level-triggered events: More is set whenever data was written,
// Less whenever data was read or the buffer was extended. Blocked readers
// wait on More, blocked writers on Less, clearing the event before retrying.
type SyncRingBuffer struct {
	lock    sync.Mutex
	ringbuf *RingBuffer
	more    *Event
	less    *Event
}

// NewSyncRingBuffer creates a synchronized ring of at least size bytes.
// Returns nil when the reservation fails.
func NewSyncRingBuffer(size uint) *SyncRingBuffer {
	rb := NewRingBuffer(size)
	if rb == nil {
		return nil
	}
	srb := &SyncRingBuffer{
		ringbuf: rb,
		more:    NewEvent(),
		less:    NewEvent(),
	}
	srb.less.Set() // the buffer is empty
	return srb
}

// Destroy unreserves the underlying ring.
func (srb *SyncRingBuffer) Destroy() {
	srb.lock.Lock()
	srb.ringbuf.Destroy()
	srb.lock.Unlock()
}

// More is set whenever a write delivered data.
func (srb *SyncRingBuffer) More() *Event {
	return srb.more
}

// Less is set whenever a read drained data or the buffer grew.
func (srb *SyncRingBuffer) Less() *Event {
	return srb.less
}

func (srb *SyncRingBuffer) Grow(newSize uint) bool {
	srb.lock.Lock()
	result := srb.ringbuf.Grow(newSize)
	srb.less.Set()
	srb.lock.Unlock()
	return result
}

func (srb *SyncRingBuffer) Shrink(newSize uint) {
	srb.lock.Lock()
	srb.ringbuf.Shrink(newSize)
	srb.lock.Unlock()
}

func (srb *SyncRingBuffer) Read(buffer []byte) uint {
	srb.lock.Lock()
	result := srb.ringbuf.Read(buffer)
	srb.less.Set()
	srb.lock.Unlock()
	return result
}

func (srb *SyncRingBuffer) Write(data []byte) bool {
	srb.lock.Lock()
	result := srb.ringbuf.Write(data)
	srb.more.Set()
	srb.lock.Unlock()
	return result
}
