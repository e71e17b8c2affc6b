// Package fifo provides the byte ring that decouples the BLE event loop from
// the transfer worker. A Ring has exactly one producer and one consumer; the
// two cursors are the only shared state and are published with atomics, so
// neither side ever takes a lock.
package fifo

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrInvalidArgument is returned when a ring is created without usable storage.
	ErrInvalidArgument = errors.New("fifo: invalid argument")
	// ErrFull is returned when there is no room for even one more byte.
	ErrFull = errors.New("fifo: full")
	// ErrEmpty is returned when there is nothing to read. Callers back off and retry.
	ErrEmpty = errors.New("fifo: empty")
)

// Ring is a fixed-capacity single-producer/single-consumer byte ring.
// One slot is kept free, so a ring of capacity C holds at most C-1 bytes.
type Ring struct {
	buf  []byte
	size uint64

	// Monotonic cursors. head is only advanced by the producer, tail only
	// by the consumer. Flush resets both.
	head atomic.Uint64
	tail atomic.Uint64
}

// New allocates a ring with the given capacity.
func New(capacity int) (*Ring, error) {
	if capacity < 2 {
		return nil, ErrInvalidArgument
	}
	return &Ring{
		buf:  make([]byte, capacity),
		size: uint64(capacity),
	}, nil
}

// Cap returns the number of bytes the ring can hold (capacity - 1).
func (r *Ring) Cap() int {
	return int(r.size - 1)
}

// Len returns the number of unread bytes.
func (r *Ring) Len() int {
	tail := r.tail.Load()
	return int(r.head.Load() - tail)
}

// Available returns the free space in bytes.
func (r *Ring) Available() int {
	return r.Cap() - r.Len()
}

// Put appends one byte. A full ring rejects the byte with ErrFull and
// leaves its contents untouched.
func (r *Ring) Put(b byte) error {
	head := r.head.Load()
	if head-r.tail.Load() >= r.size-1 {
		return ErrFull
	}
	r.buf[head%r.size] = b
	r.head.Store(head + 1)
	return nil
}

// Peek returns the oldest byte without removing it, or ErrEmpty.
func (r *Ring) Peek() (byte, error) {
	tail := r.tail.Load()
	if r.head.Load() == tail {
		return 0, ErrEmpty
	}
	return r.buf[tail%r.size], nil
}

// Get removes and returns the oldest byte, or ErrEmpty.
func (r *Ring) Get() (byte, error) {
	tail := r.tail.Load()
	if r.head.Load() == tail {
		return 0, ErrEmpty
	}
	b := r.buf[tail%r.size]
	r.tail.Store(tail + 1)
	return b, nil
}

// Write copies as much of p as fits and returns the count. An empty p is a
// size query: it reports the free space and moves nothing. If the ring has no
// room at all, Write returns 0 and ErrFull.
func (r *Ring) Write(p []byte) (int, error) {
	head := r.head.Load()
	free := int(r.size - 1 - (head - r.tail.Load()))
	if len(p) == 0 {
		return free, nil
	}
	if free == 0 {
		return 0, ErrFull
	}
	n := min(len(p), free)
	start := int(head % r.size)
	c := copy(r.buf[start:], p[:n])
	copy(r.buf, p[c:n])
	r.head.Store(head + uint64(n))
	return n, nil
}

// Read drains up to len(p) bytes into p in arrival order. A nil or empty p
// is a size query: it reports the unread length and moves nothing. An empty
// ring returns 0 and ErrEmpty.
func (r *Ring) Read(p []byte) (int, error) {
	tail := r.tail.Load()
	avail := int(r.head.Load() - tail)
	if len(p) == 0 {
		return avail, nil
	}
	if avail == 0 {
		return 0, ErrEmpty
	}
	n := min(len(p), avail)
	start := int(tail % r.size)
	c := copy(p[:n], r.buf[start:])
	copy(p[c:n], r.buf)
	r.tail.Store(tail + uint64(n))
	return n, nil
}

// Flush discards all content. It must not race with Put/Write or Get/Read;
// the session only flushes before its worker starts.
func (r *Ring) Flush() {
	r.tail.Store(0)
	r.head.Store(0)
}
