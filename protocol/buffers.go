package protocol

import "sync/atomic"

// RXRing is the bounded circular FIFO of raw bytes: written byte-by-byte
// by the UART RX interrupt handler (package uartio), drained by the link
// engine through the frame codec. Overflowed bytes are dropped silently;
// the Overflowed counter lets a caller notice without disturbing the hot
// path.
//
// read and write are touched from two different goroutines (the uartio
// reader and the engine's Run loop) with no other synchronization, so
// both are accessed exclusively through atomic loads/stores: a single
// producer, single consumer ring needs that much even though neither
// side ever takes a lock.
type RXRing struct {
	buf   []byte
	read  uint32 // atomic
	write uint32 // atomic
	size  uint32

	// Overflowed counts bytes dropped because the ring was full. The
	// frame in progress when this happens will fail FCS and be dropped by
	// the decoder, so no separate handling is required.
	Overflowed uint32
}

// NewRXRing creates a ring with capacity slots. One slot is always kept
// free to tell a full ring from an empty one, so it holds at most
// capacity-1 bytes.
func NewRXRing(capacity int) *RXRing {
	return &RXRing{
		buf:  make([]byte, capacity),
		size: uint32(capacity),
	}
}

// WriteByte appends a single byte, reporting whether the ring had room.
// Safe to call concurrently with PopByte from a single other goroutine.
func (r *RXRing) WriteByte(b byte) bool {
	write := atomic.LoadUint32(&r.write)
	read := atomic.LoadUint32(&r.read)
	next := (write + 1) % r.size
	if next == read {
		atomic.AddUint32(&r.Overflowed, 1)
		return false
	}
	r.buf[write] = b
	atomic.StoreUint32(&r.write, next)
	return true
}

// Write appends data to the ring, counting any bytes that don't fit as
// overflow.
func (r *RXRing) Write(data []byte) int {
	written := 0
	for _, b := range data {
		if !r.WriteByte(b) {
			continue
		}
		written++
	}
	return written
}

// PopByte removes and returns the oldest unread byte. ok is false if the
// ring was empty. Safe to call concurrently with WriteByte from a single
// other goroutine.
func (r *RXRing) PopByte() (b byte, ok bool) {
	read := atomic.LoadUint32(&r.read)
	write := atomic.LoadUint32(&r.write)
	if read == write {
		return 0, false
	}
	b = r.buf[read]
	atomic.StoreUint32(&r.read, (read+1)%r.size)
	return b, true
}

// Available returns the number of bytes available for reading.
func (r *RXRing) Available() int {
	write := atomic.LoadUint32(&r.write)
	read := atomic.LoadUint32(&r.read)
	if write >= read {
		return int(write - read)
	}
	return int(r.size - read + write)
}

// IsEmpty returns true if the buffer is empty.
func (r *RXRing) IsEmpty() bool {
	return atomic.LoadUint32(&r.read) == atomic.LoadUint32(&r.write)
}
