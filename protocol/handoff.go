package protocol

import "sync"

// Handoff implements the two pinned receive buffers and their ownership
// transfer. RX_A is written only by the engine as frames are assembled;
// RX_H is the copy handed by reference to exactly one consumer between
// PktRdy delivery and Release.
//
// The zero value is ready to use, both buffers empty and unheld;
// NewHandoff returns a pointer to one.
type Handoff struct {
	mu sync.Mutex // locked <=> RX_H currently on loan to a consumer

	assembly [MaxPktSize]byte // RX_A
	assemLen int

	buf [MaxPktSize]byte // RX_H
	len int
}

// NewHandoff constructs a Handoff with both buffers empty and unheld.
func NewHandoff() *Handoff {
	return &Handoff{}
}

// Assembly returns the engine-owned assembly buffer (RX_A) for writing
// decoded payload bytes into. It is never handed to a consumer directly.
func (h *Handoff) Assembly() []byte {
	return h.assembly[:]
}

// SetAssemblyLen records how many bytes of Assembly() hold the
// most-recently-decoded frame's payload.
func (h *Handoff) SetAssemblyLen(n int) {
	h.assemLen = n
}

// Acquire copies RX_A into RX_H and marks RX_H held by a consumer. It
// must be called by the engine before handing out a PktRdy reference, and
// blocks until any previous holder releases: the engine must never
// overwrite RX_H while a consumer still holds it.
func (h *Handoff) Acquire() []byte {
	h.mu.Lock()
	n := copy(h.buf[:], h.assembly[:h.assemLen])
	h.len = n
	return h.buf[:h.len]
}

// Release returns RX_H to engine ownership. A release with no matching
// Acquire outstanding is detected with a non-blocking try-lock: if the
// mutex can be taken, it wasn't held, so the call reports ErrNotHeld and
// leaves state unchanged.
func (h *Handoff) Release() error {
	if h.mu.TryLock() {
		h.mu.Unlock()
		return ErrNotHeld
	}
	h.mu.Unlock()
	return nil
}

// Held reports whether RX_H is currently on loan to a consumer. Racy by
// nature (the answer may change the instant it's returned); intended only
// for diagnostics/telemetry, never for control flow.
func (h *Handoff) Held() bool {
	if h.mu.TryLock() {
		h.mu.Unlock()
		return false
	}
	return true
}
