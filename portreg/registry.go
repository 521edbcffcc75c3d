// Package portreg implements the port registry: the mapping from a
// logical port number to the consumer mailbox that should receive frames
// addressed to it.
package portreg

import (
	"sync"

	"uartlink/mailbox"
)

// Entry is one subscription: a port number and the mailbox that should
// receive PktRdy deliveries for it. Callers construct an Entry and pass
// the same pointer to Register/Unregister, mirroring the original's
// caller-owned hdlc_entry_t linked into the registry by LL_PREPEND.
type Entry struct {
	Port    uint16
	Mailbox *mailbox.Mailbox

	next *Entry
}

// Registry is an ordered, singly-linked list of Entries. A linked list
// rather than a map is deliberate: the expected subscriber count is
// small (well under ten ports on a single link), registration is rare
// (mostly at startup), and a list needs no hashing or resizing.
//
// Register/Unregister/Lookup are all safe to call from any goroutine at
// any time, so a consumer can subscribe or unsubscribe after the link is
// already running rather than only at startup.
type Registry struct {
	mu   sync.RWMutex
	head *Entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Register prepends entry to the registry. Registering the same *Entry
// twice is idempotent: the second call is a no-op. A duplicate port
// number on a different Entry is accepted silently and Lookup resolves
// it by scan order (see Lookup).
func (r *Registry) Register(entry *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for e := r.head; e != nil; e = e.next {
		if e == entry {
			return
		}
	}
	entry.next = r.head
	r.head = entry
}

// Unregister removes entry from the registry by pointer identity. It is
// a no-op if entry is not currently registered.
func (r *Registry) Unregister(entry *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.head == entry {
		r.head = entry.next
		entry.next = nil
		return
	}
	for e := r.head; e != nil; e = e.next {
		if e.next == entry {
			e.next = entry.next
			entry.next = nil
			return
		}
	}
}

// Lookup scans for the first registered Entry with the given port,
// newest-registration-first (matching LL_PREPEND + LL_SEARCH_SCALAR order
// in the original). ok is false if no consumer has registered that port.
func (r *Registry) Lookup(port uint16) (entry *Entry, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for e := r.head; e != nil; e = e.next {
		if e.Port == port {
			return e, true
		}
	}
	return nil, false
}
