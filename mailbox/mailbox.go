package mailbox

// Mailbox is a bounded FIFO of Messages, wrapping a buffered channel
// behind a small named type instead of passing raw channels around call
// sites.
type Mailbox struct {
	ch chan *Message
}

// DefaultCapacity is the default bounded mailbox depth used throughout
// the link.
const DefaultCapacity = 100

// New creates a Mailbox with the given bounded capacity.
func New(capacity int) *Mailbox {
	return &Mailbox{ch: make(chan *Message, capacity)}
}

// NewDefault creates a Mailbox sized to DefaultCapacity.
func NewDefault() *Mailbox {
	return New(DefaultCapacity)
}

// TryPut enqueues msg without blocking, reporting whether there was room.
// Callers that get false back are expected to drop the message and let
// the other side recover by timeout/retry, never to block.
func (m *Mailbox) TryPut(msg *Message) bool {
	select {
	case m.ch <- msg:
		return true
	default:
		return false
	}
}

// C returns the receive side of the mailbox's channel, for use directly
// in a select statement (the engine's event loop selects over its own
// mailbox and its retransmission timer in the same statement).
func (m *Mailbox) C() <-chan *Message {
	return m.ch
}
