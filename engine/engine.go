// Package engine implements the link engine: the single-threaded
// arbitration and ARQ state machine sitting between the frame codec
// (package protocol), the port registry (package portreg), and the
// consumers/producers talking to it over mailboxes (package mailbox).
//
// All state an Engine owns (sequence counters, the UART lock, the
// outstanding-sender reference, the retransmission clock) is touched
// only from the single goroutine running Run. Every other goroutine
// interacts with an Engine exclusively through mailbox messages, so none
// of that state needs its own synchronization.
package engine

import (
	"io"
	"log"
	"time"

	"uartlink/mailbox"
	"uartlink/portreg"
	"uartlink/protocol"
)

// Reason codes carried in a SendFailed message's Value field.
const (
	ReasonMaxRetransmits uint32 = 1
	ReasonWatchdog       uint32 = 2
	ReasonEncodeError    uint32 = 3
)

// Config tunes an Engine's timing and retry behavior. The zero value of
// MaxRetransmits and WatchdogTimeout disables the corresponding bound,
// matching the original hardware's unbounded "keep retrying forever"
// default.
type Config struct {
	RetryTimeout      time.Duration
	RetransmitTimeout time.Duration
	MaxRetransmits    int
	WatchdogTimeout   time.Duration
	RXRingSize        int
}

// DefaultConfig returns the tuning used by uartlink's own demo and tests.
func DefaultConfig() Config {
	return Config{
		RetryTimeout:      protocol.RetryTimeout,
		RetransmitTimeout: protocol.RetransmitTimeout,
		MaxRetransmits:    0,
		WatchdogTimeout:   0,
		RXRingSize:        protocol.UARTRingSize,
	}
}

// Stats is a point-in-time snapshot of link-health counters, reported to
// an optional Reporter after every state transition that changes one.
type Stats struct {
	FramesSent  uint64
	FramesRecv  uint64
	AcksSent    uint64
	Retransmits uint64
	BadFrames   uint64
	UARTLocked  bool
}

// Reporter receives best-effort Stats snapshots. Report must not block;
// implementations that need to do I/O (package telemetry's Redis
// publisher, for instance) are expected to do it asynchronously or drop
// snapshots under backpressure rather than stall the engine.
type Reporter interface {
	Report(Stats)
}

// Engine is one end of a uartlink. Construct with New, register
// consumers with Register, then run the event loop with Run.
type Engine struct {
	cfg Config

	uart io.Writer
	ring *protocol.RXRing

	decode   protocol.DecodeState
	handoff  *protocol.Handoff
	registry *portreg.Registry

	mb *mailbox.Mailbox

	sendSeq uint32
	recvSeq uint32

	uartLock            bool
	uartLockSince       time.Time
	lastTxTime          time.Time
	senderOfOutstanding *mailbox.Mailbox
	retransmitCount     int

	sendBuf    [protocolMaxEncodedFrame]byte
	sendBufLen int
	ackBuf     [protocolMaxEncodedFrame]byte

	stats    Stats
	reporter Reporter
}

// protocolMaxEncodedFrame mirrors protocol's unexported maxEncodedFrame
// bound; a data frame's worst case also bounds an ACK/NACK frame's.
const protocolMaxEncodedFrame = 2*(protocol.MaxPktSize+1+2) + 2

// New constructs an Engine. uart is where encoded frames are written;
// writes must be synchronous and cover the whole frame (package uartio
// provides implementations). registry is shared with whatever code
// registers consumer mailboxes.
func New(cfg Config, uart io.Writer, registry *portreg.Registry) *Engine {
	if cfg.RXRingSize <= 0 {
		cfg.RXRingSize = protocol.UARTRingSize
	}
	return &Engine{
		cfg:      cfg,
		uart:     uart,
		ring:     protocol.NewRXRing(cfg.RXRingSize),
		handoff:  protocol.NewHandoff(),
		registry: registry,
		mb:       mailbox.NewDefault(),
	}
}

// Mailbox returns the engine's own mailbox. The UART adapter and
// producers post to it; the engine reads no other mailbox.
func (e *Engine) Mailbox() *mailbox.Mailbox { return e.mb }

// SetReporter installs (or clears, with nil) the telemetry sink.
func (e *Engine) SetReporter(r Reporter) { e.reporter = r }

// Register adds a consumer subscription to the engine's port registry.
func (e *Engine) Register(entry *portreg.Entry) { e.registry.Register(entry) }

// Unregister removes a consumer subscription.
func (e *Engine) Unregister(entry *portreg.Entry) { e.registry.Unregister(entry) }

// ReleasePacket returns the currently-held RX_H buffer to the engine.
// Consumers call this exactly once after finishing with a PktRdy's
// Handoff bytes.
func (e *Engine) ReleasePacket() error { return e.handoff.Release() }

// IngestByte feeds one raw byte read from the wire into the engine's RX
// ring, and wakes the engine with a Recv message whenever a frame
// delimiter arrives. Called from the UART adapter's read loop, never
// from the engine's own goroutine.
func (e *Engine) IngestByte(b byte) {
	e.ring.WriteByte(b)
	if b == protocol.FlagByte {
		e.mb.TryPut(&mailbox.Message{Type: mailbox.Recv})
	}
}

// Run drives the event loop until stop is closed. It must be run from
// exactly one goroutine for the lifetime of the Engine.
func (e *Engine) Run(stop <-chan struct{}) {
	t := time.NewTimer(0)
	if !t.Stop() {
		<-t.C
	}
	defer t.Stop()

	for {
		var timerC <-chan time.Time
		if e.uartLock {
			d := e.cfg.RetransmitTimeout - time.Since(e.lastTxTime)
			if d < 0 {
				d = 0
			}
			t.Reset(d)
			timerC = t.C
		}

		select {
		case <-stop:
			if timerC != nil && !t.Stop() {
				<-t.C
			}
			return
		case msg := <-e.mb.C():
			if timerC != nil && !t.Stop() {
				<-t.C
			}
			e.handle(msg)
		case <-timerC:
			e.onRetransmitDeadline()
		}
	}
}

// Step processes exactly one mailbox message synchronously. It exists
// for tests and for callers that want to drive the loop themselves
// instead of calling Run; it must not be called concurrently with Run.
func (e *Engine) Step(msg *mailbox.Message) {
	e.handle(msg)
}

func (e *Engine) handle(msg *mailbox.Message) {
	switch msg.Type {
	case mailbox.Recv:
		e.drainRing()
	case mailbox.Send:
		e.onSend(msg)
	case mailbox.Resend:
		e.onRetransmitDeadline()
	case mailbox.SendAck:
		e.sendAck(uint8(msg.Value))
	}
}

func (e *Engine) drainRing() {
	for {
		b, ok := e.ring.PopByte()
		if !ok {
			return
		}
		status, kind, seq, n := e.decode.Decode(b, e.handoff.Assembly())
		switch status {
		case protocol.NeedMore:
			continue
		case protocol.BadFrame:
			e.stats.BadFrames++
			e.report()
		case protocol.FrameReady:
			e.handoff.SetAssemblyLen(n)
			e.stats.FramesRecv++
			e.dispatchFrame(kind, seq, n)
			e.report()
		}
	}
}

// dispatchFrame routes a fully reassembled frame to its handler. It
// recovers from any panic in that path so one malformed or unexpected
// frame cannot take down the Run goroutine and wedge the link for
// good; a recovered frame is treated as a bad frame and counted.
func (e *Engine) dispatchFrame(kind protocol.FrameKind, seq uint8, n int) {
	defer func() {
		if r := recover(); r != nil {
			e.stats.BadFrames++
			log.Printf("engine: recovered from panic dispatching frame: %v", r)
		}
	}()
	if kind == protocol.FrameData {
		e.onDataFrame(seq, n)
	} else {
		e.onAckFrame(seq)
	}
}

func seqMod(counter uint32) uint8 {
	return uint8(counter & protocol.SeqMask)
}

// onDataFrame implements the data-frame-accepted branch of the engine's
// receive handling: new sequence numbers are delivered and ACKed,
// repeats of the immediately-preceding sequence are re-ACKed without
// redelivery, and anything else is dropped.
func (e *Engine) onDataFrame(seq uint8, n int) {
	switch seq {
	case seqMod(e.recvSeq):
		e.postSelf(mailbox.SendAck, uint32(seq))
		e.deliver(n)
		e.recvSeq++
	case seqMod(e.recvSeq + protocol.SeqMask):
		// Duplicate of the last frame we already accepted: the
		// sender never saw our ACK. Re-ACK, but do not hand the
		// payload to a consumer again.
		e.postSelf(mailbox.SendAck, uint32(seq))
	default:
		// Out-of-window: drop silently, let the sender's own
		// retransmission timer recover.
	}
}

func (e *Engine) deliver(n int) {
	buf := e.handoff.Acquire()
	hdr, _, err := protocol.ParseHeader(buf[:n])
	if err != nil {
		e.handoff.Release()
		return
	}
	entry, ok := e.registry.Lookup(hdr.DstPort)
	if !ok {
		e.handoff.Release()
		return
	}
	if !entry.Mailbox.TryPut(&mailbox.Message{
		Type:    mailbox.PktRdy,
		Reply:   e.mb,
		Handoff: buf,
	}) {
		// Consumer mailbox is full: log and drop the reply, same as a
		// failed alloc in the original. Release RX_H here since no
		// consumer will ever call ReleasePacket for a delivery that
		// never arrived.
		log.Printf("engine: consumer mailbox full for port %d, dropping packet", hdr.DstPort)
		e.handoff.Release()
	}
}

// onAckFrame implements the ACK/NACK-accepted branch: a matching
// ACK/NACK for the single outstanding frame releases the UART lock and
// tells the waiting sender; anything else (no frame outstanding, or a
// sequence mismatch) is ignored.
func (e *Engine) onAckFrame(seq uint8) {
	if !e.uartLock || seq != seqMod(e.sendSeq) {
		return
	}
	e.uartLock = false
	e.sendSeq++
	e.retransmitCount = 0
	if e.senderOfOutstanding != nil {
		e.senderOfOutstanding.TryPut(&mailbox.Message{Type: mailbox.SendSuccess})
		e.senderOfOutstanding = nil
	}
}

// onSend implements the SEND input: if the UART is free, encode and
// transmit a new data frame and arm the retransmission clock; if it is
// locked, tell the caller to back off and retry.
func (e *Engine) onSend(msg *mailbox.Message) {
	if e.uartLock {
		if msg.Reply != nil {
			msg.Reply.TryPut(&mailbox.Message{
				Type:  mailbox.RetryWithTimeout,
				Value: uint32(e.cfg.RetryTimeout.Microseconds()),
			})
		}
		return
	}

	var data []byte
	if msg.Request != nil {
		data = msg.Request.Data
	}
	seq := seqMod(e.sendSeq)
	n, err := protocol.Encode(protocol.FrameData, seq, data, e.sendBuf[:])
	if err != nil {
		if msg.Reply != nil {
			msg.Reply.TryPut(&mailbox.Message{Type: mailbox.SendFailed, Value: ReasonEncodeError})
		}
		return
	}

	e.sendBufLen = n
	e.uartLock = true
	e.uartLockSince = time.Now()
	e.senderOfOutstanding = msg.Reply
	e.retransmitCount = 0
	e.lastTxTime = e.uartLockSince
	e.transmit(e.sendBuf[:n])
	e.report()
}

// onRetransmitDeadline fires either because the retransmission timer
// expired or because the engine posted itself a Resend. Bounds
// (MaxRetransmits, WatchdogTimeout) are expansions of the original's
// unbounded retry loop: when configured and exceeded, the outstanding
// send fails instead of retrying forever.
func (e *Engine) onRetransmitDeadline() {
	if !e.uartLock {
		return
	}
	if e.cfg.WatchdogTimeout > 0 && time.Since(e.uartLockSince) >= e.cfg.WatchdogTimeout {
		e.failOutstanding(ReasonWatchdog)
		return
	}
	if e.cfg.MaxRetransmits > 0 && e.retransmitCount >= e.cfg.MaxRetransmits {
		e.failOutstanding(ReasonMaxRetransmits)
		return
	}
	e.retransmitCount++
	e.stats.Retransmits++
	e.lastTxTime = time.Now()
	e.transmit(e.sendBuf[:e.sendBufLen])
	e.report()
}

func (e *Engine) failOutstanding(reason uint32) {
	e.uartLock = false
	if e.senderOfOutstanding != nil {
		e.senderOfOutstanding.TryPut(&mailbox.Message{Type: mailbox.SendFailed, Value: reason})
		e.senderOfOutstanding = nil
	}
}

func (e *Engine) sendAck(seq uint8) {
	n, err := protocol.Encode(protocol.FrameACK, seq, nil, e.ackBuf[:])
	if err != nil {
		return
	}
	e.uart.Write(e.ackBuf[:n])
	e.stats.AcksSent++
	e.report()
}

func (e *Engine) transmit(frame []byte) {
	e.uart.Write(frame)
	e.stats.FramesSent++
}

// postSelf enqueues a message to the engine's own mailbox. If the
// mailbox is momentarily full, one pending message is serviced inline
// and the post retried once; a second failure is dropped, same as any
// other mailbox-full condition in this link.
func (e *Engine) postSelf(t mailbox.Type, value uint32) {
	msg := &mailbox.Message{Type: t, Value: value}
	if e.mb.TryPut(msg) {
		return
	}
	select {
	case pending := <-e.mb.C():
		e.handle(pending)
	default:
	}
	e.mb.TryPut(msg)
}

func (e *Engine) report() {
	if e.reporter == nil {
		return
	}
	snap := e.stats
	snap.UARTLocked = e.uartLock
	e.reporter.Report(snap)
}
