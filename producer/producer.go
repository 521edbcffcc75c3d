// Package producer implements the producer helper: the small
// synchronous convenience wrapped around the engine's asynchronous
// mailbox protocol, for callers that just want "send this and tell me
// if it worked" instead of handling RetryWithTimeout/SendSuccess/
// SendFailed themselves.
package producer

import (
	"context"
	"errors"
	"time"

	"uartlink/mailbox"
	"uartlink/protocol"
)

// ErrTimeout is returned when no terminal reply arrives within the
// overall deadline.
var ErrTimeout = errors.New("producer: timed out waiting for a reply")

// ErrSendFailed is returned when the engine reports SendFailed (a
// retransmission bound or watchdog aborted the send, or the payload
// could not be encoded). The engine's
// reason code is wrapped for callers that want to inspect it.
type ErrSendFailed struct {
	Reason uint32
}

func (e *ErrSendFailed) Error() string {
	return "producer: engine reported SendFailed"
}

// Sender is the subset of *engine.Engine a producer needs: a place to
// post Send messages.
type Sender interface {
	Mailbox() *mailbox.Mailbox
}

// Helper holds the reply mailbox a goroutine reuses across successive
// synchronous sends. One Helper is meant to be owned by one goroutine;
// it is not safe to call Send concurrently from multiple goroutines on
// the same Helper.
type Helper struct {
	reply   *mailbox.Mailbox
	timeout time.Duration
}

// New creates a Helper with the default overall wait timeout.
func New() *Helper {
	return &Helper{
		reply:   mailbox.New(4),
		timeout: protocol.HelperWaitTimeout,
	}
}

// NewWithTimeout creates a Helper with a caller-chosen overall timeout.
func NewWithTimeout(timeout time.Duration) *Helper {
	return &Helper{reply: mailbox.New(4), timeout: timeout}
}

// Send posts data to the engine and blocks, retrying on
// RetryWithTimeout backoff hints, until the engine reports SendSuccess,
// SendFailed, or the Helper's overall timeout elapses. Mirrors the
// original's pattern of parking on a reply channel/semaphore until the
// MCU's mailbox reply arrives, generalized to also resend after a
// RetryWithTimeout rather than failing on the first busy UART.
func (h *Helper) Send(ctx context.Context, s Sender, data []byte) error {
	deadline := time.Now().Add(h.timeout)

	for {
		if time.Now().After(deadline) {
			return ErrTimeout
		}

		posted := s.Mailbox().TryPut(&mailbox.Message{
			Type:    mailbox.Send,
			Reply:   h.reply,
			Request: &mailbox.SendRequest{Data: data},
		})
		if !posted {
			// Engine mailbox momentarily full: brief backoff, then retry
			// the same post.
			if !h.sleep(ctx, deadline, 5*time.Millisecond) {
				return ErrTimeout
			}
			continue
		}

		msg, err := h.awaitReply(ctx, deadline)
		if err != nil {
			return err
		}

		switch msg.Type {
		case mailbox.SendSuccess:
			return nil
		case mailbox.SendFailed:
			return &ErrSendFailed{Reason: msg.Value}
		case mailbox.RetryWithTimeout:
			backoff := time.Duration(msg.Value) * time.Microsecond
			if !h.sleep(ctx, deadline, backoff) {
				return ErrTimeout
			}
		}
	}
}

func (h *Helper) awaitReply(ctx context.Context, deadline time.Time) (*mailbox.Message, error) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return nil, ErrTimeout
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case msg := <-h.reply.C():
		return msg, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Helper) sleep(ctx context.Context, deadline time.Time, d time.Duration) bool {
	if time.Now().Add(d).After(deadline) {
		d = time.Until(deadline)
		if d <= 0 {
			return false
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
