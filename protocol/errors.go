package protocol

import "errors"

var (
	// ErrBufferTooSmall is returned by Encode when out cannot hold the
	// worst-case escaped frame.
	ErrBufferTooSmall = errors.New("protocol: buffer too small for frame")

	// ErrPayloadTooLarge is returned by Encode when payload exceeds
	// MaxPktSize.
	ErrPayloadTooLarge = errors.New("protocol: payload exceeds MaxPktSize")

	// ErrNotHeld is returned by a handoff Release call made without a
	// matching Acquire.
	ErrNotHeld = errors.New("protocol: handoff buffer released without being held")

	// ErrHeaderTooShort is returned when a data frame payload is shorter
	// than the fixed payload header.
	ErrHeaderTooShort = errors.New("protocol: payload shorter than header")
)
