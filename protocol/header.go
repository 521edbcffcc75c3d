package protocol

import "encoding/binary"

// HeaderSize is the byte offset of the first application byte within a
// data frame's payload.
const HeaderSize = 5

// Header is the fixed prefix of every data-frame payload. The engine
// reads src/dst to route the frame and leaves pkt_type opaque to callers
// further up the stack.
type Header struct {
	SrcPort uint16
	DstPort uint16
	PktType uint8
}

// PutHeader encodes h into the first HeaderSize bytes of out.
func PutHeader(out []byte, h Header) {
	binary.LittleEndian.PutUint16(out[0:2], h.SrcPort)
	binary.LittleEndian.PutUint16(out[2:4], h.DstPort)
	out[4] = h.PktType
}

// ParseHeader reads a Header from the front of payload and returns the
// opaque application bytes that follow it.
func ParseHeader(payload []byte) (Header, []byte, error) {
	if len(payload) < HeaderSize {
		return Header{}, nil, ErrHeaderTooShort
	}
	h := Header{
		SrcPort: binary.LittleEndian.Uint16(payload[0:2]),
		DstPort: binary.LittleEndian.Uint16(payload[2:4]),
		PktType: payload[4],
	}
	return h, payload[HeaderSize:], nil
}
