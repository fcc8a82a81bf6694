// Package yamux implements the Yamux stream-multiplexing protocol: a
// single reliable, ordered, authenticated byte pipe (handed to us already
// secured and negotiated — see the iface package) split into many
// independently flow-controlled streams.
//
// The wire format is fixed and must interoperate byte-for-byte with other
// Yamux implementations: a 12-byte big-endian header followed, for Data
// frames only, by up to `length` bytes of payload.
package yamux

import (
	"encoding/binary"
	"fmt"
)

// protoVersion is the only version this implementation speaks.
const protoVersion uint8 = 0

// Frame types.
const (
	typeData uint8 = iota
	typeWindowUpdate
	typePing
	typeGoAway
)

// Frame flags, combined as a bitset.
const (
	flagSYN uint16 = 1 << iota
	flagACK
	flagFIN
	flagRST
)

// GoAway error codes (§6).
const (
	goAwayNormal uint32 = iota
	goAwayProtoErr
	goAwayInternalErr
)

// headerSize is the fixed 12-byte Yamux header: version(1) type(1) flags(2)
// streamID(4) length(4).
const headerSize = 12

// header is a 12-byte Yamux frame header, decoded in place.
type header [headerSize]byte

func (h header) Version() uint8    { return h[0] }
func (h header) MsgType() uint8    { return h[1] }
func (h header) Flags() uint16     { return binary.BigEndian.Uint16(h[2:4]) }
func (h header) StreamID() uint32  { return binary.BigEndian.Uint32(h[4:8]) }
func (h header) Length() uint32    { return binary.BigEndian.Uint32(h[8:12]) }

func (h *header) encode(msgType uint8, flags uint16, streamID uint32, length uint32) {
	h[0] = protoVersion
	h[1] = msgType
	binary.BigEndian.PutUint16(h[2:4], flags)
	binary.BigEndian.PutUint32(h[4:8], streamID)
	binary.BigEndian.PutUint32(h[8:12], length)
}

func encode(msgType uint8, flags uint16, streamID uint32, length uint32) header {
	var h header
	h.encode(msgType, flags, streamID, length)
	return h
}

func (h header) String() string {
	return fmt.Sprintf("Vsn:%d Type:%d Flags:%d StreamID:%d Length:%d",
		h.Version(), h.MsgType(), h.Flags(), h.StreamID(), h.Length())
}

// ParseError is returned by decode on a malformed header; the caller must
// GoAway the connection with ProtocolError (§4.1).
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "yamux: protocol error: " + e.Reason }

// decode validates a raw 12-byte buffer and returns it as a header. The
// bytes are copied into the returned header value, so buf may be reused
// afterwards.
func decode(buf []byte) (header, error) {
	var h header
	if len(buf) != headerSize {
		return h, &ParseError{Reason: "short header"}
	}
	copy(h[:], buf)
	if h.Version() != protoVersion {
		return h, &ParseError{Reason: fmt.Sprintf("invalid version %d", h.Version())}
	}
	if h.MsgType() > typeGoAway {
		return h, &ParseError{Reason: fmt.Sprintf("invalid message type %d", h.MsgType())}
	}
	const allFlags = flagSYN | flagACK | flagFIN | flagRST
	if h.Flags()&^allFlags != 0 {
		return h, &ParseError{Reason: fmt.Sprintf("invalid flags %#x", h.Flags())}
	}
	return h, nil
}
