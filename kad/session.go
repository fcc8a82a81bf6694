package kad

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/multiformats/go-varint"

	"github.com/libp2p/go-libp2p-yamux-kad/iface"
)

// MaxMessageSize is the hard cap on a single Kademlia message's encoded
// length; exceeding it is a protocol error (§4.9).
const MaxMessageSize = 16 * 1024 * 1024

var (
	// ErrProtocol is returned for a malformed varint or an over-size length
	// prefix (§4.9, §7 ProtocolError).
	ErrProtocol = errors.New("kad: protocol error")
	// ErrUnexpectedResponse is returned when a response doesn't match what
	// the request registered (§4.9 "match").
	ErrUnexpectedResponse = errors.New("kad: unexpected response type")
)

// WriteMessage serializes msg, prefixes it with a varint length, and issues
// it as a single write to s (§4.9 write path).
func WriteMessage(s iface.Stream, msg *Message) error {
	body, err := Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMessageSerialize, err)
	}
	if len(body) > MaxMessageSize {
		return fmt.Errorf("%w: message too large (%d bytes)", ErrProtocol, len(body))
	}
	prefixed := make([]byte, varint.UvarintSize(uint64(len(body)))+len(body))
	n := varint.PutUvarint(prefixed, uint64(len(body)))
	copy(prefixed[n:], body)

	if _, err := s.Write(prefixed); err != nil {
		_ = s.Reset()
		return fmt.Errorf("kad: write failed: %w", err)
	}
	return nil
}

// ReadMessage reads a varint length prefix (failing if it exceeds 10 bytes
// or decodes to more than MaxMessageSize), then reads exactly that many
// bytes and deserializes them (§4.9 read path).
func ReadMessage(r *bufio.Reader) (*Message, error) {
	length, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: length %d exceeds cap", ErrProtocol, length)
	}
	body := make([]byte, length)
	if _, err := readFull(r, body); err != nil {
		return nil, fmt.Errorf("kad: short read: %w", err)
	}
	msg, err := Unmarshal(body)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SendRequest opens (the caller-provided) stream semantics are: write req,
// and unless it's a fire-and-forget message (PutValue/AddProvider), read
// exactly one response within responseTimeout, then close the stream
// (§4.9). The caller owns opening and eventually discarding s.
func SendRequest(ctx context.Context, s iface.Stream, req *Message, responseTimeout time.Duration) (*Message, error) {
	defer s.Close()

	deadline := time.Now().Add(responseTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = s.SetDeadline(deadline)

	if err := WriteMessage(s, req); err != nil {
		return nil, err
	}

	if req.Type == MessagePutValue || req.Type == MessageAddProvider {
		_ = s.CloseWrite()
		return nil, nil
	}

	resp, err := ReadMessage(bufio.NewReader(s))
	if err != nil {
		_ = s.Reset()
		return nil, err
	}
	if resp.Type != req.Type {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedResponse, resp.Type, req.Type)
	}
	return resp, nil
}
