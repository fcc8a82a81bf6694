package kad

import (
	"encoding/binary"
	"fmt"

	"github.com/libp2p/go-libp2p-yamux-kad/iface"
)

// MessageType enumerates the Kademlia RPC message kinds (§6).
type MessageType uint8

const (
	MessagePutValue MessageType = iota
	MessageGetValue
	MessageAddProvider
	MessageGetProviders
	MessageFindNode
	MessagePing
)

func (t MessageType) String() string {
	switch t {
	case MessagePutValue:
		return "PUT_VALUE"
	case MessageGetValue:
		return "GET_VALUE"
	case MessageAddProvider:
		return "ADD_PROVIDER"
	case MessageGetProviders:
		return "GET_PROVIDERS"
	case MessageFindNode:
		return "FIND_NODE"
	case MessagePing:
		return "PING"
	default:
		return fmt.Sprintf("MessageType(%d)", t)
	}
}

// PeerRoutingInfo is one entry in a message's closer_peers/provider_peers
// list (§6).
type PeerRoutingInfo struct {
	ID            PeerId
	Addrs         []string
	Connectedness iface.Connectedness
}

// Record is a DHT value record, mirroring §3's LocalValueStore payload
// shape (Key/Value only — ExpireAt/RefreshAt/UpdatedAt are local-only
// bookkeeping added in store.go, not carried on the wire).
type Record struct {
	Key   []byte
	Value []byte
}

// Message is one Kademlia RPC message (§6). Wire encoding is a minimal
// TLV scheme (tag byte + varint length + payload) rather than real
// protobuf: protobuf codegen is an external-collaborator concern the core
// does not own (spec Non-goals), and no generated package is available
// here, so the wire body uses a hand-rolled but unambiguous framing
// instead of vendoring a fake codegen output.
type Message struct {
	Type          MessageType
	Key           []byte
	Record        *Record
	CloserPeers   []PeerRoutingInfo
	ProviderPeers []PeerRoutingInfo
}

// Field tags for the TLV body.
const (
	tagKey byte = iota + 1
	tagRecordKey
	tagRecordValue
	tagCloserPeer
	tagProviderPeer
)

// ErrMessageParse / ErrMessageSerialize are the codec failure kinds from
// §7.
var (
	ErrMessageParse     = fmt.Errorf("kad: message parse error")
	ErrMessageSerialize = fmt.Errorf("kad: message serialize error")
)

// Marshal encodes m as a type byte followed by tagged fields. The result
// carries no overall length, and Unmarshal reads fields until the end of
// its input; the outer varint length prefix that delimits a message is
// added by the session layer (C9) so the codec and the framing stay
// independently testable.
func Marshal(m *Message) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(m.Type))

	if len(m.Key) > 0 {
		buf = appendField(buf, tagKey, m.Key)
	}
	if m.Record != nil {
		buf = appendField(buf, tagRecordKey, m.Record.Key)
		buf = appendField(buf, tagRecordValue, m.Record.Value)
	}
	for _, p := range m.CloserPeers {
		enc, err := encodePeerInfo(p)
		if err != nil {
			return nil, err
		}
		buf = appendField(buf, tagCloserPeer, enc)
	}
	for _, p := range m.ProviderPeers {
		enc, err := encodePeerInfo(p)
		if err != nil {
			return nil, err
		}
		buf = appendField(buf, tagProviderPeer, enc)
	}
	return buf, nil
}

func appendField(buf []byte, tag byte, data []byte) []byte {
	buf = append(buf, tag)
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(data)))
	buf = append(buf, lenBuf[:n]...)
	return append(buf, data...)
}

// encodePeerInfo packs a PeerRoutingInfo as id(32) + connectedness(1) +
// addrs (each length-prefixed).
func encodePeerInfo(p PeerRoutingInfo) ([]byte, error) {
	buf := make([]byte, 0, 32+1+len(p.Addrs)*16)
	buf = append(buf, p.ID[:]...)
	buf = append(buf, byte(p.Connectedness))
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(p.Addrs)))
	buf = append(buf, lenBuf[:n]...)
	for _, a := range p.Addrs {
		n := binary.PutUvarint(lenBuf[:], uint64(len(a)))
		buf = append(buf, lenBuf[:n]...)
		buf = append(buf, a...)
	}
	return buf, nil
}

func decodePeerInfo(data []byte) (PeerRoutingInfo, error) {
	var p PeerRoutingInfo
	if len(data) < 33 {
		return p, fmt.Errorf("%w: short peer info", ErrMessageParse)
	}
	copy(p.ID[:], data[:32])
	p.Connectedness = iface.Connectedness(data[32])
	rest := data[33:]
	count, n := binary.Uvarint(rest)
	if n <= 0 {
		return p, fmt.Errorf("%w: bad addr count", ErrMessageParse)
	}
	rest = rest[n:]
	for i := uint64(0); i < count; i++ {
		alen, n := binary.Uvarint(rest)
		if n <= 0 || uint64(len(rest)-n) < alen {
			return p, fmt.Errorf("%w: truncated addr", ErrMessageParse)
		}
		rest = rest[n:]
		p.Addrs = append(p.Addrs, string(rest[:alen]))
		rest = rest[alen:]
	}
	return p, nil
}

// Unmarshal decodes the TLV body Marshal produced.
func Unmarshal(data []byte) (*Message, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty message", ErrMessageParse)
	}
	m := &Message{Type: MessageType(data[0])}
	rest := data[1:]
	var rec Record
	haveRec := false

	for len(rest) > 0 {
		tag := rest[0]
		rest = rest[1:]
		length, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad field length", ErrMessageParse)
		}
		rest = rest[n:]
		if uint64(len(rest)) < length {
			return nil, fmt.Errorf("%w: truncated field", ErrMessageParse)
		}
		field := rest[:length]
		rest = rest[length:]

		switch tag {
		case tagKey:
			m.Key = append([]byte(nil), field...)
		case tagRecordKey:
			rec.Key = append([]byte(nil), field...)
			haveRec = true
		case tagRecordValue:
			rec.Value = append([]byte(nil), field...)
			haveRec = true
		case tagCloserPeer:
			p, err := decodePeerInfo(field)
			if err != nil {
				return nil, err
			}
			m.CloserPeers = append(m.CloserPeers, p)
		case tagProviderPeer:
			p, err := decodePeerInfo(field)
			if err != nil {
				return nil, err
			}
			m.ProviderPeers = append(m.ProviderPeers, p)
		default:
			return nil, fmt.Errorf("%w: unknown field tag %d", ErrMessageParse, tag)
		}
	}
	if haveRec {
		m.Record = &rec
	}
	return m, nil
}
