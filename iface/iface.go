// Package iface declares the collaborator contracts that sit outside the
// muxer/DHT core: transports, security handshakes, protocol negotiation,
// identity, and the event bus. None of these are implemented here — the
// core only depends on these shapes so it can be wired into a real libp2p
// host without importing one.
package iface

import (
	"context"
	"io"
	"net"
	"time"
)

// PeerID is an opaque, comparable identifier for a remote peer. The core
// treats it as a 32-byte hash; how it's derived (from a public key, via
// multihash) is outside this package's concern.
type PeerID [32]byte

// String renders the peer ID as hex for logging.
func (p PeerID) String() string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 2*len(p))
	for i, b := range p {
		buf[2*i] = hexDigits[b>>4]
		buf[2*i+1] = hexDigits[b&0xf]
	}
	return string(buf)
}

// Connectedness mirrors the Kademlia RPC's connectedness enum (§6).
type Connectedness int

const (
	NotConnected Connectedness = iota
	Connected
	CanConnect
	CannotConnect
)

// PeerInfo is a peer id plus the multiaddresses it's reachable at.
// Multiaddress parsing itself is out of scope (§1); addresses are carried
// as opaque strings.
type PeerInfo struct {
	ID            PeerID
	Addrs         []string
	Connectedness Connectedness
}

// Stream is the minimal surface the DHT core needs from a multiplexed
// stream: read, write, and the two half-close directions plus a hard reset.
// yamux.Stream satisfies this without kad importing yamux directly.
type Stream interface {
	io.Reader
	io.Writer
	// CloseWrite half-closes the local write side (sends FIN).
	CloseWrite() error
	// Reset aborts the stream immediately (sends RST).
	Reset() error
	Close() error
	SetDeadline(t time.Time) error
}

// Transport dials and listens for raw, unauthenticated byte pipes. Concrete
// implementations (TCP, QUIC, WebSocket) live outside the core (§1).
type Transport interface {
	Dial(ctx context.Context, p PeerID, addr string) (net.Conn, error)
	Listen(addr string) (net.Listener, error)
}

// SecurityTransport upgrades a raw pipe into an authenticated one,
// yielding the verified remote peer identity. Noise/TLS/SECIO/Plaintext
// adaptors live outside the core (§1).
type SecurityTransport interface {
	SecureInbound(ctx context.Context, conn net.Conn) (net.Conn, PeerID, error)
	SecureOutbound(ctx context.Context, conn net.Conn, expected PeerID) (net.Conn, error)
}

// ProtocolNegotiator implements multiselect: picking a shared protocol id
// for a connection or stream. Outside the core (§1).
type ProtocolNegotiator interface {
	Negotiate(conn net.Conn, supported []string) (string, error)
	NegotiateStream(s Stream, protocol string) (Stream, error)
}

// IdentityManager exposes the local node's identity.
type IdentityManager interface {
	LocalPeerID() PeerID
}

// EventBus is a minimal topic-typed pub/sub used to announce
// PeerAdded/PeerRemoved/NewConnection/PeerDisconnected (§6).
type EventBus interface {
	Emit(topic string, payload any)
	Subscribe(topic string) (ch <-chan any, cancel func())
}

// StreamOpener is the "Host façade" contract that the Kademlia executors
// (C8) use to open a new stream to a peer on a given protocol id, without
// the DHT core needing to know how that peer was dialed, secured, or
// negotiated.
type StreamOpener interface {
	OpenStream(ctx context.Context, p PeerID, protocolID string) (Stream, error)
}
