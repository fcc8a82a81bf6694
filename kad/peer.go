// Package kad implements the Kademlia DHT layer: peer identity and XOR
// distance, the iterative lookup executors (C8), the wire message codec,
// the per-request session (C9), and local record/provider storage.
//
// Grounded on cpp-libp2p's protocol/kademlia headers (original_source) for
// the operation shapes, and on the S/Kademlia reference
// (other_examples/awesome-golang-noise) for the α-concurrent lookup and
// bucket-eviction-on-timeout idioms.
package kad

import (
	"bytes"

	"github.com/libp2p/go-libp2p-yamux-kad/iface"
)

// PeerId identifies a node in the DHT's id space. It is the same 32-byte
// identity iface.PeerID already defines — kad depends on iface (for
// StreamOpener, Stream, EventBus), so PeerId is declared as an alias here
// rather than duplicating the type, which would force an awkward
// conversion at every collaborator boundary.
type PeerId = iface.PeerID

// Distance is the XOR distance between two PeerIds, kept big-endian so
// that ordering by distance is a plain bytes.Compare (§3 Data Model).
type Distance [32]byte

// XORDistance computes the bitwise XOR distance between a and b.
func XORDistance(a, b PeerId) Distance {
	var d Distance
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareDistance orders two distances the way bytes.Compare does:
// negative if x < y, zero if equal, positive if x > y.
func CompareDistance(x, y Distance) int {
	return bytes.Compare(x[:], y[:])
}

// CommonPrefixLen returns the number of leading bits a and b share.
func CommonPrefixLen(a, b PeerId) int {
	cpl := 0
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			cpl += 8
			continue
		}
		for x&0x80 == 0 {
			cpl++
			x <<= 1
		}
		return cpl
	}
	return cpl
}

// Less orders two PeerIds by distance to target, ascending — the ordering
// the candidate queue in the iterative executors (C8) and Table.NearestPeers
// both need.
func Less(target, a, b PeerId) bool {
	da := XORDistance(a, target)
	db := XORDistance(b, target)
	return CompareDistance(da, db) < 0
}

// PeerInfo pairs a PeerId with its last known reachability, mirroring
// iface.PeerInfo but scoped to what the DHT layer itself tracks (it never
// needs the Addrs field directly — that lives with the Host façade).
type PeerInfo struct {
	ID            PeerId
	Connectedness iface.Connectedness
	Unreachable   bool
}
