package kbucket

import (
	"testing"

	"github.com/libp2p/go-libp2p-yamux-kad/iface"
	"github.com/libp2p/go-libp2p-yamux-kad/kad"
)

type fakeBus struct {
	events []struct {
		topic   string
		payload any
	}
}

func (b *fakeBus) Emit(topic string, payload any) {
	b.events = append(b.events, struct {
		topic   string
		payload any
	}{topic, payload})
}

func (b *fakeBus) Subscribe(topic string) (<-chan any, func()) {
	ch := make(chan any)
	return ch, func() {}
}

var _ iface.EventBus = (*fakeBus)(nil)

func peerWithPrefix(prefix byte, tail byte) kad.PeerId {
	var id kad.PeerId
	id[0] = prefix
	id[31] = tail
	return id
}

func TestAddPeerThenMoveToFront(t *testing.T) {
	bus := &fakeBus{}
	local := peerWithPrefix(0x00, 0)
	tbl := New(local, bus)

	p := peerWithPrefix(0x01, 1)
	if r := tbl.AddPeer(p, false); r != kad.Added {
		t.Fatalf("first AddPeer = %v, want Added", r)
	}
	if r := tbl.AddPeer(p, false); r != kad.MovedToFront {
		t.Fatalf("second AddPeer = %v, want MovedToFront", r)
	}
	if tbl.Size() != 1 {
		t.Fatalf("Size = %d, want 1", tbl.Size())
	}

	var added int
	for _, e := range bus.events {
		if e.topic == TopicPeerAdded {
			added++
		}
	}
	if added != 1 {
		t.Fatalf("PeerAdded emitted %d times, want 1 (move-to-front shouldn't re-emit)", added)
	}
}

func TestAddPeerRejectsSelf(t *testing.T) {
	local := peerWithPrefix(0x00, 0)
	tbl := New(local, nil)
	if r := tbl.AddPeer(local, false); r != kad.Rejected {
		t.Fatalf("AddPeer(self) = %v, want Rejected", r)
	}
}

func TestBucketFillsThenSplits(t *testing.T) {
	local := peerWithPrefix(0x00, 0)
	tbl := New(local, nil)

	// All of these share the same top bit (0) as local but differ in the
	// second bit, landing in the same initial bucket until it's forced to
	// split past capacity.
	for i := 0; i < bucketSize; i++ {
		p := peerWithPrefix(0x40, byte(i+1))
		if r := tbl.AddPeer(p, false); r != kad.Added {
			t.Fatalf("AddPeer #%d = %v, want Added", i, r)
		}
	}
	if tbl.Size() != bucketSize {
		t.Fatalf("Size = %d, want %d", tbl.Size(), bucketSize)
	}

	// One more with a closer prefix forces the bucket nearest to local to
	// split; the table must still accept it.
	extra := peerWithPrefix(0x20, 0xAA)
	if r := tbl.AddPeer(extra, false); r != kad.Added {
		t.Fatalf("AddPeer(extra) = %v, want Added", r)
	}
	if tbl.Size() != bucketSize+1 {
		t.Fatalf("Size after split insert = %d, want %d", tbl.Size(), bucketSize+1)
	}
}

func TestEvictionPrefersReplaceableRearEntries(t *testing.T) {
	local := peerWithPrefix(0x00, 0)
	tbl := New(local, nil)

	// Fill one bucket (sharing a prefix that won't trigger a split, since
	// this isn't the table's last bucket) entirely with permanent entries
	// except the oldest one, which should be evicted first.
	// Force the table past its first split, so the bucket the 0x80-prefixed
	// peers below land in is no longer the table's last bucket: only the
	// last bucket ever splits, so the far bucket will have to evict instead.
	for i := 0; i < bucketSize+1; i++ {
		tbl.AddPeer(peerWithPrefix(0x40, byte(i+1)), true)
	}
	sizeBeforeFarBucket := tbl.Size()

	var oldest kad.PeerId
	for i := 0; i < bucketSize; i++ {
		p := peerWithPrefix(0x80, byte(i+1))
		permanent := i != 0
		if i == 0 {
			oldest = p
		}
		tbl.AddPeer(p, permanent)
	}

	newcomer := peerWithPrefix(0x80, 0xF0)
	if r := tbl.AddPeer(newcomer, false); r != kad.Added {
		t.Fatalf("AddPeer(newcomer) = %v, want Added", r)
	}
	if got, want := tbl.Size()-sizeBeforeFarBucket, bucketSize; got != want {
		t.Fatalf("far bucket size = %d, want %d (eviction should keep it constant)", got, want)
	}

	found := false
	for _, id := range tbl.AllPeers() {
		if id == oldest {
			found = true
		}
	}
	if found {
		t.Fatal("oldest replaceable entry should have been evicted")
	}
}

func TestRemove(t *testing.T) {
	bus := &fakeBus{}
	local := peerWithPrefix(0x00, 0)
	tbl := New(local, bus)
	p := peerWithPrefix(0x01, 1)
	tbl.AddPeer(p, false)
	tbl.Remove(p)
	if tbl.Size() != 0 {
		t.Fatalf("Size after Remove = %d, want 0", tbl.Size())
	}

	var removed int
	for _, e := range bus.events {
		if e.topic == TopicPeerRemoved {
			removed++
		}
	}
	if removed != 1 {
		t.Fatalf("PeerRemoved emitted %d times, want 1", removed)
	}
}

func TestNearestPeersSortedByDistance(t *testing.T) {
	local := peerWithPrefix(0x00, 0)
	tbl := New(local, nil)

	ids := []kad.PeerId{
		peerWithPrefix(0x01, 1),
		peerWithPrefix(0x01, 2),
		peerWithPrefix(0x01, 3),
	}
	for _, id := range ids {
		tbl.AddPeer(id, false)
	}

	target := peerWithPrefix(0x01, 2)
	nearest := tbl.NearestPeers(target, 3)
	if len(nearest) != 3 {
		t.Fatalf("NearestPeers returned %d, want 3", len(nearest))
	}
	if nearest[0] != target {
		t.Fatalf("closest peer = %v, want the target itself %v", nearest[0], target)
	}
	for i := 1; i < len(nearest); i++ {
		d1 := kad.XORDistance(nearest[i-1], target)
		d2 := kad.XORDistance(nearest[i], target)
		if kad.CompareDistance(d1, d2) > 0 {
			t.Fatalf("NearestPeers not sorted ascending at index %d", i)
		}
	}
}

func TestNearestPeersRespectsCount(t *testing.T) {
	local := peerWithPrefix(0x00, 0)
	tbl := New(local, nil)
	for i := 0; i < 10; i++ {
		tbl.AddPeer(peerWithPrefix(0x20, byte(i+1)), false)
	}
	nearest := tbl.NearestPeers(peerWithPrefix(0x20, 1), 3)
	if len(nearest) != 3 {
		t.Fatalf("NearestPeers returned %d, want 3", len(nearest))
	}
}
