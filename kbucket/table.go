// Package kbucket implements the Kademlia routing table: peers are sorted
// into buckets by the length of the common XOR-distance prefix they share
// with the local id, each bucket kept in recency order so the
// least-recently-seen replaceable entry is the eviction candidate; entries
// not marked replaceable are never evicted (§4.7).
//
// Grounded on cpp-libp2p's RoutingTable interface (original_source
// include/libp2p/protocol/kademlia/routing_table.hpp) for the operation
// set, and on the teacher's container/heap-ordered queue discipline in
// spirit: here a container/list.List gives the same cheap front/back
// operations a bucket's recency order needs.
package kbucket

import (
	"container/list"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/libp2p/go-libp2p-yamux-kad/iface"
	"github.com/libp2p/go-libp2p-yamux-kad/kad"
)

var log = logging.Logger("kbucket")

// entry is one routing-table record: a peer id plus whether it may be
// evicted to make room for a newly-seen peer.
type entry struct {
	id            kad.PeerId
	isReplaceable bool
}

// bucket holds entries in recency order: Front() is most-recently-seen.
type bucket struct {
	entries *list.List // of *entry
}

func newBucket() *bucket {
	return &bucket{entries: list.New()}
}

func (b *bucket) find(id kad.PeerId) *list.Element {
	for e := b.entries.Front(); e != nil; e = e.Next() {
		if e.Value.(*entry).id == id {
			return e
		}
	}
	return nil
}

func (b *bucket) len() int { return b.entries.Len() }

const (
	// bucketSize is k, the maximum number of entries per bucket.
	bucketSize = 20
	// numBuckets covers every possible common-prefix length of a 256-bit id.
	numBuckets = 256
)

// Table is a Kademlia routing table for peers near localID (§4.7).
type Table struct {
	mu       sync.Mutex
	localID  kad.PeerId
	buckets  []*bucket
	bus      iface.EventBus
	capacity int
}

// New creates a Table for localID. bus may be nil, in which case
// PeerAdded/PeerRemoved events are simply not emitted.
func New(localID kad.PeerId, bus iface.EventBus) *Table {
	t := &Table{
		localID:  localID,
		buckets:  []*bucket{newBucket()},
		bus:      bus,
		capacity: bucketSize,
	}
	return t
}

func (t *Table) emit(topic string, id kad.PeerId) {
	if t.bus == nil {
		return
	}
	t.bus.Emit(topic, id)
}

// Topics emitted on the event bus (§4.7).
const (
	TopicPeerAdded   = "kbucket.PeerAdded"
	TopicPeerRemoved = "kbucket.PeerRemoved"
)

func (t *Table) bucketIndex(id kad.PeerId) int {
	cpl := kad.CommonPrefixLen(id, t.localID)
	last := len(t.buckets) - 1
	if cpl > last {
		return last
	}
	return cpl
}

// AddPeer inserts or refreshes id in the table (§4.7 insertion algorithm).
func (t *Table) AddPeer(id kad.PeerId, isPermanent bool) kad.AddResult {
	t.mu.Lock()
	result, addedOrMoved := t.addPeerLocked(id, isPermanent)
	t.mu.Unlock()

	if addedOrMoved && result == kad.Added {
		t.emit(TopicPeerAdded, id)
	}
	return result
}

func (t *Table) addPeerLocked(id kad.PeerId, isPermanent bool) (kad.AddResult, bool) {
	if id == t.localID {
		return kad.Rejected, false
	}
	idx := t.bucketIndex(id)
	b := t.buckets[idx]

	if el := b.find(id); el != nil {
		e := el.Value.(*entry)
		if isPermanent {
			e.isReplaceable = false
		}
		b.entries.MoveToFront(el)
		return kad.MovedToFront, false
	}

	if b.len() < t.capacity {
		b.entries.PushFront(&entry{id: id, isReplaceable: !isPermanent})
		return kad.Added, true
	}

	last := len(t.buckets) - 1
	if idx == last && last < numBuckets-1 {
		t.splitLastBucketLocked()
		return t.addPeerLocked(id, isPermanent)
	}

	// Attempt to evict the least-recently-seen replaceable entry (rear first).
	for el := b.entries.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.isReplaceable {
			b.entries.Remove(el)
			b.entries.PushFront(&entry{id: id, isReplaceable: !isPermanent})
			t.emit(TopicPeerRemoved, e.id)
			log.Debugw("evicted replaceable peer", "evicted", e.id, "inserted", id)
			return kad.Added, true
		}
	}
	log.Debugw("rejected peer, bucket full", "peer", id)
	return kad.Rejected, false
}

// splitLastBucketLocked splits the last bucket in two: entries whose
// common-prefix length with localID exceeds the current last index move
// into a freshly appended bucket (§4.7).
func (t *Table) splitLastBucketLocked() {
	lastIdx := len(t.buckets) - 1
	old := t.buckets[lastIdx]
	next := newBucket()
	t.buckets = append(t.buckets, next)

	var kept []*entry
	for el := old.entries.Front(); el != nil; el = el.Next() {
		kept = append(kept, el.Value.(*entry))
	}
	old.entries.Init()
	for _, e := range kept {
		cpl := kad.CommonPrefixLen(e.id, t.localID)
		if cpl > lastIdx {
			next.entries.PushBack(e)
		} else {
			old.entries.PushBack(e)
		}
	}
}

// Remove deletes id from the table, if present.
func (t *Table) Remove(id kad.PeerId) {
	t.mu.Lock()
	removed := false
	for _, b := range t.buckets {
		if el := b.find(id); el != nil {
			b.entries.Remove(el)
			removed = true
			break
		}
	}
	t.mu.Unlock()
	if removed {
		t.emit(TopicPeerRemoved, id)
	}
}

type peerDist struct {
	id   kad.PeerId
	dist kad.Distance
}

// NearestPeers returns up to count peer ids sorted ascending by XOR
// distance to target (§4.7 `nearest`).
func (t *Table) NearestPeers(target kad.PeerId, count int) []kad.PeerId {
	t.mu.Lock()
	defer t.mu.Unlock()

	cpl := kad.CommonPrefixLen(target, t.localID)
	last := len(t.buckets) - 1
	center := cpl
	if center > last {
		center = last
	}

	var candidates []peerDist
	visit := func(idx int) {
		if idx < 0 || idx > last {
			return
		}
		for el := t.buckets[idx].entries.Front(); el != nil; el = el.Next() {
			e := el.Value.(*entry)
			candidates = append(candidates, peerDist{id: e.id, dist: kad.XORDistance(e.id, target)})
		}
	}

	visit(center)
	if len(candidates) < count {
		visit(center - 1)
		visit(center + 1)
	}

	sortByDistance(candidates)
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	out := make([]kad.PeerId, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}

func sortByDistance(c []peerDist) {
	sort.Slice(c, func(i, j int) bool {
		return kad.CompareDistance(c[i].dist, c[j].dist) < 0
	})
}

// Size returns the total number of peers across all buckets.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.buckets {
		n += b.len()
	}
	return n
}

// AllPeers returns every peer id currently in the table, bucket order then
// front-to-back within each bucket.
func (t *Table) AllPeers() []kad.PeerId {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []kad.PeerId
	for _, b := range t.buckets {
		for el := b.entries.Front(); el != nil; el = el.Next() {
			out = append(out, el.Value.(*entry).id)
		}
	}
	return out
}
