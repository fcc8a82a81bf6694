package kad

import (
	"bytes"
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/semaphore"

	"github.com/libp2p/go-libp2p-yamux-kad/iface"
)

var log = logging.Logger("kad")

// QueryConfig tunes the iterative executors (§4.8).
type QueryConfig struct {
	Alpha             int           // concurrent in-flight requests
	K                 int           // result-set size (bucket size)
	Quorum            int           // GetProviders default quorum
	RandomWalkTimeout time.Duration // overall lookup deadline
	ResponseTimeout   time.Duration // per-request deadline
}

// DefaultQueryConfig returns the configuration the teacher's grounding
// repos use by convention: α=3, k=20, quorum=3.
func DefaultQueryConfig() QueryConfig {
	return QueryConfig{
		Alpha:             3,
		K:                 20,
		Quorum:            3,
		RandomWalkTimeout: 60 * time.Second,
		ResponseTimeout:   10 * time.Second,
	}
}

// Errors surfaced by the iterative executors (§7).
var (
	ErrNoPeers      = errors.New("kad: no peers available for lookup")
	ErrValueNotFound = errors.New("kad: value not found")
)

// candidate is one pending-or-visited peer in a lookup, ordered by XOR
// distance to the target with a peer-id lexicographic tie-break (§4.8).
type candidate struct {
	id   PeerId
	dist Distance
	idx  int
}

type candidateHeap []*candidate

func (h candidateHeap) Len() int { return len(h) }
func (h candidateHeap) Less(i, j int) bool {
	c := CompareDistance(h[i].dist, h[j].dist)
	if c != 0 {
		return c < 0
	}
	return bytes.Compare(h[i].id[:], h[j].id[:]) < 0
}
func (h candidateHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}
func (h *candidateHeap) Push(x any) {
	c := x.(*candidate)
	c.idx = len(*h)
	*h = append(*h, c)
}
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.idx = -1
	*h = old[:n-1]
	return c
}

// Runner drives the Kademlia iterative executors against a RoutingTable
// and a StreamOpener (the "Host façade" collaborator, §4.8). One Runner
// serves every lookup kind (FindNode/GetProviders/PutValue/AddProvider)
// through a single generic template, matching §4.8's "a single template."
//
// Grounded on the S/Kademlia Protocol.FindNode (other_examples,
// awesome-golang-noise/skademlia): α-bounded concurrency via a semaphore,
// a visited-set dedup map, and XOR-distance-sorted candidates. The
// bounded-semaphore substitutes for that reference's goroutine-per-lookup
// fan-out, and golang.org/x/sync/semaphore is the idiomatic Go equivalent
// of the spec's `in_flight < α` spawn-loop guard.
type Runner struct {
	self       PeerId
	table      RoutingTable
	opener     iface.StreamOpener
	protocolID string
	config     QueryConfig
	validator  RecordValidator

	inflightMu sync.Mutex
	inflight   map[queryKey]*inflightQuery
}

type queryKey struct {
	op     MessageType
	target PeerId
}

// inflightQuery lets concurrent identical lookups coalesce onto one
// in-progress query (§9 Design Notes).
type inflightQuery struct {
	done chan struct{}
	acc  *accumulator
	err  error
}

// NewRunner constructs a Runner. protocolID is the Kademlia protocol
// string negotiated by iface.ProtocolNegotiator (out of scope here — see
// §1 Non-goals).
func NewRunner(self PeerId, table RoutingTable, opener iface.StreamOpener, protocolID string, config QueryConfig, validator RecordValidator) *Runner {
	if validator == nil {
		validator = AcceptAllValidator
	}
	return &Runner{
		self:       self,
		table:      table,
		opener:     opener,
		protocolID: protocolID,
		config:     config,
		validator:  validator,
		inflight:   make(map[queryKey]*inflightQuery),
	}
}

// completionFn decides, after each response, whether the lookup is done.
// closer carries every closer_peer discovered in this response.
type completionFn func(resp *Message, closer []PeerRoutingInfo, acc *accumulator) bool

// accumulator holds whatever partial result a lookup kind has gathered so
// far (the "completion-specific" state in §4.8's response handler).
type accumulator struct {
	mu        sync.Mutex
	providers map[PeerId]PeerRoutingInfo
	target    *PeerRoutingInfo
	record    *Record
}

// runQuery is the single generic α-bounded iterative-lookup template
// (§4.8). buildReq constructs the outbound message for each candidate;
// complete decides termination; the final accumulator is returned for the
// caller to interpret.
func (r *Runner) runQuery(ctx context.Context, op MessageType, target PeerId, buildReq func(PeerId) *Message, complete completionFn) (*accumulator, error) {
	key := queryKey{op: op, target: target}

	r.inflightMu.Lock()
	if existing, ok := r.inflight[key]; ok {
		r.inflightMu.Unlock()
		<-existing.done
		return existing.acc, existing.err
	}
	iq := &inflightQuery{done: make(chan struct{})}
	r.inflight[key] = iq
	r.inflightMu.Unlock()

	acc := &accumulator{providers: make(map[PeerId]PeerRoutingInfo)}
	err := r.runQueryLocked(ctx, op, target, buildReq, complete, acc)

	r.inflightMu.Lock()
	delete(r.inflight, key)
	r.inflightMu.Unlock()
	iq.acc = acc
	iq.err = err
	close(iq.done)

	return acc, err
}

// queryState is the shared, mutex-guarded state of one in-progress lookup
// (§4.8's seen/queue/in_flight/done, translated into a struct a goroutine
// per candidate can safely touch under mu).
type queryState struct {
	mu       sync.Mutex
	cond     *sync.Cond
	seen     map[PeerId]bool
	queue    candidateHeap
	inFlight int
	done     bool
}

func (r *Runner) runQueryLocked(ctx context.Context, op MessageType, target PeerId, buildReq func(PeerId) *Message, complete completionFn, acc *accumulator) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.RandomWalkTimeout)
	defer cancel()

	qs := &queryState{seen: make(map[PeerId]bool)}
	qs.cond = sync.NewCond(&qs.mu)
	heap.Init(&qs.queue)

	push := func(id PeerId) {
		if id == r.self || qs.seen[id] {
			return
		}
		qs.seen[id] = true
		heap.Push(&qs.queue, &candidate{id: id, dist: XORDistance(id, target)})
	}

	qs.mu.Lock()
	for _, p := range r.table.NearestPeers(target, r.config.Alpha*2) {
		push(p)
	}
	empty := qs.queue.Len() == 0
	qs.mu.Unlock()
	if empty {
		return ErrNoPeers
	}

	// Wake every blocked waiter once the context expires, so the spawn
	// loop below never blocks past the overall lookup deadline.
	go func() {
		<-ctx.Done()
		qs.mu.Lock()
		qs.done = true
		qs.mu.Unlock()
		qs.cond.Broadcast()
	}()

	sem := semaphore.NewWeighted(int64(r.config.Alpha))
	var wg sync.WaitGroup

	for {
		qs.mu.Lock()
		for !qs.done && qs.queue.Len() == 0 && qs.inFlight > 0 {
			qs.cond.Wait()
		}
		if qs.done || (qs.queue.Len() == 0 && qs.inFlight == 0) {
			qs.mu.Unlock()
			break
		}
		c := heap.Pop(&qs.queue).(*candidate)
		qs.inFlight++
		qs.mu.Unlock()

		if err := sem.Acquire(ctx, 1); err != nil {
			qs.mu.Lock()
			qs.inFlight--
			qs.mu.Unlock()
			qs.cond.Broadcast()
			break
		}

		wg.Add(1)
		go func(c *candidate) {
			defer wg.Done()
			defer sem.Release(1)
			r.visit(ctx, c.id, buildReq, complete, acc, push, qs)
		}(c)
	}

	wg.Wait()
	return nil
}

// visit opens a stream to id, sends the request, and feeds the response
// back into the shared lookup state (§4.8 "Response handler"). It always
// decrements in_flight and wakes the spawn loop exactly once, regardless
// of which path it returns through.
func (r *Runner) visit(ctx context.Context, id PeerId, buildReq func(PeerId) *Message, complete completionFn, acc *accumulator, push func(PeerId), qs *queryState) {
	defer func() {
		qs.mu.Lock()
		qs.inFlight--
		qs.mu.Unlock()
		qs.cond.Broadcast()
	}()

	reqCtx, cancel := context.WithTimeout(ctx, r.config.ResponseTimeout)
	defer cancel()

	s, err := r.opener.OpenStream(reqCtx, id, r.protocolID)
	if err != nil {
		log.Debugw("open stream failed, abandoning candidate", "peer", id, "err", err)
		return
	}

	resp, err := SendRequest(reqCtx, s, buildReq(id), r.config.ResponseTimeout)
	if err != nil {
		log.Debugw("request failed, abandoning candidate", "peer", id, "err", err)
		return
	}
	if resp == nil {
		// A fire-and-forget request type: no closer_peers to learn from, but
		// the completion callback still needs to observe the round so a
		// push-counting completionFn can count it. PutValue/AddProvider no
		// longer route through here (see broadcast), but runQuery is a
		// generic template and must stay correct for any op that does.
		qs.mu.Lock()
		defer qs.mu.Unlock()
		if !qs.done {
			complete(nil, nil, acc)
		}
		return
	}

	var closer []PeerRoutingInfo
	for _, p := range resp.CloserPeers {
		r.table.AddPeer(p.ID, false)
		closer = append(closer, p)
	}

	qs.mu.Lock()
	defer qs.mu.Unlock()
	if qs.done {
		return
	}
	for _, p := range closer {
		push(p.ID)
	}
	if complete(resp, closer, acc) {
		qs.done = true
	}
}

// FindNode looks up the peer owning target, terminating as soon as a
// closer_peer equal to target is observed (§4.8 FindNode completion).
func (r *Runner) FindNode(ctx context.Context, target PeerId) (PeerRoutingInfo, error) {
	acc, err := r.runQuery(ctx, MessageFindNode, target,
		func(PeerId) *Message { return &Message{Type: MessageFindNode, Key: target[:]} },
		func(resp *Message, closer []PeerRoutingInfo, acc *accumulator) bool {
			for _, p := range closer {
				if p.ID == target {
					acc.target = &p
					return true
				}
			}
			return false
		})
	if err != nil {
		return PeerRoutingInfo{}, err
	}
	if acc.target == nil {
		return PeerRoutingInfo{}, ErrNoPeers
	}
	return *acc.target, nil
}

// GetProviders looks up providers for key, completing once quorum distinct
// providers have been confirmed (§4.8 GetProviders completion, §8 S6).
func (r *Runner) GetProviders(ctx context.Context, key []byte) ([]PeerRoutingInfo, error) {
	var target PeerId
	copy(target[:], key)

	acc, err := r.runQuery(ctx, MessageGetProviders, target,
		func(PeerId) *Message { return &Message{Type: MessageGetProviders, Key: key} },
		func(resp *Message, closer []PeerRoutingInfo, acc *accumulator) bool {
			acc.mu.Lock()
			for _, p := range resp.ProviderPeers {
				acc.providers[p.ID] = p
			}
			n := len(acc.providers)
			acc.mu.Unlock()
			return n >= r.config.Quorum
		})
	if err != nil && err != context.DeadlineExceeded {
		return nil, err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	out := make([]PeerRoutingInfo, 0, len(acc.providers))
	for _, p := range acc.providers {
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, ErrValueNotFound
	}
	return out, nil
}

// GetValue looks up a value record for key, accepting the first response
// that passes the Runner's RecordValidator (§ Supplemental feature 5).
func (r *Runner) GetValue(ctx context.Context, key []byte) ([]byte, error) {
	var target PeerId
	copy(target[:], key)

	acc, err := r.runQuery(ctx, MessageGetValue, target,
		func(PeerId) *Message { return &Message{Type: MessageGetValue, Key: key} },
		func(resp *Message, closer []PeerRoutingInfo, acc *accumulator) bool {
			if resp.Record == nil {
				return false
			}
			if err := r.validator(string(resp.Record.Key), resp.Record.Value); err != nil {
				log.Debugw("rejected record from peer, failed validation", "err", err)
				return false
			}
			acc.mu.Lock()
			acc.record = resp.Record
			acc.mu.Unlock()
			return true
		})
	if err != nil {
		return nil, err
	}
	if acc.record == nil {
		return nil, ErrValueNotFound
	}
	return acc.record.Value, nil
}

// converge runs a FindNode-shaped lookup toward target purely to drive
// discovery: its completionFn never signals done, so the query keeps
// expanding — feeding every closer_peer into the routing table via
// visit's AddPeer call — until the candidate queue is exhausted or the
// overall deadline elapses. op only tags the inflight-coalescing key, so
// PutValue's and AddProvider's convergence phases don't share a slot with
// an unrelated FindNode(target) lookup or with each other.
//
// Grounded on original_source/src/protocol/kademlia/impl/put_value_executor.cpp,
// which runs closer-peer discovery as a distinct phase before broadcasting
// to a precomputed addressee list (§4.8 PutValue/AddProvider completion:
// "after closer-peer discovery converges on the k closest...").
func (r *Runner) converge(ctx context.Context, op MessageType, target PeerId) error {
	_, err := r.runQuery(ctx, op, target,
		func(PeerId) *Message { return &Message{Type: MessageFindNode, Key: target[:]} },
		func(resp *Message, closer []PeerRoutingInfo, acc *accumulator) bool {
			return false
		})
	return err
}

// broadcast sends buildReq's fire-and-forget message to the K routing-
// table peers closest to target (populated by a prior converge call) and
// counts how many accepted the push.
func (r *Runner) broadcast(ctx context.Context, target PeerId, buildReq func(PeerId) *Message) (int, error) {
	peers := r.table.NearestPeers(target, r.config.K)
	if len(peers) == 0 {
		return 0, ErrNoPeers
	}

	var count int32
	var wg sync.WaitGroup
	for _, id := range peers {
		wg.Add(1)
		go func(id PeerId) {
			defer wg.Done()
			reqCtx, cancel := context.WithTimeout(ctx, r.config.ResponseTimeout)
			defer cancel()
			s, err := r.opener.OpenStream(reqCtx, id, r.protocolID)
			if err != nil {
				log.Debugw("broadcast: open stream failed", "peer", id, "err", err)
				return
			}
			if _, err := SendRequest(reqCtx, s, buildReq(id), r.config.ResponseTimeout); err != nil {
				log.Debugw("broadcast: request failed", "peer", id, "err", err)
				return
			}
			atomic.AddInt32(&count, 1)
		}(id)
	}
	wg.Wait()
	return int(count), nil
}

// PutValue pushes a value record to the k closest peers to key's hash. It
// first converges on those k closest peers via a FindNode-style discovery
// phase, then broadcasts the store message to exactly that set (§4.8
// PutValue/AddProvider completion).
func (r *Runner) PutValue(ctx context.Context, key, value []byte) (int, error) {
	var target PeerId
	copy(target[:], key)

	if err := r.converge(ctx, MessagePutValue, target); err != nil && err != ErrNoPeers {
		return 0, err
	}

	rec := &Record{Key: key, Value: value}
	return r.broadcast(ctx, target, func(PeerId) *Message {
		return &Message{Type: MessagePutValue, Key: key, Record: rec}
	})
}

// AddProvider announces self as a provider of key, converging on the k
// closest peers to key's hash before broadcasting the announcement to
// them (§4.8 PutValue/AddProvider completion).
func (r *Runner) AddProvider(ctx context.Context, key []byte) (int, error) {
	var target PeerId
	copy(target[:], key)

	if err := r.converge(ctx, MessageAddProvider, target); err != nil && err != ErrNoPeers {
		return 0, err
	}

	return r.broadcast(ctx, target, func(PeerId) *Message {
		return &Message{Type: MessageAddProvider, Key: key, ProviderPeers: []PeerRoutingInfo{{ID: r.self}}}
	})
}

// Bootstrap runs a self-lookup against the given seed peers to populate
// the routing table on startup (§ Supplemental feature 3, grounded on the
// S/Kademlia reference's Bootstrap method).
func (r *Runner) Bootstrap(ctx context.Context, seeds []PeerId) error {
	for _, s := range seeds {
		r.table.AddPeer(s, true)
	}
	_, err := r.FindNode(ctx, r.self)
	if errors.Is(err, ErrNoPeers) {
		return nil
	}
	return err
}
