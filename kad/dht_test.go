package kad

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p-yamux-kad/kbucket"
)

func newTestDHT(self PeerId, opener *fakeOpener, opts func(*Options)) *DHT {
	table := kbucket.New(self, nil)
	o := Options{
		Self:          self,
		Table:         table,
		Opener:        opener,
		ProtocolID:    "/test/kad/1.0.0",
		QueryConfig:   DefaultQueryConfig(),
		MaxRecordAge:  time.Hour,
		SweepInterval: time.Hour,
	}
	o.QueryConfig.RandomWalkTimeout = 2 * time.Second
	o.QueryConfig.ResponseTimeout = time.Second
	if opts != nil {
		opts(&o)
	}
	return New(o)
}

func TestDHTBootstrapPopulatesTable(t *testing.T) {
	self := randPeerId(0x00)
	seed := randPeerId(0x10)
	opener := newFakeOpener()
	opener.register(seed, func(req *Message) *Message { return &Message{Type: req.Type} })

	d := newTestDHT(self, opener, nil)
	defer d.Close()

	if err := d.Bootstrap(context.Background(), []PeerId{seed}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if d.Table().Size() != 1 {
		t.Fatalf("Table().Size() = %d, want 1", d.Table().Size())
	}
}

func TestDHTGetValueHitsLocalStoreBeforeNetwork(t *testing.T) {
	self := randPeerId(0x00)
	opener := newFakeOpener() // no peers registered; a remote lookup would fail
	d := newTestDHT(self, opener, nil)
	defer d.Close()

	if err := d.values.Put("k", []byte("local-value")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := d.GetValue(context.Background(), []byte("k"))
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if string(got) != "local-value" {
		t.Fatalf("GetValue = %q, want %q", got, "local-value")
	}
}

func TestDHTGetValueFallsBackToNetwork(t *testing.T) {
	self := randPeerId(0x00)
	seed := randPeerId(0x10)
	key := []byte("remote-key")

	opener := newFakeOpener()
	opener.register(seed, func(req *Message) *Message {
		return &Message{Type: req.Type, Record: &Record{Key: key, Value: []byte("remote-value")}}
	})

	d := newTestDHT(self, opener, nil)
	defer d.Close()
	d.Table().AddPeer(seed, true)

	got, err := d.GetValue(context.Background(), key)
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if string(got) != "remote-value" {
		t.Fatalf("GetValue = %q, want %q", got, "remote-value")
	}
}

func TestDHTPutValueStoresLocallyAndBroadcasts(t *testing.T) {
	self := randPeerId(0x00)
	seed := randPeerId(0x10)

	received := make(chan *Message, 1)
	opener := newFakeOpener()
	opener.register(seed, fireAndForgetHandler(received))

	d := newTestDHT(self, opener, nil)
	defer d.Close()
	d.Table().AddPeer(seed, true)

	if err := d.PutValue(context.Background(), []byte("k"), []byte("v")); err != nil {
		t.Fatalf("PutValue: %v", err)
	}
	if v, ok := d.values.Get("k"); !ok || string(v) != "v" {
		t.Fatalf("local store = %q, %v, want %q, true", v, ok, "v")
	}
	select {
	case req := <-received:
		if req.Type != MessagePutValue {
			t.Fatalf("broadcast request type = %v, want PUT_VALUE", req.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PutValue broadcast")
	}
}

func TestDHTPutValueWithNoPeersStillStoresLocally(t *testing.T) {
	self := randPeerId(0x00)
	d := newTestDHT(self, newFakeOpener(), nil)
	defer d.Close()

	// An empty routing table means the broadcast leg can't reach anyone;
	// PutValue still surfaces that as an error even though the local
	// store write already succeeded.
	err := d.PutValue(context.Background(), []byte("k"), []byte("v"))
	if err != ErrNoPeers {
		t.Fatalf("PutValue = %v, want ErrNoPeers", err)
	}
	if v, ok := d.values.Get("k"); !ok || string(v) != "v" {
		t.Fatalf("local store = %q, %v, want %q, true", v, ok, "v")
	}
}

func TestDHTProvideAddsLocallyAndBroadcasts(t *testing.T) {
	self := randPeerId(0x00)
	seed := randPeerId(0x10)

	received := make(chan *Message, 1)
	opener := newFakeOpener()
	opener.register(seed, fireAndForgetHandler(received))

	d := newTestDHT(self, opener, nil)
	defer d.Close()
	d.Table().AddPeer(seed, true)

	if err := d.Provide(context.Background(), []byte("k")); err != nil {
		t.Fatalf("Provide: %v", err)
	}
	if got := d.provided.Providers("k"); len(got) != 1 || got[0] != self {
		t.Fatalf("local provider store = %+v, want [self]", got)
	}
	select {
	case req := <-received:
		if req.Type != MessageAddProvider {
			t.Fatalf("broadcast request type = %v, want ADD_PROVIDER", req.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Provide broadcast")
	}
}

func TestDHTFindProvidersMergesLocalAndRemoteWithoutDuplicates(t *testing.T) {
	self := randPeerId(0x00)
	seed := randPeerId(0x10)
	shared := randPeerId(0x30)
	remoteOnly := randPeerId(0x31)

	opener := newFakeOpener()
	opener.register(seed, func(req *Message) *Message {
		return &Message{
			Type: req.Type,
			ProviderPeers: []PeerRoutingInfo{
				{ID: shared},
				{ID: remoteOnly},
			},
		}
	})

	d := newTestDHT(self, opener, func(o *Options) { o.QueryConfig.Quorum = 1 })
	defer d.Close()
	d.Table().AddPeer(seed, true)
	d.provided.AddProvider("k", shared)

	got, err := d.FindProviders(context.Background(), []byte("k"))
	if err != nil {
		t.Fatalf("FindProviders: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("FindProviders returned %d entries, want 2 (deduped shared provider)", len(got))
	}
	seen := map[PeerId]bool{}
	for _, p := range got {
		seen[p.ID] = true
	}
	if !seen[shared] || !seen[remoteOnly] {
		t.Fatalf("FindProviders = %+v, want both %x and %x", got, shared, remoteOnly)
	}
}

func TestDHTFindProvidersReturnsLocalWhenNetworkFails(t *testing.T) {
	self := randPeerId(0x00)
	d := newTestDHT(self, newFakeOpener(), nil) // empty routing table: network leg fails with ErrNoPeers
	defer d.Close()
	local := randPeerId(0x40)
	d.provided.AddProvider("k", local)

	got, err := d.FindProviders(context.Background(), []byte("k"))
	if err != nil {
		t.Fatalf("FindProviders: %v", err)
	}
	if len(got) != 1 || got[0].ID != local {
		t.Fatalf("FindProviders = %+v, want [%x]", got, local)
	}
}

func TestDHTFindPeerDelegatesToRunner(t *testing.T) {
	self := randPeerId(0x00)
	seed := randPeerId(0x10)
	target := randPeerId(0x20)

	opener := newFakeOpener()
	opener.register(seed, func(req *Message) *Message {
		return &Message{Type: req.Type, CloserPeers: []PeerRoutingInfo{{ID: target}}}
	})
	opener.register(target, func(req *Message) *Message { return &Message{Type: req.Type} })

	d := newTestDHT(self, opener, nil)
	defer d.Close()
	d.Table().AddPeer(seed, true)

	got, err := d.FindPeer(context.Background(), target)
	if err != nil {
		t.Fatalf("FindPeer: %v", err)
	}
	if got.ID != target {
		t.Fatalf("FindPeer = %+v, want ID %x", got, target)
	}
}

func TestDHTCloseStopsSweepScheduler(t *testing.T) {
	self := randPeerId(0x00)
	d := newTestDHT(self, newFakeOpener(), func(o *Options) { o.SweepInterval = 5 * time.Millisecond })

	// Let at least one sweep tick fire before closing, to exercise the
	// self-rescheduling callback's Reschedule path.
	time.Sleep(20 * time.Millisecond)

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
