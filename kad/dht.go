package kad

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p-yamux-kad/iface"
	"github.com/libp2p/go-libp2p-yamux-kad/scheduler"
)

// DHT composes the routing table, the iterative executors, and local
// storage into the single entry point applications use — mirroring
// cpp-libp2p's KadImpl (original_source
// p2p/protocol/kademlia/impl/kad_impl.hpp), which wires together a
// Network, a PeerRepository, a RoutingTable, a MessageReadWriter, and a
// QueryRunner behind one façade.
type DHT struct {
	runner   *Runner
	table    RoutingTable
	values   *LocalValueStore
	provided *ProviderStore
	sched    *scheduler.Scheduler
	sweep    *scheduler.Handle
}

// Options configures a new DHT. ProtocolID, Table, and Opener are
// required; the rest fall back to sensible defaults.
type Options struct {
	Self            PeerId
	Table           RoutingTable
	Opener          iface.StreamOpener
	ProtocolID      string
	QueryConfig     QueryConfig
	Validator       RecordValidator
	MaxRecordAge    time.Duration
	ProviderTTL     time.Duration
	ProviderCap     int
	SweepInterval   time.Duration
}

// New builds a DHT and starts its periodic record-sweep timer via C6.
func New(opts Options) *DHT {
	if opts.ProviderCap <= 0 {
		opts.ProviderCap = 4096
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Minute
	}
	values := NewLocalValueStore(opts.MaxRecordAge, opts.Validator)
	d := &DHT{
		runner:   NewRunner(opts.Self, opts.Table, opts.Opener, opts.ProtocolID, opts.QueryConfig, opts.Validator),
		table:    opts.Table,
		values:   values,
		provided: NewProviderStore(opts.ProviderCap, opts.ProviderTTL),
		sched:    scheduler.New(),
	}
	d.sweep = d.sched.ScheduleAfter(opts.SweepInterval, d.runSweep(opts.SweepInterval))
	return d
}

// runSweep returns a self-rescheduling callback that evicts expired local
// records every interval (§3 "ordered indexes for the sweep").
func (d *DHT) runSweep(interval time.Duration) func() {
	var cb func()
	cb = func() {
		removed := d.values.Sweep()
		if len(removed) > 0 {
			log.Debugw("swept expired records", "count", len(removed))
		}
		d.sweep.Reschedule(interval)
	}
	return cb
}

// Bootstrap seeds the routing table and runs a self-lookup.
func (d *DHT) Bootstrap(ctx context.Context, seeds []PeerId) error {
	return d.runner.Bootstrap(ctx, seeds)
}

// FindPeer resolves a PeerId to routing info via an iterative FindNode.
func (d *DHT) FindPeer(ctx context.Context, id PeerId) (PeerRoutingInfo, error) {
	return d.runner.FindNode(ctx, id)
}

// GetValue first checks the local store, then falls back to a DHT lookup.
func (d *DHT) GetValue(ctx context.Context, key []byte) ([]byte, error) {
	if v, ok := d.values.Get(string(key)); ok {
		return v, nil
	}
	return d.runner.GetValue(ctx, key)
}

// PutValue stores key/value locally and broadcasts it to the closest
// peers.
func (d *DHT) PutValue(ctx context.Context, key, value []byte) error {
	if err := d.values.Put(string(key), value); err != nil {
		return err
	}
	_, err := d.runner.PutValue(ctx, key, value)
	return err
}

// Provide announces this node as a provider of key, locally and to the
// network.
func (d *DHT) Provide(ctx context.Context, key []byte) error {
	d.provided.AddProvider(string(key), d.runner.self)
	_, err := d.runner.AddProvider(ctx, key)
	return err
}

// FindProviders returns known providers for key, from the local cache and
// the network.
func (d *DHT) FindProviders(ctx context.Context, key []byte) ([]PeerRoutingInfo, error) {
	local := d.provided.Providers(string(key))
	remote, err := d.runner.GetProviders(ctx, key)
	if err != nil && len(local) == 0 {
		return nil, err
	}
	seen := make(map[PeerId]bool, len(local)+len(remote))
	out := make([]PeerRoutingInfo, 0, len(local)+len(remote))
	for _, id := range local {
		if !seen[id] {
			seen[id] = true
			out = append(out, PeerRoutingInfo{ID: id})
		}
	}
	for _, p := range remote {
		if !seen[p.ID] {
			seen[p.ID] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// Table exposes the underlying routing table for diagnostics/tests.
func (d *DHT) Table() RoutingTable { return d.table }

// Close stops the sweep scheduler.
func (d *DHT) Close() error {
	d.sweep.Cancel()
	d.sched.Stop()
	return nil
}
