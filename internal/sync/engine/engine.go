// Package engine implements the sync engine (spec §4.7): the per-peer
// protocol that exchanges vector-clock summaries and missing WAL
// entries with connected peers and feeds accepted entries into the
// CRDT store. The engine only adapts a Transport to the store; it
// contributes no conflict resolution of its own.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/graphdb-core/internal/common"
	"github.com/cuemby/graphdb-core/internal/crdtstore"
	"github.com/cuemby/graphdb-core/internal/sync/handshake"
	"github.com/cuemby/graphdb-core/internal/sync/transport"
	"github.com/cuemby/graphdb-core/internal/wal"
)

// LogSource is the WAL view the engine needs: what entries a peer at
// PeerClock `since` is missing, and our own current per-actor high
// water mark (spec §4.7 step 2).
type LogSource interface {
	EntriesSince(since PeerClock) ([]wal.Entry, error)
	LocalClock() PeerClock
}

// Applier is the CRDT store's remote-apply entry point (spec §4.2).
type Applier interface {
	ApplyRemote(entry crdtstore.PutOrDeleteEntry) error
}

// Appender persists an accepted remote WAL entry to local durable
// storage, completing spec §2's remote-write flow ("transport -> sync
// engine -> CRDT store merge -> WAL append -> subscription bus"). Without
// this step a restart replays only locally-originated writes, so any
// data a node holds solely because a peer sent it is lost the moment
// that peer is gone (invariant P3, replay determinism).
type Appender interface {
	AppendRemote(ctx context.Context, e wal.Entry) error
}

// Config holds the engine's tunables (spec §4.7 defaults; batching and
// back-pressure parameters are "referenced but not fixed" per the
// spec's Open Questions, so these are design-reasonable choices).
type Config struct {
	Topic              [32]byte
	Actor              common.ActorID
	MaxBatchBytes       int
	MaxInFlightBatches int
	IdleTimeout        time.Duration
	BatchInterval      time.Duration
	ShutdownGrace      time.Duration
	DeviceAuth         *handshake.DeviceAuthenticator // optional
	Appender           Appender                       // optional; nil means accepted remote entries are not persisted locally
}

func DefaultConfig(actor common.ActorID, topic [32]byte) Config {
	return Config{
		Topic:              topic,
		Actor:              actor,
		MaxBatchBytes:      1 << 20,
		MaxInFlightBatches: 4,
		IdleTimeout:        2 * time.Minute,
		BatchInterval:      200 * time.Millisecond,
		ShutdownGrace:      5 * time.Second,
	}
}

// SyncStats is the engine's diagnostic snapshot (spec §4.7 "stats").
type SyncStats struct {
	ConnectedPeers   int
	EntriesSent      uint64
	EntriesReceived  uint64
	BatchesSent      uint64
	BatchesReceived  uint64
	ActiveTransport  string
}

// PeerCallback is invoked whenever a peer connection is established
// (spec §4.7 "on_peer").
type PeerCallback func(actor common.ActorID)

// Engine ties a Transport to a LogSource/Applier pair.
type Engine struct {
	cfg   Config
	log   LogSource
	store Applier

	mu      sync.Mutex
	peers   map[common.ActorID]context.CancelFunc
	onPeer  PeerCallback
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	auto    *transport.Auto

	entriesSent     atomic.Uint64
	entriesReceived atomic.Uint64
	batchesSent     atomic.Uint64
	batchesReceived atomic.Uint64
}

// New creates an Engine. log and store are the orchestrator's WAL and
// CRDT store, respectively.
func New(cfg Config, log LogSource, store Applier) *Engine {
	return &Engine{cfg: cfg, log: log, store: store, peers: make(map[common.ActorID]context.CancelFunc)}
}

// OnPeer registers a callback invoked for each new peer connection.
func (e *Engine) OnPeer(cb PeerCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPeer = cb
}

// Start announces on t and begins accepting/connecting peers under
// topic (spec §4.7 "Announcement").
func (e *Engine) Start(ctx context.Context, t transport.Transport) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	if auto, ok := t.(*transport.Auto); ok {
		e.auto = auto
	}
	e.mu.Unlock()

	if err := t.Announce(runCtx, e.cfg.Topic); err != nil {
		cancel()
		return err
	}
	conns, err := t.Listen(runCtx, e.cfg.Topic)
	if err != nil {
		cancel()
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case conn, ok := <-conns:
				if !ok {
					return
				}
				e.spawnPeer(runCtx, conn)
			case <-runCtx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop signals all per-peer tasks and waits up to ShutdownGrace for
// them to flush and close (spec §4.7 "Cancellation").
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownGrace):
	}
	return nil
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() SyncStats {
	e.mu.Lock()
	peers := len(e.peers)
	active := ""
	if e.auto != nil {
		active = e.auto.ActiveName()
	}
	e.mu.Unlock()

	return SyncStats{
		ConnectedPeers:  peers,
		EntriesSent:     e.entriesSent.Load(),
		EntriesReceived: e.entriesReceived.Load(),
		BatchesSent:     e.batchesSent.Load(),
		BatchesReceived: e.batchesReceived.Load(),
		ActiveTransport: active,
	}
}

// Peers returns the actor ids of every currently connected peer, for
// CLI/diagnostic use (the spec's "peer list" surface).
func (e *Engine) Peers() []common.ActorID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]common.ActorID, 0, len(e.peers))
	for actor := range e.peers {
		out = append(out, actor)
	}
	return out
}

func (e *Engine) spawnPeer(ctx context.Context, conn transport.Connection) {
	peerCtx, cancel := context.WithCancel(ctx)
	p := &peerTask{engine: e, conn: conn, ctx: peerCtx}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer conn.Close()
		p.run()
	}()

	e.mu.Lock()
	e.peers[conn.RemoteActor()] = cancel
	cb := e.onPeer
	e.mu.Unlock()
	if cb != nil {
		cb(conn.RemoteActor())
	}
}

func (e *Engine) untrackPeer(actor common.ActorID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.peers, actor)
}
