package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/graphdb-core/internal/clock"
	"github.com/cuemby/graphdb-core/internal/common"
	"github.com/cuemby/graphdb-core/internal/crdtstore"
	"github.com/cuemby/graphdb-core/internal/sync/transport"
	"github.com/cuemby/graphdb-core/internal/wal"
)

// pipeConn is an in-memory Connection backed by unbuffered channels,
// letting tests wire two peerTasks together without real sockets.
type pipeConn struct {
	remote common.ActorID
	out    chan []byte
	in     chan []byte
	once   sync.Once
	closed chan struct{}
}

func newPipePair(a, b common.ActorID) (*pipeConn, *pipeConn) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	return &pipeConn{remote: b, out: ab, in: ba, closed: make(chan struct{})},
		&pipeConn{remote: a, out: ba, in: ab, closed: make(chan struct{})}
}

func (c *pipeConn) Send(ctx context.Context, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case c.out <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return context.Canceled
	}
}

func (c *pipeConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, context.Canceled
	}
}

func (c *pipeConn) RemoteActor() common.ActorID { return c.remote }

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeTransport hands out exactly the connections it is given.
type fakeTransport struct {
	conns chan transport.Connection
}

func newFakeTransport(conns ...transport.Connection) *fakeTransport {
	ch := make(chan transport.Connection, len(conns))
	for _, c := range conns {
		ch <- c
	}
	return &fakeTransport{conns: ch}
}

func (f *fakeTransport) Announce(ctx context.Context, topic [32]byte) error { return nil }
func (f *fakeTransport) Listen(ctx context.Context, topic [32]byte) (<-chan transport.Connection, error) {
	return f.conns, nil
}
func (f *fakeTransport) Name() string { return "fake" }
func (f *fakeTransport) Close() error { return nil }

// fakeLog is an in-memory LogSource over a fixed slice of entries.
type fakeLog struct {
	mu      sync.Mutex
	actor   common.ActorID
	entries []wal.Entry
}

func (f *fakeLog) EntriesSince(since PeerClock) ([]wal.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wal.Entry
	for _, e := range f.entries {
		if e.Seq > since[e.Actor] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLog) LocalClock() PeerClock {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := make(PeerClock)
	for _, e := range f.entries {
		if e.Seq > pc[e.Actor] {
			pc[e.Actor] = e.Seq
		}
	}
	return pc
}

func (f *fakeLog) append(e wal.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
}

// fakeApplier records every entry it is asked to apply.
type fakeApplier struct {
	mu      sync.Mutex
	applied []crdtstore.PutOrDeleteEntry
}

func (f *fakeApplier) ApplyRemote(entry crdtstore.PutOrDeleteEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, entry)
	return nil
}

func (f *fakeApplier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func putEntry(t *testing.T, seq common.Sequence, actor common.ActorID, id common.RecordID) wal.Entry {
	t.Helper()
	body, err := json.Marshal(wal.PutBody{
		ID:          id,
		Payload:     json.RawMessage(`{"x":1}`),
		FieldClocks: map[string]clock.Clock{"x": clock.New().Increment(actor)},
	})
	require.NoError(t, err)
	return wal.Entry{Seq: seq, Timestamp: common.Now(), Actor: actor, Op: wal.OpPut, Body: body}
}

func testConfig(actor common.ActorID) Config {
	cfg := DefaultConfig(actor, [32]byte{1, 2, 3})
	cfg.BatchInterval = 5 * time.Millisecond
	cfg.IdleTimeout = 300 * time.Millisecond
	cfg.MaxInFlightBatches = 2
	return cfg
}

func TestEngine_ReplicatesMissingEntriesToPeer(t *testing.T) {
	connA, connB := newPipePair("actor-a", "actor-b")

	logA := &fakeLog{actor: "actor-a"}
	logA.append(putEntry(t, 1, "actor-a", "rec-1"))
	logA.append(putEntry(t, 2, "actor-a", "rec-2"))
	logB := &fakeLog{actor: "actor-b"}

	applierA := &fakeApplier{}
	applierB := &fakeApplier{}

	engineA := New(testConfig("actor-a"), logA, applierA)
	engineB := New(testConfig("actor-b"), logB, applierB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, engineA.Start(ctx, newFakeTransport(connA)))
	require.NoError(t, engineB.Start(ctx, newFakeTransport(connB)))

	require.Eventually(t, func() bool {
		return applierB.count() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, applierA.count())
}

func TestEngine_StopReturnsWithinShutdownGrace(t *testing.T) {
	connA, connB := newPipePair("actor-a", "actor-b")

	engineA := New(testConfig("actor-a"), &fakeLog{}, &fakeApplier{})
	engineB := New(testConfig("actor-b"), &fakeLog{}, &fakeApplier{})
	engineA.cfg.ShutdownGrace = 200 * time.Millisecond

	ctx := context.Background()
	require.NoError(t, engineA.Start(ctx, newFakeTransport(connA)))
	require.NoError(t, engineB.Start(ctx, newFakeTransport(connB)))

	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		engineA.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return within shutdown grace")
	}
}

func TestEngine_OnPeerCallbackFires(t *testing.T) {
	connA, connB := newPipePair("actor-a", "actor-b")

	engineA := New(testConfig("actor-a"), &fakeLog{}, &fakeApplier{})
	engineB := New(testConfig("actor-b"), &fakeLog{}, &fakeApplier{})

	var seen common.ActorID
	var mu sync.Mutex
	engineA.OnPeer(func(actor common.ActorID) {
		mu.Lock()
		defer mu.Unlock()
		seen = actor
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, engineA.Start(ctx, newFakeTransport(connA)))
	require.NoError(t, engineB.Start(ctx, newFakeTransport(connB)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == "actor-b"
	}, time.Second, 10*time.Millisecond)
}

func TestEngine_StatsReportsConnectedPeers(t *testing.T) {
	connA, connB := newPipePair("actor-a", "actor-b")

	engineA := New(testConfig("actor-a"), &fakeLog{}, &fakeApplier{})
	engineB := New(testConfig("actor-b"), &fakeLog{}, &fakeApplier{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, engineA.Start(ctx, newFakeTransport(connA)))
	require.NoError(t, engineB.Start(ctx, newFakeTransport(connB)))

	require.Eventually(t, func() bool {
		return engineA.Stats().ConnectedPeers == 1
	}, time.Second, 10*time.Millisecond)
}

// fakeAppender records every entry it is asked to persist.
type fakeAppender struct {
	mu      sync.Mutex
	entries []wal.Entry
}

func (f *fakeAppender) AppendRemote(ctx context.Context, e wal.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAppender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func TestEngine_AppliedBatchesArePersistedViaAppender(t *testing.T) {
	connA, connB := newPipePair("actor-a", "actor-b")

	logA := &fakeLog{actor: "actor-a"}
	logA.append(putEntry(t, 1, "actor-a", "rec-1"))
	logA.append(putEntry(t, 2, "actor-a", "rec-2"))
	logB := &fakeLog{actor: "actor-b"}

	appenderB := &fakeAppender{}
	cfgB := testConfig("actor-b")
	cfgB.Appender = appenderB

	engineA := New(testConfig("actor-a"), logA, &fakeApplier{})
	engineB := New(cfgB, logB, &fakeApplier{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, engineA.Start(ctx, newFakeTransport(connA)))
	require.NoError(t, engineB.Start(ctx, newFakeTransport(connB)))

	require.Eventually(t, func() bool {
		return appenderB.count() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_PeersListsConnectedActor(t *testing.T) {
	connA, connB := newPipePair("actor-a", "actor-b")

	engineA := New(testConfig("actor-a"), &fakeLog{}, &fakeApplier{})
	engineB := New(testConfig("actor-b"), &fakeLog{}, &fakeApplier{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, engineA.Start(ctx, newFakeTransport(connA)))
	require.NoError(t, engineB.Start(ctx, newFakeTransport(connB)))

	require.Eventually(t, func() bool {
		return len(engineA.Peers()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []common.ActorID{"actor-b"}, engineA.Peers())
}
