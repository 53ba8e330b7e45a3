// Package store wires the write-ahead log, the CRDT record store, the
// vector index, at-rest encryption, and the sync engine into the
// single persistent-store orchestrator (spec §4.8): the open sequence,
// the put/delete sequences, and the background compaction scheduler.
// Grounded on internal/services/storage_manager.go's "New.../Start/Stop
// with tickers and metrics" shape, replacing its half-wired SQL/schema
// pipeline with the CRDT/vector/sync stack this spec actually calls for.
package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cuemby/graphdb-core/internal/archive"
	"github.com/cuemby/graphdb-core/internal/clock"
	"github.com/cuemby/graphdb-core/internal/codec"
	"github.com/cuemby/graphdb-core/internal/common"
	"github.com/cuemby/graphdb-core/internal/config"
	"github.com/cuemby/graphdb-core/internal/crdtstore"
	"github.com/cuemby/graphdb-core/internal/encryption"
	"github.com/cuemby/graphdb-core/internal/metrics"
	"github.com/cuemby/graphdb-core/internal/storage/block"
	"github.com/cuemby/graphdb-core/internal/sync/engine"
	"github.com/cuemby/graphdb-core/internal/sync/transport"
	"github.com/cuemby/graphdb-core/internal/subscription"
	"github.com/cuemby/graphdb-core/internal/vectorindex"
	"github.com/cuemby/graphdb-core/internal/wal"
)

// CompactionThresholdTombstones triggers a checkpoint once this many
// live tombstones have accumulated (spec §4.3 "Compaction").
const CompactionThresholdTombstones = 10000

// CompactionThresholdSegments triggers a checkpoint once the WAL holds
// this many segments (the active segment included), independent of
// tombstone count.
const CompactionThresholdSegments = 8

// CompactionInterval is how often the background scheduler checks
// whether a compaction is due.
const CompactionInterval = time.Minute

// Store is the top-level handle a caller opens once per database
// directory (spec §4.8).
type Store struct {
	cfg    config.Config
	wal    *wal.Manager
	crdt   *crdtstore.Store
	vec    *vectorindex.Manager
	bus    *subscription.Bus
	enc    *encryption.Manager
	engine *engine.Engine
	arch   *archive.Archiver
	log    *log.Logger

	mu        sync.Mutex
	closed    bool
	stopTick  chan struct{}
	tickersWG sync.WaitGroup
}

// Open runs the spec §4.8 open sequence: unlock encryption if
// configured, validate the WAL, replay it into the CRDT store and
// vector index, then declare the store ready.
func Open(ctx context.Context, cfg config.Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("store: invalid config: %w", err)
	}

	logger := log.New(os.Stderr, "store: ", log.LstdFlags)

	var encManager *encryption.Manager
	var revocation crdtstore.RevocationChecker
	if cfg.Encryption.Enabled {
		encManager = encryption.NewManager(cfg.DataDir)
		if cfg.Encryption.Password == "" {
			return nil, fmt.Errorf("store: encryption enabled but no password supplied")
		}
		if err := unlockOrInit(encManager, cfg.Encryption.Password); err != nil {
			return nil, fmt.Errorf("store: unlock encryption: %w", err)
		}
		revocation = encManager
		logger.Printf("encryption unlocked for %s", cfg.DataDir)
	}

	walManager, err := wal.NewManager(wal.ManagerConfig{
		DataDir:         cfg.DataDir,
		SegmentMaxBytes: cfg.SegmentMaxBytes,
		Durability:      cfg.Durability,
		MaxOpenSegments: cfg.MaxOpenSegments,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open wal: %w", err)
	}

	report, err := walManager.Validate()
	if err != nil {
		walManager.Close()
		return nil, fmt.Errorf("store: validate wal: %w", err)
	}
	if report.CorruptedSegments > 0 {
		logger.Printf("wal validation found %d corrupted segment(s); quarantined", report.CorruptedSegments)
	}

	bus := subscription.New()
	crdt := crdtstore.New(cfg.ActorID, cfg.MaxPayloadBytes, bus, revocation)

	vecCfg := vectorindex.DefaultConfig(cfg.EmbeddingDim)
	vecCfg.M = cfg.VectorIndex.M
	vecCfg.EfConstruction = cfg.VectorIndex.EfConstruction
	vecCfg.EfSearch = cfg.VectorIndex.EfSearch
	if cfg.VectorIndex.Metric == "euclidean" {
		vecCfg.Metric = vectorindex.Euclidean
	}
	vec := vectorindex.NewManager(vecCfg)

	var arch *archive.Archiver
	if cfg.Archive.Enabled {
		arch, err = archive.New(block.Config{
			Type:    cfg.Archive.Type,
			BaseDir: cfg.Archive.BaseDir,
			Options: cfg.Archive.Options,
		})
		if err != nil {
			walManager.Close()
			return nil, fmt.Errorf("store: open archive backend: %w", err)
		}
	}

	s := &Store{
		cfg:      cfg,
		wal:      walManager,
		crdt:     crdt,
		vec:      vec,
		bus:      bus,
		enc:      encManager,
		arch:     arch,
		log:      logger,
		stopTick: make(chan struct{}),
	}

	if err := s.replay(ctx); err != nil {
		walManager.Close()
		return nil, fmt.Errorf("store: replay wal: %w", err)
	}

	if cfg.SyncTransport.Mode != config.TransportDisabled {
		if err := s.startSync(ctx); err != nil {
			logger.Printf("sync engine failed to start, continuing in local-only mode: %v", err)
		}
	}

	s.tickersWG.Add(1)
	go s.compactionLoop()

	logger.Printf("store opened")
	return s, nil
}

func unlockOrInit(m *encryption.Manager, password string) error {
	if err := m.Unlock(password); err == nil {
		return nil
	}
	return m.InitFromPassword(password, nil)
}

// replay feeds every WAL entry from sequence 1 into the CRDT store and
// the vector index, reconstructing in-memory state (spec §4.8 step 3).
func (s *Store) replay(ctx context.Context) error {
	return s.wal.Replay(ctx, 1, func(e wal.Entry) error {
		switch e.Op {
		case wal.OpPut:
			body, err := e.DecodePut()
			if err != nil {
				return err
			}
			payload, err := codec.DecodePayload(body.Payload)
			if err != nil {
				return err
			}
			if _, err := s.crdt.PutAs(body.ID, payload, e.Actor, e.Timestamp); err != nil {
				return err
			}
			if rec, ok := s.crdt.Get(body.ID); ok && len(rec.Embedding) > 0 {
				s.vec.Insert(body.ID, rec.Embedding)
			}
		case wal.OpDelete:
			body, err := e.DecodeDelete()
			if err != nil {
				return err
			}
			if _, err := s.crdt.DeleteAs(body.ID, e.Actor, e.Timestamp); err != nil {
				return err
			}
			s.vec.Remove(body.ID)
		case wal.OpCheckpoint, wal.OpCompact:
			// bookkeeping only entries; nothing to replay into state.
		}
		return nil
	})
}

// Put applies the write to the CRDT store (which notifies subscribers),
// then appends and fsyncs the WAL entry, then updates the vector index;
// the write is visible in memory before it is durable. The field clocks
// a replicated peer needs are computed
// by the CRDT apply itself, so the in-memory apply happens before the
// WAL append carries its clocks onto the wire (see DESIGN.md's Open
// Question note on put ordering).
func (s *Store) Put(ctx context.Context, id common.RecordID, payload codec.Payload, typeTag string, tags []string, embedding []float32) error {
	if s.isClosed() {
		return fmt.Errorf("store: closed")
	}

	actor := s.cfg.ActorID
	timestamp := common.Now()

	canonical, err := codec.Canonical(payload)
	if err != nil {
		return common.WrapError(common.ErrInvalidPayload, "store: payload must be JSON-encodable", err)
	}

	// The CRDT store is the only component that computes per-field
	// clocks, so the in-memory apply runs first and the WAL entry is
	// built from what it actually did (see DESIGN.md's Open Question
	// note on put ordering: a crash between these two steps loses this
	// write's durability but never its in-memory consistency).
	if _, err := s.crdt.PutAs(id, payload, actor, timestamp); err != nil {
		return fmt.Errorf("store: apply local write: %w", err)
	}
	s.crdt.SetMetadata(id, typeTag, tags, embedding)

	_, fieldMeta, _ := s.crdt.GetWithMetadata(id)
	fieldClocks := make(map[string]clock.Clock, len(payload))
	for name := range payload {
		if meta, ok := fieldMeta[name]; ok {
			fieldClocks[name] = meta.Clock
		}
	}

	entry, err := wal.NewPutEntry(actor, id, canonical, fieldClocks)
	if err != nil {
		return fmt.Errorf("store: build wal entry: %w", err)
	}
	entry.Timestamp = timestamp
	timer := metrics.NewTimer()
	if _, err := s.wal.Append(ctx, entry); err != nil {
		return fmt.Errorf("store: append wal: %w", err)
	}
	timer.ObserveDuration(metrics.WALAppendDuration)
	metrics.WALAppendsTotal.WithLabelValues("put").Inc()

	if len(embedding) > 0 {
		if err := s.vec.Insert(id, embedding); err != nil {
			s.log.Printf("vector index insert failed for %s: %v", id, err)
		}
		if s.vec.ShouldRebuild() {
			go s.rebuildVectorIndex()
		}
	}
	return nil
}

// Delete runs the spec §4.8 delete sequence: tombstone the record
// in-memory first (the only place the merged tombstone clock is
// computed), then durably log that same clock.
func (s *Store) Delete(ctx context.Context, id common.RecordID) error {
	if s.isClosed() {
		return fmt.Errorf("store: closed")
	}

	actor := s.cfg.ActorID
	timestamp := common.Now()

	tombstoneClock, err := s.crdt.DeleteAs(id, actor, timestamp)
	if err != nil {
		return fmt.Errorf("store: apply local delete: %w", err)
	}
	s.vec.Remove(id)

	entry, err := wal.NewDeleteEntry(actor, id, tombstoneClock)
	if err != nil {
		return fmt.Errorf("store: build wal entry: %w", err)
	}
	entry.Timestamp = timestamp
	timer := metrics.NewTimer()
	if _, err := s.wal.Append(ctx, entry); err != nil {
		return fmt.Errorf("store: append wal: %w", err)
	}
	timer.ObserveDuration(metrics.WALAppendDuration)
	metrics.WALAppendsTotal.WithLabelValues("delete").Inc()
	return nil
}

// Get returns the current merged view of a record.
func (s *Store) Get(id common.RecordID) (*crdtstore.Record, bool) {
	return s.crdt.Get(id)
}

// Search runs an approximate nearest-neighbor query over the vector
// index (spec §4.5).
func (s *Store) Search(query []float32, k int) ([]vectorindex.SearchResult, error) {
	return s.vec.Search(query, k, nil)
}

// Stats is the store's open-time diagnostic snapshot, used by the
// CLI's `status` subcommand and available to any other embedder.
type Stats struct {
	WAL        wal.Stats
	Tombstones int
	Sync       *engine.SyncStats // nil when sync is disabled
}

// Stats reports the current WAL, tombstone, and (if enabled) sync
// engine counters.
func (s *Store) Stats() Stats {
	out := Stats{WAL: s.wal.GetStats(), Tombstones: s.crdt.TombstoneCount()}
	if s.engine != nil {
		stats := s.engine.Stats()
		out.Sync = &stats
	}
	return out
}

// Peers lists the actor ids of every currently connected sync peer.
// Returns nil if sync is disabled.
func (s *Store) Peers() []common.ActorID {
	if s.engine == nil {
		return nil
	}
	return s.engine.Peers()
}

// Compact runs one compaction pass immediately, outside its regular
// interval, for the CLI's `compact` subcommand.
func (s *Store) Compact() {
	s.maybeCompact()
}

func (s *Store) rebuildVectorIndex() {
	timer := metrics.NewTimer()
	err := s.vec.Rebuild(func() []vectorindex.RecordEmbedding {
		records := s.crdt.List()
		out := make([]vectorindex.RecordEmbedding, 0, len(records))
		for _, r := range records {
			if len(r.Embedding) > 0 {
				out = append(out, vectorindex.RecordEmbedding{ID: r.ID, Embedding: r.Embedding})
			}
		}
		return out
	})
	timer.ObserveDuration(metrics.VectorIndexRebuildDuration)
	metrics.VectorIndexRebuildsTotal.Inc()
	if err != nil {
		s.log.Printf("vector index rebuild failed: %v", err)
	}
}

// startSync constructs the configured transport chain and launches the
// sync engine against this store's WAL and CRDT store.
func (s *Store) startSync(ctx context.Context) error {
	topic := encryption.Topic(s.cfg.DatabaseID)
	t, err := buildTransport(s.cfg, s.cfg.ActorID)
	if err != nil {
		return err
	}

	ecfg := engine.DefaultConfig(s.cfg.ActorID, topic)
	ecfg.Appender = &walAppender{wal: s.wal}
	eng := engine.New(ecfg, &walLogSource{wal: s.wal, actor: s.cfg.ActorID}, s.crdt)
	eng.OnPeer(func(actor common.ActorID) {
		s.log.Printf("peer connected: %s", actor)
		metrics.SyncPeersConnected.Set(float64(eng.Stats().ConnectedPeers))
	})

	if err := eng.Start(ctx, t); err != nil {
		return err
	}
	s.engine = eng
	return nil
}

func buildTransport(cfg config.Config, actor common.ActorID) (transport.Transport, error) {
	switch cfg.SyncTransport.Mode {
	case config.TransportDisabled, "":
		return &transport.Disabled{}, nil
	case config.TransportRelay:
		return transport.NewRelay(actor, cfg.SyncTransport.RelayURLs), nil
	case config.TransportDHT:
		return transport.NewDhtDirect(actor, "", nil), nil
	case config.TransportAuto:
		chain := []transport.Transport{transport.NewDhtDirect(actor, "", nil)}
		if len(cfg.SyncTransport.RelayURLs) > 0 {
			chain = append(chain, transport.NewRelay(actor, cfg.SyncTransport.RelayURLs))
		}
		return transport.NewAuto(chain), nil
	default:
		return nil, fmt.Errorf("store: unknown sync transport mode %q", cfg.SyncTransport.Mode)
	}
}

// compactionLoop periodically checks whether a checkpoint is due (spec
// §4.3 "Compaction"): either a tombstone-count threshold or a
// segment-count threshold (active segment included) has been crossed.
func (s *Store) compactionLoop() {
	defer s.tickersWG.Done()
	ticker := time.NewTicker(CompactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.maybeCompact()
		case <-s.stopTick:
			return
		}
	}
}

// maybeCompact checks the spec §4.3 compaction thresholds (tombstone
// count or segment count) and, if crossed, marks the current
// safe checkpoint boundary.
//
// Marking the boundary and deleting segments are two separate steps.
// The boundary is always recorded. wal.Manager.Checkpoint, which
// deletes the superseded segment files from local disk, only runs when
// an archive tier is configured: deleting a segment is only safe once
// a durable copy of it exists to recover from instead of local WAL
// replay, and internal/archive is what provides that copy. With no
// archive tier configured, segments accumulate on disk forever rather
// than risk deleting the only copy of an entry.
func (s *Store) maybeCompact() {
	stats := s.wal.GetStats()
	tombstones := s.crdt.TombstoneCount()
	metrics.TombstonesTotal.Set(float64(tombstones))
	metrics.WALSegmentsTotal.Set(float64(stats.SegmentCount))
	if s.engine != nil {
		syncStats := s.engine.Stats()
		metrics.SyncPeersConnected.Set(float64(syncStats.ConnectedPeers))
		metrics.SyncEntriesSentTotal.Set(float64(syncStats.EntriesSent))
		metrics.SyncEntriesReceivedTotal.Set(float64(syncStats.EntriesReceived))
	}
	if tombstones < CompactionThresholdTombstones && stats.SegmentCount < CompactionThresholdSegments {
		return
	}

	safe := stats.LastSeq
	if s.engine != nil && s.engine.Stats().ConnectedPeers > 0 {
		// a connected peer may still be behind; leave everything in
		// place rather than risk compacting out an entry it needs.
		s.log.Printf("compaction threshold crossed but peers are connected; deferring")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.arch != nil {
		archived, err := s.arch.ArchiveSealed(ctx, s.wal)
		if err != nil {
			s.log.Printf("archive sealed segments failed: %v", err)
			return
		}
		if len(archived) > 0 {
			s.log.Printf("archived %d sealed segment(s) to cold storage", len(archived))
		}
	}

	entry, err := wal.NewCheckpointEntry(s.cfg.ActorID, safe)
	if err != nil {
		s.log.Printf("build checkpoint entry failed: %v", err)
		return
	}
	if _, err := s.wal.Append(ctx, entry); err != nil {
		s.log.Printf("append checkpoint entry failed: %v", err)
		return
	}
	metrics.CompactionsTotal.Inc()
	s.log.Printf("compaction boundary marked: safe_up_to_seq=%d tombstones=%d segments=%d",
		safe, tombstones, stats.SegmentCount)

	// Segment deletion only happens once every sealed segment has a
	// durable copy in cold storage to recover from instead of local WAL
	// replay; with no archive tier configured, segments are kept forever
	// rather than risk deleting the only copy of an entry.
	if s.arch != nil {
		if err := s.wal.Checkpoint(ctx, safe); err != nil {
			s.log.Printf("checkpoint (segment deletion) failed: %v", err)
		}
	}
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the sync engine and background scheduler and closes the
// WAL cleanly.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopTick)
	s.tickersWG.Wait()

	if s.engine != nil {
		s.engine.Stop()
	}
	return s.wal.Close()
}

// walAppender adapts wal.Manager to engine.Appender, so the sync engine
// can persist an accepted remote entry to this node's own WAL under its
// original actor id and timestamp (spec §2's remote-write flow). The
// manager assigns its own local sequence number to the append; only
// Actor/Timestamp/Op/Body survive from the wire entry.
type walAppender struct {
	wal *wal.Manager
}

func (w *walAppender) AppendRemote(ctx context.Context, e wal.Entry) error {
	_, err := w.wal.Append(ctx, e)
	return err
}

// walLogSource adapts wal.Manager to engine.LogSource. Because
// walAppender re-appends accepted remote entries under their original
// actor id, EntriesSince also serves writes this node only ever
// received over sync, letting a peer replicate transitively through us.
type walLogSource struct {
	wal   *wal.Manager
	actor common.ActorID
}

func (w *walLogSource) EntriesSince(since engine.PeerClock) ([]wal.Entry, error) {
	reader, err := w.wal.ReadFrom(1)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var out []wal.Entry
	for {
		e, err := reader.Next()
		if err != nil {
			break
		}
		if e.Op != wal.OpPut && e.Op != wal.OpDelete {
			continue
		}
		if e.Seq > since[e.Actor] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (w *walLogSource) LocalClock() engine.PeerClock {
	stats := w.wal.GetStats()
	pc := make(engine.PeerClock)
	if stats.LastSeq > 0 {
		pc[w.actor] = stats.LastSeq
	}
	return pc
}
