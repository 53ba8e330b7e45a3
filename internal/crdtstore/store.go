// Package crdtstore implements the per-field CRDT record store (spec
// §4.2): local puts, remote merge application, tombstoned deletes, and
// a snapshot-consistent list iterator, backed by a concurrent map with
// per-key write serialization (spec §5).
package crdtstore

import (
	"sync"

	"github.com/cuemby/graphdb-core/internal/clock"
	"github.com/cuemby/graphdb-core/internal/codec"
	"github.com/cuemby/graphdb-core/internal/common"
	"github.com/cuemby/graphdb-core/internal/subscription"
)

// RevocationChecker reports whether an actor's writes should be
// silently discarded (spec §4.2 "apply_remote ... actor id is in the
// revocation list").
type RevocationChecker interface {
	IsRevoked(actor common.ActorID) bool
}

// Store is the concurrent CRDT record map: reads never block on each
// other or on writers to other keys; writes to the same id serialize
// through that record's own mutex (spec §5).
type Store struct {
	actor           common.ActorID
	maxPayloadBytes int64
	revocation      RevocationChecker

	mu      sync.RWMutex
	records map[common.RecordID]*record

	bus *subscription.Bus
}

// New creates an empty Store. revocation may be nil (no revocation
// enforcement, e.g. encryption disabled).
func New(actor common.ActorID, maxPayloadBytes int64, bus *subscription.Bus, revocation RevocationChecker) *Store {
	return &Store{
		actor:           actor,
		maxPayloadBytes: maxPayloadBytes,
		revocation:      revocation,
		records:         make(map[common.RecordID]*record),
		bus:             bus,
	}
}

func (s *Store) getOrCreate(id common.RecordID) *record {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if ok {
		return rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		return rec
	}
	rec = newRecord()
	s.records[id] = rec
	return rec
}

func (s *Store) getExisting(id common.RecordID) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Put applies a local write: for each field in payload, the local
// actor's clock counter for that field is incremented and the field
// replaced (partial update — fields absent from payload are
// untouched). Returns the record's new merged clock.
func (s *Store) Put(id common.RecordID, payload codec.Payload) (clock.Clock, error) {
	return s.PutAs(id, payload, s.actor, common.Now())
}

// PutAs is Put parameterized by actor/timestamp, so the store
// orchestrator can apply a write under the exact actor/timestamp it
// then records in the WAL entry. The orchestrator applies first and
// appends to the WAL afterwards, so the write is visible in memory
// before it is durable.
func (s *Store) PutAs(id common.RecordID, payload codec.Payload, actor common.ActorID, timestamp common.Timestamp) (clock.Clock, error) {
	if !id.Valid() {
		return nil, common.NewError(common.ErrInvalidID, "record id must be non-empty UTF-8")
	}
	if s.revocation != nil && s.revocation.IsRevoked(actor) {
		return nil, nil // silently discarded, spec §4.2
	}
	canonical, err := codec.Canonical(payload)
	if err != nil {
		return nil, common.WrapError(common.ErrInvalidPayload, "crdtstore: payload must be JSON-encodable", err)
	}
	if s.maxPayloadBytes > 0 && int64(len(canonical)) > s.maxPayloadBytes {
		return nil, common.NewError(common.ErrTooLarge, "crdtstore: payload exceeds configured maximum")
	}

	rec := s.getOrCreate(id)
	rec.mu.Lock()

	fieldClocks, values := computeFieldClocks(rec, payload, actor)
	merged, accepted := rec.tryApply(values, fieldClocks, timestamp, actor)
	var snapshot codec.Payload
	var typeTag string
	var tags []string
	var embedding []float32
	if accepted {
		snapshot = rec.snapshot()
		typeTag, tags, embedding = rec.typeTag, rec.tags, rec.embedding
	}
	rec.mu.Unlock()

	if !accepted {
		return nil, common.NewError(common.ErrNotFound, "crdtstore: record is tombstoned")
	}

	s.publish(id, &subscription.Record{ID: id, Payload: snapshot, TypeTag: typeTag, Tags: tags, Embedding: embedding})
	return merged, nil
}

// computeFieldClocks increments actor's counter for every field
// present in payload, seeded from that field's current clock (zero if
// the field doesn't exist yet). If rec carries a tombstone, the seed
// also merges in the tombstone's clock: a field clock left over from
// before a delete is stale relative to the tombstone (Delete bumps
// rec's merged clock, not its per-field clocks), and seeding from it
// alone would let the resulting candidate equal the tombstone's clock
// instead of strictly dominating it, so a local re-put of a deleted
// record would be rejected as if it were its own conflicting write.
func computeFieldClocks(rec *record, payload codec.Payload, actor common.ActorID) (map[string]clock.Clock, map[string]interface{}) {
	fieldClocks := make(map[string]clock.Clock, len(payload))
	values := make(map[string]interface{}, len(payload))
	for name, value := range payload {
		base := clock.New()
		if fs, ok := rec.fields[name]; ok {
			base = fs.Clock
		}
		if rec.tombstone != nil {
			base = base.Merge(rec.tombstone.Clock)
		}
		fieldClocks[name] = base.Increment(actor)
		values[name] = value
	}
	return fieldClocks, values
}

// ApplyRemote applies an already-encoded Put/Delete WAL entry using
// the field-wise merge rule (spec §4.2 "Remote apply semantics").
func (s *Store) ApplyRemote(entry PutOrDeleteEntry) error {
	if s.revocation != nil && s.revocation.IsRevoked(entry.Actor) {
		return nil // spec §4.2: revoked actor's operations are silently discarded
	}

	switch entry.IsDelete {
	case false:
		payload, err := codec.DecodePayload(entry.Payload)
		if err != nil {
			return common.WrapError(common.ErrInvalidPayload, "crdtstore: decode remote payload", err)
		}
		rec := s.getOrCreate(entry.ID)
		rec.mu.Lock()
		values := make(map[string]interface{}, len(payload))
		for name, value := range payload {
			values[name] = value
		}
		_, accepted := rec.tryApply(values, entry.FieldClocks, entry.Timestamp, entry.Actor)
		var snapshot codec.Payload
		if accepted {
			snapshot = rec.snapshot()
		}
		rec.mu.Unlock()
		if accepted {
			s.publish(entry.ID, &subscription.Record{ID: entry.ID, Payload: snapshot})
		}
		return nil

	default:
		rec := s.getOrCreate(entry.ID)
		rec.mu.Lock()
		if rec.tombstone == nil || entry.TombstoneClock.Dominates(rec.tombstone.Clock) {
			rec.tombstone = &Tombstone{Clock: entry.TombstoneClock, Timestamp: entry.Timestamp, Writer: entry.Actor}
		}
		rec.mu.Unlock()
		s.publish(entry.ID, nil)
		return nil
	}
}

// PutOrDeleteEntry is the decoded shape ApplyRemote needs, independent
// of the wal package's on-disk Entry so crdtstore has no import-time
// dependency on wal's framing (the store orchestrator decodes wal.Entry
// into this before calling ApplyRemote).
type PutOrDeleteEntry struct {
	ID             common.RecordID
	Actor          common.ActorID
	Timestamp      common.Timestamp
	IsDelete       bool
	Payload        []byte // canonical JSON object, Put only
	FieldClocks    map[string]clock.Clock
	TombstoneClock clock.Clock // Delete only
}

// Delete creates a record-level tombstone with the current merged
// clock incremented for the local actor (spec §4.2 "Deletion").
func (s *Store) Delete(id common.RecordID) (clock.Clock, error) {
	return s.DeleteAs(id, s.actor, common.Now())
}

// DeleteAs is Delete parameterized by actor/timestamp, mirroring PutAs:
// the orchestrator tombstones in memory first and then logs the
// returned clock to the WAL.
func (s *Store) DeleteAs(id common.RecordID, actor common.ActorID, timestamp common.Timestamp) (clock.Clock, error) {
	if !id.Valid() {
		return nil, common.NewError(common.ErrInvalidID, "record id must be non-empty UTF-8")
	}
	rec := s.getOrCreate(id)
	rec.mu.Lock()
	tombstoneClock := rec.mergedClock().Increment(actor)
	rec.tombstone = &Tombstone{Clock: tombstoneClock, Timestamp: timestamp, Writer: actor}
	rec.mu.Unlock()

	s.publish(id, nil)
	return tombstoneClock, nil
}

// Get returns the live record for id, or (nil, false) if it doesn't
// exist or is tombstoned (spec: "NotFound — no such id or tombstoned").
func (s *Store) Get(id common.RecordID) (*Record, bool) {
	rec, ok := s.getExisting(id)
	if !ok {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.live() {
		return nil, false
	}
	return &Record{ID: id, Payload: rec.snapshot(), TypeTag: rec.typeTag, Tags: rec.tags, Embedding: rec.embedding}, true
}

// FieldMetadata is the per-field clock/timestamp/writer triple exposed
// by GetWithMetadata for diagnostics and sync.
type FieldMetadata struct {
	Clock     clock.Clock
	Timestamp common.Timestamp
	Writer    common.ActorID
}

// GetWithMetadata returns the live record along with each field's
// clock/timestamp/writer (spec §4.2 "get_with_metadata").
func (s *Store) GetWithMetadata(id common.RecordID) (*Record, map[string]FieldMetadata, bool) {
	rec, ok := s.getExisting(id)
	if !ok {
		return nil, nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.live() {
		return nil, nil, false
	}

	meta := make(map[string]FieldMetadata, len(rec.fields))
	for name, fs := range rec.fields {
		meta[name] = FieldMetadata{Clock: fs.Clock, Timestamp: fs.Timestamp, Writer: fs.Writer}
	}
	return &Record{ID: id, Payload: rec.snapshot(), TypeTag: rec.typeTag, Tags: rec.tags, Embedding: rec.embedding}, meta, true
}

// List returns a snapshot of all live records, consistent at the call
// time (later concurrent writes are not reflected — spec §5 "Listing is
// a snapshot iterator").
func (s *Store) List() []*Record {
	s.mu.RLock()
	ids := make([]common.RecordID, 0, len(s.records))
	recs := make([]*record, 0, len(s.records))
	for id, rec := range s.records {
		ids = append(ids, id)
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	out := make([]*Record, 0, len(ids))
	for i, rec := range recs {
		rec.mu.Lock()
		if rec.live() {
			out = append(out, &Record{ID: ids[i], Payload: rec.snapshot(), TypeTag: rec.typeTag, Tags: rec.tags, Embedding: rec.embedding})
		}
		rec.mu.Unlock()
	}
	return out
}

// TombstoneCount returns the number of records currently holding a
// tombstone, used by the store orchestrator to decide when a
// compaction pass is due (spec §4.3 "Compaction").
func (s *Store) TombstoneCount() int {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	count := 0
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.tombstone != nil {
			count++
		}
		rec.mu.Unlock()
	}
	return count
}

// SetMetadata attaches the non-CRDT descriptive fields (type_tag, tags,
// embedding) to id's record; called after Put by the store orchestrator
// once it has parsed those optional payload-adjacent attributes.
func (s *Store) SetMetadata(id common.RecordID, typeTag string, tags []string, embedding []float32) {
	rec := s.getOrCreate(id)
	rec.mu.Lock()
	rec.typeTag = typeTag
	rec.tags = tags
	rec.embedding = embedding
	rec.mu.Unlock()
}

func (s *Store) publish(id common.RecordID, rec *subscription.Record) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(subscription.Event{ID: id, Record: rec})
}
