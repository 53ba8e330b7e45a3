package crdtstore

import (
	"sync"

	"github.com/cuemby/graphdb-core/internal/clock"
	"github.com/cuemby/graphdb-core/internal/codec"
	"github.com/cuemby/graphdb-core/internal/common"
)

// FieldState is one field's CRDT state (spec §3 "Per-field CRDT state").
type FieldState struct {
	Value     interface{}
	Clock     clock.Clock
	Timestamp common.Timestamp
	Writer    common.ActorID
}

// Tombstone is a record-level deletion marker (spec §3 "Tombstone").
type Tombstone struct {
	Clock     clock.Clock
	Timestamp common.Timestamp
	Writer    common.ActorID
}

// record holds one id's live CRDT state. Its mutex is the "key-local
// mutual-exclusion primitive" spec §5 requires: all writers to this id
// serialize through it, while reads of other ids proceed unimpeded.
type record struct {
	mu        sync.Mutex
	fields    map[string]FieldState
	tombstone *Tombstone
	typeTag   string
	tags      []string
	embedding []float32
}

func newRecord() *record {
	return &record{fields: make(map[string]FieldState)}
}

// mergedClock returns the field-wise union of every field's clock plus
// the tombstone's clock if present — the "new merged clock for the
// record" that Put returns (spec §4.2) and the value compared against
// a tombstone for resurrection.
func (r *record) mergedClock() clock.Clock {
	merged := clock.New()
	for _, fs := range r.fields {
		merged = merged.Merge(fs.Clock)
	}
	if r.tombstone != nil {
		merged = merged.Merge(r.tombstone.Clock)
	}
	return merged
}

func (r *record) live() bool {
	return r.tombstone == nil && len(r.fields) > 0
}

// snapshot renders the record's fields as a Payload. It does not look
// at the tombstone; callers check live() first.
func (r *record) snapshot() codec.Payload {
	payload := make(codec.Payload, len(r.fields))
	for name, fs := range r.fields {
		payload[name] = fs.Value
	}
	return payload
}

// Record is the caller-facing view returned by Get/List.
type Record struct {
	ID        common.RecordID
	Payload   codec.Payload
	TypeTag   string
	Tags      []string
	Embedding []float32
}
