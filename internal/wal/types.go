// Package wal implements the segmented, checksummed write-ahead log
// (spec §4.3, on-disk formats in spec §6).
package wal

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/graphdb-core/internal/clock"
	"github.com/cuemby/graphdb-core/internal/common"
)

// OpCode identifies the kind of operation an Entry carries, matching
// the on-disk byte values from spec §6.
type OpCode byte

const (
	OpPut        OpCode = 0x01
	OpDelete     OpCode = 0x02
	OpCheckpoint OpCode = 0x03
	OpCompact    OpCode = 0x04
)

func (c OpCode) String() string {
	switch c {
	case OpPut:
		return "PUT"
	case OpDelete:
		return "DELETE"
	case OpCheckpoint:
		return "CHECKPOINT"
	case OpCompact:
		return "COMPACT"
	default:
		return "UNKNOWN"
	}
}

// PutBody is the operation body for OpPut. FieldClocks carries the
// post-increment per-field vector clock for every field present in
// Payload, captured at the writer at Put time — the entry framing in
// spec §6 is bit-exact for the outer length/seq/timestamp/actor/op
// fields, but the op body's JSON shape is free, so this is where the
// information a remote peer needs to replay field-wise merge
// deterministically (spec §4.2, §4.7) travels.
type PutBody struct {
	ID          common.RecordID        `json:"id"`
	Payload     json.RawMessage        `json:"payload"`
	FieldClocks map[string]clock.Clock `json:"field_clocks"`
}

// DeleteBody is the operation body for OpDelete. Clock is the
// tombstone's full merged clock after the local actor's increment
// (spec §4.2 "Deletion").
type DeleteBody struct {
	ID    common.RecordID `json:"id"`
	Clock clock.Clock     `json:"clock"`
}

// CheckpointBody is the operation body for OpCheckpoint.
type CheckpointBody struct {
	BaseSeq common.Sequence `json:"base_seq"`
}

// CompactBody is the operation body for OpCompact.
type CompactBody struct {
	BeforeTimestamp common.Timestamp `json:"before_timestamp"`
}

// Entry is one logged operation (spec §3 "Entry").
type Entry struct {
	Seq       common.Sequence  `json:"seq"`
	Timestamp common.Timestamp `json:"timestamp"`
	Actor     common.ActorID   `json:"actor"`
	Op        OpCode           `json:"op"`
	Body      json.RawMessage  `json:"body"`
}

// NewPutEntry builds an unsequenced Put entry; Seq is assigned by the
// WAL on Append.
func NewPutEntry(actor common.ActorID, id common.RecordID, payload json.RawMessage, fieldClocks map[string]clock.Clock) (Entry, error) {
	body, err := json.Marshal(PutBody{ID: id, Payload: payload, FieldClocks: fieldClocks})
	if err != nil {
		return Entry{}, err
	}
	return Entry{Timestamp: common.Now(), Actor: actor, Op: OpPut, Body: body}, nil
}

func NewDeleteEntry(actor common.ActorID, id common.RecordID, tombstoneClock clock.Clock) (Entry, error) {
	body, err := json.Marshal(DeleteBody{ID: id, Clock: tombstoneClock})
	if err != nil {
		return Entry{}, err
	}
	return Entry{Timestamp: common.Now(), Actor: actor, Op: OpDelete, Body: body}, nil
}

func NewCheckpointEntry(actor common.ActorID, baseSeq common.Sequence) (Entry, error) {
	body, err := json.Marshal(CheckpointBody{BaseSeq: baseSeq})
	if err != nil {
		return Entry{}, err
	}
	return Entry{Timestamp: common.Now(), Actor: actor, Op: OpCheckpoint, Body: body}, nil
}

func NewCompactEntry(actor common.ActorID, before common.Timestamp) (Entry, error) {
	body, err := json.Marshal(CompactBody{BeforeTimestamp: before})
	if err != nil {
		return Entry{}, err
	}
	return Entry{Timestamp: common.Now(), Actor: actor, Op: OpCompact, Body: body}, nil
}

// DecodePut parses the entry body as a PutBody; callers must check Op first.
func (e Entry) DecodePut() (PutBody, error) {
	var b PutBody
	err := json.Unmarshal(e.Body, &b)
	return b, err
}

func (e Entry) DecodeDelete() (DeleteBody, error) {
	var b DeleteBody
	err := json.Unmarshal(e.Body, &b)
	return b, err
}

func (e Entry) DecodeCheckpoint() (CheckpointBody, error) {
	var b CheckpointBody
	err := json.Unmarshal(e.Body, &b)
	return b, err
}

func (e Entry) DecodeCompact() (CompactBody, error) {
	var b CompactBody
	err := json.Unmarshal(e.Body, &b)
	return b, err
}

// ValidationReport is the result of WAL.Validate (spec §4.3).
type ValidationReport struct {
	TotalEntries      int
	CorruptedEntries  int
	CorruptedSegments int
	QuarantinedPaths  []string
}

func (r ValidationReport) String() string {
	return fmt.Sprintf("entries=%d corrupted_entries=%d corrupted_segments=%d",
		r.TotalEntries, r.CorruptedEntries, r.CorruptedSegments)
}

// segmentHeaderSize is the fixed 64-byte header every segment file
// begins with (spec §6 "Segment header").
const segmentHeaderSize = 64

const segmentMagic uint32 = 0x57414C00

const segmentFormatVersion uint16 = 1

const (
	segmentFlagEncrypted uint16 = 1 << 0
)
