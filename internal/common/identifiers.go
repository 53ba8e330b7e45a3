package common

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// ActorID identifies a store's writer — one per store open, immutable
// for the store's lifetime.
type ActorID string

// RecordID is the user-visible key of a record; non-empty UTF-8.
type RecordID string

// Valid reports whether id satisfies the spec's non-empty UTF-8 rule.
func (id RecordID) Valid() bool {
	return len(id) > 0 && utf8.ValidString(string(id))
}

// SegmentID identifies a WAL segment by its monotonic index.
type SegmentID uint64

// String renders the segment id in its sort-order-stable on-disk form:
// zero-padded so lexicographic and numeric order agree.
func (s SegmentID) String() string {
	return fmt.Sprintf("%020d", uint64(s))
}

// Timestamp is wall-clock milliseconds since the Unix epoch, the unit
// the spec uses for LWW tie-breaking and WAL entry stamps.
type Timestamp int64

// Now returns the current wall-clock time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Now().UnixMilli())
}

// Time converts back to time.Time for formatting/diagnostics.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t))
}

func (t Timestamp) String() string {
	return t.Time().UTC().Format(time.RFC3339Nano)
}

// Sequence is a WAL sequence number: monotonic, dense, gap-free.
type Sequence uint64

const (
	MaxActorIDLength  = 256
	MaxRecordIDLength = 1024
	DefaultTimeout    = 30 * time.Second
)
