package crdtstore

import (
	"github.com/cuemby/graphdb-core/internal/clock"
	"github.com/cuemby/graphdb-core/internal/common"
)

// applyField implements the field-wise merge rule from spec §4.2: let L
// be the field's current state and R be the incoming one. A purely
// local Put always supplies an R.Clock that strictly dominates L (it is
// L.Clock incremented at the local actor's own slot), so this always
// takes the first branch. A remote-origin write may be dominated,
// dominate, or be concurrent with L, so all three branches matter there.
func (r *record) applyField(name string, value interface{}, remoteClock clock.Clock, timestamp common.Timestamp, writer common.ActorID) bool {
	local, exists := r.fields[name]
	if !exists {
		r.fields[name] = FieldState{Value: value, Clock: remoteClock, Timestamp: timestamp, Writer: writer}
		return true
	}

	switch {
	case remoteClock.Dominates(local.Clock):
		r.fields[name] = FieldState{Value: value, Clock: remoteClock, Timestamp: timestamp, Writer: writer}
		return true
	case local.Clock.Dominates(remoteClock):
		return false
	default: // concurrent: larger timestamp wins, ties broken by lexicographically greater writer
		winner := FieldState{Value: value, Timestamp: timestamp, Writer: writer}
		if local.Timestamp > timestamp || (local.Timestamp == timestamp && local.Writer > writer) {
			winner = local
		}
		winner.Clock = local.Clock.Merge(remoteClock)
		r.fields[name] = winner
		return true
	}
}

// tryApply attempts to write fieldClocks/values into rec, honoring the
// tombstone-dominance rule: a write whose resulting merged clock does
// not dominate an existing tombstone is rejected wholesale (spec §4.2
// "Deletion"). On acceptance, a superseded tombstone is cleared
// (resurrection — see DESIGN.md's Open Question decision).
func (r *record) tryApply(values map[string]interface{}, fieldClocks map[string]clock.Clock, timestamp common.Timestamp, writer common.ActorID) (clock.Clock, bool) {
	candidate := clock.New()
	for name, fs := range r.fields {
		if newClock, touched := fieldClocks[name]; touched {
			candidate = candidate.Merge(newClock)
		} else {
			candidate = candidate.Merge(fs.Clock)
		}
	}
	for name, newClock := range fieldClocks {
		if _, already := r.fields[name]; !already {
			candidate = candidate.Merge(newClock)
		}
	}

	if r.tombstone != nil && !candidate.Dominates(r.tombstone.Clock) {
		return r.mergedClock(), false
	}

	for name, newClock := range fieldClocks {
		r.applyField(name, values[name], newClock, timestamp, writer)
	}
	if r.tombstone != nil {
		r.tombstone = nil
	}
	return r.mergedClock(), true
}
