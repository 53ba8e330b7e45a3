// Package clock implements the per-actor vector clock used for causal
// ordering and last-writer-wins tie-breaking (spec §4.1).
package clock

import (
	"sort"

	"github.com/cuemby/graphdb-core/internal/common"
)

// Clock is an immutable mapping from actor id to a non-negative
// monotonic counter. All operations return a new Clock; the receiver
// is never mutated, so a Clock can be shared freely across goroutines.
type Clock map[common.ActorID]uint64

// New returns an empty clock.
func New() Clock {
	return Clock{}
}

// Get returns the counter for actor, defaulting absent actors to 0.
func (c Clock) Get(actor common.ActorID) uint64 {
	return c[actor]
}

// Increment returns a copy of c with actor's counter incremented by one.
func (c Clock) Increment(actor common.ActorID) Clock {
	next := c.clone()
	next[actor] = c[actor] + 1
	return next
}

// Merge returns the field-wise maximum of c and other.
func (c Clock) Merge(other Clock) Clock {
	next := c.clone()
	for actor, counter := range other {
		if counter > next[actor] {
			next[actor] = counter
		}
	}
	return next
}

// Dominates reports whether c dominates other: every counter in c is
// >= the corresponding counter in other, and at least one is strictly
// greater.
func (c Clock) Dominates(other Clock) bool {
	strictlyGreater := false
	for actor, counter := range other {
		if c[actor] < counter {
			return false
		}
		if c[actor] > counter {
			strictlyGreater = true
		}
	}
	for actor, counter := range c {
		if counter > other[actor] {
			strictlyGreater = true
		}
	}
	return strictlyGreater
}

// Concurrent reports whether neither clock dominates the other.
func (c Clock) Concurrent(other Clock) bool {
	return !c.Dominates(other) && !other.Dominates(c)
}

// Equal reports counter-wise equality.
func (c Clock) Equal(other Clock) bool {
	if len(c) != len(other) {
		return false
	}
	for actor, counter := range c {
		if other[actor] != counter {
			return false
		}
	}
	return true
}

// IsZero reports whether every counter in c is absent or zero.
func (c Clock) IsZero() bool {
	for _, counter := range c {
		if counter > 0 {
			return false
		}
	}
	return true
}

func (c Clock) clone() Clock {
	next := make(Clock, len(c)+1)
	for actor, counter := range c {
		next[actor] = counter
	}
	return next
}

// Entry is one (actor, counter) pair in a clock's deterministic
// serialization.
type Entry struct {
	Actor   common.ActorID `json:"actor"`
	Counter uint64         `json:"counter"`
}

// Entries returns c as a sequence of (actor, counter) pairs sorted by
// actor id, the deterministic form used for encoding, CRC, and peer
// handshake clock summaries (spec §4.1, §6).
func (c Clock) Entries() []Entry {
	entries := make([]Entry, 0, len(c))
	for actor, counter := range c {
		entries = append(entries, Entry{Actor: actor, Counter: counter})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Actor < entries[j].Actor })
	return entries
}

// FromEntries rebuilds a Clock from its sorted-entries serialization.
func FromEntries(entries []Entry) Clock {
	c := make(Clock, len(entries))
	for _, e := range entries {
		c[e.Actor] = e.Counter
	}
	return c
}
