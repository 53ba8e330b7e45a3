package engine

import (
	"github.com/cuemby/graphdb-core/internal/clock"
	"github.com/cuemby/graphdb-core/internal/common"
)

// PeerClock is the per-actor write high-water mark a peer has already
// seen — spec §4.7's "PeerClock mapping" used to compute the entries
// one side lacks relative to the other.
type PeerClock map[common.ActorID]common.Sequence

func (p PeerClock) clone() PeerClock {
	next := make(PeerClock, len(p))
	for k, v := range p {
		next[k] = v
	}
	return next
}

// Merge returns the element-wise maximum of p and other.
func (p PeerClock) Merge(other PeerClock) PeerClock {
	next := p.clone()
	for actor, seq := range other {
		if seq > next[actor] {
			next[actor] = seq
		}
	}
	return next
}

// toClock renders p as a clock.Clock so it can travel over the
// handshake wire format from spec §6, which is defined in terms of
// sorted (actor, u64) pairs — the same shape a PeerClock already is.
func (p PeerClock) toClock() clock.Clock {
	entries := make([]clock.Entry, 0, len(p))
	for actor, seq := range p {
		entries = append(entries, clock.Entry{Actor: actor, Counter: uint64(seq)})
	}
	return clock.FromEntries(entries)
}

func peerClockFromClock(c clock.Clock) PeerClock {
	p := make(PeerClock, len(c))
	for _, e := range c.Entries() {
		p[e.Actor] = common.Sequence(e.Counter)
	}
	return p
}
