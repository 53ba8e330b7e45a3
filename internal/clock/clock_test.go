package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/graphdb-core/internal/common"
)

func TestClock_Increment(t *testing.T) {
	c := New()
	c1 := c.Increment("A")
	require.Equal(t, uint64(1), c1.Get("A"))
	assert.Equal(t, uint64(0), c.Get("A"), "Increment must not mutate the receiver")

	c2 := c1.Increment("A")
	assert.Equal(t, uint64(2), c2.Get("A"))
}

func TestClock_Merge(t *testing.T) {
	a := Clock{"A": 3, "B": 1}
	b := Clock{"A": 1, "B": 2, "C": 5}

	merged := a.Merge(b)
	assert.Equal(t, uint64(3), merged.Get("A"))
	assert.Equal(t, uint64(2), merged.Get("B"))
	assert.Equal(t, uint64(5), merged.Get("C"))

	// Original clocks untouched.
	assert.Equal(t, uint64(1), a.Get("B"))
}

func TestClock_Dominates(t *testing.T) {
	a := Clock{"A": 2, "B": 1}
	b := Clock{"A": 1, "B": 1}

	assert.True(t, a.Dominates(b))
	assert.False(t, b.Dominates(a))
	assert.False(t, a.Dominates(a))
}

func TestClock_Concurrent(t *testing.T) {
	a := Clock{"A": 2, "B": 0}
	b := Clock{"A": 0, "B": 2}

	assert.True(t, a.Concurrent(b))
	assert.True(t, b.Concurrent(a))

	c := a.Merge(b)
	assert.False(t, c.Concurrent(a))
	assert.True(t, c.Dominates(a))
}

func TestClock_EntriesRoundtrip(t *testing.T) {
	c := Clock{"z": 1, "a": 9, "m": 3}
	entries := c.Entries()

	require.Len(t, entries, 3)
	assert.Equal(t, common.ActorID("a"), entries[0].Actor)
	assert.Equal(t, common.ActorID("m"), entries[1].Actor)
	assert.Equal(t, common.ActorID("z"), entries[2].Actor)

	restored := FromEntries(entries)
	assert.True(t, restored.Equal(c))
}

func TestClock_IsZero(t *testing.T) {
	assert.True(t, New().IsZero())
	assert.True(t, Clock{"A": 0}.IsZero())
	assert.False(t, Clock{"A": 1}.IsZero())
}
