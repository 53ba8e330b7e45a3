package crdtstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/graphdb-core/internal/clock"
	"github.com/cuemby/graphdb-core/internal/codec"
	"github.com/cuemby/graphdb-core/internal/common"
)

func TestStore_PutThenGet(t *testing.T) {
	s := New("actor-a", 0, nil, nil)

	_, err := s.Put("rec-1", codec.Payload{"name": "ada", "age": float64(30)})
	require.NoError(t, err)

	rec, ok := s.Get("rec-1")
	require.True(t, ok)
	assert.Equal(t, "ada", rec.Payload["name"])
	assert.Equal(t, float64(30), rec.Payload["age"])
}

func TestStore_GetMissingReturnsFalse(t *testing.T) {
	s := New("actor-a", 0, nil, nil)
	_, ok := s.Get("nope")
	assert.False(t, ok)
}

func TestStore_PartialPutOnlyTouchesGivenFields(t *testing.T) {
	s := New("actor-a", 0, nil, nil)
	_, err := s.Put("rec-1", codec.Payload{"name": "ada", "age": float64(30)})
	require.NoError(t, err)

	_, err = s.Put("rec-1", codec.Payload{"age": float64(31)})
	require.NoError(t, err)

	rec, ok := s.Get("rec-1")
	require.True(t, ok)
	assert.Equal(t, "ada", rec.Payload["name"])
	assert.Equal(t, float64(31), rec.Payload["age"])
}

func TestStore_DeleteThenGetNotFound(t *testing.T) {
	s := New("actor-a", 0, nil, nil)
	_, err := s.Put("rec-1", codec.Payload{"name": "ada"})
	require.NoError(t, err)

	_, err = s.Delete("rec-1")
	require.NoError(t, err)

	_, ok := s.Get("rec-1")
	assert.False(t, ok)
}

func TestStore_PutOnInvalidIDFails(t *testing.T) {
	s := New("actor-a", 0, nil, nil)
	_, err := s.Put("", codec.Payload{"x": float64(1)})
	require.Error(t, err)
	assert.True(t, common.Is(err, common.ErrInvalidID))
}

func TestStore_ApplyRemoteConcurrentFieldPicksLaterTimestamp(t *testing.T) {
	s := New("actor-local", 0, nil, nil)
	_, err := s.Put("rec-1", codec.Payload{"status": "pending"})
	require.NoError(t, err)

	rec, meta, ok := s.GetWithMetadata("rec-1")
	require.True(t, ok)
	localClock := meta["status"].Clock

	// Build a remote field clock that is concurrent with the local one:
	// increments a different actor slot starting from a zero clock
	// rather than from localClock, so neither dominates the other.
	remoteClock := clock.New().Increment("actor-remote")
	_ = rec

	err = s.ApplyRemote(PutOrDeleteEntry{
		ID:        "rec-1",
		Actor:     "actor-remote",
		Timestamp: meta["status"].Timestamp + 1000,
		Payload:   []byte(`{"status":"approved"}`),
		FieldClocks: map[string]clock.Clock{
			"status": remoteClock,
		},
	})
	require.NoError(t, err)

	updated, ok := s.Get("rec-1")
	require.True(t, ok)
	// Later timestamp wins regardless of which clock dominates, since the
	// two field clocks are concurrent.
	assert.Equal(t, "approved", updated.Payload["status"])

	_, updatedMeta, _ := s.GetWithMetadata("rec-1")
	assert.True(t, updatedMeta["status"].Clock.Dominates(localClock) || updatedMeta["status"].Clock.Equal(localClock.Merge(remoteClock)))
}

func TestStore_ApplyRemoteStaleWriteIsRejected(t *testing.T) {
	s := New("actor-local", 0, nil, nil)
	_, err := s.Put("rec-1", codec.Payload{"count": float64(1)})
	require.NoError(t, err)

	_, meta, _ := s.GetWithMetadata("rec-1")
	staleClock := clock.New() // dominated by the current field clock

	err = s.ApplyRemote(PutOrDeleteEntry{
		ID:          "rec-1",
		Actor:       "actor-remote",
		Timestamp:   meta["count"].Timestamp - 1,
		Payload:     []byte(`{"count":99}`),
		FieldClocks: map[string]clock.Clock{"count": staleClock},
	})
	require.NoError(t, err)

	rec, ok := s.Get("rec-1")
	require.True(t, ok)
	assert.Equal(t, float64(1), rec.Payload["count"])
}

func TestStore_ApplyRemoteFromRevokedActorIsDiscarded(t *testing.T) {
	checker := &fakeRevocation{revoked: map[common.ActorID]bool{"actor-bad": true}}
	s := New("actor-local", 0, nil, checker)

	err := s.ApplyRemote(PutOrDeleteEntry{
		ID:          "rec-1",
		Actor:       "actor-bad",
		Timestamp:   common.Now(),
		Payload:     []byte(`{"x":1}`),
		FieldClocks: map[string]clock.Clock{"x": clock.New().Increment("actor-bad")},
	})
	require.NoError(t, err)

	_, ok := s.Get("rec-1")
	assert.False(t, ok)
}

func TestStore_ResurrectionAfterDominatingWriteClearsTombstone(t *testing.T) {
	s := New("actor-a", 0, nil, nil)
	_, err := s.Put("rec-1", codec.Payload{"x": float64(1)})
	require.NoError(t, err)

	tombstoneClock, err := s.Delete("rec-1")
	require.NoError(t, err)

	resurrectClock := tombstoneClock.Increment("actor-remote")
	err = s.ApplyRemote(PutOrDeleteEntry{
		ID:          "rec-1",
		Actor:       "actor-remote",
		Timestamp:   common.Now(),
		Payload:     []byte(`{"x":2}`),
		FieldClocks: map[string]clock.Clock{"x": resurrectClock},
	})
	require.NoError(t, err)

	rec, ok := s.Get("rec-1")
	require.True(t, ok)
	assert.Equal(t, float64(2), rec.Payload["x"])
}

func TestStore_LocalPutAfterLocalDeleteRecreatesRecord(t *testing.T) {
	s := New("actor-a", 0, nil, nil)
	_, err := s.Put("rec-1", codec.Payload{"x": float64(1)})
	require.NoError(t, err)

	_, err = s.Delete("rec-1")
	require.NoError(t, err)

	_, ok := s.Get("rec-1")
	require.False(t, ok, "deleted record should read as not found")

	_, err = s.Put("rec-1", codec.Payload{"x": float64(2)})
	require.NoError(t, err, "a local put of a locally-deleted record must supersede its own tombstone")

	rec, ok := s.Get("rec-1")
	require.True(t, ok)
	assert.Equal(t, float64(2), rec.Payload["x"])
}

func TestStore_LocalPutAfterDeleteOnUntouchedFieldStillRecreates(t *testing.T) {
	s := New("actor-a", 0, nil, nil)
	_, err := s.Put("rec-1", codec.Payload{"x": float64(1), "y": float64(1)})
	require.NoError(t, err)

	_, err = s.Delete("rec-1")
	require.NoError(t, err)

	// Re-put touches only one of the two previously-existing fields.
	_, err = s.Put("rec-1", codec.Payload{"x": float64(9)})
	require.NoError(t, err)

	rec, ok := s.Get("rec-1")
	require.True(t, ok)
	assert.Equal(t, float64(9), rec.Payload["x"])
}

func TestStore_ListReturnsOnlyLiveRecords(t *testing.T) {
	s := New("actor-a", 0, nil, nil)
	_, err := s.Put("rec-1", codec.Payload{"x": float64(1)})
	require.NoError(t, err)
	_, err = s.Put("rec-2", codec.Payload{"x": float64(2)})
	require.NoError(t, err)
	_, err = s.Delete("rec-2")
	require.NoError(t, err)

	recs := s.List()
	require.Len(t, recs, 1)
	assert.Equal(t, common.RecordID("rec-1"), recs[0].ID)
}

type fakeRevocation struct {
	revoked map[common.ActorID]bool
}

func (f *fakeRevocation) IsRevoked(actor common.ActorID) bool {
	return f.revoked[actor]
}
