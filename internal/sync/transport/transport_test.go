package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabled_AnnounceAndListenAreNoops(t *testing.T) {
	d := Disabled{}
	require.NoError(t, d.Announce(context.Background(), [32]byte{}))

	ch, err := d.Listen(context.Background(), [32]byte{})
	require.NoError(t, err)

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected closed channel")
	}
}

func TestRelayFrame_RoundTrip(t *testing.T) {
	frame := encodeRelayFrame("actor-a", []byte("hello"))
	actor, payload, err := decodeRelayFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, "actor-a", string(actor))
	assert.Equal(t, "hello", string(payload))
}

func TestAuto_DemotesFailingTransportAndFallsBack(t *testing.T) {
	failing := &fakeTransport{name: "failing", announceErr: context.DeadlineExceeded}
	working := &fakeTransport{name: "working"}
	auto := NewAuto([]Transport{failing, working})

	// A context that expires almost immediately makes the failing
	// transport's retry loop abort on its first backoff wait instead of
	// running the full 500ms-to-30s schedule, keeping this test fast.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := auto.Announce(ctx, [32]byte{})
	require.NoError(t, err)
	assert.Equal(t, "working", auto.ActiveName())
	assert.True(t, auto.isDemoted(0))
}

type fakeTransport struct {
	name        string
	announceErr error
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Announce(ctx context.Context, topic [32]byte) error {
	return f.announceErr
}

func (f *fakeTransport) Listen(ctx context.Context, topic [32]byte) (<-chan Connection, error) {
	ch := make(chan Connection)
	close(ch)
	return ch, nil
}

func (f *fakeTransport) Close() error { return nil }
