package subscription

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/graphdb-core/internal/common"
)

func TestBus_DeliversInOrderPerKey(t *testing.T) {
	bus := New()

	var mu sync.Mutex
	var received []int

	unsubscribe := bus.Subscribe("rec-1", func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, len(ev.Record.Tags))
	})
	defer unsubscribe()

	for i := 1; i <= 5; i++ {
		tags := make([]string, i)
		bus.Publish(Event{ID: "rec-1", Record: &Record{ID: "rec-1", Tags: tags}})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 5
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, received)
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	bus := New()
	unsubscribe := bus.Subscribe(common.RecordID("rec-2"), func(Event) {})

	unsubscribe()
	assert.NotPanics(t, func() {
		unsubscribe()
		unsubscribe()
	})
}

func TestBus_PublishWithNoSubscribersIsNoop(t *testing.T) {
	bus := New()
	assert.NotPanics(t, func() {
		bus.Publish(Event{ID: "nobody-listening"})
	})
}
