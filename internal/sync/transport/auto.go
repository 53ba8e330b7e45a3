package transport

import (
	"context"
	"sync"

	"github.com/cuemby/graphdb-core/internal/common"
)

// Auto tries DhtDirect then falls back through each configured Relay
// in order (spec §4.6 "Auto attempts DhtDirect then falls back to each
// configured relay in order"). A transport whose repeated connect
// attempts fail is demoted past for the remainder of the session.
type Auto struct {
	chain []Transport

	mu      sync.Mutex
	demoted map[int]bool
	active  Transport
}

// NewAuto builds the fallback chain; chain[0] should be the DhtDirect
// variant and the rest the configured relays, in order.
func NewAuto(chain []Transport) *Auto {
	return &Auto{chain: chain, demoted: make(map[int]bool)}
}

func (a *Auto) Name() string { return "auto" }

func (a *Auto) Announce(ctx context.Context, topic [32]byte) error {
	var lastErr error
	for i, t := range a.chain {
		if a.isDemoted(i) {
			continue
		}
		err := common.Retry(ctx, RetryAttempts, RetryInitial, RetryCap, func() error {
			return t.Announce(ctx, topic)
		})
		if err == nil {
			a.mu.Lock()
			a.active = t
			a.mu.Unlock()
			return nil
		}
		a.demote(i)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = common.NewError(common.ErrTransportFailed, "sync: no transport in fallback chain is configured")
	}
	return common.WrapError(common.ErrTransportFailed, "sync: all transports in fallback chain failed", lastErr)
}

func (a *Auto) Listen(ctx context.Context, topic [32]byte) (<-chan Connection, error) {
	a.mu.Lock()
	active := a.active
	a.mu.Unlock()
	if active == nil {
		return nil, common.NewError(common.ErrTransportFailed, "sync: Announce must succeed before Listen")
	}
	return active.Listen(ctx, topic)
}

func (a *Auto) Close() error {
	var firstErr error
	for _, t := range a.chain {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *Auto) isDemoted(i int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.demoted[i]
}

func (a *Auto) demote(i int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.demoted[i] = true
}

// ActiveName reports which transport in the chain is currently serving
// traffic, or "" if none has succeeded (spec §4.6 "sync paused").
func (a *Auto) ActiveName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return ""
	}
	return a.active.Name()
}
