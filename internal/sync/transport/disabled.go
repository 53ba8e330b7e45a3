package transport

import "context"

// Disabled is the no-op transport: local-only operation, never
// discovers or accepts peers (spec §4.6 "Disabled").
type Disabled struct{}

func (Disabled) Announce(ctx context.Context, topic [32]byte) error { return nil }

func (Disabled) Listen(ctx context.Context, topic [32]byte) (<-chan Connection, error) {
	ch := make(chan Connection)
	close(ch)
	return ch, nil
}

func (Disabled) Name() string { return "disabled" }

func (Disabled) Close() error { return nil }
