package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/graphdb-core/internal/crdtstore"
	"github.com/cuemby/graphdb-core/internal/sync/handshake"
	"github.com/cuemby/graphdb-core/internal/sync/transport"
	"github.com/cuemby/graphdb-core/internal/wal"
)

// peerTask drives the post-connect protocol for a single peer (spec
// §4.7): handshake, then a send loop streaming missing entries in
// max_batch_bytes batches bounded by max_in_flight_batches, a receive
// loop applying incoming batches and acking them, periodic clock-
// summary re-exchange, and an idle_timeout close.
type peerTask struct {
	engine *Engine
	conn   transport.Connection
	ctx    context.Context

	peerClock PeerClock
	inFlight  chan struct{}
}

func (p *peerTask) run() {
	defer p.engine.untrackPeer(p.conn.RemoteActor())

	if err := p.handshake(); err != nil {
		return
	}

	p.inFlight = make(chan struct{}, p.engine.cfg.MaxInFlightBatches)

	acked := make(chan uint64, p.engine.cfg.MaxInFlightBatches+1)
	activity := make(chan struct{}, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.recvLoop(acked, activity)
	}()

	p.sendLoop(acked, activity)
	<-done
}

// handshake exchanges the spec §6 greeting and seeds p.peerClock from
// what the remote side reports having seen.
func (p *peerTask) handshake() error {
	local := p.engine.log.LocalClock()
	greeting := handshake.Greeting{
		Topic:        p.engine.cfg.Topic,
		Actor:        p.engine.cfg.Actor,
		ClockSummary: local.toClock(),
	}
	if err := p.conn.Send(p.ctx, handshake.Encode(greeting)); err != nil {
		return fmt.Errorf("engine: send handshake: %w", err)
	}

	raw, err := p.conn.Recv(p.ctx)
	if err != nil {
		return fmt.Errorf("engine: recv handshake: %w", err)
	}
	remote, err := handshake.Decode(raw)
	if err != nil {
		return fmt.Errorf("engine: decode handshake: %w", err)
	}

	if p.engine.cfg.DeviceAuth != nil {
		token, err := p.engine.cfg.DeviceAuth.IssueToken(p.engine.cfg.Actor, p.engine.cfg.Topic)
		if err != nil {
			return fmt.Errorf("engine: issue device token: %w", err)
		}
		if err := p.conn.Send(p.ctx, []byte(token)); err != nil {
			return fmt.Errorf("engine: send device token: %w", err)
		}
		peerToken, err := p.conn.Recv(p.ctx)
		if err != nil {
			return fmt.Errorf("engine: recv device token: %w", err)
		}
		if err := p.engine.cfg.DeviceAuth.VerifyToken(string(peerToken), remote.Actor, p.engine.cfg.Topic); err != nil {
			return fmt.Errorf("engine: reject peer device token: %w", err)
		}
	}

	p.peerClock = peerClockFromClock(remote.ClockSummary)
	return nil
}

// sendLoop streams entries the peer is missing, in batches capped by
// MaxBatchBytes, never allowing more than MaxInFlightBatches
// unacknowledged batches outstanding, and periodically re-sends our
// own clock summary so the peer can request anything newly written.
func (p *peerTask) sendLoop(acked <-chan uint64, activity <-chan struct{}) {
	ticker := time.NewTicker(p.engine.cfg.BatchInterval)
	defer ticker.Stop()

	clockTicker := time.NewTicker(p.engine.cfg.IdleTimeout / 4)
	defer clockTicker.Stop()

	idle := time.NewTimer(p.engine.cfg.IdleTimeout)
	defer idle.Stop()

	var pending uint64
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-idle.C:
			return
		case n := <-acked:
			if n > pending {
				n = pending
			}
			pending -= n
			select {
			case <-p.inFlight:
			default:
			}
			resetIdle(idle, p.engine.cfg.IdleTimeout)
		case <-activity:
			resetIdle(idle, p.engine.cfg.IdleTimeout)
		case <-clockTicker.C:
			local := p.engine.log.LocalClock()
			if err := p.conn.Send(p.ctx, encodeClockUpdate(local)); err != nil {
				return
			}
		case <-ticker.C:
			if uint64(len(p.inFlight)) >= uint64(p.engine.cfg.MaxInFlightBatches) {
				continue
			}
			batch, err := p.nextBatch()
			if err != nil {
				return
			}
			if len(batch) == 0 {
				continue
			}
			select {
			case p.inFlight <- struct{}{}:
			default:
				continue
			}
			encoded, err := encodeBatch(batch)
			if err != nil {
				<-p.inFlight
				continue
			}
			if err := p.conn.Send(p.ctx, encoded); err != nil {
				return
			}
			p.engine.batchesSent.Add(1)
			p.engine.entriesSent.Add(uint64(len(batch)))
			pending += uint64(len(batch))
			resetIdle(idle, p.engine.cfg.IdleTimeout)
		}
	}
}

// nextBatch asks the log for entries the peer's tracked clock is
// missing and trims to MaxBatchBytes.
func (p *peerTask) nextBatch() ([]wal.Entry, error) {
	entries, err := p.engine.log.EntriesSince(p.peerClock)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	var batch []wal.Entry
	var size int
	for _, e := range entries {
		encoded, err := wal.EncodeEntry(e)
		if err != nil {
			return nil, err
		}
		if size+len(encoded) > p.engine.cfg.MaxBatchBytes && len(batch) > 0 {
			break
		}
		batch = append(batch, e)
		size += len(encoded)
		if e.Seq > p.peerClock[e.Actor] {
			p.peerClock[e.Actor] = e.Seq
		}
	}
	return batch, nil
}

// recvLoop applies incoming batches, acks each one applied in full, and
// folds in periodic clock-summary updates from the peer.
func (p *peerTask) recvLoop(acked chan<- uint64, activity chan<- struct{}) {
	for {
		raw, err := p.conn.Recv(p.ctx)
		if err != nil {
			return
		}
		if len(raw) == 0 {
			continue
		}
		select {
		case activity <- struct{}{}:
		default:
		}

		switch msgKind(raw[0]) {
		case msgBatch:
			entries, err := decodeBatch(raw)
			if err != nil {
				continue
			}
			if err := p.applyBatch(entries); err != nil {
				continue
			}
			ack := encodeAck(uint64(len(entries)))
			_ = p.conn.Send(p.ctx, ack)
			p.engine.batchesReceived.Add(1)
			p.engine.entriesReceived.Add(uint64(len(entries)))
		case msgAck:
			count, err := decodeAck(raw)
			if err == nil {
				select {
				case acked <- count:
				default:
				}
			}
		case msgClockUpdate:
			pc, err := decodeClockUpdate(raw)
			if err == nil {
				p.peerClock = p.peerClock.Merge(pc)
			}
		}
	}
}

// applyBatch decodes every entry in a batch before applying any of
// them, so a malformed entry discards the whole batch. Entries are then
// applied one by one; if ApplyRemote or the local WAL append fails, the
// batch stops there, the entries before it stay applied, and no ack is
// sent. Each accepted entry is also persisted to the local WAL (spec
// §2's merge-then-append remote-write flow) so a later restart's replay
// reproduces this node's state without depending on the peer that sent
// it still being reachable.
func (p *peerTask) applyBatch(entries []wal.Entry) error {
	applyEntries := make([]crdtstore.PutOrDeleteEntry, len(entries))
	for i, e := range entries {
		applyEntry, err := toApplyEntry(e)
		if err != nil {
			return err
		}
		applyEntries[i] = applyEntry
	}
	for i, e := range entries {
		if err := p.engine.store.ApplyRemote(applyEntries[i]); err != nil {
			return err
		}
		if p.engine.cfg.Appender != nil {
			if err := p.engine.cfg.Appender.AppendRemote(p.ctx, e); err != nil {
				return err
			}
		}
	}
	return nil
}

// toApplyEntry decodes a wal.Entry's op-specific body into the shape
// crdtstore.ApplyRemote expects, keeping crdtstore free of any
// dependency on wal's entry framing.
func toApplyEntry(e wal.Entry) (crdtstore.PutOrDeleteEntry, error) {
	switch e.Op {
	case wal.OpPut:
		body, err := e.DecodePut()
		if err != nil {
			return crdtstore.PutOrDeleteEntry{}, err
		}
		return crdtstore.PutOrDeleteEntry{
			ID:          body.ID,
			Actor:       e.Actor,
			Timestamp:   e.Timestamp,
			IsDelete:    false,
			Payload:     []byte(body.Payload),
			FieldClocks: body.FieldClocks,
		}, nil
	case wal.OpDelete:
		body, err := e.DecodeDelete()
		if err != nil {
			return crdtstore.PutOrDeleteEntry{}, err
		}
		return crdtstore.PutOrDeleteEntry{
			ID:             body.ID,
			Actor:          e.Actor,
			Timestamp:      e.Timestamp,
			IsDelete:       true,
			TombstoneClock: body.Clock,
		}, nil
	default:
		return crdtstore.PutOrDeleteEntry{}, fmt.Errorf("engine: op %s not replicable", e.Op)
	}
}

func resetIdle(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
