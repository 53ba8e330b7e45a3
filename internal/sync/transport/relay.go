package transport

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cuemby/graphdb-core/internal/common"
)

// Relay dials a rendezvous server over WebSocket (port 443 in
// production) that matches peers by topic and pipes bytes between them
// (spec §4.6 "Relay"). The rendezvous server itself is out of scope
// (spec §1 Non-goals list "the relay server implementation"); this is
// the client side only.
type Relay struct {
	urls []string

	mu      sync.Mutex
	dialer  *websocket.Dialer
	actor   common.ActorID
	conns   []*relayConn
	closed  bool
}

// NewRelay creates a Relay client that will try each url in order.
func NewRelay(actor common.ActorID, urls []string) *Relay {
	return &Relay{
		urls:   urls,
		dialer: websocket.DefaultDialer,
		actor:  actor,
	}
}

func (r *Relay) Name() string { return "relay" }

// Announce opens a connection to the first reachable relay URL and
// sends a JOIN frame for topic; the relay matches this node against
// other peers announcing the same topic.
func (r *Relay) Announce(ctx context.Context, topic [32]byte) error {
	_, _, err := r.dialTopic(ctx, topic)
	return err
}

// Listen returns inbound peer connections the relay pairs us with for
// topic. Each relay message the server forwards us that isn't from an
// already-known peer spawns a new logical Connection multiplexed over
// the same socket, keyed by the sender's actor id in the frame header.
func (r *Relay) Listen(ctx context.Context, topic [32]byte) (<-chan Connection, error) {
	ws, _, err := r.dialTopic(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan Connection, 1)
	peers := make(map[common.ActorID]*relayConn)
	var mu sync.Mutex

	go func() {
		defer close(out)
		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				return
			}
			actor, payload, err := decodeRelayFrame(frame)
			if err != nil {
				continue
			}

			mu.Lock()
			conn, known := peers[actor]
			if !known {
				conn = newRelayConn(ws, actor, &mu)
				peers[actor] = conn
				r.trackConn(conn)
				mu.Unlock()
				select {
				case out <- conn:
				case <-ctx.Done():
					return
				}
			} else {
				mu.Unlock()
			}
			conn.deliver(payload)
		}
	}()

	return out, nil
}

func (r *Relay) dialTopic(ctx context.Context, topic [32]byte) (*websocket.Conn, string, error) {
	var lastErr error
	for _, url := range r.urls {
		ws, _, err := r.dialer.DialContext(ctx, url, nil)
		if err != nil {
			lastErr = err
			continue
		}
		join := encodeRelayFrame(r.actor, append([]byte{0x00}, topic[:]...))
		if err := ws.WriteMessage(websocket.BinaryMessage, join); err != nil {
			ws.Close()
			lastErr = err
			continue
		}
		return ws, url, nil
	}
	return nil, "", fmt.Errorf("relay: all urls unreachable: %w", lastErr)
}

func (r *Relay) trackConn(c *relayConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = append(r.conns, c)
}

func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, c := range r.conns {
		c.Close()
	}
	return nil
}

// relayConn is one logical peer connection multiplexed over the
// relay's single underlying websocket, distinguished by sender actor id.
type relayConn struct {
	ws     *websocket.Conn
	actor  common.ActorID
	mu     *sync.Mutex
	inbox  chan []byte
	closed chan struct{}
}

func newRelayConn(ws *websocket.Conn, actor common.ActorID, mu *sync.Mutex) *relayConn {
	return &relayConn{ws: ws, actor: actor, mu: mu, inbox: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *relayConn) deliver(payload []byte) {
	select {
	case c.inbox <- payload:
	case <-c.closed:
	default:
		// full inbox: drop, matching the store's non-blocking publish
		// discipline rather than stalling the shared socket reader.
	}
}

func (c *relayConn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	frame := encodeRelayFrame(c.actor, data)
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *relayConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.closed:
		return nil, fmt.Errorf("relay: connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *relayConn) RemoteActor() common.ActorID { return c.actor }

func (c *relayConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

// encodeRelayFrame prefixes payload with the sender's length-prefixed
// actor id so the relay (and our own demultiplexer) can route by
// sender without parsing the payload itself.
func encodeRelayFrame(actor common.ActorID, payload []byte) []byte {
	actorBytes := []byte(actor)
	frame := make([]byte, 2+len(actorBytes)+len(payload))
	frame[0] = byte(len(actorBytes) >> 8)
	frame[1] = byte(len(actorBytes))
	copy(frame[2:], actorBytes)
	copy(frame[2+len(actorBytes):], payload)
	return frame
}

func decodeRelayFrame(frame []byte) (common.ActorID, []byte, error) {
	if len(frame) < 2 {
		return "", nil, fmt.Errorf("relay: frame too short")
	}
	actorLen := int(frame[0])<<8 | int(frame[1])
	if len(frame) < 2+actorLen {
		return "", nil, fmt.Errorf("relay: truncated actor id (hex=%s)", hex.EncodeToString(frame))
	}
	actor := common.ActorID(frame[2 : 2+actorLen])
	payload := frame[2+actorLen:]
	return actor, payload, nil
}
