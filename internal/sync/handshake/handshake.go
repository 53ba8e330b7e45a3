// Package handshake implements the sync engine's per-peer handshake:
// the bit-exact wire greeting from spec §6 ("Peer handshake") plus an
// optional JWT device-attestation token layered on top so a peer can
// be rejected before any CRDT state is exchanged (enrichment grounded
// on internal/auth/token.go's JWT issuance pattern).
package handshake

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cuemby/graphdb-core/internal/clock"
	"github.com/cuemby/graphdb-core/internal/common"
)

const ProtocolVersion byte = 0x01

// Greeting is the spec §6 "Peer handshake" payload: protocol version,
// topic, actor id, and a clock summary (sorted actor/counter pairs)
// letting each side compute what the other is missing.
type Greeting struct {
	Topic       [32]byte
	Actor       common.ActorID
	ClockSummary clock.Clock
}

// Encode renders g in the spec's bit-exact wire format: 1 byte
// version, 32 byte topic, length-prefixed actor id, length-prefixed
// sorted (actor, u64) clock pairs.
func Encode(g Greeting) []byte {
	entries := g.ClockSummary.Entries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Actor < entries[j].Actor })

	actorBytes := []byte(g.Actor)
	size := 1 + 32 + 2 + len(actorBytes) + 4
	for _, e := range entries {
		size += 2 + len(e.Actor) + 8
	}

	buf := make([]byte, size)
	pos := 0
	buf[pos] = ProtocolVersion
	pos++
	copy(buf[pos:], g.Topic[:])
	pos += 32
	binary.BigEndian.PutUint16(buf[pos:], uint16(len(actorBytes)))
	pos += 2
	copy(buf[pos:], actorBytes)
	pos += len(actorBytes)
	binary.BigEndian.PutUint32(buf[pos:], uint32(len(entries)))
	pos += 4
	for _, e := range entries {
		eb := []byte(e.Actor)
		binary.BigEndian.PutUint16(buf[pos:], uint16(len(eb)))
		pos += 2
		copy(buf[pos:], eb)
		pos += len(eb)
		binary.BigEndian.PutUint64(buf[pos:], e.Counter)
		pos += 8
	}
	return buf
}

// Decode parses a Greeting produced by Encode.
func Decode(data []byte) (Greeting, error) {
	if len(data) < 1+32+2+4 {
		return Greeting{}, fmt.Errorf("handshake: frame too short")
	}
	pos := 0
	version := data[pos]
	pos++
	if version != ProtocolVersion {
		return Greeting{}, fmt.Errorf("handshake: unsupported protocol version %d", version)
	}

	var topic [32]byte
	copy(topic[:], data[pos:pos+32])
	pos += 32

	actorLen := int(binary.BigEndian.Uint16(data[pos:]))
	pos += 2
	if len(data) < pos+actorLen+4 {
		return Greeting{}, fmt.Errorf("handshake: truncated actor id")
	}
	actor := common.ActorID(data[pos : pos+actorLen])
	pos += actorLen

	count := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4

	entries := make([]clock.Entry, 0, count)
	for i := 0; i < count; i++ {
		if len(data) < pos+2 {
			return Greeting{}, fmt.Errorf("handshake: truncated clock entry")
		}
		nameLen := int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
		if len(data) < pos+nameLen+8 {
			return Greeting{}, fmt.Errorf("handshake: truncated clock entry body")
		}
		name := common.ActorID(data[pos : pos+nameLen])
		pos += nameLen
		counter := binary.BigEndian.Uint64(data[pos:])
		pos += 8
		entries = append(entries, clock.Entry{Actor: name, Counter: counter})
	}

	return Greeting{Topic: topic, Actor: actor, ClockSummary: clock.FromEntries(entries)}, nil
}

// deviceClaims is the device-attestation payload carried inside the
// JWT, binding a connecting actor id to the database's topic so a
// token minted for one store can't attest into another.
type deviceClaims struct {
	ActorID common.ActorID `json:"actor_id"`
	Topic   string         `json:"topic"`
	jwt.RegisteredClaims
}

// DeviceAuthenticator issues and verifies short-lived device
// attestation tokens exchanged alongside the raw handshake, so a peer
// without a valid token for its actor id and this topic is rejected at
// connect time. It does not consult the revocation list; writes from
// revoked actors are discarded in apply_remote.
type DeviceAuthenticator struct {
	secret []byte
	ttl    time.Duration
}

func NewDeviceAuthenticator(secret []byte, ttl time.Duration) *DeviceAuthenticator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &DeviceAuthenticator{secret: secret, ttl: ttl}
}

func (a *DeviceAuthenticator) IssueToken(actor common.ActorID, topic [32]byte) (string, error) {
	now := time.Now()
	claims := &deviceClaims{
		ActorID: actor,
		Topic:   fmt.Sprintf("%x", topic),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(actor),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// VerifyToken checks signature, expiry, and that the token attests the
// expected actor into the expected topic.
func (a *DeviceAuthenticator) VerifyToken(tokenString string, wantActor common.ActorID, wantTopic [32]byte) error {
	claims := &deviceClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return common.WrapError(common.ErrAuthFailed, "handshake: invalid device token", err)
	}
	if claims.ActorID != wantActor {
		return common.NewError(common.ErrAuthFailed, "handshake: device token actor mismatch")
	}
	if claims.Topic != fmt.Sprintf("%x", wantTopic) {
		return common.NewError(common.ErrAuthFailed, "handshake: device token topic mismatch")
	}
	return nil
}
