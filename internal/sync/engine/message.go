package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cuemby/graphdb-core/internal/common"
	"github.com/cuemby/graphdb-core/internal/wal"
)

// Message kinds exchanged over an established peer Connection, after
// the initial handshake. A batch is decoded as one unit (spec §4.7
// "Batching"): the receiver decodes every entry before applying any of
// them, so a malformed tail never yields a partial apply.
type msgKind byte

const (
	msgBatch       msgKind = 0x01
	msgAck         msgKind = 0x02
	msgClockUpdate msgKind = 0x03
)

func encodeBatch(entries []wal.Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(msgBatch))
	for _, e := range entries {
		encoded, err := wal.EncodeEntry(e)
		if err != nil {
			return nil, fmt.Errorf("engine: encode batch entry: %w", err)
		}
		buf.Write(encoded)
	}
	return buf.Bytes(), nil
}

// decodeBatch decodes every entry in a batch message, failing the
// whole batch if any entry is malformed.
func decodeBatch(data []byte) ([]wal.Entry, error) {
	r := bytes.NewReader(data)
	var entries []wal.Entry
	for {
		entry, err := wal.DecodeEntry(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("engine: decode batch entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func encodeAck(count uint64) []byte {
	buf := make([]byte, 1+8)
	buf[0] = byte(msgAck)
	binary.BigEndian.PutUint64(buf[1:], count)
	return buf
}

func decodeAck(data []byte) (uint64, error) {
	if len(data) < 9 {
		return 0, fmt.Errorf("engine: ack frame too short")
	}
	return binary.BigEndian.Uint64(data[1:9]), nil
}

func encodeClockUpdate(pc PeerClock) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(msgClockUpdate))
	entries := pc.toClock().Entries()
	countBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(countBytes, uint32(len(entries)))
	buf.Write(countBytes)
	for _, e := range entries {
		nameBytes := []byte(e.Actor)
		lenBytes := make([]byte, 2)
		binary.BigEndian.PutUint16(lenBytes, uint16(len(nameBytes)))
		buf.Write(lenBytes)
		buf.Write(nameBytes)
		counterBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(counterBytes, e.Counter)
		buf.Write(counterBytes)
	}
	return buf.Bytes()
}

func decodeClockUpdate(data []byte) (PeerClock, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("engine: clock update frame too short")
	}
	pos := 1
	count := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4

	pc := make(PeerClock, count)
	for i := 0; i < count; i++ {
		if len(data) < pos+2 {
			return nil, fmt.Errorf("engine: truncated clock update entry")
		}
		nameLen := int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
		if len(data) < pos+nameLen+8 {
			return nil, fmt.Errorf("engine: truncated clock update entry body")
		}
		name := common.ActorID(data[pos : pos+nameLen])
		pos += nameLen
		counter := binary.BigEndian.Uint64(data[pos:])
		pos += 8
		pc[name] = common.Sequence(counter)
	}
	return pc, nil
}
