package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/cuemby/graphdb-core/internal/common"
)

// EncodeEntry renders e in the bit-exact on-disk form from spec §6:
//
//	4 bytes  entry length (everything that follows through the CRC)
//	8 bytes  sequence number
//	8 bytes  timestamp (ms since epoch)
//	2 bytes  actor length; N bytes actor (UTF-8)
//	1 byte   op code
//	4 bytes  op body length; M bytes op body
//	4 bytes  CRC32 (IEEE) over every preceding byte of the entry,
//	         including the length prefix itself (P4 entry_bytes_before_crc)
func EncodeEntry(e Entry) ([]byte, error) {
	if len(e.Actor) > 0xFFFF {
		return nil, fmt.Errorf("wal: actor id too long (%d bytes)", len(e.Actor))
	}

	var body bytes.Buffer
	body.Write(uint64Bytes(uint64(e.Seq)))
	body.Write(uint64Bytes(uint64(e.Timestamp)))
	body.Write(uint16Bytes(uint16(len(e.Actor))))
	body.WriteString(string(e.Actor))
	body.WriteByte(byte(e.Op))
	body.Write(uint32Bytes(uint32(len(e.Body))))
	body.Write(e.Body)

	var beforeCRC bytes.Buffer
	beforeCRC.Write(uint32Bytes(uint32(body.Len() + 4)))
	beforeCRC.Write(body.Bytes())

	checksum := crc32.ChecksumIEEE(beforeCRC.Bytes())

	var out bytes.Buffer
	out.Write(beforeCRC.Bytes())
	out.Write(uint32Bytes(checksum))
	return out.Bytes(), nil
}

// DecodeEntry reads one entry from r, verifying its CRC32. It returns
// io.EOF (unwrapped) when r is exhausted at an entry boundary, and a
// non-EOF error on truncation or checksum mismatch — both of which the
// caller (SegmentReader / replay) treats as corruption requiring
// quarantine of the remainder of the segment.
func DecodeEntry(r io.Reader) (Entry, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Entry{}, fmt.Errorf("wal: truncated entry length prefix: %w", err)
		}
		return Entry{}, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length < 4 {
		return Entry{}, fmt.Errorf("wal: entry length %d shorter than crc field", length)
	}
	bodyLen := length - 4

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Entry{}, fmt.Errorf("wal: truncated entry body: %w", err)
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return Entry{}, fmt.Errorf("wal: truncated entry crc: %w", err)
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf[:])

	gotCRC := crc32.NewIEEE()
	gotCRC.Write(lenBuf[:])
	gotCRC.Write(body)
	if gotCRC.Sum32() != wantCRC {
		return Entry{}, fmt.Errorf("wal: crc mismatch (entry corrupt): want %08x got %08x", wantCRC, gotCRC.Sum32())
	}

	return decodeEntryBody(body)
}

func decodeEntryBody(body []byte) (Entry, error) {
	if len(body) < 8+8+2 {
		return Entry{}, fmt.Errorf("wal: entry body too short")
	}
	var e Entry
	off := 0
	e.Seq = common.Sequence(binary.LittleEndian.Uint64(body[off:]))
	off += 8
	e.Timestamp = common.Timestamp(binary.LittleEndian.Uint64(body[off:]))
	off += 8
	actorLen := int(binary.LittleEndian.Uint16(body[off:]))
	off += 2
	if off+actorLen > len(body) {
		return Entry{}, fmt.Errorf("wal: actor length overruns entry")
	}
	e.Actor = common.ActorID(body[off : off+actorLen])
	off += actorLen
	if off+1+4 > len(body) {
		return Entry{}, fmt.Errorf("wal: entry missing op/body-length")
	}
	e.Op = OpCode(body[off])
	off++
	bodyLen := int(binary.LittleEndian.Uint32(body[off:]))
	off += 4
	if off+bodyLen != len(body) {
		return Entry{}, fmt.Errorf("wal: op body length mismatch")
	}
	e.Body = append([]byte(nil), body[off:off+bodyLen]...)
	return e, nil
}

func uint64Bytes(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func uint32Bytes(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func uint16Bytes(v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return b[:]
}

// Segment is a single WAL segment file: a 64-byte header (spec §6)
// followed by an append-only stream of entries.
type Segment struct {
	mu       sync.RWMutex
	path     string
	index    common.SegmentID
	file     *os.File
	writer   *bufio.Writer
	size     int64
	minSeq   common.Sequence
	maxSeq   common.Sequence
	hasEntry bool
	closed   bool
	sealed   bool
	header   SegmentHeader
}

// SegmentHeader mirrors spec §6's fixed 64-byte segment header.
type SegmentHeader struct {
	Index         common.SegmentID
	CreatedAt     common.Timestamp
	Encrypted     bool
	WrappedKeyTag [32]byte // wrapped segment key ciphertext + GCM tag, when Encrypted
}

func (h SegmentHeader) encode() []byte {
	buf := make([]byte, segmentHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], segmentMagic)
	binary.LittleEndian.PutUint16(buf[4:6], segmentFormatVersion)
	flags := uint16(0)
	if h.Encrypted {
		flags |= segmentFlagEncrypted
	}
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.Index))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.CreatedAt))
	copy(buf[24:56], h.WrappedKeyTag[:])
	// buf[56:64] reserved, zero.
	return buf
}

func decodeSegmentHeader(buf []byte) (SegmentHeader, error) {
	if len(buf) < segmentHeaderSize {
		return SegmentHeader{}, fmt.Errorf("wal: segment header truncated")
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != segmentMagic {
		return SegmentHeader{}, fmt.Errorf("wal: bad segment magic %08x", magic)
	}
	flags := binary.LittleEndian.Uint16(buf[6:8])
	h := SegmentHeader{
		Index:     common.SegmentID(binary.LittleEndian.Uint64(buf[8:16])),
		CreatedAt: common.Timestamp(binary.LittleEndian.Uint64(buf[16:24])),
		Encrypted: flags&segmentFlagEncrypted != 0,
	}
	copy(h.WrappedKeyTag[:], buf[24:56])
	return h, nil
}

// CreateSegment creates a brand-new, empty segment file and writes its header.
func CreateSegment(path string, header SegmentHeader) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: create segment: %w", err)
	}
	header.CreatedAt = common.Now()
	if _, err := file.Write(header.encode()); err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: write segment header: %w", err)
	}
	return &Segment{
		path:   path,
		index:  header.Index,
		file:   file,
		writer: bufio.NewWriter(file),
		size:   segmentHeaderSize,
		header: header,
	}, nil
}

// OpenSegment opens an existing segment for continued appends, scanning
// it to recover min/max sequence numbers and current size.
func OpenSegment(path string) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment: %w", err)
	}
	headerBuf := make([]byte, segmentHeaderSize)
	if _, err := io.ReadFull(file, headerBuf); err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: read segment header: %w", err)
	}
	header, err := decodeSegmentHeader(headerBuf)
	if err != nil {
		file.Close()
		return nil, err
	}

	s := &Segment{path: path, index: header.Index, file: file, header: header}
	if err := s.scan(); err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, err
	}
	s.writer = bufio.NewWriter(file)
	return s, nil
}

// scan replays the segment's own entries to recover size and sequence
// bounds; it never returns an error for a corrupt tail — that is the
// reader/replay path's job (segment isolation, spec P5). It is only
// used to recover append-time bookkeeping for an active segment, so a
// corrupt tail here means the file is truncated to the last valid entry.
func (s *Segment) scan() error {
	if _, err := s.file.Seek(segmentHeaderSize, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(s.file)
	offset := int64(segmentHeaderSize)
	for {
		entry, err := DecodeEntry(r)
		if err != nil {
			if err == io.EOF {
				break
			}
			// Truncate to the last good offset so future appends don't
			// corrupt the stream further.
			if truncErr := s.file.Truncate(offset); truncErr != nil {
				return fmt.Errorf("wal: truncate after scan error: %w", truncErr)
			}
			break
		}
		encoded, encErr := EncodeEntry(entry)
		if encErr != nil {
			return encErr
		}
		offset += int64(len(encoded))
		if !s.hasEntry || entry.Seq < s.minSeq {
			s.minSeq = entry.Seq
		}
		if entry.Seq > s.maxSeq {
			s.maxSeq = entry.Seq
		}
		s.hasEntry = true
	}
	s.size = offset
	return nil
}

// Append writes entry to the segment's buffered writer. The caller
// (Manager) is responsible for calling Sync per the configured
// durability level before releasing the sequence number to its own
// caller (spec §4.3 step 5, write-acceptance boundary).
func (s *Segment) Append(entry Entry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.sealed {
		return 0, fmt.Errorf("wal: segment is closed or sealed")
	}

	encoded, err := EncodeEntry(entry)
	if err != nil {
		return 0, err
	}
	if _, err := s.writer.Write(encoded); err != nil {
		return 0, fmt.Errorf("wal: write entry: %w", err)
	}

	s.size += int64(len(encoded))
	if !s.hasEntry || entry.Seq < s.minSeq {
		s.minSeq = entry.Seq
	}
	if entry.Seq > s.maxSeq {
		s.maxSeq = entry.Seq
	}
	s.hasEntry = true
	return s.size, nil
}

// Sync flushes the buffered writer and fsyncs the underlying file.
func (s *Segment) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("wal: segment is closed")
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush segment: %w", err)
	}
	return s.file.Sync()
}

// Seal marks the segment immutable; it may still be read but no longer
// appended to (spec §3 "Segment": "sealed once a newer segment opens").
func (s *Segment) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	s.sealed = true
	return nil
}

func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			return fmt.Errorf("wal: flush on close: %w", err)
		}
	}
	return s.file.Close()
}

func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *Segment) Path() string { return s.path }

func (s *Segment) Index() common.SegmentID { return s.index }

func (s *Segment) MinSeq() common.Sequence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minSeq
}

func (s *Segment) MaxSeq() common.Sequence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSeq
}

func (s *Segment) HasEntries() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasEntry
}

func (s *Segment) Header() SegmentHeader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.header
}

// NewReader opens an independent read handle over the segment for
// replay, positioned just after the header.
func (s *Segment) NewReader() (*SegmentReader, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment for read: %w", err)
	}
	if _, err := file.Seek(segmentHeaderSize, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}
	return &SegmentReader{file: file, reader: bufio.NewReader(file)}, nil
}

// SegmentReader sequentially decodes entries from one segment.
type SegmentReader struct {
	file   *os.File
	reader *bufio.Reader
}

// Next returns the next entry, io.EOF at a clean end of stream, or a
// non-EOF error if the stream is corrupt or truncated mid-entry — the
// caller should quarantine the remainder of the segment in that case
// (spec §4.3 Replay, P5 segment isolation).
func (sr *SegmentReader) Next() (Entry, error) {
	return DecodeEntry(sr.reader)
}

func (sr *SegmentReader) Close() error {
	return sr.file.Close()
}
