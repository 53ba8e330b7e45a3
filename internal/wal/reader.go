package wal

import (
	"io"
	"sync"

	"github.com/cuemby/graphdb-core/internal/common"
)

// Reader reads entries across a manager's segments in order, starting
// from a given sequence number. If a segment's tail is corrupt, Reader
// quarantines that segment path and moves to the next one instead of
// failing the whole replay (spec §4.3 Replay, P5 segment isolation).
type Reader struct {
	mu          sync.Mutex
	manager     *Manager
	metas       []segmentMeta
	index       int
	fromSeq     common.Sequence
	current     *SegmentReader
	closed      bool
	Quarantined []string
}

func newReader(m *Manager, metas []segmentMeta, fromSeq common.Sequence) *Reader {
	start := 0
	for i, meta := range metas {
		if meta.hasAny && meta.maxSeq < fromSeq {
			start = i + 1
			continue
		}
		break
	}
	return &Reader{manager: m, metas: metas, index: start, fromSeq: fromSeq}
}

// Next returns the next entry at or after fromSeq, or io.EOF once every
// segment has been exhausted.
func (r *Reader) Next() (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Entry{}, io.EOF
	}

	for {
		if r.current == nil {
			if err := r.openCurrent(); err != nil {
				return Entry{}, err
			}
			if r.current == nil {
				return Entry{}, io.EOF // no more segments
			}
		}

		entry, err := r.current.Next()
		if err == nil {
			if entry.Seq < r.fromSeq {
				continue
			}
			return entry, nil
		}

		r.current.Close()
		r.current = nil

		if err != io.EOF {
			// Corrupt tail: quarantine this segment's path and move on
			// rather than aborting the whole replay.
			r.Quarantined = append(r.Quarantined, r.metas[r.index].path)
		}
		r.index++
	}
}

func (r *Reader) openCurrent() error {
	for r.index < len(r.metas) {
		meta := r.metas[r.index]
		seg, err := r.manager.segmentForRead(meta)
		if err != nil {
			r.index++
			continue
		}
		sr, err := seg.NewReader()
		if err != nil {
			r.index++
			continue
		}
		r.current = sr
		return nil
	}
	return nil
}

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.current != nil {
		return r.current.Close()
	}
	return nil
}
