package wal

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/cuemby/graphdb-core/internal/common"
	"github.com/cuemby/graphdb-core/internal/config"
)

const segmentFileExt = ".seg"

// ManagerConfig configures a Manager; it's a narrow projection of
// config.Config so the wal package doesn't depend on the whole store.
type ManagerConfig struct {
	DataDir         string
	SegmentMaxBytes int64
	Durability      config.Durability
	MaxOpenSegments int
}

type segmentMeta struct {
	index  common.SegmentID
	path   string
	minSeq common.Sequence
	maxSeq common.Sequence
	hasAny bool
}

// Manager is the segmented write-ahead log (spec §4.3). A single append
// lock serializes writers; sealed segments are served through a bounded
// LRU of open file handles so a long-lived store doesn't accumulate an
// unbounded number of file descriptors (spec §5 "Resource limits",
// default 32).
type Manager struct {
	mu      sync.Mutex
	cfg     ManagerConfig
	metas   []segmentMeta // ascending by index, includes the current segment
	current *Segment
	nextSeq common.Sequence
	fds     *lru.Cache // segment index -> *Segment, excludes current
	closed  bool
}

// NewManager opens (or creates) the WAL rooted at cfg.DataDir, replaying
// segment metadata to recover the next sequence number.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.MaxOpenSegments <= 0 {
		cfg.MaxOpenSegments = config.DefaultMaxOpenSegments
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("wal: create data dir: %w", err)
	}

	fds, err := lru.NewWithEvict(cfg.MaxOpenSegments, func(key, value interface{}) {
		if seg, ok := value.(*Segment); ok {
			seg.Close()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("wal: create fd cache: %w", err)
	}

	m := &Manager{cfg: cfg, nextSeq: 1, fds: fds}
	if err := m.loadSegments(); err != nil {
		return nil, fmt.Errorf("wal: load segments: %w", err)
	}
	if m.current == nil {
		if err := m.createNewSegment(); err != nil {
			return nil, fmt.Errorf("wal: create initial segment: %w", err)
		}
	}
	return m, nil
}

func (m *Manager) loadSegments() error {
	dirEntries, err := os.ReadDir(m.cfg.DataDir)
	if err != nil {
		return err
	}

	var metas []segmentMeta
	for _, de := range dirEntries {
		if de.IsDir() || filepath.Ext(de.Name()) != segmentFileExt {
			continue
		}
		base := strings.TrimSuffix(de.Name(), segmentFileExt)
		idx, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue // not one of ours; ignore rather than fail the whole open
		}
		path := filepath.Join(m.cfg.DataDir, de.Name())
		seg, err := OpenSegment(path)
		if err != nil {
			return fmt.Errorf("open segment %s: %w", path, err)
		}
		metas = append(metas, segmentMeta{
			index:  common.SegmentID(idx),
			path:   path,
			minSeq: seg.MinSeq(),
			maxSeq: seg.MaxSeq(),
			hasAny: seg.HasEntries(),
		})
		seg.Close()
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].index < metas[j].index })
	m.metas = metas

	if len(metas) == 0 {
		return nil
	}

	last := metas[len(metas)-1]
	current, err := OpenSegment(last.path)
	if err != nil {
		return fmt.Errorf("reopen current segment %s: %w", last.path, err)
	}
	m.current = current

	var maxSeq common.Sequence
	anyEntries := false
	for _, meta := range metas {
		if meta.hasAny && meta.maxSeq > maxSeq {
			maxSeq = meta.maxSeq
			anyEntries = true
		}
	}
	if anyEntries {
		m.nextSeq = maxSeq + 1
	}
	return nil
}

func (m *Manager) createNewSegment() error {
	var index common.SegmentID
	if len(m.metas) > 0 {
		index = m.metas[len(m.metas)-1].index + 1
	} else {
		index = 1
	}
	path := filepath.Join(m.cfg.DataDir, index.String()+segmentFileExt)
	seg, err := CreateSegment(path, SegmentHeader{Index: index})
	if err != nil {
		return err
	}
	m.metas = append(m.metas, segmentMeta{index: index, path: path})
	m.current = seg
	return nil
}

// Append assigns the next sequence number to entry, writes it to the
// active segment, and syncs it per the configured durability level
// before returning (spec §4.3 step 5, the write-acceptance boundary).
func (m *Manager) Append(ctx context.Context, entry Entry) (common.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, fmt.Errorf("wal: manager is closed")
	}

	if m.current.Size() >= m.cfg.SegmentMaxBytes {
		if err := m.rotate(); err != nil {
			return 0, fmt.Errorf("wal: rotate segment: %w", err)
		}
	}

	seq := m.nextSeq
	m.nextSeq++
	entry.Seq = seq

	if _, err := m.current.Append(entry); err != nil {
		return 0, fmt.Errorf("wal: append entry: %w", err)
	}

	meta := &m.metas[len(m.metas)-1]
	if !meta.hasAny || seq < meta.minSeq {
		meta.minSeq = seq
	}
	if seq > meta.maxSeq {
		meta.maxSeq = seq
	}
	meta.hasAny = true

	if m.cfg.Durability != config.DurabilityNone {
		if err := m.current.Sync(); err != nil {
			return 0, fmt.Errorf("wal: sync segment: %w", err)
		}
	}
	return seq, nil
}

func (m *Manager) rotate() error {
	if err := m.current.Seal(); err != nil {
		return err
	}
	return m.createNewSegment()
}

// ReadFrom opens a Reader over all entries with sequence >= fromSeq,
// spanning sealed and current segments in order.
func (m *Manager) ReadFrom(fromSeq common.Sequence) (*Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("wal: manager is closed")
	}

	metas := make([]segmentMeta, len(m.metas))
	copy(metas, m.metas)
	return newReader(m, metas, fromSeq), nil
}

// Replay calls handler for every entry from fromSeq onward, in order.
// Per spec P5, a corrupt segment is quarantined and replay continues
// with the next segment rather than aborting.
func (m *Manager) Replay(ctx context.Context, fromSeq common.Sequence, handler func(Entry) error) error {
	reader, err := m.ReadFrom(fromSeq)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		entry, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := handler(entry); err != nil {
			return fmt.Errorf("wal: replay handler failed at seq %d: %w", entry.Seq, err)
		}
	}
}

// Validate scans every segment end to end, quarantining (renaming)
// any segment whose tail is corrupt, and reports the findings without
// failing the open sequence (spec §4.3 "Validate").
func (m *Manager) Validate() (ValidationReport, error) {
	m.mu.Lock()
	metas := make([]segmentMeta, len(m.metas))
	copy(metas, m.metas)
	m.mu.Unlock()

	var report ValidationReport
	for _, meta := range metas {
		seg, err := OpenSegment(meta.path)
		if err != nil {
			report.CorruptedSegments++
			continue
		}
		reader, err := seg.NewReader()
		if err != nil {
			seg.Close()
			report.CorruptedSegments++
			continue
		}

		corrupt := false
		for {
			_, err := reader.Next()
			if err != nil {
				if err == io.EOF {
					break
				}
				corrupt = true
				report.CorruptedEntries++
				break
			}
			report.TotalEntries++
		}
		reader.Close()
		seg.Close()

		if corrupt {
			report.CorruptedSegments++
			quarantined := meta.path + ".quarantined"
			if err := os.Rename(meta.path, quarantined); err == nil {
				report.QuarantinedPaths = append(report.QuarantinedPaths, quarantined)
			}
		}
	}
	return report, nil
}

// Checkpoint deletes sealed segments whose entries are all <= upToSeq,
// keeping the active segment untouched (spec §4.3 "Checkpoint").
func (m *Manager) Checkpoint(ctx context.Context, upToSeq common.Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("wal: manager is closed")
	}

	kept := m.metas[:0:0]
	for _, meta := range m.metas {
		isCurrent := m.current != nil && meta.index == m.current.Index()
		if !isCurrent && meta.hasAny && meta.maxSeq <= upToSeq {
			m.fds.Remove(meta.index)
			if err := os.Remove(meta.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("wal: remove checkpointed segment: %w", err)
			}
			continue
		}
		kept = append(kept, meta)
	}
	m.metas = kept
	return nil
}

// SegmentInfo describes one on-disk segment file for archival/backup
// tooling that needs to read sealed segments without touching Manager
// internals.
type SegmentInfo struct {
	Index  common.SegmentID
	Path   string
	MinSeq common.Sequence
	MaxSeq common.Sequence
}

// SealedSegments returns every segment that is no longer being written
// to (i.e. excludes the current open segment), in ascending index
// order. Used by internal/archive to upload segments to cold storage
// before they become eligible for Checkpoint's local deletion.
func (m *Manager) SealedSegments() []SegmentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SegmentInfo, 0, len(m.metas))
	for _, meta := range m.metas {
		if m.current != nil && meta.index == m.current.Index() {
			continue
		}
		out = append(out, SegmentInfo{Index: meta.index, Path: meta.path, MinSeq: meta.minSeq, MaxSeq: meta.maxSeq})
	}
	return out
}

func (m *Manager) segmentForRead(meta segmentMeta) (*Segment, error) {
	if m.current != nil && meta.index == m.current.Index() {
		return m.current, nil
	}
	if cached, ok := m.fds.Get(meta.index); ok {
		return cached.(*Segment), nil
	}
	seg, err := OpenSegment(meta.path)
	if err != nil {
		return nil, err
	}
	m.fds.Add(meta.index, seg)
	return seg, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	for _, key := range m.fds.Keys() {
		if seg, ok := m.fds.Get(key); ok {
			seg.(*Segment).Close()
		}
	}
	if m.current != nil {
		return m.current.Close()
	}
	return nil
}

// Stats summarizes the WAL's current size and sequence coverage.
type Stats struct {
	SegmentCount int
	TotalBytes   int64
	FirstSeq     common.Sequence
	LastSeq      common.Sequence
	NextSeq      common.Sequence
}

func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{SegmentCount: len(m.metas), NextSeq: m.nextSeq}
	for i, meta := range m.metas {
		if i == 0 {
			stats.FirstSeq = meta.minSeq
		}
		stats.LastSeq = meta.maxSeq
	}
	if m.current != nil {
		stats.TotalBytes = m.current.Size()
	}
	for _, meta := range m.metas {
		if m.current == nil || meta.index != m.current.Index() {
			if info, err := os.Stat(meta.path); err == nil {
				stats.TotalBytes += info.Size()
			}
		}
	}
	return stats
}
