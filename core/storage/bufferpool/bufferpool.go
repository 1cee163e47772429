// Package bufferpool caches a bounded set of pages in memory, brokered
// through pin/unpin guards. It tracks dirtiness, evicts with an LRU-K
// policy, and never lets a dirty page reach disk before the WAL record
// covering its LSN is durable.
package bufferpool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nanodb/nanodb/core/storage/disk"
	"github.com/nanodb/nanodb/core/storage/page"
	"github.com/nanodb/nanodb/pkg/telemetry"
)

var (
	ErrPoolExhausted = errors.New("buffer pool exhausted: all frames pinned")
	ErrPageNotFound  = errors.New("page not found in buffer pool")
)

// LogFlusher is the WAL surface the pool needs: forcing the log through a
// page's last-applied LSN before that page is written back.
type LogFlusher interface {
	FlushUpto(page.LSN) error
}

// Mode selects the content latch a pin guard holds.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

// lruKHistory is the number of accesses tracked per frame (LRU-K, K=2).
const lruKHistory = 2

// frame is one in-memory page slot. Frames are owned exclusively by the
// pool; exactly one frame holds a given PageID at a time. The pin count,
// page table entry and LRU-K history are guarded by the pool mutex; the
// dirty flag and LSN are atomics so a write guard can update them without
// taking the pool mutex while holding the content latch.
type frame struct {
	idx  int
	id   page.PageID
	data []byte

	pinCount uint32
	dirty    atomic.Bool
	lsn      atomic.Uint64

	// latch protects the frame's content bytes. It is acquired through
	// the pin guard, after the pin count is already visible to the
	// eviction scan.
	latch sync.RWMutex

	// history[0] is the most recent access on the pool's logical clock.
	history  [lruKHistory]uint64
	accesses uint64
}

func (f *frame) reset() {
	f.id = page.InvalidPageID
	f.pinCount = 0
	f.dirty.Store(false)
	f.lsn.Store(uint64(page.InvalidLSN))
	f.history = [lruKHistory]uint64{}
	f.accesses = 0
	clear(f.data)
}

// Manager is the buffer pool.
type Manager struct {
	diskManager *disk.Manager
	log         LogFlusher
	logger      *zap.Logger
	metrics     *telemetry.StorageMetrics

	mu        sync.Mutex
	frames    []*frame
	pageTable map[page.PageID]int
	clock     uint64
}

// New creates a pool of poolSize frames over the disk manager. The log
// flusher enforces the WAL-before-write precondition on every flush.
func New(poolSize int, diskManager *disk.Manager, log LogFlusher, logger *zap.Logger, metrics *telemetry.StorageMetrics) *Manager {
	frames := make([]*frame, poolSize)
	for i := range frames {
		frames[i] = &frame{idx: i, id: page.InvalidPageID, data: make([]byte, page.PageSize)}
	}
	return &Manager{
		diskManager: diskManager,
		log:         log,
		logger:      logger,
		metrics:     metrics,
		frames:      frames,
		pageTable:   make(map[page.PageID]int, poolSize),
	}
}

// PinnedPage is a borrow of one frame's contents. Holding it prevents
// eviction and grants shared or exclusive content access per its mode.
// It must be released exactly once.
type PinnedPage struct {
	pool     *Manager
	frame    *frame
	mode     Mode
	released bool
}

func (p *PinnedPage) ID() page.PageID { return p.frame.id }

// Data exposes the frame's bytes for the duration of the borrow.
func (p *PinnedPage) Data() []byte { return p.frame.data }

// Slotted interprets the frame as a slotted page.
func (p *PinnedPage) Slotted() *page.SlottedPage { return page.Wrap(p.frame.data) }

// LSN returns the last-applied LSN recorded for the frame.
func (p *PinnedPage) LSN() page.LSN { return page.LSN(p.frame.lsn.Load()) }

// MarkDirty records that the frame's contents were mutated under lsn.
// Requires a write-mode pin.
func (p *PinnedPage) MarkDirty(lsn page.LSN) {
	if p.mode != ModeWrite {
		panic("MarkDirty on a read-mode pin")
	}
	p.frame.lsn.Store(uint64(lsn))
	p.frame.dirty.Store(true)
}

// Release unlocks the content latch and unpins the frame. At pin count
// zero the frame becomes eviction-eligible again.
func (p *PinnedPage) Release() {
	if p.released {
		return
	}
	p.released = true
	// The latch must drop before the pin: an eviction scan only touches
	// frames whose pin count is zero, and a pin count of zero must imply
	// a free latch.
	if p.mode == ModeWrite {
		p.frame.latch.Unlock()
	} else {
		p.frame.latch.RUnlock()
	}
	p.pool.mu.Lock()
	if p.frame.pinCount > 0 {
		p.frame.pinCount--
	}
	p.pool.mu.Unlock()
}

// FetchPage returns a pinned guard over the page, loading it from disk if
// it is not resident. Fails fast with ErrPoolExhausted when every frame
// is pinned; callers decide whether to retry.
func (m *Manager) FetchPage(id page.PageID, mode Mode) (*PinnedPage, error) {
	if id == page.InvalidPageID {
		return nil, fmt.Errorf("%w: invalid page id", ErrPageNotFound)
	}
	m.mu.Lock()
	if idx, ok := m.pageTable[id]; ok {
		f := m.frames[idx]
		f.pinCount++
		m.recordAccess(f)
		m.mu.Unlock()
		m.metrics.PoolHit()
		return m.lockGuard(f, mode), nil
	}

	f, err := m.victimLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if err := m.evictLocked(f); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	if err := m.diskManager.ReadPage(id, f.data); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to read page %d from disk: %w", id, err)
	}
	sp := page.Wrap(f.data)
	if err := sp.VerifyChecksum(); err != nil {
		f.reset()
		m.mu.Unlock()
		return nil, err
	}
	f.id = id
	f.pinCount = 1
	f.dirty.Store(false)
	f.lsn.Store(uint64(sp.LSN()))
	m.pageTable[id] = f.idx
	m.recordAccess(f)
	m.mu.Unlock()
	m.metrics.PoolMiss()
	return m.lockGuard(f, mode), nil
}

// NewPage allocates a fresh page on disk and installs it pinned. The
// caller formats the buffer and logs the allocation.
func (m *Manager) NewPage(mode Mode) (*PinnedPage, error) {
	m.mu.Lock()
	f, err := m.victimLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if err := m.evictLocked(f); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	id, err := m.diskManager.AllocatePage()
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to allocate page on disk: %w", err)
	}
	f.id = id
	f.pinCount = 1
	f.dirty.Store(true)
	f.lsn.Store(uint64(page.InvalidLSN))
	m.pageTable[id] = f.idx
	m.recordAccess(f)
	m.mu.Unlock()
	return m.lockGuard(f, mode), nil
}

// lockGuard acquires the content latch for the requested mode. The pin
// count is already published, so the frame cannot be evicted while we
// wait here.
func (m *Manager) lockGuard(f *frame, mode Mode) *PinnedPage {
	if mode == ModeWrite {
		f.latch.Lock()
	} else {
		f.latch.RLock()
	}
	return &PinnedPage{pool: m, frame: f, mode: mode}
}

// recordAccess advances the logical clock and pushes the access into the
// frame's LRU-K history. Must be called with m.mu held.
func (m *Manager) recordAccess(f *frame) {
	m.clock++
	f.history[1] = f.history[0]
	f.history[0] = m.clock
	f.accesses++
}

// victimLocked selects the frame to reuse: an empty frame if one exists,
// otherwise the unpinned frame with the largest backward K-distance.
// Frames with fewer than K recorded accesses have infinite backward
// distance and are preferred victims, ties broken by the older first
// access. Must be called with m.mu held.
func (m *Manager) victimLocked() (*frame, error) {
	var coldVictim *frame // fewer than K accesses
	var warmVictim *frame // K or more accesses
	for _, f := range m.frames {
		if f.pinCount != 0 {
			continue
		}
		if f.id == page.InvalidPageID {
			return f, nil
		}
		if f.accesses < lruKHistory {
			if coldVictim == nil || f.history[0] < coldVictim.history[0] {
				coldVictim = f
			}
		} else if coldVictim == nil {
			if warmVictim == nil || f.history[1] < warmVictim.history[1] {
				warmVictim = f
			}
		}
	}
	if coldVictim != nil {
		return coldVictim, nil
	}
	if warmVictim != nil {
		return warmVictim, nil
	}
	return nil, ErrPoolExhausted
}

// evictLocked writes the frame back if dirty (WAL first) and clears it.
// Must be called with m.mu held and f unpinned.
func (m *Manager) evictLocked(f *frame) error {
	if f.id == page.InvalidPageID {
		f.reset()
		return nil
	}
	if f.dirty.Load() {
		if err := m.writeBack(f); err != nil {
			return fmt.Errorf("failed to flush dirty victim page %d: %w", f.id, err)
		}
	}
	delete(m.pageTable, f.id)
	m.logger.Debug("evicted page", zap.Uint64("page_id", uint64(f.id)))
	m.metrics.PoolEviction()
	f.reset()
	return nil
}

// writeBack flushes one dirty frame: WAL through the frame's LSN, then
// the page image sealed with its checksum. The checksum goes into a
// scratch copy rather than the frame, so a shared content latch (or the
// pool mutex with the frame unpinned) is enough and concurrent flushers
// never write to the frame bytes.
func (m *Manager) writeBack(f *frame) error {
	lsn := page.LSN(f.lsn.Load())
	if m.log != nil {
		if err := m.log.FlushUpto(lsn); err != nil {
			return fmt.Errorf("failed to flush WAL through lsn %d: %w", lsn, err)
		}
	}
	img := make([]byte, page.PageSize)
	copy(img, f.data)
	page.Wrap(img).Seal()
	if err := m.diskManager.WritePage(f.id, img); err != nil {
		return err
	}
	f.dirty.Store(false)
	m.metrics.PageWriteBack()
	return nil
}

// FlushPage writes a resident page back to disk if it is dirty.
func (m *Manager) FlushPage(id page.PageID) error {
	m.mu.Lock()
	idx, ok := m.pageTable[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: page %d", ErrPageNotFound, id)
	}
	f := m.frames[idx]
	f.pinCount++ // hold the frame across the latch wait
	m.mu.Unlock()

	f.latch.RLock()
	var err error
	if f.dirty.Load() {
		err = m.writeBack(f)
	}
	f.latch.RUnlock()

	m.mu.Lock()
	f.pinCount--
	m.mu.Unlock()
	return err
}

// FlushAll writes every dirty frame back and syncs the page file. Frames
// mid-mutation are waited for via their content latch.
func (m *Manager) FlushAll() error {
	m.mu.Lock()
	candidates := make([]*frame, 0, len(m.frames))
	for _, f := range m.frames {
		if f.id != page.InvalidPageID && f.dirty.Load() {
			f.pinCount++
			candidates = append(candidates, f)
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, f := range candidates {
		f.latch.RLock()
		var err error
		if f.dirty.Load() {
			err = m.writeBack(f)
		}
		f.latch.RUnlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		m.mu.Lock()
		f.pinCount--
		m.mu.Unlock()
	}
	if err := m.diskManager.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Resident reports whether the page currently occupies a frame.
func (m *Manager) Resident(id page.PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pageTable[id]
	return ok
}
