// Package wal implements the segmented write-ahead log. Every structural
// or tuple-level page mutation is appended here before the mutated page
// may reach stable storage; recovery replays the log forward from the
// last checkpoint (redo-only, idempotent physical images).
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/nanodb/nanodb/core/storage/page"
	"github.com/nanodb/nanodb/pkg/telemetry"
)

const (
	segmentPrefix = "wal-"
	segmentSuffix = ".log"

	flushInterval = 100 * time.Millisecond
)

// Manager owns the log directory, the LSN counter, and the durability
// watermark. Appends are serialized by a single log-tail lock; LSN
// assignment and buffer append are atomic with respect to each other, so
// records become durable in LSN order.
type Manager struct {
	dir     string
	logger  *zap.Logger
	metrics *telemetry.StorageMetrics

	mu           sync.Mutex
	file         *os.File
	segmentStart page.LSN // LSN of the first record in the active segment
	segmentSize  int64    // bytes of the active segment, buffered included
	segmentLimit int64
	buf          []byte
	bufLimit     int
	nextLSN      uint64 // next LSN to assign; 1-based

	durableLSN atomic.Uint64

	stopChan chan struct{}
	wg       sync.WaitGroup
	closed   bool
}

// segmentInfo describes one on-disk log segment; the filename encodes the
// LSN of the first record it holds.
type segmentInfo struct {
	path     string
	startLSN page.LSN
	size     int64
}

// Open initializes the log manager over dir, creating it if needed. If
// segments already exist, the tail of the last segment is scanned and a
// torn final record (partial write from a crash) is discarded.
func Open(dir string, bufferSize int, segmentLimit int64, logger *zap.Logger, metrics *telemetry.StorageMetrics) (*Manager, error) {
	if bufferSize <= 0 {
		return nil, fmt.Errorf("log buffer size must be positive")
	}
	if segmentLimit < int64(bufferSize) {
		return nil, fmt.Errorf("log segment size limit (%d) must be >= buffer size (%d)", segmentLimit, bufferSize)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	m := &Manager{
		dir:          dir,
		logger:       logger,
		metrics:      metrics,
		segmentLimit: segmentLimit,
		buf:          make([]byte, 0, bufferSize),
		bufLimit:     bufferSize,
		stopChan:     make(chan struct{}),
	}

	segments, err := m.listSegments()
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		if err := m.openSegment(1); err != nil {
			return nil, err
		}
		m.nextLSN = 1
	} else {
		last := segments[len(segments)-1]
		lastLSN, validSize, err := scanSegment(last)
		if err != nil {
			return nil, err
		}
		if validSize < last.size {
			logger.Warn("discarding torn tail of last log segment",
				zap.String("segment", last.path),
				zap.Int64("valid_bytes", validSize),
				zap.Int64("file_bytes", last.size))
			if err := os.Truncate(last.path, validSize); err != nil {
				return nil, fmt.Errorf("failed to truncate torn log segment %s: %w", last.path, err)
			}
		}
		file, err := os.OpenFile(last.path, os.O_RDWR|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to open log segment %s: %w", last.path, err)
		}
		m.file = file
		m.segmentStart = last.startLSN
		m.segmentSize = validSize
		m.nextLSN = uint64(lastLSN) + 1
	}
	m.durableLSN.Store(m.nextLSN - 1)

	m.wg.Add(1)
	go m.flusher()

	logger.Info("write-ahead log opened",
		zap.String("dir", dir),
		zap.Uint64("next_lsn", m.nextLSN))
	return m, nil
}

// NextLSN returns the LSN the next appended record will receive.
func (m *Manager) NextLSN() page.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return page.LSN(m.nextLSN)
}

// DurableLSN returns the highest LSN known to be on stable storage.
func (m *Manager) DurableLSN() page.LSN {
	return page.LSN(m.durableLSN.Load())
}

// Append assigns the next LSN to the record and buffers it. The record is
// not durable until a flush carries its LSN; callers gate page write-back
// on FlushUpto.
func (m *Manager) Append(rec *LogRecord) (page.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return page.InvalidLSN, fmt.Errorf("log manager is closed")
	}

	rec.LSN = page.LSN(m.nextLSN)
	payload, err := rec.encodePayload()
	if err != nil {
		return page.InvalidLSN, err
	}
	framed := frame(payload)

	if m.segmentSize+int64(len(framed)) > m.segmentLimit && m.segmentSize > 0 {
		if err := m.rollSegmentLocked(rec.LSN); err != nil {
			return page.InvalidLSN, fmt.Errorf("failed to roll log segment: %w", err)
		}
	}
	if len(m.buf)+len(framed) > m.bufLimit {
		if err := m.flushLocked(); err != nil {
			return page.InvalidLSN, fmt.Errorf("failed to flush log buffer before append: %w", err)
		}
	}

	m.buf = append(m.buf, framed...)
	m.segmentSize += int64(len(framed))
	m.nextLSN++
	m.metrics.WALAppend()
	return rec.LSN, nil
}

// FlushUpto forces buffered records through the given LSN to stable
// storage. A failure here is fatal to the engine: durability can no
// longer be guaranteed past an unflushable log.
func (m *Manager) FlushUpto(lsn page.LSN) error {
	if page.LSN(m.durableLSN.Load()) >= lsn {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

// Sync forces everything buffered to stable storage.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

// flushLocked writes the buffer to the active segment and syncs it.
// Must be called with m.mu held.
func (m *Manager) flushLocked() error {
	if len(m.buf) == 0 {
		// Nothing buffered; everything assigned is already on disk.
		m.durableLSN.Store(m.nextLSN - 1)
		return nil
	}
	if m.file == nil {
		return fmt.Errorf("log file is not open, cannot flush")
	}
	n, err := m.file.Write(m.buf)
	if err != nil {
		return fmt.Errorf("failed to write log buffer to file: %w", err)
	}
	if n != len(m.buf) {
		return fmt.Errorf("short write to log file: expected %d, wrote %d", len(m.buf), n)
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	m.metrics.WALFlushed(int64(n))
	m.buf = m.buf[:0]
	m.durableLSN.Store(m.nextLSN - 1)
	return nil
}

// rollSegmentLocked closes the active segment and opens a new one whose
// first record will be nextStart. Must be called with m.mu held.
func (m *Manager) rollSegmentLocked(nextStart page.LSN) error {
	if err := m.flushLocked(); err != nil {
		return err
	}
	if m.file != nil {
		if err := m.file.Close(); err != nil {
			return fmt.Errorf("failed to close log segment: %w", err)
		}
		m.file = nil
	}
	m.logger.Info("rolling write-ahead log segment",
		zap.Uint64("next_segment_start_lsn", uint64(nextStart)))
	return m.openSegment(nextStart)
}

// openSegment creates the segment file whose name encodes its first LSN.
func (m *Manager) openSegment(start page.LSN) error {
	path := m.segmentPath(start)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("failed to open log segment %s: %w", path, err)
	}
	m.file = file
	m.segmentStart = start
	m.segmentSize = 0
	return nil
}

func (m *Manager) segmentPath(start page.LSN) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s%020d%s", segmentPrefix, uint64(start), segmentSuffix))
}

// listSegments returns the on-disk segments ordered by starting LSN.
func (m *Manager) listSegments() ([]segmentInfo, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory %s: %w", m.dir, err)
	}
	var segments []segmentInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		numeric := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
		start, err := strconv.ParseUint(numeric, 10, 64)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat log segment %s: %w", name, err)
		}
		segments = append(segments, segmentInfo{
			path:     filepath.Join(m.dir, name),
			startLSN: page.LSN(start),
			size:     info.Size(),
		})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].startLSN < segments[j].startLSN })
	return segments, nil
}

// scanSegment walks a segment's frames, returning the last valid record's
// LSN and the byte length of the valid prefix. A frame that is short or
// fails its checksum ends the scan; everything before it is valid.
func scanSegment(seg segmentInfo) (page.LSN, int64, error) {
	file, err := os.Open(seg.path)
	if err != nil {
		return page.InvalidLSN, 0, fmt.Errorf("failed to open log segment %s: %w", seg.path, err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	lastLSN := seg.startLSN - 1
	var validSize int64
	for {
		payload, err := readFrame(reader)
		if err != nil {
			// io.EOF means a clean end; anything else is a torn or
			// corrupt frame and the valid prefix ends here.
			break
		}
		rec, err := decodePayload(payload)
		if err != nil {
			break
		}
		lastLSN = rec.LSN
		validSize += frameSize(len(payload))
	}
	return lastLSN, validSize, nil
}

// readFrame reads one length-prefixed, checksummed frame. Returns io.EOF
// on a clean segment end and ErrCorruptLog on a short or damaged frame.
func readFrame(reader *bufio.Reader) ([]byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(reader, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: truncated frame header: %v", ErrCorruptLog, err)
	}
	length := binary.LittleEndian.Uint32(header[0:])
	sum := binary.LittleEndian.Uint64(header[4:])
	if length == 0 || int(length) > maxRecordData+payloadHeaderSize {
		return nil, fmt.Errorf("%w: implausible frame length %d", ErrCorruptLog, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated frame payload: %v", ErrCorruptLog, err)
	}
	if xxhash.Sum64(payload) != sum {
		return nil, fmt.Errorf("%w: frame checksum mismatch", ErrCorruptLog)
	}
	return payload, nil
}

// Replay reads the log forward and calls apply for every record with
// LSN > fromLSN. The torn tail was already repaired at Open, so any
// damaged frame found here means mid-log corruption: startup must abort.
func (m *Manager) Replay(fromLSN page.LSN, apply func(*LogRecord) error) error {
	m.mu.Lock()
	if err := m.flushLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	segments, err := m.listSegments()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	for i, seg := range segments {
		// Skip segments that end before the replay horizon.
		if i+1 < len(segments) && segments[i+1].startLSN <= fromLSN+1 {
			continue
		}
		file, err := os.Open(seg.path)
		if err != nil {
			return fmt.Errorf("failed to open log segment %s for replay: %w", seg.path, err)
		}
		reader := bufio.NewReader(file)
		for {
			payload, err := readFrame(reader)
			if err == io.EOF {
				break
			}
			if err != nil {
				file.Close()
				return fmt.Errorf("replaying %s: %w", seg.path, err)
			}
			rec, err := decodePayload(payload)
			if err != nil {
				file.Close()
				return fmt.Errorf("replaying %s: %w", seg.path, err)
			}
			if rec.LSN <= fromLSN {
				continue
			}
			if err := apply(rec); err != nil {
				file.Close()
				return fmt.Errorf("applying log record %d: %w", rec.LSN, err)
			}
		}
		file.Close()
	}
	return nil
}

// TruncateBefore removes segments whose records all have LSN <= lsn.
// Called after a checkpoint makes older log prefixes redundant.
func (m *Manager) TruncateBefore(lsn page.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	segments, err := m.listSegments()
	if err != nil {
		return err
	}
	for i, seg := range segments {
		if i+1 >= len(segments) {
			break // never remove the active segment
		}
		if segments[i+1].startLSN > lsn+1 {
			break
		}
		if err := os.Remove(seg.path); err != nil {
			return fmt.Errorf("failed to remove log segment %s: %w", seg.path, err)
		}
		m.logger.Info("truncated write-ahead log segment",
			zap.String("segment", filepath.Base(seg.path)),
			zap.Uint64("through_lsn", uint64(segments[i+1].startLSN-1)))
	}
	return nil
}

// flusher periodically flushes the log buffer so appended records become
// durable without every caller paying a sync.
func (m *Manager) flusher() {
	defer m.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.mu.Lock()
			if len(m.buf) > 0 {
				if err := m.flushLocked(); err != nil {
					m.logger.Error("periodic log flush failed", zap.Error(err))
				}
			}
			m.mu.Unlock()
		}
	}
}

// Close flushes any remaining records and closes the active segment.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.flushLocked(); err != nil {
		return err
	}
	if m.file != nil {
		if err := m.file.Close(); err != nil {
			return fmt.Errorf("failed to close log segment: %w", err)
		}
		m.file = nil
	}
	m.logger.Info("write-ahead log closed")
	return nil
}
