// Package engine assembles the storage stack: a page file, its
// write-ahead log, the buffer pool and the primary key index. Opening an
// engine always runs redo recovery against the page file before any page
// is served from the pool, so a process crash at any point leaves the
// tree consistent up to the last synced log record.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nanodb/nanodb/config"
	"github.com/nanodb/nanodb/core/storage/btree"
	"github.com/nanodb/nanodb/core/storage/bufferpool"
	"github.com/nanodb/nanodb/core/storage/disk"
	"github.com/nanodb/nanodb/core/storage/page"
	"github.com/nanodb/nanodb/core/storage/wal"
	"github.com/nanodb/nanodb/pkg/telemetry"
)

var ErrClosed = errors.New("storage engine is closed")

// autoCheckpointInterval paces record-count checkpoints so a burst of
// writes cannot trigger them back to back.
const autoCheckpointInterval = 30 * time.Second

// Engine is the storage engine facade. All methods are safe for
// concurrent use.
type Engine struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *telemetry.StorageMetrics

	runID uuid.UUID

	disk *disk.Manager
	wal  *wal.Manager
	pool *bufferpool.Manager
	tree *btree.BTree

	checkpointPace *rate.Limiter
	recordsSince   atomic.Uint64

	// opMu quiesces mutations during a checkpoint: writers hold it
	// shared for the duration of one tree operation, the checkpoint
	// holds it exclusively so every logged record has reached its page
	// frame before the pool is flushed.
	opMu sync.RWMutex

	mu     sync.Mutex
	closed bool
}

// Open creates or opens the database named by cfg, replays the log and
// returns a ready engine.
func Open(cfg config.Config, logger *zap.Logger, metrics *telemetry.StorageMetrics) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	runID := uuid.New()
	logger.Info("opening storage engine",
		zap.String("run_id", runID.String()),
		zap.String("data_file", cfg.DataFile),
		zap.String("wal_dir", cfg.WALDir))

	dm, err := disk.Open(cfg.DataFile, logger)
	if errors.Is(err, disk.ErrDBFileNotFound) {
		dm, err = disk.Create(cfg.DataFile, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}

	wm, err := wal.Open(cfg.WALDir, cfg.WALBufferSize, cfg.WALSegmentSize, logger, metrics)
	if err != nil {
		dm.Close()
		return nil, fmt.Errorf("failed to open write-ahead log: %w", err)
	}

	header, err := dm.Header()
	if err != nil {
		wm.Close()
		dm.Close()
		return nil, err
	}
	if err := recoverPages(dm, wm, header.CheckpointLSN, logger); err != nil {
		wm.Close()
		dm.Close()
		return nil, err
	}
	if header, err = dm.Header(); err != nil {
		wm.Close()
		dm.Close()
		return nil, err
	}

	pool := bufferpool.New(cfg.PoolSize, dm, wm, logger, metrics)
	tree, err := btree.Open(pool, wm, btree.Options{
		RootID:         header.RootPageID,
		MaxNodeEntries: cfg.MaxNodeEntries,
		OnRootChange: func(id page.PageID) error {
			return dm.UpdateHeader(func(h *disk.FileHeader) { h.RootPageID = id })
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		wm.Close()
		dm.Close()
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	return &Engine{
		cfg:            cfg,
		logger:         logger,
		metrics:        metrics,
		runID:          runID,
		disk:           dm,
		wal:            wm,
		pool:           pool,
		tree:           tree,
		checkpointPace: rate.NewLimiter(rate.Every(autoCheckpointInterval), 1),
	}, nil
}

// recoverPages replays every log record past the checkpoint horizon
// directly against the page file. Redo is physical and idempotent: a
// record applies only when the on-disk page carries an older LSN, and a
// page that fails its checksum is overwritten unconditionally since a
// torn write cannot be trusted to report its own LSN.
func recoverPages(dm *disk.Manager, wm *wal.Manager, from page.LSN, logger *zap.Logger) error {
	var (
		applied int
		newRoot page.PageID
		buf     = make([]byte, page.PageSize)
	)
	err := wm.Replay(from, func(rec *wal.LogRecord) error {
		switch rec.Kind {
		case wal.RecordCheckpoint:
			return nil
		case wal.RecordRootChange:
			newRoot = rec.PageID
			return nil
		}
		if len(rec.Data) != page.PageSize {
			return fmt.Errorf("%w: record %d carries %d byte image", wal.ErrCorruptLog, rec.LSN, len(rec.Data))
		}
		if err := dm.EnsureAllocated(rec.PageID); err != nil {
			return err
		}
		if err := dm.ReadPage(rec.PageID, buf); err != nil {
			return err
		}
		onDisk := page.Wrap(buf)
		if onDisk.VerifyChecksum() == nil && onDisk.LSN() >= rec.LSN {
			return nil
		}
		copy(buf, rec.Data)
		img := page.Wrap(buf)
		img.SetLSN(rec.LSN)
		img.Seal()
		if err := dm.WritePage(rec.PageID, buf); err != nil {
			return err
		}
		applied++
		return nil
	})
	if err != nil {
		return fmt.Errorf("log replay failed: %w", err)
	}
	if newRoot != page.InvalidPageID {
		if err := dm.UpdateHeader(func(h *disk.FileHeader) { h.RootPageID = newRoot }); err != nil {
			return err
		}
	}
	if applied > 0 || newRoot != page.InvalidPageID {
		if err := dm.Sync(); err != nil {
			return err
		}
	}
	logger.Info("recovery complete",
		zap.Uint64("from_lsn", uint64(from)),
		zap.Int("pages_redone", applied))
	return nil
}

// Insert stores val under key in the primary index.
func (e *Engine) Insert(key, val []byte) error {
	e.opMu.RLock()
	err := e.tree.Insert(key, val)
	e.opMu.RUnlock()
	if err != nil {
		return err
	}
	e.noteMutation()
	return nil
}

// Delete removes one entry matching key.
func (e *Engine) Delete(key []byte) error {
	e.opMu.RLock()
	err := e.tree.Delete(key)
	e.opMu.RUnlock()
	if err != nil {
		return err
	}
	e.noteMutation()
	return nil
}

// Search returns the value stored under key.
func (e *Engine) Search(key []byte) ([]byte, error) {
	return e.tree.Search(key)
}

// Scan calls fn for every entry with lo <= key < hi in key order. A nil
// lo or hi leaves that end of the range open. Returning an error from fn
// stops the scan and is returned to the caller.
func (e *Engine) Scan(lo, hi []byte, fn func(key, val []byte) error) error {
	it, err := e.tree.RangeIter(lo, hi)
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Err()
}

// Height reports the index depth in levels.
func (e *Engine) Height() (int, error) {
	return e.tree.Height()
}

// noteMutation counts toward the automatic checkpoint threshold.
func (e *Engine) noteMutation() {
	n := e.recordsSince.Add(1)
	if e.cfg.CheckpointEveryRecords == 0 || n < e.cfg.CheckpointEveryRecords {
		return
	}
	if !e.checkpointPace.Allow() {
		return
	}
	if err := e.Checkpoint(); err != nil {
		e.logger.Warn("automatic checkpoint failed", zap.Error(err))
	}
}

// Checkpoint forces all dirty pages to disk, syncs the log, advances the
// recovery horizon in the file header and drops log segments that lie
// entirely behind it.
func (e *Engine) Checkpoint() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.checkpointLocked()
}

func (e *Engine) checkpointLocked() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.pool.FlushAll(); err != nil {
		return fmt.Errorf("failed to flush dirty pages: %w", err)
	}
	lsn, err := e.wal.Append(&wal.LogRecord{Kind: wal.RecordCheckpoint, Data: e.runID[:]})
	if err != nil {
		return err
	}
	if err := e.wal.Sync(); err != nil {
		return err
	}
	if err := e.disk.UpdateHeader(func(h *disk.FileHeader) { h.CheckpointLSN = lsn }); err != nil {
		return err
	}
	if err := e.wal.TruncateBefore(lsn); err != nil {
		return err
	}
	e.recordsSince.Store(0)
	e.metrics.Checkpoint()
	if h, err := e.tree.Height(); err == nil {
		e.metrics.TreeHeight(int64(h))
	}
	e.logger.Info("checkpoint complete", zap.Uint64("lsn", uint64(lsn)))
	return nil
}

// Close checkpoints and releases the log and page file. The engine is
// unusable afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.closed = true

	firstErr := e.checkpointLocked()
	if err := e.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.disk.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.logger.Info("storage engine closed", zap.String("run_id", e.runID.String()))
	return firstErr
}
