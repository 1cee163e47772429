package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// StorageMetrics bundles the instruments recorded by the storage engine:
// buffer pool traffic, WAL throughput, and checkpoint activity.
// A nil *StorageMetrics is valid and records nothing, so components can
// be constructed without a meter in tests.
type StorageMetrics struct {
	poolHits        metric.Int64Counter
	poolMisses      metric.Int64Counter
	poolEvictions   metric.Int64Counter
	pageWriteBacks  metric.Int64Counter
	walAppends      metric.Int64Counter
	walFlushedBytes metric.Int64Counter
	checkpoints     metric.Int64Counter
	treeSplits      metric.Int64Counter
	treeMerges      metric.Int64Counter
	treeHeight      metric.Int64Gauge
}

// NewStorageMetrics registers the storage engine instruments on the meter.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	m := &StorageMetrics{}
	var err error

	if m.poolHits, err = meter.Int64Counter("nanodb.bufferpool.hits",
		metric.WithDescription("Page fetches served from a resident frame")); err != nil {
		return nil, fmt.Errorf("failed to create bufferpool.hits counter: %w", err)
	}
	if m.poolMisses, err = meter.Int64Counter("nanodb.bufferpool.misses",
		metric.WithDescription("Page fetches that required a disk read")); err != nil {
		return nil, fmt.Errorf("failed to create bufferpool.misses counter: %w", err)
	}
	if m.poolEvictions, err = meter.Int64Counter("nanodb.bufferpool.evictions",
		metric.WithDescription("Frames reclaimed by the LRU-K replacer")); err != nil {
		return nil, fmt.Errorf("failed to create bufferpool.evictions counter: %w", err)
	}
	if m.pageWriteBacks, err = meter.Int64Counter("nanodb.bufferpool.write_backs",
		metric.WithDescription("Dirty frames written back to the page file")); err != nil {
		return nil, fmt.Errorf("failed to create bufferpool.write_backs counter: %w", err)
	}
	if m.walAppends, err = meter.Int64Counter("nanodb.wal.appends",
		metric.WithDescription("Log records appended to the WAL")); err != nil {
		return nil, fmt.Errorf("failed to create wal.appends counter: %w", err)
	}
	if m.walFlushedBytes, err = meter.Int64Counter("nanodb.wal.flushed_bytes",
		metric.WithDescription("Bytes forced from the log buffer to stable storage")); err != nil {
		return nil, fmt.Errorf("failed to create wal.flushed_bytes counter: %w", err)
	}
	if m.checkpoints, err = meter.Int64Counter("nanodb.engine.checkpoints",
		metric.WithDescription("Completed checkpoints")); err != nil {
		return nil, fmt.Errorf("failed to create engine.checkpoints counter: %w", err)
	}
	if m.treeSplits, err = meter.Int64Counter("nanodb.btree.splits",
		metric.WithDescription("Node splits performed by the primary B+Tree")); err != nil {
		return nil, fmt.Errorf("failed to create btree.splits counter: %w", err)
	}
	if m.treeMerges, err = meter.Int64Counter("nanodb.btree.merges",
		metric.WithDescription("Node merges performed by the primary B+Tree")); err != nil {
		return nil, fmt.Errorf("failed to create btree.merges counter: %w", err)
	}
	if m.treeHeight, err = meter.Int64Gauge("nanodb.btree.height",
		metric.WithDescription("Current height of the primary B+Tree")); err != nil {
		return nil, fmt.Errorf("failed to create btree.height gauge: %w", err)
	}
	return m, nil
}

func (m *StorageMetrics) PoolHit() {
	if m != nil {
		m.poolHits.Add(context.Background(), 1)
	}
}

func (m *StorageMetrics) PoolMiss() {
	if m != nil {
		m.poolMisses.Add(context.Background(), 1)
	}
}

func (m *StorageMetrics) PoolEviction() {
	if m != nil {
		m.poolEvictions.Add(context.Background(), 1)
	}
}

func (m *StorageMetrics) PageWriteBack() {
	if m != nil {
		m.pageWriteBacks.Add(context.Background(), 1)
	}
}

func (m *StorageMetrics) WALAppend() {
	if m != nil {
		m.walAppends.Add(context.Background(), 1)
	}
}

func (m *StorageMetrics) WALFlushed(n int64) {
	if m != nil {
		m.walFlushedBytes.Add(context.Background(), n)
	}
}

func (m *StorageMetrics) Checkpoint() {
	if m != nil {
		m.checkpoints.Add(context.Background(), 1)
	}
}

func (m *StorageMetrics) TreeSplit() {
	if m != nil {
		m.treeSplits.Add(context.Background(), 1)
	}
}

func (m *StorageMetrics) TreeMerge() {
	if m != nil {
		m.treeMerges.Add(context.Background(), 1)
	}
}

func (m *StorageMetrics) TreeHeight(h int64) {
	if m != nil {
		m.treeHeight.Record(context.Background(), h)
	}
}
