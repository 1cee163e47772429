package bufferpool

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nanodb/nanodb/core/storage/disk"
	"github.com/nanodb/nanodb/core/storage/page"
)

// stubFlusher records the highest LSN the pool asked to make durable.
type stubFlusher struct {
	calls []page.LSN
}

func (s *stubFlusher) FlushUpto(lsn page.LSN) error {
	s.calls = append(s.calls, lsn)
	return nil
}

func setupPool(t *testing.T, size int) (*Manager, *disk.Manager, *stubFlusher) {
	t.Helper()
	dm, err := disk.Create(filepath.Join(t.TempDir(), "pool.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	fl := &stubFlusher{}
	return New(size, dm, fl, zap.NewNop(), nil), dm, fl
}

// newFormattedPage allocates a leaf page holding one tuple and returns
// it unpinned.
func newFormattedPage(t *testing.T, pool *Manager, tuple string, lsn page.LSN) page.PageID {
	t.Helper()
	p, err := pool.NewPage(ModeWrite)
	require.NoError(t, err)
	sp := page.Format(p.Data(), p.ID(), page.KindLeaf)
	_, err = sp.InsertTuple([]byte(tuple))
	require.NoError(t, err)
	sp.SetLSN(lsn)
	p.MarkDirty(lsn)
	id := p.ID()
	p.Release()
	return id
}

func TestBufferPool_ExhaustionFailsFast(t *testing.T) {
	pool, _, _ := setupPool(t, 2)

	a, err := pool.NewPage(ModeWrite)
	require.NoError(t, err)
	b, err := pool.NewPage(ModeWrite)
	require.NoError(t, err)

	// Every frame is pinned: the pool must refuse, not block.
	_, err = pool.NewPage(ModeWrite)
	require.ErrorIs(t, err, ErrPoolExhausted)

	a.MarkDirty(1)
	aID := a.ID()
	a.Release()
	c, err := pool.NewPage(ModeWrite)
	require.NoError(t, err)

	// A's frame was reclaimed for C.
	require.False(t, pool.Resident(aID))
	require.True(t, pool.Resident(c.ID()))

	c.Release()
	b.Release()
}

func TestBufferPool_DirtyEvictionWritesThroughWAL(t *testing.T) {
	pool, dm, fl := setupPool(t, 1)

	id := newFormattedPage(t, pool, "hello", 5)

	// A second page forces the dirty first page out. The pool must ask
	// the log for durability through the page's LSN before writing it.
	p, err := pool.NewPage(ModeWrite)
	require.NoError(t, err)
	require.Contains(t, fl.calls, page.LSN(5))
	p.Release()

	// The evicted page round-trips from disk with checksum intact.
	buf := make([]byte, page.PageSize)
	require.NoError(t, dm.ReadPage(id, buf))
	sp := page.Wrap(buf)
	require.NoError(t, sp.VerifyChecksum())
	tup, err := sp.GetTuple(0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), tup)
	require.Equal(t, page.LSN(5), sp.LSN())
}

func TestBufferPool_FetchAfterEviction(t *testing.T) {
	pool, _, _ := setupPool(t, 1)

	id := newFormattedPage(t, pool, "evict me", 1)
	other := newFormattedPage(t, pool, "usurper", 2)
	require.False(t, pool.Resident(id))
	require.True(t, pool.Resident(other))

	p, err := pool.FetchPage(id, ModeRead)
	require.NoError(t, err)
	tup, err := p.Slotted().GetTuple(0)
	require.NoError(t, err)
	require.Equal(t, []byte("evict me"), tup)
	require.Equal(t, page.LSN(1), p.LSN())
	p.Release()
}

func TestBufferPool_LRUKPrefersColdFrames(t *testing.T) {
	pool, _, _ := setupPool(t, 3)

	a := newFormattedPage(t, pool, "a", 1)
	b := newFormattedPage(t, pool, "b", 2)
	c := newFormattedPage(t, pool, "c", 3)

	// Touch a and c a second time; b stays at a single access and has
	// infinite backward K-distance, making it the preferred victim.
	for _, id := range []page.PageID{a, c} {
		p, err := pool.FetchPage(id, ModeRead)
		require.NoError(t, err)
		p.Release()
	}

	newFormattedPage(t, pool, "d", 4)
	require.False(t, pool.Resident(b))
	require.True(t, pool.Resident(a))
	require.True(t, pool.Resident(c))
}

func TestBufferPool_LRUKEvictsOldestPenultimateAccess(t *testing.T) {
	pool, _, _ := setupPool(t, 2)

	a := newFormattedPage(t, pool, "a", 1)
	b := newFormattedPage(t, pool, "b", 2)

	// Give both pages two accesses, a's being older. The victim is the
	// frame with the smaller K-th most recent access, which is a.
	for _, id := range []page.PageID{a, b} {
		p, err := pool.FetchPage(id, ModeRead)
		require.NoError(t, err)
		p.Release()
	}

	newFormattedPage(t, pool, "c", 3)
	require.False(t, pool.Resident(a))
	require.True(t, pool.Resident(b))
}

func TestBufferPool_PinnedPagesAreNeverEvicted(t *testing.T) {
	pool, _, _ := setupPool(t, 2)

	a, err := pool.NewPage(ModeWrite)
	require.NoError(t, err)
	page.Format(a.Data(), a.ID(), page.KindLeaf)
	a.MarkDirty(1)

	// Fill and churn the other frame; a must survive every round.
	for i := 0; i < 4; i++ {
		newFormattedPage(t, pool, "churn", page.LSN(10+i))
	}
	require.True(t, pool.Resident(a.ID()))
	a.Release()
}

func TestBufferPool_MarkDirtyRequiresWriteMode(t *testing.T) {
	pool, _, _ := setupPool(t, 2)

	id := newFormattedPage(t, pool, "read only", 1)
	p, err := pool.FetchPage(id, ModeRead)
	require.NoError(t, err)
	defer p.Release()

	require.Panics(t, func() { p.MarkDirty(2) })
}

func TestBufferPool_FetchUnknownPage(t *testing.T) {
	pool, _, _ := setupPool(t, 2)

	_, err := pool.FetchPage(page.InvalidPageID, ModeRead)
	require.ErrorIs(t, err, ErrPageNotFound)

	// Never-allocated ids surface the disk layer's failure.
	_, err = pool.FetchPage(42, ModeRead)
	require.Error(t, err)
}

func TestBufferPool_FlushAllPersistsEverything(t *testing.T) {
	pool, dm, _ := setupPool(t, 4)

	ids := []page.PageID{
		newFormattedPage(t, pool, "one", 1),
		newFormattedPage(t, pool, "two", 2),
		newFormattedPage(t, pool, "three", 3),
	}
	require.NoError(t, pool.FlushAll())

	buf := make([]byte, page.PageSize)
	for i, id := range ids {
		require.NoError(t, dm.ReadPage(id, buf))
		sp := page.Wrap(buf)
		require.NoError(t, sp.VerifyChecksum())
		require.Equal(t, page.LSN(i+1), sp.LSN())
	}

	// A second flush finds nothing dirty and still succeeds.
	require.NoError(t, pool.FlushAll())
}

// TestBufferPool_FlushNeverMutatesFrame pins the checksum seal to a
// scratch image: flushing under a shared latch must leave the resident
// frame byte-for-byte as the writer left it, so concurrent flushers
// never write into a frame another reader is looking at.
func TestBufferPool_FlushNeverMutatesFrame(t *testing.T) {
	pool, dm, _ := setupPool(t, 2)

	id := newFormattedPage(t, pool, "payload", 3)
	p, err := pool.FetchPage(id, ModeRead)
	require.NoError(t, err)
	before := append([]byte(nil), p.Data()...)
	p.Release()

	require.NoError(t, pool.FlushPage(id))

	p, err = pool.FetchPage(id, ModeRead)
	require.NoError(t, err)
	require.Equal(t, before, p.Data())
	p.Release()

	// The disk image carries the seal the frame never received.
	buf := make([]byte, page.PageSize)
	require.NoError(t, dm.ReadPage(id, buf))
	sp := page.Wrap(buf)
	require.NoError(t, sp.VerifyChecksum())
	require.Equal(t, page.LSN(3), sp.LSN())
}

// TestBufferPool_ConcurrentFlushers races FlushPage against FlushAll
// over the same dirty pages; both hold only shared latches.
func TestBufferPool_ConcurrentFlushers(t *testing.T) {
	pool, dm, _ := setupPool(t, 8)

	var ids []page.PageID
	for i := 0; i < 6; i++ {
		ids = append(ids, newFormattedPage(t, pool, fmt.Sprintf("tuple-%d", i), page.LSN(i+1)))
	}

	errs := make(chan error, 2)
	go func() { errs <- pool.FlushAll() }()
	go func() {
		for _, id := range ids {
			if err := pool.FlushPage(id); err != nil {
				errs <- err
				return
			}
		}
		errs <- nil
	}()
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}

	buf := make([]byte, page.PageSize)
	for i, id := range ids {
		require.NoError(t, dm.ReadPage(id, buf))
		sp := page.Wrap(buf)
		require.NoError(t, sp.VerifyChecksum())
		require.Equal(t, page.LSN(i+1), sp.LSN())
	}
}

func TestBufferPool_ReleaseIsIdempotent(t *testing.T) {
	pool, _, _ := setupPool(t, 2)

	p, err := pool.NewPage(ModeWrite)
	require.NoError(t, err)
	page.Format(p.Data(), p.ID(), page.KindLeaf)
	p.MarkDirty(1)
	p.Release()
	p.Release()

	// The frame is reusable afterwards.
	q, err := pool.FetchPage(p.ID(), ModeWrite)
	require.NoError(t, err)
	q.Release()
}
