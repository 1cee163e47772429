package btree

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nanodb/nanodb/core/storage/bufferpool"
	"github.com/nanodb/nanodb/core/storage/disk"
	"github.com/nanodb/nanodb/core/storage/page"
	"github.com/nanodb/nanodb/core/storage/wal"
)

// setupTree builds a tree over a fresh disk, log and pool. A small node
// capacity forces splits and merges with few entries.
func setupTree(t *testing.T, maxEntries int) *BTree {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	dm, err := disk.Create(filepath.Join(dir, "tree.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	wm, err := wal.Open(filepath.Join(dir, "wal"), 64*1024, 16*1024*1024, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { wm.Close() })

	pool := bufferpool.New(32, dm, wm, logger, nil)
	tree, err := Open(pool, wm, Options{MaxNodeEntries: maxEntries, Logger: logger})
	require.NoError(t, err)
	return tree
}

func testKey(i int) []byte { return []byte(fmt.Sprintf("key-%06d", i)) }
func testVal(i int) []byte { return []byte(fmt.Sprintf("val-%06d", i)) }

// collectAll scans the whole tree into ordered key/value slices.
func collectAll(t *testing.T, tree *BTree) ([][]byte, [][]byte) {
	t.Helper()
	it, err := tree.RangeIter(nil, nil)
	require.NoError(t, err)
	defer it.Close()
	var keys, vals [][]byte
	for it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
		vals = append(vals, append([]byte(nil), it.Value()...))
	}
	require.NoError(t, it.Err())
	return keys, vals
}

// assertNodeOccupancy walks the whole tree and checks that splitting
// left every non-root node at least half full.
func assertNodeOccupancy(t *testing.T, tree *BTree) {
	t.Helper()
	var walk func(id page.PageID, root bool)
	walk = func(id page.PageID, root bool) {
		n, err := tree.pinNode(id, bufferpool.ModeRead)
		require.NoError(t, err)
		defer n.release()
		if !root {
			if n.isLeaf() {
				require.GreaterOrEqual(t, n.count(), tree.maxEntries/2,
					"leaf %d below half occupancy", n.id())
			} else {
				require.GreaterOrEqual(t, n.count(), tree.minEntries,
					"internal node %d below minimum occupancy", n.id())
			}
		}
		if n.isLeaf() {
			return
		}
		for i := 0; i <= n.count(); i++ {
			child, err := n.childAt(i)
			require.NoError(t, err)
			walk(child, false)
		}
	}
	walk(tree.RootID(), true)
}

func TestBTree_InsertAndSearch(t *testing.T) {
	tree := setupTree(t, 4)

	require.NoError(t, tree.Insert([]byte("b"), []byte("2")))
	require.NoError(t, tree.Insert([]byte("a"), []byte("1")))
	require.NoError(t, tree.Insert([]byte("c"), []byte("3")))

	for k, v := range map[string]string{"a": "1", "b": "2", "c": "3"} {
		got, err := tree.Search([]byte(k))
		require.NoError(t, err)
		require.Equal(t, []byte(v), got)
	}

	_, err := tree.Search([]byte("missing"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestBTree_InputValidation(t *testing.T) {
	tree := setupTree(t, 4)

	require.ErrorIs(t, tree.Insert(nil, []byte("v")), ErrEmptyKey)
	require.ErrorIs(t, tree.Insert(make([]byte, MaxKeySize+1), nil), ErrKeyTooLarge)
	require.ErrorIs(t, tree.Insert([]byte("k"), make([]byte, MaxValueSize+1)), ErrValueTooLarge)

	_, err := Open(nil, nil, Options{MaxNodeEntries: 2})
	require.Error(t, err)
}

func TestBTree_SequentialInsertGrowsTree(t *testing.T) {
	tree := setupTree(t, 4)

	const n = 1000
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(testKey(i), testVal(i)))
	}

	for i := 0; i < n; i++ {
		got, err := tree.Search(testKey(i))
		require.NoError(t, err)
		require.Equal(t, testVal(i), got)
	}

	keys, _ := collectAll(t, tree)
	require.Len(t, keys, n)
	for i := 0; i < n; i++ {
		require.Equal(t, testKey(i), keys[i])
	}

	// With capacity 4 the tree needs at least log_4(n) levels; splits at
	// half occupancy cannot push it past log_2(n) plus the leaf level.
	h, err := tree.Height()
	require.NoError(t, err)
	require.GreaterOrEqual(t, h, 5)
	require.LessOrEqual(t, h, 12)

	assertNodeOccupancy(t, tree)
}

func TestBTree_RandomInsertOrderedScan(t *testing.T) {
	tree := setupTree(t, 4)
	rng := rand.New(rand.NewSource(1))

	const n = 400
	perm := rng.Perm(n)
	for _, i := range perm {
		require.NoError(t, tree.Insert(testKey(i), testVal(i)))
	}

	keys, vals := collectAll(t, tree)
	require.Len(t, keys, n)
	for i := 0; i < n; i++ {
		require.Equal(t, testKey(i), keys[i])
		require.Equal(t, testVal(i), vals[i])
	}

	assertNodeOccupancy(t, tree)
}

func TestBTree_DeleteRebalances(t *testing.T) {
	tree := setupTree(t, 4)

	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(testKey(i), testVal(i)))
	}

	// Remove the upper half and verify both halves behave.
	for i := n / 2; i < n; i++ {
		require.NoError(t, tree.Delete(testKey(i)))
	}
	for i := 0; i < n/2; i++ {
		got, err := tree.Search(testKey(i))
		require.NoError(t, err)
		require.Equal(t, testVal(i), got)
	}
	for i := n / 2; i < n; i++ {
		_, err := tree.Search(testKey(i))
		require.ErrorIs(t, err, ErrKeyNotFound)
	}

	keys, _ := collectAll(t, tree)
	require.Len(t, keys, n/2)

	require.ErrorIs(t, tree.Delete(testKey(n)), ErrKeyNotFound)
}

func TestBTree_DeleteEverythingShrinksToLeaf(t *testing.T) {
	tree := setupTree(t, 4)

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(testKey(i), testVal(i)))
	}
	grown, err := tree.Height()
	require.NoError(t, err)
	require.Greater(t, grown, 1)

	rng := rand.New(rand.NewSource(7))
	for _, i := range rng.Perm(n) {
		require.NoError(t, tree.Delete(testKey(i)))
	}

	keys, _ := collectAll(t, tree)
	require.Empty(t, keys)
	_, err = tree.Search(testKey(0))
	require.ErrorIs(t, err, ErrKeyNotFound)

	h, err := tree.Height()
	require.NoError(t, err)
	require.Equal(t, 1, h)

	// The emptied tree accepts fresh inserts.
	require.NoError(t, tree.Insert(testKey(0), testVal(0)))
	got, err := tree.Search(testKey(0))
	require.NoError(t, err)
	require.Equal(t, testVal(0), got)
}

func TestBTree_DuplicateKeysKeepArrivalOrder(t *testing.T) {
	tree := setupTree(t, 4)

	// Surround the duplicates so they cross node boundaries.
	for i := 0; i < 50; i++ {
		require.NoError(t, tree.Insert(testKey(i), testVal(i)))
	}
	dup := []byte("key-000025x")
	for i := 0; i < 5; i++ {
		require.NoError(t, tree.Insert(dup, []byte(fmt.Sprintf("dup-%d", i))))
	}

	it, err := tree.RangeIter(dup, append(append([]byte(nil), dup...), 0))
	require.NoError(t, err)
	defer it.Close()
	var got [][]byte
	for it.Next() {
		require.Equal(t, dup, it.Key())
		got = append(got, append([]byte(nil), it.Value()...))
	}
	require.NoError(t, it.Err())
	require.Len(t, got, 5)
	for i, v := range got {
		require.Equal(t, []byte(fmt.Sprintf("dup-%d", i)), v)
	}

	// Deleting removes one duplicate at a time.
	require.NoError(t, tree.Delete(dup))
	it2, err := tree.RangeIter(dup, append(append([]byte(nil), dup...), 0))
	require.NoError(t, err)
	defer it2.Close()
	count := 0
	for it2.Next() {
		count++
	}
	require.NoError(t, it2.Err())
	require.Equal(t, 4, count)
}

func TestBTree_RangeIterBounds(t *testing.T) {
	tree := setupTree(t, 4)

	for i := 0; i < 100; i++ {
		require.NoError(t, tree.Insert(testKey(i), testVal(i)))
	}

	// lo is inclusive, hi is exclusive.
	it, err := tree.RangeIter(testKey(10), testKey(20))
	require.NoError(t, err)
	var got [][]byte
	for it.Next() {
		got = append(got, append([]byte(nil), it.Key()...))
	}
	it.Close()
	require.NoError(t, it.Err())
	require.Len(t, got, 10)
	require.Equal(t, testKey(10), got[0])
	require.Equal(t, testKey(19), got[len(got)-1])

	// An empty range yields nothing.
	it, err = tree.RangeIter(testKey(50), testKey(50))
	require.NoError(t, err)
	require.False(t, it.Next())
	it.Close()

	// A half-open upper range runs to the last key.
	it, err = tree.RangeIter(testKey(95), nil)
	require.NoError(t, err)
	count := 0
	for it.Next() {
		count++
	}
	it.Close()
	require.NoError(t, it.Err())
	require.Equal(t, 5, count)
}

func TestBTree_RootChangeCallback(t *testing.T) {
	dir := t.TempDir()
	logger := zap.NewNop()
	dm, err := disk.Create(filepath.Join(dir, "tree.db"), logger)
	require.NoError(t, err)
	defer dm.Close()
	wm, err := wal.Open(filepath.Join(dir, "wal"), 64*1024, 16*1024*1024, logger, nil)
	require.NoError(t, err)
	defer wm.Close()
	pool := bufferpool.New(32, dm, wm, logger, nil)

	var roots []page.PageID
	tree, err := Open(pool, wm, Options{
		MaxNodeEntries: 4,
		OnRootChange: func(id page.PageID) error {
			roots = append(roots, id)
			return nil
		},
		Logger: logger,
	})
	require.NoError(t, err)

	// Creation reports the initial root; growth reports each new one.
	require.Len(t, roots, 1)
	for i := 0; i < 50; i++ {
		require.NoError(t, tree.Insert(testKey(i), testVal(i)))
	}
	require.Greater(t, len(roots), 1)
	require.Equal(t, tree.RootID(), roots[len(roots)-1])
}

func TestBTree_RootPublishForcesLogToDisk(t *testing.T) {
	dir := t.TempDir()
	logger := zap.NewNop()
	dm, err := disk.Create(filepath.Join(dir, "tree.db"), logger)
	require.NoError(t, err)
	defer dm.Close()
	wm, err := wal.Open(filepath.Join(dir, "wal"), 64*1024, 16*1024*1024, logger, nil)
	require.NoError(t, err)
	defer wm.Close()
	pool := bufferpool.New(32, dm, wm, logger, nil)

	// The callback is where the new root id reaches the file header, so
	// every record appended up to that point must already be durable. A
	// crash right after the header sync must leave a log that can rebuild
	// the page the header names.
	calls := 0
	tree, err := Open(pool, wm, Options{
		MaxNodeEntries: 4,
		OnRootChange: func(id page.PageID) error {
			calls++
			require.Equal(t, wm.NextLSN()-1, wm.DurableLSN())
			return nil
		},
		Logger: logger,
	})
	require.NoError(t, err)

	// Enough inserts to grow the root several times.
	for i := 0; i < 200; i++ {
		require.NoError(t, tree.Insert(testKey(i), testVal(i)))
	}
	require.Greater(t, calls, 2)
}

func TestBTree_ReopenFromExistingRoot(t *testing.T) {
	dir := t.TempDir()
	logger := zap.NewNop()
	dm, err := disk.Create(filepath.Join(dir, "tree.db"), logger)
	require.NoError(t, err)
	defer dm.Close()
	wm, err := wal.Open(filepath.Join(dir, "wal"), 64*1024, 16*1024*1024, logger, nil)
	require.NoError(t, err)
	defer wm.Close()
	pool := bufferpool.New(32, dm, wm, logger, nil)

	tree, err := Open(pool, wm, Options{MaxNodeEntries: 4, Logger: logger})
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, tree.Insert(testKey(i), testVal(i)))
	}

	// A second handle over the same pool and root sees the same data.
	tree2, err := Open(pool, wm, Options{MaxNodeEntries: 4, RootID: tree.RootID(), Logger: logger})
	require.NoError(t, err)
	got, err := tree2.Search(testKey(42))
	require.NoError(t, err)
	require.Equal(t, testVal(42), got)
}
