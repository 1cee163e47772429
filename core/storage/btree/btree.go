// Package btree implements a disk-backed B+ tree over the buffer pool.
// Keys and values are opaque byte strings ordered by a comparison
// function. Internal nodes hold separator keys, leaves hold the entries
// and are chained left to right for range scans. Every page mutation is
// logged to the WAL as a full after-image before the page can reach
// disk.
package btree

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nanodb/nanodb/core/storage/bufferpool"
	"github.com/nanodb/nanodb/core/storage/page"
	"github.com/nanodb/nanodb/core/storage/wal"
	"github.com/nanodb/nanodb/pkg/telemetry"
)

var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrEmptyKey      = errors.New("empty key")
	ErrKeyTooLarge   = errors.New("key exceeds maximum key size")
	ErrValueTooLarge = errors.New("value exceeds maximum value size")
)

// atomicPageID wraps an atomic page id for the lock-free root pointer.
type atomicPageID struct{ v atomic.Uint64 }

func (a *atomicPageID) Load() page.PageID    { return page.PageID(a.v.Load()) }
func (a *atomicPageID) Store(id page.PageID) { a.v.Store(uint64(id)) }

const (
	// MaxKeySize and MaxValueSize bound entry sizes so that any node can
	// always hold at least two worst-case entries, which keeps splits
	// well defined.
	MaxKeySize   = 512
	MaxValueSize = 1024

	// Worst-case internal entry: keyLen u16 + key + child u64.
	maxInternalEntrySize = 2 + MaxKeySize + 8

	defaultMaxEntries = 64
	minMaxEntries     = 4
)

// CompareFunc orders keys. It must define a total order and return
// <0, 0, >0 like bytes.Compare.
type CompareFunc func(a, b []byte) int

// Options configures a tree over an existing pool and log.
type Options struct {
	// RootID is the tree's current root, or InvalidPageID to create a
	// fresh single-leaf tree.
	RootID page.PageID
	// MaxNodeEntries caps entries per node. Zero selects the default.
	MaxNodeEntries int
	// Compare orders keys; nil selects bytes.Compare.
	Compare CompareFunc
	// OnRootChange is invoked after the root page id changes, with the
	// WAL already durable through the root-change record. Typically it
	// persists the new root into the database file header.
	OnRootChange func(page.PageID) error

	Logger  *zap.Logger
	Metrics *telemetry.StorageMetrics
}

// BTree is safe for concurrent use. Writers descend with exclusive page
// latches, splitting or rebalancing full and underfull children on the
// way down so that no change ever propagates back up past a released
// page. Readers crab shared latches parent to child.
type BTree struct {
	pool    *bufferpool.Manager
	wal     *wal.Manager
	compare CompareFunc
	logger  *zap.Logger
	metrics *telemetry.StorageMetrics

	maxEntries int
	minEntries int

	onRootChange func(page.PageID) error

	// rootID is read without a lock and verified after the root page is
	// latched. Any writer that replaces the root necessarily holds the
	// old root's exclusive latch while storing the new id, so a stale
	// read is always caught by the re-check.
	rootID atomicPageID
}

// Open attaches a tree to the pool, creating the root leaf when opts
// names no root.
func Open(pool *bufferpool.Manager, log *wal.Manager, opts Options) (*BTree, error) {
	cmp := opts.Compare
	if cmp == nil {
		cmp = bytes.Compare
	}
	maxEntries := opts.MaxNodeEntries
	if maxEntries == 0 {
		maxEntries = defaultMaxEntries
	}
	if maxEntries < minMaxEntries {
		return nil, fmt.Errorf("max node entries %d below minimum %d", maxEntries, minMaxEntries)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &BTree{
		pool:         pool,
		wal:          log,
		compare:      cmp,
		logger:       logger,
		metrics:      opts.Metrics,
		maxEntries:   maxEntries,
		minEntries:   (maxEntries - 1) / 2,
		onRootChange: opts.OnRootChange,
	}
	if opts.RootID == page.InvalidPageID {
		pin, err := pool.NewPage(bufferpool.ModeWrite)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate root leaf: %w", err)
		}
		root := node{pin: pin, sp: page.Format(pin.Data(), pin.ID(), page.KindLeaf)}
		if err := t.logPage(root, wal.RecordNewPage); err != nil {
			root.release()
			return nil, err
		}
		root.release()
		t.rootID.Store(pin.ID())
		if err := t.publishRoot(pin.ID()); err != nil {
			return nil, err
		}
		logger.Info("created empty tree", zap.Uint64("root_page_id", uint64(pin.ID())))
	} else {
		t.rootID.Store(opts.RootID)
	}
	return t, nil
}

// RootID returns the current root page id.
func (t *BTree) RootID() page.PageID { return t.rootID.Load() }

// Search returns the value stored under key, or ErrKeyNotFound. With
// duplicate keys it returns the first in arrival order.
func (t *BTree) Search(key []byte) ([]byte, error) {
	cur, err := t.pinRoot(bufferpool.ModeRead)
	if err != nil {
		return nil, err
	}
	for !cur.isLeaf() {
		child, err := t.descendRead(cur, key)
		if err != nil {
			cur.release()
			return nil, err
		}
		cur.release()
		cur = child
	}
	cur, pos, err := t.leafPosition(cur, key, bufferpool.ModeRead)
	if err != nil {
		return nil, err
	}
	if pos < 0 {
		cur.release()
		return nil, ErrKeyNotFound
	}
	_, v, err := cur.leafEntry(pos)
	cur.release()
	if err != nil {
		return nil, err
	}
	return v, nil
}

// leafPosition finds the first entry matching key, starting at the leaf
// the descent reached and following the chain when the key sits at a
// sibling boundary. Returns the (possibly advanced) leaf still latched
// and the slot index, or -1 when the key is absent.
func (t *BTree) leafPosition(cur node, key []byte, mode bufferpool.Mode) (node, int, error) {
	for {
		pos, err := cur.lowerBound(key, t.compare)
		if err != nil {
			cur.release()
			return node{}, 0, err
		}
		if pos < cur.count() {
			k, err := cur.keyAt(pos)
			if err != nil {
				cur.release()
				return node{}, 0, err
			}
			if t.compare(k, key) == 0 {
				return cur, pos, nil
			}
			return cur, -1, nil
		}
		next := cur.sp.Extra()
		if next == page.InvalidPageID {
			return cur, -1, nil
		}
		leaf, err := t.pinNode(next, mode)
		if err != nil {
			cur.release()
			return node{}, 0, err
		}
		cur.release()
		cur = leaf
	}
}

// Insert adds an entry. Equal keys are allowed; a new entry is placed
// after existing equals so duplicates keep arrival order.
func (t *BTree) Insert(key, val []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > MaxKeySize {
		return ErrKeyTooLarge
	}
	if len(val) > MaxValueSize {
		return ErrValueTooLarge
	}
	entry := encodeLeafEntry(key, val)

	cur, err := t.pinRoot(bufferpool.ModeWrite)
	if err != nil {
		return err
	}
	if t.nodeFull(cur, t.needFor(cur, len(entry))) {
		cur, err = t.growRoot(cur, key)
		if err != nil {
			return err
		}
	}
	for {
		if cur.isLeaf() {
			pos, err := cur.upperBound(key, t.compare)
			if err != nil {
				cur.release()
				return err
			}
			if _, err := cur.sp.InsertTupleAt(page.SlotID(pos), entry); err != nil {
				cur.release()
				return fmt.Errorf("failed to insert into leaf %d: %w", cur.id(), err)
			}
			err = t.logPage(cur, wal.RecordUpdate)
			cur.release()
			return err
		}

		pos, err := cur.childIndexFor(key, t.compare)
		if err != nil {
			cur.release()
			return err
		}
		childID, err := cur.childAt(pos)
		if err != nil {
			cur.release()
			return err
		}
		child, err := t.pinNode(childID, bufferpool.ModeWrite)
		if err != nil {
			cur.release()
			return err
		}
		if t.nodeFull(child, t.needFor(child, len(entry))) {
			sibling, sep, err := t.splitChild(cur, pos, child)
			if err != nil {
				child.release()
				cur.release()
				return err
			}
			if t.compare(key, sep) >= 0 {
				child.release()
				child = sibling
			} else {
				sibling.release()
			}
		}
		cur.release()
		cur = child
	}
}

// Delete removes one entry matching key, or returns ErrKeyNotFound.
// Underfull children are rebalanced on the way down so the removal
// itself never propagates.
func (t *BTree) Delete(key []byte) error {
	cur, err := t.pinRoot(bufferpool.ModeWrite)
	if err != nil {
		return err
	}
	for {
		if cur.isLeaf() {
			leaf, pos, err := t.leafPosition(cur, key, bufferpool.ModeWrite)
			if err != nil {
				return err
			}
			if pos < 0 {
				leaf.release()
				return ErrKeyNotFound
			}
			if err := leaf.sp.RemoveSlotAt(page.SlotID(pos)); err != nil {
				leaf.release()
				return err
			}
			err = t.logPage(leaf, wal.RecordUpdate)
			leaf.release()
			return err
		}

		pos, err := cur.childIndexLower(key, t.compare)
		if err != nil {
			cur.release()
			return err
		}
		childID, err := cur.childAt(pos)
		if err != nil {
			cur.release()
			return err
		}
		child, err := t.pinNode(childID, bufferpool.ModeWrite)
		if err != nil {
			cur.release()
			return err
		}
		if child.count() <= t.minEntries {
			child, err = t.fixChild(cur, pos, child)
			if err != nil {
				cur.release()
				return err
			}
		}
		if cur.count() == 0 && cur.id() == t.rootID.Load() {
			// The root's only two children merged. The merged child
			// becomes the new root and the old root page is freed.
			if err := t.shrinkRoot(cur, child); err != nil {
				child.release()
				return err
			}
		} else {
			cur.release()
		}
		cur = child
	}
}

// Height returns the number of levels from root to leaf. A single-leaf
// tree has height 1.
func (t *BTree) Height() (int, error) {
	cur, err := t.pinRoot(bufferpool.ModeRead)
	if err != nil {
		return 0, err
	}
	h := 1
	for !cur.isLeaf() {
		childID, err := cur.childAt(0)
		if err != nil {
			cur.release()
			return 0, err
		}
		child, err := t.pinNode(childID, bufferpool.ModeRead)
		if err != nil {
			cur.release()
			return 0, err
		}
		cur.release()
		cur = child
		h++
	}
	cur.release()
	return h, nil
}

func (t *BTree) pinNode(id page.PageID, mode bufferpool.Mode) (node, error) {
	pin, err := t.pool.FetchPage(id, mode)
	if err != nil {
		return node{}, err
	}
	return node{pin: pin, sp: pin.Slotted()}, nil
}

// pinRoot latches the root optimistically: read the root id, latch that
// page, then confirm the id still names the root. A writer replacing the
// root holds the old root's exclusive latch across the swap, so a loser
// here always observes the new id and retries.
func (t *BTree) pinRoot(mode bufferpool.Mode) (node, error) {
	for {
		id := t.rootID.Load()
		n, err := t.pinNode(id, mode)
		if err != nil {
			return node{}, err
		}
		if t.rootID.Load() == id {
			return n, nil
		}
		n.release()
	}
}

// descendRead follows the leftmost child that can still hold key. Point
// lookups pair this with the leaf-chain hop in leafPosition, so keys
// that equal a separator are found whichever side of it they live on.
func (t *BTree) descendRead(cur node, key []byte) (node, error) {
	pos, err := cur.childIndexLower(key, t.compare)
	if err != nil {
		return node{}, err
	}
	childID, err := cur.childAt(pos)
	if err != nil {
		return node{}, err
	}
	return t.pinNode(childID, bufferpool.ModeRead)
}

// needFor is the byte budget a pending insert may charge against n: the
// actual entry for a leaf, the worst-case separator for an internal
// node.
func (t *BTree) needFor(n node, entryLen int) int {
	if n.isLeaf() {
		return entryLen
	}
	return maxInternalEntrySize
}

func (t *BTree) nodeFull(n node, need int) bool {
	return n.count() >= t.maxEntries || n.sp.FreeSpace() < need
}

// logPage appends a full after-image of the node's page, stamps the
// assigned LSN into the page header and marks the frame dirty.
func (t *BTree) logPage(n node, kind wal.RecordKind) error {
	img := make([]byte, page.PageSize)
	copy(img, n.pin.Data())
	lsn, err := t.wal.Append(&wal.LogRecord{PageID: n.id(), Kind: kind, Data: img})
	if err != nil {
		return fmt.Errorf("failed to log %s for page %d: %w", kind, n.id(), err)
	}
	n.sp.SetLSN(lsn)
	n.pin.MarkDirty(lsn)
	return nil
}

// publishRoot logs the root change and notifies the owner so the new
// root id reaches the file header. The callback typically syncs the id
// into the header immediately, so every record describing the new root
// must be on stable storage before it runs; a header naming a page the
// log cannot rebuild would be unrecoverable.
func (t *BTree) publishRoot(id page.PageID) error {
	lsn, err := t.wal.Append(&wal.LogRecord{PageID: id, Kind: wal.RecordRootChange})
	if err != nil {
		return fmt.Errorf("failed to log root change to page %d: %w", id, err)
	}
	if err := t.wal.FlushUpto(lsn); err != nil {
		return fmt.Errorf("failed to flush log through root change %d: %w", lsn, err)
	}
	if t.onRootChange != nil {
		return t.onRootChange(id)
	}
	return nil
}

// growRoot replaces a full root with a new internal root whose single
// child is the old root, then splits the old root under it. Returns the
// child to continue the descent from, exclusively latched. The old and
// new roots are released.
func (t *BTree) growRoot(oldRoot node, key []byte) (node, error) {
	pin, err := t.pool.NewPage(bufferpool.ModeWrite)
	if err != nil {
		oldRoot.release()
		return node{}, err
	}
	newRoot := node{pin: pin, sp: page.Format(pin.Data(), pin.ID(), page.KindInternal)}
	newRoot.sp.SetExtra(oldRoot.id())
	if err := t.logPage(newRoot, wal.RecordNewPage); err != nil {
		newRoot.release()
		oldRoot.release()
		return node{}, err
	}

	// Publish the new root before the old one gives up its upper half.
	// A crash in between costs one extra level on the descent, while the
	// reverse order could leave the header naming a root whose durable
	// image no longer holds every entry.
	t.rootID.Store(newRoot.id())
	t.logger.Debug("grew tree by one level",
		zap.Uint64("new_root", uint64(newRoot.id())),
		zap.Uint64("old_root", uint64(oldRoot.id())))
	if err := t.publishRoot(newRoot.id()); err != nil {
		newRoot.release()
		oldRoot.release()
		return node{}, err
	}

	sibling, sep, err := t.splitChild(newRoot, 0, oldRoot)
	if err != nil {
		newRoot.release()
		oldRoot.release()
		return node{}, err
	}
	newRoot.release()

	if t.compare(key, sep) >= 0 {
		oldRoot.release()
		return sibling, nil
	}
	sibling.release()
	return oldRoot, nil
}

// shrinkRoot makes child the new root after the old root lost its last
// separator, and frees the old root's page. The caller keeps child
// latched; oldRoot is released here.
func (t *BTree) shrinkRoot(oldRoot, child node) error {
	t.rootID.Store(child.id())
	t.logger.Debug("shrank tree by one level",
		zap.Uint64("new_root", uint64(child.id())),
		zap.Uint64("old_root", uint64(oldRoot.id())))
	// Publish before freeing: the header must stop naming the old root
	// before its freed image can become durable.
	if err := t.publishRoot(child.id()); err != nil {
		oldRoot.release()
		return err
	}
	page.Format(oldRoot.pin.Data(), oldRoot.id(), page.KindFree)
	if err := t.logPage(oldRoot, wal.RecordMerge); err != nil {
		oldRoot.release()
		return err
	}
	oldRoot.release()
	return nil
}

// splitChild splits the full pos-th child of parent in half, creating a
// new right sibling. The separator promoted into parent is the first key
// of the sibling. Returns the sibling, exclusively latched, and a copy
// of the separator; the caller still holds parent and child.
func (t *BTree) splitChild(parent node, pos int, child node) (node, []byte, error) {
	mid, err := t.splitPoint(child)
	if err != nil {
		return node{}, nil, err
	}
	sepSrc, err := child.keyAt(mid)
	if err != nil {
		return node{}, nil, err
	}
	sep := append([]byte(nil), sepSrc...)

	pin, err := t.pool.NewPage(bufferpool.ModeWrite)
	if err != nil {
		return node{}, nil, err
	}
	sibling := node{pin: pin, sp: page.Format(pin.Data(), pin.ID(), child.sp.Kind())}

	from := mid
	if !child.isLeaf() {
		// The middle key moves up rather than across; its right child
		// becomes the sibling's leftmost child.
		leftmost, err := child.childAt(mid + 1)
		if err != nil {
			sibling.release()
			return node{}, nil, err
		}
		sibling.sp.SetExtra(leftmost)
		from = mid + 1
	} else {
		sibling.sp.SetExtra(child.sp.Extra())
		child.sp.SetExtra(sibling.id())
	}

	for i := from; i < child.count(); i++ {
		tup, err := child.sp.GetTuple(page.SlotID(i))
		if err != nil {
			sibling.release()
			return node{}, nil, err
		}
		if _, err := sibling.sp.InsertTuple(tup); err != nil {
			sibling.release()
			return node{}, nil, fmt.Errorf("failed to move entry %d into sibling %d: %w", i, sibling.id(), err)
		}
	}
	for i := child.count() - 1; i >= mid; i-- {
		if err := child.sp.RemoveSlotAt(page.SlotID(i)); err != nil {
			sibling.release()
			return node{}, nil, err
		}
	}

	if _, err := parent.sp.InsertTupleAt(page.SlotID(pos), encodeInternalEntry(sep, sibling.id())); err != nil {
		sibling.release()
		return node{}, nil, fmt.Errorf("failed to add separator to parent %d: %w", parent.id(), err)
	}

	// Log the sibling and the parent ahead of the shrunken child. Replay
	// of any prefix of this order keeps every entry reachable: without
	// the child's image the original page still carries both halves, at
	// worst alongside an orphaned duplicate. A durable child image with
	// no sibling would lose the moved entries outright.
	if err := t.logPage(sibling, wal.RecordNewPage); err != nil {
		sibling.release()
		return node{}, nil, err
	}
	if err := t.logPage(parent, wal.RecordSplit); err != nil {
		sibling.release()
		return node{}, nil, err
	}
	if err := t.logPage(child, wal.RecordSplit); err != nil {
		sibling.release()
		return node{}, nil, err
	}
	t.metrics.TreeSplit()
	t.logger.Debug("split node",
		zap.Uint64("page_id", uint64(child.id())),
		zap.Uint64("sibling_id", uint64(sibling.id())))
	return sibling, sep, nil
}

// splitPoint picks the boundary slot, nudging it off a run of equal keys
// so duplicates stay on one side where possible.
func (t *BTree) splitPoint(n node) (int, error) {
	count := n.count()
	mid := count / 2
	for mid > 1 {
		a, err := n.keyAt(mid - 1)
		if err != nil {
			return 0, err
		}
		b, err := n.keyAt(mid)
		if err != nil {
			return 0, err
		}
		if t.compare(a, b) != 0 {
			return mid, nil
		}
		mid--
	}
	mid = count / 2
	for mid < count-1 {
		a, err := n.keyAt(mid - 1)
		if err != nil {
			return 0, err
		}
		b, err := n.keyAt(mid)
		if err != nil {
			return 0, err
		}
		if t.compare(a, b) != 0 {
			return mid, nil
		}
		mid++
	}
	return mid, nil
}

// fixChild brings the pos-th child of parent above the minimum before
// the descent enters it, by borrowing from or merging with a sibling.
// Siblings are always latched left to right to stay deadlock free with
// leaf-chain scans, which is why the last child is briefly released and
// reacquired. Returns the node to descend into; parent stays latched.
func (t *BTree) fixChild(parent node, pos int, child node) (node, error) {
	if pos < parent.count() {
		rightID, err := parent.childAt(pos + 1)
		if err != nil {
			child.release()
			return node{}, err
		}
		right, err := t.pinNode(rightID, bufferpool.ModeWrite)
		if err != nil {
			child.release()
			return node{}, err
		}
		if right.count() > t.minEntries {
			_, err := t.borrowFromRight(parent, pos, child, right)
			right.release()
			if err != nil {
				child.release()
				return node{}, err
			}
			return child, nil
		}
		fits, err := t.mergeFits(child, right)
		if err != nil {
			right.release()
			child.release()
			return node{}, err
		}
		if fits {
			err = t.mergeRight(parent, pos, child, right)
			right.release()
			if err != nil {
				child.release()
				return node{}, err
			}
			return child, nil
		}
		right.release()
		return child, nil
	}

	// Last child: reacquire in left-to-right order.
	childID := child.id()
	child.release()
	leftID, err := parent.childAt(pos - 1)
	if err != nil {
		return node{}, err
	}
	left, err := t.pinNode(leftID, bufferpool.ModeWrite)
	if err != nil {
		return node{}, err
	}
	child, err = t.pinNode(childID, bufferpool.ModeWrite)
	if err != nil {
		left.release()
		return node{}, err
	}
	if left.count() > t.minEntries {
		_, err := t.borrowFromLeft(parent, pos-1, left, child)
		left.release()
		if err != nil {
			child.release()
			return node{}, err
		}
		return child, nil
	}
	fits, err := t.mergeFits(left, child)
	if err != nil {
		left.release()
		child.release()
		return node{}, err
	}
	if fits {
		if err := t.mergeRight(parent, pos-1, left, child); err != nil {
			left.release()
			child.release()
			return node{}, err
		}
		child.release()
		return left, nil
	}
	left.release()
	return child, nil
}

// mergeFits reports whether right's entries (plus the pulled-down
// separator for internal nodes) fit into left by both count and bytes.
func (t *BTree) mergeFits(left, right node) (bool, error) {
	total := left.count() + right.count()
	need := 0
	for i := 0; i < right.count(); i++ {
		tup, err := right.sp.GetTuple(page.SlotID(i))
		if err != nil {
			return false, err
		}
		need += len(tup) + 6
	}
	if !left.isLeaf() {
		total++
		need += maxInternalEntrySize + 6
	}
	if total > t.maxEntries {
		return false, nil
	}
	return left.sp.FreeSpace() >= need, nil
}

// mergeRight folds right into left and drops the separator at sepIdx
// from parent. Right's page is reformatted as free.
func (t *BTree) mergeRight(parent node, sepIdx int, left, right node) error {
	if left.isLeaf() {
		left.sp.SetExtra(right.sp.Extra())
	} else {
		sep, err := parent.sepKey(sepIdx)
		if err != nil {
			return err
		}
		rightLeftmost, err := right.childAt(0)
		if err != nil {
			return err
		}
		if _, err := left.sp.InsertTuple(encodeInternalEntry(sep, rightLeftmost)); err != nil {
			return err
		}
	}
	for i := 0; i < right.count(); i++ {
		tup, err := right.sp.GetTuple(page.SlotID(i))
		if err != nil {
			return err
		}
		if _, err := left.sp.InsertTuple(tup); err != nil {
			return err
		}
	}
	if err := parent.sp.RemoveSlotAt(page.SlotID(sepIdx)); err != nil {
		return err
	}
	page.Format(right.pin.Data(), right.id(), page.KindFree)

	// Log the absorbing left first and the freed right last. A prefix
	// ending at left leaves right's durable image intact and reachable
	// through the old separator, and one ending at parent leaves right
	// merely orphaned. A durable freed image ahead of the parent update
	// would strand keys the separator still routes there.
	if err := t.logPage(left, wal.RecordMerge); err != nil {
		return err
	}
	if err := t.logPage(parent, wal.RecordMerge); err != nil {
		return err
	}
	if err := t.logPage(right, wal.RecordMerge); err != nil {
		return err
	}
	t.metrics.TreeMerge()
	t.logger.Debug("merged nodes",
		zap.Uint64("left", uint64(left.id())),
		zap.Uint64("freed", uint64(right.id())))
	return nil
}

// borrowFromRight moves right's first entry into child and refreshes the
// separator at sepIdx. Returns false without mutating when the new
// separator would not fit in parent.
func (t *BTree) borrowFromRight(parent node, sepIdx int, child, right node) (bool, error) {
	if parent.sp.FreeSpace() < maxInternalEntrySize {
		return false, nil
	}
	if child.isLeaf() {
		tup, err := right.sp.GetTuple(0)
		if err != nil {
			return false, err
		}
		if _, err := child.sp.InsertTuple(tup); err != nil {
			return false, err
		}
		if err := right.sp.RemoveSlotAt(0); err != nil {
			return false, err
		}
		newSep, err := right.keyAt(0)
		if err != nil {
			return false, err
		}
		if err := t.replaceSeparator(parent, sepIdx, newSep, right.id()); err != nil {
			return false, err
		}
	} else {
		sep, err := parent.sepKey(sepIdx)
		if err != nil {
			return false, err
		}
		rightLeftmost, err := right.childAt(0)
		if err != nil {
			return false, err
		}
		if _, err := child.sp.InsertTuple(encodeInternalEntry(sep, rightLeftmost)); err != nil {
			return false, err
		}
		movedKey, err := right.sepKey(0)
		if err != nil {
			return false, err
		}
		movedKey = append([]byte(nil), movedKey...)
		newLeftmost, err := right.childAt(1)
		if err != nil {
			return false, err
		}
		right.sp.SetExtra(newLeftmost)
		if err := right.sp.RemoveSlotAt(0); err != nil {
			return false, err
		}
		if err := t.replaceSeparator(parent, sepIdx, movedKey, right.id()); err != nil {
			return false, err
		}
	}
	if err := t.logPage(child, wal.RecordUpdate); err != nil {
		return false, err
	}
	if err := t.logPage(right, wal.RecordUpdate); err != nil {
		return false, err
	}
	if err := t.logPage(parent, wal.RecordUpdate); err != nil {
		return false, err
	}
	return true, nil
}

// borrowFromLeft moves left's last entry into child and refreshes the
// separator at sepIdx.
func (t *BTree) borrowFromLeft(parent node, sepIdx int, left, child node) (bool, error) {
	if parent.sp.FreeSpace() < maxInternalEntrySize {
		return false, nil
	}
	last := left.count() - 1
	if child.isLeaf() {
		tup, err := left.sp.GetTuple(page.SlotID(last))
		if err != nil {
			return false, err
		}
		movedKey, _, err := decodeLeafEntry(tup)
		if err != nil {
			return false, err
		}
		movedKey = append([]byte(nil), movedKey...)
		if _, err := child.sp.InsertTupleAt(0, tup); err != nil {
			return false, err
		}
		if err := left.sp.RemoveSlotAt(page.SlotID(last)); err != nil {
			return false, err
		}
		if err := t.replaceSeparator(parent, sepIdx, movedKey, child.id()); err != nil {
			return false, err
		}
	} else {
		sep, err := parent.sepKey(sepIdx)
		if err != nil {
			return false, err
		}
		oldLeftmost, err := child.childAt(0)
		if err != nil {
			return false, err
		}
		if _, err := child.sp.InsertTupleAt(0, encodeInternalEntry(sep, oldLeftmost)); err != nil {
			return false, err
		}
		movedKey, err := left.sepKey(last)
		if err != nil {
			return false, err
		}
		movedKey = append([]byte(nil), movedKey...)
		movedChild, err := left.childAt(last + 1)
		if err != nil {
			return false, err
		}
		child.sp.SetExtra(movedChild)
		if err := left.sp.RemoveSlotAt(page.SlotID(last)); err != nil {
			return false, err
		}
		if err := t.replaceSeparator(parent, sepIdx, movedKey, child.id()); err != nil {
			return false, err
		}
	}
	// The gaining node's image goes first so a torn tail duplicates the
	// moved entry rather than dropping it.
	if err := t.logPage(child, wal.RecordUpdate); err != nil {
		return false, err
	}
	if err := t.logPage(left, wal.RecordUpdate); err != nil {
		return false, err
	}
	if err := t.logPage(parent, wal.RecordUpdate); err != nil {
		return false, err
	}
	return true, nil
}

// replaceSeparator rewrites the separator at slot i keeping the child
// pointer supplied by the caller. The caller has already checked that
// parent has room for a worst-case entry.
func (t *BTree) replaceSeparator(parent node, i int, newKey []byte, child page.PageID) error {
	if err := parent.sp.RemoveSlotAt(page.SlotID(i)); err != nil {
		return err
	}
	_, err := parent.sp.InsertTupleAt(page.SlotID(i), encodeInternalEntry(newKey, child))
	return err
}
