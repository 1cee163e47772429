package btree

import (
	"github.com/nanodb/nanodb/core/storage/bufferpool"
	"github.com/nanodb/nanodb/core/storage/page"
)

// Iterator walks leaf entries in key order. It holds a shared latch on
// the current leaf between Next calls, so callers must Close it promptly
// when done.
type Iterator struct {
	tree *BTree
	cur  node
	pos  int
	hi   []byte
	key  []byte
	val  []byte
	err  error
	open bool
}

// RangeIter positions an iterator at the first entry >= lo. A nil lo
// starts at the smallest key; a nil hi scans to the end, otherwise the
// scan stops before the first entry >= hi.
func (t *BTree) RangeIter(lo, hi []byte) (*Iterator, error) {
	cur, err := t.pinRoot(bufferpool.ModeRead)
	if err != nil {
		return nil, err
	}
	for !cur.isLeaf() {
		pos := 0
		if lo != nil {
			pos, err = cur.childIndexLower(lo, t.compare)
			if err != nil {
				cur.release()
				return nil, err
			}
		}
		childID, err := cur.childAt(pos)
		if err != nil {
			cur.release()
			return nil, err
		}
		child, err := t.pinNode(childID, bufferpool.ModeRead)
		if err != nil {
			cur.release()
			return nil, err
		}
		cur.release()
		cur = child
	}
	pos := 0
	if lo != nil {
		pos, err = cur.lowerBound(lo, t.compare)
		if err != nil {
			cur.release()
			return nil, err
		}
	}
	return &Iterator{tree: t, cur: cur, pos: pos, hi: hi, open: true}, nil
}

// Next advances to the following entry, returning false at the end of
// the range or on error. The iterator is closed once Next returns false.
func (it *Iterator) Next() bool {
	if !it.open {
		return false
	}
	for {
		if it.pos < it.cur.count() {
			key, val, err := it.cur.leafEntry(it.pos)
			if err != nil {
				it.err = err
				it.Close()
				return false
			}
			if it.hi != nil && it.tree.compare(key, it.hi) >= 0 {
				it.Close()
				return false
			}
			it.key, it.val = key, val
			it.pos++
			return true
		}
		next := it.cur.sp.Extra()
		if next == page.InvalidPageID {
			it.Close()
			return false
		}
		leaf, err := it.tree.pinNode(next, bufferpool.ModeRead)
		if err != nil {
			it.err = err
			it.Close()
			return false
		}
		it.cur.release()
		it.cur = leaf
		it.pos = 0
	}
}

// Key returns the current entry's key. Valid until the next call to
// Next or Close.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current entry's value. Valid until the next call to
// Next or Close.
func (it *Iterator) Value() []byte { return it.val }

// Err reports the error that terminated iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases the current leaf. Safe to call more than once.
func (it *Iterator) Close() {
	if !it.open {
		return
	}
	it.open = false
	it.cur.release()
}
