package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/nanodb/nanodb/core/storage/bufferpool"
	"github.com/nanodb/nanodb/core/storage/page"
)

// Node entry layouts. Slots in a tree node are kept dense and sorted, so
// slot index equals key order and tombstones never appear.
//
//	leaf:     keyLen u16 | key | valLen u16 | val
//	internal: keyLen u16 | key | child u64
//
// An internal node with n separator keys has n+1 children. The leftmost
// child lives in the page header's extra field; slot i carries the
// separator key_i and the child to its right. On leaves the extra field
// is the next-leaf pointer instead.

func encodeLeafEntry(key, val []byte) []byte {
	buf := make([]byte, 2+len(key)+2+len(val))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(key)))
	copy(buf[2:], key)
	off := 2 + len(key)
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(val)))
	copy(buf[off+2:], val)
	return buf
}

func decodeLeafEntry(buf []byte) (key, val []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("%w: leaf entry too short", page.ErrInvalidPageData)
	}
	kl := int(binary.LittleEndian.Uint16(buf[0:2]))
	if len(buf) < 2+kl+2 {
		return nil, nil, fmt.Errorf("%w: leaf entry key overruns tuple", page.ErrInvalidPageData)
	}
	vl := int(binary.LittleEndian.Uint16(buf[2+kl : 2+kl+2]))
	if len(buf) != 2+kl+2+vl {
		return nil, nil, fmt.Errorf("%w: leaf entry length mismatch", page.ErrInvalidPageData)
	}
	return buf[2 : 2+kl], buf[2+kl+2:], nil
}

func encodeInternalEntry(key []byte, child page.PageID) []byte {
	buf := make([]byte, 2+len(key)+8)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(key)))
	copy(buf[2:], key)
	binary.LittleEndian.PutUint64(buf[2+len(key):], uint64(child))
	return buf
}

func decodeInternalEntry(buf []byte) (key []byte, child page.PageID, err error) {
	if len(buf) < 10 {
		return nil, 0, fmt.Errorf("%w: internal entry too short", page.ErrInvalidPageData)
	}
	kl := int(binary.LittleEndian.Uint16(buf[0:2]))
	if len(buf) != 2+kl+8 {
		return nil, 0, fmt.Errorf("%w: internal entry length mismatch", page.ErrInvalidPageData)
	}
	return buf[2 : 2+kl], page.PageID(binary.LittleEndian.Uint64(buf[2+kl:])), nil
}

// node is a pinned tree page with its slotted view. The zero value is
// not usable; nodes come from the tree's pin helpers and must be
// released exactly once.
type node struct {
	pin *bufferpool.PinnedPage
	sp  *page.SlottedPage
}

func (n node) id() page.PageID { return n.pin.ID() }
func (n node) isLeaf() bool    { return n.sp.Kind() == page.KindLeaf }
func (n node) count() int      { return n.sp.SlotCount() }
func (n node) release()        { n.pin.Release() }

func (n node) leafEntry(i int) (key, val []byte, err error) {
	tup, err := n.sp.GetTuple(page.SlotID(i))
	if err != nil {
		return nil, nil, err
	}
	return decodeLeafEntry(tup)
}

// sepKey returns the i-th separator key of an internal node.
func (n node) sepKey(i int) ([]byte, error) {
	tup, err := n.sp.GetTuple(page.SlotID(i))
	if err != nil {
		return nil, err
	}
	key, _, err := decodeInternalEntry(tup)
	return key, err
}

// childAt returns the i-th child of an internal node, i in [0, count].
// Index 0 is the leftmost child from the header.
func (n node) childAt(i int) (page.PageID, error) {
	if i == 0 {
		return n.sp.Extra(), nil
	}
	tup, err := n.sp.GetTuple(page.SlotID(i - 1))
	if err != nil {
		return 0, err
	}
	_, child, err := decodeInternalEntry(tup)
	return child, err
}

func (n node) keyAt(i int) ([]byte, error) {
	tup, err := n.sp.GetTuple(page.SlotID(i))
	if err != nil {
		return nil, err
	}
	if n.isLeaf() {
		key, _, err := decodeLeafEntry(tup)
		return key, err
	}
	key, _, err := decodeInternalEntry(tup)
	return key, err
}

// lowerBound returns the first slot whose key is >= key, or count when
// every key is smaller.
func (n node) lowerBound(key []byte, cmp CompareFunc) (int, error) {
	lo, hi := 0, n.count()
	for lo < hi {
		mid := (lo + hi) / 2
		k, err := n.keyAt(mid)
		if err != nil {
			return 0, err
		}
		if cmp(k, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// upperBound returns the first slot whose key is > key, so equal keys
// land before the insertion point and duplicates keep arrival order.
func (n node) upperBound(key []byte, cmp CompareFunc) (int, error) {
	lo, hi := 0, n.count()
	for lo < hi {
		mid := (lo + hi) / 2
		k, err := n.keyAt(mid)
		if err != nil {
			return 0, err
		}
		if cmp(k, key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// childIndexFor picks the descent child for key: the number of
// separators <= key, so keys equal to a separator route right of it.
func (n node) childIndexFor(key []byte, cmp CompareFunc) (int, error) {
	return n.upperBound(key, cmp)
}

// childIndexLower picks the leftmost child whose subtree can still hold
// key. Range scans start here so duplicates that straddle a separator
// are not skipped.
func (n node) childIndexLower(key []byte, cmp CompareFunc) (int, error) {
	return n.lowerBound(key, cmp)
}
