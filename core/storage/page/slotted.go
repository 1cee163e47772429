package page

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Slotted page layout, all fields little-endian:
//
//	[0..8)    LSN of the last log record applied to this page
//	[8..16)   owning PageID
//	[16]      Kind tag
//	[17]      reserved
//	[18..20)  slot count (including tombstoned slots)
//	[20..22)  free-space pointer (start of the payload region)
//	[22..24)  reserved
//	[24..32)  extra: next-leaf PageID on leaves, leftmost child on internals
//	[32..)    slot directory, growing toward the page end
//	...       payload region, growing backward from PageSize-4
//	[4092..)  CRC32 (IEEE) over bytes [0, 4092)
//
// Each slot is {offset uint16, length uint16, flags uint16}; bit 0 of
// flags tombstones the slot. Invariant: directory end <= free-space
// pointer <= payload start of every live tuple, and no two live slots'
// byte ranges overlap.
const (
	offLSN       = 0
	offPageID    = 8
	offKind      = 16
	offSlotCount = 18
	offFreePtr   = 20
	offExtra     = 24

	flagTombstone = 1 << 0
)

// SlottedPage imposes the slotted layout on one page buffer in place.
// It owns no memory; the buffer belongs to the caller's frame.
type SlottedPage struct {
	buf []byte
}

// Wrap interprets an existing page buffer as a slotted page.
func Wrap(buf []byte) *SlottedPage {
	if len(buf) != PageSize {
		panic(fmt.Sprintf("slotted page buffer must be %d bytes, got %d", PageSize, len(buf)))
	}
	return &SlottedPage{buf: buf}
}

// Format zeroes the buffer and initializes an empty slotted page of the
// given kind.
func Format(buf []byte, id PageID, kind Kind) *SlottedPage {
	sp := Wrap(buf)
	clear(buf)
	binary.LittleEndian.PutUint64(buf[offPageID:], uint64(id))
	buf[offKind] = byte(kind)
	binary.LittleEndian.PutUint16(buf[offFreePtr:], uint16(payloadEnd))
	return sp
}

func (sp *SlottedPage) LSN() LSN {
	return LSN(binary.LittleEndian.Uint64(sp.buf[offLSN:]))
}

func (sp *SlottedPage) SetLSN(lsn LSN) {
	binary.LittleEndian.PutUint64(sp.buf[offLSN:], uint64(lsn))
}

func (sp *SlottedPage) PageID() PageID {
	return PageID(binary.LittleEndian.Uint64(sp.buf[offPageID:]))
}

func (sp *SlottedPage) Kind() Kind {
	return Kind(sp.buf[offKind])
}

func (sp *SlottedPage) SetKind(k Kind) {
	sp.buf[offKind] = byte(k)
}

// Extra is the per-kind header field: the next-leaf PageID on leaves and
// the leftmost child PageID on internal nodes.
func (sp *SlottedPage) Extra() PageID {
	return PageID(binary.LittleEndian.Uint64(sp.buf[offExtra:]))
}

func (sp *SlottedPage) SetExtra(id PageID) {
	binary.LittleEndian.PutUint64(sp.buf[offExtra:], uint64(id))
}

// SlotCount returns the number of directory entries, tombstoned included.
func (sp *SlottedPage) SlotCount() int {
	return int(binary.LittleEndian.Uint16(sp.buf[offSlotCount:]))
}

func (sp *SlottedPage) setSlotCount(n int) {
	binary.LittleEndian.PutUint16(sp.buf[offSlotCount:], uint16(n))
}

func (sp *SlottedPage) freePtr() int {
	return int(binary.LittleEndian.Uint16(sp.buf[offFreePtr:]))
}

func (sp *SlottedPage) setFreePtr(p int) {
	binary.LittleEndian.PutUint16(sp.buf[offFreePtr:], uint16(p))
}

func (sp *SlottedPage) slotBase(i int) int {
	return HeaderSize + i*slotSize
}

func (sp *SlottedPage) slot(i int) (offset, length, flags int) {
	base := sp.slotBase(i)
	offset = int(binary.LittleEndian.Uint16(sp.buf[base:]))
	length = int(binary.LittleEndian.Uint16(sp.buf[base+2:]))
	flags = int(binary.LittleEndian.Uint16(sp.buf[base+4:]))
	return
}

func (sp *SlottedPage) putSlot(i, offset, length, flags int) {
	base := sp.slotBase(i)
	binary.LittleEndian.PutUint16(sp.buf[base:], uint16(offset))
	binary.LittleEndian.PutUint16(sp.buf[base+2:], uint16(length))
	binary.LittleEndian.PutUint16(sp.buf[base+4:], uint16(flags))
}

// LiveSlotCount returns the number of non-tombstoned slots.
func (sp *SlottedPage) LiveSlotCount() int {
	live := 0
	for i := 0; i < sp.SlotCount(); i++ {
		if _, _, flags := sp.slot(i); flags&flagTombstone == 0 {
			live++
		}
	}
	return live
}

func (sp *SlottedPage) liveBytes() int {
	total := 0
	for i := 0; i < sp.SlotCount(); i++ {
		if _, length, flags := sp.slot(i); flags&flagTombstone == 0 {
			total += length
		}
	}
	return total
}

// ContiguousFree returns the bytes immediately available between the slot
// directory and the payload region, assuming one more slot is appended.
func (sp *SlottedPage) ContiguousFree() int {
	free := sp.freePtr() - sp.slotBase(sp.SlotCount()+1)
	if free < 0 {
		return 0
	}
	return free
}

// FreeSpace returns the bytes an insert could use after compaction,
// assuming one more slot is appended.
func (sp *SlottedPage) FreeSpace() int {
	free := payloadEnd - sp.slotBase(sp.SlotCount()+1) - sp.liveBytes()
	if free < 0 {
		return 0
	}
	return free
}

// InsertTuple appends a new slot pointing at the tuple bytes. If the
// contiguous gap is too small but tombstoned space would suffice, the
// page is compacted first. Returns the new slot's id.
func (sp *SlottedPage) InsertTuple(data []byte) (SlotID, error) {
	return sp.InsertTupleAt(SlotID(sp.SlotCount()), data)
}

// InsertTupleAt inserts a tuple so that it occupies slot index `at`,
// shifting later directory entries up by one. Slot ids at and above `at`
// therefore change; callers needing stable ids use InsertTuple.
func (sp *SlottedPage) InsertTupleAt(at SlotID, data []byte) (SlotID, error) {
	n := sp.SlotCount()
	if int(at) > n {
		return 0, fmt.Errorf("%w: insert position %d beyond slot count %d", ErrSlotNotFound, at, n)
	}
	if len(data) > MaxTupleSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrTupleTooLarge, len(data))
	}
	need := len(data)
	if sp.ContiguousFree() < need {
		if sp.FreeSpace() < need {
			return 0, ErrPageFull
		}
		sp.Compact()
		if sp.ContiguousFree() < need {
			return 0, ErrPageFull
		}
	}

	newFree := sp.freePtr() - need
	copy(sp.buf[newFree:], data)
	sp.setFreePtr(newFree)

	// Shift directory entries [at, n) up one position.
	if int(at) < n {
		base := sp.slotBase(int(at))
		copy(sp.buf[base+slotSize:sp.slotBase(n)+slotSize], sp.buf[base:sp.slotBase(n)])
	}
	sp.putSlot(int(at), newFree, need, 0)
	sp.setSlotCount(n + 1)
	return at, nil
}

// GetTuple returns a copy of the tuple bytes in the given slot. Callers
// never alias page memory past the borrow scope of their pin.
func (sp *SlottedPage) GetTuple(id SlotID) ([]byte, error) {
	offset, length, _, err := sp.liveSlot(id)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, sp.buf[offset:offset+length])
	return out, nil
}

// DeleteTuple tombstones the slot. Space is reclaimed lazily by Compact.
func (sp *SlottedPage) DeleteTuple(id SlotID) error {
	offset, length, flags, err := sp.liveSlot(id)
	if err != nil {
		return err
	}
	sp.putSlot(int(id), offset, length, flags|flagTombstone)
	return nil
}

// RemoveSlotAt physically removes a slot, shifting later directory
// entries down by one. Used by ordered nodes that keep slots dense.
func (sp *SlottedPage) RemoveSlotAt(at SlotID) error {
	n := sp.SlotCount()
	if int(at) >= n {
		return fmt.Errorf("%w: slot %d of %d", ErrSlotNotFound, at, n)
	}
	if int(at) < n-1 {
		base := sp.slotBase(int(at))
		copy(sp.buf[base:], sp.buf[base+slotSize:sp.slotBase(n)])
	}
	// Zero the vacated directory entry so checksums stay deterministic.
	sp.putSlot(n-1, 0, 0, 0)
	sp.setSlotCount(n - 1)
	return nil
}

func (sp *SlottedPage) liveSlot(id SlotID) (offset, length, flags int, err error) {
	if int(id) >= sp.SlotCount() {
		return 0, 0, 0, fmt.Errorf("%w: slot %d of %d", ErrSlotNotFound, id, sp.SlotCount())
	}
	offset, length, flags = sp.slot(int(id))
	if flags&flagTombstone != 0 {
		return 0, 0, 0, fmt.Errorf("%w: slot %d tombstoned", ErrSlotNotFound, id)
	}
	if offset < HeaderSize || offset+length > payloadEnd {
		return 0, 0, 0, fmt.Errorf("%w: slot %d offset %d length %d out of range",
			ErrInvalidPageData, id, offset, length)
	}
	return offset, length, flags, nil
}

// Compact rewrites all live tuples contiguously against the page end in
// slot order, rewrites the retained slots' offsets, and resets the
// free-space pointer. Tombstoned slots keep their directory entries so
// retained slot ids are stable. Idempotent.
func (sp *SlottedPage) Compact() {
	n := sp.SlotCount()
	scratch := make([]byte, 0, payloadEnd-HeaderSize)
	type live struct{ slot, length int }
	lives := make([]live, 0, n)
	for i := 0; i < n; i++ {
		offset, length, flags := sp.slot(i)
		if flags&flagTombstone != 0 {
			continue
		}
		lives = append(lives, live{slot: i, length: length})
		scratch = append(scratch, sp.buf[offset:offset+length]...)
	}

	// Lay the collected tuples back down so slot 0's bytes sit nearest
	// the page end, matching what repeated InsertTuple would produce.
	writePos := payloadEnd
	readPos := 0
	for _, lv := range lives {
		writePos -= lv.length
		copy(sp.buf[writePos:], scratch[readPos:readPos+lv.length])
		_, _, flags := sp.slot(lv.slot)
		sp.putSlot(lv.slot, writePos, lv.length, flags)
		readPos += lv.length
	}
	// Clear the reclaimed gap between the directory and the new floor.
	clear(sp.buf[sp.slotBase(n):writePos])
	sp.setFreePtr(writePos)
}

// Seal computes and stores the page checksum. Called before a frame is
// written back to disk.
func (sp *SlottedPage) Seal() {
	sum := crc32.ChecksumIEEE(sp.buf[:payloadEnd])
	binary.LittleEndian.PutUint32(sp.buf[payloadEnd:], sum)
}

// VerifyChecksum validates the stored checksum. All-zero pages (allocated
// but never formatted) pass.
func (sp *SlottedPage) VerifyChecksum() error {
	stored := binary.LittleEndian.Uint32(sp.buf[payloadEnd:])
	calculated := crc32.ChecksumIEEE(sp.buf[:payloadEnd])
	if stored == calculated {
		return nil
	}
	if stored == 0 && isZero(sp.buf[:payloadEnd]) {
		return nil
	}
	return fmt.Errorf("%w: stored=0x%x, calculated=0x%x for page %d",
		ErrChecksumMismatch, stored, calculated, sp.PageID())
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
