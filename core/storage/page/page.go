// Package page defines the fixed-size page identifiers shared by the
// storage engine and the slotted byte layout imposed on every page buffer.
package page

import "errors"

const (
	// PageSize is the fixed size of every on-disk page in bytes.
	PageSize = 4096

	// HeaderSize is the size of the slotted-page header at the front of
	// every page buffer.
	HeaderSize = 32

	// slotSize is the size of one slot directory entry.
	slotSize = 6

	// checksumSize is the CRC32 trailer at the very end of the page.
	checksumSize = 4

	// payloadEnd is the exclusive upper bound of the payload region.
	payloadEnd = PageSize - checksumSize
)

// PageID is a dense, monotonically allocated identifier of a fixed-size
// page in the backing file. Page 0 holds the file header and is never
// handed out by the allocator.
type PageID uint64

// InvalidPageID doubles as the file-header page and the "no page" marker.
const InvalidPageID PageID = 0

// LSN is a Log Sequence Number: a monotonically increasing identifier of
// durability order, assigned by the WAL.
type LSN uint64

// InvalidLSN marks pages never touched by a logged mutation.
const InvalidLSN LSN = 0

// SlotID indexes the slot directory of one page.
type SlotID uint16

// Kind tags what a page buffer holds. Node polymorphism is this tag, read
// from the header and branched on explicitly.
type Kind uint8

const (
	// KindFree marks an allocated page that holds no data.
	KindFree Kind = iota
	// KindFileHeader is reserved for page 0.
	KindFileHeader
	// KindLeaf is a B+Tree leaf node.
	KindLeaf
	// KindInternal is a B+Tree internal node.
	KindInternal
)

var (
	ErrPageFull         = errors.New("page full")
	ErrSlotNotFound     = errors.New("slot not found")
	ErrTupleTooLarge    = errors.New("tuple too large for page")
	ErrChecksumMismatch = errors.New("page checksum mismatch, data corruption suspected")
	ErrInvalidPageData  = errors.New("invalid page data")
)

// MaxTupleSize is the largest tuple a freshly formatted page can hold.
const MaxTupleSize = payloadEnd - HeaderSize - slotSize
