package wal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/nanodb/nanodb/core/storage/page"
)

// RecordKind defines the type of operation logged.
type RecordKind uint8

const (
	// RecordUpdate carries the full after-image of a mutated page.
	RecordUpdate RecordKind = iota + 1
	// RecordSplit carries the after-image of a page rewritten by a node split.
	RecordSplit
	// RecordMerge carries the after-image of a page rewritten by a node merge
	// or redistribution.
	RecordMerge
	// RecordNewPage carries the initial image of a freshly allocated page.
	RecordNewPage
	// RecordRootChange carries the new root PageID (8 bytes, little-endian).
	RecordRootChange
	// RecordCheckpoint marks a checkpoint; its payload is the engine run id.
	RecordCheckpoint
)

func (k RecordKind) String() string {
	switch k {
	case RecordUpdate:
		return "update"
	case RecordSplit:
		return "split"
	case RecordMerge:
		return "merge"
	case RecordNewPage:
		return "new_page"
	case RecordRootChange:
		return "root_change"
	case RecordCheckpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// LogRecord is a single entry in the write-ahead log. Records are
// physical: Data fully describes the resulting page state, so replaying
// an already-applied record is a no-op (redo-only recovery).
type LogRecord struct {
	LSN    page.LSN
	TxnID  uint64
	PageID page.PageID
	Kind   RecordKind
	Data   []byte
}

const (
	// frameHeaderSize is length(u32) + xxhash64(u64) preceding each payload.
	frameHeaderSize = 4 + 8

	// payloadHeaderSize is the fixed part of a serialized record.
	payloadHeaderSize = 8 + 8 + 8 + 1 + 4

	// maxRecordData bounds a record's payload; page images dominate.
	maxRecordData = 4 * page.PageSize
)

var (
	ErrCorruptLog     = errors.New("write-ahead log corrupted")
	ErrRecordTooLarge = errors.New("log record too large")
)

// encodePayload serializes the record body (everything under the frame
// checksum). This format must be stable for recovery.
func (lr *LogRecord) encodePayload() ([]byte, error) {
	if len(lr.Data) > maxRecordData {
		return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(lr.Data))
	}
	buf := make([]byte, payloadHeaderSize+len(lr.Data))
	binary.LittleEndian.PutUint64(buf[0:], uint64(lr.LSN))
	binary.LittleEndian.PutUint64(buf[8:], lr.TxnID)
	binary.LittleEndian.PutUint64(buf[16:], uint64(lr.PageID))
	buf[24] = byte(lr.Kind)
	binary.LittleEndian.PutUint32(buf[25:], uint32(len(lr.Data)))
	copy(buf[payloadHeaderSize:], lr.Data)
	return buf, nil
}

// decodePayload deserializes a record body previously produced by
// encodePayload.
func decodePayload(buf []byte) (*LogRecord, error) {
	if len(buf) < payloadHeaderSize {
		return nil, fmt.Errorf("%w: payload of %d bytes shorter than header", ErrCorruptLog, len(buf))
	}
	lr := &LogRecord{
		LSN:    page.LSN(binary.LittleEndian.Uint64(buf[0:])),
		TxnID:  binary.LittleEndian.Uint64(buf[8:]),
		PageID: page.PageID(binary.LittleEndian.Uint64(buf[16:])),
		Kind:   RecordKind(buf[24]),
	}
	dataLen := binary.LittleEndian.Uint32(buf[25:])
	if int(dataLen) != len(buf)-payloadHeaderSize {
		return nil, fmt.Errorf("%w: declared data length %d, payload holds %d",
			ErrCorruptLog, dataLen, len(buf)-payloadHeaderSize)
	}
	lr.Data = make([]byte, dataLen)
	copy(lr.Data, buf[payloadHeaderSize:])
	return lr, nil
}

// frame wraps a payload with its self-describing length and checksum so a
// truncated tail is detectable during recovery.
func frame(payload []byte) []byte {
	out := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint64(out[4:], xxhash.Sum64(payload))
	copy(out[frameHeaderSize:], payload)
	return out
}

// frameSize returns the framed size of a payload of n bytes.
func frameSize(n int) int64 {
	return int64(frameHeaderSize + n)
}
