// Package disk maps fixed-size page identifiers to byte ranges of a
// backing file. It performs positioned reads and writes, owns file
// growth, and persists the engine's bootstrap state in page 0. It caches
// nothing; caching is the buffer pool's job.
package disk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nanodb/nanodb/core/storage/page"
)

const (
	// Magic identifies a NanoDB page file.
	Magic uint32 = 0x4E414E0D // "NAN\r"

	// Version of the on-disk layout.
	Version uint32 = 1

	// headerSize is the serialized FileHeader prefix within page 0,
	// excluding its checksum.
	headerSize = 40

	headerChecksumSize = 4
)

var (
	ErrIO             = errors.New("i/o error")
	ErrDBFileExists   = errors.New("database file already exists")
	ErrDBFileNotFound = errors.New("database file not found")
	ErrBadMagic       = errors.New("invalid database file magic number")
	ErrCorruptHeader  = errors.New("database file header corrupted")
)

// FileHeader is the bootstrap state stored in page 0. All fields are
// fixed-size so the binary layout is stable across restarts.
type FileHeader struct {
	Magic         uint32
	Version       uint32
	PageSize      uint32
	Reserved      uint32
	RootPageID    page.PageID
	CatalogRootID page.PageID
	CheckpointLSN page.LSN
}

// Manager owns the page file. ReadPage and WritePage are positioned and
// may be issued concurrently for different page ids without external
// locking; concurrent access to the same id is serialized by the buffer
// pool's per-frame latch.
type Manager struct {
	path     string
	file     *os.File
	logger   *zap.Logger
	numPages atomic.Uint64

	// mu serializes allocation and header rewrites.
	mu sync.Mutex
}

// Create makes a new page file at path, failing if one already exists,
// and writes a fresh header to page 0.
func Create(path string, logger *zap.Logger) (*Manager, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDBFileExists, path)
		}
		return nil, fmt.Errorf("%w: creating file %s: %v", ErrIO, path, err)
	}

	m := &Manager{path: path, file: file, logger: logger}
	m.numPages.Store(1) // page 0 is the header

	header := FileHeader{
		Magic:         Magic,
		Version:       Version,
		PageSize:      page.PageSize,
		RootPageID:    page.InvalidPageID,
		CatalogRootID: page.InvalidPageID,
		CheckpointLSN: page.InvalidLSN,
	}
	if err := m.writeHeader(&header); err != nil {
		file.Close()
		_ = os.Remove(path)
		return nil, err
	}
	logger.Info("created page file", zap.String("path", path))
	return m, nil
}

// Open opens an existing page file and validates its header.
func Open(path string, logger *zap.Logger) (*Manager, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0666)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDBFileNotFound, path)
		}
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, path, err)
	}

	m := &Manager{path: path, file: file, logger: logger}

	header, err := m.readHeader()
	if err != nil {
		file.Close()
		return nil, err
	}
	if header.Magic != Magic {
		file.Close()
		return nil, fmt.Errorf("%w: got 0x%x", ErrBadMagic, header.Magic)
	}
	if header.PageSize != page.PageSize {
		file.Close()
		return nil, fmt.Errorf("file page size (%d) does not match engine page size (%d)",
			header.PageSize, page.PageSize)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}
	n := uint64(fi.Size()) / page.PageSize
	if n == 0 {
		n = 1
	}
	m.numPages.Store(n)

	logger.Info("opened page file",
		zap.String("path", path),
		zap.Uint64("num_pages", n),
		zap.Uint64("root_page_id", uint64(header.RootPageID)),
		zap.Uint64("checkpoint_lsn", uint64(header.CheckpointLSN)))
	return m, nil
}

// NumPages returns the number of allocated pages, page 0 included.
func (m *Manager) NumPages() uint64 {
	return m.numPages.Load()
}

// ReadPage reads the page's bytes into buf. Fails with ErrIO if the id
// was never allocated or the read is short.
func (m *Manager) ReadPage(id page.PageID, buf []byte) error {
	if len(buf) != page.PageSize {
		return fmt.Errorf("page buffer size (%d) != page size (%d)", len(buf), page.PageSize)
	}
	if uint64(id) >= m.numPages.Load() {
		return fmt.Errorf("%w: page %d was never allocated", ErrIO, id)
	}
	offset := int64(id) * page.PageSize
	n, err := m.file.ReadAt(buf, offset)
	if err != nil {
		if err == io.EOF && n == page.PageSize {
			return nil
		}
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, id, offset, err)
	}
	if n != page.PageSize {
		return fmt.Errorf("%w: short read for page %d, expected %d, got %d", ErrIO, id, page.PageSize, n)
	}
	return nil
}

// WritePage writes the page's bytes at the id's byte range. Does not
// sync; durability ordering is the caller's concern (WAL-gated flushes).
func (m *Manager) WritePage(id page.PageID, buf []byte) error {
	if len(buf) != page.PageSize {
		return fmt.Errorf("page buffer size (%d) != page size (%d)", len(buf), page.PageSize)
	}
	offset := int64(id) * page.PageSize
	n, err := m.file.WriteAt(buf, offset)
	if err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, id, offset, err)
	}
	if n != page.PageSize {
		return fmt.Errorf("%w: short write for page %d, expected %d, wrote %d", ErrIO, id, page.PageSize, n)
	}
	return nil
}

// AllocatePage extends the file by one zeroed page and returns the fresh
// id. Ids are dense and never reused while the engine is live.
func (m *Manager) AllocatePage() (page.PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := page.PageID(m.numPages.Load())
	empty := make([]byte, page.PageSize)
	if err := m.WritePage(id, empty); err != nil {
		return page.InvalidPageID, fmt.Errorf("extending file for new page %d: %w", id, err)
	}
	m.numPages.Add(1)
	return id, nil
}

// EnsureAllocated grows the file so the given id is addressable. Used by
// recovery when the log references pages past a truncated file end.
func (m *Manager) EnsureAllocated(id page.PageID) error {
	for uint64(id) >= m.numPages.Load() {
		if _, err := m.AllocatePage(); err != nil {
			return err
		}
	}
	return nil
}

// Header reads the current file header from page 0.
func (m *Manager) Header() (FileHeader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.readHeader()
	if err != nil {
		return FileHeader{}, err
	}
	return *h, nil
}

// UpdateHeader applies fn to the file header and writes it back,
// syncing so bootstrap state survives a crash.
func (m *Manager) UpdateHeader(fn func(*FileHeader)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	header, err := m.readHeader()
	if err != nil {
		return err
	}
	fn(header)
	return m.writeHeader(header)
}

func (m *Manager) writeHeader(header *FileHeader) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("serializing header: %w", err)
	}
	if buf.Len() != headerSize {
		return fmt.Errorf("header serialized to %d bytes, expected %d", buf.Len(), headerSize)
	}
	pageBuf := make([]byte, page.PageSize)
	copy(pageBuf, buf.Bytes())
	sum := crc32.ChecksumIEEE(pageBuf[:headerSize])
	binary.LittleEndian.PutUint32(pageBuf[headerSize:headerSize+headerChecksumSize], sum)

	if _, err := m.file.WriteAt(pageBuf, 0); err != nil {
		return fmt.Errorf("%w: writing header: %v", ErrIO, err)
	}
	return m.file.Sync()
}

func (m *Manager) readHeader() (*FileHeader, error) {
	pageBuf := make([]byte, page.PageSize)
	n, err := m.file.ReadAt(pageBuf, 0)
	if err != nil && !(err == io.EOF && n == page.PageSize) {
		return nil, fmt.Errorf("%w: reading header: %v", ErrIO, err)
	}
	stored := binary.LittleEndian.Uint32(pageBuf[headerSize : headerSize+headerChecksumSize])
	if sum := crc32.ChecksumIEEE(pageBuf[:headerSize]); sum != stored {
		return nil, fmt.Errorf("%w: stored=0x%x calculated=0x%x", ErrCorruptHeader, stored, sum)
	}
	header := &FileHeader{}
	if err := binary.Read(bytes.NewReader(pageBuf[:headerSize]), binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("deserializing header: %w", err)
	}
	return header, nil
}

// Sync flushes the file to stable storage.
func (m *Manager) Sync() error {
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrIO, err)
	}
	return nil
}

// Close syncs and closes the file handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	if err := m.file.Sync(); err != nil {
		m.logger.Error("failed to sync page file on close", zap.Error(err))
	}
	err := m.file.Close()
	m.file = nil
	return err
}
