package disk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nanodb/nanodb/core/storage/page"
)

func setupManager(t *testing.T) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	m, err := Create(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, path
}

func TestDiskManager_CreateInitializesHeader(t *testing.T) {
	m, path := setupManager(t)

	require.Equal(t, uint64(1), m.NumPages())
	h, err := m.Header()
	require.NoError(t, err)
	require.Equal(t, uint32(Magic), h.Magic)
	require.Equal(t, uint32(Version), h.Version)
	require.Equal(t, uint32(page.PageSize), h.PageSize)
	require.Equal(t, page.InvalidPageID, h.RootPageID)
	require.Equal(t, page.InvalidLSN, h.CheckpointLSN)

	_, err = Create(path, zap.NewNop())
	require.ErrorIs(t, err, ErrDBFileExists)
}

func TestDiskManager_OpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.db"), zap.NewNop())
	require.ErrorIs(t, err, ErrDBFileNotFound)
}

func TestDiskManager_OpenRejectsUnformattedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.db")
	require.NoError(t, os.WriteFile(path, make([]byte, page.PageSize), 0666))

	_, err := Open(path, zap.NewNop())
	require.ErrorIs(t, err, ErrCorruptHeader)
}

func TestDiskManager_AllocateReadWrite(t *testing.T) {
	m, _ := setupManager(t)

	id, err := m.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, page.PageID(1), id)
	require.Equal(t, uint64(2), m.NumPages())

	buf := make([]byte, page.PageSize)
	sp := page.Format(buf, id, page.KindLeaf)
	_, err = sp.InsertTuple([]byte("persist me"))
	require.NoError(t, err)
	sp.Seal()
	require.NoError(t, m.WritePage(id, buf))

	got := make([]byte, page.PageSize)
	require.NoError(t, m.ReadPage(id, got))
	require.Equal(t, buf, got)

	// Unallocated ids are rejected rather than read as zeroes.
	err = m.ReadPage(5, got)
	require.ErrorIs(t, err, ErrIO)
}

func TestDiskManager_EnsureAllocated(t *testing.T) {
	m, _ := setupManager(t)

	require.NoError(t, m.EnsureAllocated(4))
	require.Equal(t, uint64(5), m.NumPages())

	// Already-allocated ids are a no-op.
	require.NoError(t, m.EnsureAllocated(2))
	require.Equal(t, uint64(5), m.NumPages())

	buf := make([]byte, page.PageSize)
	require.NoError(t, m.ReadPage(4, buf))
	require.NoError(t, page.Wrap(buf).VerifyChecksum())
}

func TestDiskManager_HeaderSurvivesReopen(t *testing.T) {
	m, path := setupManager(t)

	_, err := m.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, m.UpdateHeader(func(h *FileHeader) {
		h.RootPageID = 1
		h.CheckpointLSN = 77
	}))
	require.NoError(t, m.Close())

	m2, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	defer m2.Close()

	require.Equal(t, uint64(2), m2.NumPages())
	h, err := m2.Header()
	require.NoError(t, err)
	require.Equal(t, page.PageID(1), h.RootPageID)
	require.Equal(t, page.LSN(77), h.CheckpointLSN)
}

func TestDiskManager_CorruptHeaderDetected(t *testing.T) {
	m, path := setupManager(t)
	require.NoError(t, m.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0666)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, 10)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path, zap.NewNop())
	require.ErrorIs(t, err, ErrCorruptHeader)
}
