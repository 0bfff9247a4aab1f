package simfs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRealRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	f, err := Real{}.Open(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	size, err := f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(5), size)

	got := make([]byte, 5)
	_, err = f.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestSimulatedInjectWriteFault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.wal")
	sim := NewSimulated(Real{})
	sim.Inject(OpWrite, "*.wal", DiskFull, 1)

	f, err := sim.Open(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("data"), 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, errDiskFull))

	// Fault was single-shot; the next write succeeds.
	_, err = f.WriteAt([]byte("data"), 0)
	require.NoError(t, err)
}

func TestSimulatedGlobOnlyMatchesTargetedFiles(t *testing.T) {
	dir := t.TempDir()
	sim := NewSimulated(Real{})
	sim.Inject(OpWrite, "*.wal", IoError, 0)

	other, err := sim.Open(filepath.Join(dir, "plain.txt"))
	require.NoError(t, err)
	defer other.Close()
	_, err = other.WriteAt([]byte("ok"), 0)
	require.NoError(t, err)

	walFile, err := sim.Open(filepath.Join(dir, "x.wal"))
	require.NoError(t, err)
	defer walFile.Close()
	_, err = walFile.WriteAt([]byte("bad"), 0)
	require.Error(t, err)
}

func TestCorruptBytesFlipsOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.wal")
	f, err := Real{}.Open(path)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0x00, 0x00, 0x00, 0x00}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, CorruptBytes(Real{}, path, 1, 2))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0xFF, 0xFF, 0x00}, raw)
}
