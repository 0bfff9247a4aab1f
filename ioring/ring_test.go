package ioring

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempFile(t *testing.T) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ring.dat")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestSubmitWriteWaitPersists(t *testing.T) {
	f := tempFile(t)
	r := New()
	defer r.Close()

	err := r.SubmitWrite(context.Background(), f, []byte("hello"), 0, true)
	require.NoError(t, err)

	got := make([]byte, 5)
	_, err = f.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestSubmitWriteAsyncThenWaitDrains(t *testing.T) {
	f := tempFile(t)
	r := New()
	defer r.Close()

	err := r.SubmitWrite(context.Background(), f, []byte("world"), 10, false)
	require.NoError(t, err)

	// A second fire-and-forget submit before the first drains is rejected:
	// the ring's queue depth is one.
	err = r.SubmitWrite(context.Background(), f, []byte("xxxxx"), 20, false)
	require.ErrorIs(t, err, ErrBusy)

	require.NoError(t, r.Drain())

	got := make([]byte, 5)
	_, err = f.ReadAt(got, 10)
	require.NoError(t, err)
	require.Equal(t, "world", string(got))
}

func TestSubmitWriteWaitObservesPriorAsync(t *testing.T) {
	f := tempFile(t)
	r := New()
	defer r.Close()

	require.NoError(t, r.SubmitWrite(context.Background(), f, []byte("AAAA"), 0, false))
	// A synchronous submit first waits for the outstanding async write.
	require.NoError(t, r.SubmitWrite(context.Background(), f, []byte("BBBB"), 4, true))

	got := make([]byte, 8)
	_, err := f.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, "AAAABBBB", string(got))
}

func TestSubmitWriteAfterCloseReturnsErrClosed(t *testing.T) {
	f := tempFile(t)
	r := New()
	require.NoError(t, r.Close())
	err := r.SubmitWrite(context.Background(), f, []byte("x"), 0, true)
	require.ErrorIs(t, err, ErrClosed)
}

func TestSubmitWriteAsyncCanceledBeforeStart(t *testing.T) {
	f := tempFile(t)
	r := New()
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.SubmitWrite(ctx, f, []byte("late"), 0, false)
	require.NoError(t, err) // submission itself always succeeds

	err = r.Drain()
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}
