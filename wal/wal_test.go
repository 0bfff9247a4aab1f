package wal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Felmond13/kvring/simfs"
	"github.com/stretchr/testify/require"
)

func openTestWAL(t *testing.T) (*WAL, string, string) {
	t.Helper()
	dir := t.TempDir()
	intentPath := filepath.Join(dir, "test.intent")
	completionPath := filepath.Join(dir, "test.completion")
	w, err := Open(simfs.Real{}, intentPath, completionPath)
	require.NoError(t, err)
	return w, intentPath, completionPath
}

func TestAppendIntentAndReplayRoundTrip(t *testing.T) {
	ctx := context.Background()
	w, intentPath, completionPath := openTestWAL(t)

	ofs1, err := w.AppendIntent(ctx, OpSet, []byte("k1"), []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, w.AppendCompletion(ctx, ofs1, StatusSuccess, crc16ARCSeq([]byte("k1"), []byte("v1"))))

	ofs2, err := w.AppendIntent(ctx, OpSet, []byte("k2"), []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, w.AppendCompletion(ctx, ofs2, StatusSuccess, crc16ARCSeq([]byte("k2"), []byte("v2"))))

	require.NoError(t, w.Flush(ctx))
	require.NoError(t, w.Close())

	w2, err := Open(simfs.Real{}, intentPath, completionPath)
	require.NoError(t, err)
	defer w2.Close()

	type seen struct {
		op        Op
		key       string
		value     string
		completed bool
	}
	var got []seen
	corruption, err := w2.Replay(ctx, func(op Op, key, value []byte, completed bool) error {
		got = append(got, seen{op, string(key), string(value), completed})
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, corruption)
	require.Equal(t, []seen{
		{OpSet, "k1", "v1", true},
		{OpSet, "k2", "v2", true},
	}, got)
}

func TestReplayIgnoresIncompleteIntent(t *testing.T) {
	ctx := context.Background()
	w, intentPath, completionPath := openTestWAL(t)

	_, err := w.AppendIntent(ctx, OpSet, []byte("k1"), []byte("v1"))
	require.NoError(t, err)
	// No completion appended at all.
	require.NoError(t, w.Flush(ctx))
	require.NoError(t, w.Close())

	w2, err := Open(simfs.Real{}, intentPath, completionPath)
	require.NoError(t, err)
	defer w2.Close()

	var completedFlags []bool
	_, err = w2.Replay(ctx, func(op Op, key, value []byte, completed bool) error {
		completedFlags = append(completedFlags, completed)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []bool{false}, completedFlags)
}

func TestReplayStopsAtCorruptTail(t *testing.T) {
	ctx := context.Background()
	w, intentPath, completionPath := openTestWAL(t)

	ofs1, err := w.AppendIntent(ctx, OpSet, []byte("a"), []byte("1"))
	require.NoError(t, err)
	require.NoError(t, w.AppendCompletion(ctx, ofs1, StatusSuccess, crc16ARCSeq([]byte("a"), []byte("1"))))

	ofs2, err := w.AppendIntent(ctx, OpSet, []byte("a"), []byte("2"))
	require.NoError(t, err)
	require.NoError(t, w.AppendCompletion(ctx, ofs2, StatusSuccess, crc16ARCSeq([]byte("a"), []byte("2"))))
	require.NoError(t, w.Flush(ctx))
	require.NoError(t, w.Close())

	// Invert one byte inside the first record's header (byte 10 of the
	// record stream, i.e. past the 16-byte file header).
	require.NoError(t, simfs.CorruptBytes(simfs.Real{}, intentPath, logHeaderSize+10, 1))

	w2, err := Open(simfs.Real{}, intentPath, completionPath)
	require.NoError(t, err)
	defer w2.Close()

	var values []string
	corruption, err := w2.Replay(ctx, func(op Op, key, value []byte, completed bool) error {
		values = append(values, string(value))
		return nil
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, corruption, uint64(1))
	for _, v := range values {
		require.Contains(t, []string{"1", "2"}, v)
	}
}

func TestReplayStopsAtTruncatedTail(t *testing.T) {
	ctx := context.Background()
	w, intentPath, completionPath := openTestWAL(t)

	for i := 0; i < 3; i++ {
		key := []byte{'a' + byte(i)}
		ofs, err := w.AppendIntent(ctx, OpSet, key, []byte("v"))
		require.NoError(t, err)
		require.NoError(t, w.AppendCompletion(ctx, ofs, StatusSuccess, crc16ARCSeq(key, []byte("v"))))
	}
	require.NoError(t, w.Flush(ctx))
	require.NoError(t, w.Close())

	f, err := simfs.Real{}.Open(intentPath)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(logHeaderSize+50))
	require.NoError(t, f.Close())

	w2, err := Open(simfs.Real{}, intentPath, completionPath)
	require.NoError(t, err)
	defer w2.Close()

	count := 0
	_, err = w2.Replay(ctx, func(op Op, key, value []byte, completed bool) error {
		count++
		return nil
	})
	require.NoError(t, err)
	require.Less(t, count, 3)
}

func TestAppendIntentWrapsAroundBuffer(t *testing.T) {
	ctx := context.Background()
	w, _, _ := openTestWAL(t)
	defer w.Close()

	value := make([]byte, 64*1024)
	// Enough records to force several buffer-fill/flush cycles.
	for i := 0; i < 400; i++ {
		_, err := w.AppendIntent(ctx, OpSet, []byte{byte(i)}, value)
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush(ctx))
}

func TestCompletionWithGarbageOffsetIsDiscarded(t *testing.T) {
	ctx := context.Background()
	w, intentPath, completionPath := openTestWAL(t)

	_, err := w.AppendIntent(ctx, OpSet, []byte("k"), []byte("v"))
	require.NoError(t, err)
	// A completion whose intent_offset is far past the intent file size —
	// a sentinel for garbage per spec.
	require.NoError(t, w.AppendCompletion(ctx, 999999, StatusSuccess, 0))
	require.NoError(t, w.Flush(ctx))
	require.NoError(t, w.Close())

	w2, err := Open(simfs.Real{}, intentPath, completionPath)
	require.NoError(t, err)
	defer w2.Close()

	var completedFlags []bool
	_, err = w2.Replay(ctx, func(op Op, key, value []byte, completed bool) error {
		completedFlags = append(completedFlags, completed)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []bool{false}, completedFlags)
}
