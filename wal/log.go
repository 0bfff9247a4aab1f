package wal

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/Felmond13/kvring/ioring"
	"github.com/Felmond13/kvring/simfs"
)

// bufferSize is the size of each log's in-memory staging buffer (spec.md
// §3: "an in-memory byte buffer of 10 MiB").
const bufferSize = 10 * 1024 * 1024

// flushThreshold is the write_offset fraction past which an append fires
// a background (fire-and-forget) flush.
const flushThreshold = 0.75

// LogHeaderSize is the fixed header every log file carries ahead of its
// record stream, grounded on the teacher's walMagic/version convention in
// storage/wal.go. Callers outside this package that need to address a
// real record byte directly (e.g. corruption injection in tests or in
// proptest's wal_corruption channel) must offset past it.
const LogHeaderSize = 16

const logHeaderSize = LogHeaderSize

var logMagic = [4]byte{'K', 'V', 'W', 'L'}

const logKindIntent = byte(0)
const logKindCompletion = byte(1)

// ring is one of the two independent logs (intent or completion). Its
// file grows without bound; only the in-memory staging buffer wraps.
//
// segmentFileOffset is the absolute file offset corresponding to
// buf[readOffset] — i.e. the file position of the oldest byte in the
// buffer that has not yet been durably flushed. readOffset/writeOffset
// only ever index into buf; translating a buffer position to a file
// offset always goes through segmentFileOffset.
type ring struct {
	file   simfs.File
	ioRing *ioring.Ring
	kind   byte

	buf               []byte
	writeOffset       int
	readOffset        int
	segmentFileOffset int64
	isFull            bool
}

func openRing(fsys simfs.FS, path string, kind byte) (*ring, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	r := &ring{
		file:   f,
		ioRing: ioring.New(),
		kind:   kind,
		buf:    make([]byte, bufferSize),
	}

	size, err := f.Size()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: stat %s: %w", path, err)
	}
	if size == 0 {
		if err := r.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		r.segmentFileOffset = logHeaderSize
	} else {
		if err := r.readHeader(); err != nil {
			f.Close()
			return nil, err
		}
		r.segmentFileOffset = size
	}
	return r, nil
}

func (r *ring) writeHeader() error {
	var hdr [logHeaderSize]byte
	copy(hdr[0:4], logMagic[:])
	hdr[4] = r.kind
	binary.LittleEndian.PutUint16(hdr[5:7], 1) // version 1
	_, err := r.file.WriteAt(hdr[:], 0)
	if err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	return nil
}

func (r *ring) readHeader() error {
	var hdr [logHeaderSize]byte
	if _, err := r.file.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("wal: read header: %w", err)
	}
	if hdr[0] != logMagic[0] || hdr[1] != logMagic[1] || hdr[2] != logMagic[2] || hdr[3] != logMagic[3] {
		return fmt.Errorf("wal: bad magic in log file")
	}
	return nil
}

// append stages rec into the buffer, making room by compacting or
// flushing as needed, and returns the absolute file offset the record
// will occupy once flushed.
func (r *ring) append(ctx context.Context, rec []byte) (int64, error) {
	size := len(rec)
	if r.writeOffset+size > len(r.buf) {
		if err := r.makeRoom(ctx, size); err != nil {
			return 0, err
		}
	}

	offset := r.segmentFileOffset + int64(r.writeOffset-r.readOffset)
	copy(r.buf[r.writeOffset:], rec)
	r.writeOffset += size
	r.isFull = r.writeOffset >= len(r.buf)

	if float64(r.writeOffset) > flushThreshold*float64(len(r.buf)) {
		// Threshold flush is fire-and-forget; errors surface on the next
		// call that waits on this ring (the next synchronous flush).
		_ = r.flushAsync(ctx)
	}
	return offset, nil
}

// makeRoom reclaims buffer space for a record of the given size, either
// by compacting the still-pending tail forward (when the already-flushed
// prefix is large enough to make room) or by flushing synchronously and
// resetting the buffer to empty.
func (r *ring) makeRoom(ctx context.Context, size int) error {
	if r.readOffset >= size {
		pending := r.writeOffset - r.readOffset
		copy(r.buf[0:pending], r.buf[r.readOffset:r.writeOffset])
		r.writeOffset = pending
		r.readOffset = 0
		r.isFull = false
		return nil
	}
	if err := r.flush(ctx); err != nil {
		return err
	}
	r.writeOffset = 0
	r.readOffset = 0
	r.isFull = false
	return nil
}

// flush synchronously persists any pending (unflushed) bytes. Even when
// the staging buffer itself is empty, a prior threshold-triggered
// flushAsync may still have a write in flight (it advances readOffset and
// segmentFileOffset without waiting for the write), so flush always drains
// the ring and fsyncs before returning.
func (r *ring) flush(ctx context.Context) error {
	if r.readOffset == r.writeOffset {
		if err := r.ioRing.Drain(); err != nil {
			return fmt.Errorf("wal: drain: %w", err)
		}
		if err := r.file.Sync(); err != nil {
			return fmt.Errorf("wal: fsync: %w", err)
		}
		return nil
	}
	pending := r.buf[r.readOffset:r.writeOffset]
	if err := r.ioRing.SubmitWrite(ctx, r.file, pending, r.segmentFileOffset, true); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if err := r.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	r.segmentFileOffset += int64(len(pending))
	r.readOffset = r.writeOffset
	return nil
}

// flushAsync fires a background flush of the pending region without
// waiting for it to land; a later flush/append call observes its result.
func (r *ring) flushAsync(ctx context.Context) error {
	if r.readOffset == r.writeOffset {
		return nil
	}
	pending := make([]byte, r.writeOffset-r.readOffset)
	copy(pending, r.buf[r.readOffset:r.writeOffset])
	offset := r.segmentFileOffset
	if err := r.ioRing.SubmitWrite(ctx, r.file, pending, offset, false); err != nil {
		if err == ioring.ErrBusy {
			return nil // a flush is already in flight; nothing new to do
		}
		return err
	}
	r.segmentFileOffset += int64(len(pending))
	r.readOffset = r.writeOffset
	return nil
}

// readAll reads the log's full on-disk record stream (excluding the
// header), draining any in-flight async write first so replay sees a
// consistent view of what is actually durable.
func (r *ring) readAll(ctx context.Context) ([]byte, error) {
	if err := r.ioRing.Drain(); err != nil {
		return nil, fmt.Errorf("wal: drain before read: %w", err)
	}
	size, err := r.file.Size()
	if err != nil {
		return nil, fmt.Errorf("wal: stat: %w", err)
	}
	if size <= logHeaderSize {
		return nil, nil
	}
	data := make([]byte, size-logHeaderSize)
	if _, err := r.file.ReadAt(data, logHeaderSize); err != nil {
		return nil, fmt.Errorf("wal: read: %w", err)
	}
	return data, nil
}

func (r *ring) close() error {
	err := r.ioRing.Close()
	if cerr := r.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
