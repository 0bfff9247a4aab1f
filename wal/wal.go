// Package wal implements the dual write-ahead log: two independent ring
// buffers — one for intent records, one for completion records — each
// backed by a simfs.File and flushed through an ioring.Ring. It provides
// append-intent, append-completion, flush, and crash-tolerant replay.
package wal

import (
	"context"
	"fmt"
	"time"

	"github.com/Felmond13/kvring/simfs"
)

// maxFutureSkew bounds how far into the future a record's timestamp may
// claim to be before it is treated as corrupt (spec.md §4.2: "timestamp_ns
// <= now + 1 year").
const maxFutureSkew = 365 * 24 * time.Hour

// WAL owns the intent and completion logs as a pair.
type WAL struct {
	intent     *ring
	completion *ring
	fsys       simfs.FS
	now        func() time.Time
}

// Open creates or opens the intent and completion log files at the given
// paths, allocating both 10 MiB staging buffers. It does not run
// recovery; callers drive Replay explicitly (engine.Open composes the
// two).
func Open(fsys simfs.FS, intentPath, completionPath string) (*WAL, error) {
	intent, err := openRing(fsys, intentPath, logKindIntent)
	if err != nil {
		return nil, err
	}
	completion, err := openRing(fsys, completionPath, logKindCompletion)
	if err != nil {
		intent.close()
		return nil, err
	}
	return &WAL{intent: intent, completion: completion, fsys: fsys, now: time.Now}, nil
}

// Close flushes and releases both logs.
func (w *WAL) Close() error {
	ctx := context.Background()
	ferr := w.Flush(ctx)
	ierr := w.intent.close()
	cerr := w.completion.close()
	if ferr != nil {
		return ferr
	}
	if ierr != nil {
		return ierr
	}
	return cerr
}

// AppendIntent appends an IntentRecord and returns the file offset where
// it begins.
func (w *WAL) AppendIntent(ctx context.Context, op Op, key, value []byte) (uint32, error) {
	header, err := EncodeIntentHeader(uint64(w.now().UnixNano()), op, key, value)
	if err != nil {
		return 0, err
	}
	rec := make([]byte, 0, IntentHeaderSize+len(key)+len(value))
	rec = append(rec, header[:]...)
	rec = append(rec, key...)
	rec = append(rec, value...)

	offset, err := w.intent.append(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("wal: append intent: %w", err)
	}
	return uint32(offset), nil
}

// AppendCompletion appends a CompletionRecord referencing intentOffset.
func (w *WAL) AppendCompletion(ctx context.Context, intentOffset uint32, status Status, dataCRC uint16) error {
	rec := CompletionRecord{
		IntentOffset: intentOffset,
		TimestampNs:  uint64(w.now().UnixNano()),
		Status:       status,
		DataCRC:      dataCRC,
	}
	enc := rec.Encode()
	_, err := w.completion.append(ctx, enc[:])
	if err != nil {
		return fmt.Errorf("wal: append completion: %w", err)
	}
	return nil
}

// Flush blocks until all accepted appends on both logs are persisted.
func (w *WAL) Flush(ctx context.Context) error {
	if err := w.intent.flush(ctx); err != nil {
		return err
	}
	if err := w.completion.flush(ctx); err != nil {
		return err
	}
	return nil
}

// VisitFn is invoked by Replay for every recoverable intent record, in
// file order.
type VisitFn func(op Op, key, value []byte, completed bool) error

// Replay scans the intent and completion logs and invokes visit for every
// structurally valid intent record, reporting whether a matching
// successful completion exists. It returns the number of structurally
// invalid records encountered; the scan halts at the first one (spec.md
// §4.2: "Any validation failure... terminates the scan").
func (w *WAL) Replay(ctx context.Context, visit VisitFn) (uint64, error) {
	intentBytes, err := w.intent.readAll(ctx)
	if err != nil {
		return 0, err
	}
	completionBytes, err := w.completion.readAll(ctx)
	if err != nil {
		return 0, err
	}

	completions := buildCompletionIndex(completionBytes, int64(len(intentBytes))+logHeaderSize)

	var corruption uint64
	pos := 0
	for {
		if pos+IntentHeaderSize > len(intentBytes) {
			break
		}
		header := intentBytes[pos : pos+IntentHeaderSize]
		h := DecodeIntentHeader(header)

		if h.Op != OpSet && h.Op != OpDel {
			corruption++
			break
		}
		if int(h.KeyLen) > maxKeyLen || h.ValueLen > maxValueLen {
			corruption++
			break
		}
		if !ValueLenHighZeroBits(header) {
			corruption++
			break
		}
		if h.TimestampNs == 0 {
			corruption++
			break
		}
		if h.TimestampNs > uint64(w.now().Add(maxFutureSkew).UnixNano()) {
			corruption++
			break
		}

		recordStart := pos
		payloadEnd := pos + IntentHeaderSize + int(h.KeyLen) + int(h.ValueLen)
		if payloadEnd > len(intentBytes) {
			corruption++
			break
		}

		key := intentBytes[pos+IntentHeaderSize : pos+IntentHeaderSize+int(h.KeyLen)]
		value := intentBytes[pos+IntentHeaderSize+int(h.KeyLen) : payloadEnd]

		if !VerifyIntentCRC(header, key, value) {
			corruption++
			break
		}

		fileOffset := uint32(int64(recordStart) + logHeaderSize)
		completed := false
		if cr, ok := completions[fileOffset]; ok && cr.Status == StatusSuccess {
			completed = true
		}

		if err := visit(h.Op, key, value, completed); err != nil {
			return corruption, err
		}

		pos = payloadEnd
	}

	return corruption, nil
}

// buildCompletionIndex parses the completion log into a map keyed by
// intent_offset, discarding any completion whose intent_offset is at or
// past intentFileSize (a sentinel for garbage, spec.md §4.2 step 2).
func buildCompletionIndex(data []byte, intentFileSize int64) map[uint32]CompletionRecord {
	out := make(map[uint32]CompletionRecord)
	for pos := 0; pos+CompletionRecordSize <= len(data); pos += CompletionRecordSize {
		cr := DecodeCompletionRecord(data[pos : pos+CompletionRecordSize])
		if int64(cr.IntentOffset) >= intentFileSize {
			continue
		}
		out[cr.IntentOffset] = cr
	}
	return out
}
