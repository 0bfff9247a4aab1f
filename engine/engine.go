// Package engine composes wal and kvindex into the durable key-value
// store: every mutation is logged before it becomes visible in the
// index, and followed by a completion record recording success or
// failure. Its public surface is the only contract the excluded
// REPL/benchmark/scenario-runner collaborators depend on.
//
// The façade shape — Open wiring sub-components, wrapped errors carrying
// a package-qualified prefix — follows the teacher's api.DB façade,
// generalized from a SQL-exec surface to direct set/get/delete/flush.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Felmond13/kvring/kvindex"
	"github.com/Felmond13/kvring/simfs"
	"github.com/Felmond13/kvring/wal"
)

// Sentinel errors surfaced by the public operations.
var (
	ErrIO            = errors.New("engine: i/o error")
	ErrOutOfMemory   = errors.New("engine: out of memory")
	ErrKeyTooLarge   = wal.ErrKeyTooLarge
	ErrValueTooLarge = wal.ErrValueTooLarge
)

// Stats reports the index's current accounting, used by tests and
// telemetry.
type Stats struct {
	Size          int
	Capacity      int
	OccupiedSlots int
}

// Engine is the durable key-value store.
type Engine struct {
	w               *wal.WAL
	idx             *kvindex.Table
	corruptionCount uint64
	fsys            simfs.FS
	intentPath      string
	completionPath  string
}

// Open opens (creating if absent) the intent and completion WAL files,
// builds an empty index, and replays the logs to reconstruct state. It
// returns the corruption count observed during replay.
func Open(fsys simfs.FS, intentPath, completionPath string) (*Engine, uint64, error) {
	w, err := wal.Open(fsys, intentPath, completionPath)
	if err != nil {
		return nil, 0, fmt.Errorf("engine: open: %w", err)
	}

	e := &Engine{
		w:              w,
		idx:            kvindex.New(),
		fsys:           fsys,
		intentPath:     intentPath,
		completionPath: completionPath,
	}

	corruption, err := w.Replay(context.Background(), e.applyRecovered)
	if err != nil {
		w.Close()
		return nil, 0, fmt.Errorf("engine: recover: %w", err)
	}
	e.corruptionCount = corruption

	return e, corruption, nil
}

// applyRecovered re-applies a completed intent record directly to the
// index, bypassing the WAL to avoid double-logging. It is a plain method
// value passed as wal.VisitFn rather than a package-level callback, so
// replay never touches global state (spec.md §9: "re-architect this as a
// visitor").
func (e *Engine) applyRecovered(op wal.Op, key, value []byte, completed bool) error {
	if !completed {
		return nil
	}
	switch op {
	case wal.OpSet:
		if err := e.idx.Set(key, value); err != nil {
			if errors.Is(err, kvindex.ErrOutOfMemory) {
				// A recovery call that would itself exceed index probe
				// bounds silently skips the record: recovery must not
				// hang or fail outright on a pathological replay.
				return nil
			}
			return err
		}
	case wal.OpDel:
		e.idx.Delete(key)
	}
	return nil
}

// Close flushes both logs and releases their resources.
func (e *Engine) Close() error {
	return e.w.Close()
}

// Set durably writes key=value: the intent is logged, the index updated,
// and a completion record appended recording the outcome.
func (e *Engine) Set(key, value []byte) error {
	ctx := context.Background()
	offset, err := e.w.AppendIntent(ctx, wal.OpSet, key, value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	status := wal.StatusSuccess
	setErr := e.idx.Set(key, value)
	if setErr != nil {
		status = wal.StatusIOError
	}

	dataCRC := wal.Crc16OfPayload(key, value)
	if cerr := e.w.AppendCompletion(ctx, offset, status, dataCRC); cerr != nil {
		if setErr == nil {
			return fmt.Errorf("%w: %v", ErrIO, cerr)
		}
	}

	if setErr != nil {
		if errors.Is(setErr, kvindex.ErrOutOfMemory) {
			return ErrOutOfMemory
		}
		return setErr
	}
	return nil
}

// Get reads key directly from the index; it never blocks and performs no
// logging.
func (e *Engine) Get(key []byte) ([]byte, bool) {
	return e.idx.Get(key)
}

// Delete logs a DEL intent, removes key from the index if present, and
// appends a completion record. It returns whether a live entry existed.
func (e *Engine) Delete(key []byte) (bool, error) {
	ctx := context.Background()
	offset, err := e.w.AppendIntent(ctx, wal.OpDel, key, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrIO, err)
	}

	existed := e.idx.Delete(key)

	dataCRC := wal.Crc16OfPayload(key, nil)
	if cerr := e.w.AppendCompletion(ctx, offset, wal.StatusSuccess, dataCRC); cerr != nil {
		return existed, fmt.Errorf("%w: %v", ErrIO, cerr)
	}
	return existed, nil
}

// Flush blocks until all accepted mutations are durable.
func (e *Engine) Flush() error {
	if err := e.w.Flush(context.Background()); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// Stats returns the index's current accounting.
func (e *Engine) Stats() Stats {
	return Stats{
		Size:          e.idx.Size(),
		Capacity:      e.idx.Capacity(),
		OccupiedSlots: e.idx.OccupiedSlots(),
	}
}

// VerifyIntegrity reports whether the count of live slots equals Size().
func (e *Engine) VerifyIntegrity() bool {
	return e.idx.VerifyIntegrity()
}

// CorruptionCount returns the number of structurally invalid WAL records
// observed by the replay in Open plus the replay of every later Restart.
func (e *Engine) CorruptionCount() uint64 {
	return e.corruptionCount
}

// Restart closes and reopens the engine against the same WAL paths,
// accumulating any newly observed corruption into CorruptionCount — used
// by proptest to simulate a crash/restart cycle.
func (e *Engine) Restart() error {
	if err := e.w.Close(); err != nil {
		return err
	}
	w, err := wal.Open(e.fsys, e.intentPath, e.completionPath)
	if err != nil {
		return fmt.Errorf("engine: reopen: %w", err)
	}
	e.w = w
	e.idx = kvindex.New()

	corruption, err := w.Replay(context.Background(), e.applyRecovered)
	if err != nil {
		return fmt.Errorf("engine: recover: %w", err)
	}
	e.corruptionCount += corruption
	return nil
}
