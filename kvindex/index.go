// Package kvindex implements the open-addressed, linear-probing hash
// table over owned key/value byte strings that backs the engine's
// in-memory state: tombstones for deletes, a bounded probe per
// operation, and load-factor-triggered resize.
//
// The slot-array bookkeeping (fixed-capacity backing array, explicit
// size/capacity accounting, resize-and-reinsert) follows the shape of the
// teacher's page cache (a fixed-capacity slot map with its own
// size/capacity stats), generalized here from LRU eviction to open
// addressing with tombstones.
package kvindex

import (
	"errors"

	"github.com/cespare/xxhash/v2"
)

// ErrOutOfMemory is returned by Set when a slot array cannot be grown.
var ErrOutOfMemory = errors.New("kvindex: out of memory")

// ErrProbeExhausted is returned internally when a bounded linear probe
// visits every slot without finding room or a match; Set retries a
// resize exactly once before surfacing this as ErrOutOfMemory.
var ErrProbeExhausted = errors.New("kvindex: probe exhausted")

const initialCapacity = 1024
const maxLoadFactor = 0.75

type entry struct {
	key     []byte
	value   []byte
	hash    uint64
	deleted bool
	used    bool // slot has ever held an entry (live or tombstoned)
}

// Table is the hash index. It is not safe for concurrent use — the
// engine built on top is single-threaded cooperative (spec.md §5).
type Table struct {
	slots    []entry
	size     int // live, non-deleted entries
	occupied int // live + tombstoned entries
}

// New creates an empty table at the initial capacity.
func New() *Table {
	return &Table{slots: make([]entry, initialCapacity)}
}

// Size returns the number of live (non-deleted) entries.
func (t *Table) Size() int { return t.size }

// Capacity returns the current slot array length.
func (t *Table) Capacity() int { return len(t.slots) }

// OccupiedSlots returns the number of slots holding a live or tombstoned
// entry.
func (t *Table) OccupiedSlots() int { return t.occupied }

func hashKey(key []byte) uint64 { return xxhash.Sum64(key) }

// Get returns the live value for key, or (nil, false) if absent.
func (t *Table) Get(key []byte) ([]byte, bool) {
	idx, found := t.probe(key, hashKey(key))
	if !found {
		return nil, false
	}
	return t.slots[idx].value, true
}

// Set inserts or overwrites key with value. A matching live slot is
// overwritten in place; otherwise the first empty (never-used or
// tombstoned-and-reusable) slot found during the probe is taken. If the
// bounded probe is exhausted, the table resizes once and retries; a
// second exhaustion is a hard error.
func (t *Table) Set(key, value []byte) error {
	return t.setWithHash(key, value, hashKey(key), false)
}

func (t *Table) setWithHash(key, value []byte, hash uint64, isRetry bool) error {
	idx, err := t.probeForInsert(key, hash)
	if err != nil {
		if isRetry {
			return ErrOutOfMemory
		}
		if err := t.resize(); err != nil {
			return err
		}
		return t.setWithHash(key, value, hash, true)
	}

	s := &t.slots[idx]
	if s.used && !s.deleted && string(s.key) == string(key) {
		s.value = append([]byte(nil), value...)
		return nil
	}

	if !s.used {
		t.occupied++
	}
	s.key = append([]byte(nil), key...)
	s.value = append([]byte(nil), value...)
	s.hash = hash
	s.deleted = false
	s.used = true
	t.size++

	if float64(t.size)/float64(len(t.slots)) > maxLoadFactor {
		// Best-effort: a failed post-insert resize leaves the table over
		// its target load factor but still correct; only the bounded
		// probe invariant, not the load factor, is safety-critical.
		_ = t.resize()
	}
	return nil
}

// Delete marks key's slot as a tombstone and returns whether a live entry
// existed.
func (t *Table) Delete(key []byte) bool {
	idx, found := t.probe(key, hashKey(key))
	if !found {
		return false
	}
	t.slots[idx].deleted = true
	t.slots[idx].value = nil
	t.size--
	return true
}

// probe performs a bounded linear probe looking for a live match.
func (t *Table) probe(key []byte, hash uint64) (int, bool) {
	n := len(t.slots)
	start := int(hash % uint64(n))
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		s := &t.slots[idx]
		if !s.used {
			return 0, false // empty slot: key is absent
		}
		if !s.deleted && s.hash == hash && string(s.key) == string(key) {
			return idx, true
		}
	}
	return 0, false
}

// probeForInsert performs a bounded linear probe looking for either a
// live match (to overwrite) or the first reusable slot (never used, or
// tombstoned). It returns ErrProbeExhausted if the whole table is full of
// live, non-matching entries.
func (t *Table) probeForInsert(key []byte, hash uint64) (int, error) {
	n := len(t.slots)
	start := int(hash % uint64(n))
	firstReusable := -1
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		s := &t.slots[idx]
		if !s.used {
			if firstReusable == -1 {
				firstReusable = idx
			}
			return firstReusable, nil
		}
		if s.deleted {
			if firstReusable == -1 {
				firstReusable = idx
			}
			continue
		}
		if s.hash == hash && string(s.key) == string(key) {
			return idx, nil
		}
	}
	if firstReusable != -1 {
		return firstReusable, nil
	}
	return 0, ErrProbeExhausted
}

// resize doubles the slot array and reinserts every live entry using
// their cached hashes; tombstones are dropped.
func (t *Table) resize() error {
	old := t.slots
	newCap := len(t.slots) * 2
	if newCap == 0 {
		newCap = initialCapacity
	}
	t.slots = make([]entry, newCap)
	t.size = 0
	t.occupied = 0

	for _, s := range old {
		if !s.used || s.deleted {
			continue
		}
		idx, err := t.probeForInsert(s.key, s.hash)
		if err != nil {
			// Cannot happen: live size <= 0.75*oldCap < newCap/2, so the
			// doubled table always has room (spec.md §4.3 invariant).
			return ErrOutOfMemory
		}
		t.slots[idx] = entry{key: s.key, value: s.value, hash: s.hash, used: true}
		t.size++
		t.occupied++
	}
	return nil
}

// VerifyIntegrity reports whether the count of live slots equals Size().
func (t *Table) VerifyIntegrity() bool {
	live := 0
	for _, s := range t.slots {
		if s.used && !s.deleted {
			live++
		}
	}
	return live == t.size
}
