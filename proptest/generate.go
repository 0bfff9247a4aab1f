package proptest

import (
	"fmt"
	"math/rand/v2"
)

// stepRand derives an independent PCG stream from (seed, step), so the
// random draws of a step never depend on how many draws earlier steps
// consumed. Which live key a GET or DEL picks, and a sequential key's
// counter, still depend on the steps before it.
func stepRand(seed, step uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, step))
}

// KeyStrategy synthesizes a key. live holds every key from the sequence
// generated so far that has not been deleted, letting collision_prone
// derive a near-miss from an existing key.
type KeyStrategy interface {
	Generate(rng *rand.Rand, live []string, seq *uint64) []byte
	String() string
}

const lowercaseAlphabet = "abcdefghijklmnopqrstuvwxyz"

func randomLowercase(rng *rand.Rand, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = lowercaseAlphabet[rng.IntN(len(lowercaseAlphabet))]
	}
	return out
}

// UniformRandomKeys draws a random length in [Min,Max] of lowercase
// letters.
type UniformRandomKeys struct{ Min, Max int }

func (s UniformRandomKeys) Generate(rng *rand.Rand, _ []string, _ *uint64) []byte {
	n := s.Min
	if s.Max > s.Min {
		n = s.Min + rng.IntN(s.Max-s.Min+1)
	}
	return randomLowercase(rng, n)
}

func (s UniformRandomKeys) String() string {
	return fmt.Sprintf("uniform_random{%d,%d}", s.Min, s.Max)
}

// CollisionProneKeys takes an existing live key and flips its first byte's
// low bit with probability Rate, to stress probe chains around a
// near-duplicate hash; otherwise it falls back to a short uniform key.
type CollisionProneKeys struct{ Rate float64 }

func (s CollisionProneKeys) Generate(rng *rand.Rand, live []string, _ *uint64) []byte {
	if len(live) > 0 && rng.Float64() < s.Rate {
		base := []byte(live[rng.IntN(len(live))])
		out := append([]byte(nil), base...)
		out[0] ^= 0x01
		return out
	}
	return randomLowercase(rng, 1+rng.IntN(4))
}

func (s CollisionProneKeys) String() string {
	return fmt.Sprintf("collision_prone{%v}", s.Rate)
}

// SequentialKeys appends an 8-digit decimal counter to Prefix. The counter
// is driven by *seq so sequences stay monotonic across a whole run, not
// just within one call.
type SequentialKeys struct{ Prefix string }

func (s SequentialKeys) Generate(_ *rand.Rand, _ []string, seq *uint64) []byte {
	n := *seq
	*seq++
	return []byte(fmt.Sprintf("%s%08d", s.Prefix, n))
}

func (s SequentialKeys) String() string {
	return fmt.Sprintf("sequential{%s}", s.Prefix)
}

// ValueStrategy synthesizes a value.
type ValueStrategy interface {
	Generate(rng *rand.Rand) []byte
	String() string
}

func randomBytes(rng *rand.Rand, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(rng.IntN(256))
	}
	return out
}

// FixedValues always generates exactly N random bytes.
type FixedValues struct{ N int }

func (s FixedValues) Generate(rng *rand.Rand) []byte { return randomBytes(rng, s.N) }
func (s FixedValues) String() string                 { return fmt.Sprintf("fixed{%d}", s.N) }

// VariableValues generates a random length in [Min,Max] of random bytes.
type VariableValues struct{ Min, Max int }

func (s VariableValues) Generate(rng *rand.Rand) []byte {
	n := s.Min
	if s.Max > s.Min {
		n = s.Min + rng.IntN(s.Max-s.Min+1)
	}
	return randomBytes(rng, n)
}

func (s VariableValues) String() string {
	return fmt.Sprintf("variable{%d,%d}", s.Min, s.Max)
}

// RandomBinaryValues generates a fully random length up to Max, including
// bytes outside any printable range.
type RandomBinaryValues struct{ Max int }

func (s RandomBinaryValues) Generate(rng *rand.Rand) []byte {
	return randomBytes(rng, rng.IntN(s.Max+1))
}

func (s RandomBinaryValues) String() string { return fmt.Sprintf("random_binary{%d}", s.Max) }

// Operation is one generated step: a SET/GET/DEL/FLUSH/RESTART with its
// operands (FLUSH and RESTART carry none).
type Operation struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// GenerateSequence synthesizes `length` operations starting at absolute
// step index baseStep, maintaining a live-key set across the whole
// sequence so GET/DEL can draw from previously written keys.
func GenerateSequence(cfg Config, length int, baseStep uint64) []Operation {
	ops := make([]Operation, 0, length)
	live := make([]string, 0, length)
	seqCounter := baseStep

	removeLive := func(key string) {
		for i := 0; i < len(live); {
			if live[i] == key {
				live[i] = live[len(live)-1]
				live = live[:len(live)-1]
				continue
			}
			i++
		}
	}

	dist := cfg.OpDistribution.Normalize()
	for i := 0; i < length; i++ {
		step := baseStep + uint64(i)
		rng := stepRand(cfg.Seed, step)
		kind := sampleOpKind(rng, dist)

		op := Operation{Kind: kind}
		switch kind {
		case KindSet:
			key := cfg.KeyStrategy.Generate(rng, live, &seqCounter)
			op.Key = key
			op.Value = cfg.ValueStrategy.Generate(rng)
			live = append(live, string(key))
		case KindGet, KindDel:
			if len(live) > 0 && rng.Float64() < 0.5 {
				op.Key = []byte(live[rng.IntN(len(live))])
			} else {
				op.Key = cfg.KeyStrategy.Generate(rng, live, &seqCounter)
			}
			if kind == KindDel {
				removeLive(string(op.Key))
			}
		case KindFlush, KindRestart:
			// No operands.
		}
		ops = append(ops, op)
	}
	return ops
}

func sampleOpKind(rng *rand.Rand, dist OpDistribution) OpKind {
	r := rng.Float64()
	r -= dist.Set
	if r < 0 {
		return KindSet
	}
	r -= dist.Get
	if r < 0 {
		return KindGet
	}
	r -= dist.Del
	if r < 0 {
		return KindDel
	}
	r -= dist.Flush
	if r < 0 {
		return KindFlush
	}
	return KindRestart
}

// SampleSequenceLength picks a sequence length for one iteration, from a
// stream independent of the per-operation generation streams.
func SampleSequenceLength(cfg Config, iteration uint32) int {
	rng := rand.New(rand.NewPCG(cfg.Seed, uint64(iteration)<<1|1))
	n := cfg.SequenceLength.Min
	if cfg.SequenceLength.Max > cfg.SequenceLength.Min {
		n += rng.IntN(cfg.SequenceLength.Max - cfg.SequenceLength.Min + 1)
	}
	return n
}
