package proptest

import (
	"context"
	"math/rand/v2"

	"github.com/Felmond13/kvring/simfs"
)

// ShrinkResult is the outcome of a shrinking pass: the smallest sequence
// found that still reproduces a critical violation, and how many attempts
// it took.
type ShrinkResult struct {
	Reproducer []Operation
	Attempts   int
	Violation  *InvariantViolation
}

// Shrink repeatedly applies cfg.Shrink.Strategies to failing, keeping any
// reduction that still reproduces a critical InvariantViolation, until
// max_attempts is exhausted or nothing reduces further.
func Shrink(ctx context.Context, cfg Config, failing []Operation, dir string, sim *simfs.Simulated) ShrinkResult {
	current := append([]Operation(nil), failing...)
	lastViolationIdx := -1

	reproduces := func(ops []Operation) *InvariantViolation {
		res, err := RunIteration(ctx, cfg, ops, dir, sim)
		if err != nil {
			return nil
		}
		if res.Violation != nil {
			// Executed-op count at the violation; allocator-skipped ops are
			// not counted, so this can sit a little before the op's index.
			lastViolationIdx = res.Stats.OpsExecuted - 1
		}
		return res.Violation
	}

	baseline := reproduces(current)
	if baseline == nil {
		return ShrinkResult{Reproducer: current, Attempts: 0}
	}
	firstViolationIdx := lastViolationIdx

	rng := rand.New(rand.NewPCG(cfg.Seed, 0x5348524e4b)) // "SHRNK"
	attempts := 0
	violation := baseline

	for attempts < cfg.Shrink.MaxAttempts {
		progressed := false
		for _, strat := range cfg.Shrink.Strategies {
			if attempts >= cfg.Shrink.MaxAttempts {
				break
			}
			candidate, _, ok := applyStrategy(strat, current, rng, firstViolationIdx)
			if !ok {
				continue
			}
			attempts++
			v := reproduces(candidate)
			if v == nil {
				continue
			}
			if cfg.Shrink.PreserveFailureConditions && v.Name != violation.Name {
				continue
			}
			current = candidate
			violation = v
			firstViolationIdx = lastViolationIdx
			progressed = true
		}
		if !progressed {
			break
		}
	}

	return ShrinkResult{Reproducer: current, Attempts: attempts, Violation: violation}
}

// applyStrategy returns a reduced candidate sequence, an updated
// "first violation" index hint (or -1 if unchanged), and whether a
// reduction was possible at all (a sequence of length <=1 cannot shrink
// further via remove_operations, for example).
func applyStrategy(kind ShrinkStrategyKind, ops []Operation, rng *rand.Rand, hintIdx int) ([]Operation, int, bool) {
	switch kind {
	case RemoveOperations:
		if len(ops) <= 1 {
			return nil, -1, false
		}
		i := rng.IntN(len(ops))
		out := make([]Operation, 0, len(ops)-1)
		out = append(out, ops[:i]...)
		out = append(out, ops[i+1:]...)
		return out, -1, true

	case SimplifyValues:
		idx := -1
		for i, op := range ops {
			if op.Kind == KindSet && len(op.Value) > 0 {
				idx = i
				break
			}
		}
		if idx == -1 {
			return nil, -1, false
		}
		out := append([]Operation(nil), ops...)
		out[idx].Value = nil
		return out, -1, true

	case ReduceKeyDiversity:
		canonical := canonicalKey(ops)
		if canonical == nil {
			return nil, -1, false
		}
		out := make([]Operation, len(ops))
		changed := false
		for i, op := range ops {
			out[i] = op
			if len(op.Key) > 0 && string(op.Key) != string(canonical) {
				out[i].Key = canonical
				changed = true
			}
		}
		if !changed {
			return nil, -1, false
		}
		return out, -1, true

	case FocusAroundFailure:
		if hintIdx < 0 || hintIdx >= len(ops) {
			return nil, -1, false
		}
		const window = 3
		lo := hintIdx - window
		if lo < 0 {
			lo = 0
		}
		hi := hintIdx + window + 1
		if hi > len(ops) {
			hi = len(ops)
		}
		if lo == 0 && hi == len(ops) {
			return nil, -1, false
		}
		out := append([]Operation(nil), ops[lo:hi]...)
		return out, hintIdx - lo, true

	case PreserveFailurePattern:
		// The concrete op sequence already encodes the injected faults as
		// deterministic PCG draws keyed on (seed, step); every other
		// strategy leaves fault decisions alone by construction, so this
		// strategy is a no-op marker rather than an independent reduction.
		return nil, -1, false
	}
	return nil, -1, false
}

func canonicalKey(ops []Operation) []byte {
	for _, op := range ops {
		if len(op.Key) > 0 {
			return append([]byte(nil), op.Key...)
		}
	}
	return nil
}
