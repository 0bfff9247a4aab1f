package proptest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"

	"github.com/Felmond13/kvring/engine"
	"github.com/Felmond13/kvring/simfs"
	"github.com/Felmond13/kvring/wal"
)

// InvariantViolation is raised when a critical invariant's Check returns an
// error; it aborts the iteration and triggers shrinking.
type InvariantViolation struct {
	Name     string
	Severity Severity
	Err      error
}

func (v *InvariantViolation) Error() string {
	return fmt.Sprintf("proptest: invariant %q (%s): %v", v.Name, v.Severity, v.Err)
}

func (v *InvariantViolation) Unwrap() error { return v.Err }

// IterationState is threaded through invariant checks; it exposes the live
// engine plus the running model the test keeps beside it.
type IterationState struct {
	Engine      *engine.Engine
	Model       map[string][]byte // shadow copy of what the test believes is durable-or-visible
	OpsExecuted int
	LastOp      Operation
	Conditions  *activeConditions
}

// activeConditions tracks, per Condition, how many more operations it stays
// active for after being triggered.
type activeConditions struct {
	remaining map[Condition]int
}

func newActiveConditions() *activeConditions {
	return &activeConditions{remaining: map[Condition]int{}}
}

func (a *activeConditions) activate(c Condition, duration int) {
	if duration <= 0 {
		duration = 1
	}
	a.remaining[c] = duration
}

func (a *activeConditions) isActive(c Condition) bool { return a.remaining[c] > 0 }

func (a *activeConditions) tick() {
	for c, n := range a.remaining {
		if n > 0 {
			a.remaining[c] = n - 1
		}
	}
}

func effectiveProbability(inj Injectors, kind InjectorKind, active *activeConditions) float64 {
	base := inj.baseOf(kind)
	mult := 1.0
	for _, m := range inj.Multipliers {
		if active.isActive(m.Condition) {
			mult *= m.Multiplier
		}
	}
	return math.Min(1.0, base*mult)
}

// StandardInvariants are the invariants every DefaultConfig test checks:
// index accounting (P3) on every operation, model agreement (P1: after a
// SET or GET, the key it touched, if the shadow model tracks it, must read
// back with the model's value), and an at-end pass verifying
// VerifyIntegrity one final time.
func StandardInvariants() []Invariant {
	return []Invariant{
		{
			Name:      "index_accounting",
			Severity:  SeverityCritical,
			Frequency: CheckFrequency{Kind: EveryOperation},
			Check: func(s *IterationState) error {
				if !s.Engine.VerifyIntegrity() {
					return errors.New("live slot count diverged from size()")
				}
				return nil
			},
		},
		{
			Name:      "model_agreement",
			Severity:  SeverityCritical,
			Frequency: CheckFrequency{Kind: EveryOperation},
			Check: func(s *IterationState) error {
				if s.LastOp.Kind != KindSet && s.LastOp.Kind != KindGet {
					return nil
				}
				want, tracked := s.Model[string(s.LastOp.Key)]
				if !tracked {
					return nil
				}
				got, ok := s.Engine.Get(s.LastOp.Key)
				if !ok {
					return fmt.Errorf("key %q tracked live in model but absent from engine", s.LastOp.Key)
				}
				if string(got) != string(want) {
					return fmt.Errorf("key %q: engine value %q diverged from model value %q", s.LastOp.Key, got, want)
				}
				return nil
			},
		},
		{
			Name:      "final_integrity",
			Severity:  SeverityCritical,
			Frequency: CheckFrequency{Kind: AtEnd},
			Check: func(s *IterationState) error {
				if !s.Engine.VerifyIntegrity() {
					return errors.New("final state fails verify_integrity")
				}
				return nil
			},
		},
	}
}

// InjectionCounts tallies how many times each injector actually fired.
type InjectionCounts map[InjectorKind]int

// IterationStats summarizes one RunIteration call.
type IterationStats struct {
	OpsGenerated      int
	OpsExecuted       int
	Injections        InjectionCounts
	InitialCorruption uint64
	FinalCorruption   uint64
}

// IterationResult is the outcome of running one generated sequence.
type IterationResult struct {
	Ops       []Operation
	Violation *InvariantViolation
	Stats     IterationStats
}

// RunIteration executes ops against a fresh engine rooted at dir, injecting
// faults through sim per cfg.Injectors, and checking cfg.Invariants.
func RunIteration(ctx context.Context, cfg Config, ops []Operation, dir string, sim *simfs.Simulated) (IterationResult, error) {
	intentPath := filepath.Join(dir, "proptest.intent")
	completionPath := filepath.Join(dir, "proptest.completion")

	sim.ClearInjections()
	_ = sim.Remove(intentPath)
	_ = sim.Remove(completionPath)

	e, initialCorruption, err := engine.Open(sim, intentPath, completionPath)
	if err != nil {
		return IterationResult{}, fmt.Errorf("proptest: open: %w", err)
	}
	defer e.Close()

	state := &IterationState{
		Engine:     e,
		Model:      make(map[string][]byte),
		Conditions: newActiveConditions(),
	}
	faultRNG := rand.New(rand.NewPCG(cfg.Seed, 0x6661756c74)) // "fault" in hex-ish, just a distinct stream tag

	result := IterationResult{Ops: ops, Stats: IterationStats{
		OpsGenerated:      len(ops),
		Injections:        InjectionCounts{},
		InitialCorruption: initialCorruption,
	}}

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if rollInjector(faultRNG, cfg.Injectors, InjectorAllocator, state.Conditions) {
			result.Stats.Injections[InjectorAllocator]++
			state.Conditions.tick()
			continue // allocator refusal: operation never reaches the engine
		}

		if rollInjector(faultRNG, cfg.Injectors, InjectorFilesystem, state.Conditions) {
			result.Stats.Injections[InjectorFilesystem]++
			sim.Inject(simfs.OpWrite, "*.intent", simfs.DiskFull, 1)
		}
		if rollInjector(faultRNG, cfg.Injectors, InjectorIORing, state.Conditions) {
			result.Stats.Injections[InjectorIORing]++
			sim.Inject(simfs.OpWrite, "*.completion", simfs.IoError, 1)
		}
		if rollInjector(faultRNG, cfg.Injectors, InjectorWALCorruption, state.Conditions) {
			result.Stats.Injections[InjectorWALCorruption]++
			_ = simfs.CorruptBytes(sim, intentPath, wal.LogHeaderSize+10, 1)
		}

		state.LastOp = op
		if err := dispatch(ctx, state, op, sim, intentPath, completionPath, cfg); err != nil {
			sim.ClearInjections()
		}
		state.OpsExecuted++
		result.Stats.OpsExecuted++

		if v := checkInvariants(cfg.Invariants, state, EveryOperation, 0); v != nil {
			result.Violation = v
			result.Stats.FinalCorruption = state.Engine.CorruptionCount()
			return result, nil
		}
		if v := checkInvariants(cfg.Invariants, state, Periodic, state.OpsExecuted); v != nil {
			result.Violation = v
			result.Stats.FinalCorruption = state.Engine.CorruptionCount()
			return result, nil
		}
		if v := checkInvariants(cfg.Invariants, state, OnCondition, 0); v != nil {
			result.Violation = v
			result.Stats.FinalCorruption = state.Engine.CorruptionCount()
			return result, nil
		}

		state.Conditions.tick()
	}

	if v := checkInvariants(cfg.Invariants, state, AtEnd, 0); v != nil {
		result.Violation = v
	}
	result.Stats.FinalCorruption = state.Engine.CorruptionCount()
	return result, nil
}

func rollInjector(rng *rand.Rand, inj Injectors, kind InjectorKind, active *activeConditions) bool {
	p := effectiveProbability(inj, kind, active)
	if p <= 0 {
		return false
	}
	return rng.Float64() < p
}

// syncModel mirrors key's actual post-operation engine state into the
// shadow model. The engine may mutate its index even when Set/Delete
// returns an error (a completion-record write failure surfaces as an
// error without undoing the index change already made — spec.md §4.4's
// "log before visible, completion after" contract), so the model must
// follow what the index actually holds rather than infer it from the
// call's error return.
func syncModel(state *IterationState, key []byte) {
	if v, ok := state.Engine.Get(key); ok {
		state.Model[string(key)] = append([]byte(nil), v...)
	} else {
		delete(state.Model, string(key))
	}
}

func dispatch(ctx context.Context, state *IterationState, op Operation, sim *simfs.Simulated, intentPath, completionPath string, cfg Config) error {
	switch op.Kind {
	case KindSet:
		err := state.Engine.Set(op.Key, op.Value)
		syncModel(state, op.Key)
		return err
	case KindGet:
		state.Engine.Get(op.Key)
		return nil
	case KindDel:
		_, err := state.Engine.Delete(op.Key)
		syncModel(state, op.Key)
		return err
	case KindFlush:
		state.Conditions.activate(DuringFlush, 1)
		return state.Engine.Flush()
	case KindRestart:
		state.Conditions.activate(DuringRecovery, 1)
		err := state.Engine.Restart()
		reconcileModelAfterRestart(state)
		state.Conditions.activate(AfterRestart, 3)
		return err
	}
	return nil
}

// reconcileModelAfterRestart rebuilds the shadow model from whatever the
// engine actually recovered. Replay may legitimately drop a key whose
// intent never reached a completion record (spec.md §8 P5/P6) or that a
// corrupted tail caused the scan to halt before reaching (scenario 3), so
// re-checking pre-restart expectations against that recovered state would
// make model_agreement flag spec-permitted loss as a violation. Treating
// the just-recovered engine as the new ground truth for every key the
// model was tracking avoids that false positive while still catching any
// divergence introduced by operations after this point.
func reconcileModelAfterRestart(state *IterationState) {
	for key := range state.Model {
		syncModel(state, []byte(key))
	}
}

func checkInvariants(invariants []Invariant, state *IterationState, kind FrequencyKind, n int) *InvariantViolation {
	for _, inv := range invariants {
		if !frequencyMatches(inv.Frequency, kind, n, state.Conditions) {
			continue
		}
		if err := inv.Check(state); err != nil {
			if inv.Severity == SeverityCritical {
				return &InvariantViolation{Name: inv.Name, Severity: inv.Severity, Err: err}
			}
		}
	}
	return nil
}

func frequencyMatches(f CheckFrequency, kind FrequencyKind, n int, active *activeConditions) bool {
	if f.Kind != kind {
		return false
	}
	switch f.Kind {
	case EveryOperation, AtEnd:
		return true
	case Periodic:
		return f.N <= 0 || n%f.N == 0
	case OnCondition:
		return active.isActive(f.Condition)
	}
	return false
}
