// Package proptest implements randomized, seed-reproducible exploration of
// engine.Engine behavior under fault injection, with automatic shrinking of
// failing operation sequences to a minimal reproducer.
//
// The configuration surface (name/seed/iterations, pluggable generators,
// injectors, invariants, and a shrink strategy list) follows the shape of
// the teacher's query-execution configuration structs (explicit,
// field-documented option structs rather than functional options), adapted
// here from "how to plan a query" to "how to generate and break one".
package proptest

import "fmt"

// OpKind identifies the kind of operation a generated Operation represents.
type OpKind int

const (
	KindSet OpKind = iota
	KindGet
	KindDel
	KindFlush
	KindRestart
)

func (k OpKind) String() string {
	switch k {
	case KindSet:
		return "SET"
	case KindGet:
		return "GET"
	case KindDel:
		return "DEL"
	case KindFlush:
		return "FLUSH"
	case KindRestart:
		return "RESTART"
	default:
		return "UNKNOWN"
	}
}

// OpDistribution gives the (pre-normalization) probability weight of each
// operation kind. Normalize divides every weight by their sum so callers
// may supply any positive weights, not just ones already summing to 1.
type OpDistribution struct {
	Set     float64
	Get     float64
	Del     float64
	Flush   float64
	Restart float64
}

// DefaultOpDistribution favors SET/GET/DEL traffic with occasional
// durability and crash-recovery events.
func DefaultOpDistribution() OpDistribution {
	return OpDistribution{Set: 0.4, Get: 0.3, Del: 0.2, Flush: 0.07, Restart: 0.03}
}

// Normalize returns a copy scaled so the five weights sum to 1.
func (d OpDistribution) Normalize() OpDistribution {
	sum := d.Set + d.Get + d.Del + d.Flush + d.Restart
	if sum <= 0 {
		return DefaultOpDistribution().Normalize()
	}
	return OpDistribution{
		Set:     d.Set / sum,
		Get:     d.Get / sum,
		Del:     d.Del / sum,
		Flush:   d.Flush / sum,
		Restart: d.Restart / sum,
	}
}

// SequenceLengthRange bounds how many operations a generated sequence
// contains.
type SequenceLengthRange struct {
	Min, Max int
}

// InjectorKind identifies which fault channel a probability/count applies
// to.
type InjectorKind int

const (
	InjectorAllocator InjectorKind = iota
	InjectorFilesystem
	InjectorWALCorruption
	InjectorIORing
)

func (k InjectorKind) String() string {
	switch k {
	case InjectorAllocator:
		return "allocator"
	case InjectorFilesystem:
		return "filesystem"
	case InjectorWALCorruption:
		return "wal_corruption"
	case InjectorIORing:
		return "ioring"
	default:
		return "unknown"
	}
}

// Condition is a runtime state that a ConditionalMultiplier can key off of.
type Condition int

const (
	DuringRecovery Condition = iota
	UnderMemoryPressure
	HighOperationRate
	AfterRestart
	DuringFlush
	HashTableResize
)

// ConditionalMultiplier scales an injector's base probability while
// Condition is active. How long a condition stays active is set by the
// operation that activates it (see dispatch in execute.go); Duration is
// not read.
type ConditionalMultiplier struct {
	Condition  Condition
	Multiplier float64
	Duration   int
}

// Injectors configures the four fault channels spec §4.5.1 names.
type Injectors struct {
	BaseProbability map[InjectorKind]float64
	Multipliers     []ConditionalMultiplier
}

// NoInjectors disables fault injection entirely (every probability zero).
func NoInjectors() Injectors {
	return Injectors{BaseProbability: map[InjectorKind]float64{}}
}

func (i Injectors) baseOf(kind InjectorKind) float64 {
	if i.BaseProbability == nil {
		return 0
	}
	return i.BaseProbability[kind]
}

// Severity classifies how an invariant violation should be treated.
type Severity int

const (
	SeverityCritical Severity = iota
	SeverityImportant
	SeverityAdvisory
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityImportant:
		return "important"
	case SeverityAdvisory:
		return "advisory"
	default:
		return "unknown"
	}
}

// FrequencyKind selects when an invariant is checked.
type FrequencyKind int

const (
	EveryOperation FrequencyKind = iota
	Periodic
	OnCondition
	AtEnd
)

// CheckFrequency describes when an Invariant's Check runs.
type CheckFrequency struct {
	Kind      FrequencyKind
	N         int       // for Periodic
	Condition Condition // for OnCondition
}

// Invariant is a named runtime check against the live engine plus the
// iteration's running state.
type Invariant struct {
	Name      string
	Check     func(state *IterationState) error
	Severity  Severity
	Frequency CheckFrequency
}

// ShrinkStrategyKind names one of the reduction tactics §4.5.4 describes.
type ShrinkStrategyKind int

const (
	RemoveOperations ShrinkStrategyKind = iota
	SimplifyValues
	ReduceKeyDiversity
	FocusAroundFailure
	PreserveFailurePattern
)

// ShrinkConfig bounds and orders the shrinking pass.
type ShrinkConfig struct {
	MaxAttempts               int
	Strategies                []ShrinkStrategyKind
	PreserveFailureConditions bool
}

// DefaultShrinkConfig runs every strategy in the order spec §4.5.4 lists
// them, up to 200 attempts.
func DefaultShrinkConfig() ShrinkConfig {
	return ShrinkConfig{
		MaxAttempts: 200,
		Strategies: []ShrinkStrategyKind{
			RemoveOperations,
			SimplifyValues,
			ReduceKeyDiversity,
			FocusAroundFailure,
			PreserveFailurePattern,
		},
		PreserveFailureConditions: true,
	}
}

// Config fully describes one property test.
type Config struct {
	Name           string
	Seed           uint64
	Iterations     uint32
	OpDistribution OpDistribution
	KeyStrategy    KeyStrategy
	ValueStrategy  ValueStrategy
	SequenceLength SequenceLengthRange
	Injectors      Injectors
	Invariants     []Invariant
	Shrink         ShrinkConfig
}

// DefaultConfig returns a config exercising every injector lightly, with
// the standard invariant set and shrink strategy list.
func DefaultConfig(name string, seed uint64, iterations uint32) Config {
	return Config{
		Name:           name,
		Seed:           seed,
		Iterations:     iterations,
		OpDistribution: DefaultOpDistribution(),
		KeyStrategy:    UniformRandomKeys{Min: 1, Max: 12},
		ValueStrategy:  VariableValues{Min: 0, Max: 64},
		SequenceLength: SequenceLengthRange{Min: 5, Max: 60},
		Injectors: Injectors{
			BaseProbability: map[InjectorKind]float64{
				InjectorAllocator:     0.01,
				InjectorFilesystem:    0.02,
				InjectorWALCorruption: 0.01,
				InjectorIORing:        0.02,
			},
			Multipliers: []ConditionalMultiplier{
				{Condition: DuringRecovery, Multiplier: 2.0, Duration: 1},
				{Condition: DuringFlush, Multiplier: 1.5, Duration: 1},
			},
		},
		Invariants: StandardInvariants(),
		Shrink:     DefaultShrinkConfig(),
	}
}

func (c Config) validate() error {
	if c.SequenceLength.Min < 0 || c.SequenceLength.Max < c.SequenceLength.Min {
		return fmt.Errorf("proptest: invalid sequence length range %+v", c.SequenceLength)
	}
	if c.KeyStrategy == nil {
		return fmt.Errorf("proptest: key strategy is required")
	}
	if c.ValueStrategy == nil {
		return fmt.Errorf("proptest: value strategy is required")
	}
	return nil
}
