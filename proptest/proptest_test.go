package proptest

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateSequenceIsDeterministicForSameSeed(t *testing.T) {
	cfg := DefaultConfig("determinism", 42, 10)
	a := GenerateSequence(cfg, 20, 0)
	b := GenerateSequence(cfg, 20, 0)
	require.Equal(t, len(a), len(b))
	for i := range a {
		require.Equal(t, a[i].Kind, b[i].Kind)
		require.Equal(t, a[i].Key, b[i].Key)
		require.Equal(t, a[i].Value, b[i].Value)
	}
}

func TestGenerateSequenceDiffersAcrossSeeds(t *testing.T) {
	cfg1 := DefaultConfig("s1", 1, 10)
	cfg2 := DefaultConfig("s2", 2, 10)
	a := GenerateSequence(cfg1, 30, 0)
	b := GenerateSequence(cfg2, 30, 0)

	differs := false
	for i := range a {
		if a[i].Kind != b[i].Kind || !bytes.Equal(a[i].Key, b[i].Key) {
			differs = true
			break
		}
	}
	require.True(t, differs)
}

func TestOpDistributionNormalizeSumsToOne(t *testing.T) {
	d := OpDistribution{Set: 2, Get: 2, Del: 2, Flush: 2, Restart: 2}.Normalize()
	sum := d.Set + d.Get + d.Del + d.Flush + d.Restart
	require.InDelta(t, 1.0, sum, 1e-9)
}

// Scenario 6 (spec.md §8): a short proptest run with every injector
// enabled must complete without a Go-level panic or error and must
// observe at least one injected fault across enough iterations.
func TestScenario6_ShortFuzzRunWithAllInjectorsCompletes(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Name:           "scenario-6",
		Seed:           7,
		Iterations:     25,
		OpDistribution: DefaultOpDistribution(),
		KeyStrategy:    CollisionProneKeys{Rate: 0.3},
		ValueStrategy:  VariableValues{Min: 0, Max: 32},
		SequenceLength: SequenceLengthRange{Min: 3, Max: 15},
		Injectors: Injectors{
			BaseProbability: map[InjectorKind]float64{
				InjectorAllocator:     0.1,
				InjectorFilesystem:    0.1,
				InjectorWALCorruption: 0.1,
				InjectorIORing:        0.1,
			},
		},
		Invariants: StandardInvariants(),
		Shrink:     DefaultShrinkConfig(),
	}

	stats, reproducers, err := Run(context.Background(), cfg, dir)
	require.NoError(t, err)
	require.Equal(t, 25, stats.SequencesRun)
	require.GreaterOrEqual(t, stats.TotalOpsExecuted, 0)

	injected := 0
	for _, n := range stats.Injections {
		injected += n
	}
	require.Greater(t, injected, 0)

	for _, r := range reproducers {
		require.NotNil(t, r.Violation)
		require.NotEmpty(t, r.Reproducer)
	}
}

func TestRunWithNoInjectorsNeverViolatesInvariants(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig("no-faults", 99, 15)
	cfg.Injectors = NoInjectors()

	stats, reproducers, err := Run(context.Background(), cfg, dir)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Violations)
	require.Empty(t, reproducers)
}

func TestShrinkReducesFailingSequence(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig("shrink", 5, 1)
	cfg.Invariants = []Invariant{
		{
			Name:      "always_fail_after_three_sets",
			Severity:  SeverityCritical,
			Frequency: CheckFrequency{Kind: EveryOperation},
			Check: func(s *IterationState) error {
				if s.OpsExecuted >= 3 {
					return errBoom
				}
				return nil
			},
		},
	}
	sim := newSimulatedForTest()
	ops := GenerateSequence(cfg, 20, 0)
	result := Shrink(context.Background(), cfg, ops, dir, sim)
	require.NotNil(t, result.Violation)
	require.LessOrEqual(t, len(result.Reproducer), len(ops))
}

func TestEncodeDecodeReproducerRoundTrips(t *testing.T) {
	ops := []Operation{
		{Kind: KindSet, Key: []byte("a"), Value: []byte("1")},
		{Kind: KindGet, Key: []byte("a")},
		{Kind: KindDel, Key: []byte("a")},
	}
	v := &InvariantViolation{Name: "index_accounting", Severity: SeverityCritical, Err: errBoom}
	data, err := EncodeReproducer(123, v, ops)
	require.NoError(t, err)

	seed, violation, decoded, err := DecodeReproducer(data)
	require.NoError(t, err)
	require.Equal(t, uint64(123), seed)
	require.Equal(t, "index_accounting", violation)
	require.Len(t, decoded, 3)
	require.Equal(t, KindSet, decoded[0].Kind)
	require.Equal(t, "a", string(decoded[0].Key))
}

func TestEncodeReproducerCompressesLargeSequences(t *testing.T) {
	ops := make([]Operation, 0, 500)
	for i := 0; i < 500; i++ {
		ops = append(ops, Operation{Kind: KindSet, Key: []byte("key"), Value: bytes.Repeat([]byte("x"), 64)})
	}
	data, err := EncodeReproducer(1, nil, ops)
	require.NoError(t, err)
	require.Equal(t, byte(1), data[0])

	_, _, decoded, err := DecodeReproducer(data)
	require.NoError(t, err)
	require.Len(t, decoded, 500)
}
