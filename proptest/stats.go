package proptest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/snappy"
	"github.com/olekukonko/tablewriter"

	"github.com/Felmond13/kvring/simfs"
)

// RunStats accumulates statistics across an entire property test run
// (spec.md §4.5.5): total ops, per-injector counts/ratios, invariant
// violations, shrinking iterations, wall-clock duration, and the
// WAL-corruption count the engine itself observed.
type RunStats struct {
	SequencesRun       int
	TotalOpsGenerated  int
	TotalOpsExecuted   int
	Injections         InjectionCounts
	Violations         int
	ShrinkAttempts     int
	MaxCorruptionSeen  uint64
	Duration           time.Duration
}

// TargetRatio returns the achieved-vs-target ratio for one injector kind,
// against cfg's configured base probability.
func (s RunStats) TargetRatio(cfg Config, kind InjectorKind) float64 {
	if s.TotalOpsExecuted == 0 {
		return 0
	}
	achieved := float64(s.Injections[kind]) / float64(s.TotalOpsExecuted)
	target := cfg.Injectors.baseOf(kind)
	if target == 0 {
		return 0
	}
	return achieved / target
}

// Run executes cfg.Iterations sequences against dir, shrinking on the
// first critical violation of each, and returns the accumulated stats
// together with every violation's minimized reproducer.
func Run(ctx context.Context, cfg Config, dir string) (RunStats, []ShrinkResult, error) {
	if err := cfg.validate(); err != nil {
		return RunStats{}, nil, err
	}
	sim := simfs.NewSimulated(simfs.Real{})
	stats := RunStats{Injections: InjectionCounts{}}
	var reproducers []ShrinkResult

	start := time.Now()
	var step uint64
	for i := uint32(0); i < cfg.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return stats, reproducers, err
		}
		length := SampleSequenceLength(cfg, i)
		ops := GenerateSequence(cfg, length, step)
		step += uint64(length)

		res, err := RunIteration(ctx, cfg, ops, dir, sim)
		if err != nil {
			return stats, reproducers, fmt.Errorf("proptest: iteration %d: %w", i, err)
		}

		stats.SequencesRun++
		stats.TotalOpsGenerated += res.Stats.OpsGenerated
		stats.TotalOpsExecuted += res.Stats.OpsExecuted
		for k, n := range res.Stats.Injections {
			stats.Injections[k] += n
		}
		if res.Stats.FinalCorruption > stats.MaxCorruptionSeen {
			stats.MaxCorruptionSeen = res.Stats.FinalCorruption
		}

		if res.Violation != nil {
			stats.Violations++
			shrunk := Shrink(ctx, cfg, ops, dir, sim)
			stats.ShrinkAttempts += shrunk.Attempts
			reproducers = append(reproducers, shrunk)
		}
	}
	stats.Duration = time.Since(start)
	return stats, reproducers, nil
}

// Report renders stats as an aligned table, in the spirit of the teacher's
// query EXPLAIN output but backed by a real table-rendering library
// instead of hand-joined strings.
func Report(w io.Writer, cfg Config, stats RunStats) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"metric", "value"})
	table.Append([]string{"name", cfg.Name})
	table.Append([]string{"seed", fmt.Sprintf("%d", cfg.Seed)})
	table.Append([]string{"sequences_run", fmt.Sprintf("%d", stats.SequencesRun)})
	table.Append([]string{"ops_generated", fmt.Sprintf("%d", stats.TotalOpsGenerated)})
	table.Append([]string{"ops_executed", fmt.Sprintf("%d", stats.TotalOpsExecuted)})
	table.Append([]string{"violations", fmt.Sprintf("%d", stats.Violations)})
	table.Append([]string{"shrink_attempts", fmt.Sprintf("%d", stats.ShrinkAttempts)})
	table.Append([]string{"max_corruption_seen", fmt.Sprintf("%d", stats.MaxCorruptionSeen)})
	table.Append([]string{"duration", stats.Duration.String()})
	for _, kind := range []InjectorKind{InjectorAllocator, InjectorFilesystem, InjectorWALCorruption, InjectorIORing} {
		ratio := stats.TargetRatio(cfg, kind)
		table.Append([]string{
			fmt.Sprintf("injected[%s]", kind),
			fmt.Sprintf("%d (%.2fx target)", stats.Injections[kind], ratio),
		})
	}
	table.Render()
}

// reproducerFile is the JSON envelope a minimized ShrinkResult is
// serialized into.
type reproducerFile struct {
	Seed       uint64     `json:"seed"`
	Violation  string     `json:"violation,omitempty"`
	Operations []opRecord `json:"operations"`
}

type opRecord struct {
	Kind  string `json:"kind"`
	Key   []byte `json:"key,omitempty"`
	Value []byte `json:"value,omitempty"`
}

const compressThreshold = 4096

// EncodeReproducer serializes a shrink result as the teacher's api package
// serializes query results: JSON first. Past compressThreshold bytes the
// JSON is snappy-compressed (github.com/klauspost/compress/snappy, the same
// package the teacher's pager.go already imports for page compression, here
// repurposed for reproducer compression) and prefixed with a one-byte
// format tag so DecodeReproducer knows which path was taken.
func EncodeReproducer(seed uint64, violation *InvariantViolation, ops []Operation) ([]byte, error) {
	rf := reproducerFile{Seed: seed, Operations: make([]opRecord, len(ops))}
	if violation != nil {
		rf.Violation = violation.Name
	}
	for i, op := range ops {
		rf.Operations[i] = opRecord{Kind: op.Kind.String(), Key: op.Key, Value: op.Value}
	}

	raw, err := json.Marshal(rf)
	if err != nil {
		return nil, fmt.Errorf("proptest: encode reproducer: %w", err)
	}
	if len(raw) <= compressThreshold {
		return append([]byte{0}, raw...), nil
	}
	return append([]byte{1}, snappy.Encode(nil, raw)...), nil
}

// DecodeReproducer inverts EncodeReproducer.
func DecodeReproducer(data []byte) (uint64, string, []Operation, error) {
	if len(data) == 0 {
		return 0, "", nil, fmt.Errorf("proptest: empty reproducer")
	}
	tag, body := data[0], data[1:]
	var raw []byte
	var err error
	switch tag {
	case 0:
		raw = body
	case 1:
		raw, err = snappy.Decode(nil, body)
		if err != nil {
			return 0, "", nil, fmt.Errorf("proptest: decode reproducer: %w", err)
		}
	default:
		return 0, "", nil, fmt.Errorf("proptest: unknown reproducer format tag %d", tag)
	}

	var rf reproducerFile
	if err := json.Unmarshal(raw, &rf); err != nil {
		return 0, "", nil, fmt.Errorf("proptest: unmarshal reproducer: %w", err)
	}
	ops := make([]Operation, len(rf.Operations))
	for i, r := range rf.Operations {
		ops[i] = Operation{Kind: parseOpKind(r.Kind), Key: r.Key, Value: r.Value}
	}
	return rf.Seed, rf.Violation, ops, nil
}

func parseOpKind(s string) OpKind {
	switch s {
	case "SET":
		return KindSet
	case "GET":
		return KindGet
	case "DEL":
		return KindDel
	case "FLUSH":
		return KindFlush
	case "RESTART":
		return KindRestart
	default:
		return KindGet
	}
}
