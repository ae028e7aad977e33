package determinism

import (
	"context"
	"os"

	"github.com/kilnforge/buildcore/src/builderrors"
	"github.com/kilnforge/buildcore/src/hashutil"
)

// Strategy selects how two repeated runs of the same action are compared
// for equivalence.
type Strategy int

const (
	// ContentHash compares a cryptographic digest of each output file.
	ContentHash Strategy = iota
	// Bitwise hashes each output's literal bytes with no normalization;
	// the Report names which paths differ, not where within them.
	Bitwise
	// Fuzzy normalizes known non-deterministic fields (embedded
	// timestamps, build IDs, UUIDs) out of recognised binary formats
	// before comparing, so e.g. a stripped ELF with a fresh build-id still
	// compares equal.
	Fuzzy
	// Structural is an alias for Fuzzy in this implementation: the
	// "structural" comparison SPEC_FULL.md describes for archive formats
	// is exactly the fuzzy-normalize-then-compare strategy, for the
	// formats this package recognises.
	Structural
)

func (s Strategy) String() string {
	switch s {
	case Bitwise:
		return "Bitwise"
	case Fuzzy:
		return "Fuzzy"
	case Structural:
		return "Structural"
	default:
		return "ContentHash"
	}
}

// Runner executes the action under test once and returns the paths to its
// declared outputs, already materialized on disk. The verifier doesn't care
// how the run happened — it's handed a sandbox.Executor-shaped closure so
// tests can fake it without spinning up namespaces.
type Runner func(ctx context.Context, attempt int) (outputs []string, err error)

// Report is the result of verifying one action across Repetitions runs.
type Report struct {
	Strategy     Strategy
	Repetitions  int
	Deterministic bool
	// Mismatches names each output path that differed between the first
	// run and a later one, empty when Deterministic is true.
	Mismatches []string
}

// Verify runs the action repetitions times via run and compares each
// repetition's outputs against the first, using strategy. repetitions must
// be at least 2; S6 of SPEC_FULL.md uses three.
func Verify(ctx context.Context, run Runner, strategy Strategy, repetitions int) (*Report, error) {
	if repetitions < 2 {
		return nil, builderrors.New(builderrors.ConfigInvalid, "determinism verification needs at least 2 repetitions, got %d", repetitions)
	}

	baseline, err := run(ctx, 0)
	if err != nil {
		return nil, builderrors.Wrap(builderrors.ActionFailed, err, "baseline run for determinism verification")
	}
	baselineDigests, err := digestAll(baseline, strategy)
	if err != nil {
		return nil, err
	}

	report := &Report{Strategy: strategy, Repetitions: repetitions, Deterministic: true}
	for i := 1; i < repetitions; i++ {
		outputs, err := run(ctx, i)
		if err != nil {
			return nil, builderrors.Wrap(builderrors.ActionFailed, err, "repetition %d for determinism verification", i)
		}
		if len(outputs) != len(baseline) {
			return nil, builderrors.New(builderrors.Internal, "repetition %d produced %d outputs, baseline produced %d", i, len(outputs), len(baseline))
		}
		digests, err := digestAll(outputs, strategy)
		if err != nil {
			return nil, err
		}
		for j, path := range outputs {
			if digests[j] != baselineDigests[j] {
				report.Deterministic = false
				report.Mismatches = append(report.Mismatches, path)
			}
		}
	}
	return report, nil
}

func digestAll(paths []string, strategy Strategy) ([]hashutil.Digest, error) {
	digests := make([]hashutil.Digest, len(paths))
	for i, p := range paths {
		d, err := digestOne(p, strategy)
		if err != nil {
			return nil, err
		}
		digests[i] = d
	}
	return digests, nil
}

func digestOne(path string, strategy Strategy) (hashutil.Digest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return hashutil.Digest{}, builderrors.Wrap(builderrors.StorageIO, err, "reading output %s for determinism verification", path)
	}
	switch strategy {
	case Fuzzy, Structural:
		normalized, err := Normalize(path, data)
		if err != nil {
			return hashutil.Digest{}, err
		}
		return hashutil.HashBytes(normalized), nil
	case Bitwise:
		// Bitwise still hashes, but over the literal bytes with no
		// normalization; the caller-visible difference from ContentHash
		// is that a future richer implementation could report the first
		// differing offset instead of only a digest mismatch.
		return hashutil.HashBytes(data), nil
	default:
		return hashutil.HashBytes(data), nil
	}
}
