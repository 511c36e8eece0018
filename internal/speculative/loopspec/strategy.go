package loopspec

import (
	"math/bits"
	"strings"

	"golang.org/x/sys/cpu"

	"github.com/orizon-lang/orizon-speculate/internal/tiering"
)

// StrategyKind is one specialization technique. Kinds combine as a bit set.
type StrategyKind uint8

const (
	Unroll StrategyKind = 1 << iota
	Vectorize
	HoistInvariants
	IterationSpecialize
)

var strategyNames = []struct {
	kind StrategyKind
	name string
}{
	{Unroll, "unroll"},
	{Vectorize, "vectorize"},
	{HoistInvariants, "hoist"},
	{IterationSpecialize, "iteration"},
}

func (k StrategyKind) String() string { return Strategy{Kinds: k}.String() }

// Strategy is the specialization chosen for one loop.
type Strategy struct {
	Kinds          StrategyKind
	UnrollFactor   int
	VectorWidth    int
	Hoisted        []string
	IterationCount uint64
}

// Has reports whether k is part of the strategy.
func (s Strategy) Has(k StrategyKind) bool { return s.Kinds&k != 0 }

// Combined reports whether more than one technique applies.
func (s Strategy) Combined() bool { return bits.OnesCount8(uint8(s.Kinds)) > 1 }

// Empty reports whether no technique applies.
func (s Strategy) Empty() bool { return s.Kinds == 0 }

func (s Strategy) String() string {
	if s.Kinds == 0 {
		return "none"
	}
	var parts []string
	for _, n := range strategyNames {
		if s.Has(n.kind) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) > 1 {
		return "combined(" + strings.Join(parts, "+") + ")"
	}
	return parts[0]
}

// EstimatedSpeedup is the expected gain of the strategy over the baseline loop.
func (s Strategy) EstimatedSpeedup() float64 {
	speedup := 1.0
	if s.Has(Unroll) {
		speedup *= 1 + 0.05*float64(s.UnrollFactor)
	}
	if s.Has(Vectorize) {
		speedup *= max(1, float64(s.VectorWidth)/2)
	}
	if s.Has(HoistInvariants) {
		speedup *= 1 + 0.05*float64(len(s.Hoisted))
	}
	if s.Has(IterationSpecialize) {
		speedup *= 1.2
	}
	return min(speedup, 8)
}

// LoopPlan is the portable form of a specialized loop: a backend lowers it,
// the speculative tier validates executions against it.
type LoopPlan struct {
	Loop     tiering.LoopID
	Strategy Strategy
	// Operands names the slots of the observation vector guards refer to:
	// slot 0 is the trip count, the rest are hoisted invariants.
	Operands []string
}

// Vector builds the operand vector of one loop execution.
func (p LoopPlan) Vector(obs tiering.LoopObservation) []tiering.Value {
	out := make([]tiering.Value, len(p.Operands))
	out[0] = tiering.Int(int64(obs.Iterations))
	for i, name := range p.Operands[1:] {
		if v, ok := obs.Invariants[name]; ok {
			out[i+1] = v
		}
	}
	return out
}

// DetectVectorWidth returns the number of 32-bit lanes the host can process
// in one SIMD instruction, or 0 when no SIMD unit is available.
func DetectVectorWidth() int {
	switch {
	case cpu.X86.HasAVX512F:
		return 16
	case cpu.X86.HasAVX2:
		return 8
	case cpu.X86.HasSSE41, cpu.ARM64.HasASIMD:
		return 4
	}
	return 0
}
