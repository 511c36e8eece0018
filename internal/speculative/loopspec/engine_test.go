package loopspec

import (
	"testing"

	"github.com/orizon-lang/orizon-speculate/internal/speculative/guard"
	"github.com/orizon-lang/orizon-speculate/internal/tiering"
)

func newEngine(width int) (*Engine, *guard.Manager) {
	cfg := DefaultConfig()
	cfg.VectorWidth = width
	gm := guard.NewManager()
	return NewEngine(cfg, gm), gm
}

var tight = tiering.LoopStructure{Loop: 1, Instructions: 8, MemoryOps: 2}

func obs(it uint64, inv map[string]tiering.Value, strides ...int64) tiering.LoopObservation {
	return tiering.LoopObservation{Loop: 1, Iterations: it, Invariants: inv, Strides: strides}
}

func TestStrategySelection(t *testing.T) {
	tests := []struct {
		name      string
		structure tiering.LoopStructure
		width     int
		runs      []tiering.LoopObservation
		want      StrategyKind
	}{
		{
			name:      "unroll-only",
			structure: tight,
			runs:      []tiering.LoopObservation{obs(10, nil), obs(12, nil), obs(14, nil), obs(16, nil)},
			want:      Unroll,
		},
		{
			name:      "too-few-executions",
			structure: tight,
			runs:      []tiering.LoopObservation{obs(10, nil), obs(10, nil)},
			want:      0,
		},
		{
			name:      "calls-block-unroll-and-vectorize",
			structure: tiering.LoopStructure{Loop: 1, Instructions: 8, Calls: 1},
			width:     4,
			runs:      []tiering.LoopObservation{obs(10, nil, 1), obs(12, nil, 1), obs(14, nil, 1), obs(16, nil, 1)},
			want:      0,
		},
		{
			name:      "vectorize-sequential",
			structure: tiering.LoopStructure{Loop: 1, Instructions: 50},
			width:     4,
			runs:      []tiering.LoopObservation{obs(3, nil, 1), obs(5, nil, 1), obs(7, nil, 1), obs(9, nil, 1)},
			want:      Vectorize,
		},
		{
			name:      "no-simd-no-vectorize",
			structure: tiering.LoopStructure{Loop: 1, Instructions: 50},
			width:     -1,
			runs:      []tiering.LoopObservation{obs(3, nil, 1), obs(5, nil, 1), obs(7, nil, 1), obs(9, nil, 1)},
			want:      0,
		},
		{
			name:      "combined",
			structure: tight,
			width:     8,
			runs: []tiering.LoopObservation{
				obs(64, map[string]tiering.Value{"n": tiering.Int(3)}, 1),
				obs(64, map[string]tiering.Value{"n": tiering.Int(3)}, 1),
				obs(64, map[string]tiering.Value{"n": tiering.Int(3)}, 1),
				obs(64, map[string]tiering.Value{"n": tiering.Int(3)}, 1),
			},
			want: Unroll | Vectorize | HoistInvariants | IterationSpecialize,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.VectorWidth = tt.width
			e := NewEngine(cfg, guard.NewManager())
			if tt.width < 0 {
				e.vectorWidth = 0
			}
			for _, o := range tt.runs {
				e.AnalyzeLoop(tt.structure, o)
			}
			s, ok := e.DetermineStrategy(1)
			if s.Kinds != tt.want || ok != (tt.want != 0) {
				t.Fatalf("strategy = %v (%v), want kinds %b", s, ok, tt.want)
			}
			if tt.want == Unroll|Vectorize|HoistInvariants|IterationSpecialize {
				if !s.Combined() || s.UnrollFactor != 8 || s.VectorWidth != 8 || s.IterationCount != 64 {
					t.Fatalf("combined strategy = %+v", s)
				}
				if s.EstimatedSpeedup() > 8 || s.EstimatedSpeedup() <= 1 {
					t.Fatalf("speedup = %v", s.EstimatedSpeedup())
				}
			}
		})
	}
}

func TestInvariantStability(t *testing.T) {
	e, _ := newEngine(-1)
	e.vectorWidth = 0
	for i := 0; i < 10; i++ {
		e.AnalyzeLoop(tight, obs(2, map[string]tiering.Value{
			"k":    tiering.Int(7),
			"step": tiering.Int(int64(i)),
		}))
	}
	p, _ := e.Profile(1)
	if p.Invariants["k"].Stability() != 1 || p.Invariants["step"].Stability() != 0 {
		t.Fatalf("stability k=%v step=%v", p.Invariants["k"].Stability(), p.Invariants["step"].Stability())
	}
	s, _ := e.DetermineStrategy(1)
	if len(s.Hoisted) != 1 || s.Hoisted[0] != "k" {
		t.Fatalf("hoisted = %v", s.Hoisted)
	}
}

func TestSpecializedLoopGuards(t *testing.T) {
	e, gm := newEngine(4)
	inv := map[string]tiering.Value{"n": tiering.Int(3)}
	for i := 0; i < 5; i++ {
		e.AnalyzeLoop(tight, obs(16, inv, 1))
	}
	sl, ok := e.GenerateSpecializedLoop(1)
	if !ok {
		t.Fatal("expected a specialization")
	}
	if len(sl.Guards) != 2 || gm.Len() != 2 {
		t.Fatalf("guards = %v, manager holds %d", sl.Guards, gm.Len())
	}

	out, err := e.RecordExecution(1, obs(16, inv, 1))
	if err != nil || !out.Valid {
		t.Fatalf("matching execution: %+v %v", out, err)
	}
	out, err = e.RecordExecution(1, obs(17, inv, 1))
	if err != nil || out.Valid {
		t.Fatalf("trip count change must fail the guard: %+v %v", out, err)
	}
	cur, _ := e.Specialized(1)
	if cur.SuccessRate >= 1 || cur.MeasuredImprovement >= cur.EstimatedSpeedup {
		t.Fatalf("feedback not applied: %+v", cur)
	}

	invalidated := false
	for i := 0; i < 20 && !invalidated; i++ {
		out, _ = e.RecordExecution(1, obs(17, map[string]tiering.Value{"n": tiering.Int(4)}, 1))
		invalidated = out.Invalidated
	}
	if !invalidated {
		t.Fatal("persistently failing specialization should be invalidated")
	}
	if _, ok := e.Specialized(1); ok || gm.Len() != 0 {
		t.Fatalf("invalidation left guards behind: %d", gm.Len())
	}
}

func TestSeedAndBoundedProfile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHistogramBuckets = 4
	cfg.MaxAccessSamples = 8
	e := NewEngine(cfg, guard.NewManager())
	e.Seed(tight, tiering.LoopSample{Loop: 1, Executions: 10, IterationCounts: map[uint64]uint64{4: 8, 5: 2}})
	p, _ := e.Profile(1)
	if p.Executions != 10 || p.AverageIterations < 4.19 || p.AverageIterations > 4.21 {
		t.Fatalf("seeded profile = %+v", p)
	}
	for i := 0; i < 20; i++ {
		e.AnalyzeLoop(tight, obs(uint64(100+i), nil, 1, 1))
	}
	p, _ = e.Profile(1)
	if len(p.Histogram) > 4 || len(p.Strides) != 8 {
		t.Fatalf("histogram %d buckets, %d strides", len(p.Histogram), len(p.Strides))
	}
	if p.Histogram[4] != 8 {
		t.Fatal("heaviest bucket should survive eviction")
	}
	e.Forget([]tiering.LoopID{1})
	if e.Stats().Loops != 0 || e.MemoryBytes() != 0 {
		t.Fatal("forget left state behind")
	}
}

func TestAccessPattern(t *testing.T) {
	tests := []struct {
		strides []int64
		want    AccessPattern
	}{
		{nil, AccessUnknown},
		{[]int64{1, 1, 1, 4}, AccessSequential},
		{[]int64{-2, -2, 1}, AccessLowStride},
		{[]int64{16, 16, 16}, AccessStrided},
		{[]int64{1, 7, 9, 13}, AccessIrregular},
	}
	for _, tt := range tests {
		p := LoopProfile{Strides: tt.strides}
		if got := p.Pattern(2); got != tt.want {
			t.Errorf("Pattern(%v) = %v, want %v", tt.strides, got, tt.want)
		}
	}
}

func TestReclaimKeepsSpecializedLoops(t *testing.T) {
	e, _ := newEngine(4)
	for i := 0; i < 5; i++ {
		e.AnalyzeLoop(tight, obs(16, nil, 1))
	}
	if _, ok := e.GenerateSpecializedLoop(1); !ok {
		t.Fatal("expected a specialization")
	}
	for l := tiering.LoopID(2); l < 6; l++ {
		e.AnalyzeLoop(tiering.LoopStructure{Loop: l, Instructions: 4}, tiering.LoopObservation{Loop: l, Iterations: 3})
	}
	freed := e.Reclaim(1)
	if freed == 0 {
		t.Fatal("nothing reclaimed")
	}
	if s := e.Stats(); s.Loops != 1 || s.Specialized != 1 {
		t.Fatalf("stats after reclaim = %+v", s)
	}
}
