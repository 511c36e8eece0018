package tiering

import (
	"context"
	"fmt"
	"sync"
)

const maxValueSamples = 16

// BaselineEngine is a profiling lower tier: it runs a function's Body as-is
// and accumulates ProfileData. It is the deoptimization target of the
// speculative tier when no other engine is configured.
type BaselineEngine struct {
	mu        sync.Mutex
	tier      Tier
	functions map[FunctionID]*baselineFunction
}

type baselineFunction struct {
	src       *Source
	execs     uint64
	args      []*argAccumulator
	branches  map[BranchID]*BranchProfile
	calls     map[SiteID]map[string]*CallTargetSample
	loops     map[LoopID]*LoopSample
	siteOrder []SiteID
}

type argAccumulator struct {
	types  map[ValueKind]uint64
	values map[string]*ValueSample
}

// NewBaselineEngine creates an engine reporting the given tier.
func NewBaselineEngine(tier Tier) *BaselineEngine {
	return &BaselineEngine{tier: tier, functions: make(map[FunctionID]*baselineFunction)}
}

// Register makes src executable under id.
func (e *BaselineEngine) Register(id FunctionID, src *Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.functions[id] = &baselineFunction{
		src:      src,
		branches: make(map[BranchID]*BranchProfile),
		calls:    make(map[SiteID]map[string]*CallTargetSample),
		loops:    make(map[LoopID]*LoopSample),
	}
}

func (e *BaselineEngine) TierLevel() Tier { return e.tier }

// Execute runs the baseline body and records the observations.
func (e *BaselineEngine) Execute(ctx context.Context, id FunctionID, args []Value) (Value, error) {
	e.mu.Lock()
	fn, ok := e.functions[id]
	e.mu.Unlock()
	if !ok {
		return Null(), fmt.Errorf("baseline: function %d not registered", id)
	}
	frame := NewFrame(ctx, id)
	v, err := fn.src.Body(frame, args)
	if err != nil {
		return Null(), err
	}
	e.mu.Lock()
	fn.record(args, frame)
	e.mu.Unlock()
	return v, nil
}

func (fn *baselineFunction) record(args []Value, f *Frame) {
	fn.execs++
	for len(fn.args) < len(args) {
		fn.args = append(fn.args, &argAccumulator{
			types:  make(map[ValueKind]uint64),
			values: make(map[string]*ValueSample),
		})
	}
	for i, a := range args {
		acc := fn.args[i]
		acc.types[a.Kind]++
		key := a.Key()
		if s, ok := acc.values[key]; ok {
			s.Count++
		} else if len(acc.values) < maxValueSamples {
			acc.values[key] = &ValueSample{Value: a, Count: 1}
		}
	}
	for _, b := range f.Branches() {
		bp, ok := fn.branches[b.Branch]
		if !ok {
			bp = &BranchProfile{Branch: b.Branch}
			fn.branches[b.Branch] = bp
		}
		if b.Taken {
			bp.Taken++
		} else {
			bp.NotTaken++
		}
	}
	for _, c := range f.Calls() {
		targets, ok := fn.calls[c.Site]
		if !ok {
			targets = make(map[string]*CallTargetSample)
			fn.calls[c.Site] = targets
			fn.siteOrder = append(fn.siteOrder, c.Site)
		}
		key := fmt.Sprintf("%d%s", c.Target, c.Signature)
		if t, ok := targets[key]; ok {
			t.Count++
		} else {
			targets[key] = &CallTargetSample{Target: c.Target, Signature: c.Signature, Count: 1}
		}
	}
	for _, l := range f.Loops() {
		ls, ok := fn.loops[l.Loop]
		if !ok {
			ls = &LoopSample{Loop: l.Loop, IterationCounts: make(map[uint64]uint64)}
			fn.loops[l.Loop] = ls
		}
		ls.Executions++
		ls.IterationCounts[l.Iterations]++
	}
}

// CollectProfileData snapshots the accumulated profile of id.
func (e *BaselineEngine) CollectProfileData(id FunctionID) (*ProfileData, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn, ok := e.functions[id]
	if !ok {
		return nil, false
	}
	pd := &ProfileData{
		Function:       id,
		SchemaVersion:  ProfileSchemaVersion,
		Tier:           e.tier,
		ExecutionCount: fn.execs,
	}
	for i, acc := range fn.args {
		ap := ArgumentProfile{Index: i, TypeCounts: make(map[ValueKind]uint64, len(acc.types))}
		for k, c := range acc.types {
			ap.TypeCounts[k] = c
		}
		for _, s := range acc.values {
			ap.Values = append(ap.Values, *s)
		}
		sortSamples(ap.Values)
		pd.Arguments = append(pd.Arguments, ap)
	}
	for _, src := range fn.src.Branches {
		if bp, ok := fn.branches[src]; ok {
			pd.Branches = append(pd.Branches, *bp)
		}
	}
	for _, site := range fn.siteOrder {
		cs := CallSiteProfile{Site: site}
		for _, t := range fn.calls[site] {
			cs.Targets = append(cs.Targets, *t)
		}
		pd.CallSites = append(pd.CallSites, cs)
	}
	for _, ls := range fn.src.Loops {
		if s, ok := fn.loops[ls.Loop]; ok {
			cp := LoopSample{Loop: s.Loop, Executions: s.Executions, IterationCounts: make(map[uint64]uint64, len(s.IterationCounts))}
			for k, v := range s.IterationCounts {
				cp.IterationCounts[k] = v
			}
			pd.Loops = append(pd.Loops, cp)
		}
	}
	return pd, true
}
