package tiering

import "context"

// BranchObservation records one dynamic branch outcome.
type BranchObservation struct {
	Branch BranchID
	Taken  bool
}

// CallObservation records one dynamic call.
type CallObservation struct {
	Site      SiteID
	Target    FunctionID
	Signature string
}

// LoopObservation accumulates what one execution of a loop reported.
type LoopObservation struct {
	Loop       LoopID
	Iterations uint64
	Invariants map[string]Value
	Strides    []int64
}

// Frame is the observation sink handed to a Body for one execution.
// A Frame is used by a single goroutine.
type Frame struct {
	Function FunctionID
	ctx      context.Context

	branches []BranchObservation
	calls    []CallObservation
	loops    map[LoopID]*LoopObservation
	order    []LoopID
}

// NewFrame creates a frame for one execution of fn.
func NewFrame(ctx context.Context, fn FunctionID) *Frame {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Frame{Function: fn, ctx: ctx}
}

// Context returns the execution context.
func (f *Frame) Context() context.Context { return f.ctx }

// Branch records a branch outcome and returns taken so it can wrap a condition.
func (f *Frame) Branch(id BranchID, taken bool) bool {
	f.branches = append(f.branches, BranchObservation{Branch: id, Taken: taken})
	return taken
}

// Call records a call from site to target with the given arguments.
func (f *Frame) Call(site SiteID, target FunctionID, args []Value) {
	f.calls = append(f.calls, CallObservation{Site: site, Target: target, Signature: Signature(args)})
}

func (f *Frame) loop(id LoopID) *LoopObservation {
	if f.loops == nil {
		f.loops = make(map[LoopID]*LoopObservation)
	}
	l, ok := f.loops[id]
	if !ok {
		l = &LoopObservation{Loop: id}
		f.loops[id] = l
		f.order = append(f.order, id)
	}
	return l
}

// Loop records the trip count of one loop execution.
func (f *Frame) Loop(id LoopID, iterations uint64) {
	f.loop(id).Iterations += iterations
}

// LoopInvariant records the value of a loop-invariant candidate.
func (f *Frame) LoopInvariant(id LoopID, name string, v Value) {
	l := f.loop(id)
	if l.Invariants == nil {
		l.Invariants = make(map[string]Value)
	}
	l.Invariants[name] = v
}

// MemoryAccess records the stride (in elements) of a memory access inside a loop.
func (f *Frame) MemoryAccess(id LoopID, stride int64) {
	l := f.loop(id)
	if len(l.Strides) < 64 {
		l.Strides = append(l.Strides, stride)
	}
}

func (f *Frame) Branches() []BranchObservation { return f.branches }
func (f *Frame) Calls() []CallObservation       { return f.calls }

// Loops returns loop observations in first-seen order.
func (f *Frame) Loops() []*LoopObservation {
	out := make([]*LoopObservation, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.loops[id])
	}
	return out
}
