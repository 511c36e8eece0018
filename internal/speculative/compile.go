package speculative

import (
	"context"
	"strconv"

	"github.com/Masterminds/semver/v3"

	specerrors "github.com/orizon-lang/orizon-speculate/internal/errors"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/budget"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/guard"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/inlinecache"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/loopspec"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/valuespec"
	"github.com/orizon-lang/orizon-speculate/internal/tiering"
)

// Artifact is the portable result of compiling a function: what a backend
// lowers to native code and what this tier interprets.
type Artifact struct {
	Function      tiering.FunctionID
	Benefit       float64
	Opportunities []Opportunity
	Dispatch      map[tiering.SiteID]*inlinecache.DispatchPlan
	Loops         map[tiering.LoopID]loopspec.SpecializedLoop
	Variant       *ValueVariant
}

// ValueVariant is the constant-argument specialization of a pure function.
// Its guards hold exactly when the arguments match the speculated constants;
// results are memoized per argument vector.
type ValueVariant struct {
	Constants map[int]tiering.Value
	Guards    []guard.ID
	Hits      uint64
	Misses    uint64

	memo map[string]tiering.Value
}

// CompileFunction compiles a speculative version of id. Concurrent compiles
// of one id are collapsed into a single compilation.
func (c *Compiler) CompileFunction(ctx context.Context, id tiering.FunctionID, src *tiering.Source) error {
	_, err, _ := c.compiles.Do(strconv.FormatUint(uint64(id), 10), func() (interface{}, error) {
		l := c.lockFor(id)
		l.Lock()
		defer l.Unlock()
		return nil, c.compileLocked(ctx, id, src)
	})
	return err
}

func (c *Compiler) compileLocked(ctx context.Context, id tiering.FunctionID, src *tiering.Source) error {
	fid := uint64(id)
	if c.deopt.IsBlacklisted(id) {
		return specerrors.CompilationFailed(fid, "function is blacklisted", nil)
	}
	if src == nil || src.Body == nil {
		return specerrors.CompilationFailed(fid, "no source body", nil)
	}
	pd := src.Profile
	if pd == nil {
		var ok bool
		if pd, ok = c.fallback.CollectProfileData(id); !ok {
			return specerrors.CompilationFailed(fid, "no profile data", nil)
		}
	}
	v, err := semver.NewVersion(pd.SchemaVersion)
	if err != nil {
		return specerrors.CompilationFailed(fid, "unreadable profile schema version", err)
	}
	if !c.constraint.Check(v) {
		return specerrors.CompilationFailed(fid, "profile schema "+v.String()+" not supported", nil)
	}

	a, err := c.analyze(ctx, id, src, pd)
	if err != nil {
		return specerrors.CompilationFailed(fid, "analysis aborted", err)
	}
	if !src.Pure {
		// Branch and loop assumptions are only checked after the body ran;
		// an impure body cannot be replayed in the fallback tier.
		a.branches, a.loops = nil, nil
	}
	opps := a.all()
	benefit := c.estimateBenefit(opps, pd.ExecutionCount)
	if benefit < c.cfg.Compiler.MinBenefit {
		c.logger.Debug("Speculation not worthwhile", "function", id, "benefit", benefit, "opportunities", len(opps))
		return specerrors.InsufficientBenefit(fid, benefit, c.cfg.Compiler.MinBenefit)
	}

	guardCount := len(a.types) + len(a.branches) + len(a.calls)
	for _, o := range a.values {
		guardCount += len(o.Recommendation.Guards)
	}
	for _, o := range a.loops {
		guardCount += len(o.Strategy.Hoisted) + 1
	}
	priority := budget.PriorityNormal
	if pd.ExecutionCount >= 10*c.cfg.Compiler.HotExecutions {
		priority = budget.PriorityHigh
	}
	grant := c.budget.RequestAllocation(budget.AllocationRequest{
		Requester:     "f" + strconv.FormatUint(fid, 10),
		MemoryMB:      c.cfg.Compiler.FunctionMemoryMB + float64(guardCount)*c.cfg.Compiler.GuardMemoryMB,
		Guards:        guardCount,
		CompileTimeMS: c.cfg.Compiler.BaseCompileTimeMS + float64(guardCount)*c.cfg.Compiler.CompileTimePerGuardMS,
		Priority:      priority,
	})
	if !grant.Granted {
		return specerrors.ResourceExhausted(grant.Reason, grant.SuggestedRetryDelay)
	}

	if old := c.function(id); old != nil {
		c.discardLocked(old)
	}
	fn := &Function{
		ID:         id,
		Source:     src,
		allocation: grant.ID,
		Metadata:   Metadata{Benefit: benefit, CompiledAt: c.now(), SuccessRate: 1},
	}
	fn.Artifact = c.buildArtifact(fn, a, benefit)

	c.mu.Lock()
	c.functions[id] = fn
	c.mu.Unlock()

	c.logger.Info("Compiled speculative function", "function", id, "name", src.Name, "benefit", benefit,
		"guards", len(fn.Guards)+len(fn.PostGuards), "loops", len(fn.Artifact.Loops), "policy", grant.Policy)
	if c.budget.NeedsCleanup() {
		c.budget.EmergencyCleanup(false)
	}
	return nil
}

// buildArtifact turns opportunities into guards, dispatch plans, loop plans
// and the value variant.
func (c *Compiler) buildArtifact(fn *Function, a *analysis, benefit float64) *Artifact {
	art := &Artifact{
		Function:      fn.ID,
		Benefit:       benefit,
		Opportunities: a.all(),
		Dispatch:      make(map[tiering.SiteID]*inlinecache.DispatchPlan),
		Loops:         make(map[tiering.LoopID]loopspec.SpecializedLoop),
	}
	for _, o := range a.types {
		fn.Guards = append(fn.Guards, c.guards.CreateGuard(guard.TypeCheck{Operand: o.Arg, Expected: o.ArgKind}))
		if o.ArgKind == tiering.KindObject && o.FieldCount >= 0 {
			fn.Guards = append(fn.Guards, c.guards.CreateGuard(guard.ObjectShape{Operand: o.Arg, FieldCount: o.FieldCount}))
		}
	}
	for _, o := range a.branches {
		fn.PostGuards = append(fn.PostGuards, c.guards.CreateGuard(guard.BranchPrediction{
			Branch: o.Branch, ExpectTaken: o.ExpectTaken, Confidence: o.Bias,
		}))
	}
	for _, o := range a.calls {
		if o.Class == inlinecache.Monomorphic && fn.Source.Pure {
			fn.PostGuards = append(fn.PostGuards, c.guards.CreateGuard(guard.InliningConstraint{Site: o.Site, Target: o.Target}))
		}
		if plan, ok := c.cache.BuildDispatchPlan(o.Site); ok {
			art.Dispatch[o.Site] = plan
		}
	}
	for _, o := range a.loops {
		if sl, ok := c.loops.GenerateSpecializedLoop(o.Loop); ok {
			art.Loops[o.Loop] = *sl
		}
	}
	if len(a.values) > 0 {
		v := &ValueVariant{Constants: make(map[int]tiering.Value), memo: make(map[string]tiering.Value)}
		for _, o := range a.values {
			v.Constants[o.Arg] = o.Recommendation.Value
			for _, req := range o.Recommendation.Guards {
				v.Guards = append(v.Guards, c.guards.CreateGuard(requirementGuard(o.Arg, req)))
			}
		}
		art.Variant = v
	}
	return art
}

func requirementGuard(arg int, req valuespec.GuardRequirement) guard.Type {
	switch r := req.(type) {
	case valuespec.TypeStability:
		return guard.TypeCheck{Operand: arg, Expected: r.Kind}
	case valuespec.NumericRangeGuard:
		return guard.RangeCheck{Operand: arg, Min: r.Min, Max: r.Max}
	case valuespec.ValueEquality:
		return guard.ConstantValue{Operand: arg, Value: r.Value}
	}
	return guard.NullCheck{Operand: arg}
}

// discardLocked removes every guard, loop specialization and budget
// allocation held by fn.
func (c *Compiler) discardLocked(fn *Function) {
	for _, id := range fn.Guards {
		c.guards.RemoveGuard(id)
	}
	for _, id := range fn.PostGuards {
		c.guards.RemoveGuard(id)
	}
	fn.Guards, fn.PostGuards = nil, nil
	if art := fn.Artifact; art != nil {
		if art.Variant != nil {
			for _, id := range art.Variant.Guards {
				c.guards.RemoveGuard(id)
			}
		}
		for loop := range art.Loops {
			c.loops.Invalidate(loop)
		}
	}
	if fn.allocation != 0 {
		c.budget.Release(fn.allocation)
		fn.allocation = 0
	}
}
