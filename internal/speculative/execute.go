package speculative

import (
	"context"
	"fmt"
	"strings"

	specerrors "github.com/orizon-lang/orizon-speculate/internal/errors"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/deopt"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/feedback"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/guard"
	"github.com/orizon-lang/orizon-speculate/internal/tiering"
)

// failure describes why one speculative attempt was abandoned.
type failure struct {
	reason deopt.Reason
	guards []guard.ID
}

// Execute runs id speculatively. Any broken assumption or run error
// deoptimizes the function and the call completes in the fallback tier; an
// error is returned only when the fallback fails too.
func (c *Compiler) Execute(ctx context.Context, id tiering.FunctionID, args []tiering.Value) (tiering.Value, error) {
	l := c.lockFor(id)
	l.Lock()
	defer l.Unlock()

	fn := c.function(id)
	if fn == nil {
		return tiering.Null(), specerrors.UnknownFunction(uint64(id))
	}
	n := c.executions.Add(1)
	if c.cfg.Compiler.AdaptInterval > 0 && n%c.cfg.Compiler.AdaptInterval == 0 {
		c.deopt.AdaptThresholds(c.SpeculationSuccessRate())
	}
	if c.budget.NeedsCleanup() {
		c.budget.EmergencyCleanup(false)
	}
	if fn.Blacklisted || c.now().Before(fn.Metadata.RetryAt) {
		return c.runFallback(ctx, fn, args, nil)
	}

	c.speculativeAttempts.Add(1)
	sig := tiering.Signature(args)

	if v, ok := c.tryVariant(fn, args); ok {
		c.succeed(fn, sig)
		return v, nil
	}

	res, err := c.guards.CheckGuards(fn.Guards, guard.Input{Values: args})
	if err != nil {
		return tiering.Null(), err
	}
	c.recordArguments(id, args)
	if !res.Valid {
		return c.fail(ctx, fn, args, sig, c.entryFailure(res.Failed, args))
	}

	frame := tiering.NewFrame(ctx, id)
	v, runErr := safeRun(fn.Source.Body, frame, args)
	f, err := c.postRun(fn, frame)
	if err != nil {
		return tiering.Null(), err
	}
	c.recordCalls(frame, runErr == nil && f == nil)
	switch {
	case runErr != nil && !fn.Source.Pure:
		// The body's effects already happened; replaying it would repeat them.
		c.deoptimize(fn, sig, &failure{reason: deopt.ExecutionError{Message: runErr.Error()}})
		return tiering.Null(), specerrors.ExecutionFailed(uint64(fn.ID), runErr)
	case runErr != nil:
		return c.fail(ctx, fn, args, sig, &failure{reason: deopt.ExecutionError{Message: runErr.Error()}})
	case f != nil:
		return c.fail(ctx, fn, args, sig, f)
	}

	if fn.Artifact.Variant != nil && fn.Source.Pure {
		c.memoize(fn.Artifact.Variant, args, v)
	}
	c.succeed(fn, sig)
	return v, nil
}

// safeRun executes a body, turning a panic into an error.
func safeRun(body tiering.Body, f *tiering.Frame, args []tiering.Value) (v tiering.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = tiering.Null(), fmt.Errorf("panic: %v", r)
		}
	}()
	return body(f, args)
}

// tryVariant serves a call from the constant-argument variant when its guards
// hold and the result for these arguments is memoized.
func (c *Compiler) tryVariant(fn *Function, args []tiering.Value) (tiering.Value, bool) {
	vv := fn.Artifact.Variant
	if vv == nil {
		return tiering.Value{}, false
	}
	res, err := c.guards.CheckGuards(vv.Guards, guard.Input{Values: args})
	if err != nil {
		return tiering.Value{}, false
	}
	for i, want := range vv.Constants {
		match := i < len(args) && args[i].Equal(want)
		c.values.RecordOutcome(argLocation(fn.ID, i), want, match)
	}
	if !res.Valid {
		vv.Misses++
		if vv.Misses >= c.cfg.Compiler.VariantMissLimit && vv.Misses > vv.Hits {
			c.dropVariant(fn)
		}
		return tiering.Value{}, false
	}
	vv.Hits++
	v, ok := vv.memo[memoKey(args)]
	if ok {
		c.memoHits.Add(1)
	}
	return v, ok
}

func (c *Compiler) dropVariant(fn *Function) {
	for _, id := range fn.Artifact.Variant.Guards {
		c.guards.RemoveGuard(id)
	}
	c.logger.Debug("Dropped value variant", "function", fn.ID, "hits", fn.Artifact.Variant.Hits, "misses", fn.Artifact.Variant.Misses)
	fn.Artifact.Variant = nil
}

func (c *Compiler) memoize(vv *ValueVariant, args []tiering.Value, v tiering.Value) {
	for i, want := range vv.Constants {
		if i >= len(args) || !args[i].Equal(want) {
			return
		}
	}
	if len(vv.memo) >= c.cfg.Compiler.MaxMemoizedResults {
		return
	}
	vv.memo[memoKey(args)] = v
}

func memoKey(args []tiering.Value) string {
	var b strings.Builder
	for i, a := range args {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(a.Key())
	}
	return b.String()
}

// entryFailure maps the first failed entry guard to a deoptimization reason.
func (c *Compiler) entryFailure(failed []guard.ID, args []tiering.Value) *failure {
	f := &failure{guards: failed}
	first, ok := c.guards.Get(failed[0])
	if !ok {
		f.reason = deopt.GuardFailure{Guard: failed[0]}
		return f
	}
	switch t := first.Type.(type) {
	case guard.TypeCheck:
		if first.Validations >= c.Config().Deopt.MinExecutionsForDecision && first.SuccessRate < 0.5 {
			f.reason = deopt.TypeInstability{Guard: first.ID}
		} else {
			f.reason = deopt.GuardFailure{Guard: first.ID, Observed: operand(args, t.Operand)}
		}
	case guard.RangeCheck:
		x, _ := operand(args, t.Operand).Numeric()
		f.reason = deopt.RangeViolation{Guard: first.ID, Observed: x}
	case guard.ObjectShape:
		f.reason = deopt.TypeInstability{Guard: first.ID}
	default:
		f.reason = deopt.GuardFailure{Guard: first.ID}
	}
	return f
}

func operand(args []tiering.Value, i int) tiering.Value {
	if i < 0 || i >= len(args) {
		return tiering.Null()
	}
	return args[i]
}

// postRun validates the branch, inlining and loop guards against what the
// run observed, and folds the loop observations into the loop profiles.
// Only pure functions carry post-run guards or own specialized loops, so a
// failure reported here can always be replayed in the fallback tier.
func (c *Compiler) postRun(fn *Function, frame *tiering.Frame) (*failure, error) {
	res, err := c.guards.CheckGuards(fn.PostGuards, guard.Input{Branches: frame.Branches(), Calls: frame.Calls()})
	if err != nil {
		return nil, err
	}
	structures := make(map[tiering.LoopID]tiering.LoopStructure, len(fn.Source.Loops))
	for _, s := range fn.Source.Loops {
		structures[s.Loop] = s
	}
	var loopFailed []guard.ID
	for _, obs := range frame.Loops() {
		s, ok := structures[obs.Loop]
		if !ok {
			s = tiering.LoopStructure{Loop: obs.Loop}
		}
		c.loops.AnalyzeLoop(s, *obs)
		out, err := c.loops.RecordExecution(obs.Loop, *obs)
		if err != nil {
			return nil, err
		}
		_, own := fn.Artifact.Loops[obs.Loop]
		if out.Invalidated {
			delete(fn.Artifact.Loops, obs.Loop)
		}
		if own && out.Specialized && !out.Valid {
			loopFailed = append(loopFailed, out.Failed...)
		}
	}

	if !res.Valid {
		f := &failure{guards: res.Failed}
		g, _ := c.guards.Get(res.Failed[0])
		switch t := g.Type.(type) {
		case guard.BranchPrediction:
			f.reason = deopt.BranchMisprediction{Guard: g.ID, Branch: t.Branch}
		default:
			// the site stopped being monomorphic
			f.reason = deopt.TypeInstability{Guard: g.ID}
		}
		return f, nil
	}
	if len(loopFailed) > 0 {
		return &failure{reason: deopt.GuardFailure{Guard: loopFailed[0]}}, nil
	}
	return nil, nil
}

func (c *Compiler) recordArguments(id tiering.FunctionID, args []tiering.Value) {
	for i, a := range args {
		c.values.RecordValue(argLocation(id, i), a)
	}
}

func (c *Compiler) recordCalls(frame *tiering.Frame, success bool) {
	for _, call := range frame.Calls() {
		c.cache.RecordCall(call.Site, call.Target, call.Signature, success)
	}
}

func (c *Compiler) succeed(fn *Function, sig string) {
	fn.Executions++
	fn.Successes++
	fn.Metadata.SuccessRate = feedback.Smooth(fn.Metadata.SuccessRate, true)
	c.speculativeSuccesses.Add(1)
	c.cache.RecordCall(entrySite(fn.ID), fn.ID, sig, true)
}

// fail records a failed attempt, applies the deoptimization decision and
// completes the call in the fallback tier.
func (c *Compiler) fail(ctx context.Context, fn *Function, args []tiering.Value, sig string, f *failure) (tiering.Value, error) {
	c.deoptimize(fn, sig, f)
	var cause error
	if ee, ok := f.reason.(deopt.ExecutionError); ok {
		cause = fmt.Errorf("speculative run: %s", ee.Message)
	}
	return c.runFallback(ctx, fn, args, cause)
}

// deoptimize records a failed attempt and applies the deoptimization
// decision.
func (c *Compiler) deoptimize(fn *Function, sig string, f *failure) {
	fn.Executions++
	fn.Metadata.Failures++
	fn.Metadata.SuccessRate = feedback.Smooth(fn.Metadata.SuccessRate, false)
	c.cache.RecordCall(entrySite(fn.ID), fn.ID, sig, false)

	reason := f.reason
	if recent := c.deopt.RecentFailures(fn.ID) + 1; recent >= c.deopt.RepeatedFailureLimit() {
		reason = deopt.RepeatedFailures{Count: recent}
	}
	d := c.deopt.Decide(fn.ID, reason, f.guards, fn.stats())
	fn.Metadata.Deopts++
	fn.Metadata.Level = d.Level
	c.remediate(fn, d, f.guards)
}

// remediate carries out a decision. Bookkeeping is best effort: each step
// stands on its own and a dangling guard is skipped.
func (c *Compiler) remediate(fn *Function, d deopt.Decision, failed []guard.ID) {
	r := d.Remediation
	if r.Permanent {
		c.discardLocked(fn)
		fn.Blacklisted = true
		fn.Artifact = &Artifact{Function: fn.ID}
		c.values.Forget(functionPrefix(fn.ID))
		c.logger.Warn("Function blacklisted", "function", fn.ID, "failure_rate", d.FailureRate, "recent", d.Recent)
		return
	}
	if r.ApplyAdjustments {
		for _, adj := range d.Adjustments {
			if adj.Kind() == deopt.AdjustRemoveGuard {
				c.removeFunctionGuard(fn, adj.Target())
				continue
			}
			_ = c.guards.Adjust(adj.Target(), func(t guard.Type) guard.Type {
				if nt, ok := deopt.Apply(adj, t); ok {
					return nt
				}
				return t
			})
		}
	}
	if r.ShrinkConfidence > 0 {
		c.values.Penalize(functionPrefix(fn.ID), r.ShrinkConfidence)
		for _, id := range fn.PostGuards {
			_ = c.guards.Adjust(id, func(t guard.Type) guard.Type {
				if bp, ok := t.(guard.BranchPrediction); ok {
					bp.Confidence *= r.ShrinkConfidence
					return bp
				}
				return t
			})
		}
	}
	if r.EvictGuards {
		for _, id := range failed {
			c.removeFunctionGuard(fn, id)
		}
	}
	fn.Metadata.RetryAt = c.now().Add(r.RetryDelay)
}

// removeFunctionGuard drops a guard from whichever list of fn holds it.
func (c *Compiler) removeFunctionGuard(fn *Function, id guard.ID) {
	drop := func(ids []guard.ID) ([]guard.ID, bool) {
		for i, g := range ids {
			if g == id {
				return append(ids[:i:i], ids[i+1:]...), true
			}
		}
		return ids, false
	}
	var found bool
	if fn.Guards, found = drop(fn.Guards); !found {
		fn.PostGuards, found = drop(fn.PostGuards)
	}
	if !found && fn.Artifact != nil && fn.Artifact.Variant != nil {
		fn.Artifact.Variant.Guards, found = drop(fn.Artifact.Variant.Guards)
	}
	if found {
		c.guards.RemoveGuard(id)
	}
}

func (c *Compiler) runFallback(ctx context.Context, fn *Function, args []tiering.Value, cause error) (tiering.Value, error) {
	c.fallbacks.Add(1)
	v, err := c.fallback.Execute(ctx, fn.ID, args)
	if err != nil {
		if cause != nil {
			err = fmt.Errorf("%w (after %v)", err, cause)
		}
		return tiering.Null(), specerrors.ExecutionFailed(uint64(fn.ID), err)
	}
	return v, nil
}
