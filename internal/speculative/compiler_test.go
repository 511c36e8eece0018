package speculative

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"

	specerrors "github.com/orizon-lang/orizon-speculate/internal/errors"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/budget"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/deopt"
	"github.com/orizon-lang/orizon-speculate/internal/tiering"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	base  *tiering.BaselineEngine
	comp  *Compiler
	clock *clock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	base := tiering.NewBaselineEngine(tiering.Tier1Baseline)
	comp, err := New(cfg, base, WithClock(clk.now), WithLogger(log.New()))
	if err != nil {
		t.Fatal(err)
	}
	return &harness{base: base, comp: comp, clock: clk}
}

// warm registers src with the baseline tier and runs it n times with args.
func (h *harness) warm(t *testing.T, id tiering.FunctionID, src *tiering.Source, n int, args ...tiering.Value) {
	t.Helper()
	h.base.Register(id, src)
	for i := 0; i < n; i++ {
		if _, err := h.base.Execute(context.Background(), id, args); err != nil {
			t.Fatal(err)
		}
	}
}

// square is pure, branches on the sign of its argument and calls site 10.
func square() *tiering.Source {
	return &tiering.Source{
		Name:      "square",
		Arity:     1,
		Pure:      true,
		Branches:  []tiering.BranchID{1},
		CallSites: []tiering.SiteID{10},
		Body: func(f *tiering.Frame, args []tiering.Value) (tiering.Value, error) {
			x, ok := args[0].Numeric()
			if !ok {
				return tiering.Int(0), nil
			}
			if f.Branch(1, x > 0) {
				f.Call(10, 99, args)
			}
			return tiering.Int(int64(x * x)), nil
		},
	}
}

func TestColdFunctionRejected(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	src := square()
	h.warm(t, 1, src, 5, tiering.Int(7))
	err := h.comp.CompileFunction(context.Background(), 1, src)
	if !errors.Is(err, specerrors.ErrCompilationFailed) {
		t.Fatalf("err = %v, want compilation failure", err)
	}
	var se *specerrors.SpeculationError
	if !errors.As(err, &se) || se.Code != "INSUFFICIENT_BENEFIT" {
		t.Fatalf("err = %#v", err)
	}
	if _, err := h.comp.Execute(context.Background(), 1, []tiering.Value{tiering.Int(7)}); specerrors.KindOf(err) != specerrors.KindInvalidState {
		t.Fatalf("execute of uncompiled function: %v", err)
	}
}

func TestProfileSchemaChecked(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	src := square()
	h.warm(t, 1, src, 200, tiering.Int(7))
	pd, _ := h.base.CollectProfileData(1)
	pd.SchemaVersion = "2.0.0"
	src.Profile = pd
	if err := h.comp.CompileFunction(context.Background(), 1, src); !errors.Is(err, specerrors.ErrCompilationFailed) {
		t.Fatalf("incompatible profile accepted: %v", err)
	}
}

func TestGuardedRunAndMemo(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	src := square()
	h.warm(t, 1, src, 200, tiering.Int(7))
	if err := h.comp.CompileFunction(context.Background(), 1, src); err != nil {
		t.Fatal(err)
	}
	fn, _ := h.comp.Function(1)
	if len(fn.Guards) == 0 || len(fn.PostGuards) < 2 || fn.Artifact.Variant == nil {
		t.Fatalf("artifact = %+v guards=%v post=%v", fn.Artifact, fn.Guards, fn.PostGuards)
	}
	if _, ok := fn.Artifact.Dispatch[10]; !ok {
		t.Fatal("missing dispatch plan for site 10")
	}

	for _, tc := range []struct {
		arg, want int64
	}{{7, 49}, {7, 49}, {3, 9}} {
		v, err := h.comp.Execute(context.Background(), 1, []tiering.Value{tiering.Int(tc.arg)})
		if err != nil || !v.Equal(tiering.Int(tc.want)) {
			t.Fatalf("Execute(%d) = %v, %v", tc.arg, v, err)
		}
	}
	m := h.comp.Metrics()
	if m.MemoHits != 1 || m.SpeculativeSuccesses != 3 || m.Fallbacks != 0 {
		t.Fatalf("metrics = %+v", m)
	}
	if h.comp.SpeculationSuccessRate() != 1 || h.comp.CacheHitRate() <= 0 {
		t.Fatalf("success %.2f hit rate %.2f", h.comp.SpeculationSuccessRate(), h.comp.CacheHitRate())
	}
}

func TestGuardFailureFallsBackAndRelaxes(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	src := square()
	h.warm(t, 1, src, 200, tiering.Int(7))
	if err := h.comp.CompileFunction(context.Background(), 1, src); err != nil {
		t.Fatal(err)
	}
	v, err := h.comp.Execute(context.Background(), 1, []tiering.Value{tiering.String("x")})
	if err != nil || !v.Equal(tiering.Int(0)) {
		t.Fatalf("fallback result = %v, %v", v, err)
	}
	fn, _ := h.comp.Function(1)
	if fn.Metadata.Deopts != 1 || fn.Metadata.Level != deopt.LevelSoft || !fn.Metadata.RetryAt.After(h.clock.t) {
		t.Fatalf("metadata = %+v", fn.Metadata)
	}

	// inside the retry delay the fallback tier serves the call
	before := h.comp.Metrics().Fallbacks
	h.comp.Execute(context.Background(), 1, []tiering.Value{tiering.String("y")})
	if h.comp.Metrics().Fallbacks != before+1 {
		t.Fatal("retry delay not honoured")
	}

	h.clock.advance(time.Second)
	if _, err := h.comp.Execute(context.Background(), 1, []tiering.Value{tiering.String("z")}); err != nil {
		t.Fatal(err)
	}
	fn, _ = h.comp.Function(1)
	if fn.Metadata.Deopts != 1 {
		t.Fatalf("relaxed type guard still failing: %+v", fn.Metadata)
	}
}

func TestRepeatedMispredictionBlacklists(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	src := square()
	h.warm(t, 2, src, 200, tiering.Int(5))
	if err := h.comp.CompileFunction(context.Background(), 2, src); err != nil {
		t.Fatal(err)
	}
	guardsBefore := h.comp.Metrics().Guards.Guards
	if guardsBefore == 0 {
		t.Fatal("no guards created")
	}

	for i := 0; i < 30; i++ {
		h.clock.advance(2 * time.Second)
		v, err := h.comp.Execute(context.Background(), 2, []tiering.Value{tiering.Int(-3)})
		if err != nil || !v.Equal(tiering.Int(9)) {
			t.Fatalf("call %d = %v, %v", i, v, err)
		}
	}
	fn, _ := h.comp.Function(2)
	if !fn.Blacklisted || fn.Metadata.Level != deopt.LevelBlacklist {
		t.Fatalf("function not blacklisted: %+v", fn.Metadata)
	}
	if n := h.comp.Metrics().Guards.Guards; n != 0 {
		t.Fatalf("%d guards survive the blacklist", n)
	}
	if s := h.comp.BudgetStatus(); s.Allocations != 0 {
		t.Fatalf("blacklisted function still holds %d allocations", s.Allocations)
	}
	if err := h.comp.CompileFunction(context.Background(), 2, src); !errors.Is(err, specerrors.ErrCompilationFailed) {
		t.Fatalf("recompile of blacklisted function: %v", err)
	}
}

// counting is square with a side effect: every run bumps *runs.
func counting(runs *int) *tiering.Source {
	src := square()
	src.Name = "counting"
	src.Pure = false
	body := src.Body
	src.Body = func(f *tiering.Frame, args []tiering.Value) (tiering.Value, error) {
		*runs++
		if x, ok := args[0].Numeric(); ok && x > 100 {
			return tiering.Null(), errors.New("too large")
		}
		return body(f, args)
	}
	return src
}

func TestImpureBodyRunsOncePerCall(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	var runs int
	src := counting(&runs)
	h.warm(t, 4, src, 200, tiering.Int(3))
	if err := h.comp.CompileFunction(context.Background(), 4, src); err != nil {
		t.Fatal(err)
	}
	fn, _ := h.comp.Function(4)
	if len(fn.PostGuards) != 0 || len(fn.Artifact.Loops) != 0 || fn.Artifact.Variant != nil {
		t.Fatalf("impure function carries post-run speculation: post=%v loops=%v", fn.PostGuards, fn.Artifact.Loops)
	}
	if len(fn.Guards) == 0 {
		t.Fatal("entry guards missing")
	}

	// a negative argument flips branch 1, which was biased during warm-up
	runs = 0
	v, err := h.comp.Execute(context.Background(), 4, []tiering.Value{tiering.Int(-1)})
	if err != nil || !v.Equal(tiering.Int(1)) {
		t.Fatalf("Execute(-1) = %v, %v", v, err)
	}
	if runs != 1 {
		t.Fatalf("body ran %d times for one call", runs)
	}

	// a failing run is reported, not replayed
	runs = 0
	_, err = h.comp.Execute(context.Background(), 4, []tiering.Value{tiering.Int(500)})
	if !errors.Is(err, specerrors.ErrExecutionFailed) {
		t.Fatalf("err = %v, want execution failure", err)
	}
	if runs != 1 {
		t.Fatalf("failing body ran %d times for one call", runs)
	}
	if fn, _ := h.comp.Function(4); fn.Metadata.Deopts != 1 || h.comp.Metrics().Fallbacks != 0 {
		t.Fatalf("deopts = %d, fallbacks = %d", fn.Metadata.Deopts, h.comp.Metrics().Fallbacks)
	}
}

func TestBudgetDenial(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Budget.MaxGuards = 1
	h := newHarness(t, cfg)
	src := square()
	h.warm(t, 1, src, 200, tiering.Int(7))
	err := h.comp.CompileFunction(context.Background(), 1, src)
	if !errors.Is(err, specerrors.ErrResourceExhaustion) {
		t.Fatalf("err = %v, want resource exhaustion", err)
	}
	if d, ok := specerrors.RetryAfter(err); !ok || d <= 0 {
		t.Fatalf("retry hint = %v, %v", d, ok)
	}
}

func TestLoopSpecialization(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	src := &tiering.Source{
		Name:     "sum16",
		Arity:    1,
		Pure:     true,
		Branches: []tiering.BranchID{1},
		Loops:    []tiering.LoopStructure{{Loop: 1, Instructions: 8, MemoryOps: 1}},
		Body: func(f *tiering.Frame, args []tiering.Value) (tiering.Value, error) {
			n := args[0].Int
			f.Branch(1, n > 0)
			f.Loop(1, uint64(n))
			f.MemoryAccess(1, 1)
			return tiering.Int(n * (n - 1) / 2), nil
		},
	}
	h.warm(t, 3, src, 200, tiering.Int(16))
	if err := h.comp.CompileFunction(context.Background(), 3, src); err != nil {
		t.Fatal(err)
	}
	fn, _ := h.comp.Function(3)
	sl, ok := fn.Artifact.Loops[1]
	if !ok || !sl.Strategy.Has(1) {
		t.Fatalf("loop not specialized: %+v", fn.Artifact.Loops)
	}
	if v, err := h.comp.Execute(context.Background(), 3, []tiering.Value{tiering.Int(16)}); err != nil || !v.Equal(tiering.Int(120)) {
		t.Fatalf("Execute = %v, %v", v, err)
	}
	if s := h.comp.Metrics().Loops; s.Specialized != 1 || s.AverageSuccessRate != 1 {
		t.Fatalf("loop stats = %+v", s)
	}
	pd, ok := h.comp.CollectProfileData(3)
	if !ok || pd.Tier != tiering.Tier4Speculative || len(pd.Loops) != 1 {
		t.Fatalf("profile = %+v", pd)
	}
}

func TestConcurrentCompileAndExecute(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	src := square()
	h.warm(t, 1, src, 200, tiering.Int(7))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.comp.CompileFunction(context.Background(), 1, src); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	const workers, calls = 8, 50
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				arg := int64(7)
				if j%5 == 0 {
					arg = int64(i + 1)
				}
				v, err := h.comp.Execute(context.Background(), 1, []tiering.Value{tiering.Int(arg)})
				if err != nil || !v.Equal(tiering.Int(arg*arg)) {
					t.Errorf("Execute(%d) = %v, %v", arg, v, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	if m := h.comp.Metrics(); m.Executions != workers*calls || m.Functions != 1 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestAdminSurface(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	res := h.comp.RequestResourceAllocation(budget.AllocationRequest{Requester: "T3", MemoryMB: 16, Priority: budget.PriorityNormal})
	if !res.Granted {
		t.Fatalf("denied: %s", res.Reason)
	}
	if got := h.comp.ResourceBreakdown().ByRequester["T3"].MemoryMB; got != 16 {
		t.Fatalf("breakdown memory = %v", got)
	}
	if h.comp.BudgetUtilization() <= 0 {
		t.Fatal("utilization not reported")
	}
	if !h.comp.ReleaseResourceAllocation(res.ID) || h.comp.BudgetStatus().Usage.MemoryMB != 0 {
		t.Fatal("release failed")
	}
	if rep := h.comp.EmergencyBudgetCleanup(); !rep.Triggered {
		t.Fatal("forced cleanup did not run")
	}
	if h.comp.TierLevel() != tiering.Tier4Speculative || h.comp.ShouldPromote(1) {
		t.Fatal("tier contract")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Compiler.ProfileConstraint = "not a constraint"
	if _, err := New(cfg, tiering.NewBaselineEngine(tiering.Tier1Baseline)); err == nil {
		t.Fatal("bad constraint accepted")
	}
	cfg = DefaultConfig()
	cfg.Deopt.HardThreshold = 0.05
	if cfg.Validate() == nil {
		t.Fatal("unordered thresholds accepted")
	}
}

func TestReconfigure(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	cfg := DefaultConfig()
	cfg.Budget.Policy = budget.PolicyConservative
	cfg.Budget.AutoPolicy = false
	cfg.Deopt.HardThreshold = 0.4
	cfg.Deopt.MinExecutionsForDecision = 3
	cfg.Compiler.MinBenefit = 0.9
	if err := h.comp.Reconfigure(cfg); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if got := h.comp.BudgetStatus().Policy; got != budget.PolicyConservative {
		t.Fatalf("policy = %v, want conservative", got)
	}
	if got := h.comp.Metrics().Deopt.Thresholds.Hard; got != 0.4 {
		t.Fatalf("hard threshold = %v, want 0.4", got)
	}
	live := h.comp.Config()
	if live.Deopt != cfg.Deopt || live.Budget != cfg.Budget {
		t.Fatalf("live config not updated: %+v", live)
	}
	if live.Compiler.MinBenefit != DefaultConfig().Compiler.MinBenefit {
		t.Fatalf("compiler section changed to %+v", live.Compiler)
	}

	bad := DefaultConfig()
	bad.Compiler.MinBenefit = 2
	if err := h.comp.Reconfigure(bad); specerrors.KindOf(err) != specerrors.KindInvalidState {
		t.Fatalf("invalid config: %v", err)
	}
	if got := h.comp.BudgetStatus().Policy; got != budget.PolicyConservative {
		t.Fatalf("rejected config changed the policy to %v", got)
	}
}
