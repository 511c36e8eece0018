package speculative

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/orizon-speculate/internal/speculative/inlinecache"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/loopspec"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/valuespec"
	"github.com/orizon-lang/orizon-speculate/internal/tiering"
)

// OpportunityKind names what a speculation opportunity assumes.
type OpportunityKind int

const (
	OpportunityType OpportunityKind = iota
	OpportunityValue
	OpportunityBranch
	OpportunityCallSite
	OpportunityLoop
)

func (k OpportunityKind) String() string {
	switch k {
	case OpportunityType:
		return "type"
	case OpportunityValue:
		return "value"
	case OpportunityBranch:
		return "branch"
	case OpportunityCallSite:
		return "call_site"
	case OpportunityLoop:
		return "loop"
	}
	return "unknown"
}

// Opportunity is one assumption worth speculating on. Benefit is the
// fraction of the function's cost it is expected to remove.
type Opportunity struct {
	Kind    OpportunityKind
	Benefit float64

	Arg        int
	ArgKind    tiering.ValueKind
	FieldCount int // object shape, -1 when unknown

	Recommendation valuespec.Recommendation

	Branch      tiering.BranchID
	ExpectTaken bool
	Bias        float64

	Site   tiering.SiteID
	Target tiering.FunctionID
	Class  inlinecache.Class

	Loop     tiering.LoopID
	Strategy loopspec.Strategy
}

type analysis struct {
	types, values, branches, calls, loops []Opportunity
}

func (a *analysis) all() []Opportunity {
	out := make([]Opportunity, 0, len(a.types)+len(a.values)+len(a.branches)+len(a.calls)+len(a.loops))
	for _, group := range [][]Opportunity{a.types, a.values, a.branches, a.calls, a.loops} {
		out = append(out, group...)
	}
	return out
}

// analyze runs the five opportunity analyses in parallel. Each writes only
// its own slice; the subsystems they seed are internally synchronized.
func (c *Compiler) analyze(ctx context.Context, id tiering.FunctionID, src *tiering.Source, pd *tiering.ProfileData) (*analysis, error) {
	a := new(analysis)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.types = c.analyzeTypes(pd)
		return ctx.Err()
	})
	g.Go(func() error {
		a.values = c.analyzeValues(id, src, pd)
		return ctx.Err()
	})
	g.Go(func() error {
		a.branches = c.analyzeBranches(pd)
		return ctx.Err()
	})
	g.Go(func() error {
		a.calls = c.analyzeCallSites(pd)
		return ctx.Err()
	})
	g.Go(func() error {
		a.loops = c.analyzeLoops(src, pd)
		return ctx.Err()
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return a, nil
}

func (c *Compiler) analyzeTypes(pd *tiering.ProfileData) []Opportunity {
	var out []Opportunity
	for _, ap := range pd.Arguments {
		kind, share := ap.DominantKind()
		if share < c.cfg.Compiler.TypeStabilityThreshold {
			continue
		}
		o := Opportunity{Kind: OpportunityType, Benefit: 0.15 * share, Arg: ap.Index, ArgKind: kind, FieldCount: -1}
		if kind == tiering.KindObject {
			o.FieldCount = uniformLen(ap.Values)
		}
		out = append(out, o)
	}
	return out
}

// uniformLen returns the shared length of all sampled values, or -1.
func uniformLen(samples []tiering.ValueSample) int {
	n := -1
	for _, s := range samples {
		switch {
		case n < 0:
			n = s.Value.Len()
		case s.Value.Len() != n:
			return -1
		}
	}
	return n
}

// analyzeValues seeds the value engine from the argument samples and asks it
// for recommendations. Only pure functions get a constant-argument variant.
func (c *Compiler) analyzeValues(id tiering.FunctionID, src *tiering.Source, pd *tiering.ProfileData) []Opportunity {
	var out []Opportunity
	for _, ap := range pd.Arguments {
		loc := argLocation(id, ap.Index)
		if _, seen := c.values.Profile(loc); !seen {
			c.seedValues(loc, ap, pd.ExecutionCount)
		}
		if !src.Pure {
			continue
		}
		rec, ok := c.values.Recommendation(loc)
		if !ok {
			continue
		}
		out = append(out, Opportunity{Kind: OpportunityValue, Benefit: 0.25 * rec.Confidence, Arg: ap.Index, Recommendation: rec})
	}
	return out
}

// seedValues replays a lower tier's samples scaled to SeedObservations so the
// sampled frequencies carry over.
func (c *Compiler) seedValues(loc valuespec.Location, ap tiering.ArgumentProfile, executions uint64) {
	if executions == 0 {
		return
	}
	for _, s := range ap.Values {
		n := int(math.Round(float64(s.Count) * float64(c.cfg.Compiler.SeedObservations) / float64(executions)))
		for i := 0; i < max(n, 1); i++ {
			c.values.RecordValue(loc, s.Value)
		}
	}
}

func (c *Compiler) analyzeBranches(pd *tiering.ProfileData) []Opportunity {
	var out []Opportunity
	for _, bp := range pd.Branches {
		taken, p := bp.Bias()
		if p < c.cfg.Compiler.BranchBiasThreshold {
			continue
		}
		out = append(out, Opportunity{Kind: OpportunityBranch, Benefit: 0.1 * p, Branch: bp.Branch, ExpectTaken: taken, Bias: p})
	}
	return out
}

// analyzeCallSites seeds the inline cache with the profiled targets of every
// site and rates the site by its class.
func (c *Compiler) analyzeCallSites(pd *tiering.ProfileData) []Opportunity {
	var out []Opportunity
	for _, cs := range pd.CallSites {
		if _, seen := c.cache.Site(cs.Site); !seen {
			for _, t := range cs.Targets {
				for i := uint64(0); i < min(t.Count, 32); i++ {
					c.cache.RecordCall(cs.Site, t.Target, t.Signature, true)
				}
			}
		}
		site, ok := c.cache.Site(cs.Site)
		if !ok || len(site.Entries) == 0 {
			continue
		}
		o := Opportunity{Kind: OpportunityCallSite, Site: cs.Site, Class: site.Class, Target: site.Entries[0].Target}
		switch site.Class {
		case inlinecache.Monomorphic:
			o.Benefit = 0.2
		case inlinecache.Polymorphic:
			o.Benefit = 0.1
		default:
			continue
		}
		out = append(out, o)
	}
	return out
}

func (c *Compiler) analyzeLoops(src *tiering.Source, pd *tiering.ProfileData) []Opportunity {
	samples := make(map[tiering.LoopID]tiering.LoopSample, len(pd.Loops))
	for _, ls := range pd.Loops {
		samples[ls.Loop] = ls
	}
	maxNesting := c.allowedDepth()
	var out []Opportunity
	for _, structure := range src.Loops {
		if structure.Nesting >= maxNesting {
			continue
		}
		if _, seen := c.loops.Profile(structure.Loop); !seen {
			if s, ok := samples[structure.Loop]; ok {
				c.loops.Seed(structure, s)
			}
		}
		s, ok := c.loops.DetermineStrategy(structure.Loop)
		if !ok {
			continue
		}
		out = append(out, Opportunity{
			Kind:     OpportunityLoop,
			Benefit:  math.Min(0.5, (s.EstimatedSpeedup()-1)/4),
			Loop:     structure.Loop,
			Strategy: s,
		})
	}
	return out
}

// allowedDepth is the loop nesting the budget still admits.
func (c *Compiler) allowedDepth() int {
	s := c.budget.Status()
	return s.Limits.Depth - s.Usage.Depth
}

// estimateBenefit combines independent opportunities as 1 - prod(1 - b)
// and scales the result by how hot the function is.
func (c *Compiler) estimateBenefit(opps []Opportunity, executions uint64) float64 {
	miss := 1.0
	for _, o := range opps {
		miss *= 1 - math.Max(0, math.Min(1, o.Benefit))
	}
	hotness := math.Min(1, float64(executions)/float64(c.cfg.Compiler.HotExecutions))
	return (1 - miss) * hotness
}
