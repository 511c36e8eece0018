package main

import (
	"context"
	"errors"
	"math/rand"

	"github.com/ethereum/go-ethereum/log"

	specerrors "github.com/orizon-lang/orizon-speculate/internal/errors"
	"github.com/orizon-lang/orizon-speculate/internal/speculative"
	"github.com/orizon-lang/orizon-speculate/internal/tiering"
)

// program is one synthetic function of the demo workload together with the
// argument generator that drives it.
type program struct {
	id   tiering.FunctionID
	src  *tiering.Source
	args func(r *rand.Rand) []tiering.Value
}

// programs builds a workload that exercises every kind of speculation:
// constant arguments, a biased branch, monomorphic and polymorphic call
// sites, and a hot counted loop with an invariant.
func programs() []program {
	return []program{
		{
			id: 1,
			src: &tiering.Source{
				Name: "square", Arity: 1, Pure: true,
				Branches:  []tiering.BranchID{1},
				CallSites: []tiering.SiteID{10},
				Body: func(f *tiering.Frame, args []tiering.Value) (tiering.Value, error) {
					x, ok := args[0].Numeric()
					if !ok {
						return tiering.Null(), errors.New("square: non-numeric argument")
					}
					if f.Branch(1, x >= 0) {
						f.Call(10, 100, args)
					}
					return tiering.Float(x * x), nil
				},
			},
			args: func(r *rand.Rand) []tiering.Value {
				if r.Intn(50) == 0 {
					return []tiering.Value{tiering.Int(-r.Int63n(10))}
				}
				return []tiering.Value{tiering.Int(12)}
			},
		},
		{
			id: 2,
			src: &tiering.Source{
				Name: "scale", Arity: 2, Pure: true,
				Branches: []tiering.BranchID{2},
				Loops:    []tiering.LoopStructure{{Loop: 20, Instructions: 6, MemoryOps: 2}},
				Body: func(f *tiering.Frame, args []tiering.Value) (tiering.Value, error) {
					xs, factor := args[0], args[1]
					k, _ := factor.Numeric()
					f.Loop(20, uint64(len(xs.Elems)))
					f.LoopInvariant(20, "factor", factor)
					out := make([]tiering.Value, len(xs.Elems))
					for i, e := range xs.Elems {
						f.MemoryAccess(20, 1)
						v, _ := e.Numeric()
						out[i] = tiering.Float(v * k)
					}
					f.Branch(2, len(out) > 0)
					return tiering.Array(out...), nil
				},
			},
			args: func(r *rand.Rand) []tiering.Value {
				xs := make([]tiering.Value, 16)
				for i := range xs {
					xs[i] = tiering.Int(r.Int63n(100))
				}
				return []tiering.Value{tiering.Array(xs...), tiering.Int(3)}
			},
		},
		{
			id: 3,
			src: &tiering.Source{
				Name: "dispatch", Arity: 1, Pure: true,
				CallSites: []tiering.SiteID{30},
				Branches:  []tiering.BranchID{3},
				Body: func(f *tiering.Frame, args []tiering.Value) (tiering.Value, error) {
					shape := args[0]
					area := 0.0
					if f.Branch(3, shape.Kind == tiering.KindObject) {
						kind := shape.Fields["kind"].Str
						f.Call(30, shapeTarget(kind), args)
						w, _ := shape.Fields["w"].Numeric()
						h, _ := shape.Fields["h"].Numeric()
						area = w * h
						if kind == "triangle" {
							area /= 2
						}
					}
					return tiering.Float(area), nil
				},
			},
			args: func(r *rand.Rand) []tiering.Value {
				kinds := []string{"rect", "triangle", "square"}
				return []tiering.Value{tiering.Object(map[string]tiering.Value{
					"kind": tiering.String(kinds[r.Intn(len(kinds))]),
					"w":    tiering.Int(r.Int63n(20) + 1),
					"h":    tiering.Int(r.Int63n(20) + 1),
				})}
			},
		},
	}
}

func shapeTarget(kind string) tiering.FunctionID {
	switch kind {
	case "rect":
		return 301
	case "triangle":
		return 302
	}
	return 303
}

// runWorkload warms every program in the baseline tier, compiles it into
// the speculative tier and then routes calls through the tier until ctx is
// done or calls are exhausted.
func runWorkload(ctx context.Context, base *tiering.BaselineEngine, comp *speculative.Compiler,
	warmup, calls int, seed int64, logger log.Logger) error {
	r := rand.New(rand.NewSource(seed))
	progs := programs()
	for _, p := range progs {
		base.Register(p.id, p.src)
		for i := 0; i < warmup; i++ {
			if _, err := base.Execute(ctx, p.id, p.args(r)); err != nil {
				logger.Debug("Baseline call failed", "function", p.src.Name, "err", err)
			}
		}
		compile(ctx, comp, p, logger)
	}
	for i := 0; i < calls; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := progs[r.Intn(len(progs))]
		_, err := comp.Execute(ctx, p.id, p.args(r))
		switch {
		case err == nil:
		case specerrors.KindOf(err) == specerrors.KindInvalidState:
			// Not compiled yet, or dropped after a budget cleanup.
			compile(ctx, comp, p, logger)
		default:
			logger.Debug("Call failed", "function", p.src.Name, "err", err)
		}
	}
	return nil
}

func compile(ctx context.Context, comp *speculative.Compiler, p program, logger log.Logger) {
	err := comp.CompileFunction(ctx, p.id, p.src)
	if err == nil {
		return
	}
	if retry, ok := specerrors.RetryAfter(err); ok {
		logger.Info("Compilation deferred by budget", "function", p.src.Name, "retry", retry)
		return
	}
	logger.Info("Compilation skipped", "function", p.src.Name, "err", err)
}
