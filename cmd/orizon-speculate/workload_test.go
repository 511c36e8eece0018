package main

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/log"

	"github.com/orizon-lang/orizon-speculate/internal/speculative"
	"github.com/orizon-lang/orizon-speculate/internal/tiering"
)

func TestWorkloadRunsThroughTier(t *testing.T) {
	base := tiering.NewBaselineEngine(tiering.Tier1Baseline)
	comp, err := speculative.New(speculative.DefaultConfig(), base, speculative.WithLogger(log.New()))
	if err != nil {
		t.Fatal(err)
	}
	if err := runWorkload(context.Background(), base, comp, 200, 600, 7, log.New()); err != nil {
		t.Fatalf("runWorkload: %v", err)
	}
	m := comp.Metrics()
	if m.Functions == 0 {
		t.Fatal("no function was compiled")
	}
	if m.Executions == 0 || m.Executions > 600 {
		t.Fatalf("executions = %d, want 1..600", m.Executions)
	}
	if m.SpeculativeAttempts == 0 {
		t.Fatal("no call ran speculatively")
	}
}

func TestWorkloadStopsOnCancel(t *testing.T) {
	base := tiering.NewBaselineEngine(tiering.Tier1Baseline)
	comp, err := speculative.New(speculative.DefaultConfig(), base, speculative.WithLogger(log.New()))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := runWorkload(ctx, base, comp, 10, 100, 1, log.New()); err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestShapeTargets(t *testing.T) {
	seen := map[tiering.FunctionID]bool{}
	for _, k := range []string{"rect", "triangle", "square"} {
		seen[shapeTarget(k)] = true
	}
	if len(seen) != 3 {
		t.Fatalf("targets = %v, want three distinct", seen)
	}
}
