package speculative

import (
	"github.com/orizon-lang/orizon-speculate/internal/speculative/budget"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/deopt"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/guard"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/inlinecache"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/loopspec"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/valuespec"
)

// BudgetStatus reports the resource ledger.
func (c *Compiler) BudgetStatus() budget.Status { return c.budget.Status() }

// ResourceBreakdown attributes resource usage to requesters and components.
func (c *Compiler) ResourceBreakdown() budget.Breakdown { return c.budget.Breakdown() }

// RequestResourceAllocation lets other tiers draw from the shared budget.
func (c *Compiler) RequestResourceAllocation(req budget.AllocationRequest) budget.AllocationResult {
	return c.budget.RequestAllocation(req)
}

// ReleaseResourceAllocation returns an allocation made through
// RequestResourceAllocation.
func (c *Compiler) ReleaseResourceAllocation(id uint64) bool { return c.budget.Release(id) }

// EmergencyBudgetCleanup forces an emergency cleanup regardless of pressure.
func (c *Compiler) EmergencyBudgetCleanup() budget.CleanupReport { return c.budget.EmergencyCleanup(true) }

// CacheHitRate is the inline cache hit rate.
func (c *Compiler) CacheHitRate() float64 { return c.cache.Stats().HitRate }

// AveragePolymorphism is the mean number of targets per cached call site.
func (c *Compiler) AveragePolymorphism() float64 { return c.cache.Stats().AveragePolymorphism }

// SpeculationSuccessRate is the share of speculative attempts that completed
// without deoptimizing.
func (c *Compiler) SpeculationSuccessRate() float64 {
	attempts := c.speculativeAttempts.Load()
	if attempts == 0 {
		return 1
	}
	return float64(c.speculativeSuccesses.Load()) / float64(attempts)
}

// BudgetUtilization is the overall budget pressure.
func (c *Compiler) BudgetUtilization() float64 { return c.budget.Utilization() }

// Snapshot is a point-in-time view of every subsystem.
type Snapshot struct {
	Functions            int
	Blacklisted          int
	Executions           uint64
	SpeculativeAttempts  uint64
	SpeculativeSuccesses uint64
	Fallbacks            uint64
	MemoHits             uint64
	SuccessRate          float64
	Guards               guard.Stats
	Deopt                deopt.Stats
	InlineCache          inlinecache.Stats
	Values               valuespec.Stats
	Loops                loopspec.Stats
	Budget               budget.Status
}

// Metrics returns a snapshot of the tier.
func (c *Compiler) Metrics() Snapshot {
	s := Snapshot{
		Executions:           c.executions.Load(),
		SpeculativeAttempts:  c.speculativeAttempts.Load(),
		SpeculativeSuccesses: c.speculativeSuccesses.Load(),
		Fallbacks:            c.fallbacks.Load(),
		MemoHits:             c.memoHits.Load(),
		SuccessRate:          c.SpeculationSuccessRate(),
		Guards:               c.guards.Stats(),
		Deopt:                c.deopt.Stats(),
		InlineCache:          c.cache.Stats(),
		Values:               c.values.Stats(),
		Loops:                c.loops.Stats(),
		Budget:               c.budget.Status(),
	}
	c.mu.RLock()
	s.Functions = len(c.functions)
	c.mu.RUnlock()
	s.Blacklisted = s.Deopt.Blacklisted
	return s
}
