// Package metrics exports the speculative tier's read-only metrics to
// Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/orizon-lang/orizon-speculate/internal/speculative"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/budget"
)

const namespace = "orizon_speculate"

// Source is anything that can produce a tier snapshot; *speculative.Compiler
// satisfies it.
type Source interface {
	Metrics() speculative.Snapshot
}

// Collector turns each scrape into one snapshot of the tier. Values are
// emitted as const metrics so a scrape never observes a half-updated tier.
type Collector struct {
	src Source

	functions       *prometheus.Desc
	blacklisted     *prometheus.Desc
	executions      *prometheus.Desc
	attempts        *prometheus.Desc
	successes       *prometheus.Desc
	fallbacks       *prometheus.Desc
	memoHits        *prometheus.Desc
	successRate     *prometheus.Desc
	guards          *prometheus.Desc
	guardChecks     *prometheus.Desc
	guardFailures   *prometheus.Desc
	guardCost       *prometheus.Desc
	deoptDecisions  *prometheus.Desc
	deoptThreshold  *prometheus.Desc
	cacheSites      *prometheus.Desc
	cacheHitRate    *prometheus.Desc
	polymorphism    *prometheus.Desc
	cacheEvictions  *prometheus.Desc
	cacheClass      *prometheus.Desc
	valueLocations  *prometheus.Desc
	valueSuccess    *prometheus.Desc
	loopsProfiled   *prometheus.Desc
	loopsByStrategy *prometheus.Desc
	loopSuccess     *prometheus.Desc
	componentBytes  *prometheus.Desc
	budgetUsage     *prometheus.Desc
	budgetLimit     *prometheus.Desc
	budgetPressure  *prometheus.Desc
	budgetPolicy    *prometheus.Desc
	budgetRequests  *prometheus.Desc
	budgetGranted   *prometheus.Desc
}

// NewCollector describes every metric of src.
func NewCollector(src Source) *Collector {
	d := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		src:             src,
		functions:       d("functions", "Speculatively compiled functions."),
		blacklisted:     d("blacklisted_functions", "Functions permanently excluded from speculation."),
		executions:      d("executions_total", "Calls routed through the tier."),
		attempts:        d("speculative_attempts_total", "Calls that ran speculative code."),
		successes:       d("speculative_successes_total", "Speculative calls that completed without deoptimizing."),
		fallbacks:       d("fallbacks_total", "Calls served by the fallback tier."),
		memoHits:        d("memo_hits_total", "Calls answered from a constant-argument variant."),
		successRate:     d("speculation_success_rate", "Share of speculative attempts that succeeded."),
		guards:          d("guards", "Live guards."),
		guardChecks:     d("guard_validations_total", "Guard validations performed."),
		guardFailures:   d("guard_failures_total", "Guard validation failures by reason.", "reason"),
		guardCost:       d("guard_validation_seconds", "Average cost of one guard validation."),
		deoptDecisions:  d("deopt_decisions_total", "Deoptimization decisions by level.", "level"),
		deoptThreshold:  d("deopt_threshold", "Current adaptive failure-rate thresholds.", "level"),
		cacheSites:      d("inline_cache_sites", "Call sites held by the inline cache."),
		cacheHitRate:    d("inline_cache_hit_rate", "Inline cache hit rate."),
		polymorphism:    d("inline_cache_average_polymorphism", "Mean number of targets per call site."),
		cacheEvictions:  d("inline_cache_evictions_total", "Call sites evicted from the inline cache."),
		cacheClass:      d("inline_cache_sites_by_class", "Call sites by polymorphism class.", "class"),
		valueLocations:  d("value_locations", "Profiled value locations."),
		valueSuccess:    d("value_speculation_success_rate", "Success rate of value speculation."),
		loopsProfiled:   d("loops", "Profiled loops."),
		loopsByStrategy: d("loops_specialized", "Specialized loops by technique.", "strategy"),
		loopSuccess:     d("loop_specialization_success_rate", "Average success rate of specialized loops."),
		componentBytes:  d("component_memory_bytes", "Estimated memory held by a component.", "component"),
		budgetUsage:     d("budget_usage", "Resource usage drawn from the budget.", "resource"),
		budgetLimit:     d("budget_limit", "Resource ceilings of the budget.", "resource"),
		budgetPressure:  d("budget_pressure", "Pressure per resource; overall is the mean.", "resource"),
		budgetPolicy:    d("budget_policy", "Active allocation policy (1 for the active one).", "policy"),
		budgetRequests:  d("budget_requests_total", "Allocation requests."),
		budgetGranted:   d("budget_granted_total", "Granted allocation requests."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.functions, c.blacklisted, c.executions, c.attempts, c.successes, c.fallbacks, c.memoHits,
		c.successRate, c.guards, c.guardChecks, c.guardFailures, c.guardCost, c.deoptDecisions,
		c.deoptThreshold, c.cacheSites, c.cacheHitRate, c.polymorphism, c.cacheEvictions, c.cacheClass,
		c.valueLocations, c.valueSuccess, c.loopsProfiled, c.loopsByStrategy, c.loopSuccess,
		c.componentBytes, c.budgetUsage, c.budgetLimit, c.budgetPressure, c.budgetPolicy,
		c.budgetRequests, c.budgetGranted,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Metrics()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.functions, float64(s.Functions))
	gauge(c.blacklisted, float64(s.Blacklisted))
	counter(c.executions, s.Executions)
	counter(c.attempts, s.SpeculativeAttempts)
	counter(c.successes, s.SpeculativeSuccesses)
	counter(c.fallbacks, s.Fallbacks)
	counter(c.memoHits, s.MemoHits)
	gauge(c.successRate, s.SuccessRate)

	gauge(c.guards, float64(s.Guards.Guards))
	counter(c.guardChecks, s.Guards.Validations)
	for reason, n := range s.Guards.FailuresByReason {
		counter(c.guardFailures, n, reason.String())
	}
	gauge(c.guardCost, s.Guards.AverageCost.Seconds())

	for level, n := range s.Deopt.Decisions {
		counter(c.deoptDecisions, n, level.String())
	}
	gauge(c.deoptThreshold, s.Deopt.Thresholds.Medium, "medium")
	gauge(c.deoptThreshold, s.Deopt.Thresholds.Hard, "hard")
	gauge(c.deoptThreshold, s.Deopt.Thresholds.Blacklist, "blacklist")

	gauge(c.cacheSites, float64(s.InlineCache.Sites))
	gauge(c.cacheHitRate, s.InlineCache.HitRate)
	gauge(c.polymorphism, s.InlineCache.AveragePolymorphism)
	counter(c.cacheEvictions, s.InlineCache.Evictions)
	for class, n := range s.InlineCache.ByClass {
		gauge(c.cacheClass, float64(n), class.String())
	}

	gauge(c.valueLocations, float64(s.Values.Locations))
	gauge(c.valueSuccess, s.Values.SuccessRate)

	gauge(c.loopsProfiled, float64(s.Loops.Loops))
	for kind, n := range s.Loops.ByKind {
		gauge(c.loopsByStrategy, float64(n), kind.String())
	}
	gauge(c.loopsByStrategy, float64(s.Loops.Combined), "combined")
	gauge(c.loopSuccess, s.Loops.AverageSuccessRate)

	gauge(c.componentBytes, float64(s.InlineCache.MemoryBytes), "inline_cache")
	gauge(c.componentBytes, float64(s.Values.MemoryBytes), "value_speculation")
	gauge(c.componentBytes, float64(s.Loops.MemoryBytes), "loop_specialization")

	b := s.Budget
	for _, r := range []struct {
		name         string
		usage, limit float64
		pressure     float64
	}{
		{"memory_mb", b.Usage.MemoryMB, b.Limits.MemoryMB, b.Pressure.Memory},
		{"guards", float64(b.Usage.Guards), float64(b.Limits.Guards), b.Pressure.Guards},
		{"compile_time_ms", b.Usage.CompileTimeMS, b.Limits.CompileTimeMS, b.Pressure.CompileTime},
		{"depth", float64(b.Usage.Depth), float64(b.Limits.Depth), b.Pressure.Depth},
	} {
		gauge(c.budgetUsage, r.usage, r.name)
		gauge(c.budgetLimit, r.limit, r.name)
		gauge(c.budgetPressure, r.pressure, r.name)
	}
	gauge(c.budgetPressure, b.Pressure.Overall, "overall")
	for _, p := range []budget.Policy{budget.PolicyConservative, budget.PolicyAggressive, budget.PolicyAdaptive, budget.PolicyProfileGuided} {
		v := 0.0
		if p == b.Policy {
			v = 1
		}
		gauge(c.budgetPolicy, v, p.String())
	}
	counter(c.budgetRequests, b.Requests)
	counter(c.budgetGranted, b.Granted)
}
