// Package loopspec profiles loops and specializes the hot ones by unrolling,
// vectorizing, hoisting invariants or specializing on a trip count.
package loopspec

import (
	"sort"
	"sync"

	"github.com/orizon-lang/orizon-speculate/internal/speculative/feedback"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/guard"
	"github.com/orizon-lang/orizon-speculate/internal/tiering"
)

// Config tunes loop profiling and strategy selection.
type Config struct {
	MaxHistogramBuckets         int     `yaml:"max_histogram_buckets"`
	MaxAccessSamples            int     `yaml:"max_access_samples"`
	MinExecutions               uint64  `yaml:"min_executions"`
	UnrollMinIterations         float64 `yaml:"unroll_min_iterations"`
	UnrollMaxInstructions       int     `yaml:"unroll_max_instructions"`
	MaxUnrollFactor             int     `yaml:"max_unroll_factor"`
	LowStride                   int64   `yaml:"low_stride"`
	InvariantStabilityThreshold float64 `yaml:"invariant_stability_threshold"`
	MinInvariantObservations    uint64  `yaml:"min_invariant_observations"`
	IterationDominance          float64 `yaml:"iteration_dominance"`
	InvalidateBelow             float64 `yaml:"invalidate_below"`
	MinValidations              uint64  `yaml:"min_validations"`
	// VectorWidth overrides SIMD detection when positive.
	VectorWidth int `yaml:"vector_width"`
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		MaxHistogramBuckets:         32,
		MaxAccessSamples:            64,
		MinExecutions:               4,
		UnrollMinIterations:         4,
		UnrollMaxInstructions:       20,
		MaxUnrollFactor:             8,
		LowStride:                   2,
		InvariantStabilityThreshold: 0.9,
		MinInvariantObservations:    4,
		IterationDominance:          0.7,
		InvalidateBelow:             0.5,
		MinValidations:              8,
	}
}

// AccessPattern classifies the dominant memory stride of a loop.
type AccessPattern int

const (
	AccessUnknown AccessPattern = iota
	AccessSequential
	AccessLowStride
	AccessStrided
	AccessIrregular
)

func (a AccessPattern) String() string {
	switch a {
	case AccessSequential:
		return "sequential"
	case AccessLowStride:
		return "low_stride"
	case AccessStrided:
		return "strided"
	case AccessIrregular:
		return "irregular"
	}
	return "unknown"
}

// Complexity is the static shape of the loop body.
type Complexity struct {
	Instructions int
	Calls        int
	MemoryOps    int
	Nesting      int
}

// InvariantCandidate tracks how often a candidate kept its previous value.
type InvariantCandidate struct {
	Name         string
	Last         tiering.Value
	Observations uint64
	Unchanged    uint64
}

// Stability is the share of observations equal to their predecessor.
func (c InvariantCandidate) Stability() float64 {
	if c.Observations < 2 {
		return 0
	}
	return float64(c.Unchanged) / float64(c.Observations-1)
}

// LoopProfile is everything known about one loop.
type LoopProfile struct {
	Loop              tiering.LoopID
	Executions        uint64
	AverageIterations float64
	Histogram         map[uint64]uint64
	Complexity        Complexity
	Invariants        map[string]*InvariantCandidate
	Strides           []int64
}

// DominantIterationCount returns the most frequent trip count and the share
// of executions it covers.
func (p *LoopProfile) DominantIterationCount() (uint64, float64) {
	var best, count uint64
	for it, c := range p.Histogram {
		if c > count || (c == count && it < best) {
			best, count = it, c
		}
	}
	if p.Executions == 0 {
		return 0, 0
	}
	return best, float64(count) / float64(p.Executions)
}

// Pattern classifies the recorded strides.
func (p *LoopProfile) Pattern(lowStride int64) AccessPattern {
	if len(p.Strides) == 0 {
		return AccessUnknown
	}
	counts := make(map[int64]int)
	for _, s := range p.Strides {
		counts[s]++
	}
	var dom int64
	best := 0
	for s, c := range counts {
		if c > best || (c == best && abs(s) < abs(dom)) {
			dom, best = s, c
		}
	}
	if best*2 < len(p.Strides) {
		return AccessIrregular
	}
	switch {
	case dom == 1:
		return AccessSequential
	case abs(dom) <= lowStride && dom != 0:
		return AccessLowStride
	}
	return AccessStrided
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

func (p *LoopProfile) bytes() int {
	n := 160 + 16*len(p.Histogram) + 8*len(p.Strides)
	for name, c := range p.Invariants {
		n += 64 + len(name) + c.Last.SizeBytes()
	}
	return n
}

// SpecializedLoop is a compiled specialization and its track record.
type SpecializedLoop struct {
	Loop                tiering.LoopID
	Strategy            Strategy
	Plan                LoopPlan
	Guards              []guard.ID
	EstimatedSpeedup    float64
	MeasuredImprovement float64
	SuccessRate         float64
	Validations         uint64
}

// Outcome reports what RecordExecution observed.
type Outcome struct {
	Specialized bool
	Valid       bool
	Invalidated bool
	Failed      []guard.ID
}

// Stats summarizes the engine.
type Stats struct {
	Loops              int
	Specialized        int
	ByKind             map[StrategyKind]int
	Combined           int
	AverageSuccessRate float64
	MemoryBytes        int
}

// Engine is the loop specialization engine. Guards it creates live in the
// shared guard manager and are referenced by ID.
type Engine struct {
	mu          sync.Mutex
	cfg         Config
	guards      *guard.Manager
	profiles    map[tiering.LoopID]*LoopProfile
	specialized map[tiering.LoopID]*SpecializedLoop
	vectorWidth int
}

// NewEngine creates an engine that registers guards in guards.
func NewEngine(cfg Config, guards *guard.Manager) *Engine {
	w := cfg.VectorWidth
	if w <= 0 {
		w = DetectVectorWidth()
	}
	return &Engine{
		cfg:         cfg,
		guards:      guards,
		profiles:    make(map[tiering.LoopID]*LoopProfile),
		specialized: make(map[tiering.LoopID]*SpecializedLoop),
		vectorWidth: w,
	}
}

func (e *Engine) profileLocked(s tiering.LoopStructure) *LoopProfile {
	p, ok := e.profiles[s.Loop]
	if !ok {
		p = &LoopProfile{
			Loop:       s.Loop,
			Histogram:  make(map[uint64]uint64),
			Invariants: make(map[string]*InvariantCandidate),
		}
		e.profiles[s.Loop] = p
	}
	p.Complexity = Complexity{Instructions: s.Instructions, Calls: s.Calls, MemoryOps: s.MemoryOps, Nesting: s.Nesting}
	return p
}

func (e *Engine) addIterationsLocked(p *LoopProfile, it, n uint64) {
	if n == 0 {
		return
	}
	p.Executions += n
	p.AverageIterations += (float64(it) - p.AverageIterations) * float64(n) / float64(p.Executions)
	if _, ok := p.Histogram[it]; !ok && e.cfg.MaxHistogramBuckets > 0 && len(p.Histogram) >= e.cfg.MaxHistogramBuckets {
		var victim uint64
		least := ^uint64(0)
		for k, c := range p.Histogram {
			if c < least || (c == least && k > victim) {
				victim, least = k, c
			}
		}
		delete(p.Histogram, victim)
	}
	p.Histogram[it] += n
}

// Seed imports a lower tier's trip-count histogram for a loop.
func (e *Engine) Seed(s tiering.LoopStructure, sample tiering.LoopSample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.profileLocked(s)
	counts := make([]uint64, 0, len(sample.IterationCounts))
	for it := range sample.IterationCounts {
		counts = append(counts, it)
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i] < counts[j] })
	for _, it := range counts {
		e.addIterationsLocked(p, it, sample.IterationCounts[it])
	}
}

// AnalyzeLoop folds one execution of a loop into its profile.
func (e *Engine) AnalyzeLoop(s tiering.LoopStructure, obs tiering.LoopObservation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.profileLocked(s)
	e.addIterationsLocked(p, obs.Iterations, 1)

	for name, v := range obs.Invariants {
		c, ok := p.Invariants[name]
		if !ok {
			c = &InvariantCandidate{Name: name}
			p.Invariants[name] = c
		}
		if c.Observations > 0 && c.Last.Equal(v) {
			c.Unchanged++
		}
		c.Last = v
		c.Observations++
	}

	p.Strides = append(p.Strides, obs.Strides...)
	if limit := e.cfg.MaxAccessSamples; limit > 0 && len(p.Strides) > limit {
		p.Strides = append([]int64(nil), p.Strides[len(p.Strides)-limit:]...)
	}
}

// Profile returns a copy of the profile of a loop.
func (e *Engine) Profile(loop tiering.LoopID) (LoopProfile, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.profiles[loop]
	if !ok {
		return LoopProfile{}, false
	}
	c := *p
	c.Histogram = make(map[uint64]uint64, len(p.Histogram))
	for k, v := range p.Histogram {
		c.Histogram[k] = v
	}
	c.Invariants = make(map[string]*InvariantCandidate, len(p.Invariants))
	for k, v := range p.Invariants {
		cp := *v
		c.Invariants[k] = &cp
	}
	c.Strides = append([]int64(nil), p.Strides...)
	return c, true
}

// DetermineStrategy applies every eligibility test independently and
// combines the techniques that qualify.
func (e *Engine) DetermineStrategy(loop tiering.LoopID) (Strategy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.profiles[loop]
	if !ok {
		return Strategy{}, false
	}
	s := e.strategyLocked(p)
	return s, !s.Empty()
}

func (e *Engine) strategyLocked(p *LoopProfile) Strategy {
	var s Strategy
	if p.Executions < e.cfg.MinExecutions {
		return s
	}
	callFree := p.Complexity.Calls == 0

	if p.AverageIterations >= e.cfg.UnrollMinIterations &&
		p.Complexity.Instructions <= e.cfg.UnrollMaxInstructions && callFree {
		s.Kinds |= Unroll
		s.UnrollFactor = unrollFactor(p.AverageIterations, e.cfg.MaxUnrollFactor)
	}

	switch p.Pattern(e.cfg.LowStride) {
	case AccessSequential, AccessLowStride:
		if callFree && e.vectorWidth > 1 {
			s.Kinds |= Vectorize
			s.VectorWidth = e.vectorWidth
		}
	}

	names := make([]string, 0, len(p.Invariants))
	for name, c := range p.Invariants {
		if c.Observations >= e.cfg.MinInvariantObservations && c.Stability() >= e.cfg.InvariantStabilityThreshold {
			names = append(names, name)
		}
	}
	if len(names) > 0 {
		sort.Strings(names)
		s.Kinds |= HoistInvariants
		s.Hoisted = names
	}

	if it, share := p.DominantIterationCount(); share > e.cfg.IterationDominance {
		s.Kinds |= IterationSpecialize
		s.IterationCount = it
	}
	return s
}

// unrollFactor is the largest power of two not above the average trip count
// and the configured maximum.
func unrollFactor(avg float64, maxFactor int) int {
	f := 1
	for f*2 <= maxFactor && float64(f*2) <= avg {
		f *= 2
	}
	return f
}

// GenerateSpecializedLoop compiles the current strategy of a loop into a
// plan and its validity guards: one per hoisted invariant and an exact-count
// guard for iteration specialization. Any previous specialization is replaced.
func (e *Engine) GenerateSpecializedLoop(loop tiering.LoopID) (*SpecializedLoop, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.profiles[loop]
	if !ok {
		return nil, false
	}
	s := e.strategyLocked(p)
	if s.Empty() {
		return nil, false
	}
	e.invalidateLocked(loop)

	plan := LoopPlan{Loop: loop, Strategy: s, Operands: append([]string{"iterations"}, s.Hoisted...)}
	sl := &SpecializedLoop{
		Loop:             loop,
		Strategy:         s,
		Plan:             plan,
		EstimatedSpeedup: s.EstimatedSpeedup(),
		SuccessRate:      1,
	}
	sl.MeasuredImprovement = sl.EstimatedSpeedup
	for i, name := range s.Hoisted {
		sl.Guards = append(sl.Guards, e.guards.CreateGuard(guard.ConstantValue{
			Operand: i + 1,
			Value:   p.Invariants[name].Last,
		}))
	}
	if s.Has(IterationSpecialize) {
		sl.Guards = append(sl.Guards, e.guards.CreateGuard(guard.ConstantValue{
			Operand: 0,
			Value:   tiering.Int(int64(s.IterationCount)),
		}))
	}
	e.specialized[loop] = sl
	cp := *sl
	cp.Guards = append([]guard.ID(nil), sl.Guards...)
	return &cp, true
}

// Specialized returns a copy of the specialization of a loop.
func (e *Engine) Specialized(loop tiering.LoopID) (SpecializedLoop, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sl, ok := e.specialized[loop]
	if !ok {
		return SpecializedLoop{}, false
	}
	cp := *sl
	cp.Guards = append([]guard.ID(nil), sl.Guards...)
	return cp, true
}

// RecordExecution validates one execution of a loop against its
// specialization and smooths the specialization's success rate. A
// specialization whose success rate falls below InvalidateBelow after
// MinValidations executions is dropped.
func (e *Engine) RecordExecution(loop tiering.LoopID, obs tiering.LoopObservation) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sl, ok := e.specialized[loop]
	if !ok {
		return Outcome{}, nil
	}
	res, err := e.guards.CheckGuards(sl.Guards, guard.Input{Values: sl.Plan.Vector(obs)})
	if err != nil {
		return Outcome{Specialized: true}, err
	}
	sl.Validations++
	sl.SuccessRate = feedback.Smooth(sl.SuccessRate, res.Valid)
	sl.MeasuredImprovement = 1 + (sl.EstimatedSpeedup-1)*sl.SuccessRate
	out := Outcome{Specialized: true, Valid: res.Valid, Failed: res.Failed}
	if sl.Validations >= e.cfg.MinValidations && sl.SuccessRate < e.cfg.InvalidateBelow {
		e.invalidateLocked(loop)
		out.Invalidated = true
	}
	return out, nil
}

// Invalidate drops the specialization of a loop and its guards.
func (e *Engine) Invalidate(loop tiering.LoopID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.invalidateLocked(loop)
}

func (e *Engine) invalidateLocked(loop tiering.LoopID) bool {
	sl, ok := e.specialized[loop]
	if !ok {
		return false
	}
	for _, id := range sl.Guards {
		e.guards.RemoveGuard(id)
	}
	delete(e.specialized, loop)
	return true
}

// Forget drops the profiles and specializations of the given loops.
func (e *Engine) Forget(loops []tiering.LoopID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, l := range loops {
		e.invalidateLocked(l)
		delete(e.profiles, l)
	}
}

// MemoryBytes is the estimated footprint of profiles and plans.
func (e *Engine) MemoryBytes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, p := range e.profiles {
		n += p.bytes()
	}
	for _, sl := range e.specialized {
		n += 128 + 8*len(sl.Guards)
	}
	return n
}

// Stats counts profiled and specialized loops by technique.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{Loops: len(e.profiles), Specialized: len(e.specialized), ByKind: make(map[StrategyKind]int)}
	total := 0.0
	for _, sl := range e.specialized {
		for _, n := range strategyNames {
			if sl.Strategy.Has(n.kind) {
				s.ByKind[n.kind]++
			}
		}
		if sl.Strategy.Combined() {
			s.Combined++
		}
		total += sl.SuccessRate
	}
	if s.Specialized > 0 {
		s.AverageSuccessRate = total / float64(s.Specialized)
	}
	for _, p := range e.profiles {
		s.MemoryBytes += p.bytes()
	}
	return s
}

// Reclaim drops the profiles of unspecialized loops, least executed first,
// until at least fraction of the profile memory is freed. It returns the bytes
// freed.
func (e *Engine) Reclaim(fraction float64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fraction <= 0 {
		return 0
	}
	total := 0
	var candidates []*LoopProfile
	for id, p := range e.profiles {
		total += p.bytes()
		if _, ok := e.specialized[id]; !ok {
			candidates = append(candidates, p)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Executions != candidates[j].Executions {
			return candidates[i].Executions < candidates[j].Executions
		}
		return candidates[i].Loop < candidates[j].Loop
	})
	target := int(float64(total) * fraction)
	freed := 0
	for _, p := range candidates {
		if freed >= target {
			break
		}
		freed += p.bytes()
		delete(e.profiles, p.Loop)
	}
	return freed
}
