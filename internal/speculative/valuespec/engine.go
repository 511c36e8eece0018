// Package valuespec profiles the values seen at each value location and
// recommends constant speculation when one value dominates.
package valuespec

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orizon-lang/orizon-speculate/internal/speculative/feedback"
	"github.com/orizon-lang/orizon-speculate/internal/tiering"
)

// Location names a value slot, e.g. an argument of a function.
type Location string

// Config tunes profiling and recommendation.
type Config struct {
	MaxValuesPerLocation        int           `yaml:"max_values_per_location"`
	MaxLocations                int           `yaml:"max_locations"`
	MinObservations             uint64        `yaml:"min_observations"`
	MinSpeculationFrequency     float64       `yaml:"min_speculation_frequency"`
	ConfidenceThreshold         float64       `yaml:"confidence_threshold"`
	TypeStabilityGuardThreshold float64       `yaml:"type_stability_guard_threshold"`
	RecencyWindow               time.Duration `yaml:"recency_window"`
	RecencyFloor                float64       `yaml:"recency_floor"`
	MaxStringSamples            int           `yaml:"max_string_samples"`
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		MaxValuesPerLocation:        8,
		MaxLocations:                4096,
		MinObservations:             10,
		MinSpeculationFrequency:     0.6,
		ConfidenceThreshold:         0.75,
		TypeStabilityGuardThreshold: 0.95,
		RecencyWindow:               300 * time.Second,
		RecencyFloor:                0.7,
		MaxStringSamples:            16,
	}
}

// ValueEntry is one tracked value of a location. Count may overestimate
// the true count by at most Error, the count inherited when the value took
// over a full table's least frequent slot.
type ValueEntry struct {
	Value       tiering.Value
	Count       uint64
	Error       uint64
	Frequency   float64 // Guaranteed() / observations
	SuccessRate float64
	LastSeen    time.Time
}

// Guaranteed is the number of observations the entry certainly saw.
func (e ValueEntry) Guaranteed() uint64 { return e.Count - e.Error }

// NumericRange tracks numeric observations with Welford's running variance.
type NumericRange struct {
	Min, Max float64
	Mean     float64
	N        uint64
	m2       float64
}

func (r *NumericRange) add(x float64) {
	if r.N == 0 {
		r.Min, r.Max = x, x
	}
	r.Min = math.Min(r.Min, x)
	r.Max = math.Max(r.Max, x)
	r.N++
	d := x - r.Mean
	r.Mean += d / float64(r.N)
	r.m2 += d * (x - r.Mean)
}

// StdDev is the population standard deviation.
func (r NumericRange) StdDev() float64 {
	if r.N < 2 {
		return 0
	}
	return math.Sqrt(r.m2 / float64(r.N))
}

// StringPatterns keeps a bounded sample of observed strings.
type StringPatterns struct {
	Samples      []string
	CommonPrefix string
	MinLen       int
	MaxLen       int
}

func (p *StringPatterns) add(s string, limit int) {
	if len(p.Samples) == 0 {
		p.CommonPrefix, p.MinLen, p.MaxLen = s, len(s), len(s)
	} else {
		p.CommonPrefix = commonPrefix(p.CommonPrefix, s)
		p.MinLen = min(p.MinLen, len(s))
		p.MaxLen = max(p.MaxLen, len(s))
	}
	if len(p.Samples) < limit {
		p.Samples = append(p.Samples, s)
	}
}

func commonPrefix(a, b string) string {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}

// ValueProfile is everything known about one location.
type ValueProfile struct {
	Location          Location
	Entries           []ValueEntry // descending by Guaranteed
	TotalObservations uint64
	TypeStability     float64
	Range             *NumericRange
	Strings           *StringPatterns
	LastUpdate        time.Time
}

func (p *ValueProfile) bytes() int {
	n := 128 + len(p.Location)
	for _, e := range p.Entries {
		n += 48 + e.Value.SizeBytes()
	}
	if p.Range != nil {
		n += 48
	}
	if p.Strings != nil {
		n += 64 + len(p.Strings.CommonPrefix)
		for _, s := range p.Strings.Samples {
			n += 16 + len(s)
		}
	}
	return n
}

func (p *ValueProfile) clone() ValueProfile {
	c := *p
	c.Entries = append([]ValueEntry(nil), p.Entries...)
	if p.Range != nil {
		r := *p.Range
		c.Range = &r
	}
	if p.Strings != nil {
		s := *p.Strings
		s.Samples = append([]string(nil), p.Strings.Samples...)
		c.Strings = &s
	}
	return c
}

// GuardRequirement is a guard a recommendation needs before it may be used.
type GuardRequirement interface {
	isGuardRequirement()
}

// ValueEquality requires the location to hold Value.
type ValueEquality struct {
	Value tiering.Value
}

// TypeStability requires the location's kind to be Kind.
type TypeStability struct {
	Kind tiering.ValueKind
}

// NumericRangeGuard requires the location to be numeric within [Min, Max].
type NumericRangeGuard struct {
	Min, Max float64
}

func (ValueEquality) isGuardRequirement()     {}
func (TypeStability) isGuardRequirement()     {}
func (NumericRangeGuard) isGuardRequirement() {}

// Recommendation proposes speculating that Location holds Value.
type Recommendation struct {
	Location      Location
	Value         tiering.Value
	Confidence    float64
	Frequency     float64
	TypeStability float64
	Guards        []GuardRequirement
}

// Stats summarizes the engine.
type Stats struct {
	Locations            int
	Observations         uint64
	SpeculationAttempts  uint64
	SpeculationSuccesses uint64
	SuccessRate          float64
	MemoryBytes          int
}

// Engine is the value speculation engine.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	profiles  map[Location]*ValueProfile
	bytes     int
	attempts  uint64
	successes uint64
	observed  uint64
	now       func() time.Time
}

// NewEngine creates an engine. A nil clock defaults to time.Now.
func NewEngine(cfg Config, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{cfg: cfg, profiles: make(map[Location]*ValueProfile), now: now}
}

// RecordValue adds one observation of v at loc.
func (e *Engine) RecordValue(loc Location, v tiering.Value) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	p, ok := e.profiles[loc]
	if !ok {
		if e.cfg.MaxLocations > 0 && len(e.profiles) >= e.cfg.MaxLocations {
			e.evictStalestLocked()
		}
		p = &ValueProfile{Location: loc, TypeStability: 1}
		e.profiles[loc] = p
	} else {
		e.bytes -= p.bytes()
	}

	if len(p.Entries) > 0 && p.Entries[0].Value.Kind != v.Kind {
		p.TypeStability *= 0.95
	} else {
		p.TypeStability = p.TypeStability*0.99 + 0.01
	}

	p.TotalObservations++
	p.LastUpdate = now
	e.observed++

	found := false
	for i := range p.Entries {
		if p.Entries[i].Value.Equal(v) {
			p.Entries[i].Count++
			p.Entries[i].LastSeen = now
			found = true
			break
		}
	}
	switch limit := e.cfg.MaxValuesPerLocation; {
	case found:
	case limit <= 0 || len(p.Entries) < limit:
		p.Entries = append(p.Entries, ValueEntry{Value: v, Count: 1, SuccessRate: 1, LastSeen: now})
	default:
		// Space-saving: the newcomer replaces the smallest counter and
		// inherits its count as the error bound.
		victim := 0
		for i, en := range p.Entries {
			m := p.Entries[victim]
			if en.Count < m.Count || (en.Count == m.Count && en.LastSeen.Before(m.LastSeen)) {
				victim = i
			}
		}
		base := p.Entries[victim].Count
		p.Entries[victim] = ValueEntry{Value: v, Count: base + 1, Error: base, SuccessRate: 1, LastSeen: now}
	}
	sort.SliceStable(p.Entries, func(i, j int) bool {
		gi, gj := p.Entries[i].Guaranteed(), p.Entries[j].Guaranteed()
		if gi != gj {
			return gi > gj
		}
		return p.Entries[i].Count > p.Entries[j].Count
	})
	for i := range p.Entries {
		p.Entries[i].Frequency = float64(p.Entries[i].Guaranteed()) / float64(p.TotalObservations)
	}

	if x, ok := v.Numeric(); ok {
		if p.Range == nil {
			p.Range = &NumericRange{}
		}
		p.Range.add(x)
	}
	if v.Kind == tiering.KindString {
		if p.Strings == nil {
			p.Strings = &StringPatterns{}
		}
		p.Strings.add(v.Str, e.cfg.MaxStringSamples)
	}
	e.bytes += p.bytes()
}

func (e *Engine) evictStalestLocked() {
	var (
		victim Location
		oldest time.Time
		found  bool
	)
	for loc, p := range e.profiles {
		if !found || p.LastUpdate.Before(oldest) || (p.LastUpdate.Equal(oldest) && loc < victim) {
			victim, oldest, found = loc, p.LastUpdate, true
		}
	}
	if found {
		e.bytes -= e.profiles[victim].bytes()
		delete(e.profiles, victim)
	}
}

// Recommendation returns a speculation recommendation for loc when the
// evidence is strong enough.
func (e *Engine) Recommendation(loc Location) (Recommendation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.profiles[loc]
	if !ok || len(p.Entries) == 0 || p.TotalObservations < e.cfg.MinObservations {
		return Recommendation{}, false
	}
	top := p.Entries[0]
	if top.Frequency < e.cfg.MinSpeculationFrequency {
		return Recommendation{}, false
	}
	recency := feedback.Recency(e.now().Sub(top.LastSeen), e.cfg.RecencyWindow, e.cfg.RecencyFloor)
	confidence := 0.4*top.Frequency + 0.25*p.TypeStability + 0.25*top.SuccessRate + 0.1*recency
	if confidence < e.cfg.ConfidenceThreshold {
		return Recommendation{}, false
	}

	rec := Recommendation{
		Location:      loc,
		Value:         top.Value,
		Confidence:    confidence,
		Frequency:     top.Frequency,
		TypeStability: p.TypeStability,
		Guards:        []GuardRequirement{ValueEquality{Value: top.Value}},
	}
	if p.TypeStability >= e.cfg.TypeStabilityGuardThreshold {
		rec.Guards = append(rec.Guards, TypeStability{Kind: top.Value.Kind})
	}
	if x, numeric := top.Value.Numeric(); numeric && p.Range != nil && p.Range.N >= 2 {
		sd := p.Range.StdDev()
		rec.Guards = append(rec.Guards, NumericRangeGuard{
			Min: math.Min(p.Range.Mean-sd, x),
			Max: math.Max(p.Range.Mean+sd, x),
		})
	}
	return rec, true
}

// RecordOutcome feeds back whether speculating v at loc paid off.
func (e *Engine) RecordOutcome(loc Location, v tiering.Value, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts++
	if success {
		e.successes++
	}
	p, ok := e.profiles[loc]
	if !ok {
		return
	}
	for i := range p.Entries {
		if p.Entries[i].Value.Equal(v) {
			p.Entries[i].SuccessRate = feedback.Smooth(p.Entries[i].SuccessRate, success)
			return
		}
	}
}

// Penalize lowers the success rate of every tracked value at locations with
// the given prefix by factor. It implements "shrink confidence elsewhere".
func (e *Engine) Penalize(prefix string, factor float64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for loc, p := range e.profiles {
		if !strings.HasPrefix(string(loc), prefix) {
			continue
		}
		for i := range p.Entries {
			p.Entries[i].SuccessRate *= factor
		}
		n++
	}
	return n
}

// Profile returns a snapshot of the profile of loc.
func (e *Engine) Profile(loc Location) (ValueProfile, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.profiles[loc]
	if !ok {
		return ValueProfile{}, false
	}
	return p.clone(), true
}

// Forget drops every location with the given prefix.
func (e *Engine) Forget(prefix string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for loc, p := range e.profiles {
		if strings.HasPrefix(string(loc), prefix) {
			e.bytes -= p.bytes()
			delete(e.profiles, loc)
		}
	}
}

// MemoryBytes is the estimated footprint of all profiles.
func (e *Engine) MemoryBytes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bytes
}

// Reclaim drops the least observed locations until at least fraction of the
// engine's memory is freed. It returns the bytes freed.
func (e *Engine) Reclaim(fraction float64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fraction <= 0 || len(e.profiles) == 0 {
		return 0
	}
	locs := make([]*ValueProfile, 0, len(e.profiles))
	for _, p := range e.profiles {
		locs = append(locs, p)
	}
	sort.Slice(locs, func(i, j int) bool {
		if locs[i].TotalObservations != locs[j].TotalObservations {
			return locs[i].TotalObservations < locs[j].TotalObservations
		}
		return locs[i].Location < locs[j].Location
	})
	target := int(float64(e.bytes) * fraction)
	freed := 0
	for _, p := range locs {
		if freed >= target {
			break
		}
		n := p.bytes()
		freed += n
		e.bytes -= n
		delete(e.profiles, p.Location)
	}
	return freed
}

// Stats summarizes profiled locations and speculation outcomes.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		Locations:            len(e.profiles),
		Observations:         e.observed,
		SpeculationAttempts:  e.attempts,
		SpeculationSuccesses: e.successes,
		MemoryBytes:          e.bytes,
	}
	if e.attempts > 0 {
		s.SuccessRate = float64(e.successes) / float64(e.attempts)
	}
	return s
}
