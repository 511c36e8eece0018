// Package budget is the global resource ledger of the speculative tier:
// memory, guard count, compile time and speculation depth, with
// pressure-aware admission control.
package budget

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// ResourceUsage is consumption of the four tracked resources.
type ResourceUsage struct {
	MemoryMB      float64
	Guards        int
	CompileTimeMS float64
	Depth         int
}

// PressureLevels are usage/limit ratios. Overall is the mean of memory,
// guards and compile time.
type PressureLevels struct {
	Memory      float64
	Guards      float64
	CompileTime float64
	Depth       float64
	Overall     float64
}

// Band names a pressure range.
type Band int

const (
	BandLow Band = iota
	BandMedium
	BandHigh
	BandEmergency
)

func (b Band) String() string {
	switch b {
	case BandMedium:
		return "medium"
	case BandHigh:
		return "high"
	case BandEmergency:
		return "emergency"
	}
	return "low"
}

// AllocationRequest asks for resources on behalf of a requester.
type AllocationRequest struct {
	Requester     string
	MemoryMB      float64
	Guards        int
	CompileTimeMS float64
	Depth         int
	Priority      Priority
}

func (r AllocationRequest) usage() ResourceUsage {
	return ResourceUsage{MemoryMB: r.MemoryMB, Guards: r.Guards, CompileTimeMS: r.CompileTimeMS, Depth: r.Depth}
}

// AllocationResult is the admission outcome. A denial always carries a
// reason and a non-zero retry delay.
type AllocationResult struct {
	Granted             bool
	ID                  uint64
	Policy              Policy
	Reason              string
	SuggestedRetryDelay time.Duration
	Pressure            PressureLevels
}

// Reclaimer is a component that can give memory back under pressure.
type Reclaimer interface {
	MemoryBytes() int
	Reclaim(fraction float64) int
}

// CleanupReport describes one emergency cleanup.
type CleanupReport struct {
	Triggered      bool
	Freed          bool
	FreedBytes     int
	ByComponent    map[string]int
	DepthBefore    int
	DepthAfter     int
	PressureBefore float64
	PressureAfter  float64
}

// Status is a snapshot of the ledger.
type Status struct {
	Policy      Policy
	Usage       ResourceUsage
	Limits      ResourceUsage
	Pressure    PressureLevels
	Band        Band
	Allocations int
	Requests    uint64
	Granted     uint64
	SuccessRate float64
}

// Breakdown attributes usage to requesters and components.
type Breakdown struct {
	Usage          ResourceUsage
	ByRequester    map[string]ResourceUsage
	ComponentBytes map[string]int
	ProcessMaxRSS  float64 // MiB, 0 when unavailable
}

type resourceKind int

const (
	resMemory resourceKind = iota
	resGuards
	resCompileTime
	resDepth
	numResources
)

var resourceNames = [numResources]string{"memory", "guards", "compile_time", "depth"}

// Manager is the budget ledger.
type Manager struct {
	mu          sync.Mutex
	cfg         Config
	policy      Policy
	usage       ResourceUsage
	allocations map[uint64]AllocationRequest
	nextID      uint64

	requests, granted             uint64
	windowRequests, windowGranted int
	history                       []float64
	requestedBy, grantedBy        [numResources]uint64

	reclaimers map[string]Reclaimer
	logger     log.Logger
}

// NewManager creates a ledger. A nil logger defaults to log.Root().
func NewManager(cfg Config, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.Root()
	}
	return &Manager{
		cfg:         cfg,
		policy:      cfg.Policy,
		allocations: make(map[uint64]AllocationRequest),
		reclaimers:  make(map[string]Reclaimer),
		logger:      logger.New("component", "budget"),
	}
}

// SetConfig replaces the configuration. The active policy is reset to the
// configured one.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.policy = cfg.Policy
}

// Policy returns the active policy.
func (m *Manager) Policy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// SetPolicy overrides the active policy until the next revision.
func (m *Manager) SetPolicy(p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p
}

// Register adds a component whose memory is reported in the breakdown and
// reclaimed by EmergencyCleanup.
func (m *Manager) Register(name string, r Reclaimer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reclaimers[name] = r
}

func ratio(used, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return used / limit
}

func (m *Manager) pressureOf(u ResourceUsage) PressureLevels {
	p := PressureLevels{
		Memory:      ratio(u.MemoryMB, m.cfg.MaxMemoryMB),
		Guards:      ratio(float64(u.Guards), float64(m.cfg.MaxGuards)),
		CompileTime: ratio(u.CompileTimeMS, m.cfg.MaxCompileTimeMS),
		Depth:       ratio(float64(u.Depth), float64(m.cfg.MaxDepth)),
	}
	p.Overall = (p.Memory + p.Guards + p.CompileTime) / 3
	return p
}

func (p PressureLevels) of(r resourceKind) float64 {
	switch r {
	case resMemory:
		return p.Memory
	case resGuards:
		return p.Guards
	case resCompileTime:
		return p.CompileTime
	}
	return p.Depth
}

func (m *Manager) band(overall float64) Band {
	switch {
	case overall >= m.cfg.EmergencyPressure:
		return BandEmergency
	case overall >= m.cfg.HighPressure:
		return BandHigh
	case overall >= m.cfg.MediumPressure:
		return BandMedium
	}
	return BandLow
}

// Pressure returns the current pressure levels.
func (m *Manager) Pressure() PressureLevels {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pressureOf(m.usage)
}

// Utilization is the overall pressure.
func (m *Manager) Utilization() float64 {
	return m.Pressure().Overall
}

func add(a, b ResourceUsage) ResourceUsage {
	return ResourceUsage{
		MemoryMB:      a.MemoryMB + b.MemoryMB,
		Guards:        a.Guards + b.Guards,
		CompileTimeMS: a.CompileTimeMS + b.CompileTimeMS,
		Depth:         a.Depth + b.Depth,
	}
}

func requested(u ResourceUsage) [numResources]bool {
	return [numResources]bool{u.MemoryMB > 0, u.Guards > 0, u.CompileTimeMS > 0, u.Depth > 0}
}

// RequestAllocation admits or denies req under the active policy. Ceilings
// are enforced under every policy, so usage never exceeds them.
func (m *Manager) RequestAllocation(req AllocationRequest) AllocationResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.pressureOf(m.usage)
	res := AllocationResult{Policy: m.policy, Pressure: cur}
	want := req.usage()
	asked := requested(want)
	m.requests++
	m.windowRequests++

	switch {
	case want.MemoryMB < 0 || want.Guards < 0 || want.CompileTimeMS < 0 || want.Depth < 0:
		res.Reason = "negative resource request"
	default:
		proj := m.pressureOf(add(m.usage, want))
		if r, over := m.exceedsCeiling(proj, asked); over {
			res.Reason = fmt.Sprintf("%s request exceeds %s", resourceNames[r], m.limitName(r))
		} else {
			res.Reason = m.admitLocked(req, cur, proj, asked)
		}
	}

	for r := resourceKind(0); r < numResources; r++ {
		if asked[r] {
			m.requestedBy[r]++
		}
	}
	if res.Reason == "" {
		m.nextID++
		res.ID = m.nextID
		res.Granted = true
		m.allocations[res.ID] = req
		m.usage = add(m.usage, want)
		m.granted++
		m.windowGranted++
		for r := resourceKind(0); r < numResources; r++ {
			if asked[r] {
				m.grantedBy[r]++
			}
		}
		res.Pressure = m.pressureOf(m.usage)
	} else {
		res.SuggestedRetryDelay = m.retryDelay(cur.Overall, req.Priority)
		m.logger.Debug("Allocation denied", "requester", req.Requester, "policy", m.policy, "reason", res.Reason, "retry", res.SuggestedRetryDelay)
	}

	m.recordLocked(m.pressureOf(m.usage).Overall)
	return res
}

func (m *Manager) limitName(r resourceKind) string {
	switch r {
	case resMemory:
		return fmt.Sprintf("max_memory_mb (%.0f)", m.cfg.MaxMemoryMB)
	case resGuards:
		return fmt.Sprintf("max_guards (%d)", m.cfg.MaxGuards)
	case resCompileTime:
		return fmt.Sprintf("max_compile_time_ms (%.0f)", m.cfg.MaxCompileTimeMS)
	}
	return fmt.Sprintf("max_depth (%d)", m.cfg.MaxDepth)
}

func (m *Manager) exceedsCeiling(proj PressureLevels, asked [numResources]bool) (resourceKind, bool) {
	return m.exceeds(proj, asked, func(resourceKind) float64 { return 1 })
}

func (m *Manager) exceeds(proj PressureLevels, asked [numResources]bool, limit func(resourceKind) float64) (resourceKind, bool) {
	for r := resourceKind(0); r < numResources; r++ {
		if asked[r] && proj.of(r) > limit(r)+1e-12 {
			return r, true
		}
	}
	return 0, false
}

// admitLocked applies the policy to a request that fits under the ceilings.
// It returns the denial reason, or "" to grant.
func (m *Manager) admitLocked(req AllocationRequest, cur, proj PressureLevels, asked [numResources]bool) string {
	switch m.policy {
	case PolicyConservative:
		limit := 1 - m.cfg.ConservativeReserve
		if r, over := m.exceeds(proj, asked, func(resourceKind) float64 { return limit }); over {
			return fmt.Sprintf("conservative reserve: %s pressure would reach %.2f", resourceNames[r], proj.of(r))
		}
	case PolicyAggressive:
		limit := min(1, m.cfg.HighPressure*m.cfg.OvercommitFactor)
		if r, over := m.exceeds(proj, asked, func(resourceKind) float64 { return limit }); over {
			return fmt.Sprintf("overcommit limit: %s pressure would reach %.2f", resourceNames[r], proj.of(r))
		}
	case PolicyAdaptive:
		if req.Priority < PriorityHigh && cur.Overall > m.cfg.AdaptiveThreshold {
			return fmt.Sprintf("adaptive: overall pressure %.2f above %.2f for %s priority", cur.Overall, m.cfg.AdaptiveThreshold, req.Priority)
		}
		if req.Priority == PriorityCritical {
			return ""
		}
		if r, over := m.exceeds(proj, asked, func(resourceKind) float64 { return m.cfg.HighPressure }); over {
			return fmt.Sprintf("adaptive: %s pressure would reach %.2f", resourceNames[r], proj.of(r))
		}
	case PolicyProfileGuided:
		if req.Priority == PriorityCritical {
			return ""
		}
		recent := m.recentUtilizationLocked()
		limit := func(r resourceKind) float64 {
			return min(1, m.cfg.HighPressure+(m.successRateLocked(r)-recent)*m.cfg.ConservativeReserve)
		}
		if r, over := m.exceeds(proj, asked, limit); over {
			return fmt.Sprintf("profile guided: %s pressure would reach %.2f (limit %.2f)", resourceNames[r], proj.of(r), limit(r))
		}
	}
	return ""
}

func (m *Manager) successRateLocked(r resourceKind) float64 {
	if m.requestedBy[r] == 0 {
		return 1
	}
	return float64(m.grantedBy[r]) / float64(m.requestedBy[r])
}

func (m *Manager) recentUtilizationLocked() float64 {
	if len(m.history) == 0 {
		return 0
	}
	sum := 0.0
	for _, u := range m.history {
		sum += u
	}
	return sum / float64(len(m.history))
}

func (m *Manager) retryDelay(overall float64, p Priority) time.Duration {
	d := time.Duration(float64(m.cfg.BaseRetryDelay) * (1 + 4*overall))
	if p >= PriorityHigh {
		d /= 2
	}
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

// recordLocked appends a utilization sample and revises the policy every
// PolicyReviewInterval requests.
func (m *Manager) recordLocked(overall float64) {
	m.history = append(m.history, overall)
	if n := m.cfg.HistorySize; n > 0 && len(m.history) > n {
		m.history = append([]float64(nil), m.history[len(m.history)-n:]...)
	}
	if !m.cfg.AutoPolicy || m.cfg.PolicyReviewInterval <= 0 || m.windowRequests < m.cfg.PolicyReviewInterval {
		return
	}
	rate := float64(m.windowGranted) / float64(m.windowRequests)
	util := m.recentUtilizationLocked()
	next := revisePolicy(m.cfg, rate, util)
	if next != m.policy {
		m.logger.Info("Budget policy revised", "from", m.policy, "to", next, "admission", rate, "utilization", util)
		m.policy = next
	}
	m.windowRequests, m.windowGranted = 0, 0
}

// revisePolicy picks the policy for the next window from the admission
// success rate and recent utilization of the last one.
func revisePolicy(cfg Config, admission, utilization float64) Policy {
	switch {
	case utilization >= cfg.HighPressure:
		return PolicyConservative
	case admission < 0.5 && utilization < cfg.MediumPressure:
		return PolicyAggressive
	case utilization >= cfg.MediumPressure:
		return PolicyAdaptive
	}
	return PolicyProfileGuided
}

// Release returns an allocation to the ledger. Usage never goes negative.
func (m *Manager) Release(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.allocations[id]
	if !ok {
		return false
	}
	delete(m.allocations, id)
	m.subtractLocked(e.usage())
	return true
}

func (m *Manager) subtractLocked(u ResourceUsage) {
	m.usage.MemoryMB = max(0, m.usage.MemoryMB-u.MemoryMB)
	m.usage.Guards = max(0, m.usage.Guards-u.Guards)
	m.usage.CompileTimeMS = max(0, m.usage.CompileTimeMS-u.CompileTimeMS)
	m.usage.Depth = max(0, m.usage.Depth-u.Depth)
}

// NeedsCleanup reports whether overall pressure is at or above the
// emergency threshold.
func (m *Manager) NeedsCleanup() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pressureOf(m.usage).Overall >= m.cfg.EmergencyPressure
}

// EmergencyCleanup frees CleanupFraction of every registered component's
// memory and halves speculation depth. Unless force is set it only runs
// above the emergency threshold. Freed memory is taken out of the
// outstanding allocations in proportion to their size, so the ledger stays
// equal to the sum of live grants and a later Release returns exactly what
// is left of it.
func (m *Manager) EmergencyCleanup(force bool) CleanupReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := m.pressureOf(m.usage)
	rep := CleanupReport{PressureBefore: before.Overall, PressureAfter: before.Overall, DepthBefore: m.usage.Depth, DepthAfter: m.usage.Depth}
	if !force && before.Overall < m.cfg.EmergencyPressure {
		return rep
	}
	rep.Triggered = true
	rep.ByComponent = make(map[string]int, len(m.reclaimers))
	names := make([]string, 0, len(m.reclaimers))
	for name := range m.reclaimers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		n := m.reclaimers[name].Reclaim(m.cfg.CleanupFraction)
		rep.ByComponent[name] = n
		rep.FreedBytes += n
	}
	m.shrinkLocked(float64(rep.FreedBytes) / (1 << 20))
	rep.DepthAfter = m.usage.Depth
	rep.Freed = rep.FreedBytes > 0 || rep.DepthAfter < rep.DepthBefore
	rep.PressureAfter = m.pressureOf(m.usage).Overall
	m.logger.Warn("Emergency budget cleanup", "freed", rep.FreedBytes, "depth", rep.DepthAfter, "pressure", rep.PressureAfter)
	return rep
}

// shrinkLocked credits freedMB against the allocations and halves their
// depth, then rebuilds usage from what remains.
func (m *Manager) shrinkLocked(freedMB float64) {
	keep := 0.0
	if m.usage.MemoryMB > 0 && freedMB < m.usage.MemoryMB {
		keep = (m.usage.MemoryMB - freedMB) / m.usage.MemoryMB
	}
	var total ResourceUsage
	for id, e := range m.allocations {
		e.MemoryMB *= keep
		e.Depth /= 2
		m.allocations[id] = e
		total = add(total, e.usage())
	}
	m.usage = total
}

// Usage returns the current usage.
func (m *Manager) Usage() ResourceUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// Status returns a snapshot of the ledger and its admission counters.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pressureOf(m.usage)
	s := Status{
		Policy: m.policy,
		Usage:  m.usage,
		Limits: ResourceUsage{
			MemoryMB:      m.cfg.MaxMemoryMB,
			Guards:        m.cfg.MaxGuards,
			CompileTimeMS: m.cfg.MaxCompileTimeMS,
			Depth:         m.cfg.MaxDepth,
		},
		Pressure:    p,
		Band:        m.band(p.Overall),
		Allocations: len(m.allocations),
		Requests:    m.requests,
		Granted:     m.granted,
	}
	if m.requests > 0 {
		s.SuccessRate = float64(m.granted) / float64(m.requests)
	}
	return s
}

// Breakdown attributes usage to requesters and memory to registered
// components.
func (m *Manager) Breakdown() Breakdown {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := Breakdown{
		Usage:          m.usage,
		ByRequester:    make(map[string]ResourceUsage),
		ComponentBytes: make(map[string]int, len(m.reclaimers)),
	}
	for _, e := range m.allocations {
		b.ByRequester[e.Requester] = add(b.ByRequester[e.Requester], e.usage())
	}
	for name, r := range m.reclaimers {
		b.ComponentBytes[name] = r.MemoryBytes()
	}
	if rss, ok := processMaxRSS(); ok {
		b.ProcessMaxRSS = rss
	}
	return b
}
