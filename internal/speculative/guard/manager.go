package guard

import (
	"sync"
	"time"

	specerrors "github.com/orizon-lang/orizon-speculate/internal/errors"
	"github.com/orizon-lang/orizon-speculate/internal/tiering"
)

// Guard is one speculative assumption and its validation record.
type Guard struct {
	ID          ID
	Type        Type
	CreatedAt   time.Time
	Validations uint64
	Failures    uint64
	SuccessRate float64
	LastFailure FailureReason

	validationTime time.Duration
}

// AverageValidationTime is the mean cost of one validation.
func (g *Guard) AverageValidationTime() time.Duration {
	if g.Validations == 0 {
		return 0
	}
	return g.validationTime / time.Duration(g.Validations)
}

// Validation is the outcome of validating one guard.
type Validation struct {
	Guard   ID
	Valid   bool
	Reason  FailureReason
	Elapsed time.Duration
}

// CheckResult aggregates the validations of one execution attempt.
type CheckResult struct {
	Valid   bool
	Failed  []ID
	Reasons map[FailureReason]int
	Elapsed time.Duration
}

// DominantReason returns the most frequent failure reason of the attempt.
func (r CheckResult) DominantReason() FailureReason {
	best, count := ReasonNone, 0
	for reason, c := range r.Reasons {
		if c > count || (c == count && reason < best) {
			best, count = reason, c
		}
	}
	return best
}

// Stats summarizes the manager for observability.
type Stats struct {
	Guards           int
	Validations      uint64
	Failures         uint64
	FailuresByReason map[FailureReason]uint64
	AverageCost      time.Duration
}

// Manager owns every Guard by ID.
type Manager struct {
	mu       sync.RWMutex
	guards   map[ID]*Guard
	nextID   ID
	byReason map[FailureReason]uint64
	now      func() time.Time
}

// NewManager creates an empty guard arena.
func NewManager() *Manager {
	return &Manager{
		guards:   make(map[ID]*Guard),
		nextID:   1,
		byReason: make(map[FailureReason]uint64),
		now:      time.Now,
	}
}

// CreateGuard registers a new guard and returns its ID.
func (m *Manager) CreateGuard(t Type) ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.guards[id] = &Guard{ID: id, Type: t, CreatedAt: m.now(), SuccessRate: 1}
	return id
}

// Get returns a copy of the guard.
func (m *Manager) Get(id ID) (Guard, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.guards[id]
	if !ok {
		return Guard{}, false
	}
	return *g, true
}

// Len returns the number of live guards.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.guards)
}

// Validate checks one guard against an operand vector.
func (m *Manager) Validate(id ID, values []tiering.Value) (Validation, error) {
	return m.ValidateInput(id, Input{Values: values})
}

// ValidateInput checks one guard against a full input.
func (m *Manager) ValidateInput(id ID, in Input) (Validation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guards[id]
	if !ok {
		return Validation{Guard: id}, specerrors.DanglingGuard(uint64(id))
	}
	return m.validateLocked(g, in), nil
}

func (m *Manager) validateLocked(g *Guard, in Input) Validation {
	start := time.Now()
	reason := g.Type.check(in)
	elapsed := time.Since(start)

	g.Validations++
	g.validationTime += elapsed
	if reason != ReasonNone {
		g.Failures++
		g.LastFailure = reason
		m.byReason[reason]++
	}
	g.SuccessRate = 1 - float64(g.Failures)/float64(g.Validations)
	return Validation{Guard: g.ID, Valid: reason == ReasonNone, Reason: reason, Elapsed: elapsed}
}

// CheckGuards validates every guard in ids for one execution attempt. All
// guards are evaluated so failure reasons can be aggregated.
func (m *Manager) CheckGuards(ids []ID, in Input) (CheckResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := CheckResult{Valid: true}
	for _, id := range ids {
		g, ok := m.guards[id]
		if !ok {
			return CheckResult{}, specerrors.DanglingGuard(uint64(id))
		}
		v := m.validateLocked(g, in)
		res.Elapsed += v.Elapsed
		if !v.Valid {
			res.Valid = false
			res.Failed = append(res.Failed, id)
			if res.Reasons == nil {
				res.Reasons = make(map[FailureReason]int)
			}
			res.Reasons[v.Reason]++
		}
	}
	return res, nil
}

// Adjust replaces the predicate of a guard in place. Counters are kept.
func (m *Manager) Adjust(id ID, fn func(Type) Type) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guards[id]
	if !ok {
		return specerrors.DanglingGuard(uint64(id))
	}
	g.Type = fn(g.Type)
	return nil
}

// RemoveGuard evicts a guard and its metrics. It reports whether id existed.
func (m *Manager) RemoveGuard(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.guards[id]; !ok {
		return false
	}
	delete(m.guards, id)
	return true
}

// Stats summarizes the live guards and their validation history.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{Guards: len(m.guards), FailuresByReason: make(map[FailureReason]uint64, len(m.byReason))}
	var cost time.Duration
	for _, g := range m.guards {
		s.Validations += g.Validations
		s.Failures += g.Failures
		cost += g.validationTime
	}
	for r, c := range m.byReason {
		s.FailuresByReason[r] = c
	}
	if s.Validations > 0 {
		s.AverageCost = cost / time.Duration(s.Validations)
	}
	return s
}
