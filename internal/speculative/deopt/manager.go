package deopt

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	specerrors "github.com/orizon-lang/orizon-speculate/internal/errors"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/guard"
	"github.com/orizon-lang/orizon-speculate/internal/tiering"
)

// Config holds the decision thresholds.
type Config struct {
	MinExecutionsForDecision uint64        `yaml:"min_executions_for_decision"`
	MediumThreshold          float64       `yaml:"medium_threshold"`
	HardThreshold            float64       `yaml:"hard_threshold"`
	BlacklistThreshold       float64       `yaml:"blacklist_threshold"`
	MediumFloor              float64       `yaml:"medium_floor"`
	HardFloor                float64       `yaml:"hard_floor"`
	BlacklistFloor           float64       `yaml:"blacklist_floor"`
	AdaptationFactor         float64       `yaml:"adaptation_factor"`
	RecentWindow             time.Duration `yaml:"recent_window"`
	RepeatedFailureLimit     int           `yaml:"repeated_failure_limit"`
	MaxHistory               int           `yaml:"max_history"`
	SoftRetryDelay           time.Duration `yaml:"soft_retry_delay"`
	MediumRetryDelay         time.Duration `yaml:"medium_retry_delay"`
	HardRetryDelay           time.Duration `yaml:"hard_retry_delay"`
	ConfidenceShrink         float64       `yaml:"confidence_shrink"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MinExecutionsForDecision: 10,
		MediumThreshold:          0.10,
		HardThreshold:            0.25,
		BlacklistThreshold:       0.50,
		MediumFloor:              0.02,
		HardFloor:                0.05,
		BlacklistFloor:           0.10,
		AdaptationFactor:         0.05,
		RecentWindow:             60 * time.Second,
		RepeatedFailureLimit:     10,
		MaxHistory:               64,
		SoftRetryDelay:           10 * time.Millisecond,
		MediumRetryDelay:         100 * time.Millisecond,
		HardRetryDelay:           time.Second,
		ConfidenceShrink:         0.9,
	}
}

// Validate checks the ordering of the thresholds.
func (c Config) Validate() error {
	switch {
	case c.MediumThreshold <= 0 || c.MediumThreshold >= 1:
		return specerrors.InvalidConfig("medium_threshold", c.MediumThreshold)
	case c.HardThreshold <= c.MediumThreshold || c.HardThreshold >= 1:
		return specerrors.InvalidConfig("hard_threshold", c.HardThreshold)
	case c.BlacklistThreshold <= c.HardThreshold || c.BlacklistThreshold > 1:
		return specerrors.InvalidConfig("blacklist_threshold", c.BlacklistThreshold)
	case c.MaxHistory <= 0:
		return specerrors.InvalidConfig("max_history", c.MaxHistory)
	case c.RepeatedFailureLimit <= 0:
		return specerrors.InvalidConfig("repeated_failure_limit", c.RepeatedFailureLimit)
	}
	return nil
}

// FunctionStats is the execution record of a compiled function.
type FunctionStats struct {
	Executions uint64
	Successes  uint64
}

// FailureRate is 1 - successes/executions.
func (s FunctionStats) FailureRate() float64 {
	if s.Executions == 0 {
		return 0
	}
	return 1 - float64(s.Successes)/float64(s.Executions)
}

// Event is one recorded deoptimization.
type Event struct {
	ID       string
	Function tiering.FunctionID
	Time     time.Time
	Reason   Reason
	Level    Level
	Guards   []guard.ID
}

// Remediation is what the caller must do for a decision.
type Remediation struct {
	ApplyAdjustments bool
	ShrinkConfidence float64 // multiplier for speculation confidence elsewhere, 0 = none
	EvictGuards      bool
	RetryDelay       time.Duration
	Permanent        bool
}

// Decision is the outcome of Decide.
type Decision struct {
	Event       Event
	Level       Level
	FailureRate float64
	Recent      int
	Adjustments []Adjustment
	Remediation Remediation
}

// Thresholds are the current adaptive rate thresholds.
type Thresholds struct {
	Medium, Hard, Blacklist float64
}

// Stats counts decisions per level.
type Stats struct {
	Decisions   map[Level]uint64
	Blacklisted int
	Thresholds  Thresholds
}

// Manager owns deoptimization history and the blacklist.
type Manager struct {
	mu          sync.Mutex
	cfg         Config
	thresholds  Thresholds
	history     map[tiering.FunctionID][]Event
	blacklisted map[tiering.FunctionID]struct{}
	decisions   map[Level]uint64
	now         func() time.Time
	logger      log.Logger
}

// NewManager creates a manager. A nil clock defaults to time.Now.
func NewManager(cfg Config, now func() time.Time, logger log.Logger) *Manager {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Manager{
		cfg:         cfg,
		thresholds:  Thresholds{Medium: cfg.MediumThreshold, Hard: cfg.HardThreshold, Blacklist: cfg.BlacklistThreshold},
		history:     make(map[tiering.FunctionID][]Event),
		blacklisted: make(map[tiering.FunctionID]struct{}),
		decisions:   make(map[Level]uint64),
		now:         now,
		logger:      logger.New("component", "deopt"),
	}
}

// SetConfig swaps the configuration and resets the adaptive thresholds.
// History and the blacklist are kept.
func (m *Manager) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.thresholds = Thresholds{Medium: cfg.MediumThreshold, Hard: cfg.HardThreshold, Blacklist: cfg.BlacklistThreshold}
	return nil
}

// Decide records a failure of fn and returns the deoptimization decision.
func (m *Manager) Decide(fn tiering.FunctionID, reason Reason, guards []guard.ID, stats FunctionStats) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	ev := Event{
		ID:       uuid.New().String(),
		Function: fn,
		Time:     now,
		Reason:   reason,
		Guards:   append([]guard.ID(nil), guards...),
	}
	h := append(m.history[fn], ev)
	if len(h) > m.cfg.MaxHistory {
		h = h[len(h)-m.cfg.MaxHistory:]
	}
	m.history[fn] = h

	d := Decision{FailureRate: stats.FailureRate(), Recent: m.recentLocked(fn, now)}
	d.Level = m.levelLocked(fn, reason, stats, d.Recent)
	d.Adjustments = SuggestGuardAdjustments(reason, guards)
	d.Remediation = m.remediation(d.Level)
	if d.Level == LevelBlacklist {
		d.Adjustments = nil
		m.blacklisted[fn] = struct{}{}
	}
	ev.Level = d.Level
	h[len(h)-1].Level = d.Level
	d.Event = ev
	m.decisions[d.Level]++

	m.logger.Debug("Deoptimization decided", "function", fn, "reason", reason.Kind(),
		"level", d.Level, "failure_rate", d.FailureRate, "recent", d.Recent)
	return d
}

func (m *Manager) levelLocked(fn tiering.FunctionID, reason Reason, stats FunctionStats, recent int) Level {
	if _, ok := m.blacklisted[fn]; ok {
		return LevelBlacklist
	}
	if stats.Executions < m.cfg.MinExecutionsForDecision {
		return LevelSoft
	}
	rate := stats.FailureRate()
	switch {
	case reason.Kind() == ReasonRepeatedFailures && recent >= m.cfg.RepeatedFailureLimit:
		return LevelBlacklist
	case rate > m.thresholds.Blacklist:
		return LevelBlacklist
	case rate > m.thresholds.Hard:
		return LevelHard
	case rate > m.thresholds.Medium:
		return LevelMedium
	}
	return LevelSoft
}

func (m *Manager) remediation(l Level) Remediation {
	switch l {
	case LevelSoft:
		return Remediation{ApplyAdjustments: true, RetryDelay: m.cfg.SoftRetryDelay}
	case LevelMedium:
		return Remediation{ApplyAdjustments: true, ShrinkConfidence: m.cfg.ConfidenceShrink, RetryDelay: m.cfg.MediumRetryDelay}
	case LevelHard:
		return Remediation{ApplyAdjustments: true, EvictGuards: true, RetryDelay: m.cfg.HardRetryDelay}
	}
	return Remediation{Permanent: true}
}

func (m *Manager) recentLocked(fn tiering.FunctionID, now time.Time) int {
	n := 0
	cutoff := now.Add(-m.cfg.RecentWindow)
	for _, ev := range m.history[fn] {
		if !ev.Time.Before(cutoff) {
			n++
		}
	}
	return n
}

// RecentFailures counts the failures of fn inside the recent window.
func (m *Manager) RecentFailures(fn tiering.FunctionID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recentLocked(fn, m.now())
}

// RepeatedFailureLimit is the recent-failure count that blacklists a function.
func (m *Manager) RepeatedFailureLimit() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.RepeatedFailureLimit
}

// SuggestGuardAdjustments maps a reason to guard adjustments. The mapping is
// deterministic: the same reason and guard list always yield the same result.
func SuggestGuardAdjustments(reason Reason, failed []guard.ID) []Adjustment {
	switch r := reason.(type) {
	case GuardFailure:
		return []Adjustment{RelaxTypeCheck{Guard: r.Guard, Accept: r.Observed.Kind}}
	case RangeViolation:
		return []Adjustment{ExpandRange{Guard: r.Guard, Include: r.Observed, Margin: 0.1}}
	case TypeInstability:
		return []Adjustment{RemoveGuard{Guard: r.Guard}}
	case BranchMisprediction:
		return []Adjustment{ReduceConfidenceThreshold{Guard: r.Guard, Factor: 0.8}}
	}
	if len(failed) > 3 {
		out := make([]Adjustment, 0, len(failed))
		for _, id := range failed {
			out = append(out, RemoveGuard{Guard: id})
		}
		return out
	}
	return nil
}

// AdaptThresholds lowers the rate thresholds when the system performs
// poorly. performance is in [0,1]; the thresholds never drop below their floors.
func (m *Manager) AdaptThresholds(performance float64) Thresholds {
	if performance < 0 {
		performance = 0
	}
	if performance > 1 {
		performance = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delta := m.cfg.AdaptationFactor * (1 - performance)
	m.thresholds.Medium = max(m.cfg.MediumFloor, m.thresholds.Medium-delta)
	m.thresholds.Hard = max(m.cfg.HardFloor, m.thresholds.Hard-delta)
	m.thresholds.Blacklist = max(m.cfg.BlacklistFloor, m.thresholds.Blacklist-delta)
	return m.thresholds
}

// Thresholds returns the current failure-rate thresholds.
func (m *Manager) Thresholds() Thresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thresholds
}

// IsBlacklisted reports whether fn may never be speculated again.
func (m *Manager) IsBlacklisted(fn tiering.FunctionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blacklisted[fn]
	return ok
}

// History returns a copy of the bounded event history of fn.
func (m *Manager) History(fn tiering.FunctionID) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.history[fn]...)
}

// Forget drops the history of fn. The blacklist is not affected.
func (m *Manager) Forget(fn tiering.FunctionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, fn)
}

// Stats counts decisions per level and blacklisted functions.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Decisions: make(map[Level]uint64, len(m.decisions)), Blacklisted: len(m.blacklisted), Thresholds: m.thresholds}
	for l, c := range m.decisions {
		s.Decisions[l] = c
	}
	return s
}
