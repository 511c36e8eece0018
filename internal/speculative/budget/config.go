package budget

import (
	"fmt"
	"strings"
	"time"

	specerrors "github.com/orizon-lang/orizon-speculate/internal/errors"
)

// Policy selects how RequestAllocation admits requests.
type Policy int

const (
	PolicyConservative Policy = iota
	PolicyAggressive
	PolicyAdaptive
	PolicyProfileGuided
)

func (p Policy) String() string {
	switch p {
	case PolicyConservative:
		return "conservative"
	case PolicyAggressive:
		return "aggressive"
	case PolicyAdaptive:
		return "adaptive"
	case PolicyProfileGuided:
		return "profile_guided"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Policy) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "conservative":
		*p = PolicyConservative
	case "aggressive":
		*p = PolicyAggressive
	case "adaptive":
		*p = PolicyAdaptive
	case "profile_guided", "profileguided":
		*p = PolicyProfileGuided
	default:
		return specerrors.InvalidConfig("policy", string(b))
	}
	return nil
}

// Priority orders competing requests.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Config holds the ceilings, pressure thresholds and policy tuning.
type Config struct {
	MaxMemoryMB      float64 `yaml:"max_memory_mb"`
	MaxGuards        int     `yaml:"max_guards"`
	MaxCompileTimeMS float64 `yaml:"max_compile_time_ms"`
	MaxDepth         int     `yaml:"max_depth"`

	MediumPressure    float64 `yaml:"medium_pressure"`
	HighPressure      float64 `yaml:"high_pressure"`
	EmergencyPressure float64 `yaml:"emergency_pressure"`

	ConservativeReserve float64 `yaml:"conservative_reserve"`
	OvercommitFactor    float64 `yaml:"overcommit_factor"`
	AdaptiveThreshold   float64 `yaml:"adaptive_threshold"`
	CleanupFraction     float64 `yaml:"cleanup_fraction"`

	Policy               Policy        `yaml:"policy"`
	AutoPolicy           bool          `yaml:"auto_policy"`
	PolicyReviewInterval int           `yaml:"policy_review_interval"`
	HistorySize          int           `yaml:"history_size"`
	BaseRetryDelay       time.Duration `yaml:"base_retry_delay"`
}

// DefaultConfig returns the standard budget.
func DefaultConfig() Config {
	return Config{
		MaxMemoryMB:          256,
		MaxGuards:            10000,
		MaxCompileTimeMS:     5000,
		MaxDepth:             8,
		MediumPressure:       0.5,
		HighPressure:         0.75,
		EmergencyPressure:    0.95,
		ConservativeReserve:  0.1,
		OvercommitFactor:     1.2,
		AdaptiveThreshold:    0.7,
		CleanupFraction:      0.5,
		Policy:               PolicyAdaptive,
		AutoPolicy:           true,
		PolicyReviewInterval: 50,
		HistorySize:          64,
		BaseRetryDelay:       50 * time.Millisecond,
	}
}

// Validate checks ceilings and threshold ordering.
func (c Config) Validate() error {
	switch {
	case c.MaxMemoryMB <= 0:
		return specerrors.InvalidConfig("max_memory_mb", c.MaxMemoryMB)
	case c.MaxGuards <= 0:
		return specerrors.InvalidConfig("max_guards", c.MaxGuards)
	case c.MaxCompileTimeMS <= 0:
		return specerrors.InvalidConfig("max_compile_time_ms", c.MaxCompileTimeMS)
	case c.MaxDepth <= 0:
		return specerrors.InvalidConfig("max_depth", c.MaxDepth)
	case c.MediumPressure <= 0 || c.HighPressure <= c.MediumPressure:
		return specerrors.InvalidConfig("high_pressure", c.HighPressure)
	case c.EmergencyPressure <= c.HighPressure || c.EmergencyPressure > 1:
		return specerrors.InvalidConfig("emergency_pressure", c.EmergencyPressure)
	case c.ConservativeReserve < 0 || c.ConservativeReserve >= 1:
		return specerrors.InvalidConfig("conservative_reserve", c.ConservativeReserve)
	case c.OvercommitFactor < 1:
		return specerrors.InvalidConfig("overcommit_factor", c.OvercommitFactor)
	case c.CleanupFraction <= 0 || c.CleanupFraction > 1:
		return specerrors.InvalidConfig("cleanup_fraction", c.CleanupFraction)
	case c.BaseRetryDelay <= 0:
		return specerrors.InvalidConfig("base_retry_delay", c.BaseRetryDelay)
	}
	return nil
}
