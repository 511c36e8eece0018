package speculative

import (
	"github.com/Masterminds/semver/v3"

	specerrors "github.com/orizon-lang/orizon-speculate/internal/errors"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/budget"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/deopt"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/inlinecache"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/loopspec"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/valuespec"
)

// CompilerConfig tunes compilation and execution of speculative functions.
type CompilerConfig struct {
	MinBenefit             float64 `yaml:"min_benefit"`
	ProfileConstraint      string  `yaml:"profile_constraint"`
	HotExecutions          uint64  `yaml:"hot_executions"`
	TypeStabilityThreshold float64 `yaml:"type_stability_threshold"`
	BranchBiasThreshold    float64 `yaml:"branch_bias_threshold"`
	SeedObservations       int     `yaml:"seed_observations"`
	FunctionMemoryMB       float64 `yaml:"function_memory_mb"`
	GuardMemoryMB          float64 `yaml:"guard_memory_mb"`
	BaseCompileTimeMS      float64 `yaml:"base_compile_time_ms"`
	CompileTimePerGuardMS  float64 `yaml:"compile_time_per_guard_ms"`
	MaxMemoizedResults     int     `yaml:"max_memoized_results"`
	VariantMissLimit       uint64  `yaml:"variant_miss_limit"`
	AdaptInterval          uint64  `yaml:"adapt_interval"`
}

// Config is the configuration of the whole tier.
type Config struct {
	Compiler    CompilerConfig     `yaml:"compiler"`
	Deopt       deopt.Config       `yaml:"deopt"`
	InlineCache inlinecache.Config `yaml:"inline_cache"`
	Values      valuespec.Config   `yaml:"values"`
	Loops       loopspec.Config    `yaml:"loops"`
	Budget      budget.Config      `yaml:"budget"`
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{
		Compiler: CompilerConfig{
			MinBenefit:             0.3,
			ProfileConstraint:      "^1.0.0",
			HotExecutions:          100,
			TypeStabilityThreshold: 0.95,
			BranchBiasThreshold:    0.9,
			SeedObservations:       100,
			FunctionMemoryMB:       0.5,
			GuardMemoryMB:          0.01,
			BaseCompileTimeMS:      2,
			CompileTimePerGuardMS:  0.5,
			MaxMemoizedResults:     64,
			VariantMissLimit:       8,
			AdaptInterval:          256,
		},
		Deopt:       deopt.DefaultConfig(),
		InlineCache: inlinecache.DefaultConfig(),
		Values:      valuespec.DefaultConfig(),
		Loops:       loopspec.DefaultConfig(),
		Budget:      budget.DefaultConfig(),
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	cc := c.Compiler
	switch {
	case cc.MinBenefit < 0 || cc.MinBenefit > 1:
		return specerrors.InvalidConfig("compiler.min_benefit", cc.MinBenefit)
	case cc.HotExecutions == 0:
		return specerrors.InvalidConfig("compiler.hot_executions", cc.HotExecutions)
	case cc.TypeStabilityThreshold <= 0 || cc.TypeStabilityThreshold > 1:
		return specerrors.InvalidConfig("compiler.type_stability_threshold", cc.TypeStabilityThreshold)
	case cc.BranchBiasThreshold <= 0.5 || cc.BranchBiasThreshold > 1:
		return specerrors.InvalidConfig("compiler.branch_bias_threshold", cc.BranchBiasThreshold)
	}
	if _, err := semver.NewConstraint(cc.ProfileConstraint); err != nil {
		return specerrors.InvalidConfig("compiler.profile_constraint", cc.ProfileConstraint)
	}
	if err := c.Deopt.Validate(); err != nil {
		return err
	}
	return c.Budget.Validate()
}
