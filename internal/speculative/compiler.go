// Package speculative is the top tier of the execution pipeline. It compiles
// optimistic versions of hot functions from lower-tier profiles, protects
// every assumption with a guard and deoptimizes to the fallback tier when a
// guard fails.
package speculative

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/singleflight"

	"github.com/orizon-lang/orizon-speculate/internal/speculative/budget"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/deopt"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/guard"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/inlinecache"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/loopspec"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/valuespec"
	"github.com/orizon-lang/orizon-speculate/internal/tiering"
)

var (
	_ tiering.ExecutionEngine   = (*Compiler)(nil)
	_ tiering.CompilationEngine = (*Compiler)(nil)
)

// Metadata is the running record of a speculative function.
type Metadata struct {
	Benefit     float64
	CompiledAt  time.Time
	SuccessRate float64
	Failures    uint64
	Deopts      uint64
	Level       deopt.Level
	RetryAt     time.Time
}

// Function is a compiled speculative function. Guards are IDs into the
// compiler's guard manager.
type Function struct {
	ID       tiering.FunctionID
	Source   *tiering.Source
	Artifact *Artifact
	// Guards are validated against the arguments before the run.
	Guards []guard.ID
	// PostGuards are validated against the branch and call observations of
	// the run.
	PostGuards  []guard.ID
	Metadata    Metadata
	Executions  uint64
	Successes   uint64
	Blacklisted bool

	allocation uint64
}

func (f *Function) stats() deopt.FunctionStats {
	return deopt.FunctionStats{Executions: f.Executions, Successes: f.Successes}
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Compiler) { c.now = now }
}

// WithLogger sets the logger; the default is log.Root().
func WithLogger(l log.Logger) Option {
	return func(c *Compiler) { c.logger = l }
}

// Compiler is the speculative tier. It exclusively owns every speculation
// subsystem; compile and execute of one function are serialized.
type Compiler struct {
	cfg        Config
	constraint *semver.Constraints
	fallback   tiering.ExecutionEngine

	guards *guard.Manager
	deopt  *deopt.Manager
	cache  *inlinecache.Cache
	values *valuespec.Engine
	loops  *loopspec.Engine
	budget *budget.Manager

	compiles singleflight.Group

	mu        sync.RWMutex
	functions map[tiering.FunctionID]*Function
	locks     map[tiering.FunctionID]*sync.Mutex

	executions           atomic.Uint64
	speculativeAttempts  atomic.Uint64
	speculativeSuccesses atomic.Uint64
	fallbacks            atomic.Uint64
	memoHits             atomic.Uint64

	now    func() time.Time
	logger log.Logger
}

// New creates the tier on top of fallback, the engine every deoptimized
// execution resumes in.
func New(cfg Config, fallback tiering.ExecutionEngine, opts ...Option) (*Compiler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fallback == nil {
		return nil, fmt.Errorf("speculative: nil fallback engine")
	}
	constraint, err := semver.NewConstraint(cfg.Compiler.ProfileConstraint)
	if err != nil {
		return nil, err
	}
	c := &Compiler{
		cfg:        cfg,
		constraint: constraint,
		fallback:   fallback,
		functions:  make(map[tiering.FunctionID]*Function),
		locks:      make(map[tiering.FunctionID]*sync.Mutex),
		now:        time.Now,
		logger:     log.Root(),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.New("tier", tiering.Tier4Speculative)

	c.guards = guard.NewManager()
	c.deopt = deopt.NewManager(cfg.Deopt, c.now, c.logger)
	c.cache = inlinecache.New(cfg.InlineCache, c.now)
	c.values = valuespec.NewEngine(cfg.Values, c.now)
	c.loops = loopspec.NewEngine(cfg.Loops, c.guards)
	c.budget = budget.NewManager(cfg.Budget, c.logger)
	c.budget.Register("inline_cache", c.cache)
	c.budget.Register("value_speculation", c.values)
	c.budget.Register("loop_specialization", c.loops)
	return c, nil
}

// Reconfigure applies the live-tunable parts of cfg: deoptimization
// thresholds and the budget.
func (c *Compiler) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := c.deopt.SetConfig(cfg.Deopt); err != nil {
		return err
	}
	c.budget.SetConfig(cfg.Budget)
	c.mu.Lock()
	c.cfg.Deopt, c.cfg.Budget = cfg.Deopt, cfg.Budget
	c.mu.Unlock()
	c.logger.Info("Configuration reloaded", "policy", cfg.Budget.Policy, "medium", cfg.Deopt.MediumThreshold,
		"hard", cfg.Deopt.HardThreshold, "blacklist", cfg.Deopt.BlacklistThreshold)
	return nil
}

// Config returns the configuration in effect, including sections changed by
// Reconfigure.
func (c *Compiler) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *Compiler) lockFor(id tiering.FunctionID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = new(sync.Mutex)
		c.locks[id] = l
	}
	return l
}

func (c *Compiler) function(id tiering.FunctionID) *Function {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.functions[id]
}

// Function returns a copy of the record of a compiled function.
func (c *Compiler) Function(id tiering.FunctionID) (Function, bool) {
	l := c.lockFor(id)
	l.Lock()
	defer l.Unlock()
	fn := c.function(id)
	if fn == nil {
		return Function{}, false
	}
	cp := *fn
	cp.Guards = append([]guard.ID(nil), fn.Guards...)
	cp.PostGuards = append([]guard.ID(nil), fn.PostGuards...)
	return cp, true
}

// TierLevel implements tiering.ExecutionEngine and tiering.CompilationEngine.
func (c *Compiler) TierLevel() tiering.Tier { return tiering.Tier4Speculative }

// ShouldPromote is always false: there is no tier above this one.
func (c *Compiler) ShouldPromote(tiering.FunctionID) bool { return false }

// CollectProfileData reports what this tier has learned about a function.
func (c *Compiler) CollectProfileData(id tiering.FunctionID) (*tiering.ProfileData, bool) {
	l := c.lockFor(id)
	l.Lock()
	defer l.Unlock()
	fn := c.function(id)
	if fn == nil {
		return nil, false
	}
	pd := &tiering.ProfileData{
		Function:       id,
		SchemaVersion:  tiering.ProfileSchemaVersion,
		Tier:           tiering.Tier4Speculative,
		ExecutionCount: fn.Executions,
	}
	for i := 0; i < fn.Source.Arity; i++ {
		p, ok := c.values.Profile(argLocation(id, i))
		if !ok {
			continue
		}
		ap := tiering.ArgumentProfile{Index: i, TypeCounts: make(map[tiering.ValueKind]uint64)}
		for _, e := range p.Entries {
			ap.TypeCounts[e.Value.Kind] += e.Guaranteed()
			ap.Values = append(ap.Values, tiering.ValueSample{Value: e.Value, Count: e.Guaranteed()})
		}
		pd.Arguments = append(pd.Arguments, ap)
	}
	for _, site := range fn.Source.CallSites {
		s, ok := c.cache.Site(site)
		if !ok {
			continue
		}
		cs := tiering.CallSiteProfile{Site: site}
		for _, e := range s.Entries {
			cs.Targets = append(cs.Targets, tiering.CallTargetSample{Target: e.Target, Signature: e.Signature, Count: e.HitCount})
		}
		pd.CallSites = append(pd.CallSites, cs)
	}
	for _, ls := range fn.Source.Loops {
		p, ok := c.loops.Profile(ls.Loop)
		if !ok {
			continue
		}
		pd.Loops = append(pd.Loops, tiering.LoopSample{Loop: ls.Loop, Executions: p.Executions, IterationCounts: p.Histogram})
	}
	return pd, true
}

func argLocation(id tiering.FunctionID, i int) valuespec.Location {
	return valuespec.Location(fmt.Sprintf("%s%d", functionPrefix(id), i))
}

func functionPrefix(id tiering.FunctionID) string {
	return fmt.Sprintf("f%d/arg", id)
}

// entrySite is the inline cache site recording calls into a function.
func entrySite(id tiering.FunctionID) tiering.SiteID {
	return tiering.SiteID(1<<63 | uint64(id))
}
