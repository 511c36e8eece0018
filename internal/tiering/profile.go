package tiering

import (
	"context"
	"sort"
)

// ProfileSchemaVersion is the version of the ProfileData layout produced by
// the engines in this module.
const ProfileSchemaVersion = "1.2.0"

type (
	SiteID   uint64
	BranchID uint64
	LoopID   uint64
)

// Tier is the compilation tier level of an engine.
type Tier int

const (
	Tier0Interpreter Tier = iota
	Tier1Baseline
	Tier2Optimizing
	Tier3Aggressive
	Tier4Speculative
)

func (t Tier) String() string {
	switch t {
	case Tier0Interpreter:
		return "T0"
	case Tier1Baseline:
		return "T1"
	case Tier2Optimizing:
		return "T2"
	case Tier3Aggressive:
		return "T3"
	case Tier4Speculative:
		return "T4"
	}
	return "T?"
}

// ProfileData is what a lower tier has learned about one function.
type ProfileData struct {
	Function       FunctionID
	SchemaVersion  string
	Tier           Tier
	ExecutionCount uint64
	Arguments      []ArgumentProfile
	Branches       []BranchProfile
	CallSites      []CallSiteProfile
	Loops          []LoopSample
}

// ArgumentProfile summarizes the values observed for one argument position.
type ArgumentProfile struct {
	Index      int
	TypeCounts map[ValueKind]uint64
	Values     []ValueSample // descending by Count
}

// DominantKind returns the most observed kind and its share of observations.
func (a ArgumentProfile) DominantKind() (ValueKind, float64) {
	var (
		best  ValueKind
		count uint64
		total uint64
	)
	for k, c := range a.TypeCounts {
		total += c
		if c > count || (c == count && k < best) {
			best, count = k, c
		}
	}
	if total == 0 {
		return KindNull, 0
	}
	return best, float64(count) / float64(total)
}

type ValueSample struct {
	Value Value
	Count uint64
}

type BranchProfile struct {
	Branch   BranchID
	Taken    uint64
	NotTaken uint64
}

// Bias returns the dominant direction and its probability.
func (b BranchProfile) Bias() (taken bool, probability float64) {
	total := b.Taken + b.NotTaken
	if total == 0 {
		return true, 0
	}
	if b.Taken >= b.NotTaken {
		return true, float64(b.Taken) / float64(total)
	}
	return false, float64(b.NotTaken) / float64(total)
}

type CallSiteProfile struct {
	Site    SiteID
	Targets []CallTargetSample
}

type CallTargetSample struct {
	Target    FunctionID
	Signature string
	Count     uint64
}

// LoopSample is the lower tier's trip-count histogram for one loop.
type LoopSample struct {
	Loop            LoopID
	Executions      uint64
	IterationCounts map[uint64]uint64
}

// Body is the baseline implementation of a function. It reports what it
// observes (branches, calls, loop trips) to the frame.
type Body func(f *Frame, args []Value) (Value, error)

// LoopStructure is the static shape of a loop as seen by the front end.
type LoopStructure struct {
	Loop         LoopID
	Instructions int
	Calls        int
	MemoryOps    int
	Nesting      int
}

// Source is what the front end hands to a compiling tier.
type Source struct {
	Name      string
	Arity     int
	Pure      bool // no side effects; the body may be run again or memoized
	Body      Body
	Loops     []LoopStructure
	CallSites []SiteID
	Branches  []BranchID
	Profile   *ProfileData
}

// ExecutionEngine is the capability of running a function.
type ExecutionEngine interface {
	Execute(ctx context.Context, id FunctionID, args []Value) (Value, error)
	TierLevel() Tier
	CollectProfileData(id FunctionID) (*ProfileData, bool)
}

// CompilationEngine is the capability of compiling a function for a tier.
type CompilationEngine interface {
	CompileFunction(ctx context.Context, id FunctionID, src *Source) error
	TierLevel() Tier
	ShouldPromote(id FunctionID) bool
}

// sortSamples orders value samples by descending count, then by key for
// deterministic output.
func sortSamples(s []ValueSample) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Count != s[j].Count {
			return s[i].Count > s[j].Count
		}
		return s[i].Value.Key() < s[j].Value.Key()
	})
}
