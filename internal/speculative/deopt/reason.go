// Package deopt decides how far a speculative function falls back when one
// of its assumptions breaks, and which guards to adjust.
package deopt

import (
	"fmt"

	"github.com/orizon-lang/orizon-speculate/internal/speculative/guard"
	"github.com/orizon-lang/orizon-speculate/internal/tiering"
)

// Level is the severity of a deoptimization. Levels are ordered and
// Blacklist is terminal.
type Level int

const (
	LevelSoft Level = iota
	LevelMedium
	LevelHard
	LevelBlacklist
)

func (l Level) String() string {
	switch l {
	case LevelSoft:
		return "soft"
	case LevelMedium:
		return "medium"
	case LevelHard:
		return "hard"
	case LevelBlacklist:
		return "blacklist"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ReasonKind discriminates Reason variants.
type ReasonKind int

const (
	ReasonGuardFailure ReasonKind = iota
	ReasonRangeViolation
	ReasonTypeInstability
	ReasonBranchMisprediction
	ReasonRepeatedFailures
	ReasonExecutionError
)

func (k ReasonKind) String() string {
	switch k {
	case ReasonGuardFailure:
		return "guard_failure"
	case ReasonRangeViolation:
		return "range_violation"
	case ReasonTypeInstability:
		return "type_instability"
	case ReasonBranchMisprediction:
		return "branch_misprediction"
	case ReasonRepeatedFailures:
		return "repeated_failures"
	case ReasonExecutionError:
		return "execution_error"
	}
	return fmt.Sprintf("reason(%d)", int(k))
}

// Reason is the closed set of causes for a deoptimization.
type Reason interface {
	Kind() ReasonKind
}

// GuardFailure: a type-style guard rejected Observed.
type GuardFailure struct {
	Guard    guard.ID
	Observed tiering.Value
}

// RangeViolation: a numeric operand fell outside its speculated range.
type RangeViolation struct {
	Guard    guard.ID
	Observed float64
}

// TypeInstability: the operand kind keeps changing; the guard is not worth keeping.
type TypeInstability struct {
	Guard guard.ID
}

// BranchMisprediction: a predicted branch went the other way.
type BranchMisprediction struct {
	Guard  guard.ID
	Branch tiering.BranchID
}

// RepeatedFailures: the function failed Count times inside the recent window.
type RepeatedFailures struct {
	Count int
}

// ExecutionError: the speculative code itself failed.
type ExecutionError struct {
	Message string
}

func (GuardFailure) Kind() ReasonKind        { return ReasonGuardFailure }
func (RangeViolation) Kind() ReasonKind      { return ReasonRangeViolation }
func (TypeInstability) Kind() ReasonKind     { return ReasonTypeInstability }
func (BranchMisprediction) Kind() ReasonKind { return ReasonBranchMisprediction }
func (RepeatedFailures) Kind() ReasonKind    { return ReasonRepeatedFailures }
func (ExecutionError) Kind() ReasonKind      { return ReasonExecutionError }

// AdjustmentKind discriminates Adjustment variants.
type AdjustmentKind int

const (
	AdjustRelaxTypeCheck AdjustmentKind = iota
	AdjustExpandRange
	AdjustRemoveGuard
	AdjustReduceConfidence
)

// Adjustment is a suggested change to one guard.
type Adjustment interface {
	Kind() AdjustmentKind
	Target() guard.ID
}

// RelaxTypeCheck widens a TypeCheck to also accept Accept.
type RelaxTypeCheck struct {
	Guard  guard.ID
	Accept tiering.ValueKind
}

// ExpandRange widens a RangeCheck to include Include plus a relative Margin.
type ExpandRange struct {
	Guard   guard.ID
	Include float64
	Margin  float64
}

// RemoveGuard drops a guard.
type RemoveGuard struct {
	Guard guard.ID
}

// ReduceConfidenceThreshold scales the confidence of a BranchPrediction guard.
type ReduceConfidenceThreshold struct {
	Guard  guard.ID
	Factor float64
}

func (RelaxTypeCheck) Kind() AdjustmentKind            { return AdjustRelaxTypeCheck }
func (ExpandRange) Kind() AdjustmentKind               { return AdjustExpandRange }
func (RemoveGuard) Kind() AdjustmentKind               { return AdjustRemoveGuard }
func (ReduceConfidenceThreshold) Kind() AdjustmentKind { return AdjustReduceConfidence }

func (a RelaxTypeCheck) Target() guard.ID            { return a.Guard }
func (a ExpandRange) Target() guard.ID               { return a.Guard }
func (a RemoveGuard) Target() guard.ID               { return a.Guard }
func (a ReduceConfidenceThreshold) Target() guard.ID { return a.Guard }

// Apply rewrites t according to the adjustment. ok is false when the
// adjustment removes the guard or does not apply to t's kind.
func Apply(a Adjustment, t guard.Type) (guard.Type, bool) {
	switch a := a.(type) {
	case RelaxTypeCheck:
		tc, isTC := t.(guard.TypeCheck)
		if !isTC {
			return t, false
		}
		if !tc.Accepts(a.Accept) {
			tc.Alternates = append(append([]tiering.ValueKind(nil), tc.Alternates...), a.Accept)
		}
		return tc, true
	case ExpandRange:
		rc, isRC := t.(guard.RangeCheck)
		if !isRC {
			return t, false
		}
		if a.Include < rc.Min {
			rc.Min = a.Include
		}
		if a.Include > rc.Max {
			rc.Max = a.Include
		}
		pad := (rc.Max - rc.Min) * a.Margin
		rc.Min -= pad
		rc.Max += pad
		return rc, true
	case ReduceConfidenceThreshold:
		bp, isBP := t.(guard.BranchPrediction)
		if !isBP {
			return t, false
		}
		bp.Confidence *= a.Factor
		return bp, true
	}
	return t, false
}
