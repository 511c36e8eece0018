// Package guard implements the runtime checks that protect speculative code.
// Guards are owned by a Manager and referenced everywhere else by ID.
package guard

import (
	"fmt"

	"github.com/orizon-lang/orizon-speculate/internal/tiering"
)

// ID indexes a guard inside its Manager.
type ID uint64

// Kind is the discriminant of a guard Type.
type Kind int

const (
	KindTypeCheck Kind = iota
	KindRangeCheck
	KindNullCheck
	KindBoundsCheck
	KindConstantValue
	KindObjectShape
	KindBranchPrediction
	KindInliningConstraint
)

var kindNames = [...]string{
	"TypeCheck", "RangeCheck", "NullCheck", "BoundsCheck",
	"ConstantValue", "ObjectShape", "BranchPrediction", "InliningConstraint",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// FailureReason explains why a guard rejected its input.
type FailureReason int

const (
	ReasonNone FailureReason = iota
	ReasonMissingOperand
	ReasonTypeMismatch
	ReasonNotNumeric
	ReasonOutOfRange
	ReasonNullValue
	ReasonIndexOutOfBounds
	ReasonValueMismatch
	ReasonShapeMismatch
	ReasonBranchMispredicted
	ReasonTargetMismatch
)

var reasonNames = [...]string{
	"none", "missing_operand", "type_mismatch", "not_numeric", "out_of_range",
	"null_value", "index_out_of_bounds", "value_mismatch", "shape_mismatch",
	"branch_mispredicted", "target_mismatch",
}

func (r FailureReason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Input is everything a guard may be validated against: the operand vector
// (function arguments or a loop observation vector) and, for guards checked
// after a run, the branch and call observations of that run.
type Input struct {
	Values   []tiering.Value
	Branches []tiering.BranchObservation
	Calls    []tiering.CallObservation
}

// Type is the closed set of guard predicates.
type Type interface {
	Kind() Kind
	String() string
	check(in Input) FailureReason
}

func operand(in Input, i int) (tiering.Value, bool) {
	if i < 0 || i >= len(in.Values) {
		return tiering.Value{}, false
	}
	return in.Values[i], true
}

// TypeCheck holds when the operand's kind is Expected or one of Alternates.
type TypeCheck struct {
	Operand    int
	Expected   tiering.ValueKind
	Alternates []tiering.ValueKind
}

func (TypeCheck) Kind() Kind { return KindTypeCheck }

func (g TypeCheck) String() string {
	return fmt.Sprintf("TypeCheck{%d:%s%v}", g.Operand, g.Expected, g.Alternates)
}

func (g TypeCheck) check(in Input) FailureReason {
	v, ok := operand(in, g.Operand)
	if !ok {
		return ReasonMissingOperand
	}
	if v.Kind == g.Expected {
		return ReasonNone
	}
	for _, k := range g.Alternates {
		if v.Kind == k {
			return ReasonNone
		}
	}
	return ReasonTypeMismatch
}

// Accepts reports whether kind k passes the check.
func (g TypeCheck) Accepts(k tiering.ValueKind) bool {
	if k == g.Expected {
		return true
	}
	for _, a := range g.Alternates {
		if a == k {
			return true
		}
	}
	return false
}

// RangeCheck holds when the numeric operand lies in [Min, Max].
type RangeCheck struct {
	Operand  int
	Min, Max float64
}

func (RangeCheck) Kind() Kind { return KindRangeCheck }

func (g RangeCheck) String() string {
	return fmt.Sprintf("RangeCheck{%d:[%g,%g]}", g.Operand, g.Min, g.Max)
}

func (g RangeCheck) check(in Input) FailureReason {
	v, ok := operand(in, g.Operand)
	if !ok {
		return ReasonMissingOperand
	}
	n, ok := v.Numeric()
	if !ok {
		return ReasonNotNumeric
	}
	if n < g.Min || n > g.Max {
		return ReasonOutOfRange
	}
	return ReasonNone
}

// NullCheck holds when the operand is present and not null.
type NullCheck struct {
	Operand int
}

func (NullCheck) Kind() Kind { return KindNullCheck }

func (g NullCheck) String() string { return fmt.Sprintf("NullCheck{%d}", g.Operand) }

func (g NullCheck) check(in Input) FailureReason {
	v, ok := operand(in, g.Operand)
	if !ok {
		return ReasonMissingOperand
	}
	if v.IsNull() {
		return ReasonNullValue
	}
	return ReasonNone
}

// BoundsCheck holds when the integer at IndexOperand is a valid index into
// the array at ArrayOperand.
type BoundsCheck struct {
	ArrayOperand int
	IndexOperand int
}

func (BoundsCheck) Kind() Kind { return KindBoundsCheck }

func (g BoundsCheck) String() string {
	return fmt.Sprintf("BoundsCheck{%d[%d]}", g.ArrayOperand, g.IndexOperand)
}

func (g BoundsCheck) check(in Input) FailureReason {
	arr, ok := operand(in, g.ArrayOperand)
	if !ok {
		return ReasonMissingOperand
	}
	idx, ok := operand(in, g.IndexOperand)
	if !ok {
		return ReasonMissingOperand
	}
	if arr.Kind != tiering.KindArray || idx.Kind != tiering.KindInteger {
		return ReasonTypeMismatch
	}
	if idx.Int < 0 || idx.Int >= int64(len(arr.Elems)) {
		return ReasonIndexOutOfBounds
	}
	return ReasonNone
}

// ConstantValue holds when the operand equals Value.
type ConstantValue struct {
	Operand int
	Value   tiering.Value
}

func (ConstantValue) Kind() Kind { return KindConstantValue }

func (g ConstantValue) String() string {
	return fmt.Sprintf("ConstantValue{%d:%s}", g.Operand, g.Value)
}

func (g ConstantValue) check(in Input) FailureReason {
	v, ok := operand(in, g.Operand)
	if !ok {
		return ReasonMissingOperand
	}
	if !v.Equal(g.Value) {
		return ReasonValueMismatch
	}
	return ReasonNone
}

// ObjectShape holds when the operand is an object with FieldCount fields.
type ObjectShape struct {
	Operand    int
	FieldCount int
}

func (ObjectShape) Kind() Kind { return KindObjectShape }

func (g ObjectShape) String() string {
	return fmt.Sprintf("ObjectShape{%d:%d}", g.Operand, g.FieldCount)
}

func (g ObjectShape) check(in Input) FailureReason {
	v, ok := operand(in, g.Operand)
	if !ok {
		return ReasonMissingOperand
	}
	if v.Kind != tiering.KindObject {
		return ReasonTypeMismatch
	}
	if len(v.Fields) != g.FieldCount {
		return ReasonShapeMismatch
	}
	return ReasonNone
}

// BranchPrediction holds when every observed outcome of Branch matches
// ExpectTaken. Confidence is lowered by deoptimization adjustments.
type BranchPrediction struct {
	Branch      tiering.BranchID
	ExpectTaken bool
	Confidence  float64
}

func (BranchPrediction) Kind() Kind { return KindBranchPrediction }

func (g BranchPrediction) String() string {
	return fmt.Sprintf("BranchPrediction{%d:%v@%.2f}", g.Branch, g.ExpectTaken, g.Confidence)
}

func (g BranchPrediction) check(in Input) FailureReason {
	for _, b := range in.Branches {
		if b.Branch == g.Branch && b.Taken != g.ExpectTaken {
			return ReasonBranchMispredicted
		}
	}
	return ReasonNone
}

// InliningConstraint holds when every call observed at Site went to Target.
type InliningConstraint struct {
	Site   tiering.SiteID
	Target tiering.FunctionID
}

func (InliningConstraint) Kind() Kind { return KindInliningConstraint }

func (g InliningConstraint) String() string {
	return fmt.Sprintf("InliningConstraint{%d->%d}", g.Site, g.Target)
}

func (g InliningConstraint) check(in Input) FailureReason {
	for _, c := range in.Calls {
		if c.Site == g.Site && c.Target != g.Target {
			return ReasonTargetMismatch
		}
	}
	return ReasonNone
}

// PostRun reports whether a guard type is validated against run observations
// rather than against the entry operands.
func PostRun(t Type) bool {
	switch t.Kind() {
	case KindBranchPrediction, KindInliningConstraint:
		return true
	}
	return false
}
