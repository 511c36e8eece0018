package guard

import (
	"math/rand"
	"testing"

	"github.com/orizon-lang/orizon-speculate/internal/errors"
	"github.com/orizon-lang/orizon-speculate/internal/tiering"
)

func TestTypeCheckIntegerOperand(t *testing.T) {
	m := NewManager()
	id := m.CreateGuard(TypeCheck{Operand: 0, Expected: tiering.KindInteger})

	v, err := m.Validate(id, []tiering.Value{tiering.Int(5)})
	if err != nil {
		t.Fatal(err)
	}
	if !v.Valid {
		t.Fatalf("Integer(5) should pass TypeCheck{Integer,0}")
	}

	v, err = m.Validate(id, []tiering.Value{tiering.String("x")})
	if err != nil {
		t.Fatal(err)
	}
	if v.Valid || v.Reason != ReasonTypeMismatch {
		t.Fatalf("String(\"x\") should fail with type mismatch, got %+v", v)
	}

	g, _ := m.Get(id)
	if g.Validations != 2 || g.Failures != 1 || g.SuccessRate != 0.5 {
		t.Fatalf("unexpected counters %+v", g)
	}
}

func TestGuardPredicates(t *testing.T) {
	arr := tiering.Array(tiering.Int(1), tiering.Int(2), tiering.Int(3))
	obj := tiering.Object(map[string]tiering.Value{"x": tiering.Int(1), "y": tiering.Int(2)})
	tests := []struct {
		name   string
		guard  Type
		values []tiering.Value
		valid  bool
	}{
		{"range-lower-inclusive", RangeCheck{Operand: 0, Min: 1, Max: 10}, []tiering.Value{tiering.Int(1)}, true},
		{"range-upper-inclusive", RangeCheck{Operand: 0, Min: 1, Max: 10}, []tiering.Value{tiering.Float(10)}, true},
		{"range-below", RangeCheck{Operand: 0, Min: 1, Max: 10}, []tiering.Value{tiering.Float(0.999)}, false},
		{"range-above", RangeCheck{Operand: 0, Min: 1, Max: 10}, []tiering.Value{tiering.Int(11)}, false},
		{"range-non-numeric", RangeCheck{Operand: 0, Min: 1, Max: 10}, []tiering.Value{tiering.String("5")}, false},
		{"null-present", NullCheck{Operand: 0}, []tiering.Value{tiering.Int(0)}, true},
		{"null-null", NullCheck{Operand: 0}, []tiering.Value{tiering.Null()}, false},
		{"null-absent", NullCheck{Operand: 2}, []tiering.Value{tiering.Int(0)}, false},
		{"bounds-first", BoundsCheck{ArrayOperand: 0, IndexOperand: 1}, []tiering.Value{arr, tiering.Int(0)}, true},
		{"bounds-last", BoundsCheck{ArrayOperand: 0, IndexOperand: 1}, []tiering.Value{arr, tiering.Int(2)}, true},
		{"bounds-len", BoundsCheck{ArrayOperand: 0, IndexOperand: 1}, []tiering.Value{arr, tiering.Int(3)}, false},
		{"bounds-negative", BoundsCheck{ArrayOperand: 0, IndexOperand: 1}, []tiering.Value{arr, tiering.Int(-1)}, false},
		{"constant-equal", ConstantValue{Operand: 0, Value: tiering.String("k")}, []tiering.Value{tiering.String("k")}, true},
		{"constant-differs", ConstantValue{Operand: 0, Value: tiering.Int(3)}, []tiering.Value{tiering.Float(3)}, false},
		{"shape-match", ObjectShape{Operand: 0, FieldCount: 2}, []tiering.Value{obj}, true},
		{"shape-mismatch", ObjectShape{Operand: 0, FieldCount: 3}, []tiering.Value{obj}, false},
		{"type-alternate", TypeCheck{Operand: 0, Expected: tiering.KindInteger, Alternates: []tiering.ValueKind{tiering.KindFloat}}, []tiering.Value{tiering.Float(1)}, true},
	}
	m := NewManager()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := m.CreateGuard(tt.guard)
			v, err := m.Validate(id, tt.values)
			if err != nil {
				t.Fatal(err)
			}
			if v.Valid != tt.valid {
				t.Fatalf("%s on %v: valid=%v, want %v (reason %s)", tt.guard, tt.values, v.Valid, tt.valid, v.Reason)
			}
		})
	}
}

func TestRangeCheckSoundness(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	m := NewManager()
	for i := 0; i < 500; i++ {
		lo := float64(r.Intn(200) - 100)
		hi := lo + float64(r.Intn(50))
		x := int64(r.Intn(300) - 150)
		id := m.CreateGuard(RangeCheck{Operand: 0, Min: lo, Max: hi})
		v, err := m.Validate(id, []tiering.Value{tiering.Int(x)})
		if err != nil {
			t.Fatal(err)
		}
		want := lo <= float64(x) && float64(x) <= hi
		if v.Valid != want {
			t.Fatalf("RangeCheck[%g,%g](%d) = %v, want %v", lo, hi, x, v.Valid, want)
		}
	}
}

func TestPostRunGuards(t *testing.T) {
	m := NewManager()
	branch := m.CreateGuard(BranchPrediction{Branch: 4, ExpectTaken: true, Confidence: 0.9})
	inline := m.CreateGuard(InliningConstraint{Site: 2, Target: 10})

	res, err := m.CheckGuards([]ID{branch, inline}, Input{
		Branches: []tiering.BranchObservation{{Branch: 4, Taken: true}, {Branch: 5, Taken: false}},
		Calls:    []tiering.CallObservation{{Site: 2, Target: 10}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Fatalf("expected valid, got %+v", res)
	}

	res, _ = m.CheckGuards([]ID{branch, inline}, Input{
		Branches: []tiering.BranchObservation{{Branch: 4, Taken: false}},
		Calls:    []tiering.CallObservation{{Site: 2, Target: 11}},
	})
	if res.Valid || len(res.Failed) != 2 {
		t.Fatalf("expected both guards to fail, got %+v", res)
	}
	if res.Reasons[ReasonBranchMispredicted] != 1 || res.Reasons[ReasonTargetMismatch] != 1 {
		t.Fatalf("reason aggregation wrong: %v", res.Reasons)
	}
}

func TestDanglingAndRemove(t *testing.T) {
	m := NewManager()
	id := m.CreateGuard(NullCheck{Operand: 0})
	if !m.RemoveGuard(id) {
		t.Fatal("remove should report existing guard")
	}
	if _, err := m.Validate(id, []tiering.Value{tiering.Int(1)}); errors.KindOf(err) != errors.KindInvalidState {
		t.Fatalf("expected InvalidState for dangling guard, got %v", err)
	}
	if _, err := m.CheckGuards([]ID{id}, Input{}); err == nil {
		t.Fatal("CheckGuards must surface dangling ids")
	}
	if m.Len() != 0 {
		t.Fatalf("Len = %d", m.Len())
	}
}

func TestAdjustKeepsCounters(t *testing.T) {
	m := NewManager()
	id := m.CreateGuard(TypeCheck{Operand: 0, Expected: tiering.KindInteger})
	_, _ = m.Validate(id, []tiering.Value{tiering.Float(1)})
	err := m.Adjust(id, func(t Type) Type {
		tc := t.(TypeCheck)
		tc.Alternates = append(tc.Alternates, tiering.KindFloat)
		return tc
	})
	if err != nil {
		t.Fatal(err)
	}
	v, _ := m.Validate(id, []tiering.Value{tiering.Float(1)})
	if !v.Valid {
		t.Fatal("relaxed type check should accept Float")
	}
	g, _ := m.Get(id)
	if g.Validations != 2 || g.Failures != 1 {
		t.Fatalf("counters lost on adjust: %+v", g)
	}
	if s := m.Stats(); s.FailuresByReason[ReasonTypeMismatch] != 1 {
		t.Fatalf("stats = %+v", s)
	}
}
