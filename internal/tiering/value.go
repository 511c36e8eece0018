// Package tiering defines the contracts shared between execution tiers:
// function identity, the tagged runtime value union, lower-tier profile data,
// and the execution/compilation capability interfaces.
package tiering

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// FunctionID identifies a function across all tiers.
type FunctionID uint64

// ValueKind is the type discriminant of a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindInteger
	KindFloat
	KindBoolean
	KindString
	KindArray
	KindObject
)

var kindNames = [...]string{"Null", "Integer", "Float", "Boolean", "String", "Array", "Object"}

func (k ValueKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is the runtime value union passed between tiers.
// Only the field selected by Kind is meaningful.
type Value struct {
	Kind   ValueKind
	Int    int64
	Float  float64
	Bool   bool
	Str    string
	Elems  []Value
	Fields map[string]Value
}

func Null() Value                 { return Value{Kind: KindNull} }
func Int(v int64) Value           { return Value{Kind: KindInteger, Int: v} }
func Float(v float64) Value       { return Value{Kind: KindFloat, Float: v} }
func Bool(v bool) Value           { return Value{Kind: KindBoolean, Bool: v} }
func String(v string) Value       { return Value{Kind: KindString, Str: v} }
func Array(elems ...Value) Value  { return Value{Kind: KindArray, Elems: elems} }
func Object(f map[string]Value) Value {
	return Value{Kind: KindObject, Fields: f}
}

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Numeric returns v as a float64 when v is an integer or float.
func (v Value) Numeric() (float64, bool) {
	switch v.Kind {
	case KindInteger:
		return float64(v.Int), true
	case KindFloat:
		return v.Float, true
	}
	return 0, false
}

// Len returns the element count of arrays, the field count of objects and
// the byte length of strings.
func (v Value) Len() int {
	switch v.Kind {
	case KindArray:
		return len(v.Elems)
	case KindObject:
		return len(v.Fields)
	case KindString:
		return len(v.Str)
	}
	return 0
}

// Equal is structural equality. Integers and floats never compare equal to
// each other: speculation on a value also speculates on its kind.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindInteger:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float || (math.IsNaN(v.Float) && math.IsNaN(o.Float))
	case KindBoolean:
		return v.Bool == o.Bool
	case KindString:
		return v.Str == o.Str
	case KindArray:
		if len(v.Elems) != len(o.Elems) {
			return false
		}
		for i := range v.Elems {
			if !v.Elems[i].Equal(o.Elems[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.Fields) != len(o.Fields) {
			return false
		}
		for k, fv := range v.Fields {
			ov, ok := o.Fields[k]
			if !ok || !fv.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// Key returns a canonical string usable as a map key for v.
func (v Value) Key() string {
	var b strings.Builder
	v.writeKey(&b)
	return b.String()
}

func (v Value) writeKey(b *strings.Builder) {
	switch v.Kind {
	case KindNull:
		b.WriteString("n")
	case KindInteger:
		b.WriteString("i")
		b.WriteString(strconv.FormatInt(v.Int, 10))
	case KindFloat:
		b.WriteString("f")
		b.WriteString(strconv.FormatFloat(v.Float, 'g', -1, 64))
	case KindBoolean:
		if v.Bool {
			b.WriteString("t")
		} else {
			b.WriteString("F")
		}
	case KindString:
		b.WriteString("s")
		b.WriteString(strconv.Quote(v.Str))
	case KindArray:
		b.WriteString("[")
		for i, e := range v.Elems {
			if i > 0 {
				b.WriteString(",")
			}
			e.writeKey(b)
		}
		b.WriteString("]")
	case KindObject:
		keys := make([]string, 0, len(v.Fields))
		for k := range v.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("{")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(strconv.Quote(k))
			b.WriteString(":")
			v.Fields[k].writeKey(b)
		}
		b.WriteString("}")
	}
}

// SizeBytes is a rough in-memory footprint used for budget accounting.
func (v Value) SizeBytes() int {
	n := 48
	switch v.Kind {
	case KindString:
		n += len(v.Str)
	case KindArray:
		for _, e := range v.Elems {
			n += e.SizeBytes()
		}
	case KindObject:
		for k, f := range v.Fields {
			n += len(k) + f.SizeBytes()
		}
	}
	return n
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindInteger:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindBoolean:
		return strconv.FormatBool(v.Bool)
	case KindString:
		return strconv.Quote(v.Str)
	default:
		return fmt.Sprintf("%s(%d)", v.Kind, v.Len())
	}
}

// Signature returns the type signature of an argument vector, e.g. "(Integer,String)".
func Signature(args []Value) string {
	var b strings.Builder
	b.WriteByte('(')
	for i, a := range args {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(a.Kind.String())
	}
	b.WriteByte(')')
	return b.String()
}
