package rule

import "math"

// ValueKind tags the runtime type of an evaluated Value.
type ValueKind string

const (
	KindNull ValueKind = "null"
	KindBool ValueKind = "bool"
	KindInt  ValueKind = "int"
	KindFloat ValueKind = "float"
	KindString ValueKind = "string"
	KindList ValueKind = "list"
	KindMap  ValueKind = "map"
)

// Value is the tagged runtime value produced by expression evaluation.
type Value struct {
	Kind ValueKind
	Bool bool
	Int  int64
	Flt  float64
	Str  string
	List []Value
	Map  map[string]Value
}

func Null() Value             { return Value{Kind: KindNull} }
func Bool(b bool) Value       { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value       { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value   { return Value{Kind: KindFloat, Flt: f} }
func Str(s string) Value      { return Value{Kind: KindString, Str: s} }
func List(v []Value) Value    { return Value{Kind: KindList, List: v} }
func Map(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }

// Infinity is the MAX sentinel returned by StateTimeSince for an unseen key.
var Infinity = Float(math.Inf(1))

// Truthy reports whether v should be treated as true in a boolean context.
// Only KindBool participates in logical composition directly; this helper
// exists for predicate short-circuiting.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNull:
		return false
	default:
		return true
	}
}

// AsFloat returns v as a float64 if it is numeric, with ok=false otherwise.
func (v Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.Int), true
	case KindFloat:
		return v.Flt, true
	default:
		return 0, false
	}
}

// equal implements cross-numeric equality (int<->float promote); other
// cross-type comparisons are false without raising.
func equal(a, b Value) bool {
	if af, aok := a.AsFloat(); aok {
		if bf, bok := b.AsFloat(); bok {
			return af == bf
		}
		return false
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindString:
		return a.Str == b.Str
	case KindList:
		if len(a.List) != len(b.List) {
			return false
		}
		for i := range a.List {
			if !equal(a.List[i], b.List[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.Map) != len(b.Map) {
			return false
		}
		for k, av := range a.Map {
			bv, ok := b.Map[k]
			if !ok || !equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// compare returns -1/0/1 for a<b/a==b/a>b. ok is false for a cross-type,
// non-numeric comparison (the caller degrades the predicate to false).
func compare(a, b Value) (int, bool) {
	if af, aok := a.AsFloat(); aok {
		if bf, bok := b.AsFloat(); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	if a.Kind == KindString && b.Kind == KindString {
		switch {
		case a.Str < b.Str:
			return -1, true
		case a.Str > b.Str:
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

// FromGo converts a plain Go value (as produced by encoding/json unmarshal
// or gjson) into a Value.
func FromGo(v interface{}) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case string:
		return Str(t)
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			// JSON numbers decode as float64; keep them float unless the
			// caller specifically needs int semantics. Comparisons promote
			// cross-numerically anyway, so this only affects Kind display.
			return Float(t)
		}
		return Float(t)
	case []interface{}:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = FromGo(e)
		}
		return List(out)
	case map[string]interface{}:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[k] = FromGo(e)
		}
		return Map(out)
	default:
		return Null()
	}
}
