package expressions

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Condition values follow the loose, dynamically-typed semantics workflow
// authors expect from the editor: numeric strings compare as numbers, missing
// values are falsy, and == coerces across types.

type undefined struct{}

// Undefined marks a context lookup that found nothing. It is distinct from a JSON null.
var Undefined any = undefined{}

func isUndefined(v any) bool {
	_, ok := v.(undefined)
	return ok
}

func isNullish(v any) bool {
	return v == nil || isUndefined(v)
}

type valueClass int

const (
	classUndefined valueClass = iota
	classNull
	classBool
	classNumber
	classString
	classObject
)

func classify(v any) valueClass {
	switch v.(type) {
	case undefined:
		return classUndefined
	case nil:
		return classNull
	case bool:
		return classBool
	case string:
		return classString
	}
	if _, ok := numeric(v); ok {
		return classNumber
	}
	return classObject
}

// numeric converts Go number representations to float64.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return math.NaN(), true
		}
		return f, true
	}
	return 0, false
}

// Truthy reports the boolean coercion of v: undefined, null, false, 0, NaN and
// "" are false; everything else, including empty objects and arrays, is true.
func Truthy(v any) bool {
	switch classify(v) {
	case classUndefined, classNull:
		return false
	case classBool:
		return v.(bool)
	case classNumber:
		f, _ := numeric(v)
		return f != 0 && !math.IsNaN(f)
	case classString:
		return v.(string) != ""
	default:
		return true
	}
}

// ToNumber converts v to a number. Unconvertible values yield NaN.
func ToNumber(v any) float64 {
	switch classify(v) {
	case classUndefined:
		return math.NaN()
	case classNull:
		return 0
	case classBool:
		if v.(bool) {
			return 1
		}
		return 0
	case classNumber:
		f, _ := numeric(v)
		return f
	case classString:
		return stringToNumber(v.(string))
	default:
		if arr, ok := v.([]any); ok {
			switch len(arr) {
			case 0:
				return 0
			case 1:
				return stringToNumber(ToString(arr[0]))
			}
		}
		return math.NaN()
	}
}

func stringToNumber(s string) float64 {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return 0
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "0x") {
		n, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return math.NaN()
		}
		return float64(n)
	}
	if strings.ContainsAny(lower, "inxp_") {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

// ToString converts v to its display string.
func ToString(v any) string {
	switch classify(v) {
	case classUndefined:
		return "undefined"
	case classNull:
		return "null"
	case classBool:
		return strconv.FormatBool(v.(bool))
	case classNumber:
		f, _ := numeric(v)
		return formatNumber(f)
	case classString:
		return v.(string)
	}
	switch val := v.(type) {
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			if isNullish(item) {
				continue
			}
			parts[i] = ToString(item)
		}
		return strings.Join(parts, ",")
	default:
		return "[object Object]"
	}
}

func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	if abs := math.Abs(f); abs >= 1e21 || abs < 1e-6 {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		s = strings.Replace(s, "e+0", "e+", 1)
		return strings.Replace(s, "e-0", "e-", 1)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// toPrimitive reduces objects and arrays to their string form; other values pass through.
func toPrimitive(v any) any {
	if classify(v) == classObject {
		return ToString(v)
	}
	return v
}

// LooseEqual implements coercing equality: null and undefined equal each other
// only; numbers and strings compare numerically; booleans compare as 0/1;
// objects compare by their string form against primitives and never equal each other.
func LooseEqual(a, b any) bool {
	ca, cb := classify(a), classify(b)
	aNullish := ca == classUndefined || ca == classNull
	bNullish := cb == classUndefined || cb == classNull
	if aNullish || bNullish {
		return aNullish && bNullish
	}
	if ca == classObject && cb == classObject {
		return false
	}
	if ca == cb {
		switch ca {
		case classBool:
			return a.(bool) == b.(bool)
		case classString:
			return a.(string) == b.(string)
		case classNumber:
			return ToNumber(a) == ToNumber(b)
		}
	}
	if ca == classBool {
		return LooseEqual(ToNumber(a), b)
	}
	if cb == classBool {
		return LooseEqual(a, ToNumber(b))
	}
	if ca == classObject {
		return LooseEqual(toPrimitive(a), b)
	}
	if cb == classObject {
		return LooseEqual(a, toPrimitive(b))
	}
	// number vs string
	return ToNumber(a) == ToNumber(b)
}

// Compare applies a relational operator (<, >, <=, >=). Two strings compare
// lexicographically; anything else compares numerically and NaN is never ordered.
func Compare(a any, op string, b any) bool {
	pa, pb := toPrimitive(a), toPrimitive(b)
	if sa, ok := pa.(string); ok {
		if sb, ok := pb.(string); ok {
			switch op {
			case "<":
				return sa < sb
			case ">":
				return sa > sb
			case "<=":
				return sa <= sb
			case ">=":
				return sa >= sb
			}
			return false
		}
	}
	na, nb := ToNumber(pa), ToNumber(pb)
	if math.IsNaN(na) || math.IsNaN(nb) {
		return false
	}
	switch op {
	case "<":
		return na < nb
	case ">":
		return na > nb
	case "<=":
		return na <= nb
	case ">=":
		return na >= nb
	}
	return false
}
