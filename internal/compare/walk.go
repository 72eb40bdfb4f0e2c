package compare

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"sort"
	"strconv"
)

// Tolerance bounds how far two numbers may drift and still be equal.
// A pair is within tolerance when |a-b| <= Abs or |a-b| <= Rel*max(|a|,|b|).
type Tolerance struct {
	Rel float64 `json:"rel" yaml:"rel"`
	Abs float64 `json:"abs" yaml:"abs"`
}

// Default tolerances.
const (
	DefaultRelTolerance = 1e-9
	DefaultAbsTolerance = 1e-12
)

// DefaultTolerance returns the default numeric tolerance.
func DefaultTolerance() Tolerance {
	return Tolerance{Rel: DefaultRelTolerance, Abs: DefaultAbsTolerance}
}

// Within reports whether a and b are equal under t.
func (t Tolerance) Within(a, b float64) bool {
	if a == b {
		return true
	}
	diff := math.Abs(a - b)
	if diff <= t.Abs {
		return true
	}
	return diff <= t.Rel*math.Max(math.Abs(a), math.Abs(b))
}

// Class is the structural nature of a difference, independent of how a
// caller weighs it.
type Class int

const (
	// ClassPresence: an object key exists on one side only.
	ClassPresence Class = iota
	// ClassLength: an array element exists on one side only.
	ClassLength
	// ClassType: the JSON types differ.
	ClassType
	// ClassValue: same type, different scalar value.
	ClassValue
	// ClassNumericTolerated: numbers differ but within tolerance.
	ClassNumericTolerated
)

// Difference is one raw finding of Walk.
type Difference struct {
	Path   string
	Kind   Kind
	Class  Class
	Old    any
	New    any
	Detail string
}

// Decode parses a single JSON document, keeping numbers as json.Number so
// their literal text survives. Trailing data after the document is an error.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected data after JSON document")
	}
	return v, nil
}

// Walk compares old and new in lockstep and calls visit for every
// difference. Object keys are visited in sorted order; arrays are compared
// index by index and never reordered.
func Walk(old, new any, tol Tolerance, visit func(Difference)) {
	walk("$", old, new, tol, visit)
}

func walk(path string, old, new any, tol Tolerance, visit func(Difference)) {
	ot, nt := TypeName(old), TypeName(new)
	if ot != nt {
		visit(Difference{
			Path:   path,
			Kind:   KindChanged,
			Class:  ClassType,
			Old:    old,
			New:    new,
			Detail: fmt.Sprintf("type changed from %s to %s", ot, nt),
		})
		return
	}

	switch o := old.(type) {
	case map[string]any:
		n := new.(map[string]any)
		for _, k := range unionKeys(o, n) {
			ov, inOld := o[k]
			nv, inNew := n[k]
			child := JoinKey(path, k)
			switch {
			case inOld && !inNew:
				visit(Difference{Path: child, Kind: KindRemoved, Class: ClassPresence, Old: ov})
			case !inOld && inNew:
				visit(Difference{Path: child, Kind: KindAdded, Class: ClassPresence, New: nv})
			default:
				walk(child, ov, nv, tol, visit)
			}
		}
	case []any:
		n := new.([]any)
		common := min(len(o), len(n))
		for i := 0; i < common; i++ {
			walk(JoinIndex(path, i), o[i], n[i], tol, visit)
		}
		for i := common; i < len(o); i++ {
			visit(Difference{Path: JoinIndex(path, i), Kind: KindRemoved, Class: ClassLength, Old: o[i],
				Detail: fmt.Sprintf("array length changed from %d to %d", len(o), len(n))})
		}
		for i := common; i < len(n); i++ {
			visit(Difference{Path: JoinIndex(path, i), Kind: KindAdded, Class: ClassLength, New: n[i],
				Detail: fmt.Sprintf("array length changed from %d to %d", len(o), len(n))})
		}
	case json.Number:
		n, ok := new.(json.Number)
		if !ok {
			visit(Difference{Path: path, Kind: KindChanged, Class: ClassValue, Old: old, New: new})
			return
		}
		compareNumbers(path, o, n, tol, visit)
	default:
		// string, bool, nil
		if old != new {
			visit(Difference{Path: path, Kind: KindChanged, Class: ClassValue, Old: old, New: new})
		}
	}
}

func compareNumbers(path string, old, new json.Number, tol Tolerance, visit func(Difference)) {
	if old == new {
		return
	}
	of, oerr := strconv.ParseFloat(string(old), 64)
	nf, nerr := strconv.ParseFloat(string(new), 64)
	if oerr != nil || nerr != nil || !tol.Within(of, nf) {
		visit(Difference{Path: path, Kind: KindChanged, Class: ClassValue, Old: old, New: new})
		return
	}
	detail := fmt.Sprintf("numeric drift %g within tolerance", math.Abs(of-nf))
	if of == nf {
		detail = "same number, different literal"
	}
	visit(Difference{Path: path, Kind: KindChanged, Class: ClassNumericTolerated, Old: old, New: new, Detail: detail})
}

// TypeName returns the JSON type name of a decoded value.
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64, int, int64:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func unionKeys(a, b map[string]any) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

var plainKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// JoinKey extends a path with an object key: "$.a.b" or "$[\"odd key\"]".
func JoinKey(path, key string) string {
	if plainKey.MatchString(key) {
		return path + "." + key
	}
	return path + "[" + strconv.Quote(key) + "]"
}

// JoinIndex extends a path with an array index.
func JoinIndex(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}
