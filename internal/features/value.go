// Package features turns a raw transaction record into the numeric feature
// vector the scoring models were trained against.
//
// The transformation is order-sensitive and must reproduce the training-time
// pipeline exactly: flattening of nested groups, numeric coercion, day-delta
// rebasing, synthetic identity keys, frequency and group-statistic lookups,
// and categorical coercion. Anything that cannot be computed degrades to the
// sentinel value -1 instead of failing the request.
package features

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Sentinel is substituted for every feature that is absent or cannot be computed.
const Sentinel = -1.0

// ErrMalformedInput is returned when a raw transaction does not have the
// expected flat/nested shape.
var ErrMalformedInput = errors.New("features: malformed input")

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindString
	KindBool
	KindGroup
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindGroup:
		return "group"
	default:
		return "unknown"
	}
}

// Value is a raw attribute value: null, integer, float, string, boolean, or a
// nested group of further attributes. The zero Value is null.
type Value struct {
	kind  Kind
	i     int64
	f     float64
	s     string
	b     bool
	group Record
}

// Record maps attribute names to raw values. A RawTransaction is a Record.
type Record map[string]Value

func Null() Value { return Value{} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Group(r Record) Value { return Value{kind: KindGroup, group: r} }
func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) Str() string { return v.s }
func (v Value) Record() Record { return v.group }

// Number reports the numeric value for Int, Float and Bool variants.
func (v Value) Number() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// PyString renders the value the way the training pipeline stringified it
// when building lookup keys: integers in decimal, floats in shortest
// round-trip form ("315.0", "1e+16"), booleans as True/False and null as None.
func (v Value) PyString() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return FormatFloat(v.f)
	case KindString:
		return v.s
	case KindBool:
		if v.b {
			return "True"
		}
		return "False"
	case KindGroup:
		return fmt.Sprintf("%v", v.group)
	default:
		return "None"
	}
}

// FormatFloat formats f like Python's repr for floats.
func FormatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	if f == 0 {
		if math.Signbit(f) {
			return "-0.0"
		}
		return "0.0"
	}
	exp := int(math.Floor(math.Log10(math.Abs(f))))
	// Log10 can land one off near powers of ten; the 'e' form is authoritative.
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	if i := strings.IndexByte(sci, 'e'); i >= 0 {
		if e, err := strconv.Atoi(sci[i+1:]); err == nil {
			exp = e
		}
	}
	if exp < -4 || exp >= 16 {
		return sci
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}

// FromAny converts a decoded JSON value into a Value. Numbers should be
// decoded with json.Decoder.UseNumber so integers keep their integer form.
func FromAny(x any) (Value, error) {
	return fromAny(x, "")
}

func fromAny(x any, path string) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %s: invalid number %q", ErrMalformedInput, path, t.String())
		}
		return Float(f), nil
	case float64:
		return Float(t), nil
	case float32:
		return Float(float64(t)), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case int32:
		return Int(int64(t)), nil
	case map[string]any:
		r := make(Record, len(t))
		for k, sub := range t {
			val, err := fromAny(sub, joinPath(path, k))
			if err != nil {
				return Value{}, err
			}
			r[k] = val
		}
		return Group(r), nil
	default:
		return Value{}, fmt.Errorf("%w: %s: unsupported value of type %T", ErrMalformedInput, path, x)
	}
}

// RecordFromMap converts a decoded JSON object into a Record.
func RecordFromMap(m map[string]any) (Record, error) {
	r := make(Record, len(m))
	for k, x := range m {
		v, err := fromAny(x, k)
		if err != nil {
			return nil, err
		}
		r[k] = v
	}
	return r, nil
}

// UnmarshalJSON decodes a JSON object into the record, keeping integer and
// float literals distinct.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if m == nil {
		return fmt.Errorf("%w: transaction must be a JSON object", ErrMalformedInput)
	}
	if err := checkDuplicateKeys(json.NewDecoder(bytes.NewReader(data)), ""); err != nil {
		return err
	}
	rec, err := RecordFromMap(m)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

// checkDuplicateKeys walks one JSON value token by token and rejects any
// object that names the same key twice. A map decode keeps the last one.
func checkDuplicateKeys(dec *json.Decoder, path string) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	switch delim {
	case '{':
		seen := make(map[string]bool)
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedInput, err)
			}
			key, _ := kt.(string)
			name := joinPath(path, key)
			if seen[key] {
				return fmt.Errorf("%w: duplicate attribute %q", ErrMalformedInput, name)
			}
			seen[key] = true
			if err := checkDuplicateKeys(dec, name); err != nil {
				return err
			}
		}
	case '[':
		for dec.More() {
			if err := checkDuplicateKeys(dec, path); err != nil {
				return err
			}
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return nil
}

// MarshalJSON encodes the record back to plain JSON.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.toAny())
}

func (r Record) toAny() map[string]any {
	m := make(map[string]any, len(r))
	for k, v := range r {
		m[k] = v.toAny()
	}
	return m
}

func (v Value) toAny() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBool:
		return v.b
	case KindGroup:
		return v.group.toAny()
	default:
		return nil
	}
}

// Keys returns the record's attribute names in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
