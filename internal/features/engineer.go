package features

import (
	"math"
	"strconv"
	"strings"
)

const secondsPerDay = 86400.0

// Attributes coerced to numbers before anything else reads them.
var numericColumns = []string{"TransactionAmt", "TransactionDT", "D1", "D15", "addr1", "card1", "dist1"}

// Day-delta attributes re-expressed relative to the transaction day.
// D1, D2, D3, D5 and D9 are left as-is.
var rebasedColumns = []string{"D4", "D6", "D7", "D8", "D10", "D11", "D12", "D13", "D14", "D15"}

// Identifier columns skipped by the categorical pass.
var identifierColumns = map[string]bool{"uid": true, "TransactionID": true, "id": true}

// Threshold in days for the D1/D15 divergence flag.
const outsiderDays = 3.0

// Table is the engineered feature table for one transaction: numeric
// columns in creation order, plus string identifiers kept out of the
// numeric namespace.
type Table struct {
	names       []string
	values      map[string]float64
	identifiers map[string]string
	collisions  []Collision
}

func (t *Table) Len() int { return len(t.names) }

// Names returns the numeric column names in order.
func (t *Table) Names() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// Get returns a numeric column value.
func (t *Table) Get(name string) (float64, bool) {
	v, ok := t.values[name]
	return v, ok
}

// Identifier returns a string identifier column such as the synthetic uid.
func (t *Table) Identifier(name string) (string, bool) {
	s, ok := t.identifiers[name]
	return s, ok
}

// Collisions lists attributes discarded while flattening.
func (t *Table) Collisions() []Collision {
	out := make([]Collision, len(t.collisions))
	copy(out, t.collisions)
	return out
}

// Engineer applies the training-time feature transformation. It holds only
// immutable lookup state and may be shared between goroutines.
type Engineer struct {
	enc        *EncodingTable
	vocab      map[string]map[string]int
	collisions CollisionPolicy
}

// Option configures an Engineer.
type Option func(*Engineer)

// WithCategories declares the vocabulary of enumerated columns. A value's
// code is its position in the list.
func WithCategories(categories map[string][]string) Option {
	return func(e *Engineer) {
		for col, levels := range categories {
			m := make(map[string]int, len(levels))
			for i, l := range levels {
				if _, dup := m[l]; !dup {
					m[l] = i
				}
			}
			e.vocab[col] = m
		}
	}
}

// WithCollisionPolicy sets how flatten collisions are handled.
func WithCollisionPolicy(p CollisionPolicy) Option {
	return func(e *Engineer) {
		e.collisions = p
	}
}

// NewEngineer creates an engineer over the given encoding table. A nil table
// behaves as an empty one.
func NewEngineer(enc *EncodingTable, opts ...Option) *Engineer {
	if enc == nil {
		enc = &EncodingTable{stats: map[string]map[string]float64{}, groupKeys: map[string]string{}}
	}
	e := &Engineer{
		enc:        enc,
		vocab:      make(map[string]map[string]int),
		collisions: CollisionWarn,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Encoding returns the encoding table the engineer looks statistics up in.
func (e *Engineer) Encoding() *EncodingTable { return e.enc }

// Transform engineers a raw transaction. It fails only on malformed input;
// missing or unusable attributes become Sentinel.
func (e *Engineer) Transform(raw Record) (*Table, error) {
	f, collisions, err := flatten(raw, e.collisions)
	if err != nil {
		return nil, err
	}

	coerceNumeric(f)
	rebaseDays(f)

	dt := number(f, "TransactionDT")
	amt := number(f, "TransactionAmt")
	day := dt / secondsPerDay
	f.set("day", Float(day))
	f.set("cents", Float(float64(float32(amt-math.Floor(amt)))))

	buildUID(f, day)
	e.applyLookups(f)

	d1, d15 := number(f, "D1"), number(f, "D15")
	if math.Abs(d1-d15) > outsiderDays {
		f.set("outsider15", Int(1))
	} else {
		f.set("outsider15", Int(0))
	}

	t := e.categorize(f)
	t.collisions = collisions
	return t, nil
}

func coerceNumeric(f *frame) {
	for _, col := range numericColumns {
		v, _ := f.get(col)
		f.set(col, toNumeric(v))
	}
}

// toNumeric coerces a raw value to Int or Float, or Sentinel when it has no
// numeric reading.
func toNumeric(v Value) Value {
	switch v.Kind() {
	case KindInt, KindBool:
		return v
	case KindFloat:
		if math.IsNaN(v.f) {
			return Float(Sentinel)
		}
		return v
	case KindString:
		s := strings.TrimSpace(v.Str())
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i)
		}
		if x, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(x) {
			return Float(x)
		}
	}
	return Float(Sentinel)
}

func rebaseDays(f *frame) {
	dt := number(f, "TransactionDT")
	for _, col := range rebasedColumns {
		v, ok := f.get(col)
		if !ok {
			continue
		}
		x, ok := v.Number()
		if !ok || math.IsNaN(x) {
			f.set(col, Float(Sentinel))
			continue
		}
		f.set(col, Float(x-dt/secondsPerDay))
	}
}

func buildUID(f *frame, day float64) {
	card1, _ := f.get("card1")
	addr1, _ := f.get("addr1")
	email, _ := f.get("P_emaildomain")

	cardAddr := card1.PyString() + "_" + addr1.PyString()
	f.set("card1_addr1", String(cardAddr))
	f.set("card1_addr1_P_emaildomain", String(cardAddr+"_"+email.PyString()))
	f.set("uid", String(cardAddr+"_"+FormatFloat(math.Floor(day-number(f, "D1")))))
}

func (e *Engineer) applyLookups(f *frame) {
	for _, name := range e.enc.names {
		switch {
		case IsFrequencyFeature(name):
			src, ok := f.get(FrequencySource(name))
			if !ok {
				f.set(name, Float(Sentinel))
				continue
			}
			if stat, hit := e.enc.Lookup(name, src.PyString()); hit {
				f.set(name, Float(float64(float32(stat))))
			} else {
				f.set(name, Float(Sentinel))
			}
		case IsAggregateFeature(name):
			col, ok := e.enc.GroupKey(name)
			if !ok {
				continue
			}
			key, ok := f.get(col)
			if !ok {
				continue
			}
			if stat, hit := e.enc.Lookup(name, key.PyString()); hit {
				f.set(name, Float(stat))
			} else {
				f.set(name, Float(Sentinel))
			}
		}
	}
}

// categorize converts every column to a number and builds the final table.
// Names already taken are collapsed to their first occurrence.
func (e *Engineer) categorize(f *frame) *Table {
	t := &Table{
		names:       make([]string, 0, len(f.names)),
		values:      make(map[string]float64, len(f.names)),
		identifiers: make(map[string]string),
	}
	for _, name := range f.names {
		if _, dup := t.values[name]; dup {
			continue
		}
		if _, dup := t.identifiers[name]; dup {
			continue
		}
		v := f.vals[name]
		if identifierColumns[name] {
			switch v.Kind() {
			case KindString:
				t.identifiers[name] = v.Str()
				continue
			case KindNull:
				continue
			}
		}
		t.names = append(t.names, name)
		t.values[name] = e.encodeValue(name, v)
	}
	return t
}

func (e *Engineer) encodeValue(name string, v Value) float64 {
	if levels, ok := e.vocab[name]; ok {
		if v.IsNull() {
			return Sentinel
		}
		if code, ok := levels[v.PyString()]; ok {
			return float64(code)
		}
		return Sentinel
	}
	switch v.Kind() {
	case KindInt, KindFloat, KindBool:
		x, _ := v.Number()
		return x
	case KindString:
		x, err := strconv.ParseFloat(strings.TrimSpace(v.Str()), 64)
		if err != nil || math.IsNaN(x) || math.IsInf(x, 0) {
			return Sentinel
		}
		return math.Trunc(x)
	default:
		return Sentinel
	}
}

// number reads a column that has already been coerced; anything else is Sentinel.
func number(f *frame, name string) float64 {
	v, ok := f.get(name)
	if !ok {
		return Sentinel
	}
	x, ok := v.Number()
	if !ok {
		return Sentinel
	}
	return x
}
