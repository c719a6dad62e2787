package features

import (
	"errors"
	"fmt"
)

// FeatureOrder is the exact column order the models were trained on.
type FeatureOrder struct {
	names []string
	index map[string]int
}

// NewFeatureOrder validates and indexes a canonical feature order. Names
// must be non-empty and unique.
func NewFeatureOrder(names []string) (*FeatureOrder, error) {
	if len(names) == 0 {
		return nil, errors.New("features: feature order is empty")
	}
	o := &FeatureOrder{
		names: make([]string, len(names)),
		index: make(map[string]int, len(names)),
	}
	for i, n := range names {
		if n == "" {
			return nil, fmt.Errorf("features: feature order has an empty name at position %d", i)
		}
		if prev, dup := o.index[n]; dup {
			return nil, fmt.Errorf("features: feature %q appears at positions %d and %d", n, prev, i)
		}
		o.names[i] = n
		o.index[n] = i
	}
	return o, nil
}

func (o *FeatureOrder) Len() int { return len(o.names) }

// Names returns a copy of the ordered names.
func (o *FeatureOrder) Names() []string {
	out := make([]string, len(o.names))
	copy(out, o.names)
	return out
}

// Name returns the feature at position i.
func (o *FeatureOrder) Name(i int) string { return o.names[i] }

// Index returns the position of a feature.
func (o *FeatureOrder) Index(name string) (int, bool) {
	i, ok := o.index[name]
	return i, ok
}

// Vector is a feature table aligned to a FeatureOrder.
type Vector struct {
	order  *FeatureOrder
	values []float64
}

// Align reindexes an engineered table to the canonical order. Missing
// features are Sentinel; extra features are dropped.
func Align(t *Table, order *FeatureOrder) *Vector {
	v := &Vector{order: order, values: make([]float64, order.Len())}
	for i, name := range order.names {
		x, ok := t.Get(name)
		if !ok {
			x = Sentinel
		}
		v.values[i] = x
	}
	return v
}

func (v *Vector) Len() int { return len(v.values) }
func (v *Vector) At(i int) float64 { return v.values[i] }
func (v *Vector) Order() *FeatureOrder { return v.order }

// Get returns the value of a named feature.
func (v *Vector) Get(name string) (float64, bool) {
	i, ok := v.order.Index(name)
	if !ok {
		return 0, false
	}
	return v.values[i], true
}

// Values returns a copy of the values in canonical order.
func (v *Vector) Values() []float64 {
	out := make([]float64, len(v.values))
	copy(out, v.values)
	return out
}
