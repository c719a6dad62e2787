package features

import (
	"fmt"
	"sort"
)

// Groups that are always flattened first, in this order. Any other
// map-valued attribute follows in sorted key order.
var declaredGroups = []string{"identity", "vFeatures"}

// CollisionPolicy decides what happens when flattening produces a name
// that is already present.
type CollisionPolicy string

const (
	// CollisionWarn keeps the first value written and records the collision.
	CollisionWarn CollisionPolicy = "warn"
	// CollisionReject fails the transaction with ErrMalformedInput.
	CollisionReject CollisionPolicy = "reject"
)

// ParseCollisionPolicy maps a config string to a policy. Empty means warn.
func ParseCollisionPolicy(s string) (CollisionPolicy, error) {
	switch CollisionPolicy(s) {
	case "", CollisionWarn:
		return CollisionWarn, nil
	case CollisionReject:
		return CollisionReject, nil
	default:
		return "", fmt.Errorf("unknown collision policy %q (want warn or reject)", s)
	}
}

// Collision records a flattened attribute that was discarded because an
// earlier attribute already used its name.
type Collision struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

// frame is the ordered working table the engineering steps mutate.
type frame struct {
	names []string
	vals  map[string]Value
}

func newFrame(capacity int) *frame {
	return &frame{
		names: make([]string, 0, capacity),
		vals:  make(map[string]Value, capacity),
	}
}

func (f *frame) has(name string) bool {
	_, ok := f.vals[name]
	return ok
}

func (f *frame) get(name string) (Value, bool) {
	v, ok := f.vals[name]
	return v, ok
}

// set overwrites an existing column in place or appends a new one.
func (f *frame) set(name string, v Value) {
	if _, ok := f.vals[name]; !ok {
		f.names = append(f.names, name)
	}
	f.vals[name] = v
}

// flatten expands nested groups into top-level names. Top-level scalars
// are written first so they always win a collision.
func flatten(raw Record, policy CollisionPolicy) (*frame, []Collision, error) {
	if raw == nil {
		return nil, nil, fmt.Errorf("%w: transaction is empty", ErrMalformedInput)
	}
	f := newFrame(len(raw) * 2)

	var groups []string
	for _, k := range raw.Keys() {
		v := raw[k]
		if isDeclaredGroup(k) {
			switch v.Kind() {
			case KindGroup, KindNull:
			default:
				return nil, nil, fmt.Errorf("%w: %s must be an object, got %s", ErrMalformedInput, k, v.Kind())
			}
			continue
		}
		if v.Kind() == KindGroup {
			groups = append(groups, k)
			continue
		}
		f.set(k, v)
	}

	order := make([]string, 0, len(declaredGroups)+len(groups))
	for _, g := range declaredGroups {
		if v, ok := raw[g]; ok && v.Kind() == KindGroup {
			order = append(order, g)
		}
	}
	sort.Strings(groups)
	order = append(order, groups...)

	var collisions []Collision
	for _, g := range order {
		err := flattenGroup(f, g, "", raw[g].Record(), policy, &collisions)
		if err != nil {
			return nil, nil, err
		}
	}
	return f, collisions, nil
}

func flattenGroup(f *frame, group, prefix string, r Record, policy CollisionPolicy, out *[]Collision) error {
	for _, k := range r.Keys() {
		v := r[k]
		name := joinPath(prefix, k)
		if v.Kind() == KindGroup {
			if err := flattenGroup(f, group, name, v.Record(), policy, out); err != nil {
				return err
			}
			continue
		}
		if f.has(name) {
			if policy == CollisionReject {
				return fmt.Errorf("%w: %s.%s collides with an existing attribute", ErrMalformedInput, group, name)
			}
			*out = append(*out, Collision{Name: name, Group: group})
			continue
		}
		f.set(name, v)
	}
	return nil
}

func isDeclaredGroup(name string) bool {
	for _, g := range declaredGroups {
		if g == name {
			return true
		}
	}
	return false
}
