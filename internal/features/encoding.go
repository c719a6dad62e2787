package features

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrGroupKeyAmbiguous is returned at load time when an aggregate feature's
// grouping column is neither declared nor unambiguously derivable from its name.
var ErrGroupKeyAmbiguous = errors.New("features: ambiguous group key")

// Columns an aggregate statistic can be grouped by.
var groupColumns = []string{
	"uid",
	"card1",
	"card2",
	"card3",
	"card5",
	"addr1",
	"card1_addr1",
	"card1_addr1_P_emaildomain",
}

// Only these may be inferred from a feature name; anything else must be declared.
var inferableGroups = map[string]bool{"uid": true, "card1": true}

// IsFrequencyFeature reports whether name is a frequency-encoded feature.
func IsFrequencyFeature(name string) bool {
	return strings.HasSuffix(name, "_FE")
}

// IsAggregateFeature reports whether name is a grouped mean/std/count feature.
func IsAggregateFeature(name string) bool {
	if IsFrequencyFeature(name) {
		return false
	}
	return strings.Contains(name, "_mean") || strings.Contains(name, "_std") || strings.Contains(name, "_ct")
}

// FrequencySource returns the raw column a frequency feature counts.
func FrequencySource(name string) string {
	return strings.ReplaceAll(name, "_FE", "")
}

// EncodingTable holds the precomputed per-category statistics. It is built
// once and is safe for concurrent reads.
type EncodingTable struct {
	stats     map[string]map[string]float64
	groupKeys map[string]string
	names     []string
}

// NewEncodingTable copies stats and resolves a grouping column for every
// aggregate feature. declared maps feature name to grouping column and takes
// precedence over name inference.
func NewEncodingTable(stats map[string]map[string]float64, declared map[string]string) (*EncodingTable, error) {
	t := &EncodingTable{
		stats:     make(map[string]map[string]float64, len(stats)),
		groupKeys: make(map[string]string),
		names:     make([]string, 0, len(stats)),
	}
	var unresolved []string
	for name, m := range stats {
		cp := make(map[string]float64, len(m))
		for k, v := range m {
			cp[k] = v
		}
		t.stats[name] = cp
		t.names = append(t.names, name)

		if !IsAggregateFeature(name) {
			continue
		}
		if g, ok := declared[name]; ok {
			if strings.TrimSpace(g) == "" {
				return nil, fmt.Errorf("%w: %s: declared group key is empty", ErrGroupKeyAmbiguous, name)
			}
			t.groupKeys[name] = g
			continue
		}
		g, err := inferGroupKey(name)
		if err != nil {
			unresolved = append(unresolved, err.Error())
			continue
		}
		t.groupKeys[name] = g
	}
	sort.Strings(t.names)
	if len(unresolved) > 0 {
		sort.Strings(unresolved)
		return nil, fmt.Errorf("%w: %s", ErrGroupKeyAmbiguous, strings.Join(unresolved, "; "))
	}
	return t, nil
}

// Names returns the encoded feature names in sorted order.
func (t *EncodingTable) Names() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// Len returns the number of encoded features.
func (t *EncodingTable) Len() int {
	return len(t.names)
}

// Lookup returns the statistic recorded for key under the given feature.
func (t *EncodingTable) Lookup(feature, key string) (float64, bool) {
	m, ok := t.stats[feature]
	if !ok {
		return 0, false
	}
	v, ok := m[key]
	return v, ok
}

// GroupKey returns the grouping column resolved for an aggregate feature.
func (t *EncodingTable) GroupKey(feature string) (string, bool) {
	g, ok := t.groupKeys[feature]
	return g, ok
}

// inferGroupKey finds the single maximal grouping column spelled out in the
// feature name as whole underscore-separated tokens.
func inferGroupKey(name string) (string, error) {
	tokens := strings.Split(name, "_")
	type span struct {
		col        string
		start, end int
	}
	var matches []span
	for _, col := range groupColumns {
		ct := strings.Split(col, "_")
		for i := 0; i+len(ct) <= len(tokens); i++ {
			if equalTokens(tokens[i:i+len(ct)], ct) {
				matches = append(matches, span{col: col, start: i, end: i + len(ct)})
			}
		}
	}

	var maximal []string
	seen := make(map[string]bool)
	for i, m := range matches {
		covered := false
		for j, o := range matches {
			if i == j {
				continue
			}
			if o.start <= m.start && m.end <= o.end && (o.end-o.start) > (m.end-m.start) {
				covered = true
				break
			}
		}
		if !covered && !seen[m.col] {
			seen[m.col] = true
			maximal = append(maximal, m.col)
		}
	}

	switch {
	case len(maximal) == 0:
		return "", fmt.Errorf("%s: no grouping column in name", name)
	case len(maximal) > 1:
		return "", fmt.Errorf("%s: matches %s", name, strings.Join(maximal, ", "))
	}
	col := maximal[0]
	if !inferableGroups[col] {
		return "", fmt.Errorf("%s: grouping column %s must be declared", name, col)
	}
	return col, nil
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
