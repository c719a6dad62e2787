package scoring

import (
	"sort"

	"github.com/mbd888/entropy/internal/features"
	"github.com/mbd888/entropy/internal/model"
)

// Explain returns the k features with the highest gain importance in the
// reference model, paired with the transaction's own values.
//
// Only the reference model's importance is used, not an ensemble average.
// Ties keep the model's own feature order. Canonical features the model
// never split on rank after all others with zero importance. k <= 0 yields
// an empty list.
func Explain(v *features.Vector, ref model.Model, k int) []FeatureContribution {
	if k <= 0 {
		return []FeatureContribution{}
	}
	var ranked []FeatureContribution
	seen := make(map[string]bool)
	if ref != nil {
		for _, fi := range ref.Importance() {
			if seen[fi.Feature] {
				continue
			}
			seen[fi.Feature] = true
			ranked = append(ranked, FeatureContribution{Feature: fi.Feature, Importance: fi.Gain})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Importance > ranked[j].Importance
	})

	if len(ranked) < k && v != nil {
		for _, name := range v.Order().Names() {
			if len(ranked) == k {
				break
			}
			if !seen[name] {
				seen[name] = true
				ranked = append(ranked, FeatureContribution{Feature: name})
			}
		}
	}
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	for i := range ranked {
		ranked[i].Value = features.Sentinel
		if v == nil {
			continue
		}
		if x, ok := v.Get(ranked[i].Feature); ok {
			ranked[i].Value = x
		}
	}
	return ranked
}
