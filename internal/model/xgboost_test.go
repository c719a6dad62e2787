package model

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/entropy/internal/features"
)

type jsonTree = map[string]any

func stump(feature int, cond, left, right float64, defaultLeft int, gain float64) jsonTree {
	return jsonTree{
		"left_children":    []int{1, -1, -1},
		"right_children":   []int{2, -1, -1},
		"split_indices":    []int{feature, 0, 0},
		"split_conditions": []float64{cond, left, right},
		"split_type":       []int{0, 0, 0},
		"default_left":     []int{defaultLeft, 0, 0},
		"loss_changes":     []float64{gain, 0, 0},
	}
}

func modelJSON(t *testing.T, mutate func(learner map[string]any), trees ...jsonTree) []byte {
	t.Helper()
	learner := map[string]any{
		"feature_names": []string{"a", "b"},
		"learner_model_param": map[string]any{
			"base_score": "[5E-1]",
			"num_class":  "0",
			"num_target": "1",
		},
		"objective": map[string]any{"name": "binary:logistic"},
		"gradient_booster": map[string]any{
			"name":  "gbtree",
			"model": map[string]any{"trees": trees},
		},
	}
	if mutate != nil {
		mutate(learner)
	}
	data, err := json.Marshal(map[string]any{"learner": learner, "version": []int{2, 0, 3}})
	require.NoError(t, err)
	return data
}

func twoTrees() []jsonTree {
	return []jsonTree{
		stump(0, 0.5, -0.4, 0.6, 1, 10),
		stump(1, 2, 0.1, -0.2, 0, 4),
	}
}

func order(t *testing.T, names ...string) *features.FeatureOrder {
	t.Helper()
	o, err := features.NewFeatureOrder(names)
	require.NoError(t, err)
	return o
}

// vector runs values through the engineer and aligner, in order position.
func vector(t *testing.T, o *features.FeatureOrder, values ...float64) *features.Vector {
	t.Helper()
	require.Len(t, values, o.Len())
	rec := make(features.Record, len(values))
	for i, x := range values {
		rec[o.Name(i)] = features.Float(x)
	}
	table, err := features.NewEngineer(nil).Transform(rec)
	require.NoError(t, err)
	return features.Align(table, o)
}

func sigmoid(margin float64) float64 {
	return 1 / (1 + math.Exp(-margin))
}

func TestBoosterPredict(t *testing.T) {
	o := order(t, "a", "b")
	b, err := ParseBooster("fold0", modelJSON(t, nil, twoTrees()...), o)
	require.NoError(t, err)
	assert.Equal(t, "fold0", b.Name())
	assert.Equal(t, 2, b.NumTrees())

	tests := []struct {
		name   string
		a, b   float64
		margin float64
	}{
		{"left left", 0, 1, -0.4 + 0.1},
		{"left right", 0, 5, -0.4 - 0.2},
		{"right left", 3, 1, 0.6 + 0.1},
		{"threshold goes right", 0.5, 2, 0.6 - 0.2},
		{"sentinel is a value", -1, -1, -0.4 + 0.1},
		{"missing follows default", math.NaN(), math.NaN(), -0.4 - 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := b.Predict(vector(t, o, tt.a, tt.b))
			require.NoError(t, err)
			assert.InDelta(t, sigmoid(tt.margin), p, 1e-6)
		})
	}
}

func TestBoosterImportance(t *testing.T) {
	trees := append(twoTrees(), stump(0, 1, 0, 0, 0, 20))
	b, err := ParseBooster("m", modelJSON(t, nil, trees...), order(t, "a", "b"))
	require.NoError(t, err)

	assert.Equal(t, []FeatureImportance{
		{Feature: "a", Gain: 15},
		{Feature: "b", Gain: 4},
	}, b.Importance())
}

func TestBoosterFeatureNamesBindByName(t *testing.T) {
	// The model's feature 0 is "b" in the canonical order.
	data := modelJSON(t, func(l map[string]any) {
		l["feature_names"] = []string{"b", "zz"}
	}, twoTrees()...)
	o := order(t, "a", "b")
	b, err := ParseBooster("m", data, o)
	require.NoError(t, err)

	// Tree 0 reads b=0 -> left. Tree 1 reads zz which is absent -> default right.
	p, err := b.Predict(vector(t, o, 100, 0))
	require.NoError(t, err)
	assert.InDelta(t, sigmoid(-0.4-0.2), p, 1e-6)
	assert.Equal(t, "b", b.Importance()[0].Feature)
}

func TestBoosterPositionalNames(t *testing.T) {
	data := modelJSON(t, func(l map[string]any) {
		delete(l, "feature_names")
	}, twoTrees()...)
	o := order(t, "x", "y")
	b, err := ParseBooster("m", data, o)
	require.NoError(t, err)

	assert.Equal(t, "x", b.Importance()[0].Feature)
	assert.Equal(t, "y", b.Importance()[1].Feature)
}

func TestBoosterLogitRaw(t *testing.T) {
	data := modelJSON(t, func(l map[string]any) {
		l["objective"] = map[string]any{"name": "binary:logitraw"}
		l["learner_model_param"] = map[string]any{"base_score": "0.25"}
	}, twoTrees()...)
	o := order(t, "a", "b")
	b, err := ParseBooster("m", data, o)
	require.NoError(t, err)

	p, err := b.Predict(vector(t, o, 0, 1))
	require.NoError(t, err)
	assert.InDelta(t, 0.25-0.4+0.1, p, 1e-6)
}

func TestBoosterRejectsUnaligned(t *testing.T) {
	b, err := ParseBooster("m", modelJSON(t, nil, twoTrees()...), order(t, "a", "b"))
	require.NoError(t, err)

	_, err = b.Predict(vector(t, order(t, "a", "b"), 0, 0))
	assert.Error(t, err)
}

func TestBoosterLoadErrors(t *testing.T) {
	categorical := stump(0, 0.5, -0.4, 0.6, 1, 10)
	categorical["split_type"] = []int{1, 0, 0}

	cyclic := stump(0, 0.5, -0.4, 0.6, 1, 10)
	cyclic["left_children"] = []int{1, 2, -1}
	cyclic["right_children"] = []int{2, 2, -1}

	outOfRange := stump(5, 0.5, -0.4, 0.6, 1, 10)

	tests := []struct {
		name        string
		data        []byte
		unsupported bool
	}{
		{"categorical split", modelJSON(t, nil, categorical), true},
		{"dart booster", modelJSON(t, func(l map[string]any) {
			l["gradient_booster"].(map[string]any)["name"] = "dart"
		}, twoTrees()...), true},
		{"multi-class", modelJSON(t, func(l map[string]any) {
			l["learner_model_param"].(map[string]any)["num_class"] = "3"
		}, twoTrees()...), true},
		{"unknown objective", modelJSON(t, func(l map[string]any) {
			l["objective"] = map[string]any{"name": "reg:squarederror"}
		}, twoTrees()...), true},
		{"no trees", modelJSON(t, nil), false},
		{"cycle", modelJSON(t, nil, cyclic), false},
		{"feature out of range", modelJSON(t, nil, outOfRange), false},
		{"not json", []byte("{"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBooster("m", tt.data, order(t, "a", "b"))
			require.Error(t, err)
			if tt.unsupported {
				assert.ErrorIs(t, err, ErrUnsupportedModel)
			}
		})
	}
}

func TestFlagValue(t *testing.T) {
	var flags []flagValue
	require.NoError(t, json.Unmarshal([]byte(`[0, 1, true, false]`), &flags))
	assert.Equal(t, []flagValue{false, true, true, false}, flags)

	assert.Error(t, json.Unmarshal([]byte(`[2]`), &flags))
}

func TestParseScalar(t *testing.T) {
	v, err := parseScalar("[5E-1]")
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)

	v, err = parseScalar("0.1")
	require.NoError(t, err)
	assert.Equal(t, 0.1, v)

	v, err = parseScalar("")
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)

	_, err = parseScalar("abc")
	assert.Error(t, err)
}
