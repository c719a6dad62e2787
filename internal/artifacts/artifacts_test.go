package artifacts

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/entropy/internal/features"
)

// booster writes a single-stump model splitting feature 0 at cond.
func booster(names []string, cond, left, right float64) map[string]any {
	learner := map[string]any{
		"learner_model_param": map[string]any{"base_score": "5E-1", "num_class": "0", "num_target": "1"},
		"objective":           map[string]any{"name": "binary:logistic"},
		"gradient_booster": map[string]any{
			"name": "gbtree",
			"model": map[string]any{"trees": []any{map[string]any{
				"left_children":    []int{1, -1, -1},
				"right_children":   []int{2, -1, -1},
				"split_indices":    []int{0, 0, 0},
				"split_conditions": []float64{cond, left, right},
				"split_type":       []int{0, 0, 0},
				"default_left":     []int{1, 0, 0},
				"loss_changes":     []float64{7, 0, 0},
			}}},
		},
	}
	if names != nil {
		learner["feature_names"] = names
	}
	return map[string]any{"learner": learner}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func fixture(t *testing.T) Paths {
	t.Helper()
	root := t.TempDir()
	p := Dir(root)
	writeJSON(t, p.FeatureOrder, []string{"TransactionAmt", "card1_FE", "uid_TransactionAmt_mean", "ProductCD"})
	writeJSON(t, p.EncodingMaps, map[string]map[string]float64{
		"card1_FE":                {"13926": 12},
		"uid_TransactionAmt_mean": {"13926_315.0_-4.0": 55.5},
	})
	writeJSON(t, p.Categories, map[string][]string{"ProductCD": {"C", "H", "R", "S", "W"}})
	writeJSON(t, filepath.Join(p.ModelsDir, "fold1.json"), booster(nil, 100, -1, 1))
	writeJSON(t, filepath.Join(p.ModelsDir, "fold0.json"), booster([]string{"TransactionAmt", "card1_FE"}, 50, -2, 2))
	require.NoError(t, os.WriteFile(filepath.Join(p.ModelsDir, "README.txt"), []byte("ignored"), 0o644))
	return p
}

func TestLoad(t *testing.T) {
	p := fixture(t)

	a, err := NewLoader(p, features.CollisionWarn, nil).Load()
	require.NoError(t, err)

	assert.Equal(t, 4, a.Order.Len())
	assert.Equal(t, 2, a.Engineer.Encoding().Len())
	assert.Equal(t, []string{"fold0", "fold1"}, a.Ensemble.Names())
	assert.Equal(t, p.ModelsDir, a.Source)

	ref, ok := a.Ensemble.Reference()
	require.True(t, ok)
	assert.Equal(t, "fold0", ref.Name())

	tx := features.Record{
		"TransactionAmt": features.Float(68.5),
		"TransactionDT":  features.Int(86400),
		"card1":          features.Int(13926),
		"addr1":          features.Float(315),
		"D1":             features.Int(5),
		"ProductCD":      features.String("W"),
	}
	table, err := a.Engineer.Transform(tx)
	require.NoError(t, err)
	v := features.Align(table, a.Order)

	got, _ := v.Get("card1_FE")
	assert.Equal(t, 12.0, got)
	got, _ = v.Get("uid_TransactionAmt_mean")
	assert.Equal(t, 55.5, got)
	got, _ = v.Get("ProductCD")
	assert.Equal(t, 4.0, got)

	scores, err := a.Ensemble.Score(v)
	require.NoError(t, err)
	assert.Len(t, scores.Probabilities, 2)
}

func TestLoad_OptionalFilesMissing(t *testing.T) {
	p := fixture(t)
	require.NoError(t, os.Remove(p.Categories))
	p.GroupKeys = ""

	_, err := NewLoader(p, features.CollisionWarn, nil).Load()
	assert.NoError(t, err)
}

func TestLoad_DeclaredGroupKeys(t *testing.T) {
	p := fixture(t)
	writeJSON(t, p.EncodingMaps, map[string]map[string]float64{
		"addr1_amt_std": {"315": 3},
	})
	_, err := NewLoader(p, features.CollisionWarn, nil).Load()
	assert.True(t, errors.Is(err, features.ErrGroupKeyAmbiguous), "undeclared addr1 key should be rejected: %v", err)

	writeJSON(t, p.GroupKeys, map[string]string{"addr1_amt_std": "addr1"})
	a, err := NewLoader(p, features.CollisionWarn, nil).Load()
	require.NoError(t, err)
	col, ok := a.Engineer.Encoding().GroupKey("addr1_amt_std")
	assert.True(t, ok)
	assert.Equal(t, "addr1", col)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(t *testing.T, p *Paths)
		wantErr string
	}{
		{
			name:    "missing feature order",
			mutate:  func(t *testing.T, p *Paths) { require.NoError(t, os.Remove(p.FeatureOrder)) },
			wantErr: "feature_order.json",
		},
		{
			name:    "duplicate feature",
			mutate:  func(t *testing.T, p *Paths) { writeJSON(t, p.FeatureOrder, []string{"a", "a"}) },
			wantErr: "feature_order.json",
		},
		{
			name: "corrupt encoding maps",
			mutate: func(t *testing.T, p *Paths) {
				require.NoError(t, os.WriteFile(p.EncodingMaps, []byte("{"), 0o644))
			},
			wantErr: "encoding_maps.json",
		},
		{
			name: "corrupt model",
			mutate: func(t *testing.T, p *Paths) {
				require.NoError(t, os.WriteFile(filepath.Join(p.ModelsDir, "fold2.json"), []byte(`{"learner":{}}`), 0o644))
			},
			wantErr: "fold2.json",
		},
		{
			name: "no models",
			mutate: func(t *testing.T, p *Paths) {
				p.ModelsDir = t.TempDir()
			},
			wantErr: "no models",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := fixture(t)
			tt.mutate(t, &p)
			_, err := NewLoader(p, features.CollisionWarn, nil).Load()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q should mention %q", err, tt.wantErr)
		})
	}
}
