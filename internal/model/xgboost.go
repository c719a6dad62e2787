package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/mbd888/entropy/internal/features"
)

// Objectives the booster can turn into a probability.
const (
	ObjectiveBinaryLogistic = "binary:logistic"
	ObjectiveRegLogistic    = "reg:logistic"
	ObjectiveBinaryLogitRaw = "binary:logitraw"
)

// Booster evaluates a gradient boosted tree model saved in XGBoost's JSON
// format. Only numerical splits on a single target are supported.
type Booster struct {
	name       string
	objective  string
	baseMargin float32
	trees      []tree
	// cols maps the booster's feature index to a position in the vector.
	cols       []int
	order      *features.FeatureOrder
	importance []FeatureImportance
}

type tree struct {
	left, right []int32
	feature     []int32
	cond        []float32
	defaultLeft []bool
}

// LoadBooster parses an XGBoost JSON model and binds it to the canonical
// feature order. When the file carries no feature names, model feature i is
// order[i].
func LoadBooster(name string, r io.Reader, order *features.FeatureOrder) (*Booster, error) {
	var doc xgbDocument
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", name, err)
	}
	return newBooster(name, &doc, order)
}

// ParseBooster is LoadBooster over a byte slice.
func ParseBooster(name string, data []byte, order *features.FeatureOrder) (*Booster, error) {
	return LoadBooster(name, bytes.NewReader(data), order)
}

func newBooster(name string, doc *xgbDocument, order *features.FeatureOrder) (*Booster, error) {
	l := doc.Learner
	gb := l.GradientBooster
	if gb.Name != "" && gb.Name != "gbtree" {
		return nil, fmt.Errorf("%w: %s: booster %q", ErrUnsupportedModel, name, gb.Name)
	}
	if n, _ := parseScalar(l.LearnerModelParam.NumClass); n > 1 {
		return nil, fmt.Errorf("%w: %s: multi-class model", ErrUnsupportedModel, name)
	}
	if n, _ := parseScalar(l.LearnerModelParam.NumTarget); n > 1 {
		return nil, fmt.Errorf("%w: %s: multi-target model", ErrUnsupportedModel, name)
	}

	b := &Booster{name: name, objective: l.Objective.Name, order: order}
	if b.objective == "" {
		b.objective = ObjectiveBinaryLogistic
	}
	base, err := parseScalar(l.LearnerModelParam.BaseScore)
	if err != nil {
		return nil, fmt.Errorf("%s: base_score: %w", name, err)
	}
	switch b.objective {
	case ObjectiveBinaryLogistic, ObjectiveRegLogistic:
		if base <= 0 || base >= 1 {
			return nil, fmt.Errorf("%s: base_score %v outside (0,1)", name, base)
		}
		b.baseMargin = float32(math.Log(base / (1 - base)))
	case ObjectiveBinaryLogitRaw:
		b.baseMargin = float32(base)
	default:
		return nil, fmt.Errorf("%w: %s: objective %q", ErrUnsupportedModel, name, b.objective)
	}

	numFeature := len(l.FeatureNames)
	if numFeature == 0 {
		numFeature = order.Len()
	}
	b.cols = make([]int, numFeature)
	names := make([]string, numFeature)
	for i := range b.cols {
		if len(l.FeatureNames) > 0 {
			names[i] = l.FeatureNames[i]
			idx, ok := order.Index(names[i])
			if !ok {
				idx = -1
			}
			b.cols[i] = idx
			continue
		}
		names[i] = order.Name(i)
		b.cols[i] = i
	}

	gainSum := make([]float64, numFeature)
	gainCount := make([]int, numFeature)
	for ti, jt := range gb.Model.Trees {
		t, err := jt.compile(numFeature)
		if err != nil {
			return nil, fmt.Errorf("%s: tree %d: %w", name, ti, err)
		}
		for node, f := range t.feature {
			if t.left[node] == -1 {
				continue
			}
			gainSum[f] += jt.LossChanges[node]
			gainCount[f]++
		}
		b.trees = append(b.trees, t)
	}
	if len(b.trees) == 0 {
		return nil, fmt.Errorf("%s: model has no trees", name)
	}
	for i, n := range gainCount {
		if n == 0 {
			continue
		}
		b.importance = append(b.importance, FeatureImportance{Feature: names[i], Gain: gainSum[i] / float64(n)})
	}
	return b, nil
}

func (b *Booster) Name() string { return b.name }

// Objective returns the learning objective the model was trained with.
func (b *Booster) Objective() string { return b.objective }

// NumTrees returns the number of boosted trees.
func (b *Booster) NumTrees() int { return len(b.trees) }

// Importance returns mean gain per split, by feature index.
func (b *Booster) Importance() []FeatureImportance {
	out := make([]FeatureImportance, len(b.importance))
	copy(out, b.importance)
	return out
}

// Predict returns the fraud probability for v.
func (b *Booster) Predict(v *features.Vector) (float64, error) {
	if v.Order() != b.order {
		return 0, fmt.Errorf("vector is not aligned to the model's feature order")
	}
	var sum float32
	for i := range b.trees {
		sum += b.trees[i].leaf(b.cols, v)
	}
	margin := b.baseMargin + sum
	if b.objective == ObjectiveBinaryLogitRaw {
		return float64(margin), nil
	}
	return float64(float32(1 / (1 + math.Exp(-float64(margin))))), nil
}

func (t *tree) leaf(cols []int, v *features.Vector) float32 {
	node := int32(0)
	for t.left[node] != -1 {
		f := t.feature[node]
		x := math.NaN()
		if col := cols[f]; col >= 0 {
			x = v.At(col)
		}
		switch {
		case math.IsNaN(x):
			if t.defaultLeft[node] {
				node = t.left[node]
			} else {
				node = t.right[node]
			}
		case float32(x) < t.cond[node]:
			node = t.left[node]
		default:
			node = t.right[node]
		}
	}
	return t.cond[node]
}

// JSON document layout written by Booster.save_model.

type xgbDocument struct {
	Learner struct {
		FeatureNames      []string `json:"feature_names"`
		LearnerModelParam struct {
			BaseScore string `json:"base_score"`
			NumClass  string `json:"num_class"`
			NumTarget string `json:"num_target"`
		} `json:"learner_model_param"`
		Objective struct {
			Name string `json:"name"`
		} `json:"objective"`
		GradientBooster struct {
			Name  string `json:"name"`
			Model struct {
				Trees []xgbTree `json:"trees"`
			} `json:"model"`
		} `json:"gradient_booster"`
	} `json:"learner"`
}

type xgbTree struct {
	LeftChildren    []int32     `json:"left_children"`
	RightChildren   []int32     `json:"right_children"`
	SplitIndices    []int32     `json:"split_indices"`
	SplitConditions []float32   `json:"split_conditions"`
	SplitType       []int       `json:"split_type"`
	DefaultLeft     []flagValue `json:"default_left"`
	LossChanges     []float64   `json:"loss_changes"`
}

func (jt *xgbTree) compile(numFeature int) (tree, error) {
	n := len(jt.LeftChildren)
	if n == 0 {
		return tree{}, fmt.Errorf("empty tree")
	}
	if len(jt.RightChildren) != n || len(jt.SplitIndices) != n || len(jt.SplitConditions) != n ||
		len(jt.DefaultLeft) != n || len(jt.LossChanges) != n {
		return tree{}, fmt.Errorf("node arrays have inconsistent lengths")
	}
	t := tree{
		left:        jt.LeftChildren,
		right:       jt.RightChildren,
		feature:     jt.SplitIndices,
		cond:        jt.SplitConditions,
		defaultLeft: make([]bool, n),
	}
	for i := 0; i < n; i++ {
		t.defaultLeft[i] = bool(jt.DefaultLeft[i])
		if t.left[i] == -1 {
			continue
		}
		if i < len(jt.SplitType) && jt.SplitType[i] != 0 {
			return tree{}, fmt.Errorf("%w: categorical split at node %d", ErrUnsupportedModel, i)
		}
		if int(t.feature[i]) < 0 || int(t.feature[i]) >= numFeature {
			return tree{}, fmt.Errorf("node %d splits on feature %d of %d", i, t.feature[i], numFeature)
		}
		for _, c := range []int32{t.left[i], t.right[i]} {
			if c <= 0 || int(c) >= n {
				return tree{}, fmt.Errorf("node %d has invalid child %d", i, c)
			}
		}
	}
	if err := t.checkAcyclic(); err != nil {
		return tree{}, err
	}
	return t, nil
}

// checkAcyclic walks from the root and rejects any node reached twice, so
// evaluation always terminates.
func (t *tree) checkAcyclic() error {
	seen := make([]bool, len(t.left))
	stack := []int32{0}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[node] {
			return fmt.Errorf("node %d is reachable twice", node)
		}
		seen[node] = true
		if t.left[node] != -1 {
			stack = append(stack, t.left[node], t.right[node])
		}
	}
	return nil
}

// flagValue accepts 0/1 or true/false.
type flagValue bool

func (f *flagValue) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case "1", "true":
		*f = true
	case "0", "false":
		*f = false
	default:
		return fmt.Errorf("invalid flag %s", data)
	}
	return nil
}

// parseScalar reads XGBoost's stringified parameters, which newer versions
// wrap in brackets ("[5E-1]"). Empty means the default 0.5.
func parseScalar(s string) (float64, error) {
	s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "[]"))
	if s == "" {
		return 0.5, nil
	}
	return strconv.ParseFloat(s, 64)
}
