// Package model evaluates the pre-trained scoring models that make up the
// ensemble.
package model

import (
	"errors"
	"fmt"

	"github.com/mbd888/entropy/internal/features"
)

var (
	// ErrAllModelsFailed is returned when no ensemble member produced a probability.
	ErrAllModelsFailed = errors.New("model: all ensemble members failed")
	// ErrUnsupportedModel is returned when a model file uses a feature this
	// evaluator does not implement.
	ErrUnsupportedModel = errors.New("model: unsupported model")
)

// FeatureImportance is a feature's global gain importance.
type FeatureImportance struct {
	Feature string  `json:"feature"`
	Gain    float64 `json:"gain"`
}

// Model maps an aligned feature vector to a fraud probability. Implementations
// must be immutable after construction.
type Model interface {
	Name() string
	Predict(v *features.Vector) (float64, error)
	// Importance lists gain importance in the model's own feature order.
	// Features the model never uses are omitted.
	Importance() []FeatureImportance
}

// MemberError is a single ensemble member's failure. It does not fail the
// request on its own.
type MemberError struct {
	Model string
	Err   error
}

func (e *MemberError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Model, e.Err)
}

func (e *MemberError) Unwrap() error { return e.Err }
