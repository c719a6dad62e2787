// Package scoring runs the fraud scoring pipeline: feature engineering,
// alignment, ensemble scoring, aggregation and explanation.
//
// The ensemble mean is compared to a threshold with strict inequality to
// produce a FRAUD or SAFE label. An action (approve, review, block) is
// derived from the same score using two fixed cut-offs.
package scoring

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/entropy/internal/features"
)

// Prediction is the binary verdict for a transaction.
type Prediction string

const (
	PredictionFraud Prediction = "FRAUD"
	PredictionSafe  Prediction = "SAFE"
)

// Decision is the recommended action for a scored transaction.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReview  Decision = "review"
	DecisionBlock   Decision = "block"
)

// Defaults for the tunable cut-offs.
const (
	DefaultThreshold   = 0.5
	DefaultTopK        = 5
	DefaultReviewScore = 0.3
	DefaultBlockScore  = 0.7
)

// UnknownTransactionID is used when a request carries no identifier.
const UnknownTransactionID = "UNKNOWN"

var (
	// ErrArtifactsUnavailable means the pipeline has no models or no
	// feature order. Every request fails until artifacts are loaded.
	ErrArtifactsUnavailable = errors.New("scoring: artifacts unavailable")
	// ErrNotFound is returned by stores for unknown transactions.
	ErrNotFound = errors.New("scoring: prediction not found")
)

// FeatureContribution is one entry of a prediction's explanation.
type FeatureContribution struct {
	Feature    string  `json:"feature"`
	Value      float64 `json:"value"`
	Importance float64 `json:"importance"`
}

// Stats describes how the ensemble members agreed.
type Stats struct {
	Std           float64   `json:"std"`
	Probabilities []float64 `json:"probabilities"`
	Models        []string  `json:"models"`
	FailedModels  []string  `json:"failedModels,omitempty"`
}

// PredictionResult is the outcome of scoring one transaction.
type PredictionResult struct {
	ID                string                `json:"id"`
	TransactionID     string                `json:"transactionId"`
	RiskScore         float64               `json:"riskScore"`
	Prediction        Prediction            `json:"prediction"`
	Confidence        float64               `json:"confidence"`
	Threshold         float64               `json:"threshold"`
	Decision          Decision              `json:"decision"`
	TopFeatures       []FeatureContribution `json:"topFeatures"`
	Stats             Stats                 `json:"stats"`
	FlattenCollisions []features.Collision  `json:"flattenCollisions,omitempty"`
	EvaluatedAt       time.Time             `json:"evaluatedAt"`
}

// Clone returns a deep copy.
func (r *PredictionResult) Clone() *PredictionResult {
	c := *r
	c.TopFeatures = cloneSlice(r.TopFeatures)
	c.Stats.Probabilities = cloneSlice(r.Stats.Probabilities)
	c.Stats.Models = cloneSlice(r.Stats.Models)
	c.Stats.FailedModels = cloneSlice(r.Stats.FailedModels)
	c.FlattenCollisions = cloneSlice(r.FlattenCollisions)
	return &c
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}

// Request is one transaction to score.
type Request struct {
	// TransactionID correlates the result; it is never a model input.
	TransactionID string
	Transaction   features.Record
}

// Store persists prediction results for audit.
type Store interface {
	Record(ctx context.Context, result *PredictionResult) error
	// Get returns the most recent result for a transaction.
	Get(ctx context.Context, transactionID string) (*PredictionResult, error)
	ListRecent(ctx context.Context, limit int) ([]*PredictionResult, error)
}
