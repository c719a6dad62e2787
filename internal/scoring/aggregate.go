package scoring

import (
	"errors"
	"math"
)

// Summary is the aggregate of the ensemble's probabilities.
type Summary struct {
	Mean       float64
	Std        float64
	Prediction Prediction
	Confidence float64
}

// Aggregate clamps each probability to [0,1] and combines them with an
// unweighted mean and population standard deviation. The transaction is
// FRAUD only when the mean is strictly above threshold. Confidence is the
// certainty in the chosen label.
func Aggregate(probs []float64, threshold float64) (Summary, error) {
	if len(probs) == 0 {
		return Summary{}, errors.New("scoring: no probabilities to aggregate")
	}
	clamped := make([]float64, len(probs))
	var sum float64
	for i, p := range probs {
		clamped[i] = clamp01(p)
		sum += clamped[i]
	}
	mean := sum / float64(len(clamped))

	var sq float64
	for _, p := range clamped {
		d := p - mean
		sq += d * d
	}
	s := Summary{Mean: mean, Std: math.Sqrt(sq / float64(len(clamped)))}

	if mean > threshold {
		s.Prediction = PredictionFraud
		s.Confidence = mean
	} else {
		s.Prediction = PredictionSafe
		s.Confidence = 1 - mean
	}
	return s, nil
}

// Decide maps a risk score to an action: block above blockScore, review
// above reviewScore, approve otherwise.
func Decide(score, reviewScore, blockScore float64) Decision {
	switch {
	case score > blockScore:
		return DecisionBlock
	case score > reviewScore:
		return DecisionReview
	default:
		return DecisionApprove
	}
}

func clamp01(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
