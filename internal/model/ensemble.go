package model

import (
	"errors"
	"fmt"
	"math"

	"github.com/mbd888/entropy/internal/features"
)

// Ensemble is an ordered, immutable set of models.
type Ensemble struct {
	models []Model
}

// NewEnsemble builds an ensemble. The first model is the reference model
// used for explanations.
func NewEnsemble(models ...Model) *Ensemble {
	cp := make([]Model, len(models))
	copy(cp, models)
	return &Ensemble{models: cp}
}

func (e *Ensemble) Len() int { return len(e.models) }

// Names returns member names in ensemble order.
func (e *Ensemble) Names() []string {
	names := make([]string, len(e.models))
	for i, m := range e.models {
		names[i] = m.Name()
	}
	return names
}

// Reference returns the first member.
func (e *Ensemble) Reference() (Model, bool) {
	if len(e.models) == 0 {
		return nil, false
	}
	return e.models[0], true
}

// Scores is the outcome of running every member on one vector.
type Scores struct {
	// Probabilities from the surviving members, in ensemble order.
	Probabilities []float64
	// Members names the model behind each probability.
	Members []string
	Failures []*MemberError
}

// Score runs each member independently. A member that errors, panics or
// returns a non-finite value is excluded. If none survive the returned
// error wraps ErrAllModelsFailed and every member failure.
func (e *Ensemble) Score(v *features.Vector) (Scores, error) {
	s := Scores{
		Probabilities: make([]float64, 0, len(e.models)),
		Members:       make([]string, 0, len(e.models)),
	}
	for _, m := range e.models {
		p, err := predict(m, v)
		if err != nil {
			s.Failures = append(s.Failures, &MemberError{Model: m.Name(), Err: err})
			continue
		}
		s.Probabilities = append(s.Probabilities, p)
		s.Members = append(s.Members, m.Name())
	}
	if len(s.Probabilities) == 0 {
		errs := make([]error, 0, len(s.Failures)+1)
		errs = append(errs, ErrAllModelsFailed)
		for _, f := range s.Failures {
			errs = append(errs, f)
		}
		return s, errors.Join(errs...)
	}
	return s, nil
}

func predict(m Model, v *features.Vector) (p float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	p, err = m.Predict(v)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, fmt.Errorf("non-finite probability %v", p)
	}
	return p, nil
}
