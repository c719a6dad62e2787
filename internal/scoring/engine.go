package scoring

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/entropy/internal/features"
	"github.com/mbd888/entropy/internal/idgen"
	"github.com/mbd888/entropy/internal/logging"
	"github.com/mbd888/entropy/internal/metrics"
	"github.com/mbd888/entropy/internal/model"
	"github.com/mbd888/entropy/internal/traces"
	"go.opentelemetry.io/otel/trace"
)

// Artifacts is the immutable state a pipeline scores against. Build a new
// value to reload; never mutate one that has been handed to an Engine.
type Artifacts struct {
	Order    *features.FeatureOrder
	Engineer *features.Engineer
	Ensemble *model.Ensemble
	// Source describes where the artifacts were loaded from.
	Source   string
	LoadedAt time.Time
}

func (a *Artifacts) usable() bool {
	return a != nil && a.Order != nil && a.Order.Len() > 0 &&
		a.Engineer != nil && a.Ensemble != nil && a.Ensemble.Len() > 0
}

// Config holds the scoring cut-offs.
type Config struct {
	Threshold   float64
	TopK        int
	ReviewScore float64
	BlockScore  float64
}

// DefaultConfig returns the default cut-offs.
func DefaultConfig() Config {
	return Config{
		Threshold:   DefaultThreshold,
		TopK:        DefaultTopK,
		ReviewScore: DefaultReviewScore,
		BlockScore:  DefaultBlockScore,
	}
}

// Engine scores transactions against the currently installed artifacts.
// Requests share no mutable state; artifacts can be swapped atomically.
type Engine struct {
	artifacts atomic.Pointer[Artifacts]
	cfg       Config
	store     Store
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time
	pending   sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithStore records every result to s asynchronously.
func WithStore(s Store) EngineOption {
	return func(e *Engine) { e.store = s }
}

// Observer is notified of every successful result. Implementations must not
// block.
type Observer interface {
	ObservePrediction(*PredictionResult)
}

// WithObserver registers o for result notifications.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithLogger sets the fallback logger used when the request context has none.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source for EvaluatedAt.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine. a may be nil; every request then fails with
// ErrArtifactsUnavailable until Swap installs usable artifacts.
func NewEngine(a *Artifacts, cfg Config, opts ...EngineOption) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	e := &Engine{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.Swap(a)
	return e
}

// Swap installs new artifacts for subsequent requests. In-flight requests
// finish against the artifacts they started with.
func (e *Engine) Swap(a *Artifacts) {
	e.artifacts.Store(a)
	if a != nil && a.Ensemble != nil {
		metrics.ModelsLoaded.Set(float64(a.Ensemble.Len()))
	} else {
		metrics.ModelsLoaded.Set(0)
	}
}

// Config returns the cut-offs in effect.
func (e *Engine) Config() Config { return e.cfg }

// Ready reports whether requests can currently be scored.
func (e *Engine) Ready() bool { return e.artifacts.Load().usable() }

// Info is read-only introspection for health and model endpoints.
type Info struct {
	Ready           bool      `json:"ready"`
	ModelsLoaded    int       `json:"modelsLoaded"`
	Models          []string  `json:"models"`
	FeaturesTotal   int       `json:"featuresTotal"`
	EncodedFeatures int       `json:"encodedFeatures"`
	Threshold       float64   `json:"threshold"`
	TopK            int       `json:"topK"`
	ReviewScore     float64   `json:"reviewScore"`
	BlockScore      float64   `json:"blockScore"`
	Source          string    `json:"source,omitempty"`
	LoadedAt        time.Time `json:"loadedAt,omitzero"`
}

// Info describes the installed artifacts.
func (e *Engine) Info() Info {
	info := Info{
		Models:      []string{},
		Threshold:   e.cfg.Threshold,
		TopK:        e.cfg.TopK,
		ReviewScore: e.cfg.ReviewScore,
		BlockScore:  e.cfg.BlockScore,
	}
	a := e.artifacts.Load()
	if a == nil {
		return info
	}
	info.Ready = a.usable()
	info.Source = a.Source
	info.LoadedAt = a.LoadedAt
	if a.Ensemble != nil {
		info.ModelsLoaded = a.Ensemble.Len()
		info.Models = a.Ensemble.Names()
	}
	if a.Order != nil {
		info.FeaturesTotal = a.Order.Len()
	}
	if a.Engineer != nil {
		info.EncodedFeatures = a.Engineer.Encoding().Len()
	}
	return info
}

// Score runs one transaction through the pipeline. Errors wrap
// ErrArtifactsUnavailable, features.ErrMalformedInput or
// model.ErrAllModelsFailed.
func (e *Engine) Score(ctx context.Context, req Request) (*PredictionResult, error) {
	start := time.Now()
	txID := ResolveTransactionID(req.TransactionID, req.Transaction)
	ctx = logging.WithLogger(ctx, logging.FromContextOr(ctx, e.logger))
	ctx = logging.WithTransactionID(ctx, txID)
	ctx, span := traces.StartSpan(ctx, "scoring.Score", traces.TransactionID(txID))
	defer span.End()

	a := e.artifacts.Load()
	if !a.usable() {
		e.fail(ctx, span, "artifacts_unavailable", ErrArtifactsUnavailable)
		return nil, ErrArtifactsUnavailable
	}
	span.SetAttributes(traces.EnsembleSize(a.Ensemble.Len()), traces.FeatureCount(a.Order.Len()))

	_, engSpan := traces.StartSpan(ctx, "scoring.engineer")
	table, err := a.Engineer.Transform(req.Transaction)
	engSpan.End()
	if err != nil {
		e.fail(ctx, span, "malformed_input", err)
		return nil, err
	}
	collisions := table.Collisions()
	if len(collisions) > 0 {
		metrics.FlattenCollisionsTotal.Add(float64(len(collisions)))
		names := make([]string, len(collisions))
		for i, c := range collisions {
			names[i] = c.Group + "." + c.Name
		}
		logging.L(ctx).Warn("nested attributes discarded on flatten", "count", len(collisions), "attributes", names)
	}

	_, alignSpan := traces.StartSpan(ctx, "scoring.align")
	vec := features.Align(table, a.Order)
	alignSpan.End()

	_, ensSpan := traces.StartSpan(ctx, "scoring.ensemble")
	scores, err := a.Ensemble.Score(vec)
	ensSpan.End()
	failed := make([]string, 0, len(scores.Failures))
	for _, f := range scores.Failures {
		failed = append(failed, f.Model)
		metrics.ModelFailuresTotal.WithLabelValues(f.Model).Inc()
		logging.L(ctx).Warn("ensemble member failed", "model", f.Model, "error", f.Err)
	}
	if err != nil {
		e.fail(ctx, span, "all_models_failed", err)
		return nil, err
	}

	summary, err := Aggregate(scores.Probabilities, e.cfg.Threshold)
	if err != nil {
		e.fail(ctx, span, "aggregate", err)
		return nil, err
	}

	_, explainSpan := traces.StartSpan(ctx, "scoring.explain")
	ref, _ := a.Ensemble.Reference()
	top := Explain(vec, ref, e.cfg.TopK)
	explainSpan.End()

	result := &PredictionResult{
		ID:            idgen.WithPrefix("pred_"),
		TransactionID: txID,
		RiskScore:     summary.Mean,
		Prediction:    summary.Prediction,
		Confidence:    summary.Confidence,
		Threshold:     e.cfg.Threshold,
		Decision:      Decide(summary.Mean, e.cfg.ReviewScore, e.cfg.BlockScore),
		TopFeatures:   top,
		Stats: Stats{
			Std:           summary.Std,
			Probabilities: scores.Probabilities,
			Models:        scores.Members,
		},
		FlattenCollisions: collisions,
		EvaluatedAt:       e.now(),
	}
	if len(failed) > 0 {
		result.Stats.FailedModels = failed
	}
	if len(collisions) == 0 {
		result.FlattenCollisions = nil
	}

	span.SetAttributes(traces.RiskScore(result.RiskScore), traces.Prediction(string(result.Prediction)))
	metrics.PredictionsTotal.WithLabelValues(string(result.Prediction)).Inc()
	metrics.DecisionsTotal.WithLabelValues(string(result.Decision)).Inc()
	metrics.RiskScore.Observe(result.RiskScore)
	metrics.ScoringDuration.Observe(time.Since(start).Seconds())

	e.record(ctx, result)
	for _, o := range e.observers {
		o.ObservePrediction(result.Clone())
	}
	return result, nil
}

// Wait blocks until pending audit writes have finished.
func (e *Engine) Wait() {
	e.pending.Wait()
}

// record persists asynchronously (best-effort audit trail).
func (e *Engine) record(ctx context.Context, result *PredictionResult) {
	if e.store == nil {
		return
	}
	logger := logging.L(ctx)
	snapshot := result.Clone()
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.Record(writeCtx, snapshot); err != nil {
			logger.Error("failed to record prediction", "prediction_id", snapshot.ID, "error", err)
		}
	}()
}

func (e *Engine) fail(ctx context.Context, span trace.Span, reason string, err error) {
	metrics.ScoringFailuresTotal.WithLabelValues(reason).Inc()
	traces.Fail(span, err)
	logging.L(ctx).Debug("scoring failed", "reason", reason, "error", err)
}

// ResolveTransactionID picks the correlation id for a request: the explicit
// id, else the transaction's TransactionID or id attribute, else
// UnknownTransactionID.
func ResolveTransactionID(id string, raw features.Record) string {
	if id != "" {
		return id
	}
	for _, key := range []string{"TransactionID", "id"} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		switch v.Kind() {
		case features.KindString:
			if v.Str() != "" {
				return v.Str()
			}
		case features.KindInt:
			return v.PyString()
		case features.KindFloat:
			x, _ := v.Number()
			return strconv.FormatFloat(x, 'f', -1, 64)
		}
	}
	return UnknownTransactionID
}

// IsClientError reports whether err was caused by the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, features.ErrMalformedInput)
}
