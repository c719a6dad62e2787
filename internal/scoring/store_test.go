package scoring

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mbd888/entropy/internal/features"
	"github.com/mbd888/entropy/internal/testutil"
)

func sampleResult(id, txID string, score float64, at time.Time) *PredictionResult {
	return &PredictionResult{
		ID:            id,
		TransactionID: txID,
		RiskScore:     score,
		Prediction:    PredictionSafe,
		Confidence:    1 - score,
		Threshold:     0.5,
		Decision:      DecisionApprove,
		TopFeatures:   []FeatureContribution{{Feature: "card1_FE", Value: 12, Importance: 8}},
		Stats:         Stats{Std: 0.1, Probabilities: []float64{score}, Models: []string{"fold0"}},
		EvaluatedAt:   at,
	}
}

func TestMemoryStore_GetReturnsLatest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	_ = s.Record(ctx, sampleResult("p1", "tx", 0.1, now))
	_ = s.Record(ctx, sampleResult("p2", "tx", 0.2, now.Add(time.Second)))

	got, err := s.Get(ctx, "tx")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "p2" {
		t.Errorf("expected latest p2, got %s", got.ID)
	}

	if _, err := s.Get(ctx, "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_CopiesOnRecordAndRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := sampleResult("p1", "tx", 0.1, time.Now())
	_ = s.Record(ctx, r)

	r.TopFeatures[0].Feature = "mutated"
	got, _ := s.Get(ctx, "tx")
	if got.TopFeatures[0].Feature != "card1_FE" {
		t.Error("store shares memory with the recorded result")
	}
	got.Stats.Probabilities[0] = 99
	again, _ := s.Get(ctx, "tx")
	if again.Stats.Probabilities[0] == 99 {
		t.Error("store shares memory with returned results")
	}
}

func TestMemoryStore_ListRecent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	for i := 0; i < 5; i++ {
		_ = s.Record(ctx, sampleResult(fmt.Sprintf("p%d", i), fmt.Sprintf("tx%d", i), 0.1, now))
	}

	list, err := s.ListRecent(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].ID != "p4" || list[2].ID != "p2" {
		t.Errorf("unexpected list order: %v", ids(list))
	}
}

func TestMemoryStore_Evicts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStoreWithCapacity(2)
	now := time.Now()
	_ = s.Record(ctx, sampleResult("p0", "a", 0.1, now))
	_ = s.Record(ctx, sampleResult("p1", "b", 0.1, now))
	_ = s.Record(ctx, sampleResult("p2", "c", 0.1, now))

	if s.Len() != 2 {
		t.Errorf("expected 2 results, got %d", s.Len())
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Error("expected oldest result to be evicted")
	}
}

func TestPostgresStore_RecordAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	at := time.Now().UTC().Truncate(time.Millisecond)
	first := sampleResult("pred_a", "2987000", 0.1, at)
	second := sampleResult("pred_b", "2987000", 0.8, at.Add(time.Minute))
	second.Prediction = PredictionFraud
	second.Decision = DecisionBlock
	second.Confidence = 0.8
	second.FlattenCollisions = []features.Collision{{Name: "DeviceType", Group: "identity"}}

	for _, r := range []*PredictionResult{first, second} {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := s.Get(ctx, "2987000")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "pred_b" || got.Prediction != PredictionFraud || got.Decision != DecisionBlock {
		t.Errorf("unexpected result %+v", got)
	}
	if len(got.TopFeatures) != 1 || got.TopFeatures[0].Importance != 8 {
		t.Errorf("top features not round-tripped: %+v", got.TopFeatures)
	}
	if len(got.FlattenCollisions) != 1 {
		t.Errorf("collisions not round-tripped: %+v", got.FlattenCollisions)
	}

	list, err := s.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "pred_b" {
		t.Errorf("unexpected list %v", ids(list))
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func ids(list []*PredictionResult) []string {
	out := make([]string, len(list))
	for i, r := range list {
		out[i] = r.ID
	}
	return out
}
