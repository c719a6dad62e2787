package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/entropy/internal/features"
	"github.com/mbd888/entropy/internal/metrics"
	"github.com/mbd888/entropy/internal/model"
	"github.com/mbd888/entropy/internal/scoring"
)

type fakeConsumer struct {
	mu        sync.Mutex
	queue     []*Message
	committed []int64
}

func (f *fakeConsumer) Fetch(ctx context.Context) (*Message, error) {
	f.mu.Lock()
	if len(f.queue) > 0 {
		msg := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeConsumer) Commit(_ context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msg.Offset)
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

func (f *fakeConsumer) offsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

type fakeProducer struct {
	mu       sync.Mutex
	sent     []*Message
	failures int // remaining publishes to fail
}

func (f *fakeProducer) Publish(_ context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func (f *fakeProducer) topic(name string) []*Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Message
	for _, m := range f.sent {
		if m.Topic == name {
			out = append(out, m)
		}
	}
	return out
}

type stubModel struct {
	p   float64
	err error
}

func (m *stubModel) Name() string { return "fold0" }

func (m *stubModel) Predict(*features.Vector) (float64, error) { return m.p, m.err }

func (m *stubModel) Importance() []model.FeatureImportance { return nil }

func newEngine(t *testing.T, m model.Model) *scoring.Engine {
	t.Helper()
	order, err := features.NewFeatureOrder([]string{"TransactionAmt"})
	require.NoError(t, err)
	enc, err := features.NewEncodingTable(nil, nil)
	require.NoError(t, err)
	return scoring.NewEngine(&scoring.Artifacts{
		Order:    order,
		Engineer: features.NewEngineer(enc),
		Ensemble: model.NewEnsemble(m),
	}, scoring.DefaultConfig())
}

var testConfig = Config{OutputTopic: "predictions", DLQTopic: "transactions.dlq", RetryFor: 50 * time.Millisecond}

func message(offset int64, key, value string) *Message {
	return &Message{
		Topic:     "transactions",
		Partition: 1,
		Offset:    offset,
		Key:       []byte(key),
		Value:     []byte(value),
		Headers:   []Header{{Key: "source", Value: []byte("gateway")}},
	}
}

func TestHandle_Scored(t *testing.T) {
	consumer, producer := &fakeConsumer{}, &fakeProducer{}
	w := NewWorker(consumer, producer, newEngine(t, &stubModel{p: 0.9}), testConfig, nil)
	before := testutil.ToFloat64(metrics.StreamMessagesTotal.WithLabelValues("scored"))

	err := w.Handle(context.Background(), message(7, "", `{"transactionId": "tx-1", "transaction": {"TransactionAmt": 20}}`))
	require.NoError(t, err)

	out := producer.topic("predictions")
	require.Len(t, out, 1)
	assert.Equal(t, "tx-1", string(out[0].Key))

	var result scoring.PredictionResult
	require.NoError(t, json.Unmarshal(out[0].Value, &result))
	assert.Equal(t, scoring.PredictionFraud, result.Prediction)
	assert.InDelta(t, 0.9, result.RiskScore, 1e-9)

	assert.Equal(t, []int64{7}, consumer.offsets())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.StreamMessagesTotal.WithLabelValues("scored")))
}

func TestHandle_TransactionIDFallbacks(t *testing.T) {
	tests := []struct {
		name, key, value, want string
	}{
		{"bare record uses its TransactionID", "", `{"TransactionID": 2987000, "TransactionAmt": 1}`, "2987000"},
		{"message key", "key-9", `{"TransactionAmt": 1}`, "key-9"},
		{"features alias", "", `{"transactionId": "tx-2", "features": {"TransactionAmt": 1}}`, "tx-2"},
		{"nothing", "", `{"TransactionAmt": 1}`, scoring.UnknownTransactionID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			producer := &fakeProducer{}
			w := NewWorker(&fakeConsumer{}, producer, newEngine(t, &stubModel{p: 0.1}), testConfig, nil)

			require.NoError(t, w.Handle(context.Background(), message(1, tt.key, tt.value)))
			out := producer.topic("predictions")
			require.Len(t, out, 1)
			assert.Equal(t, tt.want, string(out[0].Key))
		})
	}
}

func TestHandle_DeadLetters(t *testing.T) {
	tests := []struct {
		name       string
		model      model.Model
		value      string
		wantReason string
	}{
		{"not json", &stubModel{p: 0.1}, `not json`, ReasonMalformedPayload},
		{"array attribute", &stubModel{p: 0.1}, `{"transaction": {"TransactionAmt": [1]}}`, ReasonMalformedPayload},
		{"scalar group", &stubModel{p: 0.1}, `{"transaction": {"vFeatures": 3}}`, ReasonInvalidTransaction},
		{"all models failed", &stubModel{err: errors.New("boom")}, `{"transaction": {"TransactionAmt": 1}}`, ReasonScoringFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			consumer, producer := &fakeConsumer{}, &fakeProducer{}
			w := NewWorker(consumer, producer, newEngine(t, tt.model), testConfig, nil)
			w.now = func() time.Time { return time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC) }

			require.NoError(t, w.Handle(context.Background(), message(3, "k", tt.value)))

			assert.Empty(t, producer.topic("predictions"))
			dlq := producer.topic("transactions.dlq")
			require.Len(t, dlq, 1)

			last := dlq[0].Headers[len(dlq[0].Headers)-1]
			assert.Equal(t, HeaderDLQReason, last.Key)
			assert.Equal(t, tt.wantReason, string(last.Value))
			assert.Equal(t, "source", dlq[0].Headers[0].Key, "original headers are kept")

			var payload map[string]any
			require.NoError(t, json.Unmarshal(dlq[0].Value, &payload))
			assert.Equal(t, "transactions", payload["original_topic"])
			assert.EqualValues(t, 3, payload["original_offset"])
			assert.Equal(t, tt.value, payload["value"])
			assert.Equal(t, tt.wantReason, payload["failure_reason"])
			assert.Equal(t, "2026-10-15T08:00:00Z", payload["failed_at"])

			assert.Equal(t, []int64{3}, consumer.offsets(), "dead-lettered messages are committed")
		})
	}
}

func TestHandle_PublishRetried(t *testing.T) {
	consumer, producer := &fakeConsumer{}, &fakeProducer{failures: 2}
	cfg := testConfig
	cfg.RetryFor = 5 * time.Second
	w := NewWorker(consumer, producer, newEngine(t, &stubModel{p: 0.1}), cfg, nil)

	require.NoError(t, w.Handle(context.Background(), message(4, "a", `{"transaction": {}}`)))
	assert.Len(t, producer.topic("predictions"), 1)
	assert.Equal(t, []int64{4}, consumer.offsets())
}

func TestHandle_PublishFailureLeavesOffset(t *testing.T) {
	consumer, producer := &fakeConsumer{}, &fakeProducer{failures: -1}
	w := NewWorker(consumer, producer, newEngine(t, &stubModel{p: 0.1}), testConfig, nil)

	err := w.Handle(context.Background(), message(5, "a", `{"transaction": {}}`))
	require.Error(t, err)
	assert.Empty(t, consumer.offsets())
}

func TestHandle_ArtifactsUnavailable(t *testing.T) {
	consumer, producer := &fakeConsumer{}, &fakeProducer{}
	engine := scoring.NewEngine(nil, scoring.DefaultConfig())
	w := NewWorker(consumer, producer, engine, testConfig, nil)

	err := w.Handle(context.Background(), message(6, "a", `{"transaction": {}}`))
	require.ErrorIs(t, err, scoring.ErrArtifactsUnavailable)
	assert.Empty(t, producer.sent)
	assert.Empty(t, consumer.offsets(), "message must be redelivered once artifacts load")
}

type scorerFunc func(context.Context, scoring.Request) (*scoring.PredictionResult, error)

func (f scorerFunc) Score(ctx context.Context, req scoring.Request) (*scoring.PredictionResult, error) {
	return f(ctx, req)
}

func TestHandle_WaitsForArtifacts(t *testing.T) {
	calls := 0
	scorer := scorerFunc(func(_ context.Context, req scoring.Request) (*scoring.PredictionResult, error) {
		calls++
		if calls < 3 {
			return nil, fmt.Errorf("reloading: %w", scoring.ErrArtifactsUnavailable)
		}
		return &scoring.PredictionResult{TransactionID: req.TransactionID, Prediction: scoring.PredictionSafe}, nil
	})
	cfg := testConfig
	cfg.RetryFor = 5 * time.Second
	producer := &fakeProducer{}
	w := NewWorker(&fakeConsumer{}, producer, scorer, cfg, nil)

	require.NoError(t, w.Handle(context.Background(), message(1, "tx-5", `{"transaction": {}}`)))
	assert.Equal(t, 3, calls)
	assert.Len(t, producer.topic("predictions"), 1)
}

func TestRun_StopsOnCancel(t *testing.T) {
	consumer := &fakeConsumer{queue: []*Message{
		message(1, "a", `{"transaction": {"TransactionAmt": 1}}`),
		message(2, "b", `garbage`),
	}}
	producer := &fakeProducer{}
	w := NewWorker(consumer, producer, newEngine(t, &stubModel{p: 0.2}), testConfig, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(consumer.offsets()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Len(t, producer.topic("predictions"), 1)
	assert.Len(t, producer.topic("transactions.dlq"), 1)
}

func TestRun_StopsOnUnhandledMessage(t *testing.T) {
	consumer := &fakeConsumer{queue: []*Message{message(1, "a", `{"transaction": {}}`)}}
	w := NewWorker(consumer, &fakeProducer{failures: -1}, newEngine(t, &stubModel{p: 0.2}), testConfig, nil)

	err := w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish result")
}
