// Package stream scores transactions read from a message topic and
// publishes the verdicts to an output topic.
//
// Offsets are committed only after a message has been handled: scored and
// published, or forwarded to the dead-letter topic. A message whose result
// cannot be published is left uncommitted and the worker stops, so it is
// redelivered after restart.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mbd888/entropy/internal/logging"
	"github.com/mbd888/entropy/internal/metrics"
	"github.com/mbd888/entropy/internal/scoring"
)

// Dead-letter reasons, carried in the HeaderDLQReason header.
const (
	ReasonMalformedPayload   = "malformed_payload"
	ReasonInvalidTransaction = "invalid_transaction"
	ReasonScoringFailed      = "scoring_failed"
)

// HeaderDLQReason names the header that tells why a message was dead-lettered.
const HeaderDLQReason = "x-dlq-reason"

// Message outcomes reported to metrics.StreamMessagesTotal.
const (
	outcomeScored    = "scored"
	outcomeMalformed = "malformed"
	outcomeFailed    = "failed"
)

// Header is a message header.
type Header struct {
	Key   string
	Value []byte
}

// Message is a transport-neutral topic record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Timestamp time.Time
}

// Consumer reads messages from the input topic.
type Consumer interface {
	// Fetch blocks until a message is available or ctx ends.
	Fetch(ctx context.Context) (*Message, error)
	// Commit marks msg and everything before it in its partition as handled.
	Commit(ctx context.Context, msg *Message) error
	Close() error
}

// Producer writes messages and waits for the broker to acknowledge them.
type Producer interface {
	Publish(ctx context.Context, msg *Message) error
	Close() error
}

// Scorer scores one transaction. *scoring.Engine satisfies it.
type Scorer interface {
	Score(ctx context.Context, req scoring.Request) (*scoring.PredictionResult, error)
}

// Config names the topics a Worker writes to.
type Config struct {
	OutputTopic string
	DLQTopic    string
	// RetryFor bounds how long a message waits for artifacts to become
	// available and for a publish to succeed.
	RetryFor time.Duration
}

// Worker consumes transactions, scores them and publishes the results.
type Worker struct {
	consumer Consumer
	producer Producer
	scorer   Scorer
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewWorker creates a worker. RetryFor defaults to one minute.
func NewWorker(c Consumer, p Producer, s Scorer, cfg Config, logger *slog.Logger) *Worker {
	if cfg.RetryFor <= 0 {
		cfg.RetryFor = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{consumer: c, producer: p, scorer: s, cfg: cfg, logger: logger, now: time.Now}
}

// Run handles messages until ctx is cancelled (returning nil) or a message
// cannot be handled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("stream worker started", "output_topic", w.cfg.OutputTopic, "dlq_topic", w.cfg.DLQTopic)
	for {
		msg, err := w.consumer.Fetch(ctx)
		if ctx.Err() != nil {
			w.logger.Info("stream worker stopped")
			return nil
		}
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}
		if err := w.Handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Handle scores one message and commits it. The returned error means the
// message was neither published nor dead-lettered.
func (w *Worker) Handle(ctx context.Context, msg *Message) error {
	logger := w.logger.With("topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
	ctx = logging.WithLogger(ctx, logger)

	req, err := scoring.ParseRequest(msg.Value)
	if err != nil {
		logger.Warn("undecodable message", "error", err)
		return w.deadLetter(ctx, msg, ReasonMalformedPayload, outcomeMalformed, err)
	}
	if req.TransactionID == "" && len(msg.Key) > 0 {
		req.TransactionID = string(msg.Key)
	}

	result, err := w.score(ctx, req)
	switch {
	case err == nil:
	case scoring.IsClientError(err):
		return w.deadLetter(ctx, msg, ReasonInvalidTransaction, outcomeMalformed, err)
	case errors.Is(err, scoring.ErrArtifactsUnavailable), ctx.Err() != nil:
		metrics.StreamMessagesTotal.WithLabelValues(outcomeFailed).Inc()
		return fmt.Errorf("score offset %d: %w", msg.Offset, err)
	default:
		logger.Error("scoring failed", "error", err)
		return w.deadLetter(ctx, msg, ReasonScoringFailed, outcomeFailed, err)
	}

	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	out := &Message{
		Topic:   w.cfg.OutputTopic,
		Key:     []byte(result.TransactionID),
		Value:   body,
		Headers: []Header{{Key: "content-type", Value: []byte("application/json")}},
	}
	if err := w.publish(ctx, out); err != nil {
		metrics.StreamMessagesTotal.WithLabelValues(outcomeFailed).Inc()
		return fmt.Errorf("publish result for %s: %w", result.TransactionID, err)
	}

	metrics.StreamMessagesTotal.WithLabelValues(outcomeScored).Inc()
	logger.Debug("transaction scored",
		"transaction_id", result.TransactionID,
		"risk_score", result.RiskScore,
		"prediction", result.Prediction,
	)
	w.commit(ctx, msg)
	return nil
}

// score retries while no artifacts are installed, which happens during a
// reload or before the first successful load.
func (w *Worker) score(ctx context.Context, req scoring.Request) (*scoring.PredictionResult, error) {
	var result *scoring.PredictionResult
	op := func() error {
		r, err := w.scorer.Score(ctx, req)
		if errors.Is(err, scoring.ErrArtifactsUnavailable) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}
	err := backoff.Retry(op, w.retryPolicy(ctx))
	return result, err
}

func (w *Worker) publish(ctx context.Context, msg *Message) error {
	return backoff.Retry(func() error {
		return w.producer.Publish(ctx, msg)
	}, w.retryPolicy(ctx))
}

func (w *Worker) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = w.cfg.RetryFor
	return backoff.WithContext(b, ctx)
}

// deadLetter wraps the original message with failure metadata and commits it.
func (w *Worker) deadLetter(ctx context.Context, msg *Message, reason, outcome string, cause error) error {
	metrics.StreamMessagesTotal.WithLabelValues(outcome).Inc()

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	var key any
	if msg.Key != nil {
		key = string(msg.Key)
	}
	payload, err := json.Marshal(map[string]any{
		"original_topic":     msg.Topic,
		"original_partition": msg.Partition,
		"original_offset":    msg.Offset,
		"key":                key,
		"value":              string(msg.Value),
		"headers":            headers,
		"failure_reason":     reason,
		"error":              cause.Error(),
		"failed_at":          w.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	dlq := &Message{
		Topic:   w.cfg.DLQTopic,
		Key:     msg.Key,
		Value:   payload,
		Headers: append(append([]Header(nil), msg.Headers...), Header{Key: HeaderDLQReason, Value: []byte(reason)}),
	}
	if err := w.publish(ctx, dlq); err != nil {
		return fmt.Errorf("dead-letter offset %d: %w", msg.Offset, err)
	}
	logging.L(ctx).Warn("message sent to dead-letter topic", "reason", reason, "error", cause)
	w.commit(ctx, msg)
	return nil
}

func (w *Worker) commit(ctx context.Context, msg *Message) {
	if err := w.consumer.Commit(ctx, msg); err != nil {
		logging.L(ctx).Error("failed to commit offset", "error", err)
	}
}
