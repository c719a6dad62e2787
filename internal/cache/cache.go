// Package cache keeps recent prediction results in Redis in front of the
// durable audit store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/entropy/internal/circuitbreaker"
	"github.com/mbd888/entropy/internal/metrics"
	"github.com/mbd888/entropy/internal/scoring"
)

const keyPrefix = "entropy:prediction:"

// breakerKey names Redis in the circuit breaker.
const breakerKey = "redis"

// Store is a read-through scoring.Store backed by Redis. Writes go to both
// Redis and the next store; reads try Redis first.
type Store struct {
	client  *redis.Client
	next    scoring.Store
	ttl     time.Duration
	logger  *slog.Logger
	breaker *circuitbreaker.Breaker
}

var _ scoring.Store = (*Store)(nil)

// Connect parses a redis:// URL and verifies the server responds.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// New wraps next with a Redis cache. next may be nil for a cache-only store.
// After five consecutive Redis errors the cache is bypassed for 30s.
func New(client *redis.Client, next scoring.Store, ttl time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:  client,
		next:    next,
		ttl:     ttl,
		logger:  logger,
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

func isMiss(err error) bool { return errors.Is(err, redis.Nil) }

func (s *Store) set(ctx context.Context, transactionID string, data []byte) error {
	return s.breaker.Do(breakerKey, func() error {
		return s.client.Set(ctx, key(transactionID), data, s.ttl).Err()
	}, nil)
}

func key(transactionID string) string {
	return keyPrefix + transactionID
}

// Record writes through to the next store, then caches the result. A cache
// failure is logged and does not fail the write.
func (s *Store) Record(ctx context.Context, result *scoring.PredictionResult) error {
	if s.next != nil {
		if err := s.next.Record(ctx, result); err != nil {
			return err
		}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal prediction: %w", err)
	}
	if err := s.set(ctx, result.TransactionID, data); err != nil {
		s.logger.Warn("redis set failed", "transaction_id", result.TransactionID, "error", err)
		if s.next == nil {
			return fmt.Errorf("redis set failed: %w", err)
		}
	}
	return nil
}

// Get returns the cached result or falls back to the next store.
func (s *Store) Get(ctx context.Context, transactionID string) (*scoring.PredictionResult, error) {
	var data []byte
	err := s.breaker.Do(breakerKey, func() error {
		var gerr error
		data, gerr = s.client.Get(ctx, key(transactionID)).Bytes()
		return gerr
	}, isMiss)
	switch {
	case err == nil:
		var r scoring.PredictionResult
		if uerr := json.Unmarshal(data, &r); uerr == nil {
			metrics.ResultCacheTotal.WithLabelValues("hit").Inc()
			return &r, nil
		}
		metrics.ResultCacheTotal.WithLabelValues("error").Inc()
		s.logger.Warn("discarding undecodable cache entry", "transaction_id", transactionID)
	case errors.Is(err, redis.Nil):
		metrics.ResultCacheTotal.WithLabelValues("miss").Inc()
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.ResultCacheTotal.WithLabelValues("bypass").Inc()
	default:
		metrics.ResultCacheTotal.WithLabelValues("error").Inc()
		s.logger.Warn("redis get failed", "transaction_id", transactionID, "error", err)
	}

	if s.next == nil {
		return nil, scoring.ErrNotFound
	}
	r, err := s.next.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if data, merr := json.Marshal(r); merr == nil {
		_ = s.set(ctx, transactionID, data)
	}
	return r, nil
}

// ListRecent is served by the next store; Redis only holds keyed entries.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*scoring.PredictionResult, error) {
	if s.next == nil {
		return nil, nil
	}
	return s.next.ListRecent(ctx, limit)
}

// Ping checks Redis connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
