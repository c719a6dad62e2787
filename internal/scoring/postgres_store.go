package scoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/entropy/internal/features"
	"github.com/mbd888/entropy/migrations"
)

// PostgresStore persists prediction results in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed prediction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies pending schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migrations.Up(ctx, s.db)
}

func (s *PostgresStore) Record(ctx context.Context, result *PredictionResult) error {
	topJSON, err := json.Marshal(result.TopFeatures)
	if err != nil {
		return fmt.Errorf("failed to marshal top features: %w", err)
	}
	statsJSON, err := json.Marshal(result.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	collisions := result.FlattenCollisions
	if collisions == nil {
		collisions = []features.Collision{}
	}
	collisionsJSON, err := json.Marshal(collisions)
	if err != nil {
		return fmt.Errorf("failed to marshal collisions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO predictions (id, transaction_id, risk_score, prediction, confidence, threshold,
			decision, top_features, stats, flatten_collisions, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		result.ID,
		result.TransactionID,
		result.RiskScore,
		string(result.Prediction),
		result.Confidence,
		result.Threshold,
		string(result.Decision),
		topJSON,
		statsJSON,
		collisionsJSON,
		result.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record prediction: %w", err)
	}
	return nil
}

const selectPrediction = `
	SELECT id, transaction_id, risk_score, prediction, confidence, threshold,
		decision, top_features, stats, flatten_collisions, evaluated_at
	FROM predictions`

func (s *PostgresStore) Get(ctx context.Context, transactionID string) (*PredictionResult, error) {
	row := s.db.QueryRowContext(ctx, selectPrediction+`
		WHERE transaction_id = $1
		ORDER BY evaluated_at DESC
		LIMIT 1
	`, transactionID)
	r, err := scanPrediction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prediction: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*PredictionResult, error) {
	rows, err := s.db.QueryContext(ctx, selectPrediction+`
		ORDER BY evaluated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list predictions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*PredictionResult
	for rows.Next() {
		r, err := scanPrediction(rows)
		if err != nil {
			continue
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPrediction(sc scanner) (*PredictionResult, error) {
	var r PredictionResult
	var topJSON, statsJSON, collisionsJSON []byte
	if err := sc.Scan(&r.ID, &r.TransactionID, &r.RiskScore, &r.Prediction, &r.Confidence, &r.Threshold,
		&r.Decision, &topJSON, &statsJSON, &collisionsJSON, &r.EvaluatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(topJSON, &r.TopFeatures)
	_ = json.Unmarshal(statsJSON, &r.Stats)
	_ = json.Unmarshal(collisionsJSON, &r.FlattenCollisions)
	if len(r.FlattenCollisions) == 0 {
		r.FlattenCollisions = nil
	}
	return &r, nil
}
