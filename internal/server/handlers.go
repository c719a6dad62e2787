package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/entropy/internal/features"
	"github.com/mbd888/entropy/internal/health"
	"github.com/mbd888/entropy/internal/logging"
	"github.com/mbd888/entropy/internal/model"
	"github.com/mbd888/entropy/internal/scoring"
	"github.com/mbd888/entropy/internal/validation"
)

// predictRequest is the body of POST /v1/predict. "features" is accepted as
// an alias of "transaction" for older clients.
type predictRequest struct {
	TransactionID string          `json:"transactionId"`
	Transaction   features.Record `json:"transaction"`
	Features      features.Record `json:"features"`
}

func (r *predictRequest) record() features.Record {
	if r.Transaction != nil {
		return r.Transaction
	}
	return r.Features
}

func (r *predictRequest) validate() validation.ValidationErrors {
	errs := validation.Validate(validation.TransactionID("transactionId", r.TransactionID))
	if r.record() == nil {
		errs = append(errs, validation.ValidationError{Field: "transaction", Message: "is required"})
	}
	return errs
}

// APIError is the error body returned by every endpoint.
type APIError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// scoringError maps pipeline errors to HTTP statuses.
func scoringError(err error) (int, APIError) {
	switch {
	case errors.Is(err, features.ErrMalformedInput):
		return http.StatusBadRequest, APIError{Error: "invalid_transaction", Message: err.Error()}
	case errors.Is(err, scoring.ErrArtifactsUnavailable):
		return http.StatusServiceUnavailable, APIError{Error: "artifacts_unavailable", Message: "Scoring models are not loaded"}
	case errors.Is(err, model.ErrAllModelsFailed):
		return http.StatusInternalServerError, APIError{Error: "scoring_failed", Message: "No ensemble member produced a score"}
	default:
		return http.StatusInternalServerError, APIError{Error: "internal_error", Message: "An unexpected error occurred"}
	}
}

// decodeError maps body decoding failures.
func decodeError(err error) (int, APIError) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, APIError{Error: "request_too_large", Message: err.Error()}
	case errors.Is(err, features.ErrMalformedInput):
		return http.StatusBadRequest, APIError{Error: "invalid_transaction", Message: err.Error()}
	default:
		return http.StatusBadRequest, APIError{Error: "invalid_request", Message: err.Error()}
	}
}

func (s *Server) predictHandler(c *gin.Context) {
	var req predictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		status, body := decodeError(err)
		c.JSON(status, body)
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	result, err := s.engine.Score(c.Request.Context(), scoring.Request{
		TransactionID: req.TransactionID,
		Transaction:   req.record(),
	})
	if err != nil {
		status, body := scoringError(err)
		if status >= 500 {
			logging.L(c.Request.Context()).Error("scoring failed", "error", err)
		}
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, result)
}

// BatchItem is one entry of a batch response.
type BatchItem struct {
	Index         int                       `json:"index"`
	TransactionID string                    `json:"transactionId"`
	Result        *scoring.PredictionResult `json:"result,omitempty"`
	Error         *APIError                 `json:"error,omitempty"`
}

// BatchSummary mirrors the counts the batch report prints.
type BatchSummary struct {
	Total     int     `json:"total"`
	Fraud     int     `json:"fraud"`
	Safe      int     `json:"safe"`
	Errors    int     `json:"errors"`
	FraudRate float64 `json:"fraudRate"`
}

// BatchResponse is the body of POST /v1/predict/batch.
type BatchResponse struct {
	Results []BatchItem  `json:"results"`
	Summary BatchSummary `json:"summary"`
}

func (s *Server) batchPredictHandler(c *gin.Context) {
	// Items are decoded one by one so a malformed transaction fails only
	// its own entry.
	var req struct {
		Transactions []json.RawMessage `json:"transactions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		status, body := decodeError(err)
		c.JSON(status, body)
		return
	}
	if errs := validation.Validate(validation.BatchSize("transactions", len(req.Transactions), validation.MaxBatchSize)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}
	if !s.engine.Ready() {
		_, body := scoringError(scoring.ErrArtifactsUnavailable)
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}

	ctx := c.Request.Context()
	resp := BatchResponse{Results: make([]BatchItem, len(req.Transactions))}
	for i, raw := range req.Transactions {
		item := BatchItem{Index: i}
		var one predictRequest
		if err := json.Unmarshal(raw, &one); err != nil {
			_, body := decodeError(err)
			item.TransactionID = scoring.UnknownTransactionID
			item.Error = &body
		} else if errs := one.validate(); len(errs) > 0 {
			item.TransactionID = scoring.ResolveTransactionID(one.TransactionID, one.record())
			item.Error = &APIError{Error: "validation_failed", Message: errs.Error()}
		} else {
			item.TransactionID = scoring.ResolveTransactionID(one.TransactionID, one.record())
			result, err := s.engine.Score(ctx, scoring.Request{TransactionID: one.TransactionID, Transaction: one.record()})
			if err != nil {
				if errors.Is(err, scoring.ErrArtifactsUnavailable) {
					status, body := scoringError(err)
					c.JSON(status, body)
					return
				}
				_, body := scoringError(err)
				item.Error = &body
			} else {
				item.Result = result
			}
		}

		switch {
		case item.Error != nil:
			resp.Summary.Errors++
		case item.Result.Prediction == scoring.PredictionFraud:
			resp.Summary.Fraud++
		default:
			resp.Summary.Safe++
		}
		resp.Results[i] = item
	}
	resp.Summary.Total = len(resp.Results)
	if scored := resp.Summary.Fraud + resp.Summary.Safe; scored > 0 {
		resp.Summary.FraudRate = float64(resp.Summary.Fraud) / float64(scored)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getPredictionHandler(c *gin.Context) {
	result, err := s.store.Get(c.Request.Context(), c.Param("transactionId"))
	if errors.Is(err, scoring.ErrNotFound) {
		c.JSON(http.StatusNotFound, APIError{Error: "not_found", Message: "No prediction recorded for this transaction"})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to read prediction", "error", err)
		c.JSON(http.StatusInternalServerError, APIError{Error: "internal_error", Message: "Failed to read prediction"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) listPredictionsHandler(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, APIError{Error: "invalid_request", Message: "limit must be a positive integer"})
			return
		}
		limit = min(n, 500)
	}
	results, err := s.store.ListRecent(c.Request.Context(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list predictions", "error", err)
		c.JSON(http.StatusInternalServerError, APIError{Error: "internal_error", Message: "Failed to list predictions"})
		return
	}
	if results == nil {
		results = []*scoring.PredictionResult{}
	}
	c.JSON(http.StatusOK, gin.H{"predictions": results, "count": len(results)})
}

func (s *Server) modelHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Info())
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for /health
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Model     scoring.Info    `json:"model"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Model:     s.engine.Info(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() || !s.engine.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
