// Package validation provides request validation for the scoring API.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum single-request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxBatchRequestSize bounds /v1/predict/batch bodies (16MB)
const MaxBatchRequestSize = 16 << 20

// MaxBatchSize is the maximum number of transactions per batch request.
const MaxBatchSize = 1000

// MaxTransactionIDLength bounds caller-supplied correlation ids.
const MaxTransactionIDLength = 128

var transactionIDRegex = regexp.MustCompile(`^[A-Za-z0-9._:\-]+$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidTransactionID checks the characters and length of a correlation id.
func IsValidTransactionID(id string) bool {
	return len(id) <= MaxTransactionIDLength && transactionIDRegex.MatchString(id)
}

// SanitizeString trims whitespace, removes null bytes and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// TransactionID checks an optional correlation id.
func TransactionID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidTransactionID(value) {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be 1-%d characters of [A-Za-z0-9._:-]", MaxTransactionIDLength)}
		}
		return nil
	}
}

// BatchSize checks that a batch holds between 1 and max items.
func BatchSize(field string, n, max int) func() *ValidationError {
	return func() *ValidationError {
		switch {
		case n == 0:
			return &ValidationError{Field: field, Message: "must not be empty"}
		case n > max:
			return &ValidationError{Field: field, Message: fmt.Sprintf("must hold at most %d items", max)}
		}
		return nil
	}
}

// TransactionIDParamMiddleware rejects malformed :transactionId URL params early.
func TransactionIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("transactionId")
		if id != "" && !IsValidTransactionID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_transaction_id",
				"message": "transaction id contains unsupported characters or is too long",
			})
			return
		}
		c.Next()
	}
}
