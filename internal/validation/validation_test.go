package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidTransactionID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"2987000", true},
		{"tx-2026.10.15:01", true},
		{"T_9", true},

		{"", false},
		{"has space", false},
		{"semi;colon", false},
		{strings.Repeat("a", MaxTransactionIDLength+1), false},
	}

	for _, tc := range tests {
		if got := IsValidTransactionID(tc.id); got != tc.valid {
			t.Errorf("IsValidTransactionID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("transaction", "x"),
		TransactionID("transactionId", ""),
		BatchSize("transactions", 3, 10),
	)
	if len(errs) != 0 {
		t.Errorf("Expected no errors, got %v", errs)
	}

	errs = Validate(
		Required("transaction", " "),
		TransactionID("transactionId", "bad id"),
		BatchSize("transactions", 0, 10),
		BatchSize("transactions", 11, 10),
	)
	if len(errs) != 4 {
		t.Fatalf("Expected 4 errors, got %d", len(errs))
	}
	if errs.Error() != "transaction: is required" {
		t.Errorf("unexpected message %q", errs.Error())
	}
}

func TestTransactionIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/p/:transactionId", TransactionIDParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/p/2987000", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/p/bad%3Bid", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"0123456789"}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected oversized body to fail, got %d", w.Code)
	}
}
