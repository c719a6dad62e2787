package scoring

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/entropy/internal/features"
)

// requestEnvelope is the wrapped form of a request. "features" is accepted
// as an alias of "transaction".
type requestEnvelope struct {
	TransactionID string          `json:"transactionId"`
	Transaction   features.Record `json:"transaction"`
	Features      features.Record `json:"features"`
}

// ParseRequest decodes a request from JSON. It accepts the wrapped form
// {"transactionId": ..., "transaction": {...}} and a bare transaction
// object. All decoding errors wrap features.ErrMalformedInput.
func ParseRequest(data []byte) (Request, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return Request{}, fmt.Errorf("%w: %v", features.ErrMalformedInput, err)
	}
	if probe == nil {
		return Request{}, fmt.Errorf("%w: request must be a JSON object", features.ErrMalformedInput)
	}
	_, hasTx := probe["transaction"]
	_, hasFeatures := probe["features"]
	if !hasTx && !hasFeatures {
		var rec features.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return Request{}, err
		}
		return Request{Transaction: rec}, nil
	}

	var env requestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		if errors.Is(err, features.ErrMalformedInput) {
			return Request{}, err
		}
		return Request{}, fmt.Errorf("%w: %v", features.ErrMalformedInput, err)
	}
	rec := env.Transaction
	if rec == nil {
		rec = env.Features
	}
	if rec == nil {
		return Request{}, fmt.Errorf("%w: transaction must be a JSON object", features.ErrMalformedInput)
	}
	return Request{TransactionID: env.TransactionID, Transaction: rec}, nil
}
