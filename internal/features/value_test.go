package features

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatFloat(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{315, "315.0"},
		{-2, "-2.0"},
		{0, "0.0"},
		{math.Copysign(0, -1), "-0.0"},
		{123.456, "123.456"},
		{0.0001, "0.0001"},
		{1.5e-5, "1.5e-05"},
		{1e-5, "1e-05"},
		{1e15, "1000000000000000.0"},
		{1e16, "1e+16"},
		{-4, "-4.0"},
		{math.NaN(), "nan"},
		{math.Inf(1), "inf"},
		{math.Inf(-1), "-inf"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatFloat(tt.in), "FormatFloat(%v)", tt.in)
	}
}

func TestValuePyString(t *testing.T) {
	assert.Equal(t, "13926", Int(13926).PyString())
	assert.Equal(t, "13926.0", Float(13926).PyString())
	assert.Equal(t, "gmail.com", String("gmail.com").PyString())
	assert.Equal(t, "True", Bool(true).PyString())
	assert.Equal(t, "False", Bool(false).PyString())
	assert.Equal(t, "None", Null().PyString())
}

func TestRecordUnmarshalKeepsNumberKinds(t *testing.T) {
	var r Record
	err := json.Unmarshal([]byte(`{"a":1,"b":1.0,"c":"x","d":null,"e":true,"g":{"h":2}}`), &r)
	require.NoError(t, err)

	assert.Equal(t, KindInt, r["a"].Kind())
	assert.Equal(t, KindFloat, r["b"].Kind())
	assert.Equal(t, KindString, r["c"].Kind())
	assert.Equal(t, KindNull, r["d"].Kind())
	assert.Equal(t, KindBool, r["e"].Kind())
	require.Equal(t, KindGroup, r["g"].Kind())
	assert.Equal(t, KindInt, r["g"].Record()["h"].Kind())
}

func TestRecordUnmarshalRejectsArrays(t *testing.T) {
	var r Record
	err := json.Unmarshal([]byte(`{"identity":{"ids":[1,2]}}`), &r)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedInput))
	assert.Contains(t, err.Error(), "identity.ids")
}

func TestRecordUnmarshalRejectsNonObject(t *testing.T) {
	var r Record
	assert.ErrorIs(t, r.UnmarshalJSON([]byte(`null`)), ErrMalformedInput)
	assert.Error(t, json.Unmarshal([]byte(`[1]`), &r))
}

func TestRecordUnmarshalRejectsDuplicateKeys(t *testing.T) {
	tests := []struct {
		name string
		body string
		path string
	}{
		{"top level", `{"card1": 1, "TransactionAmt": 5, "card1": 2}`, `"card1"`},
		{"inside a group", `{"identity": {"id_01": 1, "id_01": null}}`, `"identity.id_01"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Record
			err := json.Unmarshal([]byte(tt.body), &r)
			require.ErrorIs(t, err, ErrMalformedInput)
			assert.Contains(t, err.Error(), tt.path)
		})
	}

	// The same key in different groups is not a duplicate.
	var r Record
	require.NoError(t, json.Unmarshal([]byte(`{"identity": {"a": 1}, "vFeatures": {"a": 2}}`), &r))
}

func TestRecordMarshalRoundTripsScalars(t *testing.T) {
	r := Record{"amt": Float(1.5), "card1": Int(7), "email": String("a.com"), "gone": Null()}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amt":1.5,"card1":7,"email":"a.com","gone":null}`, string(data))
}

func TestValueNumber(t *testing.T) {
	x, ok := Bool(true).Number()
	assert.True(t, ok)
	assert.Equal(t, 1.0, x)

	_, ok = String("12").Number()
	assert.False(t, ok)

	_, ok = Null().Number()
	assert.False(t, ok)
}
