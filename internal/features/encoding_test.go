package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferGroupKey(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"TransactionAmt_uid_mean", "uid", false},
		{"D15_uid_std", "uid", false},
		{"C13_card1_ct", "card1", false},
		{"TransactionAmt_card1_addr1_mean", "", true},
		{"D15_card1_addr1_P_emaildomain_std", "", true},
		{"uid_card1_mean", "", true},
		{"TransactionAmt_card2_mean", "", true},
		{"TransactionAmt_mean", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := inferGroupKey(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewEncodingTableRejectsAmbiguousNames(t *testing.T) {
	_, err := NewEncodingTable(map[string]map[string]float64{
		"TransactionAmt_card1_addr1_mean": {},
		"TransactionAmt_uid_mean":         {},
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGroupKeyAmbiguous)
	assert.Contains(t, err.Error(), "TransactionAmt_card1_addr1_mean")
}

func TestNewEncodingTableDeclaredKeys(t *testing.T) {
	enc, err := NewEncodingTable(map[string]map[string]float64{
		"TransactionAmt_card1_addr1_mean": {"1_2": 7},
		"TransactionAmt_uid_mean":         {},
		"card1_FE":                        {"1": 2},
	}, map[string]string{"TransactionAmt_card1_addr1_mean": "card1_addr1"})
	require.NoError(t, err)

	g, ok := enc.GroupKey("TransactionAmt_card1_addr1_mean")
	require.True(t, ok)
	assert.Equal(t, "card1_addr1", g)

	g, ok = enc.GroupKey("TransactionAmt_uid_mean")
	require.True(t, ok)
	assert.Equal(t, "uid", g)

	_, ok = enc.GroupKey("card1_FE")
	assert.False(t, ok)

	assert.Equal(t, []string{"TransactionAmt_card1_addr1_mean", "TransactionAmt_uid_mean", "card1_FE"}, enc.Names())
	assert.Equal(t, 3, enc.Len())
}

func TestNewEncodingTableRejectsEmptyDeclaredKey(t *testing.T) {
	_, err := NewEncodingTable(map[string]map[string]float64{
		"TransactionAmt_uid_mean": {},
	}, map[string]string{"TransactionAmt_uid_mean": " "})
	assert.ErrorIs(t, err, ErrGroupKeyAmbiguous)
}

func TestEncodingTableCopiesInput(t *testing.T) {
	stats := map[string]map[string]float64{"card1_FE": {"1": 2}}
	enc, err := NewEncodingTable(stats, nil)
	require.NoError(t, err)

	stats["card1_FE"]["1"] = 99
	v, ok := enc.Lookup("card1_FE", "1")
	require.True(t, ok)
	assert.Equal(t, 2.0, v)
}

func TestFeatureKinds(t *testing.T) {
	assert.True(t, IsFrequencyFeature("card1_FE"))
	assert.False(t, IsAggregateFeature("card1_FE"))
	assert.True(t, IsAggregateFeature("C1_uid_ct"))
	assert.True(t, IsAggregateFeature("D15_uid_std"))
	assert.False(t, IsAggregateFeature("TransactionAmt"))
	assert.Equal(t, "card1_addr1", FrequencySource("card1_addr1_FE"))

	// The frequency suffix only counts at the end of the name.
	assert.False(t, IsFrequencyFeature("uid_FE_ct"))
	assert.True(t, IsAggregateFeature("uid_FE_ct"))
}
