package units

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUnits(t *testing.T) {
	tests := []struct {
		in       string
		decimals int
		want     string
	}{
		{"50", 8, "5000000000"},
		{"0.1", 4, "1000"},
		{"80", 2, "8000"},
		{"16", 2, "1600"},
		{".5", 1, "5"},
		{"1.50", 1, "15"},
		{"-2", 0, "-2"},
		{"0", 18, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUnits(tt.in, tt.decimals)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestParseUnits_Errors(t *testing.T) {
	for _, in := range []string{"", "abc", "1.2.3", "0.001", "1e5", "--1"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseUnits(in, 2)
			assert.Error(t, err)
		})
	}
}

func TestFormatUnits(t *testing.T) {
	assert.Equal(t, "50", FormatUnits(big.NewInt(5000000000), 8))
	assert.Equal(t, "0.1", FormatUnits(big.NewInt(1000), 4))
	assert.Equal(t, "0.0001", FormatUnits(big.NewInt(1), 4))
	assert.Equal(t, "-1.5", FormatUnits(big.NewInt(-15), 1))
	assert.Equal(t, "0", FormatUnits(nil, 4))
}
