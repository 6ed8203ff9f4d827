package util

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAsInt64(t *testing.T) {
	tests := []struct {
		name     string
		input    uint64
		expected int64
	}{
		{
			name:     "zero value",
			input:    0,
			expected: 0,
		},
		{
			name:     "value within range",
			input:    1000,
			expected: 1000,
		},
		{
			name:     "max int64",
			input:    math.MaxInt64,
			expected: math.MaxInt64,
		},
		{
			name:     "overflow saturates",
			input:    math.MaxUint64,
			expected: math.MaxInt64,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, AsInt64(tt.input))
		})
	}
}

func TestAsUint64(t *testing.T) {
	tests := []struct {
		name     string
		input    int64
		expected uint64
	}{
		{
			name:     "zero value",
			input:    0,
			expected: 0,
		},
		{
			name:     "positive value",
			input:    42,
			expected: 42,
		},
		{
			name:     "negative clamps to zero",
			input:    -1,
			expected: 0,
		},
		{
			name:     "min int64 clamps to zero",
			input:    math.MinInt64,
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, AsUint64(tt.input))
		})
	}
}
