package utils

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		label string
		want  int64
	}{
		{"1.5GB", 1610612736},
		{"1.5 gb", 1610612736},
		{"100.00 MB", 100 * 1024 * 1024},
		{"11T", 11 * 1024 * 1024 * 1024 * 1024},
		{"512", 512},
		{"512B", 512},
		{"4k", 4096},
		{"2KB", 2048},
		{"3M", 3 * 1024 * 1024},
		{"0.5G", 512 * 1024 * 1024},
		{".5K", 512},
		{" 7 tb ", 7 * 1024 * 1024 * 1024 * 1024},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got, err := ParseSize(tt.label)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSizeRejects(t *testing.T) {
	for _, label := range []string{"", "GB", "1.2.3GB", "12PB", "-4MB", "ten MB", "5 MiB"} {
		_, err := ParseSize(label)
		assert.Error(t, err, label)
	}
}

func TestFormatSizeRoundTrip(t *testing.T) {
	for _, n := range []int64{0, 1, 1023, 1024, 1536, 100 * 1024 * 1024, 1610612736, 2528876743884} {
		label := FormatSize(n)
		back, err := ParseSize(label)
		require.NoError(t, err, label)
		// two decimals in the chosen unit bound the error to half a hundredth
		// of that unit
		assert.InDelta(t, float64(n), float64(back), math.Max(1, float64(n)*0.005), label)
	}
	assert.Equal(t, "100.00 MB", FormatSize(100*1024*1024))
	assert.Equal(t, "1.50 GB", FormatSize(1610612736))
	assert.Equal(t, "12.00 B", FormatSize(12))
}

func TestWithinTolerance(t *testing.T) {
	assert.True(t, WithinTolerance(100, 100, 0.01))
	assert.True(t, WithinTolerance(101, 100, 0.01))
	assert.False(t, WithinTolerance(102, 100, 0.01))
	assert.True(t, WithinTolerance(0, 0, 0.01))
	assert.False(t, WithinTolerance(1, 0, 0.01))
}
