package resample

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReduce(t *testing.T) {
	cases := []struct {
		r    Reduction
		in   []float64
		want float64
	}{
		{Mean, []float64{1, 2, 3, 6}, 3},
		{Sum, []float64{1, 2, 3, 6}, 12},
		{Min, []float64{4, -2, 3}, -2},
		{Max, []float64{4, -2, 3}, 4},
		{Median, []float64{9, 1, 5}, 5},
		{Median, []float64{9, 1, 5, 3}, 4},
		{Count, []float64{9, 1, 5}, 3},
		{Count, nil, 0},
		{Mean, nil, math.NaN()},
		{Sum, nil, math.NaN()},
		{Median, nil, math.NaN()},
	}
	for _, c := range cases {
		got := c.r.reduce(append([]float64(nil), c.in...))
		if !approxEqual(got, c.want) {
			t.Errorf("%s(%v) = %v, want %v", c.r, c.in, got, c.want)
		}
	}
}

func TestParseReduction(t *testing.T) {
	r, err := ParseReduction("")
	require.NoError(t, err)
	assert.Equal(t, Mean, r)

	for _, want := range Reductions {
		got, err := ParseReduction(string(want))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err = ParseReduction("mode")
	assert.True(t, errors.Is(err, ErrInvalidSpec))
}

func TestNearestIndex(t *testing.T) {
	coords := []float64{0.1, 0.2, 0.9, 1.45, 1.6}
	assert.Equal(t, 1, nearestIndex(coords, Interval{0, 3}, 0.5))
	assert.Equal(t, 3, nearestIndex(coords, Interval{3, 5}, 1.5))
	// ties go to the lower index
	assert.Equal(t, 0, nearestIndex([]float64{1, 3}, Interval{0, 2}, 2))
}
