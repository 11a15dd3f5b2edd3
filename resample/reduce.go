package resample

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Reduction aggregates the source cells of a target cell.
type Reduction string

const (
	Mean    Reduction = "mean"
	Sum     Reduction = "sum"
	Min     Reduction = "min"
	Max     Reduction = "max"
	Median  Reduction = "median"
	Count   Reduction = "count"
	Nearest Reduction = "nearest"
)

// Reductions lists every supported reduction.
var Reductions = []Reduction{Mean, Sum, Min, Max, Median, Count, Nearest}

// ParseReduction maps a configuration value onto a Reduction. The empty
// string selects Mean.
func ParseReduction(s string) (Reduction, error) {
	if s == "" {
		return Mean, nil
	}
	for _, r := range Reductions {
		if string(r) == s {
			return r, nil
		}
	}
	return "", invalidSpec("unknown reduction %q", s)
}

// reduce folds vals, which never contain NaN. An empty input gives NaN for
// every reduction except Count. vals may be reordered.
func (r Reduction) reduce(vals []float64) float64 {
	if r == Count {
		return float64(len(vals))
	}
	if len(vals) == 0 {
		return math.NaN()
	}
	switch r {
	case Sum:
		return floats.Sum(vals)
	case Min:
		return floats.Min(vals)
	case Max:
		return floats.Max(vals)
	case Median:
		sort.Float64s(vals)
		mid := len(vals) / 2
		if len(vals)%2 == 1 {
			return vals[mid]
		}
		return (vals[mid-1] + vals[mid]) / 2
	default:
		return stat.Mean(vals, nil)
	}
}

// nearestIndex returns the index in iv whose coordinate is closest to c.
// Ties go to the lower index.
func nearestIndex(coords []float64, iv Interval, c float64) int {
	best, bestDist := iv.Start, math.Inf(1)
	for i := iv.Start; i < iv.Stop; i++ {
		if d := math.Abs(coords[i] - c); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
