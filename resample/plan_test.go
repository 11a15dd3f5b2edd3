package resample

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenarioGrid(t *testing.T) *Grid {
	t.Helper()
	g, err := Resolve([]Dim{
		{Name: "lat", Coords: centres(0, 0.1, 100)},
		{Name: "lon", Coords: centres(0, 0.1, 100)},
	}, scenarioSpec)
	require.NoError(t, err)
	return g
}

// assertTiles checks that the windows of p cover every target cell exactly
// once.
func assertTiles(t *testing.T, p *Plan) {
	t.Helper()
	shape := p.Grid().Shape()
	size := 1
	for _, n := range shape {
		size *= n
	}
	hits := make([]int, size)
	it := p.Iter()
	count := 0
	for w, ok := it.Next(); ok; w, ok = it.Next() {
		count++
		tshape := w.Target.Shape()
		idx := make([]int, len(tshape))
		for n := 0; n < w.Target.Size(); n++ {
			flat := 0
			for d := range idx {
				flat = flat*shape[d] + w.Target.Start[d] + idx[d]
			}
			hits[flat]++
			for d := len(idx) - 1; d >= 0; d-- {
				idx[d]++
				if idx[d] < tshape[d] {
					break
				}
				idx[d] = 0
			}
		}
	}
	require.Equal(t, p.Len(), count)
	for i, h := range hits {
		if h != 1 {
			t.Fatalf("target cell %d covered %d times", i, h)
		}
	}
}

func TestPlanScenario(t *testing.T) {
	p, err := NewPlan(scenarioGrid(t), "tas", PlanOptions{WindowHint: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, p.Len())
	assert.Equal(t, []int{2, 2}, p.Tiles())

	w := p.At(3)
	assert.Equal(t, "tas/3", w.Key())
	assert.Equal(t, []int{5, 5}, w.Target.Start)
	assert.Equal(t, []int{10, 10}, w.Target.Stop)
	assert.Equal(t, []int{50, 50}, w.Source.Start)
	assert.Equal(t, []int{100, 100}, w.Source.Stop)
	assertTiles(t, p)
}

func TestPlanTilesForAllHints(t *testing.T) {
	g, err := Resolve([]Dim{
		{Name: "time", Coords: centres(0, 1, 7)},
		{Name: "lat", Coords: centres(0, 0.1, 93)},
		{Name: "lon", Coords: centres(0, 0.1, 61)},
	}, Spec{
		{Dimension: "lat", Range: [2]float64{0, 9.3}, Step: 0.7},
		{Dimension: "lon", Range: [2]float64{0, 6.1}, Step: 0.3},
	})
	require.NoError(t, err)
	for _, hint := range []int{0, 1, 2, 3, 5, 7, 16, 100, 1000} {
		t.Run(fmt.Sprintf("hint=%d", hint), func(t *testing.T) {
			p, err := NewPlan(g, "v", PlanOptions{WindowHint: hint})
			require.NoError(t, err)
			assert.Equal(t, 1, p.Tiles()[0], "pass-through dimensions are never split")
			assertTiles(t, p)
		})
	}
}

func TestPlanBudget(t *testing.T) {
	g := scenarioGrid(t)
	for _, budget := range []int64{16, 100, 1000, 4096, 10000, 80000, 1 << 20} {
		t.Run(fmt.Sprintf("budget=%d", budget), func(t *testing.T) {
			p, err := NewPlan(g, "tas", PlanOptions{MemoryBudget: budget, WindowHint: 1})
			// a single target cell aggregates 10x10 source cells
			if budget < (100+1)*DefaultElemSize {
				assert.True(t, errors.Is(err, ErrInvalidSpec), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.LessOrEqual(t, p.Footprint(), budget)
			it := p.Iter()
			for w, ok := it.Next(); ok; w, ok = it.Next() {
				require.LessOrEqual(t, w.Footprint(DefaultElemSize), budget, w.String())
			}
			assertTiles(t, p)
		})
	}
}

func TestPlanSignature(t *testing.T) {
	g := scenarioGrid(t)
	a, err := NewPlan(g, "tas", PlanOptions{WindowHint: 4})
	require.NoError(t, err)
	b, err := NewPlan(g, "tas", PlanOptions{WindowHint: 4})
	require.NoError(t, err)
	c, err := NewPlan(g, "tas", PlanOptions{WindowHint: 9})
	require.NoError(t, err)

	assert.Equal(t, a.Signature(), b.Signature())
	assert.NotEqual(t, a.Signature(), c.Signature())
	assert.NotEqual(t, PlanSignature([]*Plan{a}), PlanSignature([]*Plan{c}))
}

func TestWindowsRestart(t *testing.T) {
	p, err := NewPlan(scenarioGrid(t), "tas", PlanOptions{WindowHint: 4})
	require.NoError(t, err)
	it := p.Iter()
	first, _ := it.Next()
	for _, ok := it.Next(); ok; _, ok = it.Next() {
	}
	_, ok := it.Next()
	assert.False(t, ok)
	it.Reset()
	again, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, first, again)
}
