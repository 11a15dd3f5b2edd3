package resample

import (
	"context"
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zarr "github.com/qri-io/zarr-downscale"
	"github.com/qri-io/zarr-downscale/ledger"
)

func box(id int, r0, r1, c0, c1 int) Result {
	w := Window{
		Variable: "tas",
		ID:       id,
		Target:   zarr.Region{Start: []int{r0, c0}, Stop: []int{r1, c1}},
	}
	vals := make([]float64, (r1-r0)*(c1-c0))
	for i := r0; i < r1; i++ {
		for j := c0; j < c1; j++ {
			vals[(i-r0)*(c1-c0)+j-c0] = cellValue(i, j)
		}
	}
	return Result{Window: w, Values: vals}
}

func TestMerge(t *testing.T) {
	a, b := box(0, 0, 2, 0, 3), box(3, 2, 4, 3, 5)
	region, vals, mask := Merge([]Result{a, b})
	assert.Equal(t, []int{0, 0}, region.Start)
	assert.Equal(t, []int{4, 5}, region.Stop)

	for i := 0; i < 4; i++ {
		for j := 0; j < 5; j++ {
			o := i*5 + j
			covered := (i < 2 && j < 3) || (i >= 2 && j >= 3)
			assert.Equal(t, covered, mask[o], "mask %d,%d", i, j)
			if covered {
				assert.Equal(t, cellValue(i, j), vals[o])
			} else {
				assert.True(t, math.IsNaN(vals[o]))
			}
		}
	}

	region2, vals2, mask2 := Merge([]Result{b, a})
	assert.Equal(t, region, region2)
	assert.Equal(t, mask, mask2)
	for i := range vals {
		assert.True(t, approxEqual(vals[i], vals2[i]))
	}

	region, vals, mask = Merge(nil)
	assert.Nil(t, vals)
	assert.Nil(t, mask)
	assert.Empty(t, region.Start)
	assert.Empty(t, region.Stop)
}

func windowResult(w Window) Result {
	vals := make([]float64, w.Target.Size())
	for i := range vals {
		vals[i] = float64(w.ID)
	}
	return Result{Window: w, Values: vals}
}

func TestContiguous(t *testing.T) {
	p, err := NewPlan(scenarioGrid(t), "tas", PlanOptions{WindowHint: 100})
	require.NoError(t, err)
	require.Equal(t, []int{10, 10}, p.Tiles())
	results := func(ids ...int) []Result {
		out := make([]Result, len(ids))
		for i, id := range ids {
			out[i] = windowResult(p.At(id))
		}
		return out
	}

	t.Run("far apart windows merge separately", func(t *testing.T) {
		groups := Contiguous(results(99, 0))
		require.Len(t, groups, 2)
		assert.Equal(t, 0, groups[0][0].Window.ID)
		assert.Equal(t, 99, groups[1][0].Window.ID)
		for _, g := range groups {
			region, vals, _ := Merge(g)
			assert.Equal(t, 1, region.Size())
			assert.Len(t, vals, 1)
		}
	})

	t.Run("a row merges whole", func(t *testing.T) {
		groups := Contiguous(results(7, 2, 0, 9, 1, 3, 8, 5, 6, 4))
		require.Len(t, groups, 1)
		region, vals, mask := Merge(groups[0])
		assert.Equal(t, zarr.Region{Start: []int{0, 0}, Stop: []int{1, 10}}, region)
		for i := range vals {
			assert.True(t, mask[i])
			assert.Equal(t, float64(i), vals[i])
		}
	})

	t.Run("merged cells never exceed the batch", func(t *testing.T) {
		in := results(0, 1, 2, 10, 11, 55, 98, 99, 42)
		total := 0
		for _, g := range Contiguous(in) {
			region, _, mask := Merge(g)
			assert.Equal(t, len(g), region.Size())
			for _, m := range mask {
				assert.True(t, m)
			}
			total += len(g)
		}
		assert.Equal(t, len(in), total)
	})

	assert.Empty(t, Contiguous(nil))
}

func destArray(t *testing.T, s zarr.Store) *zarr.Array {
	t.Helper()
	a, err := zarr.CreateArray(context.Background(), s, "dest/tas", &zarr.ArrayMeta{
		Shape: []int{10, 10}, Chunks: []int{5, 5},
		Dtype: zarr.StructuredType{Dtype: zarr.Float64}, FillValue: zarr.FillValueNaN,
	}, zarr.Attributes{zarr.DimensionsKey: []string{"lat", "lon"}}, zarr.ModeWrite)
	require.NoError(t, err)
	return a
}

func TestAccumulatorBatches(t *testing.T) {
	acc := NewAccumulator(AccumulatorConfig{BatchSize: 2})
	assert.Nil(t, acc.Add(box(0, 0, 1, 0, 1)))
	r := box(1, 0, 1, 1, 2)
	r.Window.Variable = "pr"
	assert.Nil(t, acc.Add(r))
	b := acc.Add(box(2, 0, 1, 2, 3))
	require.NotNil(t, b)
	assert.Equal(t, "tas", b.Variable)
	assert.Equal(t, []string{"tas/0", "tas/2"}, b.Windows())
	assert.Equal(t, 1, acc.Pending())

	rest := acc.Drain()
	require.Len(t, rest, 1)
	assert.Equal(t, "pr", rest[0].Variable)
	assert.Equal(t, 0, acc.Pending())
	assert.Empty(t, acc.Drain())
}

func TestAccumulatorFlush(t *testing.T) {
	ctx := context.Background()
	mem := zarr.NewMemoryStore()
	dest := destArray(t, mem)
	led := ledger.NewStore(mem, "dest")
	rec := &recorder{}
	acc := NewAccumulator(AccumulatorConfig{
		BatchSize: 2,
		Dest:      map[string]*zarr.Array{"tas": dest},
		Ledger:    led,
		Run:       "run-1",
		Plan:      "plan-1",
		Sink:      rec,
	})

	acc.Add(box(0, 0, 5, 0, 5))
	b := acc.Add(box(3, 5, 10, 5, 10))
	require.NotNil(t, b)
	require.NoError(t, acc.Flush(ctx, b))

	// only the chunks the windows cover are written
	keys, err := mem.List(ctx, "dest/tas")
	require.NoError(t, err)
	assert.Equal(t, []string{"dest/tas/.zarray", "dest/tas/.zattrs", "dest/tas/0.0", "dest/tas/1.1"}, keys)

	vals := readDest(t, mem, "tas")
	assert.Equal(t, cellValue(2, 3), vals[2*10+3])
	assert.Equal(t, cellValue(7, 8), vals[7*10+8])
	assert.True(t, math.IsNaN(vals[2*10+8]))

	st, err := led.Load(ctx)
	require.NoError(t, err)
	assert.True(t, st.Completed("tas/0"))
	assert.True(t, st.Completed("tas/3"))
	assert.Equal(t, 2, st.CompletedCount())
	assert.NoError(t, st.CheckPlan("plan-1"))

	assert.Equal(t, 1, rec.count(EventBatchStarted))
	assert.Equal(t, 1, rec.count(EventBatchFlushed))
}

func TestAccumulatorFlushFailure(t *testing.T) {
	ctx := context.Background()
	mem := zarr.NewMemoryStore()
	destArray(t, mem)
	fs := &failingStore{Store: mem}
	dest, err := zarr.OpenArray(ctx, fs, "dest/tas", zarr.ModeReadWrite)
	require.NoError(t, err)
	led := ledger.NewStore(mem, "dest")
	rec := &recorder{}
	acc := NewAccumulator(AccumulatorConfig{
		BatchSize: 1,
		Dest:      map[string]*zarr.Array{"tas": dest},
		Ledger:    led,
		Sink:      rec,
	})

	fs.failPuts = true
	b := acc.Add(box(0, 0, 5, 0, 5))
	require.NotNil(t, b)
	err = acc.Flush(ctx, b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFlush))
	var ferr *FlushError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, []string{"tas/0"}, ferr.Windows)

	st, err := led.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.CompletedCount())
	assert.Equal(t, 1, rec.count(EventBatchFailed))
	assert.Equal(t, 0, rec.count(EventBatchFlushed))
}

func TestAccumulatorRecordFailure(t *testing.T) {
	ctx := context.Background()
	mem := zarr.NewMemoryStore()
	led := ledger.NewStore(mem, "dest")
	acc := NewAccumulator(AccumulatorConfig{Ledger: led, Plan: "p"})

	r := box(4, 0, 1, 0, 1)
	r.Err = &WindowError{Window: r.Window, Err: errInjected}
	acc.RecordFailure(ctx, r)

	st, err := led.Load(ctx)
	require.NoError(t, err)
	fails := st.Failures()
	require.Len(t, fails, 1)
	assert.Equal(t, "tas/4", fails[0].Window)
	assert.Contains(t, fails[0].Error, "injected read failure")
	assert.False(t, st.Completed("tas/4"))
}
