package resample

import (
	"context"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zarr "github.com/qri-io/zarr-downscale"
)

// lineSource stores a 1-D variable "x" holding vals.
// Cells equal to -999 are fill.
func lineSource(t *testing.T, vals []float64) *zarr.Array {
	t.Helper()
	a, err := zarr.CreateArray(context.Background(), zarr.NewMemoryStore(), "x", &zarr.ArrayMeta{
		Shape: []int{len(vals)}, Chunks: []int{4},
		Dtype: zarr.StructuredType{Dtype: zarr.Float64}, FillValue: -999.0,
	}, zarr.Attributes{zarr.DimensionsKey: []string{"x"}}, zarr.ModeWrite)
	require.NoError(t, err)
	require.NoError(t, a.WriteRegion(context.Background(), zarr.FullRegion(a.Shape()), vals, nil))
	return a
}

func processLine(t *testing.T, src *zarr.Array, coords []float64, rule Rule, r Reduction) []float64 {
	t.Helper()
	g, err := Resolve([]Dim{{Name: "x", Coords: coords}}, Spec{rule})
	require.NoError(t, err)
	p, err := NewPlan(g, "x", PlanOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, p.Len())

	res := NewWorker(src, g, r, RetryPolicy{}, nil).Process(context.Background(), p.At(0))
	require.NoError(t, res.Err)
	return res.Values
}

func TestWorkerReductions(t *testing.T) {
	coords := []float64{0.1, 0.2, 0.9, 1.45, 1.6, 1.95}
	src := lineSource(t, []float64{1, 2, 3, 4, 5, 6})
	rule := Rule{Dimension: "x", Range: [2]float64{0, 2}, Step: 1}

	cases := map[Reduction][]float64{
		Mean:    {2, 5},
		Sum:     {6, 15},
		Min:     {1, 4},
		Max:     {3, 6},
		Median:  {2, 5},
		Count:   {3, 3},
		Nearest: {2, 4},
	}
	for r, want := range cases {
		t.Run(string(r), func(t *testing.T) {
			assert.Equal(t, want, processLine(t, src, coords, rule, r))
		})
	}
}

func TestWorkerSkipsFill(t *testing.T) {
	coords := []float64{0.1, 0.2, 0.9, 1.45, 1.6, 1.95}
	src := lineSource(t, []float64{1, 2, -999, -999, -999, -999})
	rule := Rule{Dimension: "x", Range: [2]float64{0, 2}, Step: 1}

	got := processLine(t, src, coords, rule, Mean)
	assert.Equal(t, 1.5, got[0])
	assert.True(t, math.IsNaN(got[1]), "a cell holding only fill values is NaN")

	got = processLine(t, src, coords, rule, Count)
	assert.Equal(t, []float64{2, 0}, got)
}

func TestWorkerEmptyCell(t *testing.T) {
	coords := []float64{0.1, 0.2, 0.9, 2.45, 2.6, 2.95}
	src := lineSource(t, []float64{1, 2, 3, 4, 5, 6})
	rule := Rule{Dimension: "x", Range: [2]float64{0, 3}, Step: 1}

	got := processLine(t, src, coords, rule, Mean)
	require.Len(t, got, 3)
	assert.Equal(t, 2.0, got[0])
	assert.True(t, math.IsNaN(got[1]))
	assert.Equal(t, 5.0, got[2])
}

func TestWorkerScenarioWindow(t *testing.T) {
	ds := writeSource(t, zarr.NewMemoryStore())
	tas, ok := ds.Array("tas")
	require.True(t, ok)
	p, err := NewPlan(scenarioGrid(t), "tas", PlanOptions{WindowHint: 4})
	require.NoError(t, err)

	w := NewWorker(tas, p.Grid(), Mean, RetryPolicy{}, nil)
	res := w.Process(context.Background(), p.At(1))
	require.NoError(t, res.Err)
	require.Len(t, res.Values, 25)
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			want := blockMean(i*10, i*10+10, 50+j*10, 60+j*10)
			assert.InDelta(t, want, res.Values[i*5+j], 1e-6, "cell %d,%d", i, j+5)
		}
	}
}

// flakyStore fails the first n chunk reads.
type flakyStore struct {
	zarr.Store
	mu sync.Mutex
	n  int
}

func (s *flakyStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if !strings.HasSuffix(key, ".zarray") && !strings.HasSuffix(key, ".zattrs") {
		s.mu.Lock()
		fail := s.n > 0
		s.n--
		s.mu.Unlock()
		if fail {
			return nil, errInjected
		}
	}
	return s.Store.Get(ctx, key)
}

func TestWorkerRetry(t *testing.T) {
	ctx := context.Background()
	mem := zarr.NewMemoryStore()
	writeSource(t, mem)
	p, err := NewPlan(scenarioGrid(t), "tas", PlanOptions{WindowHint: 4})
	require.NoError(t, err)
	retry := RetryPolicy{Attempts: 3, Backoff: time.Millisecond}

	t.Run("recovers", func(t *testing.T) {
		tas, err := zarr.OpenArray(ctx, &flakyStore{Store: mem, n: 2}, "src/tas", zarr.ModeRead)
		require.NoError(t, err)
		res := NewWorker(tas, p.Grid(), Mean, retry, nil).Process(ctx, p.At(0))
		require.NoError(t, res.Err)
		assert.InDelta(t, blockMean(0, 10, 0, 10), res.Values[0], 1e-6)
	})

	t.Run("gives up", func(t *testing.T) {
		fs := &failingStore{Store: mem, prefixes: []string{"src/tas/0."}}
		tas, err := zarr.OpenArray(ctx, fs, "src/tas", zarr.ModeRead)
		require.NoError(t, err)
		fs.gets = 0

		res := NewWorker(tas, p.Grid(), Mean, retry, nil).Process(ctx, p.At(0))
		require.Error(t, res.Err)
		assert.Nil(t, res.Values)
		assert.True(t, errors.Is(res.Err, ErrWindowFailure))
		assert.True(t, errors.Is(res.Err, errInjected))
		var werr *WindowError
		require.True(t, errors.As(res.Err, &werr))
		assert.Equal(t, "tas/0", werr.Window.Key())
		assert.Equal(t, 3, fs.gets)
	})

	t.Run("stops on cancel", func(t *testing.T) {
		fs := &failingStore{Store: mem, prefixes: []string{"src/tas/0."}}
		tas, err := zarr.OpenArray(ctx, fs, "src/tas", zarr.ModeRead)
		require.NoError(t, err)
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		start := time.Now()
		res := NewWorker(tas, p.Grid(), Mean, RetryPolicy{Attempts: 5, Backoff: time.Hour}, nil).Process(cctx, p.At(0))
		assert.True(t, errors.Is(res.Err, context.DeadlineExceeded))
		assert.Less(t, time.Since(start), time.Minute)
	})
}

type panicStore struct{ zarr.Store }

func (s panicStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if strings.Contains(key, "/0.") {
		panic("corrupt chunk index")
	}
	return s.Store.Get(ctx, key)
}

func TestWorkerRecoversPanic(t *testing.T) {
	mem := zarr.NewMemoryStore()
	writeSource(t, mem)
	tas, err := zarr.OpenArray(context.Background(), panicStore{mem}, "src/tas", zarr.ModeRead)
	require.NoError(t, err)
	p, err := NewPlan(scenarioGrid(t), "tas", PlanOptions{WindowHint: 4})
	require.NoError(t, err)

	res := NewWorker(tas, p.Grid(), Mean, RetryPolicy{}, nil).Process(context.Background(), p.At(0))
	assert.True(t, errors.Is(res.Err, ErrWindowFailure))
	assert.Contains(t, res.Err.Error(), "corrupt chunk index")
}
