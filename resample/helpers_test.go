package resample

import (
	"context"
	"io"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	zarr "github.com/qri-io/zarr-downscale"
)

// centres returns n cell-centre coordinates from lo with spacing step.
func centres(lo, step float64, n int) []float64 {
	c := make([]float64, n)
	for i := range c {
		c[i] = lo + step/2 + float64(i)*step
	}
	return c
}

func cellValue(i, j int) float64 { return float64(i*100 + j) }

// writeSource stores a 100x100 "tas" variable over lat/lon 0..10 with
// spacing 0.1 in 10x10 chunks under "src".
func writeSource(t *testing.T, s zarr.Store) *zarr.Dataset {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, zarr.CreateGroup(ctx, s, "src", zarr.Attributes{"title": "synthetic"}))
	for _, d := range []string{"lat", "lon"} {
		a, err := zarr.CreateArray(ctx, s, "src/"+d, &zarr.ArrayMeta{
			Shape: []int{100}, Chunks: []int{100},
			Dtype: zarr.StructuredType{Dtype: zarr.Float64}, FillValue: zarr.FillValueNaN,
		}, zarr.Attributes{zarr.DimensionsKey: []string{d}, "units": "degrees"}, zarr.ModeWrite)
		require.NoError(t, err)
		require.NoError(t, a.WriteRegion(ctx, zarr.FullRegion(a.Shape()), centres(0, 0.1, 100), nil))
	}
	dt, err := zarr.ParseDtype("<f4")
	require.NoError(t, err)
	tas, err := zarr.CreateArray(ctx, s, "src/tas", &zarr.ArrayMeta{
		Shape: []int{100, 100}, Chunks: []int{10, 10},
		Dtype: zarr.StructuredType{Dtype: dt}, FillValue: zarr.FillValueNaN,
		Compressor: &zarr.CompressionMeta{ID: zarr.CodecZstd},
	}, zarr.Attributes{zarr.DimensionsKey: []string{"lat", "lon"}, "units": "K"}, zarr.ModeWrite)
	require.NoError(t, err)
	vals := make([]float64, 100*100)
	for i := 0; i < 100; i++ {
		for j := 0; j < 100; j++ {
			vals[i*100+j] = cellValue(i, j)
		}
	}
	require.NoError(t, tas.WriteRegion(ctx, zarr.FullRegion(tas.Shape()), vals, nil))
	require.NoError(t, zarr.Consolidate(ctx, s, "src"))

	ds, err := zarr.OpenDataset(ctx, s, "src", zarr.ModeRead)
	require.NoError(t, err)
	return ds
}

// blockMean is the mean of source rows [i0, i1) and columns [j0, j1).
func blockMean(i0, i1, j0, j1 int) float64 {
	sum := 0.0
	for i := i0; i < i1; i++ {
		for j := j0; j < j1; j++ {
			sum += cellValue(i, j)
		}
	}
	return sum / float64((i1-i0)*(j1-j0))
}

var scenarioSpec = Spec{
	{Dimension: "lat", Range: [2]float64{0, 10}, Step: 1},
	{Dimension: "lon", Range: [2]float64{0, 10}, Step: 1},
}

func readDest(t *testing.T, s zarr.Store, name string) []float64 {
	t.Helper()
	a, err := zarr.OpenArray(context.Background(), s, "dest/"+name, zarr.ModeRead)
	require.NoError(t, err)
	vals, err := a.ReadAll(context.Background())
	require.NoError(t, err)
	return vals
}

func approxEqual(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Abs(b))
}

var errInjected = errors.New("injected read failure")

// failingStore fails reads of keys with one of the given prefixes, and
// writes once failPuts is set.
type failingStore struct {
	zarr.Store
	mu       sync.Mutex
	prefixes []string
	failPuts bool
	gets     int
}

func (s *failingStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	for _, p := range s.prefixes {
		if strings.HasPrefix(key, p) {
			return nil, errInjected
		}
	}
	return s.Store.Get(ctx, key)
}

func (s *failingStore) Put(ctx context.Context, key string, r io.Reader) error {
	s.mu.Lock()
	fail := s.failPuts
	s.mu.Unlock()
	if fail {
		return errors.New("injected write failure")
	}
	return s.Store.Put(ctx, key, r)
}

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(k EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}
