package resample

import (
	"context"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	zarr "github.com/qri-io/zarr-downscale"
)

// RetryPolicy retries failed source reads with exponential backoff.
type RetryPolicy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetry matches the five attempts the downscaler has always made.
var DefaultRetry = RetryPolicy{Attempts: 5, Backoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second}

// Result is the outcome of one window. Values is row-major over the window's
// target box and nil when Err is set.
type Result struct {
	Window   Window
	Values   []float64
	Err      error
	Duration time.Duration
}

// Processor resamples windows. Process never panics; failures are returned
// in Result.Err as a *WindowError.
type Processor interface {
	Process(ctx context.Context, w Window) Result
}

// Worker resamples the windows of one source variable.
type Worker struct {
	source    *zarr.Array
	grid      *Grid
	reduction Reduction
	retry     RetryPolicy
	log       *zap.SugaredLogger
}

var _ Processor = (*Worker)(nil)

// NewWorker resamples source, whose target grid is grid.
func NewWorker(source *zarr.Array, grid *Grid, reduction Reduction, retry RetryPolicy, log *zap.SugaredLogger) *Worker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if reduction == "" {
		reduction = Mean
	}
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	return &Worker{
		source:    source,
		grid:      grid,
		reduction: reduction,
		retry:     retry,
		log:       log.Named("worker"),
	}
}

func (w *Worker) Process(ctx context.Context, win Window) (res Result) {
	start := time.Now()
	res.Window = win
	defer func() {
		if r := recover(); r != nil {
			res.Values = nil
			res.Err = &WindowError{Window: win, Err: errors.Newf("panic: %v", r)}
		}
		res.Duration = time.Since(start)
	}()

	src, err := w.load(ctx, win.Source)
	if err != nil {
		res.Err = &WindowError{Window: win, Err: err}
		return res
	}
	res.Values = w.aggregate(win, src)
	return res
}

// load reads the window's source box, retrying failures. Fill values are
// returned as NaN.
func (w *Worker) load(ctx context.Context, r zarr.Region) ([]float64, error) {
	if r.Size() == 0 {
		return nil, nil
	}
	backoff := w.retry.Backoff
	for attempt := 1; ; attempt++ {
		vals, err := w.source.ReadRegion(ctx, r)
		if err == nil {
			if fill := w.source.FillValue(); !math.IsNaN(fill) {
				for i, v := range vals {
					if v == fill {
						vals[i] = math.NaN()
					}
				}
			}
			return vals, nil
		}
		if attempt >= w.retry.Attempts || ctx.Err() != nil {
			return nil, errors.Wrapf(err, "read %s%s after %d attempts", w.source.Path(), r, attempt)
		}
		w.log.Debugw("retrying source read", "region", r.String(), "attempt", attempt, "error", err)

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
		backoff *= 2
		if w.retry.MaxBackoff > 0 && backoff > w.retry.MaxBackoff {
			backoff = w.retry.MaxBackoff
		}
	}
}

// aggregate reduces src, shaped like the window's source box, onto the
// window's target cells, skipping NaN.
func (w *Worker) aggregate(win Window, src []float64) []float64 {
	out := make([]float64, win.Target.Size())
	srcShape := win.Source.Shape()
	nd := len(srcShape)
	idx := make([]int, nd)
	start := make([]int, nd)
	count := make([]int, nd)
	var scratch []float64

	for o := range out {
		empty := false
		for d := 0; d < nd; d++ {
			iv := w.grid.Axes[d].Source[win.Target.Start[d]+idx[d]]
			if iv.Len() == 0 {
				empty = true
				break
			}
			start[d] = iv.Start - win.Source.Start[d]
			count[d] = iv.Len()
		}

		switch {
		case empty:
			out[o] = w.reduction.reduce(nil)
		case w.reduction == Nearest:
			off := 0
			for d := 0; d < nd; d++ {
				a := &w.grid.Axes[d]
				t := win.Target.Start[d] + idx[d]
				i := nearestIndex(a.SourceCoords, a.Source[t], a.Coords[t])
				off = off*srcShape[d] + i - win.Source.Start[d]
			}
			out[o] = src[off]
		default:
			scratch = scratch[:0]
			zarr.WalkBox(srcShape, start, srcShape, start, count, func(a, _, n int) {
				for _, v := range src[a : a+n] {
					if !math.IsNaN(v) {
						scratch = append(scratch, v)
					}
				}
			})
			out[o] = w.reduction.reduce(scratch)
		}

		for d := nd - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < win.Target.Stop[d]-win.Target.Start[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out
}
