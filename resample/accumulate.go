package resample

import (
	"cmp"
	"context"
	"math"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	zarr "github.com/qri-io/zarr-downscale"
	"github.com/qri-io/zarr-downscale/ledger"
)

// Batch is a group of successful results of one variable written together.
type Batch struct {
	Variable string
	Seq      int
	Results  []Result
}

// Windows lists the ledger keys of the batch's windows.
func (b *Batch) Windows() []string {
	ids := make([]string, len(b.Results))
	for i, r := range b.Results {
		ids[i] = r.Window.Key()
	}
	return ids
}

// Merge places results into one row-major array covering the bounding box of
// their target boxes. mask marks the cells some result covers; other cells
// are NaN and must not be written. Merging nothing yields a nil region.
func Merge(results []Result) (region zarr.Region, values []float64, mask []bool) {
	if len(results) == 0 {
		return zarr.Region{}, nil, nil
	}
	nd := len(results[0].Window.Target.Start)
	region = cloneRegion(results[0].Window.Target)
	for _, r := range results[1:] {
		region = bound(region, r.Window.Target)
	}

	shape := region.Shape()
	values = make([]float64, region.Size())
	mask = make([]bool, len(values))
	for i := range values {
		values[i] = math.NaN()
	}
	for _, r := range results {
		t := r.Window.Target
		at := make([]int, nd)
		for d := range at {
			at[d] = t.Start[d] - region.Start[d]
		}
		zarr.WalkBox(shape, at, t.Shape(), make([]int, nd), t.Shape(), func(o, s, n int) {
			copy(values[o:o+n], r.Values[s:s+n])
			for i := o; i < o+n; i++ {
				mask[i] = true
			}
		})
	}
	return region, values, mask
}

// Contiguous splits results into groups, in window order, whose target boxes
// tile their bounding box exactly. Merging a group never allocates more cells
// than its results hold, however far apart the batch's windows lie.
func Contiguous(results []Result) [][]Result {
	sorted := slices.Clone(results)
	slices.SortFunc(sorted, func(a, b Result) int { return cmp.Compare(a.Window.ID, b.Window.ID) })

	var (
		groups [][]Result
		cur    []Result
		box    zarr.Region
		cells  int
	)
	for _, r := range sorted {
		t := r.Window.Target
		if len(cur) > 0 {
			if grown := bound(box, t); grown.Size() == cells+t.Size() {
				cur, box, cells = append(cur, r), grown, cells+t.Size()
				continue
			}
			groups = append(groups, cur)
		}
		cur, box, cells = []Result{r}, cloneRegion(t), t.Size()
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

func cloneRegion(r zarr.Region) zarr.Region {
	return zarr.Region{Start: slices.Clone(r.Start), Stop: slices.Clone(r.Stop)}
}

// bound is the bounding box of a and b.
func bound(a, b zarr.Region) zarr.Region {
	out := cloneRegion(a)
	for d := range out.Start {
		out.Start[d] = min(out.Start[d], b.Start[d])
		out.Stop[d] = max(out.Stop[d], b.Stop[d])
	}
	return out
}

// Accumulator buffers results per variable and writes full batches to the
// destination. Add and Drain belong to a single collecting goroutine; Flush
// may be called from another goroutine and is serialized.
type Accumulator struct {
	mu      sync.Mutex
	size    int
	dest    map[string]*zarr.Array
	ledger  ledger.Ledger
	run     string
	plan    string
	sink    EventSink
	log     *zap.SugaredLogger
	buffers map[string][]Result
	order   []string
	seq     int
}

// AccumulatorConfig configures an Accumulator.
type AccumulatorConfig struct {
	BatchSize int
	// Dest maps variable names to destination arrays.
	Dest   map[string]*zarr.Array
	Ledger ledger.Ledger
	Run    string
	// Plan is the plan signature recorded with every ledger entry.
	Plan string
	Sink EventSink
	Log  *zap.SugaredLogger
}

func NewAccumulator(cfg AccumulatorConfig) *Accumulator {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Sink == nil {
		cfg.Sink = Discard
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	return &Accumulator{
		size:    cfg.BatchSize,
		dest:    cfg.Dest,
		ledger:  cfg.Ledger,
		run:     cfg.Run,
		plan:    cfg.Plan,
		sink:    cfg.Sink,
		log:     cfg.Log.Named("accumulator"),
		buffers: map[string][]Result{},
	}
}

// Add buffers a successful result and returns the variable's batch once it
// holds BatchSize results.
func (a *Accumulator) Add(r Result) *Batch {
	v := r.Window.Variable
	if _, ok := a.buffers[v]; !ok {
		a.order = append(a.order, v)
	}
	a.buffers[v] = append(a.buffers[v], r)
	if len(a.buffers[v]) < a.size {
		return nil
	}
	return a.take(v)
}

// Drain returns the partial batches left at the end of a run.
func (a *Accumulator) Drain() []*Batch {
	var out []*Batch
	for _, v := range a.order {
		if len(a.buffers[v]) > 0 {
			out = append(out, a.take(v))
		}
	}
	return out
}

// Pending is the number of buffered results.
func (a *Accumulator) Pending() int {
	n := 0
	for _, b := range a.buffers {
		n += len(b)
	}
	return n
}

func (a *Accumulator) take(v string) *Batch {
	a.seq++
	b := &Batch{Variable: v, Seq: a.seq, Results: a.buffers[v]}
	a.buffers[v] = nil
	return b
}

// Flush writes b with one masked region write per contiguous group of its
// windows, then records its windows as complete. On error nothing is recorded and a
// *FlushError is returned.
func (a *Accumulator) Flush(ctx context.Context, b *Batch) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	a.sink.Emit(Event{Kind: EventBatchStarted, Time: start, Run: a.run, Variable: b.Variable, Batch: b.Seq, Count: len(b.Results)})
	fail := func(err error) error {
		ferr := &FlushError{Variable: b.Variable, Batch: b.Seq, Windows: b.Windows(), Err: err}
		a.sink.Emit(Event{Kind: EventBatchFailed, Time: time.Now(), Run: a.run, Variable: b.Variable, Batch: b.Seq, Count: len(b.Results), Err: ferr})
		return ferr
	}

	dest, ok := a.dest[b.Variable]
	if !ok {
		return fail(invalidSpec("no destination array for variable %q", b.Variable))
	}
	for _, group := range Contiguous(b.Results) {
		region, values, mask := Merge(group)
		if err := dest.WriteRegion(ctx, region, values, mask); err != nil {
			return fail(err)
		}
	}

	if a.ledger != nil {
		now := time.Now().UTC()
		entries := make([]ledger.Entry, len(b.Results))
		for i, r := range b.Results {
			entries[i] = ledger.Entry{
				Window: r.Window.Key(),
				Status: ledger.StatusComplete,
				Time:   now,
				Run:    a.run,
				Plan:   a.plan,
				Batch:  b.Seq,
			}
		}
		if err := a.ledger.Append(ctx, entries...); err != nil {
			return fail(err)
		}
	}

	a.sink.Emit(Event{Kind: EventBatchFlushed, Time: time.Now(), Run: a.run, Variable: b.Variable, Batch: b.Seq, Count: len(b.Results), Duration: time.Since(start)})
	return nil
}

// RecordFailure appends a failed window to the ledger.
func (a *Accumulator) RecordFailure(ctx context.Context, r Result) {
	if a.ledger == nil {
		return
	}
	err := a.ledger.Append(ctx, ledger.Entry{
		Window: r.Window.Key(),
		Status: ledger.StatusFailed,
		Time:   time.Now().UTC(),
		Run:    a.run,
		Plan:   a.plan,
		Error:  r.Err.Error(),
	})
	if err != nil {
		a.log.Warnw("recording window failure", "window", r.Window.Key(), "error", err)
	}
}
