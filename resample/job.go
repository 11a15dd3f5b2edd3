package resample

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	zarr "github.com/qri-io/zarr-downscale"
	"github.com/qri-io/zarr-downscale/ledger"
)

// Job describes one downscaling run from a source dataset into a
// destination group.
type Job struct {
	Source   *zarr.Dataset
	Dest     zarr.Store
	DestPath string
	Spec     Spec
	// Variables to downscale. Empty means every non-coordinate array.
	Variables []string
	Reduction Reduction
	Workers   int
	BatchSize int
	// WindowMemory is the per-window memory budget in bytes. Zero keeps the
	// budget a resumed destination was planned with, falling back to
	// DefaultWindowMemory for new destinations.
	WindowMemory        int64
	DefaultWindowMemory int64
	WindowHint          int
	// Overwrite discards an existing destination and its ledger. Without it
	// an existing destination is resumed.
	Overwrite bool
	// DestChunks overrides the destination chunk length per dimension.
	DestChunks map[string]int
	Compressor *zarr.CompressionMeta
	Retry      RetryPolicy
	// Ledger records progress. Nil keeps it inside the destination group.
	Ledger ledger.Ledger
	Sink   EventSink
	Log    *zap.SugaredLogger
}

func (j *Job) logger() *zap.SugaredLogger {
	if j.Log == nil {
		return zap.NewNop().Sugar()
	}
	return j.Log
}

func (j *Job) variables() ([]string, error) {
	vars := j.Variables
	if len(vars) == 0 {
		vars = j.Source.Variables()
	}
	if len(vars) == 0 {
		return nil, invalidSpec("source has no variables to downscale")
	}
	for _, v := range vars {
		if _, ok := j.Source.Array(v); !ok {
			return nil, invalidSpec("unknown variable %q", v)
		}
		if j.Source.IsCoord(v) {
			return nil, invalidSpec("%q is a coordinate, not a variable", v)
		}
	}
	return vars, nil
}

// Plan resolves the target grid and partitions every variable into windows
// without reading any data besides coordinates.
func (j *Job) Plan(ctx context.Context) (*Grid, []*Plan, error) {
	grid, plans, _, err := j.plan(ctx)
	return grid, plans, err
}

func (j *Job) plan(ctx context.Context) (*Grid, []*Plan, PlanOptions, error) {
	var opts PlanOptions
	vars, err := j.variables()
	if err != nil {
		return nil, nil, opts, err
	}

	var dims []Dim
	sizes := map[string]int{}
	for _, v := range vars {
		arr, _ := j.Source.Array(v)
		shape := arr.Shape()
		for i, d := range arr.Dims() {
			if n, ok := sizes[d]; ok {
				if n != shape[i] {
					return nil, nil, opts, invalidSpec("dimension %q has length %d in %q but %d elsewhere", d, shape[i], v, n)
				}
				continue
			}
			sizes[d] = shape[i]
			coords, err := j.Source.Coordinate(ctx, d, shape[i])
			if err != nil {
				return nil, nil, opts, errors.Wrapf(err, "read coordinates of %q", d)
			}
			dims = append(dims, Dim{Name: d, Coords: coords, Time: j.Source.IsTime(d)})
		}
	}

	grid, err := Resolve(dims, j.Spec)
	if err != nil {
		return nil, nil, opts, err
	}
	if opts, err = j.planOptions(ctx); err != nil {
		return nil, nil, opts, err
	}
	plans := make([]*Plan, 0, len(vars))
	for _, v := range vars {
		arr, _ := j.Source.Array(v)
		vg, err := grid.Select(arr.Dims())
		if err != nil {
			return nil, nil, opts, err
		}
		p, err := NewPlan(vg, v, opts)
		if err != nil {
			return nil, nil, opts, err
		}
		plans = append(plans, p)
	}
	return grid, plans, opts, nil
}

// PlanAttr is the destination group attribute recording the options its
// windows were planned with.
const PlanAttr = "downscale_plan"

type plannedWith struct {
	WindowMemory int64 `json:"window_memory"`
	WindowHint   int   `json:"window_hint"`
}

// planOptions resolves the window options of the job. Without an explicit
// memory budget a resumed destination is planned with the budget recorded
// when it was created, so the windows match its ledger.
func (j *Job) planOptions(ctx context.Context) (PlanOptions, error) {
	opts := PlanOptions{MemoryBudget: j.WindowMemory, WindowHint: j.WindowHint}
	if opts.MemoryBudget > 0 {
		return opts, nil
	}
	if j.Dest != nil && !j.Overwrite {
		rec, ok, err := j.recordedPlan(ctx)
		if err != nil {
			return opts, err
		}
		if ok {
			opts.MemoryBudget = rec.WindowMemory
			return opts, nil
		}
	}
	opts.MemoryBudget = j.DefaultWindowMemory
	return opts, nil
}

func (j *Job) recordedPlan(ctx context.Context) (plannedWith, bool, error) {
	var rec plannedWith
	exists, err := zarr.GroupExists(ctx, j.Dest, j.DestPath)
	if err != nil || !exists {
		return rec, false, err
	}
	ds, err := zarr.OpenDataset(ctx, j.Dest, j.DestPath, zarr.ModeRead)
	if err != nil {
		return rec, false, err
	}
	raw, ok := ds.Attrs()[PlanAttr]
	if !ok {
		return rec, false, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return rec, false, err
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, false, errors.Wrapf(err, "destination attribute %s", PlanAttr)
	}
	return rec, true, nil
}

// Run downscales the job. Configuration errors match ErrInvalidSpec and are
// returned before the destination is touched.
func (j *Job) Run(ctx context.Context) (*Summary, error) {
	log := j.logger().Named("resample")
	if j.Workers < 1 {
		return nil, invalidSpec("workers must be positive, got %d", j.Workers)
	}
	if j.BatchSize < 1 {
		return nil, invalidSpec("batch size must be positive, got %d", j.BatchSize)
	}
	reduction, err := ParseReduction(string(j.Reduction))
	if err != nil {
		return nil, err
	}
	grid, plans, opts, err := j.plan(ctx)
	if err != nil {
		return nil, err
	}
	sig := PlanSignature(plans)

	l := j.Ledger
	if l == nil {
		l = ledger.NewStore(j.Dest, j.DestPath)
	}
	exists, err := zarr.GroupExists(ctx, j.Dest, j.DestPath)
	if err != nil {
		return nil, err
	}
	if exists && j.Overwrite {
		log.Infow("destination exists, overwriting", "dest", j.DestPath)
		if err := j.Dest.Delete(ctx, j.DestPath); err != nil {
			return nil, errors.Wrapf(err, "delete %q", j.DestPath)
		}
		exists = false
	}
	if !exists {
		if err := l.Reset(ctx); err != nil {
			return nil, errors.Wrap(err, "reset ledger")
		}
	}
	state, err := l.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := state.CheckPlan(sig); err != nil {
		return nil, err
	}
	if exists {
		log.Infow("resuming destination", "dest", j.DestPath, "completed", state.CompletedCount())
	}

	dest, err := j.prepareDestination(ctx, grid, plans, opts)
	if err != nil {
		return nil, err
	}

	run := uuid.NewString()
	sink := j.Sink
	if sink == nil {
		sink = Discard
	}
	procs := map[string]Processor{}
	for _, p := range plans {
		src, _ := j.Source.Array(p.Variable())
		procs[p.Variable()] = NewWorker(src, p.Grid(), reduction, j.Retry, log)
	}
	acc := NewAccumulator(AccumulatorConfig{
		BatchSize: j.BatchSize,
		Dest:      dest,
		Ledger:    l,
		Run:       run,
		Plan:      sig,
		Sink:      sink,
		Log:       log,
	})
	coord, err := NewCoordinator(CoordinatorConfig{
		Workers:     j.Workers,
		Plans:       plans,
		Processors:  procs,
		Accumulator: acc,
		State:       state,
		Run:         run,
		Sink:        sink,
		Log:         log,
	})
	if err != nil {
		return nil, err
	}
	return coord.Run(ctx)
}

// prepareDestination makes sure the destination group holds a coordinate
// array per target dimension and an array per variable shaped like its
// target grid, creating whatever is missing.
func (j *Job) prepareDestination(ctx context.Context, grid *Grid, plans []*Plan, opts PlanOptions) (map[string]*zarr.Array, error) {
	exists, err := zarr.GroupExists(ctx, j.Dest, j.DestPath)
	if err != nil {
		return nil, err
	}
	var existing *zarr.Dataset
	if exists {
		if existing, err = zarr.OpenDataset(ctx, j.Dest, j.DestPath, zarr.ModeReadWrite); err != nil {
			return nil, err
		}
	} else {
		attrs := zarr.Attributes{}
		for k, v := range j.Source.Attrs() {
			attrs[k] = v
		}
		attrs[PlanAttr] = plannedWith{WindowMemory: opts.MemoryBudget, WindowHint: opts.WindowHint}
		if err := zarr.CreateGroup(ctx, j.Dest, j.DestPath, attrs); err != nil {
			return nil, err
		}
	}
	lookup := func(name string, shape []int) (*zarr.Array, bool, error) {
		if existing == nil {
			return nil, false, nil
		}
		arr, ok := existing.Array(name)
		if !ok {
			return nil, false, nil
		}
		if !slices.Equal(arr.Shape(), shape) {
			return nil, false, invalidSpec("destination array %q has shape %v, the target grid needs %v; overwrite the destination to change the grid", name, arr.Shape(), shape)
		}
		return arr, true, nil
	}

	changed := !exists
	for _, a := range grid.Axes {
		shape := []int{a.Len()}
		if _, ok, err := lookup(a.Name, shape); err != nil {
			return nil, err
		} else if ok {
			continue
		}
		attrs := zarr.Attributes{}
		if src, ok := j.Source.Array(a.Name); ok {
			for k, v := range src.Attrs() {
				attrs[k] = v
			}
		}
		attrs[zarr.DimensionsKey] = []string{a.Name}
		if a.Time {
			attrs[zarr.UnitsKey] = zarr.EpochUnits
			attrs[zarr.CalendarKey] = "proleptic_gregorian"
		}
		arr, err := zarr.CreateArray(ctx, j.Dest, j.child(a.Name), j.meta(shape, shape), attrs, zarr.ModeWrite)
		if err != nil {
			return nil, err
		}
		if err := arr.WriteRegion(ctx, zarr.FullRegion(shape), a.Coords, nil); err != nil {
			return nil, errors.Wrapf(err, "write coordinates of %q", a.Name)
		}
		changed = true
	}

	out := map[string]*zarr.Array{}
	for _, p := range plans {
		v := p.Variable()
		shape := p.Grid().Shape()
		arr, ok, err := lookup(v, shape)
		if err != nil {
			return nil, err
		}
		if !ok {
			src, _ := j.Source.Array(v)
			chunks := make([]int, len(shape))
			srcChunks := src.Chunks()
			for i, d := range p.Grid().Dims() {
				if c := j.DestChunks[d]; c > 0 {
					chunks[i] = min(c, shape[i])
				} else {
					chunks[i] = min(srcChunks[i], shape[i])
				}
				chunks[i] = max(chunks[i], 1)
			}
			attrs := zarr.Attributes{}
			for k, val := range src.Attrs() {
				attrs[k] = val
			}
			attrs[zarr.DimensionsKey] = p.Grid().Dims()
			if arr, err = zarr.CreateArray(ctx, j.Dest, j.child(v), j.meta(shape, chunks), attrs, zarr.ModeWrite); err != nil {
				return nil, err
			}
			changed = true
		}
		out[v] = arr
	}

	if changed {
		if err := zarr.Consolidate(ctx, j.Dest, j.DestPath); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (j *Job) child(name string) string {
	if j.DestPath == "" {
		return name
	}
	return j.DestPath + "/" + name
}

func (j *Job) meta(shape, chunks []int) *zarr.ArrayMeta {
	return &zarr.ArrayMeta{
		ZarrFormat: zarr.Version,
		Shape:      shape,
		Chunks:     chunks,
		Dtype:      zarr.StructuredType{Dtype: zarr.Float64},
		Compressor: j.Compressor,
		FillValue:  zarr.FillValueNaN,
		Order:      "C",
	}
}
