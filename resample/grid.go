package resample

import (
	"math"
	"slices"
	"sort"
)

// relTol absorbs float round-off when counting cells and comparing
// coordinates against cell bounds.
const relTol = 1e-9

// Dim is a source dimension: its name and monotonic coordinates. Time
// dimensions carry seconds since the Unix epoch.
type Dim struct {
	Name   string
	Coords []float64
	Time   bool
}

// Interval is a half-open [Start, Stop) range of source indices.
type Interval struct {
	Start, Stop int
}

func (iv Interval) Len() int { return iv.Stop - iv.Start }

// Axis is one dimension of a target grid.
type Axis struct {
	Name      string
	Resampled bool
	// Coords holds the target coordinate of every target index: the centre of
	// its cell, or the source coordinate for pass-through dimensions.
	Coords []float64
	// Source maps every target index to the source indices it aggregates.
	// Interior cells with no source coordinate have an empty interval.
	Source []Interval
	// SourceCoords are the source coordinates of the dimension.
	SourceCoords []float64
	// Time marks coordinates in seconds since the Unix epoch.
	Time bool
}

func (a *Axis) Len() int { return len(a.Coords) }

// Grid is the immutable target grid of a run, shared read-only by every
// window.
type Grid struct {
	Axes []Axis
}

func (g *Grid) Shape() []int {
	s := make([]int, len(g.Axes))
	for i := range g.Axes {
		s[i] = g.Axes[i].Len()
	}
	return s
}

func (g *Grid) Dims() []string {
	d := make([]string, len(g.Axes))
	for i := range g.Axes {
		d[i] = g.Axes[i].Name
	}
	return d
}

func (g *Grid) Axis(name string) (*Axis, bool) {
	for i := range g.Axes {
		if g.Axes[i].Name == name {
			return &g.Axes[i], true
		}
	}
	return nil, false
}

// Select returns the grid of a variable whose dimensions are dims, in that
// order. Axes are shared, not copied.
func (g *Grid) Select(dims []string) (*Grid, error) {
	out := &Grid{Axes: make([]Axis, len(dims))}
	for i, d := range dims {
		a, ok := g.Axis(d)
		if !ok {
			return nil, invalidSpec("dimension %q is not part of the grid", d)
		}
		out.Axes[i] = *a
	}
	return out, nil
}

// Resolve builds the target grid of dims under spec. Resampled dimensions
// are binned into half-open cells [min+k*step, min+(k+1)*step) clipped to
// max, which is excluded. Leading and trailing cells without source
// coverage are dropped.
func Resolve(dims []Dim, spec Spec) (*Grid, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	known := map[string]bool{}
	for _, d := range dims {
		if known[d.Name] {
			return nil, invalidSpec("dimension %q appears twice", d.Name)
		}
		known[d.Name] = true
	}
	for _, r := range spec {
		if !known[r.Dimension] {
			return nil, invalidSpec("unknown dimension %q", r.Dimension)
		}
	}
	for _, d := range dims {
		r, ok := spec.Rule(d.Name)
		switch {
		case !ok:
		case d.Time && !r.Time:
			return nil, invalidSpec("dimension %q holds times: its rule needs a date range and a duration step", d.Name)
		case !d.Time && r.Time:
			return nil, invalidSpec("dimension %q is not a time dimension: its rule needs a numeric range", d.Name)
		}
	}

	g := &Grid{Axes: make([]Axis, len(dims))}
	for i, d := range dims {
		desc, err := monotonic(d)
		if err != nil {
			return nil, err
		}
		r, ok := spec.Rule(d.Name)
		if !ok {
			g.Axes[i] = passThrough(d)
			continue
		}
		a, err := resolveAxis(d, r, desc)
		if err != nil {
			return nil, err
		}
		g.Axes[i] = a
	}
	return g, nil
}

// monotonic reports whether d's coordinates descend, failing when they are
// neither strictly ascending nor strictly descending.
func monotonic(d Dim) (desc bool, err error) {
	if len(d.Coords) == 0 {
		return false, invalidSpec("dimension %q has no coordinates", d.Name)
	}
	if len(d.Coords) == 1 {
		return false, nil
	}
	desc = d.Coords[1] < d.Coords[0]
	for i := 1; i < len(d.Coords); i++ {
		prev, cur := d.Coords[i-1], d.Coords[i]
		if math.IsNaN(cur) || (desc && cur >= prev) || (!desc && cur <= prev) {
			return false, invalidSpec("coordinates of dimension %q are not strictly monotonic", d.Name)
		}
	}
	return desc, nil
}

func passThrough(d Dim) Axis {
	a := Axis{
		Name:         d.Name,
		Coords:       append([]float64(nil), d.Coords...),
		Source:       make([]Interval, len(d.Coords)),
		SourceCoords: d.Coords,
		Time:         d.Time,
	}
	for i := range a.Source {
		a.Source[i] = Interval{i, i + 1}
	}
	return a
}

func resolveAxis(d Dim, r Rule, desc bool) (Axis, error) {
	tol := r.Step * relTol
	a := Axis{Name: d.Name, Resampled: true, SourceCoords: d.Coords, Time: d.Time}

	if r.IsPoint() {
		iv := between(d.Coords, desc, r.Min()-tol, r.Min()+tol)
		if iv.Len() == 0 {
			return Axis{}, invalidSpec("dimension %q: no coordinate equals %v", d.Name, r.Min())
		}
		a.Coords = []float64{r.Min()}
		a.Source = []Interval{iv}
		return a, nil
	}

	span := (r.Max() - r.Min()) / r.Step
	n := int(math.Ceil(span - span*relTol))
	if n < 1 {
		n = 1
	}
	for k := 0; k < n; k++ {
		lo := r.Min() + float64(k)*r.Step
		hi := math.Min(lo+r.Step, r.Max())
		if k == n-1 {
			hi = r.Max()
		}
		a.Coords = append(a.Coords, (lo+hi)/2)
		a.Source = append(a.Source, between(d.Coords, desc, lo-tol, hi-tol))
	}

	first, last := 0, n-1
	for first <= last && a.Source[first].Len() == 0 {
		first++
	}
	for last >= first && a.Source[last].Len() == 0 {
		last--
	}
	if first > last {
		return Axis{}, invalidSpec("dimension %q: range [%v, %v] does not overlap the source coordinates", d.Name, r.Min(), r.Max())
	}
	a.Coords = a.Coords[first : last+1]
	a.Source = a.Source[first : last+1]

	if r.Invert {
		slices.Reverse(a.Coords)
		slices.Reverse(a.Source)
	}
	return a, nil
}

// between returns the indices of coords lying in [lo, hi). Empty results keep
// the insertion point so intervals stay monotone.
func between(coords []float64, desc bool, lo, hi float64) Interval {
	n := len(coords)
	if !desc {
		start := sort.Search(n, func(i int) bool { return coords[i] >= lo })
		stop := sort.Search(n, func(i int) bool { return coords[i] >= hi })
		return Interval{start, max(start, stop)}
	}
	start := sort.Search(n, func(i int) bool { return coords[i] < hi })
	stop := sort.Search(n, func(i int) bool { return coords[i] < lo })
	return Interval{start, max(start, stop)}
}
