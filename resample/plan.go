package resample

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	zarr "github.com/qri-io/zarr-downscale"
)

// DefaultElemSize is the working size of one cell: windows are resampled in
// float64 buffers.
const DefaultElemSize = 8

// Window is an independently processable part of one variable: a box of
// target indices and the box of source indices it aggregates.
type Window struct {
	Variable string
	ID       int
	Target   zarr.Region
	Source   zarr.Region
}

// Key identifies the window in the ledger.
func (w Window) Key() string {
	return w.Variable + "/" + strconv.Itoa(w.ID)
}

func (w Window) String() string {
	return fmt.Sprintf("%s target=%s source=%s", w.Key(), w.Target, w.Source)
}

// Footprint estimates the bytes needed to resample w.
func (w Window) Footprint(elemSize int) int64 {
	return int64(w.Source.Size()+w.Target.Size()) * int64(elemSize)
}

// PlanOptions bound the windows of a plan.
type PlanOptions struct {
	// MemoryBudget caps the estimated footprint of every window, in bytes.
	// Zero means unbounded.
	MemoryBudget int64
	// WindowHint is the minimum number of windows to aim for.
	WindowHint int
	// ElemSize is the working size of a cell in bytes.
	ElemSize int
}

// Plan partitions a variable's target grid into windows. Only resampled
// dimensions are split; each split dimension is cut into contiguous tiles
// as even as possible, and the windows are the cartesian product of tiles.
type Plan struct {
	variable string
	grid     *Grid
	elemSize int
	tiles    []int
	bounds   [][]int
}

// NewPlan partitions grid, the target grid of variable. Tile counts start
// from opts.WindowHint and grow until every window fits opts.MemoryBudget.
func NewPlan(grid *Grid, variable string, opts PlanOptions) (*Plan, error) {
	p := &Plan{
		variable: variable,
		grid:     grid,
		elemSize: opts.ElemSize,
		tiles:    make([]int, len(grid.Axes)),
	}
	if p.elemSize <= 0 {
		p.elemSize = DefaultElemSize
	}
	for i := range p.tiles {
		p.tiles[i] = 1
	}

	hint := max(opts.WindowHint, 1)
	for p.count() < hint {
		best, bestCells := -1, 0
		for i := range grid.Axes {
			if !p.splittable(i) {
				continue
			}
			if c := ceilDiv(grid.Axes[i].Len(), p.tiles[i]); c > bestCells {
				best, bestCells = i, c
			}
		}
		if best < 0 {
			break
		}
		p.tiles[best]++
	}

	p.computeBounds()
	if opts.MemoryBudget > 0 {
		for p.Footprint() > opts.MemoryBudget {
			best, bestScore := -1, 0
			for i := range grid.Axes {
				if !p.splittable(i) {
					continue
				}
				score := p.maxSpan(i) + ceilDiv(grid.Axes[i].Len(), p.tiles[i])
				if score > bestScore {
					best, bestScore = i, score
				}
			}
			if best < 0 {
				return nil, invalidSpec("window memory budget %d bytes is too small for %s: the smallest window needs %d bytes", opts.MemoryBudget, variable, p.Footprint())
			}
			k := p.tiles[best]
			p.tiles[best] = min(grid.Axes[best].Len(), max(k+1, k*5/4))
			p.computeBounds()
		}
	}
	return p, nil
}

func (p *Plan) splittable(i int) bool {
	a := &p.grid.Axes[i]
	return a.Resampled && p.tiles[i] < a.Len()
}

func (p *Plan) count() int {
	n := 1
	for _, t := range p.tiles {
		n *= t
	}
	return n
}

func (p *Plan) computeBounds() {
	p.bounds = make([][]int, len(p.tiles))
	for i, k := range p.tiles {
		n := p.grid.Axes[i].Len()
		b := make([]int, k+1)
		for j := range b {
			b[j] = j * n / k
		}
		p.bounds[i] = b
	}
}

// span is the source interval covered by target indices [lo, hi) of axis i.
func (p *Plan) span(i, lo, hi int) Interval {
	out := Interval{-1, -1}
	for _, iv := range p.grid.Axes[i].Source[lo:hi] {
		if iv.Len() == 0 {
			continue
		}
		if out.Start < 0 || iv.Start < out.Start {
			out.Start = iv.Start
		}
		if iv.Stop > out.Stop {
			out.Stop = iv.Stop
		}
	}
	if out.Start < 0 {
		return Interval{}
	}
	return out
}

func (p *Plan) maxSpan(i int) int {
	m := 0
	b := p.bounds[i]
	for j := 0; j+1 < len(b); j++ {
		m = max(m, p.span(i, b[j], b[j+1]).Len())
	}
	return m
}

// Footprint is an upper bound of the footprint of every window in bytes.
func (p *Plan) Footprint() int64 {
	src, tgt := int64(1), int64(1)
	for i := range p.tiles {
		src *= int64(p.maxSpan(i))
		tgt *= int64(ceilDiv(p.grid.Axes[i].Len(), p.tiles[i]))
	}
	return (src + tgt) * int64(p.elemSize)
}

func (p *Plan) Variable() string { return p.variable }

func (p *Plan) Grid() *Grid { return p.grid }

// Tiles returns the number of tiles along every dimension.
func (p *Plan) Tiles() []int { return append([]int(nil), p.tiles...) }

// Len is the number of windows.
func (p *Plan) Len() int { return p.count() }

// At returns window i. Windows are numbered row-major over the tile grid.
func (p *Plan) At(i int) Window {
	w := Window{
		Variable: p.variable,
		ID:       i,
		Target:   zarr.Region{Start: make([]int, len(p.tiles)), Stop: make([]int, len(p.tiles))},
		Source:   zarr.Region{Start: make([]int, len(p.tiles)), Stop: make([]int, len(p.tiles))},
	}
	rem := i
	for d := len(p.tiles) - 1; d >= 0; d-- {
		j := rem % p.tiles[d]
		rem /= p.tiles[d]
		lo, hi := p.bounds[d][j], p.bounds[d][j+1]
		src := p.span(d, lo, hi)
		w.Target.Start[d], w.Target.Stop[d] = lo, hi
		w.Source.Start[d], w.Source.Stop[d] = src.Start, src.Stop
	}
	return w
}

// Iter returns a fresh iterator over the windows.
func (p *Plan) Iter() *Windows {
	return &Windows{plan: p}
}

// Signature identifies the partitioning. Two plans with the same signature
// produce identical windows.
func (p *Plan) Signature() string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "%s|%v", p.variable, p.tiles)
	for _, a := range p.grid.Axes {
		fmt.Fprintf(b, "|%s:%t:%d", a.Name, a.Resampled, a.Len())
		for _, iv := range a.Source {
			fmt.Fprintf(b, ",%d-%d", iv.Start, iv.Stop)
		}
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(b.String())).String()
}

// Windows iterates a plan lazily.
type Windows struct {
	plan *Plan
	next int
}

// Next returns the next window; ok is false once the plan is exhausted.
func (it *Windows) Next() (w Window, ok bool) {
	if it.next >= it.plan.Len() {
		return Window{}, false
	}
	w = it.plan.At(it.next)
	it.next++
	return w, true
}

// Reset restarts the iteration.
func (it *Windows) Reset() { it.next = 0 }

// PlanSignature combines the signatures of every plan of a run.
func PlanSignature(plans []*Plan) string {
	sigs := make([]string, len(plans))
	for i, p := range plans {
		sigs[i] = p.Signature()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(sigs, "|"))).String()
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
