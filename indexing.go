package zarr

// dimSlice is a half-open [Start, Stop) index range along one dimension.
type dimSlice struct {
	Start, Stop int
}

func (s dimSlice) len() int { return s.Stop - s.Start }

// chunkDimProjection maps one chunk's slice of a dimension onto a selection.
type chunkDimProjection struct {
	// Index of chunk.
	DimChunkIX int
	// Selection of items from chunk array.
	DimChunkSel dimSlice
	// Selection of items in target (output) array.
	DimOutSel dimSlice
}

// projectDim lists the chunks along one dimension that intersect sel.
func projectDim(chunkLen int, sel dimSlice) []chunkDimProjection {
	if sel.len() <= 0 {
		return nil
	}
	first := sel.Start / chunkLen
	last := (sel.Stop - 1) / chunkLen
	out := make([]chunkDimProjection, 0, last-first+1)
	for ix := first; ix <= last; ix++ {
		lo := ix * chunkLen
		hi := lo + chunkLen
		start := max(sel.Start, lo)
		stop := min(sel.Stop, hi)
		out = append(out, chunkDimProjection{
			DimChunkIX:  ix,
			DimChunkSel: dimSlice{start - lo, stop - lo},
			DimOutSel:   dimSlice{start - sel.Start, stop - sel.Start},
		})
	}
	return out
}

// A mapping of items from chunk to output array. Can be used to extract items
// from the chunk array for loading into an output array. Can also be used to
// extract items from a value array for setting/updating in a chunk array.
type chunkProjection struct {
	// Indices of chunk
	ChunkCoords []int
	// Selection of items from chunk array.
	ChunkSelection []dimSlice
	// Selection of items in target (output) array.
	OutSelection []dimSlice
}

// covers reports whether the projection spans the whole chunk.
func (p chunkProjection) covers(chunks []int) bool {
	for i, s := range p.ChunkSelection {
		if s.Start != 0 || s.Stop != chunks[i] {
			return false
		}
	}
	return true
}

// projectRegion returns every chunk intersecting r, in row-major chunk order.
func projectRegion(chunks []int, r Region) []chunkProjection {
	dims := make([][]chunkDimProjection, len(chunks))
	total := 1
	for i := range chunks {
		dims[i] = projectDim(chunks[i], dimSlice{r.Start[i], r.Stop[i]})
		total *= len(dims[i])
	}
	if total == 0 {
		return nil
	}

	out := make([]chunkProjection, 0, total)
	idx := make([]int, len(chunks))
	for {
		p := chunkProjection{
			ChunkCoords:    make([]int, len(chunks)),
			ChunkSelection: make([]dimSlice, len(chunks)),
			OutSelection:   make([]dimSlice, len(chunks)),
		}
		for d, j := range idx {
			dp := dims[d][j]
			p.ChunkCoords[d] = dp.DimChunkIX
			p.ChunkSelection[d] = dp.DimChunkSel
			p.OutSelection[d] = dp.DimOutSel
		}
		out = append(out, p)

		d := len(idx) - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < len(dims[d]) {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			return out
		}
	}
}

// Strides returns row-major element strides for shape.
func Strides(shape []int) []int {
	st := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= shape[i]
	}
	return st
}

// WalkBox visits a box of count elements placed at aStart within a row-major
// buffer shaped aShape and at bStart within one shaped bShape. fn receives the
// flat offsets of each contiguous run along the last dimension and its length.
func WalkBox(aShape, aStart, bShape, bStart, count []int, fn func(aOff, bOff, n int)) {
	nd := len(count)
	if nd == 0 {
		fn(0, 0, 1)
		return
	}
	for _, c := range count {
		if c <= 0 {
			return
		}
	}
	as, bs := Strides(aShape), Strides(bShape)
	idx := make([]int, nd-1)
	run := count[nd-1]
	for {
		aOff, bOff := aStart[nd-1], bStart[nd-1]
		for d, i := range idx {
			aOff += (aStart[d] + i) * as[d]
			bOff += (bStart[d] + i) * bs[d]
		}
		fn(aOff, bOff, run)

		d := nd - 2
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < count[d] {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			return
		}
	}
}

func selStarts(sel []dimSlice) []int {
	out := make([]int, len(sel))
	for i, s := range sel {
		out[i] = s.Start
	}
	return out
}

func selCounts(sel []dimSlice) []int {
	out := make([]int, len(sel))
	for i, s := range sel {
		out[i] = s.len()
	}
	return out
}
