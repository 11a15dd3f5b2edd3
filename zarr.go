package zarr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	// Version is the zarr storage format version this library reads and writes.
	Version = 2
)

var (
	// ErrReadOnly is returned when writing to an array opened with ModeRead.
	ErrReadOnly = errors.New("zarr: array is read only")
	// ErrExists is returned by ModeWriteFail when the path is already in use.
	ErrExists = errors.New("zarr: path already exists")
)

// Region is an N-dimensional half-open box of array indices.
type Region struct {
	Start []int
	Stop  []int
}

// FullRegion spans an entire array.
func FullRegion(shape []int) Region {
	return Region{Start: make([]int, len(shape)), Stop: append([]int(nil), shape...)}
}

func (r Region) Shape() []int {
	s := make([]int, len(r.Start))
	for i := range r.Start {
		s[i] = r.Stop[i] - r.Start[i]
	}
	return s
}

// Size is the number of elements in the region.
func (r Region) Size() int {
	n := 1
	for i := range r.Start {
		n *= r.Stop[i] - r.Start[i]
	}
	return n
}

// Within reports an error if r does not fit inside an array of shape.
func (r Region) Within(shape []int) error {
	if len(r.Start) != len(shape) || len(r.Stop) != len(shape) {
		return errors.Newf("zarr: region rank %d/%d for %d dimensions", len(r.Start), len(r.Stop), len(shape))
	}
	for i := range shape {
		if r.Start[i] < 0 || r.Start[i] > r.Stop[i] || r.Stop[i] > shape[i] {
			return errors.Newf("zarr: region %v out of bounds for shape %v", r, shape)
		}
	}
	return nil
}

func (r Region) String() string {
	parts := make([]string, len(r.Start))
	for i := range r.Start {
		parts[i] = fmt.Sprintf("%d:%d", r.Start[i], r.Stop[i])
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Array is a chunked N-dimensional zarr array. Values are exchanged as
// float64 regardless of the stored numeric dtype.
type Array struct {
	path  Path
	store Store
	mode  PersistenceMode
	meta  *ArrayMeta
	attrs Attributes
}

// OpenArray reads the metadata of the array at path. Every mode except
// ModeWrite and ModeWriteFail requires the array to exist.
func OpenArray(ctx context.Context, store Store, path string, mode PersistenceMode) (*Array, error) {
	p, err := NewPath(path)
	if err != nil {
		return nil, err
	}

	a := &Array{
		path:  p,
		store: store,
		mode:  mode,
		meta:  &ArrayMeta{},
	}
	if err := readJSON(ctx, store, p.Key(string(MTArray)), a.meta); err != nil {
		return nil, errors.Wrapf(err, "open array %q", path)
	}
	if err := a.meta.Validate(); err != nil {
		return nil, errors.Wrapf(err, "open array %q", path)
	}
	a.attrs = Attributes{}
	if err := readJSON(ctx, store, p.Key(string(MTAttributes)), &a.attrs); err != nil && !errors.Is(err, ErrNotfound) {
		return nil, errors.Wrapf(err, "open array %q", path)
	}
	return a, nil
}

// newArray wraps metadata already read from consolidated metadata.
func newArray(store Store, p Path, mode PersistenceMode, meta *ArrayMeta, attrs Attributes) (*Array, error) {
	if err := meta.Validate(); err != nil {
		return nil, errors.Wrapf(err, "array %q", p)
	}
	if attrs == nil {
		attrs = Attributes{}
	}
	return &Array{path: p, store: store, mode: mode, meta: meta, attrs: attrs}, nil
}

// CreateArray writes array metadata and attributes at path. ModeWrite removes
// anything previously stored at path, ModeWriteFail refuses an existing path.
// Chunks are not written; unwritten chunks read as the fill value.
func CreateArray(ctx context.Context, store Store, path string, meta *ArrayMeta, attrs Attributes, mode PersistenceMode) (*Array, error) {
	p, err := NewPath(path)
	if err != nil {
		return nil, err
	}
	if meta.ZarrFormat == 0 {
		meta.ZarrFormat = Version
	}
	if meta.Order == "" {
		meta.Order = "C"
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	switch mode {
	case ModeWrite:
		if err := store.Delete(ctx, p.String()); err != nil {
			return nil, errors.Wrapf(err, "clear %q", path)
		}
	case ModeWriteFail:
		ok, err := store.Exists(ctx, p.Key(string(MTArray)))
		if err != nil {
			return nil, err
		}
		if ok {
			return nil, errors.Wrapf(ErrExists, "%s", path)
		}
	case ModeRead, ModeReadWrite:
		return nil, errors.Newf("zarr: cannot create array in mode %q", mode)
	}

	if err := writeJSON(ctx, store, p.Key(string(MTArray)), meta); err != nil {
		return nil, err
	}
	if len(attrs) > 0 {
		if err := writeJSON(ctx, store, p.Key(string(MTAttributes)), attrs); err != nil {
			return nil, err
		}
	} else {
		attrs = Attributes{}
	}
	return &Array{path: p, store: store, mode: ModeReadWrite, meta: meta, attrs: attrs}, nil
}

func (a *Array) Info() string {
	return fmt.Sprintf("<zarr-go.Array %s shape=%v chunks=%v dtype=%s>", a.path, a.meta.Shape, a.meta.Chunks, a.meta.Dtype.Dtype)
}

func (a *Array) Path() string { return a.path.String() }

// Name is the last element of the array's path.
func (a *Array) Name() string { return a.path.Base() }

func (a *Array) Meta() ArrayMeta { return *a.meta }

func (a *Array) Shape() []int { return append([]int(nil), a.meta.Shape...) }

func (a *Array) Chunks() []int { return append([]int(nil), a.meta.Chunks...) }

func (a *Array) Attrs() Attributes { return a.attrs }

// Dims returns the array's dimension names. Arrays without a
// _ARRAY_DIMENSIONS attribute get "dim_0", "dim_1", ...
func (a *Array) Dims() []string {
	if dims, ok := a.attrs.Dimensions(); ok && len(dims) == len(a.meta.Shape) {
		return append([]string(nil), dims...)
	}
	dims := make([]string, len(a.meta.Shape))
	for i := range dims {
		dims[i] = "dim_" + strconv.Itoa(i)
	}
	return dims
}

// FillValue returns the value unwritten chunks read as. Arrays without a fill
// value read missing chunks as NaN.
func (a *Array) FillValue() float64 {
	if v, ok := a.meta.FillFloat(); ok {
		return v
	}
	return math.NaN()
}

// ReadAll reads the whole array into a row-major slice.
func (a *Array) ReadAll(ctx context.Context) ([]float64, error) {
	return a.ReadRegion(ctx, FullRegion(a.meta.Shape))
}

// ReadRegion reads r into a row-major slice shaped r.Shape(). Only chunks
// intersecting r are fetched. Missing chunks read as the fill value.
func (a *Array) ReadRegion(ctx context.Context, r Region) ([]float64, error) {
	if err := r.Within(a.meta.Shape); err != nil {
		return nil, err
	}
	out := make([]float64, r.Size())
	outShape := r.Shape()
	fill := a.FillValue()
	chunk := make([]float64, a.meta.ItemCount())

	for _, p := range projectRegion(a.meta.Chunks, r) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := a.readChunk(ctx, p.ChunkCoords, chunk)
		if err != nil {
			return nil, err
		}
		counts := selCounts(p.OutSelection)
		if !found {
			WalkBox(outShape, selStarts(p.OutSelection), outShape, selStarts(p.OutSelection), counts, func(o, _, n int) {
				for i := o; i < o+n; i++ {
					out[i] = fill
				}
			})
			continue
		}
		WalkBox(outShape, selStarts(p.OutSelection), a.meta.Chunks, selStarts(p.ChunkSelection), counts, func(o, c, n int) {
			copy(out[o:o+n], chunk[c:c+n])
		})
	}
	return out, nil
}

// WriteRegion stores values, row-major over r, into the array. When mask is
// non-nil only cells whose mask entry is true are written; chunks holding no
// masked cell are not touched. Partially covered chunks are read, merged and
// rewritten.
func (a *Array) WriteRegion(ctx context.Context, r Region, values []float64, mask []bool) error {
	if a.mode == ModeRead {
		return ErrReadOnly
	}
	if err := r.Within(a.meta.Shape); err != nil {
		return err
	}
	if len(values) != r.Size() {
		return errors.Newf("zarr: %d values for region %s of size %d", len(values), r, r.Size())
	}
	if mask != nil && len(mask) != len(values) {
		return errors.Newf("zarr: mask length %d does not match %d values", len(mask), len(values))
	}

	valShape := r.Shape()
	chunk := make([]float64, a.meta.ItemCount())
	fill := a.FillValue()

	for _, p := range projectRegion(a.meta.Chunks, r) {
		if err := ctx.Err(); err != nil {
			return err
		}
		outStart, chunkStart, counts := selStarts(p.OutSelection), selStarts(p.ChunkSelection), selCounts(p.OutSelection)

		masked, full := 0, 0
		WalkBox(valShape, outStart, valShape, outStart, counts, func(o, _, n int) {
			full += n
			if mask == nil {
				masked += n
				return
			}
			for _, m := range mask[o : o+n] {
				if m {
					masked++
				}
			}
		})
		if masked == 0 {
			continue
		}

		if masked != full || !p.covers(a.meta.Chunks) {
			found, err := a.readChunk(ctx, p.ChunkCoords, chunk)
			if err != nil {
				return err
			}
			if !found {
				for i := range chunk {
					chunk[i] = fill
				}
			}
		}

		WalkBox(valShape, outStart, a.meta.Chunks, chunkStart, counts, func(o, c, n int) {
			if mask == nil {
				copy(chunk[c:c+n], values[o:o+n])
				return
			}
			for i := 0; i < n; i++ {
				if mask[o+i] {
					chunk[c+i] = values[o+i]
				}
			}
		})
		if err := a.writeChunk(ctx, p.ChunkCoords, chunk); err != nil {
			return err
		}
	}
	return nil
}

// readChunk decodes the chunk at coords into buf. found is false when the
// chunk has never been written.
func (a *Array) readChunk(ctx context.Context, coords []int, buf []float64) (found bool, err error) {
	key := a.chunkKey(coords)
	f, err := a.store.Get(ctx, key)
	if errors.Is(err, ErrNotfound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "read chunk %s", key)
	}
	defer f.Close()

	r, err := a.meta.Compressor.Decompressor(f)
	if err != nil {
		return false, errors.Wrapf(err, "read chunk %s", key)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return false, errors.Wrapf(err, "read chunk %s", key)
	}
	if err := a.meta.Dtype.Dtype.Decode(data, buf); err != nil {
		return false, errors.Wrapf(err, "decode chunk %s", key)
	}
	return true, nil
}

func (a *Array) writeChunk(ctx context.Context, coords []int, vals []float64) error {
	key := a.chunkKey(coords)
	raw := make([]byte, len(vals)*a.meta.Dtype.Dtype.ByteSize)
	if err := a.meta.Dtype.Dtype.Encode(vals, raw); err != nil {
		return errors.Wrapf(err, "encode chunk %s", key)
	}

	buf := &bytes.Buffer{}
	w, err := a.meta.Compressor.Compressor(buf)
	if err != nil {
		return errors.Wrapf(err, "write chunk %s", key)
	}
	if _, err := w.Write(raw); err != nil {
		return errors.Wrapf(err, "write chunk %s", key)
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "write chunk %s", key)
	}
	return a.store.Put(ctx, key, buf)
}

func (a *Array) chunkKey(coords []int) string {
	sep := a.meta.DimensionSeparator
	if sep == "" {
		sep = "."
	}
	parts := make([]string, len(coords))
	for i, c := range coords {
		parts[i] = strconv.Itoa(c)
	}
	return a.path.Key(strings.Join(parts, sep))
}

func readJSON(ctx context.Context, store Store, key string, v interface{}) error {
	f, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return errors.Wrapf(err, "decode %s", key)
	}
	return nil
}

func writeJSON(ctx context.Context, store Store, key string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	return store.Put(ctx, key, bytes.NewReader(data))
}

type PersistenceMode string

const (
	// Persistence mode:
	// ‘r’ means read only (must exist);
	ModeRead PersistenceMode = "r"
	//‘r+’ means read/write (must exist)
	ModeReadWrite PersistenceMode = "r+"
	// ‘a’ means read/write (create if doesn’t exist)
	ModeReadWriteCreate PersistenceMode = "a"
	// ‘w’ means create (overwrite if exists)
	ModeWrite PersistenceMode = "w"
	// ‘w-’ means create (fail if exists).
	ModeWriteFail PersistenceMode = "w-"
)

// Path is a normalized logical path within a store. The root is the empty
// path.
type Path []string

// NewPath normalizes posix: backslashes become "/", leading, trailing and
// repeated separators are dropped. "." and ".." segments are rejected.
func NewPath(posix string) (Path, error) {
	posix = strings.ReplaceAll(posix, "\\", "/")
	var p Path
	for _, el := range strings.Split(posix, "/") {
		switch el {
		case "":
			continue
		case ".", "..":
			return nil, errors.Newf("zarr: invalid path segment %q in %q", el, posix)
		}
		p = append(p, el)
	}
	return p, nil
}

func (p Path) String() string {
	return strings.Join(p, "/")
}

func (p Path) Shift() (head string, ch Path) {
	switch len(p) {
	case 0:
		return "", nil
	case 1:
		return p[0], nil
	default:
		return p[0], p[1:]
	}
}

// Base returns the last element, or "" for the root.
func (p Path) Base() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// Join returns a new path; p is never modified.
func (p Path) Join(elems ...string) Path {
	out := make(Path, 0, len(p)+len(elems))
	out = append(out, p...)
	for _, el := range elems {
		if el != "" {
			out = append(out, el)
		}
	}
	return out
}

// Key is the store key of name beneath p.
func (p Path) Key(name string) string {
	return p.Join(name).String()
}
