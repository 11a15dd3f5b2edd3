package zarr

import (
	"context"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// Arrays can be organized into groups which can also contain other groups.
// A group is created by storing group ArrayMeta under the “.zgroup” key under
// some logical path. E.g., a group exists at the root of an array store if the
// “.zgroup” key exists in the store, and a group exists at logical path
// “foo/bar” if the “foo/bar/.zgroup” key exists in the store.
type Group struct {
	ZarrFormat int `json:"zarr_format"`
}

func (Group) MetaType() MetaType { return MTGroup }

// CreateGroup writes a group marker and, when attrs is non-empty, the group's
// attributes at path.
func CreateGroup(ctx context.Context, store Store, path string, attrs Attributes) error {
	p, err := NewPath(path)
	if err != nil {
		return err
	}
	if err := writeJSON(ctx, store, p.Key(string(MTGroup)), Group{ZarrFormat: Version}); err != nil {
		return err
	}
	if len(attrs) > 0 {
		return writeJSON(ctx, store, p.Key(string(MTAttributes)), attrs)
	}
	return nil
}

// GroupExists reports whether a group marker or consolidated metadata is
// stored at path.
func GroupExists(ctx context.Context, store Store, path string) (bool, error) {
	p, err := NewPath(path)
	if err != nil {
		return false, err
	}
	for _, mt := range []MetaType{MTGroup, MTMetadata} {
		ok, err := store.Exists(ctx, p.Key(string(mt)))
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// Consolidate gathers every metadata document beneath path into a single
// ".zmetadata" document, keyed relative to path.
func Consolidate(ctx context.Context, store Store, path string) error {
	p, err := NewPath(path)
	if err != nil {
		return err
	}
	keys, err := store.List(ctx, p.String())
	if err != nil {
		return err
	}

	cm := ConsolidatedMetadata{
		ConsolidatedFormat: ConsolidatedFormatVersion,
		Metadata:           map[string]MetaTyper{},
	}
	root := p.String()
	for _, k := range keys {
		mt, ok := KeyMetaType(k)
		if !ok {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(k, root), "/")
		switch mt {
		case MTArray:
			m := &ArrayMeta{}
			if err := readJSON(ctx, store, k, m); err != nil {
				return err
			}
			cm.Metadata[rel] = m
		case MTAttributes:
			attrs := Attributes{}
			if err := readJSON(ctx, store, k, &attrs); err != nil {
				return err
			}
			cm.Metadata[rel] = attrs
		case MTGroup:
			g := Group{}
			if err := readJSON(ctx, store, k, &g); err != nil {
				return err
			}
			cm.Metadata[rel] = g
		}
	}
	return writeJSON(ctx, store, p.Key(string(MTMetadata)), cm)
}

// Dataset is a group of named arrays following the xarray convention: every
// array names its dimensions and a dimension's coordinates live in a 1-D array
// of the same name.
type Dataset struct {
	store  Store
	path   Path
	attrs  Attributes
	arrays map[string]*Array
}

// OpenDataset opens the group at path, reading consolidated metadata when
// present and falling back to listing the group's direct child arrays.
func OpenDataset(ctx context.Context, store Store, path string, mode PersistenceMode) (*Dataset, error) {
	p, err := NewPath(path)
	if err != nil {
		return nil, err
	}
	ds := &Dataset{store: store, path: p, attrs: Attributes{}, arrays: map[string]*Array{}}

	cm := &ConsolidatedMetadata{}
	err = readJSON(ctx, store, p.Key(string(MTMetadata)), cm)
	switch {
	case err == nil:
		if err := ds.loadConsolidated(cm, mode); err != nil {
			return nil, err
		}
		return ds, nil
	case !errors.Is(err, ErrNotfound):
		return nil, errors.Wrapf(err, "open dataset %q", path)
	}

	if ok, err := store.Exists(ctx, p.Key(string(MTGroup))); err != nil {
		return nil, err
	} else if !ok {
		return nil, errors.Wrapf(ErrNotfound, "no zarr group at %q", path)
	}
	if err := readJSON(ctx, store, p.Key(string(MTAttributes)), &ds.attrs); err != nil && !errors.Is(err, ErrNotfound) {
		return nil, err
	}

	keys, err := store.List(ctx, p.String())
	if err != nil {
		return nil, err
	}
	root := p.String()
	for _, k := range keys {
		rel := strings.TrimPrefix(strings.TrimPrefix(k, root), "/")
		name, rest, ok := strings.Cut(rel, "/")
		if !ok || rest != string(MTArray) {
			continue
		}
		arr, err := OpenArray(ctx, store, p.Key(name), mode)
		if err != nil {
			return nil, err
		}
		ds.arrays[name] = arr
	}
	return ds, nil
}

func (ds *Dataset) loadConsolidated(cm *ConsolidatedMetadata, mode PersistenceMode) error {
	if a, ok := cm.Metadata[string(MTAttributes)].(Attributes); ok {
		ds.attrs = a
	}
	for key, m := range cm.Metadata {
		meta, ok := m.(*ArrayMeta)
		if !ok {
			continue
		}
		name, rest, ok := strings.Cut(key, "/")
		if !ok || rest != string(MTArray) {
			continue
		}
		attrs, _ := cm.Metadata[name+"/"+string(MTAttributes)].(Attributes)
		arr, err := newArray(ds.store, ds.path.Join(name), mode, meta, attrs)
		if err != nil {
			return err
		}
		ds.arrays[name] = arr
	}
	return nil
}

func (ds *Dataset) Path() string { return ds.path.String() }

func (ds *Dataset) Store() Store { return ds.store }

func (ds *Dataset) Attrs() Attributes { return ds.attrs }

// Names lists every array in the group, sorted.
func (ds *Dataset) Names() []string {
	names := make([]string, 0, len(ds.arrays))
	for n := range ds.arrays {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (ds *Dataset) Array(name string) (*Array, bool) {
	a, ok := ds.arrays[name]
	return a, ok
}

// IsCoord reports whether name is a coordinate array: 1-D and named after its
// only dimension.
func (ds *Dataset) IsCoord(name string) bool {
	a, ok := ds.arrays[name]
	if !ok {
		return false
	}
	dims := a.Dims()
	return len(dims) == 1 && dims[0] == name
}

// Variables lists the non-coordinate arrays, sorted.
func (ds *Dataset) Variables() []string {
	var vars []string
	for _, n := range ds.Names() {
		if !ds.IsCoord(n) {
			vars = append(vars, n)
		}
	}
	return vars
}

// Coords lists the coordinate arrays, sorted.
func (ds *Dataset) Coords() []string {
	var coords []string
	for _, n := range ds.Names() {
		if ds.IsCoord(n) {
			coords = append(coords, n)
		}
	}
	return coords
}

// IsTime reports whether dim has a coordinate array that encodes time.
func (ds *Dataset) IsTime(dim string) bool {
	if !ds.IsCoord(dim) {
		return false
	}
	_, ok, err := ds.arrays[dim].TimeEncoding()
	return ok && err == nil
}

// Coordinate reads the coordinate values of dim. Time coordinates are
// returned as seconds since the Unix epoch. A dimension without a
// coordinate array gets index coordinates 0..size-1.
func (ds *Dataset) Coordinate(ctx context.Context, dim string, size int) ([]float64, error) {
	if ds.IsCoord(dim) {
		a := ds.arrays[dim]
		if a.meta.Shape[0] != size {
			return nil, errors.Newf("coordinate %q has length %d, dimension has %d", dim, a.meta.Shape[0], size)
		}
		enc, isTime, err := a.TimeEncoding()
		if err != nil {
			return nil, errors.Wrapf(err, "coordinate %q", dim)
		}
		vals, err := a.ReadAll(ctx)
		if err != nil {
			return nil, err
		}
		if isTime {
			enc.Seconds(vals)
		}
		return vals, nil
	}
	idx := make([]float64, size)
	for i := range idx {
		idx[i] = float64(i)
	}
	return idx, nil
}
