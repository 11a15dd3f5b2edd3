package zarr

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

const (
	MemoryStoreType   = "MemoryStore"
	LocalStoreType    = "LocalStore"
	BucketStoreType   = "BucketStore"
	MinioStoreType    = "MinioStore"
	dirPermissionBits = 0755
)

// ErrNotfound is returned by Store.Get when the key does not exist. Store
// implementations map their backend-specific not-found errors onto it.
var ErrNotfound = errors.New("not found")

// Store is a flat key/value view of a zarr hierarchy. Keys use "/" as the
// separator regardless of the backend.
//
// List and Delete operate on a key and everything beneath it: List("a/b")
// returns "a/b" (if it exists) plus every "a/b/..." key, never "a/bc".
type Store interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, val io.Reader) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, prefix string) error
	Type() string
}

// underPrefix reports whether key is prefix itself or lives beneath it.
func underPrefix(key, prefix string) bool {
	if prefix == "" {
		return true
	}
	return key == prefix || strings.HasPrefix(key, prefix+"/")
}

type MemoryStore struct {
	lk   sync.Mutex
	data map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: map[string][]byte{},
	}
}

func (s *MemoryStore) Type() string { return MemoryStoreType }

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	d, ok := s.data[key]
	if !ok {
		return nil, errors.Wrapf(ErrNotfound, "%s", key)
	}
	return io.NopCloser(bytes.NewReader(d)), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, val io.Reader) error {
	d, err := io.ReadAll(val)
	if err != nil {
		return err
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	s.data[key] = d

	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	for k := range s.data {
		if underPrefix(k, key) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var keys []string
	for k := range s.data {
		if underPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Delete(_ context.Context, prefix string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	for k := range s.data {
		if underPrefix(k, prefix) {
			delete(s.data, k)
		}
	}
	return nil
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return len(s.data)
}

type LocalStore struct {
	base string
}

var _ Store = (*LocalStore)(nil)

func NewLocalStore(base string) (*LocalStore, error) {
	base, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(base, dirPermissionBits); err != nil {
		return nil, err
	}

	return &LocalStore{
		base: base,
	}, nil
}

func (s *LocalStore) Type() string { return LocalStoreType }

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.base, filepath.FromSlash(key))
}

func (s *LocalStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrapf(ErrNotfound, "%s", key)
	}
	return f, err
}

// Put writes to a temporary sibling and renames it into place so readers
// never observe a partially written chunk.
func (s *LocalStore) Put(_ context.Context, key string, val io.Reader) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), dirPermissionBits); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, val); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return err
	}
	return os.Rename(f.Name(), path)
}

func (s *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	root := s.path(prefix)
	var keys []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.base, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

func (s *LocalStore) Delete(_ context.Context, prefix string) error {
	if prefix == "" {
		entries, err := os.ReadDir(s.base)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(s.base, e.Name())); err != nil {
				return err
			}
		}
		return nil
	}
	return os.RemoveAll(s.path(prefix))
}

// LimitedStore throttles reads against a wrapped store. Remote object stores
// rate-limit aggressive readers, and a large worker pool reading chunks can
// trip those limits.
type LimitedStore struct {
	Store
	limiter *rate.Limiter
}

var _ Store = (*LimitedStore)(nil)

// NewLimitedStore allows at most perSecond Get calls per second with bursts of
// up to burst calls. A non-positive rate returns s unchanged.
func NewLimitedStore(s Store, perSecond float64, burst int) Store {
	if perSecond <= 0 {
		return s
	}
	if burst < 1 {
		burst = 1
	}
	return &LimitedStore{Store: s, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (s *LimitedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return s.Store.Get(ctx, key)
}
