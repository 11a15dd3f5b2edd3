package zarr

import (
	"context"
	"io"
	"sort"

	"github.com/cockroachdb/errors"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// BucketStore keeps a zarr hierarchy in a gocloud.dev blob bucket, making any
// blob driver (mem://, file://, s3://, gs://) usable as a zarr store. Drivers
// are registered by blank-importing their package, e.g.
// gocloud.dev/blob/s3blob.
type BucketStore struct {
	bucket *blob.Bucket
}

var _ Store = (*BucketStore)(nil)

// NewBucketStore wraps an open bucket. The caller keeps ownership of the
// bucket unless it calls Close on the store.
func NewBucketStore(bucket *blob.Bucket) *BucketStore {
	return &BucketStore{bucket: bucket}
}

// OpenBucketStore opens the bucket at url.
func OpenBucketStore(ctx context.Context, url string) (*BucketStore, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "open bucket %q", url)
	}
	return NewBucketStore(b), nil
}

func (s *BucketStore) Type() string { return BucketStoreType }

func (s *BucketStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if isNotExist(err) {
			return nil, errors.Wrapf(ErrNotfound, "%s", key)
		}
		return nil, err
	}
	return r, nil
}

func (s *BucketStore) Put(ctx context.Context, key string, val io.Reader) error {
	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, val); err != nil {
		w.Close()
		return errors.Wrapf(err, "write %s", key)
	}
	return w.Close()
}

func (s *BucketStore) Exists(ctx context.Context, key string) (bool, error) {
	if key != "" {
		ok, err := s.bucket.Exists(ctx, key)
		if err != nil || ok {
			return ok, err
		}
	}
	keys, err := s.list(ctx, dirPrefix(key), 1)
	return len(keys) > 0, err
}

func (s *BucketStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	if prefix != "" {
		ok, err := s.bucket.Exists(ctx, prefix)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, prefix)
		}
	}
	under, err := s.list(ctx, dirPrefix(prefix), 0)
	if err != nil {
		return nil, err
	}
	keys = append(keys, under...)
	sort.Strings(keys)
	return keys, nil
}

func (s *BucketStore) Delete(ctx context.Context, prefix string) error {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.bucket.Delete(ctx, k); err != nil && !isNotExist(err) {
			return errors.Wrapf(err, "delete %s", k)
		}
	}
	return nil
}

// Close releases the underlying bucket.
func (s *BucketStore) Close() error {
	return s.bucket.Close()
}

// list returns keys starting with prefix, stopping after limit keys when
// limit is positive.
func (s *BucketStore) list(ctx context.Context, prefix string, limit int) ([]string, error) {
	var keys []string
	it := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, obj.Key)
		if limit > 0 && len(keys) >= limit {
			break
		}
	}
	return keys, nil
}

func dirPrefix(key string) string {
	if key == "" {
		return ""
	}
	return key + "/"
}

// isNotExist returns true if the error indicates the object doesn't exist.
func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
