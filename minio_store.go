package zarr

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds connection settings for an S3-compatible endpoint that
// needs explicit credentials, such as a MinIO deployment or a provider issuing
// temporary session tokens.
type MinioConfig struct {
	EndpointURL     string `yaml:"endpoint_url" toml:"endpoint_url"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key"`
	SessionToken    string `yaml:"session_token" toml:"session_token"`
	Region          string `yaml:"region" toml:"region"`
	Bucket          string `yaml:"bucket" toml:"bucket"`
	UseSSL          bool   `yaml:"use_ssl" toml:"use_ssl"`
}

// MinioStore keeps a zarr hierarchy in an S3-compatible bucket using the
// minio client.
type MinioStore struct {
	client *minio.Client
	bucket string
	region string
}

var _ Store = (*MinioStore)(nil)

// NewMinioStore connects to cfg.EndpointURL. It does not contact the server;
// call EnsureBucket to verify connectivity.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if cfg.EndpointURL == "" {
		return nil, errors.New("minio: endpoint_url is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("minio: bucket is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("minio: credentials are required")
	}

	u, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		return nil, errors.Wrap(err, "minio: invalid endpoint URL")
	}
	endpoint := u.Host
	if endpoint == "" {
		endpoint = cfg.EndpointURL
	}
	useSSL := cfg.UseSSL
	if u.Scheme == "https" {
		useSSL = true
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "minio: create client")
	}

	return &MinioStore{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return errors.Wrapf(err, "minio: check bucket %s", s.bucket)
	}
	if ok {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
}

func (s *MinioStore) Type() string { return MinioStoreType }

func (s *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapErr(err, key)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, s.mapErr(err, key)
	}
	return obj, nil
}

func (s *MinioStore) Put(ctx context.Context, key string, val io.Reader) error {
	data, err := io.ReadAll(val)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return s.mapErr(err, key)
}

func (s *MinioStore) Exists(ctx context.Context, key string) (bool, error) {
	if key != "" {
		ok, err := s.statExists(ctx, key)
		if err != nil || ok {
			return ok, err
		}
	}
	// Stopping early leaks the listing goroutine unless its context ends.
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range s.client.ListObjects(lctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    dirPrefix(key),
		Recursive: true,
		MaxKeys:   1,
	}) {
		if obj.Err != nil {
			return false, obj.Err
		}
		return true, nil
	}
	return false, nil
}

func (s *MinioStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	if prefix != "" {
		ok, err := s.statExists(ctx, prefix)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, prefix)
		}
	}
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range s.client.ListObjects(lctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    dirPrefix(prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MinioStore) Delete(ctx context.Context, prefix string) error {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.client.RemoveObject(ctx, s.bucket, k, minio.RemoveObjectOptions{}); err != nil && !isNoSuchKey(err) {
			return errors.Wrapf(err, "delete %s", k)
		}
	}
	return nil
}

func (s *MinioStore) statExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, err
}

func (s *MinioStore) mapErr(err error, key string) error {
	if err == nil {
		return nil
	}
	if isNoSuchKey(err) {
		return errors.Wrapf(ErrNotfound, "%s", key)
	}
	return errors.Wrapf(err, "minio: %s", key)
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
