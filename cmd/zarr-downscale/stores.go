package main

import (
	"context"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	zarr "github.com/qri-io/zarr-downscale"
)

// openStore opens the store at location: "minio://<bucket>" uses the
// configured minio credentials, other URLs go through gocloud.dev/blob and
// anything else is a local directory. The returned close func is never nil.
func openStore(ctx context.Context, location string, mc zarr.MinioConfig) (zarr.Store, func() error, error) {
	noop := func() error { return nil }
	if !strings.Contains(location, "://") {
		s, err := zarr.NewLocalStore(location)
		return s, noop, err
	}

	u, err := url.Parse(location)
	if err != nil {
		return nil, noop, errors.Wrapf(err, "parse store location %q", location)
	}
	if u.Scheme == "minio" {
		if u.Host != "" {
			mc.Bucket = u.Host
		}
		s, err := zarr.NewMinioStore(mc)
		if err != nil {
			return nil, noop, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	}

	s, err := zarr.OpenBucketStore(ctx, location)
	if err != nil {
		return nil, noop, err
	}
	return s, s.Close, nil
}
