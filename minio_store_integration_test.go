//go:build integration

package zarr

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	_ "gocloud.dev/blob/s3blob"
)

const (
	minioAccessKey = "minioadmin"
	minioSecretKey = "minioadmin"
)

func startMinio(t *testing.T, ctx context.Context) string {
	t.Helper()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     minioAccessKey,
				"MINIO_ROOT_PASSWORD": minioSecretKey,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestMinioStore(t *testing.T) {
	ctx := context.Background()
	endpoint := startMinio(t, ctx)

	s, err := NewMinioStore(MinioConfig{
		EndpointURL:     "http://" + endpoint,
		AccessKeyID:     minioAccessKey,
		SecretAccessKey: minioSecretKey,
		Region:          "us-east-1",
		Bucket:          "zarr",
	})
	require.NoError(t, err)
	require.NoError(t, s.EnsureBucket(ctx))

	m := float64Meta([]int{6, 4}, []int{4, 4})
	m.Compressor = &CompressionMeta{ID: CodecGzip}
	a, err := CreateArray(ctx, s, "dest/v", m, nil, ModeWrite)
	require.NoError(t, err)
	require.NoError(t, a.WriteRegion(ctx, FullRegion(a.Shape()), seq(24), nil))

	got, err := a.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, seq(24), got)

	ok, err := s.Exists(ctx, "dest")
	require.NoError(t, err)
	assert.True(t, ok)

	keys, err := s.List(ctx, "dest/v")
	require.NoError(t, err)
	assert.Equal(t, []string{"dest/v/.zarray", "dest/v/0.0", "dest/v/1.0"}, keys)

	require.NoError(t, s.Delete(ctx, "dest"))
	ok, err = s.Exists(ctx, "dest")
	require.NoError(t, err)
	assert.False(t, ok)

	// the same bucket through gocloud's s3 driver
	t.Setenv("AWS_ACCESS_KEY_ID", minioAccessKey)
	t.Setenv("AWS_SECRET_ACCESS_KEY", minioSecretKey)
	bs, err := OpenBucketStore(ctx, fmt.Sprintf("s3://zarr?endpoint=http://%s&use_path_style=true&disable_https=true&region=us-east-1", endpoint))
	require.NoError(t, err)
	defer bs.Close()
	b, err := CreateArray(ctx, bs, "viablob", m, nil, ModeWrite)
	require.NoError(t, err)
	require.NoError(t, b.WriteRegion(ctx, FullRegion(b.Shape()), seq(24), nil))

	viaMinio, err := OpenArray(ctx, s, "viablob", ModeRead)
	require.NoError(t, err)
	got, err = viaMinio.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, seq(24), got)
}
