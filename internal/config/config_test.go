package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qri-io/zarr-downscale/internal/progress"
	"github.com/qri-io/zarr-downscale/resample"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 16, cfg.BatchSize)
	assert.Equal(t, "mean", cfg.Reduction)
	assert.Equal(t, "zstd", cfg.Compressor)
	assert.Equal(t, 5, cfg.Retry.Attempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.Backoff)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxBackoff)
	assert.Equal(t, time.Minute, cfg.MonitorInterval)
	assert.Zero(t, cfg.WindowMemory)
}

func TestLoadFromYAML(t *testing.T) {
	path := writeFile(t, "downscale.yaml", `
source: s3://climate/era5.zarr
dest: /scratch/out.zarr
dest_group: daily
workers: 32
batch_size: 4
window_memory: 512MiB
window_hint: 64
variables: [tas, pr]
reduction: median
overwrite: true
dest_chunks:
  lat: 90
resample:
  - dimension: lat
    range: [-90, 90]
    step: 1
    invert: true
  - dimension: lon
    range: [0, 360]
    step: 0.5
retry:
  attempts: 10
  backoff: 2s
  max_backoff: 1m
monitor_interval: 15s
`)
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "s3://climate/era5.zarr", cfg.Source)
	assert.Equal(t, "daily", cfg.DestGroup)
	assert.Equal(t, 32, cfg.Workers)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, int64(512*progress.MiB), cfg.WindowMemory)
	assert.Equal(t, 64, cfg.WindowHint)
	assert.Equal(t, []string{"tas", "pr"}, cfg.Variables)
	assert.Equal(t, "median", cfg.Reduction)
	assert.True(t, cfg.Overwrite)
	assert.Equal(t, map[string]int{"lat": 90}, cfg.DestChunks)
	assert.Equal(t, resample.Spec{
		{Dimension: "lat", Range: [2]float64{-90, 90}, Step: 1, Invert: true},
		{Dimension: "lon", Range: [2]float64{0, 360}, Step: 0.5},
	}, cfg.Resample)
	assert.Equal(t, 10, cfg.Retry.Attempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.Backoff)
	assert.Equal(t, time.Minute, cfg.Retry.MaxBackoff)
	assert.Equal(t, 15*time.Second, cfg.MonitorInterval)
	// untouched fields keep their defaults
	assert.Equal(t, "zstd", cfg.Compressor)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromTOML(t *testing.T) {
	path := writeFile(t, "downscale.toml", `
source = "minio://edito"
source_group = "cmems/sst.zarr"
dest = "minio://edito"
dest_group = "cmems/sst-1deg.zarr"
workers = 6
window_memory = "2GB"

[minio]
endpoint_url = "https://minio.example.org"
access_key_id = "AKIA"
secret_access_key = "secret"
session_token = "token"
bucket = "edito"

[[resample]]
dimension = "latitude"
range = [-80.0, 90.0]
step = 1.0

[[resample]]
dimension = "depth"
range = [0.5, 0.5]
step = 1.0
`)
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "cmems/sst.zarr", cfg.SourceGroup)
	assert.Equal(t, 6, cfg.Workers)
	assert.Equal(t, int64(2*progress.GiB), cfg.WindowMemory)
	assert.Equal(t, "https://minio.example.org", cfg.Minio.EndpointURL)
	assert.Equal(t, "token", cfg.Minio.SessionToken)
	assert.Equal(t, "edito", cfg.Minio.Bucket)
	require.Len(t, cfg.Resample, 2)
	assert.True(t, cfg.Resample[1].IsPoint())
	assert.NoError(t, cfg.Validate())
}

func TestLoadTimeRules(t *testing.T) {
	from := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2000, 12, 31, 0, 0, 0, 0, time.UTC)
	want := resample.TimeRule("time", from, to, 30*24*time.Hour, false)

	cfg, err := LoadFromFile(writeFile(t, "c.yaml", `
resample:
  - dimension: time
    range: [2000-01-01, "2000-12-31T00:00:00Z"]
    step: 30d
`))
	require.NoError(t, err)
	assert.Equal(t, resample.Spec{want}, cfg.Resample)

	cfg, err = LoadFromFile(writeFile(t, "c.toml", `
[[resample]]
dimension = "time"
range = [2000-01-01, 2000-12-31T00:00:00Z]
step = 30
`))
	require.NoError(t, err)
	assert.Equal(t, resample.Spec{want}, cfg.Resample)

	cfg, err = LoadFromFile(writeFile(t, "c.yaml", `
resample:
  - dimension: time
    range: ["2000-01-01T06:00:00+02:00", 2000-01-02]
    step: 6h
    invert: true
`))
	require.NoError(t, err)
	r := cfg.Resample[0]
	assert.True(t, r.Time)
	assert.True(t, r.Invert)
	assert.Equal(t, float64(from.Add(4*time.Hour).Unix()), r.Min())
	assert.Equal(t, float64(6*3600), r.Step)

	_, err = LoadFromFile(writeFile(t, "c.yaml", `
resample:
  - dimension: time
    range: [2000-01-01, 2000-12-31]
    step: monthly
`))
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "c.json", `{}`))
	assert.True(t, errors.Is(err, ErrInvalid))

	_, err = LoadFromFile(writeFile(t, "c.yaml", "window_memory: lots\n"))
	assert.True(t, errors.Is(err, ErrInvalid))

	_, err = LoadFromFile(writeFile(t, "c.yaml", "retry:\n  backoff: soon\n"))
	assert.True(t, errors.Is(err, ErrInvalid))

	_, err = LoadFromFile(writeFile(t, "c.yaml", "workers: [1\n"))
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DOWNSCALE_SOURCE", "mem://src")
	t.Setenv("DOWNSCALE_DEST", "/tmp/out.zarr")
	t.Setenv("DOWNSCALE_WORKERS", "12")
	t.Setenv("DOWNSCALE_WINDOW_MEMORY", "64MiB")
	t.Setenv("DOWNSCALE_VARIABLES", "tas, pr,")
	t.Setenv("DOWNSCALE_OVERWRITE", "1")
	t.Setenv("DOWNSCALE_READ_RATE", "250")
	t.Setenv("DOWNSCALE_RETRY_BACKOFF", "1s")
	t.Setenv("DOWNSCALE_MINIO_BUCKET", "edito")

	cfg := Default()
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, "mem://src", cfg.Source)
	assert.Equal(t, "/tmp/out.zarr", cfg.Dest)
	assert.Equal(t, 12, cfg.Workers)
	assert.Equal(t, int64(64*progress.MiB), cfg.WindowMemory)
	assert.Equal(t, []string{"tas", "pr"}, cfg.Variables)
	assert.True(t, cfg.Overwrite)
	assert.Equal(t, 250.0, cfg.ReadRate)
	assert.Equal(t, time.Second, cfg.Retry.Backoff)
	assert.Equal(t, "edito", cfg.Minio.Bucket)

	t.Setenv("DOWNSCALE_WORKERS", "many")
	assert.True(t, errors.Is(cfg.LoadFromEnv(), ErrInvalid))
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Source, valid.Dest = "src.zarr", "dest.zarr"
	valid.Resample = resample.Spec{{Dimension: "lat", Range: [2]float64{0, 10}, Step: 1}}
	require.NoError(t, valid.Validate())

	tests := map[string]func(*Config){
		"no source":       func(c *Config) { c.Source = "" },
		"no dest":         func(c *Config) { c.Dest = "" },
		"same group":      func(c *Config) { c.Dest = c.Source },
		"no rules":        func(c *Config) { c.Resample = nil },
		"zero workers":    func(c *Config) { c.Workers = 0 },
		"zero batch":      func(c *Config) { c.BatchSize = 0 },
		"negative memory": func(c *Config) { c.WindowMemory = -1 },
		"bad chunks":      func(c *Config) { c.DestChunks = map[string]int{"lat": 0} },
		"compressor":      func(c *Config) { c.Compressor = "blosc" },
		"retry":           func(c *Config) { c.Retry.Attempts = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}

	specErrors := map[string]func(*Config){
		"bad step":      func(c *Config) { c.Resample = resample.Spec{{Dimension: "lat", Range: [2]float64{0, 1}}} },
		"bad reduction": func(c *Config) { c.Reduction = "mode" },
	}
	for name, mutate := range specErrors {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			assert.True(t, errors.Is(c.Validate(), resample.ErrInvalidSpec))
		})
	}
}

func TestMerge(t *testing.T) {
	base := Default()
	base.Source = "a.zarr"
	base.DestChunks = map[string]int{"lat": 10, "lon": 10}

	merged := base.Merge(Config{
		Workers:    3,
		Overwrite:  true,
		DestChunks: map[string]int{"lon": 20},
		Retry:      RetryConfig{Backoff: time.Second},
	})
	assert.Equal(t, "a.zarr", merged.Source)
	assert.Equal(t, 3, merged.Workers)
	assert.True(t, merged.Overwrite)
	assert.Equal(t, map[string]int{"lat": 10, "lon": 20}, merged.DestChunks)
	assert.Equal(t, 5, merged.Retry.Attempts)
	assert.Equal(t, time.Second, merged.Retry.Backoff)
	assert.Equal(t, map[string]int{"lat": 10, "lon": 10}, base.DestChunks, "merge does not mutate the receiver")
}

func TestCompressionMeta(t *testing.T) {
	c := Default()
	m, err := c.CompressionMeta()
	require.NoError(t, err)
	assert.Equal(t, "zstd", m.ID)

	c.Compressor = "none"
	m, err = c.CompressionMeta()
	require.NoError(t, err)
	assert.Nil(t, m)
}
