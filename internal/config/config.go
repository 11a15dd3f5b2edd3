package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	zarr "github.com/qri-io/zarr-downscale"
	"github.com/qri-io/zarr-downscale/internal/progress"
	"github.com/qri-io/zarr-downscale/resample"
)

// ErrInvalid marks configuration errors.
var ErrInvalid = errors.New("invalid configuration")

func invalid(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf("config: "+format, args...), ErrInvalid)
}

// Config defines configuration for a downscaling run.
type Config struct {
	// Source and Dest locate a store: a local directory or a bucket URL
	// (mem://, file://, s3://, gs://, minio://<bucket>).
	Source string
	// SourceGroup is the path of the source group inside the store.
	SourceGroup string
	Dest        string
	DestGroup   string
	// Minio holds credentials for minio:// locations.
	Minio zarr.MinioConfig

	Resample  resample.Spec
	Variables []string
	Reduction string

	Workers   int
	BatchSize int
	// WindowMemory is the per-window budget in bytes. Zero derives it from
	// available memory.
	WindowMemory int64
	WindowHint   int
	Overwrite    bool
	// Ledger is a local progress file. Empty keeps the ledger inside the
	// destination group.
	Ledger string
	// ReadRate caps source chunk reads per second. Zero is unlimited.
	ReadRate   float64
	ReadBurst  int
	DestChunks map[string]int
	// Compressor of destination chunks: zstd, gzip or none.
	Compressor      string
	Retry           RetryConfig
	MonitorInterval time.Duration
	LogJSON         bool
}

// RetryConfig defines retry behavior for source reads.
type RetryConfig struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Reduction:  string(resample.Mean),
		Workers:    8,
		BatchSize:  16,
		ReadBurst:  1,
		Compressor: zarr.CodecZstd,
		Retry: RetryConfig{
			Attempts:   resample.DefaultRetry.Attempts,
			Backoff:    resample.DefaultRetry.Backoff,
			MaxBackoff: resample.DefaultRetry.MaxBackoff,
		},
		MonitorInterval: time.Minute,
	}
}

// fileConfig mirrors Config with string sizes and durations.
type fileConfig struct {
	Source          string           `yaml:"source" toml:"source"`
	SourceGroup     string           `yaml:"source_group" toml:"source_group"`
	Dest            string           `yaml:"dest" toml:"dest"`
	DestGroup       string           `yaml:"dest_group" toml:"dest_group"`
	Minio           zarr.MinioConfig `yaml:"minio" toml:"minio"`
	Resample        []fileRule       `yaml:"resample" toml:"resample"`
	Variables       []string         `yaml:"variables" toml:"variables"`
	Reduction       string           `yaml:"reduction" toml:"reduction"`
	Workers         int              `yaml:"workers" toml:"workers"`
	BatchSize       int              `yaml:"batch_size" toml:"batch_size"`
	WindowMemory    string           `yaml:"window_memory" toml:"window_memory"`
	WindowHint      int              `yaml:"window_hint" toml:"window_hint"`
	Overwrite       bool             `yaml:"overwrite" toml:"overwrite"`
	Ledger          string           `yaml:"ledger" toml:"ledger"`
	ReadRate        float64          `yaml:"read_rate" toml:"read_rate"`
	ReadBurst       int              `yaml:"read_burst" toml:"read_burst"`
	DestChunks      map[string]int   `yaml:"dest_chunks" toml:"dest_chunks"`
	Compressor      string           `yaml:"compressor" toml:"compressor"`
	Retry           fileRetryConfig  `yaml:"retry" toml:"retry"`
	MonitorInterval string           `yaml:"monitor_interval" toml:"monitor_interval"`
	LogJSON         bool             `yaml:"log_json" toml:"log_json"`
}

type fileRetryConfig struct {
	Attempts   int    `yaml:"attempts" toml:"attempts"`
	Backoff    string `yaml:"backoff" toml:"backoff"`
	MaxBackoff string `yaml:"max_backoff" toml:"max_backoff"`
}

// LoadFromFile loads configuration from a YAML or TOML file, chosen by
// extension. Unset fields keep their defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config file")
	}

	var fc fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(data, &fc)
	case ".yaml", ".yml", "":
		err = yaml.Unmarshal(data, &fc)
	default:
		return Config{}, invalid("unsupported config file type %q", ext)
	}
	if err != nil {
		return Config{}, errors.Mark(errors.Wrap(err, "parse config file"), ErrInvalid)
	}

	override := Config{
		Source:      fc.Source,
		SourceGroup: fc.SourceGroup,
		Dest:        fc.Dest,
		DestGroup:   fc.DestGroup,
		Minio:       fc.Minio,
		Variables:   fc.Variables,
		Reduction:   fc.Reduction,
		Workers:     fc.Workers,
		BatchSize:   fc.BatchSize,
		WindowHint:  fc.WindowHint,
		Overwrite:   fc.Overwrite,
		Ledger:      fc.Ledger,
		ReadRate:    fc.ReadRate,
		ReadBurst:   fc.ReadBurst,
		DestChunks:  fc.DestChunks,
		Compressor:  fc.Compressor,
		Retry:       RetryConfig{Attempts: fc.Retry.Attempts},
		LogJSON:     fc.LogJSON,
	}
	if override.Resample, err = parseRules(fc.Resample); err != nil {
		return Config{}, err
	}
	if fc.WindowMemory != "" {
		if override.WindowMemory, err = progress.ParseBytes(fc.WindowMemory); err != nil {
			return Config{}, invalid("parse window_memory: %v", err)
		}
	}
	if override.Retry.Backoff, err = parseDuration("retry.backoff", fc.Retry.Backoff); err != nil {
		return Config{}, err
	}
	if override.Retry.MaxBackoff, err = parseDuration("retry.max_backoff", fc.Retry.MaxBackoff); err != nil {
		return Config{}, err
	}
	if override.MonitorInterval, err = parseDuration("monitor_interval", fc.MonitorInterval); err != nil {
		return Config{}, err
	}
	return Default().Merge(override), nil
}

func parseDuration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, invalid("parse %s: %v", name, err)
	}
	return d, nil
}

const envPrefix = "DOWNSCALE_"

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the DOWNSCALE_ prefix.
func (c *Config) LoadFromEnv() error {
	str := map[string]*string{
		"SOURCE":                  &c.Source,
		"SOURCE_GROUP":            &c.SourceGroup,
		"DEST":                    &c.Dest,
		"DEST_GROUP":              &c.DestGroup,
		"REDUCTION":               &c.Reduction,
		"LEDGER":                  &c.Ledger,
		"COMPRESSOR":              &c.Compressor,
		"MINIO_ENDPOINT_URL":      &c.Minio.EndpointURL,
		"MINIO_ACCESS_KEY_ID":     &c.Minio.AccessKeyID,
		"MINIO_SECRET_ACCESS_KEY": &c.Minio.SecretAccessKey,
		"MINIO_SESSION_TOKEN":     &c.Minio.SessionToken,
		"MINIO_REGION":            &c.Minio.Region,
		"MINIO_BUCKET":            &c.Minio.Bucket,
	}
	for k, p := range str {
		if v := os.Getenv(envPrefix + k); v != "" {
			*p = v
		}
	}

	ints := map[string]*int{
		"WORKERS":        &c.Workers,
		"BATCH_SIZE":     &c.BatchSize,
		"WINDOW_HINT":    &c.WindowHint,
		"READ_BURST":     &c.ReadBurst,
		"RETRY_ATTEMPTS": &c.Retry.Attempts,
	}
	for k, p := range ints {
		if v := os.Getenv(envPrefix + k); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return invalid("parse %s%s: %v", envPrefix, k, err)
			}
			*p = n
		}
	}

	durations := map[string]*time.Duration{
		"RETRY_BACKOFF":     &c.Retry.Backoff,
		"RETRY_MAX_BACKOFF": &c.Retry.MaxBackoff,
		"MONITOR_INTERVAL":  &c.MonitorInterval,
	}
	for k, p := range durations {
		if v := os.Getenv(envPrefix + k); v != "" {
			d, err := parseDuration(envPrefix+k, v)
			if err != nil {
				return err
			}
			*p = d
		}
	}

	if v := os.Getenv(envPrefix + "WINDOW_MEMORY"); v != "" {
		n, err := progress.ParseBytes(v)
		if err != nil {
			return invalid("parse %sWINDOW_MEMORY: %v", envPrefix, err)
		}
		c.WindowMemory = n
	}
	if v := os.Getenv(envPrefix + "READ_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return invalid("parse %sREAD_RATE: %v", envPrefix, err)
		}
		c.ReadRate = f
	}
	if v := os.Getenv(envPrefix + "VARIABLES"); v != "" {
		c.Variables = splitList(v)
	}
	if v := os.Getenv(envPrefix + "OVERWRITE"); v != "" {
		c.Overwrite = v == "true" || v == "1"
	}
	if v := os.Getenv(envPrefix + "LOG_JSON"); v != "" {
		c.LogJSON = v == "true" || v == "1"
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the configuration. Resample rules are checked in
// isolation; checks against the source dimensions happen when planning.
func (c *Config) Validate() error {
	if c.Source == "" {
		return invalid("source is required")
	}
	if c.Dest == "" {
		return invalid("dest is required")
	}
	if c.Source == c.Dest && c.SourceGroup == c.DestGroup {
		return invalid("source and dest are the same group")
	}
	if len(c.Resample) == 0 {
		return invalid("at least one resample rule is required")
	}
	if err := c.Resample.Validate(); err != nil {
		return err
	}
	if _, err := resample.ParseReduction(c.Reduction); err != nil {
		return err
	}
	if c.Workers <= 0 {
		return invalid("workers must be positive")
	}
	if c.BatchSize <= 0 {
		return invalid("batch_size must be positive")
	}
	if c.WindowMemory < 0 {
		return invalid("window_memory must not be negative")
	}
	if c.WindowHint < 0 {
		return invalid("window_hint must not be negative")
	}
	if c.ReadRate < 0 {
		return invalid("read_rate must not be negative")
	}
	for d, n := range c.DestChunks {
		if n <= 0 {
			return invalid("dest_chunks[%s] must be positive", d)
		}
	}
	if _, err := c.CompressionMeta(); err != nil {
		return err
	}
	if c.Retry.Attempts <= 0 {
		return invalid("retry.attempts must be positive")
	}
	return nil
}

// CompressionMeta returns the destination compressor, nil for none.
func (c *Config) CompressionMeta() (*zarr.CompressionMeta, error) {
	switch c.Compressor {
	case "", "none":
		return nil, nil
	case zarr.CodecZstd, zarr.CodecGzip:
		return &zarr.CompressionMeta{ID: c.Compressor}, nil
	default:
		return nil, invalid("unsupported compressor %q", c.Compressor)
	}
}

// RetryPolicy converts the retry settings for the resample package.
func (c *Config) RetryPolicy() resample.RetryPolicy {
	return resample.RetryPolicy{
		Attempts:   c.Retry.Attempts,
		Backoff:    c.Retry.Backoff,
		MaxBackoff: c.Retry.MaxBackoff,
	}
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.Source != "" {
		c.Source = override.Source
	}
	if override.SourceGroup != "" {
		c.SourceGroup = override.SourceGroup
	}
	if override.Dest != "" {
		c.Dest = override.Dest
	}
	if override.DestGroup != "" {
		c.DestGroup = override.DestGroup
	}
	if override.Minio != (zarr.MinioConfig{}) {
		c.Minio = override.Minio
	}
	if len(override.Resample) > 0 {
		c.Resample = override.Resample
	}
	if len(override.Variables) > 0 {
		c.Variables = override.Variables
	}
	if override.Reduction != "" {
		c.Reduction = override.Reduction
	}
	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.BatchSize != 0 {
		c.BatchSize = override.BatchSize
	}
	if override.WindowMemory != 0 {
		c.WindowMemory = override.WindowMemory
	}
	if override.WindowHint != 0 {
		c.WindowHint = override.WindowHint
	}
	if override.Overwrite {
		c.Overwrite = override.Overwrite
	}
	if override.Ledger != "" {
		c.Ledger = override.Ledger
	}
	if override.ReadRate != 0 {
		c.ReadRate = override.ReadRate
	}
	if override.ReadBurst != 0 {
		c.ReadBurst = override.ReadBurst
	}
	if len(override.DestChunks) > 0 {
		merged := make(map[string]int, len(c.DestChunks)+len(override.DestChunks))
		for k, v := range c.DestChunks {
			merged[k] = v
		}
		for k, v := range override.DestChunks {
			merged[k] = v
		}
		c.DestChunks = merged
	}
	if override.Compressor != "" {
		c.Compressor = override.Compressor
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	if override.MonitorInterval != 0 {
		c.MonitorInterval = override.MonitorInterval
	}
	if override.LogJSON {
		c.LogJSON = override.LogJSON
	}
	return c
}
