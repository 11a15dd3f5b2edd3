package main

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/qri-io/zarr-downscale/internal/config"
	"github.com/qri-io/zarr-downscale/internal/progress"
	"github.com/qri-io/zarr-downscale/resample"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "zarr-downscale",
		Short: "Downscale large zarr datasets in resumable batches",
		Long: `zarr-downscale resamples a zarr group onto a coarser grid without holding
the source in memory. The source is split into windows that are resampled
concurrently and written to the destination in batches. Finished windows are
recorded in a ledger next to the destination, so re-running an interrupted
job only processes what is missing.

Examples:
  zarr-downscale run -c downscale.yaml
  zarr-downscale run --source s3://bucket/era5.zarr --dest out.zarr \
      --rule lat:-90:90:1 --rule lon:0:360:1 --workers 16
  zarr-downscale plan -c downscale.yaml
  zarr-downscale status -c downscale.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "configuration file (.yaml, .yml or .toml)")
	root.PersistentFlags().CountP("verbose", "v", "increase log verbosity (-v, -vv)")
	root.PersistentFlags().Bool("log-json", false, "write logs as JSON lines")

	root.AddCommand(newRunCmd(), newPlanCmd(), newStatusCmd(), newVersionCmd())
	return root
}

// addJobFlags registers the flags shared by commands that need a job.
func addJobFlags(fs *pflag.FlagSet) {
	fs.String("source", "", "source store: directory or bucket URL")
	fs.String("source-group", "", "group path inside the source store")
	fs.String("dest", "", "destination store: directory or bucket URL")
	fs.String("dest-group", "", "group path inside the destination store")
	fs.StringArray("rule", nil, "resample rule dim:min:max:step[:invert], dates for time dimensions, repeatable")
	fs.StringSlice("variables", nil, "variables to downscale (default: all)")
	fs.String("reduction", "", "reduction: "+reductionNames())
	fs.Int("workers", 0, "windows processed concurrently")
	fs.Int("batch-size", 0, "windows written per batch")
	fs.String("window-memory", "", "memory budget per window, e.g. 256MiB")
	fs.Int("window-hint", 0, "minimum number of windows per variable")
	fs.String("ledger", "", "local ledger file (default: inside the destination)")
}

func reductionNames() string {
	names := make([]string, len(resample.Reductions))
	for i, r := range resample.Reductions {
		names[i] = string(r)
	}
	return strings.Join(names, ", ")
}

// loadConfig layers defaults, the config file, the environment and flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	flags, err := flagConfig(cmd.Flags())
	if err != nil {
		return config.Config{}, err
	}
	return cfg.Merge(flags), nil
}

func flagConfig(fs *pflag.FlagSet) (config.Config, error) {
	var c config.Config
	str := func(name string) string {
		if f := fs.Lookup(name); f != nil && f.Changed {
			return f.Value.String()
		}
		return ""
	}
	num := func(name string) int {
		if f := fs.Lookup(name); f != nil && f.Changed {
			n, _ := fs.GetInt(name)
			return n
		}
		return 0
	}

	c.Source, c.SourceGroup = str("source"), str("source-group")
	c.Dest, c.DestGroup = str("dest"), str("dest-group")
	c.Reduction, c.Ledger, c.Compressor = str("reduction"), str("ledger"), str("compressor")
	c.Workers, c.BatchSize, c.WindowHint = num("workers"), num("batch-size"), num("window-hint")
	if f := fs.Lookup("variables"); f != nil && f.Changed {
		c.Variables, _ = fs.GetStringSlice("variables")
	}
	if f := fs.Lookup("overwrite"); f != nil && f.Changed {
		c.Overwrite, _ = fs.GetBool("overwrite")
	}
	if f := fs.Lookup("log-json"); f != nil && f.Changed {
		c.LogJSON, _ = fs.GetBool("log-json")
	}
	if f := fs.Lookup("read-rate"); f != nil && f.Changed {
		c.ReadRate, _ = fs.GetFloat64("read-rate")
	}
	if s := str("window-memory"); s != "" {
		n, err := progress.ParseBytes(s)
		if err != nil {
			return c, errors.Mark(errors.Wrap(err, "--window-memory"), config.ErrInvalid)
		}
		c.WindowMemory = n
	}
	if f := fs.Lookup("rule"); f != nil && f.Changed {
		rules, _ := fs.GetStringArray("rule")
		for _, s := range rules {
			r, err := parseRule(s)
			if err != nil {
				return c, err
			}
			c.Resample = append(c.Resample, r)
		}
	}
	return c, nil
}

// parseRule parses "dim:min:max:step" with an optional ":invert" suffix.
// Time dimensions take dates, as in "time:2000-01-01:2001-01-01:30d".
func parseRule(s string) (resample.Rule, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 && !(len(parts) == 5 && parts[4] == "invert") {
		return resample.Rule{}, badRule(s)
	}
	r, err := resample.ParseRule(parts[0], parts[1], parts[2], parts[3], len(parts) == 5)
	if err != nil {
		return resample.Rule{}, errors.Mark(errors.Wrapf(err, "rule %q", s), config.ErrInvalid)
	}
	return r, nil
}

func badRule(s string) error {
	return errors.Mark(errors.Newf("rule %q: want dim:min:max:step[:invert]", s), config.ErrInvalid)
}
