package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	zarr "github.com/qri-io/zarr-downscale"
	"github.com/qri-io/zarr-downscale/internal/config"
	"github.com/qri-io/zarr-downscale/internal/logging"
	"github.com/qri-io/zarr-downscale/internal/monitor"
	"github.com/qri-io/zarr-downscale/internal/progress"
	"github.com/qri-io/zarr-downscale/ledger"
	"github.com/qri-io/zarr-downscale/resample"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Downscale the source into the destination",
		Long: `Run resamples every variable of the source onto the target grid and writes
it to the destination. An existing destination is resumed unless --overwrite
is given. Exit codes: 0 success, 3 some windows failed, 4 invalid
configuration, 5 destination write failure, 1 anything else.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			quiet, _ := cmd.Flags().GetBool("quiet")
			sum, err := runJob(ctx, cfg, newLogger(cmd, cfg), cmd.ErrOrStderr(), quiet)
			if sum != nil {
				printSummary(cmd.OutOrStdout(), sum)
			}
			if err != nil {
				return err
			}
			if sum.Degraded() {
				return errDegraded
			}
			return nil
		},
	}
	addJobFlags(cmd.Flags())
	cmd.Flags().Bool("overwrite", false, "discard an existing destination instead of resuming it")
	cmd.Flags().Float64("read-rate", 0, "maximum source chunk reads per second (0: unlimited)")
	cmd.Flags().String("compressor", "", "destination compressor: zstd, gzip or none")
	cmd.Flags().BoolP("quiet", "q", false, "do not print progress")
	return cmd
}

func newLogger(cmd *cobra.Command, cfg config.Config) *zap.SugaredLogger {
	verbosity, _ := cmd.Flags().GetCount("verbose")
	return logging.New(cfg.LogJSON, verbosity)
}

// source opens the source dataset, rate limiting its reads when configured.
func source(ctx context.Context, cfg config.Config) (*zarr.Dataset, func() error, error) {
	store, closeFn, err := openStore(ctx, cfg.Source, cfg.Minio)
	if err != nil {
		return nil, closeFn, errors.Wrap(err, "open source")
	}
	store = zarr.NewLimitedStore(store, cfg.ReadRate, cfg.ReadBurst)
	ds, err := zarr.OpenDataset(ctx, store, cfg.SourceGroup, zarr.ModeRead)
	if err != nil {
		return nil, closeFn, errors.Wrap(err, "open source")
	}
	return ds, closeFn, nil
}

// openLedger returns the local ledger file when one is configured, nil to
// keep the ledger inside the destination.
func openLedger(cfg config.Config) (ledger.Ledger, error) {
	if cfg.Ledger == "" {
		return nil, nil
	}
	return ledger.OpenFile(cfg.Ledger)
}

// newJob builds the job described by cfg.
func newJob(cfg config.Config, src *zarr.Dataset, dest zarr.Store) (*resample.Job, error) {
	comp, err := cfg.CompressionMeta()
	if err != nil {
		return nil, err
	}
	return &resample.Job{
		Source:       src,
		Dest:         dest,
		DestPath:     cfg.DestGroup,
		Spec:         cfg.Resample,
		Variables:    cfg.Variables,
		Reduction:    resample.Reduction(cfg.Reduction),
		Workers:      cfg.Workers,
		BatchSize:    cfg.BatchSize,
		WindowMemory: cfg.WindowMemory,
		WindowHint:   cfg.WindowHint,
		Overwrite:    cfg.Overwrite,
		DestChunks:   cfg.DestChunks,
		Compressor:   comp,
		Retry:        cfg.RetryPolicy(),
	}, nil
}

func runJob(ctx context.Context, cfg config.Config, log *zap.SugaredLogger, out io.Writer, quiet bool) (*resample.Summary, error) {
	defer log.Sync()

	src, closeSrc, err := source(ctx, cfg)
	defer closeSrc()
	if err != nil {
		return nil, err
	}
	dest, closeDest, err := openStore(ctx, cfg.Dest, cfg.Minio)
	defer closeDest()
	if err != nil {
		return nil, errors.Wrap(err, "open destination")
	}

	job, err := newJob(cfg, src, dest)
	if err != nil {
		return nil, err
	}
	job.DefaultWindowMemory = defaultWindowBudget(cfg, log)
	l, err := openLedger(cfg)
	if err != nil {
		return nil, err
	}
	if l != nil {
		defer l.Close()
		job.Ledger = l
	}

	sinks := resample.Fanout{resample.NewLogSink(log)}
	if !quiet {
		rep := progress.NewReporter(progress.Options{Output: out})
		rep.Start()
		defer rep.Stop()
		sinks = append(sinks, rep)
	}
	job.Sink = sinks
	job.Log = log

	mctx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go monitor.New(cfg.MonitorInterval, log).Run(mctx)

	log.Infow("starting run", logging.FieldSource, cfg.Source, logging.FieldDest, cfg.Dest, logging.FieldWorkers, cfg.Workers)
	return job.Run(ctx)
}

// defaultWindowBudget derives the window memory of new destinations from the
// host's memory when none is configured. Resumed destinations keep the budget
// they were created with.
func defaultWindowBudget(cfg config.Config, log *zap.SugaredLogger) int64 {
	if cfg.WindowMemory != 0 {
		return 0
	}
	n, err := monitor.DefaultWindowBudget(cfg.Workers)
	if err != nil {
		log.Warnw("cannot derive a window memory budget, windows are unbounded", logging.FieldError, err)
		return 0
	}
	log.Debugw("derived default window memory budget", "window_memory", progress.FormatBytes(n))
	return n
}

func printSummary(w io.Writer, sum *resample.Summary) {
	data := pterm.TableData{
		{"Run", sum.Run},
		{"Succeeded", strconv.Itoa(sum.Succeeded)},
		{"Failed", strconv.Itoa(sum.Failed)},
		{"Skipped", strconv.Itoa(sum.Skipped)},
		{"Batches", strconv.Itoa(sum.Batches)},
		{"Duration", sum.Duration.Round(time.Millisecond).String()},
	}
	pterm.DefaultTable.WithData(data).WithWriter(w).Render()

	if len(sum.Failures) == 0 {
		return
	}
	failures := pterm.TableData{{"Window", "Error"}}
	for _, f := range sum.Failures {
		failures = append(failures, []string{f.Window, f.Err.Error()})
	}
	fmt.Fprintln(w, pterm.Red("Failed windows (re-run to retry them):"))
	pterm.DefaultTable.WithHasHeader().WithData(failures).WithWriter(w).Render()
}
