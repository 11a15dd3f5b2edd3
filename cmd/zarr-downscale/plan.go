package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	zarr "github.com/qri-io/zarr-downscale"
	"github.com/qri-io/zarr-downscale/internal/progress"
	"github.com/qri-io/zarr-downscale/resample"
)

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the target grid and windows without processing data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			// planning never opens the destination
			if cfg.Dest == "" {
				cfg.Dest = "-"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log := newLogger(cmd, cfg)
			defer log.Sync()

			ctx := cmd.Context()
			src, closeSrc, err := source(ctx, cfg)
			defer closeSrc()
			if err != nil {
				return err
			}
			job, err := newJob(cfg, src, nil)
			if err != nil {
				return err
			}
			job.DefaultWindowMemory = defaultWindowBudget(cfg, log)
			grid, plans, err := job.Plan(ctx)
			if err != nil {
				return err
			}
			printPlan(cmd.OutOrStdout(), grid, plans)
			return nil
		},
	}
	addJobFlags(cmd.Flags())
	return cmd
}

func formatCoord(a resample.Axis, v float64) string {
	if a.Time {
		return zarr.FormatSeconds(v)
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func printPlan(w io.Writer, grid *resample.Grid, plans []*resample.Plan) {
	axes := pterm.TableData{{"Dimension", "Resampled", "Target cells", "Source cells", "First", "Last"}}
	for _, a := range grid.Axes {
		axes = append(axes, []string{
			a.Name,
			strconv.FormatBool(a.Resampled),
			strconv.Itoa(a.Len()),
			strconv.Itoa(len(a.SourceCoords)),
			formatCoord(a, a.Coords[0]),
			formatCoord(a, a.Coords[a.Len()-1]),
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(axes).WithWriter(w).Render()

	vars := pterm.TableData{{"Variable", "Target shape", "Tiles", "Windows", "Max window"}}
	for _, p := range plans {
		vars = append(vars, []string{
			p.Variable(),
			fmt.Sprint(p.Grid().Shape()),
			fmt.Sprint(p.Tiles()),
			strconv.Itoa(p.Len()),
			progress.FormatBytes(p.Footprint()),
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(vars).WithWriter(w).Render()
	fmt.Fprintf(w, "Plan signature: %s\n", resample.PlanSignature(plans))
}
