package main

import (
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/qri-io/zarr-downscale/internal/config"
	"github.com/qri-io/zarr-downscale/ledger"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the progress recorded in a destination's ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Dest == "" && cfg.Ledger == "" {
				return errors.Mark(errors.New("status needs --dest or --ledger"), config.ErrInvalid)
			}

			ctx := cmd.Context()
			l, err := openLedger(cfg)
			if err != nil {
				return err
			}
			if l == nil {
				dest, closeDest, err := openStore(ctx, cfg.Dest, cfg.Minio)
				defer closeDest()
				if err != nil {
					return err
				}
				l = ledger.NewStore(dest, cfg.DestGroup)
			}
			defer l.Close()

			st, err := l.Load(ctx)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			data := pterm.TableData{
				{"Plan", st.Plan},
				{"Entries", strconv.Itoa(st.Entries())},
				{"Completed windows", strconv.Itoa(st.CompletedCount())},
				{"Failed windows", strconv.Itoa(len(st.Failures()))},
			}
			if st.Torn() > 0 {
				data = append(data, []string{"Torn lines", strconv.Itoa(st.Torn())})
			}
			pterm.DefaultTable.WithData(data).WithWriter(w).Render()

			if fails := st.Failures(); len(fails) > 0 {
				rows := pterm.TableData{{"Window", "Time", "Error"}}
				for _, e := range fails {
					rows = append(rows, []string{e.Window, e.Time.Format("2006-01-02 15:04:05"), e.Error})
				}
				fmt.Fprintln(w, pterm.Red("Failed windows:"))
				pterm.DefaultTable.WithHasHeader().WithData(rows).WithWriter(w).Render()
			}
			return nil
		},
	}
	cmd.Flags().String("dest", "", "destination store: directory or bucket URL")
	cmd.Flags().String("dest-group", "", "group path inside the destination store")
	cmd.Flags().String("ledger", "", "local ledger file")
	return cmd
}
