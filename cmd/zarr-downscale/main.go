// Command zarr-downscale resamples large zarr datasets onto a coarser grid
// window by window, resuming interrupted runs from the destination's ledger.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/qri-io/zarr-downscale/internal/config"
	"github.com/qri-io/zarr-downscale/ledger"
	"github.com/qri-io/zarr-downscale/resample"
)

// Exit codes
const (
	ExitSuccess       = 0
	ExitGeneralError  = 1
	ExitDegraded      = 3
	ExitInvalidConfig = 4
	ExitStorageError  = 5
)

// errDegraded is returned by run when some windows failed.
var errDegraded = errors.New("run finished with failed windows")

func main() {
	os.Exit(execute(context.Background(), os.Args[1:]))
}

func execute(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	if err != nil && code != ExitDegraded {
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
		for _, h := range errors.GetAllHints(err) {
			fmt.Fprintf(root.ErrOrStderr(), "Hint: %s\n", h)
		}
	}
	return code
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, errDegraded):
		return ExitDegraded
	case errors.Is(err, resample.ErrInvalidSpec), errors.Is(err, config.ErrInvalid), errors.Is(err, ledger.ErrPlanChanged):
		return ExitInvalidConfig
	case errors.Is(err, resample.ErrFlush):
		return ExitStorageError
	default:
		return ExitGeneralError
	}
}
