package resample

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrInvalidSpec marks configuration errors detected before any window is
	// processed.
	ErrInvalidSpec = errors.New("invalid resample spec")
	// ErrWindowFailure marks errors scoped to a single window. They are
	// recorded and the run continues.
	ErrWindowFailure = errors.New("window failed")
	// ErrFlush marks destination write errors. They end the run.
	ErrFlush = errors.New("batch flush failed")
)

func invalidSpec(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidSpec)
}

// WindowError is the error of a failed window.
type WindowError struct {
	Window Window
	Err    error
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("window %s: %v", e.Window.Key(), e.Err)
}

func (e *WindowError) Unwrap() error { return e.Err }

func (e *WindowError) Is(target error) bool { return target == ErrWindowFailure }

// FlushError reports a batch that could not be written. None of its windows
// were recorded as complete.
type FlushError struct {
	Variable string
	Batch    int
	Windows  []string
	Err      error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush batch %d of %s (windows %s): %v", e.Batch, e.Variable, strings.Join(e.Windows, ", "), e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

func (e *FlushError) Is(target error) bool { return target == ErrFlush }
