// Package monitor periodically logs the resource usage of a running
// downscale so long runs can be watched for memory pressure.
package monitor

import (
	"context"
	"math/bits"
	"os"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/qri-io/zarr-downscale/internal/logging"
	"github.com/qri-io/zarr-downscale/internal/progress"
)

// Sample is one resource reading.
type Sample struct {
	RSS        uint64
	Goroutines int
	CPUs       int
	Total      uint64
	Available  uint64
}

// Take reads the current process and system memory figures.
func Take() (Sample, error) {
	s := Sample{Goroutines: runtime.NumGoroutine(), CPUs: runtime.NumCPU()}
	v, err := mem.VirtualMemory()
	if err != nil {
		return s, errors.Wrap(err, "read memory stats")
	}
	s.Total, s.Available = v.Total, v.Available

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return s, errors.Wrap(err, "open process")
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return s, errors.Wrap(err, "read process memory")
	}
	s.RSS = info.RSS
	return s, nil
}

// DefaultWindowBudget leaves room for four windows per worker in the host's
// total memory rounded down to a power of two. It does not follow the memory
// currently free, so repeated runs on one host plan the same windows.
func DefaultWindowBudget(workers int) (int64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, errors.Wrap(err, "read memory stats")
	}
	return budget(v.Total, workers), nil
}

func budget(total uint64, workers int) int64 {
	if workers < 1 {
		workers = 1
	}
	if total == 0 {
		return 0
	}
	floor := uint64(1) << (bits.Len64(total) - 1)
	return int64(floor / uint64(4*workers))
}

// Monitor logs a Sample every interval.
type Monitor struct {
	interval time.Duration
	log      *zap.SugaredLogger
	take     func() (Sample, error)
}

func New(interval time.Duration, log *zap.SugaredLogger) *Monitor {
	return &Monitor{interval: interval, log: logging.Component(log, "monitor"), take: Take}
}

// Run logs samples until ctx is done. A non-positive interval disables it.
func (m *Monitor) Run(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.report()
		}
	}
}

func (m *Monitor) report() {
	s, err := m.take()
	if err != nil {
		m.log.Warnw("resource sample failed", logging.FieldError, err)
		return
	}
	m.log.Infow("resources",
		"rss", progress.FormatBytes(int64(s.RSS)),
		"available", progress.FormatBytes(int64(s.Available)),
		"goroutines", s.Goroutines,
		"cpus", s.CPUs,
	)
}
