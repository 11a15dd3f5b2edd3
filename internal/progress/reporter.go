package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qri-io/zarr-downscale/resample"
)

// Options configures the progress reporter.
type Options struct {
	// Output is where progress is written. Default: os.Stdout
	Output io.Writer
	// UpdateInterval is how often the status line is refreshed.
	// Default: 1s
	UpdateInterval time.Duration
}

// Reporter turns run events into human-readable progress.
type Reporter struct {
	opts Options

	total    atomic.Int64
	done     atomic.Int64
	failed   atomic.Int64
	skipped  atomic.Int64
	inFlight atomic.Int64
	batches  atomic.Int64

	mu        sync.Mutex
	startTime time.Time
	stopCh    chan struct{}
	loopDone  chan struct{}
	started   bool
	stopped   bool
}

var _ resample.EventSink = (*Reporter)(nil)

func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = time.Second
	}
	return &Reporter{
		opts:     opts,
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Start begins writing periodic status lines.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.startTime = time.Now()
	go r.updateLoop()
}

// Stop ends the update loop after writing a final status line.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped || !r.started {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.loopDone
}

func (r *Reporter) Emit(e resample.Event) {
	switch e.Kind {
	case resample.EventRunStarted:
		r.total.Store(int64(e.Count))
	case resample.EventWindowStarted:
		r.inFlight.Add(1)
	case resample.EventWindowDone:
		r.inFlight.Add(-1)
		r.done.Add(1)
	case resample.EventWindowFailed:
		r.inFlight.Add(-1)
		r.failed.Add(1)
	case resample.EventWindowSkipped:
		r.skipped.Add(1)
	case resample.EventBatchFlushed:
		r.batches.Add(1)
	}
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Total, Done, Failed, Skipped, InFlight, Batches int64
}

func (r *Reporter) Snapshot() Snapshot {
	return Snapshot{
		Total:    r.total.Load(),
		Done:     r.done.Load(),
		Failed:   r.failed.Load(),
		Skipped:  r.skipped.Load(),
		InFlight: r.inFlight.Load(),
		Batches:  r.batches.Load(),
	}
}

func (r *Reporter) updateLoop() {
	defer close(r.loopDone)
	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			fmt.Fprintf(r.opts.Output, "\r%s\n", r.status(true))
			return
		case <-ticker.C:
			fmt.Fprintf(r.opts.Output, "\r%s    ", r.status(false))
		}
	}
}

func (r *Reporter) status(final bool) string {
	s := r.Snapshot()
	finished := s.Done + s.Failed + s.Skipped
	var percent float64
	if s.Total > 0 {
		percent = float64(finished) / float64(s.Total) * 100
	}
	line := fmt.Sprintf("[downscale] Windows: %d/%d (%.1f%%) | %d failed | %d skipped | %d in-flight | Batches: %d",
		finished, s.Total, percent, s.Failed, s.Skipped, s.InFlight, s.Batches)

	elapsed := time.Since(r.startTime)
	if final {
		return line + " | Total time: " + formatDuration(elapsed)
	}
	processed := s.Done + s.Failed
	remaining := s.Total - finished
	if processed > 0 && remaining > 0 {
		eta := time.Duration(float64(elapsed) / float64(processed) * float64(remaining))
		line += " | ETA: " + formatDuration(eta)
	}
	return line
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm %ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}
