package resample

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/qri-io/zarr-downscale/internal/logging"
	"github.com/qri-io/zarr-downscale/ledger"
)

// Failure names a window that failed and why.
type Failure struct {
	Window string
	Err    error
}

// Summary is the outcome of a run.
type Summary struct {
	Run string
	// Succeeded counts windows written to the destination.
	Succeeded int
	Failed    int
	// Skipped counts windows a previous run already completed.
	Skipped  int
	Batches  int
	Failures []Failure
	Duration time.Duration
}

// Degraded reports whether the run finished with failed windows.
func (s *Summary) Degraded() bool { return s.Failed > 0 }

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// Workers is the number of windows processed concurrently.
	Workers int
	Plans   []*Plan
	// Processors maps every planned variable to the processor of its windows.
	Processors  map[string]Processor
	Accumulator *Accumulator
	// State lists windows completed by earlier runs. They are not dispatched.
	State *ledger.State
	Run   string
	Sink  EventSink
	Log   *zap.SugaredLogger
}

// Coordinator drives a fixed pool of workers over the windows of a set of
// plans and hands their results to an Accumulator.
type Coordinator struct {
	workers int
	plans   []*Plan
	procs   map[string]Processor
	acc     *Accumulator
	state   *ledger.State
	run     string
	sink    EventSink
	log     *zap.SugaredLogger
}

func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Workers < 1 {
		return nil, invalidSpec("workers must be positive, got %d", cfg.Workers)
	}
	if cfg.Accumulator == nil {
		return nil, errors.New("coordinator requires an accumulator")
	}
	for _, p := range cfg.Plans {
		if _, ok := cfg.Processors[p.Variable()]; !ok {
			return nil, errors.Newf("no processor for variable %q", p.Variable())
		}
	}
	if cfg.Sink == nil {
		cfg.Sink = Discard
	}
	return &Coordinator{
		workers: cfg.Workers,
		plans:   cfg.Plans,
		procs:   cfg.Processors,
		acc:     cfg.Accumulator,
		state:   cfg.State,
		run:     cfg.Run,
		sink:    cfg.Sink,
		log:     logging.Component(cfg.Log, "coordinator"),
	}, nil
}

// Run processes every window not yet completed and blocks until all results
// are written. Failed windows are reported in the summary and do not stop
// the run. A failed flush stops dispatch and its *FlushError is returned
// once in-flight windows have drained. Cancelling ctx stops dispatch; windows
// already in flight finish and buffered results are flushed before Run
// returns ctx.Err().
func (c *Coordinator) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	sum := &Summary{Run: c.run}

	// in-flight work and flushes outlive cancellation of ctx
	work := context.WithoutCancel(ctx)
	dispatch, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()

	total := 0
	for _, p := range c.plans {
		total += p.Len()
	}
	c.sink.Emit(Event{Kind: EventRunStarted, Time: start, Run: c.run, Count: total})
	c.log.Infow("dispatching windows", logging.FieldCount, total, logging.FieldWorkers, c.workers, "variables", len(c.plans))

	jobs := make(chan Window)
	results := make(chan Result, c.workers)
	batches := make(chan *Batch)
	var skipped atomic.Int64

	go func() {
		defer close(jobs)
		for _, p := range c.plans {
			it := p.Iter()
			for w, ok := it.Next(); ok; w, ok = it.Next() {
				if c.state != nil && c.state.Completed(w.Key()) {
					skipped.Add(1)
					c.sink.Emit(Event{Kind: EventWindowSkipped, Time: time.Now(), Run: c.run, Variable: w.Variable, Window: w.Key()})
					continue
				}
				select {
				case jobs <- w:
				case <-dispatch.Done():
					return
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range jobs {
				c.sink.Emit(Event{Kind: EventWindowStarted, Time: time.Now(), Run: c.run, Variable: w.Variable, Window: w.Key()})
				results <- c.procs[w.Variable].Process(work, w)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// single writer: every flush happens on this goroutine
	var (
		flushErr  error
		flushed   int
		batchesOK int
	)
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		for b := range batches {
			if flushErr != nil {
				continue
			}
			if err := c.acc.Flush(work, b); err != nil {
				flushErr = err
				stopDispatch()
				c.log.Errorw("flush failed, stopping dispatch", logging.FieldBatch, b.Seq, logging.FieldVariable, b.Variable, logging.FieldError, err)
				continue
			}
			flushed += len(b.Results)
			batchesOK++
		}
	}()

	for r := range results {
		if r.Err != nil {
			sum.Failed++
			sum.Failures = append(sum.Failures, Failure{Window: r.Window.Key(), Err: r.Err})
			c.acc.RecordFailure(work, r)
			c.sink.Emit(Event{Kind: EventWindowFailed, Time: time.Now(), Run: c.run, Variable: r.Window.Variable, Window: r.Window.Key(), Duration: r.Duration, Err: r.Err})
			continue
		}
		c.sink.Emit(Event{Kind: EventWindowDone, Time: time.Now(), Run: c.run, Variable: r.Window.Variable, Window: r.Window.Key(), Duration: r.Duration})
		if b := c.acc.Add(r); b != nil {
			batches <- b
		}
	}
	for _, b := range c.acc.Drain() {
		batches <- b
	}
	close(batches)
	<-flushDone

	sort.Slice(sum.Failures, func(i, j int) bool { return sum.Failures[i].Window < sum.Failures[j].Window })
	sum.Succeeded = flushed
	sum.Batches = batchesOK
	sum.Skipped = int(skipped.Load())
	sum.Duration = time.Since(start)
	c.sink.Emit(Event{Kind: EventRunFinished, Time: time.Now(), Run: c.run, Duration: sum.Duration, Summary: sum})

	if flushErr != nil {
		return sum, errors.WithHint(flushErr, "re-run against the same destination to resume from the last flushed batch")
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}
