package resample

import (
	"time"

	"go.uber.org/zap"

	"github.com/qri-io/zarr-downscale/internal/logging"
)

// EventKind names what happened.
type EventKind string

const (
	EventRunStarted    EventKind = "run_started"
	EventWindowStarted EventKind = "window_started"
	EventWindowDone    EventKind = "window_done"
	EventWindowFailed  EventKind = "window_failed"
	EventWindowSkipped EventKind = "window_skipped"
	EventBatchStarted  EventKind = "batch_started"
	EventBatchFlushed  EventKind = "batch_flushed"
	EventBatchFailed   EventKind = "batch_failed"
	EventRunFinished   EventKind = "run_finished"
)

// Event is emitted as a run progresses. Fields not relevant to Kind are
// zero.
type Event struct {
	Kind     EventKind
	Time     time.Time
	Run      string
	Variable string
	Window   string
	Batch    int
	// Count is the number of windows of a batch, or the number of windows
	// left to process on run_started.
	Count    int
	Duration time.Duration
	Err      error
	Summary  *Summary
}

// EventSink consumes events. Emit is called from many goroutines and must
// not block for long.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(e Event) { f(e) }

// Fanout delivers every event to each sink in order.
type Fanout []EventSink

func (f Fanout) Emit(e Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Discard drops every event.
var Discard EventSink = EventSinkFunc(func(Event) {})

// LogSink writes events to a zap logger. Per-window start events are logged
// at debug level.
type LogSink struct {
	log *zap.SugaredLogger
}

func NewLogSink(log *zap.SugaredLogger) *LogSink {
	return &LogSink{log: logging.Component(log, "events")}
}

func (s *LogSink) Emit(e Event) {
	kv := []interface{}{"kind", string(e.Kind), logging.FieldRun, e.Run}
	if e.Variable != "" {
		kv = append(kv, logging.FieldVariable, e.Variable)
	}
	if e.Window != "" {
		kv = append(kv, logging.FieldWindow, e.Window)
	}
	if e.Batch > 0 {
		kv = append(kv, logging.FieldBatch, e.Batch)
	}
	if e.Count > 0 {
		kv = append(kv, logging.FieldCount, e.Count)
	}
	if e.Duration > 0 {
		kv = append(kv, logging.FieldDurationMS, e.Duration.Milliseconds())
	}

	switch e.Kind {
	case EventWindowStarted, EventWindowDone, EventWindowSkipped:
		s.log.Debugw("window", kv...)
	case EventWindowFailed:
		s.log.Warnw("window failed", append(kv, logging.FieldError, e.Err)...)
	case EventBatchFailed:
		s.log.Errorw("batch flush failed", append(kv, logging.FieldError, e.Err)...)
	case EventBatchStarted:
		s.log.Debugw("batch started", kv...)
	case EventBatchFlushed:
		s.log.Infow("batch flushed", kv...)
	case EventRunStarted:
		s.log.Infow("run started", kv...)
	case EventRunFinished:
		if e.Summary != nil {
			kv = append(kv,
				"succeeded", e.Summary.Succeeded,
				"failed", e.Summary.Failed,
				"skipped", e.Summary.Skipped,
				"batches", e.Summary.Batches,
			)
		}
		s.log.Infow("run finished", kv...)
	}
}
