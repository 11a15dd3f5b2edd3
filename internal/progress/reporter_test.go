package progress

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/qri-io/zarr-downscale/resample"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{100, "100 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{256 * MiB, "256.0 MiB"},
		{GiB, "1.0 GiB"},
		{5 * TiB / 2, "2.5 TiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.input); got != tt.expected {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"100", 100},
		{"100B", 100},
		{"1KiB", 1024},
		{"1.5KiB", 1536},
		{"256MiB", 256 * MiB},
		{"256MB", 256 * MiB},
		{"2 GB", 2 * GiB},
		{"1TiB", TiB},
	}
	for _, tt := range tests {
		got, err := ParseBytes(tt.input)
		if err != nil {
			t.Errorf("ParseBytes(%q): %v", tt.input, err)
			continue
		}
		if got != tt.expected {
			t.Errorf("ParseBytes(%q) = %d, want %d", tt.input, got, tt.expected)
		}
	}

	for _, bad := range []string{"", "MB", "lots", "-1MB"} {
		if _, err := ParseBytes(bad); err == nil {
			t.Errorf("ParseBytes(%q): expected error", bad)
		}
	}
}

func TestReporterCounts(t *testing.T) {
	r := NewReporter(Options{Output: &syncBuffer{}})
	events := []resample.EventKind{
		resample.EventWindowSkipped,
		resample.EventWindowStarted,
		resample.EventWindowStarted,
		resample.EventWindowStarted,
		resample.EventWindowDone,
		resample.EventWindowFailed,
		resample.EventBatchFlushed,
	}
	r.Emit(resample.Event{Kind: resample.EventRunStarted, Count: 10})
	for _, k := range events {
		r.Emit(resample.Event{Kind: k})
	}

	want := Snapshot{Total: 10, Done: 1, Failed: 1, Skipped: 1, InFlight: 1, Batches: 1}
	if got := r.Snapshot(); got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
}

func TestReporterOutput(t *testing.T) {
	out := &syncBuffer{}
	r := NewReporter(Options{Output: out, UpdateInterval: 5 * time.Millisecond})
	r.Start()
	r.Emit(resample.Event{Kind: resample.EventRunStarted, Count: 4})
	r.Emit(resample.Event{Kind: resample.EventWindowStarted})
	r.Emit(resample.Event{Kind: resample.EventWindowDone})
	time.Sleep(20 * time.Millisecond)
	r.Stop()
	r.Stop()

	s := out.String()
	if !strings.Contains(s, "Windows: 1/4 (25.0%)") {
		t.Errorf("missing progress line in %q", s)
	}
	if !strings.Contains(s, "Total time:") {
		t.Errorf("missing final status in %q", s)
	}
}

func TestReporterStopWithoutStart(t *testing.T) {
	r := NewReporter(Options{Output: &syncBuffer{}})
	r.Stop()
}
