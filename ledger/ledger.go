// Package ledger records which windows of a downscaling run have been written
// to the destination, so an interrupted run can resume without reprocessing
// finished work.
//
// A ledger is append-only. Entries are only appended after the batch holding
// a window has been durably written, so replaying a ledger never claims more
// than the destination holds.
package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
)

// Status of a window in the ledger.
type Status string

const (
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// ErrPlanChanged is returned when a ledger was written by a run that
// partitioned the destination differently.
var ErrPlanChanged = errors.New("ledger was written by a different plan")

// Entry is one ledger record.
type Entry struct {
	Window string    `json:"window"`
	Status Status    `json:"status"`
	Time   time.Time `json:"time"`
	Run    string    `json:"run,omitempty"`
	Plan   string    `json:"plan,omitempty"`
	Batch  int       `json:"batch,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Ledger persists entries for one destination. Implementations are safe for
// concurrent use.
type Ledger interface {
	// Load replays every entry recorded so far.
	Load(ctx context.Context) (*State, error)
	Append(ctx context.Context, entries ...Entry) error
	// Reset discards all entries.
	Reset(ctx context.Context) error
	Close() error
}

// State is the replayed view of a ledger.
type State struct {
	// Plan is the plan signature of the most recent entry.
	Plan     string
	entries  int
	torn     int
	complete map[string]Entry
	failed   map[string]Entry
}

func NewState() *State {
	return &State{complete: map[string]Entry{}, failed: map[string]Entry{}}
}

// Apply folds e into the state. A window completed after a failure is no
// longer reported as failed.
func (s *State) Apply(e Entry) {
	s.entries++
	if e.Plan != "" {
		s.Plan = e.Plan
	}
	switch e.Status {
	case StatusComplete:
		s.complete[e.Window] = e
		delete(s.failed, e.Window)
	case StatusFailed:
		if _, done := s.complete[e.Window]; !done {
			s.failed[e.Window] = e
		}
	}
}

func (s *State) Completed(window string) bool {
	_, ok := s.complete[window]
	return ok
}

func (s *State) CompletedCount() int { return len(s.complete) }

// Entries is the number of records replayed.
func (s *State) Entries() int { return s.entries }

// Torn is the number of undecodable lines skipped during replay.
func (s *State) Torn() int { return s.torn }

// Failures returns the last failure of every window that never completed,
// ordered by window id.
func (s *State) Failures() []Entry {
	out := make([]Entry, 0, len(s.failed))
	for _, e := range s.failed {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Window < out[j].Window })
	return out
}

// CheckPlan rejects a state written under a different plan signature. An
// empty ledger accepts any plan.
func (s *State) CheckPlan(plan string) error {
	if s.Plan == "" || s.Plan == plan {
		return nil
	}
	return errors.WithHint(
		errors.Wrapf(ErrPlanChanged, "ledger plan %s, current plan %s", s.Plan, plan),
		"resume with the rules, window hint and window memory the destination was created with, or re-run with overwrite enabled to discard it",
	)
}

func encodeEntries(entries []Entry) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	for _, e := range entries {
		if e.Time.IsZero() {
			e.Time = time.Now().UTC()
		}
		if err := enc.Encode(e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// replay applies every JSON line of r to s. Lines that fail to decode are
// torn writes of a killed process; their Append never returned, so they are
// counted and skipped.
func replay(r io.Reader, s *State) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || e.Window == "" {
			s.torn++
			continue
		}
		s.Apply(e)
	}
	return sc.Err()
}
