package resample

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Rule resamples one dimension onto cells of width Step covering Range.
// A Range with equal bounds selects the single coordinate at that value.
// Time rules hold Range and Step in seconds since the Unix epoch.
type Rule struct {
	Dimension string     `json:"dimension" yaml:"dimension" toml:"dimension"`
	Range     [2]float64 `json:"range" yaml:"range" toml:"range"`
	Step      float64    `json:"step" yaml:"step" toml:"step"`
	Invert    bool       `json:"invert,omitempty" yaml:"invert,omitempty" toml:"invert,omitempty"`
	Time      bool       `json:"time,omitempty" yaml:"time,omitempty" toml:"time,omitempty"`
}

// TimeRule resamples a time dimension onto cells of width step covering
// [from, to].
func TimeRule(dimension string, from, to time.Time, step time.Duration, invert bool) Rule {
	return Rule{
		Dimension: dimension,
		Range:     [2]float64{epochSeconds(from), epochSeconds(to)},
		Step:      step.Seconds(),
		Invert:    invert,
		Time:      true,
	}
}

func epochSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	time.DateOnly,
}

// ParseTime parses an RFC 3339 timestamp or a bare date. Values without a
// zone are UTC.
func ParseTime(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseStep parses the step of a time rule: a Go duration ("6h"), a count
// of days or weeks ("30d", "2w"), or a bare number of days.
func ParseStep(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	day := 24 * time.Hour
	switch {
	case strings.HasSuffix(s, "d"):
		s = strings.TrimSuffix(s, "d")
	case strings.HasSuffix(s, "w"):
		s, day = strings.TrimSuffix(s, "w"), 7*day
	default:
		if d, err := time.ParseDuration(s); err == nil {
			return d, true
		}
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return time.Duration(n * float64(day)), true
}

// ParseRule builds a rule from textual bounds and step. When both bounds
// parse as times the rule is a time rule and step goes through ParseStep;
// otherwise all three must be numbers.
func ParseRule(dimension, lo, hi, step string, invert bool) (Rule, error) {
	from, okFrom := ParseTime(lo)
	to, okTo := ParseTime(hi)
	if okFrom && okTo {
		d, ok := ParseStep(step)
		if !ok {
			return Rule{}, invalidSpec("dimension %q: invalid time step %q", dimension, step)
		}
		return TimeRule(dimension, from, to, d, invert), nil
	}
	r := Rule{Dimension: dimension, Invert: invert}
	for i, v := range []string{lo, hi, step} {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return Rule{}, invalidSpec("dimension %q: %q is neither a number nor a date", dimension, v)
		}
		if i == 2 {
			r.Step = f
		} else {
			r.Range[i] = f
		}
	}
	return r, nil
}

func (r Rule) Min() float64 { return r.Range[0] }
func (r Rule) Max() float64 { return r.Range[1] }

// IsPoint reports whether the rule selects a single coordinate value.
func (r Rule) IsPoint() bool { return r.Range[0] == r.Range[1] }

// Spec is the set of resampling rules of a run. Dimensions without a rule
// pass through at their original resolution.
type Spec []Rule

// Validate checks the rules in isolation. Resolve additionally checks them
// against the source dimensions.
func (s Spec) Validate() error {
	seen := map[string]bool{}
	for i, r := range s {
		name := r.Dimension
		if name == "" {
			return invalidSpec("rule %d: dimension is required", i)
		}
		if seen[name] {
			return invalidSpec("dimension %q has more than one rule", name)
		}
		seen[name] = true
		for _, v := range []float64{r.Range[0], r.Range[1], r.Step} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return invalidSpec("dimension %q: range and step must be finite", name)
			}
		}
		if r.Step <= 0 {
			return invalidSpec("dimension %q: step must be positive, got %v", name, r.Step)
		}
		if r.Range[0] > r.Range[1] {
			return invalidSpec("dimension %q: range min %v exceeds max %v", name, r.Range[0], r.Range[1])
		}
	}
	return nil
}

// Rule returns the rule for dimension, if any.
func (s Spec) Rule(dimension string) (Rule, bool) {
	for _, r := range s {
		if r.Dimension == dimension {
			return r, true
		}
	}
	return Rule{}, false
}
