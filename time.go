package zarr

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// UnitsKey and CalendarKey are the CF attributes that mark a numeric
// coordinate as time, e.g. units "days since 1900-01-01".
const (
	UnitsKey    = "units"
	CalendarKey = "calendar"
)

// EpochUnits is the CF units string of coordinates written as seconds since
// the Unix epoch.
const EpochUnits = "seconds since 1970-01-01 00:00:00"

// TimeEncoding maps stored time values to instants: a stored value v is the
// instant Epoch + v*Unit.
type TimeEncoding struct {
	Unit  time.Duration
	Epoch time.Time
}

// Seconds converts stored values to seconds since the Unix epoch in place.
// NaN stays NaN.
func (e TimeEncoding) Seconds(vals []float64) {
	base := float64(e.Epoch.Unix()) + float64(e.Epoch.Nanosecond())/1e9
	scale := e.Unit.Seconds()
	for i, v := range vals {
		if !math.IsNaN(v) {
			vals[i] = base + v*scale
		}
	}
}

var cfUnits = map[string]time.Duration{
	"days": 24 * time.Hour, "day": 24 * time.Hour, "d": 24 * time.Hour,
	"hours": time.Hour, "hour": time.Hour, "hr": time.Hour, "h": time.Hour,
	"minutes": time.Minute, "minute": time.Minute, "min": time.Minute,
	"seconds": time.Second, "second": time.Second, "sec": time.Second, "s": time.Second,
	"milliseconds": time.Millisecond, "millisecond": time.Millisecond, "ms": time.Millisecond,
	"microseconds": time.Microsecond, "microsecond": time.Microsecond, "us": time.Microsecond,
}

var epochLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999 Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-1-2 15:04:05",
	"2006-01-02",
	"2006-1-2",
}

// ParseTimeUnits parses a CF time units string such as
// "hours since 2000-01-01 00:00:00". Epochs without a zone are UTC.
func ParseTimeUnits(s string) (TimeEncoding, error) {
	unit, since, ok := strings.Cut(strings.TrimSpace(s), " since ")
	if !ok {
		return TimeEncoding{}, errors.Newf("time units %q: want \"<unit> since <date>\"", s)
	}
	d, ok := cfUnits[strings.ToLower(strings.TrimSpace(unit))]
	if !ok {
		return TimeEncoding{}, errors.Newf("time units %q: unknown unit %q", s, unit)
	}
	since = strings.TrimSuffix(strings.TrimSpace(since), " UTC")
	for _, layout := range epochLayouts {
		if t, err := time.Parse(layout, since); err == nil {
			return TimeEncoding{Unit: d, Epoch: t.UTC()}, nil
		}
	}
	return TimeEncoding{}, errors.Newf("time units %q: cannot parse epoch %q", s, since)
}

// TimeEncoding reports how a itself encodes time. Datetime dtypes count
// ticks from the Unix epoch. Numeric arrays qualify through CF units and,
// when present, a standard calendar. ok is false for anything else,
// including timedeltas and non-standard calendars.
func (a *Array) TimeEncoding() (enc TimeEncoding, ok bool, err error) {
	dt := a.meta.Dtype.Dtype
	if dt.BasicType == BTDatetime {
		unit, ok := dt.TickUnit()
		if !ok {
			return enc, false, errors.Wrapf(ErrUnsupportedDtype, "%s", dt)
		}
		return TimeEncoding{Unit: unit, Epoch: time.Unix(0, 0).UTC()}, true, nil
	}
	if dt.BasicType == BTTimedelta {
		return enc, false, nil
	}
	units, _ := a.attrs[UnitsKey].(string)
	if !strings.Contains(units, " since ") {
		return enc, false, nil
	}
	if cal, _ := a.attrs[CalendarKey].(string); cal != "" {
		switch strings.ToLower(cal) {
		case "standard", "gregorian", "proleptic_gregorian":
		default:
			return enc, false, nil
		}
	}
	enc, err = ParseTimeUnits(units)
	if err != nil {
		return enc, false, err
	}
	return enc, true, nil
}

// FormatSeconds renders seconds since the Unix epoch as an RFC 3339 UTC
// timestamp, dropping a zero time of day.
func FormatSeconds(sec float64) string {
	if math.IsNaN(sec) || math.IsInf(sec, 0) {
		return strconv.FormatFloat(sec, 'g', -1, 64)
	}
	whole := math.Floor(sec)
	t := time.Unix(int64(whole), int64(math.Round((sec-whole)*1e9))).UTC()
	if t.Equal(t.Truncate(24 * time.Hour)) {
		return t.Format(time.DateOnly)
	}
	return t.Format(time.RFC3339Nano)
}
