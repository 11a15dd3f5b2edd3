package progress

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	KiB = 1024
	MiB = KiB * 1024
	GiB = MiB * 1024
	TiB = GiB * 1024
)

// FormatBytes formats b with binary units.
func FormatBytes(b int64) string {
	switch {
	case b >= TiB:
		return fmt.Sprintf("%.1f TiB", float64(b)/TiB)
	case b >= GiB:
		return fmt.Sprintf("%.1f GiB", float64(b)/GiB)
	case b >= MiB:
		return fmt.Sprintf("%.1f MiB", float64(b)/MiB)
	case b >= KiB:
		return fmt.Sprintf("%.1f KiB", float64(b)/KiB)
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// units are matched longest suffix first. KB, MB, GB and TB are read as
// binary units, as memory budgets usually are.
var units = []struct {
	suffix string
	mult   int64
}{
	{"TiB", TiB}, {"GiB", GiB}, {"MiB", MiB}, {"KiB", KiB},
	{"TB", TiB}, {"GB", GiB}, {"MB", MiB}, {"KB", KiB},
	{"B", 1},
}

// ParseBytes parses a human-readable byte size such as "256MiB", "1.5GB" or
// "4096".
func ParseBytes(s string) (int64, error) {
	in := s
	s = strings.TrimSpace(s)
	mult := int64(1)
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			mult = u.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, errors.Newf("invalid byte size %q", in)
	}
	return int64(v * float64(mult)), nil
}
