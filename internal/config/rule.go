package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/qri-io/zarr-downscale/resample"
)

// ruleValue keeps a range bound or step as written, so numbers and dates
// share one field.
type ruleValue string

var (
	_ yaml.Unmarshaler = (*ruleValue)(nil)
	_ toml.Unmarshaler = (*ruleValue)(nil)
)

func (v *ruleValue) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return errors.Newf("line %d: want a number, date or duration", n.Line)
	}
	*v = ruleValue(n.Value)
	return nil
}

func (v *ruleValue) UnmarshalTOML(data interface{}) error {
	switch d := data.(type) {
	case string:
		*v = ruleValue(d)
	case int64:
		*v = ruleValue(strconv.FormatInt(d, 10))
	case float64:
		*v = ruleValue(strconv.FormatFloat(d, 'g', -1, 64))
	case time.Time:
		// TOML local dates and datetimes carry a "*-local" zone; read them as UTC.
		if name, _ := d.Zone(); strings.HasSuffix(name, "-local") {
			*v = ruleValue(d.Format("2006-01-02T15:04:05.999999999"))
		} else {
			*v = ruleValue(d.Format(time.RFC3339Nano))
		}
	default:
		return errors.Newf("want a number, date or duration, got %T", data)
	}
	return nil
}

type fileRule struct {
	Dimension string       `yaml:"dimension" toml:"dimension"`
	Range     [2]ruleValue `yaml:"range" toml:"range"`
	Step      ruleValue    `yaml:"step" toml:"step"`
	Invert    bool         `yaml:"invert" toml:"invert"`
}

func parseRules(in []fileRule) (resample.Spec, error) {
	if in == nil {
		return nil, nil
	}
	spec := make(resample.Spec, len(in))
	for i, r := range in {
		rule, err := resample.ParseRule(r.Dimension, string(r.Range[0]), string(r.Range[1]), string(r.Step), r.Invert)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "config: resample rule %d", i), ErrInvalid)
		}
		spec[i] = rule
	}
	return spec, nil
}
