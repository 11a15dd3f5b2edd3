package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Dtype is the set of all zarr data types
// Simple data types as a string following the NumPy array protocol type string
// (typestr) format. The format consists of 3 parts:
//  * One character describing the byteorder of the data:
//    "<": little-endian; ">": big-endian; "|": not-relevant)
//  * One character code giving the basic type of the array:
//    * "b": Boolean (integer type where all values are only True or False)
//    * "i": integer;
//    * "u": unsigned integer
//    * "f": floating point
//    * "c": complex floating point
//    * "m": timedelta;
//    * "M": datetime
//    * "S": string (fixed-length sequence of char)
//    * "U": unicode (fixed-length sequence of Py_UNICODE)
//    * "V": other (void * – each item is a fixed-size chunk of memory))
//  * An integer specifying the number of bytes the type uses.
//
// The byte order is optional in some circumstances, within the zarr format
// byte order MUST be specified
type Dtype struct {
	ByteOrder ByteOrder
	BasicType BasicType
	ByteSize  int
	Units     string
}

var (
	_ json.Unmarshaler = (*Dtype)(nil)
	_ json.Marshaler   = (*Dtype)(nil)
)

func ParseDtype(s string) (dt Dtype, err error) {
	// bug in python implementation uses HTML escape sequences when serializaing JSON
	s = strings.Replace(s, "&lt;", "<", 1)
	s = strings.Replace(s, "&gt;", ">", 1)

	if len(s) < 3 {
		return dt, fmt.Errorf("invalid Dtype string. %q is too short", s)
	}

	boByte, s := s[0], s[1:]
	dt.ByteOrder, err = ParseByteOrder(rune(boByte))
	if err != nil {
		return dt, err
	}

	typeByte, s := s[0], s[1:]
	dt.BasicType, err = ParseBasicType(rune(typeByte))
	if err != nil {
		return dt, err
	}

	var sizeStr, unitStr string
	for i, b := range s {
		if b == '[' {
			unitStr = s[i:]
			break
		}
		sizeStr += string(b)
	}

	size, err := strconv.ParseInt(sizeStr, 10, 0)
	if err != nil {
		return dt, err
	}
	dt.ByteSize = int(size)

	// TODO(b5): validate unit string
	dt.Units = unitStr

	return dt, nil
}

func (dt Dtype) String() string {
	s := fmt.Sprintf("%s%s%d", string(dt.ByteOrder), string(dt.BasicType), dt.ByteSize)
	if dt.Units != "" {
		s += dt.Units
	}
	return s
}

func (dt Dtype) MarshalJSON() ([]byte, error) {
	return []byte(`"` + dt.String() + `"`), nil
}

func (dt *Dtype) UnmarshalJSON(d []byte) error {
	var s string
	if err := json.Unmarshal(d, &s); err != nil {
		return err
	}
	t, err := ParseDtype(s)
	if err != nil {
		return err
	}

	*dt = t
	return nil
}

type ByteOrder rune

func ParseByteOrder(r rune) (ByteOrder, error) {
	o := ByteOrder(r)
	if _, ok := byteOrders[o]; !ok {
		return o, fmt.Errorf("unsupported byte order format: %q", r)
	}
	return o, nil
}

const (
	BONotRelevant  ByteOrder = '|'
	BOLittleEndian ByteOrder = '<'
	BOBigEndian    ByteOrder = '>'
)

var byteOrders = map[ByteOrder]struct{}{
	BONotRelevant:  {},
	BOLittleEndian: {},
	BOBigEndian:    {},
}

type BasicType rune

func ParseBasicType(r rune) (BasicType, error) {
	t := BasicType(r)
	if _, ok := supportedBasicTypes[t]; !ok {
		return t, fmt.Errorf("unsupported basic type: %q", r)
	}
	return t, nil
}

func (bt BasicType) Human() string {
	return supportedBasicTypes[bt]
}

const (
	BTBoolean       BasicType = 'b'
	BTInteger       BasicType = 'i'
	BTUnsigned      BasicType = 'u'
	BTFloatingPoint BasicType = 'f'
	BTComplex       BasicType = 'c'
	BTTimedelta     BasicType = 'm'
	BTDatetime      BasicType = 'M'
	BTString        BasicType = 'S'
	BTUnicode       BasicType = 'U'
	BTOther         BasicType = 'V'
)

var supportedBasicTypes = map[BasicType]string{
	BTBoolean:       "bool",
	BTInteger:       "int",
	BTUnsigned:      "uint",
	BTFloatingPoint: "float64",
	BTComplex:       "complex",
	BTTimedelta:     "timeDelta",
	BTDatetime:      "dateTime",
	BTString:        "string",
	BTUnicode:       "unicode",
	BTOther:         "other",
}

// Float64 is the dtype zarr-go writes resampled data with.
var Float64 = Dtype{ByteOrder: BOLittleEndian, BasicType: BTFloatingPoint, ByteSize: 8}

// ErrUnsupportedDtype is returned when chunk data of a dtype cannot be
// converted to and from float64.
var ErrUnsupportedDtype = errors.New("unsupported dtype")

// IsNumeric reports whether values of dt can be converted to float64.
func (dt Dtype) IsNumeric() bool {
	switch dt.BasicType {
	case BTBoolean:
		return dt.ByteSize == 1
	case BTInteger, BTUnsigned:
		return dt.ByteSize == 1 || dt.ByteSize == 2 || dt.ByteSize == 4 || dt.ByteSize == 8
	case BTFloatingPoint:
		return dt.ByteSize == 4 || dt.ByteSize == 8
	case BTDatetime, BTTimedelta:
		_, ok := dt.TickUnit()
		return dt.ByteSize == 8 && ok
	default:
		return false
	}
}

// NaT is the int64 tick numpy reserves for a missing datetime or timedelta.
const NaT = math.MinInt64

// TickUnit returns the duration of one tick of a datetime or timedelta
// dtype, such as 1ns for "<M8[ns]" or 10s for "<m8[10s]". Calendar units
// (years and months) have no fixed duration and are not supported.
func (dt Dtype) TickUnit() (time.Duration, bool) {
	if dt.BasicType != BTDatetime && dt.BasicType != BTTimedelta {
		return 0, false
	}
	u := strings.TrimSuffix(strings.TrimPrefix(dt.Units, "["), "]")
	digits := strings.IndexFunc(u, func(r rune) bool { return r < '0' || r > '9' })
	if digits < 0 {
		return 0, false
	}
	mult := int64(1)
	if digits > 0 {
		n, err := strconv.ParseInt(u[:digits], 10, 64)
		if err != nil || n <= 0 {
			return 0, false
		}
		mult = n
	}
	var unit time.Duration
	switch u[digits:] {
	case "W":
		unit = 7 * 24 * time.Hour
	case "D":
		unit = 24 * time.Hour
	case "h":
		unit = time.Hour
	case "m":
		unit = time.Minute
	case "s":
		unit = time.Second
	case "ms":
		unit = time.Millisecond
	case "us", "μs":
		unit = time.Microsecond
	case "ns":
		unit = time.Nanosecond
	default:
		return 0, false
	}
	return unit * time.Duration(mult), true
}

func (dt Dtype) order() binary.ByteOrder {
	if dt.ByteOrder == BOBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Decode converts the raw chunk bytes b into out. len(b) must equal
// len(out) * dt.ByteSize.
func (dt Dtype) Decode(b []byte, out []float64) error {
	if !dt.IsNumeric() {
		return errors.Wrapf(ErrUnsupportedDtype, "%s", dt)
	}
	if len(b) != len(out)*dt.ByteSize {
		return errors.Newf("decode %s: have %d bytes, want %d", dt, len(b), len(out)*dt.ByteSize)
	}
	bo := dt.order()
	n := dt.ByteSize
	for i := range out {
		p := b[i*n : (i+1)*n]
		switch dt.BasicType {
		case BTBoolean, BTUnsigned:
			switch n {
			case 1:
				out[i] = float64(p[0])
			case 2:
				out[i] = float64(bo.Uint16(p))
			case 4:
				out[i] = float64(bo.Uint32(p))
			case 8:
				out[i] = float64(bo.Uint64(p))
			}
		case BTInteger:
			switch n {
			case 1:
				out[i] = float64(int8(p[0]))
			case 2:
				out[i] = float64(int16(bo.Uint16(p)))
			case 4:
				out[i] = float64(int32(bo.Uint32(p)))
			case 8:
				out[i] = float64(int64(bo.Uint64(p)))
			}
		case BTDatetime, BTTimedelta:
			if t := int64(bo.Uint64(p)); t == NaT {
				out[i] = math.NaN()
			} else {
				out[i] = float64(t)
			}
		case BTFloatingPoint:
			if n == 4 {
				out[i] = float64(math.Float32frombits(bo.Uint32(p)))
			} else {
				out[i] = math.Float64frombits(bo.Uint64(p))
			}
		}
	}
	return nil
}

// Encode converts in to raw chunk bytes, writing into b. NaN becomes zero
// for integer and boolean dtypes and NaT for datetimes and timedeltas.
func (dt Dtype) Encode(in []float64, b []byte) error {
	if !dt.IsNumeric() {
		return errors.Wrapf(ErrUnsupportedDtype, "%s", dt)
	}
	if len(b) != len(in)*dt.ByteSize {
		return errors.Newf("encode %s: have %d bytes, want %d", dt, len(b), len(in)*dt.ByteSize)
	}
	bo := dt.order()
	n := dt.ByteSize
	for i, v := range in {
		p := b[i*n : (i+1)*n]
		if dt.BasicType == BTDatetime || dt.BasicType == BTTimedelta {
			t := int64(NaT)
			if !math.IsNaN(v) {
				t = int64(math.Round(v))
			}
			bo.PutUint64(p, uint64(t))
			continue
		}
		if dt.BasicType != BTFloatingPoint && math.IsNaN(v) {
			v = 0
		}
		switch dt.BasicType {
		case BTBoolean:
			if v != 0 {
				p[0] = 1
			} else {
				p[0] = 0
			}
		case BTUnsigned:
			switch n {
			case 1:
				p[0] = uint8(v)
			case 2:
				bo.PutUint16(p, uint16(v))
			case 4:
				bo.PutUint32(p, uint32(v))
			case 8:
				bo.PutUint64(p, uint64(v))
			}
		case BTInteger:
			switch n {
			case 1:
				p[0] = uint8(int8(v))
			case 2:
				bo.PutUint16(p, uint16(int16(v)))
			case 4:
				bo.PutUint32(p, uint32(int32(v)))
			case 8:
				bo.PutUint64(p, uint64(int64(v)))
			}
		case BTFloatingPoint:
			if n == 4 {
				bo.PutUint32(p, math.Float32bits(float32(v)))
			} else {
				bo.PutUint64(p, math.Float64bits(v))
			}
		}
	}
	return nil
}

// StructuredType is a zarr dtype declaration. Simple arrays carry a single
// Dtype; structured (record) dtypes are parsed so metadata round-trips, but
// their chunks cannot be decoded.
type StructuredType struct {
	Fieldname string
	Dtype     Dtype
	Shape     interface{}
	Children  []StructuredType
}

var (
	_ json.Unmarshaler = (*StructuredType)(nil)
	_ json.Marshaler   = (*StructuredType)(nil)
)

func ParseStructuredType(d interface{}) (StructuredType, error) {
	switch v := d.(type) {
	case string:
		dt, err := ParseDtype(v)
		if err != nil {
			return StructuredType{}, err
		}
		return StructuredType{Dtype: dt}, nil
	case []interface{}:
		return parseStructuredTypeSlice(v)
	default:
		return StructuredType{}, fmt.Errorf("unexpected type %T", d)
	}
}

func parseStructuredTypeSlice(d []interface{}) (StructuredType, error) {
	if len(d) == 1 {
		childSlice, ok := d[0].([]interface{})
		if !ok {
			return StructuredType{}, fmt.Errorf("expected single element array to contain an array of structure types")
		}
		parent := StructuredType{}
		for i, el := range childSlice {
			ch, err := ParseStructuredType(el)
			if err != nil {
				return StructuredType{}, fmt.Errorf("element %d: %w", i, err)
			}
			parent.Children = append(parent.Children, ch)
		}
		return parent, nil
	} else if len(d) < 2 {
		return StructuredType{}, fmt.Errorf("invalid structured Dtype: length %d is too short", len(d))
	}

	t := StructuredType{}
	fieldName, ok := d[0].(string)
	if !ok {
		return StructuredType{}, fmt.Errorf("invalid structured Dtype: field name must be a string. got %T", d[0])
	}
	t.Fieldname = fieldName

	switch x := d[1].(type) {
	case string:
		dtype, err := ParseDtype(x)
		if err != nil {
			return StructuredType{}, err
		}
		t.Dtype = dtype
	case []interface{}:
		ch, err := ParseStructuredType(x)
		if err != nil {
			return StructuredType{}, err
		}
		t.Children = append(t.Children, ch)
	default:
		return t, fmt.Errorf("invalid structured Dtype: want either string or Structured Type. got %T", d[1])
	}

	if len(d) > 2 {
		t.Shape = d[2]
	}

	return t, nil
}

func (st *StructuredType) IsBasic() bool {
	return st.Fieldname == "" && st.Shape == nil && len(st.Children) == 0
}

func (st *StructuredType) Human() string {
	if st.IsBasic() {
		return st.Dtype.BasicType.Human()
	}
	return "struct"
}

func (st StructuredType) MarshalJSON() ([]byte, error) {
	if st.IsBasic() {
		return st.Dtype.MarshalJSON()
	}

	d := []interface{}{
		st.Fieldname,
		st.Dtype,
	}
	if st.Shape != nil {
		d = append(d, st.Shape)
	}

	return json.Marshal(d)
}

func (st *StructuredType) UnmarshalJSON(d []byte) error {
	var v interface{}
	if err := json.Unmarshal(d, &v); err != nil {
		return err
	}

	t, err := ParseStructuredType(v)
	if err != nil {
		return err
	}

	*st = t
	return nil
}
