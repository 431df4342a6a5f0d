package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the textual form of date values.
const DateLayout = "2006-01-02"

// ConversionError reports a value that failed to coerce to its declared type.
type ConversionError struct {
	Field  string
	Input  string
	Target Type
	Err    error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("cannot convert %q to %s for field %q: %v", e.Input, e.Target, e.Field, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// Value is a single typed field value. The zero Value is a null int.
type Value struct {
	typ  Type
	null bool

	i int64
	s string
	t time.Time
	d decimal.Decimal
}

func IntValue(v int64) Value {
	return Value{typ: Int(), i: v}
}

func StringValue(v string) Value {
	return Value{typ: String(), s: v}
}

// DateValue truncates v to day granularity in UTC.
func DateValue(v time.Time) Value {
	y, m, d := v.UTC().Date()
	return Value{typ: Date(), t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// DecimalValue carries v at the declared precision and scale. Truncation to
// a narrower scale must go through Value.Round so callers opt in to losing
// digits.
func DecimalValue(v decimal.Decimal, precision, scale int) Value {
	return Value{typ: Decimal(precision, scale), d: v}
}

// Null returns the null value of the given type.
func Null(t Type) Value {
	return Value{typ: t, null: true}
}

func (v Value) Type() Type   { return v.typ }
func (v Value) Kind() Kind   { return v.typ.Kind }
func (v Value) IsNull() bool { return v.null }

// Int returns the int64 payload. Valid only for non-null KindInt values.
func (v Value) Int() int64 { return v.i }

// Str returns the string payload. Valid only for non-null KindString values.
func (v Value) Str() string { return v.s }

// Date returns the date payload. Valid only for non-null KindDate values.
func (v Value) Date() time.Time { return v.t }

// Dec returns the decimal payload. Valid only for non-null KindDecimal values.
func (v Value) Dec() decimal.Decimal { return v.d }

// Parse coerces a textual value to the given type. An empty string parses as
// null for every type.
func Parse(field string, t Type, raw string) (Value, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Null(t), nil
	}
	switch t.Kind {
	case KindInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, &ConversionError{Field: field, Input: raw, Target: t, Err: err}
		}
		return IntValue(n), nil
	case KindString:
		return StringValue(raw), nil
	case KindDate:
		d, err := time.Parse(DateLayout, raw)
		if err != nil {
			return Value{}, &ConversionError{Field: field, Input: raw, Target: t, Err: err}
		}
		return DateValue(d), nil
	case KindDecimal:
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return Value{}, &ConversionError{Field: field, Input: raw, Target: t, Err: err}
		}
		v := Value{typ: t, d: d}
		if err := v.checkPrecision(field, raw); err != nil {
			return Value{}, err
		}
		return v, nil
	default:
		return Value{}, &ConversionError{Field: field, Input: raw, Target: t, Err: fmt.Errorf("unknown kind")}
	}
}

// MustParse is like Parse but panics on error. Intended for tests and static
// declarations.
func MustParse(field string, t Type, raw string) Value {
	v, err := Parse(field, t, raw)
	if err != nil {
		panic(err)
	}
	return v
}

// Coerce converts v to the target type. Kinds must match; decimals are
// checked against the target precision and must already carry the target
// scale or fewer digits after the point.
func (v Value) Coerce(field string, target Type) (Value, error) {
	if v.typ.Kind != target.Kind {
		return Value{}, &ConversionError{
			Field:  field,
			Input:  v.String(),
			Target: target,
			Err:    fmt.Errorf("value has kind %s", v.typ.Kind),
		}
	}
	if v.null {
		return Null(target), nil
	}
	if target.Kind == KindDecimal {
		if int(-v.d.Exponent()) > target.Scale {
			return Value{}, &ConversionError{
				Field:  field,
				Input:  v.String(),
				Target: target,
				Err:    fmt.Errorf("scale %d exceeds declared scale %d", -v.d.Exponent(), target.Scale),
			}
		}
		out := Value{typ: target, d: v.d}
		if err := out.checkPrecision(field, v.String()); err != nil {
			return Value{}, err
		}
		return out, nil
	}
	out := v
	out.typ = target
	return out, nil
}

// Round returns a decimal value rounded half-up to the given scale. Valid
// only for KindDecimal.
func (v Value) Round(scale int) Value {
	if v.null || v.typ.Kind != KindDecimal {
		return v
	}
	out := v
	out.d = v.d.Round(int32(scale))
	out.typ.Scale = scale
	return out
}

func (v Value) checkPrecision(field, raw string) error {
	if v.typ.Precision <= 0 {
		return nil
	}
	digits := len(strings.TrimLeft(strings.ReplaceAll(strings.TrimPrefix(v.d.String(), "-"), ".", ""), "0"))
	if digits > v.typ.Precision {
		return &ConversionError{
			Field:  field,
			Input:  raw,
			Target: v.typ,
			Err:    fmt.Errorf("%d digits exceed declared precision %d", digits, v.typ.Precision),
		}
	}
	return nil
}

// Equal is field-wise structural equality. Two nulls of the same kind are
// equal; null never equals a non-null value.
func (v Value) Equal(other Value) bool {
	if v.typ.Kind != other.typ.Kind {
		return false
	}
	if v.null || other.null {
		return v.null && other.null
	}
	switch v.typ.Kind {
	case KindInt:
		return v.i == other.i
	case KindString:
		return v.s == other.s
	case KindDate:
		return v.t.Equal(other.t)
	case KindDecimal:
		return v.d.Equal(other.d)
	default:
		return false
	}
}

// Compare orders two values of the same kind. Null sorts before every
// non-null value.
func (v Value) Compare(other Value) int {
	if v.null || other.null {
		switch {
		case v.null && other.null:
			return 0
		case v.null:
			return -1
		default:
			return 1
		}
	}
	switch v.typ.Kind {
	case KindInt:
		switch {
		case v.i < other.i:
			return -1
		case v.i > other.i:
			return 1
		default:
			return 0
		}
	case KindString:
		return strings.Compare(v.s, other.s)
	case KindDate:
		switch {
		case v.t.Before(other.t):
			return -1
		case v.t.After(other.t):
			return 1
		default:
			return 0
		}
	case KindDecimal:
		return v.d.Cmp(other.d)
	default:
		return 0
	}
}

// String renders the value in its canonical textual form. Null renders as the
// empty string, matching Parse.
func (v Value) String() string {
	if v.null {
		return ""
	}
	switch v.typ.Kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindString:
		return v.s
	case KindDate:
		return v.t.Format(DateLayout)
	case KindDecimal:
		return v.d.StringFixed(int32(v.typ.Scale))
	default:
		return ""
	}
}

// EncodeKey builds an unambiguous composite key from the given values, used
// to index keyed accumulator tables. Each component is tagged with its kind
// and length-prefixed so distinct tuples never collide.
func EncodeKey(values ...Value) string {
	var b strings.Builder
	for _, v := range values {
		b.WriteByte(byte('0' + int(v.typ.Kind)))
		if v.null {
			b.WriteString("n:")
			continue
		}
		s := v.canonicalKeyForm()
		b.WriteString(strconv.Itoa(len(s)))
		b.WriteByte(':')
		b.WriteString(s)
	}
	return b.String()
}

func (v Value) canonicalKeyForm() string {
	// Decimals must compare equal across trailing-zero representations.
	if v.typ.Kind == KindDecimal {
		return v.d.String()
	}
	return v.String()
}
