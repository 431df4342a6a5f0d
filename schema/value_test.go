package schema

import (
	"errors"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/shopspring/decimal"
)

func TestParse(t *testing.T) {
	t.Run("parses each kind", func(t *testing.T) {
		v, err := Parse("n", Int(), "42")
		assert.NoError(t, err)
		assert.Equal(t, int64(42), v.Int())

		v, err = Parse("s", String(), "hello")
		assert.NoError(t, err)
		assert.Equal(t, "hello", v.Str())

		v, err = Parse("d", Date(), "2024-03-15")
		assert.NoError(t, err)
		assert.Equal(t, "2024-03-15", v.String())

		v, err = Parse("amt", Decimal(10, 2), "123.45")
		assert.NoError(t, err)
		assert.Equal(t, "123.45", v.String())
	})

	t.Run("empty string parses as null", func(t *testing.T) {
		for _, typ := range []Type{Int(), String(), Date(), Decimal(10, 2)} {
			v, err := Parse("f", typ, "")
			assert.NoError(t, err)
			assert.True(t, v.IsNull())
		}
	})

	t.Run("bad input is a ConversionError", func(t *testing.T) {
		_, err := Parse("n", Int(), "abc")
		var convErr *ConversionError
		assert.True(t, errors.As(err, &convErr))
		assert.Equal(t, "n", convErr.Field)
		assert.Equal(t, "abc", convErr.Input)
	})

	t.Run("decimal over declared precision is rejected", func(t *testing.T) {
		_, err := Parse("amt", Decimal(4, 2), "12345.67")
		var convErr *ConversionError
		assert.True(t, errors.As(err, &convErr))
	})
}

func TestValue_Coerce(t *testing.T) {
	t.Run("kind mismatch fails", func(t *testing.T) {
		_, err := IntValue(1).Coerce("f", String())
		var convErr *ConversionError
		assert.True(t, errors.As(err, &convErr))
	})

	t.Run("null coerces to null of target", func(t *testing.T) {
		v, err := Null(Decimal(10, 2)).Coerce("f", Decimal(12, 2))
		assert.NoError(t, err)
		assert.True(t, v.IsNull())
		assert.Equal(t, Decimal(12, 2), v.Type())
	})

	t.Run("decimal widens precision", func(t *testing.T) {
		d := decimal.RequireFromString("1.50")
		v, err := DecimalValue(d, 4, 2).Coerce("f", Decimal(10, 2))
		assert.NoError(t, err)
		assert.Equal(t, "1.50", v.String())
	})

	t.Run("decimal over target scale fails", func(t *testing.T) {
		d := decimal.RequireFromString("1.234")
		_, err := DecimalValue(d, 10, 3).Coerce("f", Decimal(10, 2))
		assert.Error(t, err)
	})
}

func TestValue_Round(t *testing.T) {
	d := decimal.RequireFromString("2.675")
	v := DecimalValue(d, 10, 3).Round(2)
	assert.Equal(t, "2.68", v.String())
	assert.Equal(t, 2, v.Type().Scale)
}

func TestValue_Compare(t *testing.T) {
	t.Run("null sorts before non-null", func(t *testing.T) {
		assert.Equal(t, -1, Null(Int()).Compare(IntValue(0)))
		assert.Equal(t, 1, IntValue(0).Compare(Null(Int())))
		assert.Equal(t, 0, Null(Int()).Compare(Null(Int())))
	})

	t.Run("orders within kind", func(t *testing.T) {
		assert.Equal(t, -1, IntValue(1).Compare(IntValue(2)))
		assert.Equal(t, 1, StringValue("b").Compare(StringValue("a")))
		earlier := DateValue(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		later := DateValue(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
		assert.Equal(t, -1, earlier.Compare(later))
	})

	t.Run("decimals compare numerically across representations", func(t *testing.T) {
		a := DecimalValue(decimal.RequireFromString("1.5"), 10, 2)
		b := DecimalValue(decimal.RequireFromString("1.50"), 10, 2)
		assert.Equal(t, 0, a.Compare(b))
	})
}

func TestValue_Equal(t *testing.T) {
	assert.True(t, IntValue(7).Equal(IntValue(7)))
	assert.False(t, IntValue(7).Equal(IntValue(8)))
	assert.True(t, Null(String()).Equal(Null(String())))
	assert.False(t, Null(String()).Equal(StringValue("")))
	assert.False(t, IntValue(0).Equal(StringValue("0")))
}

func TestEncodeKey(t *testing.T) {
	t.Run("distinct tuples never collide", func(t *testing.T) {
		a := EncodeKey(StringValue("ab"), StringValue("c"))
		b := EncodeKey(StringValue("a"), StringValue("bc"))
		assert.NotEqual(t, a, b)
	})

	t.Run("null is distinct from empty string", func(t *testing.T) {
		assert.NotEqual(t, EncodeKey(Null(String())), EncodeKey(StringValue("")))
	})

	t.Run("decimal trailing zeros encode identically", func(t *testing.T) {
		a := EncodeKey(DecimalValue(decimal.RequireFromString("1.5"), 10, 2))
		b := EncodeKey(DecimalValue(decimal.RequireFromString("1.50"), 10, 2))
		assert.Equal(t, a, b)
	})
}
