package schema

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestSchema_New(t *testing.T) {
	t.Run("preserves field order", func(t *testing.T) {
		s, err := New(
			Field{Name: "id", Type: Int()},
			Field{Name: "name", Type: String()},
			Field{Name: "amount", Type: Decimal(10, 2)},
		)
		assert.NoError(t, err)
		assert.Equal(t, 3, s.Len())
		assert.Equal(t, "id", s.Field(0).Name)
		assert.Equal(t, "amount", s.Field(2).Name)
		assert.Equal(t, 1, s.IndexOf("name"))
	})

	t.Run("rejects duplicate field names", func(t *testing.T) {
		_, err := New(
			Field{Name: "id", Type: Int()},
			Field{Name: "id", Type: String()},
		)
		assert.IsError(t, err, ErrDuplicateField)
	})

	t.Run("rejects empty field names", func(t *testing.T) {
		_, err := New(Field{Name: "", Type: Int()})
		assert.Error(t, err)
	})
}

func TestType_AssignableFrom(t *testing.T) {
	t.Run("same kind assigns", func(t *testing.T) {
		assert.True(t, Int().AssignableFrom(Int()))
		assert.True(t, String().AssignableFrom(String()))
	})

	t.Run("kind mismatch rejects", func(t *testing.T) {
		assert.False(t, Int().AssignableFrom(String()))
		assert.False(t, Date().AssignableFrom(Int()))
	})

	t.Run("decimal precision may widen, scale must match", func(t *testing.T) {
		assert.True(t, Decimal(12, 2).AssignableFrom(Decimal(10, 2)))
		assert.False(t, Decimal(8, 2).AssignableFrom(Decimal(10, 2)))
		assert.False(t, Decimal(10, 3).AssignableFrom(Decimal(10, 2)))
	})
}

func TestSchema_Satisfies(t *testing.T) {
	producer := MustNew(
		Field{Name: "id", Type: Int()},
		Field{Name: "amount", Type: Decimal(10, 2)},
	)

	t.Run("accepts positionally identical schema", func(t *testing.T) {
		consumer := MustNew(
			Field{Name: "id", Type: Int()},
			Field{Name: "amount", Type: Decimal(12, 2)},
		)
		assert.NoError(t, producer.Satisfies(consumer))
	})

	t.Run("rejects reordered fields", func(t *testing.T) {
		// Consumers read fields positionally, so a reordering would silently
		// read the wrong field.
		consumer := MustNew(
			Field{Name: "amount", Type: Decimal(10, 2)},
			Field{Name: "id", Type: Int()},
		)
		err := producer.Satisfies(consumer)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "order")
	})

	t.Run("rejects missing field", func(t *testing.T) {
		consumer := MustNew(
			Field{Name: "id", Type: Int()},
			Field{Name: "region", Type: String()},
		)
		assert.Error(t, producer.Satisfies(consumer))
	})

	t.Run("rejects field count mismatch", func(t *testing.T) {
		consumer := MustNew(Field{Name: "id", Type: Int()})
		assert.Error(t, producer.Satisfies(consumer))
	})

	t.Run("rejects unassignable type", func(t *testing.T) {
		consumer := MustNew(
			Field{Name: "id", Type: String()},
			Field{Name: "amount", Type: Decimal(10, 2)},
		)
		assert.Error(t, producer.Satisfies(consumer))
	})
}

func TestSchema_Project(t *testing.T) {
	s := MustNew(
		Field{Name: "a", Type: Int()},
		Field{Name: "b", Type: String()},
		Field{Name: "c", Type: Date()},
	)

	t.Run("selects named fields in order", func(t *testing.T) {
		p, err := s.Project("c", "a")
		assert.NoError(t, err)
		assert.Equal(t, 2, p.Len())
		assert.Equal(t, "c", p.Field(0).Name)
		assert.Equal(t, "a", p.Field(1).Name)
	})

	t.Run("rejects unknown field", func(t *testing.T) {
		_, err := s.Project("missing")
		assert.IsError(t, err, ErrFieldNotFound)
	})
}

func TestSchema_Concat(t *testing.T) {
	left := MustNew(Field{Name: "a", Type: Int()})
	right := MustNew(Field{Name: "b", Type: String()})

	t.Run("appends fields", func(t *testing.T) {
		c, err := left.Concat(right)
		assert.NoError(t, err)
		assert.Equal(t, 2, c.Len())
		assert.Equal(t, "b", c.Field(1).Name)
	})

	t.Run("rejects overlapping names", func(t *testing.T) {
		_, err := left.Concat(left)
		assert.IsError(t, err, ErrDuplicateField)
	})
}
