package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the field type system.
type Kind int

const (
	KindInt Kind = iota
	KindString
	KindDate
	KindDecimal
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindDate:
		return "date"
	case KindDecimal:
		return "decimal"
	default:
		return "unknown"
	}
}

// Type is a declared field type. Precision and Scale are meaningful only for
// KindDecimal.
type Type struct {
	Kind      Kind
	Precision int
	Scale     int
}

func Int() Type    { return Type{Kind: KindInt} }
func String() Type { return Type{Kind: KindString} }
func Date() Type   { return Type{Kind: KindDate} }

func Decimal(precision, scale int) Type {
	return Type{Kind: KindDecimal, Precision: precision, Scale: scale}
}

func (t Type) String() string {
	if t.Kind == KindDecimal {
		return fmt.Sprintf("decimal(%d,%d)", t.Precision, t.Scale)
	}
	return t.Kind.String()
}

// AssignableFrom reports whether a value of type other can flow into a field
// declared as t. Decimal widening of precision is allowed; the scale must
// match exactly so that arithmetic never silently changes scale.
func (t Type) AssignableFrom(other Type) bool {
	if t.Kind != other.Kind {
		return false
	}
	if t.Kind == KindDecimal {
		return t.Scale == other.Scale && t.Precision >= other.Precision
	}
	return true
}

// Field is one named, typed slot in a schema.
type Field struct {
	Name string
	Type Type
}

// Schema is an ordered mapping from unique field name to declared type. It is
// immutable once built; all mutating-looking operations return a new Schema.
type Schema struct {
	fields []Field
	index  map[string]int
}

var ErrDuplicateField = errors.New("duplicate field")
var ErrFieldNotFound = errors.New("field not found")

// New builds a schema from the given fields, in order.
func New(fields ...Field) (*Schema, error) {
	s := &Schema{
		fields: make([]Field, 0, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: empty field name", ErrFieldNotFound)
		}
		if _, exists := s.index[f.Name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateField, f.Name)
		}
		s.index[f.Name] = len(s.fields)
		s.fields = append(s.fields, f)
	}
	return s, nil
}

// MustNew is like New but panics on error. Intended for tests and static
// schema declarations.
func MustNew(fields ...Field) *Schema {
	s, err := New(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of fields.
func (s *Schema) Len() int {
	return len(s.fields)
}

// Fields returns a copy of the ordered field list.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Field returns the field at position i.
func (s *Schema) Field(i int) Field {
	return s.fields[i]
}

// IndexOf returns the position of the named field, or -1.
func (s *Schema) IndexOf(name string) int {
	i, ok := s.index[name]
	if !ok {
		return -1
	}
	return i
}

// TypeOf returns the declared type of the named field.
func (s *Schema) TypeOf(name string) (Type, error) {
	i, ok := s.index[name]
	if !ok {
		return Type{}, fmt.Errorf("%w: %q", ErrFieldNotFound, name)
	}
	return s.fields[i].Type, nil
}

// Has reports whether the named field exists.
func (s *Schema) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Satisfies reports whether a producer with this schema can feed a consumer
// declaring required. The check is positional: field i must carry the same
// name and an assignable type on both sides. Records flow across edges
// unchanged and consumers address fields by position, so a reordering is a
// mismatch, not a compatible schema.
func (s *Schema) Satisfies(required *Schema) error {
	if s.Len() != required.Len() {
		return fmt.Errorf("field count mismatch: producer has %d fields, consumer wants %d", s.Len(), required.Len())
	}
	for i, want := range required.fields {
		got := s.fields[i]
		if got.Name != want.Name {
			if !s.Has(want.Name) {
				return fmt.Errorf("%w: consumer requires %q", ErrFieldNotFound, want.Name)
			}
			return fmt.Errorf("field order mismatch at position %d: producer has %q, consumer declares %q", i, got.Name, want.Name)
		}
		if !want.Type.AssignableFrom(got.Type) {
			return fmt.Errorf("field %q: producer type %s not assignable to consumer type %s", want.Name, got.Type, want.Type)
		}
	}
	return nil
}

// Project returns a new schema containing the named fields, in the given
// order.
func (s *Schema) Project(names ...string) (*Schema, error) {
	fields := make([]Field, 0, len(names))
	for _, name := range names {
		i, ok := s.index[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrFieldNotFound, name)
		}
		fields = append(fields, s.fields[i])
	}
	return New(fields...)
}

// Concat returns a new schema with other's fields appended after s's.
func (s *Schema) Concat(other *Schema) (*Schema, error) {
	fields := make([]Field, 0, s.Len()+other.Len())
	fields = append(fields, s.fields...)
	fields = append(fields, other.fields...)
	return New(fields...)
}

func (s *Schema) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, f := range s.fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(f.Name)
		b.WriteByte(' ')
		b.WriteString(f.Type.String())
	}
	b.WriteByte(')')
	return b.String()
}
