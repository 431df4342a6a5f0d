package schema

import (
	"fmt"
)

// Record is one typed row conforming to exactly one schema. Values are stored
// positionally; Copy is a shallow slice copy, cheap enough to do per hop.
type Record struct {
	schema *Schema
	values []Value
}

// NewRecord creates a record with every field set to null.
func NewRecord(s *Schema) Record {
	values := make([]Value, s.Len())
	for i := 0; i < s.Len(); i++ {
		values[i] = Null(s.Field(i).Type)
	}
	return Record{schema: s, values: values}
}

// MakeRecord builds a record from positional values. Each value is coerced to
// the declared field type.
func MakeRecord(s *Schema, values ...Value) (Record, error) {
	if len(values) != s.Len() {
		return Record{}, fmt.Errorf("schema %s expects %d values, got %d", s, s.Len(), len(values))
	}
	rec := Record{schema: s, values: make([]Value, len(values))}
	for i, v := range values {
		f := s.Field(i)
		coerced, err := v.Coerce(f.Name, f.Type)
		if err != nil {
			return Record{}, err
		}
		rec.values[i] = coerced
	}
	return rec, nil
}

// MustMakeRecord is like MakeRecord but panics on error. Intended for tests.
func MustMakeRecord(s *Schema, values ...Value) Record {
	rec, err := MakeRecord(s, values...)
	if err != nil {
		panic(err)
	}
	return rec
}

// Schema returns the schema this record conforms to.
func (r Record) Schema() *Schema {
	return r.schema
}

// Get returns the value of the named field.
func (r Record) Get(name string) (Value, error) {
	i := r.schema.IndexOf(name)
	if i < 0 {
		return Value{}, fmt.Errorf("%w: %q", ErrFieldNotFound, name)
	}
	return r.values[i], nil
}

// MustGet is like Get but panics on unknown field. Intended for callers that
// already validated the field against the schema.
func (r Record) MustGet(name string) Value {
	v, err := r.Get(name)
	if err != nil {
		panic(err)
	}
	return v
}

// At returns the value at position i.
func (r Record) At(i int) Value {
	return r.values[i]
}

// Set returns a copy of the record with the named field replaced. The value
// is coerced to the declared field type.
func (r Record) Set(name string, v Value) (Record, error) {
	i := r.schema.IndexOf(name)
	if i < 0 {
		return Record{}, fmt.Errorf("%w: %q", ErrFieldNotFound, name)
	}
	coerced, err := v.Coerce(name, r.schema.Field(i).Type)
	if err != nil {
		return Record{}, err
	}
	out := r.Copy()
	out.values[i] = coerced
	return out, nil
}

// Copy returns a structural copy of the record. The new record shares the
// schema but owns its value slice.
func (r Record) Copy() Record {
	values := make([]Value, len(r.values))
	copy(values, r.values)
	return Record{schema: r.schema, values: values}
}

// Project builds a record for the target schema by copying same-named fields
// from r. Target fields absent from r stay null.
func (r Record) Project(target *Schema) Record {
	out := NewRecord(target)
	for i := 0; i < target.Len(); i++ {
		f := target.Field(i)
		j := r.schema.IndexOf(f.Name)
		if j < 0 {
			continue
		}
		if coerced, err := r.values[j].Coerce(f.Name, f.Type); err == nil {
			out.values[i] = coerced
		}
	}
	return out
}

// Key builds the composite key of the named fields, for keyed accumulators.
func (r Record) Key(fields []string) (string, error) {
	parts := make([]Value, 0, len(fields))
	for _, name := range fields {
		v, err := r.Get(name)
		if err != nil {
			return "", err
		}
		parts = append(parts, v)
	}
	return EncodeKey(parts...), nil
}

func (r Record) String() string {
	out := "{"
	for i, f := range r.schema.fields {
		if i > 0 {
			out += ", "
		}
		out += f.Name + "=" + r.values[i].String()
	}
	return out + "}"
}
