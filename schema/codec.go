package schema

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// EncodeRecord serializes a record to the engine's compact binary form. Field
// order follows the schema, so the schema is required to decode.
func EncodeRecord(r Record) []byte {
	var out []byte
	for _, v := range r.values {
		if v.IsNull() {
			out = append(out, 1)
			continue
		}
		out = append(out, 0)
		s := v.String()
		out = binary.AppendUvarint(out, uint64(len(s)))
		out = append(out, s...)
	}
	return out
}

// DecodeRecord deserializes the binary form produced by EncodeRecord.
func DecodeRecord(s *Schema, b []byte) (Record, error) {
	rec := NewRecord(s)
	for i := 0; i < s.Len(); i++ {
		f := s.Field(i)
		if len(b) == 0 {
			return Record{}, fmt.Errorf("record truncated at field %q", f.Name)
		}
		null := b[0] == 1
		b = b[1:]
		if null {
			continue
		}
		n, read := binary.Uvarint(b)
		if read <= 0 || uint64(len(b)-read) < n {
			return Record{}, fmt.Errorf("record truncated at field %q", f.Name)
		}
		b = b[read:]
		v, err := Parse(f.Name, f.Type, string(b[:n]))
		if err != nil {
			return Record{}, err
		}
		rec.values[i] = v
		b = b[n:]
	}
	if len(b) != 0 {
		return Record{}, fmt.Errorf("%d trailing bytes after record", len(b))
	}
	return rec, nil
}

// MarshalRecordJSON renders a record as a JSON object keyed by field name.
// Decimals and dates are rendered as strings to keep their exact form.
func MarshalRecordJSON(r Record) ([]byte, error) {
	obj := make(map[string]any, r.schema.Len())
	for i, f := range r.schema.fields {
		v := r.values[i]
		if v.IsNull() {
			obj[f.Name] = nil
			continue
		}
		switch f.Type.Kind {
		case KindInt:
			obj[f.Name] = v.Int()
		default:
			obj[f.Name] = v.String()
		}
	}
	return json.Marshal(obj)
}

// UnmarshalRecordJSON parses a JSON object into a record of the given schema.
// Missing or null members become null fields.
func UnmarshalRecordJSON(s *Schema, data []byte) (Record, error) {
	var obj map[string]*json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return Record{}, err
	}
	rec := NewRecord(s)
	for i := 0; i < s.Len(); i++ {
		f := s.Field(i)
		raw, ok := obj[f.Name]
		if !ok || raw == nil {
			continue
		}
		var text string
		if err := json.Unmarshal(*raw, &text); err != nil {
			// Not a JSON string; take the literal token (numbers).
			text = string(*raw)
		}
		v, err := Parse(f.Name, f.Type, text)
		if err != nil {
			return Record{}, err
		}
		rec.values[i] = v
	}
	return rec, nil
}
