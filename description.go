package flowmill

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/flowmill/flowmill/schema"
)

// GraphDescription is the declarative form consumed by Build. It is produced
// by an external parser or constructed programmatically; the engine owns its
// validation and compilation, not its textual syntax.
type GraphDescription struct {
	Name        string
	Components  []ComponentDescription
	Connections []Connection
}

// Component type tags understood by Build.
const (
	TypeInputTable  = "input_table"
	TypeOutputTable = "output_table"
	TypeFilter      = "filter"
	TypeLookup      = "lookup"
	TypeReformat    = "reformat"
	TypeAggregate   = "aggregate"
	TypeJoin        = "join"
	TypeSort        = "sort"
	TypeDedup       = "dedup"
)

// ComponentDescription declares one node: a type tag, a type-specific
// parameter set, and the typed field list describing its output schema (for
// output_table: its expected input schema).
type ComponentDescription struct {
	Name       string
	Type       string
	Parameters map[string]string
	Fields     []FieldDescription
}

// Param returns a named parameter, trimmed.
func (c ComponentDescription) Param(name string) string {
	return strings.TrimSpace(c.Parameters[name])
}

// FieldDescription is one declared field. Type uses the textual forms int,
// string, date and decimal(p,s).
type FieldDescription struct {
	Name string
	Type string
}

// Connection is one directed edge, optionally qualified by the consumer's
// input port ("left", "right", "table"; empty means the default port).
type Connection struct {
	From string
	To   string
	Port string
}

// ParseFieldType parses the textual field type form.
func ParseFieldType(s string) (schema.Type, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "int":
		return schema.Int(), nil
	case "string":
		return schema.String(), nil
	case "date":
		return schema.Date(), nil
	}
	if rest, ok := strings.CutPrefix(s, "decimal("); ok {
		body, ok := strings.CutSuffix(rest, ")")
		if !ok {
			return schema.Type{}, fmt.Errorf("malformed type %q", s)
		}
		parts := strings.Split(body, ",")
		if len(parts) != 2 {
			return schema.Type{}, fmt.Errorf("malformed type %q", s)
		}
		precision, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return schema.Type{}, fmt.Errorf("malformed precision in %q", s)
		}
		scale, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return schema.Type{}, fmt.Errorf("malformed scale in %q", s)
		}
		if precision <= 0 || scale < 0 || scale > precision {
			return schema.Type{}, fmt.Errorf("invalid decimal(%d,%d)", precision, scale)
		}
		return schema.Decimal(precision, scale), nil
	}
	return schema.Type{}, fmt.Errorf("unknown field type %q", s)
}

// fieldsSchema builds a schema from a component's declared field list.
func fieldsSchema(c ComponentDescription) (*schema.Schema, error) {
	if len(c.Fields) == 0 {
		return nil, fmt.Errorf("component declares no fields")
	}
	fields := make([]schema.Field, 0, len(c.Fields))
	for _, fd := range c.Fields {
		t, err := ParseFieldType(fd.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", fd.Name, err)
		}
		fields = append(fields, schema.Field{Name: fd.Name, Type: t})
	}
	return schema.New(fields...)
}

// splitKeys parses a comma-separated key field list.
func splitKeys(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
