package flowmill

import (
	"errors"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/flowmill/flowmill/dag"
	"github.com/flowmill/flowmill/schema"
)

var (
	orderFields = []FieldDescription{
		{Name: "order_id", Type: "int"},
		{Name: "customer_id", Type: "int"},
		{Name: "status", Type: "string"},
		{Name: "amount", Type: "decimal(10,2)"},
	}
	customerFields = []FieldDescription{
		{Name: "customer_id", Type: "int"},
		{Name: "region", Type: "string"},
	}
)

// memConnector registers a "mem" source connector serving records by table
// parameter.
func memConnector(data map[string][]schema.Record) BuildOption {
	return WithSourceConnector("mem", func(params map[string]string, _ *schema.Schema) (RecordSource, error) {
		return NewMemorySource(data[params["table"]]...), nil
	})
}

// captureConnector registers a "mem" sink connector and exposes the sinks it
// creates, keyed by table parameter and partition label.
func captureConnector(sinks map[string]*MemorySink) BuildOption {
	return WithSinkConnector("mem", func(params map[string]string, _ *schema.Schema, partition string) (RecordSink, error) {
		key := params["table"]
		if partition != "" {
			key += "/" + partition
		}
		s := NewMemorySink()
		sinks[key] = s
		return s, nil
	})
}

func testOptions() []BuildOption {
	return []BuildOption{
		memConnector(map[string][]schema.Record{}),
		captureConnector(map[string]*MemorySink{}),
	}
}

func pipelineDescription() GraphDescription {
	return GraphDescription{
		Name: "orders",
		Components: []ComponentDescription{
			{Name: "orders", Type: TypeInputTable, Parameters: map[string]string{"table": "orders"}, Fields: orderFields},
			{Name: "customers", Type: TypeInputTable, Parameters: map[string]string{"table": "customers"}, Fields: customerFields},
			{Name: "completed", Type: TypeFilter, Parameters: map[string]string{"transform": "status == 'completed'"}},
			{Name: "enriched", Type: TypeLookup, Parameters: map[string]string{"keys": "customer_id"}},
			{Name: "report", Type: TypeOutputTable, Parameters: map[string]string{"table": "report"}, Fields: []FieldDescription{
				{Name: "order_id", Type: "int"},
				{Name: "customer_id", Type: "int"},
				{Name: "status", Type: "string"},
				{Name: "amount", Type: "decimal(10,2)"},
				{Name: "region", Type: "string"},
			}},
		},
		Connections: []Connection{
			{From: "orders", To: "completed"},
			{From: "completed", To: "enriched"},
			{From: "customers", To: "enriched", Port: PortTable},
			{From: "enriched", To: "report"},
		},
	}
}

func TestBuild(t *testing.T) {
	t.Run("valid pipeline builds validated", func(t *testing.T) {
		g, err := Build(pipelineDescription(), testOptions()...)
		assert.NoError(t, err)
		assert.Equal(t, GraphValidated, g.State())
		assert.Equal(t, "orders", g.Name())
	})

	t.Run("construction is deterministic", func(t *testing.T) {
		a, err := Build(pipelineDescription(), testOptions()...)
		assert.NoError(t, err)
		b, err := Build(pipelineDescription(), testOptions()...)
		assert.NoError(t, err)
		assert.Equal(t, a.TopologicalOrder(), b.TopologicalOrder())
	})

	t.Run("cyclic description fails before any component compiles", func(t *testing.T) {
		desc := GraphDescription{
			Name: "cycle",
			Components: []ComponentDescription{
				{Name: "a", Type: TypeFilter, Parameters: map[string]string{"transform": "x == 1"}},
				{Name: "b", Type: TypeFilter, Parameters: map[string]string{"transform": "x == 1"}},
			},
			Connections: []Connection{
				{From: "a", To: "b"},
				{From: "b", To: "a"},
			},
		}
		_, err := Build(desc, testOptions()...)
		var ce *ConstructionError
		assert.True(t, errors.As(err, &ce))
		assert.IsError(t, err, dag.ErrCycleDetected)
	})

	t.Run("duplicate component name", func(t *testing.T) {
		desc := pipelineDescription()
		desc.Components = append(desc.Components, desc.Components[0])
		_, err := Build(desc, testOptions()...)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate component name")
	})

	t.Run("unknown component type", func(t *testing.T) {
		desc := pipelineDescription()
		desc.Components[2].Type = "transmogrify"
		_, err := Build(desc, testOptions()...)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown component type")
	})

	t.Run("connection to unknown component", func(t *testing.T) {
		desc := pipelineDescription()
		desc.Connections = append(desc.Connections, Connection{From: "orders", To: "nowhere"})
		_, err := Build(desc, testOptions()...)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown component")
	})

	t.Run("invalid port for component type", func(t *testing.T) {
		desc := pipelineDescription()
		desc.Connections[0].Port = PortTable // filters have no table port
		_, err := Build(desc, testOptions()...)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "no input port")
	})

	t.Run("no connector registered", func(t *testing.T) {
		_, err := Build(pipelineDescription(), captureConnector(map[string]*MemorySink{}))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "source connector")
	})

	t.Run("declared schema mismatch on an edge", func(t *testing.T) {
		desc := pipelineDescription()
		// Sink declares a field its producer does not provide.
		desc.Components[4].Fields[4] = FieldDescription{Name: "warehouse", Type: "string"}
		_, err := Build(desc, testOptions()...)
		assert.IsError(t, err, dag.ErrSchemaMismatch)
	})

	t.Run("declared schema must match producer field order", func(t *testing.T) {
		// The filter still evaluates its predicate positionally against
		// producer records, so a reordered declaration must fail the build
		// rather than silently read the wrong field.
		desc := pipelineDescription()
		desc.Components[2].Fields = []FieldDescription{
			{Name: "customer_id", Type: "int"},
			{Name: "order_id", Type: "int"},
			{Name: "status", Type: "string"},
			{Name: "amount", Type: "decimal(10,2)"},
		}
		_, err := Build(desc, testOptions()...)
		assert.IsError(t, err, dag.ErrSchemaMismatch)
	})

	t.Run("filter predicate must be boolean", func(t *testing.T) {
		desc := pipelineDescription()
		desc.Components[2].Parameters["transform"] = "amount"
		_, err := Build(desc, testOptions()...)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "boolean")
	})

	t.Run("malformed reject_limit", func(t *testing.T) {
		desc := pipelineDescription()
		desc.Components[2].Parameters["reject_limit"] = "many"
		_, err := Build(desc, testOptions()...)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "reject_limit")
	})

	t.Run("partition key must be in sink schema", func(t *testing.T) {
		desc := pipelineDescription()
		desc.Components[4].Parameters["partition_keys"] = "warehouse"
		_, err := Build(desc, testOptions()...)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "partition key")
	})
}

func reformatDescription(transform string, outFields []FieldDescription) GraphDescription {
	return GraphDescription{
		Name: "reformat",
		Components: []ComponentDescription{
			{Name: "orders", Type: TypeInputTable, Parameters: map[string]string{"table": "orders"}, Fields: orderFields},
			{Name: "shaped", Type: TypeReformat, Parameters: map[string]string{"transform": transform}, Fields: outFields},
			{Name: "out", Type: TypeOutputTable, Parameters: map[string]string{"table": "out"}, Fields: outFields},
		},
		Connections: []Connection{
			{From: "orders", To: "shaped"},
			{From: "shaped", To: "out"},
		},
	}
}

func TestBuild_Reformat(t *testing.T) {
	outFields := []FieldDescription{
		{Name: "order_id", Type: "int"},
		{Name: "gross", Type: "decimal(11,2)"},
	}

	t.Run("compiles a full assignment set", func(t *testing.T) {
		_, err := Build(reformatDescription("order_id = order_id; gross = amount + amount", outFields), testOptions()...)
		assert.NoError(t, err)
	})

	t.Run("rejects unassigned output field", func(t *testing.T) {
		_, err := Build(reformatDescription("order_id = order_id", outFields), testOptions()...)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "never assigned")
	})

	t.Run("rejects assignment to unknown field", func(t *testing.T) {
		_, err := Build(reformatDescription("order_id = order_id; gross = amount + amount; net = amount", outFields), testOptions()...)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown output field")
	})

	t.Run("rejects double assignment", func(t *testing.T) {
		_, err := Build(reformatDescription("order_id = order_id; gross = amount + amount; gross = amount + amount", outFields), testOptions()...)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "more than once")
	})

	t.Run("rejects declared type mismatch", func(t *testing.T) {
		_, err := Build(reformatDescription("order_id = status; gross = amount + amount", outFields), testOptions()...)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "declared")
	})
}

func aggregateDescription(transform string, outFields []FieldDescription) GraphDescription {
	return GraphDescription{
		Name: "agg",
		Components: []ComponentDescription{
			{Name: "orders", Type: TypeInputTable, Parameters: map[string]string{"table": "orders"}, Fields: orderFields},
			{Name: "totals", Type: TypeAggregate, Parameters: map[string]string{"keys": "status", "transform": transform}, Fields: outFields},
			{Name: "out", Type: TypeOutputTable, Parameters: map[string]string{"table": "out"}, Fields: outFields},
		},
		Connections: []Connection{
			{From: "orders", To: "totals"},
			{From: "totals", To: "out"},
		},
	}
}

func TestBuild_Aggregate(t *testing.T) {
	outFields := []FieldDescription{
		{Name: "status", Type: "string"},
		{Name: "orders", Type: "int"},
		{Name: "total", Type: "decimal(12,2)"},
	}

	t.Run("compiles count and sum with key passthrough", func(t *testing.T) {
		_, err := Build(aggregateDescription("orders = count(); total = sum(amount)", outFields), testOptions()...)
		assert.NoError(t, err)
	})

	t.Run("rejects non-aggregate assignment", func(t *testing.T) {
		_, err := Build(aggregateDescription("orders = count(); total = amount", outFields), testOptions()...)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "count(), sum(...) or avg(...)")
	})

	t.Run("rejects unknown aggregate function", func(t *testing.T) {
		_, err := Build(aggregateDescription("orders = count(); total = median(amount)", outFields), testOptions()...)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown aggregate function")
	})

	t.Run("rejects sum scale drift", func(t *testing.T) {
		fields := []FieldDescription{
			{Name: "status", Type: "string"},
			{Name: "orders", Type: "int"},
			{Name: "total", Type: "decimal(12,4)"},
		}
		_, err := Build(aggregateDescription("orders = count(); total = sum(amount)", fields), testOptions()...)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "scale")
	})

	t.Run("rejects assigning a group key", func(t *testing.T) {
		_, err := Build(aggregateDescription("status = count(); orders = count(); total = sum(amount)", outFields), testOptions()...)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "group key")
	})

	t.Run("rejects missing keys parameter", func(t *testing.T) {
		desc := aggregateDescription("orders = count(); total = sum(amount)", outFields)
		desc.Components[1].Parameters["keys"] = ""
		_, err := Build(desc, testOptions()...)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "keys")
	})
}

func TestBuild_Join(t *testing.T) {
	desc := func(joinType string) GraphDescription {
		return GraphDescription{
			Name: "join",
			Components: []ComponentDescription{
				{Name: "orders", Type: TypeInputTable, Parameters: map[string]string{"table": "orders"}, Fields: orderFields},
				{Name: "customers", Type: TypeInputTable, Parameters: map[string]string{"table": "customers"}, Fields: customerFields},
				{Name: "joined", Type: TypeJoin, Parameters: map[string]string{"keys": "customer_id", "join_type": joinType}},
				{Name: "out", Type: TypeOutputTable, Parameters: map[string]string{"table": "out"}, Fields: []FieldDescription{
					{Name: "order_id", Type: "int"},
					{Name: "customer_id", Type: "int"},
					{Name: "status", Type: "string"},
					{Name: "amount", Type: "decimal(10,2)"},
					{Name: "region", Type: "string"},
				}},
			},
			Connections: []Connection{
				{From: "orders", To: "joined", Port: PortLeft},
				{From: "customers", To: "joined", Port: PortRight},
				{From: "joined", To: "out"},
			},
		}
	}

	t.Run("merged schema is left then right minus shared keys", func(t *testing.T) {
		g, err := Build(desc("inner"), testOptions()...)
		assert.NoError(t, err)
		assert.Equal(t, GraphValidated, g.State())
	})

	t.Run("rejects unknown join_type", func(t *testing.T) {
		_, err := Build(desc("sideways"), testOptions()...)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "join_type")
	})

	t.Run("rejects key kind mismatch", func(t *testing.T) {
		d := desc("inner")
		d.Components[1].Fields = []FieldDescription{
			{Name: "customer_id", Type: "string"},
			{Name: "region", Type: "string"},
		}
		_, err := Build(d, testOptions()...)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "kind")
	})

	t.Run("rejects one source feeding both sides", func(t *testing.T) {
		d := desc("inner")
		d.Components[1] = ComponentDescription{
			Name: "echo", Type: TypeReformat,
			Parameters: map[string]string{
				"transform": "customer_id = customer_id; region = status",
			},
			Fields: customerFields,
		}
		d.Connections = []Connection{
			{From: "orders", To: "joined", Port: PortLeft},
			{From: "orders", To: "echo"},
			{From: "echo", To: "joined", Port: PortRight},
			{From: "joined", To: "out"},
		}
		_, err := Build(d, testOptions()...)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "both the build and probe side")
	})
}
