package dag

import (
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/flowmill/flowmill/schema"
)

func rowSchema() *schema.Schema {
	return schema.MustNew(
		schema.Field{Name: "id", Type: schema.Int()},
		schema.Field{Name: "name", Type: schema.String()},
	)
}

func sourceNode(id NodeID, s *schema.Schema) *Node {
	return &Node{ID: id, Type: NodeTypeSource, OutputSchema: s}
}

func operatorNode(id NodeID, in, out *schema.Schema) *Node {
	return &Node{
		ID:           id,
		Type:         NodeTypeOperator,
		Inputs:       []Port{{Name: DefaultPort, Schema: in}},
		OutputSchema: out,
	}
}

func sinkNode(id NodeID, in *schema.Schema) *Node {
	return &Node{
		ID:     id,
		Type:   NodeTypeSink,
		Inputs: []Port{{Name: DefaultPort, Schema: in}},
	}
}

func TestNodeID_Validate(t *testing.T) {
	assert.NoError(t, NodeID("valid-node").Validate())
	assert.IsError(t, NodeID("").Validate(), ErrInvalidNodeID)
	assert.IsError(t, NodeID("has space").Validate(), ErrInvalidNodeID)
	assert.IsError(t, NodeID("has\ttab").Validate(), ErrInvalidNodeID)
}

func TestGraph_AddNode(t *testing.T) {
	g := NewGraph()
	assert.NoError(t, g.AddNode(sourceNode("src", rowSchema())))
	assert.IsError(t, g.AddNode(sourceNode("src", rowSchema())), ErrNodeAlreadyExists)
	assert.IsError(t, g.AddNode(sourceNode("", rowSchema())), ErrInvalidNodeID)
}

func TestGraph_AddEdge(t *testing.T) {
	s := rowSchema()

	t.Run("connects matching schemas", func(t *testing.T) {
		g := NewGraph()
		assert.NoError(t, g.AddNode(sourceNode("src", s)))
		assert.NoError(t, g.AddNode(sinkNode("out", s)))
		assert.NoError(t, g.AddEdge("src", "out", ""))
		assert.Equal(t, 1, len(g.Edges))
		assert.Equal(t, DefaultPort, g.Edges[0].Port)
	})

	t.Run("rejects unknown endpoints", func(t *testing.T) {
		g := NewGraph()
		assert.NoError(t, g.AddNode(sourceNode("src", s)))
		assert.IsError(t, g.AddEdge("src", "missing", ""), ErrNodeNotFound)
		assert.IsError(t, g.AddEdge("missing", "src", ""), ErrNodeNotFound)
	})

	t.Run("rejects sink producing and source consuming", func(t *testing.T) {
		g := NewGraph()
		assert.NoError(t, g.AddNode(sourceNode("src", s)))
		assert.NoError(t, g.AddNode(sinkNode("out", s)))
		assert.IsError(t, g.AddEdge("out", "src", ""), ErrInvalidTopology)
	})

	t.Run("rejects unknown port", func(t *testing.T) {
		g := NewGraph()
		assert.NoError(t, g.AddNode(sourceNode("src", s)))
		assert.NoError(t, g.AddNode(sinkNode("out", s)))
		assert.IsError(t, g.AddEdge("src", "out", "side"), ErrPortNotFound)
	})

	t.Run("rejects double connection of one port", func(t *testing.T) {
		g := NewGraph()
		assert.NoError(t, g.AddNode(sourceNode("a", s)))
		assert.NoError(t, g.AddNode(sourceNode("b", s)))
		assert.NoError(t, g.AddNode(sinkNode("out", s)))
		assert.NoError(t, g.AddEdge("a", "out", ""))
		assert.IsError(t, g.AddEdge("b", "out", ""), ErrPortConflict)
	})

	t.Run("rejects schema mismatch", func(t *testing.T) {
		other := schema.MustNew(schema.Field{Name: "id", Type: schema.Int()})
		g := NewGraph()
		assert.NoError(t, g.AddNode(sourceNode("src", other)))
		assert.NoError(t, g.AddNode(sinkNode("out", s)))
		assert.IsError(t, g.AddEdge("src", "out", ""), ErrSchemaMismatch)
	})
}

func TestGraph_Validate(t *testing.T) {
	s := rowSchema()

	linear := func() *Graph {
		g := NewGraph()
		assert.NoError(t, g.AddNode(sourceNode("src", s)))
		assert.NoError(t, g.AddNode(operatorNode("op", s, s)))
		assert.NoError(t, g.AddNode(sinkNode("out", s)))
		assert.NoError(t, g.AddEdge("src", "op", ""))
		assert.NoError(t, g.AddEdge("op", "out", ""))
		return g
	}

	t.Run("accepts a valid linear graph", func(t *testing.T) {
		assert.NoError(t, linear().Validate())
	})

	t.Run("detects cycles with the path in the error", func(t *testing.T) {
		g := NewGraph()
		assert.NoError(t, g.AddNode(operatorNode("a", s, s)))
		assert.NoError(t, g.AddNode(&Node{
			ID:           "b",
			Type:         NodeTypeOperator,
			Inputs:       []Port{{Name: DefaultPort, Schema: s}, {Name: "extra", Schema: s}},
			OutputSchema: s,
		}))
		assert.NoError(t, g.AddEdge("a", "b", ""))
		assert.NoError(t, g.AddEdge("b", "a", ""))

		err := g.Validate()
		assert.IsError(t, err, ErrCycleDetected)
		assert.Contains(t, err.Error(), "a -> b -> a")
	})

	t.Run("detects unconnected input port", func(t *testing.T) {
		g := NewGraph()
		assert.NoError(t, g.AddNode(sourceNode("src", s)))
		assert.NoError(t, g.AddNode(sinkNode("out", s)))
		assert.IsError(t, g.Validate(), ErrPortUnconnected)
	})

	t.Run("detects orphaned nodes", func(t *testing.T) {
		g := linear()
		assert.NoError(t, g.AddNode(&Node{ID: "island", Type: NodeTypeOperator, OutputSchema: s}))
		err := g.Validate()
		assert.IsError(t, err, ErrOrphanedNodes)
		assert.Contains(t, err.Error(), "island")
	})
}

func TestGraph_TopologicalSort(t *testing.T) {
	s := rowSchema()

	t.Run("respects edges and breaks ties by ID", func(t *testing.T) {
		g := NewGraph()
		assert.NoError(t, g.AddNode(sourceNode("z-src", s)))
		assert.NoError(t, g.AddNode(sourceNode("a-src", s)))
		assert.NoError(t, g.AddNode(&Node{
			ID:           "merge",
			Type:         NodeTypeOperator,
			Inputs:       []Port{{Name: "left", Schema: s}, {Name: "right", Schema: s}},
			OutputSchema: s,
		}))
		assert.NoError(t, g.AddNode(sinkNode("out", s)))
		assert.NoError(t, g.AddEdge("z-src", "merge", "left"))
		assert.NoError(t, g.AddEdge("a-src", "merge", "right"))
		assert.NoError(t, g.AddEdge("merge", "out", ""))

		order, err := g.TopologicalSort()
		assert.NoError(t, err)
		assert.Equal(t, []NodeID{"a-src", "z-src", "merge", "out"}, order)

		again, err := g.TopologicalSort()
		assert.NoError(t, err)
		assert.Equal(t, order, again)
	})
}

func TestGraph_Descendants(t *testing.T) {
	s := rowSchema()
	g := NewGraph()
	assert.NoError(t, g.AddNode(sourceNode("src", s)))
	assert.NoError(t, g.AddNode(operatorNode("op", s, s)))
	assert.NoError(t, g.AddNode(sinkNode("out", s)))
	assert.NoError(t, g.AddEdge("src", "op", ""))
	assert.NoError(t, g.AddEdge("op", "out", ""))

	assert.Equal(t, []NodeID{"op", "out"}, g.Descendants("src"))
	assert.Equal(t, 0, len(g.Descendants("out")))
}
