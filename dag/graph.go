// Package dag holds the build-time representation of a dataflow graph:
// structural nodes, ported schema-typed edges, and the validations that run
// before any I/O happens. Runtime behavior lives in the engine package; dag
// knows nothing about operators beyond their declared port schemas.
package dag

import (
	"errors"
	"fmt"
	"strings"

	"github.com/flowmill/flowmill/schema"
)

// Sentinel errors for structural failures.
var (
	ErrNodeAlreadyExists = errors.New("node already exists")
	ErrNodeNotFound      = errors.New("node not found")
	ErrCycleDetected     = errors.New("cycle detected in graph")
	ErrOrphanedNodes     = errors.New("orphaned nodes found")
	ErrInvalidNodeID     = errors.New("invalid node ID")
	ErrInvalidTopology   = errors.New("invalid topology")
	ErrPortNotFound      = errors.New("input port not found")
	ErrPortUnconnected   = errors.New("input port not connected")
	ErrPortConflict      = errors.New("input port connected more than once")
	ErrSchemaMismatch    = errors.New("edge schema mismatch")
)

// NodeID is a strongly-typed identifier for graph nodes. IDs must be
// non-empty and cannot contain whitespace.
type NodeID string

func (id NodeID) Validate() error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidNodeID)
	}
	if strings.ContainsAny(string(id), " \t\n\r") {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidNodeID, id)
	}
	return nil
}

// NodeType represents the kind of node in the graph.
type NodeType int

const (
	NodeTypeSource NodeType = iota
	NodeTypeOperator
	NodeTypeSink
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeSource:
		return "Source"
	case NodeTypeOperator:
		return "Operator"
	case NodeTypeSink:
		return "Sink"
	default:
		return "Unknown"
	}
}

// DefaultPort is the port name of single-input consumers.
const DefaultPort = "in"

// Port declares one named input of a node together with the record schema the
// node requires on that input.
type Port struct {
	Name   string
	Schema *schema.Schema
}

// Edge connects a producer node's output to one named input port of a
// consumer.
type Edge struct {
	From NodeID
	To   NodeID
	Port string
}

// Node is the build-time representation of a graph node. It carries only the
// structure needed for validation; runtime construction is the engine's job.
type Node struct {
	ID   NodeID
	Type NodeType

	// Inputs declares the required input ports. Sources have none.
	Inputs []Port

	// OutputSchema is the schema of records this node emits. Nil for sinks.
	OutputSchema *schema.Schema

	// Parents and Children are filled in as edges are added.
	Parents  []NodeID
	Children []NodeID
}

func (n *Node) inputPort(name string) *Port {
	for i := range n.Inputs {
		if n.Inputs[i].Name == name {
			return &n.Inputs[i]
		}
	}
	return nil
}

// Graph is the build-time DAG.
type Graph struct {
	Nodes map[NodeID]*Node
	Edges []Edge

	// NodeOrder preserves insertion order for deterministic iteration.
	NodeOrder []NodeID
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		Nodes: make(map[NodeID]*Node),
	}
}

// AddNode adds a node to the graph.
func (g *Graph) AddNode(node *Node) error {
	if err := node.ID.Validate(); err != nil {
		return err
	}
	if _, exists := g.Nodes[node.ID]; exists {
		return fmt.Errorf("%w: %s", ErrNodeAlreadyExists, node.ID)
	}
	g.Nodes[node.ID] = node
	g.NodeOrder = append(g.NodeOrder, node.ID)
	return nil
}

// AddEdge connects from's output to the named input port of to. The
// producer's output schema must structurally satisfy the port's declared
// schema; this is the only place edge schemas are checked, so runtime code
// never re-validates.
func (g *Graph) AddEdge(from, to NodeID, port string) error {
	producer, ok := g.Nodes[from]
	if !ok {
		return fmt.Errorf("%w: producer %s", ErrNodeNotFound, from)
	}
	consumer, ok := g.Nodes[to]
	if !ok {
		return fmt.Errorf("%w: consumer %s", ErrNodeNotFound, to)
	}
	if producer.Type == NodeTypeSink {
		return fmt.Errorf("%w: sink %s cannot produce", ErrInvalidTopology, from)
	}
	if consumer.Type == NodeTypeSource {
		return fmt.Errorf("%w: source %s cannot consume", ErrInvalidTopology, to)
	}
	if port == "" {
		port = DefaultPort
	}
	p := consumer.inputPort(port)
	if p == nil {
		return fmt.Errorf("%w: node %s has no port %q", ErrPortNotFound, to, port)
	}
	for _, e := range g.Edges {
		if e.To == to && e.Port == port {
			return fmt.Errorf("%w: %s.%s fed by both %s and %s", ErrPortConflict, to, port, e.From, from)
		}
	}
	if producer.OutputSchema == nil {
		return fmt.Errorf("%w: producer %s has no output schema", ErrInvalidTopology, from)
	}
	if err := producer.OutputSchema.Satisfies(p.Schema); err != nil {
		return fmt.Errorf("%w: %s -> %s.%s: %v", ErrSchemaMismatch, from, to, port, err)
	}

	g.Edges = append(g.Edges, Edge{From: from, To: to, Port: port})
	producer.Children = append(producer.Children, to)
	consumer.Parents = append(consumer.Parents, from)
	return nil
}

// InEdges returns the edges feeding the given node, in insertion order.
func (g *Graph) InEdges(id NodeID) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.To == id {
			out = append(out, e)
		}
	}
	return out
}

// OutEdges returns the edges leaving the given node, in insertion order.
func (g *Graph) OutEdges(id NodeID) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// Sources returns all source node IDs in insertion order.
func (g *Graph) Sources() []NodeID {
	var out []NodeID
	for _, id := range g.NodeOrder {
		if g.Nodes[id].Type == NodeTypeSource {
			out = append(out, id)
		}
	}
	return out
}

// Sinks returns all sink node IDs in insertion order.
func (g *Graph) Sinks() []NodeID {
	var out []NodeID
	for _, id := range g.NodeOrder {
		if g.Nodes[id].Type == NodeTypeSink {
			out = append(out, id)
		}
	}
	return out
}
