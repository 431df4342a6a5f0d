package dag

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"golang.org/x/exp/maps"
)

// Validation limits to prevent pathological cases.
const (
	MaxNodesPerGraph   = 10000
	MaxDepth           = 500
	MaxChildrenPerNode = 1000
)

// Validate performs all structural validations: size limits, cycle detection,
// port connectivity, orphan detection, and sink shape. Edge schema
// compatibility was already enforced by AddEdge. Returns on first error.
func (g *Graph) Validate() error {
	if len(g.Nodes) > MaxNodesPerGraph {
		return fmt.Errorf("%w: node count %d exceeds maximum %d",
			ErrInvalidTopology, len(g.Nodes), MaxNodesPerGraph)
	}
	if err := g.detectCycles(); err != nil {
		return fmt.Errorf("graph validation failed: %w", err)
	}
	if err := g.validatePorts(); err != nil {
		return fmt.Errorf("graph validation failed: %w", err)
	}
	if err := g.validateNoOrphans(); err != nil {
		return fmt.Errorf("graph validation failed: %w", err)
	}
	if err := g.validateSinks(); err != nil {
		return fmt.Errorf("graph validation failed: %w", err)
	}
	return nil
}

// detectCycles uses DFS with a recursion stack. O(V + E).
func (g *Graph) detectCycles() error {
	visited := make(map[NodeID]bool, len(g.Nodes))
	recStack := make(map[NodeID]bool, len(g.Nodes))

	var dfs func(NodeID, []NodeID, int) error
	dfs = func(nodeID NodeID, path []NodeID, depth int) error {
		if depth > MaxDepth {
			return fmt.Errorf("%w: maximum depth %d exceeded", ErrInvalidTopology, MaxDepth)
		}

		visited[nodeID] = true
		recStack[nodeID] = true
		path = append(path, nodeID)

		node := g.Nodes[nodeID]
		if len(node.Children) > MaxChildrenPerNode {
			return fmt.Errorf("%w: node %s has %d children, exceeds maximum %d",
				ErrInvalidTopology, nodeID, len(node.Children), MaxChildrenPerNode)
		}

		for _, childID := range node.Children {
			if !visited[childID] {
				if err := dfs(childID, path, depth+1); err != nil {
					return err
				}
			} else if recStack[childID] {
				cyclePath := append(path, childID)
				pathStr := make([]string, len(cyclePath))
				for i, id := range cyclePath {
					pathStr[i] = string(id)
				}
				return fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(pathStr, " -> "))
			}
		}

		recStack[nodeID] = false
		return nil
	}

	for _, nodeID := range g.NodeOrder {
		if !visited[nodeID] {
			if err := dfs(nodeID, nil, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// validatePorts checks that every declared input port is connected exactly
// once. Double connection is already rejected by AddEdge, so only missing
// edges remain.
func (g *Graph) validatePorts() error {
	for _, nodeID := range g.NodeOrder {
		node := g.Nodes[nodeID]
		for _, port := range node.Inputs {
			connected := false
			for _, e := range g.Edges {
				if e.To == nodeID && e.Port == port.Name {
					connected = true
					break
				}
			}
			if !connected {
				return fmt.Errorf("%w: %s.%s", ErrPortUnconnected, nodeID, port.Name)
			}
		}
	}
	return nil
}

// validateNoOrphans checks that every node is reachable from some source.
func (g *Graph) validateNoOrphans() error {
	reachable := make(map[NodeID]bool, len(g.Nodes))
	for _, sourceID := range g.Sources() {
		g.markReachable(sourceID, reachable)
	}

	var orphans []NodeID
	for _, nodeID := range maps.Keys(g.Nodes) {
		if !reachable[nodeID] {
			orphans = append(orphans, nodeID)
		}
	}
	if len(orphans) > 0 {
		slices.Sort(orphans) // Deterministic error message
		orphanStrs := make([]string, len(orphans))
		for i, id := range orphans {
			orphanStrs[i] = string(id)
		}
		return fmt.Errorf("%w (unreachable from sources): %s",
			ErrOrphanedNodes, strings.Join(orphanStrs, ", "))
	}
	return nil
}

func (g *Graph) markReachable(nodeID NodeID, reachable map[NodeID]bool) {
	if reachable[nodeID] {
		return
	}
	reachable[nodeID] = true
	for _, childID := range g.Nodes[nodeID].Children {
		g.markReachable(childID, reachable)
	}
}

// validateSinks ensures sink nodes have no children.
func (g *Graph) validateSinks() error {
	for _, nodeID := range g.NodeOrder {
		node := g.Nodes[nodeID]
		if node.Type == NodeTypeSink && len(node.Children) > 0 {
			childStrs := make([]string, len(node.Children))
			for i, id := range node.Children {
				childStrs[i] = string(id)
			}
			return fmt.Errorf("%w: sink node %s has children: %s",
				ErrInvalidTopology, nodeID, strings.Join(childStrs, ", "))
		}
	}
	return nil
}

// TopologicalSort returns a deterministic topological ordering using Kahn's
// algorithm. Ties break by node ID so repeated builds of the same
// description order identically.
func (g *Graph) TopologicalSort() ([]NodeID, error) {
	inDegree := make(map[NodeID]int, len(g.Nodes))
	for _, nodeID := range maps.Keys(g.Nodes) {
		inDegree[nodeID] = 0
	}
	for _, node := range g.Nodes {
		for _, childID := range node.Children {
			inDegree[childID]++
		}
	}

	queue := make([]NodeID, 0, len(g.Nodes)/4)
	for nodeID, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, nodeID)
		}
	}
	slices.Sort(queue)

	result := make([]NodeID, 0, len(g.Nodes))
	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]
		result = append(result, nodeID)

		node := g.Nodes[nodeID]
		children := make([]NodeID, len(node.Children))
		copy(children, node.Children)
		slices.Sort(children)

		for _, childID := range children {
			inDegree[childID]--
			if inDegree[childID] == 0 {
				queue = insertSorted(queue, childID)
			}
		}
	}

	if len(result) != len(g.Nodes) {
		return nil, fmt.Errorf("%w: topological sort failed", ErrCycleDetected)
	}
	return result, nil
}

// insertSorted inserts an item into a sorted slice maintaining sort order.
func insertSorted(slice []NodeID, item NodeID) []NodeID {
	idx := sort.Search(len(slice), func(i int) bool {
		return slice[i] >= item
	})
	return slices.Insert(slice, idx, item)
}

// Descendants returns all nodes reachable from the given node, excluding the
// node itself.
func (g *Graph) Descendants(nodeID NodeID) []NodeID {
	var result []NodeID
	visited := make(map[NodeID]bool)

	var dfs func(NodeID)
	dfs = func(current NodeID) {
		for _, childID := range g.Nodes[current].Children {
			if visited[childID] {
				continue
			}
			visited[childID] = true
			result = append(result, childID)
			dfs(childID)
		}
	}
	dfs(nodeID)
	return result
}
