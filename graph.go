package flowmill

import (
	"fmt"
	"slices"

	"github.com/flowmill/flowmill/dag"
)

// GraphState tracks a graph through construction. A Graph returned by Build
// is always Validated and stays Validated: per-run lifecycle (running,
// drained, failed) lives in the runtime nodes a run instantiates, so one
// Graph serves concurrent runs without shared mutable state.
type GraphState int

const (
	GraphUnvalidated GraphState = iota
	GraphValidated
)

func (s GraphState) String() string {
	switch s {
	case GraphUnvalidated:
		return "Unvalidated"
	case GraphValidated:
		return "Validated"
	default:
		return "Unknown"
	}
}

// Graph is a validated, immutable, executable graph. It holds the structural
// DAG, the compiled per-node parameter sets, the topological order, and the
// source schedule. Runs instantiate fresh runtime state from it, so one
// Graph serves any number of runs.
type Graph struct {
	name  string
	graph *dag.Graph
	specs map[dag.NodeID]nodeSpec

	topo []dag.NodeID

	// waves partitions the sources into sequential groups: every source
	// feeding a barrier's build side drains in an earlier wave than the
	// sources feeding the matching probe side. Sources within one wave
	// have disjoint downstream node sets and may run concurrently.
	waves [][]dag.NodeID

	state GraphState
}

// Name returns the description's graph name.
func (g *Graph) Name() string {
	return g.name
}

// State returns the graph lifecycle state.
func (g *Graph) State() GraphState {
	return g.state
}

// TopologicalOrder returns the node execution order computed at build time.
func (g *Graph) TopologicalOrder() []dag.NodeID {
	out := make([]dag.NodeID, len(g.topo))
	copy(out, g.topo)
	return out
}

// barrierPorts names the build-side and probe-side input port of each
// barrier-on-one-side operator variant.
var barrierPorts = map[string]struct{ build, probe string }{
	TypeLookup: {build: PortTable, probe: dag.DefaultPort},
	TypeJoin:   {build: PortRight, probe: PortLeft},
}

// computeWaves derives the source schedule. For every lookup and join, all
// sources that can reach the build-side input must drain strictly before any
// source reaching the probe side starts; a source reaching both sides of the
// same operator would deadlock and is rejected.
func computeWaves(g *dag.Graph, kinds map[dag.NodeID]string) ([][]dag.NodeID, error) {
	sources := g.Sources()

	// reach[s] = set of nodes reachable from source s.
	reach := make(map[dag.NodeID]map[dag.NodeID]bool, len(sources))
	for _, s := range sources {
		set := map[dag.NodeID]bool{s: true}
		for _, d := range g.Descendants(s) {
			set[d] = true
		}
		reach[s] = set
	}

	feeds := func(s dag.NodeID, e dag.Edge) bool {
		return reach[s][e.From]
	}

	// before[p] = sources that must drain before source p starts.
	before := make(map[dag.NodeID][]dag.NodeID, len(sources))
	for _, id := range g.NodeOrder {
		ports, ok := barrierPorts[kinds[id]]
		if !ok {
			continue
		}
		var buildEdge, probeEdge *dag.Edge
		for _, e := range g.InEdges(id) {
			e := e
			switch e.Port {
			case ports.build:
				buildEdge = &e
			case ports.probe:
				probeEdge = &e
			}
		}
		for _, b := range sources {
			if !feeds(b, *buildEdge) {
				continue
			}
			for _, p := range sources {
				if !feeds(p, *probeEdge) {
					continue
				}
				if b == p {
					return nil, fmt.Errorf("source %s feeds both the build and probe side of %s", b, id)
				}
				before[p] = append(before[p], b)
			}
		}
	}

	// Kahn over the source constraint graph; ties break by ID.
	remaining := make(map[dag.NodeID]bool, len(sources))
	for _, s := range sources {
		remaining[s] = true
	}
	var waves [][]dag.NodeID
	for len(remaining) > 0 {
		var wave []dag.NodeID
		for s := range remaining {
			ready := true
			for _, b := range before[s] {
				if remaining[b] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, s)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("%w: source ordering constraints", dag.ErrCycleDetected)
		}
		slices.Sort(wave)
		for _, s := range wave {
			delete(remaining, s)
		}
		waves = append(waves, wave)
	}
	return waves, nil
}
