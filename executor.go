package flowmill

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/flowmill/flowmill/dag"
)

// ExecutorOption configures per-run resource bounds and storage.
type ExecutorOption func(*runOptions)

// WithStoreBuilder replaces the default in-memory record store backing lookup
// side tables and join build indexes, e.g. with a disk-backed store for
// tables larger than memory.
func WithStoreBuilder(sb StoreBuilder) ExecutorOption {
	return func(o *runOptions) {
		o.storeBuilder = sb
	}
}

// WithMaxGroups bounds the number of distinct groups an aggregate (or
// distinct keys a dedup) may accumulate before the run fails with
// ErrResourceExhausted.
func WithMaxGroups(n int) ExecutorOption {
	return func(o *runOptions) {
		o.maxGroups = n
	}
}

// WithSortBound bounds the number of records a sort may buffer before the
// run fails with ErrResourceExhausted.
func WithSortBound(n int) ExecutorOption {
	return func(o *runOptions) {
		o.sortBound = n
	}
}

// Executor runs a validated Graph. It holds no per-run state; one Executor
// serves any number of sequential or concurrent runs of its Graph.
type Executor struct {
	graph *Graph
	opts  runOptions
}

// NewExecutor creates an executor over a validated graph.
func NewExecutor(g *Graph, opts ...ExecutorOption) *Executor {
	e := &Executor{
		graph: g,
		opts: runOptions{
			storeBuilder: MemoryStoreBuilder(DefaultStoreBound),
			maxGroups:    DefaultStoreBound,
			sortBound:    DefaultStoreBound,
		},
	}
	for _, opt := range opts {
		opt(&e.opts)
	}
	return e
}

// Run is a convenience for NewExecutor(g).Run(ctx, rc).
func Run(ctx context.Context, g *Graph, rc *RunContext) (*RunResult, error) {
	return NewExecutor(g).Run(ctx, rc)
}

// releaser is implemented by runtime nodes that hold a store needing cleanup
// when a run fails before they drain.
type releaser interface {
	release() error
}

// aborter is implemented by sink nodes; Abort discards partial output instead
// of committing it.
type aborter interface {
	abort() error
}

// Run executes the graph to completion. Sources are driven in waves: every
// source feeding a barrier's build side drains before any source feeding the
// matching probe side starts, so barrier operators always see their build
// input complete first. Sources within one wave reach disjoint nodes and run
// concurrently.
//
// On any failure the run stops, open sinks are aborted without committing,
// and the first error is returned wrapped in a RunError naming the operator.
// A nil error means every sink closed successfully.
func (e *Executor) Run(ctx context.Context, rc *RunContext) (*RunResult, error) {
	if e.graph.State() != GraphValidated {
		return nil, fmt.Errorf("graph %q is %s, not Validated", e.graph.Name(), e.graph.State())
	}
	if rc == nil {
		rc = NewRunContext()
	}
	log := rc.Log.WithValues("graph", e.graph.Name(), "run", rc.RunID)
	log.Info("run starting")
	start := time.Now()

	nodes, err := e.instantiate(rc)
	if err != nil {
		e.teardown(nodes, log)
		return nil, err
	}

	if err := e.drive(ctx, nodes, log); err != nil {
		e.teardown(nodes, log)
		log.Info("run failed", "elapsed", time.Since(start), "error", err.Error())
		return nil, err
	}

	result := e.collect(rc, nodes, start)
	log.Info("run completed", "elapsed", result.Elapsed)
	return result, nil
}

// instantiate builds fresh runtime nodes from the compiled specs and wires
// them along the graph's edges.
func (e *Executor) instantiate(rc *RunContext) (map[dag.NodeID]runtimeNode, error) {
	nodes := make(map[dag.NodeID]runtimeNode, len(e.graph.topo))
	for _, id := range e.graph.topo {
		node, err := e.graph.specs[id].newNode(id, rc, &e.opts)
		if err != nil {
			return nodes, runError(id, nil, err)
		}
		nodes[id] = node
	}
	for _, id := range e.graph.topo {
		base := nodes[id].base()
		for _, edge := range e.graph.graph.OutEdges(id) {
			base.outs = append(base.outs, target{port: edge.Port, node: nodes[edge.To]})
		}
	}
	return nodes, nil
}

// drive drains the sources wave by wave.
func (e *Executor) drive(ctx context.Context, nodes map[dag.NodeID]runtimeNode, log logr.Logger) error {
	for i, wave := range e.graph.waves {
		log.V(1).Info("wave starting", "wave", i, "sources", wave)
		eg, waveCtx := errgroup.WithContext(ctx)
		for _, id := range wave {
			src := nodes[id].(*sourceNode)
			eg.Go(func() error {
				return src.drive(waveCtx)
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// teardown aborts open sinks and releases barrier stores after a failed run.
// Teardown errors are logged, not returned; the run's first error is the one
// the caller sees.
func (e *Executor) teardown(nodes map[dag.NodeID]runtimeNode, log logr.Logger) {
	var err error
	for _, id := range e.graph.topo {
		node, ok := nodes[id]
		if !ok {
			continue
		}
		switch n := node.(type) {
		case aborter:
			err = multierr.Append(err, n.abort())
		case releaser:
			err = multierr.Append(err, n.release())
		}
	}
	if err != nil {
		log.Info("teardown reported errors", "error", err.Error())
	}
}

func (e *Executor) collect(rc *RunContext, nodes map[dag.NodeID]runtimeNode, start time.Time) *RunResult {
	result := &RunResult{
		RunID:      rc.RunID,
		StartTime:  rc.StartTime,
		Elapsed:    time.Since(start),
		Operators:  make(map[dag.NodeID]OperatorStats, len(nodes)),
		Partitions: map[dag.NodeID]map[string]int64{},
	}
	for id, node := range nodes {
		result.Operators[id] = node.base().stats
		if sink, ok := node.(*sinkNode); ok && sink.partitioned != nil {
			result.Partitions[id] = sink.partitioned.Counts()
		}
	}
	return result
}
