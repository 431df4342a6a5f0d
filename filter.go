package flowmill

import (
	"context"

	"github.com/flowmill/flowmill/dag"
	"github.com/flowmill/flowmill/expr"
	"github.com/flowmill/flowmill/schema"
)

// filterSpec is a compiled filter: a boolean predicate over the input
// schema. Stateless, non-blocking; schema passes through unchanged.
type filterSpec struct {
	predicate   expr.Expr
	rejectLimit int64
}

func (s *filterSpec) newNode(id dag.NodeID, rc *RunContext, _ *runOptions) (runtimeNode, error) {
	return &filterNode{
		nodeBase: nodeBase{nodeID: id, log: rc.Log, rejectLimit: s.rejectLimit},
		spec:     s,
		rc:       rc,
	}, nil
}

type filterNode struct {
	nodeBase
	spec *filterSpec
	rc   *RunContext
}

func (n *filterNode) process(ctx context.Context, _ string, rec schema.Record) error {
	n.markRunning()
	n.stats.Read++

	keep, err := expr.EvalPredicate(n.spec.predicate, expr.Scope{Record: rec, Now: n.rc.StartTime})
	if err != nil {
		return n.reject(rec, err)
	}
	if !keep {
		return nil
	}
	return n.forward(ctx, rec)
}

func (n *filterNode) endOfInput(ctx context.Context, _ string) error {
	n.markDrained()
	return n.endDownstream(ctx)
}
