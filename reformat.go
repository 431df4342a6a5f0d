package flowmill

import (
	"context"

	"github.com/flowmill/flowmill/dag"
	"github.com/flowmill/flowmill/expr"
	"github.com/flowmill/flowmill/schema"
)

// reformatSpec is a compiled per-record projection: one expression per
// declared output field, in schema order. Build guarantees every output
// field is assigned by exactly one expression, so the runtime just evaluates
// the list. Exactly one output record per input record.
type reformatSpec struct {
	out         *schema.Schema
	exprs       []expr.Expr
	rejectLimit int64
}

func (s *reformatSpec) newNode(id dag.NodeID, rc *RunContext, _ *runOptions) (runtimeNode, error) {
	return &reformatNode{
		nodeBase: nodeBase{nodeID: id, log: rc.Log, rejectLimit: s.rejectLimit},
		spec:     s,
		rc:       rc,
	}, nil
}

type reformatNode struct {
	nodeBase
	spec *reformatSpec
	rc   *RunContext
}

func (n *reformatNode) process(ctx context.Context, _ string, rec schema.Record) error {
	n.markRunning()
	n.stats.Read++

	scope := expr.Scope{Record: rec, Now: n.rc.StartTime}
	values := make([]schema.Value, n.spec.out.Len())
	for i, e := range n.spec.exprs {
		v, err := expr.EvalValue(e, scope)
		if err != nil {
			return n.reject(rec, err)
		}
		values[i] = v
	}
	out, err := schema.MakeRecord(n.spec.out, values...)
	if err != nil {
		return n.reject(rec, err)
	}
	return n.forward(ctx, out)
}

func (n *reformatNode) endOfInput(ctx context.Context, _ string) error {
	n.markDrained()
	return n.endDownstream(ctx)
}
