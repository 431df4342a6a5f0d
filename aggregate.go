package flowmill

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/flowmill/flowmill/dag"
	"github.com/flowmill/flowmill/expr"
	"github.com/flowmill/flowmill/schema"
)

type aggKind int

const (
	aggKey aggKind = iota
	aggCount
	aggSum
	aggAvg
)

// aggOutput describes how one declared output field of an aggregate is
// produced: copied from the group key, or computed by count/sum/avg.
type aggOutput struct {
	kind   aggKind
	keyIdx int       // aggKey: position within the group-key field list
	input  expr.Expr // aggSum, aggAvg: the accumulated input expression
	typ    schema.Type
}

// aggregateSpec is a compiled grouped aggregation. It is a barrier: input is
// fully materialized into a keyed accumulator table and nothing is emitted
// until upstream end-of-stream. Sums accumulate at the input's declared
// scale with no intermediate rounding; avg divides once at emission, rounded
// to the declared output scale. Groups emit in first-seen order, which keeps
// runs deterministic for a given input order.
type aggregateSpec struct {
	in          *schema.Schema
	out         *schema.Schema
	keys        []string
	outputs     []aggOutput
	rejectLimit int64
}

func (s *aggregateSpec) newNode(id dag.NodeID, rc *RunContext, opts *runOptions) (runtimeNode, error) {
	return &aggregateNode{
		nodeBase:  nodeBase{nodeID: id, log: rc.Log, rejectLimit: s.rejectLimit},
		spec:      s,
		rc:        rc,
		groups:    make(map[string]*aggGroup),
		maxGroups: opts.maxGroups,
	}, nil
}

type aggGroup struct {
	keyValues []schema.Value
	count     int64
	sums      []decimal.Decimal
}

type aggregateNode struct {
	nodeBase
	spec *aggregateSpec
	rc   *RunContext

	groups    map[string]*aggGroup
	order     []string // group keys in first-seen order
	maxGroups int
}

func (n *aggregateNode) process(_ context.Context, _ string, rec schema.Record) error {
	n.markRunning()
	n.stats.Read++

	key, err := rec.Key(n.spec.keys)
	if err != nil {
		return n.fail(&rec, err)
	}

	// Evaluate every accumulated expression before touching the group, so a
	// rejected record contributes to no sum and creates no group.
	scope := expr.Scope{Record: rec, Now: n.rc.StartTime}
	adds := make([]decimal.Decimal, len(n.spec.outputs))
	present := make([]bool, len(n.spec.outputs))
	for i, out := range n.spec.outputs {
		if out.kind != aggSum && out.kind != aggAvg {
			continue
		}
		v, err := expr.EvalValue(out.input, scope)
		if err != nil {
			return n.reject(rec, err)
		}
		if v.IsNull() {
			continue
		}
		adds[i] = v.Dec()
		present[i] = true
	}

	group, ok := n.groups[key]
	if !ok {
		if len(n.groups) >= n.maxGroups {
			return n.fail(&rec, fmt.Errorf("%w: aggregate %s at %d groups", ErrResourceExhausted, n.nodeID, len(n.groups)))
		}
		keyValues := make([]schema.Value, len(n.spec.keys))
		for i, name := range n.spec.keys {
			keyValues[i] = rec.MustGet(name)
		}
		group = &aggGroup{
			keyValues: keyValues,
			sums:      make([]decimal.Decimal, len(n.spec.outputs)),
		}
		n.groups[key] = group
		n.order = append(n.order, key)
	}
	for i := range n.spec.outputs {
		if present[i] {
			group.sums[i] = group.sums[i].Add(adds[i])
		}
	}
	group.count++
	return nil
}

func (n *aggregateNode) endOfInput(ctx context.Context, _ string) error {
	for _, key := range n.order {
		group := n.groups[key]
		values := make([]schema.Value, len(n.spec.outputs))
		for i, out := range n.spec.outputs {
			switch out.kind {
			case aggKey:
				values[i] = group.keyValues[out.keyIdx]
			case aggCount:
				values[i] = schema.IntValue(group.count)
			case aggSum:
				values[i] = schema.DecimalValue(group.sums[i], out.typ.Precision, out.typ.Scale)
			case aggAvg:
				avg := group.sums[i].DivRound(decimal.NewFromInt(group.count), int32(out.typ.Scale))
				values[i] = schema.DecimalValue(avg, out.typ.Precision, out.typ.Scale)
			}
		}
		rec, err := schema.MakeRecord(n.spec.out, values...)
		if err != nil {
			return n.fail(nil, err)
		}
		if err := n.forward(ctx, rec); err != nil {
			return err
		}
	}
	n.groups = nil
	n.markDrained()
	return n.endDownstream(ctx)
}
