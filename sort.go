package flowmill

import (
	"context"
	"fmt"
	"sort"

	"github.com/flowmill/flowmill/dag"
	"github.com/flowmill/flowmill/schema"
)

// sortSpec is a compiled sort: a barrier that materializes its input and
// re-emits it ordered on the key fields, ascending, nulls first. The sort is
// stable, so records comparing equal keep their arrival order.
type sortSpec struct {
	keys []string
}

func (s *sortSpec) newNode(id dag.NodeID, rc *RunContext, opts *runOptions) (runtimeNode, error) {
	return &sortNode{
		nodeBase: nodeBase{nodeID: id, log: rc.Log},
		spec:     s,
		bound:    opts.sortBound,
	}, nil
}

type sortNode struct {
	nodeBase
	spec  *sortSpec
	buf   []schema.Record
	bound int
}

func (n *sortNode) process(_ context.Context, _ string, rec schema.Record) error {
	n.markRunning()
	n.stats.Read++
	if len(n.buf) >= n.bound {
		return n.fail(&rec, fmt.Errorf("%w: sort %s at %d records", ErrResourceExhausted, n.nodeID, len(n.buf)))
	}
	n.buf = append(n.buf, rec)
	return nil
}

func (n *sortNode) endOfInput(ctx context.Context, _ string) error {
	keys := n.spec.keys
	sort.SliceStable(n.buf, func(i, j int) bool {
		for _, name := range keys {
			c := n.buf[i].MustGet(name).Compare(n.buf[j].MustGet(name))
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
	for _, rec := range n.buf {
		if err := n.forward(ctx, rec); err != nil {
			return err
		}
	}
	n.buf = nil
	n.markDrained()
	return n.endDownstream(ctx)
}
