package flowmill

import (
	"context"
	"fmt"

	"github.com/flowmill/flowmill/dag"
	"github.com/flowmill/flowmill/schema"
)

// dedupSpec is a compiled dedup: the first record seen for each key value
// passes through, later ones are dropped. Non-blocking; only the key set is
// retained.
type dedupSpec struct {
	keys []string
}

func (s *dedupSpec) newNode(id dag.NodeID, rc *RunContext, opts *runOptions) (runtimeNode, error) {
	return &dedupNode{
		nodeBase: nodeBase{nodeID: id, log: rc.Log},
		spec:     s,
		seen:     make(map[string]struct{}),
		bound:    opts.maxGroups,
	}, nil
}

type dedupNode struct {
	nodeBase
	spec  *dedupSpec
	seen  map[string]struct{}
	bound int
}

func (n *dedupNode) process(ctx context.Context, _ string, rec schema.Record) error {
	n.markRunning()
	n.stats.Read++

	key, err := rec.Key(n.spec.keys)
	if err != nil {
		return n.fail(&rec, err)
	}
	if _, dup := n.seen[key]; dup {
		return nil
	}
	if len(n.seen) >= n.bound {
		return n.fail(&rec, fmt.Errorf("%w: dedup %s at %d keys", ErrResourceExhausted, n.nodeID, len(n.seen)))
	}
	n.seen[key] = struct{}{}
	return n.forward(ctx, rec)
}

func (n *dedupNode) endOfInput(ctx context.Context, _ string) error {
	n.seen = nil
	n.markDrained()
	return n.endDownstream(ctx)
}
