package flowmill

import (
	"context"
	"fmt"

	"github.com/flowmill/flowmill/dag"
	"github.com/flowmill/flowmill/schema"
)

// Input port names of a join component.
const (
	PortLeft  = "left"
	PortRight = "right"
)

// JoinType selects which unmatched rows survive a join.
type JoinType int

const (
	JoinInner JoinType = iota
	JoinLeftOuter
	JoinRightOuter
	JoinFullOuter
)

// ParseJoinType parses the textual join_type parameter.
func ParseJoinType(s string) (JoinType, error) {
	switch s {
	case "inner":
		return JoinInner, nil
	case "left_outer":
		return JoinLeftOuter, nil
	case "right_outer":
		return JoinRightOuter, nil
	case "full_outer":
		return JoinFullOuter, nil
	default:
		return 0, fmt.Errorf("unknown join_type %q", s)
	}
}

func (t JoinType) String() string {
	switch t {
	case JoinInner:
		return "inner"
	case JoinLeftOuter:
		return "left_outer"
	case JoinRightOuter:
		return "right_outer"
	case JoinFullOuter:
		return "full_outer"
	default:
		return "unknown"
	}
}

// joinSpec is a compiled binary join. The right input is the build side by
// convention: it is fully materialized into a hash index before the left
// side streams through and probes. The output schema is the left fields
// followed by the right fields not already present on the left; key fields
// appear once.
type joinSpec struct {
	left  *schema.Schema
	right *schema.Schema
	out   *schema.Schema
	keys  []string
	typ   JoinType
}

func (s *joinSpec) newNode(id dag.NodeID, rc *RunContext, opts *runOptions) (runtimeNode, error) {
	store, err := opts.storeBuilder(string(id), s.right)
	if err != nil {
		return nil, err
	}
	return &joinNode{
		nodeBase: nodeBase{nodeID: id, log: rc.Log, openPorts: 2},
		spec:     s,
		index:    store,
		matched:  make(map[string][]bool),
	}, nil
}

type joinNode struct {
	nodeBase
	spec  *joinSpec
	index RecordStore

	indexReady bool
	// matched flags parallel the per-key record lists in the index; they
	// drive unmatched-right emission for right_outer and full_outer.
	matched    map[string][]bool
	buildOrder []string
}

func (n *joinNode) process(ctx context.Context, port string, rec schema.Record) error {
	n.markRunning()
	if port == PortRight {
		return n.processBuild(rec)
	}
	return n.processProbe(ctx, rec)
}

func (n *joinNode) processBuild(rec schema.Record) error {
	key, err := rec.Key(n.spec.keys)
	if err != nil {
		return n.fail(&rec, err)
	}
	if _, seen := n.matched[key]; !seen {
		n.buildOrder = append(n.buildOrder, key)
	}
	if err := n.index.Append(key, rec); err != nil {
		return n.fail(&rec, err)
	}
	n.matched[key] = append(n.matched[key], false)
	return nil
}

func (n *joinNode) processProbe(ctx context.Context, rec schema.Record) error {
	if !n.indexReady {
		return n.fail(&rec, fmt.Errorf("probe record arrived before build side was drained"))
	}
	n.stats.Read++

	key, err := rec.Key(n.spec.keys)
	if err != nil {
		return n.fail(&rec, err)
	}
	rows, err := n.index.Get(key)
	if err != nil {
		return n.fail(&rec, err)
	}

	if len(rows) == 0 {
		// Unmatched left row: survives left_outer and full_outer with
		// null right fields, is suppressed otherwise.
		if n.spec.typ == JoinLeftOuter || n.spec.typ == JoinFullOuter {
			return n.emitMerged(ctx, &rec, nil)
		}
		return nil
	}

	flags := n.matched[key]
	for i, row := range rows {
		flags[i] = true
		if err := n.emitMerged(ctx, &rec, &row); err != nil {
			return err
		}
	}
	return nil
}

// emitMerged builds one output record from an optional left and right side.
// A field takes its value from the side that declares it; left wins for the
// shared key fields, so right-only rows fill them from the right.
func (n *joinNode) emitMerged(ctx context.Context, left, right *schema.Record) error {
	values := make([]schema.Value, n.spec.out.Len())
	for i := 0; i < n.spec.out.Len(); i++ {
		f := n.spec.out.Field(i)
		switch {
		case left != nil && left.Schema().Has(f.Name):
			values[i] = left.MustGet(f.Name)
		case right != nil && right.Schema().Has(f.Name):
			values[i] = right.MustGet(f.Name)
		default:
			values[i] = schema.Null(f.Type)
		}
	}
	rec, err := schema.MakeRecord(n.spec.out, values...)
	if err != nil {
		return n.fail(nil, err)
	}
	return n.forward(ctx, rec)
}

// release frees the build-side index after a failed run; a drained node has
// already closed it.
func (n *joinNode) release() error {
	if n.state == StateDrained {
		return nil
	}
	return n.index.Close()
}

func (n *joinNode) endOfInput(ctx context.Context, port string) error {
	n.openPorts--
	if port == PortRight {
		n.indexReady = true
		n.log.V(1).Info("join build side materialized", "node", n.nodeID, "records", n.index.Len())
	}
	if n.openPorts > 0 {
		return nil
	}

	// Right-only rows, each emitted once, in build arrival order.
	if n.spec.typ == JoinRightOuter || n.spec.typ == JoinFullOuter {
		for _, key := range n.buildOrder {
			rows, err := n.index.Get(key)
			if err != nil {
				return n.fail(nil, err)
			}
			for i, row := range rows {
				if n.matched[key][i] {
					continue
				}
				if err := n.emitMerged(ctx, nil, &row); err != nil {
					return err
				}
			}
		}
	}

	if err := n.index.Close(); err != nil {
		return n.fail(nil, err)
	}
	n.matched = nil
	n.markDrained()
	return n.endDownstream(ctx)
}
