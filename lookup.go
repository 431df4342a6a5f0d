package flowmill

import (
	"context"
	"fmt"

	"github.com/flowmill/flowmill/dag"
	"github.com/flowmill/flowmill/schema"
)

// PortTable is the side-table input port of a lookup component.
const PortTable = "table"

// lookupSpec is a compiled lookup: the side table is materialized and keyed
// before any main-stream record is processed (the table side is a barrier;
// the main stream stays pipelined). A key found in the table contributes its
// fields; an absent key contributes nulls (a non-fatal miss). Duplicate
// side-table keys resolve first-match-wins.
type lookupSpec struct {
	main  *schema.Schema
	table *schema.Schema
	out   *schema.Schema
	keys  []string

	// lookupFields are the table fields appended to main records, by
	// position in the table schema.
	lookupFields []int
}

func (s *lookupSpec) newNode(id dag.NodeID, rc *RunContext, opts *runOptions) (runtimeNode, error) {
	store, err := opts.storeBuilder(string(id), s.table)
	if err != nil {
		return nil, err
	}
	return &lookupNode{
		nodeBase: nodeBase{nodeID: id, log: rc.Log, openPorts: 2},
		spec:     s,
		store:    store,
	}, nil
}

type lookupNode struct {
	nodeBase
	spec  *lookupSpec
	store RecordStore

	tableReady bool
}

func (n *lookupNode) process(ctx context.Context, port string, rec schema.Record) error {
	n.markRunning()
	if port == PortTable {
		return n.processTable(rec)
	}
	return n.processMain(ctx, rec)
}

func (n *lookupNode) processTable(rec schema.Record) error {
	key, err := rec.Key(n.spec.keys)
	if err != nil {
		return n.fail(&rec, err)
	}
	existing, err := n.store.Get(key)
	if err != nil {
		return n.fail(&rec, err)
	}
	if len(existing) > 0 {
		// First-match-wins on duplicate side-table keys.
		return nil
	}
	if err := n.store.Append(key, rec); err != nil {
		return n.fail(&rec, err)
	}
	return nil
}

func (n *lookupNode) processMain(ctx context.Context, rec schema.Record) error {
	if !n.tableReady {
		return n.fail(&rec, fmt.Errorf("main stream record arrived before side table was drained"))
	}
	n.stats.Read++

	key, err := rec.Key(n.spec.keys)
	if err != nil {
		return n.fail(&rec, err)
	}
	rows, err := n.store.Get(key)
	if err != nil {
		return n.fail(&rec, err)
	}

	out := rec.Project(n.spec.out)
	if len(rows) == 0 {
		// LookupMiss: the output record keeps null lookup fields.
		n.stats.Misses++
		return n.forward(ctx, out)
	}
	match := rows[0]
	for _, idx := range n.spec.lookupFields {
		name := n.spec.table.Field(idx).Name
		out, err = out.Set(name, match.At(idx))
		if err != nil {
			return n.fail(&rec, err)
		}
	}
	return n.forward(ctx, out)
}

// release frees the side-table store after a failed run; a drained node has
// already closed it.
func (n *lookupNode) release() error {
	if n.state == StateDrained {
		return nil
	}
	return n.store.Close()
}

func (n *lookupNode) endOfInput(ctx context.Context, port string) error {
	n.openPorts--
	if port == PortTable {
		n.tableReady = true
		n.log.V(1).Info("lookup table materialized", "node", n.nodeID, "records", n.store.Len())
	}
	if n.openPorts > 0 {
		return nil
	}
	if err := n.store.Close(); err != nil {
		return n.fail(nil, err)
	}
	n.markDrained()
	return n.endDownstream(ctx)
}
