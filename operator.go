package flowmill

import (
	"context"
	"errors"

	"github.com/go-logr/logr"

	"github.com/flowmill/flowmill/dag"
	"github.com/flowmill/flowmill/schema"
)

// OperatorState tracks one operator instance through a run.
type OperatorState int

const (
	StateNotStarted OperatorState = iota
	StateRunning
	StateDrained
	StateFailed
)

func (s OperatorState) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateRunning:
		return "Running"
	case StateDrained:
		return "Drained"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// consumer is the uniform runtime contract: accept one record on a named
// input port, or the end-of-input signal for that port. Every operator
// variant and every sink node implements it; sources drive it.
//
// The executor's wave schedule guarantees a node is fed by at most one
// goroutine at a time, so implementations need no internal locking.
type consumer interface {
	process(ctx context.Context, port string, rec schema.Record) error
	endOfInput(ctx context.Context, port string) error
}

// target is one outgoing edge: the downstream node and the input port to
// feed.
type target struct {
	port string
	node consumer
}

// nodeBase carries the pieces every runtime node shares: identity, outgoing
// edges, state, and counters.
type nodeBase struct {
	nodeID dag.NodeID
	log    logr.Logger
	outs   []target

	state OperatorState
	stats OperatorStats

	// openPorts counts input ports that have not yet signalled end.
	openPorts int

	// rejectLimit is the number of ConversionErrors the node may skip
	// before one becomes fatal.
	rejectLimit int64
}

// runtimeNode is a fully wired per-run operator or sink instance.
type runtimeNode interface {
	consumer
	base() *nodeBase
}

func (b *nodeBase) base() *nodeBase {
	return b
}

func (b *nodeBase) markRunning() {
	if b.state == StateNotStarted {
		b.state = StateRunning
		b.log.V(1).Info("operator running", "node", b.nodeID)
	}
}

func (b *nodeBase) markDrained() {
	if b.state != StateFailed {
		b.state = StateDrained
		b.log.V(1).Info("operator drained", "node", b.nodeID,
			"read", b.stats.Read, "emitted", b.stats.Emitted, "rejected", b.stats.Rejected)
	}
}

func (b *nodeBase) fail(rec *schema.Record, err error) error {
	b.state = StateFailed
	return runError(b.nodeID, rec, err)
}

// forward emits one record to every downstream target. Records are never
// mutated in place after emission, so fan-out shares the same record.
func (b *nodeBase) forward(ctx context.Context, rec schema.Record) error {
	b.stats.Emitted++
	for _, t := range b.outs {
		if err := t.node.process(ctx, t.port, rec); err != nil {
			return err
		}
	}
	return nil
}

// endDownstream propagates end-of-input to every downstream target.
func (b *nodeBase) endDownstream(ctx context.Context) error {
	for _, t := range b.outs {
		if err := t.node.endOfInput(ctx, t.port); err != nil {
			return err
		}
	}
	return nil
}

// reject decides what to do with a per-record conversion failure: skip the
// record while the reject budget lasts, fail the run otherwise.
func (b *nodeBase) reject(rec schema.Record, err error) error {
	var convErr *schema.ConversionError
	if !errors.As(err, &convErr) {
		return b.fail(&rec, err)
	}
	if b.stats.Rejected < b.rejectLimit {
		b.stats.Rejected++
		b.log.V(1).Info("record rejected", "node", b.nodeID, "record", rec.String(), "reason", err.Error())
		return nil
	}
	return b.fail(&rec, err)
}

// nodeSpec is a compiled, immutable node parameter set. Graphs hold specs;
// each run instantiates fresh runtime nodes from them, which is what makes a
// validated Graph reusable across runs.
type nodeSpec interface {
	newNode(id dag.NodeID, rc *RunContext, opts *runOptions) (runtimeNode, error)
}

// runOptions are executor-level settings shared by all nodes of one run.
type runOptions struct {
	storeBuilder StoreBuilder
	maxGroups    int
	sortBound    int
}
