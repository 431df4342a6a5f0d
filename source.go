package flowmill

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowmill/flowmill/dag"
	"github.com/flowmill/flowmill/schema"
)

// sourceSpec is a compiled input_table: the connector factory plus its
// parameters. Each run creates a fresh RecordSource so a Graph can run any
// number of times.
type sourceSpec struct {
	schema      *schema.Schema
	params      map[string]string
	factory     SourceFactory
	rejectLimit int64
}

// sourceNode drives one bounded source: open, pull records until
// end-of-stream, forward each downstream, then propagate end-of-input.
type sourceNode struct {
	nodeBase
	spec   *sourceSpec
	source RecordSource
	rc     *RunContext
}

func (s *sourceSpec) newNode(id dag.NodeID, rc *RunContext, _ *runOptions) (runtimeNode, error) {
	source, err := s.factory(s.params, s.schema)
	if err != nil {
		return nil, err
	}
	return &sourceNode{
		nodeBase: nodeBase{nodeID: id, log: rc.Log, rejectLimit: s.rejectLimit},
		spec:     s,
		source:   source,
		rc:       rc,
	}, nil
}

// process and endOfInput are never called on a source; sources sit at the
// top of the graph and are driven by the executor.
func (n *sourceNode) process(context.Context, string, schema.Record) error {
	return fmt.Errorf("source %s cannot consume records", n.nodeID)
}

func (n *sourceNode) endOfInput(context.Context, string) error {
	return fmt.Errorf("source %s cannot consume records", n.nodeID)
}

// drive drains the source to end-of-stream. Cancellation is checked between
// records so a cancelled run halts producers promptly.
func (n *sourceNode) drive(ctx context.Context) error {
	n.markRunning()
	if err := n.source.Open(ctx, n.rc); err != nil {
		return n.fail(nil, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			n.source.Close()
			return n.fail(nil, fmt.Errorf("%w: %v", ErrRunCancelled, err))
		}
		rec, err := n.source.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrEndOfStream) {
				break
			}
			// Unparseable input rows consume the reject budget before one
			// becomes fatal.
			var convErr *schema.ConversionError
			if errors.As(err, &convErr) && n.stats.Rejected < n.rejectLimit {
				n.stats.Rejected++
				n.log.V(1).Info("input record rejected", "node", n.nodeID, "reason", err.Error())
				continue
			}
			n.source.Close()
			return n.fail(nil, err)
		}
		n.stats.Read++
		if err := n.forward(ctx, rec); err != nil {
			n.source.Close()
			return err
		}
	}

	if err := n.source.Close(); err != nil {
		return n.fail(nil, err)
	}
	n.markDrained()
	return n.endDownstream(ctx)
}
