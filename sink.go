package flowmill

import (
	"context"

	"github.com/flowmill/flowmill/dag"
	"github.com/flowmill/flowmill/schema"
)

// sinkSpec is a compiled output_table: the sink factory plus the optional
// partition-key fields that turn it into a partitioned sink.
type sinkSpec struct {
	schema        *schema.Schema
	params        map[string]string
	factory       SinkFactory
	partitionKeys []string
}

func (s *sinkSpec) newNode(id dag.NodeID, rc *RunContext, _ *runOptions) (runtimeNode, error) {
	node := &sinkNode{
		nodeBase: nodeBase{nodeID: id, log: rc.Log},
		spec:     s,
		rc:       rc,
	}
	if len(s.partitionKeys) > 0 {
		node.partitioned = NewPartitionedSink(s.partitionKeys, s.schema, func(partition string) (RecordSink, error) {
			return s.factory(s.params, s.schema, partition)
		})
		node.sink = node.partitioned
		return node, nil
	}
	sink, err := s.factory(s.params, s.schema, "")
	if err != nil {
		return nil, err
	}
	node.sink = sink
	return node, nil
}

type sinkNode struct {
	nodeBase
	spec *sinkSpec
	rc   *RunContext

	sink        RecordSink
	partitioned *PartitionedSink
	opened      bool
	closed      bool
}

func (n *sinkNode) ensureOpen(ctx context.Context) error {
	if n.opened {
		return nil
	}
	if err := n.sink.Open(ctx, n.rc); err != nil {
		return n.fail(nil, err)
	}
	n.opened = true
	return nil
}

func (n *sinkNode) process(ctx context.Context, _ string, rec schema.Record) error {
	n.markRunning()
	if err := n.ensureOpen(ctx); err != nil {
		return err
	}
	n.stats.Read++
	if err := n.sink.Write(ctx, rec); err != nil {
		return n.fail(&rec, err)
	}
	n.stats.Emitted++
	return nil
}

// endOfInput closes the sink. Only a successful close here marks the output
// complete; a sink torn down by the executor's failure path never reaches
// this and its output stays non-committed.
func (n *sinkNode) endOfInput(ctx context.Context, _ string) error {
	if err := n.ensureOpen(ctx); err != nil {
		return err
	}
	if err := n.sink.Close(); err != nil {
		return n.fail(nil, err)
	}
	n.closed = true
	n.markDrained()
	return nil
}

// abort releases the sink after a failed run without treating its output as
// complete.
func (n *sinkNode) abort() error {
	if !n.opened || n.closed {
		return nil
	}
	if a, ok := n.sink.(AbortableSink); ok {
		return a.Abort()
	}
	return n.sink.Close()
}
