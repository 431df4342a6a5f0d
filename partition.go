package flowmill

import (
	"context"
	"strings"

	"go.uber.org/multierr"

	"github.com/flowmill/flowmill/schema"
)

// PartitionedSink wraps a sink factory and routes every record to the output
// stream of its partition-key value, creating the stream on first use.
// Every record lands in exactly one partition; within one partition records
// keep their arrival order. A partition's sink stays open until the
// PartitionedSink closes, so the sum of per-partition counts always equals
// the records offered.
type PartitionedSink struct {
	keys   []string
	schema *schema.Schema
	open   func(partition string) (RecordSink, error)

	ctx context.Context
	rc  *RunContext

	// buckets keys by the unambiguous encoded form; labels keep the
	// human-readable partition value for sink naming and reporting.
	buckets map[string]RecordSink
	labels  map[string]string
	counts  map[string]int64
	order   []string
}

// NewPartitionedSink builds a partitioned sink over the given partition-key
// fields. open is called once per discovered partition value with a
// human-readable label derived from the key fields.
func NewPartitionedSink(keys []string, s *schema.Schema, open func(partition string) (RecordSink, error)) *PartitionedSink {
	return &PartitionedSink{
		keys:    keys,
		schema:  s,
		open:    open,
		buckets: make(map[string]RecordSink),
		labels:  make(map[string]string),
		counts:  make(map[string]int64),
	}
}

func (p *PartitionedSink) Open(ctx context.Context, rc *RunContext) error {
	p.ctx = ctx
	p.rc = rc
	return nil
}

func (p *PartitionedSink) Write(ctx context.Context, rec schema.Record) error {
	values := make([]schema.Value, len(p.keys))
	labels := make([]string, len(p.keys))
	for i, name := range p.keys {
		v, err := rec.Get(name)
		if err != nil {
			return err
		}
		values[i] = v
		labels[i] = v.String()
	}
	key := schema.EncodeKey(values...)

	sink, ok := p.buckets[key]
	if !ok {
		label := strings.Join(labels, "_")
		s, err := p.open(label)
		if err != nil {
			return err
		}
		if err := s.Open(p.ctx, p.rc); err != nil {
			return err
		}
		p.buckets[key] = s
		p.labels[key] = label
		p.order = append(p.order, key)
		sink = s
	}
	if err := sink.Write(ctx, rec); err != nil {
		return err
	}
	p.counts[key]++
	return nil
}

// Close closes every partition stream. All streams are closed even when one
// fails; the errors are joined.
func (p *PartitionedSink) Close() error {
	var err error
	for _, key := range p.order {
		err = multierr.Append(err, p.buckets[key].Close())
	}
	return err
}

// Abort discards every partition stream after a failed run, preferring each
// bucket's Abort when it has one.
func (p *PartitionedSink) Abort() error {
	var err error
	for _, key := range p.order {
		sink := p.buckets[key]
		if a, ok := sink.(AbortableSink); ok {
			err = multierr.Append(err, a.Abort())
			continue
		}
		err = multierr.Append(err, sink.Close())
	}
	return err
}

// Counts returns per-partition record counts keyed by partition label.
func (p *PartitionedSink) Counts() map[string]int64 {
	out := make(map[string]int64, len(p.counts))
	for key, c := range p.counts {
		out[p.labels[key]] = c
	}
	return out
}
