package flowmill

import (
	"context"

	"github.com/flowmill/flowmill/schema"
)

// RecordSource produces a bounded sequence of records from external storage.
// Next returns ErrEndOfStream once the input is exhausted. Implementations
// must be safe to Close at any point after Open, including mid-iteration on
// cancellation.
type RecordSource interface {
	Open(ctx context.Context, rc *RunContext) error
	Next(ctx context.Context) (schema.Record, error)
	Close() error
}

// RecordSink consumes records into external storage. Close must guarantee a
// durable flush or return an error; output from a sink whose Close did not
// succeed must never be treated as a complete result.
type RecordSink interface {
	Open(ctx context.Context, rc *RunContext) error
	Write(ctx context.Context, rec schema.Record) error
	Close() error
}

// AbortableSink is implemented by sinks that can discard partial output
// after a failed run. The executor prefers Abort over Close on the failure
// path, so a sink that finalizes output in Close can leave nothing behind
// instead.
type AbortableSink interface {
	RecordSink
	Abort() error
}

// SourceFactory builds a RecordSource for an input_table component from its
// declared parameters and record schema. Factories are registered on the
// builder by connector name.
type SourceFactory func(params map[string]string, s *schema.Schema) (RecordSource, error)

// SinkFactory builds a RecordSink for an output_table component. The
// partition argument is empty for unpartitioned sinks; partitioned sinks call
// the factory once per discovered partition-key value.
type SinkFactory func(params map[string]string, s *schema.Schema, partition string) (RecordSink, error)
