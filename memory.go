package flowmill

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowmill/flowmill/schema"
)

// MemorySource is an in-process RecordSource over a fixed record slice.
type MemorySource struct {
	records []schema.Record
	pos     int
}

// NewMemorySource creates a source yielding the given records in order.
func NewMemorySource(records ...schema.Record) *MemorySource {
	return &MemorySource{records: records}
}

func (s *MemorySource) Open(context.Context, *RunContext) error {
	s.pos = 0
	return nil
}

func (s *MemorySource) Next(context.Context) (schema.Record, error) {
	if s.pos >= len(s.records) {
		return schema.Record{}, ErrEndOfStream
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}

func (s *MemorySource) Close() error {
	return nil
}

// MemorySink is an in-process RecordSink that collects written records.
// Records become visible through Records only after a successful Close, which
// mirrors the commit-on-close contract of durable sinks. A MemorySink is safe
// for concurrent inspection after the run finishes.
type MemorySink struct {
	mu        sync.Mutex
	buf       []schema.Record
	committed []schema.Record
	opened    bool
	closed    bool
}

// NewMemorySink creates an empty collecting sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Open(context.Context, *RunContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return fmt.Errorf("sink already open")
	}
	s.opened = true
	return nil
}

func (s *MemorySink) Write(_ context.Context, rec schema.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened || s.closed {
		return fmt.Errorf("write on closed sink")
	}
	s.buf = append(s.buf, rec)
	return nil
}

func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.committed = s.buf
	s.buf = nil
	return nil
}

// Abort discards everything written since Open.
func (s *MemorySink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buf = nil
	return nil
}

// Records returns the committed records. Empty until Close succeeds.
func (s *MemorySink) Records() []schema.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.Record, len(s.committed))
	copy(out, s.committed)
	return out
}
