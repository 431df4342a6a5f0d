// Package flowmill is a batch dataflow engine. It accepts a declarative
// description of a graph of typed record-processing operators, validates the
// description and every edge schema at build time, and executes the graph
// over bounded datasets.
//
// Build compiles a GraphDescription into an immutable, validated Graph;
// Run executes a Graph under an explicit RunContext. All expression
// parameters are compiled once at build time, so type errors surface before
// any source is opened.
package flowmill

import (
	"errors"
	"fmt"

	"github.com/flowmill/flowmill/dag"
	"github.com/flowmill/flowmill/schema"
)

// Sentinel errors of the engine's failure taxonomy. Structural sentinels
// (cycles, ports, edge schemas) live in the dag package and are wrapped by
// ConstructionError.
var (
	// ErrEndOfStream is returned by RecordSource.Next once the bounded
	// input is exhausted. It is a signal, not a failure.
	ErrEndOfStream = errors.New("end of stream")

	// ErrResourceExhausted reports a keyed accumulator that grew beyond
	// its configured bound. Fatal, never retried.
	ErrResourceExhausted = errors.New("accumulator bound exceeded")

	// ErrRunCancelled reports a run halted by context cancellation.
	ErrRunCancelled = errors.New("run cancelled")
)

// ConstructionError is any failure detected while building a graph from its
// description: unresolved references, cyclic graphs, incompatible edge
// schemas, malformed parameters, unassigned or duplicate output fields.
// Raised before any I/O happens.
type ConstructionError struct {
	Component string
	Err       error
}

func (e *ConstructionError) Error() string {
	if e.Component == "" {
		return fmt.Sprintf("construction failed: %v", e.Err)
	}
	return fmt.Sprintf("construction failed at component %q: %v", e.Component, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

func constructionErrorf(component, format string, args ...any) error {
	return &ConstructionError{Component: component, Err: fmt.Errorf(format, args...)}
}

// RunError is a fatal runtime failure, carrying the failing operator and,
// where one exists, the offending record.
type RunError struct {
	Operator dag.NodeID
	Record   *schema.Record
	Err      error
}

func (e *RunError) Error() string {
	if e.Record != nil {
		return fmt.Sprintf("operator %s failed on record %s: %v", e.Operator, *e.Record, e.Err)
	}
	return fmt.Sprintf("operator %s failed: %v", e.Operator, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func runError(op dag.NodeID, rec *schema.Record, err error) error {
	// Keep the innermost operator context; re-wrapping on the way up the
	// node chain would bury it.
	var re *RunError
	if errors.As(err, &re) {
		return err
	}
	return &RunError{Operator: op, Record: rec, Err: err}
}
