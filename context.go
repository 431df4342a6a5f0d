package flowmill

import (
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/flowmill/flowmill/dag"
)

// RunContext carries everything ambient a run may depend on: the run-start
// timestamp for current-date expressions, resolved environment bindings such
// as file locations, a run ID, and a logger. It is threaded explicitly
// through every operator and expression evaluation; the engine never reads
// process-wide global state, so two runs with equal contexts behave
// identically.
type RunContext struct {
	RunID     uuid.UUID
	StartTime time.Time
	Env       map[string]string
	Log       logr.Logger
}

// RunOption configures a RunContext.
type RunOption func(*RunContext)

// WithStartTime pins the run-start timestamp. Tests use this to make
// current-date expressions deterministic.
func WithStartTime(t time.Time) RunOption {
	return func(rc *RunContext) {
		rc.StartTime = t
	}
}

// WithEnv sets the environment bindings visible to sources and sinks.
func WithEnv(env map[string]string) RunOption {
	return func(rc *RunContext) {
		rc.Env = env
	}
}

// WithLogger sets the run logger. Defaults to logr.Discard().
func WithLogger(log logr.Logger) RunOption {
	return func(rc *RunContext) {
		rc.Log = log
	}
}

// NewRunContext creates a run context with a fresh run ID.
func NewRunContext(opts ...RunOption) *RunContext {
	rc := &RunContext{
		RunID:     uuid.New(),
		StartTime: time.Now().UTC(),
		Env:       map[string]string{},
		Log:       logr.Discard(),
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Lookup resolves an environment binding.
func (rc *RunContext) Lookup(key string) (string, bool) {
	v, ok := rc.Env[key]
	return v, ok
}

// OperatorStats are the per-node counters reported in a RunResult.
type OperatorStats struct {
	Read     int64
	Emitted  int64
	Rejected int64
	Misses   int64
}

// RunResult reports a completed run. It exists only for runs that finished
// every sink successfully; failed or cancelled runs return an error instead.
type RunResult struct {
	RunID     uuid.UUID
	StartTime time.Time
	Elapsed   time.Duration

	// Operators maps node ID to its counters. Sink entries count records
	// written; for partitioned sinks Emitted counts across all buckets.
	Operators map[dag.NodeID]OperatorStats

	// Partitions maps each partitioned sink to its per-bucket record
	// counts, keyed by the partition-key value.
	Partitions map[dag.NodeID]map[string]int64
}
