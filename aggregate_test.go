package flowmill

import (
	"context"
	"errors"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/flowmill/flowmill/dag"
	"github.com/flowmill/flowmill/expr"
	"github.com/flowmill/flowmill/schema"
)

// convFaultExpr wraps a compiled expression and fails with a conversion
// error for records whose marker field matches tag.
type convFaultExpr struct {
	inner expr.Expr
	tag   string
}

func (f convFaultExpr) Type() expr.Type { return f.inner.Type() }

func (f convFaultExpr) Eval(s expr.Scope) (expr.Result, error) {
	if s.Record.MustGet("marker").Str() == f.tag {
		return expr.Result{}, &schema.ConversionError{
			Field:  "amount",
			Input:  s.Record.MustGet("amount").String(),
			Target: schema.Decimal(10, 2),
			Err:    errors.New("unconvertible digits"),
		}
	}
	return f.inner.Eval(s)
}

type captureConsumer struct {
	nodeBase
	recs []schema.Record
}

func (c *captureConsumer) process(_ context.Context, _ string, rec schema.Record) error {
	c.recs = append(c.recs, rec)
	return nil
}

func (c *captureConsumer) endOfInput(context.Context, string) error {
	return nil
}

func TestAggregate_RejectedRecordLeavesNoPartialContribution(t *testing.T) {
	in := schema.MustNew(
		schema.Field{Name: "g", Type: schema.String()},
		schema.Field{Name: "marker", Type: schema.String()},
		schema.Field{Name: "amount", Type: schema.Decimal(10, 2)},
	)
	out := schema.MustNew(
		schema.Field{Name: "g", Type: schema.String()},
		schema.Field{Name: "s1", Type: schema.Decimal(12, 2)},
		schema.Field{Name: "s2", Type: schema.Decimal(12, 2)},
	)

	compileAmount := func(t *testing.T) expr.Expr {
		t.Helper()
		n, err := expr.Parse("amount")
		assert.NoError(t, err)
		e, err := expr.Compile(n, in)
		assert.NoError(t, err)
		return e
	}

	rec := func(g, marker, amount string) schema.Record {
		return schema.MustMakeRecord(in,
			schema.StringValue(g),
			schema.StringValue(marker),
			schema.MustParse("amount", schema.Decimal(10, 2), amount),
		)
	}

	newAggregate := func(t *testing.T, rejectLimit int64) (*aggregateNode, *captureConsumer) {
		t.Helper()
		spec := &aggregateSpec{
			in:   in,
			out:  out,
			keys: []string{"g"},
			outputs: []aggOutput{
				{kind: aggKey, keyIdx: 0, typ: schema.String()},
				{kind: aggSum, input: compileAmount(t), typ: schema.Decimal(12, 2)},
				// The second sum fails conversion after the first already
				// evaluated for the same record.
				{kind: aggSum, input: convFaultExpr{inner: compileAmount(t), tag: "boom"}, typ: schema.Decimal(12, 2)},
			},
			rejectLimit: rejectLimit,
		}
		node, err := spec.newNode("totals", NewRunContext(), &runOptions{
			storeBuilder: MemoryStoreBuilder(DefaultStoreBound),
			maxGroups:    DefaultStoreBound,
			sortBound:    DefaultStoreBound,
		})
		assert.NoError(t, err)
		agg := node.(*aggregateNode)
		sink := &captureConsumer{}
		agg.outs = []target{{port: dag.DefaultPort, node: sink}}
		return agg, sink
	}

	t.Run("neither sum keeps the rejected record", func(t *testing.T) {
		agg, sink := newAggregate(t, 1)
		ctx := context.Background()

		assert.NoError(t, agg.process(ctx, dag.DefaultPort, rec("x", "ok", "10.00")))
		assert.NoError(t, agg.process(ctx, dag.DefaultPort, rec("x", "boom", "13.00")))
		assert.NoError(t, agg.process(ctx, dag.DefaultPort, rec("x", "ok", "5.00")))
		assert.NoError(t, agg.endOfInput(ctx, dag.DefaultPort))

		assert.Equal(t, 1, len(sink.recs))
		row := sink.recs[0]
		assert.Equal(t, "15.00", row.MustGet("s1").String())
		assert.Equal(t, "15.00", row.MustGet("s2").String())
		assert.Equal(t, int64(1), agg.stats.Rejected)
	})

	t.Run("rejected record creates no group", func(t *testing.T) {
		agg, sink := newAggregate(t, 1)
		ctx := context.Background()

		assert.NoError(t, agg.process(ctx, dag.DefaultPort, rec("x", "ok", "10.00")))
		assert.NoError(t, agg.process(ctx, dag.DefaultPort, rec("y", "boom", "7.00")))
		assert.NoError(t, agg.endOfInput(ctx, dag.DefaultPort))

		assert.Equal(t, 1, len(sink.recs))
		assert.Equal(t, "x", sink.recs[0].MustGet("g").Str())
	})

	t.Run("exhausted reject budget is fatal", func(t *testing.T) {
		agg, _ := newAggregate(t, 1)
		ctx := context.Background()

		assert.NoError(t, agg.process(ctx, dag.DefaultPort, rec("x", "boom", "1.00")))
		err := agg.process(ctx, dag.DefaultPort, rec("x", "boom", "2.00"))
		var re *RunError
		assert.True(t, errors.As(err, &re))
		assert.Equal(t, dag.NodeID("totals"), re.Operator)
	})
}
