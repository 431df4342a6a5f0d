package expr

import (
	"strconv"
	"time"

	"github.com/flowmill/flowmill/schema"
)

// Built-in functions. Each entry type-checks its arguments at compile time
// and evaluates against the scope at run time.
//
//	year(d), month(d)      date decomposition
//	now(), today()         run-start date from the run context
//	date('2020-01-31')     date constant
//	add_years(d, n)        date arithmetic (n may be negative)
//	add_months(d, n)
//	round(x, s)            decimal rounded half-up to literal scale s

type call struct {
	name string
	args []Expr
	typ  Type
	eval func([]Result, Scope) (Result, error)
}

func (c *call) Type() Type {
	return c.typ
}

func (c *call) Eval(scope Scope) (Result, error) {
	results := make([]Result, len(c.args))
	for i, arg := range c.args {
		r, err := arg.Eval(scope)
		if err != nil {
			return Result{}, err
		}
		results[i] = r
	}
	return c.eval(results, scope)
}

func compileCall(n *Node, s *schema.Schema) (Expr, error) {
	args := make([]Expr, len(n.Args))
	for i, argNode := range n.Args {
		arg, err := Compile(argNode, s)
		if err != nil {
			return nil, err
		}
		args[i] = arg
	}

	switch n.Text {
	case "year", "month":
		if err := wantArgs(n, args, schema.KindDate); err != nil {
			return nil, err
		}
		name := n.Text
		return &call{
			name: name,
			args: args,
			typ:  FieldType(schema.Int()),
			eval: func(rs []Result, _ Scope) (Result, error) {
				if rs[0].Null {
					return Result{Null: true}, nil
				}
				d := rs[0].Value.Date()
				if name == "year" {
					return Result{Value: schema.IntValue(int64(d.Year()))}, nil
				}
				return Result{Value: schema.IntValue(int64(d.Month()))}, nil
			},
		}, nil

	case "now", "today":
		if len(args) != 0 {
			return nil, typeErrorf("%s takes no arguments", n.Text)
		}
		return &call{
			name: n.Text,
			typ:  FieldType(schema.Date()),
			eval: func(_ []Result, scope Scope) (Result, error) {
				return Result{Value: schema.DateValue(scope.Now)}, nil
			},
		}, nil

	case "date":
		if len(n.Args) != 1 || n.Args[0].Kind != NodeLiteral || !n.Args[0].IsString {
			return nil, typeErrorf("date requires a string literal argument")
		}
		d, err := time.Parse(schema.DateLayout, n.Args[0].Text)
		if err != nil {
			return nil, typeErrorf("bad date literal %q", n.Args[0].Text)
		}
		return &literal{typ: FieldType(schema.Date()), val: schema.DateValue(d)}, nil

	case "add_years", "add_months":
		if err := wantArgs(n, args, schema.KindDate, schema.KindInt); err != nil {
			return nil, err
		}
		name := n.Text
		return &call{
			name: name,
			args: args,
			typ:  FieldType(schema.Date()),
			eval: func(rs []Result, _ Scope) (Result, error) {
				if rs[0].Null || rs[1].Null {
					return Result{Null: true}, nil
				}
				d := rs[0].Value.Date()
				n := int(rs[1].Value.Int())
				if name == "add_years" {
					return Result{Value: schema.DateValue(d.AddDate(n, 0, 0))}, nil
				}
				return Result{Value: schema.DateValue(d.AddDate(0, n, 0))}, nil
			},
		}, nil

	case "round":
		if len(args) != 2 {
			return nil, typeErrorf("round requires (decimal, scale)")
		}
		if args[0].Type().IsBool || args[0].Type().Field.Kind != schema.KindDecimal {
			return nil, typeErrorf("round requires a decimal argument, got %s", args[0].Type())
		}
		// The target scale must be a literal so the result type is known at
		// compile time.
		if n.Args[1].Kind != NodeLiteral || !n.Args[1].IsNumber || n.Args[1].HasPoint {
			return nil, typeErrorf("round scale must be an integer literal")
		}
		scale, err := strconv.Atoi(n.Args[1].Text)
		if err != nil || scale < 0 {
			return nil, typeErrorf("bad round scale %q", n.Args[1].Text)
		}
		in := args[0].Type().Field
		out := schema.Decimal(in.Precision, scale)
		return &call{
			name: "round",
			args: args[:1],
			typ:  FieldType(out),
			eval: func(rs []Result, _ Scope) (Result, error) {
				if rs[0].Null {
					return Result{Null: true}, nil
				}
				return Result{Value: rs[0].Value.Round(scale)}, nil
			},
		}, nil

	default:
		return nil, typeErrorf("unknown function %q", n.Text)
	}
}

func wantArgs(n *Node, args []Expr, kinds ...schema.Kind) error {
	if len(args) != len(kinds) {
		return typeErrorf("%s requires %d arguments, got %d", n.Text, len(kinds), len(args))
	}
	for i, k := range kinds {
		t := args[i].Type()
		if t.IsBool || t.Field.Kind != k {
			return typeErrorf("%s argument %d must be %s, got %s", n.Text, i+1, k, t)
		}
	}
	return nil
}
