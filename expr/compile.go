package expr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flowmill/flowmill/schema"
)

// Type is the type of a compiled expression: either boolean (predicates,
// logical connectives) or a schema field type.
type Type struct {
	IsBool bool
	Field  schema.Type
}

func BoolType() Type {
	return Type{IsBool: true}
}

func FieldType(t schema.Type) Type {
	return Type{Field: t}
}

func (t Type) String() string {
	if t.IsBool {
		return "bool"
	}
	return t.Field.String()
}

// Result is one evaluated expression value. Null is three-valued-logic null
// for booleans and the null field value otherwise.
type Result struct {
	Null  bool
	Bool  bool
	Value schema.Value
}

// Scope carries the per-record evaluation environment: the input record and
// the immutable run context pieces expressions may read. Threaded explicitly
// so runs stay deterministic.
type Scope struct {
	Record schema.Record
	Now    time.Time
}

// Expr is a compiled, typed expression node.
type Expr interface {
	Type() Type
	Eval(Scope) (Result, error)
}

// TypeError reports an expression that does not type-check against its input
// schema. Raised at compile time, never during a run.
type TypeError struct {
	Msg string
}

func (e *TypeError) Error() string {
	return "expression type error: " + e.Msg
}

var ErrType = errors.New("expression type error")

func (e *TypeError) Unwrap() error { return ErrType }

func typeErrorf(format string, args ...any) error {
	return &TypeError{Msg: fmt.Sprintf(format, args...)}
}

// Compile binds an untyped parse tree against the input schema, producing a
// typed tree. All type errors surface here.
func Compile(n *Node, s *schema.Schema) (Expr, error) {
	switch n.Kind {
	case NodeLiteral:
		return compileLiteral(n)
	case NodeIdent:
		t, err := s.TypeOf(n.Text)
		if err != nil {
			return nil, typeErrorf("unknown field %q", n.Text)
		}
		return &fieldRef{name: n.Text, idx: s.IndexOf(n.Text), typ: t}, nil
	case NodeCall:
		return compileCall(n, s)
	case NodeUnary:
		return compileUnary(n, s)
	case NodeBinary:
		return compileBinary(n, s)
	default:
		return nil, typeErrorf("unknown node kind %d", n.Kind)
	}
}

// CompilePredicate parses and compiles a boolean expression.
func CompilePredicate(src string, s *schema.Schema) (Expr, error) {
	n, err := Parse(src)
	if err != nil {
		return nil, err
	}
	e, err := Compile(n, s)
	if err != nil {
		return nil, err
	}
	if !e.Type().IsBool {
		return nil, typeErrorf("predicate must be boolean, got %s", e.Type())
	}
	return e, nil
}

// EvalValue evaluates a non-boolean expression to a field value.
func EvalValue(e Expr, scope Scope) (schema.Value, error) {
	r, err := e.Eval(scope)
	if err != nil {
		return schema.Value{}, err
	}
	if r.Null {
		return schema.Null(e.Type().Field), nil
	}
	return r.Value, nil
}

// EvalPredicate evaluates a boolean expression. Null counts as false, so a
// predicate over null fields filters the record out rather than failing.
func EvalPredicate(e Expr, scope Scope) (bool, error) {
	r, err := e.Eval(scope)
	if err != nil {
		return false, err
	}
	return !r.Null && r.Bool, nil
}

type fieldRef struct {
	name string
	idx  int
	typ  schema.Type
}

func (f *fieldRef) Type() Type {
	return FieldType(f.typ)
}

func (f *fieldRef) Eval(scope Scope) (Result, error) {
	v := scope.Record.At(f.idx)
	if v.IsNull() {
		return Result{Null: true}, nil
	}
	return Result{Value: v}, nil
}

type literal struct {
	typ Type
	val schema.Value
}

func (l *literal) Type() Type {
	return l.typ
}

func (l *literal) Eval(Scope) (Result, error) {
	return Result{Value: l.val}, nil
}

func compileLiteral(n *Node) (Expr, error) {
	if n.IsString {
		return &literal{typ: FieldType(schema.String()), val: schema.StringValue(n.Text)}, nil
	}
	if n.HasPoint {
		d, err := decimal.NewFromString(n.Text)
		if err != nil {
			return nil, typeErrorf("bad decimal literal %q", n.Text)
		}
		scale := len(n.Text) - strings.IndexByte(n.Text, '.') - 1
		precision := len(strings.ReplaceAll(n.Text, ".", ""))
		return &literal{
			typ: FieldType(schema.Decimal(precision, scale)),
			val: schema.DecimalValue(d, precision, scale),
		}, nil
	}
	i, err := strconv.ParseInt(n.Text, 10, 64)
	if err != nil {
		return nil, typeErrorf("bad int literal %q", n.Text)
	}
	return &literal{typ: FieldType(schema.Int()), val: schema.IntValue(i)}, nil
}

type unary struct {
	op      string
	operand Expr
	typ     Type
}

func (u *unary) Type() Type {
	return u.typ
}

func (u *unary) Eval(scope Scope) (Result, error) {
	r, err := u.operand.Eval(scope)
	if err != nil {
		return Result{}, err
	}
	if r.Null {
		return Result{Null: true}, nil
	}
	if u.op == "not" {
		return Result{Bool: !r.Bool}, nil
	}
	// Numeric negation.
	v := r.Value
	switch v.Kind() {
	case schema.KindInt:
		return Result{Value: schema.IntValue(-v.Int())}, nil
	default:
		t := v.Type()
		return Result{Value: schema.DecimalValue(v.Dec().Neg(), t.Precision, t.Scale)}, nil
	}
}

func compileUnary(n *Node, s *schema.Schema) (Expr, error) {
	operand, err := Compile(n.Left, s)
	if err != nil {
		return nil, err
	}
	t := operand.Type()
	if n.Text == "not" {
		if !t.IsBool {
			return nil, typeErrorf("not requires a boolean operand, got %s", t)
		}
		return &unary{op: "not", operand: operand, typ: BoolType()}, nil
	}
	if t.IsBool || t.Field.Kind == schema.KindString || t.Field.Kind == schema.KindDate {
		return nil, typeErrorf("cannot negate %s", t)
	}
	return &unary{op: "-", operand: operand, typ: t}, nil
}

type logical struct {
	op          string
	left, right Expr
}

func (l *logical) Type() Type {
	return BoolType()
}

// Eval implements three-valued and/or: null-and-false is false, null-or-true
// is true, anything else involving null is null.
func (l *logical) Eval(scope Scope) (Result, error) {
	lr, err := l.left.Eval(scope)
	if err != nil {
		return Result{}, err
	}
	if l.op == "and" && !lr.Null && !lr.Bool {
		return Result{Bool: false}, nil
	}
	if l.op == "or" && !lr.Null && lr.Bool {
		return Result{Bool: true}, nil
	}
	rr, err := l.right.Eval(scope)
	if err != nil {
		return Result{}, err
	}
	if l.op == "and" {
		if !rr.Null && !rr.Bool {
			return Result{Bool: false}, nil
		}
		if lr.Null || rr.Null {
			return Result{Null: true}, nil
		}
		return Result{Bool: true}, nil
	}
	if !rr.Null && rr.Bool {
		return Result{Bool: true}, nil
	}
	if lr.Null || rr.Null {
		return Result{Null: true}, nil
	}
	return Result{Bool: false}, nil
}

type comparison struct {
	op          string
	left, right Expr
}

func (c *comparison) Type() Type {
	return BoolType()
}

func (c *comparison) Eval(scope Scope) (Result, error) {
	lr, err := c.left.Eval(scope)
	if err != nil {
		return Result{}, err
	}
	rr, err := c.right.Eval(scope)
	if err != nil {
		return Result{}, err
	}
	if lr.Null || rr.Null {
		return Result{Null: true}, nil
	}
	cmp := lr.Value.Compare(rr.Value)
	var out bool
	switch c.op {
	case "==":
		out = cmp == 0
	case "!=":
		out = cmp != 0
	case "<":
		out = cmp < 0
	case "<=":
		out = cmp <= 0
	case ">":
		out = cmp > 0
	case ">=":
		out = cmp >= 0
	}
	return Result{Bool: out}, nil
}

type arithmetic struct {
	op          string
	left, right Expr
	typ         Type
}

func (a *arithmetic) Type() Type {
	return a.typ
}

func (a *arithmetic) Eval(scope Scope) (Result, error) {
	lr, err := a.left.Eval(scope)
	if err != nil {
		return Result{}, err
	}
	rr, err := a.right.Eval(scope)
	if err != nil {
		return Result{}, err
	}
	if lr.Null || rr.Null {
		return Result{Null: true}, nil
	}
	if a.typ.Field.Kind == schema.KindInt {
		l, r := lr.Value.Int(), rr.Value.Int()
		switch a.op {
		case "+":
			return Result{Value: schema.IntValue(l + r)}, nil
		case "-":
			return Result{Value: schema.IntValue(l - r)}, nil
		case "*":
			return Result{Value: schema.IntValue(l * r)}, nil
		default:
			if r == 0 {
				return Result{}, fmt.Errorf("integer division by zero")
			}
			return Result{Value: schema.IntValue(l / r)}, nil
		}
	}
	l, r := lr.Value.Dec(), rr.Value.Dec()
	t := a.typ.Field
	var d decimal.Decimal
	switch a.op {
	case "+":
		d = l.Add(r)
	case "-":
		d = l.Sub(r)
	default:
		d = l.Mul(r)
	}
	return Result{Value: schema.DecimalValue(d, t.Precision, t.Scale)}, nil
}

func compileBinary(n *Node, s *schema.Schema) (Expr, error) {
	left, err := Compile(n.Left, s)
	if err != nil {
		return nil, err
	}
	right, err := Compile(n.Right, s)
	if err != nil {
		return nil, err
	}
	lt, rt := left.Type(), right.Type()

	switch n.Text {
	case "and", "or":
		if !lt.IsBool || !rt.IsBool {
			return nil, typeErrorf("%s requires boolean operands, got %s and %s", n.Text, lt, rt)
		}
		return &logical{op: n.Text, left: left, right: right}, nil

	case "==", "!=", "<", "<=", ">", ">=":
		if lt.IsBool || rt.IsBool {
			return nil, typeErrorf("cannot compare booleans with %s", n.Text)
		}
		if lt.Field.Kind != rt.Field.Kind {
			return nil, typeErrorf("cannot compare %s with %s", lt, rt)
		}
		return &comparison{op: n.Text, left: left, right: right}, nil

	default:
		if lt.IsBool || rt.IsBool {
			return nil, typeErrorf("arithmetic requires numeric operands")
		}
		lk, rk := lt.Field.Kind, rt.Field.Kind
		if lk == schema.KindInt && rk == schema.KindInt {
			return &arithmetic{op: n.Text, left: left, right: right, typ: FieldType(schema.Int())}, nil
		}
		if lk != schema.KindDecimal || rk != schema.KindDecimal {
			return nil, typeErrorf("arithmetic %s not defined on %s and %s", n.Text, lt, rt)
		}
		if n.Text == "/" {
			return nil, typeErrorf("decimal division has no declared result scale; aggregate avg handles the ratio case")
		}
		ls, rs := lt.Field, rt.Field
		var out schema.Type
		switch n.Text {
		case "+", "-":
			if ls.Scale != rs.Scale {
				return nil, typeErrorf("decimal %s requires matching scales, got %d and %d", n.Text, ls.Scale, rs.Scale)
			}
			out = schema.Decimal(maxInt(ls.Precision, rs.Precision)+1, ls.Scale)
		case "*":
			out = schema.Decimal(ls.Precision+rs.Precision, ls.Scale+rs.Scale)
		}
		return &arithmetic{op: n.Text, left: left, right: right, typ: FieldType(out)}, nil
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
