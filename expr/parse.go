// Package expr implements the small expression language embedded in filter,
// reformat and aggregate parameters. Expressions are parsed and type-checked
// once at graph-build time into a typed tree; evaluation per record performs
// no parsing and no type dispatch beyond the compiled node kinds.
package expr

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// NodeKind tags untyped AST nodes.
type NodeKind int

const (
	NodeLiteral NodeKind = iota
	NodeIdent
	NodeCall
	NodeBinary
	NodeUnary
)

// Node is an untyped parse-tree node. Compile binds it against a schema.
type Node struct {
	Kind NodeKind

	// NodeLiteral
	Text     string
	IsString bool
	IsNumber bool
	HasPoint bool

	// NodeIdent: Text is the identifier.
	// NodeCall: Text is the function name, Args the arguments.
	// NodeBinary: Text is the operator, Left/Right the operands.
	// NodeUnary: Text is the operator, Left the operand.
	Args  []*Node
	Left  *Node
	Right *Node

	pos int
}

// Assignment is one `name = expression` statement of a transform parameter.
type Assignment struct {
	Name string
	Expr *Node
}

// ParseError reports a malformed expression.
type ParseError struct {
	Src string
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at offset %d in %q: %s", e.Pos, e.Src, e.Msg)
}

var ErrParse = errors.New("expression parse error")

func (e *ParseError) Unwrap() error { return ErrParse }

// Parse parses a single expression.
func Parse(src string) (*Node, error) {
	p := newParser(src)
	n, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.eof() {
		return nil, p.errorf("unexpected %q", p.rest())
	}
	return n, nil
}

// ParseAssignments parses a transform parameter of the form
// `a = expr; b = expr`. Statements are separated by semicolons or newlines.
func ParseAssignments(src string) ([]Assignment, error) {
	var out []Assignment
	for _, stmt := range splitStatements(src) {
		eq := assignSplit(stmt)
		if eq < 0 {
			return nil, &ParseError{Src: stmt, Msg: "expected `name = expression`"}
		}
		name := strings.TrimSpace(stmt[:eq])
		if name == "" || !isIdent(name) {
			return nil, &ParseError{Src: stmt, Msg: fmt.Sprintf("invalid output field name %q", name)}
		}
		node, err := Parse(stmt[eq+1:])
		if err != nil {
			return nil, err
		}
		out = append(out, Assignment{Name: name, Expr: node})
	}
	if len(out) == 0 {
		return nil, &ParseError{Src: src, Msg: "empty transform"}
	}
	return out, nil
}

func splitStatements(src string) []string {
	var out []string
	var cur strings.Builder
	inStr := false
	var quote byte
	for i := 0; i < len(src); i++ {
		c := src[i]
		if inStr {
			cur.WriteByte(c)
			if c == quote {
				inStr = false
			}
			continue
		}
		switch c {
		case '\'', '"':
			inStr = true
			quote = c
			cur.WriteByte(c)
		case ';', '\n':
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// assignSplit finds the single `=` of an assignment, skipping `==`, `!=`,
// `<=`, `>=` and quoted strings.
func assignSplit(stmt string) int {
	inStr := false
	var quote byte
	for i := 0; i < len(stmt); i++ {
		c := stmt[i]
		if inStr {
			if c == quote {
				inStr = false
			}
			continue
		}
		switch c {
		case '\'', '"':
			inStr = true
			quote = c
		case '=':
			if i+1 < len(stmt) && stmt[i+1] == '=' {
				i++
				continue
			}
			if i > 0 && (stmt[i-1] == '!' || stmt[i-1] == '<' || stmt[i-1] == '>') {
				continue
			}
			return i
		}
	}
	return -1
}

func isIdent(s string) bool {
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return len(s) > 0
}

type parser struct {
	src string
	pos int
}

func newParser(src string) *parser {
	return &parser{src: src}
}

func (p *parser) errorf(format string, args ...any) error {
	return &ParseError{Src: p.src, Pos: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) eof() bool {
	return p.pos >= len(p.src)
}

func (p *parser) rest() string {
	return p.src[p.pos:]
}

func (p *parser) skipSpace() {
	for !p.eof() && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t' || p.src[p.pos] == '\r') {
		p.pos++
	}
}

// Binary operator precedence, lowest first.
var precedence = map[string]int{
	"or":  1,
	"and": 2,
	"==":  3, "!=": 3, "<": 3, "<=": 3, ">": 3, ">=": 3,
	"+": 4, "-": 4,
	"*": 5, "/": 5,
}

func (p *parser) peekOp() string {
	p.skipSpace()
	if p.eof() {
		return ""
	}
	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">", "+", "-", "*", "/"} {
		if strings.HasPrefix(p.rest(), op) {
			return op
		}
	}
	for _, kw := range []string{"and", "or"} {
		if strings.HasPrefix(p.rest(), kw) {
			after := p.pos + len(kw)
			if after >= len(p.src) || !isIdentByte(p.src[after]) {
				return kw
			}
		}
	}
	return ""
}

func (p *parser) parseExpr(minPrec int) (*Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peekOp()
		if op == "" || precedence[op] < minPrec {
			return left, nil
		}
		p.pos += len(op)
		right, err := p.parseExpr(precedence[op] + 1)
		if err != nil {
			return nil, err
		}
		left = &Node{Kind: NodeBinary, Text: op, Left: left, Right: right, pos: left.pos}
	}
}

func (p *parser) parseUnary() (*Node, error) {
	p.skipSpace()
	if p.eof() {
		return nil, p.errorf("unexpected end of expression")
	}
	start := p.pos
	if p.src[p.pos] == '-' {
		p.pos++
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: NodeUnary, Text: "-", Left: operand, pos: start}, nil
	}
	if strings.HasPrefix(p.rest(), "not") {
		after := p.pos + 3
		if after >= len(p.src) || !isIdentByte(p.src[after]) {
			p.pos += 3
			operand, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return &Node{Kind: NodeUnary, Text: "not", Left: operand, pos: start}, nil
		}
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (*Node, error) {
	p.skipSpace()
	if p.eof() {
		return nil, p.errorf("unexpected end of expression")
	}
	start := p.pos
	c := p.src[p.pos]

	switch {
	case c == '(':
		p.pos++
		inner, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.eof() || p.src[p.pos] != ')' {
			return nil, p.errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil

	case c == '\'' || c == '"':
		p.pos++
		end := strings.IndexByte(p.src[p.pos:], c)
		if end < 0 {
			return nil, p.errorf("unterminated string")
		}
		text := p.src[p.pos : p.pos+end]
		p.pos += end + 1
		return &Node{Kind: NodeLiteral, Text: text, IsString: true, pos: start}, nil

	case c >= '0' && c <= '9':
		hasPoint := false
		for !p.eof() {
			c := p.src[p.pos]
			if c == '.' {
				if hasPoint {
					break
				}
				hasPoint = true
				p.pos++
				continue
			}
			if c < '0' || c > '9' {
				break
			}
			p.pos++
		}
		return &Node{Kind: NodeLiteral, Text: p.src[start:p.pos], IsNumber: true, HasPoint: hasPoint, pos: start}, nil

	case isIdentByte(c):
		for !p.eof() && isIdentByte(p.src[p.pos]) {
			p.pos++
		}
		name := p.src[start:p.pos]
		p.skipSpace()
		if !p.eof() && p.src[p.pos] == '(' {
			p.pos++
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			return &Node{Kind: NodeCall, Text: name, Args: args, pos: start}, nil
		}
		return &Node{Kind: NodeIdent, Text: name, pos: start}, nil

	default:
		return nil, p.errorf("unexpected character %q", string(c))
	}
}

func (p *parser) parseArgs() ([]*Node, error) {
	args := []*Node{}
	p.skipSpace()
	if !p.eof() && p.src[p.pos] == ')' {
		p.pos++
		return args, nil
	}
	for {
		arg, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		p.skipSpace()
		if p.eof() {
			return nil, p.errorf("missing closing parenthesis in call")
		}
		switch p.src[p.pos] {
		case ',':
			p.pos++
		case ')':
			p.pos++
			return args, nil
		default:
			return nil, p.errorf("unexpected %q in argument list", string(p.src[p.pos]))
		}
	}
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
