package alert

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rewired-gh/quantflow/internal/models"
)

// Expr is a parsed alert condition. It is immutable and safe for concurrent
// evaluation.
//
// Conditions are boolean expressions over named metrics:
//
//	zscore > 2 and abs(correlation) >= 0.8
//	not (price < 100) || return * 100 > 1.5
//
// Booleans and numbers share one value space: comparisons and logical
// operators yield 1 or 0, and any non-zero result counts as satisfied.
type Expr struct {
	src    string
	root   node
	idents []string
}

// Parse compiles condition, returning *models.InvalidConditionError with the
// byte offset of the offending token when it is malformed.
func Parse(condition string) (*Expr, error) {
	p := &parser{src: condition}
	if err := p.lex(); err != nil {
		return nil, err
	}
	if p.peek().kind == tokEOF {
		return nil, p.fail(0, "empty condition")
	}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.fail(t.pos, fmt.Sprintf("unexpected %q", t.text))
	}

	seen := make(map[string]bool)
	var idents []string
	for i, t := range p.toks {
		// a name followed by "(" is a function call, not a metric
		if t.kind != tokIdent || p.toks[i+1].kind == tokLParen {
			continue
		}
		if !seen[t.text] {
			seen[t.text] = true
			idents = append(idents, t.text)
		}
	}
	sort.Strings(idents)
	return &Expr{src: condition, root: root, idents: idents}, nil
}

func (e *Expr) String() string { return e.src }

// Identifiers lists the metric names the condition references, sorted.
func (e *Expr) Identifiers() []string {
	return append([]string(nil), e.idents...)
}

// Eval reports whether the condition holds for metrics. A referenced metric
// that is missing or non-finite, or an intermediate result that is not
// finite, yields *models.InvalidConditionError with Pos -1. The logical
// operators short-circuit, so a branch that is never reached cannot fail.
func (e *Expr) Eval(metrics map[string]float64) (bool, error) {
	v, err := e.root.eval(metrics)
	if err != nil {
		return false, &models.InvalidConditionError{Condition: e.src, Pos: -1, Reason: err.Error()}
	}
	return v != 0, nil
}

type node interface {
	eval(env map[string]float64) (float64, error)
}

type (
	numNode   float64
	identNode string
	unaryNode struct {
		op string
		x  node
	}
	binaryNode struct {
		op   string
		l, r node
	}
	absNode struct{ x node }
)

func (n numNode) eval(map[string]float64) (float64, error) { return float64(n), nil }

func (n identNode) eval(env map[string]float64) (float64, error) {
	v, ok := env[string(n)]
	if !ok {
		return 0, fmt.Errorf("unknown metric %q", string(n))
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("metric %q is not finite", string(n))
	}
	return v, nil
}

func (n unaryNode) eval(env map[string]float64) (float64, error) {
	x, err := n.x.eval(env)
	if err != nil {
		return 0, err
	}
	if n.op == "not" {
		return truth(x == 0), nil
	}
	return -x, nil
}

func (n absNode) eval(env map[string]float64) (float64, error) {
	x, err := n.x.eval(env)
	if err != nil {
		return 0, err
	}
	return math.Abs(x), nil
}

func (n binaryNode) eval(env map[string]float64) (float64, error) {
	l, err := n.l.eval(env)
	if err != nil {
		return 0, err
	}
	switch n.op {
	case "and":
		if l == 0 {
			return 0, nil
		}
	case "or":
		if l != 0 {
			return 1, nil
		}
	}
	r, err := n.r.eval(env)
	if err != nil {
		return 0, err
	}

	var v float64
	switch n.op {
	case "and", "or":
		return truth(r != 0), nil
	case "<":
		return truth(l < r), nil
	case "<=":
		return truth(l <= r), nil
	case ">":
		return truth(l > r), nil
	case ">=":
		return truth(l >= r), nil
	case "==":
		return truth(l == r), nil
	case "!=":
		return truth(l != r), nil
	case "+":
		v = l + r
	case "-":
		v = l - r
	case "*":
		v = l * r
	case "/":
		v = l / r
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%v %s %v is not finite", l, n.op, r)
	}
	return v, nil
}

func truth(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNum
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	pos  int
}

type parser struct {
	src  string
	toks []token
	i    int
}

func (p *parser) fail(pos int, reason string) error {
	return &models.InvalidConditionError{Condition: p.src, Pos: pos, Reason: reason}
}

var keywords = map[string]string{"and": "and", "or": "or", "not": "not"}

func (p *parser) lex() error {
	s := p.src
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			p.toks = append(p.toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			p.toks = append(p.toks, token{tokRParen, ")", i})
			i++
		case isDigit(c) || (c == '.' && i+1 < len(s) && isDigit(s[i+1])):
			j := scanNumber(s, i)
			if _, err := strconv.ParseFloat(s[i:j], 64); err != nil {
				return p.fail(i, fmt.Sprintf("bad number %q", s[i:j]))
			}
			p.toks = append(p.toks, token{tokNum, s[i:j], i})
			i = j
		case isLetter(c):
			j := i
			for j < len(s) && (isLetter(s[j]) || isDigit(s[j])) {
				j++
			}
			word := s[i:j]
			if kw, ok := keywords[strings.ToLower(word)]; ok {
				p.toks = append(p.toks, token{tokOp, kw, i})
			} else {
				p.toks = append(p.toks, token{tokIdent, word, i})
			}
			i = j
		default:
			op, width := scanOp(s[i:])
			if width == 0 {
				return p.fail(i, fmt.Sprintf("unexpected character %q", c))
			}
			p.toks = append(p.toks, token{tokOp, op, i})
			i += width
		}
	}
	p.toks = append(p.toks, token{tokEOF, "", len(s)})
	return nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isLetter(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func scanNumber(s string, i int) int {
	for i < len(s) && (isDigit(s[i]) || s[i] == '.') {
		i++
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		if j < len(s) && isDigit(s[j]) {
			for j < len(s) && isDigit(s[j]) {
				j++
			}
			return j
		}
	}
	return i
}

// scanOp matches the longest operator at the start of s, returning its
// normalized spelling and its width in the source.
func scanOp(s string) (string, int) {
	if len(s) >= 2 {
		switch s[:2] {
		case "&&":
			return "and", 2
		case "||":
			return "or", 2
		case "<=", ">=", "==", "!=":
			return s[:2], 2
		}
	}
	switch s[0] {
	case '!':
		return "not", 1
	case '<', '>', '+', '-', '*', '/':
		return s[:1], 1
	}
	return "", 0
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) accept(ops ...string) (token, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return t, false
	}
	for _, op := range ops {
		if t.text == op {
			return p.next(), true
		}
	}
	return t, false
}

func (p *parser) parseOr() (node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.accept("or"); !ok {
			return l, nil
		}
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = binaryNode{op: "or", l: l, r: r}
	}
}

func (p *parser) parseAnd() (node, error) {
	l, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.accept("and"); !ok {
			return l, nil
		}
		r, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		l = binaryNode{op: "and", l: l, r: r}
	}
}

func (p *parser) parseNot() (node, error) {
	if _, ok := p.accept("not"); ok {
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "not", x: x}, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (node, error) {
	l, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	t, ok := p.accept("<", "<=", ">", ">=", "==", "!=")
	if !ok {
		return l, nil
	}
	r, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if c, chained := p.accept("<", "<=", ">", ">=", "==", "!="); chained {
		return nil, p.fail(c.pos, "chained comparison; combine with and")
	}
	return binaryNode{op: t.text, l: l, r: r}, nil
}

func (p *parser) parseSum() (node, error) {
	l, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.accept("+", "-")
		if !ok {
			return l, nil
		}
		r, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		l = binaryNode{op: t.text, l: l, r: r}
	}
}

func (p *parser) parseProduct() (node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.accept("*", "/")
		if !ok {
			return l, nil
		}
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = binaryNode{op: t.text, l: l, r: r}
	}
}

func (p *parser) parseUnary() (node, error) {
	if t, ok := p.accept("-", "+"); ok {
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if t.text == "+" {
			return x, nil
		}
		return unaryNode{op: "-", x: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNum:
		v, _ := strconv.ParseFloat(t.text, 64)
		return numNode(v), nil
	case tokIdent:
		if p.peek().kind != tokLParen {
			return identNode(t.text), nil
		}
		if !strings.EqualFold(t.text, "abs") {
			return nil, p.fail(t.pos, fmt.Sprintf("unknown function %q", t.text))
		}
		p.next()
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expectClose(t.pos); err != nil {
			return nil, err
		}
		return absNode{x: x}, nil
	case tokLParen:
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expectClose(t.pos); err != nil {
			return nil, err
		}
		return x, nil
	case tokEOF:
		return nil, p.fail(t.pos, "unexpected end of condition")
	default:
		return nil, p.fail(t.pos, fmt.Sprintf("unexpected %q", t.text))
	}
}

func (p *parser) expectClose(open int) error {
	if t := p.next(); t.kind != tokRParen {
		if t.kind == tokEOF {
			return p.fail(open, "unclosed parenthesis")
		}
		return p.fail(t.pos, fmt.Sprintf("expected ) but found %q", t.text))
	}
	return nil
}
