package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Edge conditions are written in a small total expression language
// evaluated against the source node run's output JSON:
//
//	status == "ok" && retries < 3
//	output.result.passed
//	!(errors > 0 || skipped)
//
// Dot paths resolve into the output map; a leading "output." segment is
// optional. Evaluation never fails: missing paths are null, and any
// type mismatch makes the subexpression false.

const maxExprLen = 1024

// CompileCondition parses a condition expression. An empty condition
// compiles to an expression that is always true.
func CompileCondition(src string) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return &Expr{node: litNode{value: true}}, nil
	}
	if len(src) > maxExprLen {
		return nil, fmt.Errorf("condition longer than %d bytes", maxExprLen)
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("unexpected %q", p.toks[p.pos].text)
	}
	return &Expr{node: node}, nil
}

// Expr is a compiled condition.
type Expr struct {
	node exprNode
}

// Eval evaluates the condition against one node run's output.
func (e *Expr) Eval(output map[string]any) bool {
	return truthy(e.node.eval(output))
}

type exprNode interface {
	eval(output map[string]any) any
}

type litNode struct{ value any }

func (n litNode) eval(map[string]any) any { return n.value }

type pathNode struct{ segments []string }

func (n pathNode) eval(output map[string]any) any {
	var cur any = output
	for _, seg := range n.segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

type notNode struct{ operand exprNode }

func (n notNode) eval(output map[string]any) any { return !truthy(n.operand.eval(output)) }

type binNode struct {
	op          string
	left, right exprNode
}

func (n binNode) eval(output map[string]any) any {
	switch n.op {
	case "&&":
		return truthy(n.left.eval(output)) && truthy(n.right.eval(output))
	case "||":
		return truthy(n.left.eval(output)) || truthy(n.right.eval(output))
	}
	l, r := n.left.eval(output), n.right.eval(output)
	switch n.op {
	case "==":
		return equal(l, r)
	case "!=":
		return !equal(l, r)
	}
	return ordered(n.op, l, r)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	}
	return false
}

func equal(l, r any) bool {
	if ln, lok := asNumber(l); lok {
		rn, rok := asNumber(r)
		return rok && ln == rn
	}
	switch lt := l.(type) {
	case string:
		rt, ok := r.(string)
		return ok && lt == rt
	case bool:
		rt, ok := r.(bool)
		return ok && lt == rt
	case nil:
		return r == nil
	}
	return false
}

// ordered compares numbers numerically and strings lexicographically;
// anything else is false.
func ordered(op string, l, r any) bool {
	if ln, ok := asNumber(l); ok {
		rn, rok := asNumber(r)
		if !rok {
			return false
		}
		return compare(op, ln < rn, ln == rn)
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if !lok || !rok {
		return false
	}
	return compare(op, ls < rs, ls == rs)
}

func compare(op string, less, eq bool) bool {
	switch op {
	case "<":
		return less
	case "<=":
		return less || eq
	case ">":
		return !less && !eq
	case ">=":
		return !less
	}
	return false
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

type token struct {
	kind string // ident | number | string | op
	text string
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case strings.ContainsRune("()", rune(c)):
			toks = append(toks, token{kind: "op", text: string(c)})
			i++
		case c == '&' || c == '|':
			if i+1 >= len(src) || src[i+1] != c {
				return nil, fmt.Errorf("unexpected %q", string(c))
			}
			toks = append(toks, token{kind: "op", text: src[i : i+2]})
			i += 2
		case c == '=' || c == '!' || c == '<' || c == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{kind: "op", text: src[i : i+2]})
				i += 2
			} else if c == '=' {
				return nil, fmt.Errorf("unexpected %q (use ==)", "=")
			} else {
				toks = append(toks, token{kind: "op", text: string(c)})
				i++
			}
		case c == '"' || c == '\'':
			end := strings.IndexByte(src[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string")
			}
			toks = append(toks, token{kind: "string", text: src[i+1 : i+1+end]})
			i += end + 2
		case c >= '0' && c <= '9' || c == '-' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			j := i + 1
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: "number", text: src[i:j]})
			i = j
		case unicode.IsLetter(rune(c)) || c == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: "ident", text: src[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected %q", string(c))
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	t, ok := p.peek()
	if !ok || t.kind != "op" {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("||"); !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binNode{op: "||", left: left, right: right}
	}
}

func (p *parser) parseAnd() (exprNode, error) {
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("&&"); !ok {
			return left, nil
		}
		right, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		left = binNode{op: "&&", left: left, right: right}
	}
}

func (p *parser) parseCompare() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	op, ok := p.acceptOp("==", "!=", "<", "<=", ">", ">=")
	if !ok {
		return left, nil
	}
	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return binNode{op: op, left: left, right: right}, nil
}

func (p *parser) parseUnary() (exprNode, error) {
	if _, ok := p.acceptOp("!"); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{operand: operand}, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (exprNode, error) {
	t, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of condition")
	}
	switch t.kind {
	case "op":
		if t.text != "(" {
			return nil, fmt.Errorf("unexpected %q", t.text)
		}
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, ok := p.acceptOp(")"); !ok {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return inner, nil
	case "string":
		p.pos++
		return litNode{value: t.text}, nil
	case "number":
		p.pos++
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", t.text)
		}
		return litNode{value: f}, nil
	case "ident":
		p.pos++
		switch t.text {
		case "true":
			return litNode{value: true}, nil
		case "false":
			return litNode{value: false}, nil
		case "null":
			return litNode{value: nil}, nil
		}
		segments := strings.Split(t.text, ".")
		if segments[0] == "output" && len(segments) > 1 {
			segments = segments[1:]
		}
		for _, s := range segments {
			if s == "" {
				return nil, fmt.Errorf("bad path %q", t.text)
			}
		}
		return pathNode{segments: segments}, nil
	}
	return nil, fmt.Errorf("unexpected %q", t.text)
}
