package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// node is a parsed expression.
type node interface {
	eval(env *env) (any, error)
}

type (
	literal struct{ value any }

	variable struct {
		name string
		pos  int
	}

	bean struct {
		name string
		pos  int
	}

	unary struct {
		op      string
		operand node
	}

	binary struct {
		op          string
		left, right node
	}

	ternary struct {
		cond, then, otherwise node
	}

	elvis struct {
		value, fallback node
	}

	property struct {
		target node
		name   string
		safe   bool
	}

	call struct {
		target node
		method string
		args   []node
		safe   bool
	}

	index struct {
		target, key node
	}
)

// parse compiles src into an evaluable tree.
//
// Grammar, lowest precedence first:
//
//	expr       = or [ "?" expr ":" expr | "?:" expr ]
//	or         = and { ("||" | "or") and }
//	and        = equality { ("&&" | "and") equality }
//	equality   = comparison { ("==" | "!=") comparison }
//	comparison = additive { ("<" | "<=" | ">" | ">=") additive }
//	additive   = term { ("+" | "-") term }
//	term       = unary { ("*" | "/" | "%") unary }
//	unary      = ("!" | "not" | "-") unary | postfix
//	postfix    = primary { ("." | "?.") name [ "(" args ")" ] | "[" expr "]" }
//	primary    = string | number | true | false | null | name | #name | @name | "(" expr ")"
func parse(src string) (node, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	n, err := p.expr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.unexpected(t)
	}
	return n, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(kind tokenKind, texts ...string) (token, bool) {
	t := p.peek()
	if t.kind != kind {
		return t, false
	}
	for _, text := range texts {
		if t.text == text {
			p.pos++
			return t, true
		}
	}
	return t, false
}

func (p *parser) expect(text string) error {
	if _, ok := p.accept(tokOp, text); !ok {
		t := p.peek()
		return fmt.Errorf("%w at offset %d: expected %q, found %s", ErrSyntax, t.pos, text, describe(t))
	}
	return nil
}

func (p *parser) unexpected(t token) error {
	return fmt.Errorf("%w at offset %d: unexpected %s", ErrSyntax, t.pos, describe(t))
}

func describe(t token) string {
	switch t.kind {
	case tokEOF:
		return "end of expression"
	case tokString:
		return "string " + strconv.Quote(t.text)
	default:
		return strconv.Quote(t.text)
	}
}

func (p *parser) expr() (node, error) {
	cond, err := p.or()
	if err != nil {
		return nil, err
	}
	if _, ok := p.accept(tokOp, "?:"); ok {
		fallback, err := p.expr()
		if err != nil {
			return nil, err
		}
		return elvis{value: cond, fallback: fallback}, nil
	}
	if _, ok := p.accept(tokOp, "?"); !ok {
		return cond, nil
	}
	then, err := p.expr()
	if err != nil {
		return nil, err
	}
	if err := p.expect(":"); err != nil {
		return nil, err
	}
	otherwise, err := p.expr()
	if err != nil {
		return nil, err
	}
	return ternary{cond: cond, then: then, otherwise: otherwise}, nil
}

// binaryLevel parses a left-associative chain of operators over operand.
func (p *parser) binaryLevel(operand func() (node, error), ops []string, keywordOps map[string]string) (node, error) {
	left, err := operand()
	if err != nil {
		return nil, err
	}
	for {
		op := ""
		if t, ok := p.accept(tokOp, ops...); ok {
			op = t.text
		} else if t.kind == tokKeyword && keywordOps[t.text] != "" {
			p.next()
			op = keywordOps[t.text]
		} else {
			return left, nil
		}
		right, err := operand()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, left: left, right: right}
	}
}

func (p *parser) or() (node, error) {
	return p.binaryLevel(p.and, []string{"||"}, map[string]string{"or": "||"})
}

func (p *parser) and() (node, error) {
	return p.binaryLevel(p.equality, []string{"&&"}, map[string]string{"and": "&&"})
}

func (p *parser) equality() (node, error) {
	return p.binaryLevel(p.comparison, []string{"==", "!="}, nil)
}

func (p *parser) comparison() (node, error) {
	return p.binaryLevel(p.additive, []string{"<=", ">=", "<", ">"}, nil)
}

func (p *parser) additive() (node, error) {
	return p.binaryLevel(p.term, []string{"+", "-"}, nil)
}

func (p *parser) term() (node, error) {
	return p.binaryLevel(p.unary, []string{"*", "/", "%"}, nil)
}

func (p *parser) unary() (node, error) {
	op := ""
	if t, ok := p.accept(tokOp, "!", "-"); ok {
		op = t.text
	} else if _, ok := p.accept(tokKeyword, "not"); ok {
		op = "!"
	}
	if op == "" {
		return p.postfix()
	}
	operand, err := p.unary()
	if err != nil {
		return nil, err
	}
	return unary{op: op, operand: operand}, nil
}

func (p *parser) postfix() (node, error) {
	n, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		if t, ok := p.accept(tokOp, ".", "?."); ok {
			name := p.next()
			if name.kind != tokIdent && name.kind != tokKeyword {
				return nil, p.unexpected(name)
			}
			safe := t.text == "?."
			if _, ok := p.accept(tokOp, "("); !ok {
				n = property{target: n, name: name.text, safe: safe}
				continue
			}
			args, err := p.args()
			if err != nil {
				return nil, err
			}
			n = call{target: n, method: name.text, args: args, safe: safe}
			continue
		}
		if _, ok := p.accept(tokOp, "["); ok {
			key, err := p.expr()
			if err != nil {
				return nil, err
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			n = index{target: n, key: key}
			continue
		}
		return n, nil
	}
}

func (p *parser) args() ([]node, error) {
	var args []node
	if _, ok := p.accept(tokOp, ")"); ok {
		return args, nil
	}
	for {
		arg, err := p.expr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if _, ok := p.accept(tokOp, ","); ok {
			continue
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return args, nil
	}
}

func (p *parser) primary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return literal{value: t.text}, nil
	case tokNumber:
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, fmt.Errorf("%w at offset %d: %v", ErrSyntax, t.pos, err)
			}
			return literal{value: f}, nil
		}
		i, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w at offset %d: %v", ErrSyntax, t.pos, err)
		}
		return literal{value: i}, nil
	case tokKeyword:
		switch t.text {
		case "true":
			return literal{value: true}, nil
		case "false":
			return literal{value: false}, nil
		case "null":
			return literal{value: nil}, nil
		}
	case tokIdent:
		return variable{name: t.text, pos: t.pos}, nil
	case tokBean:
		return bean{name: t.text, pos: t.pos}, nil
	case tokOp:
		if t.text == "(" {
			n, err := p.expr()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return n, nil
		}
	}
	return nil, p.unexpected(t)
}
