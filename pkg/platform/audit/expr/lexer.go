package expr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokString
	tokNumber
	tokIdent   // name or #name
	tokBean    // @name
	tokOp      // operators and punctuation
	tokKeyword // and, or, not, true, false, null
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) is(kind tokenKind, text string) bool {
	return t.kind == kind && t.text == text
}

var keywords = map[string]bool{
	"and": true, "or": true, "not": true,
	"true": true, "false": true, "null": true,
}

// Longest operators first so "<=" wins over "<".
var operators = []string{
	"?.", "?:", "&&", "||", "==", "!=", "<=", ">=",
	"+", "-", "*", "/", "%", "<", ">", "!", "?", ":", "(", ")", "[", "]", ".", ",",
}

func tokenize(src string) ([]token, error) {
	var out []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++

		case c == '\'' || c == '"':
			s, n, err := scanString(src, i)
			if err != nil {
				return nil, err
			}
			out = append(out, token{kind: tokString, text: s, pos: i})
			i += n

		case c >= '0' && c <= '9':
			start := i
			for i < len(src) && (isDigit(src[i]) || src[i] == '.' && i+1 < len(src) && isDigit(src[i+1])) {
				i++
			}
			out = append(out, token{kind: tokNumber, text: src[start:i], pos: start})

		case c == '#' || c == '@' || isIdentStart(c):
			start := i
			if c == '#' || c == '@' {
				i++
			}
			nameStart := i
			for i < len(src) && isIdentPart(rune(src[i])) {
				i++
			}
			if i == nameStart {
				return nil, fmt.Errorf("%w at offset %d: %q must be followed by a name", ErrSyntax, start, c)
			}
			name := src[nameStart:i]
			switch {
			case c == '@':
				out = append(out, token{kind: tokBean, text: name, pos: start})
			case c != '#' && keywords[strings.ToLower(name)]:
				out = append(out, token{kind: tokKeyword, text: strings.ToLower(name), pos: start})
			default:
				out = append(out, token{kind: tokIdent, text: name, pos: start})
			}

		default:
			op := matchOperator(src[i:])
			if op == "" {
				return nil, fmt.Errorf("%w at offset %d: unexpected character %q", ErrSyntax, i, c)
			}
			out = append(out, token{kind: tokOp, text: op, pos: i})
			i += len(op)
		}
	}
	return append(out, token{kind: tokEOF, pos: len(src)}), nil
}

// scanString reads a quoted literal starting at src[start]. A doubled quote
// inside the literal stands for one quote character.
func scanString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		if src[i] == quote {
			if i+1 < len(src) && src[i+1] == quote {
				b.WriteByte(quote)
				i += 2
				continue
			}
			return b.String(), i + 1 - start, nil
		}
		b.WriteByte(src[i])
		i++
	}
	return "", 0, fmt.Errorf("%w at offset %d: unterminated string literal", ErrSyntax, start)
}

func matchOperator(s string) string {
	for _, op := range operators {
		if strings.HasPrefix(s, op) {
			return op
		}
	}
	return ""
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isIdentStart(r rune) bool {
	return r == '_' || r == '$' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z'
}

func isIdentPart(r rune) bool { return isIdentStart(r) || r >= '0' && r <= '9' }
