package rewrite

import (
	"errors"
	"strings"
)

type tokenKind int

const (
	tkSpace tokenKind = iota
	tkComment
	tkWord
	tkQuoted
	tkString
	tkPunct
)

// token is a lexical unit of a SQL statement. depth is the parenthesis
// nesting level the token sits at; "(" and ")" carry the outer level.
type token struct {
	kind  tokenKind
	text  string
	start int
	end   int
	depth int
}

func (t token) is(word string) bool {
	return t.kind == tkWord && strings.EqualFold(t.text, word)
}

func (t token) blank() bool {
	return t.kind == tkSpace || t.kind == tkComment
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

// scan splits q into tokens. It understands quoted identifiers, string
// literals and comments well enough to find top-level clauses; it is not a
// SQL parser.
func scan(q string) ([]token, error) {
	var toks []token
	depth := 0
	i := 0
	for i < len(q) {
		start := i
		c := q[i]
		kind := tkPunct
		tokDepth := depth
		switch {
		case isSpaceByte(c):
			for i < len(q) && isSpaceByte(q[i]) {
				i++
			}
			kind = tkSpace
		case c == '-' && i+1 < len(q) && q[i+1] == '-':
			for i < len(q) && q[i] != '\n' {
				i++
			}
			kind = tkComment
		case c == '/' && i+1 < len(q) && q[i+1] == '*':
			end := strings.Index(q[i+2:], "*/")
			if end < 0 {
				return nil, errors.New("unterminated comment")
			}
			i += end + 4
			kind = tkComment
		case c == '\'' || c == '"' || c == '`':
			i++
			closed := false
			for i < len(q) {
				if q[i] == c {
					if i+1 < len(q) && q[i+1] == c {
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				if c == '\'' && q[i] == '\\' {
					i++
				}
				i++
			}
			if !closed {
				return nil, errors.New("unterminated quoted text")
			}
			kind = tkQuoted
			if c == '\'' {
				kind = tkString
			}
		case isWordByte(c):
			for i < len(q) && isWordByte(q[i]) {
				i++
			}
			kind = tkWord
		case c == '(':
			i++
			depth++
		case c == ')':
			i++
			depth--
			if depth < 0 {
				return nil, errors.New("unbalanced parentheses")
			}
			tokDepth = depth
		default:
			i++
		}
		toks = append(toks, token{kind: kind, text: q[start:i], start: start, end: i, depth: tokDepth})
	}
	if depth != 0 {
		return nil, errors.New("unbalanced parentheses")
	}
	return toks, nil
}

// nextSolid returns the index of the first non-blank token at or after i, or
// len(toks).
func nextSolid(toks []token, i int) int {
	for i < len(toks) && toks[i].blank() {
		i++
	}
	return i
}

// prevSolid returns the index of the last non-blank token at or before i, or -1.
func prevSolid(toks []token, i int) int {
	for i >= 0 && toks[i].blank() {
		i--
	}
	return i
}

// splitTopLevel splits toks on commas at the given depth and returns the
// trimmed source text of each part.
func splitTopLevel(q string, toks []token, depth int) []string {
	var parts []string
	if len(toks) == 0 {
		return parts
	}
	start := toks[0].start
	for _, t := range toks {
		if t.depth == depth && t.kind == tkPunct && t.text == "," {
			parts = append(parts, strings.TrimSpace(q[start:t.start]))
			start = t.end
		}
	}
	parts = append(parts, strings.TrimSpace(q[start:toks[len(toks)-1].end]))
	return parts
}

// stripComments replaces every comment in q with a single space.
func stripComments(q string) (string, error) {
	toks, err := scan(q)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, t := range toks {
		if t.kind == tkComment {
			b.WriteByte(' ')
			continue
		}
		b.WriteString(t.text)
	}
	return b.String(), nil
}

// normalize lowercases s and strips identifier quotes and whitespace so
// expressions can be compared textually.
func normalize(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '`' || isSpaceByte(c) {
			continue
		}
		b.WriteByte(c)
	}
	return strings.ToLower(b.String())
}
