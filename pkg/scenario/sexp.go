package scenario

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"unicode"
)

type tokenType int

const (
	tokenEOF tokenType = iota
	tokenLeftParen
	tokenRightParen
	tokenSymbol
	tokenString
)

type token struct {
	typ   tokenType
	value string
	line  int
}

// lexer tokenizes s-expressions from an io.Reader. Comments run from ';'
// or '#' to the end of the line.
type lexer struct {
	reader *bufio.Reader
	peeked *rune
	line   int
}

func newLexer(r io.Reader) *lexer {
	return &lexer{reader: bufio.NewReader(r), line: 1}
}

func (l *lexer) next() (token, error) {
	for {
		ch, err := l.peek()
		if err == io.EOF {
			return token{typ: tokenEOF, line: l.line}, nil
		}
		if err != nil {
			return token{}, err
		}
		if unicode.IsSpace(ch) {
			l.read()
			continue
		}
		if ch == ';' || ch == '#' {
			for {
				c, err := l.read()
				if err != nil || c == '\n' {
					break
				}
			}
			continue
		}
		break
	}

	ch, _ := l.peek()
	line := l.line
	switch ch {
	case '(':
		l.read()
		return token{typ: tokenLeftParen, value: "(", line: line}, nil
	case ')':
		l.read()
		return token{typ: tokenRightParen, value: ")", line: line}, nil
	case '"':
		return l.readString()
	}
	return l.readSymbol()
}

func (l *lexer) peek() (rune, error) {
	if l.peeked != nil {
		return *l.peeked, nil
	}
	ch, _, err := l.reader.ReadRune()
	if err != nil {
		return 0, err
	}
	l.peeked = &ch
	return ch, nil
}

func (l *lexer) read() (rune, error) {
	var ch rune
	if l.peeked != nil {
		ch = *l.peeked
		l.peeked = nil
	} else {
		var err error
		if ch, _, err = l.reader.ReadRune(); err != nil {
			return 0, err
		}
	}
	if ch == '\n' {
		l.line++
	}
	return ch, nil
}

func (l *lexer) readString() (token, error) {
	line := l.line
	l.read()

	var sb strings.Builder
	for {
		ch, err := l.read()
		if err == io.EOF {
			return token{}, fmt.Errorf("line %d: unterminated string", line)
		}
		if err != nil {
			return token{}, err
		}
		switch ch {
		case '"':
			return token{typ: tokenString, value: sb.String(), line: line}, nil
		case '\\':
			next, err := l.read()
			if err != nil {
				return token{}, fmt.Errorf("line %d: unterminated string", line)
			}
			switch next {
			case 'n':
				sb.WriteRune('\n')
			case 't':
				sb.WriteRune('\t')
			default:
				sb.WriteRune(next)
			}
		default:
			sb.WriteRune(ch)
		}
	}
}

func (l *lexer) readSymbol() (token, error) {
	line := l.line
	var sb strings.Builder
	for {
		ch, err := l.peek()
		if err == io.EOF {
			break
		}
		if err != nil {
			return token{}, err
		}
		if unicode.IsSpace(ch) || ch == '(' || ch == ')' || ch == '"' || ch == ';' {
			break
		}
		l.read()
		sb.WriteRune(ch)
	}
	return token{typ: tokenSymbol, value: sb.String(), line: line}, nil
}

// Node is a parsed s-expression.
type Node interface {
	Line() int
	String() string
}

// Atom is a symbol or a quoted string.
type Atom struct {
	Value  string
	Quoted bool
	line   int
}

func (a *Atom) Line() int { return a.line }

func (a *Atom) String() string {
	if a.Quoted {
		return fmt.Sprintf("%q", a.Value)
	}
	return a.Value
}

// List is a parenthesized sequence of nodes.
type List struct {
	Items []Node
	line  int
}

func (l *List) Line() int { return l.line }

func (l *List) String() string {
	parts := make([]string, len(l.Items))
	for i, n := range l.Items {
		parts[i] = n.String()
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// Head returns the leading symbol of the list, or "" if there is none.
func (l *List) Head() string {
	if len(l.Items) == 0 {
		return ""
	}
	if a, ok := l.Items[0].(*Atom); ok && !a.Quoted {
		return a.Value
	}
	return ""
}

// ParseSexp reads every top-level expression from r.
func ParseSexp(r io.Reader) ([]Node, error) {
	lx := newLexer(r)
	var out []Node
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		if tok.typ == tokenEOF {
			return out, nil
		}
		n, err := parseNode(lx, tok)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
}

func parseNode(lx *lexer, tok token) (Node, error) {
	switch tok.typ {
	case tokenSymbol:
		return &Atom{Value: tok.value, line: tok.line}, nil
	case tokenString:
		return &Atom{Value: tok.value, Quoted: true, line: tok.line}, nil
	case tokenRightParen:
		return nil, fmt.Errorf("line %d: unexpected ')'", tok.line)
	case tokenEOF:
		return nil, fmt.Errorf("line %d: unexpected end of input", tok.line)
	}

	list := &List{line: tok.line}
	for {
		next, err := lx.next()
		if err != nil {
			return nil, err
		}
		if next.typ == tokenRightParen {
			return list, nil
		}
		if next.typ == tokenEOF {
			return nil, fmt.Errorf("line %d: unclosed '('", tok.line)
		}
		item, err := parseNode(lx, next)
		if err != nil {
			return nil, err
		}
		list.Items = append(list.Items, item)
	}
}
