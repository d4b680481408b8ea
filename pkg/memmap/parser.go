package memmap

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
)

// Parser reads MEMORY commands out of GNU ld linker scripts.
type Parser struct {
	parser *participle.Parser[Script]
}

// NewParser creates a new linker script parser instance
func NewParser() (*Parser, error) {
	parser, err := participle.Build[Script](
		participle.Lexer(LinkerLexer),
		participle.Elide("Comment", "Whitespace"),
		participle.UseLookahead(2),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build parser: %w", err)
	}

	return &Parser{parser: parser}, nil
}

// Parse parses a linker script from a reader and evaluates its regions.
func (p *Parser) Parse(r io.Reader) (Map, error) {
	script, err := p.parser.Parse("", r)
	if err != nil {
		return Map{}, fmt.Errorf("parse error: %w", err)
	}
	return script.Map()
}

// ParseString parses a linker script from a string.
func (p *Parser) ParseString(input string) (Map, error) {
	script, err := p.parser.ParseString("", input)
	if err != nil {
		return Map{}, fmt.Errorf("parse error: %w", err)
	}
	return script.Map()
}

// ParseFile parses a linker script from a file path.
func (p *Parser) ParseFile(filename string) (Map, error) {
	file, err := os.Open(filename)
	if err != nil {
		return Map{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return p.Parse(file)
}

// Load is a convenience wrapper that builds a parser and parses filename.
func Load(filename string) (Map, error) {
	p, err := NewParser()
	if err != nil {
		return Map{}, err
	}
	return p.ParseFile(filename)
}

// Map evaluates every region declaration, in order, and validates the result.
func (s *Script) Map() (Map, error) {
	var m Map
	for _, item := range s.Items {
		if item.Memory == nil {
			continue
		}
		for _, decl := range item.Memory.Regions {
			region, err := decl.evaluate(m)
			if err != nil {
				return Map{}, err
			}
			m.Regions = append(m.Regions, region)
		}
	}
	if err := m.Validate(); err != nil {
		return Map{}, err
	}
	return m, nil
}

func (d *RegionDecl) evaluate(prior Map) (Region, error) {
	set, negated, err := ParseAttrs(d.Attrs)
	if err != nil {
		return Region{}, fmt.Errorf("memmap: region %s: %w", d.Name, err)
	}
	origin, err := d.Origin.eval(prior)
	if err != nil {
		return Region{}, fmt.Errorf("memmap: region %s origin: %w", d.Name, err)
	}
	length, err := d.Length.eval(prior)
	if err != nil {
		return Region{}, fmt.Errorf("memmap: region %s length: %w", d.Name, err)
	}
	if origin > 0xFFFFFFFF || length > 1<<32 {
		return Region{}, fmt.Errorf("memmap: region %s does not fit 32-bit addressing", d.Name)
	}
	if length == 1<<32 {
		// A full 4GB region can't be represented; clamp to the last byte.
		length--
	}
	return Region{
		Name:     d.Name,
		Origin:   uint32(origin),
		Length:   uint32(length),
		Attrs:    set,
		NotAttrs: negated,
	}, nil
}

// eval applies * and / before + and -, left to right within each level.
func (e *Expr) eval(prior Map) (uint64, error) {
	head, err := e.Head.eval(prior)
	if err != nil {
		return 0, err
	}

	sums := []int64{int64(head)}
	ops := []string{}
	for _, t := range e.Tail {
		v, err := t.Term.eval(prior)
		if err != nil {
			return 0, err
		}
		switch t.Op {
		case "*":
			sums[len(sums)-1] *= int64(v)
		case "/":
			if v == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			sums[len(sums)-1] /= int64(v)
		default:
			ops = append(ops, t.Op)
			sums = append(sums, int64(v))
		}
	}

	total := sums[0]
	for i, op := range ops {
		if op == "+" {
			total += sums[i+1]
		} else {
			total -= sums[i+1]
		}
	}
	if total < 0 {
		return 0, fmt.Errorf("negative value %d", total)
	}
	return uint64(total), nil
}

func (t *Term) eval(prior Map) (uint64, error) {
	switch {
	case t.Number != nil:
		return parseNumber(*t.Number)
	case t.Ref != nil:
		r, ok := prior.Lookup(t.Ref.Region)
		if !ok {
			return 0, fmt.Errorf("%s(%s): unknown region", t.Ref.Fn, t.Ref.Region)
		}
		if t.Ref.Fn == "ORIGIN" {
			return uint64(r.Origin), nil
		}
		return uint64(r.Length), nil
	case t.Sub != nil:
		return t.Sub.eval(prior)
	}
	return 0, fmt.Errorf("empty term")
}

// parseNumber decodes ld numbers: decimal or 0x hex with an optional K or M
// multiplier suffix.
func parseNumber(s string) (uint64, error) {
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		mult = 1024
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		mult = 1024 * 1024
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return v * mult, nil
}
