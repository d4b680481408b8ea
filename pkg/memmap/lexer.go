package memmap

import (
	"github.com/alecthomas/participle/v2/lexer"
)

// LinkerLexer tokenizes GNU ld scripts well enough to find MEMORY commands
// and skip everything else with balanced braces and parentheses.
var LinkerLexer = lexer.MustSimple([]lexer.SimpleRule{
	// Comments - C style block and line comments
	{Name: "Comment", Pattern: `(?s)/\*.*?\*/|//[^\n]*`},

	{Name: "Whitespace", Pattern: `[\s\t\n\r]+`},

	{Name: "String", Pattern: `"[^"]*"`},

	// Numbers with optional K/M size suffix (e.g., 0x08000000, 512K)
	{Name: "Number", Pattern: `0[xX][0-9A-Fa-f]+[KkMm]?|[0-9]+[KkMm]?`},

	// Symbols, section names and region names (.text, __stack_top, RAM_D1)
	{Name: "Ident", Pattern: `[A-Za-z_.$][A-Za-z0-9_.$]*`},

	{Name: "LBrace", Pattern: `\{`},
	{Name: "RBrace", Pattern: `\}`},
	{Name: "LParen", Pattern: `\(`},
	{Name: "RParen", Pattern: `\)`},

	{Name: "Punct", Pattern: `[-+*/%=<>!&|^~:;,?@\[\]]`},
})
