package memmap

// Script is a linker script reduced to its MEMORY commands. Every other
// command is consumed as an opaque, brace-balanced chunk.
type Script struct {
	Items []*ScriptItem `@@*`
}

// ScriptItem is either a MEMORY command or something we do not interpret.
type ScriptItem struct {
	Memory *MemoryCommand `  "MEMORY" @@`
	Other  *Chunk         `| @@`
}

// Chunk is an uninterpreted token or a balanced group of tokens.
type Chunk struct {
	Block []*Chunk `  LBrace @@* RBrace`
	Group []*Chunk `| LParen @@* RParen`
	Token string   `| @( Ident | Number | String | Punct )`
}

// MemoryCommand is the body of MEMORY { ... }.
// Example: MEMORY { FLASH (rx) : ORIGIN = 0x08000000, LENGTH = 512K }
type MemoryCommand struct {
	Regions []*RegionDecl `LBrace @@* RBrace`
}

// RegionDecl declares one region.
// Example: RAM (rwx) : ORIGIN = 0x20000000, LENGTH = 128K
type RegionDecl struct {
	Name   string `@Ident`
	Attrs  string `( LParen @( Ident | "!" )* RParen )?`
	Origin *Expr  `":" ( "ORIGIN" | "org" | "o" ) "=" @@ ","?`
	Length *Expr  `( "LENGTH" | "len" | "l" ) "=" @@`
}

// Expr is a sum of terms, enough for LENGTH = 128K - 0x400 style arithmetic.
type Expr struct {
	Head *Term    `@@`
	Tail []*OpTerm `@@*`
}

// OpTerm is an operator followed by a term.
type OpTerm struct {
	Op   string `@( "+" | "-" | "*" | "/" )`
	Term *Term  `@@`
}

// Term is a number, a reference to an earlier region, or a parenthesised
// expression.
type Term struct {
	Number *string   `  @Number`
	Ref    *RegionFn `| @@`
	Sub    *Expr     `| LParen @@ RParen`
}

// RegionFn is ORIGIN(name) or LENGTH(name).
type RegionFn struct {
	Fn     string `@( "ORIGIN" | "LENGTH" )`
	Region string `LParen @Ident RParen`
}
