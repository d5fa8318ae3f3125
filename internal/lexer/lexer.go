// Package lexer turns tape program source into tokens.
// Each of the eight command characters is a token; every other byte is a comment.
package lexer

import (
	"fmt"

	"github.com/tapec-lang/tapec/internal/position"
)

// TokenType represents the type of a token
type TokenType int

// String returns a string representation of the token type
func (tt TokenType) String() string {
	if name, ok := tokenNames[tt]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(tt))
}

const (
	TokenEOF TokenType = iota
	TokenLeft
	TokenRight
	TokenIncrement
	TokenDecrement
	TokenInput
	TokenOutput
	TokenLoopStart
	TokenLoopEnd
)

var tokenNames = map[TokenType]string{
	TokenEOF:       "EOF",
	TokenLeft:      "<",
	TokenRight:     ">",
	TokenIncrement: "+",
	TokenDecrement: "-",
	TokenInput:     ",",
	TokenOutput:    ".",
	TokenLoopStart: "[",
	TokenLoopEnd:   "]",
}

var charTokens = [256]TokenType{
	'<': TokenLeft,
	'>': TokenRight,
	'+': TokenIncrement,
	'-': TokenDecrement,
	',': TokenInput,
	'.': TokenOutput,
	'[': TokenLoopStart,
	']': TokenLoopEnd,
}

// Token is one command character and where it was found.
type Token struct {
	Type TokenType
	Pos  position.Position
}

// String returns a string representation of the token
func (t Token) String() string {
	return fmt.Sprintf("%s@%s", t.Type, t.Pos)
}

// Lexer scans a source buffer one byte at a time.
type Lexer struct {
	input    string
	pos      position.Position
	comments int
}

// New creates a lexer over input without a file name.
func New(input string) *Lexer {
	return NewWithFilename(input, "")
}

// NewWithFilename creates a lexer whose positions carry filename.
func NewWithFilename(input, filename string) *Lexer {
	return &Lexer{input: input, pos: position.Start(filename)}
}

// NextToken returns the next command token, skipping comment bytes.
// After the input is exhausted it keeps returning TokenEOF.
func (l *Lexer) NextToken() Token {
	for l.pos.Offset < len(l.input) {
		c := l.input[l.pos.Offset]
		at := l.pos
		l.pos = l.pos.Advance(c)
		if tt := charTokens[c]; tt != TokenEOF {
			return Token{Type: tt, Pos: at}
		}
		l.comments++
	}
	return Token{Type: TokenEOF, Pos: l.pos}
}

// Comments reports how many non-command bytes were skipped so far.
func (l *Lexer) Comments() int { return l.comments }

// Count scans input and reports how many command and comment bytes it holds.
func Count(input string) (commands, comments int) {
	l := New(input)
	for l.NextToken().Type != TokenEOF {
		commands++
	}
	return commands, l.Comments()
}
