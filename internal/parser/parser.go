// Package parser builds the instruction tree from a token stream.
package parser

import (
	"fmt"
	"os"

	"github.com/tapec-lang/tapec/internal/ast"
	terrors "github.com/tapec-lang/tapec/internal/errors"
	"github.com/tapec-lang/tapec/internal/lexer"
	"github.com/tapec-lang/tapec/internal/position"
)

// cursor is a single-pass view of the token stream shared by nested parse calls.
type cursor struct {
	lex   *lexer.Lexer
	src   *position.SourceFile
	tok   lexer.Token
	depth int
}

func (c *cursor) advance() { c.tok = c.lex.NextToken() }

// syntax builds a SYNTAX error whose context carries the source line under
// "excerpt", with a caret at pos.
func (c *cursor) syntax(pos position.Position, details string) error {
	e := terrors.Syntax(pos, details)
	if ex := c.src.Excerpt(pos); ex != "" {
		e.Context["excerpt"] = ex
	}
	return e
}

var simple = map[lexer.TokenType]ast.Kind{
	lexer.TokenLeft:      ast.MoveLeft,
	lexer.TokenRight:     ast.MoveRight,
	lexer.TokenIncrement: ast.Increment,
	lexer.TokenDecrement: ast.Decrement,
	lexer.TokenInput:     ast.ReadByte,
	lexer.TokenOutput:    ast.WriteByte,
}

// Parse parses a complete program. An unmatched ']' or an unterminated '['
// yields a SYNTAX error carrying the offending position.
func Parse(src, filename string) (ast.Seq, error) {
	c := &cursor{
		lex: lexer.NewWithFilename(src, filename),
		src: position.NewSourceFile(filename, src),
	}
	c.advance()

	return parseSeq(c)
}

// parseSeq consumes instructions until EOF or a ']' that closes the caller's loop.
// The terminating token is left in c.tok.
func parseSeq(c *cursor) (ast.Seq, error) {
	var seq ast.Seq
	for {
		switch c.tok.Type {
		case lexer.TokenEOF:
			return seq, nil
		case lexer.TokenLoopEnd:
			if c.depth == 0 {
				return nil, c.syntax(c.tok.Pos, "unmatched loop terminator ']'")
			}
			return seq, nil
		case lexer.TokenLoopStart:
			in, err := parseLoop(c)
			if err != nil {
				return nil, err
			}
			seq = append(seq, in)
		default:
			kind, ok := simple[c.tok.Type]
			if !ok {
				return nil, c.syntax(c.tok.Pos, fmt.Sprintf("unexpected token %s", c.tok.Type))
			}
			seq = append(seq, ast.Instr{Kind: kind, Pos: c.tok.Pos})
			c.advance()
		}
	}
}

func parseLoop(c *cursor) (ast.Instr, error) {
	open := c.tok.Pos
	c.depth++
	c.advance()

	body, err := parseSeq(c)
	if err != nil {
		return ast.Instr{}, err
	}
	if c.tok.Type != lexer.TokenLoopEnd {
		return ast.Instr{}, c.syntax(open, "unterminated loop, missing ']'")
	}
	c.depth--
	c.advance()

	return ast.Instr{Kind: ast.Loop, Body: body, Pos: open}, nil
}

// ParseFile reads and parses the program at path.
func ParseFile(path string) (ast.Seq, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, terrors.IO("read source", path, err)
	}
	return Parse(string(src), path)
}
