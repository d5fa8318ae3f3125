// Package ast defines the instruction tree of a tape program.
//
// The instruction set is closed: every consumer dispatches with an exhaustive
// switch over Kind rather than through an open visitor interface.
package ast

import (
	"fmt"
	"strings"

	"github.com/tapec-lang/tapec/internal/position"
)

// Kind identifies one of the seven instruction variants.
type Kind uint8

const (
	MoveLeft Kind = iota
	MoveRight
	Increment
	Decrement
	ReadByte
	WriteByte
	Loop
)

var kindNames = [...]string{
	MoveLeft:  "MoveLeft",
	MoveRight: "MoveRight",
	Increment: "Increment",
	Decrement: "Decrement",
	ReadByte:  "ReadByte",
	WriteByte: "WriteByte",
	Loop:      "Loop",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Symbol returns the source character of a simple instruction.
// Loop has no single symbol and yields 0.
func (k Kind) Symbol() byte {
	switch k {
	case MoveLeft:
		return '<'
	case MoveRight:
		return '>'
	case Increment:
		return '+'
	case Decrement:
		return '-'
	case ReadByte:
		return ','
	case WriteByte:
		return '.'
	}
	return 0
}

// Instr is one node of the tree. Body is only set for Loop.
type Instr struct {
	Kind Kind
	Body Seq
	Pos  position.Position
}

// Seq is an ordered instruction list in execution order.
type Seq []Instr

// Simple builds a non-loop instruction without position information.
func Simple(k Kind) Instr { return Instr{Kind: k} }

// NewLoop builds a loop node around body.
func NewLoop(body ...Instr) Instr { return Instr{Kind: Loop, Body: body} }

// String renders the instruction in source form.
func (in Instr) String() string {
	if in.Kind == Loop {
		return "[" + in.Body.String() + "]"
	}
	return string(in.Kind.Symbol())
}

// String renders the sequence in source form.
func (s Seq) String() string {
	var b strings.Builder
	for _, in := range s {
		b.WriteString(in.String())
	}
	return b.String()
}

// Depth returns the maximum loop nesting depth of s.
func Depth(s Seq) int {
	deepest := 0
	for _, in := range s {
		if in.Kind != Loop {
			continue
		}
		if d := 1 + Depth(in.Body); d > deepest {
			deepest = d
		}
	}
	return deepest
}

// Count returns the number of instructions in s, loops and their bodies included.
func Count(s Seq) int {
	n := 0
	for _, in := range s {
		n++
		if in.Kind == Loop {
			n += Count(in.Body)
		}
	}
	return n
}

// FromString builds a tree from source text without positions. Unbalanced
// brackets panic; it exists for tests and tools that embed literal programs.
func FromString(src string) Seq {
	seq, rest := fromString(src)
	if rest != "" {
		panic(fmt.Sprintf("ast.FromString: unmatched ']' in %q", src))
	}
	return seq
}

func fromString(src string) (Seq, string) {
	var out Seq
	for len(src) > 0 {
		c := src[0]
		src = src[1:]
		switch c {
		case '<':
			out = append(out, Simple(MoveLeft))
		case '>':
			out = append(out, Simple(MoveRight))
		case '+':
			out = append(out, Simple(Increment))
		case '-':
			out = append(out, Simple(Decrement))
		case ',':
			out = append(out, Simple(ReadByte))
		case '.':
			out = append(out, Simple(WriteByte))
		case '[':
			body, rest := fromString(src)
			if len(rest) == 0 || rest[0] != ']' {
				panic("ast.FromString: unterminated '['")
			}
			out = append(out, NewLoop(body...))
			src = rest[1:]
		case ']':
			return out, "]" + src
		}
	}
	return out, ""
}
