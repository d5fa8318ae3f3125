package codegen

import (
	"fmt"
	"strings"

	"github.com/tapec-lang/tapec/internal/ast"
)

// OpKind is the kind of a folded operation.
type OpKind uint8

const (
	OpMove  OpKind = iota // advance the cell pointer by Delta
	OpAdd                 // add Delta to the current cell, modulo 256
	OpWrite               // write the current cell
	OpRead                // read into the current cell
	OpLoop                // while the current cell is non-zero, run Body
)

// Op is one emission step produced by Fold.
type Op struct {
	Kind  OpKind
	Delta int
	Body  []Op
}

func (o Op) String() string {
	switch o.Kind {
	case OpMove:
		return fmt.Sprintf("move(%+d)", o.Delta)
	case OpAdd:
		return fmt.Sprintf("add(%+d)", o.Delta)
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	case OpLoop:
		parts := make([]string, len(o.Body))
		for i, b := range o.Body {
			parts[i] = b.String()
		}
		return "loop{" + strings.Join(parts, " ") + "}"
	}
	return fmt.Sprintf("op(%d)", o.Kind)
}

// step returns the folded op kind and signed unit of a foldable instruction.
func step(k ast.Kind) (OpKind, int, bool) {
	switch k {
	case ast.MoveRight:
		return OpMove, 1, true
	case ast.MoveLeft:
		return OpMove, -1, true
	case ast.Increment:
		return OpAdd, 1, true
	case ast.Decrement:
		return OpAdd, -1, true
	}
	return 0, 0, false
}

// Fold collapses every maximal run of identical move or arithmetic
// instructions into one Op whose Delta is the signed run length. Reads,
// writes and loops are never merged. seq is not modified.
func Fold(seq ast.Seq) []Op {
	var out []Op
	for i := 0; i < len(seq); {
		in := seq[i]
		if kind, unit, ok := step(in.Kind); ok {
			j := i + 1
			for j < len(seq) && seq[j].Kind == in.Kind {
				j++
			}
			out = append(out, Op{Kind: kind, Delta: unit * (j - i)})
			i = j
			continue
		}

		switch in.Kind {
		case ast.WriteByte:
			out = append(out, Op{Kind: OpWrite})
		case ast.ReadByte:
			out = append(out, Op{Kind: OpRead})
		case ast.Loop:
			out = append(out, Op{Kind: OpLoop, Body: Fold(in.Body)})
		}
		i++
	}
	return out
}
