// Package interp executes an instruction tree directly. It is the reference
// behaviour compiled programs are checked against.
package interp

import (
	"bufio"
	"fmt"
	"io"

	"github.com/tapec-lang/tapec/internal/ast"
	terrors "github.com/tapec-lang/tapec/internal/errors"
)

// TapeSize matches the tape allocated by compiled programs.
const TapeSize = 30000

var (
	ErrTapeOverrun = terrors.ErrTapeOverrun
	ErrStepLimit   = terrors.ErrStepLimit
)

// traceCells is how many leading cells a trace line shows.
const traceCells = 10

// Option configures a Machine.
type Option func(*Machine)

// WithMaxSteps stops execution with ErrStepLimit after n instructions.
// Loop guards count as one instruction per test. Zero means no limit.
func WithMaxSteps(n int) Option { return func(m *Machine) { m.maxSteps = n } }

// WithTrace writes each simple instruction and the first ten cells to w
// after it executes.
func WithTrace(w io.Writer) Option { return func(m *Machine) { m.trace = w } }

// WithTapeSize overrides the number of cells.
func WithTapeSize(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.tape = make([]byte, n)
		}
	}
}

// Machine holds the tape and cell pointer of one execution.
type Machine struct {
	tape  []byte
	ptr   int
	in    io.ByteReader
	out   *bufio.Writer
	trace io.Writer

	maxSteps int
	steps    int
}

// New returns a machine reading from in and writing to out.
func New(in io.Reader, out io.Writer, opts ...Option) *Machine {
	m := &Machine{tape: make([]byte, TapeSize)}
	if br, ok := in.(io.ByteReader); ok {
		m.in = br
	} else {
		m.in = bufio.NewReader(in)
	}
	m.out = bufio.NewWriter(out)
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run executes seq. Output is flushed whether or not execution succeeds.
func (m *Machine) Run(seq ast.Seq) error {
	err := m.exec(seq)
	if ferr := m.out.Flush(); err == nil && ferr != nil {
		err = terrors.IO("write", "output", ferr)
	}
	return err
}

// Cells returns the tape.
func (m *Machine) Cells() []byte { return m.tape }

// Pointer returns the index of the current cell.
func (m *Machine) Pointer() int { return m.ptr }

// Steps returns how many instructions have executed.
func (m *Machine) Steps() int { return m.steps }

func (m *Machine) step() error {
	m.steps++
	if m.maxSteps > 0 && m.steps > m.maxSteps {
		return terrors.Runtime(terrors.CodeStepLimit,
			fmt.Sprintf("stopped after %d instructions", m.maxSteps),
			map[string]interface{}{"steps": m.maxSteps})
	}
	return nil
}

func (m *Machine) overrun(in ast.Instr, cell int) error {
	return terrors.Runtime(terrors.CodeTapeOverrun,
		fmt.Sprintf("%s: %s moves the cell pointer to %d, outside [0, %d)", in.Pos, in.Kind, cell, len(m.tape)),
		map[string]interface{}{"cell": cell, "pos": in.Pos.String()})
}

func (m *Machine) exec(seq ast.Seq) error {
	for _, in := range seq {
		if err := m.step(); err != nil {
			return err
		}
		switch in.Kind {
		case ast.MoveLeft:
			if m.ptr == 0 {
				return m.overrun(in, -1)
			}
			m.ptr--
		case ast.MoveRight:
			if m.ptr == len(m.tape)-1 {
				return m.overrun(in, len(m.tape))
			}
			m.ptr++
		case ast.Increment:
			m.tape[m.ptr]++
		case ast.Decrement:
			m.tape[m.ptr]--
		case ast.ReadByte:
			b, err := m.in.ReadByte()
			switch {
			case err == io.EOF:
				// End of input leaves the cell unchanged.
			case err != nil:
				return terrors.IO("read", "input", err)
			default:
				m.tape[m.ptr] = b
			}
		case ast.WriteByte:
			if err := m.out.WriteByte(m.tape[m.ptr]); err != nil {
				return terrors.IO("write", "output", err)
			}
		case ast.Loop:
			for m.tape[m.ptr] != 0 {
				if err := m.exec(in.Body); err != nil {
					return err
				}
				if err := m.step(); err != nil {
					return err
				}
			}
			continue
		default:
			return fmt.Errorf("unknown instruction kind %d", in.Kind)
		}
		m.traceCells(in)
	}
	return nil
}

func (m *Machine) traceCells(in ast.Instr) {
	if m.trace == nil {
		return
	}
	n := traceCells
	if n > len(m.tape) {
		n = len(m.tape)
	}
	fmt.Fprintf(m.trace, "%s: %v\n", in, m.tape[:n])
}

// Run executes seq on a fresh machine.
func Run(seq ast.Seq, in io.Reader, out io.Writer, opts ...Option) error {
	return New(in, out, opts...).Run(seq)
}
