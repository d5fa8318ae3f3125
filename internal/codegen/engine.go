// Package codegen lowers a tape program's instruction tree into a lir module:
// one exported entry function that owns a heap-allocated tape and a cell
// pointer, with one START/BODY/END block triple per loop.
package codegen

import (
	"fmt"
	"strconv"

	"github.com/tapec-lang/tapec/internal/ast"
	terrors "github.com/tapec-lang/tapec/internal/errors"
	"github.com/tapec-lang/tapec/internal/lir"
)

// TapeSize is the number of byte cells allocated for every compiled program.
const TapeSize = 30000

// Names of the two local slots of the entry routine.
const (
	TapeSlot = "%tape"
	CellSlot = "%cell"
)

// DefaultEntry is the exported symbol of the generated routine.
const DefaultEntry = "main"

type engineState uint8

const (
	stateNew engineState = iota
	stateOpen
	stateDone
	stateFailed
)

// Stats counts what a generation pass emitted.
type Stats struct {
	Allocates   int
	Deallocates int
	Reads       int
	Writes      int
	Loops       int
	Folded      int // instructions absorbed into runs
}

// Engine builds one module. It is single use and not safe for concurrent use;
// callers discard the module if any method returns an error.
type Engine struct {
	mod   *lir.Module
	fn    *lir.Function
	cur   *lir.BasicBlock
	prims Primitives
	entry string

	state engineState
	temp  int
	loops int
	stats Stats
}

// Option configures an Engine.
type Option func(*Engine)

// WithPrimitives overrides the runtime primitive declarations.
func WithPrimitives(p Primitives) Option {
	return func(e *Engine) { e.prims = p }
}

// WithEntry sets the exported name of the generated routine.
func WithEntry(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.entry = name
		}
	}
}

// New creates an engine for a module called name.
func New(name string, opts ...Option) *Engine {
	e := &Engine{
		mod:   &lir.Module{Name: name},
		prims: DefaultPrimitives(),
		entry: DefaultEntry,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Stats returns the counters accumulated so far.
func (e *Engine) Stats() Stats { return e.stats }

func (e *Engine) newTemp() string {
	t := fmt.Sprintf("%%t%d", e.temp)
	e.temp++
	return t
}

func (e *Engine) newBlock(label string) *lir.BasicBlock {
	bb := &lir.BasicBlock{Label: label}
	e.fn.Blocks = append(e.fn.Blocks, bb)
	return bb
}

func (e *Engine) push(ins lir.Insn) { e.cur.Insns = append(e.cur.Insns, ins) }

func (e *Engine) fail(err error) error {
	e.state = stateFailed
	return err
}

func (e *Engine) expect(s engineState, op string) error {
	if e.state != s {
		return e.fail(terrors.Generation("", fmt.Sprintf("%s called out of order", op)))
	}
	return nil
}

// call emits a call to p and returns its result value, or "" when p is void.
func (e *Engine) call(p Primitive, args ...string) string {
	c := lir.Call{
		Callee:     p.Symbol,
		Args:       args,
		ArgClasses: append([]string(nil), p.Params...),
		RetClass:   p.RetClass,
	}
	if p.RetClass != lir.Void {
		c.Dst = e.newTemp()
	}
	e.push(c)
	return c.Dst
}

// callValue is call for primitives whose result the engine consumes.
func (e *Engine) callValue(p Primitive, args ...string) (string, error) {
	v := e.call(p, args...)
	if v == "" {
		return "", e.fail(terrors.Generation(p.Symbol, fmt.Sprintf("(%s) yielded no value", p.Name)))
	}
	return v, nil
}

// Initialize declares the runtime primitives and the entry routine, reserves
// the tape-base and cell-pointer slots, and allocates the tape.
func (e *Engine) Initialize() error {
	if err := e.expect(stateNew, "initialize"); err != nil {
		return err
	}

	for _, p := range e.prims.All() {
		e.mod.Externs = append(e.mod.Externs, p.extern())
	}
	e.fn = &lir.Function{Name: e.entry, RetClass: lir.I32, Exported: true}
	e.mod.Functions = append(e.mod.Functions, e.fn)
	e.cur = e.newBlock("entry")

	e.push(lir.Alloc{Dst: TapeSlot, Name: "tape"})
	e.push(lir.Alloc{Dst: CellSlot, Name: "cell"})

	tape, err := e.callValue(e.prims.Allocate, strconv.Itoa(TapeSize), "1")
	if err != nil {
		return err
	}
	e.stats.Allocates++
	e.push(lir.Store{Addr: TapeSlot, Val: tape, Class: lir.Ptr})
	e.push(lir.Store{Addr: CellSlot, Val: tape, Class: lir.Ptr})

	e.state = stateOpen
	return nil
}

// Emit lowers seq at the current insertion point. It may be called several
// times between Initialize and Finalize; sequences are emitted in call order.
func (e *Engine) Emit(seq ast.Seq) error {
	if err := e.expect(stateOpen, "emit"); err != nil {
		return err
	}
	return e.emitOps(Fold(seq), ast.Count(seq))
}

func (e *Engine) emitOps(ops []Op, instrs int) error {
	for _, op := range ops {
		var err error
		switch op.Kind {
		case OpMove:
			e.emitMove(op.Delta)
		case OpAdd:
			e.emitAdd(op.Delta)
		case OpWrite:
			e.emitWrite()
		case OpRead:
			err = e.emitRead()
		case OpLoop:
			err = e.emitLoop(op.Body)
		default:
			err = e.fail(terrors.Generation("", fmt.Sprintf("unknown operation %s", op)))
		}
		if err != nil {
			return err
		}
	}
	e.stats.Folded += instrs - countOps(ops)
	return nil
}

func countOps(ops []Op) int {
	n := 0
	for _, op := range ops {
		n++
		if op.Kind == OpLoop {
			n += countOps(op.Body)
		}
	}
	return n
}

// cell loads the cell pointer.
func (e *Engine) cell() string {
	p := e.newTemp()
	e.push(lir.Load{Dst: p, Addr: CellSlot, Class: lir.Ptr})
	return p
}

func (e *Engine) emitMove(delta int) {
	p := e.cell()
	q := e.newTemp()
	e.push(lir.PtrAdd{Dst: q, Base: p, Offset: strconv.Itoa(delta)})
	e.push(lir.Store{Addr: CellSlot, Val: q, Class: lir.Ptr})
}

func (e *Engine) emitAdd(delta int) {
	p := e.cell()
	v := e.newTemp()
	e.push(lir.Load{Dst: v, Addr: p, Class: lir.I8})
	sum := e.newTemp()
	// Reduce to the signed 8-bit immediate with the same residue mod 256.
	e.push(lir.Add{Dst: sum, LHS: v, RHS: strconv.Itoa(int(int8(delta))), Class: lir.I8})
	e.push(lir.Store{Addr: p, Val: sum, Class: lir.I8})
}

func (e *Engine) emitWrite() {
	p := e.cell()
	v := e.newTemp()
	e.push(lir.Load{Dst: v, Addr: p, Class: lir.I8})
	x := e.newTemp()
	e.push(lir.SExt{Dst: x, Src: v, From: lir.I8, To: lir.I32})
	e.call(e.prims.WriteByte, x)
	e.stats.Writes++
}

func (e *Engine) emitRead() error {
	r, err := e.callValue(e.prims.ReadByte)
	if err != nil {
		return err
	}
	b := e.newTemp()
	e.push(lir.Trunc{Dst: b, Src: r, To: lir.I8})
	p := e.cell()
	e.push(lir.Store{Addr: p, Val: b, Class: lir.I8})
	e.stats.Reads++
	return nil
}

// emitLoop lowers one loop as START (guard), BODY and END blocks. Control
// falls into START, which re-tests the current cell before every iteration.
func (e *Engine) emitLoop(body []Op) error {
	n := e.loops
	e.loops++
	e.stats.Loops++

	start := e.newBlock(fmt.Sprintf("loop%d_start", n))
	bodyBB := e.newBlock(fmt.Sprintf("loop%d_body", n))
	end := e.newBlock(fmt.Sprintf("loop%d_end", n))

	e.push(lir.Br{Target: start.Label})

	e.cur = start
	p := e.cell()
	v := e.newTemp()
	e.push(lir.Load{Dst: v, Addr: p, Class: lir.I8})
	c := e.newTemp()
	e.push(lir.Cmp{Dst: c, Pred: "ne", LHS: v, RHS: "0", Class: lir.I8})
	e.push(lir.BrCond{Cond: c, True: bodyBB.Label, False: end.Label})

	e.cur = bodyBB
	if err := e.emitOps(body, countOps(body)); err != nil {
		return err
	}
	e.push(lir.Br{Target: start.Label})

	e.cur = end
	return nil
}

// Finalize frees the tape, returns zero from the entry routine and verifies
// the finished module.
func (e *Engine) Finalize() (*lir.Module, error) {
	if err := e.expect(stateOpen, "finalize"); err != nil {
		return nil, err
	}

	tape := e.newTemp()
	e.push(lir.Load{Dst: tape, Addr: TapeSlot, Class: lir.Ptr})
	e.call(e.prims.Deallocate, tape)
	e.stats.Deallocates++
	e.push(lir.Ret{Src: "0"})

	if err := lir.Verify(e.mod); err != nil {
		return nil, e.fail(terrors.Generation("", "malformed module: "+err.Error()))
	}

	e.state = stateDone
	return e.mod, nil
}

// Generate runs a complete pass over prog and returns the verified module.
func Generate(name string, prog ast.Seq, opts ...Option) (*lir.Module, error) {
	e := New(name, opts...)
	if err := e.Initialize(); err != nil {
		return nil, err
	}
	if err := e.Emit(prog); err != nil {
		return nil, err
	}
	return e.Finalize()
}
