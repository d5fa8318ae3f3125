// Package vm evaluates a generated lir module in process, with the runtime
// primitives implemented in Go. It executes exactly what the code generator
// emitted, so compiled behaviour can be checked without a native toolchain.
package vm

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/tapec-lang/tapec/internal/codegen"
	terrors "github.com/tapec-lang/tapec/internal/errors"
	"github.com/tapec-lang/tapec/internal/lir"
)

var (
	ErrMemoryFault = terrors.ErrMemoryFault
	ErrStepLimit   = terrors.ErrStepLimit
)

// Stats describes one run.
type Stats struct {
	Steps int
	// Calls counts primitive invocations by role name
	// (allocate, deallocate, readByte, writeByte).
	Calls map[string]int
}

// Option configures a VM.
type Option func(*VM)

// WithMaxSteps stops execution with ErrStepLimit after n instructions.
func WithMaxSteps(n int) Option { return func(v *VM) { v.maxSteps = n } }

// WithEntry selects the function Run starts in.
func WithEntry(name string) Option {
	return func(v *VM) {
		if name != "" {
			v.entry = name
		}
	}
}

// WithPrimitives binds the primitive roles to the given link-time symbols.
func WithPrimitives(p codegen.Primitives) Option { return func(v *VM) { v.prims = p } }

// VM runs one module against one Host.
type VM struct {
	host     Host
	mem      *arena
	prims    codegen.Primitives
	entry    string
	maxSteps int
	stats    Stats
}

// New returns a VM performing I/O through host.
func New(host Host, opts ...Option) *VM {
	v := &VM{
		host:  host,
		mem:   newArena(),
		prims: codegen.DefaultPrimitives(),
		entry: codegen.DefaultEntry,
		stats: Stats{Calls: make(map[string]int)},
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Stats returns the counters of the last run.
func (v *VM) Stats() Stats { return v.stats }

// Live returns the number of allocations not yet freed.
func (v *VM) Live() int { return v.mem.live }

// Run executes the entry function of m and returns its result.
func (v *VM) Run(m *lir.Module) (int64, error) {
	f := m.Function(v.entry)
	if f == nil {
		return 0, fmt.Errorf("module %s has no function %s", m.Name, v.entry)
	}
	return v.call(m, f)
}

type frame struct {
	slots  map[string]int64
	vals   map[string]int64
	isSlot map[string]bool
}

func (fr *frame) value(operand string) (int64, error) {
	if v, ok := fr.vals[operand]; ok {
		return v, nil
	}
	n, err := strconv.ParseInt(operand, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("undefined operand %q", operand)
	}
	return n, nil
}

func (v *VM) step() error {
	v.stats.Steps++
	if v.maxSteps > 0 && v.stats.Steps > v.maxSteps {
		return terrors.Runtime(terrors.CodeStepLimit,
			fmt.Sprintf("stopped after %d instructions", v.maxSteps),
			map[string]interface{}{"steps": v.maxSteps})
	}
	return nil
}

func (v *VM) call(m *lir.Module, f *lir.Function) (int64, error) {
	if len(f.Blocks) == 0 {
		return 0, fmt.Errorf("function %s has no body", f.Name)
	}
	fr := &frame{
		slots:  make(map[string]int64),
		vals:   make(map[string]int64),
		isSlot: make(map[string]bool),
	}
	for _, s := range f.Slots() {
		fr.isSlot[s] = true
	}

	bb := f.Blocks[0]
	for {
		var next string
		for _, ins := range bb.Insns {
			if err := v.step(); err != nil {
				return 0, err
			}
			done, target, ret, err := v.exec(m, fr, ins)
			if err != nil {
				return 0, fmt.Errorf("%s/%s: %s: %w", f.Name, bb.Label, ins.Op(), err)
			}
			if done {
				return ret, nil
			}
			if target != "" {
				next = target
				break
			}
		}
		if next == "" {
			return 0, fmt.Errorf("%s/%s: fell off the end of the block", f.Name, bb.Label)
		}
		if bb = f.Block(next); bb == nil {
			return 0, fmt.Errorf("%s: branch to unknown block %s", f.Name, next)
		}
	}
}

// exec runs one instruction. It reports a return (done, ret) or a branch
// (target).
func (v *VM) exec(m *lir.Module, fr *frame, ins lir.Insn) (done bool, target string, ret int64, err error) {
	switch in := ins.(type) {
	case lir.Alloc:
		fr.slots[in.Dst] = 0

	case lir.Load:
		if fr.isSlot[in.Addr] {
			fr.vals[in.Dst] = fr.slots[in.Addr]
			return
		}
		var addr, x int64
		if addr, err = fr.value(in.Addr); err != nil {
			return
		}
		if x, err = v.mem.load(addr, lir.Width(in.Class)); err != nil {
			return
		}
		fr.vals[in.Dst] = x

	case lir.Store:
		var x int64
		if x, err = fr.value(in.Val); err != nil {
			return
		}
		if fr.isSlot[in.Addr] {
			fr.slots[in.Addr] = x
			return
		}
		var addr int64
		if addr, err = fr.value(in.Addr); err != nil {
			return
		}
		err = v.mem.store(addr, lir.Width(in.Class), x)

	case lir.Add:
		var a, b int64
		if a, b, err = fr.pair(in.LHS, in.RHS); err != nil {
			return
		}
		fr.vals[in.Dst] = wrap(a+b, in.Class)

	case lir.PtrAdd:
		var a, b int64
		if a, b, err = fr.pair(in.Base, in.Offset); err != nil {
			return
		}
		fr.vals[in.Dst] = a + b

	case lir.SExt:
		var x int64
		if x, err = fr.value(in.Src); err != nil {
			return
		}
		fr.vals[in.Dst] = signed(x, in.From)

	case lir.Trunc:
		var x int64
		if x, err = fr.value(in.Src); err != nil {
			return
		}
		fr.vals[in.Dst] = wrap(x, in.To)

	case lir.Cmp:
		var a, b int64
		if a, b, err = fr.pair(in.LHS, in.RHS); err != nil {
			return
		}
		var ok bool
		if ok, err = compare(in.Pred, a, b, in.Class); err != nil {
			return
		}
		fr.vals[in.Dst] = 0
		if ok {
			fr.vals[in.Dst] = 1
		}

	case lir.Br:
		target = in.Target

	case lir.BrCond:
		var c int64
		if c, err = fr.value(in.Cond); err != nil {
			return
		}
		target = in.False
		if c != 0 {
			target = in.True
		}

	case lir.Call:
		args := make([]int64, len(in.Args))
		for i, a := range in.Args {
			if args[i], err = fr.value(a); err != nil {
				return
			}
		}
		var r int64
		if r, err = v.invoke(m, in.Callee, args); err != nil {
			return
		}
		if in.Dst != "" {
			fr.vals[in.Dst] = wrap(r, in.RetClass)
		}

	case lir.Ret:
		done = true
		if in.Src != "" {
			ret, err = fr.value(in.Src)
		}

	default:
		err = fmt.Errorf("unknown instruction %T", ins)
	}
	return
}

func (fr *frame) pair(a, b string) (int64, int64, error) {
	x, err := fr.value(a)
	if err != nil {
		return 0, 0, err
	}
	y, err := fr.value(b)
	return x, y, err
}

// invoke runs a primitive or a function of m.
func (v *VM) invoke(m *lir.Module, callee string, args []int64) (int64, error) {
	arg := func(i int) int64 {
		if i < len(args) {
			return args[i]
		}
		return 0
	}
	switch callee {
	case v.prims.Allocate.Symbol:
		v.stats.Calls[v.prims.Allocate.Name]++
		return v.mem.alloc(arg(0), arg(1)), nil
	case v.prims.Deallocate.Symbol:
		v.stats.Calls[v.prims.Deallocate.Name]++
		return 0, v.mem.free(arg(0))
	case v.prims.ReadByte.Symbol:
		v.stats.Calls[v.prims.ReadByte.Name]++
		b, err := v.host.ReadByte()
		if errors.Is(err, io.EOF) {
			return -1, nil
		}
		if err != nil {
			return 0, terrors.IO("read", "input", err)
		}
		return int64(b), nil
	case v.prims.WriteByte.Symbol:
		v.stats.Calls[v.prims.WriteByte.Name]++
		c := byte(arg(0))
		if err := v.host.WriteByte(c); err != nil {
			return 0, terrors.IO("write", "output", err)
		}
		return int64(c), nil
	}
	if f := m.Function(callee); f != nil {
		return v.call(m, f)
	}
	return 0, fmt.Errorf("call to unresolved symbol %s", callee)
}

// wrap truncates x to the width of class. i8 values are kept unsigned,
// i32 values sign-extended.
func wrap(x int64, class string) int64 {
	switch class {
	case lir.I8:
		return x & 0xff
	case lir.I32:
		return int64(int32(x))
	}
	return x
}

func signed(x int64, class string) int64 {
	switch class {
	case lir.I8:
		return int64(int8(x))
	case lir.I32:
		return int64(int32(x))
	}
	return x
}

func compare(pred string, a, b int64, class string) (bool, error) {
	ua, ub := uint64(wrap(a, class)), uint64(wrap(b, class))
	if class == lir.I32 {
		ua, ub = uint64(uint32(a)), uint64(uint32(b))
	}
	sa, sb := signed(a, class), signed(b, class)
	switch pred {
	case "eq":
		return ua == ub, nil
	case "ne":
		return ua != ub, nil
	case "slt":
		return sa < sb, nil
	case "sle":
		return sa <= sb, nil
	case "sgt":
		return sa > sb, nil
	case "sge":
		return sa >= sb, nil
	case "ult":
		return ua < ub, nil
	case "ule":
		return ua <= ub, nil
	case "ugt":
		return ua > ub, nil
	case "uge":
		return ua >= ub, nil
	}
	return false, fmt.Errorf("unknown predicate %q", pred)
}

// Run executes the entry function of m with in and out as the program's
// standard streams.
func Run(m *lir.Module, in io.Reader, out io.Writer, opts ...Option) (*VM, error) {
	host := NewStreamHost(in, out)
	v := New(host, opts...)
	_, err := v.Run(m)
	if ferr := host.Flush(); err == nil && ferr != nil {
		err = terrors.IO("write", "output", ferr)
	}
	return v, err
}
